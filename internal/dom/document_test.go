package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func TestMutationRecords(t *testing.T) {
	d := newDoc(t, `<div id="a">hi</div>`)
	var got []Mutation
	o := d.Observe(func(m []Mutation) { got = append(got, m...) })

	div := first(t, d, "#a")
	d.SetAttr(div, "class", "x")
	d.SetAttr(div, "class", "x")
	d.SetText(div.FirstChild, "bye")
	span := CreateElement("span")
	d.AppendChild(div, span)
	d.RemoveAttr(div, "class")
	v := d.Version()

	assert.Empty(t, got)
	assert.Equal(t, 4, d.Flush())
	require.Len(t, got, 4)
	assert.Equal(t, Attributes, got[0].Type)
	assert.Equal(t, "class", got[0].AttributeName)
	assert.Equal(t, CharacterData, got[1].Type)
	assert.Equal(t, "hi", got[1].OldValue)
	assert.Equal(t, ChildList, got[2].Type)
	assert.Equal(t, []*html.Node{span}, got[2].Added)
	assert.Equal(t, "x", got[3].OldValue)
	assert.Equal(t, uint64(4), v)

	o.Disconnect()
	d.SetAttr(div, "id", "b")
	assert.Zero(t, d.Flush())
}

func TestMoveRecordsRemovalAndInsertion(t *testing.T) {
	d := newDoc(t, `<p id="a"><b id="b"></b></p><p id="c"></p>`)
	var got []Mutation
	d.Observe(func(m []Mutation) { got = append(got, m...) })

	d.AppendChild(first(t, d, "#c"), first(t, d, "#b"))
	d.Flush()
	require.Len(t, got, 2)
	assert.Len(t, got[0].Removed, 1)
	assert.Len(t, got[1].Added, 1)
	assert.Equal(t, 1, d.Find("#c > #b").Length())
}

func TestObserverCallbackMutationsDeliveredNextRound(t *testing.T) {
	d := newDoc(t, `<p id="a"></p>`)
	rounds := 0
	d.Observe(func(m []Mutation) {
		rounds++
		if rounds == 1 {
			d.SetAttr(first(t, d, "#a"), "data-seen", "1")
		}
	})
	d.SetAttr(first(t, d, "#a"), "class", "x")
	assert.Equal(t, 2, d.Flush())
	assert.Equal(t, 2, rounds)
}

func TestPostQueueFull(t *testing.T) {
	d := NewDocument(CreateElement("body"), Options{TaskQueue: 1})
	assert.True(t, d.Post(func() {}))
	assert.False(t, d.Post(func() {}))
	assert.Equal(t, 1, d.RunPending())
}
