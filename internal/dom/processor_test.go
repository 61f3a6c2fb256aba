package dom

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"feedmod/internal/deferred"
	"feedmod/internal/logger"
	"feedmod/internal/marker"
	"feedmod/pkg/model"
)

func newDoc(t *testing.T, body string) *Document {
	t.Helper()
	d, err := Parse("<html><body>"+body+"</body></html>", Options{})
	require.NoError(t, err)
	return d
}

func first(t *testing.T, d *Document, sel string) *html.Node {
	t.Helper()
	s := d.Find(sel)
	require.Equal(t, 1, s.Length(), "selector %s", sel)
	return s.Nodes[0]
}

func TestFullPassReplacesMarkedText(t *testing.T) {
	d := newDoc(t, `<p id="a">x__BLUR_START__bad__BLUR_END__y</p><script>var s="__BLUR_START__a__BLUR_END__"</script><style>.x{content:"__BLUR_START__"}</style>`)
	p := NewProcessor(d, ProcessorConfig{})
	p.Start()

	assert.Equal(t, 1, d.Find("#a span.diymod-marker").Length())
	assert.Equal(t, "bad", d.Find("#a span.diymod-blur").Text())
	assert.Equal(t, "xbady", d.Find("#a").Text())
	assert.Contains(t, d.Find("script").Text(), "__BLUR_START__a__BLUR_END__")
	assert.Contains(t, d.Find("style").Text(), "__BLUR_START__")
	assert.Equal(t, 1, p.Stats().TextNodes)
}

func TestObserverProcessesInsertedNodes(t *testing.T) {
	d := newDoc(t, `<div id="feed"></div>`)
	p := NewProcessor(d, ProcessorConfig{})
	p.Start()

	feed := first(t, d, "#feed")
	post := CreateElement("article")
	post.AppendChild(CreateText("__OVERLAY_START__Spoiler|ending__OVERLAY_END__"))
	d.AppendChild(feed, post)
	assert.Zero(t, d.Find(".diymod-overlay").Length())

	d.Flush()
	overlay := d.Find("article .diymod-overlay")
	require.Equal(t, 1, overlay.Length())
	assert.Equal(t, "Spoiler", overlay.AttrOr("data-warning", ""))
	assert.Equal(t, "ending", overlay.Find(".diymod-overlay-content").Text())
}

func TestCharacterDataChange(t *testing.T) {
	d := newDoc(t, `<p id="a">plain</p>`)
	p := NewProcessor(d, ProcessorConfig{})
	p.Start()

	text := first(t, d, "#a").FirstChild
	d.SetText(text, "one __REWRITE_START__two__REWRITE_END__")
	d.SetText(text, "one __REWRITE_START__three__REWRITE_END__")
	d.Flush()

	assert.Equal(t, "three", strings.TrimPrefix(d.Find("#a .diymod-rewrite").Text(), "Modified"))
	assert.Equal(t, 1, p.Stats().TextNodes)
}

func TestMutationBatchLogsDocumentVersion(t *testing.T) {
	var buf bytes.Buffer
	d := newDoc(t, `<p id="a">plain</p>`)
	p := NewProcessor(d, ProcessorConfig{Logger: logger.NewWriter(&buf, zerolog.DebugLevel)})
	p.Start()

	text := first(t, d, "#a").FirstChild
	d.SetText(text, "one")
	d.SetText(text, "two")
	d.Flush()

	var line map[string]any
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var l map[string]any
		require.NoError(t, json.Unmarshal(raw, &l))
		if l["message"] == "处理文档变更" {
			line = l
		}
	}
	require.NotNil(t, line)
	assert.EqualValues(t, 2, line["records"])
	assert.EqualValues(t, d.Version(), line["version"])
}

func TestScriptMutationsIgnored(t *testing.T) {
	d := newDoc(t, `<div id="a"></div>`)
	p := NewProcessor(d, ProcessorConfig{})
	p.Start()

	script := CreateElement("script")
	script.AppendChild(CreateText(`x = "__BLUR_START__k__BLUR_END__"`))
	d.AppendChild(first(t, d, "#a"), script)
	d.Flush()

	assert.Zero(t, d.Find(".diymod-blur").Length())
	assert.Zero(t, p.Stats().TextNodes)
}

func TestInnerHTMLSwapWithSpanningMarkers(t *testing.T) {
	d := newDoc(t, `<div id="a"></div>`)
	p := NewProcessor(d, ProcessorConfig{})
	p.Start()

	require.NoError(t, d.SetInnerHTML(first(t, d, "#a"), "__BLUR_START__<b>bold</b> text__BLUR_END__"))
	d.Flush()
	blur := d.Find("#a span.diymod-blur")
	require.Equal(t, 1, blur.Length())
	assert.Equal(t, "bold", blur.Find("b").Text())
	assert.Equal(t, 1, p.Stats().Reprocessed)
}

func TestAttributeChangeReprocessesInnerHTML(t *testing.T) {
	d := newDoc(t, `<div id="a">__REWRITE_START__<i>r</i>__REWRITE_END__</div>`)
	p := NewProcessor(d, ProcessorConfig{})
	p.Start()
	assert.Zero(t, d.Find(".diymod-rewrite").Length())

	d.SetAttr(first(t, d, "#a"), "class", "loaded")
	d.Flush()
	assert.Equal(t, 1, d.Find("#a .diymod-rewrite i").Length())
	assert.Equal(t, 1, p.Stats().Reprocessed)
}

func TestAttributeMarkersSurviveReprocessing(t *testing.T) {
	title := "__BLUR_START__x__BLUR_END__"
	d := newDoc(t, `<div id="d"><a id="l" title="`+title+`" href="/p">link</a></div>`)
	p := NewProcessor(d, ProcessorConfig{})
	p.Start()

	d.SetAttr(first(t, d, "#d"), "class", "loaded")
	d.Flush()
	link := d.Find("#l")
	require.Equal(t, 1, link.Length())
	assert.Equal(t, title, link.AttrOr("title", ""))
	assert.Equal(t, "/p", link.AttrOr("href", ""))
	assert.Equal(t, "link", link.Text())
	assert.Zero(t, p.Stats().Reprocessed)

	d2 := newDoc(t, `<div id="d">__REWRITE_START__<a id="l" title="`+title+`" href="/p">r</a>__REWRITE_END__</div>`)
	p2 := NewProcessor(d2, ProcessorConfig{})
	p2.Start()
	d2.SetAttr(first(t, d2, "#d"), "class", "loaded")
	d2.Flush()
	link = d2.Find("#d .diymod-rewrite a#l")
	require.Equal(t, 1, link.Length())
	assert.Equal(t, title, link.AttrOr("title", ""))
	assert.Equal(t, "/p", link.AttrOr("href", ""))
	assert.Equal(t, 1, p2.Stats().Reprocessed)
}

func TestUnmatchedMarkerDoesNotLoop(t *testing.T) {
	d := newDoc(t, `<p id="a"></p>`)
	p := NewProcessor(d, ProcessorConfig{})
	p.Start()

	d.AppendChild(first(t, d, "#a"), CreateText("__BLUR_START__ never closed"))
	assert.Less(t, d.Flush(), maxFlushRounds)
	assert.Equal(t, "__BLUR_START__ never closed", d.Find("#a").Text())
}

func TestImageOverlayIsIdempotent(t *testing.T) {
	cfg := marker.ImageConfig{Type: marker.ImageOverlay, Coordinates: []marker.Box{{X1: 10, Y1: 20, X2: 110, Y2: 70}}}
	d := newDoc(t, `<img id="i" src="https://i.redd.it/a.jpg">`)
	img := first(t, d, "#i")
	d.SetAttr(img, marker.ImageAttr, cfg.Encode())

	p := NewProcessor(d, ProcessorConfig{})
	p.Start()
	_, still := Attr(img, marker.ImageAttr)
	assert.False(t, still)

	d.SetAttr(img, marker.ImageAttr, cfg.Encode())
	d.Flush()

	assert.Equal(t, 1, d.Find(".diymod-image-wrapper").Length())
	boxes := d.Find(".diymod-image-wrapper ." + ClassOverlay)
	require.Equal(t, 1, boxes.Length())
	assert.Contains(t, boxes.AttrOr("style", ""), "left: 10px; top: 20px; width: 100px; height: 50px;")
}

func TestImageBlurNormalizedBoxes(t *testing.T) {
	cfg := marker.ImageConfig{Type: marker.ImageBlur, Coordinates: []marker.Box{
		{X1: 0, Y1: 0, X2: 0.5, Y2: 0.5},
		{X1: 0.5, Y1: 0.5, X2: 1, Y2: 1},
		{X1: 0, Y1: 0, X2: 0.5, Y2: 0.5},
	}}
	d := newDoc(t, `<p><img id="i" src="a.jpg" diy-mod-image='`+cfg.Encode()+`'></p>`)
	NewProcessor(d, ProcessorConfig{}).ProcessAll()

	boxes := d.Find("." + ClassBlurBox)
	require.Equal(t, 2, boxes.Length())
	assert.Contains(t, boxes.First().AttrOr("style", ""), "width: 50%")
	assert.Equal(t, 1, d.Find("p > .diymod-image-wrapper > img#i").Length())
}

func TestImageProcessedSwapsSource(t *testing.T) {
	d := newDoc(t, `<img id="i" src="a.jpg" srcset="a.jpg 1x" diy-mod-image='{"type":"processed","url":"b.jpg"}'>`)
	NewProcessor(d, ProcessorConfig{}).ProcessAll()

	img := d.Find("#i")
	assert.Equal(t, "b.jpg", img.AttrOr("src", ""))
	assert.Equal(t, "a.jpg", img.AttrOr(AttrOriginal, ""))
	_, hasSrcset := img.Attr("srcset")
	assert.False(t, hasSrcset)
}

func TestInvalidImageConfigRemoved(t *testing.T) {
	d := newDoc(t, `<img id="i" src="a.jpg" diy-mod-image='not json'>`)
	NewProcessor(d, ProcessorConfig{}).ProcessAll()
	_, ok := d.Find("#i").Attr(marker.ImageAttr)
	assert.False(t, ok)
	assert.Equal(t, "a.jpg", d.Find("#i").AttrOr("src", ""))
}

func deferredDoc(t *testing.T) *Document {
	cfg := marker.ImageConfig{Type: marker.ImageCartoonish, Status: marker.StatusDeferred, Filters: []string{"generic"}, BestFilterName: "spiders"}
	return newDoc(t, `<img id="i" src="https://i.redd.it/a.jpg" diy-mod-image='`+cfg.Encode()+`'>`)
}

func TestDeferredImageExpires(t *testing.T) {
	var polls atomic.Int32
	poller := deferred.New(deferred.Config{
		Poll: func(ctx context.Context, req model.ImagePollRequest) (model.ImagePollResult, error) {
			polls.Add(1)
			assert.Equal(t, []string{"spiders"}, req.Filters)
			return model.ImagePollResult{Status: model.ImageNotFound}, nil
		},
		Interval: time.Millisecond,
		MaxPolls: 3,
	})
	defer poller.Stop()

	d := deferredDoc(t)
	p := NewProcessor(d, ProcessorConfig{Poller: poller})
	p.Start()
	assert.Equal(t, 1, d.Find("."+ClassLoading).Length())
	_, kept := d.Find("#i").Attr(marker.ImageAttr)
	assert.True(t, kept)

	// 再次访问不会创建第二个任务
	d.SetAttr(first(t, d, "#i"), "alt", "x")
	d.Flush()
	assert.Equal(t, 1, d.Find("."+ClassLoading).Length())
	assert.Equal(t, 1, p.Stats().Deferred)

	require.Eventually(t, func() bool {
		d.RunPending()
		return d.Find("."+ClassLoading).Length() == 0
	}, 2*time.Second, 2*time.Millisecond)

	img := d.Find("#i")
	assert.Equal(t, "https://i.redd.it/a.jpg", img.AttrOr("src", ""))
	_, kept = img.Attr(marker.ImageAttr)
	assert.False(t, kept)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), polls.Load())
	assert.Zero(t, poller.Len())
}

func TestDeferredImageCompletes(t *testing.T) {
	poller := deferred.New(deferred.Config{
		Poll: func(ctx context.Context, req model.ImagePollRequest) (model.ImagePollResult, error) {
			return model.ImagePollResult{Status: model.ImageCompleted, ProcessedValue: "https://cdn/cartoon.png"}, nil
		},
		Interval: time.Millisecond,
		MaxPolls: 3,
	})
	defer poller.Stop()

	d := deferredDoc(t)
	NewProcessor(d, ProcessorConfig{Poller: poller}).Start()

	require.Eventually(t, func() bool {
		d.RunPending()
		return d.Find("#i").AttrOr("src", "") == "https://cdn/cartoon.png"
	}, 2*time.Second, 2*time.Millisecond)
	assert.Zero(t, d.Find("."+ClassLoading).Length())
	assert.Equal(t, "https://i.redd.it/a.jpg", d.Find("#i").AttrOr(AttrOriginal, ""))
}

func TestDeferredImagesSharingKeyAllComplete(t *testing.T) {
	poller := deferred.New(deferred.Config{
		Poll: func(ctx context.Context, req model.ImagePollRequest) (model.ImagePollResult, error) {
			return model.ImagePollResult{Status: model.ImageCompleted, ProcessedValue: "https://cdn/cartoon.png"}, nil
		},
		Interval: time.Millisecond,
		MaxPolls: 3,
	})
	defer poller.Stop()

	cfg := marker.ImageConfig{Type: marker.ImageCartoonish, Status: marker.StatusDeferred, BestFilterName: "spiders"}
	attr := `diy-mod-image='` + cfg.Encode() + `'`
	d := newDoc(t, `<img id="a" src="https://i.redd.it/a.jpg" `+attr+`><img id="b" src="https://i.redd.it/a.jpg" `+attr+`>`)
	p := NewProcessor(d, ProcessorConfig{Poller: poller})
	p.Start()
	assert.Equal(t, 2, d.Find("."+ClassLoading).Length())
	assert.Equal(t, 2, p.Stats().Deferred)

	require.Eventually(t, func() bool {
		d.RunPending()
		return d.Find(`img[src="https://cdn/cartoon.png"]`).Length() == 2
	}, 2*time.Second, 2*time.Millisecond)
	assert.Zero(t, d.Find("."+ClassLoading).Length())
	assert.Zero(t, d.Find("img["+marker.ImageAttr+"]").Length())
}

func TestDeferredOutcomeSurvivesFullTaskQueue(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	poller := deferred.New(deferred.Config{
		Poll: func(ctx context.Context, req model.ImagePollRequest) (model.ImagePollResult, error) {
			close(entered)
			<-release
			return model.ImagePollResult{Status: model.ImageCompleted, ProcessedValue: "https://cdn/cartoon.png"}, nil
		},
		Interval:       time.Millisecond,
		AttemptTimeout: time.Second,
		MaxPolls:       1,
	})

	cfg := marker.ImageConfig{Type: marker.ImageCartoonish, Status: marker.StatusDeferred, BestFilterName: "spiders"}
	root, err := Parse(`<html><body><img id="i" src="https://i.redd.it/a.jpg" diy-mod-image='`+cfg.Encode()+`'></body></html>`, Options{TaskQueue: 1})
	require.NoError(t, err)
	p := NewProcessor(root, ProcessorConfig{Poller: poller})
	p.Start()

	require.True(t, root.Post(func() {}))
	<-entered
	close(release)
	poller.Stop()

	assert.Equal(t, 1, root.RunPending())
	assert.Equal(t, "https://i.redd.it/a.jpg", root.Find("#i").AttrOr("src", ""))

	p.ProcessAll()
	assert.Equal(t, "https://cdn/cartoon.png", root.Find("#i").AttrOr("src", ""))
	assert.Zero(t, root.Find("."+ClassLoading).Length())
}

func TestDeferredWithoutPollerKeepsAttribute(t *testing.T) {
	d := deferredDoc(t)
	NewProcessor(d, ProcessorConfig{}).ProcessAll()
	_, kept := d.Find("#i").Attr(marker.ImageAttr)
	assert.True(t, kept)
	assert.Zero(t, d.Find("."+ClassLoading).Length())
}

func TestRenderMarkersFragment(t *testing.T) {
	in := `<shreddit-post id="t3_a"><div slot="text-body">hi __BLUR_START__x__BLUR_END__</div></shreddit-post>`
	out := RenderMarkers(in, nil)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "x", doc.Find("shreddit-post span.diymod-blur").Text())
	assert.False(t, strings.Contains(out, "<html"))

	plain := `<p>nothing to do</p>`
	assert.Equal(t, plain, RenderMarkers(plain, nil))
}

func TestRenderMarkersFullDocument(t *testing.T) {
	in := `<!DOCTYPE html><html><head><title>t</title></head><body><p>__REWRITE_START__r__REWRITE_END__</p></body></html>`
	out := RenderMarkers(in, marker.Default())
	assert.Contains(t, out, "<html>")
	assert.Contains(t, out, `class="diymod-rewrite"`)
}

func TestRunLoopExecutesPostedTasks(t *testing.T) {
	d := newDoc(t, `<p id="a"></p>`)
	NewProcessor(d, ProcessorConfig{}).Start()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	applied := make(chan struct{})
	require.True(t, d.Post(func() {
		d.AppendChild(d.Find("#a").Nodes[0], CreateText("__BLUR_START__z__BLUR_END__"))
	}))
	require.True(t, d.Post(func() { close(applied) }))
	<-applied
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, d.Find(".diymod-blur").Length())
}
