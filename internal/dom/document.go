// Package dom 在 x/net/html 文档树上模拟页面 DOM：显式的变更记录与观察者、
// 单协程事件循环，以及把标记替换为带样式元素的处理器。
package dom

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"feedmod/internal/logger"
)

// MutationType 变更类别
type MutationType string

const (
	ChildList     MutationType = "childList"
	CharacterData MutationType = "characterData"
	Attributes    MutationType = "attributes"
)

// maxFlushRounds 单次 Flush 中观察者回调引发新变更的最大轮数
const maxFlushRounds = 16

// Mutation 一条变更记录
type Mutation struct {
	Type          MutationType
	Target        *html.Node
	Added         []*html.Node
	Removed       []*html.Node
	AttributeName string
	OldValue      string
}

// Observer 变更订阅，记录在 Flush 时按批交付
type Observer struct {
	doc    *Document
	fn     func([]Mutation)
	queue  []Mutation
	active bool
}

// Disconnect 取消订阅并丢弃未交付的记录
func (o *Observer) Disconnect() {
	o.active = false
	o.queue = nil
}

// TakeRecords 取走尚未交付的记录
func (o *Observer) TakeRecords() []Mutation {
	q := o.queue
	o.queue = nil
	return q
}

// Document 单协程拥有的文档树；其他协程只能通过 Post 投递任务
type Document struct {
	root      *html.Node
	observers []*Observer
	tasks     chan func()
	version   uint64
	log       logger.Logger
}

// Options 文档选项
type Options struct {
	TaskQueue int
	Logger    logger.Logger
}

// Parse 解析 HTML 文档
func Parse(s string, opts Options) (*Document, error) {
	root, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return nil, err
	}
	return NewDocument(root, opts), nil
}

// NewDocument 包装已有的节点树
func NewDocument(root *html.Node, opts Options) *Document {
	if opts.TaskQueue <= 0 {
		opts.TaskQueue = 256
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Document{root: root, tasks: make(chan func(), opts.TaskQueue), log: opts.Logger}
}

// Root 文档根节点
func (d *Document) Root() *html.Node { return d.root }

// Version 每次变更递增
func (d *Document) Version() uint64 { return d.version }

// Body 返回 body 元素，不存在时返回根节点
func (d *Document) Body() *html.Node {
	if b := findElement(d.root, atom.Body); b != nil {
		return b
	}
	return d.root
}

// Find 以 CSS 选择器查询
func (d *Document) Find(selector string) *goquery.Selection {
	return goquery.NewDocumentFromNode(d.root).Find(selector)
}

// Render 输出整个文档
func (d *Document) Render() string {
	var buf bytes.Buffer
	html.Render(&buf, d.root)
	return buf.String()
}

// InnerHTML 输出节点的子树
func InnerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&buf, c)
	}
	return buf.String()
}

// Attr 读取属性
func Attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// HasClass 元素是否带有指定 class
func HasClass(n *html.Node, class string) bool {
	v, _ := Attr(n, "class")
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

// CreateElement 创建游离元素，attrs 为键值对
func CreateElement(tag string, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

// CreateText 创建文本节点
func CreateText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// Observe 订阅整个文档的变更
func (d *Document) Observe(fn func([]Mutation)) *Observer {
	o := &Observer{doc: d, fn: fn, active: true}
	d.observers = append(d.observers, o)
	return o
}

func (d *Document) record(m Mutation) {
	d.version++
	for _, o := range d.observers {
		if o.active {
			o.queue = append(o.queue, m)
		}
	}
}

// Flush 把积压的记录交付给观察者，回调中产生的新记录在下一轮交付
func (d *Document) Flush() int {
	delivered := 0
	for round := 0; round < maxFlushRounds; round++ {
		progressed := false
		for _, o := range append([]*Observer(nil), d.observers...) {
			if !o.active || len(o.queue) == 0 {
				continue
			}
			batch := o.TakeRecords()
			o.fn(batch)
			delivered += len(batch)
			progressed = true
		}
		if !progressed {
			break
		}
	}
	d.compact()
	return delivered
}

func (d *Document) compact() {
	out := d.observers[:0]
	for _, o := range d.observers {
		if o.active {
			out = append(out, o)
		}
	}
	d.observers = out
}

// AppendChild 追加子节点，已挂载的节点先从原位置移除
func (d *Document) AppendChild(parent, child *html.Node) {
	d.detach(child)
	parent.AppendChild(child)
	d.record(Mutation{Type: ChildList, Target: parent, Added: []*html.Node{child}})
}

// InsertBefore 在 ref 之前插入，ref 为 nil 时等同 AppendChild
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if ref == nil {
		d.AppendChild(parent, child)
		return
	}
	d.detach(child)
	parent.InsertBefore(child, ref)
	d.record(Mutation{Type: ChildList, Target: parent, Added: []*html.Node{child}})
}

// RemoveChild 移除子节点
func (d *Document) RemoveChild(parent, child *html.Node) {
	if child.Parent != parent {
		return
	}
	parent.RemoveChild(child)
	d.record(Mutation{Type: ChildList, Target: parent, Removed: []*html.Node{child}})
}

// ReplaceChild 用 newChild 替换 old
func (d *Document) ReplaceChild(parent, newChild, old *html.Node) {
	if old.Parent != parent {
		return
	}
	d.detach(newChild)
	parent.InsertBefore(newChild, old)
	parent.RemoveChild(old)
	d.record(Mutation{Type: ChildList, Target: parent, Added: []*html.Node{newChild}, Removed: []*html.Node{old}})
}

func (d *Document) detach(n *html.Node) {
	if n.Parent != nil {
		d.RemoveChild(n.Parent, n)
	}
}

// SetText 修改文本节点内容
func (d *Document) SetText(n *html.Node, text string) {
	old := n.Data
	if old == text {
		return
	}
	n.Data = text
	d.record(Mutation{Type: CharacterData, Target: n, OldValue: old})
}

// SetAttr 设置属性
func (d *Document) SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			if a.Val == val {
				return
			}
			n.Attr[i].Val = val
			d.record(Mutation{Type: Attributes, Target: n, AttributeName: key, OldValue: a.Val})
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	d.record(Mutation{Type: Attributes, Target: n, AttributeName: key})
}

// RemoveAttr 删除属性
func (d *Document) RemoveAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			d.record(Mutation{Type: Attributes, Target: n, AttributeName: key, OldValue: a.Val})
			return
		}
	}
}

// SetInnerHTML 整体替换子树，记录为一条 childList 变更
func (d *Document) SetInnerHTML(n *html.Node, s string) error {
	nodes, err := html.ParseFragment(strings.NewReader(s), n)
	if err != nil {
		return err
	}
	var removed []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for _, c := range nodes {
		n.AppendChild(c)
	}
	d.record(Mutation{Type: ChildList, Target: n, Added: nodes, Removed: removed})
	return nil
}

// Post 投递任务到事件循环，队列满时返回 false
func (d *Document) Post(fn func()) bool {
	select {
	case d.tasks <- fn:
		return true
	default:
		d.log.Error("DOM 任务队列已满，丢弃任务")
		return false
	}
}

// Run 事件循环：逐个执行任务，每个任务后交付变更记录
func (d *Document) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-d.tasks:
			fn()
			d.Flush()
		}
	}
}

// RunPending 执行当前已排队的任务后返回
func (d *Document) RunPending() int {
	n := 0
	for {
		select {
		case fn := <-d.tasks:
			fn()
			d.Flush()
			n++
		default:
			return n
		}
	}
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findElement(c, a); f != nil {
			return f
		}
	}
	return nil
}

// Contains 判断 n 是否位于 ancestor 子树内
func Contains(ancestor, n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == ancestor {
			return true
		}
	}
	return false
}

// Attached 节点是否仍挂在文档上
func (d *Document) Attached(n *html.Node) bool { return Contains(d.root, n) }
