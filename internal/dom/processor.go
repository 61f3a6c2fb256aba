package dom

import (
	stdhtml "html"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"feedmod/internal/deferred"
	"feedmod/internal/logger"
	"feedmod/internal/marker"
)

// 处理器插入的元素 class
const (
	ClassMarker   = "diymod-marker"
	ClassWrapper  = "diymod-image-wrapper"
	ClassBlurBox  = "diymod-image-blur"
	ClassOverlay  = "diymod-image-overlay"
	ClassLoading  = "diymod-loading"
	AttrBoxKey    = "data-diymod-box"
	AttrOriginal  = "data-diymod-original-src"
	loadingLabel  = "Processing image..."
	wrapperStyle  = "position: relative; display: inline-block;"
	loadingStyle  = "position: absolute; inset: 0; display: flex; align-items: center; justify-content: center; background: rgba(0,0,0,0.4);"
	overlayFill   = "background: #000;"
	blurBoxFilter = "backdrop-filter: blur(12px);"
)

// ProcessorConfig 处理器配置
type ProcessorConfig struct {
	Registry *marker.Registry
	// Poller 为 nil 时延迟图片保持原样，属性保留
	Poller *deferred.Poller
	Logger logger.Logger
}

// ProcessorStats 处理计数
type ProcessorStats struct {
	TextNodes   int
	Reprocessed int
	Images      int
	Deferred    int
}

// Processor 全量扫描一次后订阅变更，增量替换带标记的文本与图片
type Processor struct {
	doc    *Document
	reg    *marker.Registry
	poller *deferred.Poller
	obs    *Observer
	// waiting 已提交轮询、等待终态的图片及其任务键；byKey 为同键的全部图片
	waiting map[*html.Node]string
	byKey   map[string][]*html.Node
	stats   ProcessorStats
	log     logger.Logger

	// outcomes 轮询协程交付、尚未在事件循环中应用的终态
	outMu    sync.Mutex
	outcomes []keyedOutcome
}

type keyedOutcome struct {
	key string
	o   deferred.Outcome
}

// NewProcessor 创建处理器
func NewProcessor(doc *Document, cfg ProcessorConfig) *Processor {
	if cfg.Registry == nil {
		cfg.Registry = marker.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Processor{
		doc:     doc,
		reg:     cfg.Registry,
		poller:  cfg.Poller,
		waiting: make(map[*html.Node]string),
		byKey:   make(map[string][]*html.Node),
		log:     cfg.Logger.With("component", "dom"),
	}
}

// Start 全量处理后开始观察，需在事件循环协程中调用
func (p *Processor) Start() {
	p.ProcessAll()
	p.obs = p.doc.Observe(p.handle)
}

// Stop 停止观察
func (p *Processor) Stop() {
	if p.obs != nil {
		p.obs.Disconnect()
	}
}

// Stats 返回处理计数
func (p *Processor) Stats() ProcessorStats { return p.stats }

// ProcessAll 处理整个 body 及全部带配置的图片
func (p *Processor) ProcessAll() {
	p.applyOutcomes()
	p.processNode(p.doc.Body())
	p.processImages()
}

// handle 处理一批变更：按节点身份去重，每个节点只处理一次
func (p *Processor) handle(records []Mutation) {
	p.log.Debug("处理文档变更", "records", len(records), "version", p.doc.Version())
	p.applyOutcomes()
	var nodes, reprocess nodeSet
	for _, r := range records {
		switch r.Type {
		case ChildList:
			for _, n := range r.Added {
				nodes.add(n)
			}
			if len(r.Added) > 0 {
				reprocess.add(r.Target)
			}
		case CharacterData:
			nodes.add(r.Target)
		case Attributes:
			if r.AttributeName != marker.ImageAttr {
				reprocess.add(r.Target)
			}
		}
	}

	for _, n := range nodes.list {
		if p.doc.Attached(n) {
			p.processNode(n)
		}
	}
	for _, n := range reprocess.list {
		if p.doc.Attached(n) {
			p.reprocessInner(n)
		}
	}
	p.processImages()

	// 丢弃本次处理自身产生的记录
	if p.obs != nil {
		p.obs.TakeRecords()
	}
}

// nodeSet 按节点身份去重，保留插入顺序
type nodeSet struct {
	seen map[*html.Node]struct{}
	list []*html.Node
}

func (s *nodeSet) add(n *html.Node) {
	if n == nil || excluded(n) {
		return
	}
	if s.seen == nil {
		s.seen = make(map[*html.Node]struct{})
	}
	if _, ok := s.seen[n]; ok {
		return
	}
	s.seen[n] = struct{}{}
	s.list = append(s.list, n)
}

// excluded 位于 script/style 内的节点不参与处理
func excluded(n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return true
		}
	}
	return false
}

func (p *Processor) processNode(n *html.Node) {
	if n.Type == html.TextNode {
		p.processText(n)
		return
	}
	var targets []*html.Node
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		switch c.Type {
		case html.TextNode:
			if p.reg.HasAnyMarkers(c.Data) {
				targets = append(targets, c)
			}
			return
		case html.ElementNode:
			if c.DataAtom == atom.Script || c.DataAtom == atom.Style {
				return
			}
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	for _, t := range targets {
		p.processText(t)
	}
}

// processText 用包含转换结果的 span 替换文本节点
func (p *Processor) processText(n *html.Node) {
	if n.Parent == nil || !p.reg.HasAnyMarkers(n.Data) {
		return
	}
	escaped := stdhtml.EscapeString(n.Data)
	out := p.reg.Process(escaped)
	if out == escaped {
		return
	}
	span := CreateElement("span", "class", ClassMarker)
	nodes, err := html.ParseFragment(strings.NewReader(out), span)
	if err != nil {
		p.log.Debug("解析标记结果失败", "error", err)
		return
	}
	for _, c := range nodes {
		span.AppendChild(c)
	}
	p.doc.ReplaceChild(n.Parent, span, n)
	p.stats.TextNodes++
}

// reprocessInner 子树被整体替换后，若文本内容仍含标记则整体重写 innerHTML；
// 含 script/style 的子树不整体重写，属性值在重写期间被遮蔽
func (p *Processor) reprocessInner(el *html.Node) {
	if el.Type != html.ElementNode || hasCode(el) || !p.reg.HasAnyMarkers(textContent(el)) {
		return
	}
	masked := p.maskAttrs(el)
	inner := InnerHTML(el)
	out := p.reg.Process(inner)
	if out == inner {
		restoreAttrs(el, masked)
		return
	}
	if err := p.doc.SetInnerHTML(el, out); err != nil {
		restoreAttrs(el, masked)
		p.log.Debug("重写 innerHTML 失败", "error", err)
		return
	}
	restoreAttrs(el, masked)
	p.stats.Reprocessed++
}

// textContent 子树全部文本节点的拼接
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			return
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	return b.String()
}

// maskAttrs 把后代中含标记的属性值换成占位符，返回占位符到原值的映射
func (p *Processor) maskAttrs(el *html.Node) map[string]string {
	var masked map[string]string
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		for i, a := range c.Attr {
			if !p.reg.HasAnyMarkers(a.Val) {
				continue
			}
			if masked == nil {
				masked = make(map[string]string)
			}
			key := "diymod-attr-" + strconv.Itoa(len(masked))
			masked[key] = a.Val
			c.Attr[i].Val = key
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return masked
}

// restoreAttrs 还原被遮蔽的属性值
func restoreAttrs(el *html.Node, masked map[string]string) {
	if len(masked) == 0 {
		return
	}
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		for i, a := range c.Attr {
			if v, ok := masked[a.Val]; ok {
				c.Attr[i].Val = v
			}
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
}

func hasCode(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Script || c.DataAtom == atom.Style) {
			return true
		}
		if hasCode(c) {
			return true
		}
	}
	return false
}

func (p *Processor) processImages() {
	var imgs []*html.Node
	p.doc.Find("img[" + marker.ImageAttr + "]").Each(func(_ int, s *goquery.Selection) {
		imgs = append(imgs, s.Nodes...)
	})
	for _, img := range imgs {
		p.processImage(img)
	}
}

// processImage 按配置类型分发
func (p *Processor) processImage(img *html.Node) {
	raw, _ := Attr(img, marker.ImageAttr)
	cfg, err := marker.ParseImageConfig(raw)
	if err != nil {
		p.log.Debug("无效的图片配置，已移除", "error", err)
		p.doc.RemoveAttr(img, marker.ImageAttr)
		return
	}

	switch cfg.Type {
	case marker.ImageProcessed:
		if v := firstNonEmpty(cfg.URL, cfg.ProcessedValue); v != "" {
			p.swapSource(img, v)
		}
	case marker.ImageBlur, marker.ImageOverlay:
		p.applyBoxes(img, cfg)
	case marker.ImageCartoonish, marker.ImageEdit:
		if cfg.IsDeferred() {
			p.deferImage(img, cfg)
			return
		}
		if strings.EqualFold(cfg.Status, marker.StatusCompleted) {
			if v := firstNonEmpty(cfg.ProcessedValue, cfg.URL); v != "" {
				p.swapSource(img, v)
			}
		}
	default:
		p.log.Debug("未知的图片干预类型", "type", cfg.Type)
	}
	p.doc.RemoveAttr(img, marker.ImageAttr)
	p.stats.Images++
}

func (p *Processor) swapSource(img *html.Node, src string) {
	if _, ok := Attr(img, AttrOriginal); !ok {
		if cur, ok := Attr(img, "src"); ok {
			p.doc.SetAttr(img, AttrOriginal, cur)
		}
	}
	p.doc.SetAttr(img, "src", src)
	p.doc.RemoveAttr(img, "srcset")
}

// wrap 返回图片的定位容器，不存在时插入一个
func (p *Processor) wrap(img *html.Node) *html.Node {
	parent := img.Parent
	if parent == nil {
		return nil
	}
	if parent.Type == html.ElementNode && HasClass(parent, ClassWrapper) {
		return parent
	}
	w := CreateElement("div", "class", ClassWrapper, "style", wrapperStyle)
	p.doc.InsertBefore(parent, w, img)
	p.doc.AppendChild(w, img)
	return w
}

// applyBoxes 为每个区域叠加一层，相同坐标只保留一层
func (p *Processor) applyBoxes(img *html.Node, cfg marker.ImageConfig) {
	if len(cfg.Coordinates) == 0 {
		return
	}
	w := p.wrap(img)
	if w == nil {
		return
	}
	existing := make(map[string]struct{})
	for c := w.FirstChild; c != nil; c = c.NextSibling {
		if k, ok := Attr(c, AttrBoxKey); ok {
			existing[k] = struct{}{}
		}
	}
	normalized := isNormalized(cfg.Coordinates)
	for _, b := range cfg.Coordinates {
		key := string(cfg.Type) + ":" + b.Key()
		if _, ok := existing[key]; ok {
			continue
		}
		existing[key] = struct{}{}

		pos := boxStyle(b, normalized)
		var el *html.Node
		switch {
		case cfg.Type == marker.ImageBlur:
			el = CreateElement("div", "class", ClassBlurBox, "style", pos+" "+blurBoxFilter)
		case cfg.OverlayURL != "":
			el = CreateElement("img", "class", ClassOverlay, "src", cfg.OverlayURL, "alt", "", "style", pos+" object-fit: cover;")
		default:
			el = CreateElement("div", "class", ClassOverlay, "style", pos+" "+overlayFill)
		}
		el.Attr = append(el.Attr, html.Attribute{Key: AttrBoxKey, Val: key})
		p.doc.AppendChild(w, el)
	}
}

// deferImage 显示加载层并提交轮询；属性保留到任务结束
func (p *Processor) deferImage(img *html.Node, cfg marker.ImageConfig) {
	if p.poller == nil {
		return
	}
	if _, ok := p.waiting[img]; ok {
		return
	}
	src, _ := Attr(img, "src")
	original := firstNonEmpty(src, cfg.URL)
	if original == "" {
		p.doc.RemoveAttr(img, marker.ImageAttr)
		return
	}
	filters := cfg.PollFilters()
	key := marker.JobKey(original, filters)
	if _, polling := p.byKey[key]; !polling {
		if !p.poller.Submit(original, filters, func(o deferred.Outcome) { p.deliver(key, o) }) {
			p.log.Debug("轮询任务已由其他处理器跟踪或轮询器已停止", "url", original)
			return
		}
	}
	if _, ok := Attr(img, AttrOriginal); !ok {
		p.doc.SetAttr(img, AttrOriginal, original)
	}
	p.showLoading(img)
	p.waiting[img] = key
	p.byKey[key] = append(p.byKey[key], img)
	p.stats.Deferred++
}

// deliver 在轮询协程中调用：暂存终态并投递一次应用任务。
// 投递失败时终态保留，在下一次任务或变更处理时应用
func (p *Processor) deliver(key string, o deferred.Outcome) {
	p.outMu.Lock()
	p.outcomes = append(p.outcomes, keyedOutcome{key: key, o: o})
	p.outMu.Unlock()
	if !p.doc.Post(p.applyOutcomes) {
		p.log.Error("终态应用任务投递失败，等待下次处理", "url", o.Job.OriginalURL, "state", string(o.Job.State))
	}
}

// applyOutcomes 在事件循环中应用全部暂存终态
func (p *Processor) applyOutcomes() {
	p.outMu.Lock()
	pending := p.outcomes
	p.outcomes = nil
	p.outMu.Unlock()
	for _, ko := range pending {
		imgs := p.byKey[ko.key]
		delete(p.byKey, ko.key)
		for _, img := range imgs {
			p.finishDeferred(img, ko.o)
		}
	}
}

func (p *Processor) showLoading(img *html.Node) {
	w := p.wrap(img)
	if w == nil {
		return
	}
	for c := w.FirstChild; c != nil; c = c.NextSibling {
		if HasClass(c, ClassLoading) {
			return
		}
	}
	el := CreateElement("div", "class", ClassLoading, "style", loadingStyle)
	el.AppendChild(CreateElement("span", "class", "diymod-spinner"))
	label := CreateElement("span", "class", "diymod-loading-label")
	label.AppendChild(CreateText(loadingLabel))
	el.AppendChild(label)
	p.doc.AppendChild(w, el)
}

func (p *Processor) removeLoading(img *html.Node) {
	w := img.Parent
	if w == nil || !HasClass(w, ClassWrapper) {
		return
	}
	for c := w.FirstChild; c != nil; {
		next := c.NextSibling
		if HasClass(c, ClassLoading) {
			p.doc.RemoveChild(w, c)
		}
		c = next
	}
}

// finishDeferred 在事件循环中应用终态：完成则换图，过期则保持原图
func (p *Processor) finishDeferred(img *html.Node, o deferred.Outcome) {
	delete(p.waiting, img)
	if !p.doc.Attached(img) {
		return
	}
	p.removeLoading(img)
	if o.Completed() {
		p.swapSource(img, o.ProcessedValue)
	}
	p.doc.RemoveAttr(img, marker.ImageAttr)
	p.stats.Images++
}

func isNormalized(boxes []marker.Box) bool {
	for _, b := range boxes {
		if b.X1 > 1 || b.Y1 > 1 || b.X2 > 1 || b.Y2 > 1 {
			return false
		}
	}
	return true
}

// boxStyle 像素坐标按 px 定位，归一化坐标按百分比定位
func boxStyle(b marker.Box, normalized bool) string {
	unit, scale := "px", 1.0
	if normalized {
		unit, scale = "%", 100
	}
	f := func(v float64) string { return strconv.FormatFloat(v*scale, 'f', -1, 64) + unit }
	return "position: absolute; left: " + f(b.X1) + "; top: " + f(b.Y1) +
		"; width: " + f(b.X2-b.X1) + "; height: " + f(b.Y2-b.Y1) + ";"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
