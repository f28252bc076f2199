package parser

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// artifact-producing elements; containers also stop the descent so nested
// paragraphs inside a table or list are not double-counted
var artifactTags = map[string]string{
	"h1": TypeHeader, "h2": TypeHeader, "h3": TypeHeader,
	"h4": TypeHeader, "h5": TypeHeader, "h6": TypeHeader,
	"p":      TypeParagraph,
	"ul":     TypeList,
	"ol":     TypeList,
	"table":  TypeTable,
	"pre":    TypeCode,
	"figure": TypeImage,
	"img":    TypeImage,
}

// ParseHTML parses a document, tolerating broken markup.
func ParseHTML(r io.Reader) (*html.Node, error) {
	return html.Parse(r)
}

// Sanitize strips script, style, and noscript subtrees in place.
func Sanitize(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.ElementNode {
			switch c.Data {
			case "script", "style", "noscript":
				n.RemoveChild(c)
				continue
			}
		}
		Sanitize(c)
	}
}

// walker collects artifacts from an annotated DOM.
type walker struct {
	artifacts []Artifact
	headers   []string // header stack, index = level-1
	seq       int
}

// Walk collects typed artifacts from the document and annotates the DOM so the
// UI can deep-link to any artifact: sections get id="p-<n>", artifact nodes
// get data-artifact-id and id="a-<id>".
func Walk(doc *html.Node) ([]Artifact, Stats) {
	w := &walker{}
	sections := findSections(doc)
	if len(sections) == 0 {
		if body := findElement(doc, "body"); body != nil {
			w.walkNode(body, 0)
		}
	} else {
		for _, s := range sections {
			page := sectionPage(s.node)
			setAttr(s.node, "id", fmt.Sprintf("p-%d", page))
			w.walkNode(s.node, page)
		}
	}
	return w.artifacts, buildStats(w.artifacts)
}

type section struct {
	node *html.Node
	page int
}

func findSections(doc *html.Node) []section {
	var out []section
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "section" && getAttr(n, "data-page") != "" {
			out = append(out, section{node: n, page: sectionPage(n)})
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return out
}

func sectionPage(n *html.Node) int {
	page, _ := strconv.Atoi(getAttr(n, "data-page"))
	return page
}

func (w *walker) walkNode(n *html.Node, page int) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		typ, ok := artifactTags[c.Data]
		if !ok {
			w.walkNode(c, page)
			continue
		}
		w.emit(c, typ, page)
	}
}

func (w *walker) emit(n *html.Node, typ string, page int) {
	a := Artifact{
		Type:    typ,
		PageIdx: page,
		Headers: append([]string(nil), w.headers...),
	}

	switch typ {
	case TypeHeader:
		a.Text = nodeText(n)
		level := int(n.Data[1] - '0')
		w.setHeader(level, a.Text)
	case TypeList:
		a.Text = listText(n)
	case TypeTable:
		rows, cols := tableShape(n)
		a.Text = tableText(n)
		a.Metadata = map[string]any{
			"rows": rows,
			"cols": cols,
			"html": renderNode(n),
		}
	case TypeImage:
		a.Text = getAttr(n, "alt")
		a.Caption = figureCaption(n)
		if src := imageSrc(n); src != "" {
			a.RawPath = src
		}
	default:
		a.Text = nodeText(n)
	}

	if strings.TrimSpace(a.Text) == "" && typ != TypeImage {
		return
	}

	w.seq++
	a.ArtifactID = fmt.Sprintf("%05d", w.seq)
	setAttr(n, "data-artifact-id", a.ArtifactID)
	setAttr(n, "id", "a-"+a.ArtifactID)
	w.artifacts = append(w.artifacts, a)
}

// setHeader records a header at the given level and drops deeper levels.
func (w *walker) setHeader(level int, text string) {
	if level < 1 {
		level = 1
	}
	for len(w.headers) < level {
		w.headers = append(w.headers, "")
	}
	w.headers = w.headers[:level]
	w.headers[level-1] = text
	// compact empty slots left by skipped levels
	compact := w.headers[:0]
	for _, h := range w.headers {
		if h != "" {
			compact = append(compact, h)
		}
	}
	w.headers = compact
}

func buildStats(artifacts []Artifact) Stats {
	s := Stats{ArtifactCounts: make(map[string]int)}
	maxPage := -1
	for _, a := range artifacts {
		s.ArtifactCounts[a.Type]++
		s.TextChars += len(a.Text)
		switch a.Type {
		case TypeTable:
			s.Tables++
		case TypeImage:
			s.Images++
		}
		if a.PageIdx > maxPage {
			s.PagesDetected = a.PageIdx + 1
			maxPage = a.PageIdx
		}
	}
	return s
}

// nodeText returns the concatenated, whitespace-collapsed text of a subtree.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// listText renders list items as bullet lines.
func listText(n *html.Node) string {
	var items []string
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "li" {
			if t := nodeText(n); t != "" {
				items = append(items, "• "+t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.Join(items, "\n")
}

// tableText renders rows as pipe-joined cell text, one row per line.
func tableText(n *html.Node) string {
	var rows []string
	var visitRow func(*html.Node)
	visitRow = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			var visitCell func(*html.Node)
			visitCell = func(n *html.Node) {
				if n.Type == html.ElementNode && (n.Data == "td" || n.Data == "th") {
					cells = append(cells, nodeText(n))
					return
				}
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					visitCell(c)
				}
			}
			visitCell(n)
			rows = append(rows, strings.Join(cells, " | "))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visitRow(c)
		}
	}
	visitRow(n)
	return strings.Join(rows, "\n")
}

func tableShape(n *html.Node) (rows, cols int) {
	var visitRow func(*html.Node)
	visitRow = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			rows++
			count := 0
			var visitCell func(*html.Node)
			visitCell = func(n *html.Node) {
				if n.Type == html.ElementNode && (n.Data == "td" || n.Data == "th") {
					count++
					return
				}
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					visitCell(c)
				}
			}
			visitCell(n)
			if count > cols {
				cols = count
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visitRow(c)
		}
	}
	visitRow(n)
	return rows, cols
}

func figureCaption(n *html.Node) string {
	if fc := findElement(n, "figcaption"); fc != nil {
		return nodeText(fc)
	}
	return ""
}

func imageSrc(n *html.Node) string {
	if n.Data == "img" {
		return getAttr(n, "src")
	}
	if img := findElement(n, "img"); img != nil {
		return getAttr(img, "src")
	}
	return ""
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RenderHTML serializes an annotated document back to markup.
func RenderHTML(n *html.Node) string {
	return renderNode(n)
}

func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}
