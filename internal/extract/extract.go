package extract

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// MinTextLength is the rendered text length an element must exceed before its
// paragraph count is considered. It rejects nav/footer style containers that
// carry a stray <p> but little prose.
const MinTextLength = 500

// Content is what one extraction run hands to the relay.
type Content struct {
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl"`
}

// Empty reports whether neither text nor image were found.
func (c Content) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && strings.TrimSpace(c.ImageURL) == ""
}

// Element is one candidate container in document order.
type Element struct {
	Node       *html.Node
	Tag        string
	TextLength int
	Paragraphs int
}

// FromHTML parses input and runs the main-content and image heuristics.
// Parse failures yield an empty Content.
func FromHTML(input []byte) Content {
	doc, err := html.Parse(bytes.NewReader(input))
	if err != nil || doc == nil {
		return Content{}
	}
	return FromNode(doc)
}

// FromNode runs the heuristics over an already parsed document.
func FromNode(doc *html.Node) Content {
	body := findFirst(doc, "body")
	var text string
	if el, ok := SelectMainContent(Snapshot(body)); ok {
		text = renderText(el.Node)
	} else if body != nil {
		text = renderText(body)
	}
	return Content{
		Text:     strings.TrimSpace(norm.NFC.String(text)),
		ImageURL: OpenGraphImage(doc),
	}
}

// SelectMainContent picks the element with the most descendant paragraphs
// among those whose text is longer than MinTextLength. The comparison is
// strict, so on ties the earliest element in elems wins.
func SelectMainContent(elems []Element) (Element, bool) {
	var best Element
	found := false
	maxParagraphs := 0
	for _, el := range elems {
		if el.TextLength <= MinTextLength {
			continue
		}
		if el.Paragraphs > maxParagraphs {
			best = el
			maxParagraphs = el.Paragraphs
			found = true
		}
	}
	return best, found
}

// Snapshot lists every element below root (root excluded) in document order
// with its text length in runes and its count of descendant <p> elements.
func Snapshot(root *html.Node) []Element {
	if root == nil {
		return nil
	}
	var out []Element
	var visit func(n *html.Node) (int, int)
	visit = func(n *html.Node) (int, int) {
		textLen, paragraphs := 0, 0
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				textLen += utf8.RuneCountInString(c.Data)
			case html.ElementNode:
				idx := len(out)
				out = append(out, Element{Node: c, Tag: strings.ToLower(c.Data)})
				childLen, childParas := visit(c)
				out[idx].TextLength = childLen
				out[idx].Paragraphs = childParas
				textLen += childLen
				paragraphs += childParas
				if strings.EqualFold(c.Data, "p") {
					paragraphs++
				}
			}
		}
		return textLen, paragraphs
	}
	visit(root)
	return out
}

// OpenGraphImage returns the content of the first og:image meta tag, or ""
// when the page declares none. <img> elements are never considered.
func OpenGraphImage(doc *html.Node) string {
	var found *html.Node
	var dfs func(*html.Node)
	dfs = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "meta") && attr(n, "property") == "og:image" {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			dfs(c)
		}
	}
	if doc != nil {
		dfs(doc)
	}
	if found == nil {
		return ""
	}
	return attr(found, "content")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func findFirst(n *html.Node, tag string) *html.Node {
	if n == nil {
		return nil
	}
	var res *html.Node
	var dfs func(*html.Node)
	dfs = func(cur *html.Node) {
		if res != nil {
			return
		}
		if cur.Type == html.ElementNode && strings.EqualFold(cur.Data, tag) {
			res = cur
			return
		}
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			dfs(c)
			if res != nil {
				return
			}
		}
	}
	dfs(n)
	return res
}

// renderText approximates the rendered text of n: non-rendered elements are
// dropped and block elements are separated by line breaks.
func renderText(n *html.Node) string {
	var b strings.Builder
	collectText(&b, n, false)
	return normalizeWhitespace(b.String())
}

func collectText(b *strings.Builder, n *html.Node, inPre bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript", "template", "head":
			return
		case "pre":
			inPre = true
		case "br", "hr":
			b.WriteString("\n")
		case "p", "h1", "h2", "h3", "h4", "h5", "h6", "li", "ul", "ol",
			"div", "section", "article", "main", "header", "footer", "nav",
			"aside", "blockquote", "figure", "figcaption", "table", "tr":
			b.WriteString("\n")
		case "td", "th":
			b.WriteString(" ")
		}
	}

	if n.Type == html.TextNode {
		data := n.Data
		if !inPre {
			data = strings.ReplaceAll(data, "\t", " ")
			data = strings.ReplaceAll(data, "\r", " ")
			data = strings.ReplaceAll(data, "\n", " ")
		}
		b.WriteString(data)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c, inPre)
	}

	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "p", "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteString("\n\n")
		case "li", "div", "section", "article", "main", "header", "footer",
			"nav", "aside", "blockquote", "figure", "figcaption", "table", "tr":
			b.WriteString("\n")
		case "pre":
			b.WriteString("\n")
		}
	}
}

// normalizeWhitespace trims each line, collapses runs of spaces and keeps at
// most one blank line between paragraphs.
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(out) == 0 || out[len(out)-1] == "" {
				continue
			}
			out = append(out, "")
			continue
		}
		out = append(out, collapseSpaces(trimmed))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func collapseSpaces(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\u00a0' {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return b.String()
}
