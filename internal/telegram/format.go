package telegram

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// markdown renders model output. Raw HTML passes through goldmark
// because Sanitize reduces everything to Telegram's tag set anyway.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Table, extension.Linkify),
	goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
)

// RenderMarkdown converts Markdown (with optional inline HTML) to
// Telegram HTML.
func RenderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return html.EscapeString(md)
	}
	return Sanitize(buf.String())
}

// bodyContext parses fragments as if inside <body>.
var bodyContext = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Sanitize rewrites arbitrary HTML into the subset Telegram accepts:
// b, i, u, s, code, pre, a and blockquote. Block structure becomes
// line breaks and lists become bullet lines; everything else is
// reduced to its escaped text.
func Sanitize(s string) string {
	nodes, err := html.ParseFragment(strings.NewReader(s), bodyContext)
	if err != nil {
		return html.EscapeString(s)
	}
	var r renderer
	for _, n := range nodes {
		r.node(&r.out, n)
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(r.out.String(), "\n\n"))
}

// renderer walks a parsed fragment. lists holds the item counter of
// each enclosing list; zero means unordered.
type renderer struct {
	out   strings.Builder
	lists []int
}

func (r *renderer) children(w *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.node(w, c)
	}
}

// inner renders n's children into a fresh string.
func (r *renderer) inner(n *html.Node) string {
	var sb strings.Builder
	r.children(&sb, n)
	return sb.String()
}

func (r *renderer) wrap(w *strings.Builder, tag string, n *html.Node) {
	body := r.inner(n)
	if strings.TrimSpace(body) == "" {
		w.WriteString(body)
		return
	}
	fmt.Fprintf(w, "<%s>%s</%s>", tag, body, tag)
}

func (r *renderer) node(w *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		// Newlines between block elements carry no content.
		if strings.TrimSpace(n.Data) == "" && strings.Contains(n.Data, "\n") {
			return
		}
		w.WriteString(html.EscapeString(n.Data))
		return
	case html.ElementNode:
	default:
		r.children(w, n)
		return
	}

	switch n.DataAtom {
	case atom.B, atom.Strong:
		r.wrap(w, "b", n)
	case atom.I, atom.Em:
		r.wrap(w, "i", n)
	case atom.U, atom.Ins:
		r.wrap(w, "u", n)
	case atom.S, atom.Strike, atom.Del:
		r.wrap(w, "s", n)
	case atom.Code:
		w.WriteString("<code>" + html.EscapeString(textContent(n)) + "</code>")
	case atom.Pre:
		newBlock(w)
		w.WriteString("<pre>" + html.EscapeString(strings.TrimRight(textContent(n), "\n")) + "</pre>\n\n")
	case atom.A:
		href := attr(n, "href")
		if !safeHref(href) {
			r.children(w, n)
			return
		}
		fmt.Fprintf(w, `<a href="%s">%s</a>`, html.EscapeString(href), r.inner(n))
	case atom.Blockquote:
		newBlock(w)
		fmt.Fprintf(w, "<blockquote>%s</blockquote>\n\n", strings.TrimSpace(r.inner(n)))
	case atom.P, atom.Div:
		newBlock(w)
		r.children(w, n)
		w.WriteString("\n\n")
	case atom.Br:
		w.WriteString("\n")
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		newBlock(w)
		fmt.Fprintf(w, "<b>%s</b>\n\n", strings.TrimSpace(r.inner(n)))
	case atom.Ul, atom.Ol:
		if len(r.lists) > 0 && w.Len() > 0 && !strings.HasSuffix(w.String(), "\n") {
			w.WriteString("\n")
		}
		r.lists = append(r.lists, 0)
		if n.DataAtom == atom.Ol {
			r.lists[len(r.lists)-1] = 1
		}
		body := r.inner(n)
		r.lists = r.lists[:len(r.lists)-1]
		w.WriteString(body)
		if len(r.lists) == 0 {
			w.WriteString("\n")
		}
	case atom.Li:
		r.item(w, n)
	case atom.Hr:
		w.WriteString("――――――\n\n")
	case atom.Img:
		w.WriteString(html.EscapeString(attr(n, "alt")))
	case atom.Tr:
		var cells []string
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
				cells = append(cells, strings.TrimSpace(r.inner(c)))
			}
		}
		w.WriteString(strings.Join(cells, " | ") + "\n")
	case atom.Table:
		newBlock(w)
		r.children(w, n)
		w.WriteString("\n")
	case atom.Script, atom.Style, atom.Head, atom.Title, atom.Iframe, atom.Object, atom.Noscript, atom.Template:
	default:
		r.children(w, n)
	}
}

// newBlock separates a block element from inline text before it.
func newBlock(w *strings.Builder) {
	if w.Len() > 0 && !strings.HasSuffix(w.String(), "\n") {
		w.WriteString("\n\n")
	}
}

// item renders one list item with its bullet or number, indented by
// nesting depth.
func (r *renderer) item(w *strings.Builder, n *html.Node) {
	depth := len(r.lists)
	if depth == 0 {
		r.children(w, n)
		w.WriteString("\n")
		return
	}
	bullet := "• "
	if num := r.lists[depth-1]; num > 0 {
		bullet = fmt.Sprintf("%d. ", num)
		r.lists[depth-1]++
	}
	body := strings.TrimSpace(r.inner(n))
	body = blankRuns.ReplaceAllString(strings.ReplaceAll(body, "\n\n", "\n"), "\n")
	w.WriteString(strings.Repeat("  ", depth-1) + bullet + body + "\n")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func safeHref(href string) bool {
	h := strings.ToLower(strings.TrimSpace(href))
	for _, scheme := range []string{"http://", "https://", "tg://", "mailto:"} {
		if strings.HasPrefix(h, scheme) {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

// PlainText strips tags from Telegram HTML and unescapes entities.
func PlainText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return sb.String()
		case html.TextToken:
			sb.Write(z.Text())
		}
	}
}
