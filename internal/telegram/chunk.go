package telegram

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// MaxMessageLen is the Bot API limit for one message, in UTF-16 units.
const MaxMessageLen = 4096

// Break qualities, best last.
const (
	breakNone = iota
	breakWord
	breakLine
	breakParagraph
)

type pieceKind int

const (
	pieceText pieceKind = iota
	pieceOpen
	pieceClose
)

// piece is an indivisible run of output: a tag or a word with its
// trailing whitespace. brk grades the boundary after it.
type piece struct {
	kind pieceKind
	raw  string
	tag  string
	brk  int
	size int
}

// Chunk splits Telegram HTML into messages of at most limit units. It
// cuts at paragraph breaks, then line breaks, then spaces, and never
// inside a tag or entity. Tags still open at a cut are closed at the
// end of the chunk and reopened at the start of the next.
func Chunk(s string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLen
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if units(s) <= limit {
		return []string{s}
	}
	return assemble(tokenize(s, limit), limit)
}

// chunkPlain splits text that is sent without markup.
func chunkPlain(s string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLen
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if units(s) <= limit {
		return []string{s}
	}
	return assemble(splitText(s, limit, func(v string) string { return v }), limit)
}

func assemble(pieces []piece, limit int) []string {
	var (
		out  []string
		open []piece
	)
	for i := 0; i < len(pieces); {
		prefix := reopen(open)
		cut, stack := fit(pieces, i, open, units(prefix), limit)

		var sb strings.Builder
		sb.WriteString(prefix)
		for _, p := range pieces[i:cut] {
			sb.WriteString(p.raw)
		}
		sb.WriteString(closers(stack))
		if c := strings.TrimSpace(sb.String()); strings.TrimSpace(PlainText(c)) != "" {
			out = append(out, c)
		}
		open, i = stack, cut
	}
	return out
}

// fit returns the end of the next chunk starting at pieces[start] and
// the tags open there. used counts the reopened prefix.
func fit(pieces []piece, start int, open []piece, used, limit int) (int, []piece) {
	type mark struct {
		at    int
		used  int
		stack []piece
	}
	var best [breakParagraph + 1]mark

	stack := open
	end, endStack := start, open
	for j := start; j < len(pieces); j++ {
		stack = apply(stack, pieces[j])
		used += pieces[j].size
		if used+closeSize(stack) > limit {
			break
		}
		end, endStack = j+1, stack
		if q := pieces[j].brk; q > breakNone {
			best[q] = mark{at: j + 1, used: used, stack: stack}
		}
	}
	if end == len(pieces) {
		return end, endStack
	}

	// Prefer the strongest break that still fills half the message,
	// then the strongest break at all.
	for q := breakParagraph; q > breakNone; q-- {
		if best[q].at > start && best[q].used >= limit/2 {
			return best[q].at, best[q].stack
		}
	}
	for q := breakParagraph; q > breakNone; q-- {
		if best[q].at > start {
			return best[q].at, best[q].stack
		}
	}
	if end == start {
		return start + 1, apply(open, pieces[start])
	}
	return end, endStack
}

// apply returns the open-tag stack after p without modifying stack.
func apply(stack []piece, p piece) []piece {
	switch p.kind {
	case pieceOpen:
		return append(slices.Clip(stack), p)
	case pieceClose:
		for k := len(stack) - 1; k >= 0; k-- {
			if stack[k].tag == p.tag {
				return append(slices.Clip(stack[:k]), stack[k+1:]...)
			}
		}
	}
	return stack
}

func reopen(stack []piece) string {
	var sb strings.Builder
	for _, p := range stack {
		sb.WriteString(p.raw)
	}
	return sb.String()
}

func closers(stack []piece) string {
	var sb strings.Builder
	for k := len(stack) - 1; k >= 0; k-- {
		sb.WriteString("</" + stack[k].tag + ">")
	}
	return sb.String()
}

func closeSize(stack []piece) int {
	n := 0
	for _, p := range stack {
		n += len(p.tag) + 3
	}
	return n
}

// tokenize splits sanitized HTML into pieces.
func tokenize(s string, limit int) []piece {
	var out []piece
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.TextToken:
			out = append(out, splitText(string(z.Text()), limit, html.EscapeString)...)
		case html.StartTagToken:
			raw := string(z.Raw())
			name, _ := z.TagName()
			out = append(out, piece{kind: pieceOpen, raw: raw, tag: string(name), size: units(raw)})
		case html.EndTagToken:
			raw := string(z.Raw())
			name, _ := z.TagName()
			out = append(out, piece{kind: pieceClose, raw: raw, tag: string(name), size: units(raw)})
		default:
			raw := string(z.Raw())
			out = append(out, piece{kind: pieceText, raw: raw, size: units(raw)})
		}
	}
}

// splitText cuts text after each whitespace run. Words too long to
// share a message are split at rune boundaries.
func splitText(text string, limit int, escape func(string) string) []piece {
	maxWord := max(limit/4, 1)
	var out []piece
	add := func(s string, brk int) {
		raw := escape(s)
		out = append(out, piece{kind: pieceText, raw: raw, brk: brk, size: units(raw)})
	}
	for text != "" {
		word, space := text, ""
		if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
			word = text[:i]
			rest := text[i:]
			j := strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsSpace(r) })
			if j < 0 {
				j = len(rest)
			}
			space, text = rest[:j], rest[j:]
		} else {
			text = ""
		}
		for units(escape(word)) > maxWord {
			head, tail := splitUnits(word, maxWord/2)
			add(head, breakNone)
			word = tail
		}
		add(word+space, breakQuality(space))
	}
	return out
}

func breakQuality(space string) int {
	switch n := strings.Count(space, "\n"); {
	case n >= 2:
		return breakParagraph
	case n == 1:
		return breakLine
	case space != "":
		return breakWord
	}
	return breakNone
}

// splitUnits returns the longest prefix of s within n units, at least
// one rune, and the remainder.
func splitUnits(s string, n int) (string, string) {
	used := 0
	for i, r := range s {
		u := runeUnits(r)
		if used+u > n && i > 0 {
			return s[:i], s[i:]
		}
		used += u
	}
	return s, ""
}

// units measures s the way the Bot API counts length: UTF-16 code
// units.
func units(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

func runeUnits(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}
