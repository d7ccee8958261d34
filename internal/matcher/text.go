package matcher

import (
	"strings"
	"time"

	"golang.org/x/net/html"

	"healthboard/internal/domain"
)

// PlainText strips markup from message content and collapses whitespace.
// Content that does not parse is returned trimmed.
func PlainText(content string) string {
	if !strings.ContainsAny(content, "<&") {
		return strings.Join(strings.Fields(content), " ")
	}
	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return strings.TrimSpace(content)
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
			if n.Data == "br" || n.Data == "p" || n.Data == "div" || n.Data == "li" {
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.Join(strings.Fields(b.String()), " ")
}

// NewCandidate parses msg's date in loc and strips its content.
func NewCandidate(msg domain.Message, loc *time.Location) Candidate {
	return Candidate{
		Message: msg,
		Date:    domain.ParseDatePtr(msg.Date, loc),
		Text:    PlainText(msg.Content),
	}
}

// Candidates converts a message list in order.
func Candidates(msgs []domain.Message, loc *time.Location) []Candidate {
	out := make([]Candidate, len(msgs))
	for i, m := range msgs {
		out[i] = NewCandidate(m, loc)
	}
	return out
}
