// Package matcher scores project-level messages against a task that has no
// directly linked messages.
package matcher

import (
	"strings"
	"time"
	"unicode"

	"healthboard/internal/domain"
)

// Weights are the additive signal scores plus the inclusion threshold.
type Weights struct {
	AssigneeName     int
	Mention          int
	Keyword          int
	AuthorIsAssignee int
	FileKeyword      int
	ReplyMarker      int
	Threshold        int
	LookbackDays     int
	MaxKeywords      int
}

// DefaultWeights returns the stock weights: threshold 5 with a
// seven-day lookback.
func DefaultWeights() Weights {
	return Weights{
		AssigneeName:     10,
		Mention:          15,
		Keyword:          3,
		AuthorIsAssignee: 8,
		FileKeyword:      5,
		ReplyMarker:      2,
		Threshold:        5,
		LookbackDays:     7,
		MaxKeywords:      5,
	}
}

// Target is the task messages are matched against.
type Target struct {
	Title         string
	StartDate     *time.Time
	CompletedDate *time.Time
	Assignees     []string
}

// Candidate is a message with its parsed date and plain-text content.
type Candidate struct {
	Message domain.Message
	Date    *time.Time
	Text    string
}

// Matcher scores candidates against a target. Now bounds the window of an
// unfinished task; nil means the wall clock.
type Matcher struct {
	Weights Weights
	Now     func() time.Time
}

// New returns a Matcher using w and the wall clock.
func New(w Weights) *Matcher {
	return &Matcher{Weights: w, Now: time.Now}
}

// Breakdown explains a candidate's score.
type Breakdown struct {
	Excluded         string   `json:"excluded,omitempty"`
	AssigneeName     int      `json:"assigneeName"`
	Mention          int      `json:"mention"`
	Keywords         []string `json:"keywords,omitempty"`
	Keyword          int      `json:"keyword"`
	AuthorIsAssignee int      `json:"authorIsAssignee"`
	FileKeyword      int      `json:"fileKeyword"`
	ReplyMarker      int      `json:"replyMarker"`
	Total            int      `json:"total"`
	Relevant         bool     `json:"relevant"`
}

// Match returns the relevant candidates in input order.
func (m *Matcher) Match(candidates []Candidate, target Target) []Candidate {
	keywords := Keywords(target.Title, m.Weights.MaxKeywords)
	out := make([]Candidate, 0)
	for _, c := range candidates {
		if m.score(c, target, keywords).Relevant {
			out = append(out, c)
		}
	}
	return out
}

// Score reports how a single candidate was scored.
func (m *Matcher) Score(c Candidate, target Target) Breakdown {
	return m.score(c, target, Keywords(target.Title, m.Weights.MaxKeywords))
}

func (m *Matcher) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Matcher) score(c Candidate, target Target, keywords []string) Breakdown {
	var b Breakdown
	if reason := m.outsideWindow(c.Date, target); reason != "" {
		b.Excluded = reason
		return b
	}
	w := m.Weights
	content := strings.ToLower(c.Text)
	author := strings.ToLower(strings.TrimSpace(c.Message.AuthorName))
	assignees := normalizeNames(target.Assignees)

	for _, name := range assignees {
		if strings.Contains(content, name) || strings.Contains(author, name) {
			b.AssigneeName = w.AssigneeName
			break
		}
	}
	if strings.Contains(content, "@") {
		for _, name := range assignees {
			first := strings.Fields(name)[0]
			if strings.Contains(content, "@"+first) || strings.Contains(content, "@"+name) {
				b.Mention = w.Mention
				break
			}
		}
	}
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			b.Keywords = append(b.Keywords, kw)
		}
	}
	b.Keyword = w.Keyword * len(b.Keywords)
	for _, name := range assignees {
		if author == name {
			b.AuthorIsAssignee = w.AuthorIsAssignee
			break
		}
	}
	if len(keywords) > 0 {
	files:
		for _, f := range c.Message.Files {
			fname := strings.ToLower(f.Name)
			for _, kw := range keywords {
				if strings.Contains(fname, kw) {
					b.FileKeyword = w.FileKeyword
					break files
				}
			}
		}
	}
	if strings.Contains(content, "re:") || strings.Contains(content, "?") || strings.Contains(content, "please") {
		b.ReplyMarker = w.ReplyMarker
	}
	b.Total = b.AssigneeName + b.Mention + b.Keyword + b.AuthorIsAssignee + b.FileKeyword + b.ReplyMarker
	b.Relevant = b.Total >= w.Threshold
	return b
}

// outsideWindow applies the hard date filter. Undated candidates pass.
func (m *Matcher) outsideWindow(date *time.Time, target Target) string {
	if date == nil {
		return ""
	}
	if target.StartDate != nil {
		earliest := target.StartDate.AddDate(0, 0, -m.Weights.LookbackDays)
		if date.Before(earliest) {
			return "before task window"
		}
	}
	latest := m.now()
	if target.CompletedDate != nil {
		latest = *target.CompletedDate
	}
	if date.After(latest) {
		return "after task window"
	}
	return ""
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.Join(strings.Fields(n), " "))
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "into": {}, "onto": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "are": {}, "was": {}, "were": {},
	"been": {}, "being": {}, "have": {}, "has": {}, "had": {}, "will": {}, "would": {},
	"should": {}, "could": {}, "can": {}, "does": {}, "did": {}, "not": {}, "but": {},
	"all": {}, "any": {}, "our": {}, "your": {}, "their": {}, "its": {}, "per": {},
	"task": {}, "tasks": {}, "project": {}, "projects": {}, "update": {}, "updates": {},
	"new": {}, "work": {}, "item": {}, "items": {},
}

// Keywords derives up to max lower-cased keywords from title in title order.
// Tokens of two characters or fewer, stop-words and repeats are dropped.
func Keywords(title string, max int) []string {
	tokens := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range tokens {
		if max > 0 && len(out) >= max {
			break
		}
		if len([]rune(tok)) <= 2 {
			continue
		}
		if _, ok := stopWords[tok]; ok {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
