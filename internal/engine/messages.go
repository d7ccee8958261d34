package engine

import (
	"context"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"healthboard/internal/domain"
	"healthboard/internal/matcher"
)

// MessageThreadView is a project's message board, oldest thread first.
type MessageThreadView struct {
	ProjectID int                  `json:"projectId"`
	Count     int                  `json:"count"`
	Threads   []domain.MessageView `json:"threads"`
}

// ProjectMessages returns a project's messages threaded by their original
// message id. A reply whose parent is missing is shown as its own thread.
func (e Engine) ProjectMessages(ctx context.Context, projectID int) (MessageThreadView, error) {
	msgs, _, err := e.projectMessages(ctx, projectID)
	if err != nil && !isNoData(err) {
		return MessageThreadView{}, err
	}
	return MessageThreadView{
		ProjectID: projectID,
		Count:     len(msgs),
		Threads:   e.thread(matcher.Candidates(msgs, e.loc())),
	}, nil
}

type threadNode struct {
	view     domain.MessageView
	children []*threadNode
}

func (e Engine) thread(cands []matcher.Candidate) []domain.MessageView {
	sorted := sortByDate(cands)
	nodes := make(map[int]*threadNode, len(sorted))
	for _, c := range sorted {
		if c.Message.ID != 0 {
			nodes[c.Message.ID] = &threadNode{view: messageView(c)}
		}
	}
	// A reply only attaches to a parent placed before it, which keeps the
	// tree acyclic.
	placed := make(map[int]bool, len(sorted))
	var roots []*threadNode
	for _, c := range sorted {
		node, ok := nodes[c.Message.ID]
		if !ok {
			node = &threadNode{view: messageView(c)}
		}
		placed[c.Message.ID] = true
		parentID := c.Message.OriginalMessageID
		if parent, ok := nodes[parentID]; ok && parentID != c.Message.ID && placed[parentID] {
			parent.children = append(parent.children, node)
			continue
		}
		roots = append(roots, node)
	}
	out := make([]domain.MessageView, 0, len(roots))
	for _, r := range roots {
		out = append(out, r.flatten())
	}
	return out
}

func (n *threadNode) flatten() domain.MessageView {
	v := n.view
	for _, c := range n.children {
		v.Replies = append(v.Replies, c.flatten())
	}
	return v
}

// flatViews renders candidates oldest first without threading.
func (e Engine) flatViews(cands []matcher.Candidate) []domain.MessageView {
	sorted := sortByDate(cands)
	out := make([]domain.MessageView, 0, len(sorted))
	for _, c := range sorted {
		out = append(out, messageView(c))
	}
	return out
}

// sortByDate orders a copy oldest first; undated messages go last.
func sortByDate(cands []matcher.Candidate) []matcher.Candidate {
	sorted := append([]matcher.Candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Date, sorted[j].Date
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.Before(*b)
	})
	return sorted
}

func messageView(c matcher.Candidate) domain.MessageView {
	m := c.Message
	v := domain.MessageView{
		ID:         m.ID,
		Date:       m.Date,
		AuthorName: m.AuthorName,
		AuthorType: m.AuthorType,
		Text:       c.Text,
		Content:    m.Content,
		ParentID:   m.OriginalMessageID,
	}
	if c.Date != nil {
		v.Date = c.Date.Format(time.RFC3339)
	}
	if v.ParentID == m.ID {
		v.ParentID = 0
	}
	for _, f := range m.Files {
		v.Files = append(v.Files, domain.FileView{
			Name:      f.Name,
			Link:      f.Link,
			Size:      f.Size,
			SizeLabel: humanize.Bytes(uint64(max(f.Size, 0))),
		})
	}
	return v
}
