package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"healthboard/internal/cache"
	"healthboard/internal/domain"
	"healthboard/internal/health"
)

// noDueDate ranks requests without a due date after every dated one.
const noDueDate = 999

type RequestQueue struct {
	Requests []domain.RequestRow `json:"requests"`
	Count    int                 `json:"count"`
}

// AssignmentQueue lists the team's pending project requests, soonest due
// first, with how long each has waited for assignment.
func (e Engine) AssignmentQueue(ctx context.Context) (RequestQueue, error) {
	reqs, _, err := cached(ctx, e, keyRequests, cache.List, e.Upstream.ProjectRequests,
		fixedTags[[]domain.ProjectRequest](tagRequests))
	if err != nil {
		return RequestQueue{}, listFetchError("project requests", err)
	}
	group := strings.TrimSpace(e.config().Team.RequestGroup)
	now := e.now()
	pol := e.policy()

	out := RequestQueue{Requests: []domain.RequestRow{}}
	for _, r := range reqs {
		if group != "" && !strings.EqualFold(strings.TrimSpace(r.RecipientGroupName), group) {
			continue
		}
		out.Requests = append(out.Requests, e.requestRow(r, now, pol))
	}
	sort.SliceStable(out.Requests, func(i, j int) bool {
		return dueRank(out.Requests[i]) < dueRank(out.Requests[j])
	})
	out.Count = len(out.Requests)
	return out, nil
}

func dueRank(r domain.RequestRow) int {
	if r.DaysUntilDue == nil {
		return noDueDate
	}
	return *r.DaysUntilDue
}

func (e Engine) requestRow(r domain.ProjectRequest, now time.Time, pol health.Policy) domain.RequestRow {
	rush := health.IsRush(r.Status) || health.IsRush(r.Title)
	queueLabel := "queue"
	if rush {
		queueLabel = "rush - queue"
	}
	due := e.parseDate(r.DueDate)
	requested := e.parseDate(r.DateRequested)
	state := health.DueState(due, now, pol)
	assign, waited := health.Assignment(queueLabel, requested, now, pol)
	return domain.RequestRow{
		ID:                  r.ID,
		Title:               r.Title,
		Status:              r.Status,
		RecipientGroupName:  r.RecipientGroupName,
		RequesterName:       r.RequesterName,
		CompanyName:         r.CompanyName,
		DateRequested:       formatDate(requested),
		DueDate:             formatDate(due),
		DaysUntilDue:        state.DaysUntilDue,
		Overdue:             state.Overdue,
		Rush:                rush,
		AssignmentStatus:    string(assign),
		BusinessDaysWaiting: waited,
	}
}

// TeamMembers returns the configured managers as known to upstream, by name.
func (e Engine) TeamMembers(ctx context.Context) ([]domain.TeamMember, error) {
	contacts, _, err := cached(ctx, e, keyContacts, cache.Config, e.Upstream.Contacts,
		fixedTags[[]domain.Contact](tagConfig))
	if err != nil {
		return nil, listFetchError("contacts", err)
	}
	cfg := e.config()
	members := []domain.TeamMember{}
	for _, c := range contacts {
		if !cfg.IsTeamManager(c.ID) {
			continue
		}
		members = append(members, domain.TeamMember{ID: c.ID, Name: c.DisplayName(), Email: c.Email})
	}
	sort.SliceStable(members, func(i, j int) bool {
		return strings.ToLower(members[i].Name) < strings.ToLower(members[j].Name)
	})
	return members, nil
}

// StatusOptions returns the custom project statuses a project can be moved to.
func (e Engine) StatusOptions(ctx context.Context) ([]domain.StatusOption, error) {
	opts, _, err := cached(ctx, e, keyStatusOptions, cache.Config, e.Upstream.StatusOptions,
		fixedTags[[]domain.StatusOption](tagConfig))
	if err != nil {
		return nil, listFetchError("status options", err)
	}
	return opts, nil
}
