package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"healthboard/internal/cache"
	"healthboard/internal/domain"
	"healthboard/internal/fetch"
	"healthboard/internal/health"
)

// Sort orders for the project table.
const (
	SortIdle          = "idle"
	SortAge           = "age"
	SortManager       = "manager"
	SortNumber        = "number"
	SortStatus        = "status"
	SortTitle         = "title"
	SortDue           = "due"
	SortCommunication = "communication"
)

// Sorts lists the accepted sort orders; the first is the default.
var Sorts = []string{SortIdle, SortAge, SortManager, SortNumber, SortStatus, SortTitle, SortDue, SortCommunication}

// ProjectFilter narrows the table to one manager, given as a numeric id or
// a case-insensitive substring of the manager name. Empty keeps all.
type ProjectFilter struct {
	Manager string
}

type ProjectTable struct {
	Rows            []domain.ProjectRow   `json:"projects"`
	Managers        []domain.ManagerFacet `json:"availableManagers"`
	TotalProjects   int                   `json:"totalProjects"`
	LoadTimeSeconds float64               `json:"loadTime"`
	CacheHitCount   int                   `json:"cacheHits"`
	ErrorCount      int                   `json:"errorCount"`
	ETag            string                `json:"etag"`
}

type projectFetch struct {
	project  domain.Project
	messages []domain.Message
	failed   bool
	hits     int
}

// BuildProjectTable assembles the health table for the team's projects.
// Only a failure of the project list itself is returned as an error; every
// per-project failure degrades that row.
func (e Engine) BuildProjectTable(ctx context.Context, filter ProjectFilter, sortBy string) (ProjectTable, error) {
	start := e.now()
	cfg := e.config()

	list, listHit, err := cached(ctx, e, keyProjects, cache.List, e.Upstream.ListProjects, fixedTags[[]domain.Project](tagProjects))
	if err != nil {
		return ProjectTable{}, listFetchError("projects", err)
	}

	tasks := make([]fetch.Task[projectFetch], len(list))
	for i, p := range list {
		tasks[i] = func(ctx context.Context) projectFetch {
			return e.fetchProject(ctx, p)
		}
	}
	fetched := fetch.All(ctx, cfg.Concurrency.Projects, tasks)

	now := e.now()
	table := ProjectTable{Rows: []domain.ProjectRow{}, Managers: []domain.ManagerFacet{}}
	if listHit {
		table.CacheHitCount++
	}
	seen := map[int]bool{}
	for _, f := range fetched {
		table.CacheHitCount += f.hits
		p := f.project
		if !cfg.IsTeamManager(p.ManagerID) {
			continue
		}
		if p.ManagerName != "" && !seen[p.ManagerID] {
			seen[p.ManagerID] = true
			table.Managers = append(table.Managers, domain.ManagerFacet{ID: p.ManagerID, Name: p.ManagerName})
		}
		if !matchesManager(p, filter.Manager) {
			continue
		}
		row := e.projectRow(p, f.messages, now)
		row.Error = f.failed
		if f.failed {
			table.ErrorCount++
		}
		table.Rows = append(table.Rows, row)
	}
	SortRows(table.Rows, sortBy)
	table.TotalProjects = len(table.Rows)
	table.ETag = rowsETag(table.Rows)
	table.LoadTimeSeconds = e.now().Sub(start).Seconds()

	e.logger().Info("project table built",
		"projects", len(list),
		"rows", table.TotalProjects,
		"errors", table.ErrorCount,
		"cache_hits", table.CacheHitCount,
		"load_seconds", table.LoadTimeSeconds)
	return table, nil
}

// fetchProject loads one project's detail and messages. A failed detail
// keeps the list record and marks the row; a failed message fetch only
// leaves the messages empty.
func (e Engine) fetchProject(ctx context.Context, listed domain.Project) projectFetch {
	out := projectFetch{project: listed}
	detail, hit, err := cached(ctx, e, projectKey(listed.ID), cache.Detail,
		func(ctx context.Context) (domain.Project, error) { return e.Upstream.GetProject(ctx, listed.ID) },
		fixedTags[domain.Project](tagProjects, projectKey(listed.ID)))
	if err != nil {
		e.logger().Warn("project detail fetch failed", "project", listed.ID, "error", err)
		out.failed = true
	} else {
		if detail.ID == 0 {
			detail.ID = listed.ID
		}
		out.project = detail
		if hit {
			out.hits++
		}
	}
	if !e.config().IsTeamManager(out.project.ManagerID) {
		return out
	}
	msgs, hit, err := e.projectMessages(ctx, listed.ID)
	if hit {
		out.hits++
	}
	if err != nil {
		e.logMessageFailure("project", listed.ID, err)
	}
	out.messages = msgs
	return out
}

func (e Engine) projectMessages(ctx context.Context, projectID int) ([]domain.Message, bool, error) {
	msgs, hit, err := cached(ctx, e, projectMessagesKey(projectID), cache.Messages,
		func(ctx context.Context) ([]domain.Message, error) { return e.Upstream.ProjectMessages(ctx, projectID) },
		fixedTags[[]domain.Message](projectKey(projectID), tagMessages))
	if err != nil {
		return []domain.Message{}, false, err
	}
	return msgs, hit, nil
}

func (e Engine) logMessageFailure(kind string, id int, err error) {
	if isNoData(err) {
		e.logger().Debug("no messages", kind, id, "error", err)
		return
	}
	e.logger().Warn("message fetch failed", kind, id, "error", err)
}

func matchesManager(p domain.Project, manager string) bool {
	manager = strings.TrimSpace(manager)
	if manager == "" {
		return true
	}
	if id, err := strconv.Atoi(manager); err == nil && id == p.ManagerID {
		return true
	}
	return strings.Contains(strings.ToLower(p.ManagerName), strings.ToLower(manager))
}

func (e Engine) projectRow(p domain.Project, msgs []domain.Message, now time.Time) domain.ProjectRow {
	pol := e.policy()
	label := p.StatusLabel()

	startDate := e.parseDate(p.StartDate)
	started := now
	if startDate != nil {
		started = *startDate
	}
	lastActivity := started
	if modified, ok := domain.ParseDate(p.LastModifiedUTC, time.UTC); ok {
		lastActivity = modified
	}
	due := health.DueState(e.parseDate(p.DueDate), now, pol)

	lastMessage := e.latestMessage(msgs)
	rush := health.IsRush(label)
	comm, gap := health.Communication(lastMessage, now, rush, pol)
	assign, waited := health.Assignment(label, startDate, now, pol)
	daysIdle := health.IdleDays(lastActivity, now, pol)

	row := domain.ProjectRow{
		ProjectID:           p.ID,
		Number:              p.Number,
		Title:               p.Title,
		Owner:               p.ManagerName,
		ManagerID:           p.ManagerID,
		CustomStatus:        label,
		StatusColor:         statusColor(p.CustomStatusColor),
		Status:              p.Status,
		Client:              p.CompanyName,
		Priority:            p.Priority,
		StartDate:           formatDate(startDate),
		DueDate:             formatDate(e.parseDate(p.DueDate)),
		DaysSinceStart:      health.DaysBetween(started, now),
		DaysIdle:            daysIdle,
		DaysUntilDue:        due.DaysUntilDue,
		IsOverdue:           due.Overdue,
		IsUpcoming:          due.Upcoming,
		MessageCount:        len(msgs),
		LastMessageDate:     formatDate(lastMessage),
		CommunicationStatus: string(comm),
		Rush:                rush,
		AssignmentStatus:    string(assign),
		AssignmentOverdue:   assign == health.Overdue,
		BusinessDaysInQueue: waited,
	}
	if row.Owner == "" {
		row.Owner = "Unassigned"
	}
	if row.Status == "" {
		row.Status = "active"
	}
	if row.Client == "" {
		row.Client = "Unknown Client"
	}
	if row.Priority == nil || row.Priority == "" {
		row.Priority = "Medium"
	}
	if gap >= 0 {
		row.BusinessDaysSinceLastContact = &gap
	}
	row.NeedsStatusUpdateReason = health.NeedsStatusUpdate(assign, comm, daysIdle, due)
	return row
}

func (e Engine) latestMessage(msgs []domain.Message) *time.Time {
	var latest *time.Time
	for _, m := range msgs {
		d := e.parseDate(m.Date)
		if d == nil {
			continue
		}
		if latest == nil || d.After(*latest) {
			latest = d
		}
	}
	return latest
}

func statusColor(c string) string {
	c = strings.TrimPrefix(strings.TrimSpace(c), "#")
	if c == "" {
		return "#4CAF50"
	}
	return "#" + c
}

// SortRows orders rows in place. Every order is stable; unknown orders fall
// back to idle days descending.
func SortRows(rows []domain.ProjectRow, sortBy string) {
	var less func(a, b domain.ProjectRow) bool
	switch sortBy {
	case SortAge:
		less = func(a, b domain.ProjectRow) bool { return a.DaysSinceStart > b.DaysSinceStart }
	case SortManager:
		less = func(a, b domain.ProjectRow) bool { return strings.ToLower(a.Owner) < strings.ToLower(b.Owner) }
	case SortNumber:
		less = func(a, b domain.ProjectRow) bool { return a.Number > b.Number }
	case SortStatus:
		less = func(a, b domain.ProjectRow) bool {
			return strings.ToLower(a.CustomStatus) < strings.ToLower(b.CustomStatus)
		}
	case SortTitle:
		less = func(a, b domain.ProjectRow) bool { return strings.ToLower(a.Title) < strings.ToLower(b.Title) }
	case SortDue:
		less = func(a, b domain.ProjectRow) bool {
			if a.DaysUntilDue == nil || b.DaysUntilDue == nil {
				return a.DaysUntilDue != nil && b.DaysUntilDue == nil
			}
			return *a.DaysUntilDue < *b.DaysUntilDue
		}
	case SortCommunication:
		less = func(a, b domain.ProjectRow) bool { return contactGap(a) > contactGap(b) }
	default:
		less = func(a, b domain.ProjectRow) bool { return a.DaysIdle > b.DaysIdle }
	}
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })
}

func contactGap(r domain.ProjectRow) int {
	if r.BusinessDaysSinceLastContact == nil {
		return -1
	}
	return *r.BusinessDaysSinceLastContact
}

func rowsETag(rows []domain.ProjectRow) string {
	data, err := json.Marshal(rows)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))
}
