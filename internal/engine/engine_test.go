package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthboard/internal/config"
	"healthboard/internal/domain"
	"healthboard/internal/engine"
	"healthboard/internal/events"
	"healthboard/internal/upstream"
)

// fakeUpstream serves canned records and counts calls per method.
type fakeUpstream struct {
	mu    sync.Mutex
	calls map[string]int
	puts  []string

	listErr         error
	projects        []domain.Project
	details         map[int]domain.Project
	detailErr       map[int]error
	projectMessages map[int][]domain.Message
	taskRefs        map[int][]domain.TaskRef
	tasks           map[int]domain.Task
	taskMessages    map[int][]domain.Message
	requests        []domain.ProjectRequest
	contacts        []domain.Contact
	statuses        []domain.StatusOption
	taskFields      map[string]string
	completedOn     string
}

func (f *fakeUpstream) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeUpstream) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeUpstream) put(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, name)
}

func (f *fakeUpstream) ListProjects(context.Context) ([]domain.Project, error) {
	f.hit("ListProjects")
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.projects, nil
}

func (f *fakeUpstream) GetProject(_ context.Context, id int) (domain.Project, error) {
	f.hit("GetProject")
	if err := f.detailErr[id]; err != nil {
		return domain.Project{}, err
	}
	p, ok := f.details[id]
	if !ok {
		return domain.Project{}, upstream.ErrNotFound
	}
	return p, nil
}

func (f *fakeUpstream) ProjectMessages(_ context.Context, id int) ([]domain.Message, error) {
	f.hit("ProjectMessages")
	return f.projectMessages[id], nil
}

func (f *fakeUpstream) ProjectTasks(_ context.Context, id int) ([]domain.TaskRef, error) {
	f.hit("ProjectTasks")
	return f.taskRefs[id], nil
}

func (f *fakeUpstream) GetTask(_ context.Context, id int) (domain.Task, error) {
	f.hit("GetTask")
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, upstream.ErrUnavailable
	}
	return t, nil
}

func (f *fakeUpstream) TaskMessages(_ context.Context, id int) ([]domain.Message, error) {
	f.hit("TaskMessages")
	msgs, ok := f.taskMessages[id]
	if !ok {
		return nil, upstream.ErrNotFound
	}
	return msgs, nil
}

func (f *fakeUpstream) StatusOptions(context.Context) ([]domain.StatusOption, error) {
	f.hit("StatusOptions")
	return f.statuses, nil
}

func (f *fakeUpstream) ProjectRequests(context.Context) ([]domain.ProjectRequest, error) {
	f.hit("ProjectRequests")
	return f.requests, nil
}

func (f *fakeUpstream) Contacts(context.Context) ([]domain.Contact, error) {
	f.hit("Contacts")
	return f.contacts, nil
}

func (f *fakeUpstream) UpdateProjectStatus(context.Context, int, int) error {
	f.put("project.status")
	return nil
}

func (f *fakeUpstream) UpdateTask(_ context.Context, _ int, fields map[string]string) error {
	f.put("task.update")
	f.taskFields = fields
	return nil
}

func (f *fakeUpstream) CompleteTask(_ context.Context, _ int, date string) error {
	f.put("task.complete")
	f.completedOn = date
	return nil
}

func (f *fakeUpstream) ReactivateTask(context.Context, int) error {
	f.put("task.reactivate")
	return nil
}

func (f *fakeUpstream) ApproveProjectRequest(context.Context, int, map[string]any) error {
	f.put("request.approve")
	return nil
}

func (f *fakeUpstream) DeclineProjectRequest(context.Context, int, string) error {
	f.put("request.decline")
	return nil
}

type fakeAudit struct {
	events []domain.AuditEvent
}

func (a *fakeAudit) Append(_ context.Context, action, kind, id, actor string, _ events.EventPayload) (domain.AuditEvent, error) {
	ev := domain.AuditEvent{Action: action, EntityKind: kind, EntityID: id, Actor: actor}
	a.events = append(a.events, ev)
	return ev, nil
}

type fakePublisher struct {
	tags [][]string
}

func (p *fakePublisher) Publish(_ context.Context, tags ...string) error {
	p.tags = append(p.tags, tags)
	return nil
}

// Monday 2024-03-04 15:30 UTC.
var testNow = time.Date(2024, 3, 4, 15, 30, 0, 0, time.UTC)

func newEngine(up *fakeUpstream) engine.Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(up, config.Default(), clockwork.NewFakeClockAt(testNow), logger)
	eng.Location = time.UTC
	return eng
}

func scenario() *fakeUpstream {
	return &fakeUpstream{
		projects: []domain.Project{
			{ID: 1, Number: "P-001", Title: "Spring Campaign", ManagerID: 1030, ManagerName: "Alice"},
			{ID: 2, Number: "P-002", Title: "Annual Report", ManagerID: 4, ManagerName: "Bob", StartDate: "2024-03-01", CompanyName: "Acme"},
			{ID: 3, Number: "P-003", Title: "Other Team", ManagerID: 9999, ManagerName: "Zed"},
		},
		details: map[int]domain.Project{
			1: {
				ID: 1, Number: "P-001", Title: "Spring Campaign", ManagerID: 1030, ManagerName: "Alice",
				CustomStatus: "In Progress", CompanyName: "Acme", StartDate: "2024-02-01",
				LastModifiedUTC: "2024-02-20T10:00:00Z",
			},
			3: {ID: 3, Title: "Other Team", ManagerID: 9999, ManagerName: "Zed"},
		},
		detailErr: map[int]error{2: upstream.ErrUnavailable},
		projectMessages: map[int][]domain.Message{
			1: {
				{ID: 100, Date: "2024-02-20T09:00:00Z", AuthorName: "Alice", Content: "<p>Carol, the homepage banner is ready</p>"},
			},
		},
		taskRefs: map[int][]domain.TaskRef{
			1: {
				{ID: 10, Name: "Design homepage banner", Order: 2},
				{ID: 11, Name: "Write copy", Order: 1},
				{ID: 12, Name: "Broken task", Order: 3},
				{ID: 13, Name: "Send invoice", Order: 4},
			},
		},
		tasks: map[int]domain.Task{
			10: {ID: 10, ProjectID: 1, Name: "Design homepage banner", StartDate: "2024-02-15", DueDate: "2024-03-08",
				Contacts: []domain.Contact{{ID: 50, Name: "Carol"}}},
			11: {ID: 11, ProjectID: 1, Name: "Write copy", DueDate: "2024-03-01"},
			13: {ID: 13, ProjectID: 1, Name: "Send invoice"},
		},
		taskMessages: map[int][]domain.Message{
			11: {{ID: 200, Date: "2024-03-01T12:00:00Z", AuthorName: "Dan", Content: "First draft attached"}},
			13: {},
		},
	}
}

func TestBuildProjectTable(t *testing.T) {
	up := scenario()
	eng := newEngine(up)

	table, err := eng.BuildProjectTable(context.Background(), engine.ProjectFilter{}, "")
	require.NoError(t, err)

	require.Len(t, table.Rows, 2)
	assert.Equal(t, 2, table.TotalProjects)
	assert.Equal(t, 1, table.ErrorCount)
	assert.Equal(t, []domain.ManagerFacet{{ID: 1030, Name: "Alice"}, {ID: 4, Name: "Bob"}}, table.Managers)

	stale := table.Rows[0]
	assert.Equal(t, 1, stale.ProjectID)
	assert.False(t, stale.Error)
	assert.Equal(t, "In Progress", stale.CustomStatus)
	assert.Equal(t, "stale", stale.CommunicationStatus)
	require.NotNil(t, stale.BusinessDaysSinceLastContact)
	assert.Equal(t, 9, *stale.BusinessDaysSinceLastContact)
	assert.Equal(t, 13, stale.DaysIdle)
	assert.Equal(t, 1, stale.MessageCount)
	assert.Equal(t, "2024-02-20", stale.LastMessageDate)
	assert.Equal(t, "stale communication", stale.NeedsStatusUpdateReason)
	assert.Equal(t, "not_in_queue", stale.AssignmentStatus)

	failed := table.Rows[1]
	assert.Equal(t, 2, failed.ProjectID)
	assert.True(t, failed.Error)
	assert.Equal(t, "Annual Report", failed.Title)
	assert.Equal(t, "Acme", failed.Client)
	assert.Equal(t, "unknown", failed.CommunicationStatus)
	assert.Nil(t, failed.BusinessDaysSinceLastContact)
	assert.Equal(t, 0, failed.DaysIdle)
	assert.Equal(t, 0, table.CacheHitCount)
	assert.NotEmpty(t, table.ETag)
}

func TestBuildProjectTableIsIdempotent(t *testing.T) {
	up := scenario()
	eng := newEngine(up)
	ctx := context.Background()

	first, err := eng.BuildProjectTable(ctx, engine.ProjectFilter{}, engine.SortIdle)
	require.NoError(t, err)
	second, err := eng.BuildProjectTable(ctx, engine.ProjectFilter{}, engine.SortIdle)
	require.NoError(t, err)

	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, first.ETag, second.ETag)
	assert.Equal(t, 1, up.count("ListProjects"))
	// list, project 1 detail and messages, project 2 messages, project 3 detail
	assert.Equal(t, 5, second.CacheHitCount)
}

func TestBuildProjectTableManagerFilter(t *testing.T) {
	eng := newEngine(scenario())

	table, err := eng.BuildProjectTable(context.Background(), engine.ProjectFilter{Manager: "bob"}, "")
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, 2, table.Rows[0].ProjectID)
	assert.Len(t, table.Managers, 2)

	table, err = eng.BuildProjectTable(context.Background(), engine.ProjectFilter{Manager: "1030"}, "")
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, 1, table.Rows[0].ProjectID)
}

func TestBuildProjectTableListFailure(t *testing.T) {
	up := scenario()
	up.listErr = upstream.ErrUnavailable
	eng := newEngine(up)

	_, err := eng.BuildProjectTable(context.Background(), engine.ProjectFilter{}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrListFetch))
	assert.True(t, errors.Is(err, upstream.ErrUnavailable))
	assert.Equal(t, 0, up.count("GetProject"))

	up.listErr = nil
	_, err = eng.BuildProjectTable(context.Background(), engine.ProjectFilter{}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, up.count("ListProjects"), "failures are not cached")
}

func TestSortRows(t *testing.T) {
	two, five := 2, 5
	rows := []domain.ProjectRow{
		{ProjectID: 1, Title: "b", DaysIdle: 3, DaysUntilDue: nil},
		{ProjectID: 2, Title: "a", DaysIdle: 9, DaysUntilDue: &five},
		{ProjectID: 3, Title: "c", DaysIdle: 3, DaysUntilDue: &two},
	}
	ids := func() []int {
		out := make([]int, len(rows))
		for i, r := range rows {
			out[i] = r.ProjectID
		}
		return out
	}

	engine.SortRows(rows, "bogus")
	assert.Equal(t, []int{2, 1, 3}, ids())
	engine.SortRows(rows, engine.SortDue)
	assert.Equal(t, []int{3, 2, 1}, ids())
	engine.SortRows(rows, engine.SortTitle)
	assert.Equal(t, []int{2, 1, 3}, ids())
}

func TestBuildTaskList(t *testing.T) {
	up := scenario()
	eng := newEngine(up)
	ctx := context.Background()

	page, err := eng.BuildTaskList(ctx, 1, 0, 3)
	require.NoError(t, err)

	require.Len(t, page.Tasks, 3)
	assert.Equal(t, []int{11, 10, 12}, []int{page.Tasks[0].ID, page.Tasks[1].ID, page.Tasks[2].ID})
	assert.Equal(t, 4, page.TotalTasks)
	assert.Equal(t, 3, page.DisplayedTasks)
	assert.Equal(t, 1, page.Remaining)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextOffset)
	assert.Equal(t, 3, *page.NextOffset)
	assert.Equal(t, domain.MessageStats{Direct: 1, ProjectContext: 1, Error: 1}, page.MessageStats)

	direct, related, broken := page.Tasks[0], page.Tasks[1], page.Tasks[2]
	assert.Equal(t, domain.SourceDirect, direct.MessageSource)
	assert.Equal(t, 1, direct.MessageCount)
	assert.Equal(t, "overdue", direct.DueDateStatus)

	assert.Equal(t, domain.SourceProjectContext, related.MessageSource)
	assert.Equal(t, "Carol", related.AssignedTo)
	assert.Equal(t, "due-soon", related.DueDateStatus)

	assert.True(t, broken.Error)
	assert.Equal(t, domain.SourceError, broken.MessageSource)
	assert.Equal(t, "unknown", broken.Status)
	assert.Equal(t, "Error loading assignments", broken.AssignedTo)
	assert.Equal(t, 3, broken.Priority)

	rest, err := eng.BuildTaskList(ctx, 1, 3, 3)
	require.NoError(t, err)
	require.Len(t, rest.Tasks, 1)
	assert.Equal(t, domain.SourceNone, rest.Tasks[0].MessageSource)
	assert.False(t, rest.HasMore)
	assert.Nil(t, rest.NextOffset)
	assert.Equal(t, 4, rest.DisplayedTasks)
	assert.Equal(t, 1, up.count("ProjectTasks"))
}

func TestTaskMessagesFallsBackToProjectContext(t *testing.T) {
	eng := newEngine(scenario())

	view, err := eng.TaskMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceProjectContext, view.Source)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "Carol, the homepage banner is ready", view.Messages[0].Text)

	view, err = eng.TaskMessages(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceDirect, view.Source)

	view, err = eng.TaskMessages(context.Background(), 13)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceNone, view.Source)
	assert.Empty(t, view.Messages)
}

func TestTaskMessagesUseConfiguredWeights(t *testing.T) {
	cfg := config.Default()
	cfg.Matcher.Threshold = 1000
	eng := engine.New(scenario(), cfg, clockwork.NewFakeClockAt(testNow), slog.New(slog.NewTextHandler(io.Discard, nil)))
	eng.Location = time.UTC

	view, err := eng.TaskMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceNone, view.Source)
	assert.Empty(t, view.Messages)
}

func TestProjectMessagesThreads(t *testing.T) {
	up := scenario()
	up.projectMessages[5] = []domain.Message{
		{ID: 4, Date: "2024-02-04T09:00:00Z", Content: "self", OriginalMessageID: 4},
		{ID: 2, Date: "2024-02-02T09:00:00Z", Content: "reply", OriginalMessageID: 1},
		{ID: 3, Date: "2024-02-03T09:00:00Z", Content: "orphan", OriginalMessageID: 99},
		{ID: 1, Date: "2024-02-01T09:00:00Z", Content: "root"},
	}
	eng := newEngine(up)

	view, err := eng.ProjectMessages(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 4, view.Count)
	require.Len(t, view.Threads, 3)
	assert.Equal(t, 1, view.Threads[0].ID)
	require.Len(t, view.Threads[0].Replies, 1)
	assert.Equal(t, 2, view.Threads[0].Replies[0].ID)
	assert.Equal(t, 3, view.Threads[1].ID)
	assert.Equal(t, 4, view.Threads[2].ID)
	assert.Equal(t, 0, view.Threads[2].ParentID)
}

func TestWritesInvalidateAndAudit(t *testing.T) {
	up := scenario()
	eng := newEngine(up)
	audit := &fakeAudit{}
	pub := &fakePublisher{}
	eng.Audit = audit
	eng.Broadcast = pub
	ctx := engine.WithActor(context.Background(), "alice")

	_, err := eng.BuildProjectTable(ctx, engine.ProjectFilter{}, "")
	require.NoError(t, err)
	require.NoError(t, eng.UpdateProjectStatus(ctx, 1, 7))

	_, err = eng.BuildProjectTable(ctx, engine.ProjectFilter{}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, up.count("ListProjects"))

	require.Len(t, audit.events, 1)
	assert.Equal(t, "project.status", audit.events[0].Action)
	assert.Equal(t, "1", audit.events[0].EntityID)
	assert.Equal(t, "alice", audit.events[0].Actor)
	assert.Equal(t, [][]string{{"projects", "project:1"}}, pub.tags)
}

func TestTaskWrites(t *testing.T) {
	up := scenario()
	eng := newEngine(up)
	ctx := context.Background()

	_, err := eng.BuildTaskList(ctx, 1, 0, 0)
	require.NoError(t, err)

	err = eng.UpdateTaskDates(ctx, 10, 1, nil, nil)
	assert.True(t, errors.Is(err, engine.ErrInvalidInput))
	bad := "03/08/2024"
	err = eng.UpdateTaskDates(ctx, 10, 1, nil, &bad)
	assert.True(t, errors.Is(err, engine.ErrInvalidInput))
	assert.Empty(t, up.puts)

	due := "2024-03-15"
	require.NoError(t, eng.UpdateTaskDates(ctx, 10, 1, nil, &due))
	assert.Equal(t, map[string]string{"duedate": "2024-03-15"}, up.taskFields)

	require.NoError(t, eng.SetTaskCompletion(ctx, 10, 1, true, ""))
	assert.Equal(t, "2024-03-04", up.completedOn)
	require.NoError(t, eng.SetTaskCompletion(ctx, 10, 1, false, ""))
	assert.Equal(t, []string{"task.update", "task.complete", "task.reactivate"}, up.puts)

	_, err = eng.BuildTaskList(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, up.count("ProjectTasks"))
}

func TestAssignmentQueue(t *testing.T) {
	up := scenario()
	up.requests = []domain.ProjectRequest{
		{ID: 1, Title: "Brochure", RecipientGroupName: "Creative Services", DueDate: "2024-03-10", DateRequested: "2024-03-01"},
		{ID: 2, Title: "Elsewhere", RecipientGroupName: "IT", DueDate: "2024-03-05"},
		{ID: 3, Title: "RUSH flyer", RecipientGroupName: "creative services", DateRequested: "2024-03-01"},
		{ID: 4, Title: "Poster", RecipientGroupName: "Creative Services", DueDate: "2024-03-05"},
	}
	eng := newEngine(up)

	q, err := eng.AssignmentQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, q.Count)
	assert.Equal(t, []int{4, 1, 3}, []int{q.Requests[0].ID, q.Requests[1].ID, q.Requests[2].ID})

	assert.Equal(t, "unknown_entry_time", q.Requests[0].AssignmentStatus)
	assert.Equal(t, "on_time", q.Requests[1].AssignmentStatus)
	assert.Equal(t, 1, q.Requests[1].BusinessDaysWaiting)
	assert.True(t, q.Requests[2].Rush)
	assert.Equal(t, "overdue", q.Requests[2].AssignmentStatus)
	assert.Nil(t, q.Requests[2].DaysUntilDue)
}

func TestTeamMembersAndStatusOptions(t *testing.T) {
	up := scenario()
	up.contacts = []domain.Contact{
		{ID: 4, Name: "bob"},
		{ID: 77, Name: "Zed"},
		{ID: 1030, FirstName: "Alice", LastName: "Smith"},
	}
	up.statuses = []domain.StatusOption{{ID: 7, Name: "In Progress", Color: "#00f"}}
	eng := newEngine(up)
	ctx := context.Background()

	members, err := eng.TeamMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.TeamMember{{ID: 1030, Name: "Alice Smith"}, {ID: 4, Name: "bob"}}, members)

	for range 2 {
		opts, err := eng.StatusOptions(ctx)
		require.NoError(t, err)
		assert.Equal(t, up.statuses, opts)
	}
	assert.Equal(t, 1, up.count("StatusOptions"))
}

func TestCacheDebugAndClear(t *testing.T) {
	eng := newEngine(scenario())
	_, err := eng.BuildProjectTable(context.Background(), engine.ProjectFilter{}, "")
	require.NoError(t, err)

	snap := eng.CacheDebugSnapshot(0)
	assert.Positive(t, snap.Stats.Entries)
	assert.Contains(t, snap.DependencyIndex, "projects")

	assert.Equal(t, snap.Stats.Entries, eng.ClearCache())
	assert.Equal(t, 0, eng.CacheDebugSnapshot(0).Stats.Entries)
}
