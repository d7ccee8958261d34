package engine

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"healthboard/internal/cache"
	"healthboard/internal/domain"
	"healthboard/internal/fetch"
	"healthboard/internal/health"
	"healthboard/internal/matcher"
	"healthboard/internal/upstream"
)

const DefaultTaskPageSize = 20

type TaskList struct {
	ProjectID       int                 `json:"projectId"`
	Tasks           []domain.TaskRow    `json:"tasks"`
	HasMore         bool                `json:"hasMore"`
	TotalTasks      int                 `json:"totalTasks"`
	DisplayedTasks  int                 `json:"displayedTasks"`
	Remaining       int                 `json:"remaining"`
	NextOffset      *int                `json:"nextOffset"`
	MessageStats    domain.MessageStats `json:"messageStats"`
	LoadTimeSeconds float64             `json:"loadTime"`
}

type taskFetch struct {
	ref      domain.TaskRef
	task     domain.Task
	messages []domain.Message
	failed   bool
	msgErr   bool
}

// BuildTaskList returns one page of a project's tasks with their details and
// message provenance. limit <= 0 uses DefaultTaskPageSize.
func (e Engine) BuildTaskList(ctx context.Context, projectID, offset, limit int) (TaskList, error) {
	start := e.now()
	if limit <= 0 {
		limit = DefaultTaskPageSize
	}
	if offset < 0 {
		offset = 0
	}
	refs, _, err := cached(ctx, e, projectTasksKey(projectID), cache.List,
		func(ctx context.Context) ([]domain.TaskRef, error) { return e.Upstream.ProjectTasks(ctx, projectID) },
		fixedTags[[]domain.TaskRef](projectKey(projectID), projectTasksKey(projectID)))
	if err != nil {
		return TaskList{}, listFetchError("tasks", err)
	}

	total := len(refs)
	var page []domain.TaskRef
	if offset < total {
		page = refs[offset:min(offset+limit, total)]
	}
	tasks := make([]fetch.Task[taskFetch], len(page))
	for i, ref := range page {
		tasks[i] = func(ctx context.Context) taskFetch {
			return e.fetchTask(ctx, projectID, ref)
		}
	}
	fetched := fetch.All(ctx, e.config().Concurrency.Tasks, tasks)

	// Project messages are loaded once, and only when some task has no
	// direct messages of its own.
	var pool []matcher.Candidate
	poolLoaded := false
	now := e.now()
	out := TaskList{ProjectID: projectID, Tasks: make([]domain.TaskRow, 0, len(fetched)), TotalTasks: total}
	for _, f := range fetched {
		row := e.taskRow(f, now)
		switch {
		case f.failed || f.msgErr:
			row.MessageSource = domain.SourceError
		case len(f.messages) > 0:
			row.MessageSource = domain.SourceDirect
			row.MessageCount = len(f.messages)
		default:
			if !poolLoaded {
				pool = e.projectCandidates(ctx, projectID)
				poolLoaded = true
			}
			related := e.relatedMessages(pool, f.task, f.ref)
			if len(related) > 0 {
				row.MessageSource = domain.SourceProjectContext
				row.MessageCount = len(related)
			} else {
				row.MessageSource = domain.SourceNone
			}
		}
		addStat(&out.MessageStats, row.MessageSource)
		out.Tasks = append(out.Tasks, row)
	}
	sort.SliceStable(out.Tasks, func(i, j int) bool { return out.Tasks[i].Order < out.Tasks[j].Order })

	out.HasMore = offset+limit < total
	if out.HasMore {
		next := offset + limit
		out.NextOffset = &next
		out.Remaining = total - next
	}
	out.DisplayedTasks = offset + len(out.Tasks)
	if offset >= total {
		out.DisplayedTasks = total
	}
	out.LoadTimeSeconds = e.now().Sub(start).Seconds()
	e.logger().Info("task list built",
		"project", projectID,
		"tasks", len(out.Tasks),
		"total", total,
		"load_seconds", out.LoadTimeSeconds)
	return out, nil
}

func addStat(s *domain.MessageStats, source string) {
	switch source {
	case domain.SourceDirect:
		s.Direct++
	case domain.SourceProjectContext:
		s.ProjectContext++
	case domain.SourceError:
		s.Error++
	default:
		s.None++
	}
}

func (e Engine) fetchTask(ctx context.Context, projectID int, ref domain.TaskRef) taskFetch {
	out := taskFetch{ref: ref}
	task, _, err := e.task(ctx, ref.ID, projectID)
	if err != nil {
		e.logger().Warn("task detail fetch failed", "task", ref.ID, "project", projectID, "error", err)
		out.failed = true
		return out
	}
	out.task = task
	msgs, err := e.taskMessages(ctx, ref.ID)
	if err != nil {
		e.logMessageFailure("task", ref.ID, err)
		out.msgErr = !isNoData(err)
	}
	out.messages = msgs
	return out
}

// task loads a task detail. projectID may be 0 when unknown; the record's own
// project id is used for tagging when present.
func (e Engine) task(ctx context.Context, taskID, projectID int) (domain.Task, bool, error) {
	return cached(ctx, e, taskKey(taskID), cache.Detail,
		func(ctx context.Context) (domain.Task, error) { return e.Upstream.GetTask(ctx, taskID) },
		func(t domain.Task) []string {
			tags := []string{taskKey(taskID)}
			if projectID != 0 {
				tags = append(tags, projectTasksKey(projectID))
			}
			if t.ProjectID != 0 && t.ProjectID != projectID {
				tags = append(tags, projectTasksKey(t.ProjectID))
			}
			return tags
		})
}

func (e Engine) taskMessages(ctx context.Context, taskID int) ([]domain.Message, error) {
	msgs, _, err := cached(ctx, e, taskMessagesKey(taskID), cache.Messages,
		func(ctx context.Context) ([]domain.Message, error) { return e.Upstream.TaskMessages(ctx, taskID) },
		fixedTags[[]domain.Message](taskKey(taskID), tagMessages))
	if err != nil {
		return []domain.Message{}, err
	}
	return msgs, nil
}

func (e Engine) projectCandidates(ctx context.Context, projectID int) []matcher.Candidate {
	msgs, _, err := e.projectMessages(ctx, projectID)
	if err != nil {
		e.logMessageFailure("project", projectID, err)
	}
	return matcher.Candidates(msgs, e.loc())
}

func (e Engine) relatedMessages(pool []matcher.Candidate, t domain.Task, ref domain.TaskRef) []matcher.Candidate {
	if len(pool) == 0 {
		return nil
	}
	return e.matcher().Match(pool, e.target(t, ref))
}

func (e Engine) target(t domain.Task, ref domain.TaskRef) matcher.Target {
	title := t.Name
	if title == "" {
		title = ref.Name
	}
	target := matcher.Target{
		Title:     title,
		StartDate: e.parseDate(t.StartDate),
		Assignees: t.Assignees(),
	}
	if t.Completed() {
		target.CompletedDate = e.parseDate(t.CompleteDate)
	}
	return target
}

func (e Engine) taskRow(f taskFetch, now time.Time) domain.TaskRow {
	ref := f.ref
	taskNumber := ref.OrderNumber
	if taskNumber == "" {
		taskNumber = strconv.Itoa(ref.ID)
	}
	if f.failed {
		title := ref.Name
		if title == "" {
			title = "Untitled Task"
		}
		return domain.TaskRow{
			ID:            ref.ID,
			Title:         title,
			Status:        "unknown",
			AssignedTo:    "Error loading assignments",
			DueDateStatus: "none",
			Priority:      3,
			Order:         ref.Order,
			TaskNumber:    taskNumber,
			Error:         true,
		}
	}
	t := f.task
	assignees := t.Assignees()
	assignedTo := "Unassigned"
	if len(assignees) > 0 {
		assignedTo = strings.Join(assignees, ", ")
	}
	due := e.parseDate(t.DueDate)
	dueStatus, daysUntil := health.TaskDueStatus(due, now, e.policy())
	status := t.Status
	if status == "" {
		status = "active"
	}
	title := ref.Name
	if title == "" {
		title = t.Name
	}
	var priority any = t.Priority
	if priority == nil || priority == "" {
		priority = 3
	}
	return domain.TaskRow{
		ID:            ref.ID,
		Title:         title,
		Status:        status,
		Completed:     t.Completed(),
		AssignedTo:    assignedTo,
		Assignees:     assignees,
		StartDate:     formatDate(e.parseDate(t.StartDate)),
		DueDate:       formatDate(due),
		CompleteDate:  formatDate(e.parseDate(t.CompleteDate)),
		DueDateStatus: dueStatus,
		DaysUntilDue:  daysUntil,
		Priority:      priority,
		Description:   t.Description,
		Order:         ref.Order,
		TaskNumber:    taskNumber,
		TimeAllocated: t.TimeAllocated,
		TimeTracked:   t.TimeTracked,
	}
}

// TaskMessagesView is a task's messages with their provenance.
type TaskMessagesView struct {
	TaskID    int                  `json:"taskId"`
	ProjectID int                  `json:"projectId"`
	Source    string               `json:"source"`
	Messages  []domain.MessageView `json:"messages"`
}

// TaskMessages returns a task's direct messages, or the project messages the
// matcher relates to it when the task has none.
func (e Engine) TaskMessages(ctx context.Context, taskID int) (TaskMessagesView, error) {
	t, _, err := e.task(ctx, taskID, 0)
	if err != nil {
		return TaskMessagesView{}, err
	}
	view := TaskMessagesView{TaskID: taskID, ProjectID: t.ProjectID, Messages: []domain.MessageView{}}
	direct, err := e.taskMessages(ctx, taskID)
	if err != nil && !isNoData(err) {
		if errors.Is(err, upstream.ErrUnavailable) {
			view.Source = domain.SourceError
			return view, nil
		}
		return TaskMessagesView{}, err
	}
	if len(direct) > 0 {
		view.Source = domain.SourceDirect
		view.Messages = e.flatViews(matcher.Candidates(direct, e.loc()))
		return view, nil
	}
	view.Source = domain.SourceNone
	if t.ProjectID == 0 {
		return view, nil
	}
	related := e.relatedMessages(e.projectCandidates(ctx, t.ProjectID), t, domain.TaskRef{ID: taskID})
	if len(related) > 0 {
		view.Source = domain.SourceProjectContext
		view.Messages = e.flatViews(related)
	}
	return view, nil
}
