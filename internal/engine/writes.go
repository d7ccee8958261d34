package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.trai.ch/zerr"

	"healthboard/internal/events"
)

type actorKey struct{}

// WithActor attaches the acting user to ctx for the audit trail.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor set by WithActor, or "".
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func invalid(msg string) error {
	return zerr.Wrap(ErrInvalidInput, msg)
}

// UpdateProjectStatus sets a project's custom status upstream.
func (e Engine) UpdateProjectStatus(ctx context.Context, projectID, statusID int) error {
	if projectID <= 0 || statusID <= 0 {
		return invalid("project id and status id are required")
	}
	if err := e.Upstream.UpdateProjectStatus(ctx, projectID, statusID); err != nil {
		return err
	}
	e.afterWrite(ctx, "project.status", "project", projectID,
		events.EventPayload{"statusId": statusID},
		tagProjects, projectKey(projectID))
	return nil
}

// UpdateTaskDates changes a task's start and/or due date (YYYY-MM-DD).
func (e Engine) UpdateTaskDates(ctx context.Context, taskID, projectID int, start, due *string) error {
	if taskID <= 0 {
		return invalid("task id is required")
	}
	fields := map[string]string{}
	for name, v := range map[string]*string{"startdate": start, "duedate": due} {
		if v == nil || strings.TrimSpace(*v) == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", strings.TrimSpace(*v)); err != nil {
			return zerr.With(invalid("dates must be YYYY-MM-DD"), "field", name)
		}
		fields[name] = strings.TrimSpace(*v)
	}
	if len(fields) == 0 {
		return invalid("startdate or duedate is required")
	}
	if err := e.Upstream.UpdateTask(ctx, taskID, fields); err != nil {
		return err
	}
	payload := events.EventPayload{"projectId": projectID}
	for k, v := range fields {
		payload[k] = v
	}
	e.afterWrite(ctx, "task.dates", "task", taskID, payload, e.taskTags(taskID, projectID)...)
	return nil
}

// SetTaskCompletion completes a task on date (today when empty) or
// reactivates it.
func (e Engine) SetTaskCompletion(ctx context.Context, taskID, projectID int, completed bool, date string) error {
	if taskID <= 0 {
		return invalid("task id is required")
	}
	if !completed {
		if err := e.Upstream.ReactivateTask(ctx, taskID); err != nil {
			return err
		}
		e.afterWrite(ctx, "task.reactivate", "task", taskID,
			events.EventPayload{"projectId": projectID}, e.taskTags(taskID, projectID)...)
		return nil
	}
	date = strings.TrimSpace(date)
	if date == "" {
		date = e.now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		return zerr.With(invalid("completedate must be YYYY-MM-DD"), "completedate", date)
	}
	if err := e.Upstream.CompleteTask(ctx, taskID, date); err != nil {
		return err
	}
	e.afterWrite(ctx, "task.complete", "task", taskID,
		events.EventPayload{"projectId": projectID, "completedate": date}, e.taskTags(taskID, projectID)...)
	return nil
}

// ApproveRequest approves a project request; body carries assignee data.
func (e Engine) ApproveRequest(ctx context.Context, requestID int, body map[string]any) error {
	if requestID <= 0 {
		return invalid("request id is required")
	}
	if err := e.Upstream.ApproveProjectRequest(ctx, requestID, body); err != nil {
		return err
	}
	e.afterWrite(ctx, "request.approve", "project_request", requestID,
		events.EventPayload(body), tagRequests, tagProjects)
	return nil
}

func (e Engine) DeclineRequest(ctx context.Context, requestID int, reason string) error {
	if requestID <= 0 {
		return invalid("request id is required")
	}
	if err := e.Upstream.DeclineProjectRequest(ctx, requestID, reason); err != nil {
		return err
	}
	e.afterWrite(ctx, "request.decline", "project_request", requestID,
		events.EventPayload{"reason": reason}, tagRequests, tagProjects)
	return nil
}

func (e Engine) taskTags(taskID, projectID int) []string {
	tags := []string{taskKey(taskID)}
	if projectID > 0 {
		tags = append(tags, projectTasksKey(projectID))
	}
	return tags
}

// afterWrite invalidates tags and records the write. Audit failures are
// logged; the upstream write already happened.
func (e Engine) afterWrite(ctx context.Context, action, kind string, id int, payload events.EventPayload, tags ...string) {
	e.InvalidateOnWrite(ctx, tags...)
	if e.Audit == nil {
		return
	}
	if _, err := e.Audit.Append(context.WithoutCancel(ctx), action, kind, strconv.Itoa(id), ActorFrom(ctx), payload); err != nil {
		e.logger().Warn("audit append failed", "action", action, "entity", id, "error", err)
	}
}
