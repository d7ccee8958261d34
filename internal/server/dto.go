package server

import (
	"encoding/json"

	"healthboard/internal/domain"
)

// Request payloads

type StatusUpdateRequest struct {
	StatusID int `json:"statusId" minimum:"1" doc:"Custom status id from /status-options"`
}

type TaskDatesRequest struct {
	ProjectID int     `json:"projectId,omitempty"`
	StartDate *string `json:"startdate,omitempty" doc:"YYYY-MM-DD"`
	DueDate   *string `json:"duedate,omitempty" doc:"YYYY-MM-DD"`
}

type CompleteTaskRequest struct {
	ProjectID    int    `json:"projectId,omitempty"`
	CompleteDate string `json:"completedate,omitempty" doc:"YYYY-MM-DD; defaults to today"`
}

type ReactivateTaskRequest struct {
	ProjectID int `json:"projectId,omitempty"`
}

type DeclineRequest struct {
	Reason string `json:"reason,omitempty"`
}

type InvalidateRequest struct {
	Tags []string `json:"tags,omitempty"`
	All  bool     `json:"all,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status       string `json:"status" example:"ok"`
	CacheEntries int    `json:"cacheEntries"`
	Timestamp    string `json:"timestamp"`
}

type WriteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type InvalidateResponse struct {
	Removed int      `json:"removed"`
	Tags    []string `json:"tags,omitempty"`
	Cleared bool     `json:"cleared"`
}

type AuditEventResponse struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
	Action     string         `json:"action"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func auditEventResponse(ev domain.AuditEvent) AuditEventResponse {
	resp := AuditEventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Action:     ev.Action,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		Actor:      ev.Actor,
	}
	if ev.Payload != "" {
		_ = json.Unmarshal([]byte(ev.Payload), &resp.Payload)
	}
	return resp
}

func auditEventResponses(items []domain.AuditEvent) []AuditEventResponse {
	out := make([]AuditEventResponse, 0, len(items))
	for _, ev := range items {
		out = append(out, auditEventResponse(ev))
	}
	return out
}
