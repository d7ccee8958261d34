package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"healthboard/internal/domain"
)

// Writer appends audit events for writes sent upstream.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append stores one event and returns it with its generated id and timestamp.
func (w Writer) Append(ctx context.Context, action, entityKind, entityID, actor string, payload EventPayload) (domain.AuditEvent, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	if actor == "" {
		actor = "anonymous"
	}
	evt := domain.AuditEvent{
		ID:         uuid.NewString(),
		TS:         now().UTC().Format(time.RFC3339Nano),
		Action:     action,
		EntityKind: entityKind,
		EntityID:   entityID,
		Actor:      actor,
		Payload:    string(data),
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_events(id,ts,action,entity_kind,entity_id,actor,payload_json) VALUES (?,?,?,?,?,?,?)`,
		evt.ID, evt.TS, evt.Action, evt.EntityKind, evt.EntityID, evt.Actor, evt.Payload)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("insert audit event: %w", err)
	}
	return evt, nil
}
