package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"healthboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// EventFilter narrows an audit query. Empty fields match everything.
type EventFilter struct {
	Action     string
	EntityKind string
	EntityID   string
}

func (f EventFilter) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// LatestEvents returns up to limit audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := f.where()
	query := fmt.Sprintf(`SELECT id,ts,action,entity_kind,entity_id,actor,payload_json FROM audit_events %s ORDER BY ts DESC, rowid DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Action, &e.EntityKind, &e.EntityID, &e.Actor, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// GetEvent returns one event by id.
func (r Repo) GetEvent(ctx context.Context, id string) (domain.AuditEvent, error) {
	var e domain.AuditEvent
	var payload sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,ts,action,entity_kind,entity_id,actor,payload_json FROM audit_events WHERE id=?`, id).
		Scan(&e.ID, &e.TS, &e.Action, &e.EntityKind, &e.EntityID, &e.Actor, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

// CountByAction returns how many events exist per action.
func (r Repo) CountByAction(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT action, COUNT(*) FROM audit_events GROUP BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		out[action] = n
	}
	return out, rows.Err()
}
