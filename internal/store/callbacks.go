// ABOUTME: Event callback subscriptions and their recorded results
// ABOUTME: Matching honours conversation scope, event kind filter, and ACTIVE status

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateEventCallback stores a new callback subscription.
func (q *queries) CreateEventCallback(ctx context.Context, cb *EventCallback) error {
	if cb.ID == uuid.Nil {
		cb.ID = uuid.New()
	}
	if cb.Status == "" {
		cb.Status = CallbackActive
	}
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = time.Now().UTC()
	}

	var config any
	if len(cb.Processor.Config) > 0 {
		config = string(cb.Processor.Config)
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO event_callbacks (id, conversation_id, processor_type, processor_config, event_kind, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		cb.ID.String(),
		nullUUID(cb.ConversationID),
		cb.Processor.Type,
		config,
		nullString(cb.EventKind),
		string(cb.Status),
		formatTime(cb.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting event callback: %w", err)
	}

	q.logger.Debug("created event callback", "id", cb.ID, "processor", cb.Processor.Type)
	return nil
}

const eventCallbackColumns = `id, conversation_id, processor_type, processor_config, event_kind, status, created_at`

func scanEventCallback(row rowScanner) (*EventCallback, error) {
	var (
		cb                        EventCallback
		id, processorType, status string
		convID, config, kind      sql.NullString
		createdAt                 string
	)
	if err := row.Scan(&id, &convID, &processorType, &config, &kind, &status, &createdAt); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing callback id %q: %w", id, err)
	}
	cb.ID = parsed
	if convID.Valid && convID.String != "" {
		cid, err := uuid.Parse(convID.String)
		if err != nil {
			return nil, fmt.Errorf("parsing callback conversation id %q: %w", convID.String, err)
		}
		cb.ConversationID = &cid
	}
	cb.Processor.Type = processorType
	if config.Valid {
		cb.Processor.Config = json.RawMessage(config.String)
	}
	cb.EventKind = kind.String
	cb.Status = CallbackStatus(status)
	cb.CreatedAt = parseTime(createdAt)
	return &cb, nil
}

// GetEventCallback retrieves a callback by ID.
// Returns ErrNotFound if the callback doesn't exist.
func (q *queries) GetEventCallback(ctx context.Context, id uuid.UUID) (*EventCallback, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+eventCallbackColumns+` FROM event_callbacks WHERE id = ?`, id.String())
	cb, err := scanEventCallback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying event callback: %w", err)
	}
	return cb, nil
}

// ListActiveEventCallbacks returns ACTIVE callbacks that apply to the given
// conversation and event kind, oldest first.
func (q *queries) ListActiveEventCallbacks(ctx context.Context, conversationID uuid.UUID, kind string) ([]*EventCallback, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+eventCallbackColumns+` FROM event_callbacks
		WHERE status = ?
		  AND (conversation_id IS NULL OR conversation_id = ?)
		  AND (event_kind IS NULL OR event_kind = '' OR event_kind = ?)
		ORDER BY created_at ASC
	`, string(CallbackActive), conversationID.String(), kind)
	if err != nil {
		return nil, fmt.Errorf("querying event callbacks: %w", err)
	}
	defer rows.Close()

	var out []*EventCallback
	for rows.Next() {
		cb, err := scanEventCallback(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event callback: %w", err)
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

// SetEventCallbackStatus enables or disables a callback.
// Returns ErrNotFound if the callback doesn't exist.
func (q *queries) SetEventCallbackStatus(ctx context.Context, id uuid.UUID, status CallbackStatus) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE event_callbacks SET status = ? WHERE id = ?`, string(status), id.String())
	if err != nil {
		return fmt.Errorf("updating event callback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCallbackResult records the outcome of one processor run.
func (q *queries) SaveCallbackResult(ctx context.Context, r *CallbackResult) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO event_callback_results (id, event_callback_id, event_id, conversation_id, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID.String(),
		r.EventCallbackID.String(),
		r.EventID.String(),
		r.ConversationID.String(),
		string(r.Status),
		nullString(r.Detail),
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting callback result: %w", err)
	}
	return nil
}

// ListCallbackResults returns the results recorded for a callback, oldest first.
func (q *queries) ListCallbackResults(ctx context.Context, callbackID uuid.UUID, limit int) ([]*CallbackResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, event_callback_id, event_id, conversation_id, status, detail, created_at
		FROM event_callback_results
		WHERE event_callback_id = ?
		ORDER BY created_at ASC
		LIMIT ?
	`, callbackID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying callback results: %w", err)
	}
	defer rows.Close()

	var out []*CallbackResult
	for rows.Next() {
		var (
			r                                     CallbackResult
			id, cbID, eventID, convID, status, ts string
			detail                                sql.NullString
		)
		if err := rows.Scan(&id, &cbID, &eventID, &convID, &status, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scanning callback result: %w", err)
		}
		var err error
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing callback result id %q: %w", id, err)
		}
		if r.EventCallbackID, err = uuid.Parse(cbID); err != nil {
			return nil, fmt.Errorf("parsing event callback id %q: %w", cbID, err)
		}
		if r.EventID, err = uuid.Parse(eventID); err != nil {
			return nil, fmt.Errorf("parsing event id %q: %w", eventID, err)
		}
		if r.ConversationID, err = uuid.Parse(convID); err != nil {
			return nil, fmt.Errorf("parsing conversation id %q: %w", convID, err)
		}
		r.Status = CallbackResultStatus(status)
		r.Detail = detail.String
		r.CreatedAt = parseTime(ts)
		out = append(out, &r)
	}
	return out, rows.Err()
}
