// ABOUTME: Conversation event persistence and search with cursor pagination
// ABOUTME: Events are stored as kind-tagged JSON envelopes keyed by conversation

package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/2389/coven-appserver/internal/event"
	"github.com/google/uuid"
)

// Event search limits
const (
	DefaultEventLimit = 100
	MaxEventLimit     = 500
)

// SaveEvent persists an event for a conversation.
// Returns ErrDuplicate if an event with the same ID was already stored.
func (q *queries) SaveEvent(ctx context.Context, conversationID uuid.UUID, e event.Event) error {
	payload, err := event.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO events (event_id, conversation_id, kind, timestamp, payload_json)
		VALUES (?, ?, ?, ?, ?)
	`,
		e.EventID().String(),
		conversationID.String(),
		string(e.EventKind()),
		formatTime(e.EventTimestamp()),
		string(payload),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting event: %w", err)
	}

	q.logger.Debug("saved event",
		"event_id", e.EventID(),
		"conversation_id", conversationID,
		"kind", e.EventKind(),
	)
	return nil
}

// encodeCursor creates an opaque cursor string from a timestamp and event ID.
func encodeCursor(ts, id string) string {
	return base64.URLEncoding.EncodeToString([]byte(ts + "|" + id))
}

// decodeCursor parses an opaque cursor string into a timestamp and event ID.
func decodeCursor(cursor string) (string, string, error) {
	decoded, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("invalid cursor encoding: %w", err)
	}
	ts, id, ok := strings.Cut(string(decoded), "|")
	if !ok || ts == "" || id == "" {
		return "", "", fmt.Errorf("invalid cursor format: expected timestamp|event_id")
	}
	return ts, id, nil
}

// SearchEvents returns one page of events matching the params.
// Ordering is by timestamp then event id, ascending unless SortTimestampDesc is requested.
func (q *queries) SearchEvents(ctx context.Context, p event.SearchParams) (*event.Page, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}
	desc := p.SortOrder == event.SortTimestampDesc

	var (
		where []string
		args  []any
	)
	if p.ConversationID != uuid.Nil {
		where = append(where, "conversation_id = ?")
		args = append(args, p.ConversationID.String())
	}
	if p.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(p.Kind))
	}
	if p.PageID != "" {
		ts, id, err := decodeCursor(p.PageID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPageID, err)
		}
		if desc {
			where = append(where, "(timestamp < ? OR (timestamp = ? AND event_id < ?))")
		} else {
			where = append(where, "(timestamp > ? OR (timestamp = ? AND event_id > ?))")
		}
		args = append(args, ts, ts, id)
	}

	query := `SELECT event_id, timestamp, payload_json FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if desc {
		query += " ORDER BY timestamp DESC, event_id DESC"
	} else {
		query += " ORDER BY timestamp ASC, event_id ASC"
	}
	// Fetch one extra row to learn whether another page exists
	query += " LIMIT ?"
	args = append(args, limit+1)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	type row struct {
		id, ts string
		e      event.Event
	}
	var found []row
	for rows.Next() {
		var r row
		var payload string
		if err := rows.Scan(&r.id, &r.ts, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		r.e, err = event.Unmarshal([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decoding event %s: %w", r.id, err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	page := &event.Page{Items: make([]event.Event, 0, min(len(found), limit))}
	for i, r := range found {
		if i == limit {
			last := found[limit-1]
			page.NextPageID = encodeCursor(last.ts, last.id)
			break
		}
		page.Items = append(page.Items, r.e)
	}
	return page, nil
}
