// ABOUTME: Conversation service types, identifier helpers, and start update plumbing
// ABOUTME: Identifiers are accepted in dashed or 32-hex form and rendered as hex in responses

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-appserver/internal/store"
	"github.com/google/uuid"
)

// ErrNoTask is returned when a start completes without yielding a task.
var ErrNoTask = errors.New("no task returned")

// ErrInvalidID is returned for identifiers that are not dashed or 32-hex UUIDs.
var ErrInvalidID = errors.New("invalid conversation id")

type (
	AppConversation = store.Conversation
	StartTask       = store.StartTask
	StartRequest    = store.StartRequest
)

// StartUpdate is one value produced by Start: a task snapshot, or the error
// that ended the start before a task could be produced.
type StartUpdate struct {
	Task *StartTask
	Err  error
}

// HexID renders an id as 32 lowercase hex digits without dashes.
func HexID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

// ParseID accepts the canonical dashed form or the 32-hex form.
func ParseID(s string) (uuid.UUID, error) {
	if len(s) != 32 && len(s) != 36 {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return id, nil
}

// FirstTask reads the first update and leaves the rest unread. The caller
// should cancel the context passed to Start once FirstTask returns.
func FirstTask(ctx context.Context, updates <-chan StartUpdate) (*StartTask, error) {
	select {
	case u, ok := <-updates:
		if !ok {
			return nil, ErrNoTask
		}
		if u.Err != nil {
			return nil, u.Err
		}
		if u.Task == nil {
			return nil, ErrNoTask
		}
		return u.Task, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
