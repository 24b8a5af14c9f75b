// ABOUTME: Matrix V1 callback processor posting the agent's final reply to a Matrix room
// ABOUTME: Messages are m.notice events with a goldmark-rendered HTML body, threaded when configured

package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	mevent "maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-appserver/internal/callback"
	"github.com/2389/coven-appserver/internal/config"
	"github.com/2389/coven-appserver/internal/event"
	"github.com/2389/coven-appserver/internal/store"
	"github.com/google/uuid"
)

// ProcessorType is the registry name of the Matrix V1 processor.
const ProcessorType = "matrix_v1"

// ErrMissingRoom is returned by the factory when the callback names no room.
var ErrMissingRoom = errors.New("matrix room id is required")

// Target is the room, and optionally the thread, replies are posted to.
type Target struct {
	RoomID       string `json:"room_id"`
	ThreadRootID string `json:"thread_root_id,omitempty"`
}

// Sender sends Matrix room events. *mautrix.Client satisfies it.
type Sender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType mevent.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// NewClient logs in to the homeserver with an access token.
func NewClient(cfg config.MatrixConfig) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return client, nil
}

// Deps are the collaborators shared by every Matrix V1 processor.
type Deps struct {
	Sender          Sender
	Events          callback.EventSearcher
	ConversationURL string
	Logger          *slog.Logger
}

// V1Processor posts the final assistant message to one room.
type V1Processor struct {
	target Target
	deps   Deps
	logger *slog.Logger
}

// NewFactory returns a callback factory building V1Processors from stored config.
func NewFactory(deps Deps) callback.Factory {
	return func(config json.RawMessage) (callback.Processor, error) {
		var target Target
		if len(config) > 0 {
			if err := json.Unmarshal(config, &target); err != nil {
				return nil, fmt.Errorf("decoding matrix_v1 config: %w", err)
			}
		}
		if target.RoomID == "" {
			return nil, ErrMissingRoom
		}
		return NewV1Processor(target, deps), nil
	}
}

// NewV1Processor creates a processor posting to target.
func NewV1Processor(target Target, deps Deps) *V1Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &V1Processor{
		target: target,
		deps:   deps,
		logger: logger.With("component", "matrix_v1", "room", target.RoomID),
	}
}

// Process posts the final reply when e reports that execution finished.
func (p *V1Processor) Process(ctx context.Context, conversationID uuid.UUID, cb *store.EventCallback, e event.Event) *store.CallbackResult {
	if !callback.IsExecutionFinished(e) {
		return nil
	}

	message := p.finalMessage(ctx, conversationID)
	if err := p.post(ctx, message); err != nil {
		p.logger.Error("failed to process callback", "error", err, "conversation_id", conversationID)

		report := fmt.Sprintf("OpenHands encountered an error: **%s**.\n\n%s for more information.",
			err.Error(), p.conversationLink(conversationID))
		if postErr := p.post(ctx, report); postErr != nil {
			p.logger.Warn("failed to post error message", "error", postErr)
		}
		return callback.NewResult(store.CallbackResultError, cb, e, conversationID, err.Error())
	}

	return callback.NewResult(store.CallbackResultSuccess, cb, e, conversationID, message)
}

func (p *V1Processor) finalMessage(ctx context.Context, conversationID uuid.UUID) string {
	text, err := callback.LatestAssistantText(ctx, p.deps.Events, conversationID)
	if err != nil {
		p.logger.Warn("failed to search events", "error", err, "conversation_id", conversationID)
	}
	if text == "" {
		return "No response from the agent.\n\n" + p.conversationLink(conversationID)
	}
	return text
}

func (p *V1Processor) conversationLink(conversationID uuid.UUID) string {
	return fmt.Sprintf("[See the conversation](%s)", callback.ConversationURL(p.deps.ConversationURL, conversationID))
}

func (p *V1Processor) post(ctx context.Context, text string) error {
	if p.deps.Sender == nil {
		return errors.New("matrix is not configured")
	}

	content := &mevent.MessageEventContent{
		MsgType: mevent.MsgNotice,
		Body:    text,
	}
	var html bytes.Buffer
	if err := goldmark.Convert([]byte(text), &html); err != nil {
		p.logger.Warn("failed to render markdown", "error", err)
	} else {
		content.Format = mevent.FormatHTML
		content.FormattedBody = html.String()
	}
	if p.target.ThreadRootID != "" {
		root := id.EventID(p.target.ThreadRootID)
		content.RelatesTo = (&mevent.RelatesTo{}).SetThread(root, root)
	}

	resp, err := p.deps.Sender.SendMessageEvent(ctx, id.RoomID(p.target.RoomID), mevent.EventMessage, content)
	if err != nil {
		return fmt.Errorf("sending matrix message: %w", err)
	}
	p.logger.Info("posted message", "event_id", resp.EventID)
	return nil
}
