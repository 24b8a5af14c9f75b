// ABOUTME: Slack V1 callback processor posting the agent's final reply to a Slack thread
// ABOUTME: Acts only when execution finishes; failures are reported in-thread and as ERROR results

package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-appserver/internal/callback"
	"github.com/2389/coven-appserver/internal/event"
	"github.com/2389/coven-appserver/internal/store"
	"github.com/google/uuid"
)

// ProcessorType is the registry name of the Slack V1 processor.
const ProcessorType = "slack_v1"

// ErrMissingBotToken is returned when the team has no installed bot token.
var ErrMissingBotToken = errors.New("Missing Slack bot access token")

// ViewData locates the Slack thread a conversation was started from.
type ViewData struct {
	TeamID    string `json:"team_id"`
	ChannelID string `json:"channel_id"`
	ThreadTS  string `json:"thread_ts,omitempty"`
	MessageTS string `json:"message_ts,omitempty"`
}

// threadTS prefers the thread root and falls back to the triggering message.
func (v ViewData) threadTS() string {
	if v.ThreadTS != "" {
		return v.ThreadTS
	}
	return v.MessageTS
}

// processorConfig is the stored callback configuration.
type processorConfig struct {
	SlackViewData ViewData `json:"slack_view_data"`
}

// TokenLookup resolves a team's bot token; "" means no installation.
type TokenLookup interface {
	GetTeamBotToken(ctx context.Context, teamID string) (string, error)
}

// Deps are the collaborators shared by every Slack V1 processor.
type Deps struct {
	Tokens TokenLookup
	Poster Poster
	Events callback.EventSearcher
	// ConversationURL is the web UI link template with a {conversation_id} placeholder.
	ConversationURL string
	Logger          *slog.Logger
}

// V1Processor posts the final assistant message for one Slack thread.
type V1Processor struct {
	view   ViewData
	deps   Deps
	logger *slog.Logger
}

// NewFactory returns a callback factory building V1Processors from stored config.
func NewFactory(deps Deps) callback.Factory {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return func(config json.RawMessage) (callback.Processor, error) {
		var cfg processorConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("decoding slack_v1 config: %w", err)
			}
		}
		return NewV1Processor(cfg.SlackViewData, deps), nil
	}
}

// NewV1Processor creates a processor for the given thread.
func NewV1Processor(view ViewData, deps Deps) *V1Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &V1Processor{
		view:   view,
		deps:   deps,
		logger: logger.With("component", "slack_v1", "channel", view.ChannelID),
	}
}

// Process posts the final reply when e reports that execution finished and
// returns nil for every other event.
func (p *V1Processor) Process(ctx context.Context, conversationID uuid.UUID, cb *store.EventCallback, e event.Event) *store.CallbackResult {
	if !callback.IsExecutionFinished(e) {
		return nil
	}
	p.logger.Info("execution finished", "conversation_id", conversationID, "event_id", e.EventID())

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

// finalMessage returns the latest assistant reply or the fallback pointing at the conversation.
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

// conversationLink formats the web UI link in Slack mrkdwn.
func (p *V1Processor) conversationLink(conversationID uuid.UUID) string {
	return fmt.Sprintf("<%s|See the conversation>", callback.ConversationURL(p.deps.ConversationURL, conversationID))
}

func (p *V1Processor) post(ctx context.Context, text string) error {
	token, err := p.deps.Tokens.GetTeamBotToken(ctx, p.view.TeamID)
	if err != nil {
		return fmt.Errorf("looking up bot token: %w", err)
	}
	if token == "" {
		return ErrMissingBotToken
	}

	resp, err := p.deps.Poster.PostMessage(ctx, token, &PostMessageRequest{
		Channel:     p.view.ChannelID,
		Text:        text,
		ThreadTS:    p.view.threadTS(),
		UnfurlLinks: false,
		UnfurlMedia: false,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		reason := resp.Error
		if reason == "" {
			reason = "Unknown error"
		}
		return fmt.Errorf("Slack API error: %s", reason)
	}

	p.logger.Info("posted message", "thread_ts", p.view.threadTS())
	return nil
}
