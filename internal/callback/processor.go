// ABOUTME: Callback processor contract, registry, and shared helpers for final-message delivery
// ABOUTME: Processors turn a conversation event into a result, or nil when the event is not theirs

package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/2389/coven-appserver/internal/event"
	"github.com/2389/coven-appserver/internal/store"
	"github.com/google/uuid"
)

// FinalMessageSearchLimit is how many recent message events are scanned for the final reply.
const FinalMessageSearchLimit = 50

// ErrUnknownProcessor is returned for processor types nothing registered.
var ErrUnknownProcessor = errors.New("unknown processor type")

// Processor handles events delivered to one callback subscription.
type Processor interface {
	// Process returns nil when the event is not relevant to this processor.
	Process(ctx context.Context, conversationID uuid.UUID, cb *store.EventCallback, e event.Event) *store.CallbackResult
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, conversationID uuid.UUID, cb *store.EventCallback, e event.Event) *store.CallbackResult

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, conversationID uuid.UUID, cb *store.EventCallback, e event.Event) *store.CallbackResult {
	return f(ctx, conversationID, cb, e)
}

// Factory builds a processor from the callback's stored configuration.
type Factory func(config json.RawMessage) (Processor, error)

// Registry maps processor type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a processor type.
func (r *Registry) Register(processorType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[processorType] = f
}

// Types returns the registered processor type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Build creates the processor described by spec.
func (r *Registry) Build(spec store.ProcessorSpec) (Processor, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownProcessor, spec.Type, strings.Join(r.Types(), ", "))
	}
	p, err := f(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("configuring %s processor: %w", spec.Type, err)
	}
	return p, nil
}

// EventSearcher finds stored conversation events.
type EventSearcher interface {
	SearchEvents(ctx context.Context, p event.SearchParams) (*event.Page, error)
}

// IsExecutionFinished reports whether e announces that the agent finished running.
func IsExecutionFinished(e event.Event) bool {
	update, ok := e.(*event.ConversationStateUpdateEvent)
	return ok && update.IsExecutionFinished()
}

// LatestAssistantText returns the text of the most recent agent reply in the
// conversation, or "" when none of the recent message events carries any.
func LatestAssistantText(ctx context.Context, events EventSearcher, conversationID uuid.UUID) (string, error) {
	page, err := events.SearchEvents(ctx, event.SearchParams{
		ConversationID: conversationID,
		Kind:           event.KindMessage,
		SortOrder:      event.SortTimestampDesc,
		Limit:          FinalMessageSearchLimit,
	})
	if err != nil {
		return "", err
	}
	if page == nil {
		return "", nil
	}

	for _, e := range page.Items {
		msg, ok := e.(*event.MessageEvent)
		if !ok || msg.Source != event.SourceAgent {
			continue
		}
		if msg.LLMMessage != nil && msg.LLMMessage.Role != "" && msg.LLMMessage.Role != event.RoleAssistant {
			continue
		}
		if text := msg.LLMMessage.PlainText(); text != "" {
			return text, nil
		}
	}
	return "", nil
}

// ConversationURL fills the {conversation_id} placeholder of a web UI link template.
func ConversationURL(template string, conversationID uuid.UUID) string {
	return strings.ReplaceAll(template, "{conversation_id}", conversationID.String())
}

// NewResult builds a result for the given callback invocation.
func NewResult(status store.CallbackResultStatus, cb *store.EventCallback, e event.Event, conversationID uuid.UUID, detail string) *store.CallbackResult {
	return &store.CallbackResult{
		Status:          status,
		EventCallbackID: cb.ID,
		EventID:         e.EventID(),
		ConversationID:  conversationID,
		Detail:          detail,
	}
}
