// ABOUTME: Callback registration and event dispatch to matching processors
// ABOUTME: Processors run concurrently and every non-nil result is persisted

package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-appserver/internal/event"
	"github.com/2389/coven-appserver/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentProcessors bounds how many processors run at once for one event.
const maxConcurrentProcessors = 8

// ErrInvalidCallback is returned by Register for subscriptions that can never run.
var ErrInvalidCallback = errors.New("invalid event callback")

// Store is the persistence the callback service needs.
type Store interface {
	CreateEventCallback(ctx context.Context, cb *store.EventCallback) error
	GetEventCallback(ctx context.Context, id uuid.UUID) (*store.EventCallback, error)
	ListActiveEventCallbacks(ctx context.Context, conversationID uuid.UUID, kind string) ([]*store.EventCallback, error)
	SaveCallbackResult(ctx context.Context, r *store.CallbackResult) error
	ListCallbackResults(ctx context.Context, callbackID uuid.UUID, limit int) ([]*store.CallbackResult, error)
}

// Service registers callbacks and dispatches events to them.
type Service struct {
	store    Store
	registry *Registry
	logger   *slog.Logger
}

// NewService creates a callback service.
func NewService(s Store, registry *Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		registry: registry,
		logger:   logger.With("component", "callback"),
	}
}

// Register validates and stores a callback subscription.
func (s *Service) Register(ctx context.Context, cb *store.EventCallback) error {
	if cb.Processor.Type == "" {
		return fmt.Errorf("%w: processor type is required", ErrInvalidCallback)
	}
	if _, err := s.registry.Build(cb.Processor); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if cb.EventKind != "" && !event.KnownKind(event.Kind(cb.EventKind)) {
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidCallback, cb.EventKind)
	}
	if err := s.store.CreateEventCallback(ctx, cb); err != nil {
		return err
	}
	s.logger.Info("registered event callback",
		"id", cb.ID,
		"processor", cb.Processor.Type,
		"conversation_id", cb.ConversationID,
	)
	return nil
}

// GetCallback returns the callback, or store.ErrNotFound.
func (s *Service) GetCallback(ctx context.Context, id uuid.UUID) (*store.EventCallback, error) {
	return s.store.GetEventCallback(ctx, id)
}

// Results returns the recorded results for a callback.
func (s *Service) Results(ctx context.Context, callbackID uuid.UUID, limit int) ([]*store.CallbackResult, error) {
	return s.store.ListCallbackResults(ctx, callbackID, limit)
}

// Dispatch runs every active callback matching the event and returns the
// results in callback order. Processors that ignore the event produce no result.
func (s *Service) Dispatch(ctx context.Context, conversationID uuid.UUID, e event.Event) ([]*store.CallbackResult, error) {
	callbacks, err := s.store.ListActiveEventCallbacks(ctx, conversationID, string(e.EventKind()))
	if err != nil {
		return nil, fmt.Errorf("loading event callbacks: %w", err)
	}
	if len(callbacks) == 0 {
		return nil, nil
	}

	results := make([]*store.CallbackResult, len(callbacks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProcessors)
	for i, cb := range callbacks {
		g.Go(func() error {
			results[i] = s.run(gctx, conversationID, cb, e)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*store.CallbackResult, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		if err := s.store.SaveCallbackResult(ctx, r); err != nil {
			s.logger.Error("failed to save callback result", "error", err, "callback_id", r.EventCallbackID)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Service) run(ctx context.Context, conversationID uuid.UUID, cb *store.EventCallback, e event.Event) *store.CallbackResult {
	p, err := s.registry.Build(cb.Processor)
	if err != nil {
		s.logger.Error("failed to build processor", "error", err, "callback_id", cb.ID)
		return NewResult(store.CallbackResultError, cb, e, conversationID, err.Error())
	}
	return p.Process(ctx, conversationID, cb, e)
}
