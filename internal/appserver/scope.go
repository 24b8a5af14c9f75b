// ABOUTME: Request-scoped resources for conversation handlers
// ABOUTME: A Scope owns a store session and its own outbound HTTP client and releases both exactly once

package appserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-appserver/internal/auth"
	"github.com/2389/coven-appserver/internal/config"
	"github.com/2389/coven-appserver/internal/conversation"
	"github.com/2389/coven-appserver/internal/sandbox"
	"github.com/2389/coven-appserver/internal/store"
	"github.com/google/uuid"
)

// outboundTimeout bounds each request made by the server's outbound HTTP clients.
const outboundTimeout = 30 * time.Second

// ConversationService is what the conversation handlers need from a scope.
type ConversationService interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*conversation.AppConversation, error)
	BatchGetConversations(ctx context.Context, ids []uuid.UUID) ([]*conversation.AppConversation, error)
	ListChildConversations(ctx context.Context, parentID uuid.UUID) ([]*conversation.AppConversation, error)
	Start(ctx context.Context, req *conversation.StartRequest) <-chan conversation.StartUpdate
	GetStartTask(ctx context.Context, id uuid.UUID) (*conversation.StartTask, error)
}

// Scope bundles the per-request conversation service with the resources
// backing it. Close releases every resource once; later calls are no-ops.
type Scope struct {
	Conversations ConversationService

	httpClient *http.Client
	closers    []func() error
	closeOnce  sync.Once
	closeErr   error
}

// NewScope creates a scope whose Close runs closers in reverse order.
func NewScope(svc ConversationService, closers ...func() error) *Scope {
	return &Scope{Conversations: svc, closers: closers}
}

// Close releases the scope's resources.
func (s *Scope) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// ScopeFactory opens the resources for one request.
type ScopeFactory func(ctx context.Context) (*Scope, error)

// newScopeHTTPClient returns a client with its own connection pool so closing
// it leaves other clients' idle connections alone.
func newScopeHTTPClient() *http.Client {
	return &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
		Timeout:   outboundTimeout,
	}
}

// storeScopes opens a store session and an HTTP client per request. Work that
// outlives the request uses sqlStore, agent, and starts instead.
func storeScopes(cfg *config.Config, sqlStore *store.SQLiteStore, specs sandbox.SpecService, agent conversation.AgentServer, starts *conversation.StartTracker, logger *slog.Logger) ScopeFactory {
	image := sandbox.AgentServerImage(cfg.Sandbox.AgentServerImageRepository, cfg.Sandbox.AgentServerImageTag)

	return func(ctx context.Context) (*Scope, error) {
		session, err := sqlStore.Session(ctx)
		if err != nil {
			return nil, fmt.Errorf("opening store session: %w", err)
		}
		httpClient := newScopeHTTPClient()

		svc := conversation.New(conversation.Deps{
			Store:        session,
			Background:   sqlStore,
			Specs:        specs,
			AgentServer:  agent,
			UserID:       auth.UserID(ctx),
			StartTimeout: cfg.Conversations.StartTimeout,
			Image:        image,
			Starts:       starts,
			Logger:       logger,
		})

		scope := NewScope(svc,
			session.Close,
			func() error {
				httpClient.CloseIdleConnections()
				return nil
			},
		)
		scope.httpClient = httpClient
		return scope, nil
	}
}
