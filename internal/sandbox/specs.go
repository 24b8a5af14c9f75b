// ABOUTME: Sandbox spec lookup service backed by the store
// ABOUTME: Search, get, default resolution, and concurrent batch lookups

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-appserver/internal/config"
	"github.com/2389/coven-appserver/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultSearchLimit is the page size used when callers don't specify one.
const DefaultSearchLimit = 100

// ErrNoSpecs is returned when a default spec is requested but none exist.
var ErrNoSpecs = errors.New("No sandbox specs available!")

// Spec is a sandbox spec record.
type Spec = store.SandboxSpec

// SpecPage is one page of specs. NextPageID is empty on the last page.
type SpecPage struct {
	Items      []*Spec `json:"items"`
	NextPageID string  `json:"next_page_id,omitempty"`
}

// SpecService looks up sandbox specs.
type SpecService interface {
	SearchSpecs(ctx context.Context, pageID string, limit int) (*SpecPage, error)
	// GetSpec returns nil without error when the spec does not exist.
	GetSpec(ctx context.Context, id string) (*Spec, error)
}

// SpecStore is the persistence required by StoreSpecService.
type SpecStore interface {
	SearchSandboxSpecs(ctx context.Context, pageID string, limit int) ([]*store.SandboxSpec, string, error)
	GetSandboxSpec(ctx context.Context, id string) (*store.SandboxSpec, error)
}

// StoreSpecService implements SpecService on top of the SQLite store.
type StoreSpecService struct {
	store SpecStore
}

// NewStoreSpecService creates a spec service reading from s.
func NewStoreSpecService(s SpecStore) *StoreSpecService {
	return &StoreSpecService{store: s}
}

// SearchSpecs returns a page of specs in creation order.
func (s *StoreSpecService) SearchSpecs(ctx context.Context, pageID string, limit int) (*SpecPage, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	items, next, err := s.store.SearchSandboxSpecs(ctx, pageID, limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Spec{}
	}
	return &SpecPage{Items: items, NextPageID: next}, nil
}

// GetSpec returns the spec with the given id, or nil if there is none.
func (s *StoreSpecService) GetSpec(ctx context.Context, id string) (*Spec, error) {
	spec, err := s.store.GetSandboxSpec(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// DefaultSpec returns the first spec of the first page.
func DefaultSpec(ctx context.Context, svc SpecService) (*Spec, error) {
	page, err := svc.SearchSpecs(ctx, "", DefaultSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("searching sandbox specs: %w", err)
	}
	if len(page.Items) == 0 {
		return nil, ErrNoSpecs
	}
	return page.Items[0], nil
}

// BatchGetSpecs looks up every id concurrently. The result is positional
// with nil for ids that don't exist; the first lookup error aborts the batch.
func BatchGetSpecs(ctx context.Context, svc SpecService, ids []string) ([]*Spec, error) {
	results := make([]*Spec, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			spec, err := svc.GetSpec(ctx, id)
			if err != nil {
				return fmt.Errorf("getting sandbox spec %s: %w", id, err)
			}
			results[i] = spec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// SpecWriter is the persistence required by Seed.
type SpecWriter interface {
	SaveSandboxSpec(ctx context.Context, spec *store.SandboxSpec) error
}

// Seed writes the configured specs into the store. Creation timestamps are
// spaced so that search order matches configuration order.
func Seed(ctx context.Context, w SpecWriter, specs []config.SandboxSpecConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	base := time.Now().UTC()
	for i, sc := range specs {
		spec := &store.SandboxSpec{
			ID:         sc.ID,
			Command:    sc.Command,
			WorkingDir: sc.WorkingDir,
			InitialEnv: sc.InitialEnv,
			CreatedAt:  base.Add(time.Duration(i) * time.Microsecond),
		}
		if err := w.SaveSandboxSpec(ctx, spec); err != nil {
			return fmt.Errorf("seeding sandbox spec %s: %w", sc.ID, err)
		}
	}
	logger.Info("seeded sandbox specs", "count", len(specs))
	return nil
}
