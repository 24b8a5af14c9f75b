// ABOUTME: Tests for sandbox spec lookups, default resolution, and seeding

package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/2389/coven-appserver/internal/config"
	"github.com/2389/coven-appserver/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSeededService(t *testing.T, specs ...config.SandboxSpecConfig) *StoreSpecService {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, Seed(context.Background(), s, specs, nil))
	return NewStoreSpecService(s)
}

func TestDefaultSpec_FirstConfigured(t *testing.T) {
	svc := newSeededService(t,
		config.SandboxSpecConfig{ID: "zeta", WorkingDir: "/z"},
		config.SandboxSpecConfig{ID: "alpha", WorkingDir: "/a"},
	)

	spec, err := DefaultSpec(context.Background(), svc)
	require.NoError(t, err)
	assert.Equal(t, "zeta", spec.ID)
}

func TestDefaultSpec_NoSpecs(t *testing.T) {
	svc := newSeededService(t)

	_, err := DefaultSpec(context.Background(), svc)
	require.ErrorIs(t, err, ErrNoSpecs)
	assert.Equal(t, "No sandbox specs available!", err.Error())
}

func TestGetSpec_MissingIsNil(t *testing.T) {
	svc := newSeededService(t, config.SandboxSpecConfig{ID: "python"})

	spec, err := svc.GetSpec(context.Background(), "ruby")
	require.NoError(t, err)
	assert.Nil(t, spec)
}

func TestSearchSpecs_EmptyPage(t *testing.T) {
	svc := newSeededService(t)

	page, err := svc.SearchSpecs(context.Background(), "", 0)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.NextPageID)
}

func TestBatchGetSpecs_Positional(t *testing.T) {
	svc := newSeededService(t,
		config.SandboxSpecConfig{ID: "python"},
		config.SandboxSpecConfig{ID: "node"},
	)

	specs, err := BatchGetSpecs(context.Background(), svc, []string{"node", "missing", "python"})
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, "node", specs[0].ID)
	assert.Nil(t, specs[1])
	assert.Equal(t, "python", specs[2].ID)
}

type failingSpecService struct {
	calls atomic.Int32
}

func (f *failingSpecService) SearchSpecs(ctx context.Context, pageID string, limit int) (*SpecPage, error) {
	return nil, errors.New("db down")
}

func (f *failingSpecService) GetSpec(ctx context.Context, id string) (*Spec, error) {
	f.calls.Add(1)
	if id == "bad" {
		return nil, errors.New("db down")
	}
	return &Spec{ID: id}, nil
}

func TestBatchGetSpecs_Error(t *testing.T) {
	svc := &failingSpecService{}

	_, err := BatchGetSpecs(context.Background(), svc, []string{"a", "bad", "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestDefaultSpec_SearchError(t *testing.T) {
	_, err := DefaultSpec(context.Background(), &failingSpecService{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSpecs)
}
