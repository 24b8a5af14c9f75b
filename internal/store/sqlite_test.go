// ABOUTME: Tests for SQLite store setup, sessions, and conversation persistence
// ABOUTME: Covers schema creation, positional batch lookups, and start task upserts

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err, "NewSQLiteStore failed")
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	conv := &Conversation{ID: uuid.New(), Title: "persisted"}
	require.NoError(t, first.CreateConversation(context.Background(), conv))
	require.NoError(t, first.Close())

	// Schema creation and migrations must be idempotent
	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Title)
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	conv := &Conversation{ID: uuid.New()}
	require.NoError(t, store.CreateConversation(ctx, conv))

	_, err = store.GetConversation(ctx, conv.ID)
	assert.NoError(t, err)
	assert.NoError(t, store.Ping(ctx))
}

func TestCreateAndGetConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	parent := uuid.New()
	conv := &Conversation{
		ID:                   uuid.New(),
		CreatedByUserID:      "user-1",
		SandboxID:            "sandbox-1",
		SandboxStatus:        SandboxStatusRunning,
		Title:                "Fix the build",
		ParentConversationID: &parent,
		LLMModel:             "claude",
		AgentType:            "default",
		SelectedRepository:   "2389/coven",
		SelectedBranch:       "main",
		GitProvider:          "github",
		CreatedAt:            time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.CreateConversation(ctx, conv))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "user-1", got.CreatedByUserID)
	assert.Equal(t, "sandbox-1", got.SandboxID)
	assert.Equal(t, SandboxStatusRunning, got.SandboxStatus)
	require.NotNil(t, got.ParentConversationID)
	assert.Equal(t, parent, *got.ParentConversationID)
	assert.Equal(t, "2389/coven", got.SelectedRepository)
	assert.True(t, conv.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", got.CreatedAt, conv.CreatedAt)

	assert.ErrorIs(t, store.CreateConversation(ctx, conv), ErrDuplicate)
}

func TestGetConversation_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetConversation(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchGetConversations_Positional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Conversation{ID: uuid.New(), Title: "a"}
	b := &Conversation{ID: uuid.New(), Title: "b"}
	require.NoError(t, store.CreateConversation(ctx, a))
	require.NoError(t, store.CreateConversation(ctx, b))

	missing := uuid.New()
	got, err := store.BatchGetConversations(ctx, []uuid.UUID{b.ID, missing, a.ID, b.ID})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "b", got[0].Title)
	assert.Nil(t, got[1])
	assert.Equal(t, "a", got[2].Title)
	assert.Equal(t, "b", got[3].Title)

	empty, err := store.BatchGetConversations(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestListChildConversations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	parent := &Conversation{ID: uuid.New()}
	require.NoError(t, store.CreateConversation(ctx, parent))
	for i := 0; i < 2; i++ {
		child := &Conversation{ID: uuid.New(), ParentConversationID: &parent.ID}
		require.NoError(t, store.CreateConversation(ctx, child))
	}

	children, err := store.ListChildConversations(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestUpdateConversationSandbox(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := &Conversation{ID: uuid.New(), SandboxStatus: SandboxStatusStarting}
	require.NoError(t, store.CreateConversation(ctx, conv))
	require.NoError(t, store.UpdateConversationSandbox(ctx, conv.ID, "sb-9", SandboxStatusRunning))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "sb-9", got.SandboxID)
	assert.Equal(t, SandboxStatusRunning, got.SandboxStatus)

	assert.ErrorIs(t, store.UpdateConversationSandbox(ctx, uuid.New(), "x", SandboxStatusRunning), ErrNotFound)
}

func TestSaveStartTask_Upsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	convID := uuid.New()
	parentID := uuid.New()
	task := &StartTask{
		ID:                uuid.New(),
		CreatedByUserID:   "user-1",
		Status:            StartTaskWorking,
		AppConversationID: &convID,
		Request:           StartRequest{ParentConversationID: &parentID, Title: "cleared"},
	}
	require.NoError(t, store.SaveStartTask(ctx, task))

	task.Status = StartTaskReady
	task.SandboxID = "sb-1"
	task.AgentServerURL = "http://agent:8000"
	require.NoError(t, store.SaveStartTask(ctx, task))

	got, err := store.GetStartTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StartTaskReady, got.Status)
	assert.Equal(t, "sb-1", got.SandboxID)
	assert.Equal(t, "http://agent:8000", got.AgentServerURL)
	require.NotNil(t, got.AppConversationID)
	assert.Equal(t, convID, *got.AppConversationID)
	require.NotNil(t, got.Request.ParentConversationID)
	assert.Equal(t, parentID, *got.Request.ParentConversationID)
	assert.Equal(t, "cleared", got.Request.Title)

	_, err = store.GetStartTask(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartTaskStatus_Terminal(t *testing.T) {
	assert.False(t, StartTaskWorking.Terminal())
	assert.False(t, StartTaskWaitingForSandbox.Terminal())
	assert.False(t, StartTaskStartingConversation.Terminal())
	assert.True(t, StartTaskReady.Terminal())
	assert.True(t, StartTaskError.Terminal())
}

func TestSession_SharesDataAndClosesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.Session(ctx)
	require.NoError(t, err)

	conv := &Conversation{ID: uuid.New(), Title: "via session"}
	require.NoError(t, session.CreateConversation(ctx, conv))

	// Visible through the pool
	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "via session", got.Title)

	require.NoError(t, session.Close())
	assert.NoError(t, session.Close(), "second Close must be a no-op")
}
