// ABOUTME: Tests for event persistence and search
// ABOUTME: Covers kind filtering, sort order, and cursor pagination

package store

import (
	"context"
	"testing"
	"time"

	"github.com/2389/coven-appserver/internal/event"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentMessage(ts time.Time, text string) *event.MessageEvent {
	return &event.MessageEvent{
		Base:   event.Base{ID: uuid.New(), Timestamp: ts},
		Source: event.SourceAgent,
		LLMMessage: &event.Message{
			Role:    event.RoleAssistant,
			Content: []event.Content{event.TextContent(text)},
		},
	}
}

func TestSaveEvent_Duplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := agentMessage(time.Now(), "hi")
	convID := uuid.New()
	require.NoError(t, store.SaveEvent(ctx, convID, e))
	assert.ErrorIs(t, store.SaveEvent(ctx, convID, e), ErrDuplicate)
}

func TestSearchEvents_FilterAndSort(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	convID := uuid.New()
	other := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveEvent(ctx, convID, agentMessage(base, "first")))
	require.NoError(t, store.SaveEvent(ctx, convID, agentMessage(base.Add(time.Second), "second")))
	require.NoError(t, store.SaveEvent(ctx, convID, &event.ConversationStateUpdateEvent{
		Base:  event.Base{ID: uuid.New(), Timestamp: base.Add(2 * time.Second)},
		Key:   event.KeyExecutionStatus,
		Value: event.StringValue(event.ExecutionStatusFinished),
	}))
	require.NoError(t, store.SaveEvent(ctx, other, agentMessage(base.Add(3*time.Second), "elsewhere")))

	page, err := store.SearchEvents(ctx, event.SearchParams{
		ConversationID: convID,
		Kind:           event.KindMessage,
		SortOrder:      event.SortTimestampDesc,
		Limit:          50,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Empty(t, page.NextPageID)

	latest, ok := page.Items[0].(*event.MessageEvent)
	require.True(t, ok)
	assert.Equal(t, "second", latest.LLMMessage.PlainText())

	all, err := store.SearchEvents(ctx, event.SearchParams{ConversationID: convID})
	require.NoError(t, err)
	require.Len(t, all.Items, 3)
	assert.Equal(t, event.KindConversationStateUpdate, all.Items[2].EventKind())
}

func TestSearchEvents_Pagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	convID := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveEvent(ctx, convID, agentMessage(base.Add(time.Duration(i)*time.Second), "m")))
	}

	var seen []uuid.UUID
	params := event.SearchParams{ConversationID: convID, SortOrder: event.SortTimestampDesc, Limit: 2}
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5, "pagination did not terminate")
		page, err := store.SearchEvents(ctx, params)
		require.NoError(t, err)
		for _, e := range page.Items {
			seen = append(seen, e.EventID())
		}
		if page.NextPageID == "" {
			break
		}
		params.PageID = page.NextPageID
	}

	assert.Len(t, seen, 5)
	unique := make(map[uuid.UUID]bool)
	for _, id := range seen {
		unique[id] = true
	}
	assert.Len(t, unique, 5, "pages must not overlap")
}

func TestSearchEvents_InvalidPageID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SearchEvents(context.Background(), event.SearchParams{PageID: "%%%"})
	assert.ErrorIs(t, err, ErrInvalidPageID)
}
