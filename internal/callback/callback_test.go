// ABOUTME: Tests for the callback registry, final-message lookup, and dispatch
// ABOUTME: Uses a temp-file SQLite store and in-test processors

package callback

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-appserver/internal/event"
	"github.com/2389/coven-appserver/internal/store"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func finishedEvent() *event.ConversationStateUpdateEvent {
	return &event.ConversationStateUpdateEvent{
		Base:  event.NewBase(),
		Key:   event.KeyExecutionStatus,
		Value: event.StringValue(event.ExecutionStatusFinished),
	}
}

func message(ts time.Time, source, role string, blocks ...event.Content) *event.MessageEvent {
	e := &event.MessageEvent{
		Base:   event.Base{ID: uuid.New(), Timestamp: ts},
		Source: source,
	}
	if role != "-" {
		e.LLMMessage = &event.Message{Role: role, Content: blocks}
	}
	return e
}

func TestIsExecutionFinished(t *testing.T) {
	assert.True(t, IsExecutionFinished(finishedEvent()))

	running := finishedEvent()
	running.Value = event.StringValue(event.ExecutionStatusRunning)
	assert.False(t, IsExecutionFinished(running))

	other := finishedEvent()
	other.Key = "agent_status"
	assert.False(t, IsExecutionFinished(other))

	assert.False(t, IsExecutionFinished(message(time.Now(), event.SourceAgent, event.RoleAssistant, event.TextContent("hi"))))
}

func TestLatestAssistantText(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	convID := uuid.New()
	base := time.Now().UTC()

	events := []*event.MessageEvent{
		message(base, event.SourceAgent, event.RoleAssistant, event.TextContent("older reply")),
		message(base.Add(time.Second), event.SourceAgent, event.RoleAssistant,
			event.TextContent("  first part "), event.ImageContent("https://example.com/a.png"), event.TextContent(""), event.TextContent("second part")),
		message(base.Add(2*time.Second), event.SourceUser, event.RoleUser, event.TextContent("user text")),
		message(base.Add(3*time.Second), event.SourceAgent, event.RoleSystem, event.TextContent("system text")),
		message(base.Add(4*time.Second), event.SourceAgent, event.RoleAssistant, event.ImageContent("https://example.com/b.png")),
		message(base.Add(5*time.Second), event.SourceAgent, "-"),
	}
	for _, e := range events {
		require.NoError(t, s.SaveEvent(ctx, convID, e))
	}
	// another conversation's newer reply is ignored
	require.NoError(t, s.SaveEvent(ctx, uuid.New(),
		message(base.Add(time.Hour), event.SourceAgent, event.RoleAssistant, event.TextContent("elsewhere"))))

	text, err := LatestAssistantText(ctx, s, convID)
	require.NoError(t, err)
	assert.Equal(t, "first part\n\nsecond part", text)
}

func TestLatestAssistantText_EmptyRoleAccepted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	convID := uuid.New()
	require.NoError(t, s.SaveEvent(ctx, convID, message(time.Now(), event.SourceAgent, "", event.TextContent("no role"))))

	text, err := LatestAssistantText(ctx, s, convID)
	require.NoError(t, err)
	assert.Equal(t, "no role", text)
}

func TestLatestAssistantText_None(t *testing.T) {
	s := createTestStore(t)
	text, err := LatestAssistantText(context.Background(), s, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestConversationURL(t *testing.T) {
	id := uuid.MustParse("6f1c2f8e-0e47-4a77-9d6a-0f3f6f6b2a11")
	assert.Equal(t,
		"https://app.example.com/conversations/6f1c2f8e-0e47-4a77-9d6a-0f3f6f6b2a11",
		ConversationURL("https://app.example.com/conversations/{conversation_id}", id))
}

func TestRegistry_Build(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(config json.RawMessage) (Processor, error) {
		if string(config) == `"bad"` {
			return nil, errors.New("bad config")
		}
		return ProcessorFunc(func(ctx context.Context, conversationID uuid.UUID, cb *store.EventCallback, e event.Event) *store.CallbackResult {
			return nil
		}), nil
	})

	_, err := r.Build(store.ProcessorSpec{Type: "echo"})
	assert.NoError(t, err)

	_, err = r.Build(store.ProcessorSpec{Type: "echo", Config: json.RawMessage(`"bad"`)})
	assert.ErrorContains(t, err, "bad config")

	r.Register("alpha", func(config json.RawMessage) (Processor, error) { return nil, nil })

	_, err = r.Build(store.ProcessorSpec{Type: "missing"})
	assert.ErrorIs(t, err, ErrUnknownProcessor)
	assert.EqualError(t, err, `unknown processor type: "missing" (registered: alpha, echo)`)

	assert.Equal(t, []string{"alpha", "echo"}, r.Types())
}

// recordingRegistry returns a registry with a "record" processor that reports
// every finished event and counts invocations.
func recordingRegistry(calls *atomic.Int32) *Registry {
	r := NewRegistry()
	r.Register("record", func(config json.RawMessage) (Processor, error) {
		var cfg struct {
			Fail bool `json:"fail"`
		}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, err
			}
		}
		return ProcessorFunc(func(ctx context.Context, conversationID uuid.UUID, cb *store.EventCallback, e event.Event) *store.CallbackResult {
			calls.Add(1)
			if !IsExecutionFinished(e) {
				return nil
			}
			if cfg.Fail {
				return NewResult(store.CallbackResultError, cb, e, conversationID, "failed")
			}
			return NewResult(store.CallbackResultSuccess, cb, e, conversationID, "done")
		}), nil
	})
	return r
}

func TestService_Register_Validates(t *testing.T) {
	s := createTestStore(t)
	var calls atomic.Int32
	svc := NewService(s, recordingRegistry(&calls), nil)
	ctx := context.Background()

	err := svc.Register(ctx, &store.EventCallback{})
	assert.ErrorIs(t, err, ErrInvalidCallback)

	err = svc.Register(ctx, &store.EventCallback{Processor: store.ProcessorSpec{Type: "slack_v2"}})
	assert.ErrorIs(t, err, ErrInvalidCallback)

	err = svc.Register(ctx, &store.EventCallback{Processor: store.ProcessorSpec{Type: "record", Config: json.RawMessage(`[`)}})
	assert.ErrorIs(t, err, ErrInvalidCallback)

	err = svc.Register(ctx, &store.EventCallback{Processor: store.ProcessorSpec{Type: "record"}, EventKind: "PauseEvent"})
	assert.ErrorIs(t, err, ErrInvalidCallback)

	cb := &store.EventCallback{Processor: store.ProcessorSpec{Type: "record"}}
	require.NoError(t, svc.Register(ctx, cb))
	assert.NotEqual(t, uuid.Nil, cb.ID)

	got, err := svc.GetCallback(ctx, cb.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CallbackActive, got.Status)
}

func TestService_Dispatch(t *testing.T) {
	s := createTestStore(t)
	var calls atomic.Int32
	svc := NewService(s, recordingRegistry(&calls), nil)
	ctx := context.Background()
	convID := uuid.New()

	ok := &store.EventCallback{ConversationID: &convID, Processor: store.ProcessorSpec{Type: "record"}}
	failing := &store.EventCallback{Processor: store.ProcessorSpec{Type: "record", Config: json.RawMessage(`{"fail":true}`)}}
	otherConv := uuid.New()
	elsewhere := &store.EventCallback{ConversationID: &otherConv, Processor: store.ProcessorSpec{Type: "record"}}
	messagesOnly := &store.EventCallback{Processor: store.ProcessorSpec{Type: "record"}, EventKind: string(event.KindMessage)}
	for _, cb := range []*store.EventCallback{ok, failing, elsewhere, messagesOnly} {
		require.NoError(t, svc.Register(ctx, cb))
	}

	e := finishedEvent()
	results, err := svc.Dispatch(ctx, convID, e)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int32(2), calls.Load())

	byCallback := map[uuid.UUID]*store.CallbackResult{}
	for _, r := range results {
		assert.Equal(t, e.ID, r.EventID)
		assert.Equal(t, convID, r.ConversationID)
		byCallback[r.EventCallbackID] = r
	}
	assert.Equal(t, store.CallbackResultSuccess, byCallback[ok.ID].Status)
	assert.Equal(t, store.CallbackResultError, byCallback[failing.ID].Status)

	stored, err := svc.Results(ctx, ok.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "done", stored[0].Detail)
}

func TestService_Dispatch_IrrelevantEventRecordsNothing(t *testing.T) {
	s := createTestStore(t)
	var calls atomic.Int32
	svc := NewService(s, recordingRegistry(&calls), nil)
	ctx := context.Background()

	cb := &store.EventCallback{Processor: store.ProcessorSpec{Type: "record"}}
	require.NoError(t, svc.Register(ctx, cb))

	running := finishedEvent()
	running.Value = event.StringValue(event.ExecutionStatusRunning)
	results, err := svc.Dispatch(ctx, uuid.New(), running)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int32(1), calls.Load())

	stored, err := svc.Results(ctx, cb.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestService_Dispatch_RedeliveryIsNotDeduplicated(t *testing.T) {
	s := createTestStore(t)
	var calls atomic.Int32
	svc := NewService(s, recordingRegistry(&calls), nil)
	ctx := context.Background()
	convID := uuid.New()

	cb := &store.EventCallback{Processor: store.ProcessorSpec{Type: "record"}}
	require.NoError(t, svc.Register(ctx, cb))

	e := finishedEvent()
	_, err := svc.Dispatch(ctx, convID, e)
	require.NoError(t, err)
	_, err = svc.Dispatch(ctx, convID, e)
	require.NoError(t, err)

	stored, err := svc.Results(ctx, cb.ID, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestService_Dispatch_BuildFailureIsErrorResult(t *testing.T) {
	s := createTestStore(t)
	var calls atomic.Int32
	registry := recordingRegistry(&calls)
	svc := NewService(s, registry, nil)
	ctx := context.Background()

	cb := &store.EventCallback{Processor: store.ProcessorSpec{Type: "record"}}
	require.NoError(t, svc.Register(ctx, cb))

	// the processor type disappears after registration
	registry.Register("record", func(json.RawMessage) (Processor, error) {
		return nil, errors.New("credentials revoked")
	})

	results, err := svc.Dispatch(ctx, uuid.New(), finishedEvent())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.CallbackResultError, results[0].Status)
	assert.Contains(t, results[0].Detail, "credentials revoked")
}
