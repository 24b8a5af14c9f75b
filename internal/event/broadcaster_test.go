// ABOUTME: Tests for the event Broadcaster fan-out
// ABOUTME: Covers delivery, isolation, slow consumers, cancellation, and close

package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finishedEvent() *ConversationStateUpdateEvent {
	return &ConversationStateUpdateEvent{Base: NewBase(), Key: KeyExecutionStatus, Value: StringValue(ExecutionStatusFinished)}
}

func TestBroadcaster_SubscribersReceiveEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	convID := uuid.New()
	ch1, _ := b.Subscribe(t.Context(), convID)
	ch2, _ := b.Subscribe(t.Context(), convID)

	e := finishedEvent()
	b.Publish(convID, e)

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, e.ID, got.EventID())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBroadcaster_ConversationsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	a, other := uuid.New(), uuid.New()
	chA, _ := b.Subscribe(t.Context(), a)
	chOther, _ := b.Subscribe(t.Context(), other)

	b.Publish(a, finishedEvent())

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("subscriber on a timed out")
	}
	select {
	case e := <-chOther:
		t.Fatalf("unexpected event on other conversation: %v", e.EventID())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	convID := uuid.New()
	_, _ = b.Subscribe(t.Context(), convID) // never read

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 3 {
			b.Publish(convID, finishedEvent())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	convID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, convID)
	require.Equal(t, 1, b.SubscriberCount(convID))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount(convID))
}

func TestBroadcaster_UnsubscribeTwice(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	convID := uuid.New()
	_, subID := b.Subscribe(t.Context(), convID)
	b.Unsubscribe(convID, subID)
	b.Unsubscribe(convID, subID) // no panic on double close
	assert.Equal(t, 0, b.SubscriberCount(convID))
}

func TestBroadcaster_CloseClosesSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	convID := uuid.New()
	ch, _ := b.Subscribe(t.Context(), convID)
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context(), convID)
	_, ok = <-late
	assert.False(t, ok, "subscriptions after Close are closed immediately")

	b.Publish(convID, finishedEvent())
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	convID := uuid.New()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			ch, _ := b.Subscribe(ctx, convID)
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for range 20 {
				b.Publish(convID, finishedEvent())
			}
		}()
	}
	wg.Wait()
}
