// ABOUTME: In-memory fan-out of stored events to live subscribers of a conversation
// ABOUTME: Backs the server-sent event stream; slow subscribers drop events rather than block ingest

package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster delivers events to subscribers registered for a conversation.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[uuid.UUID]chan Event // conversation -> subscription -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[uuid.UUID]map[uuid.UUID]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events on a conversation. The returned channel is
// closed when ctx is cancelled, Unsubscribe is called, or the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan Event, uuid.UUID) {
	subID := uuid.New()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[uuid.UUID]chan Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "conversation_id", conversationID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish hands e to every subscriber of the conversation without blocking.
// Subscribers whose buffers are full miss the event.
func (b *Broadcaster) Publish(conversationID uuid.UUID, e Event) {
	// sends are non-blocking, so holding the read lock keeps channels open for the loop
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[conversationID] {
		select {
		case ch <- e:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", conversationID,
				"sub_id", subID,
				"event_id", e.EventID())
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[conversationID]
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed", "conversation_id", conversationID, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions for a conversation.
func (b *Broadcaster) SubscriberCount(conversationID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Close closes every subscriber channel. Later subscriptions are closed immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, convID)
	}
	b.closed = true
	b.logger.Debug("broadcaster closed")
}
