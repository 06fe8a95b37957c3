package ownership

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 16

// Broadcaster fans ownership changes out to in-process subscribers so
// cart-count indicators refresh without polling. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Change
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Change),
		logger:      logger.With("component", "ownership_broadcaster"),
	}
}

// Subscribe registers a subscriber. The subscription is removed and its
// channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Change, string) {
	subID := uuid.NewString()
	ch := make(chan Change, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers change to every subscriber.
func (b *Broadcaster) Publish(change Change) {
	// Sends are non-blocking, so holding the read lock keeps Unsubscribe
	// from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers {
		select {
		case ch <- change:
		default:
			b.logger.Debug("dropped ownership change for slow subscriber",
				"sub_id", subID,
				"reason", change.Reason)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions are closed
// immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.closed = true
}

// Len returns the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
