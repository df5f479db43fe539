// Package events fans out job and capability notifications to observer sessions.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names an event.
type Kind string

const (
	// KindJobUpdate is published once per applied settlement, to the job owner only.
	KindJobUpdate Kind = "job_update"
	// KindCapabilities is published to every subscriber when the live capability set may have changed.
	KindCapabilities Kind = "capabilities"
)

// Event is a notification routed by owner.
type Event struct {
	Kind Kind
	// OwnerID restricts delivery to that owner's subscribers. Empty means broadcast.
	OwnerID string
	Payload any
}

// Subscriber represents an event stream subscriber.
type Subscriber struct {
	ID string
	// OwnerID is the authenticated user behind the subscription. Anonymous observers
	// have an empty OwnerID and receive broadcasts only.
	OwnerID   string
	Ch        chan Event
	CreatedAt time.Time
}

// Broker manages subscriptions and publishing.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
	logger      *slog.Logger
}

// NewBroker creates a new event broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  64,
		logger:      logger,
	}
}

// Subscribe creates a new subscription for ownerID.
func (b *Broker) Subscribe(ownerID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Ch:        make(chan Event, b.bufferSize),
		CreatedAt: time.Now(),
	}
	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added", "subscriber_id", sub.ID, "owner_id", ownerID)

	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends an event to every matching subscriber. Slow subscribers miss events
// rather than blocking the publisher.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if ev.OwnerID != "" && sub.OwnerID != ev.OwnerID {
			continue
		}
		select {
		case sub.Ch <- ev:
		default:
			b.logger.Warn("subscriber channel full, dropping event",
				"subscriber_id", sub.ID,
				"kind", ev.Kind,
			)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
