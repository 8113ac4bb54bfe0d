// Package events provides the typed notification bus connecting the
// dialect subsystem's components to each other and to observers.
//
// No component holds a callback into another's internals: producers
// publish typed notifications onto the bus, consumers subscribe with
// buffered channels. A slow subscriber drops notifications instead of
// blocking the message hot path. An optional mirror republishes every
// notification onto NATS subjects for out-of-process observers.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies a notification class.
type Type string

const (
	// TypePatternDiscovered fires when discovery promotes a candidate.
	TypePatternDiscovered Type = "pattern.discovered"

	// TypePatternRejected fires when discovery evicts a stale candidate.
	TypePatternRejected Type = "pattern.rejected"

	// TypeDialectCreated fires on lazy creation of a pair dialect.
	TypeDialectCreated Type = "dialect.created"

	// TypeDialectUpdated fires when a pattern is added to a dialect.
	TypeDialectUpdated Type = "dialect.updated"

	// TypeDialectExpired fires when the expiry sweep removes a dialect.
	TypeDialectExpired Type = "dialect.expired"

	// TypeFallbackUsed fires when base-spec fallback is signalled.
	TypeFallbackUsed Type = "fallback.used"

	// Effectiveness trend changes, one type per trend class.
	TypeEffectivenessImproving Type = "effectiveness.improving"
	TypeEffectivenessDeclining Type = "effectiveness.declining"
	TypeEffectivenessStable    Type = "effectiveness.stable"
)

// Notification is a single typed event emitted by a component.
type Notification struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// PatternID is set for pattern and effectiveness notifications.
	PatternID string `json:"pattern_id,omitempty"`

	// DialectID and PairKey are set for dialect and fallback
	// notifications.
	DialectID string `json:"dialect_id,omitempty"`
	PairKey   string `json:"pair_key,omitempty"`

	// Reason carries the fallback or rejection reason.
	Reason string `json:"reason,omitempty"`

	// Effectiveness carries the score for effectiveness notifications.
	Effectiveness float64 `json:"effectiveness,omitempty"`
}

// Bus fans notifications out to subscribers. Safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Notification
	nextID  int
	buffer  int
	dropped atomic.Uint64
}

// NewBus creates a bus whose subscriber channels hold up to buffer
// notifications each.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subs:   make(map[int]chan Notification),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Notification, b.buffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish delivers the notification to every subscriber without
// blocking. Subscribers whose buffers are full miss the notification.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many notifications were lost to full subscriber
// buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
