package persistence

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/cache"
	"github.com/fyrsmithlabs/dialectd/internal/events"
	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

// PatternSource resolves a confirmed pattern by ID. Implemented by
// discovery.Engine.
type PatternSource interface {
	Pattern(id string) (*signal.Pattern, bool)
}

// PhonemeSource resolves the phonemes backing a cached pattern.
// Implemented by cache.Cache.
type PhonemeSource interface {
	PhonemesFor(id string) []cache.Phoneme
}

// Bridge subscribes to the notification bus and translates lifecycle
// events into queue operations. It is the only persistence coupling the
// hot path has: producers stay unaware durability exists.
type Bridge struct {
	queue    *Queue
	patterns PatternSource
	phonemes PhonemeSource
	bus      *events.Bus
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	unsub   func()
	done    sync.WaitGroup
}

// NewBridge creates a bridge; call Start to begin consuming.
func NewBridge(queue *Queue, bus *events.Bus, patterns PatternSource, phonemes PhonemeSource, logger *zap.Logger) *Bridge {
	return &Bridge{
		queue:    queue,
		patterns: patterns,
		phonemes: phonemes,
		bus:      bus,
		logger:   logger,
	}
}

// Start subscribes to the bus and begins translating notifications.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true

	ch, unsub := b.bus.Subscribe()
	b.unsub = unsub
	b.done.Add(1)
	go func() {
		defer b.done.Done()
		for n := range ch {
			b.handle(n)
		}
	}()
}

// Stop unsubscribes and waits for in-flight handling to finish.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	unsub := b.unsub
	b.mu.Unlock()

	unsub()
	b.done.Wait()
}

func (b *Bridge) handle(n events.Notification) {
	switch n.Type {
	case events.TypePatternDiscovered:
		p, ok := b.patterns.Pattern(n.PatternID)
		if !ok {
			b.logger.Debug("discovered pattern vanished before persistence",
				zap.String("pattern_id", n.PatternID))
			return
		}
		b.queue.StorePattern(p)

	case events.TypeDialectUpdated:
		// Adoption registers the pattern with the cache; persist the
		// phoneme decomposition alongside it.
		for _, ph := range b.phonemes.PhonemesFor(n.PatternID) {
			b.queue.StorePhoneme(ph)
		}

	case events.TypeEffectivenessImproving,
		events.TypeEffectivenessDeclining,
		events.TypeEffectivenessStable:
		p, ok := b.patterns.Pattern(n.PatternID)
		if !ok {
			return
		}
		b.queue.UpdatePattern(p)
	}
}
