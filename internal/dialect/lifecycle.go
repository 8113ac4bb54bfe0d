package dialect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/events"
)

// Start launches the manager's background work: the dialect expiry
// sweep and the notification loop applying discovery promotions and
// effectiveness trend changes. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.startSweep(ctx)
	m.startNotifyLoop()
}

// Stop halts background work and waits for it to drain. Idempotent.
func (m *Manager) Stop() {
	m.stopSweep()
	m.stopNotifyLoop()
}

func (m *Manager) startSweep(ctx context.Context) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.sweepRunning {
		return
	}
	m.sweepRunning = true
	m.sweepStop = make(chan struct{})

	m.sweepDone.Add(1)
	go func() {
		defer m.sweepDone.Done()

		interval := m.cfg.SweepInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.SweepExpired()
			case <-m.sweepStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	m.logger.Info("dialect expiry sweep started",
		zap.Duration("interval", m.cfg.SweepInterval))
}

func (m *Manager) stopSweep() {
	m.sweepMu.Lock()
	if !m.sweepRunning {
		m.sweepMu.Unlock()
		return
	}
	m.sweepRunning = false
	close(m.sweepStop)
	m.sweepMu.Unlock()
	m.sweepDone.Wait()
}

// SweepExpired removes every dialect whose scope expiry has elapsed,
// emitting one expiration notification per removal.
func (m *Manager) SweepExpired() int {
	now := m.now()

	type expired struct {
		id      string
		pairKey string
	}
	var removed []expired

	m.mu.Lock()
	for pairKey, d := range m.dialects {
		if !d.Scope.ExpiresAt.IsZero() && now.After(d.Scope.ExpiresAt) {
			removed = append(removed, expired{id: d.ID, pairKey: pairKey})
			delete(m.dialects, pairKey)
		}
	}
	m.mu.Unlock()

	for _, e := range removed {
		m.logger.Info("dialect expired",
			zap.String("dialect_id", e.id),
			zap.String("pair_key", e.pairKey))
		m.bus.Publish(events.Notification{
			Type:      events.TypeDialectExpired,
			DialectID: e.id,
			PairKey:   e.pairKey,
		})
	}
	return len(removed)
}

func (m *Manager) startNotifyLoop() {
	if m.notifyStop != nil {
		return
	}
	ch, unsubscribe := m.bus.Subscribe()
	m.notifyStop = unsubscribe
	m.notifyDone = make(chan struct{})

	go func() {
		defer close(m.notifyDone)
		for n := range ch {
			m.handleNotification(n)
		}
	}()
}

func (m *Manager) stopNotifyLoop() {
	if m.notifyStop == nil {
		return
	}
	m.notifyStop()
	<-m.notifyDone
	m.notifyStop = nil
}

// handleNotification reacts to discovery and effectiveness events.
func (m *Manager) handleNotification(n events.Notification) {
	switch n.Type {
	case events.TypePatternDiscovered:
		m.adoptDiscoveredPattern(n.PatternID)
	case events.TypeEffectivenessImproving,
		events.TypeEffectivenessDeclining,
		events.TypeEffectivenessStable:
		m.applyEffectiveness(n.PatternID, n.Effectiveness)
	}
}

// adoptDiscoveredPattern relevance-filters a newly confirmed pattern
// into every active dialect whose allowed model types intersect the
// pattern's recorded usage contexts, registering it with the cache and
// emitting an update notification per adoption.
func (m *Manager) adoptDiscoveredPattern(patternID string) {
	p, ok := m.discovery.Pattern(patternID)
	if !ok {
		return
	}

	contextModels := make(map[string]struct{})
	for _, ctx := range p.Contexts {
		for _, mt := range ctx.ModelTypes {
			contextModels[mt] = struct{}{}
		}
	}

	type adoption struct {
		dialectID string
		pairKey   string
	}
	var adopted []adoption

	m.mu.Lock()
	for pairKey, d := range m.dialects {
		if !intersects(d.Scope.AllowedModelTypes, contextModels) {
			continue
		}
		if _, exists := d.Patterns[p.ID]; exists {
			continue
		}
		d.Patterns[p.ID] = p.Clone()
		adopted = append(adopted, adoption{dialectID: d.ID, pairKey: pairKey})
	}
	m.mu.Unlock()

	for _, a := range adopted {
		m.cache.SetPattern(p, a.dialectID)
		m.logger.Debug("pattern adopted into dialect",
			zap.String("pattern_id", p.ID),
			zap.String("dialect_id", a.dialectID))
		m.bus.Publish(events.Notification{
			Type:      events.TypeDialectUpdated,
			PatternID: p.ID,
			DialectID: a.dialectID,
			PairKey:   a.pairKey,
		})
	}
}

// applyEffectiveness pushes a trend-notification score into every copy
// of the pattern: the discovery registry, the cache, and each dialect
// holding it.
func (m *Manager) applyEffectiveness(patternID string, score float64) {
	if patternID == "" {
		return
	}
	m.discovery.UpdateEffectiveness(patternID, score)
	m.cache.UpdateEffectiveness(patternID, score)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dialects {
		if p, ok := d.Patterns[patternID]; ok {
			p.Effectiveness = score
		}
	}
}

func intersects(allowed []string, set map[string]struct{}) bool {
	for _, a := range allowed {
		if _, ok := set[a]; ok {
			return true
		}
	}
	return false
}
