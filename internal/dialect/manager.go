// Package dialect implements the dialect manager: the per-agent-pair
// orchestrator tying pattern discovery, the pattern cache, the
// effectiveness tracker, and base-spec fallback together.
//
// Each agent pair moves through a small lifecycle: no dialect, active
// dialect, expired. Dialects are created lazily on first contact,
// accumulate patterns relevance-filtered from discovery, and are
// removed by a periodic sweep once their scope expires.
package dialect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/cache"
	"github.com/fyrsmithlabs/dialectd/internal/discovery"
	"github.com/fyrsmithlabs/dialectd/internal/events"
	"github.com/fyrsmithlabs/dialectd/internal/logging"
	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

// Direction tags whether a processed message is inbound or outbound.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// ErrNilMessage is returned when ProcessMessage is called without a
// message.
var ErrNilMessage = errors.New("message cannot be nil")

// Config holds dialect manager tuning parameters.
type Config struct {
	// TTL is the scope lifetime of a newly created dialect.
	TTL time.Duration `koanf:"ttl"`

	// SweepInterval is the cadence of the expiry sweep.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// AmplitudeTolerance is the per-signal amplitude slack in the
	// linear pattern scan.
	AmplitudeTolerance float64 `koanf:"amplitude_tolerance"`

	// PatternIDOverhead is the fixed per-reference byte overhead used
	// in compression-ratio accounting.
	PatternIDOverhead int `koanf:"pattern_id_overhead"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:                time.Hour,
		SweepInterval:      5 * time.Minute,
		AmplitudeTolerance: 0.1,
		PatternIDOverhead:  4,
	}
}

// Scope bounds where a dialect may be used.
type Scope struct {
	// InstanceID is the manager instance that owns the dialect.
	InstanceID string `json:"instance_id"`

	// AllowedModelTypes are the model types admitted to the dialect.
	AllowedModelTypes []string `json:"allowed_model_types"`

	// ExpiresAt is when the dialect's scope lapses.
	ExpiresAt time.Time `json:"expires_at"`
}

// Stats is a dialect's per-pair accounting. Counters are fully
// independent between pairs.
type Stats struct {
	MessagesExchanged int     `json:"messages_exchanged"`
	PatternsUsed      int     `json:"patterns_used"`
	FallbackCount     int     `json:"fallback_count"`
	CompressionRatio  float64 `json:"compression_ratio"`
}

// Dialect is the evolving pattern agreement for one agent pair.
type Dialect struct {
	ID           string
	PairKey      string
	Scope        Scope
	Patterns     map[string]*signal.Pattern
	CreatedAt    time.Time
	LastActivity time.Time
	Stats        Stats
}

// Snapshot is an immutable copy of a dialect's observable state.
type Snapshot struct {
	ID           string    `json:"id"`
	PairKey      string    `json:"pair_key"`
	Scope        Scope     `json:"scope"`
	PatternCount int       `json:"pattern_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Stats        Stats     `json:"stats"`
}

// Result reports what the hot path did with one message.
type Result struct {
	// DialectID is the dialect resolved for the message's pair.
	DialectID string `json:"dialect_id"`

	// PatternID is set when the message matched a cached or known
	// pattern.
	PatternID string `json:"pattern_id,omitempty"`

	// UsedDialect is true when the dialect-optimized path applied.
	UsedDialect bool `json:"used_dialect"`

	// FallbackRequired is true when the caller must normalize the
	// message to the base specification before sending.
	FallbackRequired bool `json:"fallback_required"`
}

// FallbackChecker decides from agent identity whether dialect use is
// permitted. Implemented by basespec.Handler.
type FallbackChecker interface {
	RequiresFallback(sender, receiver signal.AgentID, instanceID string) bool
}

// Manager orchestrates dialects per agent pair. Safe for concurrent
// use; the dialect table has its own lock so unrelated pairs never
// serialize on discovery or cache internals.
type Manager struct {
	cfg        Config
	instanceID string
	discovery  *discovery.Engine
	cache      *cache.Cache
	fallback   FallbackChecker
	bus        *events.Bus
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.RWMutex
	dialects map[string]*Dialect // keyed by pair key

	sweepMu      sync.Mutex
	sweepRunning bool
	sweepStop    chan struct{}
	sweepDone    sync.WaitGroup

	notifyStop func()
	notifyDone chan struct{}
}

// NewManager creates a dialect manager for the local instance.
func NewManager(
	cfg Config,
	instanceID string,
	disc *discovery.Engine,
	patternCache *cache.Cache,
	fallback FallbackChecker,
	bus *events.Bus,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:        cfg,
		instanceID: instanceID,
		discovery:  disc,
		cache:      patternCache,
		fallback:   fallback,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		dialects:   make(map[string]*Dialect),
	}
}

// ProcessMessage runs one message through the dialect hot path:
// resolve or create the pair's dialect, feed discovery, attempt a
// cache lookup by signature, fall back to a tolerance scan of the
// dialect's own patterns, and report whether base-spec fallback is
// required.
func (m *Manager) ProcessMessage(ctx context.Context, msg *signal.Message, direction Direction) (*Result, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	pairKey := signal.PairKey(msg.Sender, msg.Receiver)
	d := m.resolveDialect(pairKey, msg)

	// Learning is best-effort; a full candidate table is not a
	// processing failure.
	if err := m.discovery.Observe(msg); err != nil {
		fields := append(logging.ContextFields(ctx),
			zap.String("pair_key", pairKey),
			zap.Error(err))
		m.logger.Warn("discovery observation failed", fields...)
	}

	result := &Result{DialectID: d.ID}

	if m.fallback.RequiresFallback(msg.Sender, msg.Receiver, "") {
		result.FallbackRequired = true
		return result, nil
	}

	sig := signal.Signature(msg.Signals)
	if p, ok := m.cache.GetBySignature(sig); ok {
		m.recordPatternUse(pairKey, p.ID, msg)
		result.PatternID = p.ID
		result.UsedDialect = true
		return result, nil
	}

	if p := m.scanDialectPatterns(pairKey, msg); p != nil {
		m.cache.SetPattern(p, d.ID)
		m.recordPatternUse(pairKey, p.ID, msg)
		result.PatternID = p.ID
		result.UsedDialect = true
		return result, nil
	}

	return result, nil
}

// resolveDialect finds the pair's dialect or lazily creates one.
func (m *Manager) resolveDialect(pairKey string, msg *signal.Message) *Dialect {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dialects[pairKey]
	if !ok {
		d = &Dialect{
			ID:      fmt.Sprintf("dialect-%s-%s", pairKey, uuid.New().String()[:8]),
			PairKey: pairKey,
			Scope: Scope{
				InstanceID:        m.instanceID,
				AllowedModelTypes: dedupe(msg.Sender.ModelType, msg.Receiver.ModelType),
				ExpiresAt:         now.Add(m.cfg.TTL),
			},
			Patterns:  make(map[string]*signal.Pattern),
			CreatedAt: now,
		}
		m.dialects[pairKey] = d

		m.logger.Info("dialect created",
			zap.String("dialect_id", d.ID),
			zap.String("pair_key", pairKey))
		m.bus.Publish(events.Notification{
			Type:      events.TypeDialectCreated,
			DialectID: d.ID,
			PairKey:   pairKey,
		})
	}

	d.LastActivity = now
	d.Stats.MessagesExchanged++
	return d
}

// recordPatternUse updates the pair's usage counters and rolling
// compression average for one pattern hit.
func (m *Manager) recordPatternUse(pairKey, patternID string, msg *signal.Message) {
	serialized, err := json.Marshal(msg.Signals)
	size := len(serialized)
	if err != nil || size == 0 {
		size = 1
	}
	newRatio := 1.0 - float64(len(patternID)+m.cfg.PatternIDOverhead)/float64(size)

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dialects[pairKey]
	if !ok {
		return
	}
	d.Stats.PatternsUsed++
	n := float64(d.Stats.MessagesExchanged)
	d.Stats.CompressionRatio = (d.Stats.CompressionRatio*(n-1) + newRatio) / n
}

// scanDialectPatterns linearly scans the pair dialect's known patterns
// for a tolerance match: equal length, amplitudes within tolerance,
// frequency and phase exactly equal. Returns the first match.
func (m *Manager) scanDialectPatterns(pairKey string, msg *signal.Message) *signal.Pattern {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.dialects[pairKey]
	if !ok {
		return nil
	}
	for _, p := range d.Patterns {
		if m.toleranceMatch(p.Signals, msg.Signals) {
			return p.Clone()
		}
	}
	return nil
}

func (m *Manager) toleranceMatch(pattern, observed []signal.Signal) bool {
	if len(pattern) != len(observed) {
		return false
	}
	for i := range pattern {
		diff := pattern[i].Amplitude - observed[i].Amplitude
		if diff < 0 {
			diff = -diff
		}
		if diff > m.cfg.AmplitudeTolerance {
			return false
		}
		if pattern[i].Frequency != observed[i].Frequency {
			return false
		}
		if pattern[i].Phase != observed[i].Phase {
			return false
		}
	}
	return true
}

// FallbackToBase signals that a message must revert to the base
// specification. It emits a fallback event, increments the pair's
// fallback counter if a dialect exists, and returns the message
// unmodified; actual normalization is the base-spec handler's job.
func (m *Manager) FallbackToBase(msg *signal.Message, reason string) *signal.Message {
	pairKey := signal.PairKey(msg.Sender, msg.Receiver)

	m.mu.Lock()
	var dialectID string
	if d, ok := m.dialects[pairKey]; ok {
		d.Stats.FallbackCount++
		dialectID = d.ID
	}
	m.mu.Unlock()

	m.logger.Debug("fallback to base specification",
		zap.String("pair_key", pairKey),
		zap.String("reason", reason))
	m.bus.Publish(events.Notification{
		Type:      events.TypeFallbackUsed,
		DialectID: dialectID,
		PairKey:   pairKey,
		Reason:    reason,
	})
	return msg
}

// CanUseDialect reports whether the given dialect may serve the pair:
// the dialect must exist, be owned by this manager instance, and admit
// both parties' model types.
func (m *Manager) CanUseDialect(sender, receiver signal.AgentID, dialectID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var d *Dialect
	for _, cand := range m.dialects {
		if cand.ID == dialectID {
			d = cand
			break
		}
	}
	if d == nil {
		return false
	}
	if d.Scope.InstanceID != m.instanceID {
		return false
	}
	return contains(d.Scope.AllowedModelTypes, sender.ModelType) &&
		contains(d.Scope.AllowedModelTypes, receiver.ModelType)
}

// Snapshot returns immutable copies of every active dialect's state,
// keyed by pair key.
func (m *Manager) Snapshot() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Snapshot, len(m.dialects))
	for pairKey, d := range m.dialects {
		scope := d.Scope
		scope.AllowedModelTypes = append([]string(nil), d.Scope.AllowedModelTypes...)
		out[pairKey] = Snapshot{
			ID:           d.ID,
			PairKey:      d.PairKey,
			Scope:        scope,
			PatternCount: len(d.Patterns),
			CreatedAt:    d.CreatedAt,
			LastActivity: d.LastActivity,
			Stats:        d.Stats,
		}
	}
	return out
}

func dedupe(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
