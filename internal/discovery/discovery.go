// Package discovery implements organic pattern discovery over an
// observed signal stream.
//
// The engine keeps a bounded sliding window of recent signal sequences,
// extracts every contiguous sub-sequence of 2 to 5 signals as a
// candidate, and accumulates occurrence statistics per deterministic
// candidate key. A periodic analysis pass scores candidates with a
// weighted confidence formula, promotes the confident ones to confirmed
// patterns, and evicts stale low-occurrence candidates.
package discovery

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/events"
	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

// Candidate sub-sequence length bounds.
const (
	MinPatternLength = 2
	MaxPatternLength = 5
)

// ErrNilMessage is returned when Observe is called without a message.
var ErrNilMessage = errors.New("message cannot be nil")

// Config holds discovery tuning parameters.
type Config struct {
	// WindowSize bounds the sliding window of observed sequences.
	WindowSize int `koanf:"window_size"`

	// MaxCandidates bounds the candidate table. New distinct keys are
	// rejected at the bound; existing candidates keep accumulating.
	MaxCandidates int `koanf:"max_candidates"`

	// MinOccurrences is the occurrence floor for promotion scoring.
	MinOccurrences int `koanf:"min_occurrences"`

	// ConfidenceThreshold is the weighted score a candidate must clear
	// to be promoted.
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`

	// AnalysisInterval is the background analysis tick.
	AnalysisInterval time.Duration `koanf:"analysis_interval"`

	// StalenessWindow is how long an untouched candidate survives.
	StalenessWindow time.Duration `koanf:"staleness_window"`

	// StalenessFloor is the occurrence count below which a stale
	// candidate is evicted.
	StalenessFloor int `koanf:"staleness_floor"`

	// SyncAnalysis runs the analysis pass inline after every
	// observation. Intended for tests and low-volume deployments.
	SyncAnalysis bool `koanf:"sync_analysis"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:          100,
		MaxCandidates:       1000,
		MinOccurrences:      5,
		ConfidenceThreshold: 0.6,
		AnalysisInterval:    30 * time.Second,
		StalenessWindow:     24 * time.Hour,
		StalenessFloor:      3,
	}
}

// Candidate is a transient sub-sequence under observation. Owned by the
// engine; callers receive copies.
type Candidate struct {
	// Key is the deterministic candidate key, see signal.CandidateKey.
	Key string

	// Signals is the observed sub-sequence.
	Signals []signal.Signal

	// Occurrences counts sightings. Never decreases.
	Occurrences int

	// Contexts records each sighting's agent pair and message type.
	Contexts []signal.UsageContext

	// FirstSeen and LastSeen bound the observation window.
	FirstSeen time.Time
	LastSeen  time.Time

	// Derived metrics, recomputed on every sighting.
	Effectiveness float64
	Efficiency    float64
	Consistency   float64
	AdoptionRate  float64
}

// Engine observes signal sequences and discovers recurring patterns.
// All methods are safe for concurrent use; the candidate table and the
// confirmed registry each have their own lock so analysis never blocks
// registry reads.
type Engine struct {
	cfg    Config
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	window     [][]signal.Signal
	candidates map[string]*Candidate
	// confirmedKeys maps a promoted candidate's key to its pattern ID
	// so the exact sequence cannot re-enter the table while confirmed.
	confirmedKeys map[string]string

	regMu    sync.RWMutex
	registry map[string]*signal.Pattern
}

// NewEngine creates a discovery engine publishing notifications to bus.
func NewEngine(cfg Config, bus *events.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:           cfg,
		bus:           bus,
		logger:        logger,
		now:           time.Now,
		window:        make([][]signal.Signal, 0, cfg.WindowSize),
		candidates:    make(map[string]*Candidate),
		confirmedKeys: make(map[string]string),
		registry:      make(map[string]*signal.Pattern),
	}
}

// Observe feeds one message's signal sequence into the sliding window
// and updates the candidate table with every contiguous sub-sequence of
// 2 to min(5, length) signals.
func (e *Engine) Observe(msg *signal.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	now := e.now()
	ctx := signal.UsageContext{
		PairKey:     signal.PairKey(msg.Sender, msg.Receiver),
		ModelTypes:  dedupeModelTypes(msg.Sender.ModelType, msg.Receiver.ModelType),
		MessageType: msg.Type,
		Timestamp:   now,
	}

	e.mu.Lock()
	e.window = append(e.window, cloneSignals(msg.Signals))
	if len(e.window) > e.cfg.WindowSize {
		e.window = e.window[1:]
	}

	seq := msg.Signals
	maxLen := MaxPatternLength
	if len(seq) < maxLen {
		maxLen = len(seq)
	}
	for length := MinPatternLength; length <= maxLen; length++ {
		for start := 0; start+length <= len(seq); start++ {
			sub := seq[start : start+length]
			e.recordCandidate(sub, ctx, now)
		}
	}
	e.mu.Unlock()

	if e.cfg.SyncAnalysis {
		e.AnalyzePatterns()
	}
	return nil
}

// recordCandidate updates or creates the candidate for a sub-sequence.
// Caller holds e.mu.
func (e *Engine) recordCandidate(sub []signal.Signal, ctx signal.UsageContext, now time.Time) {
	key := signal.CandidateKey(sub)

	// A promoted key stays out of the table while its pattern is
	// confirmed: each recurring sequence is confirmed exactly once.
	if _, confirmed := e.confirmedKeys[key]; confirmed {
		return
	}

	c, ok := e.candidates[key]
	if !ok {
		if len(e.candidates) >= e.cfg.MaxCandidates {
			return
		}
		c = &Candidate{
			Key:       key,
			Signals:   cloneSignals(sub),
			FirstSeen: now,
		}
		e.candidates[key] = c
	}

	c.Occurrences++
	c.Contexts = append(c.Contexts, ctx)
	c.LastSeen = now
	e.recomputeMetrics(c)
}

// recomputeMetrics refreshes a candidate's derived metrics:
//
//   - adoption rate: occurrences per elapsed hour of observation
//   - effectiveness: mean amplitude across the sub-sequence
//   - efficiency: distinct frequency bands over pattern length
//   - consistency: average of inverse distinct-pair count and an
//     inverse-variance score over inter-observation gaps
func (e *Engine) recomputeMetrics(c *Candidate) {
	elapsedHours := c.LastSeen.Sub(c.FirstSeen).Hours()
	c.AdoptionRate = float64(c.Occurrences) / math.Max(1, elapsedHours)

	var ampSum float64
	freqs := make(map[int]struct{}, len(c.Signals))
	for _, s := range c.Signals {
		ampSum += s.Amplitude
		freqs[s.Frequency] = struct{}{}
	}
	c.Effectiveness = ampSum / float64(len(c.Signals))
	c.Efficiency = float64(len(freqs)) / float64(len(c.Signals))

	pairs := make(map[string]struct{}, len(c.Contexts))
	for _, uc := range c.Contexts {
		pairs[uc.PairKey] = struct{}{}
	}
	pairScore := 1.0 / float64(len(pairs))

	gapScore := 1.0
	if len(c.Contexts) > 2 {
		gaps := make([]float64, 0, len(c.Contexts)-1)
		for i := 1; i < len(c.Contexts); i++ {
			gaps = append(gaps, c.Contexts[i].Timestamp.Sub(c.Contexts[i-1].Timestamp).Seconds())
		}
		gapScore = 1.0 / (1.0 + variance(gaps))
	}
	c.Consistency = (pairScore + gapScore) / 2
}

// AnalyzePatterns scores every candidate at or above the occurrence
// floor and promotes the ones clearing the confidence threshold to
// confirmed patterns. Stale low-occurrence candidates are evicted. It
// is invoked by the background analyzer tick, or inline after each
// observation when SyncAnalysis is set.
func (e *Engine) AnalyzePatterns() {
	now := e.now()

	type promotion struct {
		pattern *signal.Pattern
		score   float64
	}
	var promoted []promotion
	var rejected []string

	e.mu.Lock()
	for key, c := range e.candidates {
		if c.Occurrences >= e.cfg.MinOccurrences {
			score := e.confidenceScore(c)
			if score > e.cfg.ConfidenceThreshold {
				p := e.confirm(c)
				promoted = append(promoted, promotion{pattern: p, score: score})
				e.confirmedKeys[key] = p.ID
				delete(e.candidates, key)
				continue
			}
		}
		if now.Sub(c.LastSeen) > e.cfg.StalenessWindow && c.Occurrences < e.cfg.StalenessFloor {
			rejected = append(rejected, key)
			delete(e.candidates, key)
		}
	}
	e.mu.Unlock()

	for _, p := range promoted {
		e.regMu.Lock()
		e.registry[p.pattern.ID] = p.pattern
		e.regMu.Unlock()

		e.logger.Debug("pattern promoted",
			zap.String("pattern_id", p.pattern.ID),
			zap.Int("occurrences", p.pattern.Occurrences),
			zap.Float64("score", p.score))
		e.bus.Publish(events.Notification{
			Type:      events.TypePatternDiscovered,
			PatternID: p.pattern.ID,
		})
	}
	for _, key := range rejected {
		e.logger.Debug("candidate rejected as stale", zap.String("key", key))
		e.bus.Publish(events.Notification{
			Type:   events.TypePatternRejected,
			Reason: "stale candidate below occurrence floor",
		})
	}
}

// confidenceScore is the weighted promotion score: capped occurrence
// count (0.3), capped adoption rate (0.2), effectiveness (0.3), and
// consistency (0.2).
func (e *Engine) confidenceScore(c *Candidate) float64 {
	occ := math.Min(float64(c.Occurrences), 10) / 10
	adoption := math.Min(c.AdoptionRate, 10) / 10
	return 0.3*occ + 0.2*adoption + 0.3*c.Effectiveness + 0.2*c.Consistency
}

// confirm builds the confirmed pattern for a candidate. Caller holds
// e.mu.
func (e *Engine) confirm(c *Candidate) *signal.Pattern {
	return &signal.Pattern{
		ID:            uuid.New().String(),
		Signals:       cloneSignals(c.Signals),
		Occurrences:   c.Occurrences,
		Contexts:      append([]signal.UsageContext(nil), c.Contexts...),
		FirstSeen:     c.FirstSeen,
		LastSeen:      c.LastSeen,
		Effectiveness: c.Effectiveness,
		AdoptionRate:  c.AdoptionRate,
	}
}

// Pattern returns the confirmed pattern with the given ID, or false.
func (e *Engine) Pattern(id string) (*signal.Pattern, bool) {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	p, ok := e.registry[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Patterns returns copies of every confirmed pattern.
func (e *Engine) Patterns() []*signal.Pattern {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	out := make([]*signal.Pattern, 0, len(e.registry))
	for _, p := range e.registry {
		out = append(out, p.Clone())
	}
	return out
}

// UpdateEffectiveness sets a confirmed pattern's effectiveness score.
// Applied by the dialect manager on effectiveness trend notifications.
func (e *Engine) UpdateEffectiveness(id string, score float64) bool {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	p, ok := e.registry[id]
	if !ok {
		return false
	}
	p.Effectiveness = score
	return true
}

// CandidateCount returns the size of the candidate table.
func (e *Engine) CandidateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.candidates)
}

// Candidate returns a copy of the candidate for a key, or false.
func (e *Engine) Candidate(key string) (Candidate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.candidates[key]
	if !ok {
		return Candidate{}, false
	}
	out := *c
	out.Signals = cloneSignals(c.Signals)
	out.Contexts = append([]signal.UsageContext(nil), c.Contexts...)
	return out, true
}

func cloneSignals(in []signal.Signal) []signal.Signal {
	out := make([]signal.Signal, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

func dedupeModelTypes(types ...string) []string {
	seen := make(map[string]struct{}, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(values))
}
