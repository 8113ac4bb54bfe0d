// Package effectiveness tracks how well confirmed patterns serve real
// communications and drives per-pattern adoption decisions.
//
// Each pattern has a bounded, time-ordered window of measurements. The
// rolling score is an exponentially decayed mean weighted toward recent
// measurements, and the trend compares the two halves of the window.
// Trend changes emit typed notifications so the dialect manager can
// refresh cached effectiveness scores.
package effectiveness

import (
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/events"
)

// Errors reported by the tracker.
var (
	ErrEmptyPatternID = errors.New("pattern ID cannot be empty")
	ErrUnknownPattern = errors.New("no measurements recorded for pattern")
)

// Trend classifies the direction of a pattern's recent effectiveness.
type Trend string

const (
	TrendUnknown   Trend = "unknown"
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// OutcomeClass buckets a single usage outcome.
type OutcomeClass string

const (
	ClassSuccess OutcomeClass = "success"
	ClassPartial OutcomeClass = "partial"
	ClassFailure OutcomeClass = "failure"
)

// Outcome captures the raw result of one pattern-assisted exchange.
type Outcome struct {
	// Succeeded is false when the communication failed outright.
	Succeeded bool `json:"succeeded"`

	// ResponseTime is the end-to-end latency of the exchange.
	ResponseTime time.Duration `json:"response_time"`

	// Clarity is the externally supplied clarity score in [0, 1].
	Clarity float64 `json:"clarity"`

	// CompressionRatio is the achieved compression, capped at 1 for
	// scoring.
	CompressionRatio float64 `json:"compression_ratio"`

	// Retries counts how many retries the exchange needed.
	Retries int `json:"retries"`
}

// Measurement is one scored usage of a pattern.
type Measurement struct {
	Timestamp time.Time    `json:"timestamp"`
	Score     float64      `json:"score"`
	Context   string       `json:"context,omitempty"`
	Class     OutcomeClass `json:"class"`
	Metrics   Outcome      `json:"metrics"`
}

// Baseline holds externally measured base-specification figures for
// comparison against a pattern.
type Baseline struct {
	ResponseTime time.Duration `json:"response_time"`
	Clarity      float64       `json:"clarity"`
}

// Config holds tracker tuning parameters.
type Config struct {
	// WindowSize bounds the measurement window per pattern.
	WindowSize int `koanf:"window_size"`

	// MinMeasurements gates trend computation and adoption.
	MinMeasurements int `koanf:"min_measurements"`

	// DecayFactor weights measurements by position from newest,
	// decayFactor^age. Must be in (0, 1).
	DecayFactor float64 `koanf:"decay_factor"`

	// TrendThreshold is the half-window mean difference below which
	// the trend is stable.
	TrendThreshold float64 `koanf:"trend_threshold"`

	// ConsistencyFloor is the minimum consistency for adoption.
	ConsistencyFloor float64 `koanf:"consistency_floor"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:       100,
		MinMeasurements:  5,
		DecayFactor:      0.95,
		TrendThreshold:   0.05,
		ConsistencyFloor: 0.6,
	}
}

// maxResponseTime is where the response-time score reaches zero.
const maxResponseTime = 5 * time.Second

// record is the tracker's per-pattern state.
type record struct {
	measurements []Measurement
	trend        Trend
}

// Tracker records pattern usage outcomes and emits trend notifications.
// Safe for concurrent use.
type Tracker struct {
	cfg    Config
	bus    *events.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]*record
}

// NewTracker creates a tracker publishing trend changes to bus.
func NewTracker(cfg Config, bus *events.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		records: make(map[string]*record),
	}
}

// TrackUsage scores one usage outcome and appends it to the pattern's
// measurement window. A trend change emits a typed notification
// carrying the new decayed average.
func (t *Tracker) TrackUsage(patternID string, outcome Outcome, contextLabel string) error {
	if patternID == "" {
		return ErrEmptyPatternID
	}

	m := Measurement{
		Timestamp: time.Now(),
		Score:     scoreOutcome(outcome),
		Context:   contextLabel,
		Class:     classify(outcome),
		Metrics:   outcome,
	}

	t.mu.Lock()
	r, ok := t.records[patternID]
	if !ok {
		r = &record{trend: TrendUnknown}
		t.records[patternID] = r
	}
	r.measurements = append(r.measurements, m)
	if len(r.measurements) > t.cfg.WindowSize {
		r.measurements = r.measurements[1:]
	}

	prev := r.trend
	r.trend = t.computeTrend(r.measurements)
	changed := r.trend != prev
	trend := r.trend
	avg := t.decayedAverage(r.measurements)
	t.mu.Unlock()

	if changed && trend != TrendUnknown {
		t.logger.Debug("effectiveness trend changed",
			zap.String("pattern_id", patternID),
			zap.String("trend", string(trend)),
			zap.Float64("average", avg))
		t.bus.Publish(events.Notification{
			Type:          trendEventType(trend),
			PatternID:     patternID,
			Effectiveness: avg,
		})
	}
	return nil
}

func trendEventType(trend Trend) events.Type {
	switch trend {
	case TrendImproving:
		return events.TypeEffectivenessImproving
	case TrendDeclining:
		return events.TypeEffectivenessDeclining
	default:
		return events.TypeEffectivenessStable
	}
}

// scoreOutcome computes the per-use effectiveness score: zero for a
// failed communication, otherwise a weighted sum of response-time
// (0.3), clarity (0.4), compression (0.2), and retry penalty (0.1).
func scoreOutcome(o Outcome) float64 {
	if !o.Succeeded {
		return 0
	}

	rt := 1.0 - o.ResponseTime.Seconds()/maxResponseTime.Seconds()
	rt = math.Max(0, math.Min(1, rt))

	clarity := math.Max(0, math.Min(1, o.Clarity))
	compression := math.Min(1, math.Max(0, o.CompressionRatio))
	retry := math.Max(0, 1.0-0.2*float64(o.Retries))

	return 0.3*rt + 0.4*clarity + 0.2*compression + 0.1*retry
}

// classify buckets an outcome: success needs no retries and clarity at
// least 0.7; any other completed exchange is partial; failures are
// failures.
func classify(o Outcome) OutcomeClass {
	if !o.Succeeded {
		return ClassFailure
	}
	if o.Retries == 0 && o.Clarity >= 0.7 {
		return ClassSuccess
	}
	return ClassPartial
}

// decayedAverage is the exponentially decayed mean of the window, each
// measurement weighted decayFactor^(position from newest).
func (t *Tracker) decayedAverage(ms []Measurement) float64 {
	if len(ms) == 0 {
		return 0
	}
	var weighted, weights float64
	for i := range ms {
		age := len(ms) - 1 - i
		w := math.Pow(t.cfg.DecayFactor, float64(age))
		weighted += ms[i].Score * w
		weights += w
	}
	return weighted / weights
}

// computeTrend splits the window into halves and compares their means.
func (t *Tracker) computeTrend(ms []Measurement) Trend {
	if len(ms) < t.cfg.MinMeasurements {
		return TrendUnknown
	}
	mid := len(ms) / 2
	older := mean(ms[:mid])
	newer := mean(ms[mid:])

	diff := newer - older
	if math.Abs(diff) < t.cfg.TrendThreshold {
		return TrendStable
	}
	if diff > 0 {
		return TrendImproving
	}
	return TrendDeclining
}

func mean(ms []Measurement) float64 {
	if len(ms) == 0 {
		return 0
	}
	var sum float64
	for _, m := range ms {
		sum += m.Score
	}
	return sum / float64(len(ms))
}

// Score returns the pattern's decayed rolling average.
func (t *Tracker) Score(patternID string) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[patternID]
	if !ok {
		return 0, ErrUnknownPattern
	}
	return t.decayedAverage(r.measurements), nil
}

// TrendFor returns the pattern's current trend state.
func (t *Tracker) TrendFor(patternID string) Trend {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[patternID]
	if !ok {
		return TrendUnknown
	}
	return r.trend
}

// MeasurementCount returns how many measurements the window holds.
func (t *Tracker) MeasurementCount(patternID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[patternID]
	if !ok {
		return 0
	}
	return len(r.measurements)
}

// ShouldAdopt reports whether the pattern has earned adoption over the
// base specification: enough measurements, decayed average at or above
// the threshold, a non-declining trend, and consistent scores.
func (t *Tracker) ShouldAdopt(patternID string, threshold float64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[patternID]
	if !ok || len(r.measurements) < t.cfg.MinMeasurements {
		return false
	}
	avg := t.decayedAverage(r.measurements)
	if avg < threshold {
		return false
	}
	if r.trend == TrendDeclining {
		return false
	}
	return t.consistency(r.measurements, avg) > t.cfg.ConsistencyFloor
}

// consistency is the inverse of one plus the variance of measurements
// around the decayed mean.
func (t *Tracker) consistency(ms []Measurement, weightedMean float64) float64 {
	if len(ms) == 0 {
		return 0
	}
	var sq float64
	for _, m := range ms {
		d := m.Score - weightedMean
		sq += d * d
	}
	return 1.0 / (1.0 + sq/float64(len(ms)))
}

// CompareToBaseline contrasts a pattern's average response time and
// clarity against base-spec figures. The result is a weighted
// improvement score (0.6 response time, 0.4 clarity); positive values
// favor the pattern.
func (t *Tracker) CompareToBaseline(patternID string, baseline Baseline) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[patternID]
	if !ok || len(r.measurements) == 0 {
		return 0, ErrUnknownPattern
	}

	var rtSum, claritySum float64
	for _, m := range r.measurements {
		rtSum += m.Metrics.ResponseTime.Seconds()
		claritySum += m.Metrics.Clarity
	}
	n := float64(len(r.measurements))
	avgRT := rtSum / n
	avgClarity := claritySum / n

	var rtImprovement float64
	if baseline.ResponseTime > 0 {
		rtImprovement = (baseline.ResponseTime.Seconds() - avgRT) / baseline.ResponseTime.Seconds()
	}
	var clarityImprovement float64
	if baseline.Clarity > 0 {
		clarityImprovement = (avgClarity - baseline.Clarity) / baseline.Clarity
	}

	return 0.6*rtImprovement + 0.4*clarityImprovement, nil
}
