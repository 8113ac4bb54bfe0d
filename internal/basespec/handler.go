// Package basespec implements the base-specification fallback handler:
// the universal, dialect-free signal encoding every agent must support.
//
// It decides from agent identity alone whether dialect use is permitted,
// normalizes messages to the base specification, and validates signals
// against it. Range violations are normalized or reported as warnings,
// never raised as errors.
package basespec

import (
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

// Base specification limits.
const (
	// MaxHarmonics is the most harmonic coefficients a base-spec signal
	// may carry.
	MaxHarmonics = 3

	// harmonicTolerance is the allowed deviation from the ratio set in
	// validation.
	harmonicTolerance = 0.01
)

// allowedHarmonics is the fixed ratio set base-spec harmonics must
// come from. Normalization snaps each harmonic to the closest member.
var allowedHarmonics = []float64{0.5, 1.5, 2.0, 3.0}

// modelFamilies maps model-type substrings to coarse compatibility
// families. Two differing model types may still share a dialect when
// they resolve to the same family.
var modelFamilies = []struct {
	family    string
	fragments []string
}{
	{"gpt", []string{"gpt", "o1", "o3"}},
	{"claude", []string{"claude", "sonnet", "opus", "haiku"}},
	{"llama", []string{"llama"}},
	{"mistral", []string{"mistral", "mixtral"}},
}

// MetadataKeyFallback marks a message that has been normalized to the
// base specification.
const MetadataKeyFallback = "base_spec_fallback"

// Handler implements base-spec compatibility checks and normalization.
// The zero value is not usable; construct with NewHandler.
type Handler struct {
	instanceID string
}

// NewHandler creates a fallback handler bound to the local instance ID.
func NewHandler(instanceID string) *Handler {
	return &Handler{instanceID: instanceID}
}

// RequiresFallback reports whether communication between sender and
// receiver must use the base specification.
//
// Fallback is required when the parties' namespaces differ, when an
// instanceID is supplied and either party's instance disagrees with it,
// or when their model types differ and do not resolve to the same
// model family. It never fails; unknown model types simply force
// fallback.
func (h *Handler) RequiresFallback(sender, receiver signal.AgentID, instanceID string) bool {
	if sender.Namespace != receiver.Namespace {
		return true
	}
	if instanceID != "" {
		// A supplied instance ID scopes the exchange to a single runtime
		// instance: if either party's recorded instance disagrees, the
		// exchange leaves that scope and must use the base spec.
		if sender.InstanceID != instanceID || receiver.InstanceID != instanceID {
			return true
		}
	}
	if sender.ModelType != receiver.ModelType {
		sf, sok := familyFor(sender.ModelType)
		rf, rok := familyFor(receiver.ModelType)
		if !sok || !rok || sf != rf {
			return true
		}
	}
	return false
}

// familyFor resolves a model type to its coarse family by substring
// match against the fixed table.
func familyFor(modelType string) (string, bool) {
	mt := strings.ToLower(modelType)
	for _, entry := range modelFamilies {
		for _, frag := range entry.fragments {
			if strings.Contains(mt, frag) {
				return entry.family, true
			}
		}
	}
	return "", false
}

// ConvertToBase returns a new message normalized to the base
// specification. The input message is never mutated. Conversion is
// idempotent: converting an already-converted message yields identical
// output.
func (h *Handler) ConvertToBase(msg *signal.Message) *signal.Message {
	out := msg.Clone()
	for i := range out.Signals {
		out.Signals[i] = NormalizeSignal(out.Signals[i])
	}
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, 2)
	}
	if _, ok := out.Metadata[MetadataKeyFallback]; !ok {
		out.Metadata[MetadataKeyFallback] = "true"
		out.Metadata["base_spec_converted_at"] = msg.Timestamp.UTC().Format(time.RFC3339)
	}
	return out
}

// NormalizeSignal clamps a signal to the base specification: amplitude
// into [0,1], frequency rounded and clamped to [0,7], phase snapped to
// 0 or π, harmonics truncated and snapped to the allowed ratio set.
func NormalizeSignal(s signal.Signal) signal.Signal {
	out := s.Clone()

	out.Amplitude = clamp(out.Amplitude, 0, 1)

	if out.Frequency < 0 {
		out.Frequency = 0
	} else if out.Frequency > signal.MaxFrequency {
		out.Frequency = signal.MaxFrequency
	}

	// Phase snaps to whichever canonical value is nearer; ties within
	// π/2 of zero go to 0.
	if math.Abs(out.Phase) <= math.Pi/2 {
		out.Phase = 0
	} else {
		out.Phase = math.Pi
	}

	if len(out.Harmonics) > 0 {
		if len(out.Harmonics) > MaxHarmonics {
			out.Harmonics = out.Harmonics[:MaxHarmonics]
		}
		for i, hv := range out.Harmonics {
			out.Harmonics[i] = closestHarmonic(hv)
		}
	}

	return out
}

// closestHarmonic returns the allowed ratio nearest to v by absolute
// distance.
func closestHarmonic(v float64) float64 {
	best := allowedHarmonics[0]
	bestDist := math.Abs(v - best)
	for _, a := range allowedHarmonics[1:] {
		if d := math.Abs(v - a); d < bestDist {
			best, bestDist = a, d
		}
	}
	return best
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
