package basespec

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

func agent(ns, model, instance string) signal.AgentID {
	return signal.AgentID{Namespace: ns, ModelType: model, InstanceID: instance}
}

func TestRequiresFallback_NamespaceMismatch(t *testing.T) {
	h := NewHandler("inst-1")

	// Differing namespaces force fallback regardless of model type.
	sender := agent("a", "claude-sonnet", "1")
	receiver := agent("b", "claude-sonnet", "2")
	assert.True(t, h.RequiresFallback(sender, receiver, ""))

	receiver.ModelType = sender.ModelType
	assert.True(t, h.RequiresFallback(sender, receiver, ""))
}

func TestRequiresFallback_InstanceMismatch(t *testing.T) {
	h := NewHandler("inst-1")
	sender := agent("ns", "claude-sonnet", "1")
	receiver := agent("ns", "claude-sonnet", "2")

	// No instance scope supplied: the instance check is skipped.
	assert.False(t, h.RequiresFallback(sender, receiver, ""))

	// A supplied scope requires both parties to be in it; a single
	// disagreeing party is enough to force fallback.
	assert.True(t, h.RequiresFallback(sender, receiver, "1"))
	assert.True(t, h.RequiresFallback(sender, receiver, "2"))
	assert.True(t, h.RequiresFallback(sender, receiver, "3"))

	// Both parties inside the scope pass.
	receiver.InstanceID = "1"
	assert.False(t, h.RequiresFallback(sender, receiver, "1"))
}

func TestRequiresFallback_ModelFamilies(t *testing.T) {
	h := NewHandler("inst-1")

	tests := []struct {
		name     string
		sender   string
		receiver string
		want     bool
	}{
		{"identical types", "claude-sonnet-4", "claude-sonnet-4", false},
		{"same family", "claude-sonnet-4", "claude-opus-4", false},
		{"same family by fragment", "sonnet-lite", "haiku-mini", false},
		{"gpt family", "gpt-4o", "o3-mini", false},
		{"cross family", "gpt-4o", "claude-sonnet-4", true},
		{"llama vs mistral", "llama-3-70b", "mixtral-8x7b", true},
		{"unknown type", "homebrew-7b", "claude-sonnet-4", true},
		{"both unknown, differing", "homebrew-7b", "homebrew-13b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.RequiresFallback(agent("ns", tt.sender, "1"), agent("ns", tt.receiver, "2"), "")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvertToBase_ClampsSignal(t *testing.T) {
	h := NewHandler("inst-1")
	msg := &signal.Message{
		Signals:   []signal.Signal{{Amplitude: 1.5, Frequency: 3, Phase: 0}},
		Sender:    agent("ns", "claude-sonnet", "1"),
		Receiver:  agent("ns", "claude-sonnet", "2"),
		Timestamp: time.Now(),
	}

	out := h.ConvertToBase(msg)

	require.Len(t, out.Signals, 1)
	assert.Equal(t, 1.0, out.Signals[0].Amplitude)
	assert.Equal(t, 3, out.Signals[0].Frequency)
	assert.Equal(t, 0.0, out.Signals[0].Phase)
	assert.Equal(t, "true", out.Metadata[MetadataKeyFallback])

	// Original untouched.
	assert.Equal(t, 1.5, msg.Signals[0].Amplitude)
	assert.Empty(t, msg.Metadata)
}

func TestConvertToBase_Idempotent(t *testing.T) {
	h := NewHandler("inst-1")
	msg := &signal.Message{
		Signals: []signal.Signal{
			{Amplitude: -0.2, Frequency: 12, Phase: 2.0, Harmonics: []float64{0.4, 1.8, 2.9, 4.1}},
			{Amplitude: 0.7, Frequency: 5, Phase: 0.3},
		},
		Sender:    agent("ns", "m", "1"),
		Receiver:  agent("ns", "m", "2"),
		Timestamp: time.Unix(1700000000, 0),
	}

	once := h.ConvertToBase(msg)
	twice := h.ConvertToBase(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeSignal(t *testing.T) {
	s := signal.Signal{
		Amplitude: 1.3,
		Frequency: -2,
		Phase:     3.0,
		Harmonics: []float64{0.45, 1.6, 2.1, 5.0},
	}
	out := NormalizeSignal(s)

	assert.Equal(t, 1.0, out.Amplitude)
	assert.Equal(t, 0, out.Frequency)
	assert.Equal(t, math.Pi, out.Phase)
	assert.Equal(t, []float64{0.5, 1.5, 2.0}, out.Harmonics)

	// Phase within pi/2 of zero snaps to zero.
	assert.Equal(t, 0.0, NormalizeSignal(signal.Signal{Phase: 1.2}).Phase)
}

func TestValidateBaseSpec(t *testing.T) {
	clean := signal.Signal{Amplitude: 0.8, Frequency: 4, Phase: math.Pi, Harmonics: []float64{1.5, 2.0}}
	assert.Empty(t, ValidateBaseSpec(clean))

	dirty := signal.Signal{
		Amplitude: 1.2,
		Frequency: 9,
		Phase:     0.5,
		Harmonics: []float64{1.5, 2.0, 3.0, 0.5},
	}
	issues := ValidateBaseSpec(dirty)
	fields := make([]string, 0, len(issues))
	for _, i := range issues {
		fields = append(fields, i.Field)
	}
	assert.Contains(t, fields, "amplitude")
	assert.Contains(t, fields, "frequency")
	assert.Contains(t, fields, "phase")
	assert.Contains(t, fields, "harmonics")
}

func TestValidateBaseSpec_HarmonicTolerance(t *testing.T) {
	near := signal.Signal{Amplitude: 0.5, Frequency: 1, Harmonics: []float64{1.505}}
	assert.Empty(t, ValidateBaseSpec(near))

	far := signal.Signal{Amplitude: 0.5, Frequency: 1, Harmonics: []float64{1.7}}
	issues := ValidateBaseSpec(far)
	require.Len(t, issues, 1)
	assert.Equal(t, "harmonics[0]", issues[0].Field)
}
