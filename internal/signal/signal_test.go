package signal

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_Validate(t *testing.T) {
	valid := Signal{Amplitude: 0.9, Frequency: 3, Phase: 0}
	assert.NoError(t, valid.Validate())

	nan := Signal{Amplitude: math.NaN(), Frequency: 3, Phase: 0}
	assert.ErrorIs(t, nan.Validate(), ErrNonFiniteValue)

	inf := Signal{Amplitude: 0.5, Frequency: 3, Phase: math.Inf(1)}
	assert.ErrorIs(t, inf.Validate(), ErrNonFiniteValue)

	badHarmonic := Signal{Amplitude: 0.5, Frequency: 3, Harmonics: []float64{1.5, math.NaN()}}
	assert.ErrorIs(t, badHarmonic.Validate(), ErrNonFiniteValue)

	// Out-of-range values are not structural errors.
	outOfRange := Signal{Amplitude: 1.5, Frequency: 12, Phase: 0.3}
	assert.NoError(t, outOfRange.Validate())
}

func TestMessage_Validate(t *testing.T) {
	msg := &Message{
		Signals:   []Signal{{Amplitude: 0.9, Frequency: 3}},
		Sender:    AgentID{Namespace: "a", ModelType: "claude-sonnet", InstanceID: "1"},
		Receiver:  AgentID{Namespace: "a", ModelType: "claude-opus", InstanceID: "2"},
		Timestamp: time.Now(),
	}
	require.NoError(t, msg.Validate())

	empty := &Message{Sender: msg.Sender, Receiver: msg.Receiver}
	assert.ErrorIs(t, empty.Validate(), ErrEmptySignals)

	noNS := msg.Clone()
	noNS.Sender.Namespace = ""
	assert.ErrorIs(t, noNS.Validate(), ErrEmptyNamespace)
}

func TestMessage_CloneIsDeep(t *testing.T) {
	msg := &Message{
		Signals:  []Signal{{Amplitude: 0.9, Frequency: 3, Harmonics: []float64{1.5}}},
		Sender:   AgentID{Namespace: "a", InstanceID: "1"},
		Receiver: AgentID{Namespace: "a", InstanceID: "2"},
		Metadata: map[string]string{"k": "v"},
	}
	clone := msg.Clone()
	clone.Signals[0].Amplitude = 0.1
	clone.Signals[0].Harmonics[0] = 9.9
	clone.Metadata["k"] = "changed"

	assert.Equal(t, 0.9, msg.Signals[0].Amplitude)
	assert.Equal(t, 1.5, msg.Signals[0].Harmonics[0])
	assert.Equal(t, "v", msg.Metadata["k"])
}

func TestKeys_Deterministic(t *testing.T) {
	seq := func() []Signal {
		return []Signal{
			{Amplitude: 0.9, Frequency: 3, Phase: 0, Harmonics: []float64{1.5, 2.0}},
			{Amplitude: 0.8, Frequency: 5, Phase: math.Pi},
		}
	}

	assert.Equal(t, CandidateKey(seq()), CandidateKey(seq()))
	assert.Equal(t, Signature(seq()), Signature(seq()))
	assert.Equal(t, PhonemeID(seq()[0]), PhonemeID(seq()[0]))
}

func TestKeys_DistinguishSequences(t *testing.T) {
	a := []Signal{{Amplitude: 0.9, Frequency: 3}, {Amplitude: 0.8, Frequency: 5}}
	b := []Signal{{Amplitude: 0.9, Frequency: 3}, {Amplitude: 0.8, Frequency: 4}}

	assert.NotEqual(t, CandidateKey(a), CandidateKey(b))
	assert.NotEqual(t, Signature(a), Signature(b))
}

func TestCandidateKey_QuantizesAmplitude(t *testing.T) {
	// Amplitudes rounding to the same single decimal share a key.
	a := []Signal{{Amplitude: 0.91, Frequency: 3}, {Amplitude: 0.8, Frequency: 5}}
	b := []Signal{{Amplitude: 0.94, Frequency: 3}, {Amplitude: 0.8, Frequency: 5}}
	assert.Equal(t, CandidateKey(a), CandidateKey(b))
}

func TestPairKey_OrderIndependent(t *testing.T) {
	a := AgentID{Namespace: "ns", InstanceID: "alpha"}
	b := AgentID{Namespace: "ns", InstanceID: "beta"}

	assert.Equal(t, PairKey(a, b), PairKey(b, a))
	assert.Equal(t, "ns:alpha|ns:beta", PairKey(a, b))
}

func TestPhonemeID_HarmonicPrecision(t *testing.T) {
	a := Signal{Amplitude: 0.5, Frequency: 2, Harmonics: []float64{1.5001}}
	b := Signal{Amplitude: 0.5, Frequency: 2, Harmonics: []float64{1.5004}}
	c := Signal{Amplitude: 0.5, Frequency: 2, Harmonics: []float64{1.506}}

	assert.Equal(t, PhonemeID(a), PhonemeID(b))
	assert.NotEqual(t, PhonemeID(a), PhonemeID(c))
}
