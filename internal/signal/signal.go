// Package signal defines the core data model for dialect-based agent
// communication: signals, messages, agent identities, and confirmed
// patterns, plus the deterministic quantized keys used to index them.
//
// Values in this package are treated as immutable by the rest of the
// system. Components derive normalized copies; they never mutate a
// signal or message in place.
package signal

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Common errors for signal and message validation.
var (
	ErrEmptySignals    = errors.New("message must contain at least one signal")
	ErrNonFiniteValue  = errors.New("signal contains a non-finite value")
	ErrEmptyNamespace  = errors.New("agent namespace cannot be empty")
	ErrEmptyInstanceID = errors.New("agent instance ID cannot be empty")
)

// MaxFrequency is the highest frequency band in the base specification.
const MaxFrequency = 7

// Signal is the atomic protocol datum: an amplitude in [0,1], an integer
// frequency band in [0,7], a phase (canonically 0 or π), and optional
// harmonic coefficients.
type Signal struct {
	// Amplitude is the signal strength in [0, 1].
	Amplitude float64 `json:"amplitude"`

	// Frequency is the integer frequency band in [0, 7].
	Frequency int `json:"frequency"`

	// Phase is the signal phase, canonically 0 or π.
	Phase float64 `json:"phase"`

	// Harmonics are optional ordered harmonic coefficients.
	Harmonics []float64 `json:"harmonics,omitempty"`
}

// Validate checks structural invariants: every numeric field must be
// finite. Range violations are not errors here; they are normalized by
// the base-spec handler or reported as validation issues.
func (s Signal) Validate() error {
	if !isFinite(s.Amplitude) || !isFinite(s.Phase) {
		return ErrNonFiniteValue
	}
	for _, h := range s.Harmonics {
		if !isFinite(h) {
			return ErrNonFiniteValue
		}
	}
	return nil
}

// Clone returns a deep copy of the signal.
func (s Signal) Clone() Signal {
	out := s
	if s.Harmonics != nil {
		out.Harmonics = make([]float64, len(s.Harmonics))
		copy(out.Harmonics, s.Harmonics)
	}
	return out
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// AgentID identifies a communicating agent. It is used only for
// boundary and compatibility checks; the core never persists it beyond
// a dialect's scope.
type AgentID struct {
	// Namespace is the agent's deployment namespace.
	Namespace string `json:"namespace"`

	// ModelType is the underlying model identifier (e.g. "claude-sonnet").
	ModelType string `json:"model_type"`

	// InstanceID is the unique instance within the namespace.
	InstanceID string `json:"instance_id"`
}

// Validate checks that the identity has the fields the core keys on.
func (a AgentID) Validate() error {
	if a.Namespace == "" {
		return ErrEmptyNamespace
	}
	if a.InstanceID == "" {
		return ErrEmptyInstanceID
	}
	return nil
}

// Key returns the canonical "namespace:instanceId" form used in pair
// and context keys.
func (a AgentID) Key() string {
	return a.Namespace + ":" + a.InstanceID
}

// Message is an ordered list of signals exchanged between two agents.
// The core reads messages and may return modified copies; it never
// mutates the caller's message.
type Message struct {
	// Signals is the ordered signal payload.
	Signals []Signal `json:"signals"`

	// Sender is the originating agent.
	Sender AgentID `json:"sender"`

	// Receiver is the destination agent.
	Receiver AgentID `json:"receiver"`

	// Type tags the message (e.g. "request", "ack").
	Type string `json:"type,omitempty"`

	// Timestamp is when the message was assembled.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries boundary annotations (e.g. fallback markers).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks structural invariants on the message and every signal
// it carries.
func (m *Message) Validate() error {
	if len(m.Signals) == 0 {
		return ErrEmptySignals
	}
	if err := m.Sender.Validate(); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if err := m.Receiver.Validate(); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	for i, s := range m.Signals {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("signal %d: %w", i, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := &Message{
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Type:      m.Type,
		Timestamp: m.Timestamp,
	}
	out.Signals = make([]Signal, len(m.Signals))
	for i, s := range m.Signals {
		out.Signals[i] = s.Clone()
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
