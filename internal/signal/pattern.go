package signal

import "time"

// UsageContext records one sighting of a pattern: which agent pair used
// it, which model types were involved, and when.
type UsageContext struct {
	// PairKey is the canonical sorted pair key, see PairKey.
	PairKey string `json:"pair_key"`

	// ModelTypes are the model types of both parties, deduplicated.
	ModelTypes []string `json:"model_types,omitempty"`

	// MessageType is the tag of the message the pattern appeared in.
	MessageType string `json:"message_type,omitempty"`

	// Timestamp is when the sighting occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Pattern is a confirmed recurring signal sequence. It is created
// exactly once, on promotion from a discovery candidate, and is
// logically immutable afterwards except for Effectiveness, which the
// effectiveness tracker updates through trend notifications.
type Pattern struct {
	// ID is the unique pattern identifier (UUID).
	ID string `json:"id"`

	// Signals is the confirmed signal sequence, 2 to 5 signals long.
	Signals []Signal `json:"signals"`

	// Occurrences is how many times the sequence was observed before
	// promotion.
	Occurrences int `json:"occurrences"`

	// Contexts are the recorded sightings that led to promotion.
	Contexts []UsageContext `json:"contexts,omitempty"`

	// FirstSeen and LastSeen bound the observation window.
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Effectiveness is the derived [0,1] score for the pattern.
	Effectiveness float64 `json:"effectiveness"`

	// AdoptionRate is occurrences per observed hour.
	AdoptionRate float64 `json:"adoption_rate"`
}

// Clone returns a deep copy of the pattern.
func (p *Pattern) Clone() *Pattern {
	out := *p
	out.Signals = make([]Signal, len(p.Signals))
	for i, s := range p.Signals {
		out.Signals[i] = s.Clone()
	}
	if p.Contexts != nil {
		out.Contexts = make([]UsageContext, len(p.Contexts))
		copy(out.Contexts, p.Contexts)
	}
	return &out
}
