package basespec

import (
	"fmt"
	"math"

	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

// ValidationIssue describes one base-spec violation in a signal.
// Issues are warnings: callers decide whether to treat them as fatal.
type ValidationIssue struct {
	// Field names the offending signal field.
	Field string `json:"field"`

	// Value is the offending value, formatted.
	Value string `json:"value"`

	// Reason explains the violation.
	Reason string `json:"reason"`
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s=%s: %s", v.Field, v.Value, v.Reason)
}

// ValidateBaseSpec checks a signal against the base specification and
// returns every violation found. A nil result means the signal is
// fully base-spec conformant.
//
// Structural problems (non-finite values) are the caller's concern via
// Signal.Validate; this function reports range and canonical-form
// violations only.
func ValidateBaseSpec(s signal.Signal) []ValidationIssue {
	var issues []ValidationIssue

	if s.Amplitude < 0 || s.Amplitude > 1 {
		issues = append(issues, ValidationIssue{
			Field:  "amplitude",
			Value:  fmt.Sprintf("%g", s.Amplitude),
			Reason: "must be in [0, 1]",
		})
	}

	if s.Frequency < 0 || s.Frequency > signal.MaxFrequency {
		issues = append(issues, ValidationIssue{
			Field:  "frequency",
			Value:  fmt.Sprintf("%d", s.Frequency),
			Reason: fmt.Sprintf("must be in [0, %d]", signal.MaxFrequency),
		})
	}

	if s.Phase != 0 && s.Phase != math.Pi {
		issues = append(issues, ValidationIssue{
			Field:  "phase",
			Value:  fmt.Sprintf("%g", s.Phase),
			Reason: "must be exactly 0 or π",
		})
	}

	if len(s.Harmonics) > MaxHarmonics {
		issues = append(issues, ValidationIssue{
			Field:  "harmonics",
			Value:  fmt.Sprintf("%d", len(s.Harmonics)),
			Reason: fmt.Sprintf("at most %d harmonics allowed", MaxHarmonics),
		})
	}
	for i, h := range s.Harmonics {
		if !withinAllowedSet(h) {
			issues = append(issues, ValidationIssue{
				Field:  fmt.Sprintf("harmonics[%d]", i),
				Value:  fmt.Sprintf("%g", h),
				Reason: "not within tolerance of the allowed ratio set",
			})
		}
	}

	return issues
}

func withinAllowedSet(v float64) bool {
	for _, a := range allowedHarmonics {
		if math.Abs(v-a) <= harmonicTolerance {
			return true
		}
	}
	return false
}
