package signal

import (
	"math"
	"strconv"
	"strings"
)

// Separators for quantized keys. Field separator joins the components
// of a single signal, harmonic separator joins harmonic values, and
// signal separator joins the per-signal tokens of a sequence.
const (
	fieldSep    = ","
	harmonicSep = "/"
	signalSep   = "|"
	pairSep     = "|"
)

// roundTo rounds v to the given number of decimal places.
func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}

func formatRounded(v float64, places int) string {
	return strconv.FormatFloat(roundTo(v, places), 'f', places, 64)
}

// CandidateKey builds the deterministic discovery key for a signal
// sequence: amplitude rounded to one decimal, integer frequency, the
// raw phase, and harmonics rounded to two decimals.
//
// Structurally identical sequences always produce byte-identical keys.
func CandidateKey(signals []Signal) string {
	tokens := make([]string, len(signals))
	for i, s := range signals {
		parts := []string{
			formatRounded(s.Amplitude, 1),
			strconv.Itoa(s.Frequency),
			strconv.FormatFloat(s.Phase, 'f', -1, 64),
		}
		if len(s.Harmonics) > 0 {
			hs := make([]string, len(s.Harmonics))
			for j, h := range s.Harmonics {
				hs[j] = formatRounded(h, 2)
			}
			parts = append(parts, strings.Join(hs, harmonicSep))
		}
		tokens[i] = strings.Join(parts, fieldSep)
	}
	return strings.Join(tokens, signalSep)
}

// Signature builds the cache-lookup signature for a signal sequence:
// a per-signal quantized tuple (amplitude and phase to two decimals,
// integer frequency, harmonics to two decimals) joined in order.
func Signature(signals []Signal) string {
	tokens := make([]string, len(signals))
	for i, s := range signals {
		parts := []string{
			formatRounded(s.Amplitude, 2),
			strconv.Itoa(s.Frequency),
			formatRounded(s.Phase, 2),
		}
		if len(s.Harmonics) > 0 {
			hs := make([]string, len(s.Harmonics))
			for j, h := range s.Harmonics {
				hs[j] = formatRounded(h, 2)
			}
			parts = append(parts, strings.Join(hs, harmonicSep))
		}
		tokens[i] = strings.Join(parts, fieldSep)
	}
	return strings.Join(tokens, signalSep)
}

// PhonemeID builds the deduplication identity of a single signal:
// amplitude to two decimals, integer frequency, phase to two decimals,
// harmonics to three decimals.
func PhonemeID(s Signal) string {
	parts := []string{
		formatRounded(s.Amplitude, 2),
		strconv.Itoa(s.Frequency),
		formatRounded(s.Phase, 2),
	}
	if len(s.Harmonics) > 0 {
		hs := make([]string, len(s.Harmonics))
		for j, h := range s.Harmonics {
			hs[j] = formatRounded(h, 3)
		}
		parts = append(parts, strings.Join(hs, harmonicSep))
	}
	return strings.Join(parts, fieldSep)
}

// PairKey returns the canonical key for an agent pair: the two
// "namespace:instanceId" halves sorted lexicographically and joined.
// The same key format is written into usage contexts and parsed by the
// dialect manager's relevance filter.
func PairKey(a, b AgentID) string {
	ka, kb := a.Key(), b.Key()
	if kb < ka {
		ka, kb = kb, ka
	}
	return ka + pairSep + kb
}
