package ranking

import (
	"math"
	"strings"
	"time"
)

// FrecencyHalfScore is the raw frecency score that maps to 0.5.
const FrecencyHalfScore = 10.0

// Clamp01 clamps v to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TextWeight normalizes a fuzzy match score against the best score in the
// candidate set.
//
// Returns a value between 0.0 (no match) and 1.0 (best match).
func TextWeight(rawScore, maxScore float64) float64 {
	if maxScore <= 0 {
		return 0
	}
	return Clamp01(rawScore / maxScore)
}

// ProximityWeight converts a directory distance (number of path hops between
// the candidate and the current working location) to a proximity score.
//
// Formula: 1 / (1 + distance) - 1.0 in the same directory, 0.5 one hop away.
func ProximityWeight(dirDistance int) float64 {
	if dirDistance < 0 {
		dirDistance = 0 // Clamp negative distances
	}
	return 1.0 / (1.0 + float64(dirDistance))
}

// RecencyWeight computes a time-based recency score normalized to [0, 1].
// Recently used candidates receive higher scores.
//
// Formula: 1 - ((now - lastUsed) / window) clamped to [0, 1]
func RecencyWeight(lastUsed time.Time, window time.Duration) float64 {
	return RecencyWeightAt(lastUsed, window, time.Now())
}

// RecencyWeightAt is RecencyWeight evaluated at a fixed reference time.
func RecencyWeightAt(lastUsed time.Time, window time.Duration, now time.Time) float64 {
	if lastUsed.IsZero() {
		return 0
	}
	if window <= 0 {
		return 1.0
	}

	age := now.Sub(lastUsed)
	if age <= 0 {
		return 1.0
	}
	return Clamp01(1.0 - float64(age)/float64(window))
}

// FrecencyWeight maps an unbounded frecency score onto [0, 1) with a
// saturating curve: score / (score + FrecencyHalfScore).
func FrecencyWeight(score float64) float64 {
	if score <= 0 || math.IsNaN(score) {
		return 0
	}
	if math.IsInf(score, 1) {
		return 1
	}
	return score / (score + FrecencyHalfScore)
}

// BoolWeight returns 1 for true and 0 for false.
func BoolWeight(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// TrigramSimilarity returns the Jaccard similarity of the case-folded
// trigram sets of a and b. Strings are padded with two leading spaces and one
// trailing space, so short strings still produce trigrams.
func TrigramSimilarity(a, b string) float64 {
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for g := range ta {
		if _, ok := tb[g]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ta)+len(tb)-shared)
}

func trigrams(s string) map[string]struct{} {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return nil
	}
	r := []rune("  " + s + " ")
	set := make(map[string]struct{}, len(r))
	for i := 0; i+3 <= len(r); i++ {
		set[string(r[i:i+3])] = struct{}{}
	}
	return set
}
