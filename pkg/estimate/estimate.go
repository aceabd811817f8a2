// Package estimate turns numeric planning poker votes into a Fibonacci
// bucketed recommendation and flags rounds that need discussion.
package estimate

import (
	"fmt"
	"slices"
)

// Fibonacci is the reference sequence recommendations are rounded up to.
var Fibonacci = []int{1, 2, 3, 5, 8, 13, 21, 34, 55, 89}

const (
	wideSpread = 2
	highSpread = 4
)

// BucketPosition returns the index of the smallest Fibonacci element >= v,
// or the last index when v exceeds them all.
func BucketPosition(v int) int {
	for i, f := range Fibonacci {
		if f >= v {
			return i
		}
	}
	return len(Fibonacci) - 1
}

// Spread is the distance in bucket positions between lo and hi.
func Spread(lo, hi int) int {
	return BucketPosition(hi) - BucketPosition(lo)
}

// RoundUp returns the smallest Fibonacci element >= x, saturating at 89.
func RoundUp(x float64) int {
	for _, f := range Fibonacci {
		if float64(f) >= x {
			return f
		}
	}
	return Fibonacci[len(Fibonacci)-1]
}

// Estimate recommends a Fibonacci value for votes. Rounds whose spread is
// wider than two buckets are estimated from the 75th percentile, others
// from the median. Empty input yields 0.
func Estimate(votes []int) int {
	if len(votes) == 0 {
		return 0
	}
	sorted := slices.Clone(votes)
	slices.Sort(sorted)
	lo, hi := sorted[0], sorted[len(sorted)-1]

	if Spread(lo, hi) > wideSpread && distinct(sorted) >= 2 {
		return RoundUp(upperQuartile(sorted))
	}
	return RoundUp(Median(sorted))
}

// Mean is the arithmetic mean shown next to the recommendation.
func Mean(votes []int) float64 {
	if len(votes) == 0 {
		return 0
	}
	sum := 0
	for _, v := range votes {
		sum += v
	}
	return float64(sum) / float64(len(votes))
}

// Median of an ascending slice; even lengths average the two middle values.
func Median(sorted []int) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

// upperQuartile is the third cut point of the exclusive quartile method
// (positions computed on n+1), interpolating and extrapolating linearly.
// sorted must hold at least two values.
func upperQuartile(sorted []int) float64 {
	const parts, cut = 4, 3
	n := len(sorted)
	m := n + 1
	j := cut * m / parts
	j = max(1, min(j, n-1))
	delta := cut*m - j*parts
	return float64(sorted[j-1]*(parts-delta)+sorted[j]*delta) / parts
}

func distinct(sorted []int) int {
	count := 0
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			count++
		}
	}
	return count
}

// OwnedVote is a numeric vote with the participant who cast it.
type OwnedVote struct {
	ParticipantID string
	Username      string
	Value         int
}

// Suggestion names two participants at opposite ends of a wide round.
type Suggestion struct {
	Message     string `json:"message"`
	MinVote     int    `json:"min_vote"`
	MaxVote     int    `json:"max_vote"`
	MinVoter    string `json:"min_voter"`
	MaxVoter    string `json:"max_voter"`
	MinVoterID  string `json:"min_voter_id"`
	MaxVoterID  string `json:"max_voter_id"`
	Spread      int    `json:"spread"`
	SpreadLevel string `json:"spread_level"`
}

// Suggest returns a discussion prompt when at least two votes span more than
// two buckets. votes must be in ledger order; the first voter holding the
// minimum and the first holding the maximum are named.
func Suggest(votes []OwnedVote) *Suggestion {
	if len(votes) < 2 {
		return nil
	}
	lo, hi := votes[0], votes[0]
	for _, v := range votes[1:] {
		if v.Value < lo.Value {
			lo = v
		}
		if v.Value > hi.Value {
			hi = v
		}
	}
	spread := Spread(lo.Value, hi.Value)
	if spread <= wideSpread {
		return nil
	}
	level := "medium"
	if spread > highSpread {
		level = "high"
	}
	return &Suggestion{
		Message: fmt.Sprintf("Wide spread detected! %s (voted %d) and %s (voted %d) should discuss the story complexity.",
			lo.Username, lo.Value, hi.Username, hi.Value),
		MinVote:     lo.Value,
		MaxVote:     hi.Value,
		MinVoter:    lo.Username,
		MaxVoter:    hi.Username,
		MinVoterID:  lo.ParticipantID,
		MaxVoterID:  hi.ParticipantID,
		Spread:      spread,
		SpreadLevel: level,
	}
}
