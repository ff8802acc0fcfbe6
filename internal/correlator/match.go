package correlator

import (
	"time"

	"github.com/Hyrol7/vrl-client/internal/model"
)

// Pair is one accepted K1/K2 correlation.
type Pair struct {
	K1 *model.RawPacket
	K2 *model.RawPacket
}

// MatchPairs applies the greedy matcher: K1 packets are visited in ascending
// event time and each takes the K2 with the smallest |Δt| within the window
// that no earlier K1 already consumed. Equidistant candidates tie-break on
// earlier event time, then smaller id. Both inputs must be sorted by event
// time ascending; the result is deterministic for a given input.
func MatchPairs(k1s, k2s []model.RawPacket, window time.Duration) []Pair {
	if len(k1s) == 0 || len(k2s) == 0 {
		return nil
	}

	consumed := make([]bool, len(k2s))
	var pairs []Pair

	for i := range k1s {
		k1 := &k1s[i]
		best := -1
		var bestDiff time.Duration

		for j := range k2s {
			if consumed[j] {
				continue
			}
			k2 := &k2s[j]
			diff := k2.EventTime.Sub(k1.EventTime)
			if diff > window {
				// Sorted input: every later K2 is further away.
				break
			}
			if diff < 0 {
				diff = -diff
			}
			if diff > window {
				continue
			}
			if best < 0 || diff < bestDiff || (diff == bestDiff && better(k2, &k2s[best])) {
				best = j
				bestDiff = diff
			}
		}

		if best >= 0 {
			consumed[best] = true
			pairs = append(pairs, Pair{K1: k1, K2: &k2s[best]})
		}
	}
	return pairs
}

// better resolves equidistant ties: earlier event time wins, then smaller id.
func better(a, b *model.RawPacket) bool {
	if !a.EventTime.Equal(b.EventTime) {
		return a.EventTime.Before(b.EventTime)
	}
	return a.ID < b.ID
}
