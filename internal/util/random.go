// Package util provides utility functions for the FlowBot application.
package util

import (
	"math/rand/v2"
)

// WeightedIndex picks an index from weights proportionally to each weight.
// Non-positive weights count as zero; if all weights are zero the pick is
// uniform. Returns -1 for an empty slice.
func WeightedIndex(weights []int) int {
	if len(weights) == 0 {
		return -1
	}
	total := 0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total == 0 {
		return rand.IntN(len(weights))
	}
	n := rand.IntN(total)
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		if n < w {
			return i
		}
		n -= w
	}
	return len(weights) - 1
}
