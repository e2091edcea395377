// Package search is the boundary to the external bird-metadata/audio
// collaborator. The orchestrator depends only on the Searcher interface;
// the xeno-canto client in this package is one implementation of it.
package search

import (
	"context"
	"math/rand"

	"birdsong-orchestrator/internal/protocol"
)

// Searcher finds one bird recording matching the region filter.
// An empty result set is (nil, nil), never an error: having nothing to
// play is a normal condition, not a fault.
type Searcher interface {
	Search(ctx context.Context, region string) (*protocol.Bird, error)
}

// pickDecay is the per-rank survival probability of the weighted pick:
// each rank keeps roughly 70% of the previous rank's weight, so
// earlier-ranked (higher quality, more recent) recordings are favored
// without ever shutting lower ranks out.
const pickDecay = 0.7

// WeightedPick returns a random index in [0, n) with geometrically
// decaying weights, favoring earlier ranks. Returns -1 when n <= 0.
func WeightedPick(n int, rnd *rand.Rand) int {
	if n <= 0 {
		return -1
	}
	for i := 0; i < n-1; i++ {
		if rnd.Float64() > pickDecay {
			return i
		}
	}
	return n - 1
}

// NoResultBird is the Bird-shaped sentinel surfaced to the user when the
// collaborator has nothing for the current filter. Only Message is set.
func NoResultBird(region string) *protocol.Bird {
	msg := "No recordings found right now. Wait a moment and try again."
	if region != "" {
		msg = "No recordings found for this region. Try another region or clear the filter."
	}
	return &protocol.Bird{Message: msg}
}
