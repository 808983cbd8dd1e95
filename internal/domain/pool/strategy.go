package pool

import (
	"fmt"
	"sync/atomic"
)

// candidate is the load view a strategy picks from. Candidates appear
// in stable registration order so rotation is deterministic.
type candidate struct {
	id        string
	active    int
	errorRate float64
	ewmaMs    float64
}

// Strategy picks one backend among the qualifying candidates. The
// slice is never empty. Implementations must be safe for concurrent use.
type Strategy interface {
	Name() string
	Pick(candidates []candidate) candidate
}

// NewStrategy resolves a strategy by its configuration name. The
// choice is made once at construction; selection never dispatches on
// the name again.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "round-robin":
		return &roundRobin{}, nil
	case "least-connections":
		return leastConnections{}, nil
	case "lowest-load":
		return lowestLoad{}, nil
	case "fastest-response":
		return fastestResponse{}, nil
	default:
		return nil, fmt.Errorf("unknown load-balancing strategy %q", name)
	}
}

// roundRobin rotates through the qualifying set. The rotation index
// persists across calls, including calls where the set shrank.
type roundRobin struct {
	next atomic.Uint64
}

func (r *roundRobin) Name() string { return "round-robin" }

func (r *roundRobin) Pick(candidates []candidate) candidate {
	n := r.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

// leastConnections picks the backend with the fewest active
// connections, first encountered on ties.
type leastConnections struct{}

func (leastConnections) Name() string { return "least-connections" }

func (leastConnections) Pick(candidates []candidate) candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.active < best.active {
			best = c
		}
	}
	return best
}

// lowestLoad picks the backend with the lowest estimated CPU proxy,
// derived from smoothed latency and error rate.
type lowestLoad struct{}

func (lowestLoad) Name() string { return "lowest-load" }

func (lowestLoad) Pick(candidates []candidate) candidate {
	best := candidates[0]
	bestScore := loadScore(best)
	for _, c := range candidates[1:] {
		if score := loadScore(c); score < bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

// loadScore estimates CPU pressure: smoothed latency inflated by the
// observed error rate.
func loadScore(c candidate) float64 {
	return c.ewmaMs * (1 + c.errorRate*10)
}

// fastestResponse picks the backend with the lowest exponentially
// smoothed response time.
type fastestResponse struct{}

func (fastestResponse) Name() string { return "fastest-response" }

func (fastestResponse) Pick(candidates []candidate) candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ewmaMs < best.ewmaMs {
			best = c
		}
	}
	return best
}
