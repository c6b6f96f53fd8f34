package tier

import (
	"sync"
	"sync/atomic"
)

// Strategy picks which available tier index to try first out of the
// candidates slice (already filtered to available==true, in ascending
// priority order: Direct, QueuedInternal, FilesystemFallback). Returns -1
// if candidates is empty. Whatever the strategy picks, the dispatcher's
// cascade logic still walks the remaining candidates in priority order if
// the chosen one fails.
type Strategy func(candidates []*state) int

// state is one tier's live selection-time view: its configured weight and
// current health, enough for every strategy to score it without reaching
// into the dispatcher's internals.
type state struct {
	name   string
	weight int
	health *Health
	conns  *int64 // in-flight attempt counter, for LeastConnections
}

// RoundRobin cycles through candidates in order, one position per call.
func RoundRobin() Strategy {
	var counter uint64
	return func(candidates []*state) int {
		if len(candidates) == 0 {
			return -1
		}
		n := atomic.AddUint64(&counter, 1) - 1
		return int(n % uint64(len(candidates)))
	}
}

// WeightedRoundRobin picks the candidate with the highest
// weight-remaining counter, decrementing as it goes, per the classic
// smooth weighted round-robin algorithm.
func WeightedRoundRobin() Strategy {
	var mu sync.Mutex
	current := map[string]int{}
	return func(candidates []*state) int {
		if len(candidates) == 0 {
			return -1
		}
		mu.Lock()
		defer mu.Unlock()
		best := -1
		bestCurrent := -1
		total := 0
		for i, c := range candidates {
			current[c.name] += c.weight
			total += c.weight
			if current[c.name] > bestCurrent {
				bestCurrent = current[c.name]
				best = i
			}
		}
		if best >= 0 {
			current[candidates[best].name] -= total
		}
		return best
	}
}

// LeastConnections picks the candidate with the fewest in-flight attempts.
func LeastConnections() Strategy {
	return func(candidates []*state) int {
		if len(candidates) == 0 {
			return -1
		}
		best := 0
		bestConns := atomic.LoadInt64(candidates[0].conns)
		for i := 1; i < len(candidates); i++ {
			c := atomic.LoadInt64(candidates[i].conns)
			if c < bestConns {
				bestConns = c
				best = i
			}
		}
		return best
	}
}

// PerformanceBased picks the candidate with the best health score
// (success rate; on equal rates the earlier, higher-priority candidate
// wins). This is the default strategy.
func PerformanceBased() Strategy {
	return func(candidates []*state) int {
		if len(candidates) == 0 {
			return -1
		}
		best := 0
		bestScore := candidates[0].health.snapshot().SuccessRate
		for i := 1; i < len(candidates); i++ {
			score := candidates[i].health.snapshot().SuccessRate
			if score > bestScore {
				bestScore = score
				best = i
			}
		}
		return best
	}
}

// Adaptive switches between PerformanceBased under normal conditions and
// RoundRobin once every candidate's success rate has degraded below
// adaptiveDegradedThreshold, spreading load rather than hammering
// whichever tier looks marginally best when all of them are struggling.
func Adaptive() Strategy {
	perf := PerformanceBased()
	rr := RoundRobin()
	return func(candidates []*state) int {
		if len(candidates) == 0 {
			return -1
		}
		allDegraded := true
		for _, c := range candidates {
			if c.health.snapshot().SuccessRate >= adaptiveDegradedThreshold {
				allDegraded = false
				break
			}
		}
		if allDegraded {
			return rr(candidates)
		}
		return perf(candidates)
	}
}

const adaptiveDegradedThreshold = 0.7
