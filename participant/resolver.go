package participant

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"paxosnet/paxos"
)

// conflictWindow is the sliding window over which recently observed
// proposal attempts (own and foreign) are tracked (§4.5).
const conflictWindow = 10 * time.Second

// Verdict is the outcome of running the ordered strategy list against one
// proposal attempt.
type Verdict int

const (
	Continue Verdict = iota
	Yield
	Backoff
	Abort
)

// attempt is one observed proposal attempt, own or inferred from a
// foreign PREPARE/ACCEPT_REQUEST.
type attempt struct {
	number   paxos.ProposalNumber
	ordinal  int
	own      bool
	observed time.Time
}

// Resolver is the conflict-resolution and backoff layer embedded in the
// façade (§4.5). It tracks a sliding window of attempts and runs an
// ordered list of strategies whenever a new local proposal is about to
// start, and separately schedules exponential backoff with jitter.
type Resolver struct {
	mu      sync.Mutex
	window  []attempt
	rng     *rand.Rand
	counter atomic.Int64

	backoffMu sync.Mutex
	backoff   time.Duration
}

// NewResolver creates a Resolver seeded for deterministic tests (§9).
func NewResolver(seed int64) *Resolver {
	return &Resolver{
		rng:     rand.New(rand.NewSource(seed)),
		backoff: 100 * time.Millisecond,
	}
}

// NextCounter allocates the next proposal counter for a local attempt:
// the local counter is incremented by one and its new value taken (1 on
// the first call); if recent_conflicts>0 then counter += U[1,10]
// (§4.5 "propose"), which lets a contended peer escape livelock by
// jumping ahead of the number its last rival was using.
func (r *Resolver) NextCounter(myOrdinal int) int {
	counter := r.counter.Add(1)
	r.mu.Lock()
	recent := r.conflictsLocked(myOrdinal, time.Now())
	r.mu.Unlock()
	if len(recent) > 0 {
		counter += int64(1 + r.randIntn(10))
	}
	return int(counter)
}

func (r *Resolver) randIntn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

// Observe records a proposal attempt, own or inferred from an inbound
// PREPARE/ACCEPT_REQUEST from another peer, and evicts anything older than
// the sliding window.
func (r *Resolver) Observe(number paxos.ProposalNumber, ordinal int, own bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.window = append(r.window, attempt{number: number, ordinal: ordinal, own: own, observed: now})
	r.evictLocked(now)
}

func (r *Resolver) evictLocked(now time.Time) {
	cutoff := now.Add(-conflictWindow)
	kept := r.window[:0]
	for _, a := range r.window {
		if a.observed.After(cutoff) {
			kept = append(kept, a)
		}
	}
	r.window = kept
}

// conflictsLocked returns every attempt currently in the window except
// this peer's own ones (recorded with own set and carrying myOrdinal).
// Must be called with mu held.
func (r *Resolver) conflictsLocked(myOrdinal int, now time.Time) []attempt {
	r.evictLocked(now)
	var out []attempt
	for _, a := range r.window {
		if a.ordinal == myOrdinal && a.own {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Evaluate runs the ordered strategy list against my, a proposal about to
// be attempted, started at myStart. The first non-CONTINUE verdict wins
// (§4.5 "Conflict resolver"):
//
//  1. Any conflicting number strictly greater than mine → YIELD.
//  2. Any conflict with the same number and a lower peer_ordinal → BACKOFF
//     (defensive; unreachable under correct ordinal tiebreak).
//  3. Three or more concurrent conflicts → BACKOFF.
//  4. Any conflict that started at least 1s before mine → BACKOFF.
//  5. Otherwise CONTINUE.
func (r *Resolver) Evaluate(my paxos.ProposalNumber, myOrdinal int, myStart time.Time) Verdict {
	r.mu.Lock()
	conflicts := r.conflictsLocked(myOrdinal, time.Now())
	r.mu.Unlock()

	for _, c := range conflicts {
		if paxos.CompareNumbers(c.number, my) > 0 {
			return Yield
		}
	}
	for _, c := range conflicts {
		if c.number == my && c.ordinal < myOrdinal {
			return Backoff
		}
	}
	if len(conflicts) >= 3 {
		return Backoff
	}
	for _, c := range conflicts {
		if myStart.Sub(c.observed) >= time.Second {
			return Backoff
		}
	}
	return Continue
}

// NextBackoff returns the delay to wait before retrying and advances the
// internal backoff state: delay = current + U[0, current/2], then
// current <- min(current * 1.5, 5000ms) (§4.5 "Backoff").
func (r *Resolver) NextBackoff() time.Duration {
	r.backoffMu.Lock()
	defer r.backoffMu.Unlock()

	jitter := time.Duration(r.randIntn(int(r.backoff/2) + 1))
	delay := r.backoff + jitter

	next := time.Duration(float64(r.backoff) * 1.5)
	if next > 5*time.Second {
		next = 5 * time.Second
	}
	r.backoff = next
	return delay
}

// ResetBackoff restores the backoff state after a successful decision.
func (r *Resolver) ResetBackoff() {
	r.backoffMu.Lock()
	defer r.backoffMu.Unlock()
	r.backoff = 100 * time.Millisecond
}
