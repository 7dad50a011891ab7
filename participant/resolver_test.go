package participant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paxosnet/paxos"
)

func TestResolverYieldsToHigherConflict(t *testing.T) {
	r := NewResolver(1)
	r.Observe(paxos.ProposalNumber{Counter: 5, Ordinal: 2}, 2, false)

	verdict := r.Evaluate(paxos.ProposalNumber{Counter: 3, Ordinal: 1}, 1, time.Now())
	require.Equal(t, Yield, verdict)
}

func TestResolverBacksOffOnThreeConcurrentConflicts(t *testing.T) {
	r := NewResolver(2)
	mine := paxos.ProposalNumber{Counter: 10, Ordinal: 1}
	r.Observe(paxos.ProposalNumber{Counter: 1, Ordinal: 2}, 2, false)
	r.Observe(paxos.ProposalNumber{Counter: 2, Ordinal: 3}, 3, false)
	r.Observe(paxos.ProposalNumber{Counter: 3, Ordinal: 4}, 4, false)

	verdict := r.Evaluate(mine, 1, time.Now())
	require.Equal(t, Backoff, verdict)
}

func TestResolverBacksOffOnStaleConflict(t *testing.T) {
	r := NewResolver(3)
	r.window = append(r.window, attempt{
		number:   paxos.ProposalNumber{Counter: 1, Ordinal: 2},
		ordinal:  2,
		observed: time.Now().Add(-2 * time.Second),
	})

	mine := paxos.ProposalNumber{Counter: 10, Ordinal: 1}
	verdict := r.Evaluate(mine, 1, time.Now())
	require.Equal(t, Backoff, verdict)
}

func TestResolverContinuesWithNoConflicts(t *testing.T) {
	r := NewResolver(4)
	verdict := r.Evaluate(paxos.ProposalNumber{Counter: 1, Ordinal: 1}, 1, time.Now())
	require.Equal(t, Continue, verdict)
}

func TestBackoffGrowsAndResets(t *testing.T) {
	r := NewResolver(5)
	first := r.NextBackoff()
	second := r.NextBackoff()
	require.GreaterOrEqual(t, second, first, "backoff grows monotonically between retries")

	r.ResetBackoff()
	reset := r.NextBackoff()
	require.LessOrEqual(t, reset, second, "a reset backoff starts over from the 100ms floor")
}

func TestNextCounterJumpsAheadUnderConflict(t *testing.T) {
	r := NewResolver(6)
	first := r.NextCounter(1)
	require.Equal(t, 1, first)

	// A foreign attempt observed now makes the next allocation contended.
	r.Observe(paxos.ProposalNumber{Counter: 99, Ordinal: 2}, 2, false)
	second := r.NextCounter(1)
	require.Greater(t, second, 2, "a recent conflict must bump the counter by U[1,10]")
}
