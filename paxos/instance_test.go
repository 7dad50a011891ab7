package paxos

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartPhase1OnlyFromIdleOrFailed(t *testing.T) {
	in := NewInstance("M1")
	n1 := ProposalNumber{Counter: 1, Ordinal: 1}
	require.True(t, in.StartPhase1(n1, "A"))
	require.Equal(t, Phase1, in.Phase())

	n2 := ProposalNumber{Counter: 2, Ordinal: 1}
	require.False(t, in.StartPhase1(n2, "B"))
}

func TestPromiseQuorumTransitionsToPhase2(t *testing.T) {
	in := NewInstance("M1")
	n := ProposalNumber{Counter: 1, Ordinal: 1}
	in.StartPhase1(n, "A")

	require.Equal(t, PromiseRecorded, in.OnPromise("M2", nil, nil, 2))
	require.Equal(t, Phase1, in.Phase())

	require.Equal(t, PromiseQuorumReached, in.OnPromise("M3", nil, nil, 2))
	require.Equal(t, Phase2, in.Phase())
}

func TestPromiseAdoptsHighestPriorNotMostRecent(t *testing.T) {
	in := NewInstance("M1")
	n := ProposalNumber{Counter: 5, Ordinal: 1}
	in.StartPhase1(n, "mine")

	lower := ProposalNumber{Counter: 2, Ordinal: 1}
	higher := ProposalNumber{Counter: 3, Ordinal: 1}
	lowerVal := "low"
	higherVal := "high"

	// Lower prior arrives first...
	in.OnPromise("M2", &lower, &lowerVal, 3)
	// ...then the higher prior, which must win regardless of arrival order.
	in.OnPromise("M3", &higher, &higherVal, 3)
	// A third, even lower prior arrives last and must not override "high".
	evenLower := ProposalNumber{Counter: 1, Ordinal: 1}
	evenLowerVal := "lowest"
	outcome := in.OnPromise("M4", &evenLower, &evenLowerVal, 3)

	require.Equal(t, PromiseQuorumReached, outcome)
	number, value, ok := in.CurrentProposal()
	require.True(t, ok)
	require.Equal(t, n, number, "current proposal number is unchanged by adoption")
	require.Equal(t, "high", value)
}

func TestAcceptQuorumDecides(t *testing.T) {
	in := NewInstance("M1")
	n := ProposalNumber{Counter: 1, Ordinal: 1}
	in.StartPhase1(n, "A")
	in.OnPromise("M2", nil, nil, 2)
	in.OnPromise("M3", nil, nil, 2)

	outcome, _, _ := in.OnAccepted("M2", 2)
	require.Equal(t, AcceptRecorded, outcome)

	outcome, number, value := in.OnAccepted("M3", 2)
	require.Equal(t, AcceptDecided, outcome)
	require.Equal(t, n, number)
	require.Equal(t, "A", value)
	require.Equal(t, Decided, in.Phase())
}

func TestAcceptorInvariants(t *testing.T) {
	in := NewInstance("M1")
	n1 := ProposalNumber{Counter: 1, Ordinal: 1}
	reply, ok := in.OnPrepare(n1)
	require.True(t, ok)
	require.Nil(t, reply.PriorNumber)

	require.True(t, in.OnAcceptRequest(n1, "X"))

	snap := in.Acceptor()
	require.NotNil(t, snap.HighestAccepted)
	require.NotNil(t, snap.AcceptedValue)
	require.Equal(t, "X", *snap.AcceptedValue)
	require.True(t, CompareNumbers(*snap.HighestAccepted, *snap.HighestPromised) <= 0)

	// A lower-numbered PREPARE must be rejected, not regress state.
	lower := ProposalNumber{Counter: 0, Ordinal: 9}
	_, ok = in.OnPrepare(lower)
	require.False(t, ok)
}

func TestAcceptRequestCarriesPriorAcceptanceForward(t *testing.T) {
	in := NewInstance("M1")
	n1 := ProposalNumber{Counter: 1, Ordinal: 1}
	in.OnPrepare(n1)
	in.OnAcceptRequest(n1, "X")

	n2 := ProposalNumber{Counter: 2, Ordinal: 1}
	reply, ok := in.OnPrepare(n2)
	require.True(t, ok)
	require.NotNil(t, reply.PriorNumber)
	require.Equal(t, n1, *reply.PriorNumber)
	require.Equal(t, "X", *reply.PriorValue)
}

func TestLearnerDecidesOnQuorumAndNeverChanges(t *testing.T) {
	in := NewInstance("M1")
	n := ProposalNumber{Counter: 1, Ordinal: 1}

	require.Equal(t, LearnRecorded, in.OnAcceptedObserved(n, "A", "M1", 2))
	require.Equal(t, LearnDecided, in.OnAcceptedObserved(n, "A", "M2", 2))

	value, ok := in.LearnedValue()
	require.True(t, ok)
	require.Equal(t, "A", value)

	// A force-learn of a different value must not override the decision.
	n2 := ProposalNumber{Counter: 2, Ordinal: 2}
	in.OnLearn(n2, "B")
	value, _ = in.LearnedValue()
	require.Equal(t, "A", value)
}

func TestResetPreservesAcceptorAndLearnerButNotWhenDecided(t *testing.T) {
	in := NewInstance("M1")
	n := ProposalNumber{Counter: 1, Ordinal: 1}
	in.StartPhase1(n, "A")
	in.Reset()
	require.Equal(t, Idle, in.Phase())

	in.StartPhase1(n, "A")
	in.OnPromise("M2", nil, nil, 2)
	in.OnPromise("M3", nil, nil, 2)
	in.OnAccepted("M2", 2)
	in.OnAccepted("M3", 2)
	require.Equal(t, Decided, in.Phase())

	in.Reset()
	require.Equal(t, Decided, in.Phase(), "reset must not clear a DECIDED instance")
}

func TestTimeoutMovesPhase1OrPhase2ToFailed(t *testing.T) {
	in := NewInstance("M1")
	n := ProposalNumber{Counter: 1, Ordinal: 1}
	in.StartPhase1(n, "A")
	in.Timeout()
	require.Equal(t, Failed, in.Phase())

	// FAILED may retry via a new start_phase_1 with a strictly higher number.
	higher := ProposalNumber{Counter: 2, Ordinal: 1}
	require.True(t, in.StartPhase1(higher, "B"))
}

func TestBeginNewRoundArchivesAndResetsProposerAndLearner(t *testing.T) {
	in := NewInstance("M1")
	n := ProposalNumber{Counter: 1, Ordinal: 1}
	in.StartPhase1(n, "A")
	in.OnPromise("M2", nil, nil, 2)
	in.OnPromise("M3", nil, nil, 2)
	in.OnAccepted("M2", 2)
	in.OnAccepted("M3", 2)
	require.True(t, in.HasLearned())

	in.BeginNewRound()
	require.Equal(t, Idle, in.Phase())
	require.False(t, in.HasLearned())
}
