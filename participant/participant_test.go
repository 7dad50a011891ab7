package participant

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paxosnet/netsim"
	"paxosnet/paxos"
	"paxosnet/transport"
)

// fakeTransport implements Sender entirely in-memory, delivering sent
// messages directly into the target's inbound channel. It stands in for
// transport.Transport so tests can exercise the full C5->C4 dispatch path
// without opening real sockets.
type fakeTransport struct {
	id       string
	peers    []string
	registry map[string]*fakeTransport
	inbound  chan transport.Inbound
}

func newCluster(ids []string) map[string]*fakeTransport {
	registry := make(map[string]*fakeTransport, len(ids))
	for _, id := range ids {
		registry[id] = &fakeTransport{id: id, registry: registry, inbound: make(chan transport.Inbound, 256)}
	}
	for _, id := range ids {
		var peers []string
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		registry[id].peers = peers
	}
	return registry
}

func (f *fakeTransport) Send(peer string, msg paxos.Message) error {
	target, ok := f.registry[peer]
	if !ok {
		return fmt.Errorf("fakeTransport: unknown peer %q", peer)
	}
	target.inbound <- transport.Inbound{Message: msg, From: f.id}
	return nil
}

func (f *fakeTransport) Broadcast(msg paxos.Message) int {
	sent := 0
	for _, p := range f.peers {
		if err := f.Send(p, msg); err == nil {
			sent++
		}
	}
	return sent
}

func (f *fakeTransport) Peers() []string               { return f.peers }
func (f *fakeTransport) Inbound() <-chan transport.Inbound { return f.inbound }
func (f *fakeTransport) Stop()                          {}

func buildParticipants(t *testing.T, ids []string, profile netsim.Profile) map[string]*Participant {
	t.Helper()
	registry := newCluster(ids)
	quorum := len(ids)/2 + 1
	parts := make(map[string]*Participant, len(ids))
	for i, id := range ids {
		model := netsim.New(profile, int64(i+1))
		pt, err := New(id, registry[id].peers, quorum, registry[id], model, int64(i+1))
		require.NoError(t, err)
		pt.Start()
		parts[id] = pt
	}
	t.Cleanup(func() {
		for _, pt := range parts {
			pt.Stop()
		}
	})
	return parts
}

// TestIdealNetworkDecision is scenario 1 from §8, scaled down for test
// speed: every peer eventually learns the proposed value under a
// lossless profile.
func TestIdealNetworkDecision(t *testing.T) {
	ids := []string{"M1", "M2", "M3", "M4", "M5"}
	parts := buildParticipants(t, ids, netsim.Reliable)

	outcome := parts["M3"].Propose("M7")
	require.True(t, outcome.Accepted)

	for _, id := range ids {
		pt := parts[id]
		require.Eventually(t, func() bool {
			return pt.HasLearned()
		}, 2*time.Second, 5*time.Millisecond, "peer %s never learned", id)
		value, ok := pt.LearnedValue()
		require.True(t, ok)
		require.Equal(t, "M7", value)
	}
}

// TestDuelingProposersAgree is scenario 2 from §8: two concurrent
// proposals must converge on one of the two values cluster-wide.
func TestDuelingProposersAgree(t *testing.T) {
	ids := []string{"M1", "M2", "M3", "M4", "M5"}
	parts := buildParticipants(t, ids, netsim.Standard)

	go parts["M1"].Propose("M1")
	go parts["M2"].Propose("M2")

	for _, id := range ids {
		pt := parts[id]
		require.Eventually(t, func() bool {
			return pt.HasLearned()
		}, 5*time.Second, 10*time.Millisecond, "peer %s never learned", id)
	}

	values := make(map[string]bool)
	for _, id := range ids {
		value, ok := parts[id].LearnedValue()
		require.True(t, ok)
		values[value] = true
	}
	require.Len(t, values, 1, "all peers must agree on the same decided value")
}

func TestProposeRejectedWhenAlreadyDecided(t *testing.T) {
	ids := []string{"M1", "M2", "M3"}
	parts := buildParticipants(t, ids, netsim.Reliable)

	outcome := parts["M1"].Propose("first")
	require.True(t, outcome.Accepted)
	require.Eventually(t, func() bool { return parts["M1"].HasLearned() }, 2*time.Second, 5*time.Millisecond)

	outcome = parts["M1"].Propose("second")
	require.False(t, outcome.Accepted)
	require.Equal(t, "already decided", outcome.Reason)
}

func TestProposeRejectedWhileAttemptActive(t *testing.T) {
	ids := []string{"M1", "M2", "M3"}
	registry := newCluster(ids)
	// A stopped model drops every send, which keeps the first attempt from
	// ever resolving, so its phase stays PHASE_1 and a second Propose is
	// rejected instead of racing to decide first.
	model := netsim.New(netsim.Reliable, 1)
	model.Stop()
	pt, err := New("M1", registry["M1"].peers, 2, registry["M1"], model, 1)
	require.NoError(t, err)
	pt.Start()
	t.Cleanup(pt.Stop)

	outcome := pt.Propose("A")
	require.True(t, outcome.Accepted)

	outcome = pt.Propose("B")
	require.False(t, outcome.Accepted)
	require.Equal(t, "active proposal exists", outcome.Reason)
}

// TestProposerOwnVoteCountsTowardQuorum guards against the proposer never
// engaging its own acceptor: with N=2, Q=2, a proposer that did not count
// its own PREPARE/ACCEPT_REQUEST vote could gather only the other peer's
// vote (1 < Q=2) and would never decide.
func TestProposerOwnVoteCountsTowardQuorum(t *testing.T) {
	ids := []string{"M1", "M2"}
	registry := newCluster(ids)
	parts := make(map[string]*Participant, len(ids))
	for i, id := range ids {
		model := netsim.New(netsim.Reliable, int64(i+1))
		pt, err := New(id, registry[id].peers, 2, registry[id], model, int64(i+1))
		require.NoError(t, err)
		pt.Start()
		parts[id] = pt
	}
	t.Cleanup(func() {
		for _, pt := range parts {
			pt.Stop()
		}
	})

	outcome := parts["M1"].Propose("solo")
	require.True(t, outcome.Accepted)

	for _, id := range ids {
		pt := parts[id]
		require.Eventually(t, func() bool {
			return pt.HasLearned()
		}, 2*time.Second, 5*time.Millisecond, "peer %s never learned", id)
	}
}

// TestProposerMajoritySideDecidesUsingOwnVote is scenario 3 from §8: a
// proposer on the majority side of a partition, N=9 Q=5, must still be able
// to decide using its own vote plus the rest of its own side (5 = Q), while
// the minority side can never reach quorum regardless of self-voting.
func TestProposerMajoritySideDecidesUsingOwnVote(t *testing.T) {
	ids := []string{"M1", "M2", "M3", "M4", "M5", "M6", "M7", "M8", "M9"}
	registry := newCluster(ids)
	minority := map[string]bool{"M1": true, "M2": true, "M3": true, "M4": true}
	majority := []string{"M5", "M6", "M7", "M8", "M9"}

	quorum := 5
	parts := make(map[string]*Participant, len(ids))
	for i, id := range ids {
		model := netsim.New(netsim.Reliable, int64(i+1))
		var peers []string
		for _, other := range registry[id].peers {
			if minority[id] == minority[other] {
				peers = append(peers, other)
			}
		}
		registry[id].peers = peers
		pt, err := New(id, peers, quorum, registry[id], model, int64(i+1))
		require.NoError(t, err)
		pt.Start()
		parts[id] = pt
	}
	t.Cleanup(func() {
		for _, pt := range parts {
			pt.Stop()
		}
	})

	outcome := parts["M6"].Propose("M8")
	require.True(t, outcome.Accepted)

	for _, id := range majority {
		pt := parts[id]
		require.Eventually(t, func() bool {
			return pt.HasLearned()
		}, 2*time.Second, 5*time.Millisecond, "peer %s never learned", id)
		value, ok := pt.LearnedValue()
		require.True(t, ok)
		require.Equal(t, "M8", value)
	}
	for id := range minority {
		require.False(t, parts[id].HasLearned(), "minority-side peer %s must not decide", id)
	}
}

func TestResetClearsProposerNotDecision(t *testing.T) {
	ids := []string{"M1", "M2", "M3"}
	parts := buildParticipants(t, ids, netsim.Reliable)

	parts["M1"].Propose("value")
	require.Eventually(t, func() bool { return parts["M1"].HasLearned() }, 2*time.Second, 5*time.Millisecond)

	parts["M1"].Reset()
	require.True(t, parts["M1"].HasLearned(), "reset must not clear a learned decision")
}
