package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paxosnet/paxos"
)

func TestSendAndReceiveOverLoopback(t *testing.T) {
	dir := Directory{
		"M1": {Host: "127.0.0.1", Port: 19101},
		"M2": {Host: "127.0.0.1", Port: 19102},
	}

	t1 := New("M1", dir)
	require.NoError(t, t1.Listen())
	defer t1.Stop()

	t2 := New("M2", dir)
	require.NoError(t, t2.Listen())
	defer t2.Stop()

	num := paxos.ProposalNumber{Counter: 1, Ordinal: 1}
	msg := paxos.Message{Kind: paxos.Prepare, Sender: "M1", Number: num}
	require.NoError(t, t1.Send("M2", msg))

	select {
	case in := <-t2.Inbound():
		require.Equal(t, msg, in.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestBroadcastCountsSuccessfulSends(t *testing.T) {
	dir := Directory{
		"M1": {Host: "127.0.0.1", Port: 19111},
		"M2": {Host: "127.0.0.1", Port: 19112},
		"M3": {Host: "127.0.0.1", Port: 19113},
	}

	peers := make(map[string]*Transport)
	for id := range dir {
		tr := New(id, dir)
		require.NoError(t, tr.Listen())
		peers[id] = tr
	}
	defer func() {
		for _, tr := range peers {
			tr.Stop()
		}
	}()

	msg := paxos.Message{Kind: paxos.Prepare, Sender: "M1", Number: paxos.ProposalNumber{Counter: 1, Ordinal: 1}}
	sent := peers["M1"].Broadcast(msg)
	require.Equal(t, 2, sent)
}

func TestSendToUnknownPeerFails(t *testing.T) {
	dir := Directory{
		"M1": {Host: "127.0.0.1", Port: 19121},
		"M2": {Host: "127.0.0.1", Port: 19122},
	}
	tr := New("M1", dir)
	require.NoError(t, tr.Listen())
	defer tr.Stop()

	err := tr.Send("M9", paxos.Message{Kind: paxos.Prepare, Sender: "M1"})
	require.Error(t, err)
}
