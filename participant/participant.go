// Package participant drives the Paxos protocol phases for one peer,
// integrating the message codec, transport, network-behavior model, and
// state manager, and applying the embedded conflict resolver (§4.5).
package participant

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"paxosnet/netsim"
	"paxosnet/paxos"
	"paxosnet/transport"
)

// Sender is the subset of transport.Transport the façade depends on,
// narrowed so tests can substitute a fake.
type Sender interface {
	Send(peer string, msg paxos.Message) error
	Broadcast(msg paxos.Message) int
	Peers() []string
	Inbound() <-chan transport.Inbound
	Stop()
}

// Outcome is the result of a Propose call.
type Outcome struct {
	Accepted bool
	Reason   string
}

// Participant is the C5 façade: one peer's propose/on_inbound/stop/reset
// surface.
type Participant struct {
	id      string
	ordinal int
	quorum  int

	instance *paxos.Instance
	resolver *Resolver
	transport Sender
	netsim    *netsim.Model

	mu          sync.Mutex
	phaseTimer  *time.Timer
	stopped     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	pendingRetries map[string]*time.Timer

	conditionTicker *time.Ticker
}

// New builds a Participant for peerID with the given quorum size, sender,
// netsim model, and a seed for the embedded resolver's RNG. The peers
// argument is not stored: broadcasts go to sender.Peers().
func New(peerID string, peers []string, quorum int, sender Sender, model *netsim.Model, seed int64) (*Participant, error) {
	ordinal, err := paxos.PeerOrdinal(peerID)
	if err != nil {
		return nil, err
	}
	return &Participant{
		id:             peerID,
		ordinal:        ordinal,
		quorum:         quorum,
		instance:       paxos.NewInstance(peerID),
		resolver:       NewResolver(seed),
		transport:      sender,
		netsim:         model,
		stopCh:         make(chan struct{}),
		pendingRetries: make(map[string]*time.Timer),
	}, nil
}

// Start launches the dispatch thread that drains the transport's inbound
// queue in FIFO arrival order (§5), plus the netsim model's periodic
// condition tick that drives LATENT/FAILURE's spontaneous condition draws
// (§4.3, §5).
func (p *Participant) Start() {
	p.wg.Add(1)
	go p.dispatchLoop()
	p.conditionTicker = p.netsim.StartConditionTicker()
}

func (p *Participant) dispatchLoop() {
	defer p.wg.Done()
	for {
		select {
		case in, ok := <-p.transport.Inbound():
			if !ok {
				return
			}
			p.onInbound(in.Message)
		case <-p.stopCh:
			return
		}
	}
}

// Propose attempts to have value elected (§4.5). It allocates a proposal
// number via the embedded resolver, consults the conflict-resolution
// strategies, and — on acceptance — starts phase 1 and broadcasts PREPARE.
func (p *Participant) Propose(value string) Outcome {
	if p.instance.HasLearned() {
		return Outcome{Accepted: false, Reason: "already decided"}
	}
	switch p.instance.Phase() {
	case paxos.Phase1, paxos.Phase2:
		return Outcome{Accepted: false, Reason: "active proposal exists"}
	}

	counter := p.resolver.NextCounter(p.ordinal)
	number := paxos.ProposalNumber{Counter: counter, Ordinal: p.ordinal}
	start := time.Now()

	switch p.resolver.Evaluate(number, p.ordinal, start) {
	case Yield:
		return Outcome{Accepted: false, Reason: "yielded to a higher-numbered conflicting proposal"}
	case Abort:
		return Outcome{Accepted: false, Reason: "aborted by conflict resolver"}
	case Backoff:
		delay := p.resolver.NextBackoff()
		p.scheduleRetry(value, delay)
		return Outcome{Accepted: false, Reason: fmt.Sprintf("backing off %s before retrying", delay)}
	}

	p.resolver.Observe(number, p.ordinal, true)
	if !p.instance.StartPhase1(number, value) {
		log.Printf("[invariant] %s: start_phase_1 rejected in phase %s\n", p.id, p.instance.Phase())
		return Outcome{Accepted: false, Reason: "invalid phase for new proposal"}
	}
	p.armPhaseTimeout()

	msg := paxos.Message{Kind: paxos.Prepare, Sender: p.id, Number: number}
	// A peer is proposer and acceptor at once (§2): feed the PREPARE into
	// our own acceptor so our own vote counts toward quorum, the same as
	// any other peer's. Without this a proposer can gather at most N-1
	// promises, which a majority partition excluding the proposer's own
	// vote can fall short of.
	p.selfPromise(msg)
	p.broadcast(msg)
	return Outcome{Accepted: true}
}

// selfPromise runs a locally originated PREPARE through this peer's own
// acceptor and folds the resulting (self-)PROMISE into the proposer's
// promise set, exactly as handlePromise does for an inbound PROMISE.
func (p *Participant) selfPromise(msg paxos.Message) {
	reply, ok := p.instance.OnPrepare(msg.Number)
	if !ok {
		return
	}
	outcome := p.instance.OnPromise(p.id, reply.PriorNumber, reply.PriorValue, p.quorum)
	if outcome == paxos.PromiseQuorumReached {
		p.enterPhase2()
	}
}

// selfAccept runs a locally originated ACCEPT_REQUEST through this peer's
// own acceptor and folds the resulting (self-)ACCEPTED into the proposer's
// accept set, exactly as handleAccepted does for an inbound ACCEPTED.
func (p *Participant) selfAccept(msg paxos.Message) {
	if msg.Value == nil {
		return
	}
	if !p.instance.OnAcceptRequest(msg.Number, *msg.Value) {
		return
	}
	p.recordAcceptedObservation(msg.Number, *msg.Value, p.id)
	outcome, number, value := p.instance.OnAccepted(p.id, p.quorum)
	if outcome == paxos.AcceptDecided {
		p.onDecided(number, value)
	}
}

// enterPhase2 sends ACCEPT_REQUEST once the proposer's promise set reaches
// quorum, self-accepting first so the proposer's own vote is counted
// alongside whatever inbound ACCEPTED messages follow.
func (p *Participant) enterPhase2() {
	number, value, ok := p.instance.CurrentProposal()
	if !ok {
		return
	}
	p.armPhaseTimeout()
	val := value
	out := paxos.Message{Kind: paxos.AcceptRequest, Sender: p.id, Number: number, Value: &val}
	p.selfAccept(out)
	p.broadcast(out)
}

// onDecided broadcasts LEARN once the proposer's accept set reaches
// quorum, shared by both the self-accept and inbound-ACCEPTED paths.
func (p *Participant) onDecided(number paxos.ProposalNumber, value string) {
	p.resolver.ResetBackoff()
	val := value
	out := paxos.Message{Kind: paxos.Learn, Sender: p.id, Number: number, Value: &val}
	p.broadcast(out)
}

func (p *Participant) scheduleRetry(value string, delay time.Duration) {
	attemptID := uuid.New().String()
	timer := time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.pendingRetries, attemptID)
		stopped := p.stopped
		p.mu.Unlock()
		if !stopped {
			p.Propose(value)
		}
	})
	p.mu.Lock()
	p.pendingRetries[attemptID] = timer
	p.mu.Unlock()
}

func (p *Participant) armPhaseTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phaseTimer != nil {
		p.phaseTimer.Stop()
	}
	p.phaseTimer = time.AfterFunc(paxos.AttemptTimeout, func() {
		p.instance.Timeout()
	})
}

// onInbound dispatches one decoded message to the state manager, then
// emits whatever outbound messages the transition requires (§4.5).
func (p *Participant) onInbound(msg paxos.Message) {
	if senderOrdinal, err := paxos.PeerOrdinal(msg.Sender); err == nil {
		switch msg.Kind {
		case paxos.Prepare, paxos.AcceptRequest:
			p.resolver.Observe(msg.Number, senderOrdinal, false)
		}
	}

	switch msg.Kind {
	case paxos.Prepare:
		p.handlePrepare(msg)
	case paxos.Promise:
		p.handlePromise(msg)
	case paxos.AcceptRequest:
		p.handleAcceptRequest(msg)
	case paxos.Accepted:
		p.handleAccepted(msg)
	case paxos.Learn:
		p.handleLearn(msg)
	default:
		log.Printf("[invariant] %s: unknown message kind %q dropped\n", p.id, msg.Kind)
	}
}

func (p *Participant) handlePrepare(msg paxos.Message) {
	reply, ok := p.instance.OnPrepare(msg.Number)
	if !ok {
		return
	}
	out := paxos.Message{Kind: paxos.Promise, Sender: p.id, Number: msg.Number}
	if reply.PriorNumber != nil {
		out.PriorNumber = reply.PriorNumber
		out.PriorValue = reply.PriorValue
	}
	p.send(msg.Sender, out)
}

func (p *Participant) handlePromise(msg paxos.Message) {
	outcome := p.instance.OnPromise(msg.Sender, msg.PriorNumber, msg.PriorValue, p.quorum)
	if outcome == paxos.PromiseQuorumReached {
		p.enterPhase2()
	}
}

func (p *Participant) handleAcceptRequest(msg paxos.Message) {
	if msg.Value == nil {
		log.Printf("[invariant] %s: ACCEPT_REQUEST without value dropped\n", p.id)
		return
	}
	if !p.instance.OnAcceptRequest(msg.Number, *msg.Value) {
		return
	}
	val := *msg.Value
	out := paxos.Message{Kind: paxos.Accepted, Sender: p.id, Number: msg.Number, Value: &val}
	// The acceptor doubles as a learner notifier: reply to the proposer
	// and broadcast the same ACCEPTED to every peer (§4.4).
	p.send(msg.Sender, out)
	p.broadcast(out)

	p.recordAcceptedObservation(msg.Number, *msg.Value, p.id)
}

func (p *Participant) handleAccepted(msg paxos.Message) {
	if msg.Value != nil {
		p.recordAcceptedObservation(msg.Number, *msg.Value, msg.Sender)
	}

	outcome, number, value := p.instance.OnAccepted(msg.Sender, p.quorum)
	if outcome == paxos.AcceptDecided {
		p.onDecided(number, value)
	}
}

func (p *Participant) handleLearn(msg paxos.Message) {
	if msg.Value == nil {
		log.Printf("[invariant] %s: LEARN without value dropped\n", p.id)
		return
	}
	p.instance.OnLearn(msg.Number, *msg.Value)
}

func (p *Participant) recordAcceptedObservation(n paxos.ProposalNumber, v string, acceptor string) {
	p.instance.OnAcceptedObserved(n, v, acceptor, p.quorum)
}

// send evaluates the outbound message against the network-behavior model
// before handing it to the transport, applying the simulated latency as a
// blocking sleep on the calling goroutine (§4.3, §5).
func (p *Participant) send(peer string, msg paxos.Message) {
	decision := p.netsim.Evaluate(peer, len(paxos.Encode(msg)))
	if !decision.Deliver {
		return
	}
	if decision.Latency > 0 {
		time.Sleep(decision.Latency)
	}
	if err := p.transport.Send(peer, msg); err != nil {
		log.Printf("[%s] send to %s failed: %v\n", p.id, peer, err)
	}
}

// broadcast sends msg to every known peer except self, each independently
// evaluated by the network-behavior model, and returns the count handed to
// the OS.
func (p *Participant) broadcast(msg paxos.Message) int {
	sent := 0
	for _, peer := range p.transport.Peers() {
		decision := p.netsim.Evaluate(peer, len(paxos.Encode(msg)))
		if !decision.Deliver {
			continue
		}
		if decision.Latency > 0 {
			time.Sleep(decision.Latency)
		}
		if err := p.transport.Send(peer, msg); err != nil {
			log.Printf("[%s] broadcast to %s failed: %v\n", p.id, peer, err)
			continue
		}
		sent++
	}
	return sent
}

// Stop releases all timers and closes the transport, cooperatively
// signalling all threads (§5). It awaits the dispatch loop.
func (p *Participant) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.phaseTimer != nil {
		p.phaseTimer.Stop()
	}
	if p.conditionTicker != nil {
		p.conditionTicker.Stop()
	}
	for _, t := range p.pendingRetries {
		t.Stop()
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.transport.Stop()
}

// Reset resets proposer state only; acceptor and learner state persist
// (§4.4).
func (p *Participant) Reset() {
	p.instance.Reset()
}

// HasLearned reports whether this peer has learned a decision.
func (p *Participant) HasLearned() bool {
	return p.instance.HasLearned()
}

// LearnedValue returns the learned value, if any.
func (p *Participant) LearnedValue() (string, bool) {
	return p.instance.LearnedValue()
}

// Stats is a snapshot of the Paxos-level state, for the "stats" REPL verb.
type Stats struct {
	Phase         string
	PromiseCount  int
	AcceptCount   int
	HasLearned    bool
	LearnedValue  string
}

// Stats returns a snapshot of the Paxos-level state.
func (p *Participant) Stats() Stats {
	value, learned := p.instance.LearnedValue()
	return Stats{
		Phase:        p.instance.Phase().String(),
		PromiseCount: p.instance.PromiseCount(),
		AcceptCount:  p.instance.AcceptCount(),
		HasLearned:   learned,
		LearnedValue: value,
	}
}

// Metrics returns the network-behavior model's counters, for the
// "metrics" REPL verb.
func (p *Participant) Metrics() netsim.Counters {
	return p.netsim.Metrics()
}

// Events returns the last n network-behavior events, for the "events"
// REPL verb.
func (p *Participant) Events(n int) []netsim.Event {
	return p.netsim.Events(n)
}

// SetProfile changes the active network-behavior profile.
func (p *Participant) SetProfile(profile netsim.Profile) {
	p.netsim.SetProfile(profile)
}

// SimulatePartition partitions this peer from the named peers for duration.
func (p *Participant) SimulatePartition(peers []string, duration time.Duration) {
	p.netsim.SimulatePartition(peers, duration)
}

// SimulateOffline takes this peer fully offline for duration.
func (p *Participant) SimulateOffline(duration time.Duration) {
	p.netsim.SimulateOffline(duration)
}

// BeginNewRound archives the current decided instance and installs fresh
// proposer and learner state, preserving learned values via the archive;
// acceptor state carries over. Kept callable per
// §4.4 even though the in-scope single-decree façade never calls it.
func (p *Participant) BeginNewRound() {
	p.instance.BeginNewRound()
}
