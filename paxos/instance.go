package paxos

import (
	"container/list"
	"log"
	"sync"
	"time"
)

// Phase is the lifecycle state of the proposer side of an Instance.
type Phase int

const (
	Idle Phase = iota
	Phase1
	Phase2
	Decided
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case Phase1:
		return "PHASE_1"
	case Phase2:
		return "PHASE_2"
	case Decided:
		return "DECIDED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// AttemptTimeout is the combined phase-1/phase-2 budget per proposal
// attempt (§4.4).
const AttemptTimeout = 5 * time.Second

// AcceptorState holds the per-peer acceptor bookkeeping. It persists for
// the life of the peer and is never reset by a round change.
type AcceptorState struct {
	HighestPromised *ProposalNumber
	HighestAccepted *ProposalNumber
	AcceptedValue   *string
}

// ProposerState holds the bookkeeping for one proposal attempt. StartPhase1
// fills it in and Reset clears it; it is left in place when the attempt
// reaches DECIDED or FAILED.
type ProposerState struct {
	CurrentNumber ProposalNumber
	CurrentValue  string
	PromiseSet    map[string]bool
	AcceptSet     map[string]bool
	AdoptedPrior  *adopted
}

type adopted struct {
	Number ProposalNumber
	Value  string
}

// LearnerState tracks what this peer has learned, independent of its own
// proposer activity.
type LearnerState struct {
	DecidedNumber   *ProposalNumber
	DecidedValue    *string
	AcceptedByProposal map[ProposalNumber]*acceptorSet
}

type acceptorSet struct {
	Value     string
	Acceptors map[string]bool
}

// Instance owns the acceptor, proposer, and learner roles for a single
// decree, guarded by a single lock per §5 (the roles share acceptor
// invariants that must be observed atomically).
type Instance struct {
	mu       sync.Mutex
	peerID   string
	phase    Phase
	acceptor AcceptorState
	proposer ProposerState
	learner  LearnerState

	history    *list.List // LRU of archived *decidedRound, most-recent at front
	historyMap map[ProposalNumber]*list.Element
}

type decidedRound struct {
	number ProposalNumber
	value  string
}

const historyCap = 100

// NewInstance creates an Instance starting in IDLE with empty acceptor and
// learner state.
func NewInstance(peerID string) *Instance {
	return &Instance{
		peerID:     peerID,
		phase:      Idle,
		history:    list.New(),
		historyMap: make(map[ProposalNumber]*list.Element),
		learner: LearnerState{
			AcceptedByProposal: make(map[ProposalNumber]*acceptorSet),
		},
	}
}

// Phase returns the current proposer phase.
func (in *Instance) Phase() Phase {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.phase
}

// StartPhase1 begins a new proposal attempt. Valid only from IDLE or
// FAILED (§4.4); returns false otherwise.
func (in *Instance) StartPhase1(number ProposalNumber, value string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.phase != Idle && in.phase != Failed {
		return false
	}
	in.proposer = ProposerState{
		CurrentNumber: number,
		CurrentValue:  value,
		PromiseSet:    make(map[string]bool),
		AcceptSet:     make(map[string]bool),
	}
	in.phase = Phase1
	return true
}

// PromiseOutcome reports the effect of a PROMISE on the proposer state.
type PromiseOutcome int

const (
	PromiseIgnored PromiseOutcome = iota
	PromiseRecorded
	PromiseQuorumReached
)

// OnPromise records a PROMISE from sender while in PHASE_1. If the
// promise carries a prior acceptance whose number exceeds the currently
// adopted one, that prior is adopted (§9: adopt the numerically highest
// PROMISE-carried prior proposal, never "most recently received"). When
// the promise set reaches quorum q the proposer transitions to PHASE_2,
// adopting the highest prior's value if any was adopted.
func (in *Instance) OnPromise(sender string, priorNumber *ProposalNumber, priorValue *string, q int) PromiseOutcome {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.phase != Phase1 {
		return PromiseIgnored
	}
	in.proposer.PromiseSet[sender] = true

	if priorNumber != nil && priorValue != nil {
		if in.proposer.AdoptedPrior == nil || CompareNumbers(*priorNumber, in.proposer.AdoptedPrior.Number) > 0 {
			in.proposer.AdoptedPrior = &adopted{Number: *priorNumber, Value: *priorValue}
		}
	}

	if len(in.proposer.PromiseSet) < q {
		return PromiseRecorded
	}

	if in.proposer.AdoptedPrior != nil {
		in.proposer.CurrentValue = in.proposer.AdoptedPrior.Value
	}
	in.phase = Phase2
	return PromiseQuorumReached
}

// AcceptOutcome reports the effect of an ACCEPTED on the proposer state.
type AcceptOutcome int

const (
	AcceptIgnored AcceptOutcome = iota
	AcceptRecorded
	AcceptDecided
)

// OnAccepted records an ACCEPTED from sender while in PHASE_2. When the
// accept set reaches quorum q the proposer transitions to DECIDED and the
// (number, value) pair becomes the local decision.
func (in *Instance) OnAccepted(sender string, q int) (AcceptOutcome, ProposalNumber, string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.phase != Phase2 {
		return AcceptIgnored, ProposalNumber{}, ""
	}
	in.proposer.AcceptSet[sender] = true

	if len(in.proposer.AcceptSet) < q {
		return AcceptRecorded, ProposalNumber{}, ""
	}

	number, value := in.proposer.CurrentNumber, in.proposer.CurrentValue
	in.phase = Decided
	if in.learner.DecidedValue == nil {
		decidedNumber, decidedValue := number, value
		in.learner.DecidedNumber = &decidedNumber
		in.learner.DecidedValue = &decidedValue
	}
	in.recordDecisionLocked(number, value)
	return AcceptDecided, number, value
}

// Timeout fires the per-attempt budget. If the proposer is still mid-flight
// it moves to FAILED; higher-layer retry is driven by the façade's backoff
// scheduler, not by this method.
func (in *Instance) Timeout() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.phase == Phase1 || in.phase == Phase2 {
		in.phase = Failed
		log.Printf("[%s] proposal %s timed out, moving to FAILED\n", in.peerID, in.proposer.CurrentNumber)
	}
}

// PromiseReply is what OnPrepare tells the façade to send back, or nil if
// the PREPARE was rejected.
type PromiseReply struct {
	PriorNumber *ProposalNumber
	PriorValue  *string
}

// OnPrepare is the acceptor's handling of an inbound PREPARE. It is
// independent of proposer phase and guarded by the same instance lock as
// every other acceptor mutation (§5).
func (in *Instance) OnPrepare(n ProposalNumber) (*PromiseReply, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.acceptor.HighestPromised != nil && CompareNumbers(n, *in.acceptor.HighestPromised) <= 0 {
		return nil, false
	}
	promised := n
	in.acceptor.HighestPromised = &promised

	reply := &PromiseReply{}
	if in.acceptor.HighestAccepted != nil {
		accepted := *in.acceptor.HighestAccepted
		reply.PriorNumber = &accepted
		reply.PriorValue = in.acceptor.AcceptedValue
	}
	return reply, true
}

// OnAcceptRequest is the acceptor's handling of an inbound ACCEPT_REQUEST.
func (in *Instance) OnAcceptRequest(n ProposalNumber, v string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.acceptor.HighestPromised != nil && CompareNumbers(n, *in.acceptor.HighestPromised) < 0 {
		return false
	}
	promised := n
	in.acceptor.HighestPromised = &promised
	in.acceptor.HighestAccepted = &promised
	value := v
	in.acceptor.AcceptedValue = &value
	return true
}

// AcceptorSnapshot is a consistent read of the acceptor fields, used by
// tests and by §8's universal-invariant checks.
type AcceptorSnapshot struct {
	HighestPromised *ProposalNumber
	HighestAccepted *ProposalNumber
	AcceptedValue   *string
}

// Acceptor returns a snapshot of the acceptor state.
func (in *Instance) Acceptor() AcceptorSnapshot {
	in.mu.Lock()
	defer in.mu.Unlock()
	return AcceptorSnapshot{
		HighestPromised: in.acceptor.HighestPromised,
		HighestAccepted: in.acceptor.HighestAccepted,
		AcceptedValue:   in.acceptor.AcceptedValue,
	}
}

// LearnOutcome reports the effect of an observed acceptance on the
// learner state.
type LearnOutcome int

const (
	LearnIgnored LearnOutcome = iota
	LearnRecorded
	LearnDecided
)

// OnAcceptedObserved feeds the learner role with an ACCEPTED seen for
// proposal n, value v, from acceptor. If the value for n is already known
// and differs, the observation is dropped (an invariant violation — logged,
// not propagated, per §7). Once q distinct acceptors are recorded for any
// number, the learner decides.
func (in *Instance) OnAcceptedObserved(n ProposalNumber, v string, acceptor string, q int) LearnOutcome {
	in.mu.Lock()
	defer in.mu.Unlock()

	set, ok := in.learner.AcceptedByProposal[n]
	if !ok {
		set = &acceptorSet{Value: v, Acceptors: make(map[string]bool)}
		in.learner.AcceptedByProposal[n] = set
	} else if set.Value != v {
		log.Printf("[invariant] %s observed ACCEPTED for %s with mismatched value; dropping\n", in.peerID, n)
		return LearnIgnored
	}
	set.Acceptors[acceptor] = true

	if in.learner.DecidedValue != nil {
		return LearnRecorded
	}
	if len(set.Acceptors) >= q {
		number := n
		value := v
		in.learner.DecidedNumber = &number
		in.learner.DecidedValue = &value
		return LearnDecided
	}
	return LearnRecorded
}

// OnLearn force-learns (number, value) if nothing is decided yet. Used for
// the proposer's post-decision LEARN broadcast, which a peer may receive
// before, after, or redundantly with ACCEPTED observations (§9).
func (in *Instance) OnLearn(n ProposalNumber, v string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.learner.DecidedValue != nil {
		return
	}
	number := n
	value := v
	in.learner.DecidedNumber = &number
	in.learner.DecidedValue = &value
}

// HasLearned reports whether this peer has learned a decision.
func (in *Instance) HasLearned() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.learner.DecidedValue != nil
}

// LearnedValue returns the learned value, if any.
func (in *Instance) LearnedValue() (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.learner.DecidedValue == nil {
		return "", false
	}
	return *in.learner.DecidedValue, true
}

// Reset clears proposer state and moves the phase to IDLE, unless the
// instance has already DECIDED (§4.4). Acceptor and learner state are
// always preserved.
func (in *Instance) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.phase == Decided {
		return
	}
	in.proposer = ProposerState{}
	in.phase = Idle
}

// recordDecisionLocked must be called with mu held.
func (in *Instance) recordDecisionLocked(number ProposalNumber, value string) {
	if el, ok := in.historyMap[number]; ok {
		in.history.MoveToFront(el)
		return
	}
	el := in.history.PushFront(&decidedRound{number: number, value: value})
	in.historyMap[number] = el
	for in.history.Len() > historyCap {
		back := in.history.Back()
		if back == nil {
			break
		}
		round := back.Value.(*decidedRound)
		delete(in.historyMap, round.number)
		in.history.Remove(back)
	}
}

// BeginNewRound archives the current decided instance into the bounded
// history and installs fresh proposer and learner state, preserving learned
// values via the archive. Acceptor state carries over unchanged. This hook belongs to the out-of-scope multi-decree
// façade; the single-decree semantics in this package never call it, but
// it must remain callable (§4.4).
func (in *Instance) BeginNewRound() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.learner.DecidedValue != nil && in.learner.DecidedNumber != nil {
		in.recordDecisionLocked(*in.learner.DecidedNumber, *in.learner.DecidedValue)
	}
	in.proposer = ProposerState{}
	in.learner = LearnerState{AcceptedByProposal: make(map[ProposalNumber]*acceptorSet)}
	in.phase = Idle
}

// CurrentProposal returns the in-flight proposal number/value, if any.
func (in *Instance) CurrentProposal() (ProposalNumber, string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.phase != Phase1 && in.phase != Phase2 {
		return ProposalNumber{}, "", false
	}
	return in.proposer.CurrentNumber, in.proposer.CurrentValue, true
}

// PromiseCount and AcceptCount report quorum progress, used by the stats
// REPL command.
func (in *Instance) PromiseCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.proposer.PromiseSet)
}

func (in *Instance) AcceptCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.proposer.AcceptSet)
}
