// Package netsim wraps a transport's outbound send with a simulator-driven
// model of network latency, loss, partitions, and offline periods, and
// publishes a rolling log of the decisions it makes.
package netsim

import (
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Profile is a named bundle of latency/loss/recovery parameters (§4.3).
type Profile string

const (
	Reliable Profile = "RELIABLE"
	Latent   Profile = "LATENT"
	Failure  Profile = "FAILURE"
	Standard Profile = "STANDARD"
)

// ParseProfile accepts a case-insensitive profile name, defaulting to
// STANDARD as §6 requires of the membership file loader.
func ParseProfile(s string) Profile {
	switch Profile(upper(s)) {
	case Reliable:
		return Reliable
	case Latent:
		return Latent
	case Failure:
		return Failure
	case Standard:
		return Standard
	default:
		return Standard
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// Params is one profile's parameter bundle, matching the §4.3 table.
type Params struct {
	BaseMs        int
	MaxMs         int
	JitterMs      int
	SpikeRate     float64
	DropRate      float64
	ConnFailRate  float64
	AvgDownMs     int
	RecoveryMs    int
	Stability     float64
}

// profileParams holds the default constants from the §4.3 table.
var profileParams = map[Profile]Params{
	Reliable: {BaseMs: 0, MaxMs: 10, JitterMs: 2, SpikeRate: 0.00, DropRate: 0.00, ConnFailRate: 0.00, AvgDownMs: 0, RecoveryMs: 100, Stability: 0.99},
	Latent:   {BaseMs: 800, MaxMs: 4000, JitterMs: 1200, SpikeRate: 0.30, DropRate: 0.15, ConnFailRate: 0.05, AvgDownMs: 3000, RecoveryMs: 2000, Stability: 0.60},
	Failure:  {BaseMs: 100, MaxMs: 1500, JitterMs: 400, SpikeRate: 0.20, DropRate: 0.35, ConnFailRate: 0.15, AvgDownMs: 5000, RecoveryMs: 1500, Stability: 0.40},
	Standard: {BaseMs: 30, MaxMs: 200, JitterMs: 80, SpikeRate: 0.10, DropRate: 0.05, ConnFailRate: 0.01, AvgDownMs: 1000, RecoveryMs: 500, Stability: 0.85},
}

// ParamsFor returns the default parameter bundle for a profile.
func ParamsFor(p Profile) Params {
	return profileParams[p]
}

// Condition is the network-behavior model's current mode.
type Condition int

const (
	Normal Condition = iota
	Degraded
	Partitioned
	Offline
	Recovering
)

func (c Condition) String() string {
	switch c {
	case Normal:
		return "NORMAL"
	case Degraded:
		return "DEGRADED"
	case Partitioned:
		return "PARTITIONED"
	case Offline:
		return "OFFLINE"
	case Recovering:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}

// EventKind tags one ring-buffer entry.
type EventKind string

const (
	MessageSent        EventKind = "MESSAGE_SENT"
	MessageDelayed      EventKind = "MESSAGE_DELAYED"
	MessageDropped      EventKind = "MESSAGE_DROPPED"
	ConnectionFailed    EventKind = "CONNECTION_FAILED"
	ConnectionRecovered EventKind = "CONNECTION_RECOVERED"
	PartitionStarted    EventKind = "PARTITION_STARTED"
	PartitionEnded      EventKind = "PARTITION_ENDED"
	ConditionChanged    EventKind = "CONDITION_CHANGED"
)

// Event is one ring-buffer entry (§4.3 "Events").
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Kind        EventKind `json:"kind"`
	Description string    `json:"description"`
}

const (
	eventCap = 100
	eventAge = 60 * time.Second
)

// Decision is the outcome of one per-send evaluation.
type Decision struct {
	Deliver bool
	Reason  string
	Latency time.Duration
}

// Clock abstracts time.Now/time.Sleep so tests can inject determinism; the
// production clock simply delegates to the time package, matching the
// single-monotonic-clock rule of §9.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time       { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Model is one peer's network-behavior model, wrapping a transport's send
// with the §4.3 per-send decision pipeline.
type Model struct {
	mu          sync.Mutex
	profile     Profile
	condition   Condition
	partitioned map[string]bool
	active      bool
	rng         *rand.Rand
	clock       Clock

	events []Event

	totalSent atomic.Int64
	totalLost atomic.Int64
	totalDelayMs atomic.Int64

	onEvent func(Event)
}

// New creates a Model in NORMAL condition for the given profile, seeded
// for deterministic tests (§9: every stochastic decision draws from a
// seedable per-peer RNG).
func New(profile Profile, seed int64) *Model {
	return &Model{
		profile:     profile,
		condition:   Normal,
		partitioned: make(map[string]bool),
		active:      true,
		rng:         rand.New(rand.NewSource(seed)),
		clock:       realClock{},
	}
}

// OnEvent registers a callback invoked (outside the model's lock) whenever
// an event is appended, used to drive the websocket event stream.
func (m *Model) OnEvent(fn func(Event)) {
	m.mu.Lock()
	m.onEvent = fn
	m.mu.Unlock()
}

// SetProfile swaps the active profile, taking effect immediately. A
// transition into LATENT has a 30% chance of a 10s "temporary improvement"
// window pinning the condition to NORMAL (§4.3 "Dynamic configuration").
func (m *Model) SetProfile(p Profile) {
	m.mu.Lock()
	prev := m.profile
	m.profile = p
	m.appendLocked(ConditionChanged, "profile changed from "+string(prev)+" to "+string(p))
	temporaryImprovement := p == Latent && m.rng.Float64() < 0.30
	m.mu.Unlock()

	if temporaryImprovement {
		m.mu.Lock()
		saved := m.condition
		m.condition = Normal
		m.appendLocked(ConditionChanged, "temporary improvement window: pinned to NORMAL")
		m.mu.Unlock()
		go func() {
			m.clock.Sleep(10 * time.Second)
			m.mu.Lock()
			m.condition = saved
			m.appendLocked(ConditionChanged, "temporary improvement window elapsed")
			m.mu.Unlock()
		}()
	}
}

// Profile returns the active profile.
func (m *Model) Profile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Condition returns the current condition.
func (m *Model) Condition() Condition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.condition
}

// SimulatePartition marks peers as unreachable for duration, restoring them
// when duration elapses. The expiry is not cancelled by Stop, and a later
// partition naming the same peers does not extend an earlier one: the
// earlier expiry still restores them.
func (m *Model) SimulatePartition(peers []string, duration time.Duration) {
	m.mu.Lock()
	m.condition = Partitioned
	for _, p := range peers {
		m.partitioned[p] = true
	}
	m.appendLocked(PartitionStarted, "partition started against peers")
	m.mu.Unlock()

	go func() {
		m.clock.Sleep(duration)
		m.mu.Lock()
		for _, p := range peers {
			delete(m.partitioned, p)
		}
		if len(m.partitioned) == 0 && m.condition == Partitioned {
			m.condition = Normal
		}
		m.appendLocked(PartitionEnded, "partition ended")
		m.mu.Unlock()
	}()
}

// SimulateOffline takes the peer fully offline for duration.
func (m *Model) SimulateOffline(duration time.Duration) {
	m.mu.Lock()
	m.condition = Offline
	m.appendLocked(ConditionChanged, "offline simulation started")
	m.mu.Unlock()

	go func() {
		m.clock.Sleep(duration)
		m.settleAfterDowntime()
	}()
}

// settleAfterDowntime draws against stability to decide whether the peer
// returns to NORMAL or DEGRADED, then schedules the recovery tick that
// forces NORMAL (§4.3 "Condition state machine").
func (m *Model) settleAfterDowntime() {
	m.mu.Lock()
	params := profileParams[m.profile]
	if m.rng.Float64() < params.Stability {
		m.condition = Normal
	} else {
		m.condition = Degraded
	}
	m.appendLocked(ConnectionRecovered, "connection recovered, condition="+m.condition.String())
	recoveryMs := params.RecoveryMs
	m.mu.Unlock()

	go func() {
		m.clock.Sleep(time.Duration(recoveryMs) * time.Millisecond)
		m.mu.Lock()
		if m.condition == Degraded {
			m.condition = Normal
			m.appendLocked(ConditionChanged, "recovery tick: forced NORMAL")
		}
		m.mu.Unlock()
	}()
}

// Stop deactivates the model; all subsequent sends are dropped with
// reason "inactive".
func (m *Model) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
}

func conditionMultipliers(c Condition) (dropMult, latencyMult float64) {
	switch c {
	case Degraded:
		return 3.0, 2.0
	case Partitioned:
		return 5.0, 5.0
	case Recovering:
		return 2.0, 1.5
	default:
		return 1.0, 1.0
	}
}

// Evaluate runs the §4.3 "Per-send decision" pipeline for one outbound
// message to target of the given size in bytes, in the listed order.
func (m *Model) Evaluate(target string, sizeBytes int) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalSent.Add(1)

	if !m.active {
		m.totalLost.Add(1)
		m.appendLocked(MessageDropped, "dropped: inactive")
		return Decision{Deliver: false, Reason: "inactive"}
	}

	if m.partitioned[target] {
		m.totalLost.Add(1)
		m.appendLocked(MessageDropped, "dropped: partition")
		return Decision{Deliver: false, Reason: "partition"}
	}

	params := profileParams[m.profile]
	dropMult, latencyMult := conditionMultipliers(m.condition)

	if m.condition == Offline {
		m.totalLost.Add(1)
		m.appendLocked(MessageDropped, "dropped: offline")
		return Decision{Deliver: false, Reason: "offline"}
	}

	if m.rng.Float64() < params.ConnFailRate*dropMult {
		downMs := params.AvgDownMs + m.rng.Intn(max(params.AvgDownMs, 1)+1)
		m.condition = Offline
		m.appendLocked(ConnectionFailed, "connection failure, offline for simulated duration")
		go func(d time.Duration) {
			m.clock.Sleep(d)
			m.settleAfterDowntime()
		}(time.Duration(downMs) * time.Millisecond)
		m.totalLost.Add(1)
		return Decision{Deliver: false, Reason: "connection failure"}
	}

	if m.rng.Float64() < params.DropRate*dropMult {
		m.totalLost.Add(1)
		m.appendLocked(MessageDropped, "dropped: message dropped")
		return Decision{Deliver: false, Reason: "message dropped"}
	}

	base := float64(params.BaseMs)
	if m.rng.Float64() < params.SpikeRate {
		base = float64(params.BaseMs) + m.rng.Float64()*float64(params.MaxMs-params.BaseMs)
	}
	jitter := (m.rng.Float64()*2 - 1) * float64(params.JitterMs)
	latencyMs := (base + jitter + float64(sizeBytes)/100.0) * latencyMult
	if latencyMs < 0 {
		latencyMs = 0
	}
	latency := time.Duration(latencyMs) * time.Millisecond
	m.totalDelayMs.Add(int64(latencyMs))

	if latency > 0 {
		m.appendLocked(MessageDelayed, "delayed")
	} else {
		m.appendLocked(MessageSent, "sent")
	}
	return Decision{Deliver: true, Latency: latency}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// appendLocked must be called with mu held; it trims by both size and age
// (§4.3 "Events": capped at 100 entries or 60s by age).
func (m *Model) appendLocked(kind EventKind, description string) {
	now := m.clock.Now()
	ev := Event{Timestamp: now, Kind: kind, Description: description}
	m.events = append(m.events, ev)

	cutoff := now.Add(-eventAge)
	keep := m.events[:0]
	for _, e := range m.events {
		if e.Timestamp.After(cutoff) {
			keep = append(keep, e)
		}
	}
	m.events = keep
	if len(m.events) > eventCap {
		m.events = m.events[len(m.events)-eventCap:]
	}

	if m.onEvent != nil {
		cb := m.onEvent
		go cb(ev)
	}
}

// Events returns the last n events (or all, if n <= 0), most recent last.
func (m *Model) Events(n int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.events) {
		n = len(m.events)
	}
	out := make([]Event, n)
	copy(out, m.events[len(m.events)-n:])
	return out
}

// Counters is a snapshot of the monotonic send counters (§4.3 "Counters").
type Counters struct {
	TotalSent int64
	TotalLost int64
	TotalDelayMs int64
	LossRate  float64
}

// Metrics returns a snapshot of the counters.
func (m *Model) Metrics() Counters {
	sent := m.totalSent.Load()
	lost := m.totalLost.Load()
	delay := m.totalDelayMs.Load()
	lossRate := 0.0
	if sent > 0 {
		lossRate = float64(lost) / float64(sent)
	}
	return Counters{TotalSent: sent, TotalLost: lost, TotalDelayMs: delay, LossRate: lossRate}
}

// startConditionTicker periodically re-draws the condition for LATENT and
// FAILURE profiles, per §4.3 "Condition state machine". It stops when the
// model is deactivated.
func (m *Model) startConditionTicker(period time.Duration) *time.Ticker {
	ticker := time.NewTicker(period)
	go func() {
		for range ticker.C {
			m.mu.Lock()
			active := m.active
			profile := m.profile
			condition := m.condition
			m.mu.Unlock()
			if !active {
				ticker.Stop()
				return
			}
			if profile != Latent && profile != Failure {
				continue
			}
			if condition == Offline || condition == Partitioned {
				continue
			}
			m.mu.Lock()
			params := profileParams[m.profile]
			if m.rng.Float64() < params.ConnFailRate {
				downMs := params.AvgDownMs + m.rng.Intn(max(params.AvgDownMs, 1)+1)
				m.condition = Offline
				m.appendLocked(ConnectionFailed, "scheduled tick: connection failure")
				m.mu.Unlock()
				go func(d time.Duration) {
					m.clock.Sleep(d)
					m.settleAfterDowntime()
				}(time.Duration(downMs) * time.Millisecond)
				continue
			}
			m.mu.Unlock()
		}
	}()
	return ticker
}

// StartConditionTicker starts the periodic condition tick on a 1s period,
// matching the scheduled-timer thread described in §5.
func (m *Model) StartConditionTicker() *time.Ticker {
	return m.startConditionTicker(1 * time.Second)
}
