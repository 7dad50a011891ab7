package participant

import (
	"fmt"
	"time"

	"paxosnet/netsim"
)

// Scenario is a named, pre-defined network condition: a profile plus an
// optional partition or offline directive applied on top of it. §1 scopes
// scenario *scripting* out (no DSL to compose arbitrary sequences), but the
// six named scenarios themselves are accepted CLI/REPL input (§6) and are
// implemented here as data, not as an engine.
type Scenario struct {
	Name        string
	Profile     netsim.Profile
	PartitionOf []string // peers to partition from, if any
	PartitionMs int
	OfflineMs   int
}

// Scenarios is the fixed table of named scenarios accepted by --scenario
// and the REPL's "scenario" verb.
var Scenarios = map[string]Scenario{
	"ideal": {
		Name:    "ideal",
		Profile: netsim.Reliable,
	},
	"high_latency": {
		Name:    "high_latency",
		Profile: netsim.Latent,
	},
	"network_partition": {
		Name:        "network_partition",
		Profile:     netsim.Standard,
		PartitionMs: 20000,
	},
	"member_failures": {
		Name:    "member_failures",
		Profile: netsim.Failure,
	},
	"recovery_test": {
		Name:      "recovery_test",
		Profile:   netsim.Failure,
		OfflineMs: 5000,
	},
	"stress_test": {
		Name:    "stress_test",
		Profile: netsim.Standard,
	},
}

// ApplyScenario sets the participant's profile and, if the named scenario
// directs one, a partition against partitionPeers or an offline window.
func (p *Participant) ApplyScenario(name string, partitionPeers []string) error {
	scenario, ok := Scenarios[name]
	if !ok {
		return fmt.Errorf("participant: unknown scenario %q", name)
	}
	p.SetProfile(scenario.Profile)
	if scenario.PartitionMs > 0 && len(partitionPeers) > 0 {
		p.SimulatePartition(partitionPeers, time.Duration(scenario.PartitionMs)*time.Millisecond)
	}
	if scenario.OfflineMs > 0 {
		p.SimulateOffline(time.Duration(scenario.OfflineMs) * time.Millisecond)
	}
	return nil
}
