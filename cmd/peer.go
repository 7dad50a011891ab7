package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"paxosnet/membership"
	"paxosnet/netsim"
	"paxosnet/participant"
	"paxosnet/transport"
)

var (
	flagProfile     string
	flagConfig      string
	flagPort        int
	flagScenario    string
	flagInteractive bool
	flagEventsAddr  string
)

func init() {
	rootCmd.Args = cobra.ExactArgs(1)
	rootCmd.Use = "paxosnet <peer_id>"
	rootCmd.RunE = runPeer

	rootCmd.Flags().StringVar(&flagProfile, "profile", "standard", "network profile: reliable, latent, failure, standard")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to the static membership file")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "override the default port (9000 + peer ordinal)")
	rootCmd.Flags().StringVar(&flagScenario, "scenario", "", "named scenario: ideal, high_latency, network_partition, member_failures, recovery_test, stress_test")
	rootCmd.Flags().BoolVar(&flagInteractive, "interactive", false, "run a REPL command loop after startup")
	rootCmd.Flags().StringVar(&flagEventsAddr, "events-addr", "", "bind an HTTP+websocket event stream at this address (e.g. :9100), disabled if empty")
}

func runPeer(cmd *cobra.Command, args []string) error {
	peerID := args[0]

	if flagConfig == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		os.Exit(1)
	}

	entries, err := membership.LoadFile(flagConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	ordinal, err := ordinalOf(peerID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	dir := membership.Directory(entries)
	if flagPort != 0 {
		addr := dir[peerID]
		addr.Port = flagPort
		dir[peerID] = addr
	} else if _, ok := dir[peerID]; !ok {
		addr := transport.PeerAddr{Host: "localhost", Port: 9000 + ordinal}
		dir[peerID] = addr
	}

	quorum := len(dir)/2 + 1

	profile := netsim.ParseProfile(flagProfile)
	if flagProfile == "" {
		profile = membership.ProfileFor(entries, peerID)
	}
	model := netsim.New(profile, int64(ordinal))

	var stream *netsim.EventStream
	if flagEventsAddr != "" {
		stream = netsim.NewEventStream(flagEventsAddr)
		stream.Attach(model)
	}

	tr := transport.New(peerID, dir)
	if err := tr.Listen(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	pt, err := participant.New(peerID, tr.Peers(), quorum, tr, model, int64(ordinal))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	pt.Start()

	if flagScenario != "" {
		peers := otherPeers(dir, peerID)
		if err := pt.ApplyScenario(flagScenario, peers); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}

	if flagInteractive {
		runREPL(pt, dir, peerID)
		if stream != nil {
			stream.Stop()
		}
		pt.Stop()
		return nil
	}

	select {}
}

func ordinalOf(peerID string) (int, error) {
	return membership.Ordinal(peerID)
}

func otherPeers(dir transport.Directory, self string) []string {
	peers := make([]string, 0, len(dir))
	for id := range dir {
		if id != self {
			peers = append(peers, id)
		}
	}
	return peers
}
