package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"paxosnet/netsim"
	"paxosnet/participant"
	"paxosnet/transport"
)

// runREPL drives the §6 "Runtime commands" loop against pt until the user
// types quit/exit or closes stdin.
func runREPL(pt *participant.Participant, dir transport.Directory, selfID string) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("paxosnet interactive mode. Type a command, or 'quit' to exit.")

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		verb := fields[0]
		args := fields[1:]

		switch verb {
		case "propose":
			handlePropose(pt, args)
		case "profile":
			handleProfile(pt, args)
		case "scenario":
			handleScenario(pt, dir, selfID, args)
		case "partition":
			handlePartition(pt, args)
		case "offline":
			handleOffline(pt, args)
		case "stats":
			handleStats(pt)
		case "metrics":
			handleMetrics(pt)
		case "events":
			handleEvents(pt, args)
		case "reset":
			pt.Reset()
			fmt.Println("proposer state reset")
		case "quit", "exit":
			return
		default:
			fmt.Printf("Error: unknown command %q\n", verb)
		}
	}
}

func handlePropose(pt *participant.Participant, args []string) {
	if len(args) < 1 {
		fmt.Println("Error: usage: propose <value>")
		return
	}
	outcome := pt.Propose(strings.Join(args, " "))
	if outcome.Accepted {
		fmt.Println("proposal accepted, phase 1 underway")
	} else {
		fmt.Println("Error: propose rejected:", outcome.Reason)
	}
}

func handleProfile(pt *participant.Participant, args []string) {
	if len(args) < 1 {
		fmt.Println("Error: usage: profile <reliable|latent|failure|standard>")
		return
	}
	pt.SetProfile(netsim.ParseProfile(args[0]))
	fmt.Println("profile set to", args[0])
}

func handleScenario(pt *participant.Participant, dir transport.Directory, selfID string, args []string) {
	if len(args) < 1 {
		fmt.Println("Error: usage: scenario <name>")
		return
	}
	if err := pt.ApplyScenario(args[0], otherPeers(dir, selfID)); err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("scenario applied:", args[0])
}

func handlePartition(pt *participant.Participant, args []string) {
	if len(args) < 2 {
		fmt.Println("Error: usage: partition <seconds> <peer>...")
		return
	}
	seconds, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	pt.SimulatePartition(args[1:], time.Duration(seconds)*time.Second)
	fmt.Printf("partitioned from %v for %ds\n", args[1:], seconds)
}

func handleOffline(pt *participant.Participant, args []string) {
	if len(args) < 1 {
		fmt.Println("Error: usage: offline <seconds>")
		return
	}
	seconds, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	pt.SimulateOffline(time.Duration(seconds) * time.Second)
	fmt.Printf("offline for %ds\n", seconds)
}

func handleStats(pt *participant.Participant) {
	s := pt.Stats()
	fmt.Printf("phase=%s promises=%d accepts=%d learned=%v value=%q\n",
		s.Phase, s.PromiseCount, s.AcceptCount, s.HasLearned, s.LearnedValue)
}

func handleMetrics(pt *participant.Participant) {
	m := pt.Metrics()
	fmt.Printf("sent=%d lost=%d delay_ms=%d loss_rate=%.3f\n",
		m.TotalSent, m.TotalLost, m.TotalDelayMs, m.LossRate)
}

func handleEvents(pt *participant.Participant, args []string) {
	n := 10
	if len(args) >= 1 {
		if parsed, err := strconv.Atoi(args[0]); err == nil {
			n = parsed
		}
	}
	for _, ev := range pt.Events(n) {
		fmt.Printf("%s %-20s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.Description)
	}
}
