// Package cmd is the CLI surface described in §6: an external collaborator
// to the core Paxos engine, kept to flag parsing and wiring rather than
// protocol logic.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "paxosnet",
	Short: "A single-decree Paxos consensus peer",
	Long:  `paxosnet runs one peer of a fixed Paxos membership over a simulated lossy network.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
