// Package cmd wires the cobra CLI surface for the foreman binary.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Run the autonomous multi-agent code orchestrator",
	RunE:  requireSubcommand,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	return fmt.Errorf("a subcommand is required; try %q", cmd.CommandPath()+" --help")
}
