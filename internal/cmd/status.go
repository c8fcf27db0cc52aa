package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgehq/foreman/internal/config"
)

var statusConfigPath string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the contents of every agent's session file",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusConfigPath, "config", "", "Path to the orchestrator config file")
	_ = statusCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(statusConfigPath)
	if err != nil {
		return err
	}

	sessionsDir := cfg.WorkspaceRoot + "/.claude-sessions"
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", sessionsDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(sessionsDir + "/" + entry.Name())
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading %s: %v\n", entry.Name(), err)
			continue
		}
		fmt.Printf("%s: %s\n", entry.Name(), data)
	}
	return nil
}
