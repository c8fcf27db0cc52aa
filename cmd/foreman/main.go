// Command foreman runs the agent orchestrator described in this module's
// internal packages as a standalone, long-running process.
package main

import (
	"fmt"
	"os"

	"github.com/forgehq/foreman/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
