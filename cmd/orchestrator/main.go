// Command orchestrator is the administrative CLI for the agent engine:
// registering projects and GitHub tokens, and starting or stopping a
// project's poll workflow, grounded on andymwolf-agentium's cobra/viper
// CLI shape.
package main

import (
	"fmt"
	"os"

	"paidagent/orchestrator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
