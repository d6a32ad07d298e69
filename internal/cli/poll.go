package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"

	"paidagent/orchestrator/internal/config"
	"paidagent/orchestrator/internal/poll"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Start or stop a project's poll workflow",
}

var pollStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start polling a project for issues and pull request triggers",
	RunE:  startPoll,
}

var pollStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop polling a project",
	RunE:  stopPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)
	pollCmd.AddCommand(pollStartCmd)
	pollCmd.AddCommand(pollStopCmd)

	pollStartCmd.Flags().Int64("project", 0, "Project id")
	pollStopCmd.Flags().Int64("project", 0, "Project id")
}

func dialTemporal() (client.Client, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("load config: %w", err)
	}
	c, err := client.Dial(client.Options{HostPort: cfg.TemporalAddress, Namespace: cfg.TemporalNamespace})
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("temporal client: %w", err)
	}
	return c, cfg, nil
}

func startPoll(cmd *cobra.Command, args []string) error {
	projectID, _ := cmd.Flags().GetInt64("project")
	if projectID <= 0 {
		return fmt.Errorf("--project is required")
	}
	c, cfg, err := dialTemporal()
	if err != nil {
		return err
	}
	defer c.Close()

	mgr := poll.NewProjectWorkflowManager(c, cfg.TemporalTaskQueue)
	if err := mgr.StartPolling(context.Background(), projectID); err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	fmt.Printf("polling started for project %d\n", projectID)
	return nil
}

func stopPoll(cmd *cobra.Command, args []string) error {
	projectID, _ := cmd.Flags().GetInt64("project")
	if projectID <= 0 {
		return fmt.Errorf("--project is required")
	}
	c, cfg, err := dialTemporal()
	if err != nil {
		return err
	}
	defer c.Close()

	mgr := poll.NewProjectWorkflowManager(c, cfg.TemporalTaskQueue)
	if err := mgr.StopPolling(context.Background(), projectID); err != nil {
		return fmt.Errorf("stop polling: %w", err)
	}
	fmt.Printf("polling stopped for project %d\n", projectID)
	return nil
}
