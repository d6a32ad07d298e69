package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"

	"paidagent/orchestrator/internal/model"
	paidworkflow "paidagent/orchestrator/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trigger a one-off agent run outside the poll loop",
	RunE:  triggerRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int64("project", 0, "Project id")
	runCmd.Flags().Int64("issue", 0, "Issue id to work from (mutually exclusive with --pr)")
	runCmd.Flags().Int("pr", 0, "Pull request number to follow up on (mutually exclusive with --issue)")
	runCmd.Flags().String("agent", string(model.AgentClaudeCode), "Agent harness to invoke")
	runCmd.Flags().String("prompt", "", "Custom prompt, used when neither --issue nor --pr names the task")
}

func triggerRun(cmd *cobra.Command, args []string) error {
	projectID, _ := cmd.Flags().GetInt64("project")
	issueID, _ := cmd.Flags().GetInt64("issue")
	prNumber, _ := cmd.Flags().GetInt("pr")
	agentType, _ := cmd.Flags().GetString("agent")
	customPrompt, _ := cmd.Flags().GetString("prompt")

	if projectID <= 0 {
		return fmt.Errorf("--project is required")
	}
	if issueID != 0 && prNumber != 0 {
		return fmt.Errorf("--issue and --pr are mutually exclusive")
	}

	c, cfg, err := dialTemporal()
	if err != nil {
		return err
	}
	defer c.Close()

	in := paidworkflow.AgentExecutionInput{
		ProjectID:    projectID,
		AgentType:    model.AgentType(agentType),
		CustomPrompt: customPrompt,
	}
	if issueID != 0 {
		in.IssueID = &issueID
	}
	if prNumber != 0 {
		in.SourcePullRequestNumber = &prNumber
	}

	options := client.StartWorkflowOptions{
		ID:        fmt.Sprintf("agent-exec-manual-%s", uuid.NewString()[:8]),
		TaskQueue: cfg.TemporalTaskQueue,
	}
	run, err := c.ExecuteWorkflow(context.Background(), options, paidworkflow.AgentExecutionWorkflow, in)
	if err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}
	fmt.Printf("started run %s (workflow id %s)\n", run.GetRunID(), run.GetID())
	return nil
}
