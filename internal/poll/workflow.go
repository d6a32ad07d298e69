package poll

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	paidworkflow "paidagent/orchestrator/internal/workflow"
)

const (
	activityFetchProjectIssues      = "FetchProjectIssues"
	activityScanProjectPullRequests = "ScanProjectPullRequests"
	activityListReadyIssues         = "ListReadyIssues"
	activityGetProjectSnapshot      = "GetProjectSnapshot"
)

var pollActivityOpts = workflow.ActivityOptions{
	StartToCloseTimeout: 2 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    5,
	},
}

// StopPollingSignal is sent by ProjectWorkflowManager.StopPolling to end
// the workflow's loop on its next iteration boundary.
const StopPollingSignal = "stop_polling"

// GitHubPollInput starts one project's poll workflow.
type GitHubPollInput struct {
	ProjectID int64
}

// WorkflowID returns the deterministic per-project workflow id so
// ProjectWorkflowManager can treat "already running" as success.
func WorkflowID(projectID int64) string {
	return fmt.Sprintf("github-poll-%d", projectID)
}

// GitHubPollWorkflow re-fetches issues and scans pull requests for a
// project forever, at the project's configured interval, scheduling an
// AgentExecutionWorkflow child for every new issue or triggered PR
// follow-up it finds. It runs until a stop_polling signal arrives or the
// project is deactivated.
func GitHubPollWorkflow(ctx workflow.Context, in GitHubPollInput) error {
	logger := workflow.GetLogger(ctx)
	actCtx := workflow.WithActivityOptions(ctx, pollActivityOpts)

	stopped := false
	stopCh := workflow.GetSignalChannel(ctx, StopPollingSignal)
	workflow.Go(ctx, func(ctx workflow.Context) {
		stopCh.Receive(ctx, nil)
		stopped = true
	})

	dispatched := make(map[int64]bool)

	for !stopped {
		var snap GetProjectSnapshotResult
		if err := workflow.ExecuteActivity(actCtx, activityGetProjectSnapshot, GetProjectInput{ProjectID: in.ProjectID}).Get(ctx, &snap); err != nil {
			logger.Error("get project snapshot failed", "project_id", in.ProjectID, "error", err)
			return err
		}
		if !snap.Active {
			logger.Info("project deactivated, ending poll workflow", "project_id", in.ProjectID)
			return nil
		}

		if err := workflow.ExecuteActivity(actCtx, activityFetchProjectIssues, FetchProjectIssuesInput{ProjectID: in.ProjectID}).Get(ctx, nil); err != nil {
			logger.Warn("fetch project issues failed", "project_id", in.ProjectID, "error", err)
		}

		var ready ListReadyIssuesResult
		if err := workflow.ExecuteActivity(actCtx, activityListReadyIssues, ListReadyIssuesInput{ProjectID: in.ProjectID}).Get(ctx, &ready); err != nil {
			logger.Warn("list ready issues failed", "project_id", in.ProjectID, "error", err)
		}
		for _, issueID := range ready.IssueIDs {
			childID := fmt.Sprintf("agent-exec-issue-%d", issueID)
			if dispatched[issueID] {
				continue
			}
			dispatched[issueID] = true
			issueID := issueID
			childOpts := workflow.ChildWorkflowOptions{WorkflowID: childID}
			cctx := workflow.WithChildOptions(ctx, childOpts)
			future := workflow.ExecuteChildWorkflow(cctx, paidworkflow.AgentExecutionWorkflow, paidworkflow.AgentExecutionInput{
				ProjectID: in.ProjectID,
				IssueID:   &issueID,
				AgentType: snap.AgentType,
			})
			if err := future.GetChildWorkflowExecution().Get(ctx, nil); err != nil {
				logger.Warn("start agent execution child failed", "issue_id", issueID, "error", err)
			}
		}

		var scanned ScanProjectPullRequestsResult
		if err := workflow.ExecuteActivity(actCtx, activityScanProjectPullRequests, ScanProjectPullRequestsInput{ProjectID: in.ProjectID}).Get(ctx, &scanned); err != nil {
			logger.Warn("scan project pull requests failed", "project_id", in.ProjectID, "error", err)
		}
		for _, t := range scanned.Triggered {
			prNumber := t.PRNumber
			childID := fmt.Sprintf("agent-exec-pr-%d-%d", prNumber, workflow.Now(ctx).Unix())
			childOpts := workflow.ChildWorkflowOptions{WorkflowID: childID}
			cctx := workflow.WithChildOptions(ctx, childOpts)
			var issueID *int64
			if t.IssueID != 0 {
				id := t.IssueID
				issueID = &id
			}
			future := workflow.ExecuteChildWorkflow(cctx, paidworkflow.AgentExecutionWorkflow, paidworkflow.AgentExecutionInput{
				ProjectID:               in.ProjectID,
				IssueID:                 issueID,
				AgentType:               snap.AgentType,
				SourcePullRequestNumber: &prNumber,
			})
			if err := future.GetChildWorkflowExecution().Get(ctx, nil); err != nil {
				logger.Warn("start agent execution child failed", "pr_number", prNumber, "error", err)
			}
		}

		interval := time.Duration(snap.PollIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		workflow.Sleep(ctx, interval)
	}

	logger.Info("poll workflow stopped by signal", "project_id", in.ProjectID)
	return nil
}
