package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	activityCreateAgentRun        = "CreateAgentRun"
	activityProvisionContainer    = "ProvisionContainer"
	activityCloneRepo             = "CloneRepo"
	activityRebaseBranch          = "RebaseBranch"
	activityPreparePrompt         = "PreparePrompt"
	activityRunAgent              = "RunAgent"
	activityPushBranch            = "PushBranch"
	activityCreatePullRequest     = "CreatePullRequest"
	activityUpdateIssueWithPR     = "UpdateIssueWithPR"
	activityResolveReviewThreads  = "ResolveReviewThreads"
	activityCompleteExistingPrRun = "CompleteExistingPrRun"
	activityMarkAgentRunCompleted = "MarkAgentRunCompleted"
	activityCleanupContainer      = "CleanupContainer"
	activityCleanupWorktree       = "CleanupWorktree"
	activityMarkAgentRunFailed    = "MarkAgentRunFailed"
)

var defaultActivityOpts = workflow.ActivityOptions{
	StartToCloseTimeout: 10 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    5,
	},
}

var longRunOpts = workflow.ActivityOptions{
	StartToCloseTimeout: 2 * time.Hour,
	RetryPolicy: &temporal.RetryPolicy{
		MaximumAttempts: 1,
	},
}

var cleanupOpts = workflow.ActivityOptions{
	StartToCloseTimeout: 5 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    1 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    3,
	},
}

// AgentExecutionWorkflow runs one agent invocation end to end (spec.md
// C7): provision a container, clone the branch, build the prompt, invoke
// the agent, push the result and open or update a pull request. Cleanup
// always runs, even when an earlier step fails, via a disconnected
// context so a workflow cancellation cannot skip it.
func AgentExecutionWorkflow(ctx workflow.Context, in AgentExecutionInput) (err error) {
	logger := workflow.GetLogger(ctx)

	var created CreateAgentRunResult
	if err := workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityCreateAgentRun, CreateAgentRunInput{
		ProjectID:               in.ProjectID,
		IssueID:                 in.IssueID,
		AgentType:               in.AgentType,
		SourcePullRequestNumber: in.SourcePullRequestNumber,
		CustomPrompt:            in.CustomPrompt,
	}).Get(ctx, &created); err != nil {
		return fmt.Errorf("create agent run: %w", err)
	}
	runID := created.RunID

	cleanupCtx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	succeeded := false
	defer func() {
		force := !succeeded
		containerErr := workflow.ExecuteActivity(workflow.WithActivityOptions(cleanupCtx, cleanupOpts), activityCleanupContainer, CleanupContainerInput{
			RunID: runID, Force: force,
		}).Get(cleanupCtx, nil)
		_ = workflow.ExecuteActivity(workflow.WithActivityOptions(cleanupCtx, cleanupOpts), activityCleanupWorktree, CleanupWorktreeInput{
			RunID: runID, Ok: containerErr == nil,
		}).Get(cleanupCtx, nil)
		if err != nil {
			_ = workflow.ExecuteActivity(workflow.WithActivityOptions(cleanupCtx, cleanupOpts), activityMarkAgentRunFailed, MarkAgentRunFailedInput{
				RunID: runID, ErrorMessage: err.Error(),
			}).Get(cleanupCtx, nil)
		}
	}()

	if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityProvisionContainer, ProvisionContainerInput{
		RunID: runID,
	}).Get(ctx, nil); err != nil {
		return fmt.Errorf("provision container: %w", err)
	}

	var cloned CloneRepoResult
	if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityCloneRepo, CloneRepoInput{
		RunID: runID,
	}).Get(ctx, &cloned); err != nil {
		return fmt.Errorf("clone repo: %w", err)
	}

	rebaseFailed := false
	isPRFollowup := in.SourcePullRequestNumber != nil
	if isPRFollowup {
		var rebased RebaseBranchResult
		if rerr := workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityRebaseBranch, RebaseBranchInput{
			RunID: runID,
		}).Get(ctx, &rebased); rerr != nil {
			logger.Warn("rebase branch failed", "run_id", runID, "error", rerr)
			rebaseFailed = true
		} else {
			rebaseFailed = !rebased.Succeeded
		}
	}

	var prepared PreparePromptResult
	if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityPreparePrompt, PreparePromptInput{
		RunID:        runID,
		RebaseFailed: rebaseFailed,
	}).Get(ctx, &prepared); err != nil {
		return fmt.Errorf("prepare prompt: %w", err)
	}

	var ran RunAgentResult
	if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, longRunOpts), activityRunAgent, RunAgentInput{
		RunID:  runID,
		Prompt: prepared.Prompt,
	}).Get(ctx, &ran); err != nil {
		return fmt.Errorf("run agent: %w", err)
	}

	if !ran.HasChanges {
		logger.Info("agent produced no changes", "run_id", runID)
		if isPRFollowup {
			if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityCompleteExistingPrRun, CompleteExistingPrRunInput{
				RunID: runID,
			}).Get(ctx, nil); err != nil {
				return fmt.Errorf("complete existing pr run: %w", err)
			}
		} else {
			if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityMarkAgentRunCompleted, MarkAgentRunCompletedInput{
				RunID: runID,
			}).Get(ctx, nil); err != nil {
				return fmt.Errorf("mark agent run completed: %w", err)
			}
		}
		succeeded = true
		return nil
	}

	if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityPushBranch, PushBranchInput{
		RunID: runID,
	}).Get(ctx, nil); err != nil {
		return fmt.Errorf("push branch: %w", err)
	}

	if isPRFollowup {
		if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityResolveReviewThreads, ResolveReviewThreadsInput{
			RunID: runID,
		}).Get(ctx, nil); err != nil {
			return fmt.Errorf("resolve review threads: %w", err)
		}
		if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityCompleteExistingPrRun, CompleteExistingPrRunInput{
			RunID: runID,
		}).Get(ctx, nil); err != nil {
			return fmt.Errorf("complete existing pr run: %w", err)
		}
	} else {
		if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityCreatePullRequest, CreatePullRequestInput{
			RunID: runID,
		}).Get(ctx, nil); err != nil {
			return fmt.Errorf("create pull request: %w", err)
		}
		if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityUpdateIssueWithPR, UpdateIssueWithPRInput{
			RunID: runID,
		}).Get(ctx, nil); err != nil {
			return fmt.Errorf("update issue with pr: %w", err)
		}
		if err = workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, defaultActivityOpts), activityMarkAgentRunCompleted, MarkAgentRunCompletedInput{
			RunID: runID,
		}).Get(ctx, nil); err != nil {
			return fmt.Errorf("finalize run: %w", err)
		}
	}

	succeeded = true
	return nil
}
