package poll

import (
	"context"
	"errors"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ProjectWorkflowManager starts and stops a project's GitHubPollWorkflow
// from outside the workflow sandbox (the admin CLI, an HTTP handler, or
// a startup reconciler), grounded on
// agents/manager/cmd/manager/beams.go's maybeStartBeamWorkflow: call
// ExecuteWorkflow with a deterministic id and treat
// WorkflowExecutionAlreadyStarted as success rather than an error.
type ProjectWorkflowManager struct {
	temporal  client.Client
	taskQueue string
}

func NewProjectWorkflowManager(c client.Client, taskQueue string) *ProjectWorkflowManager {
	return &ProjectWorkflowManager{temporal: c, taskQueue: taskQueue}
}

// StartPolling starts projectID's poll workflow. Idempotent: starting a
// project that is already being polled returns nil rather than an error.
func (m *ProjectWorkflowManager) StartPolling(ctx context.Context, projectID int64) error {
	options := client.StartWorkflowOptions{
		ID:        WorkflowID(projectID),
		TaskQueue: m.taskQueue,
	}
	_, err := m.temporal.ExecuteWorkflow(ctx, options, GitHubPollWorkflow, GitHubPollInput{ProjectID: projectID})
	if err == nil {
		return nil
	}
	var already *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// StopPolling signals projectID's poll workflow to end its loop on the
// next iteration boundary. Idempotent: a project with no running poll
// workflow (never started, or already stopped) returns nil.
func (m *ProjectWorkflowManager) StopPolling(ctx context.Context, projectID int64) error {
	err := m.temporal.SignalWorkflow(ctx, WorkflowID(projectID), "", StopPollingSignal, nil)
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}
