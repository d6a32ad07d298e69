package main

import (
	"log"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"paidagent/orchestrator/internal/config"
	"paidagent/orchestrator/internal/container"
	"paidagent/orchestrator/internal/logging"
	"paidagent/orchestrator/internal/poll"
	"paidagent/orchestrator/internal/prompt"
	"paidagent/orchestrator/internal/store"
	"paidagent/orchestrator/internal/tokens"
	paidworkflow "paidagent/orchestrator/internal/workflow"
)

func main() {
	logger := logging.New()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		log.Fatalf("temporal client: %v", err)
	}
	defer c.Close()

	sandboxCfg := container.DefaultConfig()
	sandboxCfg.Image = cfg.DockerImage
	sandboxCfg.WorkspaceRoot = cfg.WorkspaceRoot
	sandboxCfg.SecretsProxyHost = cfg.SecretsProxyHost
	sandboxCfg.ClaudeConfigDir = cfg.ClaudeConfigDir
	sandboxCfg.DevMode = cfg.IsDevelopment()

	builder := prompt.New(nil)
	tracker := tokens.New(st, tokens.DefaultPricing)

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(paidworkflow.AgentExecutionWorkflow)
	w.RegisterWorkflow(poll.GitHubPollWorkflow)

	agentActivities := paidworkflow.NewActivities(st, logger, sandboxCfg, builder, tracker)
	w.RegisterActivity(agentActivities)

	pollActivities := poll.NewActivities(st, logger)
	w.RegisterActivity(pollActivities)

	logger.Info("worker started", zap.String("task_queue", cfg.TemporalTaskQueue))
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatalf("worker error: %v", err)
	}
}
