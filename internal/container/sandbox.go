package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"go.uber.org/zap"

	"paidagent/orchestrator/internal/model"
	netpolicy "paidagent/orchestrator/internal/network"
)

// AuthMode selects how the sandbox reaches the model provider, per spec.md
// C1's API-key vs subscription authentication modes.
type AuthMode string

const (
	AuthAPIKey       AuthMode = "api_key"
	AuthSubscription AuthMode = "subscription"
)

// Config holds the resource envelope and defaults spec.md C1 names.
type Config struct {
	Image               string
	NetworkName         string
	MemoryBytes         int64
	CPUQuota            int64
	CPUPeriod           int64
	PidsLimit           int64
	DefaultTimeout      time.Duration
	TmpSizeBytes        int64
	CacheSizeBytes      int64
	WorkspaceRoot       string
	SecretsProxyHost    string
	SecretsProxyPort    int
	ClaudeConfigDir     string // set only in subscription mode
	DevMode             bool   // relaxes firewall-apply from fatal to best-effort
}

// DefaultConfig matches spec.md C1's configuration defaults.
func DefaultConfig() Config {
	return Config{
		Image:            "paid-agent:latest",
		NetworkName:       "paid_agent",
		MemoryBytes:      2 << 30, // 2 GiB
		CPUQuota:         200_000,
		CPUPeriod:        100_000,
		PidsLimit:        500,
		DefaultTimeout:   600 * time.Second,
		TmpSizeBytes:     1 << 30, // 1 GiB
		CacheSizeBytes:   512 << 20,
		WorkspaceRoot:    "/var/paid/workspaces",
		SecretsProxyHost: "secrets-proxy",
		SecretsProxyPort: 3000,
	}
}

// Sandbox manages the lifecycle of one AgentRun's container.
type Sandbox struct {
	cfg    Config
	docker *dockerClient
	logger *zap.Logger

	containerID     string
	workspaceHost   string
	workspaceOwned  bool
	running         bool
}

// New opens a Docker client and returns a Sandbox ready to Provision. A nil
// logger is replaced with a no-op logger.
func New(cfg Config, logger *zap.Logger) (*Sandbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d, err := newDockerClient()
	if err != nil {
		return nil, &ProvisionError{Step: "docker_connect", Err: err}
	}
	return &Sandbox{cfg: cfg, docker: d, logger: logger}, nil
}

// Reconnect attaches to a previously provisioned container by id, supporting
// durable retry of a workflow activity that already provisioned.
func Reconnect(cfg Config, containerID, workspaceHost string, logger *zap.Logger) (*Sandbox, error) {
	s, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.containerID = containerID
	s.workspaceHost = workspaceHost
	return s, nil
}

func (s *Sandbox) ContainerID() string { return s.containerID }

// WorkspaceHost returns the host-side path bind-mounted to /workspace,
// recorded on the AgentRun for diagnostics and cleanup.
func (s *Sandbox) WorkspaceHost() string { return s.workspaceHost }

// AuthMode reports whether s should run in API-key or subscription mode
// based on whether a host Claude config directory was supplied.
func (s *Sandbox) AuthMode() AuthMode {
	if strings.TrimSpace(s.cfg.ClaudeConfigDir) != "" {
		return AuthSubscription
	}
	return AuthAPIKey
}

// Provision prepares the workspace, ensures the network, creates and starts
// the container, chowns the workspace, and applies firewall rules — any
// failure triggers Cleanup, per spec.md C1.
func (s *Sandbox) Provision(ctx context.Context, run model.AgentRun, workspacePath string) (err error) {
	defer func() {
		if err != nil {
			_ = s.Cleanup(context.Background(), true)
		}
	}()

	if strings.TrimSpace(workspacePath) != "" {
		info, statErr := os.Stat(workspacePath)
		if statErr != nil || !info.IsDir() {
			return &ProvisionError{Step: "validate_workspace", Err: fmt.Errorf("not a directory: %s", workspacePath)}
		}
		s.workspaceHost = workspacePath
	} else {
		dir := filepath.Join(s.cfg.WorkspaceRoot, fmt.Sprintf("run-%d", run.ID))
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return &ProvisionError{Step: "create_workspace", Err: mkErr}
		}
		s.workspaceHost = dir
		s.workspaceOwned = true
	}

	authMode := s.AuthMode()
	if authMode == AuthAPIKey {
		if _, netErr := s.docker.EnsureNetwork(ctx, s.cfg.NetworkName, true, "172.28.0.0/16"); netErr != nil {
			return &ProvisionError{Step: "ensure_network", Err: netErr}
		}
	} else {
		if _, netErr := s.docker.EnsureNetwork(ctx, "paid_internal", false, ""); netErr != nil {
			return &ProvisionError{Step: "ensure_network", Err: netErr}
		}
	}

	cfg, hostCfg, netCfg := s.buildSpec(run, authMode)
	name := fmt.Sprintf("paid-agent-run-%d", run.ID)
	id, createErr := s.docker.CreateContainer(ctx, name, cfg, hostCfg, netCfg)
	if createErr != nil {
		return &ProvisionError{Step: "create_container", Err: createErr}
	}
	s.containerID = id

	if startErr := s.docker.StartContainer(ctx, id); startErr != nil {
		return &ProvisionError{Step: "start_container", Err: startErr}
	}
	s.running = true

	if _, execErr := s.docker.Exec(ctx, id, []string{"chown", "-R", "agent:agent", "/workspace"}, nil, ""); execErr != nil {
		return &ProvisionError{Step: "chown_workspace", Err: execErr}
	}

	if authMode == AuthAPIKey {
		if applyErr := s.applyFirewall(ctx); applyErr != nil {
			if s.cfg.DevMode {
				s.logger.Warn("firewall apply failed, continuing in development mode", zap.String("container_id", id), zap.Error(applyErr))
			} else {
				return &ProvisionError{Step: "apply_firewall", Err: applyErr}
			}
		}
	}

	return nil
}

func (s *Sandbox) buildSpec(run model.AgentRun, authMode AuthMode) (*dockercontainer.Config, *dockercontainer.HostConfig, *network.NetworkingConfig) {
	env := []string{
		fmt.Sprintf("X-AGENT-RUN-ID=%d", run.ID),
		fmt.Sprintf("X-PROXY-TOKEN=%s", run.ProxyToken),
	}
	netName := s.cfg.NetworkName
	if authMode == AuthAPIKey {
		proxyURL := fmt.Sprintf("http://%s:%d", s.cfg.SecretsProxyHost, s.cfg.SecretsProxyPort)
		env = append(env, "ANTHROPIC_BASE_URL="+proxyURL, "OPENAI_BASE_URL="+proxyURL)
	} else {
		netName = "paid_internal"
	}

	cfg := &dockercontainer.Config{
		Image:      s.cfg.Image,
		User:       "agent",
		Env:        env,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Labels:     map[string]string{"paid_agent.run_id": fmt.Sprintf("%d", run.ID)},
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: s.workspaceHost, Target: "/workspace"},
		{Type: mount.TypeTmpfs, Target: "/tmp", TmpfsOptions: &mount.TmpfsOptions{SizeBytes: s.cfg.TmpSizeBytes, Mode: 0o1777}},
		{Type: mount.TypeTmpfs, Target: "/home/agent/.cache", TmpfsOptions: &mount.TmpfsOptions{SizeBytes: s.cfg.CacheSizeBytes, Mode: 0o755}},
	}
	if authMode == AuthSubscription && s.cfg.ClaudeConfigDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   s.cfg.ClaudeConfigDir,
			Target:   "/home/agent/.claude-staging",
			ReadOnly: true,
		})
	}

	hostCfg := &dockercontainer.HostConfig{
		Mounts:         mounts,
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"NET_RAW"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Resources: dockercontainer.Resources{
			Memory:     s.cfg.MemoryBytes,
			MemorySwap: s.cfg.MemoryBytes,
			CPUQuota:   s.cfg.CPUQuota,
			CPUPeriod:  s.cfg.CPUPeriod,
			PidsLimit:  &s.cfg.PidsLimit,
		},
		NetworkMode: dockercontainer.NetworkMode(netName),
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			netName: {},
		},
	}
	return cfg, hostCfg, netCfg
}

// ExecResult is the Execute contract's return shape.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// StreamFunc receives a command's captured output by type (stdout/stderr),
// for callers that append run logs. Execute calls it after the exec has
// returned, once with the whole stdout and once with the whole stderr.
type StreamFunc func(logType model.LogType, chunk string)

// Execute runs command inside the container via exec. timeout defaults to
// the sandbox config's DefaultTimeout when zero.
func (s *Sandbox) Execute(ctx context.Context, command []string, timeout time.Duration, stream StreamFunc) (ExecResult, error) {
	if s.containerID == "" {
		return ExecResult{}, &ExecutionError{Command: command, Err: fmt.Errorf("container not provisioned")}
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.docker.Exec(execCtx, s.containerID, command, nil, "/workspace")
	if err != nil {
		if execCtx.Err() != nil {
			return ExecResult{}, &TimeoutError{Command: command, Timeout: int(timeout.Seconds())}
		}
		return ExecResult{}, &ExecutionError{Command: command, Err: err}
	}
	if stream != nil {
		if res.Stdout != "" {
			stream(model.LogStdout, res.Stdout)
		}
		if res.Stderr != "" {
			stream(model.LogStderr, res.Stderr)
		}
	}
	return ExecResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// ExecuteSimple adapts Execute to the 4-value (stdout, stderr, exitCode,
// err) shape internal/gitops's Executor interface expects, so gitops needs
// no dependency on container's richer result/stream types.
func (s *Sandbox) ExecuteSimple(ctx context.Context, command []string, timeout time.Duration) (stdout, stderr string, exitCode int, err error) {
	res, err := s.Execute(ctx, command, timeout, nil)
	if err != nil {
		return "", "", 0, err
	}
	return res.Stdout, res.Stderr, res.ExitCode, nil
}

// Running refreshes container state and reports whether it is still alive.
func (s *Sandbox) Running(ctx context.Context) bool {
	if s.containerID == "" {
		return false
	}
	info, err := s.docker.ContainerByID(ctx, s.containerID)
	if err != nil || info == nil {
		s.running = false
		return false
	}
	s.running = info.State != nil && info.State.Running
	return s.running
}

// Cleanup stops and removes the container, then removes the per-run
// workspace if this Sandbox created it. Idempotent: safe to call multiple
// times and safe if the container is already gone.
func (s *Sandbox) Cleanup(ctx context.Context, force bool) error {
	if s.containerID != "" {
		grace := 10
		if force {
			grace = 0
		}
		_ = s.docker.StopContainer(ctx, s.containerID, grace)
		if err := s.docker.RemoveContainer(ctx, s.containerID, true); err != nil {
			if !force {
				return fmt.Errorf("cleanup: remove container: %w", err)
			}
		}
	}
	if s.workspaceOwned && s.workspaceHost != "" {
		if err := os.RemoveAll(s.workspaceHost); err != nil {
			return fmt.Errorf("cleanup: remove workspace: %w", err)
		}
	}
	return nil
}

func (s *Sandbox) applyFirewall(ctx context.Context) error {
	script, err := netpolicy.BuildFirewallScript(netpolicy.FirewallParams{
		ProxyHost:   s.cfg.SecretsProxyHost,
		ProxyPort:   s.cfg.SecretsProxyPort,
		GithubCIDRs: netpolicy.DefaultGithubCIDRs(),
	})
	if err != nil {
		return err
	}
	res, err := s.docker.Exec(ctx, s.containerID, []string{"sh", "-c", script}, nil, "")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("firewall script exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
