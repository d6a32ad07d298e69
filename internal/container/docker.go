// Package container implements the per-AgentRun sandbox: a short-lived
// Docker container with a locked-down resource envelope, exec-based command
// streaming, and guaranteed teardown.
//
// Grounded on agents/shared/docker/client.go's Client wrapper (NewClient's
// DOCKER_HOST/AutoDockerHost fallback, EnsureNetwork's list-then-create,
// Exec's stdcopy demux) and agents/shared/docker/dyad.go's container.Config/
// HostConfig construction, generalized from an actor/critic dyad to one
// container per AgentRun.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

type dockerClient struct {
	api *client.Client
}

func newDockerClient() (*dockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if err := pingClient(cli); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &dockerClient{api: cli}, nil
}

func pingClient(cli *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err
}

func (d *dockerClient) Close() error {
	if d == nil || d.api == nil {
		return nil
	}
	return d.api.Close()
}

// EnsureNetwork is the list-then-create idempotent lookup spec.md C2
// requires for paid_agent/paid_internal.
func (d *dockerClient) EnsureNetwork(ctx context.Context, name string, internal bool, subnet string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("network name required")
	}
	args := filters.NewArgs()
	args.Add("name", name)
	list, err := d.api.NetworkList(ctx, types.NetworkListOptions{Filters: args})
	if err != nil {
		return "", err
	}
	for _, item := range list {
		if item.Name == name {
			return item.ID, nil
		}
	}
	opts := types.NetworkCreate{
		Driver:   "bridge",
		Internal: internal,
	}
	if subnet != "" {
		opts.IPAM = &network.IPAM{Config: []network.IPAMConfig{{Subnet: subnet}}}
	}
	resp, err := d.api.NetworkCreate(ctx, name, opts)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerClient) ContainerByID(ctx context.Context, id string) (*types.ContainerJSON, error) {
	info, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

func (d *dockerClient) CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig, net *network.NetworkingConfig) (string, error) {
	resp, err := d.api.ContainerCreate(ctx, cfg, host, net, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerClient) StartContainer(ctx context.Context, id string) error {
	return d.api.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerClient) StopContainer(ctx context.Context, id string, graceSeconds int) error {
	timeout := graceSeconds
	return d.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

func (d *dockerClient) RemoveContainer(ctx context.Context, id string, force bool) error {
	return d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
}

// execResult carries the engine-level exec outcome: spec.md C1 requires the
// exit code from the exec result itself, not an error, so a non-zero exit
// is not treated as a Go error here.
type execResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (d *dockerClient) Exec(ctx context.Context, containerID string, cmd []string, env []string, workDir string) (execResult, error) {
	if strings.TrimSpace(containerID) == "" {
		return execResult{}, errors.New("container id required")
	}
	execResp, err := d.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   workDir,
	})
	if err != nil {
		return execResult{}, err
	}
	attach, err := d.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return execResult{}, err
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
		return execResult{}, err
	}

	inspect, err := d.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return execResult{}, err
	}
	return execResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// AutoDockerHost probes the common rootless/colima/desktop socket paths,
// grounded on agents/shared/docker/client.go's fallback behavior.
func AutoDockerHost() (string, bool) {
	candidates := []string{
		os.ExpandEnv("$HOME/.colima/default/docker.sock"),
		os.ExpandEnv("$HOME/.docker/run/docker.sock"),
		"/var/run/docker.sock",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, true
		}
	}
	return "", false
}
