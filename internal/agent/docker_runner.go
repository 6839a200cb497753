package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

var errRunnerOutput = errors.New("runner produced no result line")

// DockerRunner runs the agent by exec'ing a runner command inside a long-lived
// container. The request is written to the runner's stdin as one JSON object
// and the last stdout line holds the JSON result.
type DockerRunner struct {
	cli       *client.Client
	container string
	cmd       []string
	logger    *slog.Logger
}

// NewDockerRunner creates a runner targeting the named container.
func NewDockerRunner(containerName string, cmd []string, logger *slog.Logger) (*DockerRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if containerName == "" || len(cmd) == 0 {
		return nil, fmt.Errorf("docker runner needs a container and a command")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	logger.Info("Docker client initialized", "container", containerName, "cmd", strings.Join(cmd, " "))
	return newDockerRunner(cli, containerName, cmd, logger), nil
}

func newDockerRunner(cli *client.Client, containerName string, cmd []string, logger *slog.Logger) *DockerRunner {
	return &DockerRunner{cli: cli, container: containerName, cmd: cmd, logger: logger}
}

// Configure makes sure the agent container is up. The runner is a fresh
// process per exec, so settings travel with every request instead.
func (r *DockerRunner) Configure(ctx context.Context, s Settings) error {
	if err := r.ensureRunning(ctx); err != nil {
		return err
	}
	r.logger.Info("Agent container ready", "container", r.container, "model", s.Model, "data_path", s.DataPath)
	return nil
}

// Go executes one agent run.
func (r *DockerRunner) Go(ctx context.Context, req Request) (*Transcript, error) {
	if err := r.ensureRunning(ctx); err != nil {
		return nil, err
	}

	payload := settingsPayload(req.Settings)
	payload["message"] = req.Message
	payload["session_id"] = req.SessionID
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode runner request: %w", err)
	}

	var env []string
	if req.Settings.APIKey != "" {
		for _, name := range apiKeyEnv[req.Settings.Source] {
			env = append(env, name+"="+req.Settings.APIKey)
		}
	}

	resp, err := r.cli.ContainerExecCreate(ctx, r.container, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          r.cmd,
		Env:          env,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec in %s: %w", r.container, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec in %s: %w", r.container, err)
	}
	defer attach.Close()

	// Unblock StdCopy when the caller gives up.
	stop := context.AfterFunc(ctx, attach.Close)
	defer stop()

	go func() {
		if _, err := attach.Conn.Write(append(body, '\n')); err != nil {
			r.logger.Warn("failed to write runner request", "error", err, "session_id", req.SessionID)
		}
		if err := attach.CloseWrite(); err != nil {
			r.logger.Debug("failed to close runner stdin", "error", err)
		}
	}()

	var stdout bytes.Buffer
	stderr := newTailBuffer(defaultTailSize)
	if _, err := stdcopy.StdCopy(&stdout, stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read runner output: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect runner exec: %w", err)
	}

	transcript, parseErr := parseRunnerOutput(stdout.Bytes())
	if inspect.ExitCode != 0 {
		var remote *RemoteError
		if errors.As(parseErr, &remote) {
			return nil, parseErr
		}
		if stderr.Truncated() {
			r.logger.Debug("runner stderr truncated", "session_id", req.SessionID, "kept_bytes", defaultTailSize)
		}
		return nil, &RemoteError{
			Message:   fmt.Sprintf("runner exited with code %d", inspect.ExitCode),
			Traceback: strings.TrimSpace(stderr.String()),
		}
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return transcript, nil
}

// Health reports whether the agent container is running.
func (r *DockerRunner) Health(ctx context.Context) error {
	inspect, err := r.cli.ContainerInspect(ctx, r.container)
	if err != nil {
		return fmt.Errorf("inspect container %s: %w", r.container, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return fmt.Errorf("container %s is not running", r.container)
	}
	return nil
}

// Close closes the Docker client.
func (r *DockerRunner) Close() {
	if err := r.cli.Close(); err != nil {
		r.logger.Warn("failed to close docker client", "error", err)
	}
}

func (r *DockerRunner) ensureRunning(ctx context.Context) error {
	inspect, err := r.cli.ContainerInspect(ctx, r.container)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("agent container %s not found: %w", r.container, ErrUnavailable)
		}
		return fmt.Errorf("inspect container %s: %w", r.container, err)
	}
	if inspect.State != nil && inspect.State.Running {
		return nil
	}

	r.logger.Info("Starting stopped agent container", "container", r.container)
	if err := r.cli.ContainerStart(ctx, r.container, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", r.container, err)
	}
	return nil
}

// parseRunnerOutput decodes the last non-empty stdout line. Earlier lines are
// the runner's own chatter.
func parseRunnerOutput(stdout []byte) (*Transcript, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, fmt.Errorf("%w: %v", errRunnerOutput, err)
		}
		return transcriptFromMap(m)
	}
	return nil, errRunnerOutput
}
