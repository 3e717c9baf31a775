// Package docker launches the agent inside a Docker container.
//
// runtime.go - container-backed agent launcher
//
// This file contains:
// - Launcher, which runs the agent through an interactive docker exec
// - ephemeral container lifecycle (create from image, remove on close)
// - stdout/stderr demultiplexing of the hijacked exec stream
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/HyphaGroup/agentwire/internal/container"
	"github.com/HyphaGroup/agentwire/internal/logger"
)

// Config selects where the agent runs. Exactly one of Container or Image is
// used; Container wins when both are set.
type Config struct {
	// Container is an existing, running container to exec into.
	Container string
	// Image creates a fresh container per launch, removed when the process closes.
	Image string
	// Pull fetches Image when it is not present locally.
	Pull bool
	// User runs the agent as this user inside the container.
	User string
	// WorkDirMount bind-mounts the command's Dir at the same path.
	WorkDirMount bool
	Network      string
	Memory       string // Memory limit (e.g., "4G", "2048M")
	CPUs         int
}

// Launcher implements the transport launcher contract using the Docker SDK
type Launcher struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger
}

// NewLauncher creates a Docker-backed launcher
func NewLauncher(cfg Config) (*Launcher, error) {
	if cfg.Container == "" && cfg.Image == "" {
		return nil, fmt.Errorf("docker launcher needs a container or an image")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Launcher{client: cli, cfg: cfg, logger: logger.Slog()}, nil
}

// Ping verifies connectivity to Docker daemon
func (l *Launcher) Ping(ctx context.Context) error {
	_, err := l.client.Ping(ctx)
	return err
}

// Close closes the Docker client connection
func (l *Launcher) Close() error {
	return l.client.Close()
}

// Launch starts cmd inside the configured container.
func (l *Launcher) Launch(ctx context.Context, cmd container.Command) (*container.Process, error) {
	cmd.Dir = hostWorkDir(cmd.Dir)
	containerID := l.cfg.Container
	ephemeral := false

	if containerID == "" {
		id, err := l.createEphemeral(ctx, cmd)
		if err != nil {
			return nil, err
		}
		containerID = id
		ephemeral = true
	}

	proc, err := l.execInteractive(ctx, containerID, cmd, ephemeral)
	if err != nil {
		if ephemeral {
			l.remove(containerID)
		}
		return nil, err
	}
	return proc, nil
}

func (l *Launcher) createEphemeral(ctx context.Context, cmd container.Command) (string, error) {
	if l.cfg.Pull {
		if err := l.ensureImage(ctx, l.cfg.Image); err != nil {
			return "", err
		}
	}

	containerConfig := &dockercontainer.Config{
		Image:      l.cfg.Image,
		Entrypoint: []string{"sleep", "infinity"},
		WorkingDir: cmd.Dir,
		Labels:     map[string]string{"agentwire.managed": "true"},
		Tty:        false,
	}

	var mounts []mount.Mount
	if l.cfg.WorkDirMount && cmd.Dir != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: cmd.Dir,
			Target: cmd.Dir,
		})
	}

	hostConfig := &dockercontainer.HostConfig{
		Mounts:      mounts,
		NetworkMode: dockercontainer.NetworkMode(l.cfg.Network),
		Init:        boolPtr(true),
		Resources:   buildResourceConstraints(l.cfg.Memory, l.cfg.CPUs),
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := l.client.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		l.remove(resp.ID)
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	l.logger.Info("started agent container", "container_id", shortID(resp.ID), "image", l.cfg.Image)
	return resp.ID, nil
}

func (l *Launcher) execInteractive(ctx context.Context, containerID string, cmd container.Command, ephemeral bool) (*container.Process, error) {
	execConfig := dockercontainer.ExecOptions{
		Cmd:          append([]string{cmd.Path}, cmd.Args...),
		Env:          cmd.Env,
		WorkingDir:   cmd.Dir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  true,
		Tty:          false,
		User:         l.cfg.User,
	}

	execResp, err := l.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := l.client.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	go func() {
		defer func() { _ = stdoutWriter.Close() }()
		defer func() { _ = stderrWriter.Close() }()
		_, _ = stdcopy.StdCopy(stdoutWriter, stderrWriter, attachResp.Reader)
	}()

	// The exec outlives the launch context; only Close ends it.
	execID := execResp.ID
	waitCtx, stopWait := context.WithCancel(context.Background())
	wait := func() (int, error) {
		for {
			inspectResp, err := l.client.ContainerExecInspect(waitCtx, execID)
			if err != nil {
				return -1, fmt.Errorf("failed to inspect exec: %w", err)
			}
			if !inspectResp.Running {
				return inspectResp.ExitCode, nil
			}
			select {
			case <-waitCtx.Done():
				return -1, waitCtx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	stdin := &hijackedWriteCloser{conn: attachResp}

	opts := []container.ProcessOption{
		// An exec cannot be signalled through the API; closing its input is
		// the interrupt the agent understands.
		container.WithInterrupt(stdin.CloseWrite),
		container.WithCleanup(func() error {
			stopWait()
			if ephemeral {
				l.remove(containerID)
			}
			return nil
		}),
	}
	if ephemeral {
		opts = append(opts, container.WithKill(func() error {
			return l.client.ContainerKill(context.Background(), containerID, "KILL")
		}))
	} else {
		opts = append(opts, container.WithKill(stdin.Close))
	}

	return container.NewProcess(stdin, stdoutReader, stderrReader, wait, opts...), nil
}

func (l *Launcher) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.client.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		l.logger.Warn("failed to remove agent container", "container_id", shortID(containerID), "error", err)
	}
}

// ensureImage pulls imageName when it is not present locally
func (l *Launcher) ensureImage(ctx context.Context, imageName string) error {
	if _, err := l.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	reader, err := l.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	type pullProgress struct {
		Status string `json:"status"`
		ID     string `json:"id"`
		Error  string `json:"error"`
	}

	decoder := json.NewDecoder(reader)
	for {
		var msg pullProgress
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to decode pull output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("pull error: %s", msg.Error)
		}
		l.logger.Debug("pulling image", "image", imageName, "layer", msg.ID, "status", msg.Status)
	}

	return nil
}

// hijackedWriteCloser wraps a HijackedResponse to implement io.WriteCloser
type hijackedWriteCloser struct {
	conn types.HijackedResponse
}

func (h *hijackedWriteCloser) Write(p []byte) (n int, err error) {
	return h.conn.Conn.Write(p)
}

// CloseWrite half-closes the exec input so the agent sees EOF
func (h *hijackedWriteCloser) CloseWrite() error {
	return h.conn.CloseWrite()
}

func (h *hijackedWriteCloser) Close() error {
	h.conn.Close()
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func boolPtr(b bool) *bool {
	return &b
}

// buildResourceConstraints creates Docker resource constraints from config
func buildResourceConstraints(memory string, cpus int) dockercontainer.Resources {
	resources := dockercontainer.Resources{}

	if memory != "" {
		memBytes := parseMemoryString(memory)
		if memBytes > 0 {
			resources.Memory = memBytes
		}
	}

	// 1 CPU = 1e9 NanoCPUs
	if cpus > 0 {
		resources.NanoCPUs = int64(cpus) * 1e9
	}

	return resources
}

// parseMemoryString converts memory strings like "4G", "2048M" to bytes
func parseMemoryString(mem string) int64 {
	if mem == "" {
		return 0
	}

	var multiplier int64 = 1
	numStr := mem

	if len(mem) > 1 {
		switch mem[len(mem)-1] {
		case 'K', 'k':
			multiplier = 1024
			numStr = mem[:len(mem)-1]
		case 'M', 'm':
			multiplier = 1024 * 1024
			numStr = mem[:len(mem)-1]
		case 'G', 'g':
			multiplier = 1024 * 1024 * 1024
			numStr = mem[:len(mem)-1]
		case 'T', 't':
			multiplier = 1024 * 1024 * 1024 * 1024
			numStr = mem[:len(mem)-1]
		}
	}

	var value int64
	_, _ = fmt.Sscanf(numStr, "%d", &value)
	return value * multiplier
}

// hostWorkDir resolves an empty work dir to the current directory so the
// bind mount and exec dir agree.
func hostWorkDir(dir string) string {
	if dir != "" {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}
