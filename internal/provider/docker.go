package provider

import (
	"agentd/internal/interaction"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

const mcpMountPath = "/etc/agentd/mcp.json"

// Docker runs the agent CLI inside a container with the project work
// directory bind-mounted. The container's host PID is reported as the
// process id so the watchdog can terminate it like a local agent.
type Docker struct {
	cfg    Config
	client *client.Client
	logger *slog.Logger
}

// NewDocker creates a Docker provider. The daemon is contacted lazily.
func NewDocker(cfg Config) (*Docker, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{
		cfg:    cfg.withDefaults(),
		client: dockerClient,
		logger: slog.With("component", "provider", "provider", cfg.ID),
	}, nil
}

// ID implements Provider.
func (d *Docker) ID() string { return d.cfg.ID }

// Close releases the Docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}

// AcceptsInput implements Provider.
func (d *Docker) AcceptsInput() bool { return d.cfg.takesInput() }

// GetInfo implements Provider.
func (d *Docker) GetInfo(ctx context.Context) Info {
	info := Info{ID: d.cfg.ID, Type: TypeDocker}
	if !d.cfg.IsEnabled() {
		info.Reason = "provider is disabled"
		return info
	}
	if _, err := d.client.Ping(ctx); err != nil {
		info.Reason = fmt.Sprintf("docker daemon unreachable: %v", err)
		return info
	}
	info.Available = true
	return info
}

// TestConnection implements Provider: the daemon must answer and the image
// must be present or pullable.
func (d *Docker) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, preflightLimit)
	defer cancel()

	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("%s preflight failed: docker daemon unreachable: %v", d.cfg.ID, err)
	}
	if _, err := d.client.ImageInspect(ctx, d.cfg.Image); err != nil && d.cfg.PullPolicy == "never" {
		return fmt.Errorf("%s preflight failed: image %s not present and pulls are disabled", d.cfg.ID, d.cfg.Image)
	}
	return nil
}

// Execute implements Provider.
func (d *Docker) Execute(ctx context.Context, prompt string, opts Options, progress chan<- Progress) (*Result, error) {
	logger := d.logger.With("jobId", opts.JobID)

	if err := d.pullImageIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", d.cfg.Image, err)
	}

	interactive := opts.Input != nil && d.cfg.takesInput()
	containerID, err := d.createAgentContainer(ctx, prompt, opts, interactive)
	if err != nil {
		return nil, fmt.Errorf("creating agent container: %w", err)
	}
	defer d.removeContainer(containerID)

	if interactive {
		attach, err := d.client.ContainerAttach(ctx, containerID, container.AttachOptions{Stream: true, Stdin: true})
		if err != nil {
			return nil, fmt.Errorf("attaching agent stdin: %w", err)
		}
		defer attach.Close()
		eol := "\n"
		if d.cfg.PTY {
			eol = "\r"
		}
		exited := make(chan struct{})
		defer close(exited)
		go forwardInput(ctx, logger, opts.Input, attach.Conn, eol, exited)
	}

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting agent container: %w", err)
	}

	if inspect, err := d.client.ContainerInspect(ctx, containerID); err == nil && inspect.State != nil {
		logger.Info("Agent container started", "container", shortID(containerID), "pid", inspect.State.Pid)
		Emit(ctx, progress, Progress{ProcessID: inspect.State.Pid})
	}

	var (
		mu sync.Mutex
		tr transcript
	)
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		d.streamLogs(ctx, logger, containerID, func(line string, isErr bool) {
			mu.Lock()
			signals := tr.consume(interaction.StripANSI(line), isErr)
			mu.Unlock()
			for _, p := range signals {
				Emit(ctx, progress, p)
			}
		})
	}()

	exitCode, waitErr := d.waitForExit(ctx, containerID)
	if ctx.Err() != nil {
		d.stopContainer(containerID)
	}
	<-logsDone

	mu.Lock()
	result := tr.finish(exitCode, waitErr)
	mu.Unlock()

	if ctx.Err() != nil {
		result.Success = false
		if result.Error == "" {
			result.Error = "execution interrupted"
		}
		return result, ctx.Err()
	}
	logger.Info("Agent container exited", "container", shortID(containerID), "exitCode", exitCode, "success", result.Success)
	return result, nil
}

func (d *Docker) createAgentContainer(ctx context.Context, prompt string, opts Options, interactive bool) (string, error) {
	var mounts []mount.Mount
	if opts.WorkDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: opts.WorkDir,
			Target: d.cfg.MountPath,
		})
	}
	if opts.MCPConfigPath != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   opts.MCPConfigPath,
			Target:   mcpMountPath,
			ReadOnly: true,
		})
		opts.MCPConfigPath = mcpMountPath
	}

	env := make([]string, 0, len(d.cfg.Env))
	for k, v := range d.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &container.Config{
		Image:        d.cfg.Image,
		Cmd:          append([]string{d.cfg.Command}, buildArgs(d.cfg, prompt, opts)...),
		Env:          env,
		WorkingDir:   d.cfg.MountPath,
		Tty:          d.cfg.PTY,
		OpenStdin:    interactive,
		AttachStdin:  interactive,
		StdinOnce:    interactive,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"agentd.job.id":   opts.JobID,
			"agentd.provider": d.cfg.ID,
			"managed-by":      "agentd",
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
	}
	if d.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.cfg.Network)
	}

	name := fmt.Sprintf("agentd-%s-%d", sanitizeName(opts.JobID), time.Now().UnixNano())
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// streamLogs follows the container's output and calls fn once per line.
func (d *Docker) streamLogs(ctx context.Context, logger *slog.Logger, containerID string, fn func(line string, isErr bool)) {
	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Error("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	if d.cfg.PTY {
		// A tty container's log stream is raw, not multiplexed.
		splitter := lineSplitter{}
		buf := make([]byte, 32*1024)
		for {
			n, err := logs.Read(buf)
			splitter.write(buf[:n], func(l string) { fn(l, false) })
			if err != nil {
				splitter.flush(func(l string) { fn(l, false) })
				return
			}
		}
	}

	if err := demuxLogs(logs, fn); err != nil && ctx.Err() == nil {
		logger.Debug("Log stream ended", "error", err)
	}
}

// demuxLogs reads Docker's multiplexed stream: each frame is an 8-byte
// header (stream type, 3 padding bytes, big-endian payload size) followed by
// the payload.
func demuxLogs(r io.Reader, fn func(line string, isErr bool)) error {
	var stdout, stderr lineSplitter
	defer func() {
		stdout.flush(func(l string) { fn(l, false) })
		stderr.flush(func(l string) { fn(l, true) })
	}()

	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}

		if header[0] == 2 {
			stderr.write(payload, func(l string) { fn(l, true) })
		} else {
			stdout.write(payload, func(l string) { fn(l, false) })
		}
	}
}

// lineSplitter reassembles lines that span frames.
type lineSplitter struct {
	partial []byte
}

func (s *lineSplitter) write(p []byte, fn func(string)) {
	for _, b := range p {
		if b == '\n' {
			fn(string(trimCR(s.partial)))
			s.partial = s.partial[:0]
			continue
		}
		s.partial = append(s.partial, b)
	}
}

func (s *lineSplitter) flush(fn func(string)) {
	if len(s.partial) > 0 {
		fn(string(trimCR(s.partial)))
		s.partial = s.partial[:0]
	}
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

func (d *Docker) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (d *Docker) pullImageIfNeeded(ctx context.Context) error {
	if _, err := d.client.ImageInspect(ctx, d.cfg.Image); err == nil {
		return nil
	}
	if d.cfg.PullPolicy == "never" {
		return fmt.Errorf("image %s not present and pulls are disabled", d.cfg.Image)
	}

	reader, err := d.client.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// stopContainer stops a container with the provider's grace period. It runs
// on a fresh context because the invocation's context is already done.
func (d *Docker) stopContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StopGrace+10*time.Second)
	defer cancel()
	timeout := int(d.cfg.StopGrace.Seconds())
	_ = d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (d *Docker) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func sanitizeName(s string) string {
	if s == "" {
		return "adhoc"
	}
	return s
}

var _ Provider = (*Docker)(nil)
