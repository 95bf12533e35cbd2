package provider

import (
	"agentd/internal/interaction"
	"agentd/internal/process"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	maxLineSize    = 1024 * 1024
	preflightLimit = 15 * time.Second
)

// CLI runs an agent binary on the host, in its own process group.
type CLI struct {
	cfg    Config
	logger *slog.Logger
}

// NewCLI creates a CLI provider. cfg is used as given; New applies defaults.
func NewCLI(cfg Config) *CLI {
	return &CLI{
		cfg:    cfg.withDefaults(),
		logger: slog.With("component", "provider", "provider", cfg.ID),
	}
}

// ID implements Provider.
func (c *CLI) ID() string { return c.cfg.ID }

// AcceptsInput implements Provider.
func (c *CLI) AcceptsInput() bool { return c.cfg.takesInput() }

// GetInfo implements Provider.
func (c *CLI) GetInfo(context.Context) Info {
	info := Info{ID: c.cfg.ID, Type: TypeCLI}
	if !c.cfg.IsEnabled() {
		info.Reason = "provider is disabled"
		return info
	}
	if _, err := exec.LookPath(c.cfg.Command); err != nil {
		info.Reason = fmt.Sprintf("command %q not found", c.cfg.Command)
		return info
	}
	info.Available = true
	return info
}

// TestConnection implements Provider by running the binary's version command.
func (c *CLI) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, preflightLimit)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.VersionArgs...)
	cmd.Env = c.env()
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s preflight failed: %s", c.cfg.ID, msg)
	}
	return nil
}

func (c *CLI) env() []string {
	env := os.Environ()
	for k, v := range c.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// Execute implements Provider.
func (c *CLI) Execute(ctx context.Context, prompt string, opts Options, progress chan<- Progress) (*Result, error) {
	cmd := exec.Command(c.cfg.Command, buildArgs(c.cfg, prompt, opts)...)
	cmd.Dir = opts.WorkDir
	cmd.Env = c.env()

	logger := c.logger.With("jobId", opts.JobID)

	var (
		streams []outputStream
		stdin   io.WriteCloser
		closers []io.Closer
	)

	if c.cfg.PTY {
		// pty.Start makes the child a session leader, which also gives it its
		// own process group.
		master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 200})
		if err != nil {
			return nil, fmt.Errorf("starting %s under pty: %w", c.cfg.Command, err)
		}
		streams = append(streams, outputStream{r: ptyReader{master}})
		stdin = master
		closers = append(closers, master)
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		if c.cfg.Stdin && opts.Input != nil {
			if stdin, err = cmd.StdinPipe(); err != nil {
				return nil, fmt.Errorf("stdin pipe: %w", err)
			}
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting %s: %w", c.cfg.Command, err)
		}
		streams = append(streams, outputStream{r: stdout}, outputStream{r: stderr, isErr: true})
	}

	pid := cmd.Process.Pid
	logger.Info("Agent process started", "pid", pid, "pty", c.cfg.PTY)
	Emit(ctx, progress, Progress{ProcessID: pid})

	// Terminate the group when the caller cancels; exited is closed once the
	// process has been reaped.
	exited := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			logger.Info("Stopping agent process", "pid", pid)
			if err := process.Terminate(pid, c.cfg.StopGrace); err != nil {
				logger.Warn("Failed to terminate agent process", "pid", pid, "error", err)
			}
		case <-exited:
		}
	}()

	if stdin != nil && opts.Input != nil {
		// Terminal UIs read the pty in raw mode and expect a carriage return.
		eol := "\n"
		if c.cfg.PTY {
			eol = "\r"
		}
		go forwardInput(ctx, logger, opts.Input, stdin, eol, exited)
	}

	var (
		mu sync.Mutex
		tr transcript
		wg sync.WaitGroup
	)
	for _, s := range streams {
		wg.Add(1)
		go func(s outputStream) {
			defer wg.Done()
			scanner := bufio.NewScanner(s.r)
			scanner.Buffer(make([]byte, 64*1024), maxLineSize)
			for scanner.Scan() {
				mu.Lock()
				signals := tr.consume(interaction.StripANSI(scanner.Text()), s.isErr)
				mu.Unlock()
				for _, p := range signals {
					Emit(ctx, progress, p)
				}
			}
		}(s)
	}

	wg.Wait()
	waitErr := cmd.Wait()
	close(exited)
	<-stopped
	for _, cl := range closers {
		_ = cl.Close()
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		waitErr = nil
	}

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

	logger.Info("Agent process exited", "pid", pid, "exitCode", exitCode, "success", result.Success)
	return result, nil
}

type outputStream struct {
	r     io.Reader
	isErr bool
}

// ptyReader turns the EIO a pty master returns after the child exits into EOF.
type ptyReader struct {
	f *os.File
}

func (p ptyReader) Read(b []byte) (int, error) {
	n, err := p.f.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

// forwardInput writes each response followed by eol. An empty response just
// presses enter.
func forwardInput(ctx context.Context, logger *slog.Logger, input <-chan string, w io.Writer, eol string, exited <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-exited:
			return
		case resp, ok := <-input:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, resp+eol); err != nil {
				logger.Warn("Failed to write response to agent", "error", err)
				return
			}
		}
	}
}

var _ Provider = (*CLI)(nil)
