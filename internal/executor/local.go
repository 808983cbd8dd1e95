package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/voxterm/gateway/internal/infrastructure/logging"
)

var ErrShutdown = errors.New("executor is shut down")

// LocalConfig configures the reference local executor.
type LocalConfig struct {
	Shell          string
	WorkingDir     string
	MaxOutputBytes int
}

// Local runs commands on the host through a pseudo-terminal, so
// programs behave as they would in an interactive shell (line
// discipline, ANSI output). It exists so the gateway is runnable end
// to end without an external executor fleet.
type Local struct {
	cfg    LocalConfig
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocal creates a local PTY executor.
func NewLocal(cfg LocalConfig, logger *logging.Logger) *Local {
	if cfg.Shell == "" {
		cfg.Shell = os.Getenv("SHELL")
		if cfg.Shell == "" {
			cfg.Shell = "/bin/bash"
		}
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1024 * 1024
	}
	return &Local{cfg: cfg, logger: logger}
}

// Run executes one command line under the configured shell. The
// context deadline aborts the command; the process is killed and a
// timeout error returned.
func (l *Local) Run(ctx context.Context, command Command) (*Result, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrShutdown
	}
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	start := time.Now()

	cmd := exec.Command(l.cfg.Shell, "-c", command.Line)
	if command.WorkingDir != "" {
		cmd.Dir = command.WorkingDir
	} else if l.cfg.WorkingDir != "" {
		cmd.Dir = l.cfg.WorkingDir
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for key, value := range command.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	output := newBoundedBuffer(l.cfg.MaxOutputBytes)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				output.Write(buf[:n])
			}
			if readErr != nil {
				// EOF or EIO once the slave side closes.
				return
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitCh
		ptmx.Close()
		<-readDone
		return nil, fmt.Errorf("command aborted: %w", ctx.Err())
	case waitErr := <-waitCh:
		ptmx.Close()
		<-readDone
		elapsed := time.Since(start)
		if waitErr != nil {
			return &Result{
				Success: false,
				Output:  output.String(),
				Error:   waitErr.Error(),
				Elapsed: elapsed,
			}, nil
		}
		return &Result{
			Success: true,
			Output:  output.String(),
			Elapsed: elapsed,
		}, nil
	}
}

// HealthCheck verifies the shell can still spawn processes.
func (l *Local) HealthCheck(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrShutdown
	}
	l.mu.Unlock()

	cmd := exec.CommandContext(ctx, l.cfg.Shell, "-c", "true")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting work and waits for in-flight commands,
// bounded by the context deadline.
func (l *Local) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// boundedBuffer accumulates output up to a byte cap, discarding the
// tail beyond it. Safe for one writer and a later reader.
type boundedBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	dropped bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - len(b.data)
	if room <= 0 {
		b.dropped = true
		return
	}
	if len(p) > room {
		p = p[:room]
		b.dropped = true
	}
	b.data = append(b.data, p...)
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dropped {
		return string(b.data) + "\n[output truncated]"
	}
	return string(b.data)
}
