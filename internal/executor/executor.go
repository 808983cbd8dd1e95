// Package executor defines the contract the gateway consumes from
// backend command executors, and a reference PTY-backed implementation.
//
// The gateway never depends on a concrete executor type; the balancer
// pools anything satisfying Executor.
package executor

import (
	"context"
	"time"
)

// Command is one validated unit of work for an executor. Validation of
// the command grammar happens upstream; executors receive the line as-is.
type Command struct {
	Line       string
	SessionID  string
	WorkingDir string
	Env        map[string]string
}

// Result is the outcome of running a command.
type Result struct {
	Success bool          `json:"success"`
	Output  string        `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"-"`
}

// ElapsedMs reports elapsed time in whole milliseconds for the wire.
func (r *Result) ElapsedMs() int64 {
	return r.Elapsed.Milliseconds()
}

// Executor is the narrow capability interface for one backend instance:
// run a command, answer a health probe, shut down.
type Executor interface {
	Run(ctx context.Context, command Command) (*Result, error)
	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
