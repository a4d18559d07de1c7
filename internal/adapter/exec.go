package adapter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ExecOptions configures one subprocess invocation.
type ExecOptions struct {
	Timeout     time.Duration // AGENT_TIMEOUT_MS, 0 = no limit
	MaxBuffer   int           // AGENT_MAX_BUFFER bytes, 0 = no cap
	Env         map[string]string
	Dir         string
	NeedsPty    bool
	MergeStderr bool
}

// ExecResult is the outcome of one subprocess run.
type ExecResult struct {
	Stdout         []byte
	ExitCode       int
	TimedOut       bool
	BufferExceeded bool
}

// Kind values for ExecError, matching the AgentExecError taxonomy.
const (
	ExecKindTimeout        = "timeout"
	ExecKindMaxBuffer      = "maxBufferExceeded"
	ExecKindMissingBinary  = "missingBinary"
	ExecKindNonZeroExit    = "nonZeroExit"
)

// ExecError wraps a subprocess failure with its taxonomy kind.
type ExecError struct {
	Kind string
	Err  error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return e.Kind + ": " + e.Err.Error()
	}
	return e.Kind
}

func (e *ExecError) Unwrap() error { return e.Err }

// capBuffer caps how many bytes it retains but keeps draining past the
// cap so the child process's pipe never backs up and blocks it.
type capBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	max      int
	exceeded bool
}

func (c *capBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max <= 0 || c.buf.Len() < c.max {
		room := c.max - c.buf.Len()
		if c.max <= 0 || room >= len(p) {
			c.buf.Write(p)
		} else {
			c.buf.Write(p[:room])
			c.exceeded = true
		}
	} else {
		c.exceeded = true
	}
	return len(p), nil
}

func (c *capBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *capBuffer) Exceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exceeded
}

// Execute runs cmdLine via `bash -lc <cmdLine>` under a wall-clock timeout
// and output-buffer cap, following the graceful-shutdown discipline of
// SIGTERM then (after WaitDelay) a Go-runtime-issued SIGKILL.
func Execute(ctx context.Context, cmdLine string, opts ExecOptions) (ExecResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "bash", "-lc", cmdLine)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts.Env)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	out := &capBuffer{max: opts.MaxBuffer}

	var err error
	var exitCode int
	if opts.NeedsPty {
		exitCode, err = runWithPty(cmd, out)
	} else {
		exitCode, err = runPlain(cmd, out, opts.MergeStderr)
	}

	result := ExecResult{
		Stdout:         out.Bytes(),
		ExitCode:       exitCode,
		BufferExceeded: out.Exceeded(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		return result, &ExecError{Kind: ExecKindTimeout, Err: runCtx.Err()}
	}
	if result.BufferExceeded {
		return result, &ExecError{Kind: ExecKindMaxBuffer}
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return result, &ExecError{Kind: ExecKindMissingBinary, Err: err}
		}
		if len(result.Stdout) == 0 {
			return result, &ExecError{Kind: ExecKindNonZeroExit, Err: err}
		}
		// Non-zero exit with usable stdout is downgraded by the caller
		// (the runner), not here: we still surface the raw error kind so
		// the caller can decide to log-and-continue.
		return result, &ExecError{Kind: ExecKindNonZeroExit, Err: err}
	}
	return result, nil
}

func runPlain(cmd *exec.Cmd, out *capBuffer, mergeStderr bool) (int, error) {
	cmd.Stdout = out
	if mergeStderr {
		cmd.Stderr = out
	}
	err := cmd.Run()
	return exitCodeOf(cmd, err), err
}

func runWithPty(cmd *exec.Cmd, out *capBuffer) (int, error) {
	f, err := pty.Start(cmd)
	if err != nil {
		return -1, err
	}
	defer f.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(out, f)
		close(done)
	}()

	err = cmd.Wait()
	<-done
	return exitCodeOf(cmd, err), err
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func buildEnv(extra map[string]string) []string {
	env := make([]string, 0, len(extra))
	for k, v := range extra {
		env = append(env, EnvPrefix+k+"="+v)
	}
	return append(baseEnv(), env...)
}
