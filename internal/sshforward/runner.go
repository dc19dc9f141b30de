package sshforward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned by a Runner when the command outlived its timeout.
// The process has been killed by then.
var ErrTimeout = errors.New("ssh command timed out")

// Result is the outcome of one ssh invocation.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

func (r Result) String() string {
	return fmt.Sprintf("exit=%d stdout=%q stderr=%q", r.ExitCode, strings.TrimSpace(string(r.Stdout)), strings.TrimSpace(string(r.Stderr)))
}

// Runner executes an ssh command line with a bounded timeout.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, argv []string) (Result, error)
}

// ExecRunner runs commands as local processes.
type ExecRunner struct{}

// Run starts argv[0] with the remaining arguments and waits at most timeout.
// A non-zero exit code is not an error; it is reported in Result.
func (ExecRunner) Run(ctx context.Context, timeout time.Duration, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Printf("[ssh] cmd: %s", strings.Join(argv, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// ssh -f forks into the background while holding the pipes; don't wait
	// for them after the parent exits.
	cmd.WaitDelay = 500 * time.Millisecond

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		res.ExitCode = -1
		return res, ErrTimeout
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if errors.Is(err, exec.ErrWaitDelay) {
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return res, nil
}
