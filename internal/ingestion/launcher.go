package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"runtime/debug"
	"time"
)

// GoroutineLauncher runs each job on its own goroutine. A panic in the
// runner is recovered and reported as an abnormal exit.
type GoroutineLauncher struct {
	runner Runner
}

func NewGoroutineLauncher(runner Runner) *GoroutineLauncher {
	return &GoroutineLauncher{runner: runner}
}

func (l *GoroutineLauncher) Launch(ctx context.Context, job Job) (*Execution, error) {
	execution := newExecution()
	go func() {
		status := ExitStatus{}
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[worker] upload %s panicked: %v\n%s", job.UploadID, p, debug.Stack())
				status = ExitStatus{Code: 2, Err: fmt.Errorf("worker panic: %v", p)}
			}
			execution.finish(status)
		}()
		RunJob(ctx, l.runner, job, func(m Message) { execution.send(ctx, m) })
		if err := ctx.Err(); err != nil {
			status = ExitStatus{Code: -1, Err: err}
		}
	}()
	return execution, nil
}

// ProcessLauncher runs each job in a child process that speaks the worker
// message protocol: the job as JSON on stdin, one Message per stdout line.
type ProcessLauncher struct {
	command func(ctx context.Context) *exec.Cmd
}

// NewProcessLauncher re-executes binary with args for every job.
func NewProcessLauncher(binary string, args ...string) *ProcessLauncher {
	return &ProcessLauncher{
		command: func(ctx context.Context) *exec.Cmd {
			return exec.CommandContext(ctx, binary, args...)
		},
	}
}

func (l *ProcessLauncher) Launch(ctx context.Context, job Job) (*Execution, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	cmd := l.command(ctx)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = os.Stderr
	cmd.WaitDelay = 5 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	log.Printf("[worker] upload %s started in pid %d", job.UploadID, cmd.Process.Pid)

	execution := newExecution()
	go func() {
		relayMessages(ctx, stdout, execution)
		status := ExitStatus{}
		if waitErr := cmd.Wait(); waitErr != nil {
			status = ExitStatus{Code: -1, Err: waitErr}
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				status.Code = exitErr.ExitCode()
			}
		}
		execution.finish(status)
	}()
	return execution, nil
}

// relayMessages forwards decoded stdout lines until the pipe closes.
// Undecodable lines are logged and skipped.
func relayMessages(ctx context.Context, r io.Reader, execution *Execution) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Printf("[worker] ignoring malformed worker output: %v", err)
			continue
		}
		execution.send(ctx, msg)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[worker] worker output ended: %v", err)
		_, _ = io.Copy(io.Discard, r)
	}
}
