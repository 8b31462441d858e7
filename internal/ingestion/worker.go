package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rpattn/retailingest/internal/domain"

	"github.com/google/uuid"
)

// Job describes one ingestion run. Workers receive the blob URL rather than
// the file bytes, so a run can be inspected or replayed from the job alone.
type Job struct {
	UploadID uuid.UUID `json:"uploadId"`
	TenantID uuid.UUID `json:"tenantId"`
	FileName string    `json:"fileName"`
	FileURL  string    `json:"fileUrl"`
}

type MessageType string

const (
	MessageProgress  MessageType = "progress"
	MessageCompleted MessageType = "completed"
	MessageError     MessageType = "error"
)

// Message is the only thing a worker communicates to its supervisor.
type Message struct {
	Type     MessageType            `json:"type"`
	Progress int                    `json:"progress,omitempty"`
	Stats    *domain.IngestionStats `json:"stats,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// IsTerminal reports whether m ends the worker's message stream.
func (m Message) IsTerminal() bool {
	return m.Type == MessageCompleted || m.Type == MessageError
}

// Runner executes a job, reporting percentages through progress.
type Runner interface {
	Run(ctx context.Context, job Job, progress func(percent int)) (domain.IngestionStats, error)
}

// RunJob drives runner and reports through send: zero or more progress
// messages followed by exactly one terminal message.
func RunJob(ctx context.Context, runner Runner, job Job, send func(Message)) {
	stats, err := runner.Run(ctx, job, func(percent int) {
		send(Message{Type: MessageProgress, Progress: percent})
	})
	if err != nil {
		send(Message{Type: MessageError, Error: err.Error()})
		return
	}
	send(Message{Type: MessageCompleted, Stats: &stats})
}

// ServeWorker is the body of a worker subprocess: it reads one Job as JSON
// from in and writes newline-delimited Messages to out.
func ServeWorker(ctx context.Context, runner Runner, in io.Reader, out io.Writer) error {
	var job Job
	if err := json.NewDecoder(in).Decode(&job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	enc := json.NewEncoder(out)
	var writeErr error
	RunJob(ctx, runner, job, func(m Message) {
		if writeErr != nil {
			return
		}
		writeErr = enc.Encode(m)
	})
	if writeErr != nil {
		return fmt.Errorf("write message: %w", writeErr)
	}
	return nil
}

// ExitStatus describes how a worker ended. A zero Code with a nil Err is a
// clean exit.
type ExitStatus struct {
	Code int
	Err  error
}

// Abnormal reports whether the worker crashed or was killed.
func (s ExitStatus) Abnormal() bool {
	return s.Code != 0 || s.Err != nil
}

// Execution is a running worker. Messages is closed before the single
// ExitStatus is delivered on Exit.
type Execution struct {
	messages chan Message
	exit     chan ExitStatus
}

func newExecution() *Execution {
	return &Execution{
		messages: make(chan Message, 64),
		exit:     make(chan ExitStatus, 1),
	}
}

func (e *Execution) Messages() <-chan Message { return e.messages }

func (e *Execution) Exit() <-chan ExitStatus { return e.exit }

func (e *Execution) send(ctx context.Context, m Message) {
	select {
	case e.messages <- m:
	case <-ctx.Done():
	}
}

func (e *Execution) finish(status ExitStatus) {
	close(e.messages)
	e.exit <- status
}

// Launcher starts an isolated worker for a job. Cancelling ctx stops it.
type Launcher interface {
	Launch(ctx context.Context, job Job) (*Execution, error)
}
