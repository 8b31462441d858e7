package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/retailingest/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperLauncher re-executes the test binary as a worker running mode.
func helperLauncher(mode string) *ProcessLauncher {
	return &ProcessLauncher{command: func(ctx context.Context) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess", "--", mode)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
		return cmd
	}}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	mode := ""
	if len(args) > 1 {
		mode = args[1]
	}

	switch mode {
	case "complete":
		runner := runnerFunc(func(_ context.Context, _ Job, progress func(int)) (domain.IngestionStats, error) {
			progress(50)
			progress(100)
			return domain.IngestionStats{RowsTotal: 2, RowsAccepted: 2, Rejections: []domain.RowRejection{}}, nil
		})
		if err := ServeWorker(context.Background(), runner, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "crash":
		_, _ = io.Copy(io.Discard, os.Stdin)
		fmt.Fprintln(os.Stdout, `{"type":"progress","progress":40}`)
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func collect(t *testing.T, execution *Execution) ([]Message, ExitStatus) {
	t.Helper()
	var messages []Message
	timeout := time.After(10 * time.Second)
	for {
		select {
		case msg, ok := <-execution.Messages():
			if !ok {
				select {
				case status := <-execution.Exit():
					return messages, status
				case <-timeout:
					t.Fatalf("worker never reported its exit")
				}
			}
			messages = append(messages, msg)
		case <-timeout:
			t.Fatalf("worker never closed its message stream")
		}
	}
}

func TestProcessLauncherRelaysMessages(t *testing.T) {
	execution, err := helperLauncher("complete").Launch(context.Background(), Job{UploadID: uuid.New(), FileName: "sales.csv"})
	require.NoError(t, err)

	messages, status := collect(t, execution)
	assert.False(t, status.Abnormal(), "status %+v", status)
	require.Len(t, messages, 3)
	assert.Equal(t, Message{Type: MessageProgress, Progress: 50}, messages[0])
	assert.Equal(t, Message{Type: MessageProgress, Progress: 100}, messages[1])
	assert.Equal(t, MessageCompleted, messages[2].Type)
	require.NotNil(t, messages[2].Stats)
	assert.Equal(t, 2, messages[2].Stats.RowsAccepted)
}

func TestProcessLauncherReportsCrash(t *testing.T) {
	execution, err := helperLauncher("crash").Launch(context.Background(), Job{UploadID: uuid.New()})
	require.NoError(t, err)

	messages, status := collect(t, execution)
	assert.Equal(t, 3, status.Code)
	assert.True(t, status.Abnormal())
	assert.Equal(t, []Message{{Type: MessageProgress, Progress: 40}}, messages)
}

func TestProcessLauncherKillsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	execution, err := helperLauncher("hang").Launch(ctx, Job{UploadID: uuid.New()})
	require.NoError(t, err)
	cancel()

	_, status := collect(t, execution)
	assert.True(t, status.Abnormal())
}

func TestOrchestratorKilledWorkerFailsUpload(t *testing.T) {
	orchestrator, records, publisher := newTestOrchestrator(t, helperLauncher("crash"))

	handle := submitCSV(t, orchestrator, uuid.New(), salesHeader)
	result := waitResult(t, handle)

	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, ErrWorkerCrash)
	assert.Contains(t, result.Err.Error(), "exit code 3")
	assert.Equal(t, domain.IngestionStatusFailed, records.get(handle.Record().ID).Status)

	events := publisher.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, domain.ProgressEventError, events[1].Status)
}

func TestGoroutineLauncherRecoversPanic(t *testing.T) {
	launcher := NewGoroutineLauncher(runnerFunc(func(_ context.Context, _ Job, progress func(int)) (domain.IngestionStats, error) {
		progress(10)
		panic("boom")
	}))
	execution, err := launcher.Launch(context.Background(), Job{UploadID: uuid.New()})
	require.NoError(t, err)

	messages, status := collect(t, execution)
	assert.Equal(t, 2, status.Code)
	assert.Equal(t, []Message{{Type: MessageProgress, Progress: 10}}, messages)
}

func TestRunJobSendsSingleTerminalMessage(t *testing.T) {
	var messages []Message
	runner := runnerFunc(func(_ context.Context, _ Job, progress func(int)) (domain.IngestionStats, error) {
		progress(25)
		return domain.IngestionStats{}, errors.New("malformed file: no header row found")
	})
	RunJob(context.Background(), runner, Job{}, func(m Message) { messages = append(messages, m) })

	require.Len(t, messages, 2)
	assert.False(t, messages[0].IsTerminal())
	assert.Equal(t, Message{Type: MessageError, Error: "malformed file: no header row found"}, messages[1])
}

func TestServeWorkerSpeaksJSONLines(t *testing.T) {
	job := Job{UploadID: uuid.New(), TenantID: uuid.New(), FileName: "sales.csv", FileURL: "file:///tmp/sales.csv"}
	payload, err := json.Marshal(job)
	require.NoError(t, err)

	var received Job
	runner := runnerFunc(func(_ context.Context, j Job, progress func(int)) (domain.IngestionStats, error) {
		received = j
		progress(100)
		return domain.IngestionStats{RowsTotal: 1, RowsAccepted: 1, Rejections: []domain.RowRejection{}}, nil
	})

	var out bytes.Buffer
	require.NoError(t, ServeWorker(context.Background(), runner, bytes.NewReader(payload), &out))
	assert.Equal(t, job, received)

	scanner := bufio.NewScanner(&out)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"progress","progress":100}`, lines[0])
	assert.JSONEq(t, `{"type":"completed","stats":{"rowsTotal":1,"rowsAccepted":1,"rowsRejected":0,"rejections":[]}}`, lines[1])
}

func TestServeWorkerRejectsBadJob(t *testing.T) {
	err := ServeWorker(context.Background(), runnerFunc(nil), strings.NewReader("{"), io.Discard)
	assert.Error(t, err)
}
