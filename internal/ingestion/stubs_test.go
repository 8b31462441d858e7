package ingestion

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/retailingest/internal/blob"
	"github.com/rpattn/retailingest/internal/domain"
	"github.com/rpattn/retailingest/internal/repository"

	"github.com/google/uuid"
)

type memRecords struct {
	mu        sync.Mutex
	records   map[uuid.UUID]domain.IngestionRecord
	beats     map[uuid.UUID]time.Time
	updates   int
	createErr error
	cutoff    time.Time
}

func newMemRecords() *memRecords {
	return &memRecords{
		records: map[uuid.UUID]domain.IngestionRecord{},
		beats:   map[uuid.UUID]time.Time{},
	}
}

func (m *memRecords) Create(_ context.Context, record domain.IngestionRecord) (domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return domain.IngestionRecord{}, m.createErr
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.UpdatedAt = record.CreatedAt
	m.records[record.ID] = record
	m.beats[record.ID] = record.CreatedAt
	return record, nil
}

func (m *memRecords) UpdateStatus(_ context.Context, tenantID, id uuid.UUID, outcome domain.IngestionOutcome) (domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok || record.TenantID != tenantID {
		return domain.IngestionRecord{}, repository.ErrNotFound
	}
	if !record.Status.CanTransition(outcome.Status) {
		return domain.IngestionRecord{}, repository.ErrStatusConflict
	}
	now := time.Now().UTC()
	record.Status = outcome.Status
	record.Stats = outcome.Stats
	if outcome.ErrorMessage != "" {
		message := outcome.ErrorMessage
		record.ErrorMessage = &message
	}
	record.UpdatedAt = now
	record.CompletedAt = &now
	m.records[id] = record
	m.updates++
	return record, nil
}

func (m *memRecords) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.IngestionRecord{}
	for _, record := range m.records {
		if record.TenantID == tenantID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memRecords) GetByID(_ context.Context, tenantID, id uuid.UUID) (domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok || record.TenantID != tenantID {
		return domain.IngestionRecord{}, repository.ErrNotFound
	}
	return record, nil
}

func (m *memRecords) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok || record.TenantID != tenantID {
		return repository.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *memRecords) DeleteAllByTenant(_ context.Context, tenantID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, record := range m.records {
		if record.TenantID == tenantID {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *memRecords) Heartbeat(_ context.Context, ids []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if record, ok := m.records[id]; ok && record.Status == domain.IngestionStatusInProgress {
			m.beats[id] = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (m *memRecords) FailStale(_ context.Context, cutoff time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoff = cutoff
	var n int64
	for id, record := range m.records {
		if record.Status == domain.IngestionStatusInProgress && m.beats[id].Before(cutoff) {
			record.Status = domain.IngestionStatusFailed
			record.ErrorMessage = &message
			m.records[id] = record
			n++
		}
	}
	return n, nil
}

func (m *memRecords) get(id uuid.UUID) domain.IngestionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

func (m *memRecords) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *recordingPublisher) Publish(event domain.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) snapshot() []domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ProgressEvent(nil), p.events...)
}

func progressValues(events []domain.ProgressEvent) []int {
	var out []int
	for _, event := range events {
		if event.Status == domain.ProgressEventProgress {
			out = append(out, *event.Progress)
		}
	}
	return out
}

type stubSales struct {
	mu      sync.Mutex
	batches []domain.SaleBatch
	failAt  int
}

func (s *stubSales) CommitBatch(_ context.Context, _ uuid.UUID, batch domain.SaleBatch) (domain.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt != 0 && batch.Index == s.failAt {
		return domain.BatchResult{}, errors.New("connection reset by peer")
	}
	batch.Rows = append([]domain.SaleRow(nil), batch.Rows...)
	s.batches = append(s.batches, batch)
	return domain.BatchResult{BillLines: len(batch.Rows)}, nil
}

func (s *stubSales) committed() []domain.SaleBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SaleBatch(nil), s.batches...)
}

type failingStore struct {
	puts int
}

func (s *failingStore) Put(context.Context, string, io.Reader, string) (string, error) {
	s.puts++
	return "", errors.New("bucket unavailable")
}

func (s *failingStore) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, blob.ErrObjectNotFound
}

type runnerFunc func(ctx context.Context, job Job, progress func(int)) (domain.IngestionStats, error)

func (f runnerFunc) Run(ctx context.Context, job Job, progress func(int)) (domain.IngestionStats, error) {
	return f(ctx, job, progress)
}

// scriptedLauncher hands the raw execution to a script, so tests can
// reproduce workers that misbehave at the protocol level.
type scriptedLauncher func(ctx context.Context, job Job, execution *Execution)

func (s scriptedLauncher) Launch(ctx context.Context, job Job) (*Execution, error) {
	execution := newExecution()
	go s(ctx, job, execution)
	return execution, nil
}

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context, Job) (*Execution, error) {
	return nil, errors.New("fork/exec: resource temporarily unavailable")
}

func newFileStore(t *testing.T) *blob.FileSystemStore {
	t.Helper()
	store, err := blob.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	return store
}

func waitResult(t *testing.T, handle *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("upload %s never resolved: %v", handle.Record().ID, err)
	}
	return result
}
