package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/retailingest/internal/blob"
	"github.com/rpattn/retailingest/internal/domain"
	"github.com/rpattn/retailingest/internal/repository"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// EventPublisher fans progress events out to observers. Publish must not block.
type EventPublisher interface {
	Publish(event domain.ProgressEvent)
}

// OutcomeNotifier is told about every terminal record.
type OutcomeNotifier interface {
	NotifyOutcome(ctx context.Context, record domain.IngestionRecord) error
}

// Metrics records run level measurements.
type Metrics interface {
	RunStarted()
	RunFinished(status domain.IngestionStatus, duration time.Duration, stats *domain.IngestionStats)
	SubmitRejected(reason string)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted() {}
func (noopMetrics) RunFinished(domain.IngestionStatus, time.Duration, *domain.IngestionStats) {}
func (noopMetrics) SubmitRejected(string) {}

const staleRecordMessage = "ingestion was interrupted before completion; please re-submit the file"

// Orchestrator accepts uploads, supervises their workers and reconciles
// worker outcomes into ingestion records.
type Orchestrator struct {
	records   repository.IngestionRecordRepository
	blobs     blob.Store
	launcher  Launcher
	publisher EventPublisher
	notifier  OutcomeNotifier
	metrics   Metrics
	tracer    trace.Tracer

	blobPrefix string
	timeout    time.Duration
	heartbeat  time.Duration
	global     *semaphore.Weighted
	perTenant  int64
	now        func() time.Time

	tenantMu    sync.Mutex
	tenantSlots map[uuid.UUID]*tenantSlot

	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	runMu    sync.Mutex
	draining bool
	active   map[uuid.UUID]struct{}
}

type tenantSlot struct {
	sem  *semaphore.Weighted
	refs int
}

type Option func(*Orchestrator)

// WithRunTimeout bounds the wall-clock time of a single run.
func WithRunTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithMaxConcurrent bounds the number of workers running at once.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.global = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMaxPerTenant bounds concurrent workers per tenant. Zero disables the bound.
func WithMaxPerTenant(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.perTenant = int64(n)
		}
	}
}

func WithNotifier(notifier OutcomeNotifier) Option {
	return func(o *Orchestrator) {
		o.notifier = notifier
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(o *Orchestrator) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithHeartbeatInterval sets how often running uploads are marked alive.
// In-progress records without a heartbeat for three intervals are treated
// as orphaned by Reconcile.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.heartbeat = interval
		}
	}
}

func WithBlobPrefix(prefix string) Option {
	return func(o *Orchestrator) {
		o.blobPrefix = prefix
	}
}

func NewOrchestrator(
	records repository.IngestionRecordRepository,
	blobs blob.Store,
	launcher Launcher,
	publisher EventPublisher,
	opts ...Option,
) *Orchestrator {
	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		records:     records,
		blobs:       blobs,
		launcher:    launcher,
		publisher:   publisher,
		metrics:     noopMetrics{},
		tracer:      otel.Tracer(tracerName),
		timeout:     30 * time.Minute,
		heartbeat:   15 * time.Second,
		global:      semaphore.NewWeighted(4),
		now:         time.Now,
		tenantSlots: map[uuid.UUID]*tenantSlot{},
		baseCtx:     baseCtx,
		cancel:      cancel,
		active:      map[uuid.UUID]struct{}{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitRequest is one upload from an authenticated principal.
type SubmitRequest struct {
	TenantID   uuid.UUID
	UploadedBy *uuid.UUID
	FileName   string
	Content    io.Reader
}

// Submit stores the file, records the attempt as in-progress and starts a
// worker. The returned handle resolves once the run reaches a terminal
// status. No record is created when validation or the blob upload fails.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Handle, error) {
	if req.TenantID == uuid.Nil {
		o.metrics.SubmitRejected("invalid")
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	if req.Content == nil || strings.TrimSpace(req.FileName) == "" {
		o.metrics.SubmitRejected("invalid")
		return nil, fmt.Errorf("%w: file is required", ErrInvalidRequest)
	}
	if _, err := detectFormat(req.FileName); err != nil {
		o.metrics.SubmitRejected("invalid")
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !o.beginRun() {
		return nil, fmt.Errorf("%w: ingestion service is shutting down", ErrStorage)
	}
	launched := false
	defer func() {
		if !launched {
			o.wg.Done()
		}
	}()

	ctx, span := o.tracer.Start(ctx, "ingestion.submit", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID.String()),
		attribute.String("file.name", req.FileName),
	))
	defer span.End()

	key := blob.ObjectKey(o.blobPrefix, req.TenantID, req.FileName)
	fileURL, err := o.blobs.Put(ctx, key, req.Content, blob.ContentTypeFor(req.FileName))
	if err != nil {
		o.metrics.SubmitRejected("blob")
		span.RecordError(err)
		span.SetStatus(codes.Error, "blob upload failed")
		return nil, fmt.Errorf("%w: upload file: %w", ErrStorage, err)
	}

	record, err := o.records.Create(ctx, domain.IngestionRecord{
		TenantID:   req.TenantID,
		UploadedBy: req.UploadedBy,
		FileName:   req.FileName,
		FileURL:    fileURL,
		Status:     domain.IngestionStatusInProgress,
	})
	if err != nil {
		o.metrics.SubmitRejected("record")
		span.RecordError(err)
		span.SetStatus(codes.Error, "record create failed")
		log.Printf("[ingestion] record create failed, orphaned blob %s: %v", fileURL, err)
		return nil, fmt.Errorf("%w: create ingestion record: %w", ErrStorage, err)
	}
	span.SetAttributes(attribute.String("upload.id", record.ID.String()))
	log.Printf("[ingestion] upload %s accepted for tenant %s (%s)", record.ID, record.TenantID, record.FileName)

	o.runMu.Lock()
	o.active[record.ID] = struct{}{}
	o.runMu.Unlock()

	handle := newHandle(record)
	launched = true
	go o.supervise(record, handle)
	return handle, nil
}

// beginRun registers a run with the shutdown wait group unless the
// orchestrator is draining.
func (o *Orchestrator) beginRun() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.draining {
		return false
	}
	o.wg.Add(1)
	return true
}

type runOutcome struct {
	status  domain.IngestionStatus
	stats   *domain.IngestionStats
	message string
	err     error
}

func (o *Orchestrator) supervise(record domain.IngestionRecord, handle *Handle) {
	defer o.wg.Done()
	start := o.now()
	o.metrics.RunStarted()

	ctx, cancel := context.WithTimeout(o.baseCtx, o.timeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "ingestion.run", trace.WithAttributes(
		attribute.String("upload.id", record.ID.String()),
		attribute.String("tenant.id", record.TenantID.String()),
	))
	defer span.End()

	finished := false
	finish := func(outcome runOutcome) {
		if finished {
			return
		}
		finished = true
		if outcome.err != nil {
			span.RecordError(outcome.err)
			span.SetStatus(codes.Error, outcome.message)
		}
		o.finish(record, handle, outcome, start)
	}

	release, err := o.acquire(ctx, record.TenantID)
	if err != nil {
		finish(o.interrupted(ctx))
		return
	}
	var releaseOnce sync.Once
	freeSlots := func() { releaseOnce.Do(release) }
	defer freeSlots()

	execution, err := o.launcher.Launch(ctx, Job{
		UploadID: record.ID,
		TenantID: record.TenantID,
		FileName: record.FileName,
		FileURL:  record.FileURL,
	})
	if err != nil {
		log.Printf("[ingestion] upload %s: failed to launch worker: %v", record.ID, err)
		finish(runOutcome{
			status:  domain.IngestionStatusFailed,
			message: "failed to start ingestion worker",
			err:     fmt.Errorf("%w: launch: %w", ErrWorkerCrash, err),
		})
		return
	}

	lastProgress := 0
	messages := execution.Messages()
	expired := ctx.Done()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			if !finished {
				o.relay(record, msg, &lastProgress, finish)
			}
		case status := <-execution.Exit():
			if messages != nil {
				for msg := range messages {
					if !finished {
						o.relay(record, msg, &lastProgress, finish)
					}
				}
			}
			if !finished {
				log.Printf("[ingestion] upload %s: worker exited without a result (code=%d err=%v)", record.ID, status.Code, status.Err)
				finish(runOutcome{
					status:  domain.IngestionStatusFailed,
					message: ErrWorkerCrash.Error(),
					err:     fmt.Errorf("%w (exit code %d)", ErrWorkerCrash, status.Code),
				})
			}
			return
		case <-expired:
			expired = nil
			finish(o.interrupted(ctx))
			// A runner that ignores cancellation must not hold its slots;
			// keep looping until the cancelled worker reports its exit.
			freeSlots()
		}
	}
}

// relay handles one worker message. Progress is forwarded as a
// non-decreasing percentage; a terminal message finishes the run.
func (o *Orchestrator) relay(record domain.IngestionRecord, msg Message, lastProgress *int, finish func(runOutcome)) {
	switch msg.Type {
	case MessageProgress:
		percent := msg.Progress
		if percent > 100 {
			percent = 100
		}
		if percent < *lastProgress {
			percent = *lastProgress
		}
		*lastProgress = percent
		o.publisher.Publish(domain.NewProgressEvent(record.TenantID, record.ID, percent))
	case MessageCompleted:
		stats := msg.Stats
		if stats == nil {
			stats = &domain.IngestionStats{Rejections: []domain.RowRejection{}}
		}
		finish(runOutcome{status: domain.IngestionStatusCompleted, stats: stats})
	case MessageError:
		message := strings.TrimSpace(msg.Error)
		if message == "" {
			message = ErrRunFailed.Error()
		}
		finish(runOutcome{
			status:  domain.IngestionStatusFailed,
			message: message,
			err:     fmt.Errorf("%w: %s", ErrRunFailed, message),
		})
	default:
		log.Printf("[ingestion] upload %s: ignoring unknown worker message %q", record.ID, msg.Type)
	}
}

func (o *Orchestrator) interrupted(ctx context.Context) runOutcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		message := fmt.Sprintf("ingestion timed out after %s", o.timeout)
		return runOutcome{status: domain.IngestionStatusFailed, message: message, err: fmt.Errorf("%w: %s", ErrTimeout, message)}
	}
	return runOutcome{
		status:  domain.IngestionStatusFailed,
		message: "ingestion interrupted by server shutdown",
		err:     fmt.Errorf("%w: interrupted by shutdown", ErrWorkerCrash),
	}
}

// finish performs the single terminal write for a run, publishes the
// terminal event and resolves the handle. The outcome notifier runs last so
// a slow broker never delays the caller.
func (o *Orchestrator) finish(record domain.IngestionRecord, handle *Handle, outcome runOutcome, start time.Time) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updated, err := o.records.UpdateStatus(writeCtx, record.TenantID, record.ID, domain.IngestionOutcome{
		Status:       outcome.status,
		Stats:        outcome.stats,
		ErrorMessage: outcome.message,
	})
	if err != nil {
		log.Printf("[ingestion] upload %s: failed to record %s outcome: %v", record.ID, outcome.status, err)
		if outcome.status == domain.IngestionStatusCompleted {
			outcome = runOutcome{
				status:  domain.IngestionStatusFailed,
				stats:   outcome.stats,
				message: "failed to record ingestion outcome",
				err:     fmt.Errorf("%w: record outcome: %w", ErrStorage, err),
			}
		}
		updated = record
		updated.Status = outcome.status
		updated.Stats = outcome.stats
	}

	var event domain.ProgressEvent
	if outcome.status == domain.IngestionStatusCompleted {
		event = domain.NewCompletedEvent(record.TenantID, record.ID, *outcome.stats)
		log.Printf("[ingestion] upload %s completed (rows=%d accepted=%d rejected=%d) in %s",
			record.ID, outcome.stats.RowsTotal, outcome.stats.RowsAccepted, outcome.stats.RowsRejected, o.now().Sub(start))
	} else {
		event = domain.NewErrorEvent(record.TenantID, record.ID, outcome.message)
		log.Printf("[ingestion] upload %s failed: %s", record.ID, outcome.message)
	}
	o.publisher.Publish(event)
	o.metrics.RunFinished(outcome.status, o.now().Sub(start), outcome.stats)

	o.runMu.Lock()
	delete(o.active, record.ID)
	o.runMu.Unlock()

	handle.resolve(Result{Record: updated, Stats: outcome.stats, Err: outcome.err})

	if o.notifier != nil {
		notifyCtx, cancelNotify := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelNotify()
		if err := o.notifier.NotifyOutcome(notifyCtx, updated); err != nil {
			log.Printf("[ingestion] upload %s: outcome notification failed: %v", record.ID, err)
		}
	}
}

// acquire waits for a global worker slot and, when configured, a slot for
// the tenant.
func (o *Orchestrator) acquire(ctx context.Context, tenantID uuid.UUID) (func(), error) {
	if err := o.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if o.perTenant <= 0 {
		return func() { o.global.Release(1) }, nil
	}

	o.tenantMu.Lock()
	slot, ok := o.tenantSlots[tenantID]
	if !ok {
		slot = &tenantSlot{sem: semaphore.NewWeighted(o.perTenant)}
		o.tenantSlots[tenantID] = slot
	}
	slot.refs++
	o.tenantMu.Unlock()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		o.dropTenantSlot(tenantID, slot)
		o.global.Release(1)
		return nil, err
	}
	return func() {
		slot.sem.Release(1)
		o.dropTenantSlot(tenantID, slot)
		o.global.Release(1)
	}, nil
}

func (o *Orchestrator) dropTenantSlot(tenantID uuid.UUID, slot *tenantSlot) {
	o.tenantMu.Lock()
	defer o.tenantMu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(o.tenantSlots, tenantID)
	}
}

// History lists the tenant's ingestion records, newest first.
func (o *Orchestrator) History(ctx context.Context, tenantID uuid.UUID) ([]domain.IngestionRecord, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	return o.records.ListByTenant(ctx, tenantID)
}

// Status returns one record of the tenant or ErrNotFound.
func (o *Orchestrator) Status(ctx context.Context, tenantID, id uuid.UUID) (domain.IngestionRecord, error) {
	if tenantID == uuid.Nil {
		return domain.IngestionRecord{}, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	return o.records.GetByID(ctx, tenantID, id)
}

// DeleteHistory removes one record when id is set (ErrNotFound if absent)
// or every record of the tenant otherwise. It returns the number removed.
func (o *Orchestrator) DeleteHistory(ctx context.Context, tenantID uuid.UUID, id *uuid.UUID) (int64, error) {
	if tenantID == uuid.Nil {
		return 0, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	if id != nil {
		if err := o.records.Delete(ctx, tenantID, *id); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return o.records.DeleteAllByTenant(ctx, tenantID)
}

// Reconcile fails in-progress records whose heartbeat has lapsed: runs of a
// crashed process, or runs whose terminal write failed. Runs owned by live
// instances keep a fresh heartbeat and are left alone.
func (o *Orchestrator) Reconcile(ctx context.Context) (int64, error) {
	count, err := o.records.FailStale(ctx, o.now().Add(-3*o.heartbeat), staleRecordMessage)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Printf("[ingestion] marked %d interrupted uploads as failed", count)
	}
	return count, nil
}

// Maintain refreshes the heartbeat of this instance's running uploads and
// reconciles orphaned records every heartbeat interval until ctx ends.
func (o *Orchestrator) Maintain(ctx context.Context) error {
	ticker := time.NewTicker(o.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.beat(ctx); err != nil {
				log.Printf("[ingestion] heartbeat failed: %v", err)
			}
			if _, err := o.Reconcile(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[ingestion] reconcile failed: %v", err)
			}
		}
	}
}

func (o *Orchestrator) beat(ctx context.Context) error {
	o.runMu.Lock()
	ids := make([]uuid.UUID, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.runMu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	_, err := o.records.Heartbeat(ctx, ids)
	return err
}

// Shutdown stops accepting uploads and waits for running ones. When ctx
// ends first the remaining runs are cancelled and recorded as failed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.runMu.Lock()
	o.draining = true
	o.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("[ingestion] shutdown: workers still running after cancellation")
	}
	return ctx.Err()
}
