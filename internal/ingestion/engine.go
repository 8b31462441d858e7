package ingestion

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/rpattn/retailingest/internal/blob"
	"github.com/rpattn/retailingest/internal/domain"
	"github.com/rpattn/retailingest/internal/repository"
	"github.com/rpattn/retailingest/pkg/validator"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rpattn/retailingest/internal/ingestion"

// Engine decodes an uploaded sheet, validates each row and commits accepted
// rows batch by batch.
type Engine struct {
	blobs         blob.Store
	sales         repository.SalesRepository
	validator     *validator.RowValidator
	batchSize     int
	maxRejections int
	tempDir       string
	tracer        trace.Tracer
}

type EngineOption func(*Engine)

// WithBatchSize sets the number of processed rows per batch.
func WithBatchSize(size int) EngineOption {
	return func(e *Engine) {
		if size > 0 {
			e.batchSize = size
		}
	}
}

// WithMaxRejections caps how many rejections are itemized in the stats.
// RowsRejected always counts every rejected row.
func WithMaxRejections(limit int) EngineOption {
	return func(e *Engine) {
		if limit >= 0 {
			e.maxRejections = limit
		}
	}
}

func WithTempDir(dir string) EngineOption {
	return func(e *Engine) {
		e.tempDir = dir
	}
}

func NewEngine(blobs blob.Store, sales repository.SalesRepository, opts ...EngineOption) *Engine {
	engine := &Engine{
		blobs:         blobs,
		sales:         sales,
		validator:     validator.NewRowValidator(salesFieldDefinitions()),
		batchSize:     500,
		maxRejections: 1000,
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Run processes job and reports progress after every batch. Progress never
// decreases and reaches 100 only once the final batch is committed. A
// malformed file fails before the first progress report.
func (e *Engine) Run(ctx context.Context, job Job, progress func(percent int)) (domain.IngestionStats, error) {
	ctx, span := e.tracer.Start(ctx, "ingestion.engine.run", trace.WithAttributes(
		attribute.String("upload.id", job.UploadID.String()),
		attribute.String("tenant.id", job.TenantID.String()),
		attribute.String("file.name", job.FileName),
	))
	defer span.End()

	stats, err := e.run(ctx, job, progress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stats, err
	}
	span.SetAttributes(
		attribute.Int("rows.total", stats.RowsTotal),
		attribute.Int("rows.accepted", stats.RowsAccepted),
		attribute.Int("rows.rejected", stats.RowsRejected),
	)
	return stats, nil
}

func (e *Engine) run(ctx context.Context, job Job, progress func(int)) (domain.IngestionStats, error) {
	if progress == nil {
		progress = func(int) {}
	}
	format, err := detectFormat(job.FileName)
	if err != nil {
		return domain.IngestionStats{}, err
	}

	path, cleanup, err := e.fetch(ctx, job.FileURL, format)
	if err != nil {
		return domain.IngestionStats{}, err
	}
	defer cleanup()

	start := time.Now()
	total, err := countDataRows(ctx, path, format)
	if err != nil {
		return domain.IngestionStats{}, err
	}
	log.Printf("[worker] upload %s: %d data rows in %s", job.UploadID, total, job.FileName)

	run := &batchRun{
		engine:    e,
		tenantID:  job.TenantID,
		total:     total,
		progress:  progress,
		committed: map[string]bool{},
		stats:     domain.IngestionStats{Rejections: []domain.RowRejection{}},
	}
	err = walkRows(path, format, func(header headerMap, row []string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return run.add(ctx, header, row)
	})
	if err != nil {
		return run.stats, err
	}
	if err := run.flush(ctx, true); err != nil {
		return run.stats, err
	}
	run.stats.RowsTotal = run.processed

	log.Printf("[worker] upload %s: processed %d rows (accepted=%d rejected=%d) in %s",
		job.UploadID, run.stats.RowsTotal, run.stats.RowsAccepted, run.stats.RowsRejected, time.Since(start))
	return run.stats, nil
}

// fetch copies the blob to a local temp file so the decoder can make two
// streaming passes over it.
func (e *Engine) fetch(ctx context.Context, fileURL string, format sheetFormat) (string, func(), error) {
	rc, err := e.blobs.Open(ctx, fileURL)
	if err != nil {
		return "", nil, fmt.Errorf("%w: open upload: %w", ErrStorage, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(e.tempDir, "retailingest-*."+string(format))
	if err != nil {
		return "", nil, fmt.Errorf("%w: create temp file: %w", ErrStorage, err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, rc); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", nil, fmt.Errorf("%w: download upload: %w", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("%w: close temp file: %w", ErrStorage, err)
	}
	return tmp.Name(), cleanup, nil
}

// batchRun holds the state of a single pass over the data rows.
type batchRun struct {
	engine   *Engine
	tenantID uuid.UUID
	total    int
	progress func(int)

	stats       domain.IngestionStats
	staged      []domain.SaleRow
	rowIndex    int
	processed   int
	windowStart int
	batchIndex  int
	lastPercent int
	committed   map[string]bool
}

func (r *batchRun) add(ctx context.Context, header headerMap, row []string) error {
	r.rowIndex++
	result := r.engine.validator.ValidateRow(header.rawValues(row))

	var sale *domain.SaleRow
	if result.IsValid {
		converted := toSaleRow(r.rowIndex, result.Values)
		sale = &converted
	}

	if r.processed-r.windowStart >= r.engine.batchSize && r.atBillBoundary(sale) {
		if err := r.flush(ctx, false); err != nil {
			return err
		}
	}

	if sale == nil {
		r.stats.RowsRejected++
		if len(r.stats.Rejections) < r.engine.maxRejections {
			r.stats.Rejections = append(r.stats.Rejections, domain.RowRejection{
				RowIndex: r.rowIndex,
				Reason:   result.Reason(),
			})
		}
	} else {
		r.staged = append(r.staged, *sale)
	}
	r.processed++
	return nil
}

// atBillBoundary reports whether a batch may close before sale without
// splitting a bill across transactions.
func (r *batchRun) atBillBoundary(sale *domain.SaleRow) bool {
	if len(r.staged) == 0 {
		return true
	}
	return sale != nil && sale.BillNo != r.staged[len(r.staged)-1].BillNo
}

func (r *batchRun) flush(ctx context.Context, final bool) error {
	r.batchIndex++
	if len(r.staged) > 0 {
		batch := domain.SaleBatch{Index: r.batchIndex, Rows: r.staged, Continued: map[string]bool{}}
		for _, row := range r.staged {
			if r.committed[row.BillNo] {
				batch.Continued[row.BillNo] = true
			}
		}

		ctx, span := r.engine.tracer.Start(ctx, "ingestion.engine.batch", trace.WithAttributes(
			attribute.Int("batch.index", r.batchIndex),
			attribute.Int("batch.rows", len(r.staged)),
		))
		_, err := r.engine.sales.CommitBatch(ctx, r.tenantID, batch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return fmt.Errorf("%w: batch %d: %w", ErrStorage, r.batchIndex, err)
		}
		span.End()

		for _, row := range r.staged {
			r.committed[row.BillNo] = true
		}
		r.stats.RowsAccepted += len(r.staged)
		r.staged = make([]domain.SaleRow, 0, r.engine.batchSize)
	}
	r.windowStart = r.processed

	percent := 100
	if !final {
		percent = 99
		if r.total > 0 && r.processed*100/r.total < 99 {
			percent = r.processed * 100 / r.total
		}
	}
	if percent < r.lastPercent {
		percent = r.lastPercent
	}
	r.lastPercent = percent
	r.progress(percent)
	return nil
}
