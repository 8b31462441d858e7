package ingestion

import (
	"context"
	"sync"

	"github.com/rpattn/retailingest/internal/domain"
)

// Result is the resolution of a submitted upload.
type Result struct {
	Record domain.IngestionRecord
	Stats  *domain.IngestionStats
	// Err is nil on success and wraps ErrRunFailed, ErrWorkerCrash,
	// ErrTimeout or ErrStorage otherwise.
	Err error
}

// Handle is a single-resolution future for one ingestion run. Every
// terminal path resolves it; only the first resolution is kept.
type Handle struct {
	record domain.IngestionRecord
	once   sync.Once
	done   chan struct{}
	result Result
}

func newHandle(record domain.IngestionRecord) *Handle {
	return &Handle{record: record, done: make(chan struct{})}
}

// Record is the in-progress record created at submission.
func (h *Handle) Record() domain.IngestionRecord {
	return h.record
}

// Done is closed once the run is resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run resolves or ctx ends. Abandoning the wait does
// not affect the run.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) resolve(result Result) bool {
	resolved := false
	h.once.Do(func() {
		h.result = result
		close(h.done)
		resolved = true
	})
	return resolved
}
