package ingestion

import (
	"errors"

	"github.com/rpattn/retailingest/internal/repository"
)

var (
	// ErrInvalidRequest is returned before any durable write when the
	// submission lacks a tenant or a file.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrStorage wraps blob store and database failures.
	ErrStorage = errors.New("storage error")
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrMalformedFile is returned when a file cannot be decoded.
	ErrMalformedFile = errors.New("malformed file")
	// ErrWorkerCrash marks a worker that ended without a terminal message.
	ErrWorkerCrash = errors.New("ingestion worker exited unexpectedly")
	// ErrTimeout marks a run that exceeded its wall-clock budget.
	ErrTimeout = errors.New("ingestion timed out")
	// ErrRunFailed marks a run that reported a logical error.
	ErrRunFailed = errors.New("ingestion failed")
	// ErrNotFound is returned when a record is absent for the tenant.
	ErrNotFound = repository.ErrNotFound
)
