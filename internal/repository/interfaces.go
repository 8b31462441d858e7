package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rpattn/retailingest/internal/domain"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record does not exist within the caller's tenant.
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict indicates that a record cannot transition to the requested state.
	ErrStatusConflict = errors.New("ingestion record status conflict")
)

// IngestionRecordRepository persists upload attempts and their lifecycle status.
type IngestionRecordRepository interface {
	Create(ctx context.Context, record domain.IngestionRecord) (domain.IngestionRecord, error)
	// UpdateStatus moves an in-progress record to a terminal status. It returns
	// ErrNotFound when the id does not exist and ErrStatusConflict when the
	// record is already terminal.
	UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, outcome domain.IngestionOutcome) (domain.IngestionRecord, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]domain.IngestionRecord, error)
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (domain.IngestionRecord, error)
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	DeleteAllByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error)
	// Heartbeat marks the given in-progress records as alive.
	Heartbeat(ctx context.Context, ids []uuid.UUID) (int64, error)
	// FailStale marks in-progress records whose last heartbeat is before
	// cutoff as failed.
	FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error)
}

// SalesRepository upserts the business entities derived from accepted rows.
type SalesRepository interface {
	// CommitBatch writes every row of the batch in a single transaction.
	CommitBatch(ctx context.Context, tenantID uuid.UUID, batch domain.SaleBatch) (domain.BatchResult, error)
}
