package domain

import (
	"time"

	"github.com/google/uuid"
)

// IngestionStatus is the lifecycle state of an ingestion record.
type IngestionStatus string

const (
	IngestionStatusInProgress IngestionStatus = "in-progress"
	IngestionStatusCompleted  IngestionStatus = "completed"
	IngestionStatusFailed     IngestionStatus = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s IngestionStatus) IsTerminal() bool {
	return s == IngestionStatusCompleted || s == IngestionStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s IngestionStatus) Valid() bool {
	switch s {
	case IngestionStatusInProgress, IngestionStatusCompleted, IngestionStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record in status s may move to next.
// Only in-progress records move, and only to a terminal status.
func (s IngestionStatus) CanTransition(next IngestionStatus) bool {
	return s == IngestionStatusInProgress && next.IsTerminal()
}

// IngestionRecord tracks a single upload attempt for a tenant.
type IngestionRecord struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"tenantId"`
	UploadedBy   *uuid.UUID      `json:"uploadedBy,omitempty"`
	FileName     string          `json:"fileName"`
	FileURL      string          `json:"fileUrl"`
	Status       IngestionStatus `json:"status"`
	Stats        *IngestionStats `json:"stats,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

// IngestionOutcome is the terminal result written to a record.
type IngestionOutcome struct {
	Status       IngestionStatus
	Stats        *IngestionStats
	ErrorMessage string
}
