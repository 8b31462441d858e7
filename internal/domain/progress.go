package domain

import "github.com/google/uuid"

// RowRejection describes a single data row that failed validation.
type RowRejection struct {
	RowIndex int    `json:"rowIndex"`
	Reason   string `json:"reason"`
}

// IngestionStats is the terminal aggregate of an ingestion run.
type IngestionStats struct {
	RowsTotal    int            `json:"rowsTotal"`
	RowsAccepted int            `json:"rowsAccepted"`
	RowsRejected int            `json:"rowsRejected"`
	Rejections   []RowRejection `json:"rejections"`
}

// ProgressEventStatus identifies the kind of a progress event.
type ProgressEventStatus string

const (
	ProgressEventProgress  ProgressEventStatus = "progress"
	ProgressEventCompleted ProgressEventStatus = "completed"
	ProgressEventError     ProgressEventStatus = "error"
)

// ProgressEvent is the message pushed to observers of an upload.
type ProgressEvent struct {
	UploadID uuid.UUID           `json:"uploadId"`
	TenantID uuid.UUID           `json:"-"`
	Status   ProgressEventStatus `json:"status"`
	Progress *int                `json:"progress,omitempty"`
	Stats    *IngestionStats     `json:"stats,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// IsTerminal reports whether the event ends the upload's event stream.
func (e ProgressEvent) IsTerminal() bool {
	return e.Status == ProgressEventCompleted || e.Status == ProgressEventError
}

// NewProgressEvent builds a percentage event.
func NewProgressEvent(tenantID, uploadID uuid.UUID, percent int) ProgressEvent {
	return ProgressEvent{UploadID: uploadID, TenantID: tenantID, Status: ProgressEventProgress, Progress: &percent}
}

// NewCompletedEvent builds a terminal success event.
func NewCompletedEvent(tenantID, uploadID uuid.UUID, stats IngestionStats) ProgressEvent {
	return ProgressEvent{UploadID: uploadID, TenantID: tenantID, Status: ProgressEventCompleted, Stats: &stats}
}

// NewErrorEvent builds a terminal failure event.
func NewErrorEvent(tenantID, uploadID uuid.UUID, message string) ProgressEvent {
	return ProgressEvent{UploadID: uploadID, TenantID: tenantID, Status: ProgressEventError, Error: message}
}
