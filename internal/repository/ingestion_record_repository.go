package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/retailingest/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const ingestionRecordColumns = `id, tenant_id, uploaded_by, file_name, file_url, status, stats, error_message, created_at, updated_at, completed_at`

type ingestionRecordRepository struct {
	db DBTX
}

// NewIngestionRecordRepository wires a repository backed by pgx.
func NewIngestionRecordRepository(db DBTX) IngestionRecordRepository {
	return &ingestionRecordRepository{db: db}
}

func (r *ingestionRecordRepository) Create(ctx context.Context, record domain.IngestionRecord) (domain.IngestionRecord, error) {
	if r.db == nil {
		return domain.IngestionRecord{}, fmt.Errorf("ingestion record repository not initialized")
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = domain.IngestionStatusInProgress
	}

	uploadedBy := pgtype.UUID{}
	if record.UploadedBy != nil {
		uploadedBy = pgtype.UUID{Bytes: [16]byte(*record.UploadedBy), Valid: true}
	}

	row := r.db.QueryRow(
		ctx,
		`INSERT INTO ingestion_records (id, tenant_id, uploaded_by, file_name, file_url, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+ingestionRecordColumns,
		record.ID,
		record.TenantID,
		uploadedBy,
		record.FileName,
		record.FileURL,
		string(record.Status),
	)
	created, err := scanIngestionRecord(row)
	if err != nil {
		return domain.IngestionRecord{}, fmt.Errorf("failed to create ingestion record: %w", err)
	}
	return created, nil
}

func (r *ingestionRecordRepository) UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, outcome domain.IngestionOutcome) (domain.IngestionRecord, error) {
	if !outcome.Status.IsTerminal() {
		return domain.IngestionRecord{}, fmt.Errorf("%w: %s is not a terminal status", ErrStatusConflict, outcome.Status)
	}

	var statsJSON []byte
	if outcome.Stats != nil {
		encoded, err := json.Marshal(outcome.Stats)
		if err != nil {
			return domain.IngestionRecord{}, fmt.Errorf("marshal ingestion stats: %w", err)
		}
		statsJSON = encoded
	}
	errorMessage := pgtype.Text{}
	if outcome.ErrorMessage != "" {
		errorMessage = pgtype.Text{String: outcome.ErrorMessage, Valid: true}
	}

	row := r.db.QueryRow(
		ctx,
		`UPDATE ingestion_records
		 SET status = $3, stats = $4, error_message = $5, updated_at = now(), completed_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND status = 'in-progress'
		 RETURNING `+ingestionRecordColumns,
		id,
		tenantID,
		string(outcome.Status),
		statsJSON,
		errorMessage,
	)
	updated, err := scanIngestionRecord(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.IngestionRecord{}, fmt.Errorf("failed to update ingestion record status: %w", err)
	}

	// Nothing matched: either the record is gone or it is already terminal.
	current, getErr := r.GetByID(ctx, tenantID, id)
	if getErr != nil {
		return domain.IngestionRecord{}, getErr
	}
	return domain.IngestionRecord{}, fmt.Errorf("%w: record %s is %s", ErrStatusConflict, id, current.Status)
}

func (r *ingestionRecordRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]domain.IngestionRecord, error) {
	rows, err := r.db.Query(
		ctx,
		`SELECT `+ingestionRecordColumns+`
		 FROM ingestion_records
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC, id DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion records: %w", err)
	}
	defer rows.Close()

	records := []domain.IngestionRecord{}
	for rows.Next() {
		record, scanErr := scanIngestionRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan ingestion record: %w", scanErr)
		}
		records = append(records, record)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate ingestion records: %w", rowsErr)
	}
	return records, nil
}

func (r *ingestionRecordRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (domain.IngestionRecord, error) {
	row := r.db.QueryRow(
		ctx,
		`SELECT `+ingestionRecordColumns+`
		 FROM ingestion_records
		 WHERE id = $1 AND tenant_id = $2`,
		id,
		tenantID,
	)
	record, err := scanIngestionRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IngestionRecord{}, fmt.Errorf("%w: ingestion record %s", ErrNotFound, id)
		}
		return domain.IngestionRecord{}, fmt.Errorf("failed to get ingestion record: %w", err)
	}
	return record, nil
}

func (r *ingestionRecordRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM ingestion_records WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete ingestion record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: ingestion record %s", ErrNotFound, id)
	}
	return nil
}

func (r *ingestionRecordRepository) DeleteAllByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM ingestion_records WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete ingestion records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ingestionRecordRepository) Heartbeat(ctx context.Context, ids []uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(
		ctx,
		`UPDATE ingestion_records SET heartbeat_at = now()
		 WHERE id = ANY($1) AND status = 'in-progress'`,
		ids,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ingestionRecordRepository) FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	tag, err := r.db.Exec(
		ctx,
		`UPDATE ingestion_records
		 SET status = 'failed', error_message = $2, updated_at = now(), completed_at = now()
		 WHERE status = 'in-progress' AND heartbeat_at < $1`,
		cutoff,
		message,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale ingestion records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanIngestionRecord(row pgx.Row) (domain.IngestionRecord, error) {
	var (
		record       domain.IngestionRecord
		uploadedBy   pgtype.UUID
		status       string
		stats        []byte
		errorMessage pgtype.Text
		createdAt    pgtype.Timestamptz
		updatedAt    pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&record.TenantID,
		&uploadedBy,
		&record.FileName,
		&record.FileURL,
		&status,
		&stats,
		&errorMessage,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return domain.IngestionRecord{}, err
	}
	return mapIngestionRecord(record, uploadedBy, status, stats, errorMessage, createdAt, updatedAt, completedAt)
}

func mapIngestionRecord(
	record domain.IngestionRecord,
	uploadedBy pgtype.UUID,
	status string,
	stats []byte,
	errorMessage pgtype.Text,
	createdAt, updatedAt, completedAt pgtype.Timestamptz,
) (domain.IngestionRecord, error) {
	record.Status = domain.IngestionStatus(status)
	if !record.Status.Valid() {
		return domain.IngestionRecord{}, fmt.Errorf("unknown ingestion status %q", status)
	}
	if uploadedBy.Valid {
		id := uuid.UUID(uploadedBy.Bytes)
		record.UploadedBy = &id
	}
	if len(stats) > 0 {
		var decoded domain.IngestionStats
		if err := json.Unmarshal(stats, &decoded); err != nil {
			return domain.IngestionRecord{}, fmt.Errorf("decode ingestion stats: %w", err)
		}
		record.Stats = &decoded
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		record.ErrorMessage = &msg
	}
	if createdAt.Valid {
		record.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		record.UpdatedAt = updatedAt.Time
	}
	if completedAt.Valid {
		ts := completedAt.Time
		record.CompletedAt = &ts
	}
	return record, nil
}
