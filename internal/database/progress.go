package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

func (m *PostgresDBManager) CreateProgress(ctx context.Context, progress *models.SyncProgress) error {
	if progress.RunID == "" {
		return errors.New("progress requires a run id")
	}
	if progress.Errors == nil {
		progress.Errors = []models.ProgressError{}
	}
	errs, err := json.Marshal(progress.Errors)
	if err != nil {
		return fmt.Errorf("error encoding progress errors: %w", err)
	}

	query := `
	INSERT INTO sync_progress_tasks (run_id, task_type, status, total_files, errors, start_time, end_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7);`

	_, err = m.dbpool.Exec(ctx, query, progress.RunID, progress.TaskType, string(progress.Status),
		progress.TotalFiles, errs, progress.StartedAt, progress.FinishedAt)
	if err != nil {
		return fmt.Errorf("error creating progress %s: %w", progress.RunID, err)
	}
	return nil
}

// RecordFileProgress bumps the counters in place so concurrent files of one
// run never overwrite each other.
func (m *PostgresDBManager) RecordFileProgress(ctx context.Context, runID string, result *models.SyncResult) error {
	var succeeded, quarantined, failed, skipped int
	switch models.ClassifyResult(result) {
	case models.ResultSucceeded:
		succeeded = 1
	case models.ResultQuarantined:
		quarantined = 1
	case models.ResultFailed:
		failed = 1
	case models.ResultSkipped:
		skipped = 1
	}

	var entry []byte
	if e := models.ProgressErrorFor(result, time.Now().UTC()); e != nil {
		b, err := json.Marshal([]models.ProgressError{*e})
		if err != nil {
			return fmt.Errorf("error encoding progress error: %w", err)
		}
		entry = b
	}

	query := `
	UPDATE sync_progress_tasks
	SET processed_files = processed_files + 1,
		succeeded = succeeded + $2,
		quarantined = quarantined + $3,
		failed = failed + $4,
		skipped = skipped + $5,
		imported_rows = imported_rows + $6,
		current_file_id = $7,
		errors = CASE WHEN $8::jsonb IS NULL THEN errors ELSE errors || $8::jsonb END,
		updated_at = now()
	WHERE run_id = $1;`

	tag, err := m.dbpool.Exec(ctx, query, runID, succeeded, quarantined, failed, skipped, result.Imported, result.FileID, entry)
	if err != nil {
		return fmt.Errorf("error recording progress for %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("progress %s: %w", runID, models.ErrNotFound)
	}
	return nil
}

func (m *PostgresDBManager) CompleteProgress(ctx context.Context, runID string, status models.ProgressStatus) error {
	query := `
	UPDATE sync_progress_tasks
	SET status = $2,
		end_time = now(),
		updated_at = now()
	WHERE run_id = $1;`

	tag, err := m.dbpool.Exec(ctx, query, runID, string(status))
	if err != nil {
		return fmt.Errorf("error completing progress %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("progress %s: %w", runID, models.ErrNotFound)
	}
	return nil
}

func (m *PostgresDBManager) GetProgress(ctx context.Context, runID string) (*models.SyncProgress, error) {
	query := `
	SELECT run_id, task_type, status, total_files, processed_files, succeeded, quarantined, failed, skipped,
		imported_rows, COALESCE(current_file_id, 0), errors, start_time, end_time, updated_at
	FROM sync_progress_tasks
	WHERE run_id = $1;`

	var (
		p      models.SyncProgress
		status string
		errs   []byte
	)
	err := m.dbpool.QueryRow(ctx, query, runID).Scan(
		&p.RunID, &p.TaskType, &status, &p.TotalFiles, &p.ProcessedFiles, &p.Succeeded, &p.Quarantined, &p.Failed, &p.Skipped,
		&p.ImportedRows, &p.CurrentFileID, &errs, &p.StartedAt, &p.FinishedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("progress %s: %w", runID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("error loading progress %s: %w", runID, err)
	}
	p.Status = models.ProgressStatus(status)

	p.Errors = []models.ProgressError{}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &p.Errors); err != nil {
			m.logger.WithError(err).WithField("run_id", runID).Warn("Ignoring malformed progress errors")
			p.Errors = []models.ProgressError{}
		}
	}
	return &p, nil
}
