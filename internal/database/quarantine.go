package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

func validateQuarantine(rows []models.QuarantinedRow) error {
	for i, row := range rows {
		if row.FileID <= 0 {
			return fmt.Errorf("quarantined row %d has no file id", i)
		}
		if row.RowNumber <= 0 {
			return fmt.Errorf("quarantined row %d has invalid row number %d", i, row.RowNumber)
		}
		if row.ErrorType == "" {
			return fmt.Errorf("quarantined row %d has no error type", i)
		}
	}
	return nil
}

// QuarantineRows stores refused rows. Re-syncing a file overwrites its earlier
// entries row by row and reopens them.
func (s *postgresSession) QuarantineRows(ctx context.Context, rows []models.QuarantinedRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := validateQuarantine(rows); err != nil {
		return 0, err
	}

	query := `
	INSERT INTO data_quarantine (catalog_file_id, source_file, row_number, row_data, error_type, error_msg,
		platform_code, shop_id, data_domain)
	VALUES ($1, (SELECT file_name FROM catalog_files WHERE id = $1), $2, $3, $4, $5,
		NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))
	ON CONFLICT (catalog_file_id, row_number) DO UPDATE SET
		row_data = EXCLUDED.row_data,
		error_type = EXCLUDED.error_type,
		error_msg = EXCLUDED.error_msg,
		is_resolved = false,
		resolved_at = NULL;`

	tx, err := s.q.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: error beginning transaction: %v", models.ErrTransientStore, err)
	}

	b := &pgx.Batch{}
	for i, row := range rows {
		payload, err := json.Marshal(row.RowData)
		if err != nil {
			s.rollback(ctx, tx)
			return 0, fmt.Errorf("error encoding quarantined row %d: %w", i, err)
		}
		b.Queue(query, row.FileID, row.RowNumber, payload, row.ErrorType, row.ErrorMsg, row.Platform, row.ShopID, row.Domain)
	}

	results := tx.SendBatch(ctx, b)
	for i := range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			s.rollback(ctx, tx)
			return 0, fmt.Errorf("error quarantining row %d of file %d: %w", rows[i].RowNumber, rows[i].FileID, err)
		}
	}
	if err := results.Close(); err != nil {
		s.rollback(ctx, tx)
		return 0, fmt.Errorf("error closing quarantine batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: error committing quarantined rows: %v", models.ErrTransientStore, err)
	}
	return len(rows), nil
}
