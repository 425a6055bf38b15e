package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

const rawWriteChunk = 500

type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresDBManager struct {
	dbpool *pgxpool.Pool
	logger logrus.FieldLogger
	// raw tables known to exist, shared by every session of this process
	tables *sync.Map
}

func NewPostgresDBManager(pool *pgxpool.Pool, logger logrus.FieldLogger) *PostgresDBManager {
	return &PostgresDBManager{dbpool: pool, logger: logger, tables: &sync.Map{}}
}

func (m *PostgresDBManager) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS catalog_files (
			id BIGSERIAL PRIMARY KEY,
			file_name VARCHAR(255) NOT NULL,
			file_path TEXT NOT NULL,
			platform_code VARCHAR(64),
			shop_id VARCHAR(128),
			data_domain VARCHAR(64) NOT NULL,
			sub_domain VARCHAR(64),
			granularity VARCHAR(32),
			status VARCHAR(32) NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'processing', 'ingested', 'partial_success', 'failed')),
			error_message TEXT,
			header_columns JSONB,
			file_hash VARCHAR(32),
			file_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_catalog_files_path ON catalog_files (file_path);`,
		`CREATE INDEX IF NOT EXISTS idx_catalog_files_pending ON catalog_files (first_seen_at) WHERE status = 'pending';`,
		`ALTER TABLE catalog_files ADD COLUMN IF NOT EXISTS file_hash VARCHAR(32);`,
		`CREATE TABLE IF NOT EXISTS data_quarantine (
			id BIGSERIAL PRIMARY KEY,
			catalog_file_id BIGINT NOT NULL REFERENCES catalog_files (id) ON DELETE CASCADE,
			source_file TEXT,
			row_number INTEGER NOT NULL,
			row_data JSONB NOT NULL,
			error_type VARCHAR(64) NOT NULL,
			error_msg TEXT,
			platform_code VARCHAR(64),
			shop_id VARCHAR(128),
			data_domain VARCHAR(64),
			is_resolved BOOLEAN NOT NULL DEFAULT false,
			resolved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_data_quarantine_row ON data_quarantine (catalog_file_id, row_number);`,
		`CREATE TABLE IF NOT EXISTS sync_progress_tasks (
			run_id VARCHAR(64) PRIMARY KEY,
			task_type VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL
				CHECK (status IN ('running', 'completed', 'cancelled', 'failed')),
			total_files INTEGER NOT NULL DEFAULT 0,
			processed_files INTEGER NOT NULL DEFAULT 0,
			succeeded INTEGER NOT NULL DEFAULT 0,
			quarantined INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			imported_rows BIGINT NOT NULL DEFAULT 0,
			current_file_id BIGINT,
			errors JSONB NOT NULL DEFAULT '[]'::jsonb,
			start_time TIMESTAMPTZ NOT NULL DEFAULT now(),
			end_time TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, query := range queries {
		if _, err := m.dbpool.Exec(ctx, query); err != nil {
			return fmt.Errorf("error running migration: %v", err)
		}
	}
	m.logger.Info("Catalog schema is up to date")
	return nil
}

// RegisterFile adds a file to the catalog as pending. Registering a known path
// returns the existing id untouched.
func (m *PostgresDBManager) RegisterFile(ctx context.Context, file *models.FileRecord) (int64, error) {
	query := `
	INSERT INTO catalog_files (file_name, file_path, platform_code, shop_id, data_domain, sub_domain, granularity)
	VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''))
	ON CONFLICT (file_path) DO UPDATE SET file_path = EXCLUDED.file_path
	RETURNING id;`

	var fileID int64
	err := m.dbpool.QueryRow(ctx, query,
		file.FileName, file.FilePath, file.PlatformCode, file.ShopID, file.DataDomain, file.SubDomain, file.Granularity,
	).Scan(&fileID)
	if err != nil {
		return 0, fmt.Errorf("error inserting file record: %v", err)
	}

	return fileID, nil
}

func (m *PostgresDBManager) ListPendingFileIDs(ctx context.Context, limit int) ([]int64, error) {
	query := `
	SELECT id
	FROM catalog_files
	WHERE status = 'pending'
	ORDER BY first_seen_at ASC, id ASC
	LIMIT $1;`

	rows, err := m.dbpool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing pending files: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("error scanning pending files: %w", err)
	}
	return ids, nil
}

func (m *PostgresDBManager) OpenSession(ctx context.Context) (Session, error) {
	conn, err := m.dbpool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to acquire connection: %v", models.ErrTransientStore, err)
	}
	return &postgresSession{conn: conn, q: conn, logger: m.logger, tables: m.tables}, nil
}

type postgresSession struct {
	conn   *pgxpool.Conn
	q      querier
	logger logrus.FieldLogger
	tables *sync.Map
}

func (s *postgresSession) Close() {
	s.conn.Release()
}

func (s *postgresSession) GetFile(ctx context.Context, id int64) (*models.FileRecord, error) {
	query := `
	SELECT id, file_name, file_path, COALESCE(platform_code, ''), COALESCE(shop_id, ''), data_domain,
		COALESCE(sub_domain, ''), COALESCE(granularity, ''), status, COALESCE(error_message, ''),
		header_columns, COALESCE(file_hash, ''), file_metadata, first_seen_at
	FROM catalog_files
	WHERE id = $1;`

	var (
		file     models.FileRecord
		status   string
		header   []byte
		metadata []byte
	)
	err := s.q.QueryRow(ctx, query, id).Scan(
		&file.ID, &file.FileName, &file.FilePath, &file.PlatformCode, &file.ShopID, &file.DataDomain,
		&file.SubDomain, &file.Granularity, &status, &file.ErrorMessage,
		&header, &file.FileHash, &metadata, &file.FirstSeenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("file %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("error loading file %d: %w", id, err)
	}
	file.Status = models.FileStatus(status)

	if len(header) > 0 {
		if err := json.Unmarshal(header, &file.HeaderColumns); err != nil {
			s.logger.WithError(err).WithField("file_id", id).Warn("Ignoring malformed header_columns")
		}
	}
	if err := file.Metadata.UnmarshalJSON(metadata); err != nil {
		s.logger.WithError(err).WithField("file_id", id).Warn("Ignoring malformed file_metadata")
		file.Metadata = models.FileMetadata{}
	}

	return &file, nil
}

func (s *postgresSession) UpdateFile(ctx context.Context, file *models.FileRecord) error {
	header, metadata, err := encodeFileState(file)
	if err != nil {
		return err
	}

	tx, err := s.q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: error beginning transaction: %v", models.ErrTransientStore, err)
	}

	query := `
	UPDATE catalog_files
	SET status = $1,
		error_message = NULLIF($2, ''),
		header_columns = $3,
		file_metadata = $4,
		file_hash = NULLIF($5, ''),
		updated_at = now()
	WHERE id = $6;`

	tag, err := tx.Exec(ctx, query, string(file.Status), file.ErrorMessage, header, metadata, file.FileHash, file.ID)
	if err != nil {
		s.rollback(ctx, tx)
		return fmt.Errorf("%w: error updating file %d: %v", models.ErrTransientStore, file.ID, err)
	}
	if tag.RowsAffected() == 0 {
		s.rollback(ctx, tx)
		return fmt.Errorf("file %d: %w", file.ID, models.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: error committing file %d: %v", models.ErrTransientStore, file.ID, err)
	}
	return nil
}

// ClaimProcessing is a conditional update, so two callers racing on the same
// pending file cannot both win.
func (s *postgresSession) ClaimProcessing(ctx context.Context, file *models.FileRecord) (bool, error) {
	_, metadata, err := encodeFileState(file)
	if err != nil {
		return false, err
	}

	query := `
	UPDATE catalog_files
	SET status = 'processing',
		file_metadata = $2,
		updated_at = now()
	WHERE id = $1 AND status <> 'processing';`

	tag, err := s.q.Exec(ctx, query, file.ID, metadata)
	if err != nil {
		return false, fmt.Errorf("%w: error claiming file %d: %v", models.ErrTransientStore, file.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	file.Status = models.FileStatusProcessing
	return true, nil
}

func encodeFileState(file *models.FileRecord) ([]byte, []byte, error) {
	var header []byte
	if file.HeaderColumns != nil {
		b, err := json.Marshal(file.HeaderColumns)
		if err != nil {
			return nil, nil, fmt.Errorf("error encoding header columns: %w", err)
		}
		header = b
	}
	metadata, err := json.Marshal(file.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("error encoding file metadata: %w", err)
	}
	return header, metadata, nil
}

func (s *postgresSession) rollback(ctx context.Context, tx pgx.Tx) {
	if rx := tx.Rollback(ctx); rx != nil {
		s.logger.WithError(rx).Error("Error rolling back transaction")
	}
}

func isAlreadyExistsError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "already exists") || strings.Contains(errStr, "duplicate key value violates unique constraint")
}

func (s *postgresSession) ensureRawTable(ctx context.Context, table string) error {
	if _, ok := s.tables.Load(table); ok {
		return nil
	}

	ident := pgx.Identifier{table}.Sanitize()
	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			platform_code VARCHAR(64) NOT NULL,
			shop_id VARCHAR(128) NOT NULL,
			data_domain VARCHAR(64) NOT NULL,
			sub_domain VARCHAR(64),
			granularity VARCHAR(32) NOT NULL,
			file_id BIGINT,
			raw_data JSONB NOT NULL,
			header_columns JSONB,
			original_header_columns JSONB,
			data_hash VARCHAR(64) NOT NULL,
			currency_code VARCHAR(8),
			ingest_timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, ident),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (platform_code, shop_id, data_domain, granularity, data_hash);`,
			pgx.Identifier{"ux_" + table}.Sanitize(), ident),
	}

	for _, query := range queries {
		if _, err := s.q.Exec(ctx, query); err != nil {
			// another session created it first
			if !isAlreadyExistsError(err) {
				return fmt.Errorf("error creating raw table %s: %w", table, err)
			}
		}
	}

	s.logger.WithField("table", table).Debug("Raw table ready")
	s.tables.Store(table, true)
	return nil
}

// BatchUpsert writes rows in one transaction. Under UPSERT a conflicting hash
// overwrites the stored payload; under INSERT it is skipped. The xmax system
// column tells freshly inserted rows from updated ones.
func (s *postgresSession) BatchUpsert(ctx context.Context, batch RawBatch) (models.ImportStats, error) {
	var stats models.ImportStats
	if err := batch.validate(); err != nil {
		return stats, err
	}
	if len(batch.Rows) == 0 {
		return stats, nil
	}

	table := RawTableName(batch.Domain, batch.SubDomain, batch.Granularity)
	if err := s.ensureRawTable(ctx, table); err != nil {
		return stats, err
	}

	headerJSON, err := json.Marshal(batch.HeaderColumns)
	if err != nil {
		return stats, fmt.Errorf("error encoding header columns: %w", err)
	}
	originalJSON, err := json.Marshal(batch.OriginalHeaderColumns)
	if err != nil {
		return stats, fmt.Errorf("error encoding original header columns: %w", err)
	}

	conflict := "DO NOTHING"
	if batch.Strategy != models.StrategyInsert {
		conflict = `DO UPDATE SET
			raw_data = EXCLUDED.raw_data,
			header_columns = EXCLUDED.header_columns,
			original_header_columns = EXCLUDED.original_header_columns,
			file_id = EXCLUDED.file_id,
			currency_code = EXCLUDED.currency_code,
			sub_domain = EXCLUDED.sub_domain,
			ingest_timestamp = EXCLUDED.ingest_timestamp`
	}
	query := fmt.Sprintf(`
	INSERT INTO %s (platform_code, shop_id, data_domain, sub_domain, granularity, file_id, raw_data,
		header_columns, original_header_columns, data_hash, currency_code, ingest_timestamp)
	VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)
	ON CONFLICT (platform_code, shop_id, data_domain, granularity, data_hash) %s
	RETURNING (xmax = 0) AS inserted;`, pgx.Identifier{table}.Sanitize(), conflict)

	tx, err := s.q.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("%w: error beginning transaction: %v", models.ErrTransientStore, err)
	}

	now := time.Now().UTC()
	for start := 0; start < len(batch.Rows); start += rawWriteChunk {
		end := min(start+rawWriteChunk, len(batch.Rows))

		b := &pgx.Batch{}
		for i := start; i < end; i++ {
			payload, err := json.Marshal(batch.Rows[i])
			if err != nil {
				s.rollback(ctx, tx)
				return models.ImportStats{}, fmt.Errorf("error encoding row %d: %w", i, err)
			}
			currencyCode := ""
			if len(batch.CurrencyCodes) > 0 {
				currencyCode = batch.CurrencyCodes[i]
			}
			b.Queue(query, batch.Platform, batch.ShopID, batch.Domain, batch.SubDomain, batch.Granularity,
				batch.FileID, payload, headerJSON, originalJSON, batch.Hashes[i], currencyCode, now)
		}

		results := tx.SendBatch(ctx, b)
		for i := start; i < end; i++ {
			var inserted bool
			err := results.QueryRow().Scan(&inserted)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				stats.Skipped++
			case err != nil:
				results.Close()
				s.rollback(ctx, tx)
				return models.ImportStats{}, fmt.Errorf("error writing row %d to %s: %w", i, table, err)
			case inserted:
				stats.Inserted++
			default:
				stats.Updated++
			}
		}
		if err := results.Close(); err != nil {
			s.rollback(ctx, tx)
			return models.ImportStats{}, fmt.Errorf("error closing batch for %s: %w", table, err)
		}

		s.logger.WithFields(logrus.Fields{"table": table, "rows": end - start, "file_id": batch.FileID}).Debug("Raw batch written")
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ImportStats{}, fmt.Errorf("%w: error committing raw rows: %v", models.ErrTransientStore, err)
	}

	return stats, nil
}
