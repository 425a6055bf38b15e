package database

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

// FileStore is the catalog surface one file's pipeline reads and writes.
type FileStore interface {
	GetFile(ctx context.Context, id int64) (*models.FileRecord, error)
	// UpdateFile persists status, error message, header columns and metadata.
	UpdateFile(ctx context.Context, file *models.FileRecord) error
	// ClaimProcessing moves the file to processing unless another caller already did.
	ClaimProcessing(ctx context.Context, file *models.FileRecord) (bool, error)
}

type RawStore interface {
	BatchUpsert(ctx context.Context, batch RawBatch) (models.ImportStats, error)
}

// QuarantineStore keeps rows that were refused before the raw write.
type QuarantineStore interface {
	QuarantineRows(ctx context.Context, rows []models.QuarantinedRow) (int, error)
}

// Session owns one pooled connection. Sessions are never shared between files.
type Session interface {
	FileStore
	RawStore
	QuarantineStore
	Close()
}

// ProgressStore tracks batch and single-file runs by run id.
type ProgressStore interface {
	CreateProgress(ctx context.Context, progress *models.SyncProgress) error
	// RecordFileProgress counts one finished file against the run.
	RecordFileProgress(ctx context.Context, runID string, result *models.SyncResult) error
	CompleteProgress(ctx context.Context, runID string, status models.ProgressStatus) error
	GetProgress(ctx context.Context, runID string) (*models.SyncProgress, error)
}

type DBManager interface {
	Migrate(ctx context.Context) error
	RegisterFile(ctx context.Context, file *models.FileRecord) (int64, error)
	ListPendingFileIDs(ctx context.Context, limit int) ([]int64, error)
	OpenSession(ctx context.Context) (Session, error)
}

type RawBatch struct {
	FileID      int64
	Platform    string
	ShopID      string
	Domain      string
	SubDomain   string
	Granularity string
	Strategy    models.Strategy

	Rows   []models.Row
	Hashes []string
	// CurrencyCodes is parallel to Rows; empty entries are stored as NULL.
	CurrencyCodes []string

	HeaderColumns         []string
	OriginalHeaderColumns []string
}

func (b RawBatch) validate() error {
	if len(b.Rows) != len(b.Hashes) {
		return fmt.Errorf("batch has %d rows but %d hashes", len(b.Rows), len(b.Hashes))
	}
	if len(b.CurrencyCodes) != 0 && len(b.CurrencyCodes) != len(b.Rows) {
		return fmt.Errorf("batch has %d rows but %d currency codes", len(b.Rows), len(b.CurrencyCodes))
	}
	if b.Domain == "" || b.Granularity == "" {
		return fmt.Errorf("batch requires domain and granularity")
	}
	return nil
}

func ConnectDB(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	dbpool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	return dbpool, nil
}

var unsafeIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// RawTableName is fact_raw_data_<domain>_<granularity>, with the sub-domain
// spliced in for services.
func RawTableName(domain, subDomain, granularity string) string {
	parts := []string{"fact_raw_data", identPart(domain)}
	if strings.EqualFold(domain, models.DomainServices) && subDomain != "" {
		parts = append(parts, identPart(subDomain))
	}
	parts = append(parts, identPart(granularity))
	return strings.Join(parts, "_")
}

func identPart(s string) string {
	s = unsafeIdent.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
	return strings.Trim(s, "_")
}
