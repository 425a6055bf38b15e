package models

import (
	"math"
	"time"
)

type Strategy string

const (
	StrategyInsert Strategy = "INSERT"
	StrategyUpsert Strategy = "UPSERT"
)

type ImportStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Imported counts rows that landed in the raw store, new or overwritten.
func (s ImportStats) Imported() int {
	return s.Inserted + s.Updated
}

// IngestOutcome tags how an ingestion finished without error.
type IngestOutcome int

const (
	OutcomeIngested IngestOutcome = iota
	OutcomeEmpty
	OutcomeAlreadyProcessed
)

func (o IngestOutcome) String() string {
	switch o {
	case OutcomeIngested:
		return "ingested"
	case OutcomeEmpty:
		return "empty"
	case OutcomeAlreadyProcessed:
		return "already_processed"
	default:
		return "unknown"
	}
}

const (
	SkipReasonEmptyFile            = "empty_file_no_data_rows"
	SkipReasonEmptyAlreadyDone     = "empty_file_already_processed"
	SkipReasonAllZeroAlreadyDone   = "all_zero_data_already_processed"
	SkipReasonFileAlreadyIngested  = "file_already_ingested"
	SkipReasonFileProcessing       = "file_processing"
	SkipReasonNoTemplate           = "no_template"
	SkipReasonDuplicatesOnlyInsert = "all_rows_already_present"
	SkipReasonFileUnchanged        = "file_unchanged"
)

type IngestResult struct {
	Outcome      IngestOutcome `json:"-"`
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	Staged       int           `json:"staged"`
	Imported     int           `json:"imported"`
	Quarantined  int           `json:"quarantined"`
	ImportStats  ImportStats   `json:"import_stats"`
	Skipped      bool          `json:"skipped"`
	SkipReason   string        `json:"skip_reason,omitempty"`
	FileChecksum string        `json:"file_checksum,omitempty"`
}

type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusSkipped SyncStatus = "skipped"
	SyncStatusFailed  SyncStatus = "failed"
)

// Error codes carried by failed sync results.
const (
	CodeFileNotInCatalog  = "FILE_NOT_FOUND_IN_CATALOG"
	CodeHeaderChanged     = "HEADER_CHANGED"
	CodePathNotAllowed    = "PATH_NOT_ALLOWED"
	CodeFileNotFound      = "FILE_NOT_FOUND"
	CodeConfiguration     = "CONFIGURATION_ERROR"
	CodePreviewFailed     = "PREVIEW_FAILED"
	CodeTemplateLookup    = "TEMPLATE_LOOKUP_FAILED"
	CodeIngestFailed      = "INGEST_FAILED"
	CodeStoreError        = "STORE_ERROR"
	CodeUnexpectedFailure = "UNEXPECTED_FAILURE"

	// CodeAllRowsQuarantined marks a file whose data rows were all rejected by normalization.
	CodeAllRowsQuarantined = "ALL_ROWS_QUARANTINED"
)

type SyncResult struct {
	Success       bool           `json:"success"`
	FileID        int64          `json:"file_id"`
	FileName      string         `json:"file_name,omitempty"`
	Status        SyncStatus     `json:"status"`
	Message       string         `json:"message"`
	ErrorCode     string         `json:"error_code,omitempty"`
	SkipReason    string         `json:"skip_reason,omitempty"`
	Staged        int            `json:"staged"`
	Imported      int            `json:"imported"`
	Quarantined   int            `json:"quarantined"`
	Skipped       bool           `json:"skipped"`
	ImportStats   *ImportStats   `json:"import_stats,omitempty"`
	HeaderChanges *HeaderChanges `json:"header_changes,omitempty"`
	FileChecksum  string         `json:"file_hash,omitempty"`
	// RunID ties a single-file sync to its progress record.
	RunID         string         `json:"run_id,omitempty"`
}

type BatchSummary struct {
	RunID             string        `json:"run_id"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	Processed         int           `json:"processed"`
	Succeeded         int           `json:"succeeded"`
	Quarantined       int           `json:"quarantined"`
	Failed            int           `json:"failed"`
	Skipped           int           `json:"skipped"`
	SkippedNoTemplate int           `json:"skipped_no_template"`
	Details           []SyncResult  `json:"details,omitempty"`
}

type DataIngestedEvent struct {
	EventID     string    `json:"event_id"`
	FileID      int64     `json:"file_id"`
	Platform    string    `json:"platform"`
	Domain      string    `json:"domain"`
	Granularity string    `json:"granularity"`
	RowCount    int       `json:"row_count"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type ImageTask struct {
	FileID   int64  `json:"file_id"`
	Path     string `json:"path"`
	Platform string `json:"platform"`
	ShopID   string `json:"shop_id"`
}

type ProgressStatus string

const (
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressCancelled ProgressStatus = "cancelled"
	ProgressFailed    ProgressStatus = "failed"
)

const (
	TaskTypeBatch      = "bulk_ingest"
	TaskTypeSingleFile = "single_file"
)

type ProgressError struct {
	FileID  int64     `json:"file_id,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"time"`
}

// SyncProgress is the persisted record of one batch or single-file run.
type SyncProgress struct {
	RunID          string          `json:"run_id"`
	TaskType       string          `json:"task_type"`
	Status         ProgressStatus  `json:"status"`
	TotalFiles     int             `json:"total_files"`
	ProcessedFiles int             `json:"processed_files"`
	Succeeded      int             `json:"succeeded"`
	Quarantined    int             `json:"quarantined"`
	Failed         int             `json:"failed"`
	Skipped        int             `json:"skipped"`
	ImportedRows   int             `json:"imported_rows"`
	CurrentFileID  int64           `json:"current_file_id,omitempty"`
	Errors         []ProgressError `json:"errors"`
	StartedAt      time.Time       `json:"start_time"`
	FinishedAt     *time.Time      `json:"end_time,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// FileProgress is the share of files done, in percent with two decimals.
func (p SyncProgress) FileProgress() float64 {
	if p.TotalFiles == 0 {
		return 0
	}
	return math.Round(float64(p.ProcessedFiles)/float64(p.TotalFiles)*10000) / 100
}

type ResultClass string

const (
	ResultSucceeded   ResultClass = "succeeded"
	ResultQuarantined ResultClass = "quarantined"
	ResultFailed      ResultClass = "failed"
	ResultSkipped     ResultClass = "skipped"
)

// ClassifyResult buckets a sync result the way batch summaries count it.
func ClassifyResult(r *SyncResult) ResultClass {
	switch {
	case r == nil || r.Status == SyncStatusFailed:
		return ResultFailed
	case r.Status == SyncStatusSkipped:
		return ResultSkipped
	case r.Quarantined > 0:
		return ResultQuarantined
	default:
		return ResultSucceeded
	}
}

// ProgressErrorFor returns the entry a failed result adds to its run, or nil.
func ProgressErrorFor(r *SyncResult, at time.Time) *ProgressError {
	if r == nil || r.Status != SyncStatusFailed {
		return nil
	}
	msg := r.Message
	if msg == "" {
		msg = r.ErrorCode
	}
	return &ProgressError{FileID: r.FileID, Code: r.ErrorCode, Message: msg, At: at}
}
