package models

import (
	"encoding/json"
	"time"
)

type FileStatus string

const (
	FileStatusPending        FileStatus = "pending"
	FileStatusProcessing     FileStatus = "processing"
	FileStatusIngested       FileStatus = "ingested"
	FileStatusPartialSuccess FileStatus = "partial_success"
	FileStatusFailed         FileStatus = "failed"
)

// IsTerminalSuccess reports whether the file already reached an ingested state.
func (s FileStatus) IsTerminalSuccess() bool {
	return s == FileStatusIngested || s == FileStatusPartialSuccess
}

const (
	// ShopNone is stored when the export is not tied to a single shop.
	ShopNone        = "none"
	PlatformUnknown = "unknown"
	DomainServices  = "services"
)

// Markers written to FileRecord.ErrorMessage for terminal no-op outcomes.
const (
	MarkerEmptyFile   = "[empty file]"
	MarkerAllZeroData = "[all-zero data]"
)

type FileRecord struct {
	ID            int64        `json:"id"`
	FileName      string       `json:"file_name"`
	FilePath      string       `json:"file_path"`
	PlatformCode  string       `json:"platform_code"`
	ShopID        string       `json:"shop_id"`
	DataDomain    string       `json:"data_domain"`
	SubDomain     string       `json:"sub_domain,omitempty"`
	Granularity   string       `json:"granularity"`
	Status        FileStatus   `json:"status"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	HeaderColumns []string     `json:"header_columns,omitempty"`
	// FileHash is the content checksum of the last successful ingest.
	FileHash      string       `json:"file_hash,omitempty"`
	FirstSeenAt   time.Time    `json:"first_seen_at"`
	Metadata      FileMetadata `json:"file_metadata"`
}

// FileMetadata is the file_metadata JSON column. Keys other than auto_ingest
// belong to other writers and are carried through untouched.
type FileMetadata struct {
	AutoIngest AutoIngestMeta             `json:"-"`
	Extra      map[string]json.RawMessage `json:"-"`
}

func (m FileMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+1)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["auto_ingest"] = m.AutoIngest
	return json.Marshal(out)
}

func (m *FileMetadata) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}

	m.AutoIngest = AutoIngestMeta{}
	if v, ok := raw["auto_ingest"]; ok {
		// a malformed auto_ingest blob is diagnostic only, start over
		if err := json.Unmarshal(v, &m.AutoIngest); err != nil {
			m.AutoIngest = AutoIngestMeta{}
		}
		delete(raw, "auto_ingest")
	}
	m.Extra = raw
	return nil
}

type AutoIngestStatus string

const (
	AutoIngestSuccess     AutoIngestStatus = "success"
	AutoIngestQuarantined AutoIngestStatus = "quarantined"
	AutoIngestSkipped     AutoIngestStatus = "skipped"
	AutoIngestFailed      AutoIngestStatus = "failed"
)

// AutoIngestMeta is observability data for the auto-ingest loop. Nothing reads it for correctness.
type AutoIngestMeta struct {
	Attempts           int              `json:"attempts"`
	LastAttemptAt      *time.Time       `json:"last_attempt_at,omitempty"`
	LastStatus         AutoIngestStatus `json:"last_status,omitempty"`
	LastSuccessAt      *time.Time       `json:"last_success_at,omitempty"`
	LastSuccessMessage string           `json:"last_success_message,omitempty"`
	LastFailureAt      *time.Time       `json:"last_failure_at,omitempty"`
	LastReason         string           `json:"last_reason,omitempty"`
}

func (m *AutoIngestMeta) RecordAttempt(now time.Time) {
	m.Attempts++
	m.LastAttemptAt = &now
}

func (m *AutoIngestMeta) RecordStatus(status AutoIngestStatus, message string, now time.Time) {
	m.LastStatus = status
	if status == AutoIngestSuccess || status == AutoIngestQuarantined {
		m.LastSuccessAt = &now
		if message != "" {
			m.LastSuccessMessage = message
		}
		return
	}
	m.LastFailureAt = &now
	if message != "" {
		m.LastReason = message
	}
}

type Template struct {
	ID                  int64    `json:"id" yaml:"id"`
	Name                string   `json:"name" yaml:"name"`
	Version             int      `json:"version" yaml:"version"`
	Status              string   `json:"status" yaml:"status"`
	PlatformCode        string   `json:"platform" yaml:"platform"`
	DataDomain          string   `json:"domain" yaml:"domain"`
	Granularity         string   `json:"granularity" yaml:"granularity"`
	SubDomain           string   `json:"sub_domain,omitempty" yaml:"sub_domain,omitempty"`
	HeaderRow           *int     `json:"header_row,omitempty" yaml:"header_row,omitempty"`
	HeaderColumns       []string `json:"header_columns,omitempty" yaml:"header_columns,omitempty"`
	DeduplicationFields []string `json:"deduplication_fields,omitempty" yaml:"deduplication_fields,omitempty"`
}

const TemplatePublished = "published"

type HeaderChanges struct {
	Detected        bool     `json:"detected"`
	AddedFields     []string `json:"added_fields"`
	RemovedFields   []string `json:"removed_fields"`
	MatchRate       float64  `json:"match_rate"`
	IsExactMatch    bool     `json:"is_exact_match"`
	TemplateColumns []string `json:"template_columns"`
	CurrentColumns  []string `json:"current_columns"`
}

// Row is one spreadsheet data row keyed by column name.
type Row map[string]any

// QuarantinedRow is a data row the normalizer refused, kept for later repair.
type QuarantinedRow struct {
	FileID    int64             `json:"file_id"`
	RowNumber int               `json:"row_number"`
	RowData   map[string]string `json:"row_data"`
	ErrorType string            `json:"error_type"`
	ErrorMsg  string            `json:"error_msg"`
	Platform  string            `json:"platform_code"`
	ShopID    string            `json:"shop_id"`
	Domain    string            `json:"data_domain"`
}
