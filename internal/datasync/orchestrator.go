// Package datasync drives one catalog file through template binding, drift
// checks and ingestion, and records the outcome on the file.
package datasync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timberdayz/timber-dayz-sub007/internal/database"
	"github.com/timberdayz/timber-dayz-sub007/internal/dedup"
	"github.com/timberdayz/timber-dayz-sub007/internal/ingestion"
	"github.com/timberdayz/timber-dayz-sub007/internal/models"
	"github.com/timberdayz/timber-dayz-sub007/internal/template"
)

type Ingester interface {
	Preview(ctx context.Context, file *models.FileRecord, headerRow int) ([]string, error)
	Ingest(ctx context.Context, req ingestion.Request) (*models.IngestResult, error)
}

type Options struct {
	// OnlyWithTemplate skips files no published template matches.
	OnlyWithTemplate bool
	// UseTemplateHeaderRow reads the header exactly where the template says.
	UseTemplateHeaderRow bool
}

func DefaultOptions() Options {
	return Options{OnlyWithTemplate: true, UseTemplateHeaderRow: true}
}

type Orchestrator struct {
	store    database.FileStore
	ingester Ingester
	matcher  template.Matcher
	policy   *dedup.Table
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewOrchestrator(store database.FileStore, ingester Ingester, matcher template.Matcher, policy *dedup.Table, logger logrus.FieldLogger) *Orchestrator {
	if policy == nil {
		policy = dedup.Default()
	}
	return &Orchestrator{
		store:    store,
		ingester: ingester,
		matcher:  matcher,
		policy:   policy,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SyncFile never returns an error: every failure becomes a failed result and,
// once the file is claimed, a failed status on the record.
func (o *Orchestrator) SyncFile(ctx context.Context, fileID int64, opts Options) *models.SyncResult {
	// Step 1: load the catalog record
	file, err := o.store.GetFile(ctx, fileID)
	if err != nil {
		code := models.CodeStoreError
		message := fmt.Sprintf("failed to load file: %v", err)
		if errors.Is(err, models.ErrNotFound) {
			code = models.CodeFileNotInCatalog
			message = "file not found in catalog"
		}
		o.logger.WithError(err).WithField("file_id", fileID).Error("Unable to load file for sync")
		return &models.SyncResult{FileID: fileID, Status: models.SyncStatusFailed, Message: message, ErrorCode: code}
	}

	log := o.logger.WithFields(logrus.Fields{"file_id": file.ID, "file_name": file.FileName})

	// Step 2: single-flight guard
	if file.Status == models.FileStatusProcessing {
		log.Info("File is already being processed, skipping")
		return o.skipped(file, false, models.SkipReasonFileProcessing, "file is already being processed")
	}

	// Step 3: re-entry of files that already made it in
	strategy := o.policy.Strategy(file.DataDomain)
	if file.Status.IsTerminalSuccess() {
		if strategy != models.StrategyUpsert {
			log.WithField("status", file.Status).Info("File already ingested, skipping")
			return o.skipped(file, true, models.SkipReasonFileAlreadyIngested,
				fmt.Sprintf("file already ingested (status %s), skipping", file.Status))
		}
		log.WithField("status", file.Status).Info("File already ingested, re-syncing under upsert")
		file.Status = models.FileStatusPending
	}

	// Step 4: template binding
	file.Metadata.AutoIngest.RecordAttempt(o.now())
	subDomain := strings.TrimSpace(file.SubDomain)
	tmpl, err := o.matcher.FindBest(ctx, file.PlatformCode, file.DataDomain, file.Granularity, subDomain)
	if err != nil {
		log.WithError(err).Error("Template lookup failed")
		o.recordOnly(ctx, log, file, models.AutoIngestFailed, "template_lookup_failed: "+err.Error())
		return o.failed(file, models.CodeTemplateLookup, fmt.Sprintf("template lookup failed: %v", err), nil)
	}
	if tmpl == nil && opts.OnlyWithTemplate {
		log.WithFields(logrus.Fields{
			"platform":    file.PlatformCode,
			"domain":      file.DataDomain,
			"granularity": file.Granularity,
			"sub_domain":  subDomain,
		}).Warn("No template for file, skipping")
		o.recordOnly(ctx, log, file, models.AutoIngestSkipped, models.SkipReasonNoTemplate)
		return o.skipped(file, false, models.SkipReasonNoTemplate, fmt.Sprintf(
			"no template (platform=%s, domain=%s, granularity=%s, sub_domain=%s)",
			file.PlatformCode, file.DataDomain, file.Granularity, subDomain))
	}
	if subDomain == "" && tmpl != nil {
		subDomain = strings.TrimSpace(tmpl.SubDomain)
	}

	// Step 5: claim the file
	claimed, err := o.store.ClaimProcessing(ctx, file)
	if err != nil {
		log.WithError(err).Error("Unable to mark file as processing")
		return o.failed(file, models.CodeStoreError, fmt.Sprintf("failed to mark file as processing: %v", err), nil)
	}
	if !claimed {
		log.Info("File was claimed by another sync, skipping")
		return o.skipped(file, false, models.SkipReasonFileProcessing, "file is already being processed")
	}

	if strings.EqualFold(file.DataDomain, models.DomainServices) && subDomain == "" {
		message := fmt.Sprintf("services files require a sub_domain, but %s (%d) has none on the file record or template", file.FileName, file.ID)
		log.Error("Services file without sub-domain")
		return o.fail(ctx, log, file, models.CodeConfiguration, message, message, nil)
	}

	// Step 6: preview the header
	headerRow := 0
	switch {
	case opts.UseTemplateHeaderRow && tmpl != nil && tmpl.HeaderRow != nil:
		headerRow = *tmpl.HeaderRow
		log.WithField("header_row", headerRow).Info("Using template header row")
	case tmpl != nil:
		log.Warn("Template has no header row, using row 0; update the template")
	default:
		log.Warn("No template, using header row 0; create a template for this file")
	}

	columns, err := o.ingester.Preview(ctx, file, headerRow)
	if err != nil {
		log.WithError(err).Error("Preview failed")
		code := models.ErrorCode(err, models.CodePreviewFailed)
		return o.fail(ctx, log, file, code, fmt.Sprintf("preview failed: %v", err), "preview_failed: "+err.Error(), nil)
	}

	// Step 7: header drift guard
	headerColumns := columns
	if tmpl != nil && len(tmpl.HeaderColumns) > 0 {
		changes, err := o.matcher.DetectHeaderChanges(ctx, tmpl.ID, columns)
		if err != nil {
			log.WithError(err).Error("Header comparison failed")
			return o.fail(ctx, log, file, models.CodeTemplateLookup,
				fmt.Sprintf("header comparison failed: %v", err), "header_check_failed: "+err.Error(), nil)
		}
		if err := headerDrift(file, changes); err != nil {
			var appErr *models.AppError
			message := err.Error()
			if errors.As(err, &appErr) {
				message = appErr.Message
			}
			log.WithError(err).WithFields(logrus.Fields{
				"template":   tmpl.Name,
				"added":      len(changes.AddedFields),
				"removed":    len(changes.RemovedFields),
				"match_rate": changes.MatchRate,
			}).Error("Header changed, sync blocked")
			return o.fail(ctx, log, file, models.ErrorCode(err, models.CodeHeaderChanged), message,
				"header_changed: "+driftReason(changes), &changes)
		}
		headerColumns = tmpl.HeaderColumns
		log.WithField("columns", len(headerColumns)).Info("Header matches template")
	}

	// Step 8: dedup fields
	var dedupFields []string
	if tmpl != nil && len(tmpl.DeduplicationFields) > 0 {
		dedupFields = tmpl.DeduplicationFields
	} else if dedupFields = o.policy.EffectiveFields(file.DataDomain, subDomain, nil); len(dedupFields) == 0 {
		log.WithField("domain", file.DataDomain).Warn("No default core fields for domain, every business field will be hashed")
	}
	log.WithFields(logrus.Fields{
		"template":    templateName(tmpl),
		"core_fields": dedupFields,
		"domain":      file.DataDomain,
		"sub_domain":  subDomain,
	}).Info("Core fields resolved")

	// Step 9: ingest
	result, err := o.ingester.Ingest(ctx, ingestion.Request{
		FileID:        file.ID,
		Platform:      file.PlatformCode,
		Domain:        file.DataDomain,
		HeaderRow:     headerRow,
		HeaderColumns: headerColumns,
		DedupFields:   dedupFields,
		SubDomain:     subDomain,
	})
	if err != nil {
		log.WithError(err).Error("Ingestion failed")
		code := models.ErrorCode(err, models.CodeIngestFailed)
		return o.fail(ctx, log, file, code, fmt.Sprintf("ingestion failed: %v", err), "ingest_failed: "+err.Error(), nil)
	}

	// Step 10: terminal status
	return o.complete(ctx, log, file, result)
}

func (o *Orchestrator) complete(ctx context.Context, log logrus.FieldLogger, file *models.FileRecord, result *models.IngestResult) *models.SyncResult {
	// the engine wrote its own status and markers; build on top of them
	if fresh, err := o.store.GetFile(ctx, file.ID); err == nil {
		fresh.Metadata.AutoIngest = file.Metadata.AutoIngest
		file = fresh
	} else {
		log.WithError(err).Warn("Unable to reload file after ingestion, using in-memory state")
	}

	now := o.now()
	file.Status = models.FileStatusIngested
	switch {
	case result.Outcome == models.OutcomeEmpty || result.Outcome == models.OutcomeAlreadyProcessed:
		file.Metadata.AutoIngest.RecordStatus(models.AutoIngestSuccess, "file is empty, marked as processed", now)
		if result.Outcome == models.OutcomeEmpty && !strings.Contains(file.ErrorMessage, models.MarkerEmptyFile) {
			file.ErrorMessage = models.MarkerEmptyFile + " header present but no data rows"
		}
	// quarantined rows outrank every kind of skip
	case result.Quarantined > 0:
		file.Status = models.FileStatusPartialSuccess
		file.Metadata.AutoIngest.RecordStatus(models.AutoIngestQuarantined,
			fmt.Sprintf("%d rows quarantined", result.Quarantined), now)
	case result.SkipReason == models.SkipReasonFileUnchanged:
		file.Metadata.AutoIngest.RecordStatus(models.AutoIngestSuccess, "file unchanged since last ingest", now)
	case result.Skipped:
		file.Metadata.AutoIngest.RecordStatus(models.AutoIngestSuccess, "all rows already present, duplicates skipped", now)
	case result.ImportStats.Updated > 0 && result.ImportStats.Inserted == 0:
		file.Metadata.AutoIngest.RecordStatus(models.AutoIngestSuccess,
			fmt.Sprintf("all rows already present, %d updated", result.ImportStats.Updated), now)
	default:
		file.Metadata.AutoIngest.RecordStatus(models.AutoIngestSuccess, "ingested", now)
	}

	if err := database.SaveFile(ctx, o.store, file, log); err != nil {
		log.WithError(err).Error("Failed to record sync outcome")
	}

	log.WithFields(logrus.Fields{
		"status":      file.Status,
		"imported":    result.Imported,
		"quarantined": result.Quarantined,
		"skipped":     result.Skipped,
	}).Info("File synced")

	stats := result.ImportStats
	message := result.Message
	if message == "" {
		message = "ingestion finished without a message"
	}
	return &models.SyncResult{
		Success:      result.Success,
		FileID:       file.ID,
		FileName:     file.FileName,
		Status:       models.SyncStatusSuccess,
		Message:      message,
		SkipReason:   result.SkipReason,
		Staged:       result.Staged,
		Imported:     result.Imported,
		Quarantined:  result.Quarantined,
		Skipped:      result.Skipped,
		ImportStats:  &stats,
		FileChecksum: result.FileChecksum,
	}
}

// fail marks a claimed file as failed and returns the matching result.
func (o *Orchestrator) fail(ctx context.Context, log logrus.FieldLogger, file *models.FileRecord, code, message, reason string, changes *models.HeaderChanges) *models.SyncResult {
	file.Status = models.FileStatusFailed
	file.ErrorMessage = message
	file.Metadata.AutoIngest.RecordStatus(models.AutoIngestFailed, reason, o.now())
	if err := database.SaveFile(ctx, o.store, file, log); err != nil {
		log.WithError(err).Error("Failed to record sync failure")
	}
	return o.failed(file, code, message, changes)
}

// recordOnly persists auto-ingest metadata without moving the file's status.
func (o *Orchestrator) recordOnly(ctx context.Context, log logrus.FieldLogger, file *models.FileRecord, status models.AutoIngestStatus, reason string) {
	file.Metadata.AutoIngest.RecordStatus(status, reason, o.now())
	if err := database.SaveFile(ctx, o.store, file, log); err != nil {
		log.WithError(err).Warn("Failed to record auto-ingest metadata")
	}
}

func (o *Orchestrator) failed(file *models.FileRecord, code, message string, changes *models.HeaderChanges) *models.SyncResult {
	return &models.SyncResult{
		FileID:        file.ID,
		FileName:      file.FileName,
		Status:        models.SyncStatusFailed,
		Message:       message,
		ErrorCode:     code,
		HeaderChanges: changes,
	}
}

func (o *Orchestrator) skipped(file *models.FileRecord, success bool, reason, message string) *models.SyncResult {
	return &models.SyncResult{
		Success:    success,
		FileID:     file.ID,
		FileName:   file.FileName,
		Status:     models.SyncStatusSkipped,
		Message:    message,
		SkipReason: reason,
		Skipped:    true,
	}
}

// headerDrift returns an ErrHeaderChanged error when the file's header no
// longer matches its template exactly.
func headerDrift(file *models.FileRecord, changes models.HeaderChanges) error {
	if !changes.Detected || changes.IsExactMatch {
		return nil
	}
	return &models.AppError{
		FileID: file.ID,
		Code:   models.CodeHeaderChanged,
		Message: fmt.Sprintf("header of %s changed: %s (match rate %.1f%%); update the template before syncing",
			file.FileName, driftReason(changes), changes.MatchRate),
		Err: models.ErrHeaderChanged,
	}
}

func driftReason(changes models.HeaderChanges) string {
	var parts []string
	if n := len(changes.AddedFields); n > 0 {
		parts = append(parts, fmt.Sprintf("%d added: %s", n, strings.Join(changes.AddedFields[:min(5, n)], ", ")))
	}
	if n := len(changes.RemovedFields); n > 0 {
		parts = append(parts, fmt.Sprintf("%d removed: %s", n, strings.Join(changes.RemovedFields[:min(5, n)], ", ")))
	}
	if len(parts) == 0 {
		return "column order changed"
	}
	return strings.Join(parts, "; ")
}

func templateName(t *models.Template) string {
	if t == nil {
		return "none"
	}
	return t.Name
}
