// Package scheduler fans pending catalog files out to the sync orchestrator.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/timberdayz/timber-dayz-sub007/internal/database"
	"github.com/timberdayz/timber-dayz-sub007/internal/datasync"
	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

const (
	minConcurrency = 5
	maxConcurrency = 20
)

type FileSyncer interface {
	SyncFile(ctx context.Context, fileID int64, opts datasync.Options) *models.SyncResult
}

// SyncerFactory binds a syncer to one session. It is called once per file.
type SyncerFactory func(session database.Session) FileSyncer

type Catalog interface {
	ListPendingFileIDs(ctx context.Context, limit int) ([]int64, error)
	OpenSession(ctx context.Context) (database.Session, error)
}

type Batch struct {
	catalog   Catalog
	progress  database.ProgressStore
	newSyncer SyncerFactory
	options   datasync.Options
	logger    logrus.FieldLogger
}

// NewBatch builds a batch runner. A nil progress store disables run tracking.
func NewBatch(catalog Catalog, progress database.ProgressStore, newSyncer SyncerFactory, options datasync.Options, logger logrus.FieldLogger) *Batch {
	return &Batch{catalog: catalog, progress: progress, newSyncer: newSyncer, options: options, logger: logger}
}

// Concurrency is the number of files synced at once for a batch of n files.
func Concurrency(n int) int {
	return min(maxConcurrency, max(minConcurrency, n/10+1))
}

// RunBatch syncs up to maxFiles pending files, oldest first. A cancelled ctx
// stops new files from starting; files already running are left to finish.
func (b *Batch) RunBatch(ctx context.Context, maxFiles int) (models.BatchSummary, error) {
	summary := models.BatchSummary{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := b.logger.WithField("run_id", summary.RunID)
	progressCtx := context.WithoutCancel(ctx)

	ids, err := b.catalog.ListPendingFileIDs(ctx, maxFiles)
	if err != nil {
		b.startProgress(progressCtx, log, summary.RunID, models.TaskTypeBatch, 0)
		b.finishProgress(progressCtx, log, summary.RunID, models.ProgressFailed)
		return summary, fmt.Errorf("error listing pending files: %w", err)
	}
	b.startProgress(progressCtx, log, summary.RunID, models.TaskTypeBatch, len(ids))
	if len(ids) == 0 {
		log.Info("No pending files")
		b.finishProgress(progressCtx, log, summary.RunID, models.ProgressCompleted)
		return summary, nil
	}

	concurrency := Concurrency(len(ids))
	log.WithFields(logrus.Fields{"files": len(ids), "concurrency": concurrency}).Info("Starting batch")

	sem := semaphore.NewWeighted(int64(concurrency))
	results := make([]*models.SyncResult, len(ids))
	taskCtx := context.WithoutCancel(ctx)
	cancelled := false
	var wg sync.WaitGroup

	for i, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			log.WithField("remaining", len(ids)-i).Warn("Batch cancelled, not starting remaining files")
			cancelled = true
			break
		}
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = b.syncOne(taskCtx, log, id, b.options)
			b.recordProgress(taskCtx, log, summary.RunID, results[i])
		}(i, id)
	}
	wg.Wait()

	for _, r := range results {
		if r == nil {
			continue
		}
		summary.Processed++
		switch models.ClassifyResult(r) {
		case models.ResultSucceeded:
			summary.Succeeded++
		case models.ResultQuarantined:
			summary.Quarantined++
		case models.ResultFailed:
			summary.Failed++
		case models.ResultSkipped:
			summary.Skipped++
			if r.SkipReason == models.SkipReasonNoTemplate {
				summary.SkippedNoTemplate++
			}
		}
		summary.Details = append(summary.Details, *r)
	}
	summary.Duration = time.Since(summary.StartedAt)

	status := models.ProgressCompleted
	if cancelled {
		status = models.ProgressCancelled
	}
	b.finishProgress(progressCtx, log, summary.RunID, status)

	log.WithFields(logrus.Fields{
		"processed":           summary.Processed,
		"succeeded":           summary.Succeeded,
		"quarantined":         summary.Quarantined,
		"failed":              summary.Failed,
		"skipped":             summary.Skipped,
		"skipped_no_template": summary.SkippedNoTemplate,
		"duration":            summary.Duration.String(),
	}).Info("Batch finished")
	return summary, nil
}

// SyncFile syncs a single file on its own session, outside any batch, and
// tracks it as a one-file run.
func (b *Batch) SyncFile(ctx context.Context, fileID int64, opts datasync.Options) *models.SyncResult {
	runID := uuid.NewString()
	log := b.logger.WithField("run_id", runID)
	progressCtx := context.WithoutCancel(ctx)

	b.startProgress(progressCtx, log, runID, models.TaskTypeSingleFile, 1)
	result := b.syncOne(ctx, log, fileID, opts)
	b.recordProgress(progressCtx, log, runID, result)

	status := models.ProgressCompleted
	if result.Status == models.SyncStatusFailed {
		status = models.ProgressFailed
	}
	b.finishProgress(progressCtx, log, runID, status)

	if b.progress != nil {
		result.RunID = runID
	}
	return result
}

// Progress writes never fail a run; the files are the source of truth.
func (b *Batch) startProgress(ctx context.Context, log logrus.FieldLogger, runID, taskType string, total int) {
	if b.progress == nil {
		return
	}
	now := time.Now().UTC()
	err := b.progress.CreateProgress(ctx, &models.SyncProgress{
		RunID:      runID,
		TaskType:   taskType,
		Status:     models.ProgressRunning,
		TotalFiles: total,
		StartedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		log.WithError(err).Warn("Unable to create progress record")
	}
}

func (b *Batch) recordProgress(ctx context.Context, log logrus.FieldLogger, runID string, result *models.SyncResult) {
	if b.progress == nil || result == nil {
		return
	}
	if err := b.progress.RecordFileProgress(ctx, runID, result); err != nil {
		log.WithError(err).WithField("file_id", result.FileID).Warn("Unable to record file progress")
	}
}

func (b *Batch) finishProgress(ctx context.Context, log logrus.FieldLogger, runID string, status models.ProgressStatus) {
	if b.progress == nil {
		return
	}
	if err := b.progress.CompleteProgress(ctx, runID, status); err != nil {
		log.WithError(err).Warn("Unable to complete progress record")
	}
}

func (b *Batch) syncOne(ctx context.Context, log logrus.FieldLogger, fileID int64, opts datasync.Options) (result *models.SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{"file_id": fileID, "stack": string(debug.Stack())}).Errorf("Sync panicked: %v", r)
			result = failedResult(fileID, models.CodeUnexpectedFailure, fmt.Sprintf("sync panicked: %v", r))
		}
	}()

	session, err := b.catalog.OpenSession(ctx)
	if err != nil {
		log.WithError(err).WithField("file_id", fileID).Error("Unable to open session")
		return failedResult(fileID, models.CodeStoreError, err.Error())
	}
	defer session.Close()

	result = b.newSyncer(session).SyncFile(ctx, fileID, opts)
	if result == nil {
		return failedResult(fileID, models.CodeUnexpectedFailure, "sync returned no result")
	}
	return result
}

func failedResult(fileID int64, code, message string) *models.SyncResult {
	return &models.SyncResult{
		FileID:    fileID,
		Status:    models.SyncStatusFailed,
		Message:   strings.TrimSpace(message),
		ErrorCode: code,
	}
}
