package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/timberdayz/timber-dayz-sub007/internal/datasync"
	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

// FileSyncer syncs one file on a session the implementation owns.
type FileSyncer interface {
	SyncFile(ctx context.Context, fileID int64, opts datasync.Options) *models.SyncResult
}

type BatchRunner interface {
	RunBatch(ctx context.Context, maxFiles int) (models.BatchSummary, error)
}

type ProgressReader interface {
	GetProgress(ctx context.Context, runID string) (*models.SyncProgress, error)
}

type SyncService struct {
	Syncer          FileSyncer
	Batch           BatchRunner
	Progress        ProgressReader
	DefaultMaxFiles int
	Logger          logrus.FieldLogger
}

func NewSyncService(syncer FileSyncer, batch BatchRunner, progress ProgressReader, defaultMaxFiles int, logger logrus.FieldLogger) *SyncService {
	return &SyncService{Syncer: syncer, Batch: batch, Progress: progress, DefaultMaxFiles: defaultMaxFiles, Logger: logger}
}

// SyncFile handles POST /files/{id}/sync.
func (h *SyncService) SyncFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/files/")
	idStr, ok := strings.CutSuffix(rest, "/sync")
	if !ok || idStr == "" || strings.Contains(idStr, "/") {
		http.Error(w, "File id is required in the URL path /files/{id}/sync", http.StatusBadRequest)
		return
	}
	fileID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || fileID <= 0 {
		http.Error(w, "Invalid file id", http.StatusBadRequest)
		return
	}

	opts := datasync.DefaultOptions()
	query := r.URL.Query()
	if opts.OnlyWithTemplate, err = boolParam(query.Get("only_with_template"), opts.OnlyWithTemplate); err != nil {
		http.Error(w, "Invalid 'only_with_template' value. Use true or false.", http.StatusBadRequest)
		return
	}
	if opts.UseTemplateHeaderRow, err = boolParam(query.Get("use_template_header_row"), opts.UseTemplateHeaderRow); err != nil {
		http.Error(w, "Invalid 'use_template_header_row' value. Use true or false.", http.StatusBadRequest)
		return
	}

	result := h.Syncer.SyncFile(r.Context(), fileID, opts)

	status := http.StatusOK
	if result.ErrorCode == models.CodeFileNotInCatalog {
		status = http.StatusNotFound
	}
	h.writeJSON(w, status, result)
}

// RunBatch handles POST /batches.
func (h *SyncService) RunBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	maxFiles := h.DefaultMaxFiles
	if v := r.URL.Query().Get("max_files"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid 'max_files'. Use a positive integer.", http.StatusBadRequest)
			return
		}
		maxFiles = n
	}

	summary, err := h.Batch.RunBatch(r.Context(), maxFiles)
	if err != nil {
		h.Logger.WithError(err).Error("Batch run failed")
		http.Error(w, "Failed to run batch", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

type progressResponse struct {
	*models.SyncProgress
	FileProgress float64 `json:"file_progress"`
}

// GetProgress handles GET /batches/{run_id}.
func (h *SyncService) GetProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/batches/")
	if runID == "" || strings.Contains(runID, "/") {
		http.Error(w, "Run id is required in the URL path /batches/{run_id}", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(runID); err != nil {
		http.Error(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	progress, err := h.Progress.GetProgress(r.Context(), runID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		h.Logger.WithError(err).WithField("run_id", runID).Error("Failed to load progress")
		http.Error(w, "Failed to load progress", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, progressResponse{SyncProgress: progress, FileProgress: progress.FileProgress()})
}

func (h *SyncService) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.Logger.WithError(err).Warn("Failed to encode response")
	}
}

func boolParam(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}
