package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

// SaveFile writes the file's state. When the write fails the record is
// reloaded, the pending state reapplied and the write retried once.
func SaveFile(ctx context.Context, store FileStore, file *models.FileRecord, logger logrus.FieldLogger) error {
	err := store.UpdateFile(ctx, file)
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrNotFound) {
		return err
	}

	log := logger.WithFields(logrus.Fields{"file_id": file.ID, "status": file.Status})
	log.WithError(err).Warn("File state write failed, reloading and retrying")

	fresh, reloadErr := store.GetFile(ctx, file.ID)
	if reloadErr != nil {
		return fmt.Errorf("%w: write failed: %v; reload failed: %v", models.ErrTransientStore, err, reloadErr)
	}
	fresh.Status = file.Status
	fresh.ErrorMessage = file.ErrorMessage
	fresh.HeaderColumns = file.HeaderColumns
	fresh.FileHash = file.FileHash
	fresh.Metadata = file.Metadata

	if retryErr := store.UpdateFile(ctx, fresh); retryErr != nil {
		log.WithError(retryErr).Error("File state write failed after retry")
		if errors.Is(retryErr, models.ErrTransientStore) {
			return retryErr
		}
		return fmt.Errorf("%w: %v", models.ErrTransientStore, retryErr)
	}
	return nil
}
