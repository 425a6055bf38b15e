// Package events carries best-effort notifications out of the ingestion pipeline.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

// Sink publishes ingestion notifications. Callers treat errors as non-fatal.
type Sink interface {
	Publish(ctx context.Context, event models.DataIngestedEvent) error
}

// NewDataIngestedEvent builds the notification for a freshly ingested file.
func NewDataIngestedEvent(file *models.FileRecord, rowCount int) models.DataIngestedEvent {
	return models.DataIngestedEvent{
		EventID:     uuid.NewString(),
		FileID:      file.ID,
		Platform:    file.PlatformCode,
		Domain:      file.DataDomain,
		Granularity: file.Granularity,
		RowCount:    rowCount,
		OccurredAt:  time.Now().UTC(),
	}
}

type LogSink struct {
	logger logrus.FieldLogger
}

func NewLogSink(logger logrus.FieldLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, event models.DataIngestedEvent) error {
	s.logger.WithFields(logrus.Fields{
		"event_id":    event.EventID,
		"file_id":     event.FileID,
		"platform":    event.Platform,
		"domain":      event.Domain,
		"granularity": event.Granularity,
		"row_count":   event.RowCount,
	}).Info("Data ingested")
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgNotifySink sends events as JSON payloads on a Postgres NOTIFY channel.
type PgNotifySink struct {
	db      execer
	channel string
}

func NewPgNotifySink(db execer, channel string) *PgNotifySink {
	return &PgNotifySink{db: db, channel: channel}
}

func (s *PgNotifySink) Publish(ctx context.Context, event models.DataIngestedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("error encoding event: %w", err)
	}
	// NOTIFY payloads are capped at 8000 bytes by default
	if len(payload) >= 8000 {
		return fmt.Errorf("event payload too large (%d bytes)", len(payload))
	}
	if _, err := s.db.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, string(payload)); err != nil {
		return fmt.Errorf("error publishing to channel %s: %w", s.channel, err)
	}
	return nil
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, event models.DataIngestedEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
