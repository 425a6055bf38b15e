package database

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/timberdayz/timber-dayz-sub007/internal/logging"
	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

type MockFileStore struct {
	mock.Mock
}

func (m *MockFileStore) GetFile(ctx context.Context, id int64) (*models.FileRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.FileRecord), args.Error(1)
}

func (m *MockFileStore) UpdateFile(ctx context.Context, file *models.FileRecord) error {
	args := m.Called(ctx, file)
	return args.Error(0)
}

func (m *MockFileStore) ClaimProcessing(ctx context.Context, file *models.FileRecord) (bool, error) {
	args := m.Called(ctx, file)
	return args.Bool(0), args.Error(1)
}

func TestRawTableName(t *testing.T) {
	assert.Equal(t, "fact_raw_data_orders_daily", RawTableName("orders", "", "daily"))
	assert.Equal(t, "fact_raw_data_orders_daily", RawTableName("Orders", "ignored", "daily"))
	assert.Equal(t, "fact_raw_data_services_ai_assistant_monthly", RawTableName("services", "ai_assistant", "monthly"))
	assert.Equal(t, "fact_raw_data_traffic_week_1", RawTableName("traffic", "", "week-1"))
	assert.Equal(t, "fact_raw_data_x_drop_table", RawTableName("x", "", "drop table;"))
}

func TestRawBatch_validate(t *testing.T) {
	t.Run("Expect: hashes must match rows", func(t *testing.T) {
		b := RawBatch{Domain: "orders", Granularity: "daily", Rows: []models.Row{{}}, Hashes: nil}
		assert.Error(t, b.validate())
	})

	t.Run("Expect: currency codes optional but parallel", func(t *testing.T) {
		b := RawBatch{Domain: "orders", Granularity: "daily", Rows: []models.Row{{}}, Hashes: []string{"h"}}
		assert.NoError(t, b.validate())

		b.CurrencyCodes = []string{"BRL", "USD"}
		assert.Error(t, b.validate())
	})

	t.Run("Expect: domain and granularity required", func(t *testing.T) {
		assert.Error(t, RawBatch{Granularity: "daily"}.validate())
		assert.Error(t, RawBatch{Domain: "orders"}.validate())
	})
}

func TestSaveFile(t *testing.T) {
	ctx := context.Background()
	logger := logging.Discard()

	t.Run("Expect: single write on success", func(t *testing.T) {
		store := new(MockFileStore)
		file := &models.FileRecord{ID: 1, Status: models.FileStatusIngested}
		store.On("UpdateFile", ctx, file).Return(nil).Once()

		assert.NoError(t, SaveFile(ctx, store, file, logger))
		store.AssertExpectations(t)
	})

	t.Run("Expect: reload and retry after a failed write", func(t *testing.T) {
		store := new(MockFileStore)
		file := &models.FileRecord{ID: 1, Status: models.FileStatusFailed, ErrorMessage: "boom", FileHash: "9f1c"}
		fresh := &models.FileRecord{ID: 1, Status: models.FileStatusProcessing, FileName: "a.csv"}

		store.On("UpdateFile", ctx, file).Return(errors.New("connection reset")).Once()
		store.On("GetFile", ctx, int64(1)).Return(fresh, nil).Once()
		store.On("UpdateFile", ctx, mock.MatchedBy(func(f *models.FileRecord) bool {
			return f == fresh && f.Status == models.FileStatusFailed && f.ErrorMessage == "boom" && f.FileName == "a.csv" && f.FileHash == "9f1c"
		})).Return(nil).Once()

		assert.NoError(t, SaveFile(ctx, store, file, logger))
		store.AssertExpectations(t)
	})

	t.Run("Expect: transient error after the retry fails", func(t *testing.T) {
		store := new(MockFileStore)
		file := &models.FileRecord{ID: 1, Status: models.FileStatusIngested}

		store.On("UpdateFile", ctx, mock.Anything).Return(errors.New("connection reset")).Twice()
		store.On("GetFile", ctx, int64(1)).Return(&models.FileRecord{ID: 1}, nil).Once()

		err := SaveFile(ctx, store, file, logger)

		assert.ErrorIs(t, err, models.ErrTransientStore)
		store.AssertExpectations(t)
	})

	t.Run("Expect: missing record is not retried", func(t *testing.T) {
		store := new(MockFileStore)
		file := &models.FileRecord{ID: 9}
		store.On("UpdateFile", ctx, file).Return(models.ErrNotFound).Once()

		assert.ErrorIs(t, SaveFile(ctx, store, file, logger), models.ErrNotFound)
		store.AssertNotCalled(t, "GetFile", mock.Anything, mock.Anything)
	})
}

var (
	_ Session       = (*postgresSession)(nil)
	_ ProgressStore = (*PostgresDBManager)(nil)
)

func TestValidateQuarantine(t *testing.T) {
	valid := models.QuarantinedRow{FileID: 1, RowNumber: 2, ErrorType: "column_overflow", RowData: map[string]string{"a": "b"}}

	t.Run("Expect: complete rows accepted", func(t *testing.T) {
		assert.NoError(t, validateQuarantine([]models.QuarantinedRow{valid}))
		assert.NoError(t, validateQuarantine(nil))
	})

	t.Run("Expect: rows without file, position or reason rejected", func(t *testing.T) {
		noFile := valid
		noFile.FileID = 0
		noRow := valid
		noRow.RowNumber = 0
		noType := valid
		noType.ErrorType = ""

		for _, row := range []models.QuarantinedRow{noFile, noRow, noType} {
			assert.Error(t, validateQuarantine([]models.QuarantinedRow{valid, row}))
		}
	})
}
