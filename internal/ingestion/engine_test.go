package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/timberdayz/timber-dayz-sub007/internal/database"
	"github.com/timberdayz/timber-dayz-sub007/internal/dedup"
	"github.com/timberdayz/timber-dayz-sub007/internal/logging"
	"github.com/timberdayz/timber-dayz-sub007/internal/models"
	"github.com/timberdayz/timber-dayz-sub007/internal/parser"
	"github.com/timberdayz/timber-dayz-sub007/internal/pathsafe"
)

// memoryStore keeps files and raw rows in memory, keyed the way the raw
// tables' unique index is.
type memoryStore struct {
	mu      sync.Mutex
	files   map[int64]*models.FileRecord
	raw     map[string]models.Row
	batches []database.RawBatch
	rawErr  error
	updates int

	quarantine    []models.QuarantinedRow
	quarantineErr error
}

func newMemoryStore(files ...*models.FileRecord) *memoryStore {
	s := &memoryStore{files: map[int64]*models.FileRecord{}, raw: map[string]models.Row{}}
	for _, f := range files {
		s.files[f.ID] = f
	}
	return s
}

func (s *memoryStore) GetFile(_ context.Context, id int64) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *f
	return &copied, nil
}

func (s *memoryStore) UpdateFile(_ context.Context, file *models.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[file.ID]; !ok {
		return models.ErrNotFound
	}
	copied := *file
	s.files[file.ID] = &copied
	s.updates++
	return nil
}

func (s *memoryStore) ClaimProcessing(_ context.Context, file *models.FileRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.files[file.ID]
	if current.Status == models.FileStatusProcessing {
		return false, nil
	}
	current.Status = models.FileStatusProcessing
	file.Status = models.FileStatusProcessing
	return true, nil
}

func (s *memoryStore) BatchUpsert(_ context.Context, batch database.RawBatch) (models.ImportStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats models.ImportStats
	if s.rawErr != nil {
		return stats, s.rawErr
	}
	s.batches = append(s.batches, batch)
	table := database.RawTableName(batch.Domain, batch.SubDomain, batch.Granularity)
	for i, row := range batch.Rows {
		key := strings.Join([]string{table, batch.Platform, batch.ShopID, batch.Hashes[i]}, "|")
		_, exists := s.raw[key]
		switch {
		case !exists:
			s.raw[key] = row
			stats.Inserted++
		case batch.Strategy == models.StrategyInsert:
			stats.Skipped++
		default:
			s.raw[key] = row
			stats.Updated++
		}
	}
	return stats, nil
}

func (s *memoryStore) QuarantineRows(_ context.Context, rows []models.QuarantinedRow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quarantineErr != nil {
		return 0, s.quarantineErr
	}
	s.quarantine = append(s.quarantine, rows...)
	return len(rows), nil
}

func (s *memoryStore) file(id int64) *models.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[id]
}

func (s *memoryStore) rawCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raw)
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Publish(ctx context.Context, event models.DataIngestedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockImageQueue struct {
	mock.Mock
}

func (m *MockImageQueue) Enqueue(ctx context.Context, task models.ImageTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

type engineFixture struct {
	root   string
	store  *memoryStore
	sink   *MockSink
	images *MockImageQueue
	hook   *test.Hook
	engine *Engine
}

func buildEngine(t *testing.T, files ...*models.FileRecord) *engineFixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data", "raw"), 0o755))

	resolver, err := pathsafe.NewResolver(pathsafe.Config{ProjectRoot: root, AllowedRoots: []string{"data/raw"}})
	require.NoError(t, err)

	pool, err := StartPool(2, 4, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &engineFixture{
		root:   root,
		store:  newMemoryStore(files...),
		sink:   new(MockSink),
		images: new(MockImageQueue),
		hook:   hook,
	}
	f.engine = NewEngine(Dependencies{
		Resolver: resolver,
		Parser:   parser.NewSpreadsheetParser(),
		Pool:     pool,
		Policy:   dedup.Default(),
		Events:   f.sink,
		Images:   f.images,
		Logger:   logger,
	}, f.store)
	return f
}

func (f *engineFixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "data", "raw", name), []byte(content), 0o644))
	return "data/raw/" + name
}

func (f *engineFixture) expectNotifications(times int) {
	f.sink.On("Publish", mock.Anything, mock.Anything).Return(nil).Times(times)
	f.images.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Times(times)
}

func (f *engineFixture) logged(level logrus.Level, message string) bool {
	for _, e := range f.hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, message) {
			return true
		}
	}
	return false
}

const ordersCSV = "order_id,order_date,Amount (BRL)\n" +
	"A1,2025-01-01,10.50\n" +
	"A2,2025-01-01,20.00\n" +
	"A3,2025-01-02,5.25\n"

func ordersFile(path string) *models.FileRecord {
	return &models.FileRecord{
		ID: 1, FileName: "orders.csv", FilePath: path,
		PlatformCode: "shopee", ShopID: "shop-1",
		DataDomain: "orders", Granularity: "daily",
		Status: models.FileStatusProcessing,
	}
}

func TestEngine_Ingest(t *testing.T) {
	ctx := context.Background()

	t.Run("Expect: fresh rows inserted and the file marked ingested", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", ordersCSV)
		f.expectNotifications(1)

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Equal(t, models.OutcomeIngested, result.Outcome)
		assert.True(t, result.Success)
		assert.Equal(t, 3, result.Imported)
		assert.Equal(t, 3, result.Staged)
		assert.Equal(t, models.ImportStats{Inserted: 3}, result.ImportStats)
		assert.NotEmpty(t, result.FileChecksum)
		assert.Contains(t, result.Message, "3 inserted")

		saved := f.store.file(1)
		assert.Equal(t, models.FileStatusIngested, saved.Status)
		assert.Empty(t, saved.ErrorMessage)
		assert.Equal(t, []string{"order_id", "order_date", "Amount (BRL)"}, saved.HeaderColumns)

		require.Len(t, f.store.batches, 1)
		batch := f.store.batches[0]
		assert.Equal(t, models.StrategyUpsert, batch.Strategy)
		assert.Equal(t, []string{"order_id", "order_date", "Amount (BRL)"}, batch.OriginalHeaderColumns)
		assert.Equal(t, []string{"BRL", "BRL", "BRL"}, batch.CurrencyCodes)
		assert.Equal(t, "shopee", batch.Rows[0]["platform_code"])
		assert.Equal(t, "shop-1", batch.Rows[0]["shop_id"])
		assert.NotContains(t, batch.Rows[0], "Amount (BRL)")

		f.sink.AssertExpectations(t)
		f.images.AssertExpectations(t)
	})

	t.Run("Expect: re-ingesting under upsert updates in place", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", ordersCSV)
		f.expectNotifications(2)

		_, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})
		require.NoError(t, err)
		f.store.files[1].Status = models.FileStatusProcessing

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Equal(t, models.ImportStats{Updated: 3}, result.ImportStats)
		assert.Equal(t, 3, result.Imported)
		assert.False(t, result.Skipped)
		assert.Equal(t, 3, f.store.rawCount())
		assert.Contains(t, result.Message, "updated in place")
	})

	t.Run("Expect: re-ingesting under insert reports all rows present", func(t *testing.T) {
		f := buildEngine(t)
		f.engine.deps.Policy = dedup.NewTable(map[string]dedup.Entry{
			"orders": {Fields: []string{"order_id"}, Strategy: models.StrategyInsert},
		})
		f.store.files[1] = ordersFile("data/raw/orders.csv")
		f.writeFile(t, "orders.csv", ordersCSV)
		f.expectNotifications(1)

		_, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})
		require.NoError(t, err)
		f.store.files[1].Status = models.FileStatusProcessing
		// same rows arriving through a different export
		f.store.files[1].FileHash = ""

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Equal(t, 0, result.Imported)
		assert.Equal(t, 3, result.ImportStats.Skipped)
		assert.True(t, result.Skipped)
		assert.Equal(t, models.SkipReasonDuplicatesOnlyInsert, result.SkipReason)
		assert.Equal(t, 3, f.store.rawCount())
		f.sink.AssertNumberOfCalls(t, "Publish", 1)
		assert.True(t, f.logged(logrus.InfoLevel, "Some rows were not written"))
		assert.False(t, f.logged(logrus.WarnLevel, "Significant data loss"))
	})

	t.Run("Expect: checksum persisted on the file after a write", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", ordersCSV)
		f.expectNotifications(1)

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Len(t, result.FileChecksum, 16)
		assert.Equal(t, result.FileChecksum, f.store.file(1).FileHash)
	})

	t.Run("Expect: unchanged file under insert skipped without writing", func(t *testing.T) {
		f := buildEngine(t)
		f.engine.deps.Policy = dedup.NewTable(map[string]dedup.Entry{
			"orders": {Fields: []string{"order_id"}, Strategy: models.StrategyInsert},
		})
		f.store.files[1] = ordersFile("data/raw/orders.csv")
		f.writeFile(t, "orders.csv", ordersCSV)
		f.expectNotifications(1)

		first, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})
		require.NoError(t, err)
		f.store.files[1].Status = models.FileStatusPending

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.True(t, result.Skipped)
		assert.Equal(t, models.SkipReasonFileUnchanged, result.SkipReason)
		assert.Equal(t, first.FileChecksum, result.FileChecksum)
		assert.Len(t, f.store.batches, 1)
		assert.Equal(t, models.FileStatusIngested, f.store.file(1).Status)
	})

	t.Run("Expect: changed file under insert read again", func(t *testing.T) {
		f := buildEngine(t)
		f.engine.deps.Policy = dedup.NewTable(map[string]dedup.Entry{
			"orders": {Fields: []string{"order_id"}, Strategy: models.StrategyInsert},
		})
		file := ordersFile("data/raw/orders.csv")
		file.FileHash = "0000000000000000"
		f.store.files[1] = file
		f.writeFile(t, "orders.csv", ordersCSV)
		f.expectNotifications(1)

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Equal(t, 3, result.Imported)
		assert.NotEqual(t, "0000000000000000", f.store.file(1).FileHash)
	})

	t.Run("Expect: unchanged file under upsert still rewritten", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", ordersCSV)
		f.expectNotifications(2)

		_, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})
		require.NoError(t, err)
		f.store.files[1].Status = models.FileStatusProcessing

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Equal(t, 3, result.ImportStats.Updated)
		assert.Len(t, f.store.batches, 2)
	})

	t.Run("Expect: file with every row quarantined is not treated as empty", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", "order_id,order_date\nA1,2025-01-01,stray note\nA2,2025-01-02,another\n")

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		assert.Nil(t, result)
		assert.ErrorIs(t, err, models.ErrAllRowsQuarantined)
		assert.Equal(t, models.CodeAllRowsQuarantined, models.ErrorCode(err, models.CodeIngestFailed))
		assert.Empty(t, f.store.batches)

		saved := f.store.file(1)
		assert.Equal(t, models.FileStatusProcessing, saved.Status)
		assert.NotContains(t, saved.ErrorMessage, models.MarkerEmptyFile)

		require.Len(t, f.store.quarantine, 2)
		first := f.store.quarantine[0]
		assert.Equal(t, int64(1), first.FileID)
		assert.Equal(t, 2, first.RowNumber)
		assert.Equal(t, parser.ReasonColumnOverflow, first.ErrorType)
		assert.Equal(t, map[string]string{"order_id": "A1", "order_date": "2025-01-01", "Unnamed: 2": "stray note"}, first.RowData)
		assert.Equal(t, "shopee", first.Platform)
		assert.Equal(t, "orders", first.Domain)
		assert.Equal(t, 3, f.store.quarantine[1].RowNumber)
		f.sink.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("Expect: partially quarantined file keeps both the rows and the rejects", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", "order_id,order_date\nA1,2025-01-01\nA2,2025-01-02,stray note\nA3,2025-01-03\n")
		f.expectNotifications(1)

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Equal(t, models.OutcomeIngested, result.Outcome)
		assert.Equal(t, 2, result.Imported)
		assert.Equal(t, 1, result.Quarantined)
		require.Len(t, f.store.quarantine, 1)
		assert.Equal(t, 3, f.store.quarantine[0].RowNumber)
	})

	t.Run("Expect: quarantine write failures propagate before any raw write", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", "order_id,order_date\nA1,2025-01-01\nA2,2025-01-02,stray note\n")
		f.store.quarantineErr = errors.New("connection reset")

		_, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		assert.ErrorContains(t, err, "connection reset")
		assert.Empty(t, f.store.batches)
	})

	t.Run("Expect: header-only file marked as processed", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", "order_id,order_date\n,\n")

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Equal(t, models.OutcomeEmpty, result.Outcome)
		assert.True(t, result.Skipped)
		assert.Equal(t, models.SkipReasonEmptyFile, result.SkipReason)
		assert.Empty(t, f.store.batches)

		saved := f.store.file(1)
		assert.Equal(t, models.FileStatusIngested, saved.Status)
		assert.True(t, strings.HasPrefix(saved.ErrorMessage, models.MarkerEmptyFile))
		f.sink.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("Expect: empty marker short-circuits without reading the file", func(t *testing.T) {
		file := ordersFile("data/raw/missing.csv")
		file.Status = models.FileStatusIngested
		file.ErrorMessage = models.MarkerEmptyFile + " header present but no data rows"
		f := buildEngine(t, file)

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Equal(t, models.OutcomeAlreadyProcessed, result.Outcome)
		assert.Equal(t, models.SkipReasonEmptyAlreadyDone, result.SkipReason)
		assert.Zero(t, f.store.updates)
	})

	t.Run("Expect: all-zero marker short-circuits", func(t *testing.T) {
		file := ordersFile("data/raw/missing.csv")
		file.Status = models.FileStatusIngested
		file.ErrorMessage = models.MarkerAllZeroData
		f := buildEngine(t, file)

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Equal(t, models.SkipReasonAllZeroAlreadyDone, result.SkipReason)
	})

	t.Run("Expect: missing file reported", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/gone.csv"))

		_, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		assert.ErrorIs(t, err, models.ErrFileNotFound)
		assert.Equal(t, models.CodeFileNotFound, models.ErrorCode(err, models.CodeIngestFailed))
	})

	t.Run("Expect: paths outside the allowed roots rejected", func(t *testing.T) {
		f := buildEngine(t, ordersFile("../etc/passwd"))

		_, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		assert.ErrorIs(t, err, models.ErrPathNotAllowed)
	})

	t.Run("Expect: services without a sub-domain is a configuration error", func(t *testing.T) {
		file := ordersFile("data/raw/svc.csv")
		file.DataDomain = "services"
		f := buildEngine(t, file)

		_, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "services"})

		assert.ErrorIs(t, err, models.ErrConfiguration)
		assert.Equal(t, models.CodeConfiguration, models.ErrorCode(err, models.CodeIngestFailed))
	})

	t.Run("Expect: unknown file id reported", func(t *testing.T) {
		f := buildEngine(t)

		_, err := f.engine.Ingest(ctx, Request{FileID: 99})

		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Expect: raw store failures propagate and the file keeps its status", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", ordersCSV)
		f.store.rawErr = errors.New("deadlock detected")

		_, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		assert.ErrorContains(t, err, "deadlock detected")
		assert.Equal(t, models.FileStatusProcessing, f.store.file(1).Status)
	})

	t.Run("Expect: rows collapsing onto one hash logged as data loss", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", "region,total\nnorth,1\nsouth,2\neast,3\n")
		f.expectNotifications(1)

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Equal(t, 1, result.Imported)
		assert.Equal(t, 2, result.ImportStats.Skipped)
		assert.True(t, f.logged(logrus.WarnLevel, "Core fields missing"))
		assert.True(t, f.logged(logrus.WarnLevel, "Significant data loss"))
		assert.True(t, f.logged(logrus.ErrorLevel, "Only one row imported"))
	})

	t.Run("Expect: template dedup fields override the domain default", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", "order_id,order_date,status\nA1,2025-01-01,paid\nA1,2025-01-01,refunded\n")
		f.expectNotifications(1)

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders", DedupFields: []string{"order_id", "status"}})

		require.NoError(t, err)
		assert.Equal(t, 2, result.Imported)
	})

	t.Run("Expect: event failures do not fail the ingestion", func(t *testing.T) {
		f := buildEngine(t, ordersFile("data/raw/orders.csv"))
		f.writeFile(t, "orders.csv", ordersCSV)
		f.sink.On("Publish", mock.Anything, mock.Anything).Return(errors.New("listener gone")).Once()
		f.images.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("queue full")).Once()

		result, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		assert.Equal(t, 3, result.Imported)
		assert.True(t, f.logged(logrus.WarnLevel, "Failed to publish ingestion event"))
	})

	t.Run("Expect: unknown platform stamped when none is given", func(t *testing.T) {
		file := ordersFile("data/raw/orders.csv")
		file.PlatformCode = ""
		file.ShopID = ""
		f := buildEngine(t, file)
		f.writeFile(t, "orders.csv", ordersCSV)
		f.expectNotifications(1)

		_, err := f.engine.Ingest(ctx, Request{FileID: 1, Domain: "orders"})

		require.NoError(t, err)
		batch := f.store.batches[0]
		assert.Equal(t, models.PlatformUnknown, batch.Platform)
		assert.Equal(t, models.ShopNone, batch.ShopID)
		assert.Equal(t, models.PlatformUnknown, batch.Rows[0]["platform_code"])
	})
}

func TestEngine_Preview(t *testing.T) {
	ctx := context.Background()

	t.Run("Expect: header row honoured", func(t *testing.T) {
		f := buildEngine(t)
		path := f.writeFile(t, "report.csv", "Shop report\norder_id,order_date\nA1,2025-01-01\n")

		columns, err := f.engine.Preview(ctx, &models.FileRecord{ID: 1, FileName: "report.csv", FilePath: path}, 1)

		require.NoError(t, err)
		assert.Equal(t, []string{"order_id", "order_date"}, columns)
	})

	t.Run("Expect: missing file reported", func(t *testing.T) {
		f := buildEngine(t)

		_, err := f.engine.Preview(ctx, &models.FileRecord{ID: 1, FilePath: "data/raw/none.csv"}, 0)

		assert.ErrorIs(t, err, models.ErrFileNotFound)
	})
}

func TestCollapseDuplicates(t *testing.T) {
	rows := []models.Row{{"v": 1}, {"v": 2}, {"v": 3}}

	outRows, hashes, codes, dropped := collapseDuplicates(rows, []string{"a", "b", "a"}, []string{"USD", "", "BRL"})

	assert.Equal(t, 1, dropped)
	assert.Equal(t, []string{"a", "b"}, hashes)
	assert.Equal(t, []models.Row{{"v": 3}, {"v": 2}}, outRows)
	assert.Equal(t, []string{"BRL", ""}, codes)
}

func TestCheckLoss(t *testing.T) {
	run := func(valid, distinct, imported int) *test.Hook {
		logger, hook := test.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)
		checkLoss(logger, valid, distinct, imported)
		return hook
	}

	t.Run("Expect: both rates on every entry", func(t *testing.T) {
		hook := run(100, 100, 40)

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, logrus.InfoLevel, entry.Level)
		assert.Equal(t, "0.00%", entry.Data["collapse_rate"])
		assert.Equal(t, "60.00%", entry.Data["write_loss_rate"])
		assert.Equal(t, 40, entry.Data["imported"])
	})

	t.Run("Expect: in-file collapse warned", func(t *testing.T) {
		hook := run(100, 80, 80)

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, "20.00%", entry.Data["collapse_rate"])
		assert.Equal(t, "20.00%", entry.Data["write_loss_rate"])
	})

	t.Run("Expect: small losses only at debug", func(t *testing.T) {
		hook := run(100, 99, 98)

		require.Len(t, hook.AllEntries(), 1)
		assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
	})

	t.Run("Expect: nothing for an empty input", func(t *testing.T) {
		assert.Empty(t, run(0, 0, 0).AllEntries())
	})
}

func TestQuarantineRows(t *testing.T) {
	rejected := []parser.RejectedRow{
		{Index: 4, Cells: []string{"A5", "2025-01-05", "x"}, Reason: parser.ReasonColumnOverflow, Detail: "row has 3 cells, header has 2 columns"},
	}

	rows := quarantineRows(7, []string{"order_id", "order_date"}, rejected, 2, "shopee", "shop-1", "orders")

	require.Len(t, rows, 1)
	assert.Equal(t, models.QuarantinedRow{
		FileID:    7,
		RowNumber: 8,
		RowData:   map[string]string{"order_id": "A5", "order_date": "2025-01-05", "Unnamed: 2": "x"},
		ErrorType: parser.ReasonColumnOverflow,
		ErrorMsg:  "row has 3 cells, header has 2 columns",
		Platform:  "shopee",
		ShopID:    "shop-1",
		Domain:    "orders",
	}, rows[0])
}
