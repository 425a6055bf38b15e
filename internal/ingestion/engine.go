// Package ingestion reads a cataloged spreadsheet and writes its rows to the raw store.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/timberdayz/timber-dayz-sub007/internal/currency"
	"github.com/timberdayz/timber-dayz-sub007/internal/database"
	"github.com/timberdayz/timber-dayz-sub007/internal/dedup"
	"github.com/timberdayz/timber-dayz-sub007/internal/events"
	"github.com/timberdayz/timber-dayz-sub007/internal/models"
	"github.com/timberdayz/timber-dayz-sub007/internal/parser"
	"github.com/timberdayz/timber-dayz-sub007/pkg/checksum"
)

const (
	PreviewRows = 100
	// share of rows that may collapse on write before we warn about hash collisions
	lossWarnRate = 0.05
)

type PathResolver interface {
	Resolve(raw string) (string, error)
}

type Store interface {
	database.FileStore
	database.RawStore
	database.QuarantineStore
}

// Dependencies are shared by every engine in the process.
type Dependencies struct {
	Resolver PathResolver
	Parser   parser.Parser
	Pool     *Pool
	Currency *currency.Extractor
	Policy   *dedup.Table
	Events   events.Sink
	Images   events.ImageQueue
	Logger   logrus.FieldLogger
}

type Request struct {
	FileID        int64
	Platform      string
	Domain        string
	HeaderRow     int
	HeaderColumns []string
	DedupFields   []string
	SubDomain     string
}

// Engine ingests files through one store. Build one per session.
type Engine struct {
	deps  Dependencies
	store Store
}

func NewEngine(deps Dependencies, store Store) *Engine {
	if deps.Events == nil {
		deps.Events = events.NewLogSink(deps.Logger)
	}
	if deps.Images == nil {
		deps.Images = events.NoopImageQueue{}
	}
	if deps.Policy == nil {
		deps.Policy = dedup.Default()
	}
	if deps.Currency == nil {
		deps.Currency = currency.NewExtractor()
	}
	return &Engine{deps: deps, store: store}
}

// Preview reads only the header (plus a few rows) to compare against templates.
func (e *Engine) Preview(ctx context.Context, file *models.FileRecord, headerRow int) ([]string, error) {
	path, _, err := e.locate(file)
	if err != nil {
		return nil, err
	}
	table, err := Submit(ctx, e.deps.Pool, func() (*parser.Table, error) {
		return e.deps.Parser.Read(ctx, path, headerRow, PreviewRows)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to preview %s: %w", file.FileName, err)
	}
	return table.Columns, nil
}

type parsed struct {
	table    *parser.Table
	checksum string
}

func (e *Engine) Ingest(ctx context.Context, req Request) (*models.IngestResult, error) {
	file, err := e.store.GetFile(ctx, req.FileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load file %d: %w", req.FileID, err)
	}

	log := e.deps.Logger.WithFields(logrus.Fields{"file_id": file.ID, "file_name": file.FileName})

	if done := alreadyProcessed(file); done != nil {
		log.WithField("skip_reason", done.SkipReason).Info("File already processed, nothing to do")
		return done, nil
	}

	domain := firstNonEmpty(req.Domain, file.DataDomain)
	subDomain := firstNonEmpty(req.SubDomain, file.SubDomain)
	if strings.EqualFold(domain, models.DomainServices) && subDomain == "" {
		return nil, &models.AppError{
			FileID:  file.ID,
			Code:    models.CodeConfiguration,
			Message: "services files require a sub_domain on the file record or template",
			Err:     models.ErrConfiguration,
		}
	}

	path, info, err := e.locate(file)
	if err != nil {
		return nil, err
	}

	strategy := e.deps.Policy.Strategy(domain)
	log.WithFields(logrus.Fields{"domain": domain, "header_row": req.HeaderRow}).Info("Reading file")
	p, err := Submit(ctx, e.deps.Pool, func() (parsed, error) {
		sum, err := checksum.GetFileChecksum(path)
		if err != nil {
			return parsed{}, err
		}
		// under insert an identical file cannot add rows
		if strategy == models.StrategyInsert && file.FileHash != "" && file.FileHash == sum {
			return parsed{checksum: sum}, nil
		}
		table, err := e.deps.Parser.Read(ctx, path, req.HeaderRow, 0)
		if err != nil {
			return parsed{}, err
		}
		return parsed{table: table, checksum: sum}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file.FileName, err)
	}

	if p.table == nil {
		log.WithField("checksum", p.checksum).Info("File unchanged since last ingest, nothing to write")
		file.Status = models.FileStatusIngested
		file.ErrorMessage = ""
		if err := database.SaveFile(ctx, e.store, file, log); err != nil {
			log.WithError(err).Error("Failed to mark unchanged file as ingested")
		}
		return &models.IngestResult{
			Outcome:      models.OutcomeIngested,
			Success:      true,
			Message:      "File content unchanged since the last ingest, nothing written",
			Skipped:      true,
			SkipReason:   models.SkipReasonFileUnchanged,
			FileChecksum: p.checksum,
		}, nil
	}

	table := p.table
	quarantined := 0
	var rejected []parser.RejectedRow
	sizeMB := float64(info.Size()) / (1024 * 1024)
	if normalized, report, err := e.deps.Parser.Normalize(table, domain, sizeMB); err != nil {
		log.WithError(err).Warn("Normalization failed, using raw cells")
	} else {
		table = normalized
		quarantined = report.QuarantinedRows
		rejected = report.Rejected
		log.WithFields(logrus.Fields{
			"strategy":    report.Strategy,
			"trimmed":     report.TrimmedCells,
			"nullified":   report.NullifiedCells,
			"quarantined": report.QuarantinedRows,
		}).Debug("Table normalized")
	}

	dataRows := make([][]string, 0, len(table.Rows))
	for _, row := range table.Rows {
		if !parser.IsBlank(row) {
			dataRows = append(dataRows, row)
		}
	}

	// a file is empty only when normalization refused nothing either
	if len(dataRows) == 0 && quarantined == 0 {
		log.WithField("columns", len(table.Columns)).Warn("File has a header but no data rows")
		file.Status = models.FileStatusIngested
		file.ErrorMessage = models.MarkerEmptyFile + " header present but no data rows"
		file.HeaderColumns = table.Columns
		file.FileHash = p.checksum
		if err := database.SaveFile(ctx, e.store, file, log); err != nil {
			log.WithError(err).Error("Failed to mark empty file as ingested")
		}
		return &models.IngestResult{
			Outcome:      models.OutcomeEmpty,
			Success:      true,
			Message:      "File is empty: header present but no data rows, marked as processed",
			Skipped:      true,
			SkipReason:   models.SkipReasonEmptyFile,
			FileChecksum: p.checksum,
		}, nil
	}

	if len(req.HeaderColumns) > 0 && len(req.HeaderColumns) != len(table.Columns) {
		log.WithFields(logrus.Fields{"expected": len(req.HeaderColumns), "found": len(table.Columns)}).
			Warn("Header width differs from the bound schema")
	}

	platform := firstNonEmpty(file.PlatformCode, req.Platform)
	if platform == "" {
		log.Warn("No platform on file or request, using unknown")
		platform = models.PlatformUnknown
	}
	shop := firstNonEmpty(file.ShopID, models.ShopNone)

	if len(rejected) > 0 {
		rows := quarantineRows(file.ID, table.Columns, rejected, req.HeaderRow, platform, shop, domain)
		if _, err := e.store.QuarantineRows(ctx, rows); err != nil {
			return nil, fmt.Errorf("failed to quarantine %d rows of file %d: %w", len(rows), file.ID, err)
		}
		log.WithField("quarantined", len(rows)).Warn("Rows quarantined")
	}

	if len(dataRows) == 0 {
		return nil, &models.AppError{
			FileID:  file.ID,
			Code:    models.CodeAllRowsQuarantined,
			Message: fmt.Sprintf("all %d data rows were quarantined, nothing to ingest", quarantined),
			Err:     models.ErrAllRowsQuarantined,
		}
	}

	rows := make([]models.Row, len(dataRows))
	for i, cells := range dataRows {
		row := make(models.Row, len(table.Columns))
		for j, col := range table.Columns {
			if j < len(cells) {
				row[col] = cells[j]
			} else {
				row[col] = ""
			}
		}
		if isEmptyValue(row["platform_code"]) {
			row["platform_code"] = platform
		}
		if isEmptyValue(row["shop_id"]) {
			row["shop_id"] = shop
		}
		rows[i] = row
	}

	fields := e.deps.Policy.EffectiveFields(domain, subDomain, req.DedupFields)
	if len(fields) == 0 {
		log.WithField("rows", len(rows)).Warn("No core fields configured, hashing all business fields")
	} else {
		log.WithField("core_fields", fields).Info("Hashing core fields")
		if missing := checksum.MissingFields(rows[0], fields); len(missing) > 0 {
			log.WithField("missing", missing).Warn("Core fields missing from file, hashes may collide")
		}
	}

	hashes := make([]string, len(rows))
	codes := make([]string, len(rows))
	stored := make([]models.Row, len(rows))
	for i, row := range rows {
		hashes[i] = checksum.RowHash(row, fields)
		// currency lives in the original column names, read it before they are normalized
		if code, ok := e.deps.Currency.ExtractCurrency(row, table.Columns); ok {
			codes[i] = code
		}
		normalized := make(models.Row, len(row))
		for k, v := range row {
			normalized[e.deps.Currency.NormalizeFieldName(k)] = v
		}
		stored[i] = normalized
	}
	warnOnUniformHashes(log, hashes)
	stored, hashes, codes, collapsed := collapseDuplicates(stored, hashes, codes)

	stats, err := e.store.BatchUpsert(ctx, database.RawBatch{
		FileID:                file.ID,
		Platform:              platform,
		ShopID:                shop,
		Domain:                domain,
		SubDomain:             subDomain,
		Granularity:           firstNonEmpty(file.Granularity, "daily"),
		Strategy:              strategy,
		Rows:                  stored,
		Hashes:                hashes,
		CurrencyCodes:         codes,
		HeaderColumns:         e.deps.Currency.NormalizeFieldList(table.Columns),
		OriginalHeaderColumns: table.Columns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write rows for file %d: %w", file.ID, err)
	}

	stats.Skipped += collapsed
	imported := stats.Imported()
	checkLoss(log, len(rows), len(stored), imported)

	file.Status = models.FileStatusIngested
	file.ErrorMessage = ""
	file.HeaderColumns = table.Columns
	file.FileHash = p.checksum
	if err := database.SaveFile(ctx, e.store, file, log); err != nil {
		// rows are already committed; the caller still gets the real outcome
		log.WithError(err).Error("Failed to mark file as ingested")
	}

	if imported > 0 {
		e.notify(ctx, log, file, path, imported)
	}

	result := &models.IngestResult{
		Outcome:      models.OutcomeIngested,
		Success:      true,
		Message:      importMessage(stats),
		Staged:       imported,
		Imported:     imported,
		Quarantined:  quarantined,
		ImportStats:  stats,
		FileChecksum: p.checksum,
	}
	if strategy == models.StrategyInsert && imported == 0 && stats.Skipped > 0 {
		result.Skipped = true
		result.SkipReason = models.SkipReasonDuplicatesOnlyInsert
	}

	log.WithFields(logrus.Fields{
		"inserted":    stats.Inserted,
		"updated":     stats.Updated,
		"skipped":     stats.Skipped,
		"quarantined": quarantined,
		"strategy":    strategy,
		"checksum":    p.checksum,
	}).Info("File ingested")
	return result, nil
}

func (e *Engine) locate(file *models.FileRecord) (string, os.FileInfo, error) {
	path, err := e.deps.Resolver.Resolve(file.FilePath)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, fmt.Errorf("%w: %s", models.ErrFileNotFound, file.FilePath)
		}
		return "", nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", nil, fmt.Errorf("%w: %s is a directory", models.ErrFileNotFound, file.FilePath)
	}
	return path, info, nil
}

func (e *Engine) notify(ctx context.Context, log logrus.FieldLogger, file *models.FileRecord, path string, imported int) {
	if err := e.deps.Events.Publish(ctx, events.NewDataIngestedEvent(file, imported)); err != nil {
		log.WithError(err).Warn("Failed to publish ingestion event")
	}

	task := models.ImageTask{FileID: file.ID, Path: path, Platform: file.PlatformCode, ShopID: firstNonEmpty(file.ShopID, models.ShopNone)}
	if err := e.deps.Images.Enqueue(ctx, task); err != nil {
		log.WithError(err).Warn("Skipping image extraction task")
	}
}

func alreadyProcessed(file *models.FileRecord) *models.IngestResult {
	if file.Status != models.FileStatusIngested {
		return nil
	}
	switch {
	case strings.Contains(file.ErrorMessage, models.MarkerAllZeroData):
		return &models.IngestResult{
			Outcome:    models.OutcomeAlreadyProcessed,
			Success:    true,
			Message:    "File was identified as all-zero data, nothing to ingest",
			Skipped:    true,
			SkipReason: models.SkipReasonAllZeroAlreadyDone,
		}
	case strings.Contains(file.ErrorMessage, models.MarkerEmptyFile):
		return &models.IngestResult{
			Outcome:    models.OutcomeAlreadyProcessed,
			Success:    true,
			Message:    "File was identified as empty (header without data rows), nothing to ingest",
			Skipped:    true,
			SkipReason: models.SkipReasonEmptyAlreadyDone,
		}
	}
	return nil
}

// checkLoss reports two measures. The collapse rate counts valid rows that
// shared a hash inside the file and were never sent. The write loss rate counts
// valid rows that did not end up inserted or updated, which under insert also
// includes rows already present from earlier files.
func checkLoss(log logrus.FieldLogger, valid, distinct, imported int) {
	if valid == 0 {
		return
	}
	collapseRate := float64(valid-distinct) / float64(valid)
	writeLossRate := float64(valid-imported) / float64(valid)
	fields := logrus.Fields{
		"rows":            valid,
		"distinct":        distinct,
		"imported":        imported,
		"collapse_rate":   fmt.Sprintf("%.2f%%", collapseRate*100),
		"write_loss_rate": fmt.Sprintf("%.2f%%", writeLossRate*100),
	}
	switch {
	case collapseRate > lossWarnRate:
		log.WithFields(fields).Warn("Significant data loss on write, core fields may be misconfigured")
	case writeLossRate > lossWarnRate:
		log.WithFields(fields).Info("Some rows were not written, they are already present in the raw table")
	default:
		log.WithFields(fields).Debug("Write loss within limits")
	}
	if distinct == 1 && valid > 1 {
		log.WithField("rows", valid).Error("Only one row imported, every row produced the same hash")
	}
}

// quarantineRows numbers rejected rows by their line in the sheet, header included.
func quarantineRows(fileID int64, columns []string, rejected []parser.RejectedRow, headerRow int, platform, shop, domain string) []models.QuarantinedRow {
	out := make([]models.QuarantinedRow, 0, len(rejected))
	for _, r := range rejected {
		data := make(map[string]string, len(r.Cells))
		for i, cell := range r.Cells {
			if i < len(columns) {
				data[columns[i]] = cell
			} else {
				data[fmt.Sprintf("Unnamed: %d", i)] = cell
			}
		}
		out = append(out, models.QuarantinedRow{
			FileID:    fileID,
			RowNumber: headerRow + r.Index + 2,
			RowData:   data,
			ErrorType: r.Reason,
			ErrorMsg:  r.Detail,
			Platform:  platform,
			ShopID:    shop,
			Domain:    domain,
		})
	}
	return out
}

func warnOnUniformHashes(log logrus.FieldLogger, hashes []string) {
	sample := hashes[:min(10, len(hashes))]
	if len(sample) < 2 {
		return
	}
	for _, h := range sample[1:] {
		if h != sample[0] {
			return
		}
	}
	log.WithField("sampled", len(sample)).Warn("Sampled rows share one hash, core fields may be missing from the file")
}

// collapseDuplicates keeps one row per hash, the last one seen, in first-seen position.
func collapseDuplicates(rows []models.Row, hashes, codes []string) ([]models.Row, []string, []string, int) {
	index := make(map[string]int, len(hashes))
	outRows := make([]models.Row, 0, len(rows))
	outHashes := make([]string, 0, len(hashes))
	outCodes := make([]string, 0, len(codes))
	for i, h := range hashes {
		if at, ok := index[h]; ok {
			outRows[at] = rows[i]
			outCodes[at] = codes[i]
			continue
		}
		index[h] = len(outRows)
		outRows = append(outRows, rows[i])
		outHashes = append(outHashes, h)
		outCodes = append(outCodes, codes[i])
	}
	return outRows, outHashes, outCodes, len(rows) - len(outRows)
}

func importMessage(stats models.ImportStats) string {
	switch {
	case stats.Updated > 0 && stats.Inserted > 0:
		return fmt.Sprintf("Sync complete: %d inserted, %d updated", stats.Inserted, stats.Updated)
	case stats.Updated > 0:
		return fmt.Sprintf("Sync complete: all %d rows already present, updated in place", stats.Updated)
	case stats.Inserted > 0 && stats.Skipped > 0:
		return fmt.Sprintf("Sync complete: %d inserted, %d skipped as duplicates", stats.Inserted, stats.Skipped)
	case stats.Inserted > 0:
		return fmt.Sprintf("Sync complete: %d inserted", stats.Inserted)
	case stats.Skipped > 0:
		return fmt.Sprintf("Sync complete: all %d rows already present", stats.Skipped)
	default:
		return "Sync complete: no rows written"
	}
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
