package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/timberdayz/timber-dayz-sub007/internal/config"
	"github.com/timberdayz/timber-dayz-sub007/internal/currency"
	"github.com/timberdayz/timber-dayz-sub007/internal/database"
	"github.com/timberdayz/timber-dayz-sub007/internal/datasync"
	"github.com/timberdayz/timber-dayz-sub007/internal/dedup"
	"github.com/timberdayz/timber-dayz-sub007/internal/events"
	"github.com/timberdayz/timber-dayz-sub007/internal/ingestion"
	"github.com/timberdayz/timber-dayz-sub007/internal/logging"
	"github.com/timberdayz/timber-dayz-sub007/internal/parser"
	"github.com/timberdayz/timber-dayz-sub007/internal/pathsafe"
	"github.com/timberdayz/timber-dayz-sub007/internal/scheduler"
	"github.com/timberdayz/timber-dayz-sub007/internal/template"
)

// app holds everything a command needs. Built once per process.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	dbpool    *pgxpool.Pool
	dbManager *database.PostgresDBManager
	catalog   *template.Catalog
	batch     *scheduler.Batch
}

func setup(ctx context.Context, options datasync.Options) (*app, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.ResolvePath(cfg.LogFile)})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	closers := []io.Closer{logCloser}
	cleanupFunc := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}

	dbpool, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		cleanupFunc()
		return nil, nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	closers = append(closers, closerFunc(dbpool.Close))
	dbManager := database.NewPostgresDBManager(dbpool, logger)

	catalog, err := template.LoadCatalog(cfg.ResolvePath(cfg.TemplatesFile), logger)
	if err != nil {
		cleanupFunc()
		return nil, nil, fmt.Errorf("failed to load templates: %w", err)
	}

	roots := make([]string, 0, len(cfg.AllowedRoots))
	for _, root := range cfg.AllowedRoots {
		roots = append(roots, cfg.ResolvePath(root))
	}
	resolver, err := pathsafe.NewResolver(pathsafe.Config{
		ProjectRoot:       cfg.ProjectRoot,
		AllowedRoots:      roots,
		RelocationMarkers: cfg.RelocationMarkers,
	})
	if err != nil {
		cleanupFunc()
		return nil, nil, fmt.Errorf("invalid allowed roots: %w", err)
	}

	images, err := events.NewFileImageQueue(cfg.ResolvePath(cfg.ImageQueueFile), 0)
	if err != nil {
		cleanupFunc()
		return nil, nil, fmt.Errorf("failed to open image queue: %w", err)
	}

	pool, err := ingestion.StartPool(cfg.NumParserWorkers, cfg.ParserQueueSize, logger)
	if err != nil {
		cleanupFunc()
		return nil, nil, fmt.Errorf("failed to start parser pool: %w", err)
	}
	closers = append(closers, closerFunc(pool.Close))

	policy := dedup.Default()
	matcher := template.NewCatalogMatcher(catalog, currency.NewExtractor())
	deps := ingestion.Dependencies{
		Resolver: resolver,
		Parser:   parser.NewSpreadsheetParser(),
		Pool:     pool,
		Currency: currency.NewExtractor(),
		Policy:   policy,
		Events:   events.MultiSink{events.NewLogSink(logger), events.NewPgNotifySink(dbpool, cfg.EventChannel)},
		Images:   images,
		Logger:   logger,
	}

	newSyncer := func(session database.Session) scheduler.FileSyncer {
		engine := ingestion.NewEngine(deps, session)
		return datasync.NewOrchestrator(session, engine, matcher, policy, logger)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		dbpool:    dbpool,
		dbManager: dbManager,
		catalog:   catalog,
		batch:     scheduler.NewBatch(dbManager, dbManager, newSyncer, options, logger),
	}, cleanupFunc, nil
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
