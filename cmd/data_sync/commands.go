package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timberdayz/timber-dayz-sub007/internal/config"
	"github.com/timberdayz/timber-dayz-sub007/internal/datasync"
	"github.com/timberdayz/timber-dayz-sub007/internal/events"
	"github.com/timberdayz/timber-dayz-sub007/internal/models"
	"github.com/timberdayz/timber-dayz-sub007/internal/scheduler"
	"github.com/timberdayz/timber-dayz-sub007/internal/server"
)

func newRootCmd() *cobra.Command {
	options := datasync.DefaultOptions()

	rootCmd := &cobra.Command{
		Use:          "data_sync",
		Short:        "Sync cataloged spreadsheet exports into the raw fact tables",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVar(&options.OnlyWithTemplate, "only-with-template", options.OnlyWithTemplate, "skip files without a matching template")
	rootCmd.PersistentFlags().BoolVar(&options.UseTemplateHeaderRow, "use-template-header-row", options.UseTemplateHeaderRow, "read headers at the template's header row")

	rootCmd.AddCommand(
		newMigrateCmd(&options),
		newRegisterCmd(&options),
		newSyncCmd(&options),
		newRunBatchCmd(&options),
		newProgressCmd(&options),
		newImagesCmd(),
		newServeCmd(&options),
	)
	return rootCmd
}

// withApp runs fn against a fully wired app and releases it afterwards.
func withApp(ctx context.Context, options *datasync.Options, fn func(*app) error) error {
	a, cleanupFunc, err := setup(ctx, *options)
	if err != nil {
		return err
	}
	defer cleanupFunc()
	return fn(a)
}

func newMigrateCmd(options *datasync.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the catalog tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), options, func(a *app) error {
				if err := a.dbManager.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				a.logger.Info("Migrations applied")
				return nil
			})
		},
	}
}

func newRegisterCmd(options *datasync.Options) *cobra.Command {
	var file models.FileRecord

	cmd := &cobra.Command{
		Use:   "register [path]",
		Short: "Add an export to the file catalog as pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file.FilePath = args[0]
			file.FileName = filepath.Base(args[0])
			if file.DataDomain == "" {
				return errors.New("--domain is required")
			}
			return withApp(cmd.Context(), options, func(a *app) error {
				id, err := a.dbManager.RegisterFile(cmd.Context(), &file)
				if err != nil {
					return err
				}
				a.logger.WithFields(logrus.Fields{"file_id": id, "path": file.FilePath}).Info("File registered")
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file.PlatformCode, "platform", "", "source platform code")
	cmd.Flags().StringVar(&file.ShopID, "shop", "", "shop id")
	cmd.Flags().StringVar(&file.DataDomain, "domain", "", "data domain (orders, products, services, ...)")
	cmd.Flags().StringVar(&file.SubDomain, "sub-domain", "", "sub-domain, required for services")
	cmd.Flags().StringVar(&file.Granularity, "granularity", "", "granularity (daily, weekly, monthly, ...)")
	return cmd
}

func newSyncCmd(options *datasync.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [file-id]",
		Short: "Sync one cataloged file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || fileID <= 0 {
				return fmt.Errorf("invalid file id %q", args[0])
			}
			return withApp(cmd.Context(), options, func(a *app) error {
				result := a.batch.SyncFile(cmd.Context(), fileID, *options)
				if err := printJSON(cmd, result); err != nil {
					return err
				}
				if result.Status == models.SyncStatusFailed {
					return fmt.Errorf("sync failed: %s", result.ErrorCode)
				}
				return nil
			})
		},
	}
}

func newRunBatchCmd(options *datasync.Options) *cobra.Command {
	var maxFiles int

	cmd := &cobra.Command{
		Use:   "run-batch",
		Short: "Sync the oldest pending files once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, options, func(a *app) error {
				if maxFiles <= 0 {
					maxFiles = a.cfg.AutoIngestMaxFiles
				}
				summary, err := a.batch.RunBatch(ctx, maxFiles)
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}
	cmd.Flags().IntVar(&maxFiles, "max-files", 0, "files to take from the queue (default AUTO_INGEST_MAX_FILES)")
	return cmd
}

func newProgressCmd(options *datasync.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "progress [run-id]",
		Short: "Show the tracked progress of a batch or single-file run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), options, func(a *app) error {
				progress, err := a.dbManager.GetProgress(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, progress)
			})
		},
	}
}

// newImagesCmd inspects and drains the image extraction queue. It needs no
// database, so it only loads the config.
func newImagesCmd() *cobra.Command {
	var take int

	cmd := &cobra.Command{
		Use:   "images",
		Short: "Show the image queue depth, or hand out pending image tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			queue, err := events.NewFileImageQueue(cfg.ResolvePath(cfg.ImageQueueFile), 0)
			if err != nil {
				return err
			}

			if take <= 0 {
				depth, err := queue.Depth()
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"depth": depth})
			}

			tasks := make([]models.ImageTask, 0, take)
			for len(tasks) < take {
				task, ok, err := queue.TryDequeue(cmd.Context())
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				tasks = append(tasks, task)
			}
			return printJSON(cmd, tasks)
		},
	}
	cmd.Flags().IntVar(&take, "take", 0, "remove and print up to this many tasks")
	return cmd
}

func newServeCmd(options *datasync.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP triggers, the periodic batch and the directory watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, options, func(a *app) error {
				return serve(ctx, a)
			})
		},
	}
}

func serve(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var trigger <-chan struct{}
	if len(a.cfg.WatchDirs) > 0 {
		watcher, err := scheduler.NewWatcher(a.cfg.WatchDebounce, a.logger)
		if err != nil {
			return err
		}
		dirs := make([]string, 0, len(a.cfg.WatchDirs))
		for _, dir := range a.cfg.WatchDirs {
			dirs = append(dirs, a.cfg.ResolvePath(dir))
		}
		if err := watcher.Start(dirs...); err != nil {
			return err
		}
		defer watcher.Stop()
		trigger = watcher.Trigger()
	}

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hangup:
				if err := a.catalog.Reload(a.cfg.ResolvePath(a.cfg.TemplatesFile)); err != nil {
					a.logger.WithError(err).Error("Template reload failed, keeping current set")
					continue
				}
				a.logger.Info("Templates reloaded")
			}
		}
	}()

	router := server.SetupRoutes(server.NewSyncService(a.batch, a.batch, a.dbManager, a.cfg.AutoIngestMaxFiles, a.logger))
	srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- a.batch.Loop(ctx, a.cfg.AutoIngestInterval, a.cfg.AutoIngestMaxFiles, trigger)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", a.cfg.HTTPAddr).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("failed to start server: %w", err)
		}
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("Server shutdown incomplete")
	}
	<-loopDone
	a.logger.Info("Stopped")
	return runErr
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
