package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Dripmaster/note-nomi/internal/analyze"
	"github.com/Dripmaster/note-nomi/internal/config"
	"github.com/Dripmaster/note-nomi/internal/database"
	"github.com/Dripmaster/note-nomi/internal/export"
	"github.com/Dripmaster/note-nomi/internal/fetch"
	"github.com/Dripmaster/note-nomi/internal/ingest"
	"github.com/Dripmaster/note-nomi/internal/logging"
	"github.com/Dripmaster/note-nomi/internal/notes"
	"github.com/Dripmaster/note-nomi/internal/server"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "note-nomi",
		Short: "Note capture and enrichment service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.LoadDotEnv()
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("ingest-workers", defaults.GetInt("ingest.workers"), "Concurrent ingestion workers")
	cmd.PersistentFlags().String("analyzer-provider", defaults.GetString("analyzer.provider"), "Analysis backend (heuristic, anthropic)")
	cmd.PersistentFlags().String("analyzer-model", defaults.GetString("analyzer.model"), "Model used by the anthropic provider")
	cmd.PersistentFlags().String("analyzer-api-key", "", "API key for the anthropic provider (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "ingest.workers", "ingest-workers")
	bindFlag(cmd, "analyzer.provider", "analyzer-provider")
	bindFlag(cmd, "analyzer.model", "analyzer-model")
	bindFlag(cmd, "analyzer.api_key", "analyzer-api-key")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	backfillCtx, cancelBackfill := context.WithTimeout(ctx, time.Minute)
	backfill, err := notesService.BackfillNoteKinds(backfillCtx, 0, appConfig.BackfillMaxRows)
	cancelBackfill()
	if err != nil {
		return err
	}
	if backfill.Scanned > 0 {
		logger.Info("kind backfill finished",
			zap.Int("scanned", backfill.Scanned),
			zap.Int("updated", backfill.Updated))
	}

	jobService, err := ingest.NewService(ingest.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	analyzer, err := buildAnalyzer(appConfig)
	if err != nil {
		return err
	}

	fetcher := fetch.NewFetcher(fetch.Config{
		Timeout:  appConfig.FetchTimeout,
		MaxBytes: appConfig.FetchMaxBytes,
	})

	pipeline, err := ingest.NewPipeline(ingest.PipelineConfig{
		Notes:           notesService,
		Fetcher:         fetcher,
		Analyzer:        analyzer,
		FetchTimeout:    appConfig.FetchTimeout,
		AnalyzeTimeout:  appConfig.AnalyzeTimeout,
		DefaultCategory: appConfig.DefaultCategory,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	runner, err := ingest.NewRunner(ctx, ingest.RunnerConfig{
		Jobs:     jobService,
		Pipeline: pipeline,
		Workers:  appConfig.IngestWorkers,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewRouter(server.Dependencies{
		Notes:    notesService,
		Jobs:     jobService,
		Pipeline: pipeline,
		Runner:   runner,
		Exports:  export.NewRegistry(appConfig.ExportTTL, time.Now),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return runner.Shutdown()
	case err := <-errCh:
		if shutdownErr := runner.Shutdown(); shutdownErr != nil {
			logger.Warn("runner shutdown failed", zap.Error(shutdownErr))
		}
		return err
	}
}

func buildAnalyzer(appConfig config.AppConfig) (analyze.Analyzer, error) {
	switch appConfig.Provider {
	case config.AnalyzerProviderAnthropic:
		return analyze.NewAnthropicAnalyzer(analyze.AnthropicConfig{
			APIKey:  appConfig.AnthropicKey,
			Model:   appConfig.AnthropicModel,
			BaseURL: appConfig.AnthropicURL,
		})
	default:
		return analyze.NewHeuristicAnalyzer(appConfig.DefaultCategory), nil
	}
}
