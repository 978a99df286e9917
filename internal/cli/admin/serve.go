package admin

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/bookrag/internal/api/handlers"
	"github.com/cloo-solutions/bookrag/internal/config"
	"github.com/cloo-solutions/bookrag/internal/jobs"
	"github.com/cloo-solutions/bookrag/internal/server"
	"github.com/cloo-solutions/bookrag/internal/telemetry"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the bookrag API server.

On startup the active snapshot is restored from the index backend. When
none exists, or it was built with a different embedding model, the corpus
is ingested first. A background worker rebuilds the index whenever the
corpus changes.`,
		RunE: runServe,
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides BOOKRAG_PORT)")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")
	cmd.Flags().String("migrations", "migrations", "Directory holding the SQL migrations")
	cmd.Flags().Bool("no-reindex", false, "Do not watch the corpus for changes")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	shutdownTelemetry := initTelemetry(cfg)
	defer shutdownTelemetry()

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}

	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	migrationsDir, _ := cmd.Flags().GetString("migrations")

	a, err := newApp(ctx, cfg, appOptions{migrationsDir: migrationsDir, noMigrate: noMigrate})
	if err != nil {
		return err
	}
	defer a.Close()

	answerer, err := a.newAnswerer()
	if err != nil {
		return err
	}

	processor := jobs.NewReindexProcessor(a.source, a.ingestion, a.pruner)
	processor.SetRetention(cfg.SnapshotGrace)

	restored, err := processor.Restore(ctx, a.ingestion)
	if err != nil {
		return fmt.Errorf("failed to restore index: %w", err)
	}
	if !restored {
		report, fingerprint, err := a.ingestFromSource(ctx)
		if err != nil {
			// the reindex worker keeps trying; chat answers 503 until then
			log.Printf("initial ingestion failed: %v", err)
			telemetry.CaptureError(ctx, err)
		} else {
			log.Printf("indexed %d chunks from %d sections (snapshot %s)", report.Chunks, report.Sections, report.SnapshotID)
			processor.MarkIndexed(fingerprint)
		}
	}

	var reindexWorker *jobs.Worker
	if noReindex, _ := cmd.Flags().GetBool("no-reindex"); !noReindex && cfg.ReindexInterval > 0 {
		reindexWorker = jobs.NewWorker("reindex", processor, cfg.ReindexInterval)
		go reindexWorker.Start(ctx)
	}

	router := server.NewRouter(server.RouterConfig{
		ChatHandler:   handlers.NewChatHandler(answerer),
		HealthHandler: handlers.NewHealthHandler(a.global, a.store),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	if reindexWorker != nil {
		reindexWorker.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("server exited")
	return nil
}

func initTelemetry(cfg *config.Config) func() {
	if cfg.SentryDSN == "" {
		return func() {}
	}

	// 10% sampling in production, everything in development
	sampleRate := 0.1
	if cfg.SentryEnvironment == "development" {
		sampleRate = 1.0
	}

	shutdown, err := telemetry.Init(telemetry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.SentryEnvironment,
		TracesSampleRate: sampleRate,
		Debug:            cfg.Debug,
	})
	if err != nil {
		log.Printf("telemetry init failed (continuing without tracing): %v", err)
		return func() {}
	}
	return shutdown
}
