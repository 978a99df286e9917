package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/bookrag/internal/config"
)

// IngestCmd returns the ingest command
func IngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [dir]",
		Short: "Build a new index snapshot from the corpus",
		Long: `Parse every chapter of the corpus, embed its chunks and commit them as the
new active snapshot of the configured index backend.

With a directory argument the corpus is read from that directory even when
S3 is configured.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runIngest,
	}

	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations")
	cmd.Flags().String("migrations", "migrations", "Directory holding the SQL migrations")
	cmd.Flags().Bool("output", false, "Print the ingestion report as JSON")

	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	opts := appOptions{}
	opts.noMigrate, _ = cmd.Flags().GetBool("no-migrate")
	opts.migrationsDir, _ = cmd.Flags().GetString("migrations")
	if len(args) == 1 {
		opts.corpusDir = args[0]
	}

	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	report, fingerprint, err := a.ingestFromSource(ctx)
	if err != nil {
		return err
	}

	if outputJSON, _ := cmd.Flags().GetBool("output"); outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"snapshot_id":          report.SnapshotID,
			"previous_snapshot_id": report.PreviousSnapshotID,
			"sections":             report.Sections,
			"chunks":               report.Chunks,
			"truncated":            report.Truncated,
			"elapsed_ms":           report.Elapsed.Milliseconds(),
			"fingerprint":          fingerprint,
		})
	}

	fmt.Printf("Indexed %d chunks from %d sections in %s\n", report.Chunks, report.Sections, report.Elapsed.Round(time.Millisecond))
	fmt.Printf("Snapshot: %s\n", report.SnapshotID)
	if report.PreviousSnapshotID != "" {
		fmt.Printf("Replaced: %s\n", report.PreviousSnapshotID)
	}
	if report.Truncated > 0 {
		fmt.Printf("Truncated chunks: %d\n", report.Truncated)
	}
	return nil
}
