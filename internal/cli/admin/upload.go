package admin

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/bookrag/internal/config"
	"github.com/cloo-solutions/bookrag/internal/corpus"
)

// UploadCmd returns the upload command
func UploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <dir>",
		Short: "Upload local chapters to the S3 corpus bucket",
		Long: `Copy every chapter file matching BOOKRAG_CORPUS_PATTERN from a local
directory to BOOKRAG_S3_BUCKET under BOOKRAG_S3_PREFIX. Running servers
pick the change up on their next reindex.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.HasS3() {
		return fmt.Errorf("BOOKRAG_S3_BUCKET is required for upload")
	}

	docs, err := corpus.NewLocalSource(args[0], cfg.CorpusPattern).Documents(ctx)
	if err != nil {
		return err
	}
	// refuse to publish a corpus the server could not index
	if _, err := corpus.ParseDocuments(docs); err != nil {
		return err
	}

	client, err := newS3(ctx, cfg)
	if err != nil {
		return err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure S3 bucket: %w", err)
	}

	for _, doc := range docs {
		if err := client.PutDocument(ctx, doc.Path, doc.Content); err != nil {
			return err
		}
		fmt.Printf("uploaded %s\n", doc.Path)
	}
	fmt.Printf("%d chapters uploaded to %s\n", len(docs), client.Name())
	return nil
}
