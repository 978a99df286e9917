package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/bookrag/internal/api/handlers"
)

// AskCmd creates the ask command.
func AskCmd() *cobra.Command {
	var (
		selectedFile string
		selectedText string
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about the book",
		Long: `Asks a question and prints the grounded answer with its citations.

With --selected or --selected-file the answer is drawn only from that passage.
Use --selected-file - to read the passage from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")

			if selectedFile != "" {
				text, err := readSelected(selectedFile, cmd.InOrStdin())
				if err != nil {
					return err
				}
				selectedText = text
			}

			api := NewAPIClientWithCmd(cmd)
			resp, err := ask(cmd.Context(), api, args[0], selectedText, debug)
			if err != nil {
				return err
			}
			return printAnswer(cmd.OutOrStdout(), resp, outputJSON)
		},
	}

	cmd.Flags().StringVarP(&selectedFile, "selected-file", "f", "", "File holding the selected passage")
	cmd.Flags().StringVarP(&selectedText, "selected", "s", "", "Selected passage to answer from")
	cmd.Flags().BoolVar(&debug, "debug", false, "Include retrieval metadata")

	return cmd
}

// StatusCmd creates the status command.
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api := NewAPIClientWithCmd(cmd)
			resp, err := api.Get(cmd.Context(), "/api/v1/chat/health")
			if err != nil {
				return err
			}

			var health handlers.HealthResponse
			if err := json.Unmarshal(resp.Data, &health); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:    %s\n", health.Status)
			fmt.Fprintf(out, "Snapshot:  %s (%d chunks, %s)\n", health.SnapshotID, health.Chunks, health.EmbeddingModel)
			fmt.Fprintf(out, "Backend:   %s (reachable: %t)\n", health.Backend, health.BackendReachable)
			return nil
		},
	}
}

func readSelected(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read selected text: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read selected text: %w", err)
	}
	return string(data), nil
}

func ask(ctx context.Context, api *APIClient, question, selected string, debug bool) (*handlers.ChatResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		resp *APIResponse
		err  error
	)
	if selected != "" {
		resp, err = api.Post(ctx, "/api/v1/chat/selected", handlers.SelectedChatRequest{
			Query:        question,
			SelectedText: selected,
			Debug:        debug,
		})
	} else {
		resp, err = api.Post(ctx, "/api/v1/chat", handlers.ChatRequest{
			Query: question,
			Debug: debug,
		})
	}
	if err != nil {
		return nil, err
	}

	var chat handlers.ChatResponse
	if err := json.Unmarshal(resp.Data, &chat); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &chat, nil
}

func printAnswer(w io.Writer, resp *handlers.ChatResponse, outputJSON bool) error {
	if outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	fmt.Fprintln(w, strings.TrimSpace(resp.Answer))
	if len(resp.Citations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Sources:")
		for i, c := range resp.Citations {
			anchor := ""
			if c.URLAnchor != "" {
				anchor = " #" + c.URLAnchor
			}
			fmt.Fprintf(w, "  [%d] %s%s (score %.2f)\n", i+1, c.Source, anchor, c.RelevanceScore)
		}
	}

	if d := resp.Debug; d != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "States: %s\n", strings.Join(d.States, " -> "))
		fmt.Fprintf(w, "Snapshot: %s  Embedding: %s/%d\n", d.SnapshotID, d.EmbeddingModel, d.EmbeddingDimension)
		fmt.Fprintf(w, "Context: %d chunks, %d dropped, %d tokens, %d generation attempts\n",
			d.ContextChunks, d.DroppedChunks, d.ContextTokens, d.GenerationAttempts)
		for _, c := range d.RetrievedChunks {
			fmt.Fprintf(w, "  %s  %.3f  %s\n", c.ChunkID, c.Score, c.Preview)
		}
	}
	return nil
}
