package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/bookrag/internal/cli"
	"github.com/cloo-solutions/bookrag/internal/cli/admin"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bookragd",
		Short: "Bookrag daemon",
		Long:  "Bookrag daemon for serving grounded answers and maintaining the book index",
	}

	cli.AddHelpJSONFlag(rootCmd)
	rootCmd.AddCommand(admin.ServeCmd())
	rootCmd.AddCommand(admin.IngestCmd())
	rootCmd.AddCommand(admin.UploadCmd())

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	cli.CheckHelpJSON(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
