// jobsctl is the admin CLI for the jobs service: schema migration, ledger
// inspection and token issuing.
package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"meshjobs/internal/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Could not load .env", "error", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobsctl",
		Short:         "Administer the image-to-mesh jobs service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			return config.LoadFile(path)
		},
	}
	root.PersistentFlags().String("config", os.Getenv("CONFIG_FILE"), "YAML config overlay (same keys as the environment)")

	root.AddCommand(MigrateCmd())
	root.AddCommand(ListCmd())
	root.AddCommand(ShowCmd())
	root.AddCommand(TokenCmd())
	return root
}
