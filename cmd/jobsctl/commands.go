package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"meshjobs/internal/auth"
	"meshjobs/internal/config"
	"meshjobs/internal/database"
	"meshjobs/internal/ledger"
)

const commandTimeout = 30 * time.Second

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg := database.LoadConfigFromEnv()
	if cfg.URL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return database.NewPool(ctx, cfg)
}

// MigrateCmd applies the ledger and artifact schema.
func MigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the jobs and artifacts tables if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly, _ := cmd.Flags().GetBool("print"); printOnly {
				fmt.Fprint(cmd.OutOrStdout(), database.Schema())
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := database.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	}
	cmd.Flags().Bool("print", false, "Print the schema instead of applying it")
	return cmd
}

// ListCmd lists an owner's jobs from the ledger.
func ListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			jobs, err := ledger.NewPostgres(pool).ListByOwner(ctx, owner, limit)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintf(out, "No jobs found for owner: %s\n", owner)
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HANDLE\tSTATUS\tOUTPUT\tUPDATED\tDETAIL")
			for _, j := range jobs {
				output := "-"
				if j.OutputRef != "" {
					output = j.OutputRef
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.Handle, j.Status, output, j.UpdatedAt.Format(time.RFC3339), j.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("owner", "", "Owner whose jobs to list")
	cmd.Flags().Int("limit", 20, "Maximum number of jobs")
	cmd.MarkFlagRequired("owner")
	return cmd
}

// ShowCmd prints one ledger record as JSON.
func ShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [job-handle]",
		Short: "Print the ledger record of a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			j, err := ledger.NewPostgres(pool).Get(ctx, args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(j.View())
		},
	}
}

// TokenCmd issues a bearer token for an owner using JWT_SECRET_FILE.
func TokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			secret := config.GetSecretFile(config.GetEnv("JWT_SECRET_FILE", ""))
			if secret == "" {
				return errors.New("JWT_SECRET_FILE is not set or empty")
			}
			gate, err := auth.NewJWTGate([]byte(secret), config.GetEnv("JWT_ISSUER", ""))
			if err != nil {
				return err
			}
			token, err := gate.Issue(owner, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("owner", "", "Owner the token authenticates as")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("owner")
	return cmd
}
