// Command devseed populates a development database with one user, API key,
// executor, template, and endpoint, and prints the credentials.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/kiranshivaraju/imagepod/internal/config"
	"github.com/kiranshivaraju/imagepod/internal/devseed"
	"github.com/kiranshivaraju/imagepod/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := newRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	var (
		opts          devseed.Options
		migrationsDir string
	)

	cmd := &cobra.Command{
		Use:          "devseed",
		Short:        "Seed a development database",
		Long:         `devseed creates a user with an API key, an executor with a token, and an endpoint in Deploying state, then prints the raw credentials. Credentials are shown only once.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return seed(ctx, opts, migrationsDir, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", "", "seed user email (default dev@imagepod.local)")
	cmd.Flags().StringVar(&opts.ExecutorName, "executor", "", "executor name (default dev-gpu)")
	cmd.Flags().StringVar(&opts.Image, "image", "", "container image for the endpoint template (default imagepod/echo:latest)")
	cmd.Flags().StringVar(&opts.EndpointName, "endpoint", "", "endpoint name (default dev-echo)")
	cmd.Flags().StringVar(&migrationsDir, "migrations", "migrations", "migrations directory")

	return cmd
}

func seed(ctx context.Context, opts devseed.Options, migrationsDir string, out io.Writer, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Backend != config.StoreBackendPostgres {
		return fmt.Errorf("devseed requires STORE_BACKEND=postgres, got %q", cfg.Store.Backend)
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	res, err := devseed.Run(ctx, store.NewPostgresStore(pool), opts, logger)
	if err != nil {
		return err
	}
	return printResult(out, res)
}

func printResult(out io.Writer, res *devseed.Result) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"user_id", res.UserID.String()},
		{"api_key", res.APIKey},
		{"executor_id", res.ExecutorID.String()},
		{"executor_token", res.ExecutorToken},
		{"template_id", res.TemplateID.String()},
		{"endpoint_id", res.EndpointID.String()},
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(tw, "%s\t%s\n", r[0], r[1]); err != nil {
			return err
		}
	}
	return tw.Flush()
}
