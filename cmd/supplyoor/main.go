package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/supplyoor/internal/migrate"
	"github.com/ethpandaops/supplyoor/internal/service"
	"github.com/ethpandaops/supplyoor/internal/version"
)

var errConfigRequired = errors.New("--config is required")

var (
	cfgFile  string
	logLevel string
	envFile  string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supplyoor",
		Short: "Token supply metrics API",
		Long: `supplyoor serves derived token metrics such as circulating supply
over HTTP. Balances are fetched from a block explorer or a JSON-RPC node
under a shared request budget, aggregated exactly, and cached per metric.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadEnvFile,
		RunE:              run,
	}

	cmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)
	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)
	cmd.PersistentFlags().StringVar(
		&envFile, "env-file", "",
		"optional .env file loaded before the config is expanded",
	)

	cmd.AddCommand(versionCmd(), migrateCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse snapshot schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd.Context(), func(ctx context.Context, m migrate.Migrator) error {
					return m.Up(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd.Context(), func(ctx context.Context, m migrate.Migrator) error {
					return m.Down(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd.Context(), func(ctx context.Context, m migrate.Migrator) error {
					v, dirty, err := m.Status(ctx)
					if err != nil {
						return err
					}

					fmt.Printf("version: %d, dirty: %t\n", v, dirty)

					return nil
				})
			},
		},
	)

	return cmd
}

func loadEnvFile(*cobra.Command, []string) error {
	if envFile == "" {
		return nil
	}

	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("loading env file %s: %w", envFile, err)
	}

	return nil
}

func newLogger(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// CLI flag overrides config file.
	if logLevel != "" {
		level = logLevel
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	log.SetLevel(parsed)

	return log, nil
}

func withMigrator(ctx context.Context, fn func(context.Context, migrate.Migrator) error) error {
	if cfgFile == "" {
		return errConfigRequired
	}

	cfg, err := service.ReadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ch := cfg.Snapshot.ClickHouse
	ch.ApplyDefaults()

	if ch.Endpoint == "" {
		return errors.New("snapshot.clickhouse.endpoint is required for migrations")
	}

	return fn(ctx, migrate.New(log, ch.MigrationDSN()))
}

func run(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return errConfigRequired
	}

	cfg, err := service.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	svc, err := service.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	log.WithField("version", version.Full()).Info("Starting supplyoor")

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down supplyoor")

	if err := svc.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")
		return fmt.Errorf("stopping service: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}
