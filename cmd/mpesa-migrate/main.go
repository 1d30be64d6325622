package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"ms-mpesa/internal/config"
	"ms-mpesa/internal/database/migrations"
	"ms-mpesa/internal/logger"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

var (
	dsn           string
	migrationsDir string
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "mpesa-migrate",
		Short: "Manage the M-Pesa callback database schema",
	}
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", cfg.Database.DSN, "PostgreSQL connection string")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", cfg.Database.MigrationsDir, "migrations directory")

	rootCmd.AddCommand(upCmd())
	rootCmd.AddCommand(downCmd())
	rootCmd.AddCommand(gotoCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withRunner opens the database, hands a runner to fn and closes both.
func withRunner(fn func(r *migrations.Runner) error) error {
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := sqldb.Ping(); err != nil {
		sqldb.Close()
		return fmt.Errorf("connect to database: %w", err)
	}
	defer sqldb.Close()

	runner := migrations.NewRunner(bun.NewDB(sqldb, pgdialect.New()), migrations.MigrateOptions{
		MigrationsDir: migrationsDir,
	}, logger.NewLogger())
	defer runner.Close()

	return fn(runner)
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(func(r *migrations.Runner) error {
				return r.RunMigrations()
			})
		},
	}
}

func downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(func(r *migrations.Runner) error {
				return r.MigrateDown()
			})
		},
	}
}

func gotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto [version]",
		Short: "Migrate up or down to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return withRunner(func(r *migrations.Runner) error {
				return r.MigrateTo(uint(version))
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(func(r *migrations.Runner) error {
				version, dirty, err := r.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
				return nil
			})
		},
	}
}
