package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ledger/internal/config"
	"github.com/ehr/ledger/internal/domain/ledger"
	"github.com/ehr/ledger/internal/platform/db"
	"github.com/ehr/ledger/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledger-server",
		Short:         "Hospital billing ledger and cash office API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level).With().Timestamp().Str("service", "ledger").Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ledger API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: dev auth is active and every request without X-Actor-ID runs as admin")
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.start()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err = <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if shutdownErr := a.shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("shutdown incomplete")
		if err == nil {
			err = shutdownErr
		}
	}
	logger.Info().Msg("server stopped")
	return err
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("schema", "public", "Target schema for migrations")

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StoreDriver != config.StorePostgres {
			return fmt.Errorf("migrations need STORE_DRIVER=%s", config.StorePostgres)
		}

		ctx := context.Background()
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.FS, schema), schema)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(os.Stdout, schema, statuses)
				return nil
			})
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// errMismatches makes `reconcile check` exit non-zero for use from cron or CI.
var errMismatches = errors.New("ledger is inconsistent")

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Cash office reports and ledger consistency checks",
	}

	// withService builds the ledger without the HTTP server or scheduler.
	withService := func(fn func(ctx context.Context, svc *ledger.Service) error) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := buildApp(ctx, cfg, newLogger(cfg).Level(zerolog.WarnLevel))
		if err != nil {
			return err
		}
		defer a.shutdown(ctx)
		return fn(ctx, a.svc)
	}

	daily := &cobra.Command{
		Use:   "daily",
		Short: "Print the cash summary for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, _ := cmd.Flags().GetString("date")
			cashier, _ := cmd.Flags().GetString("cashier")
			return withService(func(ctx context.Context, svc *ledger.Service) error {
				day, err := parseDay(date, svc.Location())
				if err != nil {
					return err
				}
				var sum *ledger.CashSummary
				if cashier != "" {
					sum, err = svc.CashierShiftReport(ctx, cashier, day)
				} else {
					sum, err = svc.DailyCashSummary(ctx, day)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
	daily.Flags().String("date", "", "Day as YYYY-MM-DD (default today in REPORT_TIMEZONE)")
	daily.Flags().String("cashier", "", "Restrict the summary to one cashier")
	cmd.AddCommand(daily)

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Print payments, refunds and cash totals over a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, _ := cmd.Flags().GetString("start")
			end, _ := cmd.Flags().GetString("end")
			return withService(func(ctx context.Context, svc *ledger.Service) error {
				from, err := parseDay(start, svc.Location())
				if err != nil {
					return err
				}
				to, err := parseDay(end, svc.Location())
				if err != nil {
					return err
				}
				sum, err := svc.FinancialSummary(ctx, from, to)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
	summary.Flags().String("start", "", "First day as YYYY-MM-DD (default today)")
	summary.Flags().String("end", "", "Last day as YYYY-MM-DD (default today)")
	cmd.AddCommand(summary)

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Re-derive every balance and cross-check the cash ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *ledger.Service) error {
				return runCheck(ctx, svc, cmd.OutOrStdout())
			})
		},
	})

	return cmd
}

func runCheck(ctx context.Context, svc *ledger.Service, w io.Writer) error {
	rep, err := svc.CheckConsistency(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(w, rep); err != nil {
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("%w: %d mismatch(es)", errMismatches, len(rep.Mismatches))
	}
	return nil
}

func parseDay(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Now().In(loc), nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD", s)
	}
	return t, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
