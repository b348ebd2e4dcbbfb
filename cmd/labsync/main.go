package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/labsync/internal/config"
	"github.com/ehr/labsync/internal/domain/labsync"
	"github.com/ehr/labsync/internal/platform/db"
	"github.com/ehr/labsync/internal/platform/lock"
	"github.com/ehr/labsync/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "labsync",
		Short:        "Lab order synchronization worker for the LIMS",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkpointCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one push and pull cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.worker.RunCycle(ctx)
			if errors.Is(err, labsync.ErrCycleInProgress) {
				logger.Warn().Msg("another worker holds the lock, nothing to do")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("pushed %d (created %d, updated %d, failed %d); pulled %d (accepted %d, rejected %d)\n",
				res.Push.Processed, res.Push.Created, res.Push.Updated, res.Push.Failed,
				res.Pull.Processed, res.Pull.Accepted, res.Pull.Rejected)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run sync cycles on an interval and serve the ops endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	e := a.opsServer()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Dur("interval", cfg.SyncInterval).Msg("sync loop started")
		a.worker.Start(gctx, cfg.SyncInterval)
		return nil
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting ops server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, schema)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrations.FS), schema)
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset the feed checkpoint",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored feed position",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := openState(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			cp, err := st.checkpoints.Get(ctx, cfg.WorkerName)
			if err != nil {
				return err
			}
			if cp == nil {
				fmt.Printf("%s: no checkpoint, next pull replays the whole feed\n", cfg.WorkerName)
				return nil
			}
			fmt.Printf("%s: %s (updated %s)\n", cp.Worker, cp.Position, cp.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Delete the stored feed position so the next pull replays the feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := openState(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := resetCheckpoint(ctx, st, cfg.WorkerName); err != nil {
				return err
			}
			fmt.Printf("%s: checkpoint cleared\n", cfg.WorkerName)
			return nil
		},
	})

	return cmd
}

// resetCheckpoint deletes the worker's checkpoint while holding its lock.
func resetCheckpoint(ctx context.Context, st *state, worker string) error {
	if err := st.locker.TryLock(ctx); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return fmt.Errorf("worker %s is running, stop it before resetting", worker)
		}
		return err
	}
	defer st.locker.Unlock(ctx)
	return st.checkpoints.Delete(ctx, worker)
}
