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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zencdss/cdss/internal/config"
	"github.com/zencdss/cdss/internal/domain/patient"
	"github.com/zencdss/cdss/internal/platform/db"
	"github.com/zencdss/cdss/internal/platform/logging"
	"github.com/zencdss/cdss/internal/platform/metrics"
	"github.com/zencdss/cdss/internal/platform/middleware"
	"github.com/zencdss/cdss/internal/platform/redis"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "cdss-server",
		Short:        "Clinical decision support patient intake server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(intakeCmd())
	rootCmd.AddCommand(importCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "apply",
		Short: "Create the intake tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			switch cfg.DBDriver {
			case "sqlite":
				// Opening the store applies the schema.
				store, err := patient.NewSQLiteStore(ctx, cfg.SQLitePath)
				if err != nil {
					return err
				}
				store.Close()
			default:
				pool, err := db.NewPool(ctx, poolConfig(cfg))
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := db.ApplyPostgres(ctx, pool); err != nil {
					return err
				}
			}
			logger.Info().Str("driver", cfg.DBDriver).Msg("schema applied")
			return nil
		},
	})
	return cmd
}

func intakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Register one patient from a JSON payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			r, closeInput, err := openInput(file)
			if err != nil {
				return err
			}
			defer closeInput()

			payload, err := patient.DecodePayload(r)
			if err != nil {
				return err
			}
			p, err := a.svc.Intake(ctx, payload)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
	cmd.Flags().String("file", "-", "JSON payload file (- for stdin)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Register patients from a newline-delimited JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			workers, _ := cmd.Flags().GetInt("workers")
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = cfg.ImportWorkers
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			r, closeInput, err := openInput(file)
			if err != nil {
				return err
			}
			defer closeInput()

			results, err := patient.NewImporter(a.svc, workers, logger).Import(ctx, r)
			if err != nil {
				return err
			}
			return reportImport(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().String("file", "-", "NDJSON file (- for stdin)")
	cmd.Flags().Int("workers", 0, "concurrent intakes (default IMPORT_WORKERS)")
	return cmd
}

// reportImport prints one line per failed payload and fails when any did.
func reportImport(w io.Writer, results []patient.ImportResult) error {
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(w, "line %d: %v\n", res.Line, res.Err)
		}
	}
	fmt.Fprintf(w, "%d imported, %d failed\n", len(results)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d payloads failed", failed, len(results))
	}
	return nil
}

func openInput(file string) (io.Reader, func(), error) {
	if file == "" || file == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.New(os.Stderr).With().Timestamp().Logger(), fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(logging.Options{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
		Env:    cfg.Env,
		App:    "cdss-server",
	})
	return cfg, logger, nil
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	}
}

// app holds the wired intake components.
type app struct {
	store patient.Store
	pool  *pgxpool.Pool
	redis *goredis.Client
	svc   *patient.Service
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.store.Close()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{}
	switch cfg.DBDriver {
	case "sqlite":
		store, err := patient.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.store = store
	default:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, err
		}
		if cfg.AutoSchema {
			if err := db.ApplyPostgres(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("apply schema: %w", err)
			}
		}
		a.store, a.pool = patient.NewPGStore(pool), pool
	}
	logger.Info().Str("driver", cfg.DBDriver).Msg("connected to database")

	var cache patient.ReferenceCache
	client, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		// The cache is optional; intake works without it.
		logger.Warn().Err(err).Msg("reference cache disabled")
	} else if client != nil {
		a.redis = client
		cache = patient.NewRedisReferenceCache(client, cfg.ReferenceCacheTTL)
	}

	loc, err := cfg.Location()
	if err != nil {
		a.Close()
		return nil, err
	}
	policy, err := patient.ParseAddressPolicy(cfg.AddressPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}

	m := metrics.New(reg)
	resolver := patient.NewResolver(cache, logger, m)
	assembler := patient.NewAssembler(resolver,
		patient.WithDateParser(patient.DateParser{Location: loc, DayFirst: cfg.DateDayFirst}),
		patient.WithAddressPolicy(policy),
	)
	uow := patient.NewUnitOfWork(a.store, logger, m)
	a.svc = patient.NewService(a.store, uow, assembler, logger, m)
	return a, nil
}

func newRouter(a *app, cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.NewHTTP(reg).Middleware())
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.store, a.pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	apiV1 := e.Group("/api/v1")
	patient.NewHandler(a.svc).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close()

	e := newRouter(a, cfg, logger, reg)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
