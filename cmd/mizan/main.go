package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mizan-legal/mizan/internal/app"
	"github.com/mizan-legal/mizan/internal/fiscal"
	fiscalhttp "github.com/mizan-legal/mizan/internal/fiscal/http"
	"github.com/mizan-legal/mizan/internal/ledger"
	"github.com/mizan-legal/mizan/internal/platform/cache"
	"github.com/mizan-legal/mizan/internal/platform/db"
	"github.com/mizan-legal/mizan/internal/shared"
	"github.com/mizan-legal/mizan/internal/yearend"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if err := runMigrations(cfg, logger); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{
		MaxConns:       cfg.PGMaxConns,
		ConnectTimeout: cfg.PGConnectTimeout,
	})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	idempotencyStore := shared.NewIdempotencyStore(pool)
	yearMutex := shared.NewMutex(redisClient)

	fiscalRepo := fiscal.NewRepository(pool)
	fiscalService := fiscal.NewService(fiscalRepo, fiscal.ServiceConfig{
		AllowMultipleOpen: cfg.FiscalAllowMultipleOpen,
	})

	ledgerRepo := ledger.NewRepository(pool)
	calculator := ledger.NewCalculator(ledgerRepo)

	yearendRepo := yearend.NewRepository(pool)
	closeService := yearend.NewService(yearendRepo, fiscalRepo, calculator, idempotencyStore, yearMutex, logger, cfg.CloseYearLockTTL)

	fiscalHandler := fiscalhttp.NewHandler(logger, fiscalService, calculator, closeService)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		FiscalHandler: fiscalHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runMigrations applies pending schema migrations over a short-lived
// database/sql connection so the pgx pool stays untouched.
func runMigrations(cfg *app.Config, logger *slog.Logger) error {
	migrationDB, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := migrationDB.Close(); err != nil {
			logger.Warn("close migration connection", slog.Any("error", err))
		}
	}()

	driver, err := migratepg.WithInstance(migrationDB, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+cfg.MigrationsDir, "postgres", driver)
	if err != nil {
		return err
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no new migrations to apply")
	} else {
		logger.Info("migrations applied")
	}
	sourceErr, dbErr := m.Close()
	if sourceErr != nil {
		return sourceErr
	}
	return dbErr
}
