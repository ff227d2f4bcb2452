// Package main runs the payment layer HTTP server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	app "github.com/finovia/payment_layer/internal/app"
	"github.com/finovia/payment_layer/internal/app/cache"
	"github.com/finovia/payment_layer/internal/app/httpapi"
	archivesvc "github.com/finovia/payment_layer/internal/app/services/archive"
	transfersvc "github.com/finovia/payment_layer/internal/app/services/transfer"
	"github.com/finovia/payment_layer/internal/app/storage/postgres"
	"github.com/finovia/payment_layer/internal/config"
	"github.com/finovia/payment_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to server.yaml (defaults to config/server.yaml)")
	flag.Parse()

	log := logger.NewDefault("server")

	var cfg config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Error("load config")
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.LoadOrDefault()
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("server exited")
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	readCache, err := openCache(cfg.Redis, log)
	if err != nil {
		return err
	}

	store := postgres.New(db)
	application, err := app.New(app.Stores{
		Accounts:  store,
		Transfers: store,
		Summaries: store,
		Engine:    store,
		Archive:   store,
	}, app.Options{
		Transfer:     transferOptions(cfg.Transfer),
		Archive:      archivesvc.Options{RetentionDays: cfg.Archive.RetentionDays, BatchSize: cfg.Archive.BatchSize, Schedule: cfg.Archive.Schedule},
		AuditLogPath: cfg.Audit.LogPath,
	}, readCache, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpapi.NewHandler(application),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return application.Stop(shutdownCtx)
}

func openDatabase(cfg config.Database) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.MigrationsPath != "" {
		if err := runMigrations(db, cfg.MigrationsPath); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func runMigrations(db *sql.DB, path string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func openCache(cfg config.Redis, log *logger.Logger) (*cache.Cache, error) {
	if cfg.Addr == "" {
		log.Info("redis not configured; read cache disabled")
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	readCache := cache.New(rdb, log)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := readCache.Ping(pingCtx); err != nil {
		// Degrade rather than refuse to start.
		log.WithError(err).Warn("redis unreachable; read cache disabled")
		return nil, nil
	}
	return readCache, nil
}

func transferOptions(cfg config.Transfer) transfersvc.Options {
	opts := transfersvc.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BaseBackoff:    cfg.BaseBackoff.Std(),
		TxTimeout:      cfg.TxTimeout.Std(),
		RecordFailures: cfg.RecordFailures,
	}
	if cfg.MaxAmount != "" {
		if v, err := decimal.NewFromString(cfg.MaxAmount); err == nil {
			opts.MaxAmount = v
		}
	}
	if cfg.DailyLimit != "" {
		if v, err := decimal.NewFromString(cfg.DailyLimit); err == nil {
			opts.DailyLimit = v
		}
	}
	return opts
}
