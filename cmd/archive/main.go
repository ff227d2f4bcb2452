// Package main runs one archival pass from the command line.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	archivesvc "github.com/finovia/payment_layer/internal/app/services/archive"
	"github.com/finovia/payment_layer/internal/app/storage/postgres"
	"github.com/finovia/payment_layer/internal/config"
	"github.com/finovia/payment_layer/pkg/logger"
)

func main() {
	days := flag.Int("days", 90, "archive completed transfers older than this many days")
	batch := flag.Int("batch", 1000, "rows moved per statement")
	timeout := flag.Duration("timeout", 30*time.Minute, "abort the run after this long")
	flag.Parse()

	log := logger.NewDefault("archive-cli")
	cfg := config.LoadOrDefault()

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Error("open database")
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Error("ping database")
		os.Exit(1)
	}

	archiver := archivesvc.New(postgres.New(db), archivesvc.Options{
		RetentionDays: *days,
		BatchSize:     *batch,
	}, log)

	moved, err := archiver.Run(ctx)
	if err != nil {
		log.WithError(err).Error("archive run failed")
		os.Exit(1)
	}
	fmt.Printf("archived %d transfers older than %d days\n", moved, *days)
}
