package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/epeers/dividends/config"
	"github.com/epeers/dividends/internal/database"
	"github.com/epeers/dividends/internal/finviz"
	"github.com/epeers/dividends/internal/investing"
	"github.com/epeers/dividends/internal/repository"
	"github.com/epeers/dividends/internal/services"
	"github.com/epeers/dividends/internal/util"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := run(); err != nil {
		log.Errorf("Run failed: %v", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)

	// Cancel on SIGINT/SIGTERM and bound the whole run
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	// Initialize the event store
	var store repository.EventStore
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		store = repository.NewSQLiteDividendRepository(db)
	default:
		db, err := database.New(ctx, cfg.PGURL)
		if err != nil {
			return err
		}
		defer db.Close()
		store = repository.NewDividendRepository(db.Pool)
	}

	// Initialize sources
	rowPolicy := investing.RowPolicyEndOfTable
	if cfg.Calendar.RowPolicy == "skip" {
		rowPolicy = investing.RowPolicySkip
	}
	extractor := investing.NewExtractor(
		investing.ChromePageFactory(investing.ChromeOptions{
			ExecPath:    cfg.Browser.ExecPath,
			ProfileDir:  cfg.Browser.ProfileDir,
			Headless:    cfg.Browser.Headless,
			UserAgent:   cfg.Enrich.UserAgent,
			OpTimeout:   cfg.Browser.OpTimeout,
			WindowWidth: cfg.Browser.WindowWidth,
		}),
		investing.Options{
			URL:              cfg.Calendar.URL,
			Timeframe:        cfg.Calendar.Timeframe,
			ExcludedRegions:  cfg.Calendar.ExcludedRegions,
			MaxRows:          cfg.Calendar.MaxRows,
			RowPolicy:        rowPolicy,
			StabilizeTimeout: cfg.Calendar.StabilizeTimeout,
			PollInterval:     cfg.Calendar.PollInterval,
			StablePolls:      cfg.Calendar.StablePolls,
			ChangeGrace:      cfg.Calendar.ChangeGrace,
		},
	)
	enricher := finviz.NewClient(finviz.Options{
		BaseURL:    cfg.Enrich.BaseURL,
		UserAgent:  cfg.Enrich.UserAgent,
		Timeout:    cfg.Enrich.Timeout,
		RatePerSec: cfg.Enrich.RatePerSec,
	})

	svc := services.NewAggregationService(extractor, enricher, store, services.AggregationOptions{
		Table:             cfg.Table,
		Timeframe:         cfg.Calendar.Timeframe,
		Location:          util.LoadLocation(cfg.Calendar.Timezone),
		OutputPath:        cfg.OutputPath,
		ExtractRetries:    cfg.Calendar.Retries,
		EnrichConcurrency: cfg.Enrich.Concurrency,
		EnrichLimit:       cfg.Enrich.Limit,
	})

	summary, err := svc.Run(ctx)
	log.WithFields(log.Fields{
		"attempts":  summary.Attempts,
		"extracted": summary.RowsExtracted,
		"dropped":   summary.RowsDropped,
		"persisted": summary.RowsPersisted,
		"enriched":  summary.SymbolsEnriched,
		"failures":  summary.EnrichFailures,
		"warnings":  len(summary.Warnings),
	}).Info("Run summary")
	return err
}
