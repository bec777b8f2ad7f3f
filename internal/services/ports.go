package services

import (
	"context"

	"github.com/epeers/dividends/internal/investing"
	"github.com/epeers/dividends/internal/models"
)

//go:generate mockgen -package=services_test -destination=mock_ports_test.go -source=ports.go

// Extractor reads the calendar table. *investing.Extractor implements it.
type Extractor interface {
	Extract(ctx context.Context) (*investing.Result, error)
}

// Enricher fetches secondary metrics for one symbol. *finviz.Client implements it.
type Enricher interface {
	Enrich(ctx context.Context, symbol string) (*models.EnrichmentRecord, error)
}
