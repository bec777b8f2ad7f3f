package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/epeers/dividends/internal/artifact"
	"github.com/epeers/dividends/internal/investing"
	"github.com/epeers/dividends/internal/models"
	"github.com/epeers/dividends/internal/normalize"
	"github.com/epeers/dividends/internal/repository"
	"github.com/epeers/dividends/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// AggregationOptions configures a pipeline run
type AggregationOptions struct {
	Table      string
	Timeframe  string
	Location   *time.Location
	OutputPath string

	// ExtractRetries is the number of extra attempts after a stabilization timeout
	ExtractRetries int
	RetryInterval  time.Duration

	EnrichConcurrency int
	EnrichLimit       int // 0 enriches every persisted symbol

	// Now defaults to time.Now
	Now func() time.Time
}

// AggregationService runs the collect, persist, enrich, write pipeline once
type AggregationService struct {
	extractor Extractor
	enricher  Enricher
	store     repository.EventStore
	opts      AggregationOptions
}

// NewAggregationService creates a new AggregationService
func NewAggregationService(extractor Extractor, enricher Enricher, store repository.EventStore, opts AggregationOptions) *AggregationService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.EnrichConcurrency <= 0 {
		opts.EnrichConcurrency = 1
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	return &AggregationService{extractor: extractor, enricher: enricher, store: store, opts: opts}
}

// Run executes the pipeline. The returned summary is never nil and reflects
// how far the run got, also when an error is returned.
func (s *AggregationService) Run(ctx context.Context) (*models.RunSummary, error) {
	defer TrackTime("AggregationService.Run", time.Now())

	ctx, wc := NewWarningContext(ctx)
	summary := &models.RunSummary{}
	defer func() { summary.Warnings = wc.GetWarnings() }()

	window, err := util.TargetWeek(s.opts.Now(), s.opts.Timeframe, s.opts.Location)
	if err != nil {
		return summary, err
	}
	log.Infof("Collecting dividend calendar for %s", window)

	res, err := s.extract(ctx, summary)
	if err != nil {
		return summary, fmt.Errorf("extract calendar: %w", err)
	}
	summary.RowsExtracted = len(res.Rows)
	summary.SortedDescending = res.SortedDescending
	for _, sk := range res.Skipped {
		AddWarning(ctx, models.WarnRowSkipped, "row %d skipped: %v", sk.Index, sk.Err)
	}
	if !res.SortedDescending {
		AddWarning(ctx, models.WarnSortUnverified, "calendar rows were not in descending rate order after sorting")
	}

	events, dropped := s.normalizeRows(ctx, res.Rows, window)
	summary.EventsNormalized = len(events)
	summary.RowsDropped = dropped

	n, err := s.replaceEvents(ctx, events)
	if err != nil {
		return summary, fmt.Errorf("persist events: %w", err)
	}
	summary.RowsPersisted = n
	log.Infof("Persisted %d dividend events to %s", n, s.opts.Table)

	records, err := s.enrich(ctx)
	if err != nil {
		return summary, fmt.Errorf("enrich: %w", err)
	}
	summary.SymbolsEnriched = len(records)
	for _, r := range records {
		if r.Failed() {
			summary.EnrichFailures++
		}
	}

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("run cancelled before writing %s: %w", s.opts.OutputPath, err)
	}
	if err := artifact.WriteJSON(s.opts.OutputPath, models.NewStockDataArtifact(records)); err != nil {
		return summary, err
	}
	summary.OutputPath = s.opts.OutputPath
	log.Infof("Wrote %d enriched symbols to %s", len(records), s.opts.OutputPath)

	return summary, nil
}

// extract runs the extractor, retrying only stabilization timeouts
func (s *AggregationService) extract(ctx context.Context, summary *models.RunSummary) (*investing.Result, error) {
	defer TrackTime("extract", time.Now())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(0, s.opts.ExtractRetries))), ctx)

	var res *investing.Result
	op := func() error {
		summary.Attempts++
		r, err := s.extractor.Extract(ctx)
		if err != nil {
			var timeout *investing.ExtractionTimeoutError
			if errors.As(err, &timeout) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("Extraction attempt %d failed: %v. Retrying in %s", summary.Attempts, err, wait.Round(time.Millisecond))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return res, nil
}

// normalizeRows converts raw rows to events. Invalid rows are dropped with a
// warning; a repeated symbol overwrites the earlier event. The result is
// ordered by rate descending, then symbol.
func (s *AggregationService) normalizeRows(ctx context.Context, rows []models.RawDividendRow, window util.WeekWindow) ([]models.DividendEvent, int) {
	events := make([]models.DividendEvent, 0, len(rows))
	seen := make(map[string]int, len(rows))
	dropped := 0

	for _, row := range rows {
		ev, err := normalize.Event(row, window)
		if err != nil {
			code := models.WarnRowDropped
			if errors.Is(err, normalize.ErrOutsideWindow) {
				code = models.WarnRowOutsideWindow
			}
			AddWarning(ctx, code, "row %d (%s) dropped: %v", row.Index, row.Symbol, err)
			dropped++
			continue
		}
		if i, ok := seen[ev.Symbol]; ok {
			AddWarning(ctx, models.WarnDuplicateSymbol, "symbol %s appears again at row %d, keeping the later row", ev.Symbol, row.Index)
			events[i] = ev
			continue
		}
		seen[ev.Symbol] = len(events)
		events = append(events, ev)
	}

	slices.SortStableFunc(events, func(a, b models.DividendEvent) int {
		if c := b.DividendYieldPercent.Cmp(a.DividendYieldPercent); c != 0 {
			return c
		}
		return strings.Compare(a.Symbol, b.Symbol)
	})
	return events, dropped
}

// replaceEvents swaps the table contents for events in a single transaction.
// On any failure the previous table is left as it was.
func (s *AggregationService) replaceEvents(ctx context.Context, events []models.DividendEvent) (int, error) {
	defer TrackTime("replaceEvents", time.Now())

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	// Rollback must still reach the database when ctx is already cancelled
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := tx.DropTableIfExists(ctx, s.opts.Table); err != nil {
		return 0, err
	}
	if err := tx.CreateTable(ctx, s.opts.Table); err != nil {
		return 0, err
	}
	n, err := tx.BulkInsert(ctx, s.opts.Table, events)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// enrich fetches metrics for the leading persisted symbols. A failed fetch
// yields an all-null record; it never affects the other symbols.
func (s *AggregationService) enrich(ctx context.Context) ([]*models.EnrichmentRecord, error) {
	defer TrackTime("enrich", time.Now())

	symbols, err := s.store.SelectColumn(ctx, s.opts.Table, "symbol")
	if err != nil {
		return nil, err
	}
	if s.opts.EnrichLimit > 0 && len(symbols) > s.opts.EnrichLimit {
		symbols = symbols[:s.opts.EnrichLimit]
	}

	records := make([]*models.EnrichmentRecord, len(symbols))
	var g errgroup.Group
	g.SetLimit(s.opts.EnrichConcurrency)

	for i, symbol := range symbols {
		g.Go(func() error {
			records[i] = s.enrichOne(ctx, symbol)
			return nil
		})
	}
	_ = g.Wait()

	return records, nil
}

func (s *AggregationService) enrichOne(ctx context.Context, symbol string) *models.EnrichmentRecord {
	if err := ctx.Err(); err != nil {
		AddWarning(ctx, models.WarnEnrichCancelled, "enrichment of %s cancelled: %v", symbol, err)
		return models.NewFailedRecord(symbol, err)
	}

	rec, err := s.enricher.Enrich(ctx, symbol)
	if err == nil && rec == nil {
		err = errors.New("no record returned")
	}
	if err != nil {
		if ctx.Err() != nil {
			AddWarning(ctx, models.WarnEnrichCancelled, "enrichment of %s cancelled: %v", symbol, err)
			return models.NewFailedRecord(symbol, ctx.Err())
		}
		AddWarning(ctx, models.WarnEnrichFailed, "enrichment of %s failed: %v", symbol, err)
		return models.NewFailedRecord(symbol, err)
	}

	rec.Symbol = symbol
	rec.Err = nil
	if missing := missingMetrics(rec); len(missing) > 0 {
		AddWarning(ctx, models.WarnEnrichMetricAbsent, "%s has no value for %s", symbol, strings.Join(missing, ", "))
	}
	return rec
}

func missingMetrics(r *models.EnrichmentRecord) []string {
	var missing []string
	for _, m := range []struct {
		name string
		v    *string
	}{
		{"change", r.ChangePercent},
		{"perf_week", r.PerfWeek},
		{"perf_month", r.PerfMonth},
		{"pe", r.PERatio},
		{"target_price", r.TargetPrice},
		{"recom", r.Recommendation},
	} {
		if m.v == nil {
			missing = append(missing, m.name)
		}
	}
	return missing
}
