package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/epeers/dividends/internal/database"
	"github.com/epeers/dividends/internal/finviz"
	"github.com/epeers/dividends/internal/investing"
	"github.com/epeers/dividends/internal/models"
	"github.com/epeers/dividends/internal/repository"
	"github.com/epeers/dividends/internal/services"
	"github.com/epeers/dividends/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const table = "dividends_calendar"

// Wednesday 2024-03-06, so next week is 2024-03-11..2024-03-17
func fixedNow() time.Time {
	return time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
}

func raw(index int, symbol, day, amount, rate string) models.RawDividendRow {
	return models.RawDividendRow{
		Index:          index,
		Symbol:         symbol,
		ExDividendDate: "2024년 03월 " + day + "일",
		DividendAmount: amount,
		DividendRate:   rate,
	}
}

func strPtr(s string) *string { return &s }

func fullRecord(symbol string) *models.EnrichmentRecord {
	return &models.EnrichmentRecord{
		Symbol:         symbol,
		ChangePercent:  strPtr("1.00%"),
		PerfWeek:       strPtr("2.00%"),
		PerfMonth:      strPtr("3.00%"),
		PERatio:        strPtr("15.2"),
		TargetPrice:    strPtr("100.00"),
		Recommendation: strPtr("2.10"),
	}
}

type fixture struct {
	extractor *MockExtractor
	enricher  *MockEnricher
	store     *repository.SQLiteDividendRepository
	opts      services.AggregationOptions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &fixture{
		extractor: NewMockExtractor(ctrl),
		enricher:  NewMockEnricher(ctrl),
		store:     repository.NewSQLiteDividendRepository(db),
		opts: services.AggregationOptions{
			Table:             table,
			Timeframe:         util.TimeframeNextWeek,
			Location:          time.UTC,
			OutputPath:        filepath.Join(t.TempDir(), "output.json"),
			ExtractRetries:    2,
			RetryInterval:     time.Millisecond,
			EnrichConcurrency: 4,
			EnrichLimit:       8,
			Now:               fixedNow,
		},
	}
}

func (f *fixture) service() *services.AggregationService {
	return services.NewAggregationService(f.extractor, f.enricher, f.store, f.opts)
}

func readArtifact(t *testing.T, path string) models.StockDataArtifact {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc models.StockDataArtifact
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func warningCodes(ws []models.Warning) []models.WarningCode {
	var codes []models.WarningCode
	for _, w := range ws {
		codes = append(codes, w.Code)
	}
	return codes
}

func TestRun_EndToEnd(t *testing.T) {
	// Arrange: three valid rows, one duplicate, one bad rate, one outside the week
	f := newFixture(t)
	f.extractor.EXPECT().
		Extract(gomock.Any()).
		Return(&investing.Result{
			Rows: []models.RawDividendRow{
				raw(2, "AAA", "12", "1.00", "5.0%"),
				raw(3, "BBB", "13", "0.50", "4.0%"),
				raw(4, "CCC", "14", "0.25", "3.0%"),
				raw(5, "BBB", "15", "0.55", "4.0%"),
				raw(6, "DDD", "14", "0.10", "2.5"),
				raw(7, "EEE", "20", "0.10", "2.0%"),
			},
			SortedDescending: true,
		}, nil).
		Times(1)

	f.enricher.EXPECT().Enrich(gomock.Any(), "AAA").Return(fullRecord("AAA"), nil).Times(1)
	f.enricher.EXPECT().Enrich(gomock.Any(), "BBB").Return(nil, &finviz.FetchError{Symbol: "BBB", StatusCode: 404}).Times(1)
	f.enricher.EXPECT().Enrich(gomock.Any(), "CCC").Return(fullRecord("CCC"), nil).Times(1)

	// Act
	summary, err := f.service().Run(context.Background())

	// Assert: summary
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Attempts)
	assert.Equal(t, 6, summary.RowsExtracted)
	assert.Equal(t, 3, summary.EventsNormalized)
	assert.Equal(t, 2, summary.RowsDropped)
	assert.Equal(t, 3, summary.RowsPersisted)
	assert.Equal(t, 3, summary.SymbolsEnriched)
	assert.Equal(t, 1, summary.EnrichFailures)
	assert.Equal(t, f.opts.OutputPath, summary.OutputPath)
	assert.ElementsMatch(t, []models.WarningCode{
		models.WarnDuplicateSymbol, models.WarnRowDropped, models.WarnRowOutsideWindow, models.WarnEnrichFailed,
	}, warningCodes(summary.Warnings))

	// Assert: persisted rows, last BBB wins
	symbols, err := f.store.SelectColumn(context.Background(), table, "symbol")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, symbols)
	dates, err := f.store.SelectColumn(context.Background(), table, "ex_dividend_date")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-15", dates[1])

	// Assert: artifact keeps persisted order and nulls the failed symbol
	doc := readArtifact(t, f.opts.OutputPath)
	require.Len(t, doc.StockData, 3)
	assert.Equal(t, "AAA", doc.StockData[0].Ename)
	assert.Equal(t, "BBB", doc.StockData[1].Ename)
	assert.Equal(t, "CCC", doc.StockData[2].Ename)
	assert.Nil(t, doc.StockData[1].Change)
	assert.Nil(t, doc.StockData[1].Recom)
	require.NotNil(t, doc.StockData[2].PE)
	assert.Equal(t, "15.2", *doc.StockData[2].PE)
}

func TestRun_OrdersByRateThenSymbol(t *testing.T) {
	f := newFixture(t)
	f.opts.EnrichLimit = 0
	f.extractor.EXPECT().Extract(gomock.Any()).Return(&investing.Result{
		Rows: []models.RawDividendRow{
			raw(2, "ZZZ", "12", "1", "3.0%"),
			raw(3, "AAA", "12", "1", "3.0%"),
			raw(4, "MMM", "12", "1", "7.5%"),
		},
		SortedDescending: false,
	}, nil)
	f.enricher.EXPECT().Enrich(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, symbol string) (*models.EnrichmentRecord, error) {
			return fullRecord(symbol), nil
		}).
		Times(3)

	summary, err := f.service().Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, warningCodes(summary.Warnings), models.WarnSortUnverified)

	doc := readArtifact(t, f.opts.OutputPath)
	var got []string
	for _, e := range doc.StockData {
		got = append(got, e.Ename)
	}
	assert.Equal(t, []string{"MMM", "AAA", "ZZZ"}, got)
}

func TestRun_EnrichLimitTakesLeadingSymbols(t *testing.T) {
	f := newFixture(t)
	f.opts.EnrichLimit = 2
	f.extractor.EXPECT().Extract(gomock.Any()).Return(&investing.Result{
		Rows: []models.RawDividendRow{
			raw(2, "AAA", "12", "1", "5%"),
			raw(3, "BBB", "12", "1", "4%"),
			raw(4, "CCC", "12", "1", "3%"),
		},
		SortedDescending: true,
	}, nil)
	f.enricher.EXPECT().Enrich(gomock.Any(), "AAA").Return(fullRecord("AAA"), nil)
	f.enricher.EXPECT().Enrich(gomock.Any(), "BBB").Return(fullRecord("BBB"), nil)

	summary, err := f.service().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.RowsPersisted)
	assert.Equal(t, 2, summary.SymbolsEnriched)
	assert.Len(t, readArtifact(t, f.opts.OutputPath).StockData, 2)
}

func TestRun_RerunReplacesTable(t *testing.T) {
	f := newFixture(t)
	f.opts.EnrichLimit = 0
	gomock.InOrder(
		f.extractor.EXPECT().Extract(gomock.Any()).Return(&investing.Result{
			Rows:             []models.RawDividendRow{raw(2, "OLD1", "12", "1", "2%"), raw(3, "OLD2", "12", "1", "1%")},
			SortedDescending: true,
		}, nil),
		f.extractor.EXPECT().Extract(gomock.Any()).Return(&investing.Result{
			Rows:             []models.RawDividendRow{raw(2, "NEW", "13", "1", "2%")},
			SortedDescending: true,
		}, nil),
	)
	f.enricher.EXPECT().Enrich(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, symbol string) (*models.EnrichmentRecord, error) {
			return fullRecord(symbol), nil
		}).
		AnyTimes()

	svc := f.service()
	_, err := svc.Run(context.Background())
	require.NoError(t, err)
	summary, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RowsPersisted)
	symbols, err := f.store.SelectColumn(context.Background(), table, "symbol")
	require.NoError(t, err)
	assert.Equal(t, []string{"NEW"}, symbols)
}

func TestRun_RetriesStabilizationTimeout(t *testing.T) {
	f := newFixture(t)
	gomock.InOrder(
		f.extractor.EXPECT().Extract(gomock.Any()).
			Return(nil, &investing.ExtractionTimeoutError{Step: "submit filter", Waited: time.Second}).
			Times(2),
		f.extractor.EXPECT().Extract(gomock.Any()).
			Return(&investing.Result{SortedDescending: true}, nil).
			Times(1),
	)

	summary, err := f.service().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Attempts)
	assert.Equal(t, 0, summary.RowsPersisted)
	assert.Empty(t, readArtifact(t, f.opts.OutputPath).StockData)
}

func TestRun_GivesUpAfterRetries(t *testing.T) {
	f := newFixture(t)
	f.opts.ExtractRetries = 1
	f.extractor.EXPECT().Extract(gomock.Any()).
		Return(nil, &investing.ExtractionTimeoutError{Step: "navigate", Waited: time.Second}).
		Times(2)

	summary, err := f.service().Run(context.Background())

	var timeout *investing.ExtractionTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 2, summary.Attempts)
	_, statErr := os.Stat(f.opts.OutputPath)
	assert.True(t, os.IsNotExist(statErr), "no artifact on failed extraction")
}

func TestRun_StructureErrorIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.extractor.EXPECT().Extract(gomock.Any()).
		Return(nil, &investing.PageStructureError{Step: "toggle regions", Selector: "#country4", Err: investing.ErrElementNotFound}).
		Times(1)

	summary, err := f.service().Run(context.Background())

	var pse *investing.PageStructureError
	require.ErrorAs(t, err, &pse)
	assert.Equal(t, 1, summary.Attempts)
}

// failingStore runs the real drop and create, then fails the insert
type failingStore struct {
	repository.EventStore
}

type failingTx struct {
	repository.EventTx
}

func (s failingStore) Begin(ctx context.Context) (repository.EventTx, error) {
	tx, err := s.EventStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return failingTx{tx}, nil
}

func (failingTx) BulkInsert(ctx context.Context, table string, events []models.DividendEvent) (int, error) {
	return 0, &repository.PersistenceError{Op: "insert", Table: table, Err: errors.New("disk full")}
}

func TestRun_PersistenceFailureKeepsPriorTable(t *testing.T) {
	// Arrange: a first run leaves KEEP in the table
	f := newFixture(t)
	gomock.InOrder(
		f.extractor.EXPECT().Extract(gomock.Any()).Return(&investing.Result{
			Rows:             []models.RawDividendRow{raw(2, "KEEP", "12", "1", "2%")},
			SortedDescending: true,
		}, nil),
		f.extractor.EXPECT().Extract(gomock.Any()).Return(&investing.Result{
			Rows:             []models.RawDividendRow{raw(2, "NEW", "12", "1", "2%")},
			SortedDescending: true,
		}, nil),
	)
	f.enricher.EXPECT().Enrich(gomock.Any(), "KEEP").Return(fullRecord("KEEP"), nil).Times(1)

	_, err := f.service().Run(context.Background())
	require.NoError(t, err)

	// Act: the second run drops and recreates the table, then fails to insert
	failing := services.NewAggregationService(f.extractor, f.enricher, failingStore{f.store}, f.opts)
	_, err = failing.Run(context.Background())

	// Assert
	var pe *repository.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "insert", pe.Op)
	symbols, err := f.store.SelectColumn(context.Background(), table, "symbol")
	require.NoError(t, err)
	assert.Equal(t, []string{"KEEP"}, symbols)
}

func TestRun_CancelledDuringEnrichment(t *testing.T) {
	f := newFixture(t)
	f.opts.EnrichConcurrency = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.extractor.EXPECT().Extract(gomock.Any()).Return(&investing.Result{
		Rows: []models.RawDividendRow{
			raw(2, "AAA", "12", "1", "5%"),
			raw(3, "BBB", "12", "1", "4%"),
		},
		SortedDescending: true,
	}, nil)
	f.enricher.EXPECT().Enrich(gomock.Any(), "AAA").
		DoAndReturn(func(ctx context.Context, _ string) (*models.EnrichmentRecord, error) {
			cancel()
			return nil, ctx.Err()
		}).
		Times(1)

	summary, err := f.service().Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, summary.EnrichFailures)
	assert.Contains(t, warningCodes(summary.Warnings), models.WarnEnrichCancelled)
	_, statErr := os.Stat(f.opts.OutputPath)
	assert.True(t, os.IsNotExist(statErr), "no artifact after cancellation")
}

func TestRun_MissingMetricWarns(t *testing.T) {
	f := newFixture(t)
	f.extractor.EXPECT().Extract(gomock.Any()).Return(&investing.Result{
		Rows:             []models.RawDividendRow{raw(2, "AAA", "12", "1", "5%")},
		SortedDescending: true,
	}, nil)
	rec := fullRecord("AAA")
	rec.Recommendation = nil
	f.enricher.EXPECT().Enrich(gomock.Any(), "AAA").Return(rec, nil)

	summary, err := f.service().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.WarningCode{models.WarnEnrichMetricAbsent}, warningCodes(summary.Warnings))
	assert.Equal(t, 0, summary.EnrichFailures)
}
