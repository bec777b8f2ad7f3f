package models

import (
	"github.com/shopspring/decimal"
)

// MaxSymbolLength is the width of the symbol column in the event table
const MaxSymbolLength = 10

// RawDividendRow is one calendar row as read from the rendered page,
// before any normalization
type RawDividendRow struct {
	Index          int    `json:"index"` // 1-based tr index in the results table
	Symbol         string `json:"symbol"`
	ExDividendDate string `json:"ex_dividend_date"`
	DividendAmount string `json:"dividend_amount"`
	DividendRate   string `json:"dividend_rate"`
}

// DividendEvent is a normalized upcoming dividend for one security
type DividendEvent struct {
	Symbol               string          `json:"symbol"`
	ExDividendDate       CalendarDate    `json:"ex_dividend_date"`
	DividendAmount       decimal.Decimal `json:"dividend_amount"`        // source currency units
	DividendYieldPercent decimal.Decimal `json:"dividend_yield_percent"` // 3.5 means 3.5%
}

// EnrichmentRecord holds the finviz snapshot metrics for one symbol.
// A nil field means the source did not provide a value.
type EnrichmentRecord struct {
	Symbol         string
	ChangePercent  *string
	PerfWeek       *string
	PerfMonth      *string
	PERatio        *string
	TargetPrice    *string
	Recommendation *string

	// Err is set when the whole fetch failed; all metrics are nil then
	Err error
}

// NewFailedRecord returns an all-null record carrying the fetch error
func NewFailedRecord(symbol string, err error) *EnrichmentRecord {
	return &EnrichmentRecord{Symbol: symbol, Err: err}
}

// Failed reports whether the fetch for this symbol failed entirely
func (r *EnrichmentRecord) Failed() bool {
	return r.Err != nil
}

// StockDataArtifact is the JSON document written at the end of a run
type StockDataArtifact struct {
	StockData []StockDataEntry `json:"stock_data"`
}

// StockDataEntry is one enriched symbol in the artifact
type StockDataEntry struct {
	Ename       string  `json:"ename"`
	Change      *string `json:"change"`
	PerfWeek    *string `json:"perf_week"`
	PerfMonth   *string `json:"perf_month"`
	PE          *string `json:"pe"`
	TargetPrice *string `json:"target_price"`
	Recom       *string `json:"recom"`
}

// NewStockDataArtifact converts records to artifact entries, keeping their order.
// Failed records still produce an entry with null metrics.
func NewStockDataArtifact(records []*EnrichmentRecord) StockDataArtifact {
	entries := make([]StockDataEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, StockDataEntry{
			Ename:       r.Symbol,
			Change:      r.ChangePercent,
			PerfWeek:    r.PerfWeek,
			PerfMonth:   r.PerfMonth,
			PE:          r.PERatio,
			TargetPrice: r.TargetPrice,
			Recom:       r.Recommendation,
		})
	}
	return StockDataArtifact{StockData: entries}
}

// RunSummary reports what a pipeline run did
type RunSummary struct {
	Attempts         int       `json:"attempts"`
	RowsExtracted    int       `json:"rows_extracted"`
	RowsDropped      int       `json:"rows_dropped"`
	EventsNormalized int       `json:"events_normalized"`
	RowsPersisted    int       `json:"rows_persisted"`
	SymbolsEnriched  int       `json:"symbols_enriched"`
	EnrichFailures   int       `json:"enrich_failures"`
	SortedDescending bool      `json:"sorted_descending"`
	OutputPath       string    `json:"output_path,omitempty"`
	Warnings         []Warning `json:"warnings"`
}
