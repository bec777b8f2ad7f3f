package investing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/epeers/dividends/internal/models"
	"github.com/epeers/dividends/internal/normalize"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// State is a step of the calendar navigation
type State int

const (
	StateIdle State = iota
	StateLoaded
	StateTimeframeApplied
	StateFilterOpen
	StateRegionsToggled
	StateFiltered
	StateSorted
	StateExtracted
)

var stateNames = [...]string{
	StateIdle:             "Idle",
	StateLoaded:           "Loaded",
	StateTimeframeApplied: "TimeframeApplied",
	StateFilterOpen:       "FilterOpen",
	StateRegionsToggled:   "RegionsToggled",
	StateFiltered:         "Filtered",
	StateSorted:           "Sorted",
	StateExtracted:        "Extracted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// RowPolicy decides what happens when a row's fields cannot be read
type RowPolicy int

const (
	// RowPolicyEndOfTable treats the first unreadable row as the end of the data
	RowPolicyEndOfTable RowPolicy = iota
	// RowPolicySkip records the row as skipped and keeps reading
	RowPolicySkip
)

// MaxRowsLimit bounds Options.MaxRows
const MaxRowsLimit = 200

// Options configures one extraction
type Options struct {
	URL              string
	Timeframe        string
	ExcludedRegions  []string
	MaxRows          int // tr indices read after the pinned first row
	RowPolicy        RowPolicy
	StabilizeTimeout time.Duration
	PollInterval     time.Duration
	StablePolls      int
	// ChangeGrace is how long polls showing the pre-action table are ignored
	ChangeGrace time.Duration
	Selectors   Selectors
}

// SkippedRow is a row dropped under RowPolicySkip
type SkippedRow struct {
	Index int
	Err   error
}

// Result is the outcome of a completed extraction
type Result struct {
	Rows             []models.RawDividendRow
	Skipped          []SkippedRow
	States           []State // visited states, starting with StateIdle
	SortedDescending bool
}

type transition struct {
	from, to  State
	action    string
	stabilize bool
	run       func(ctx context.Context, p Page) error
}

// Extractor walks the calendar page from a blank session to the read table
type Extractor struct {
	newPage PageFactory
	opts    Options
}

// NewExtractor creates an Extractor. Zero option values get defaults.
func NewExtractor(factory PageFactory, opts Options) *Extractor {
	if opts.Selectors == (Selectors{}) {
		opts.Selectors = DefaultSelectors()
	}
	if opts.MaxRows <= 0 || opts.MaxRows > MaxRowsLimit {
		opts.MaxRows = 198
	}
	if opts.StabilizeTimeout <= 0 {
		opts.StabilizeTimeout = 20 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.StablePolls <= 0 {
		opts.StablePolls = 3
	}
	if opts.ChangeGrace <= 0 {
		opts.ChangeGrace = 5 * time.Second
	}
	if opts.ChangeGrace >= opts.StabilizeTimeout {
		opts.ChangeGrace = opts.StabilizeTimeout / 2
	}
	return &Extractor{newPage: factory, opts: opts}
}

func (e *Extractor) transitions() []transition {
	sel := e.opts.Selectors
	return []transition{
		{StateIdle, StateLoaded, "navigate", true, func(ctx context.Context, p Page) error {
			if err := p.Navigate(ctx, e.opts.URL); err != nil {
				return fmt.Errorf("navigate %s: %w", e.opts.URL, err)
			}
			return nil
		}},
		{StateLoaded, StateTimeframeApplied, "select timeframe", true, func(ctx context.Context, p Page) error {
			return click(ctx, p, "select timeframe", sel.timeframe(e.opts.Timeframe))
		}},
		{StateTimeframeApplied, StateFilterOpen, "open filter", false, func(ctx context.Context, p Page) error {
			return click(ctx, p, "open filter", sel.FilterToggle)
		}},
		{StateFilterOpen, StateRegionsToggled, "toggle regions", false, func(ctx context.Context, p Page) error {
			for _, id := range e.opts.ExcludedRegions {
				if err := click(ctx, p, "toggle regions", sel.region(id)); err != nil {
					return err
				}
			}
			return nil
		}},
		{StateRegionsToggled, StateFiltered, "submit filter", true, func(ctx context.Context, p Page) error {
			return click(ctx, p, "submit filter", sel.Submit)
		}},
		{StateFiltered, StateSorted, "sort by rate", true, func(ctx context.Context, p Page) error {
			// The first click sorts ascending, the second descending
			for range 2 {
				if err := click(ctx, p, "sort by rate", sel.SortHeader); err != nil {
					return err
				}
			}
			return nil
		}},
	}
}

// Extract opens a session, drives the page to the sorted table and reads it.
// The session is closed on every exit path.
func (e *Extractor) Extract(ctx context.Context) (*Result, error) {
	page, err := e.newPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			log.Warnf("Failed to close browser session: %v", cerr)
		}
	}()

	res := &Result{States: []State{StateIdle}}
	state := StateIdle
	for _, t := range e.transitions() {
		if t.from != state {
			return nil, fmt.Errorf("invalid transition %s from %s", t.action, state)
		}
		log.Debugf("Calendar: %s (%s -> %s)", t.action, t.from, t.to)
		var before signature
		if t.stabilize {
			if before, _, err = e.snapshot(ctx, page); err != nil {
				return nil, fmt.Errorf("%s: read table: %w", t.action, err)
			}
		}
		if err := t.run(ctx, page); err != nil {
			return nil, err
		}
		if t.stabilize {
			if err := e.stabilize(ctx, page, t.action, before); err != nil {
				return nil, err
			}
		}
		state = t.to
		res.States = append(res.States, state)
	}

	if err := e.readRows(ctx, page, res); err != nil {
		return nil, err
	}
	res.States = append(res.States, StateExtracted)
	res.SortedDescending = sortedDescending(res.Rows)
	return res, nil
}

func click(ctx context.Context, p Page, step, selector string) error {
	if err := p.Click(ctx, selector); err != nil {
		if errors.Is(err, ErrElementNotFound) {
			return &PageStructureError{Step: step, Selector: selector, Err: err}
		}
		return fmt.Errorf("%s: click %s: %w", step, selector, err)
	}
	return nil
}

// headRows is the number of leading rows whose text feeds the signature
const headRows = 5

type signature struct {
	rows int
	head string // rendered text of the leading rows, day separators included
}

func (e *Extractor) snapshot(ctx context.Context, p Page) (signature, bool, error) {
	sel := e.opts.Selectors
	if sel.Busy != "" {
		busy, err := p.Exists(ctx, sel.Busy)
		if err != nil {
			return signature{}, false, err
		}
		if busy {
			return signature{}, true, nil
		}
	}
	n, err := p.Count(ctx, sel.Rows)
	if err != nil {
		return signature{}, false, err
	}
	var head strings.Builder
	for i := 2; i <= min(n, headRows+1); i++ {
		text, err := p.Text(ctx, sel.row(i))
		if err != nil && !errors.Is(err, ErrElementNotFound) {
			return signature{}, false, err
		}
		head.WriteString(text)
		head.WriteByte('\n')
	}
	return signature{rows: n, head: head.String()}, false, nil
}

// stabilize waits for the table to settle after an action. Polls that still
// show the before signature are ignored until the table changes, a busy
// indicator shows up or ChangeGrace runs out. After that the table is
// stable once StablePolls consecutive polls agree with no busy indicator.
func (e *Extractor) stabilize(ctx context.Context, p Page, step string, before signature) error {
	start := time.Now()
	deadline := time.NewTimer(e.opts.StabilizeTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	var last signature
	changed := false
	same := 0
	for {
		sig, busy, err := e.snapshot(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s: poll table: %w", step, err)
		}
		switch {
		case busy:
			changed, same = true, 0
		case !changed && sig == before && time.Since(start) < e.opts.ChangeGrace:
			// reload has not started yet
		case same > 0 && sig == last:
			same++
		default:
			if !changed && sig == before {
				log.Debugf("Calendar: %s left the table unchanged", step)
			}
			changed, same = true, 1
		}
		last = sig
		if same >= e.opts.StablePolls {
			log.Debugf("Calendar: %s stable after %s (%d rows)", step, time.Since(start).Round(time.Millisecond), sig.rows)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &ExtractionTimeoutError{Step: step, Waited: time.Since(start)}
		case <-ticker.C:
		}
	}
}

func (e *Extractor) readRows(ctx context.Context, p Page, res *Result) error {
	sel := e.opts.Selectors
	n, err := p.Count(ctx, sel.Rows)
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}
	last := min(n, e.opts.MaxRows+1)

	// Row 1 is pinned above the data and never holds an event
	for i := 2; i <= last; i++ {
		row, sep, err := e.readRow(ctx, p, i)
		if err == nil {
			if !sep {
				res.Rows = append(res.Rows, row)
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.opts.RowPolicy == RowPolicySkip {
			log.WithField("row", i).Warnf("Skipping unreadable calendar row: %v", err)
			res.Skipped = append(res.Skipped, SkippedRow{Index: i, Err: err})
			continue
		}
		log.Debugf("Calendar: row %d unreadable (%v), treating as end of table", i, err)
		break
	}
	return nil
}

// readRow reads the fields of tr i. Day separator rows report sep and no row.
func (e *Extractor) readRow(ctx context.Context, p Page, i int) (models.RawDividendRow, bool, error) {
	sel := e.opts.Selectors
	sep, err := p.Exists(ctx, sel.cell(i, sel.DaySeparator))
	if err != nil {
		return models.RawDividendRow{}, false, fmt.Errorf("check day separator: %w", err)
	}
	if sep {
		return models.RawDividendRow{}, true, nil
	}

	row := models.RawDividendRow{Index: i}
	fields := []struct {
		name string
		cell string
		dst  *string
	}{
		{"symbol", sel.Symbol, &row.Symbol},
		{"ex_dividend_date", sel.Date, &row.ExDividendDate},
		{"dividend_amount", sel.Amount, &row.DividendAmount},
		{"dividend_rate", sel.Rate, &row.DividendRate},
	}
	for _, f := range fields {
		text, err := p.Text(ctx, sel.cell(i, f.cell))
		if err != nil {
			return models.RawDividendRow{}, false, fmt.Errorf("read %s: %w", f.name, err)
		}
		*f.dst = text
	}
	return row, false, nil
}

// sortedDescending checks the page order of the parseable rates
func sortedDescending(rows []models.RawDividendRow) bool {
	var prev decimal.Decimal
	seen := false
	for _, r := range rows {
		rate, err := normalize.ParsePercent(r.DividendRate)
		if err != nil {
			continue
		}
		if seen && rate.GreaterThan(prev) {
			return false
		}
		prev, seen = rate, true
	}
	return true
}
