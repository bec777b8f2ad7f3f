// Package investing drives the dividend calendar page on kr.investing.com
// and reads its result table.
package investing

import (
	"context"
	"errors"
	"fmt"
)

// ErrElementNotFound is returned by Page methods when no element matches the selector
var ErrElementNotFound = errors.New("element not found")

// Page is the small set of browser operations the extractor needs.
// Implementations must never wait implicitly: every call returns as soon
// as the current DOM has been inspected, or when ctx is done.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Exists(ctx context.Context, selector string) (bool, error)
	Count(ctx context.Context, selector string) (int, error)
	// Text returns the trimmed rendered text of the first match
	Text(ctx context.Context, selector string) (string, error)
	Click(ctx context.Context, selector string) error
	Close() error
}

// PageFactory opens a fresh browser session
type PageFactory func(ctx context.Context) (Page, error)

// Selectors locate the calendar controls and table cells.
// Timeframe and Region are format strings taking the timeframe and region id.
type Selectors struct {
	Timeframe    string
	FilterToggle string
	Region       string
	Submit       string
	SortHeader   string
	Rows         string
	Symbol       string
	Date         string
	Amount       string
	Rate         string
	DaySeparator string
	Busy         string // optional loading indicator
}

// DefaultSelectors matches the current calendar markup
func DefaultSelectors() Selectors {
	return Selectors{
		Timeframe:    "#timeFrame_%s",
		FilterToggle: "#filterStateAnchor",
		Region:       "#country%s",
		Submit:       "#ecSubmitButton",
		SortHeader:   "#dividendsCalendarData > thead > tr > th:nth-child(7)",
		Rows:         "#dividendsCalendarData > tbody > tr",
		Symbol:       "td.left.noWrap > a",
		Date:         "td:nth-child(3)",
		Amount:       "td:nth-child(4)",
		Rate:         "td:nth-child(7)",
		DaySeparator: "td.theDay",
	}
}

func (s Selectors) timeframe(tf string) string {
	return fmt.Sprintf(s.Timeframe, tf)
}

func (s Selectors) region(id string) string {
	return fmt.Sprintf(s.Region, id)
}

func (s Selectors) row(i int) string {
	return fmt.Sprintf("%s:nth-child(%d)", s.Rows, i)
}

func (s Selectors) cell(i int, cell string) string {
	return s.row(i) + " > " + cell
}
