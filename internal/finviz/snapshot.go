package finviz

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/epeers/dividends/internal/models"
)

// ErrNoSnapshot is returned for pages without a snapshot table, which is
// what finviz serves for unknown tickers
var ErrNoSnapshot = errors.New("snapshot table not found")

// Snapshot labels, as rendered in the label cells
const (
	LabelChange      = "Change"
	LabelPerfWeek    = "Perf Week"
	LabelPerfMonth   = "Perf Month"
	LabelPE          = "P/E"
	LabelTargetPrice = "Target Price"
	LabelRecom       = "Recom"
)

// ParseSnapshot reads the snapshot metrics from a quote page.
// Each value is the first td.snapshot-td2 cell after its label cell.
// A missing label, or a value rendered as "-", leaves the field nil.
func ParseSnapshot(symbol string, r io.Reader) (*models.EnrichmentRecord, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	table := doc.Find("table.snapshot-table2").First()
	if table.Length() == 0 {
		return nil, ErrNoSnapshot
	}

	cells := table.Find("td")
	value := func(label string) *string {
		var out *string
		cells.EachWithBreak(func(_ int, td *goquery.Selection) bool {
			if strings.TrimSpace(td.Text()) != label {
				return true
			}
			next := td.NextAllFiltered("td.snapshot-td2").First()
			if next.Length() > 0 {
				out = metric(next.Text())
			}
			return false
		})
		return out
	}

	return &models.EnrichmentRecord{
		Symbol:         symbol,
		ChangePercent:  value(LabelChange),
		PerfWeek:       value(LabelPerfWeek),
		PerfMonth:      value(LabelPerfMonth),
		PERatio:        value(LabelPE),
		TargetPrice:    value(LabelTargetPrice),
		Recommendation: value(LabelRecom),
	}, nil
}

func metric(text string) *string {
	s := strings.TrimSpace(text)
	if s == "" || s == "-" {
		return nil
	}
	return &s
}
