// Package normalize converts the calendar's locale formatted text fields
// into canonical typed values.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/epeers/dividends/internal/models"
	"github.com/epeers/dividends/internal/util"
	"github.com/shopspring/decimal"
)

var (
	// ErrFormat matches every *FormatError
	ErrFormat = errors.New("unparseable field")
	// ErrOutsideWindow marks a date that parsed but is not in the queried week
	ErrOutsideWindow = errors.New("date outside queried week")
)

// FormatError describes a field that could not be converted
type FormatError struct {
	Field  string
	Raw    string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Raw, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrFormat) match any FormatError
func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

var (
	dateMarkers = strings.NewReplacer("년", "-", "월", "-", "일", "")
	isoDate     = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
)

// ParseLocaleDate converts "2024년 03월 15일" to 2024-03-15 (midnight UTC)
func ParseLocaleDate(raw string) (time.Time, error) {
	s := dateMarkers.Replace(raw)
	s = strings.Join(strings.Fields(s), "")

	groups := isoDate.FindStringSubmatch(s)
	if groups == nil {
		return time.Time{}, &FormatError{Field: "ex_dividend_date", Raw: raw, Reason: "expected year, month and day groups"}
	}

	year, _ := strconv.Atoi(groups[1])
	month, _ := strconv.Atoi(groups[2])
	day, _ := strconv.Atoi(groups[3])
	canonical := fmt.Sprintf("%04d-%02d-%02d", year, month, day)
	t, err := time.Parse(models.DateLayout, canonical)
	if err != nil {
		return time.Time{}, &FormatError{Field: "ex_dividend_date", Raw: raw, Reason: "not a calendar date", Err: err}
	}
	return t, nil
}

// ParsePercent strips exactly one trailing '%' and parses the rest: "3.5%" -> 3.5.
// A value without the terminator is rejected rather than truncated.
func ParsePercent(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	body, ok := strings.CutSuffix(s, "%")
	if !ok {
		return decimal.Decimal{}, &FormatError{Field: "dividend_rate", Raw: raw, Reason: "missing trailing %"}
	}
	d, err := parseDecimal(strings.TrimSpace(body))
	if err != nil {
		return decimal.Decimal{}, &FormatError{Field: "dividend_rate", Raw: raw, Reason: "not numeric", Err: err}
	}
	return d, nil
}

// ParseAmount parses a dividend amount, dropping thousands separators
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	d, err := parseDecimal(s)
	if err != nil {
		return decimal.Decimal{}, &FormatError{Field: "dividend_amount", Raw: raw, Reason: "not numeric", Err: err}
	}
	return d, nil
}

// parseDecimal accepts plain decimal notation only
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, errors.New("empty value")
	}
	digits := 0
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' || c == '-' || c == '+':
		default:
			return decimal.Decimal{}, fmt.Errorf("unexpected character %q", c)
		}
	}
	if digits == 0 {
		return decimal.Decimal{}, errors.New("no digits")
	}
	return decimal.NewFromString(s)
}

// Event converts a raw row into a DividendEvent, enforcing the event invariants
func Event(row models.RawDividendRow, window util.WeekWindow) (models.DividendEvent, error) {
	symbol := strings.TrimSpace(row.Symbol)
	if symbol == "" {
		return models.DividendEvent{}, &FormatError{Field: "symbol", Raw: row.Symbol, Reason: "empty"}
	}
	if utf8.RuneCountInString(symbol) > models.MaxSymbolLength {
		return models.DividendEvent{}, &FormatError{Field: "symbol", Raw: row.Symbol, Reason: fmt.Sprintf("longer than %d characters", models.MaxSymbolLength)}
	}

	date, err := ParseLocaleDate(row.ExDividendDate)
	if err != nil {
		return models.DividendEvent{}, err
	}
	if !window.Contains(date) {
		return models.DividendEvent{}, &FormatError{
			Field:  "ex_dividend_date",
			Raw:    row.ExDividendDate,
			Reason: "outside " + window.String(),
			Err:    ErrOutsideWindow,
		}
	}

	amount, err := ParseAmount(row.DividendAmount)
	if err != nil {
		return models.DividendEvent{}, err
	}
	if amount.IsNegative() {
		return models.DividendEvent{}, &FormatError{Field: "dividend_amount", Raw: row.DividendAmount, Reason: "negative"}
	}

	rate, err := ParsePercent(row.DividendRate)
	if err != nil {
		return models.DividendEvent{}, err
	}
	if rate.IsNegative() {
		return models.DividendEvent{}, &FormatError{Field: "dividend_rate", Raw: row.DividendRate, Reason: "negative"}
	}

	return models.DividendEvent{
		Symbol:               symbol,
		ExDividendDate:       models.NewCalendarDate(date),
		DividendAmount:       amount,
		DividendYieldPercent: rate,
	}, nil
}
