package models

import (
	"encoding/json"
	"strings"
	"time"
)

// DateLayout is the canonical ISO date format
const DateLayout = "2006-01-02"

// CalendarDate is a date without time of day. It marshals as "YYYY-MM-DD"
// and unmarshals both RFC3339 and "YYYY-MM-DD" formats.
type CalendarDate struct {
	time.Time
}

// NewCalendarDate truncates t to midnight UTC of its calendar day
func NewCalendarDate(t time.Time) CalendarDate {
	return CalendarDate{time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// String returns the ISO date
func (d CalendarDate) String() string {
	return d.Format(DateLayout)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *CalendarDate) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)

	// Try parsing as RFC3339 full timestamp first
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		*d = NewCalendarDate(t)
		return nil
	}

	// If that fails, try parsing as a date-only string
	t, err = time.Parse(DateLayout, s)
	if err != nil {
		return err
	}
	*d = NewCalendarDate(t)
	return nil
}

// MarshalJSON implements the json.Marshaler interface.
func (d CalendarDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
