package util

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Timeframes understood by the calendar filter
const (
	TimeframeThisWeek = "thisWeek"
	TimeframeNextWeek = "nextWeek"
)

// WeekWindow is an inclusive Monday..Sunday date range
type WeekWindow struct {
	Start time.Time // Monday, midnight UTC
	End   time.Time // Sunday, midnight UTC
}

// Contains reports whether the calendar day of t lies within the window
func (w WeekWindow) Contains(t time.Time) bool {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return !d.Before(w.Start) && !d.After(w.End)
}

func (w WeekWindow) String() string {
	return w.Start.Format("2006-01-02") + ".." + w.End.Format("2006-01-02")
}

// LoadLocation loads the calendar timezone, falling back to UTC
func LoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Errorf("Failed to load location '%s': %v. Falling back to UTC.", name, err)
		return time.UTC
	}
	return loc
}

// TargetWeek returns the week the calendar is filtered to.
// Weeks start on Monday in the calendar's timezone; "thisWeek" is the week
// containing now, "nextWeek" the one after it.
func TargetWeek(now time.Time, timeframe string, loc *time.Location) (WeekWindow, error) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	// Days since Monday, with Sunday counted as the last day of the week
	offset := (int(local.Weekday()) + 6) % 7
	monday := time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, time.UTC)

	switch timeframe {
	case TimeframeThisWeek:
	case TimeframeNextWeek:
		monday = monday.AddDate(0, 0, 7)
	default:
		return WeekWindow{}, fmt.Errorf("unsupported timeframe %q", timeframe)
	}

	return WeekWindow{Start: monday, End: monday.AddDate(0, 0, 6)}, nil
}
