// Package bizday maps absolute timestamps onto business calendar days.
//
// Every branch trades on the same civil clock (UTC+7). Day keys are derived
// from that clock, never from the host timezone.
package bizday

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"backoffice/backend/internal/domain"
)

const keyLayout = "2006-01-02"

var ErrInvalidDayKey = errors.New("invalid day key")

type Calendar struct {
	loc *time.Location
}

// Bangkok is a fixed +07:00 zone. It does not depend on the host tzdata.
func Bangkok() Calendar {
	return Calendar{loc: time.FixedZone("Asia/Bangkok", 7*60*60)}
}

func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		return Bangkok()
	}
	return Calendar{loc: loc}
}

func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return Bangkok().loc
	}
	return c.loc
}

// DayKey returns the YYYY-MM-DD the timestamp falls on in the business zone.
// The zero time is unclassifiable and yields "".
func (c Calendar) DayKey(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(c.Location()).Format(keyLayout)
}

// DayKeyFromString accepts RFC3339 timestamps with or without fractional
// seconds. Anything else yields "".
func (c Calendar) DayKeyFromString(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return ""
	}
	return c.DayKey(t)
}

// ParseDayKey returns local midnight of key in the business zone.
func (c Calendar) ParseDayKey(key string) (time.Time, error) {
	key = strings.TrimSpace(key)
	if len(key) != len(keyLayout) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDayKey, key)
	}
	t, err := time.ParseInLocation(keyLayout, key, c.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDayKey, key)
	}
	return t, nil
}

// DayWindow is the half-open range [local 00:00 of key, local 00:00 of the
// next day) expressed in UTC.
func (c Calendar) DayWindow(key string) (domain.TimeRange, error) {
	start, err := c.ParseDayKey(key)
	if err != nil {
		return domain.TimeRange{}, err
	}
	return domain.TimeRange{
		From: start.UTC(),
		To:   start.AddDate(0, 0, 1).UTC(),
	}, nil
}

// Today is the current business day key.
func (c Calendar) Today(now time.Time) string {
	return c.DayKey(now)
}

// LookbackRange covers the last days business days up to and including now.
// The upper bound is left open so sales stamped slightly ahead of the server
// clock are still found.
func (c Calendar) LookbackRange(now time.Time, days int) domain.TimeRange {
	local := now.In(c.Location())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Location())
	return domain.TimeRange{From: midnight.AddDate(0, 0, -days).UTC()}
}

// ReportRange returns the inclusive day-key bounds a report reads.
//
//	day:   the whole selected month
//	month: the whole selected year
//	year:  the five years ending at the selected year
func ReportRange(mode string, year int, month int) (string, string, error) {
	if year < 1 || year > 9999 {
		return "", "", fmt.Errorf("year out of range: %d", year)
	}
	switch mode {
	case domain.ReportModeDay:
		if month < 1 || month > 12 {
			return "", "", fmt.Errorf("month out of range: %d", month)
		}
		first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		last := first.AddDate(0, 1, -1)
		return first.Format(keyLayout), last.Format(keyLayout), nil
	case domain.ReportModeMonth:
		return fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-12-31", year), nil
	case domain.ReportModeYear:
		from := year - 4
		if from < 1 {
			from = 1
		}
		return fmt.Sprintf("%04d-01-01", from), fmt.Sprintf("%04d-12-31", year), nil
	default:
		return "", "", fmt.Errorf("unknown report mode %q", mode)
	}
}

// Period truncates a day key to the bucket of the given report mode.
func Period(mode string, dayKey string) string {
	switch mode {
	case domain.ReportModeMonth:
		if len(dayKey) >= 7 {
			return dayKey[:7]
		}
	case domain.ReportModeYear:
		if len(dayKey) >= 4 {
			return dayKey[:4]
		}
	}
	return dayKey
}

// ValidMode reports whether mode is one of day, month or year.
func ValidMode(mode string) bool {
	switch mode {
	case domain.ReportModeDay, domain.ReportModeMonth, domain.ReportModeYear:
		return true
	}
	return false
}
