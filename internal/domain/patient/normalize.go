package patient

import (
	"errors"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// NormalizeGender maps MALE/M to "M" and FEMALE/F to "F", case-insensitively.
func NormalizeGender(raw string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "MALE", "M":
		return "M", nil
	case "FEMALE", "F":
		return "F", nil
	}
	return "", &DomainError{Field: FieldGender, Value: raw, Err: errors.New(`expected "M" or "F"`)}
}

var (
	isoLayouts = []string{
		"2006-01-02",
		"2006/01/02",
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	monthFirstLayouts = []string{"1/2/2006", "1-2-2006", "1.2.2006"}
	dayFirstLayouts   = []string{"2/1/2006", "2-1-2006", "2.1.2006"}
	textLayouts       = []string{
		"Jan 2, 2006",
		"January 2, 2006",
		"Jan 2 2006",
		"2 Jan 2006",
		"2 January 2006",
		"02-Jan-2006",
		"Mon, 2 Jan 2006",
	}
)

// DateParser turns free-text dates into civil dates (midnight UTC).
// Numeric dates such as 05/06/2005 are ambiguous; DayFirst picks the reading
// tried first, and the other reading is used only when the first is invalid.
type DateParser struct {
	Location *time.Location
	DayFirst bool
}

func (d DateParser) location() *time.Location {
	if d.Location == nil {
		return time.UTC
	}
	return d.Location
}

func (d DateParser) layouts() []string {
	numeric := append(append([]string{}, monthFirstLayouts...), dayFirstLayouts...)
	if d.DayFirst {
		numeric = append(append([]string{}, dayFirstLayouts...), monthFirstLayouts...)
	}
	out := append([]string{}, isoLayouts...)
	out = append(out, numeric...)
	return append(out, textLayouts...)
}

// Parse accepts ISO, numeric and month-name dates, falling back to dateparse
// for the long tail.
func (d DateParser) Parse(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range d.layouts() {
		if t, err := time.ParseInLocation(layout, s, d.location()); err == nil {
			return d.civil(t), nil
		}
	}
	t, err := dateparse.ParseIn(s, d.location())
	if err != nil {
		return time.Time{}, errors.New("unrecognised date format")
	}
	return d.civil(t), nil
}

// Today returns now as a civil date in the parser's location.
func (d DateParser) Today(now time.Time) time.Time {
	return d.civil(now.In(d.location()))
}

// civil keeps the calendar date t carries in its own zone. Location only
// applies to strings without an offset, which are parsed in it.
func (d DateParser) civil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
