package records

import (
	"fmt"
	"strings"
	"time"

	"pharmimport/internal/textutil"
)

// TimestampLayout is the fixed-width UTC form used for stored search
// timestamps, so lexical order matches chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// DateLayout is the stored form of licence dates.
const DateLayout = "2006-01-02"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"20060102_150405",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
}

var dateLayouts = []string{
	DateLayout,
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"2006/01/02",
	"20060102",
	"January 2, 2006",
	"Jan 2, 2006",
	"02-Jan-2006",
	time.RFC3339,
}

var sentinels = map[string]struct{}{
	"n/a":           {},
	"na":            {},
	"none":          {},
	"null":          {},
	"nil":           {},
	"-":             {},
	"--":            {},
	"not available": {},
	"unknown":       {},
	"pending":       {},
	"00/00/0000":    {},
	"0000-00-00":    {},
}

func isSentinel(value string) bool {
	_, ok := sentinels[textutil.FoldKey(value)]
	return ok
}

// ParseTimestamp parses a search timestamp in any accepted layout and returns
// it in UTC. Values without a zone are taken as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}

// FormatTimestamp renders ts in TimestampLayout.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

// CleanDate normalises a licence date to YYYY-MM-DD. Empty, sentinel and
// unparseable values return nil.
func CleanDate(value string) *string {
	value = textutil.CleanText(value)
	if value == "" || isSentinel(value) {
		return nil
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			if ts.Year() < 1800 {
				return nil
			}
			out := ts.Format(DateLayout)
			return &out
		}
	}
	return nil
}
