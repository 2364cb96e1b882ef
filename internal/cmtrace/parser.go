// Package cmtrace parses the structured single-line log format written
// by the device management agent.
package cmtrace

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fleetkit/enrolltrack/internal/domain"
)

// linePrefix allows rejecting non-structured lines without running the
// full pattern.
const linePrefix = "<![LOG["

var linePattern = regexp.MustCompile(
	`^<!\[LOG\[(?s)(.*?)\]LOG\]!>` +
		`<time="([^"]*)"\s+date="([^"]*)"\s+component="([^"]*)"\s+context="[^"]*"\s+type="([^"]*)"\s+thread="([^"]*)"`)

// timestampLayouts is tried in order; the first layout that parses wins.
// Go accepts a fractional second after the seconds field even when the
// layout omits it, so each entry covers 0-7 fractional digits.
var timestampLayouts = []string{
	"1-2-2006 15:04:05",
	"1-2-2006 3:04:05 PM",
	"2006-01-02 15:04:05",
}

// Parse extracts one LogLine from a raw line. The second return value is
// false only when the line is not in the structured format at all; a bad
// timestamp or severity never discards an otherwise useful line.
func Parse(line string) (domain.LogLine, bool) {
	if !strings.HasPrefix(line, linePrefix) {
		return domain.LogLine{}, false
	}

	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return domain.LogLine{}, false
	}

	severity, err := strconv.Atoi(m[5])
	if err != nil {
		severity = 0
	}
	thread, err := strconv.Atoi(m[6])
	if err != nil {
		thread = 0
	}

	return domain.LogLine{
		Timestamp: parseTimestamp(m[3], m[2]),
		Message:   m[1],
		Component: m[4],
		Severity:  domain.Severity(severity),
		Thread:    thread,
	}, true
}

// parseTimestamp assembles date + time fields into a single timestamp.
// The time field may carry a UTC-offset-in-minutes suffix (e.g.
// "14:21:06.3458750+480") and up to arbitrary fractional precision; the
// offset is dropped and the fraction truncated to 7 digits. If nothing
// parses, the current time is used rather than failing the line.
func parseTimestamp(date, clock string) time.Time {
	stamp := date + " " + normalizeClock(clock)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, stamp); err == nil {
			return t
		}
	}
	return time.Now()
}

func normalizeClock(clock string) string {
	// Drop the offset suffix, carefully keeping any AM/PM marker.
	var suffix string
	if i := strings.IndexAny(clock, " "); i >= 0 {
		suffix = clock[i:]
		clock = clock[:i]
	}
	if i := strings.IndexAny(clock, "+-"); i >= 0 {
		clock = clock[:i]
	}

	// Truncate fractional seconds beyond 7 digits.
	if i := strings.IndexByte(clock, '.'); i >= 0 {
		frac := clock[i+1:]
		if len(frac) > 7 {
			frac = frac[:7]
		}
		if frac == "" {
			clock = clock[:i]
		} else {
			clock = clock[:i] + "." + frac
		}
	}
	return clock + suffix
}
