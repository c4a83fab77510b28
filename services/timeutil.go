package services

import (
	"log"
	"math"
	"strings"
	"time"
)

// Timestamp layouts seen on the wire. Charge points send Z-suffixed,
// offset-suffixed and bare-naive strings depending on firmware.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a wire timestamp. Naive strings are taken as
// UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// NormalizeTimestamp converts a wire timestamp to UTC ISO8601 with an
// explicit offset. Unparseable or empty input falls back to server now
// with a warning.
func NormalizeTimestamp(s string) string {
	if t, ok := ParseTimestamp(s); ok {
		return t.Format(time.RFC3339)
	}
	if strings.TrimSpace(s) != "" {
		log.Printf("[TIME] unparseable timestamp %q, substituting server time", s)
	}
	return NowUTC()
}

func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
