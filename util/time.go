package util

import (
	"fmt"
	"time"
)

// ISO8601 is the datetime layout used for label timestamps and event meta.
const ISO8601 = "2006-01-02T15:04:05.000Z"

var timestampLayouts = []string{
	ISO8601,
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02T15:04:05.000000-07:00",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05-07:00",
	time.RFC3339Nano,
}

// ParseTimestamp accepts the datetime variants seen on the network.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse %q as timestamp", s)
}

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(ISO8601)
}
