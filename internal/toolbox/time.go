package toolbox

import (
	"time"
)

// ISOLayout is the basic ISO 8601 form used in metadata and change dates
const ISOLayout = "20060102T150405"

// FormatISO formats t in UTC with ISOLayout
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// ParseISO parses a value written by FormatISO
func ParseISO(s string) (time.Time, error) {
	return time.ParseInLocation(ISOLayout, s, time.UTC)
}
