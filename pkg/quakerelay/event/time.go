package event

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrTimestampFormat indicates a timestamp is not ISO-8601 with at least
// millisecond precision.
var ErrTimestampFormat = errors.New("timestamp must be ISO-8601 with millisecond or finer fractional seconds")

var timestampPattern = regexp.MustCompile(
	`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}\.\d{3,9}(Z|[+-]\d{2}:?\d{2})?$`,
)

// ParseTimestamp parses an event_time or phase_time value.
//
// Timestamps without a zone designator are interpreted as UTC. The stored
// wire value is never rewritten; this is only used for comparisons.
func ParseTimestamp(s string) (time.Time, error) {
	m := timestampPattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, ErrTimestampFormat
	}
	s = strings.Replace(s, " ", "T", 1)

	var (
		t   time.Time
		err error
	)
	switch zone := m[1]; {
	case zone == "":
		t, err = time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	case zone == "Z" || strings.Contains(zone, ":"):
		t, err = time.Parse(time.RFC3339Nano, s)
	default:
		t, err = time.Parse("2006-01-02T15:04:05.999999999Z0700", s)
	}
	if err != nil {
		return time.Time{}, ErrTimestampFormat
	}
	return t.UTC(), nil
}
