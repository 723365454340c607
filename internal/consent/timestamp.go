package consent

import (
	"strconv"
	"strings"
	"time"
)

// DefaultTimestampWindow bounds how far a client timestamp may drift from server time.
const DefaultTimestampWindow = 5 * time.Minute

// ValidateTimestamp rejects a missing, unparseable or stale client timestamp.
// It is a freshness check only; replays inside the window pass.
func ValidateTimestamp(raw string, now time.Time, window time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errMissingTimestamp
	}
	ts, ok := parseClientTimestamp(raw)
	if !ok {
		return errInvalidTimestamp
	}
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	if diff > window {
		return errInvalidTimestamp
	}
	return nil
}

// parseClientTimestamp accepts RFC 3339 strings and Unix epoch milliseconds.
func parseClientTimestamp(raw string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}
