package canonical

import "time"

// isoMillis is the timestamp layout used inside canonicalized payloads.
// Millisecond precision, always UTC with a literal Z suffix, so audit logs
// remain verifiable by third parties regardless of host locale.
const isoMillis = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical ISO-8601 UTC form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// Now returns the current wall clock in canonical form.
func Now() string {
	return FormatTime(time.Now())
}
