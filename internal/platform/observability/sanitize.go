package observability

import (
	"strings"
	"unicode"
)

// Per-field caps keep a single log line within Cloud Logging's indexed field size.
const (
	maxLoggedRoute  = 180
	maxLoggedMethod = 10
	maxLoggedID     = 64
	maxLoggedValue  = 256
)

// clip drops control characters (tabs and newlines survive) and truncates to limit runes.
func clip(value string, limit int) string {
	if limit <= 0 {
		limit = maxLoggedValue
	}
	var b strings.Builder
	b.Grow(min(len(value), limit))
	n := 0
	for _, r := range value {
		if n >= limit {
			break
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute prepares a path or chi route pattern for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clip(route, maxLoggedRoute)
}

func SanitizeMethod(method string) string {
	return clip(method, maxLoggedMethod)
}

// SanitizeUserID caps Firebase UIDs and service subjects.
func SanitizeUserID(uid string) string {
	return clip(uid, maxLoggedID)
}

// SanitizeTrackingNumber normalises tracking numbers so log queries match regardless of
// the casing a caller used in the URL.
func SanitizeTrackingNumber(value string) string {
	return strings.ToUpper(clip(strings.TrimSpace(value), maxLoggedID))
}
