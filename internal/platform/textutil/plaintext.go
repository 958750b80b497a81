package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var plainTextPolicy = bluemonday.StrictPolicy()

// PlainText strips markup and control characters from user supplied free text, collapses
// surrounding whitespace and truncates to limit runes. A non-positive limit disables
// truncation.
func PlainText(input string, limit int) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	stripped := html.UnescapeString(plainTextPolicy.Sanitize(trimmed))

	var builder strings.Builder
	builder.Grow(len(stripped))
	count := 0
	for _, r := range stripped {
		if r == utf8.RuneError || (r < 32 && r != '\n' && r != '\t') || r == 0x7f {
			continue
		}
		if limit > 0 && count >= limit {
			break
		}
		builder.WriteRune(r)
		count++
	}
	return strings.TrimSpace(builder.String())
}

// OptionalPlainText applies PlainText to a pointer value, preserving nil.
func OptionalPlainText(input *string, limit int) *string {
	if input == nil {
		return nil
	}
	cleaned := PlainText(*input, limit)
	return &cleaned
}
