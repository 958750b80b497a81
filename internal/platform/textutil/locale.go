package textutil

import (
	"errors"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrInvalidLocale reports a locale that is not a well-formed BCP 47 tag.
var ErrInvalidLocale = errors.New("textutil: invalid locale")

// DefaultLocale is used when a customer has not chosen a locale.
const DefaultLocale = "en-JM"

// CanonicalLocale normalises a BCP 47 tag such as "en_jm" to "en-JM". Empty input yields
// an empty string.
func CanonicalLocale(tag string) (string, error) {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" {
		return "", nil
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return "", errors.Join(ErrInvalidLocale, err)
	}
	return parsed.String(), nil
}

// TitleCase renders value in title case using the rules of the given locale, falling
// back to DefaultLocale for unknown tags.
func TitleCase(value, locale string) string {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil || strings.TrimSpace(locale) == "" {
		tag = language.MustParse(DefaultLocale)
	}
	return cases.Title(tag).String(value)
}

// Humanize turns identifiers such as "ready_to_ship" into "Ready To Ship".
func Humanize(identifier, locale string) string {
	words := strings.FieldsFunc(identifier, func(r rune) bool { return r == '_' || r == '-' })
	return TitleCase(strings.Join(words, " "), locale)
}
