package textutil

import (
	"errors"
	"testing"
)

func TestPlainText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		limit int
		want  string
	}{
		{name: "strips markup", input: "  <b>Blue</b> sneakers<script>alert(1)</script> ", want: "Blue sneakers"},
		{name: "keeps ampersands readable", input: "Tom & Jerry DVD", want: "Tom & Jerry DVD"},
		{name: "drops control characters", input: "box\x00 of\x07 books", want: "box of books"},
		{name: "truncates by rune", input: "héllo world", limit: 5, want: "héllo"},
		{name: "empty", input: "   ", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := PlainText(tc.input, tc.limit); got != tc.want {
				t.Fatalf("PlainText(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestOptionalPlainText(t *testing.T) {
	if OptionalPlainText(nil, 10) != nil {
		t.Fatalf("expected nil passthrough")
	}
	value := " <i>x</i> "
	got := OptionalPlainText(&value, 10)
	if got == nil || *got != "x" {
		t.Fatalf("unexpected result %v", got)
	}
}

func TestCanonicalLocale(t *testing.T) {
	got, err := CanonicalLocale("en_jm")
	if err != nil {
		t.Fatalf("CanonicalLocale: %v", err)
	}
	if got != "en-JM" {
		t.Fatalf("expected en-JM, got %q", got)
	}
	if got, err := CanonicalLocale(""); err != nil || got != "" {
		t.Fatalf("expected empty locale passthrough, got %q %v", got, err)
	}
	if _, err := CanonicalLocale("not a locale!"); !errors.Is(err, ErrInvalidLocale) {
		t.Fatalf("expected ErrInvalidLocale, got %v", err)
	}
}

func TestHumanize(t *testing.T) {
	if got := Humanize("ready_to_ship", ""); got != "Ready To Ship" {
		t.Fatalf("unexpected humanized value %q", got)
	}
}
