package pagination

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tight := Options{DefaultPageSize: 25, MaxPageSize: 40}
	tests := []struct {
		name  string
		query string
		opts  Options
		size  int
		err   error
	}{
		{name: "defaults", query: "", size: DefaultPageSize},
		{name: "endpoint default", query: "", opts: tight, size: 25},
		{name: "default above max", query: "", opts: Options{DefaultPageSize: 80, MaxPageSize: 50}, size: 50},
		{name: "explicit", query: "pageSize=30", opts: tight, size: 30},
		{name: "clamped", query: "pageSize=400", opts: tight, size: 40},
		{name: "snake case", query: "page_size=5", size: 5},
		{name: "camel case wins", query: "pageSize=7&page_size=5", size: 7},
		{name: "not a number", query: "pageSize=ten", err: ErrInvalidPageSize},
		{name: "zero", query: "pageSize=0", err: ErrInvalidPageSize},
		{name: "negative", query: "pageSize=-3", err: ErrInvalidPageSize},
		{name: "garbled token", query: "pageToken=%25%25%25", err: ErrInvalidPageToken},
		{name: "token without id", query: "pageToken=e30", err: ErrInvalidPageToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			query, err := url.ParseQuery(tc.query)
			if err != nil {
				t.Fatalf("parse query: %v", err)
			}
			params, err := Parse(query, tc.opts)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if params.PageSize != tc.size {
				t.Fatalf("expected page size %d, got %d", tc.size, params.PageSize)
			}
		})
	}
}

func TestPageTokenRoundTrip(t *testing.T) {
	cursor := Cursor{At: time.Date(2025, 4, 2, 8, 30, 0, 0, time.UTC), ID: "TAS-000042"}
	token, err := EncodeToken(cursor)
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	params, err := Parse(url.Values{"page_token": {token}}, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if params.PageToken != token || !params.Cursor.At.Equal(cursor.At) || params.Cursor.ID != cursor.ID {
		t.Fatalf("cursor mismatch: %+v", params)
	}

	if token, err := EncodeToken(Cursor{}); err != nil || token != "" {
		t.Fatalf("zero cursor should encode to an empty token, got %q, %v", token, err)
	}
	if c, err := DecodeToken("  "); err != nil || !c.IsZero() {
		t.Fatalf("blank token should decode to the zero cursor, got %+v, %v", c, err)
	}
}

func TestNormalize(t *testing.T) {
	for in, want := range map[int]int{-1: DefaultPageSize, 0: DefaultPageSize, 7: 7, 500: DefaultMaxPageSize} {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%d) = %d, want %d", in, got, want)
		}
	}
}
