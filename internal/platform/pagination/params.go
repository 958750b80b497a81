// Package pagination reads page parameters from list requests and encodes the opaque
// cursor tokens repositories hand back as nextPageToken.
package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPageSize    = 20
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Params is one page request. Cursor is the decoded PageToken and is zero on the first page.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
}

// Options overrides the package defaults for one endpoint. Zero fields keep the defaults.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

func (o Options) limits() (size, ceiling int) {
	size, ceiling = o.DefaultPageSize, o.MaxPageSize
	if ceiling <= 0 {
		ceiling = DefaultMaxPageSize
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	return min(size, ceiling), ceiling
}

// Parse reads pageSize and pageToken from a query string; page_size and page_token are
// accepted too. Sizes above the maximum are clamped rather than rejected.
func Parse(query url.Values, opts Options) (Params, error) {
	size, ceiling := opts.limits()
	params := Params{PageSize: size}

	if raw := lookup(query, "pageSize", "page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			return Params{}, fmt.Errorf("%w: %q is not a number", ErrInvalidPageSize, raw)
		case n < 1:
			return Params{}, fmt.Errorf("%w: must be at least 1", ErrInvalidPageSize)
		}
		params.PageSize = min(n, ceiling)
	}

	if raw := lookup(query, "pageToken", "page_token"); raw != "" {
		cursor, err := DecodeToken(raw)
		if err != nil {
			return Params{}, err
		}
		params.PageToken, params.Cursor = raw, cursor
	}
	return params, nil
}

// Normalize applies the package defaults to a page size that did not come through Parse.
func Normalize(pageSize int) int {
	if pageSize <= 0 {
		return DefaultPageSize
	}
	return min(pageSize, DefaultMaxPageSize)
}

func lookup(query url.Values, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(query.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
