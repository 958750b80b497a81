package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Cursor is the sort key of the last item on a page: the ordering timestamp plus the
// document ID that breaks ties.
type Cursor struct {
	At time.Time `json:"at"`
	ID string    `json:"id"`
}

func (c Cursor) IsZero() bool {
	return c.ID == "" && c.At.IsZero()
}

// EncodeToken returns "" for the zero cursor, which clients read as "no more pages".
func EncodeToken(c Cursor) (string, error) {
	if c.IsZero() {
		return "", nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("pagination: encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken reverses EncodeToken. Any token it did not produce fails with
// ErrInvalidPageToken.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	var c Cursor
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err == nil {
		err = json.Unmarshal(raw, &c)
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if strings.TrimSpace(c.ID) == "" {
		return Cursor{}, fmt.Errorf("%w: cursor has no id", ErrInvalidPageToken)
	}
	return c, nil
}
