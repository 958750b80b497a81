package storage

import (
	"errors"

	"github.com/tas-logistics/api/internal/platform/auth"
)

// ErrPermissionDenied is returned when the caller may not read the object.
var ErrPermissionDenied = errors.New("storage: permission denied")

// AuthorizeDownload admits warehouse and support staff, and the customer whose Firebase
// UID owns the object. An empty ownerUID means no customer owns it.
func AuthorizeDownload(identity *auth.Identity, ownerUID string) error {
	switch {
	case identity == nil:
		return ErrPermissionDenied
	case identity.IsStaff():
		return nil
	case ownerUID != "" && identity.UID == ownerUID:
		return nil
	default:
		return ErrPermissionDenied
	}
}
