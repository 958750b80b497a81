package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Capability is granted through the role or roles custom claim on a Firebase user.
type Capability string

const (
	CapabilityAdmin           Capability = "admin"
	CapabilityWarehouseStaff  Capability = "warehouse_staff"
	CapabilityCustomerSupport Capability = "customer_support"
	CapabilityCustomer        Capability = "customer"
)

// StaffCapabilities are the back-office capabilities.
var StaffCapabilities = []Capability{CapabilityAdmin, CapabilityWarehouseStaff, CapabilityCustomerSupport}

var ErrUserLoaderUnavailable = errors.New("auth: user loader not configured")

// UserLoader fetches the Firebase account behind a UID.
type UserLoader func(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)

// Identity is the caller behind a verified Firebase ID token.
type Identity struct {
	UID          string
	Email        string
	Locale       string
	Capabilities []Capability

	token      *firebaseauth.Token
	userLoader UserLoader

	account struct {
		once   sync.Once
		record *firebaseauth.UserRecord
		err    error
	}
}

func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasCapability is true for admins regardless of c.
func (i *Identity) HasCapability(c Capability) bool {
	if i == nil {
		return false
	}
	if c = normaliseCapability(string(c)); c == "" {
		return false
	}
	return slices.Contains(i.Capabilities, c) || slices.Contains(i.Capabilities, CapabilityAdmin)
}

func (i *Identity) HasAnyCapability(caps ...Capability) bool {
	return slices.ContainsFunc(caps, i.HasCapability)
}

func (i *Identity) IsStaff() bool {
	return i.HasAnyCapability(StaffCapabilities...)
}

// User loads the Firebase account once per request; later calls reuse the first result,
// error included.
func (i *Identity) User(ctx context.Context) (*firebaseauth.UserRecord, error) {
	if i == nil || i.userLoader == nil {
		return nil, ErrUserLoaderUnavailable
	}
	i.account.once.Do(func() {
		i.account.record, i.account.err = i.userLoader(ctx, i.UID)
	})
	return i.account.record, i.account.err
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext reports false for anonymous requests.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}

// normaliseCapability accepts claim spellings such as "Warehouse-Staff".
func normaliseCapability(value string) Capability {
	return Capability(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_"))
}
