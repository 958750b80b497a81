package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/tas-logistics/api/internal/platform/httpx"
)

const (
	defaultLocaleClaim   = "locale"
	defaultEmailClaim    = "email"
	defaultVerifyTimeout = 5 * time.Second
)

// Capability claims are read from both keys; tokens minted by older tooling use "role".
var defaultCapabilityClaims = []string{"roles", "role"}

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// UserGetter retrieves Firebase user information.
type UserGetter interface {
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// Authenticator wires Firebase token verification into HTTP middleware.
type Authenticator struct {
	verifier TokenVerifier
	users    UserGetter

	capabilityClaims []string
	localeClaim      string
	emailClaim       string

	fallback Capability
	timeout  time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithUserGetter enables lazy user record loading via Firebase Admin APIs.
func WithUserGetter(getter UserGetter) Option {
	return func(a *Authenticator) {
		a.users = getter
	}
}

// WithCapabilityClaims overrides the custom claims inspected for capabilities.
func WithCapabilityClaims(claims ...string) Option {
	return func(a *Authenticator) {
		var cleaned []string
		for _, claim := range claims {
			if claim = strings.TrimSpace(claim); claim != "" {
				cleaned = append(cleaned, claim)
			}
		}
		if len(cleaned) > 0 {
			a.capabilityClaims = cleaned
		}
	}
}

// WithLocaleClaim overrides the claim used to populate Identity.Locale.
func WithLocaleClaim(claim string) Option {
	return func(a *Authenticator) {
		claim = strings.TrimSpace(claim)
		if claim != "" {
			a.localeClaim = claim
		}
	}
}

// WithFallbackCapability grants a capability to tokens that carry no capability claim.
// Self-registered accounts have no custom claims and act as customers.
func WithFallbackCapability(c Capability) Option {
	return func(a *Authenticator) {
		a.fallback = normaliseCapability(string(c))
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens and loading users.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs a Firebase Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:         verifier,
		capabilityClaims: defaultCapabilityClaims,
		localeClaim:      defaultLocaleClaim,
		emailClaim:       defaultEmailClaim,
		fallback:         CapabilityCustomer,
		timeout:          defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireCapabilities verifies the bearer token and admits identities holding at least one
// of caps. With no caps any authenticated identity is admitted. Unauthenticated requests
// receive 401; authenticated ones lacking a capability receive 403.
func (a *Authenticator) RequireCapabilities(caps ...Capability) func(http.Handler) http.Handler {
	required := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if c = normaliseCapability(string(c)); c != "" {
			required = append(required, c)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(r.Context(), w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(r.Context(), w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			ctx, cancel := bounded(r.Context(), a.timeout)
			defer cancel()

			token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
			if err != nil {
				respondVerificationError(r.Context(), w, err)
				return
			}

			identity := &Identity{
				UID:    token.UID,
				Email:  claimAsString(token.Claims, a.emailClaim),
				Locale: claimAsString(token.Claims, a.localeClaim),
				token:  token,
			}
			for _, claim := range a.capabilityClaims {
				identity.Capabilities = appendUnique(identity.Capabilities, capabilitiesFromClaim(token.Claims[claim])...)
			}
			if len(identity.Capabilities) == 0 && a.fallback != "" {
				identity.Capabilities = []Capability{a.fallback}
			}

			if len(required) > 0 && !identity.HasAnyCapability(required...) {
				respondAuthError(r.Context(), w, http.StatusForbidden, "insufficient_role", "identity lacks the required capability")
				return
			}

			if a.users != nil {
				identity.userLoader = func(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
					if uid == "" {
						uid = identity.UID
					}
					ctx, cancel := bounded(ctx, a.timeout)
					defer cancel()
					return a.users.GetUser(ctx, uid)
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func capabilitiesFromClaim(raw any) []Capability {
	switch v := raw.(type) {
	case string:
		var out []Capability
		for _, part := range strings.Split(v, ",") {
			out = appendUnique(out, normaliseCapability(part))
		}
		return out
	case []any:
		var out []Capability
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = appendUnique(out, normaliseCapability(s))
			}
		}
		return out
	case []string:
		var out []Capability
		for _, item := range v {
			out = appendUnique(out, normaliseCapability(item))
		}
		return out
	case map[string]any:
		var out []Capability
		for key, value := range v {
			if enabled, ok := value.(bool); ok && enabled {
				out = appendUnique(out, normaliseCapability(key))
			}
		}
		return out
	default:
		return nil
	}
}

func appendUnique(dst []Capability, values ...Capability) []Capability {
	for _, value := range values {
		if value == "" {
			continue
		}
		duplicate := false
		for _, existing := range dst {
			if existing == value {
				duplicate = true
				break
			}
		}
		if !duplicate {
			dst = append(dst, value)
		}
	}
	return dst
}

func claimAsString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func respondVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "firebase id token invalid")
	default:
		respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "firebase id token verification failed")
	}
}
