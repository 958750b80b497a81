package auth

import (
	"context"
	"errors"
	"log"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// VerificationObserver receives the outcome of every machine-credential check. outcome is
// "ok" or a short rejection reason such as "audience_mismatch".
type VerificationObserver func(ctx context.Context, scheme, outcome string, elapsed time.Duration)

const iapAssertionHeader = "X-Goog-Iap-Jwt-Assertion"

// ServiceIdentity is the verified caller of an internal endpoint, normally the Cloud
// Scheduler or Pub/Sub push service account.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string

	Token  *jwt.Token
	Claims map[string]any
}

type serviceIdentityContextKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// OIDCValidator guards /internal routes with Google-signed OIDC tokens.
type OIDCValidator struct {
	keys    *JWKSCache
	logger  Logger
	observe VerificationObserver
	now     func() time.Time
	callers map[string]struct{}
}

type OIDCOption func(*OIDCValidator)

func NewOIDCValidator(keys *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{keys: keys, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithOIDCObserver(observe VerificationObserver) OIDCOption {
	return func(v *OIDCValidator) {
		v.observe = observe
	}
}

func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithOIDCAllowedEmails limits callers to the listed service accounts. Without it any
// token with a matching audience and issuer is accepted.
func WithOIDCAllowedEmails(emails ...string) OIDCOption {
	return func(v *OIDCValidator) {
		for _, email := range emails {
			if email = strings.ToLower(strings.TrimSpace(email)); email == "" {
				continue
			}
			if v.callers == nil {
				v.callers = make(map[string]struct{})
			}
			v.callers[email] = struct{}{}
		}
	}
}

// rejection is a failed check, carrying the reason reported to the observer and the
// response sent to the caller.
type rejection struct {
	reason  string
	status  int
	code    string
	message string
}

func rejectUnauthenticated(reason, message string) *rejection {
	return &rejection{reason: reason, status: http.StatusUnauthorized, code: "invalid_token", message: message}
}

func rejectUnavailable(reason, message string) *rejection {
	return &rejection{reason: reason, status: http.StatusServiceUnavailable, code: "verification_unavailable", message: message}
}

// RequireOIDC admits requests whose bearer token (or IAP assertion) is signed by Google,
// names audience and, when issuers is not empty, one of issuers.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	var trusted []string
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			trusted = append(trusted, issuer)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.clock()
			identity, rejected := v.verify(ctx, r, audience, trusted)
			if rejected != nil {
				v.report(ctx, rejected.reason, start)
				respondAuthError(ctx, w, rejected.status, rejected.code, rejected.message)
				return
			}
			v.report(ctx, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) verify(ctx context.Context, r *http.Request, audience string, issuers []string) (*ServiceIdentity, *rejection) {
	if audience == "" {
		return nil, rejectUnavailable("audience_not_configured", "oidc audience not configured")
	}
	raw, source := oidcToken(r)
	if raw == "" {
		return nil, &rejection{reason: "token_missing", status: http.StatusUnauthorized, code: "unauthenticated", message: "oidc token missing"}
	}
	if v == nil || v.keys == nil {
		return nil, rejectUnavailable("keys_unavailable", "oidc verification unavailable")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	token, err := parser.ParseWithClaims(raw, claims, v.keys.Keyfunc(ctx))
	if err != nil {
		v.logger.Printf("auth: oidc token from %s rejected: %v", source, err)
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, rejectUnavailable("jwks_unavailable", "oidc signing keys unavailable")
		}
		return nil, rejectUnauthenticated("token_invalid", "oidc token verification failed")
	}

	issuer, _ := claims["iss"].(string)
	if len(issuers) > 0 && !slices.Contains(issuers, issuer) {
		v.logger.Printf("auth: oidc issuer %q not trusted", issuer)
		return nil, rejectUnauthenticated("issuer_mismatch", "oidc issuer mismatch")
	}
	if !slices.Contains(audiences(claims["aud"]), audience) {
		v.logger.Printf("auth: oidc token from %s not minted for %q", source, audience)
		return nil, rejectUnauthenticated("audience_mismatch", "oidc audience mismatch")
	}

	email, _ := claims["email"].(string)
	if len(v.callers) > 0 {
		if _, ok := v.callers[strings.ToLower(email)]; !ok {
			return nil, &rejection{reason: "caller_not_allowed", status: http.StatusForbidden, code: "insufficient_role", message: "service account is not allowed to call this endpoint"}
		}
	}

	subject, _ := claims["sub"].(string)
	return &ServiceIdentity{
		Subject:  subject,
		Email:    email,
		Issuer:   issuer,
		Audience: audience,
		Token:    token,
		Claims:   maps.Clone(map[string]any(claims)),
	}, nil
}

func (v *OIDCValidator) clock() time.Time {
	if v == nil || v.now == nil {
		return time.Now()
	}
	return v.now()
}

func (v *OIDCValidator) report(ctx context.Context, outcome string, start time.Time) {
	if v == nil || v.observe == nil {
		return
	}
	v.observe(ctx, "oidc", outcome, v.clock().Sub(start))
}

// oidcToken prefers the Authorization bearer and falls back to the IAP assertion header.
func oidcToken(r *http.Request) (token, source string) {
	if bearer, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return bearer, "authorization"
	}
	if assertion := strings.TrimSpace(r.Header.Get(iapAssertionHeader)); assertion != "" {
		return assertion, "iap"
	}
	return "", ""
}

// audiences normalises the aud claim, which may be a string or a list.
func audiences(raw any) []string {
	var values []string
	switch aud := raw.(type) {
	case string:
		values = []string{aud}
	case []string:
		values = aud
	case []any:
		for _, item := range aud {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
	}
	out := values[:0:0]
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
