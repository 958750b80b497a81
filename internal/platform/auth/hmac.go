package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Carrier-Signature"
	defaultTimestampHeader = "X-Carrier-Timestamp"
	defaultNonceHeader     = "X-Carrier-Nonce"

	defaultClockSkew     = 5 * time.Minute
	defaultNonceTTL      = 5 * time.Minute
	defaultMaxSignedBody = 1 << 20
)

// SecretProvider resolves the shared secret a webhook sender signs with.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type SecretProviderFunc func(context.Context, string) (string, error)

func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore remembers nonces until they expire. UseNonce reports false when the nonce was
// already used within scope.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local NonceStore. It is adequate for a single Cloud Run
// instance; replays that land on a sibling instance are still caught by the timestamp window.
type InMemoryNonceStore struct {
	now func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time
	nextSweep time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{now: time.Now, seen: make(map[string]time.Time)}
}

func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: nonce scope and value are required")
	}
	now := s.now()
	if !expiry.After(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !now.Before(s.nextSweep) {
		for key, until := range s.seen {
			if !until.After(now) {
				delete(s.seen, key)
			}
		}
		s.nextSweep = now.Add(time.Minute)
	}

	key := scope + "\x00" + nonce
	if until, ok := s.seen[key]; ok && until.After(now) {
		return false, nil
	}
	s.seen[key] = expiry
	return true, nil
}

// HMACValidator authenticates carrier webhooks signed as
// hex-or-base64(HMAC-SHA256(secret, "<timestamp>.<raw body>")).
type HMACValidator struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  Logger
	observe VerificationObserver
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
	maxBody         int64

	cacheMu sync.RWMutex
	cache   map[string][]byte
}

type HMACOption func(*HMACValidator)

func NewHMACValidator(secrets SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		secrets:         secrets,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
		maxBody:         defaultMaxSignedBody,
		cache:           make(map[string][]byte),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithHMACObserver(observe VerificationObserver) HMACOption {
	return func(v *HMACValidator) {
		v.observe = observe
	}
}

func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders renames the signature, timestamp and nonce headers. Blank names keep the
// X-Carrier-* defaults.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature = strings.TrimSpace(signature); signature != "" {
			v.signatureHeader = signature
		}
		if timestamp = strings.TrimSpace(timestamp); timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce = strings.TrimSpace(nonce); nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// WithHMACMaxBody caps the bytes read for signature checks. Larger bodies get 413.
func WithHMACMaxBody(n int64) HMACOption {
	return func(v *HMACValidator) {
		if n > 0 {
			v.maxBody = n
		}
	}
}

// HMACMetadata describes a verified webhook for downstream handlers.
type HMACMetadata struct {
	SecretName   string
	Timestamp    time.Time
	Nonce        string
	Signature    []byte
	RawSignature string
}

type hmacContextKey struct{}

func WithHMACMetadata(ctx context.Context, meta *HMACMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacContextKey{}, meta)
}

func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	return meta, ok && meta != nil
}

func unauthorizedSignature(reason, message string) *rejection {
	return &rejection{reason: reason, status: http.StatusUnauthorized, code: reason, message: message}
}

// RequireHMAC admits requests signed with the secret called secretName. The request body
// is buffered and restored for the next handler.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			meta, rejected := v.verify(ctx, w, r, secretName)
			if rejected != nil {
				v.report(ctx, rejected.reason, start)
				respondAuthError(ctx, w, rejected.status, rejected.code, rejected.message)
				return
			}
			v.report(ctx, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(ctx, meta)))
		})
	}
}

func (v *HMACValidator) verify(ctx context.Context, w http.ResponseWriter, r *http.Request, secretName string) (*HMACMetadata, *rejection) {
	if secretName == "" {
		return nil, rejectUnavailable("secret_not_configured", "hmac secret not configured")
	}
	secret, err := v.secret(ctx, secretName)
	if err != nil {
		v.logger.Printf("auth: hmac secret %q unavailable: %v", secretName, err)
		return nil, rejectUnavailable("secret_unavailable", "hmac secret unavailable")
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if rawSignature == "" {
		return nil, unauthorizedSignature("signature_missing", "signature header missing")
	}
	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if rawTimestamp == "" {
		return nil, unauthorizedSignature("timestamp_missing", "signature timestamp missing")
	}
	signedAt, err := parseSignatureTimestamp(rawTimestamp)
	if err != nil {
		return nil, unauthorizedSignature("timestamp_invalid", "signature timestamp invalid")
	}
	now := v.now()
	if drift := now.Sub(signedAt).Abs(); drift > v.clockSkew {
		return nil, unauthorizedSignature("timestamp_skew", "signature timestamp outside allowed window")
	}

	body, err := v.bufferBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &rejection{reason: "body_too_large", status: http.StatusRequestEntityTooLarge, code: "payload_too_large", message: "signed body exceeds limit"}
		}
		return nil, &rejection{reason: "body_unreadable", status: http.StatusBadRequest, code: "invalid_body", message: "unable to read body for signature verification"}
	}
	signature, err := decodeSignature(rawSignature)
	if err != nil {
		return nil, unauthorizedSignature("signature_invalid", "signature encoding invalid")
	}
	if !hmac.Equal(signature, computeHMAC(secret, buildCanonicalString(body, rawTimestamp))) {
		return nil, unauthorizedSignature("signature_mismatch", "signature verification failed")
	}

	// Senders without a nonce header are replay-checked on the signature itself.
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		nonce = rawSignature
	}
	if v.nonces == nil {
		return nil, rejectUnavailable("nonce_store_unavailable", "nonce store unavailable")
	}
	expiry := signedAt.Add(v.nonceTTL)
	if !expiry.After(now) {
		expiry = now.Add(v.nonceTTL)
	}
	fresh, err := v.nonces.UseNonce(ctx, secretName, nonce, expiry)
	if err != nil {
		v.logger.Printf("auth: nonce store: %v", err)
		return nil, rejectUnavailable("nonce_store_error", "nonce storage error")
	}
	if !fresh {
		return nil, unauthorizedSignature("nonce_replay", "duplicate signature nonce")
	}

	return &HMACMetadata{
		SecretName:   secretName,
		Timestamp:    signedAt,
		Nonce:        nonce,
		Signature:    signature,
		RawSignature: rawSignature,
	}, nil
}

func (v *HMACValidator) report(ctx context.Context, outcome string, start time.Time) {
	if v.observe != nil {
		v.observe(ctx, "hmac", outcome, v.now().Sub(start))
	}
}

// secret returns the decoded secret, caching it for the validator's lifetime.
func (v *HMACValidator) secret(ctx context.Context, name string) ([]byte, error) {
	v.cacheMu.RLock()
	cached, ok := v.cache[name]
	v.cacheMu.RUnlock()
	if ok {
		return cached, nil
	}
	if v.secrets == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	raw, err := v.secrets.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, errors.New("auth: secret is empty")
	}

	v.cacheMu.Lock()
	v.cache[name] = []byte(raw)
	v.cacheMu.Unlock()
	return []byte(raw), nil
}

func (v *HMACValidator) bufferBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, v.maxBody))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// decodeSignature tries hex before base64 because a hex digest is also valid base64.
func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) > 0 {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) > 0 {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64")
}

// parseSignatureTimestamp accepts unix seconds or RFC 3339.
func parseSignatureTimestamp(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unrecognised timestamp %q", value)
}

func buildCanonicalString(body []byte, timestamp string) []byte {
	canonical := make([]byte, 0, len(timestamp)+1+len(body))
	canonical = append(canonical, timestamp...)
	canonical = append(canonical, '.')
	return append(canonical, body...)
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}
