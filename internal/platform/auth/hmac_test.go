package auth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

const carrierScope = "carrier"

var webhookNow = time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)

type carrierFixture struct {
	validator *HMACValidator
	outcomes  *outcomeLog
	lookups   int
}

func newCarrierFixture(secret string, opts ...HMACOption) *carrierFixture {
	f := &carrierFixture{outcomes: &outcomeLog{}}
	provider := SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		f.lookups++
		if name != carrierScope {
			return "", errors.New("no such secret " + name)
		}
		return secret, nil
	})
	nonces := NewInMemoryNonceStore()
	nonces.now = func() time.Time { return webhookNow }
	base := []HMACOption{
		WithHMACLogger(discardLogger{}),
		WithHMACClock(func() time.Time { return webhookNow }),
		WithHMACObserver(f.outcomes.observe),
	}
	f.validator = NewHMACValidator(provider, nonces, append(base, opts...)...)
	return f
}

func (f *carrierFixture) serve(req *http.Request, next http.HandlerFunc) *httptest.ResponseRecorder {
	if next == nil {
		next = func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) }
	}
	rr := httptest.NewRecorder()
	f.validator.RequireHMAC(carrierScope)(next).ServeHTTP(rr, req)
	return rr
}

type carrierRequest struct {
	secret    string
	body      string
	timestamp string
	nonce     string
	base64    bool
}

func (c carrierRequest) build() *http.Request {
	if c.timestamp == "" {
		c.timestamp = strconv.FormatInt(webhookNow.Unix(), 10)
	}
	mac := computeHMAC([]byte(c.secret), buildCanonicalString([]byte(c.body), c.timestamp))
	signature := hex.EncodeToString(mac)
	if c.base64 {
		signature = base64.StdEncoding.EncodeToString(mac)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/carriers/status", strings.NewReader(c.body))
	req.Header.Set(defaultSignatureHeader, signature)
	req.Header.Set(defaultTimestampHeader, c.timestamp)
	if c.nonce != "" {
		req.Header.Set(defaultNonceHeader, c.nonce)
	}
	return req
}

func TestBuildCanonicalString(t *testing.T) {
	got := string(buildCanonicalString([]byte(`{"tracking_number":"TAS-1"}`), "1741080600"))
	if want := `1741080600.{"tracking_number":"TAS-1"}`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRequireHMACAcceptsSignedStatus(t *testing.T) {
	f := newCarrierFixture("s3cret")
	body := `{"tracking_number":"TAS-000123","status":"in_transit"}`
	rr := f.serve(carrierRequest{secret: "s3cret", body: body, nonce: "evt-1"}.build(), func(w http.ResponseWriter, r *http.Request) {
		meta, ok := HMACMetadataFromContext(r.Context())
		if !ok || meta.SecretName != carrierScope || meta.Nonce != "evt-1" || !meta.Timestamp.Equal(webhookNow) {
			t.Fatalf("unexpected metadata %+v", meta)
		}
		restored, _ := io.ReadAll(r.Body)
		if string(restored) != body {
			t.Fatalf("body not restored, got %q", restored)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := f.outcomes.last(); got != "hmac:ok" {
		t.Fatalf("unexpected outcome %q", got)
	}
}

func TestRequireHMACRejections(t *testing.T) {
	stale := strconv.FormatInt(webhookNow.Add(-6*time.Minute).Unix(), 10)
	tests := []struct {
		name    string
		req     func() *http.Request
		status  int
		outcome string
	}{
		{
			name:    "base64 with RFC 3339 timestamp",
			req:     carrierRequest{secret: "s3cret", body: `{}`, timestamp: webhookNow.Format(time.RFC3339), base64: true}.build,
			status:  http.StatusAccepted,
			outcome: "hmac:ok",
		},
		{
			name:    "wrong secret",
			req:     carrierRequest{secret: "guess", body: `{}`}.build,
			status:  http.StatusUnauthorized,
			outcome: "hmac:signature_mismatch",
		},
		{
			name: "tampered body",
			req: func() *http.Request {
				req := carrierRequest{secret: "s3cret", body: `{"status":"in_transit"}`}.build()
				req.Body = io.NopCloser(strings.NewReader(`{"status":"delivered"}`))
				return req
			},
			status:  http.StatusUnauthorized,
			outcome: "hmac:signature_mismatch",
		},
		{
			name:    "stale timestamp",
			req:     carrierRequest{secret: "s3cret", body: `{}`, timestamp: stale}.build,
			status:  http.StatusUnauthorized,
			outcome: "hmac:timestamp_skew",
		},
		{
			name:    "unparseable timestamp",
			req:     carrierRequest{secret: "s3cret", body: `{}`, timestamp: "yesterday"}.build,
			status:  http.StatusUnauthorized,
			outcome: "hmac:timestamp_invalid",
		},
		{
			name: "missing signature",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/carriers/status", strings.NewReader(`{}`))
			},
			status:  http.StatusUnauthorized,
			outcome: "hmac:signature_missing",
		},
		{
			name: "garbled signature",
			req: func() *http.Request {
				req := carrierRequest{secret: "s3cret", body: `{}`}.build()
				req.Header.Set(defaultSignatureHeader, "%%%")
				return req
			},
			status:  http.StatusUnauthorized,
			outcome: "hmac:signature_invalid",
		},
		{
			name:    "oversized body",
			req:     carrierRequest{secret: "s3cret", body: strings.Repeat("x", 64)}.build,
			status:  http.StatusRequestEntityTooLarge,
			outcome: "hmac:body_too_large",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newCarrierFixture("s3cret", WithHMACMaxBody(32))
			rr := f.serve(tc.req(), nil)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if got := f.outcomes.last(); got != tc.outcome {
				t.Fatalf("expected outcome %q, got %q", tc.outcome, got)
			}
		})
	}
}

func TestRequireHMACRejectsReplay(t *testing.T) {
	f := newCarrierFixture("s3cret")
	signed := carrierRequest{secret: "s3cret", body: `{"status":"delivered"}`}

	if rr := f.serve(signed.build(), nil); rr.Code != http.StatusAccepted {
		t.Fatalf("first delivery: expected 202, got %d", rr.Code)
	}
	if rr := f.serve(signed.build(), nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", rr.Code)
	}
	if got := f.outcomes.last(); got != "hmac:nonce_replay" {
		t.Fatalf("unexpected outcome %q", got)
	}

	signed.nonce = "evt-2"
	if rr := f.serve(signed.build(), nil); rr.Code != http.StatusAccepted {
		t.Fatalf("fresh nonce: expected 202, got %d", rr.Code)
	}
	if f.lookups != 1 {
		t.Fatalf("expected secret to be cached, looked up %d times", f.lookups)
	}
}

func TestRequireHMACSecretUnavailable(t *testing.T) {
	f := newCarrierFixture("")
	rr := f.serve(carrierRequest{secret: "", body: `{}`}.build(), func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := f.outcomes.last(); got != "hmac:secret_unavailable" {
		t.Fatalf("unexpected outcome %q", got)
	}
}

func TestInMemoryNonceStoreExpires(t *testing.T) {
	now := webhookNow
	store := NewInMemoryNonceStore()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, err := store.UseNonce(ctx, carrierScope, "n1", now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("first use: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.UseNonce(ctx, carrierScope, "n1", now.Add(time.Minute)); ok {
		t.Fatalf("expected duplicate to be refused")
	}
	if ok, _ := store.UseNonce(ctx, "other", "n1", now.Add(time.Minute)); !ok {
		t.Fatalf("expected nonce scopes to be independent")
	}

	now = now.Add(2 * time.Minute)
	if ok, err := store.UseNonce(ctx, carrierScope, "n1", now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("expected expired nonce to be reusable: ok=%v err=%v", ok, err)
	}
	if _, err := store.UseNonce(ctx, carrierScope, "n2", now.Add(-time.Second)); err == nil {
		t.Fatalf("expected past expiry to be rejected")
	}
	if _, err := store.UseNonce(ctx, "", "n3", now.Add(time.Minute)); err == nil {
		t.Fatalf("expected blank scope to be rejected")
	}
}
