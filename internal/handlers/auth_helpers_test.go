package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/tas-logistics/api/internal/platform/auth"
)

// tokenTable maps bearer tokens to the Firebase tokens they verify as.
type tokenTable map[string]*firebaseauth.Token

func (t tokenTable) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	if token, ok := t[idToken]; ok {
		return token, nil
	}
	return nil, errors.New("unknown token")
}

func roleToken(uid string, roles ...string) *firebaseauth.Token {
	claims := map[string]any{"email": uid + "@tas.example"}
	if len(roles) > 0 {
		values := make([]any, 0, len(roles))
		for _, role := range roles {
			values = append(values, role)
		}
		claims["roles"] = values
	}
	return &firebaseauth.Token{UID: uid, Claims: claims}
}

func newTestAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(tokenTable{
		"admin":      roleToken("uid-admin", "admin"),
		"clerk":      roleToken("uid-clerk", "warehouse_staff"),
		"support":    roleToken("uid-support", "customer_support"),
		"customer":   roleToken("uid-owner"),
		"customer-2": roleToken("uid-other", "customer"),
	})
}

func doJSONRequest(t *testing.T, handler http.Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func errorCodeOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSON[map[string]any](t, rr)
	code, _ := body["error"].(string)
	return code
}
