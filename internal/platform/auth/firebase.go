package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/tas-logistics/api/internal/platform/config"
)

var errVerifierNotReady = errors.New("auth: firebase verifier not initialised")

// FirebaseVerifier checks customer and staff ID tokens against the project's Firebase Auth
// tenant and loads the matching user records. It satisfies TokenVerifier and UserGetter.
type FirebaseVerifier struct {
	client       *firebaseauth.Client
	timeout      time.Duration
	checkRevoked bool
}

type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseTimeout bounds every Admin SDK round trip.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithRevocationCheck makes verification consult Firebase for revoked sessions. It costs a
// user lookup per request, so it is off by default.
func WithRevocationCheck(enabled bool) FirebaseOption {
	return func(v *FirebaseVerifier) {
		v.checkRevoked = enabled
	}
}

// NewFirebaseVerifier initialises the Admin SDK for cfg.ProjectID. When CredentialsFile is
// empty the SDK falls back to application default credentials, and honours
// FIREBASE_AUTH_EMULATOR_HOST for local runs.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}

	var sdkOpts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		sdkOpts = append(sdkOpts, option.WithCredentialsFile(file))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, sdkOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase app for %s: %w", projectID, err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase auth client for %s: %w", projectID, err)
	}

	v := &FirebaseVerifier{client: client, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errVerifierNotReady
	}
	ctx, cancel := bounded(ctx, v.timeout)
	defer cancel()

	if v.checkRevoked {
		token, err := v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
		if firebaseauth.IsIDTokenRevoked(err) || firebaseauth.IsUserDisabled(err) {
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		return token, err
	}
	return v.client.VerifyIDToken(ctx, idToken)
}

func (v *FirebaseVerifier) GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
	if v == nil || v.client == nil {
		return nil, errVerifierNotReady
	}
	if strings.TrimSpace(uid) == "" {
		return nil, errors.New("auth: uid is required")
	}
	ctx, cancel := bounded(ctx, v.timeout)
	defer cancel()
	return v.client.GetUser(ctx, uid)
}

// bounded applies d to ctx when positive. The returned cancel is always safe to call.
func bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
