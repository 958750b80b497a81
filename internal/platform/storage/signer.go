package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// Signer signs V4 URL payloads on behalf of a service account.
type Signer interface {
	// Email is used as the GoogleAccessID of signed URLs.
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeySigner signs with a service account JSON key held in memory. Local development uses a
// downloaded key; deployments without IAM signBlob mount one from Secret Manager.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

// NewKeySigner parses a service account key file's contents. Both PKCS#1 and PKCS#8 keys
// are accepted.
func NewKeySigner(keyJSON []byte) (*KeySigner, error) {
	var account struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(keyJSON, &account); err != nil {
		return nil, fmt.Errorf("storage: service account key: %w", err)
	}
	email := strings.TrimSpace(account.ClientEmail)
	if email == "" || strings.TrimSpace(account.PrivateKey) == "" {
		return nil, errors.New("storage: service account key needs client_email and private_key")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("storage: service account private key: %w", err)
	}
	return &KeySigner{email: email, key: key}, nil
}

// NewKeySignerFromFile is NewKeySigner for a key on disk.
func NewKeySignerFromFile(path string) (*KeySigner, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read service account key: %w", err)
	}
	return NewKeySigner(keyJSON)
}

func (s *KeySigner) Email() string { return s.email }

// SignBytes returns an RSASSA-PKCS1-v1_5 SHA-256 signature over payload.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("storage: nothing to sign")
	}
	digest := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
}

// IAMSigner signs through the IAM Credentials signBlob API, so Cloud Run instances can
// sign URLs with their runtime service account without holding a private key. The
// runtime identity needs roles/iam.serviceAccountTokenCreator on email.
type IAMSigner struct {
	email string
	svc   *iamcredentials.Service
}

// NewIAMSigner builds a signer for the given service account email.
func NewIAMSigner(ctx context.Context, email string, opts ...option.ClientOption) (*IAMSigner, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("storage: signer service account email is required")
	}
	svc, err := iamcredentials.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create iam credentials client: %w", err)
	}
	return &IAMSigner{email: email, svc: svc}, nil
}

func (s *IAMSigner) Email() string { return s.email }

func (s *IAMSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("storage: nothing to sign")
	}
	name := "projects/-/serviceAccounts/" + s.email
	resp, err := s.svc.Projects.ServiceAccounts.SignBlob(name, &iamcredentials.SignBlobRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("storage: sign blob: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignedBlob)
	if err != nil {
		return nil, fmt.Errorf("storage: decode signed blob: %w", err)
	}
	return sig, nil
}
