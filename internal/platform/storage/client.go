package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/tas-logistics/api/internal/platform/auth"
)

const (
	defaultUploadExpiry   = 15 * time.Minute
	defaultDownloadExpiry = 5 * time.Minute
	maxDownloadExpiry     = 15 * time.Minute
)

var (
	errNoSigner           = errors.New("storage: signer is required")
	errInvalidOptions     = errors.New("storage: exactly one of upload or download options is required")
	errInvalidBucket      = errors.New("storage: bucket name is required")
	errInvalidObject      = errors.New("storage: object name is required")
	errMethodNotAllowed   = errors.New("storage: HTTP method not allowed for intent")
	errContentTypeMissing = errors.New("storage: content type is required for uploads")
	errContentTypeDenied  = errors.New("storage: content type not allowed")
	errMD5Required        = errors.New("storage: content MD5 is required for uploads")
	errMD5Invalid         = errors.New("storage: content MD5 must be base64 encoded")
	errExpiryTooLong      = errors.New("storage: expiry exceeds permitted maximum")
)

// Client signs V4 URLs so browsers move invoice files to and from Cloud Storage directly;
// the API never proxies file bytes.
type Client struct {
	signer         Signer
	now            func() time.Time
	uploadExpiry   time.Duration
	downloadExpiry time.Duration
}

type ClientOption func(*Client)

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithDefaultExpiry sets the lifetime used when a request leaves ExpiresIn empty. Zero
// keeps the built-in default for that direction.
func WithDefaultExpiry(upload, download time.Duration) ClientOption {
	return func(c *Client) {
		if upload > 0 {
			c.uploadExpiry = upload
		}
		if download > 0 {
			c.downloadExpiry = download
		}
	}
}

func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	client := &Client{
		signer:         signer,
		now:            time.Now,
		uploadExpiry:   defaultUploadExpiry,
		downloadExpiry: defaultDownloadExpiry,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// SignedURLOptions selects the intent. Exactly one of Upload or Download must be set.
type SignedURLOptions struct {
	Upload   *UploadOptions
	Download *DownloadOptions
}

// UploadOptions constrain what the holder of an upload URL may PUT. MaxSize is enforced
// by Cloud Storage through the x-goog-content-length-range header.
type UploadOptions struct {
	Method              string
	ContentType         string
	ContentMD5          string
	RequireMD5          bool
	AllowedContentTypes []string
	MaxSize             int64
	ExpiresIn           time.Duration
}

// DownloadOptions carry the requester so ownership is checked before anything is signed.
type DownloadOptions struct {
	Method       string
	ExpiresIn    time.Duration
	Disposition  string
	ResponseType string
	OwnerID      string
	Identity     *auth.Identity
}

type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
	Headers   map[string]string
}

// SignedURL signs bucket/object for the intent described by opts.
func (c *Client) SignedURL(ctx context.Context, bucket, object string, opts SignedURLOptions) (SignedURLResult, error) {
	if c == nil {
		return SignedURLResult{}, errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURLResult{}, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURLResult{}, errInvalidObject
	}
	switch {
	case opts.Upload != nil && opts.Download == nil:
		return c.signUpload(ctx, bucket, object, *opts.Upload)
	case opts.Download != nil && opts.Upload == nil:
		return c.signDownload(ctx, bucket, object, *opts.Download)
	default:
		return SignedURLResult{}, errInvalidOptions
	}
}

func (c *Client) signUpload(ctx context.Context, bucket, object string, opts UploadOptions) (SignedURLResult, error) {
	method, err := intentMethod(opts.Method, http.MethodPut)
	if err != nil {
		return SignedURLResult{}, err
	}

	contentType := strings.ToLower(strings.TrimSpace(opts.ContentType))
	if contentType == "" {
		return SignedURLResult{}, errContentTypeMissing
	}
	if len(opts.AllowedContentTypes) > 0 && !contentTypeAllowed(contentType, opts.AllowedContentTypes) {
		return SignedURLResult{}, errContentTypeDenied
	}

	md5 := strings.TrimSpace(opts.ContentMD5)
	if md5 == "" && opts.RequireMD5 {
		return SignedURLResult{}, errMD5Required
	}
	if md5 != "" {
		if _, err := base64.StdEncoding.DecodeString(md5); err != nil {
			return SignedURLResult{}, errMD5Invalid
		}
	}

	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = c.uploadExpiry
	}
	expiresAt := c.now().Add(expiry)

	headers := map[string]string{"Content-Type": contentType}
	urlOpts := c.baseOptions(ctx, method, expiresAt)
	urlOpts.ContentType = contentType
	if md5 != "" {
		urlOpts.MD5 = md5
		headers["Content-MD5"] = md5
	}
	if opts.MaxSize > 0 {
		lengthRange := "0," + strconv.FormatInt(opts.MaxSize, 10)
		urlOpts.Headers = []string{"x-goog-content-length-range:" + lengthRange}
		headers["x-goog-content-length-range"] = lengthRange
	}

	signed, err := gcs.SignedURL(bucket, object, urlOpts)
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign upload url: %w", err)
	}
	return SignedURLResult{URL: signed, Method: method, ExpiresAt: expiresAt, Headers: headers}, nil
}

func (c *Client) signDownload(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURLResult, error) {
	method, err := intentMethod(opts.Method, http.MethodGet, http.MethodHead)
	if err != nil {
		return SignedURLResult{}, err
	}

	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = c.downloadExpiry
	}
	if expiry > maxDownloadExpiry {
		return SignedURLResult{}, errExpiryTooLong
	}
	if err := AuthorizeDownload(opts.Identity, opts.OwnerID); err != nil {
		return SignedURLResult{}, err
	}

	expiresAt := c.now().Add(expiry)
	urlOpts := c.baseOptions(ctx, method, expiresAt)
	query := url.Values{}
	if opts.Disposition != "" {
		query.Set("response-content-disposition", opts.Disposition)
	}
	if opts.ResponseType != "" {
		query.Set("response-content-type", opts.ResponseType)
	}
	if len(query) > 0 {
		urlOpts.QueryParameters = query
	}

	signed, err := gcs.SignedURL(bucket, object, urlOpts)
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURLResult{URL: signed, Method: method, ExpiresAt: expiresAt}, nil
}

func (c *Client) baseOptions(ctx context.Context, method string, expiresAt time.Time) *gcs.SignedURLOptions {
	return &gcs.SignedURLOptions{
		GoogleAccessID: c.signer.Email(),
		Scheme:         gcs.SigningSchemeV4,
		Method:         method,
		Expires:        expiresAt,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	}
}

// intentMethod upper-cases requested and checks it against allowed. Empty means allowed[0].
func intentMethod(requested string, allowed ...string) (string, error) {
	method := strings.ToUpper(strings.TrimSpace(requested))
	if method == "" {
		return allowed[0], nil
	}
	if !slices.Contains(allowed, method) {
		return "", errMethodNotAllowed
	}
	return method, nil
}

// contentTypeAllowed matches exact types and "type/*" wildcards.
func contentTypeAllowed(contentType string, allowed []string) bool {
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == contentType || candidate == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(candidate, "/*"); ok && strings.HasPrefix(contentType, prefix+"/") {
			return true
		}
	}
	return false
}
