package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile             = ".env"
	envFileKey                 = "API_ENV_FILE"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultUploadURLTTL        = 15 * time.Minute
	defaultDownloadURLTTL      = 10 * time.Minute
	defaultPackageEventsTopic  = "package-events"
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultSecurityIAPIssuer   = "https://cloud.google.com/iap"
	defaultHMACSignatureHeader = "X-Carrier-Signature"
	defaultHMACTimestampHeader = "X-Carrier-Timestamp"
	defaultHMACNonceHeader     = "X-Carrier-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 10 * time.Minute
	defaultTrackingPrefix      = "TAS"
	defaultTrackingMode        = "random"
	defaultPublicTrackingLimit = 30
	defaultReminderLeadDays    = 2
	defaultReminderBatchSize   = 100

	// CarrierSecretName keys the carrier webhook secret inside Security.HMAC.Secrets.
	CarrierSecretName = "carrier"
)

// Config is everything the API reads at startup. Load fills it from API_* variables.
type Config struct {
	Server     ServerConfig
	Firebase   FirebaseConfig
	Firestore  FirestoreConfig
	Storage    StorageConfig
	PubSub     PubSubConfig
	Tracking   TrackingConfig
	RateLimits RateLimitConfig
	Reminders  ReminderConfig
	Features   FeatureFlags
	Security   SecurityConfig
	Build      BuildConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig selects the project whose ID tokens customers and staff present.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig falls back to the Firebase project when ProjectID is empty.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig describes the invoice bucket and the key used to sign URLs for it.
type StorageConfig struct {
	InvoiceBucket         string
	SignerCredentials     string
	SignerCredentialsFile string
	// SignerServiceAccount signs through IAM when no key is configured.
	SignerServiceAccount  string
	UploadURLTTL          time.Duration
	DownloadURLTTL        time.Duration
}

// PubSubConfig names the topic package lifecycle events are published to.
type PubSubConfig struct {
	ProjectID          string
	PackageEventsTopic string
	EmulatorHost       string
}

// TrackingConfig sets how new tracking numbers are minted. Mode is "random" or "sequence".
type TrackingConfig struct {
	Prefix string
	Mode   string
	Short  bool
}

type RateLimitConfig struct {
	PublicTrackingPerMinute int
}

// ReminderConfig tunes the storage reminder job. LeadDays counts back from the end of the
// free storage window and may not exceed it.
type ReminderConfig struct {
	LeadDays  int
	BatchSize int
}

// FeatureFlags switch off optional integrations per environment.
type FeatureFlags struct {
	EnableCarrierWebhook bool
	EnablePackageEvents  bool
}

type BuildConfig struct {
	Version   string
	CommitSHA string
}

// SecurityConfig covers the credentials machines present: OIDC tokens from Cloud Scheduler
// and Pub/Sub push, and HMAC signatures on carrier webhooks.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

type OIDCConfig struct {
	JWKSURL       string
	Audience      string
	Audiences     map[string]string
	Issuers       []string
	AllowedEmails []string
}

// HMACConfig maps secret names to signing keys. Values may be secret:// references.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// SecretResolver turns a secret:// reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every field that is missing or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: missing or invalid " + strings.Join(e.fields, ", ")
}

func (e *ValidationError) Fields() []string { return slices.Clone(e.fields) }

// SecretError wraps a failed lookup of Ref.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve %s: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError names required secrets that resolved to nothing. Error only prints
// hashed names so the message is safe to log.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return "config: missing required secrets " + strings.Join(e.RedactedNames(), ", ")
}

// Names returns the config field names, e.g. "Security.HMAC.Secrets[carrier]".
func (e *MissingSecretsError) Names() []string { return slices.Clone(e.names) }

func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, len(e.names))
	for i, name := range e.names {
		out[i] = redactSecretName(name)
	}
	slices.Sort(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("no secret resolver configured")

type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envFileSet      bool
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// WithEnvFile reads path instead of .env. An empty path skips the dotenv layer.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
		o.envFileSet = true
	}
}

// WithEnvMap adds a layer that takes precedence over both the process environment and the
// dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets makes Load fail with MissingSecretsError when any of the named config
// fields ends up blank.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// env resolves keys against its layers in order; the first non-empty value wins.
type env struct {
	layers []map[string]string
}

func readEnv(options loaderOptions) (env, error) {
	dotenv, err := loadDotEnv(envFilePath(options))
	if err != nil {
		return env{}, err
	}
	var e env
	if options.envMap != nil {
		e.layers = append(e.layers, options.envMap)
	}
	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				system[strings.TrimSpace(key)] = value
			}
		}
		e.layers = append(e.layers, system)
	}
	if dotenv != nil {
		e.layers = append(e.layers, dotenv)
	}
	return e, nil
}

func (e env) str(key, fallback string) string {
	for _, layer := range e.layers {
		if value := layer[key]; value != "" {
			return value
		}
	}
	return fallback
}

func (e env) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(e.str(key, "")); err == nil {
		return d
	}
	return fallback
}

func (e env) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(e.str(key, "")); err == nil {
		return n
	}
	return fallback
}

func (e env) flag(key string, fallback bool) bool {
	switch strings.ToLower(e.str(key, "")) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// list splits a comma separated value, dropping blanks.
func (e env) list(key string) []string {
	out := []string{}
	for _, part := range strings.Split(e.str(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "name=value,name=value". Names are lowercased; entries missing either side
// are dropped.
func (e env) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range e.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name, value = strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

// EnvironmentValues flattens the same layers Load reads, so callers can configure the
// secret fetcher before Load needs it.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	e, err := readEnv(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	values := make(map[string]string)
	for i := len(e.layers) - 1; i >= 0; i-- {
		maps.Copy(values, e.layers[i])
	}
	return values, nil
}

// Load builds the Config from an explicit env map, the process environment and the dotenv
// file, in that order of precedence, then resolves secret:// values and validates.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	e, err := readEnv(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         e.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  e.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: e.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  e.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       e.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: e.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    e.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: e.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			InvoiceBucket:         e.str("API_STORAGE_INVOICE_BUCKET", ""),
			SignerCredentials:     e.str("API_STORAGE_SIGNER_CREDENTIALS", ""),
			SignerCredentialsFile: e.str("API_STORAGE_SIGNER_CREDENTIALS_FILE", ""),
			SignerServiceAccount:  e.str("API_STORAGE_SIGNER_SERVICE_ACCOUNT", ""),
			UploadURLTTL:          e.duration("API_STORAGE_UPLOAD_URL_TTL", defaultUploadURLTTL),
			DownloadURLTTL:        e.duration("API_STORAGE_DOWNLOAD_URL_TTL", defaultDownloadURLTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:          e.str("API_PUBSUB_PROJECT_ID", ""),
			PackageEventsTopic: e.str("API_PUBSUB_PACKAGE_EVENTS_TOPIC", defaultPackageEventsTopic),
			EmulatorHost:       e.str("API_PUBSUB_EMULATOR_HOST", ""),
		},
		Tracking: TrackingConfig{
			Prefix: strings.ToUpper(e.str("API_TRACKING_PREFIX", defaultTrackingPrefix)),
			Mode:   strings.ToLower(e.str("API_TRACKING_MODE", defaultTrackingMode)),
			Short:  e.flag("API_TRACKING_SHORT", false),
		},
		RateLimits: RateLimitConfig{
			PublicTrackingPerMinute: e.integer("API_RATELIMIT_PUBLIC_TRACKING_PER_MIN", defaultPublicTrackingLimit),
		},
		Reminders: ReminderConfig{
			LeadDays:  e.integer("API_REMINDERS_LEAD_DAYS", defaultReminderLeadDays),
			BatchSize: e.integer("API_REMINDERS_BATCH_SIZE", defaultReminderBatchSize),
		},
		Features: FeatureFlags{
			EnableCarrierWebhook: e.flag("API_FEATURE_CARRIER_WEBHOOK", true),
			EnablePackageEvents:  e.flag("API_FEATURE_PACKAGE_EVENTS", true),
		},
		Build: BuildConfig{
			Version:   e.str("API_BUILD_VERSION", "dev"),
			CommitSHA: e.str("API_BUILD_COMMIT_SHA", ""),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(e.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:       e.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:      e.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences:     e.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:       e.list("API_SECURITY_OIDC_ISSUERS"),
				AllowedEmails: e.list("API_SECURITY_OIDC_ALLOWED_EMAILS"),
			},
			HMAC: HMACConfig{
				Secrets:         e.pairs("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: e.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: e.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     e.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       e.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        e.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
	}
	if carrier := e.str("API_CARRIER_WEBHOOK_SECRET", ""); carrier != "" {
		cfg.Security.HMAC.Secrets[CarrierSecretName] = carrier
	}
	applyDerivedDefaults(&cfg)

	resolved, err := resolveSecrets(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func applyDerivedDefaults(cfg *Config) {
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}
}

// resolveSecrets swaps every secret:// value in cfg for its content and returns the final
// values keyed by field name, for the required-secrets check.
func resolveSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	resolved := make(map[string]string)
	resolve := func(field, value string) (string, error) {
		if isSecretReference(value) {
			ref := normalizeSecretReference(value)
			if resolver == nil {
				return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
			}
			secret, err := resolver.ResolveSecret(ctx, ref)
			if err != nil {
				return "", &SecretError{Ref: ref, Err: err}
			}
			value = strings.TrimSpace(secret)
		}
		resolved[field] = strings.TrimSpace(value)
		return value, nil
	}

	var err error
	if cfg.Storage.SignerCredentials, err = resolve("Storage.SignerCredentials", cfg.Storage.SignerCredentials); err != nil {
		return nil, err
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Security.HMAC.Secrets)) {
		value, err := resolve("Security.HMAC.Secrets["+name+"]", cfg.Security.HMAC.Secrets[name])
		if err != nil {
			return nil, err
		}
		cfg.Security.HMAC.Secrets[name] = value
	}
	return resolved, nil
}

func validateConfig(cfg Config) error {
	checks := []struct {
		field string
		bad   bool
	}{
		{"Server.Port", cfg.Server.Port == ""},
		{"Firebase.ProjectID", cfg.Firebase.ProjectID == ""},
		{"Firestore.ProjectID", cfg.Firestore.ProjectID == ""},
		{"Storage.InvoiceBucket", cfg.Storage.InvoiceBucket == ""},
		{"Storage.UploadURLTTL", cfg.Storage.UploadURLTTL <= 0},
		{"Storage.DownloadURLTTL", cfg.Storage.DownloadURLTTL <= 0},
		{"PubSub.PackageEventsTopic", cfg.Features.EnablePackageEvents && strings.TrimSpace(cfg.PubSub.PackageEventsTopic) == ""},
		{"Tracking.Mode", cfg.Tracking.Mode != "random" && cfg.Tracking.Mode != "sequence"},
		{"Reminders.LeadDays", cfg.Reminders.LeadDays < 0 || cfg.Reminders.LeadDays > 7},
		{"Reminders.BatchSize", cfg.Reminders.BatchSize <= 0},
		{"Security.HMAC.ClockSkew", cfg.Security.HMAC.ClockSkew <= 0},
	}
	var invalid []string
	for _, c := range checks {
		if c.bad {
			invalid = append(invalid, c.field)
		}
	}
	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(missing, name) || resolved[name] != "" {
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://")
}

// normalizeSecretReference rewrites the legacy sm:// scheme to secret://.
func normalizeSecretReference(value string) string {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest
	}
	return value
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// loadDotEnv parses path with godotenv. A missing file yields no values and no error.
func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	values, err := godotenv.Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

// envFilePath picks the dotenv path: WithEnvFile, then API_ENV_FILE from the env map or
// process environment, then .env.
func envFilePath(options loaderOptions) string {
	if options.envFileSet {
		return options.envFile
	}
	if path := strings.TrimSpace(options.envMap[envFileKey]); path != "" {
		return path
	}
	if options.useSystemEnv {
		if path := strings.TrimSpace(os.Getenv(envFileKey)); path != "" {
			return path
		}
	}
	return options.envFile
}
