package main

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/tas-logistics/api/internal/platform/config"
	"github.com/tas-logistics/api/internal/platform/secrets"
)

// newSecretFetcher is configured from raw environment values because it has to exist
// before config.Load can resolve secret:// references.
func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	get := func(key string) string { return strings.TrimSpace(env[key]) }

	opts := []secrets.Option{
		secrets.WithEnvironment(strings.ToLower(cmp.Or(get("API_SECURITY_ENVIRONMENT"), "local"))),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(cmp.Or(get("API_SECRET_FALLBACK_FILE"), ".secrets.local")),
	}
	if project := cmp.Or(get("API_SECRET_DEFAULT_PROJECT_ID"), get("API_FIREBASE_PROJECT_ID")); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if projects := keyValuePairs(get("API_SECRET_PROJECT_IDS"), strings.ToLower); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	if pins := secretVersionPins(get("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if file := get("API_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists config fields that must hold a value before startup. The
// carrier secret is only required while the webhook is enabled.
func requiredSecretNames(env map[string]string) []string {
	names := []string{}
	if strings.TrimSpace(env["API_STORAGE_SIGNER_CREDENTIALS"]) != "" {
		names = append(names, "Storage.SignerCredentials")
	}
	hmacNames := slices.Collect(maps.Keys(keyValuePairs(env["API_SECURITY_HMAC_SECRETS"], strings.ToLower)))
	if webhookEnabled(env["API_FEATURE_CARRIER_WEBHOOK"]) {
		hmacNames = append(hmacNames, config.CarrierSecretName)
	}
	for _, name := range hmacNames {
		names = append(names, "Security.HMAC.Secrets["+name+"]")
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func webhookEnabled(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "0", "false", "no", "off":
		return false
	}
	return true
}

// secretVersionPins parses "ref=version" pairs into the fetcher's pin keys. A ref may be
// scoped to one environment ("prod:carrier/webhook") and may use the legacy sm:// scheme.
func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range keyValuePairs(raw, nil) {
		scope := ""
		if env, rest, ok := strings.Cut(ref, ":"); ok && env != "" && !strings.HasPrefix(rest, "//") {
			scope, ref = strings.ToLower(strings.TrimSpace(env))+":", strings.TrimSpace(rest)
		}
		for _, scheme := range []string{"secret://", "sm://"} {
			ref = strings.TrimPrefix(ref, scheme)
		}
		pins[scope+"secret://"+ref] = version
	}
	return pins
}

// keyValuePairs parses "k=v,k=v", dropping entries with an empty side. normKey, when
// set, is applied to every key.
func keyValuePairs(raw string, normKey func(string) string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, _ := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if normKey != nil {
			key = normKey(key)
		}
		out[key] = value
	}
	return out
}
