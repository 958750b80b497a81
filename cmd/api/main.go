package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/tas-logistics/api/internal/di"
	"github.com/tas-logistics/api/internal/handlers"
	"github.com/tas-logistics/api/internal/platform/auth"
	"github.com/tas-logistics/api/internal/platform/config"
	pfirestore "github.com/tas-logistics/api/internal/platform/firestore"
	"github.com/tas-logistics/api/internal/platform/jobs"
	"github.com/tas-logistics/api/internal/platform/observability"
	"github.com/tas-logistics/api/internal/platform/secrets"
	platformstorage "github.com/tas-logistics/api/internal/platform/storage"
	"github.com/tas-logistics/api/internal/repositories"
	firestoreRepo "github.com/tas-logistics/api/internal/repositories/firestore"
	"github.com/tas-logistics/api/internal/services"
)

const serviceName = "tas-api"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(
		observability.WithServiceContext(serviceName, strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromConfig(cfg, startedAt)

	firestoreOpts := []pfirestore.ProviderOption{pfirestore.WithDialTimeout(cfg.Server.ReadTimeout)}
	if cfg.Firebase.CredentialsFile != "" {
		firestoreOpts = append(firestoreOpts, pfirestore.WithClientOptions(option.WithCredentialsFile(cfg.Firebase.CredentialsFile)))
	}
	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, firestoreOpts...)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	containerOpts := []di.Option{
		di.WithLogger(baseLogger),
		di.WithBuildInfo(buildInfo),
		di.WithIDGenerator(func() string { return ulid.Make().String() }),
	}

	signer, err := newURLSigner(ctx, cfg.Storage)
	switch {
	case err != nil:
		logger.Fatal("failed to initialise storage signer", zap.Error(err))
	case signer == nil:
		logger.Warn("storage signer not configured; invoice uploads are disabled")
	default:
		signedURLClient, err := platformstorage.NewClient(signer,
			platformstorage.WithDefaultExpiry(cfg.Storage.UploadURLTTL, cfg.Storage.DownloadURLTTL),
		)
		if err != nil {
			logger.Fatal("failed to initialise signed url client", zap.Error(err))
		}
		containerOpts = append(containerOpts, di.WithSignedURLIssuer(signedURLClient))
	}

	var publisher *jobs.PubSubPackageEventPublisher
	if cfg.Features.EnablePackageEvents {
		client, topic, err := newPackageEventsTopic(ctx, cfg.PubSub)
		if err != nil {
			logger.Fatal("failed to initialise pubsub topic", zap.Error(err))
		}
		defer func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err = jobs.NewPubSubPackageEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise package event publisher", zap.Error(err))
		}
		containerOpts = append(containerOpts, di.WithPackageEvents(publisher))
	}

	healthRepo, err := newHealthRepository(firestoreProvider, publisher, fetcher)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, containerOpts...)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()
	svc := container.Services

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	packageHandlers := handlers.NewPackageHandlers(authenticator, svc.Packages)
	customerHandlers := handlers.NewCustomerHandlers(authenticator, svc.Customers)
	preAlertHandlers := handlers.NewPreAlertHandlers(authenticator, svc.PreAlerts)
	meHandlers := handlers.NewMeHandlers(authenticator, svc.Customers,
		handlers.WithMePackages(svc.Packages),
		handlers.WithMePreAlerts(svc.PreAlerts),
		handlers.WithMeNotifications(svc.Notifications),
	)
	publicHandlers := handlers.NewPublicHandlers(svc.Packages,
		handlers.WithPublicTrackingRateLimit(cfg.RateLimits.PublicTrackingPerMinute, time.Minute),
	)
	adminHandlers := handlers.NewAdminHandlers(authenticator, svc.System)
	internalHandlers := handlers.NewInternalJobHandlers(svc.Reminders, svc.System)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPublicRoutes(publicHandlers.Routes),
		handlers.WithMeRoutes(meHandlers.Routes),
		handlers.WithTrackingNumberRoutes(packageHandlers.TrackingNumberRoutes),
		handlers.WithPackageRoutes(packageHandlers.Routes),
		handlers.WithCustomerRoutes(customerHandlers.Routes),
		handlers.WithPreAlertRoutes(preAlertHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts,
			handlers.WithInternalMiddlewares(oidcMiddleware),
			handlers.WithInternalRoutes(internalHandlers.Routes),
		)
	} else {
		logger.Warn("internal job routes disabled: OIDC is not configured")
	}
	if cfg.Features.EnableCarrierWebhook {
		hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg)
		if hmacMiddleware == nil {
			logger.Fatal("carrier webhook enabled without a signing secret", zap.String("secret", config.CarrierSecretName))
		}
		webhookHandlers := handlers.NewWebhookHandlers(svc.Packages)
		opts = append(opts,
			handlers.WithWebhookMiddlewares(hmacMiddleware),
			handlers.WithWebhookRoutes(webhookHandlers.Routes),
		)
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("tas api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-stopCtx.Done()
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromConfig(cfg config.Config, started time.Time) services.BuildInfo {
	return services.BuildInfo{
		Version:     cmp.Or(strings.TrimSpace(cfg.Build.Version), "dev"),
		CommitSHA:   cmp.Or(strings.TrimSpace(cfg.Build.CommitSHA), "unknown"),
		Environment: cmp.Or(strings.TrimSpace(cfg.Security.Environment), "local"),
		StartedAt:   started,
	}
}

// newURLSigner prefers an explicit key and falls back to IAM signing as the runtime
// service account. A nil signer means invoices are not configured.
func newURLSigner(ctx context.Context, cfg config.StorageConfig) (platformstorage.Signer, error) {
	if key := strings.TrimSpace(cfg.SignerCredentials); key != "" {
		return platformstorage.NewKeySigner([]byte(key))
	}
	if path := strings.TrimSpace(cfg.SignerCredentialsFile); path != "" {
		return platformstorage.NewKeySignerFromFile(path)
	}
	if email := strings.TrimSpace(cfg.SignerServiceAccount); email != "" {
		return platformstorage.NewIAMSigner(ctx, email)
	}
	return nil, nil
}

func newPackageEventsTopic(ctx context.Context, cfg config.PubSubConfig) (*pubsub.Client, *pubsub.Topic, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, nil, errors.New("pubsub project id is required")
	}
	var opts []option.ClientOption
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, nil, err
	}
	topic := client.Topic(cfg.PackageEventsTopic)
	topic.EnableMessageOrdering = true
	return client, topic, nil
}

func newHealthRepository(provider *pfirestore.Provider, publisher *jobs.PubSubPackageEventPublisher, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{{
		Name:     "firestore",
		Critical: true,
		Timeout:  1500 * time.Millisecond,
		Check:    provider.Ping,
	}}
	if publisher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check:   publisher.Ping,
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache,
		auth.WithOIDCLogger(adapter),
		auth.WithOIDCObserver(logRejectedCredentials),
		auth.WithOIDCAllowedEmails(cfg.Security.OIDC.AllowedEmails...),
	)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secret := strings.TrimSpace(cfg.Security.HMAC.Secrets[config.CarrierSecretName])
	if secret == "" {
		return nil
	}

	provider := auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		if strings.EqualFold(strings.TrimSpace(name), config.CarrierSecretName) {
			return secret, nil
		}
		return "", fmt.Errorf("auth: secret %q not configured", name)
	})
	validator := auth.NewHMACValidator(provider, auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACObserver(logRejectedCredentials),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireHMAC(config.CarrierSecretName)
}

// logRejectedCredentials records failed machine-credential checks on the request logger.
func logRejectedCredentials(ctx context.Context, scheme, outcome string, elapsed time.Duration) {
	if outcome == "ok" {
		return
	}
	observability.FromContext(ctx).Warn("credential rejected",
		zap.String("scheme", scheme),
		zap.String("reason", outcome),
		zap.Duration("elapsed", elapsed),
	)
}

func traceProjectID(cfg config.Config) string {
	return cmp.Or(strings.TrimSpace(cfg.Firebase.ProjectID), strings.TrimSpace(cfg.Firestore.ProjectID))
}
