package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/freightfox/portal/internal/checkout"
	"github.com/freightfox/portal/internal/handlers"
	"github.com/freightfox/portal/internal/payments"
	"github.com/freightfox/portal/internal/platform/auth"
	"github.com/freightfox/portal/internal/platform/config"
	pfirestore "github.com/freightfox/portal/internal/platform/firestore"
	"github.com/freightfox/portal/internal/platform/idempotency"
	"github.com/freightfox/portal/internal/platform/jobs"
	"github.com/freightfox/portal/internal/platform/kv"
	"github.com/freightfox/portal/internal/platform/observability"
	"github.com/freightfox/portal/internal/platform/secrets"
	firestoreRepo "github.com/freightfox/portal/internal/repositories/firestore"
)

const idempotencyCollection = "payment_finalizations"

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLoggerWithLevel(os.Getenv("PORTAL_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("portal")
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
		config.WithRequiredSecrets("PSP.RazorpayKeyID", "PSP.RazorpayKeySecret"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Error(missing))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var firestoreOpts []pfirestore.ProviderOption
	if cfg.Firebase.CredentialsFile != "" && cfg.Firestore.EmulatorHost == "" {
		firestoreOpts = append(firestoreOpts, pfirestore.WithClientOptions(option.WithCredentialsFile(cfg.Firebase.CredentialsFile)))
	}
	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, firestoreOpts...)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	var (
		storage     kv.Opener
		idemStore   idempotency.Store
		idemCleanup func(ctx context.Context, now time.Time, limit int) (int, error)
	)
	switch cfg.Storage.Backend {
	case config.StorageBackendFirestore:
		storage = kv.NewFirestore(firestoreProvider, logger.Named("kv"))
		fsIdem := idempotency.NewFirestoreStore(firestoreProvider, idempotencyCollection)
		idemStore, idemCleanup = fsIdem, fsIdem.CleanupExpired
	default:
		memory := kv.NewMemory(kv.WithLogger(logger.Named("kv")), kv.WithFanoutWorkers(cfg.Storage.Fanout))
		defer func() {
			_ = memory.Close()
		}()
		memIdem := idempotency.NewMemoryStore()
		storage, idemStore, idemCleanup = memory, memIdem, memIdem.CleanupExpired
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker := time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			defer cleanupTicker.Stop()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idemCleanup(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	shipmentRepo, err := firestoreRepo.NewShipmentRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise shipment repository", zap.Error(err))
	}
	reconciliationRepo, err := firestoreRepo.NewReconciliationRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise reconciliation repository", zap.Error(err))
	}

	var (
		notifier  checkout.OrderPaidNotifier
		publisher *jobs.OrderPaidPublisher
		topic     *pubsub.Topic
	)
	if topicName := strings.TrimSpace(cfg.PubSub.OrderPaidTopic); topicName != "" {
		if cfg.PubSub.EmulatorHost != "" {
			_ = os.Setenv("PUBSUB_EMULATOR_HOST", cfg.PubSub.EmulatorHost)
		}
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, pubsubOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic = pubsubClient.Topic(topicName)
		publisher, err = jobs.NewOrderPaidPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order paid publisher", zap.Error(err))
		}
		defer publisher.Stop()
		notifier = publisher
	}

	razorpayLogger := logger.Named("razorpay")
	razorpayProvider, err := payments.NewRazorpayProvider(payments.RazorpayProviderConfig{
		KeyID:     cfg.PSP.RazorpayKeyID,
		KeySecret: cfg.PSP.RazorpayKeySecret,
		Logger: func(ctx context.Context, event string, fields map[string]any) {
			razorpayLogger.Info(event, observability.FieldsFromMap(fields)...)
		},
	})
	if err != nil {
		logger.Fatal("failed to initialise razorpay provider", zap.Error(err))
	}
	providers := map[string]payments.Provider{payments.ProviderRazorpay: razorpayProvider}
	gateways := map[string]checkout.GatewayProfile{
		payments.ProviderRazorpay: {
			Key:          cfg.PSP.RazorpayKeyID,
			ScriptURL:    cfg.Checkout.ScriptURL,
			FramePattern: cfg.Checkout.FramePattern,
		},
	}
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		stripeLogger := logger.Named("stripe")
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:    cfg.PSP.StripeAPIKey,
			AccountID: cfg.PSP.StripeAccountID,
			Logger: func(ctx context.Context, event string, fields map[string]any) {
				stripeLogger.Info(event, observability.FieldsFromMap(fields)...)
			},
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe provider", zap.Error(err))
		}
		providers[payments.ProviderStripe] = stripeProvider
		gateways[payments.ProviderStripe] = checkout.GatewayProfile{
			Key:       cfg.PSP.StripePublishableKey,
			ScriptURL: cfg.Checkout.StripeScript,
		}
	}
	paymentManager, err := payments.NewManager(providers, payments.WithDefaultProvider(cfg.PSP.Provider))
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}
	signatures, err := payments.NewSignatureVerifier(cfg.PSP.RazorpayKeySecret)
	if err != nil {
		logger.Fatal("failed to initialise signature verifier", zap.Error(err))
	}
	completions, err := payments.NewVerifier(paymentManager, map[string]*payments.SignatureVerifier{
		payments.ProviderRazorpay: signatures,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment verifier", zap.Error(err))
	}

	registry, err := checkout.NewRegistry(checkout.RegistryDeps{
		Storage:         storage,
		Loader:          checkout.NewHTTPScriptLoader(nil, cfg.Checkout.ScriptTimeout),
		Repository:      shipmentRepo,
		Reconciliations: reconciliationRepo,
		Idempotency:     idemStore,
		Notifier:        notifier,
		Verifier:        completions,
		Logger:          logger.Named("checkout"),
		Config: checkout.AdapterConfig{
			DefaultProvider: cfg.PSP.Provider,
			Gateways:        gateways,
			MaxAttempts:     cfg.Checkout.ScriptAttempts,
			Backoff:         cfg.Checkout.ScriptBackoff,
			OverlayZIndex:   cfg.Checkout.OverlayZIndex,
			SessionTTL:      cfg.Checkout.SessionTTL,
			MerchantName:    cfg.Checkout.MerchantName,
			ThemeColor:      cfg.Checkout.ThemeColor,
		},
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout registry", zap.Error(err))
	}
	defer registry.Close()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, cfg.Firebase.VerifyTimeout)

	readiness := []handlers.HealthOption{
		handlers.WithReadinessCheck("firestore", func(ctx context.Context) error {
			_, err := firestoreProvider.Client(ctx)
			return err
		}),
	}
	if topic != nil {
		readiness = append(readiness, handlers.WithReadinessCheck("pubsub", func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err == nil && !ok {
				err = errors.New("order paid topic does not exist")
			}
			return err
		}))
	}

	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, registry)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(readiness...)),
		handlers.WithPaymentRoutes(handlers.NewPaymentHandlers(authenticator, paymentManager, completions, cfg.PSP.DefaultCurrency).Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithSupportRoutes(handlers.NewSupportHandlers(authenticator, reconciliationRepo).Routes),
	)

	// No write timeout: event streams are long-lived.
	server := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("portal server starting",
			zap.String("addr", server.Addr),
			zap.String("storage_backend", cfg.Storage.Backend),
			zap.String("environment", cfg.Security.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sig := <-shutdown
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	checkoutHandlers.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	cleanupCancel()
	cleanupWG.Wait()
	logger.Info("portal server stopped")
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("PORTAL_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("PORTAL_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("PORTAL_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("PORTAL_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func pubsubOptions(cfg config.Config) []option.ClientOption {
	if cfg.Firebase.CredentialsFile == "" || cfg.PubSub.EmulatorHost != "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.Firebase.CredentialsFile)}
}
