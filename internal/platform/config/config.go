package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultSecurityEnvironment = "local"
	defaultVerifyTimeout       = 5 * time.Second

	defaultOrderPaidTopic = "order-paid"

	defaultPSPProvider     = "razorpay"
	defaultPSPCurrency     = "INR"
	defaultCheckoutScript  = "https://checkout.razorpay.com/v1/checkout.js"
	defaultStripeScript    = "https://js.stripe.com/v3/"
	defaultScriptAttempts  = 3
	defaultScriptBackoff   = time.Second
	defaultScriptTimeout   = 10 * time.Second
	defaultSessionTTL      = 30 * time.Minute
	defaultFramePattern    = "api.razorpay.com"
	defaultOverlayZIndex   = 2147483646
	defaultThemeColor      = "#0F4C81"
	defaultStorageBackend  = StorageBackendMemory
	defaultStorageFanout   = 4
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultCleanupInterval = time.Hour
	defaultCleanupBatch    = 200
)

// Storage backends for the window-shared payment storage.
const (
	StorageBackendMemory    = "memory"
	StorageBackendFirestore = "firestore"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	PSP         PSPConfig
	Checkout    CheckoutConfig
	Storage     StorageConfig
	Idempotency IdempotencyConfig
	Security    SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used for ID token verification.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	VerifyTimeout   time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig names the topic receiving order-paid notifications. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID      string
	OrderPaidTopic string
	EmulatorHost   string
}

// PSPConfig collects payment provider credentials. Razorpay is always configured; Stripe
// is enabled when StripeAPIKey is set.
type PSPConfig struct {
	Provider             string
	DefaultCurrency      string
	RazorpayKeyID        string
	RazorpayKeySecret    string
	StripeAPIKey         string
	StripePublishableKey string
	StripeAccountID      string
}

// CheckoutConfig shapes the gateway widget and its loader.
type CheckoutConfig struct {
	ScriptURL      string
	StripeScript   string
	ScriptAttempts int
	ScriptBackoff  time.Duration
	ScriptTimeout  time.Duration
	SessionTTL     time.Duration
	FramePattern   string
	OverlayZIndex  int
	ThemeColor     string
	MerchantName   string
}

// StorageConfig selects the backend that windows of one profile share.
type StorageConfig struct {
	Backend string
	Fanout  int
}

// IdempotencyConfig controls finalisation de-duplication records.
type IdempotencyConfig struct {
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecurityConfig groups deployment-level settings.
type SecurityConfig struct {
	Environment string
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PSP.RazorpayKeySecret") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func defaultOptions() loaderOptions {
	return loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
}

// EnvironmentValues returns the merged environment (dotenv < OS env < explicit map) so callers
// can build dependencies such as the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the portal configuration from defaults, .env, the environment and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "PORTAL_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "PORTAL_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "PORTAL_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "PORTAL_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "PORTAL_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "PORTAL_FIREBASE_CREDENTIALS_FILE", ""),
			VerifyTimeout:   durationWithDefault(lookup, "PORTAL_FIREBASE_VERIFY_TIMEOUT", defaultVerifyTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "PORTAL_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "PORTAL_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:      stringWithDefault(lookup, "PORTAL_PUBSUB_PROJECT_ID", ""),
			OrderPaidTopic: stringWithDefault(lookup, "PORTAL_PUBSUB_ORDER_PAID_TOPIC", defaultOrderPaidTopic),
			EmulatorHost:   stringWithDefault(lookup, "PORTAL_PUBSUB_EMULATOR_HOST", ""),
		},
		PSP: PSPConfig{
			Provider:             strings.ToLower(stringWithDefault(lookup, "PORTAL_PSP_PROVIDER", defaultPSPProvider)),
			DefaultCurrency:      strings.ToUpper(stringWithDefault(lookup, "PORTAL_PSP_DEFAULT_CURRENCY", defaultPSPCurrency)),
			RazorpayKeyID:        stringWithDefault(lookup, "PORTAL_PSP_RAZORPAY_KEY_ID", ""),
			RazorpayKeySecret:    stringWithDefault(lookup, "PORTAL_PSP_RAZORPAY_KEY_SECRET", ""),
			StripeAPIKey:         stringWithDefault(lookup, "PORTAL_PSP_STRIPE_API_KEY", ""),
			StripePublishableKey: stringWithDefault(lookup, "PORTAL_PSP_STRIPE_PUBLISHABLE_KEY", ""),
			StripeAccountID:      stringWithDefault(lookup, "PORTAL_PSP_STRIPE_ACCOUNT_ID", ""),
		},
		Checkout: CheckoutConfig{
			ScriptURL:      stringWithDefault(lookup, "PORTAL_CHECKOUT_SCRIPT_URL", defaultCheckoutScript),
			StripeScript:   stringWithDefault(lookup, "PORTAL_CHECKOUT_STRIPE_SCRIPT_URL", defaultStripeScript),
			ScriptAttempts: intWithDefault(lookup, "PORTAL_CHECKOUT_SCRIPT_ATTEMPTS", defaultScriptAttempts),
			ScriptBackoff:  durationWithDefault(lookup, "PORTAL_CHECKOUT_SCRIPT_BACKOFF", defaultScriptBackoff),
			ScriptTimeout:  durationWithDefault(lookup, "PORTAL_CHECKOUT_SCRIPT_TIMEOUT", defaultScriptTimeout),
			SessionTTL:     durationWithDefault(lookup, "PORTAL_CHECKOUT_SESSION_TTL", defaultSessionTTL),
			FramePattern:   stringWithDefault(lookup, "PORTAL_CHECKOUT_FRAME_PATTERN", defaultFramePattern),
			OverlayZIndex:  intWithDefault(lookup, "PORTAL_CHECKOUT_OVERLAY_ZINDEX", defaultOverlayZIndex),
			ThemeColor:     stringWithDefault(lookup, "PORTAL_CHECKOUT_THEME_COLOR", defaultThemeColor),
			MerchantName:   stringWithDefault(lookup, "PORTAL_CHECKOUT_MERCHANT_NAME", "FreightFox"),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "PORTAL_STORAGE_BACKEND", defaultStorageBackend)),
			Fanout:  intWithDefault(lookup, "PORTAL_STORAGE_FANOUT_WORKERS", defaultStorageFanout),
		},
		Idempotency: IdempotencyConfig{
			TTL:              durationWithDefault(lookup, "PORTAL_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "PORTAL_IDEMPOTENCY_CLEANUP_INTERVAL", defaultCleanupInterval),
			CleanupBatchSize: intWithDefault(lookup, "PORTAL_IDEMPOTENCY_CLEANUP_BATCH", defaultCleanupBatch),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "PORTAL_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.RazorpayKeyID", &cfg.PSP.RazorpayKeyID},
		{"PSP.RazorpayKeySecret", &cfg.PSP.RazorpayKeySecret},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		invalid = append(invalid, "Firebase.ProjectID")
	}
	if strings.TrimSpace(cfg.PSP.RazorpayKeyID) == "" {
		invalid = append(invalid, "PSP.RazorpayKeyID")
	}
	switch cfg.PSP.Provider {
	case "razorpay":
	case "stripe":
		if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
			invalid = append(invalid, "PSP.StripeAPIKey")
		}
	default:
		invalid = append(invalid, "PSP.Provider")
	}
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" && strings.TrimSpace(cfg.PSP.StripePublishableKey) == "" {
		invalid = append(invalid, "PSP.StripePublishableKey")
	}
	if strings.TrimSpace(cfg.Checkout.ScriptURL) == "" {
		invalid = append(invalid, "Checkout.ScriptURL")
	}
	if cfg.Checkout.ScriptAttempts <= 0 {
		invalid = append(invalid, "Checkout.ScriptAttempts")
	}
	if cfg.Checkout.ScriptBackoff < 0 {
		invalid = append(invalid, "Checkout.ScriptBackoff")
	}
	if cfg.Checkout.SessionTTL <= 0 {
		invalid = append(invalid, "Checkout.SessionTTL")
	}
	if len(cfg.PSP.DefaultCurrency) != 3 {
		invalid = append(invalid, "PSP.DefaultCurrency")
	}
	switch cfg.Storage.Backend {
	case StorageBackendMemory, StorageBackendFirestore:
	default:
		invalid = append(invalid, "Storage.Backend")
	}
	if cfg.Storage.Fanout <= 0 {
		invalid = append(invalid, "Storage.Fanout")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		invalid = append(invalid, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		invalid = append(invalid, "Idempotency.CleanupBatchSize")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}
