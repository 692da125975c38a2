package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Store      StoreConfig
	Redis      RedisConfig
	Auth       AuthConfig
	JWT        JWTConfig
	Firebase   FirebaseConfig
	Encryption EncryptionConfig
	Link       LinkConfig
	Providers  ProvidersConfig
	Scheduler  SchedulerConfig
	TLS        TLSConfig
	Telemetry  TelemetryConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// AutoMigrate applies pending schema migrations at API startup.
	AutoMigrate bool
}

// Store backends.
const (
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
	BackendRedis     = "redis"
)

type StoreConfig struct {
	// Backend holds accounts and credentials, and sessions unless Sessions overrides it.
	Backend  string
	Sessions string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// SessionRetention keeps finished sessions readable before Redis evicts them.
	SessionRetention time.Duration
}

// Auth modes.
const (
	AuthModeJWT      = "jwt"
	AuthModeFirebase = "firebase"
)

type AuthConfig struct {
	Mode string
}

type JWTConfig struct {
	Secret string
}

type FirebaseConfig struct {
	CredentialsFile string
	ProjectID       string
}

type EncryptionConfig struct {
	Key string
}

type LinkConfig struct {
	SessionTTL  time.Duration
	CallbackURL string
	AppURL      string
}

type ProvidersConfig struct {
	Plaid      PlaidConfig
	Mastercard MastercardConfig
	Alpaca     AlpacaConfig
	RateLimit  float64
	RateBurst  int
}

type PlaidConfig struct {
	ClientID     string
	Secret       string
	BaseURL      string
	ClientName   string
	Products     []string
	CountryCodes []string
	Timeout      time.Duration
}

type MastercardConfig struct {
	PartnerID     string
	PartnerSecret string
	AppKey        string
	BaseURL       string
	CustomerType  string
	Timeout       time.Duration
}

type AlpacaConfig struct {
	ClientID     string
	ClientSecret string
	APIKey       string
	APISecret    string
	BaseURL      string
	AuthURL      string
	TokenURL     string
	Timeout      time.Duration
}

type SchedulerConfig struct {
	Enabled       bool
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	QueueSize     int
	RunOnStartup  bool
	SweepInterval time.Duration
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	MetricsPort  string
	SampleRatio  float64
}

func Load() (*Config, error) {

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	// Parse scheduler configuration
	schedulerWorkers, err := strconv.Atoi(getEnv("SCHEDULER_WORKERS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_WORKERS: %w", err)
	}
	sweepInterval, err := getDurationEnv("SESSION_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	schedulerJobDelay, err := getDurationEnv("SCHEDULER_JOB_DELAY", time.Second)
	if err != nil {
		return nil, err
	}
	schedulerQueueSize, err := strconv.Atoi(getEnv("SCHEDULER_QUEUE_SIZE", "100"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_QUEUE_SIZE: %w", err)
	}

	sessionRetention, err := getDurationEnv("REDIS_SESSION_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}

	sessionTTL, err := getDurationEnv("LINK_SESSION_TTL", 8*time.Hour)
	if err != nil {
		return nil, err
	}

	// Provider timeouts are the hard per-call deadline.
	plaidTimeout, err := getDurationEnv("PLAID_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	mastercardTimeout, err := getDurationEnv("MASTERCARD_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	alpacaTimeout, err := getDurationEnv("ALPACA_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	sampleRatio, err := strconv.ParseFloat(getEnv("OTEL_TRACE_SAMPLE_RATIO", "1"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_TRACE_SAMPLE_RATIO: %w", err)
	}
	rateLimit, err := strconv.ParseFloat(getEnv("PROVIDER_RATE_LIMIT", "10"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_RATE_LIMIT: %w", err)
	}
	rateBurst, err := strconv.Atoi(getEnv("PROVIDER_RATE_BURST", "20"))
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_RATE_BURST: %w", err)
	}

	hostURL := strings.TrimSuffix(getEnv("HOST_URL", ""), "/")
	callbackURL := getEnv("LINK_CALLBACK_URL", "")
	if callbackURL == "" && hostURL != "" {
		callbackURL = hostURL + "/link-sessions/callback"
	}

	backend := strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres))

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			AllowedHosts: getListEnv("ALLOWED_HOSTS", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "jaspire"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "jaspire"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			AutoMigrate: getBoolEnv("DB_AUTO_MIGRATE", true),
		},
		Store: StoreConfig{
			Backend:  backend,
			Sessions: strings.ToLower(getEnv("SESSION_STORE", backend)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,

			SessionRetention: sessionRetention,
		},
		Auth: AuthConfig{
			Mode: strings.ToLower(getEnv("AUTH_MODE", AuthModeJWT)),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
			ProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Link: LinkConfig{
			SessionTTL:  sessionTTL,
			CallbackURL: callbackURL,
			AppURL:      strings.TrimSuffix(getEnv("APP_URL", hostURL), "/"),
		},
		Providers: ProvidersConfig{
			Plaid: PlaidConfig{
				ClientID:     getEnv("PLAID_CLIENT_ID", ""),
				Secret:       getEnv("PLAID_SECRET", ""),
				BaseURL:      getEnv("PLAID_BASE_URL", "https://sandbox.plaid.com"),
				ClientName:   getEnv("PLAID_CLIENT_NAME", "Jaspire"),
				Products:     getListEnv("PLAID_PRODUCTS", "auth,transactions"),
				CountryCodes: getListEnv("PLAID_COUNTRY_CODES", "US"),
				Timeout:      plaidTimeout,
			},
			Mastercard: MastercardConfig{
				PartnerID:     getEnv("MASTERCARD_PARTNER_ID", ""),
				PartnerSecret: getEnv("MASTERCARD_PARTNER_SECRET", ""),
				AppKey:        getEnv("MASTERCARD_APP_KEY", ""),
				BaseURL:       getEnv("MASTERCARD_BASE_URL", "https://api.finicity.com"),
				CustomerType:  strings.ToLower(getEnv("MASTERCARD_CUSTOMER_TYPE", "testing")),
				Timeout:       mastercardTimeout,
			},
			Alpaca: AlpacaConfig{
				ClientID:     getEnv("ALPACA_CLIENT_ID", ""),
				ClientSecret: getEnv("ALPACA_CLIENT_SECRET", ""),
				APIKey:       getEnv("ALPACA_API_KEY", ""),
				APISecret:    getEnv("ALPACA_API_SECRET", ""),
				BaseURL:      getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
				AuthURL:      getEnv("ALPACA_AUTH_URL", "https://app.alpaca.markets"),
				TokenURL:     getEnv("ALPACA_TOKEN_URL", "https://api.alpaca.markets"),
				Timeout:      alpacaTimeout,
			},
			RateLimit: rateLimit,
			RateBurst: rateBurst,
		},
		Scheduler: SchedulerConfig{
			Enabled:       getBoolEnv("SCHEDULER_ENABLED", true),
			ScheduleTimes: getListEnv("SCHEDULER_TIMES", "05:00,14:00"),
			WorkerCount:   schedulerWorkers,
			JobDelay:      schedulerJobDelay,
			QueueSize:     schedulerQueueSize,
			RunOnStartup:  getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false),
			SweepInterval: sweepInterval,
		},
		TLS: TLSConfig{
			Enabled:      getBoolEnv("TLS_ENABLED", false),
			CertPath:     getEnv("TLS_CERT_PATH", ""),
			KeyPath:      getEnv("TLS_KEY_PATH", ""),
			RedirectHTTP: getBoolEnv("TLS_REDIRECT_HTTP", false),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "jaspire-api"),
			Environment:  getEnv("OTEL_ENVIRONMENT", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			MetricsPort:  getEnv("METRICS_PORT", "9090"),
			SampleRatio:  sampleRatio,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Auth.Mode {
	case AuthModeJWT:
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET is required")
		}
	case AuthModeFirebase:
	default:
		return fmt.Errorf("invalid AUTH_MODE %q", c.Auth.Mode)
	}

	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}

	switch c.Store.Backend {
	case BackendPostgres, BackendFirestore, BackendMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.Store.Backend)
	}
	switch c.Store.Sessions {
	case BackendPostgres, BackendFirestore, BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("invalid SESSION_STORE %q", c.Store.Sessions)
	}
	if c.Store.Sessions == BackendPostgres && c.Store.Backend != BackendPostgres {
		return fmt.Errorf("SESSION_STORE=postgres requires STORE_BACKEND=postgres")
	}

	if c.Link.SessionTTL <= 0 {
		return fmt.Errorf("LINK_SESSION_TTL must be positive")
	}
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.Providers.RateLimit <= 0 || c.Providers.RateBurst <= 0 {
		return fmt.Errorf("PROVIDER_RATE_LIMIT and PROVIDER_RATE_BURST must be positive")
	}

	// Validate TLS configuration
	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// getListEnv splits a comma-separated value, dropping blanks.
func getListEnv(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
