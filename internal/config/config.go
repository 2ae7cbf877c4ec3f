package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisEventsChannel string `mapstructure:"REDIS_EVENTS_CHANNEL"`
	AnalysisQueueKey   string `mapstructure:"ANALYSIS_QUEUE_KEY"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AdminSecret    string `mapstructure:"ADMIN_SECRET"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	AIRateLimit    int           `mapstructure:"AI_RATE_LIMIT_PER_MINUTE"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	OpenAIAPIKey  string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel   string        `mapstructure:"OPENAI_MODEL"`
	OpenAITimeout time.Duration `mapstructure:"OPENAI_TIMEOUT"`
	OCRProvider   string        `mapstructure:"OCR_PROVIDER"`

	StorageBackend     string `mapstructure:"STORAGE_BACKEND"`
	GCSBucket          string `mapstructure:"GCS_BUCKET"`
	GoogleClientID     string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `mapstructure:"GOOGLE_CLIENT_SECRET"`
	GoogleRefreshToken string `mapstructure:"GOOGLE_REFRESH_TOKEN"`
	DriveRootFolder    string `mapstructure:"DRIVE_ROOT_FOLDER"`

	AutoAnalyze       bool          `mapstructure:"AUTO_ANALYZE"`
	WorkerConcurrency int           `mapstructure:"WORKER_CONCURRENCY"`
	AnalysisTimeout   time.Duration `mapstructure:"ANALYSIS_TIMEOUT"`

	WebhookURLs   string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "REDIS_EVENTS_CHANNEL", "ANALYSIS_QUEUE_KEY",
	"AUTH_MODE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "ADMIN_SECRET",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "AI_RATE_LIMIT_PER_MINUTE", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "OPENAI_TIMEOUT", "OCR_PROVIDER",
	"STORAGE_BACKEND", "GCS_BUCKET", "GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REFRESH_TOKEN", "DRIVE_ROOT_FOLDER",
	"AUTO_ANALYZE", "WORKER_CONCURRENCY", "ANALYSIS_TIMEOUT",
	"WEBHOOK_URLS", "WEBHOOK_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_EVENTS_CHANNEL", "casefile:events")
	v.SetDefault("ANALYSIS_QUEUE_KEY", "casefile:analysis")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("AI_RATE_LIMIT_PER_MINUTE", 20)
	v.SetDefault("BODY_LIMIT", "25M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com")
	v.SetDefault("OPENAI_MODEL", "gpt-4o")
	v.SetDefault("OPENAI_TIMEOUT", "120s")
	v.SetDefault("OCR_PROVIDER", "llm")
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("DRIVE_ROOT_FOLDER", "INAYA")
	v.SetDefault("AUTO_ANALYZE", true)
	v.SetDefault("WORKER_CONCURRENCY", 2)
	v.SetDefault("ANALYSIS_TIMEOUT", "3m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.DatabaseURL == "" && !cfg.IsDev() {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, every request acts as ADMIN.")
		if cfg.DatabaseURL == "" {
			log.Println("WARNING: DATABASE_URL is empty, records are kept in memory.")
		}
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UseMemoryStore reports whether records are kept in process memory instead
// of PostgreSQL. Only allowed in development.
func (c *Config) UseMemoryStore() bool {
	return c.DatabaseURL == "" && c.IsDev()
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development maps to "development" and
// every other environment to "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_MODE=jwt requires AUTH_JWKS_URL or AUTH_SIGNING_KEY")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	// The clean-db endpoint stays closed when ADMIN_SECRET is empty.
	if c.AdminSecret != "" && len(c.AdminSecret) < 16 {
		return fmt.Errorf("ADMIN_SECRET must be at least 16 characters")
	}

	switch c.StorageBackend {
	case "memory", "":
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when STORAGE_BACKEND is \"gcs\"")
		}
	case "drive":
		if c.GoogleClientID == "" || c.GoogleClientSecret == "" || c.GoogleRefreshToken == "" {
			return fmt.Errorf("GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET and GOOGLE_REFRESH_TOKEN are required when STORAGE_BACKEND is \"drive\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"memory\", \"gcs\", or \"drive\", got %q", c.StorageBackend)
	}

	if c.OCRProvider != "llm" && c.OCRProvider != "vision" {
		return fmt.Errorf("OCR_PROVIDER must be \"llm\" or \"vision\", got %q", c.OCRProvider)
	}

	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}

	if c.IsProduction() && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required in production")
	}

	return nil
}
