package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	BackendDynamoDB = "dynamodb"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

// Daraja sandbox test credentials, published by Safaricom for the 174379 paybill.
const (
	sandboxShortCode = "174379"
	sandboxPassKey   = "bfb279f9aa9bdbcf158a97eee74a5584e8ba3f2e47463734d0623d7d3739b151"
)

// Config is the full runtime configuration for the api and worker binaries.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	AWS      AWSConfig
	Mongo    MongoConfig
	Redis    RedisConfig
	Mpesa    MpesaConfig
	Email    EmailConfig
	Checkout CheckoutConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	RunLocal bool
}

type StoreConfig struct {
	Backend          string
	OrdersTable      string
	IdempotencyTable string
	IdempotencyTTL   time.Duration
}

type AWSConfig struct {
	Region           string
	EndpointOverride string
	QueueURL         string
	QueueMaxReceives int
	MetricsNamespace string
}

type MongoConfig struct {
	URI      string
	Database string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MpesaConfig struct {
	Environment    string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
}

type EmailConfig struct {
	ResendAPIKey   string
	SenderEmail    string
	CompanyName    string
	StampOnFailure bool
}

type CheckoutConfig struct {
	// VerifyTotals rejects orders whose totalAmount differs from the line-item sum.
	VerifyTotals bool
}

// Load reads an optional .env file and the process environment.
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	env := getEnv("MPESA_ENV", "sandbox")
	sandbox := env != "production"

	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnv("PORT", "8080"),
			Env:      getEnv("ENVIRONMENT", "development"),
			RunLocal: getBool("RUN_LOCAL", false),
		},
		Store: StoreConfig{
			Backend:          strings.ToLower(getEnv("STORE_BACKEND", BackendDynamoDB)),
			OrdersTable:      getEnv("ORDERS_TABLE", "orders"),
			IdempotencyTable: os.Getenv("IDEMPOTENCY_TABLE"),
			IdempotencyTTL:   getDuration("IDEMPOTENCY_TTL", 48*time.Hour),
		},
		AWS: AWSConfig{
			Region:           getEnv("AWS_REGION", "us-east-1"),
			EndpointOverride: os.Getenv("AWS_ENDPOINT_OVERRIDE"),
			QueueURL:         os.Getenv("ORDERS_QUEUE_URL"),
			QueueMaxReceives: getInt("ORDERS_QUEUE_MAX_RECEIVES", 5),
			MetricsNamespace: os.Getenv("METRICS_NAMESPACE"),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "storefront"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
		},
		Mpesa: MpesaConfig{
			Environment:    env,
			ConsumerKey:    os.Getenv("DARAJA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("DARAJA_CONSUMER_SECRET"),
			ShortCode:      getEnv("DARAJA_BUSINESS_SHORTCODE", sandboxDefault(sandbox, sandboxShortCode)),
			PassKey:        getEnv("DARAJA_PASSKEY", sandboxDefault(sandbox, sandboxPassKey)),
		},
		Email: EmailConfig{
			ResendAPIKey:   os.Getenv("RESEND_API_KEY"),
			SenderEmail:    getEnv("SENDER_EMAIL", "orders@254convexcomltd.co.ke"),
			CompanyName:    getEnv("COMPANY_NAME", "254 Convex Communication LTD"),
			StampOnFailure: getBool("STAMP_ON_SEND_FAILURE", true),
		},
		Checkout: CheckoutConfig{
			VerifyTotals: getBool("VERIFY_ORDER_TOTALS", false),
		},
	}

	backendURL := getEnv("BACKEND_URL", "http://localhost:"+cfg.Server.Port)
	cfg.Mpesa.CallbackURL = strings.TrimRight(backendURL, "/") + "/api/payments/callback"

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendDynamoDB, BackendMongo, BackendMemory:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.Store.Backend)
	}
	if c.Mpesa.Environment != "sandbox" && c.Mpesa.Environment != "production" {
		return fmt.Errorf("MPESA_ENV must be sandbox or production, got %q", c.Mpesa.Environment)
	}
	return nil
}

// CredentialsConfigured reports whether every Daraja secret is present.
func (m MpesaConfig) CredentialsConfigured() bool {
	return m.ConsumerKey != "" && m.ConsumerSecret != "" && m.ShortCode != "" && m.PassKey != ""
}

// BaseURL picks the Daraja host for the configured environment.
func (m MpesaConfig) BaseURL() string {
	if m.Environment == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

// NeedsAWS reports whether any AWS service client has to be built.
func (c *Config) NeedsAWS() bool {
	return c.Store.Backend == BackendDynamoDB ||
		c.Store.IdempotencyTable != "" ||
		c.AWS.QueueURL != "" ||
		c.AWS.MetricsNamespace != ""
}

func sandboxDefault(sandbox bool, v string) string {
	if sandbox {
		return v
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
