package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	// PublicBaseURL is the externally reachable origin used to build
	// webhook callback URLs handed to processors.
	PublicBaseURL     string
	CheckoutReturnURL string

	Billing  BillingConfig
	Gateways GatewaysConfig

	InvoiceDocumentDir string
}

// GatewaysConfig carries per-processor credentials. A gateway with an
// empty secret is left out of the registry at startup.
type GatewaysConfig struct {
	Default string

	FawranBaseURL string
	FawranAPIKey  string
	FawranSecret  string

	PaylinkBaseURL string
	PaylinkAPIKey  string
	PaylinkSecret  string

	CallTimeoutSeconds int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "subpay"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "subpay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		PublicBaseURL:     strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		CheckoutReturnURL: getenv("CHECKOUT_RETURN_URL", "http://localhost:8080/billing/return"),

		Billing: loadBillingConfig(),
		Gateways: GatewaysConfig{
			Default:            strings.ToLower(getenv("GATEWAY_DEFAULT", "fawran")),
			FawranBaseURL:      getenv("FAWRAN_BASE_URL", "https://api.fawran.example.com/v2"),
			FawranAPIKey:       strings.TrimSpace(getenv("FAWRAN_API_KEY", "")),
			FawranSecret:       strings.TrimSpace(getenv("FAWRAN_WEBHOOK_SECRET", "")),
			PaylinkBaseURL:     getenv("PAYLINK_BASE_URL", "https://gateway.paylink.example.com/v1"),
			PaylinkAPIKey:      strings.TrimSpace(getenv("PAYLINK_API_KEY", "")),
			PaylinkSecret:      strings.TrimSpace(getenv("PAYLINK_WEBHOOK_SECRET", "")),
			CallTimeoutSeconds: getenvInt("GATEWAY_CALL_TIMEOUT_SECONDS", 15),
		},

		InvoiceDocumentDir: getenv("INVOICE_DOCUMENT_DIR", "storage/invoices"),
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

var Module = fx.Module("config",
	fx.Provide(Load),
)
