package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string

	StoreProvider string
	BusProvider   string

	ApiEnabled     string
	ApiPort        string
	GRPCEnabled    string
	GRPCPort       string
	ArchiveEnabled string

	MerchantsFile     string
	MerchantMasterKey string
	Merchants         []string
	RewardsFile       string

	CASMaxAttempts int
	CASBackoff     time.Duration
	CASMaxBackoff  time.Duration

	LogLevel    string
	LogEncoding string
}

// New loads and validates configuration from environment variables.
// Only the backends selected by POINTBREW_STORE_PROVIDER and POINTBREW_BUS_PROVIDER
// are required; the HTTP and gRPC servers start only when enabled.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:            os.Getenv("POINTBREW_POSTGRES_USER"),
		DBPass:            os.Getenv("POINTBREW_POSTGRES_PASSWORD"),
		DBHost:            os.Getenv("POINTBREW_POSTGRES_HOST"),
		DBPort:            getEnv("POINTBREW_POSTGRES_PORT", "5432"),
		DBName:            os.Getenv("POINTBREW_POSTGRES_DB"),
		SSLMode:           getEnv("POINTBREW_POSTGRES_SSLMODE", "disable"),
		RedisHost:         os.Getenv("POINTBREW_REDIS_HOST"),
		RedisPort:         getEnv("POINTBREW_REDIS_PORT", "6379"),
		NatsHost:          os.Getenv("POINTBREW_NATS_HOST"),
		NatsPort:          getEnv("POINTBREW_NATS_PORT", "4222"),
		StoreProvider:     getEnv("POINTBREW_STORE_PROVIDER", "postgres"),
		BusProvider:       getEnv("POINTBREW_BUS_PROVIDER", "none"),
		ApiEnabled:        os.Getenv("POINTBREW_API_ENABLED"),
		ApiPort:           os.Getenv("POINTBREW_API_PORT"),
		GRPCEnabled:       os.Getenv("POINTBREW_GRPC_ENABLED"),
		GRPCPort:          os.Getenv("POINTBREW_GRPC_PORT"),
		ArchiveEnabled:    os.Getenv("POINTBREW_ARCHIVE_ENABLED"),
		MerchantsFile:     os.Getenv("POINTBREW_MERCHANTS_FILE"),
		MerchantMasterKey: os.Getenv("POINTBREW_MERCHANT_MASTER_KEY"),
		Merchants:         getEnvList("POINTBREW_MERCHANTS"),
		RewardsFile:       os.Getenv("POINTBREW_REWARDS_FILE"),
		CASMaxAttempts:    getEnvInt("POINTBREW_CAS_MAX_ATTEMPTS", 5),
		CASBackoff:        getEnvDuration("POINTBREW_CAS_BACKOFF", 10*time.Millisecond),
		CASMaxBackoff:     getEnvDuration("POINTBREW_CAS_MAX_BACKOFF", 250*time.Millisecond),
		LogLevel:          getEnv("POINTBREW_LOG_LEVEL", "info"),
		LogEncoding:       getEnv("POINTBREW_LOG_ENCODING", "json"),
	}

	switch cfg.StoreProvider {
	case "postgres":
		if err := cfg.requirePostgres(); err != nil {
			return nil, err
		}
	case "redis":
		if err := cfg.requireRedis(); err != nil {
			return nil, err
		}
		// Redis is the hot path, Postgres receives the audit copy.
		if cfg.Enabled(cfg.ArchiveEnabled) {
			if err := cfg.requirePostgres(); err != nil {
				return nil, err
			}
		}
	case "memory":
	default:
		return nil, fmt.Errorf("invalid store provider %q, must be 'postgres', 'redis' or 'memory'", cfg.StoreProvider)
	}

	switch cfg.BusProvider {
	case "nats":
		if cfg.NatsHost == "" || cfg.NatsPort == "" {
			return nil, fmt.Errorf("missing required env for nats bus: POINTBREW_NATS_HOST/PORT")
		}
	case "none":
	default:
		return nil, fmt.Errorf("invalid bus provider %q, must be 'nats' or 'none'", cfg.BusProvider)
	}

	if cfg.Enabled(cfg.ArchiveEnabled) && (cfg.StoreProvider != "redis" || cfg.BusProvider != "nats") {
		return nil, fmt.Errorf("POINTBREW_ARCHIVE_ENABLED requires store provider 'redis' and bus provider 'nats'")
	}

	if err := cfg.MerchantKeys().validate(); err != nil {
		return nil, err
	}

	if cfg.CASMaxAttempts < 1 {
		return nil, fmt.Errorf("POINTBREW_CAS_MAX_ATTEMPTS must be at least 1, got %d", cfg.CASMaxAttempts)
	}

	return cfg, nil
}

// MerchantKeys is the part of the configuration a token issuer needs.
type MerchantKeys struct {
	File      string
	MasterKey string
	Merchants []string
}

// LoadMerchantKeys reads only the merchant key settings, for tools that
// never touch a store.
func LoadMerchantKeys() (MerchantKeys, error) {
	_ = godotenv.Load()
	k := MerchantKeys{
		File:      os.Getenv("POINTBREW_MERCHANTS_FILE"),
		MasterKey: os.Getenv("POINTBREW_MERCHANT_MASTER_KEY"),
		Merchants: getEnvList("POINTBREW_MERCHANTS"),
	}
	return k, k.validate()
}

// SyncConfig drives the offline scanner client.
type SyncConfig struct {
	QueuePath      string
	Schedule       string
	Target         string
	RequestTimeout time.Duration
	LogLevel       string
	LogEncoding    string
}

func LoadSync() SyncConfig {
	_ = godotenv.Load()
	return SyncConfig{
		QueuePath:      getEnv("POINTBREW_SYNC_QUEUE_PATH", "pointbrew-queue.json"),
		Schedule:       getEnv("POINTBREW_SYNC_SCHEDULE", "@every 30s"),
		Target:         getEnv("POINTBREW_SYNC_TARGET", "http://localhost:8080"),
		RequestTimeout: getEnvDuration("POINTBREW_SYNC_REQUEST_TIMEOUT", 5*time.Second),
		LogLevel:       getEnv("POINTBREW_LOG_LEVEL", "info"),
		LogEncoding:    getEnv("POINTBREW_LOG_ENCODING", "console"),
	}
}

func (c *Config) MerchantKeys() MerchantKeys {
	return MerchantKeys{File: c.MerchantsFile, MasterKey: c.MerchantMasterKey, Merchants: c.Merchants}
}

func (k MerchantKeys) validate() error {
	if k.File == "" && k.MasterKey == "" {
		return fmt.Errorf("missing merchant keys: set POINTBREW_MERCHANTS_FILE or POINTBREW_MERCHANT_MASTER_KEY")
	}
	if k.File == "" && len(k.Merchants) == 0 {
		return fmt.Errorf("POINTBREW_MERCHANTS is required with POINTBREW_MERCHANT_MASTER_KEY")
	}
	return nil
}

func (c *Config) requirePostgres() error {
	if c.DBUser == "" || c.DBHost == "" || c.DBName == "" {
		return fmt.Errorf("missing required env for database: POINTBREW_POSTGRES_USER/HOST/DB")
	}
	return nil
}

func (c *Config) requireRedis() error {
	if c.RedisHost == "" || c.RedisPort == "" {
		return fmt.Errorf("missing required env for redis: POINTBREW_REDIS_HOST/PORT")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if POINTBREW_API_ENABLED != "true"; callers should skip starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	return listenAddr("API", c.ApiEnabled, c.ApiPort)
}

func (c *Config) GRPCAddr() (string, error) {
	return listenAddr("GRPC", c.GRPCEnabled, c.GRPCPort)
}

func (c *Config) Enabled(v string) bool {
	return v == "true"
}

func listenAddr(name, enabled, port string) (string, error) {
	if enabled != "true" {
		return "", fmt.Errorf("%s server is disabled (POINTBREW_%s_ENABLED != true)", name, name)
	}
	if port == "" {
		return "", fmt.Errorf("POINTBREW_%s_PORT is required when POINTBREW_%s_ENABLED=true", name, name)
	}
	return ":" + port, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
