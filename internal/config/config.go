// Package config loads kangklip's environment-first configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully resolved process configuration, assembled from the
// environment variables the service recognizes.
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Fabric   FabricConfig
	Storage  StorageConfig
	Callback CallbackConfig
	Chain    ChainConfig
	Audit    AuditConfig
	Log      LogConfig
	LLM      LLMConfig
}

type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

type RedisConfig struct {
	URL string
}

type FabricConfig struct {
	APIBase     string
	APIKey      string
	WorkerImage string
	Market      string
}

type StorageConfig struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

type CallbackConfig struct {
	BaseURL string
	Token   string
}

type ChainConfig struct {
	RPCURL            string
	USDCMint          string
	TreasuryAddress   string
	CreditsProgramID  string
	SpenderKeypair    string
}

type AuditConfig struct {
	DatabaseURL string
}

type LogConfig struct {
	Level  string
	Format string
}

type LLMConfig struct {
	APIBase string
	Model   string
	APIKey  string
}

const (
	defaultAddress      = ":8080"
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// loadEnvFiles loads .env files before the environment is read: ENV_FILE if
// set, otherwise .env.local then .env. Missing files are not an error.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// Load assembles Config from the process environment and validates it.
func Load() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Address:      envOr("PORT", defaultAddress, addrFromPort),
			ReadTimeout:  defaultReadTimeout,
			WriteTimeout: defaultWriteTimeout,
			CORSOrigins:  splitCSV(os.Getenv("CORS_ORIGINS")),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Fabric: FabricConfig{
			APIBase:     os.Getenv("NOSANA_API_BASE"),
			APIKey:      os.Getenv("NOSANA_API_KEY"),
			WorkerImage: os.Getenv("NOSANA_WORKER_IMAGE"),
			Market:      os.Getenv("NOSANA_MARKET"),
		},
		Storage: StorageConfig{
			Endpoint:        os.Getenv("R2_ENDPOINT"),
			Bucket:          os.Getenv("R2_BUCKET"),
			AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("R2_SECRET_ACCESS_KEY"),
		},
		Callback: CallbackConfig{
			BaseURL: os.Getenv("CALLBACK_BASE_URL"),
			Token:   os.Getenv("CALLBACK_TOKEN"),
		},
		Chain: ChainConfig{
			RPCURL:           os.Getenv("SOLANA_RPC_URL"),
			USDCMint:         os.Getenv("USDC_MINT"),
			TreasuryAddress:  os.Getenv("TREASURY_ADDRESS"),
			CreditsProgramID: os.Getenv("CREDITS_PROGRAM_ID"),
			SpenderKeypair:   os.Getenv("SPENDER_KEYPAIR"),
		},
		Audit: AuditConfig{
			DatabaseURL: os.Getenv("AUDIT_DATABASE_URL"),
		},
		Log: LogConfig{
			Level:  envOrDefault("LOG_LEVEL", "info"),
			Format: envOrDefault("LOG_FORMAT", "json"),
		},
		LLM: LLMConfig{
			APIBase: os.Getenv("LLM_API_BASE"),
			Model:   os.Getenv("LLM_MODEL_NAME"),
			APIKey:  os.Getenv("LLM_API_KEY"),
		},
	}

	if v := os.Getenv("HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks that all hard dependencies are configured. The audit log
// (Postgres) and LLM passthroughs are soft dependencies and are not validated
// here — their absence degrades a feature rather than failing startup.
func (c *Config) Validate() error {
	var missing []string
	if c.Redis.URL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.Fabric.APIBase == "" {
		missing = append(missing, "NOSANA_API_BASE")
	}
	if c.Storage.Endpoint == "" {
		missing = append(missing, "R2_ENDPOINT")
	}
	if c.Storage.Bucket == "" {
		missing = append(missing, "R2_BUCKET")
	}
	if c.Callback.Token == "" {
		missing = append(missing, "CALLBACK_TOKEN")
	}
	if c.Chain.RPCURL == "" {
		missing = append(missing, "SOLANA_RPC_URL")
	}
	if c.Chain.CreditsProgramID == "" {
		missing = append(missing, "CREDITS_PROGRAM_ID")
	}
	if c.Chain.SpenderKeypair == "" {
		missing = append(missing, "SPENDER_KEYPAIR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOr(key, def string, transform func(string) string) string {
	if v := os.Getenv(key); v != "" {
		return transform(v)
	}
	return def
}

func addrFromPort(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ParseBool parses common boolean string representations: "true", "1" and
// "yes" (case-insensitive, surrounding spaces ignored) are true, anything
// else is false.
func ParseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}
