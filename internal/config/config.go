package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the marketplace server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Chain    ChainConfig
	Escrow   EscrowConfig
	Admin    AdminConfig
	Jobs     JobsConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	DemoMode           bool
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type ChainConfig struct {
	RPCURL  string
	Network string
	// USDCMint is the SPL mint of the settlement asset.
	USDCMint string
	// Timeout bounds each chain adapter call on its own: a submit, a
	// confirmation wait, a transaction fetch, or a whole escrow transfer.
	Timeout time.Duration
}

type EscrowConfig struct {
	// Wallet is the base58 address holding deposits between verification
	// and release.
	Wallet string
	// PrivateKey signs release and refund transactions. Base58 encoded.
	PrivateKey string
	// PlatformWallet receives the fee cut of each release. Optional; an
	// empty value disables the platform transfer.
	PlatformWallet string
	// FeePercent 0..100; converted to basis points for the integer split.
	FeePercent int
}

type AdminConfig struct {
	// APIKey gates the admin endpoints. Accepts either a plaintext secret
	// or a bcrypt hash of one ($2a$/$2b$ prefix).
	APIKey     string
	AllowedIPs []string
}

type JobsConfig struct {
	// Expiry is measured from job creation; an OPEN job past it may be
	// expired by the sweeper.
	Expiry time.Duration
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns an error with a descriptive message if any
// required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:               envString("HOST", ""),
			Port:               envInt("PORT", 8080),
			DemoMode:           envBool("DEMO_MODE", false),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 100),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Chain: ChainConfig{
			RPCURL:   os.Getenv("SOLANA_RPC_URL"),
			Network:  envString("SOLANA_NETWORK", "devnet"),
			USDCMint: os.Getenv("USDC_MINT"),
			Timeout:  envDuration("CHAIN_TIMEOUT", 45*time.Second),
		},
		Escrow: EscrowConfig{
			Wallet:         os.Getenv("ESCROW_WALLET"),
			PrivateKey:     os.Getenv("ESCROW_PRIVATE_KEY"),
			PlatformWallet: os.Getenv("PLATFORM_WALLET"),
			FeePercent:     envInt("PLATFORM_FEE_PERCENT", 0),
		},
		Admin: AdminConfig{
			APIKey:     os.Getenv("ADMIN_API_KEY"),
			AllowedIPs: envList("ADMIN_ALLOWED_IPS"),
		},
		Jobs: JobsConfig{
			Expiry: time.Duration(envInt("JOB_EXPIRY_HOURS", 72)) * time.Hour,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" && !c.Server.DemoMode {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Server.DemoMode {
		// Demo mode runs without a chain endpoint; deposits are
		// short-circuited by the activate endpoint and no on-chain
		// settlement runs.
		return nil
	}

	if c.Chain.RPCURL == "" {
		return fmt.Errorf("SOLANA_RPC_URL is required")
	}
	if !strings.HasPrefix(c.Chain.RPCURL, "http://") && !strings.HasPrefix(c.Chain.RPCURL, "https://") {
		return fmt.Errorf("SOLANA_RPC_URL must start with http:// or https://, got %q", c.Chain.RPCURL)
	}
	if c.Chain.USDCMint == "" {
		return fmt.Errorf("USDC_MINT is required")
	}
	if c.Escrow.Wallet == "" {
		return fmt.Errorf("ESCROW_WALLET is required")
	}
	if c.Escrow.PrivateKey == "" {
		return fmt.Errorf("ESCROW_PRIVATE_KEY is required")
	}
	if c.Escrow.FeePercent < 0 || c.Escrow.FeePercent > 100 {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be between 0 and 100, got %d", c.Escrow.FeePercent)
	}
	if c.Escrow.FeePercent > 0 && c.Escrow.PlatformWallet == "" {
		return fmt.Errorf("PLATFORM_WALLET is required when PLATFORM_FEE_PERCENT is set")
	}

	return nil
}

// FeeBasisPoints converts the configured fee percentage to basis points.
func (c *Config) FeeBasisPoints() int64 {
	return int64(c.Escrow.FeePercent) * 100
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
