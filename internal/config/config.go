package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Store and ledger backends.
const (
	StoreBolt   = "bolt"
	StoreMemory = "memory"
	StoreValkey = "valkey"

	LedgerMemory    = "memory"
	LedgerWebSocket = "ws"
)

// minSigningKeyLen mirrors token.MinKeyLen. HS256 keys shorter than
// the hash output weaken the signature.
const minSigningKeyLen = 32

// Config holds all environment-based configuration for toolpay.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8090"`

	// ServerURL is the external URL of this server. It is the OAuth
	// issuer. ResourceURL is the audience access tokens are pinned to
	// and defaults to ServerURL + "/mcp".
	ServerURL   string `env:"SERVER_URL"`
	ResourceURL string `env:"RESOURCE_URL"`

	TokenSigningKey      string        `env:"TOKEN_SIGNING_KEY"`
	AuthUsers            string        `env:"AUTH_USERS"`
	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL      time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	RefreshTokenRotation bool          `env:"REFRESH_TOKEN_ROTATION" envDefault:"false"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"bolt"`
	StorePath    string `env:"STORE_PATH"`
	ValkeyAddr   string `env:"VALKEY_ADDR"`
	ValkeyPrefix string `env:"VALKEY_PREFIX" envDefault:"toolpay:"`

	LedgerBackend        string        `env:"LEDGER_BACKEND" envDefault:"memory"`
	LedgerURL            string        `env:"LEDGER_URL"`
	LedgerSeed           string        `env:"LEDGER_SEED"`
	LedgerTimeout        time.Duration `env:"LEDGER_TIMEOUT" envDefault:"15s"`
	LedgerConfirmTimeout time.Duration `env:"LEDGER_CONFIRM_TIMEOUT" envDefault:"30s"`
	BalanceCacheTTL      time.Duration `env:"BALANCE_CACHE_TTL" envDefault:"5s"`

	ToolCatalogue string        `env:"TOOL_CATALOGUE"`
	ToolTimeout   time.Duration `env:"TOOL_TIMEOUT" envDefault:"30s"`

	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	RegistrationRate  int           `env:"REGISTRATION_RATE" envDefault:"10"`
	RegistrationBurst int           `env:"REGISTRATION_BURST" envDefault:"5"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the signing key to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.ResourceURL == "" && cfg.ServerURL != "" {
		cfg.ResourceURL = cfg.ServerURL + "/mcp"
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadLedger reads configuration for the standalone development ledger.
// Only logging and LEDGER_SEED are used, so the server settings are not
// validated.
func LoadLedger() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if _, err := cfg.ParseLedgerSeed(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("SERVER_URL must be an absolute URL")
	}

	if len(c.TokenSigningKey) < minSigningKeyLen {
		return fmt.Errorf("TOKEN_SIGNING_KEY must be at least %d characters", minSigningKeyLen)
	}

	if c.AuthUsers == "" {
		return fmt.Errorf("AUTH_USERS is required")
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL and REFRESH_TOKEN_TTL must be positive")
	}

	switch c.StoreBackend {
	case StoreBolt, StoreMemory:
	case StoreValkey:
		if c.ValkeyAddr == "" {
			return fmt.Errorf("VALKEY_ADDR is required when STORE_BACKEND=valkey")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q (supported: bolt, memory, valkey)", c.StoreBackend)
	}

	switch c.LedgerBackend {
	case LedgerMemory:
	case LedgerWebSocket:
		if c.LedgerURL == "" {
			return fmt.Errorf("LEDGER_URL is required when LEDGER_BACKEND=ws")
		}
	default:
		return fmt.Errorf("unsupported LEDGER_BACKEND %q (supported: memory, ws)", c.LedgerBackend)
	}

	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseUsers parses the AUTH_USERS string into username -> bcrypt hash.
// Format: "user1:hash1,user2:hash2". Bcrypt hashes contain no commas
// or colons, so the first colon separates the pair.
func (c *Config) ParseUsers() (map[string]string, error) {
	users := make(map[string]string)

	for _, pair := range strings.Split(c.AuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(users)+1)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in AUTH_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}

// ParseLedgerSeed parses LEDGER_SEED ("alice:10,bob:2.5") into opening
// deposits for the in-memory ledger.
func (c *Config) ParseLedgerSeed() (map[string]decimal.Decimal, error) {
	seed := make(map[string]decimal.Decimal)
	if c.LedgerSeed == "" {
		return seed, nil
	}

	for _, pair := range strings.Split(c.LedgerSeed, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		principal, amount, ok := strings.Cut(pair, ":")
		if !ok || principal == "" {
			return nil, fmt.Errorf("invalid ledger seed entry %q", pair)
		}

		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount for %q: %w", principal, err)
		}

		if d.IsNegative() {
			return nil, fmt.Errorf("negative amount for %q", principal)
		}

		seed[principal] = d
	}

	return seed, nil
}
