// Package config loads the daemon configuration from a TOML file, writing a
// commented default file on first start.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvAdminSecret overrides the AdminTokenSecret value so the JWT secret can
// stay out of the config file.
const EnvAdminSecret = "ESCROWD_ADMIN_SECRET"

// Config is the full daemon configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	LogFile       string `toml:"LogFile"`
	Environment   string `toml:"Environment"`

	PlatformFeeBps uint32 `toml:"PlatformFeeBps"`
	FeeRecipient   string `toml:"FeeRecipient"`
	VaultAccount   string `toml:"VaultAccount"`

	AdminAccounts        []string `toml:"AdminAccounts"`
	AdminRefundDelaySecs int64    `toml:"AdminRefundDelaySecs"`
	AdminTokenSecret     string   `toml:"AdminTokenSecret"`

	ReconIntervalSecs int64  `toml:"ReconIntervalSecs"`
	ReconLookback     uint64 `toml:"ReconLookback"`
	ReconBatchSize    int    `toml:"ReconBatchSize"`

	WebhookURL    string `toml:"WebhookURL"`
	WebhookSecret string `toml:"WebhookSecret"`

	RateLimitPerMinute float64 `toml:"RateLimitPerMinute"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`

	APIKeys []APIKeyConfig      `toml:"APIKeys"`
	Genesis []GenesisAllocation `toml:"Genesis"`
}

// APIKeyConfig grants one API client access as a ledger account.
type APIKeyConfig struct {
	Key     string `toml:"Key"`
	Secret  string `toml:"Secret"`
	Account string `toml:"Account"`
}

// GenesisAllocation seeds a ledger balance at startup. Amount is a base-10
// integer string.
type GenesisAllocation struct {
	Account string `toml:"Account"`
	Amount  string `toml:"Amount"`
}

// Load reads the configuration at path, creating a default file when none
// exists. Environment overrides are applied after decoding.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return nil, err
		}
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if secret := strings.TrimSpace(os.Getenv(EnvAdminSecret)); secret != "" {
		cfg.AdminTokenSecret = secret
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = "0.0.0.0:8545"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if c.AdminRefundDelaySecs <= 0 {
		c.AdminRefundDelaySecs = int64((24 * time.Hour).Seconds())
	}
	if c.ReconIntervalSecs <= 0 {
		c.ReconIntervalSecs = 30
	}
	if c.ReconLookback == 0 {
		c.ReconLookback = 1000
	}
	if c.ReconBatchSize <= 0 {
		c.ReconBatchSize = 100
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 600
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 20
	}
}

func (c *Config) validate() error {
	if c.PlatformFeeBps > 10000 {
		return fmt.Errorf("config: PlatformFeeBps %d exceeds 10000", c.PlatformFeeBps)
	}
	if c.PlatformFeeBps > 0 && strings.TrimSpace(c.FeeRecipient) == "" {
		return fmt.Errorf("config: FeeRecipient is required when PlatformFeeBps is set")
	}
	for i, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" || strings.TrimSpace(key.Account) == "" {
			return fmt.Errorf("config: APIKeys[%d] requires Key, Secret and Account", i)
		}
	}
	for i, alloc := range c.Genesis {
		if strings.TrimSpace(alloc.Account) == "" || strings.TrimSpace(alloc.Amount) == "" {
			return fmt.Errorf("config: Genesis[%d] requires Account and Amount", i)
		}
	}
	return nil
}

// AdminRefundDelay returns the dispute cooling-off period as a duration.
func (c *Config) AdminRefundDelay() time.Duration {
	return time.Duration(c.AdminRefundDelaySecs) * time.Second
}

// ReconInterval returns the reconciliation cadence as a duration.
func (c *Config) ReconInterval() time.Duration {
	return time.Duration(c.ReconIntervalSecs) * time.Second
}

func writeDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create config dir: %w", err)
		}
	}
	defaultConfig := `ListenAddress = "0.0.0.0:8545"
DataDir = "./escrowd-data"
Environment = "dev"

PlatformFeeBps = 250
FeeRecipient = "platform.fees"
VaultAccount = "escrow.vault"

AdminAccounts = ["ops.admin"]
AdminRefundDelaySecs = 86400

ReconIntervalSecs = 30
ReconLookback = 1000
ReconBatchSize = 100

RateLimitPerMinute = 600
RateLimitBurst = 20

# WebhookURL = "https://example.com/hooks/escrow"
# WebhookSecret = "change-me"

[[APIKeys]]
Key = "dev-key"
Secret = "dev-secret"
Account = "buyer.dev"

[[Genesis]]
Account = "buyer.dev"
Amount = "1000000"
`
	if err := os.WriteFile(path, []byte(defaultConfig), 0o600); err != nil {
		return fmt.Errorf("config: write default config: %w", err)
	}
	return nil
}
