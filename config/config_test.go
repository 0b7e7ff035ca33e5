package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	if cfg.ListenAddress == "" || cfg.DataDir == "" {
		t.Fatalf("defaults missing: %+v", cfg)
	}
	if cfg.PlatformFeeBps != 250 || cfg.FeeRecipient == "" {
		t.Fatalf("default fee config = %d/%q", cfg.PlatformFeeBps, cfg.FeeRecipient)
	}
	if len(cfg.APIKeys) != 1 || len(cfg.Genesis) != 1 {
		t.Fatalf("default keys/genesis = %d/%d", len(cfg.APIKeys), len(cfg.Genesis))
	}
	if cfg.AdminRefundDelay() != 24*time.Hour {
		t.Fatalf("refund delay = %v", cfg.AdminRefundDelay())
	}
}

func TestLoadAppliesDefaultsToSparseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`ListenAddress = "127.0.0.1:9000"`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9000" {
		t.Fatalf("listen = %q", cfg.ListenAddress)
	}
	if cfg.ReconInterval() != 30*time.Second || cfg.ReconLookback != 1000 || cfg.ReconBatchSize != 100 {
		t.Fatalf("recon defaults = %v/%d/%d", cfg.ReconInterval(), cfg.ReconLookback, cfg.ReconBatchSize)
	}
	if cfg.RateLimitPerMinute != 600 || cfg.RateLimitBurst != 20 {
		t.Fatalf("rate limit defaults = %v/%d", cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"fee above cap", "PlatformFeeBps = 10001"},
		{"fee without recipient", "PlatformFeeBps = 250"},
		{"api key missing secret", "[[APIKeys]]\nKey = \"k\"\nAccount = \"a\""},
		{"genesis missing amount", "[[Genesis]]\nAccount = \"a\""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tc.body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("invalid config accepted: %s", tc.body)
			}
		})
	}
}

func TestAdminSecretEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`AdminTokenSecret = "from-file"`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvAdminSecret, "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AdminTokenSecret != "from-env" {
		t.Fatalf("secret = %q, want env override", cfg.AdminTokenSecret)
	}
}
