package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buybackd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  hmac_secret: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7090" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Exchange.Mode != ExchangeSimulator {
		t.Fatalf("unexpected exchange mode %q", cfg.Exchange.Mode)
	}
	if cfg.Auth.ClockSkew.Duration != 2*time.Minute {
		t.Fatalf("unexpected clock skew %s", cfg.Auth.ClockSkew)
	}
	if cfg.RateLimit.Burst != 5 {
		t.Fatalf("unexpected burst %d", cfg.RateLimit.Burst)
	}
	if cfg.Exchange.ReceiptTimeout.Duration != 2*time.Minute {
		t.Fatalf("unexpected receipt timeout %s", cfg.Exchange.ReceiptTimeout)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
auth:
  hmac_secret: secret
  clock_skew: 30s
exchange:
  mode: EVM
  rpc_url: http://localhost:8545
  chain_id: 1337
  address: "0x00000000000000000000000000000000000d0e00"
  wrapped_native: "0x000000000000000000000000000000000000e7e0"
  key_file: custody.key
  poll_interval: 500ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.ClockSkew.Duration != 30*time.Second {
		t.Fatalf("unexpected clock skew %s", cfg.Auth.ClockSkew)
	}
	if cfg.Exchange.Mode != ExchangeEVM {
		t.Fatalf("mode not normalised: %q", cfg.Exchange.Mode)
	}
	if cfg.Exchange.PollInterval.Duration != 500*time.Millisecond {
		t.Fatalf("unexpected poll interval %s", cfg.Exchange.PollInterval)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing secret", body: "listen: \":1\"\n"},
		{name: "unknown mode", body: "auth:\n  hmac_secret: s\nexchange:\n  mode: fake\n"},
		{name: "evm without rpc", body: "auth:\n  hmac_secret: s\nexchange:\n  mode: evm\n"},
		{name: "bad custody", body: "auth:\n  hmac_secret: s\nexchange:\n  custody: nope\n"},
		{name: "bad duration", body: "auth:\n  hmac_secret: s\n  clock_skew: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
