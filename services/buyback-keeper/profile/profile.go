package profile

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Profile configures one keeper instance.
type Profile struct {
	Environment string   `toml:"Environment"`
	DaemonURL   string   `toml:"DaemonURL"`
	Identity    string   `toml:"Identity"`
	HMACSecret  string   `toml:"HMACSecret"`
	Issuer      string   `toml:"Issuer"`
	Audience    string   `toml:"Audience"`
	Schedule    string   `toml:"Schedule"`
	Timeout     string   `toml:"Timeout"`
	Owners      []string `toml:"Owners"`
	LogLevel    string   `toml:"LogLevel"`
	LogFile     string   `toml:"LogFile"`
}

// Load decodes the TOML profile at path. Unknown keys are rejected so typos
// do not silently fall back to defaults.
func Load(path string) (*Profile, error) {
	p := &Profile{}
	meta, err := toml.DecodeFile(path, p)
	if err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("profile %s has unknown key %s", path, undecoded[0].String())
	}
	if strings.TrimSpace(p.HMACSecret) == "" {
		p.HMACSecret = strings.TrimSpace(os.Getenv("BUYBACK_KEEPER_SECRET"))
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) applyDefaults() {
	if strings.TrimSpace(p.DaemonURL) == "" {
		p.DaemonURL = "http://127.0.0.1:7090"
	}
	p.DaemonURL = strings.TrimRight(p.DaemonURL, "/")
	if strings.TrimSpace(p.Schedule) == "" {
		p.Schedule = "@every 1m"
	}
	if strings.TrimSpace(p.Timeout) == "" {
		p.Timeout = "15s"
	}
	if p.LogLevel == "" {
		p.LogLevel = "info"
	}
}

func (p *Profile) validate() error {
	if !common.IsHexAddress(p.Identity) {
		return fmt.Errorf("Identity must be a hex address")
	}
	if p.HMACSecret == "" {
		return fmt.Errorf("HMACSecret must be configured")
	}
	if _, err := time.ParseDuration(p.Timeout); err != nil {
		return fmt.Errorf("Timeout: %w", err)
	}
	for _, owner := range p.Owners {
		if !common.IsHexAddress(owner) {
			return fmt.Errorf("Owners entry %q is not a hex address", owner)
		}
	}
	return nil
}

// TimeoutDuration returns the per-request timeout.
func (p *Profile) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(p.Timeout)
	return d
}

// IdentityAddress returns the keeper's caller address.
func (p *Profile) IdentityAddress() common.Address {
	return common.HexToAddress(p.Identity)
}

// OwnerAddresses returns the configured allowlist, empty meaning every owner.
func (p *Profile) OwnerAddresses() []common.Address {
	out := make([]common.Address, len(p.Owners))
	for i, owner := range p.Owners {
		out[i] = common.HexToAddress(owner)
	}
	return out
}
