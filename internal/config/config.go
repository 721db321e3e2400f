// Package config loads and validates the proxy's JSON configuration,
// the way the karoo proxy's cmd/karoo/main.go:loadConfig does: parse, fill
// defaults, then validate.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Egress configures an optional SOCKS5 proxy used to dial outbound
// EchoLink sessions from a slot, mirroring the karoo proxy's UpstreamConfig.SocksProxy.
type Egress struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Config is the read-only-after-open proxy configuration.
type Config struct {
	// Core handshake/admission configuration.
	Password            string   `json:"password"`
	BindAddress         string   `json:"bind_address"`
	Port                uint16   `json:"port"`
	BindAddressExt      string   `json:"bind_address_ext"`
	BindAddressExtAdd   []string `json:"additional_external_bind_addresses"`
	CallsignAllowList   string   `json:"callsign_allow_list"`
	CallsignDenyList    string   `json:"callsign_deny_list"`

	// Logging.
	LogLevel  string `json:"log_level"`
	LogMedium string `json:"log_medium"`
	LogFile   string `json:"log_file"`
	LogIdent  string `json:"log_ident"`

	// Registration (directory announcer) collaborator.
	RegistrationURL             string `json:"registration_url"`
	RegistrationIntervalSeconds int    `json:"registration_interval_seconds"`

	// Prometheus/health HTTP endpoint.
	MetricsListen string `json:"metrics_listen"`

	// Outbound egress for slot sessions.
	Egress Egress `json:"egress"`
}

// Load reads, parses, default-fills, and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 5198
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.LogMedium == "" {
		c.LogMedium = "stdout"
	}
	if c.LogIdent == "" {
		c.LogIdent = "elproxyd"
	}
	if c.RegistrationIntervalSeconds == 0 {
		c.RegistrationIntervalSeconds = 300
	}
}

// Validate enforces that if BindAddressExtAdd is non-empty,
// BindAddressExt must be set and not the wildcard "0.0.0.0".
func (c *Config) Validate() error {
	if len(c.BindAddressExtAdd) > 0 {
		if c.BindAddressExt == "" || c.BindAddressExt == "0.0.0.0" {
			return fmt.Errorf("additional_external_bind_addresses requires bind_address_ext to be set and not the wildcard address")
		}
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}

// SlotCount returns N = 1 + len(BindAddressExtAdd), the fixed pool size
// of slots and workers.
func (c *Config) SlotCount() int {
	return 1 + len(c.BindAddressExtAdd)
}

// SourceAddr returns the external bind address for slot index i: slot 0
// uses BindAddressExt, slot i>0 uses BindAddressExtAdd[i-1].
func (c *Config) SourceAddr(i int) string {
	if i == 0 {
		return c.BindAddressExt
	}
	return c.BindAddressExtAdd[i-1]
}
