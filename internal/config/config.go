// Package config provides configuration loading and validation for the
// mail server, grounded on infodancer-pop3d/internal/config's TOML/flag
// layering.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode selects the wire protocol a listener speaks.
type ListenerMode string

const (
	// ModeSMTP is standard inbound SMTP, typically port 25 or 587.
	ModeSMTP ListenerMode = "smtp"
	// ModeLMTP is LMTP, the local-delivery variant that replies once per
	// recipient instead of once per message.
	ModeLMTP ListenerMode = "lmtp"
)

// DirectoryBackend selects which Directory implementation to build.
type DirectoryBackend string

const (
	BackendStatic DirectoryBackend = "static"
	BackendLDAP   DirectoryBackend = "ldap"
)

// Config holds the full server configuration.
type Config struct {
	Hostname  string           `toml:"hostname"`
	LogLevel  string           `toml:"log_level"`
	Listeners []ListenerConfig `toml:"listeners"`
	TLS       TLSConfig        `toml:"tls"`
	Timeouts  TimeoutsConfig   `toml:"timeouts"`
	Limits    LimitsConfig     `toml:"limits"`
	Metrics   MetricsConfig    `toml:"metrics"`
	Milter    MilterConfig     `toml:"milter"`
	Sieve     SieveConfig      `toml:"sieve"`
	Directory DirectoryConfig  `toml:"directory"`
}

// ListenerConfig defines one bound address and the protocol it speaks.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings for STARTTLS/implicit-TLS listeners.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// TimeoutsConfig defines the session timeouts threaded into smtp.Config.
type TimeoutsConfig struct {
	Command string `toml:"command"`
	Data    string `toml:"data"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxConnections int   `toml:"max_connections"`
	MaxMessageSize int64 `toml:"max_message_size"`
}

// MetricsConfig holds configuration for the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// MilterConfig describes the chain of Milter peers consulted per message,
// in invocation order, plus the chain's error-handling policy.
type MilterConfig struct {
	Peers           []MilterPeerConfig `toml:"peers"`
	TempfailOnError bool               `toml:"tempfail_on_error"`
	ConnectTimeout  string             `toml:"connect_timeout"`
}

// MilterPeerConfig describes how to dial one Milter peer.
type MilterPeerConfig struct {
	Network string `toml:"network"` // "tcp" or "unix"
	Address string `toml:"address"`
}

// SieveConfig points at the Sieve script(s) run against every message.
type SieveConfig struct {
	ScriptDir     string `toml:"script_dir"`
	DefaultScript string `toml:"default_script"`
}

// DirectoryConfig selects and configures the address-directory backend.
type DirectoryConfig struct {
	Backend      DirectoryBackend `toml:"backend"`
	LocalDomains []string         `toml:"local_domains"`

	Static StaticDirectoryConfig `toml:"static"`
	LDAP   LDAPDirectoryConfig   `toml:"ldap"`
}

// StaticDirectoryConfig configures directory.StaticDirectory.
type StaticDirectoryConfig struct {
	Accounts []StaticAccountConfig `toml:"accounts"`
	CatchAll map[string]string     `toml:"catch_all"`
}

// StaticAccountConfig is one configured StaticDirectory account.
type StaticAccountConfig struct {
	Name    string   `toml:"name"`
	Emails  []string `toml:"emails"`
	Secret  string   `toml:"secret"`
	Type    string   `toml:"type"` // "individual" or "list"
	Quota   int64    `toml:"quota"`
	Members []string `toml:"members"`
}

// LDAPDirectoryConfig configures directory.LDAPDirectory.
type LDAPDirectoryConfig struct {
	URL          string `toml:"url"`
	BindDN       string `toml:"bind_dn"`
	BindPassword string `toml:"bind_password"`
	BaseDN       string `toml:"base_dn"`
	UserFilter   string `toml:"user_filter"`
	GroupFilter  string `toml:"group_filter"`
	MailAttr     string `toml:"mail_attr"`
	NameAttr     string `toml:"name_attr"`
	MemberAttr   string `toml:"member_attr"`
	QuotaAttr    string `toml:"quota_attr"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeSMTP},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Timeouts: TimeoutsConfig{
			Command: "5m",
			Data:    "10m",
		},
		Limits: LimitsConfig{
			MaxConnections: 100,
			MaxMessageSize: 32 << 20,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
			Path:    "/metrics",
		},
		Directory: DirectoryConfig{
			Backend: BackendStatic,
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}
	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}

	if err := validDuration("command timeout", c.Timeouts.Command); err != nil {
		return err
	}
	if err := validDuration("data timeout", c.Timeouts.Data); err != nil {
		return err
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	for i, p := range c.Milter.Peers {
		if p.Address == "" {
			return fmt.Errorf("milter peer %d: address is required", i)
		}
		if p.Network != "tcp" && p.Network != "unix" {
			return fmt.Errorf("milter peer %d: network must be tcp or unix, got %q", i, p.Network)
		}
	}

	switch c.Directory.Backend {
	case BackendStatic, "":
	case BackendLDAP:
		if c.Directory.LDAP.URL == "" {
			return errors.New("directory.ldap.url is required when directory.backend is ldap")
		}
	default:
		return fmt.Errorf("invalid directory backend %q", c.Directory.Backend)
	}

	return nil
}

func validDuration(label, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("invalid %s: %w", label, err)
	}
	return nil
}

// CommandTimeout returns the configured command timeout, defaulting to 5 minutes.
func (t *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseOrDefault(t.Command, 5*time.Minute)
}

// DataTimeout returns the configured DATA/BDAT timeout, defaulting to 10 minutes.
func (t *TimeoutsConfig) DataTimeout() time.Duration {
	return parseOrDefault(t.Data, 10*time.Minute)
}

func parseOrDefault(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum
// TLS version, defaulting to TLS 1.2 if unconfigured or invalid.
func (t *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[t.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSMTP, ModeLMTP:
		return true
	default:
		return false
	}
}
