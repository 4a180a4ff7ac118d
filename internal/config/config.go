// Package config loads vtsd's daemon configuration using viper, the
// way firestige-Otus's internal/config loads capture-agent's: a YAML
// file supplies the base, environment variables and CLI flags layer
// on top with viper's usual precedence (flags > env > file >
// defaults).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// HandshakeConfig bounds the VTS handshake machinery (spec.md's
// `hshake_lim`/maximum accepted key length).
type HandshakeConfig struct {
	Limit     int `mapstructure:"limit"`
	MaxKeyLen int `mapstructure:"max_key_len"`
}

// VTSConfig lists the cipher/hash suites a vtsd instance is willing to
// offer or accept, in preference order.
type VTSConfig struct {
	Ciphers    []string `mapstructure:"ciphers"`
	HMACHashes []string `mapstructure:"hmac_hashes"`
	Hashes     []string `mapstructure:"hashes"`
}

// TLSFileConfig points at the PEM files backing the platform TLS
// backend's server identity.
type TLSFileConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LogConfig mirrors internal/vlog.Config's Level and Pattern fields.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Pattern string `mapstructure:"pattern"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Config is vtsd's top-level daemon configuration.
type Config struct {
	Listen       string          `mapstructure:"listen"`
	Transports   []string        `mapstructure:"transports"`
	Handshake    HandshakeConfig `mapstructure:"handshake"`
	VTS          VTSConfig       `mapstructure:"vts"`
	TLS          TLSFileConfig   `mapstructure:"tls"`
	TrustStore   []string        `mapstructure:"trust_store"`
	Log          LogConfig       `mapstructure:"log"`
	Metrics      MetricsConfig   `mapstructure:"metrics"`
}

// Load reads path (if non-empty) and layers VTSD_ environment
// variables and flags (already parsed into fs) on top, in viper's
// usual precedence order: flags > env > file > defaults.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("vtsd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: failed to bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":4433")
	v.SetDefault("transports", []string{"vts", "tls"})
	v.SetDefault("handshake.limit", 16384)
	v.SetDefault("handshake.max_key_len", 1024)
	v.SetDefault("vts.ciphers", []string{"aes256-cbc"})
	v.SetDefault("vts.hmac_hashes", []string{"sha-256"})
	v.SetDefault("vts.hashes", []string{"sha-256"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pattern", "text")
	v.SetDefault("metrics.listen", ":9090")
}

var validTransports = map[string]bool{"vts": true, "tls": true, "plain": true}

// Validate checks invariants Load's Unmarshal can't express on its own.
func (cfg *Config) Validate() error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if len(cfg.Transports) == 0 {
		return fmt.Errorf("at least one transport must be enabled")
	}
	for _, t := range cfg.Transports {
		if !validTransports[t] {
			return fmt.Errorf("unknown transport %q (want vts, tls, or plain)", t)
		}
	}
	for _, t := range cfg.Transports {
		if t == "tls" && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
			return fmt.Errorf("tls transport enabled but tls.cert_file/tls.key_file not set")
		}
	}
	if cfg.Handshake.Limit <= 0 {
		return fmt.Errorf("handshake.limit must be positive")
	}
	return nil
}

// HasTransport reports whether name is in cfg.Transports.
func (cfg *Config) HasTransport(name string) bool {
	for _, t := range cfg.Transports {
		if t == name {
			return true
		}
	}
	return false
}
