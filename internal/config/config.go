// Package config resolves carriergate's startup configuration. spec.md
// §6 fixes the CLI surface at exactly three positional arguments (bind
// address, TCP port, registry file path); everything else is ambient
// tuning the distillation left unconstrained, carried the teacher's way:
// an optional YAML sidecar (named by an env var, since it isn't one of
// the three positional arguments) supplies defaults for TLS material,
// the upstream-death drop policy, and the shutdown drain timeout, and
// plain environment variables then override anything the file set.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr   string
	RegistryPath string
	CertFile     string
	KeyFile      string
	CAFile       string

	DropOnUpstreamDeath bool
	ShutdownGrace       time.Duration
}

const defaultShutdownGrace = 10 * time.Second

// fileConfig mirrors the YAML sidecar's shape. Every field is optional;
// a missing key simply leaves the corresponding Config field at its
// built-in default, to be overridden by env vars below.
type fileConfig struct {
	TLSCert             string `yaml:"tls_cert"`
	TLSKey              string `yaml:"tls_key"`
	TLSCA               string `yaml:"tls_ca"`
	DropOnUpstreamDeath *bool  `yaml:"drop_on_upstream_death"`
	ShutdownGraceSecs   *int   `yaml:"shutdown_grace_seconds"`
}

// Parse reads spec.md §6's three positional arguments (bind address, TCP
// port, registry file path), an optional YAML sidecar named by
// CARRIERGATE_CONFIG_FILE, and environment overrides into a validated
// Config. args excludes the program name (pass os.Args[1:]).
func Parse(args []string) (*Config, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("config: expected 3 arguments (bind-address port registry-path), got %d", len(args))
	}
	address, portArg, registryPath := args[0], args[1], args[2]

	port, err := strconv.ParseUint(portArg, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("config: invalid TCP port %q: %w", portArg, err)
	}
	if net.ParseIP(address) == nil {
		return nil, fmt.Errorf("config: invalid bind address %q: not an IPv4 or IPv6 literal", address)
	}

	cfg := &Config{
		ListenAddr:          net.JoinHostPort(address, strconv.FormatUint(port, 10)),
		RegistryPath:        registryPath,
		DropOnUpstreamDeath: true,
		ShutdownGrace:       defaultShutdownGrace,
	}

	if path := os.Getenv("CARRIERGATE_CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %q: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: parsing %q: %w", path, err)
	}

	cfg.CertFile = fc.TLSCert
	cfg.KeyFile = fc.TLSKey
	cfg.CAFile = fc.TLSCA
	if fc.DropOnUpstreamDeath != nil {
		cfg.DropOnUpstreamDeath = *fc.DropOnUpstreamDeath
	}
	if fc.ShutdownGraceSecs != nil {
		cfg.ShutdownGrace = time.Duration(*fc.ShutdownGraceSecs) * time.Second
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CARRIERGATE_TLS_CERT"); v != "" {
		cfg.CertFile = v
	}
	if v := os.Getenv("CARRIERGATE_TLS_KEY"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("CARRIERGATE_TLS_CA"); v != "" {
		cfg.CAFile = v
	}
	if v := os.Getenv("CARRIERGATE_DROP_ON_UPSTREAM_DEATH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: CARRIERGATE_DROP_ON_UPSTREAM_DEATH: %w", err)
		}
		cfg.DropOnUpstreamDeath = b
	}
	if v := os.Getenv("CARRIERGATE_SHUTDOWN_GRACE_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CARRIERGATE_SHUTDOWN_GRACE_SECONDS: %w", err)
		}
		cfg.ShutdownGrace = time.Duration(secs) * time.Second
	}
	return nil
}

func (c *Config) validate() error {
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("config: CARRIERGATE_TLS_CERT and CARRIERGATE_TLS_KEY are required")
	}
	return nil
}
