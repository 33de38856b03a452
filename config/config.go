package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the configuration for the keygate server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotationPeriod  int    `hcl:"log_rotation_period,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	Listeners  []ListenerBlock  `hcl:"listener,block"`
	Storage    *StorageBlock    `hcl:"storage,block"`
	Crypto     *CryptoBlock     `hcl:"crypto,block"`
	Validation *ValidationBlock `hcl:"validation,block"`
	Providers  []ProviderBlock  `hcl:"provider,block"`
}

type ListenerBlock struct {
	Name        string `hcl:"name,label"`
	Protocol    string `hcl:"protocol"`
	Address     string `hcl:"address"`
	TLSCertFile string `hcl:"tls_cert_file,optional"`
	TLSKeyFile  string `hcl:"tls_key_file,optional"`
	TLSEnabled  bool   `hcl:"tls_enabled,optional"`
}

type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem" or "postgres"

	// PostgreSQL storage specific config
	ConnectionUrl   string `hcl:"connection_url,optional"`
	Table           string `hcl:"table,optional"`
	MaxConnections  int    `hcl:"max_connections,optional"`
	SkipCreateTable bool   `hcl:"skip_create_table,optional"`
}

// Config returns the storage configuration as a map
func (s *StorageBlock) Config() map[string]string {
	config := make(map[string]string)

	config["type"] = s.Type

	if s.ConnectionUrl != "" {
		config["connection_url"] = s.ConnectionUrl
	}
	if s.Table != "" {
		config["table"] = s.Table
	}
	if s.MaxConnections != 0 {
		config["max_connections"] = fmt.Sprintf("%d", s.MaxConnections)
	}
	if s.SkipCreateTable {
		config["skip_create_table"] = "true"
	}

	return config
}

// CryptoBlock configures the process-wide key material. The at-rest key is
// supplied out-of-band (environment variable or file), never derived from
// user input.
type CryptoBlock struct {
	// Environment variable holding the base64 32-byte at-rest key.
	AtRestKeyEnv string `hcl:"at_rest_key_env,optional"`
	// File holding the base64 at-rest key, used when the env var is unset.
	AtRestKeyFile string `hcl:"at_rest_key_file,optional"`

	// PEM file with the RSA transport private key. When empty an ephemeral
	// keypair is generated at startup.
	TransportKeyFile string `hcl:"transport_key_file,optional"`
	// RSA modulus size for generated transport keypairs.
	TransportKeyBits int `hcl:"transport_key_bits,optional"`
}

// ValidationBlock bounds connectivity checks.
type ValidationBlock struct {
	DefaultTimeout string `hcl:"default_timeout,optional"`
	MaxTimeout     string `hcl:"max_timeout,optional"`
	MaxConcurrent  int    `hcl:"max_concurrent,optional"`
}

// ProviderBlock pins a default endpoint for a provider tag.
type ProviderBlock struct {
	Tag      string `hcl:"tag,label"`
	Endpoint string `hcl:"endpoint"`
}

const (
	DefaultValidationTimeout = 10 * time.Second
	MaxValidationTimeout     = 30 * time.Second
	DefaultMaxConcurrent     = 16
)

// DefaultTimeout returns the configured default validation timeout.
func (v *ValidationBlock) DefaultTimeoutOrDefault() (time.Duration, error) {
	if v == nil || v.DefaultTimeout == "" {
		return DefaultValidationTimeout, nil
	}
	d, err := parseutil.ParseDurationSecond(v.DefaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid default_timeout: %w", err)
	}
	return d, nil
}

// MaxTimeoutOrDefault returns the configured timeout ceiling.
func (v *ValidationBlock) MaxTimeoutOrDefault() (time.Duration, error) {
	if v == nil || v.MaxTimeout == "" {
		return MaxValidationTimeout, nil
	}
	d, err := parseutil.ParseDurationSecond(v.MaxTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid max_timeout: %w", err)
	}
	return d, nil
}

// MaxConcurrentOrDefault returns the concurrent validation bound.
func (v *ValidationBlock) MaxConcurrentOrDefault() int {
	if v == nil || v.MaxConcurrent <= 0 {
		return DefaultMaxConcurrent
	}
	return v.MaxConcurrent
}

// ProviderEndpoints returns the configured tag -> default endpoint map.
func (c *Config) ProviderEndpoints() map[string]string {
	endpoints := make(map[string]string, len(c.Providers))
	for _, p := range c.Providers {
		if p.Endpoint != "" {
			endpoints[p.Tag] = p.Endpoint
		}
	}
	return endpoints
}

func LoadConfig(configFile string) (*Config, error) {
	var config Config

	err := hclsimple.DecodeFile(configFile, nil, &config)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// GetListenerByName returns a listener by its name (label)
func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for _, listener := range c.Listeners {
		if listener.Name == name {
			return &listener, nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}
