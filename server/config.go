package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListenAddr is where the app serves its UI and receives the
	// provider's redirect.
	DefaultListenAddr = "127.0.0.1:8900"

	// DefaultStorePath is where the durable client configuration lives.
	DefaultStorePath = "vpclient-store.json"

	// DefaultVerificationEndpoint is the public verification service used
	// until the operator points the session somewhere else.
	DefaultVerificationEndpoint = "https://api.dentity.com/core/verify-proofs"

	// DefaultRequestTimeout bounds the token and verification calls.
	DefaultRequestTimeout = 30 * time.Second
)

// Config captures the application settings, loaded from YAML and merged
// with environment overrides.  None of this is the OIDC client
// registration; that record is owned by the durable store.
type Config struct {
	ListenAddr           string `yaml:"listen_addr"`
	StorePath            string `yaml:"store_path"`
	VerificationEndpoint string `yaml:"verification_endpoint"`
	RequestTimeout       string `yaml:"request_timeout"`
	LogLevel             string `yaml:"log_level"`
}

// LoadConfig reads the YAML config file (optional) and merges environment
// overrides on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:           DefaultListenAddr,
		StorePath:            DefaultStorePath,
		VerificationEndpoint: DefaultVerificationEndpoint,
		LogLevel:             "info",
	}
}

// Validate checks the settings that would otherwise only fail deep inside a
// request.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is empty")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is empty")
	}
	if c.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.RequestTimeout); err != nil {
			return fmt.Errorf("request_timeout %q is invalid: %w", c.RequestTimeout, err)
		}
	}
	return nil
}

// Timeout returns the parsed request timeout, falling back to the default.
func (c Config) Timeout() time.Duration {
	if c.RequestTimeout == "" {
		return DefaultRequestTimeout
	}
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		return DefaultRequestTimeout
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"VPCLIENT_LISTEN_ADDR":           func(v string) { cfg.ListenAddr = v },
		"VPCLIENT_STORE_PATH":            func(v string) { cfg.StorePath = v },
		"VPCLIENT_VERIFICATION_ENDPOINT": func(v string) { cfg.VerificationEndpoint = v },
		"VPCLIENT_REQUEST_TIMEOUT":       func(v string) { cfg.RequestTimeout = v },
		"VPCLIENT_LOG_LEVEL":             func(v string) { cfg.LogLevel = v },
	}
	for key, fn := range overrides {
		if v := os.Getenv(key); v != "" {
			fn(v)
		}
	}
}
