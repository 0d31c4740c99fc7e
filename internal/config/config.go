// Package config provides configuration parsing and validation for gatelink.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Storage   StorageConfig   `yaml:"storage"`
	Keys      KeysConfig      `yaml:"keys"`
	Health    HealthConfig    `yaml:"health"`
}

// AgentConfig contains process-wide settings.
type AgentConfig struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DiscoveryConfig configures gateway discovery.
type DiscoveryConfig struct {
	ServiceType string         `yaml:"service_type"`
	Local       LocalConfig    `yaml:"local"`
	WideArea    WideAreaConfig `yaml:"wide_area"`
}

// LocalConfig configures mDNS discovery on the local link.
type LocalConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Domain         string        `yaml:"domain"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
}

// WideAreaConfig configures unicast DNS-SD discovery. An empty Domain
// disables it.
type WideAreaConfig struct {
	Domain           string        `yaml:"domain"`
	QueryTimeout     time.Duration `yaml:"query_timeout"`
	DirectTimeout    time.Duration `yaml:"direct_timeout"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Nameservers      []string      `yaml:"nameservers"`
	PreferVPN        bool          `yaml:"prefer_vpn"`
	DirectQPS        float64       `yaml:"direct_qps"`
}

// Enabled reports whether a wide-area domain is configured.
func (w WideAreaConfig) Enabled() bool {
	return strings.TrimSpace(w.Domain) != ""
}

// StorageConfig selects the secure key-value backend holding token records.
type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis storage backend.
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// KeysConfig locates the key provider's directory.
type KeysConfig struct {
	Dir string `yaml:"dir"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Discovery: DiscoveryConfig{
			ServiceType: "_gatelink-gw._tcp",
			Local: LocalConfig{
				Enabled:        true,
				Domain:         "local.",
				ResolveTimeout: 5 * time.Second,
			},
			WideArea: WideAreaConfig{
				QueryTimeout:     3 * time.Second,
				DirectTimeout:    2 * time.Second,
				BaseDelay:        5 * time.Second,
				MaxDelay:         2 * time.Minute,
				FailureThreshold: 5,
				Nameservers:      []string{},
				PreferVPN:        true,
				DirectQPS:        10,
			},
		},
		Storage: StorageConfig{
			Backend: "file",
			Redis: RedisConfig{
				Address:   "127.0.0.1:6379",
				KeyPrefix: "gatelink:",
				Timeout:   3 * time.Second,
			},
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if !isValidServiceType(c.Discovery.ServiceType) {
		errs = append(errs, fmt.Sprintf("invalid discovery.service_type: %q (must look like _name._tcp)", c.Discovery.ServiceType))
	}
	if c.Discovery.Local.Enabled {
		if c.Discovery.Local.Domain == "" {
			errs = append(errs, "discovery.local.domain is required when enabled")
		}
		if c.Discovery.Local.ResolveTimeout <= 0 {
			errs = append(errs, "discovery.local.resolve_timeout must be positive")
		}
	}

	wa := c.Discovery.WideArea
	if wa.Enabled() {
		if strings.ContainsAny(wa.Domain, " \t/") {
			errs = append(errs, fmt.Sprintf("invalid discovery.wide_area.domain: %q", wa.Domain))
		}
		if wa.QueryTimeout <= 0 || wa.DirectTimeout <= 0 {
			errs = append(errs, "discovery.wide_area timeouts must be positive")
		}
		if wa.BaseDelay <= 0 {
			errs = append(errs, "discovery.wide_area.base_delay must be positive")
		}
		if wa.MaxDelay < wa.BaseDelay {
			errs = append(errs, "discovery.wide_area.max_delay must be >= base_delay")
		}
		if wa.FailureThreshold < 1 {
			errs = append(errs, "discovery.wide_area.failure_threshold must be positive")
		}
		if wa.DirectQPS < 0 {
			errs = append(errs, "discovery.wide_area.direct_qps must not be negative")
		}
		for i, ns := range wa.Nameservers {
			if !isValidNameserver(ns) {
				errs = append(errs, fmt.Sprintf("discovery.wide_area.nameservers[%d]: invalid address: %s", i, ns))
			}
		}
	}

	switch c.Storage.Backend {
	case "memory", "file", "sqlite":
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs = append(errs, "storage.redis.address is required for the redis backend")
		}
		if c.Storage.Redis.DB < 0 {
			errs = append(errs, "storage.redis.db must not be negative")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid storage.backend: %s (must be memory, file, sqlite, or redis)", c.Storage.Backend))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// KeysDir returns the key provider directory, defaulting to data_dir/keys.
func (c *Config) KeysDir() string {
	if c.Keys.Dir != "" {
		return c.Keys.Dir
	}
	return filepath.Join(c.Agent.DataDir, "keys")
}

// StoragePath returns the file or database path of the storage backend,
// defaulting to a file under data_dir.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	switch c.Storage.Backend {
	case "sqlite":
		return filepath.Join(c.Agent.DataDir, "tokens.db")
	case "file":
		return filepath.Join(c.Agent.DataDir, "tokens.json")
	default:
		return ""
	}
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

var serviceTypeRegex = regexp.MustCompile(`^_[A-Za-z0-9-]{1,63}\._(tcp|udp)$`)

func isValidServiceType(st string) bool {
	return serviceTypeRegex.MatchString(st)
}

// isValidNameserver accepts an IP with or without a port.
func isValidNameserver(ns string) bool {
	if net.ParseIP(ns) != nil {
		return true
	}
	host, port, err := net.SplitHostPort(ns)
	if err != nil || port == "" {
		return false
	}
	return net.ParseIP(host) != nil
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	// Deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Storage.Redis.Password != "" {
		redacted.Storage.Redis.Password = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Storage.Redis.Password != ""
}

// Marshal encodes the config as YAML, including sensitive values.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
