package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.DataDir != "./data" {
		t.Errorf("Agent.DataDir = %s, want ./data", cfg.Agent.DataDir)
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("Agent.LogLevel = %s, want info", cfg.Agent.LogLevel)
	}
	if cfg.Discovery.ServiceType != "_gatelink-gw._tcp" {
		t.Errorf("Discovery.ServiceType = %s", cfg.Discovery.ServiceType)
	}
	if !cfg.Discovery.Local.Enabled {
		t.Error("Discovery.Local.Enabled = false, want true")
	}
	if cfg.Discovery.WideArea.Enabled() {
		t.Error("wide-area discovery should be disabled without a domain")
	}
	if cfg.Discovery.WideArea.BaseDelay != 5*time.Second {
		t.Errorf("WideArea.BaseDelay = %v, want 5s", cfg.Discovery.WideArea.BaseDelay)
	}
	if cfg.Discovery.WideArea.MaxDelay != 2*time.Minute {
		t.Errorf("WideArea.MaxDelay = %v, want 2m", cfg.Discovery.WideArea.MaxDelay)
	}
	if cfg.Discovery.WideArea.FailureThreshold != 5 {
		t.Errorf("WideArea.FailureThreshold = %d, want 5", cfg.Discovery.WideArea.FailureThreshold)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("Storage.Backend = %s, want file", cfg.Storage.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
agent:
  data_dir: "/var/lib/gatelink"
  log_level: "debug"
  log_format: "json"

discovery:
  service_type: "_gatelink-gw._tcp"
  local:
    enabled: false
  wide_area:
    domain: "corp.example.com"
    query_timeout: 4s
    base_delay: 10s
    max_delay: 5m
    failure_threshold: 3
    nameservers:
      - "10.0.0.53"
      - "10.0.1.53:5353"
    prefer_vpn: false
    direct_qps: 2.5

storage:
  backend: redis
  redis:
    address: "redis.internal:6379"
    password: "hunter2"
    db: 2

health:
  enabled: true
  address: ":9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.LogFormat != "json" {
		t.Errorf("Agent.LogFormat = %s, want json", cfg.Agent.LogFormat)
	}
	if cfg.Discovery.Local.Enabled {
		t.Error("Discovery.Local.Enabled = true, want false")
	}
	wa := cfg.Discovery.WideArea
	if !wa.Enabled() || wa.Domain != "corp.example.com" {
		t.Errorf("WideArea.Domain = %q", wa.Domain)
	}
	if wa.QueryTimeout != 4*time.Second {
		t.Errorf("WideArea.QueryTimeout = %v, want 4s", wa.QueryTimeout)
	}
	if wa.DirectTimeout != 2*time.Second {
		t.Errorf("WideArea.DirectTimeout = %v, want 2s (default)", wa.DirectTimeout)
	}
	if wa.MaxDelay != 5*time.Minute || wa.FailureThreshold != 3 {
		t.Errorf("WideArea backoff = %v/%d", wa.MaxDelay, wa.FailureThreshold)
	}
	if len(wa.Nameservers) != 2 {
		t.Errorf("len(Nameservers) = %d, want 2", len(wa.Nameservers))
	}
	if wa.PreferVPN {
		t.Error("PreferVPN = true, want false")
	}
	if wa.DirectQPS != 2.5 {
		t.Errorf("DirectQPS = %v, want 2.5", wa.DirectQPS)
	}
	if cfg.Storage.Redis.DB != 2 || cfg.Storage.Redis.KeyPrefix != "gatelink:" {
		t.Errorf("Storage.Redis = %+v", cfg.Storage.Redis)
	}
	if !cfg.Health.Enabled || cfg.Health.Address != ":9090" {
		t.Errorf("Health = %+v", cfg.Health)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	yamlConfig := `
agent:
  data_dir: "./data"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.LogLevel != "info" {
		t.Errorf("Agent.LogLevel = %s, want info (default)", cfg.Agent.LogLevel)
	}
	if cfg.Discovery.Local.Domain != "local." {
		t.Errorf("Local.Domain = %s, want local. (default)", cfg.Discovery.Local.Domain)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
agent:
  data_dir: "./data"
  invalid yaml here [
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name: "invalid log level",
			yaml: `
agent:
  log_level: "verbose"
`,
			wantError: "invalid log_level",
		},
		{
			name: "invalid log format",
			yaml: `
agent:
  log_format: "xml"
`,
			wantError: "invalid log_format",
		},
		{
			name: "invalid service type",
			yaml: `
discovery:
  service_type: "gatelink"
`,
			wantError: "discovery.service_type",
		},
		{
			name: "local enabled without domain",
			yaml: `
discovery:
  local:
    enabled: true
    domain: ""
`,
			wantError: "discovery.local.domain",
		},
		{
			name: "max delay below base delay",
			yaml: `
discovery:
  wide_area:
    domain: "example.com"
    base_delay: 1m
    max_delay: 10s
`,
			wantError: "max_delay must be >= base_delay",
		},
		{
			name: "invalid nameserver",
			yaml: `
discovery:
  wide_area:
    domain: "example.com"
    nameservers: ["dns.example.com"]
`,
			wantError: "nameservers[0]",
		},
		{
			name: "negative qps",
			yaml: `
discovery:
  wide_area:
    domain: "example.com"
    direct_qps: -1
`,
			wantError: "direct_qps",
		},
		{
			name: "unknown backend",
			yaml: `
storage:
  backend: "etcd"
`,
			wantError: "invalid storage.backend",
		},
		{
			name: "redis without address",
			yaml: `
storage:
  backend: redis
  redis:
    address: ""
`,
			wantError: "storage.redis.address",
		},
		{
			name: "health without address",
			yaml: `
health:
  enabled: true
  address: ""
`,
			wantError: "health.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Agent.DataDir = ""
	cfg.Agent.LogLevel = "loud"
	cfg.Storage.Backend = "tape"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, want := range []string{"agent.data_dir", "log_level", "storage.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error = %v, want to contain %q", err, want)
		}
	}
}

func TestValidate_WideAreaSkippedWithoutDomain(t *testing.T) {
	cfg := Default()
	cfg.Discovery.WideArea.BaseDelay = 0
	cfg.Discovery.WideArea.Nameservers = []string{"bogus"}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil for disabled wide-area", err)
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_DATA_DIR", "/custom/data")
	t.Setenv("TEST_WIDE_DOMAIN", "gw.example.net")
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")

	yamlConfig := `
agent:
  data_dir: "${TEST_DATA_DIR}"
discovery:
  wide_area:
    domain: "$TEST_WIDE_DOMAIN"
storage:
  redis:
    password: "${TEST_REDIS_PASSWORD}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.DataDir != "/custom/data" {
		t.Errorf("Agent.DataDir = %s, want /custom/data", cfg.Agent.DataDir)
	}
	if cfg.Discovery.WideArea.Domain != "gw.example.net" {
		t.Errorf("WideArea.Domain = %s, want gw.example.net", cfg.Discovery.WideArea.Domain)
	}
	if cfg.Storage.Redis.Password != "s3cret" {
		t.Errorf("Redis.Password = %s, want s3cret", cfg.Storage.Redis.Password)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
agent:
  data_dir: "${NONEXISTENT_VAR:-/default/path}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.DataDir != "/default/path" {
		t.Errorf("Agent.DataDir = %s, want /default/path", cfg.Agent.DataDir)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
agent:
  data_dir: "${NONEXISTENT_VAR}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Unknown variables stay verbatim
	if cfg.Agent.DataDir != "${NONEXISTENT_VAR}" {
		t.Errorf("Agent.DataDir = %s, want ${NONEXISTENT_VAR}", cfg.Agent.DataDir)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
agent:
  data_dir: "./data"
  log_level: "debug"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("Agent.LogLevel = %s, want debug", cfg.Agent.LogLevel)
	}
}

func TestIsValidNameserver(t *testing.T) {
	tests := []struct {
		ns    string
		valid bool
	}{
		{"10.0.0.53", true},
		{"10.0.0.53:53", true},
		{"2001:db8::53", true},
		{"[2001:db8::53]:5353", true},
		{"dns.example.com", false},
		{"dns.example.com:53", false},
		{"10.0.0.53:", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.ns, func(t *testing.T) {
			if got := isValidNameserver(tt.ns); got != tt.valid {
				t.Errorf("isValidNameserver(%q) = %v, want %v", tt.ns, got, tt.valid)
			}
		})
	}
}

func TestIsValidServiceType(t *testing.T) {
	tests := []struct {
		st    string
		valid bool
	}{
		{"_gatelink-gw._tcp", true},
		{"_http._udp", true},
		{"_gatelink-gw._sctp", false},
		{"gatelink._tcp", false},
		{"_gatelink-gw._tcp.local.", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.st, func(t *testing.T) {
			if got := isValidServiceType(tt.st); got != tt.valid {
				t.Errorf("isValidServiceType(%q) = %v, want %v", tt.st, got, tt.valid)
			}
		})
	}
}

func TestConfig_Paths(t *testing.T) {
	cfg := Default()
	cfg.Agent.DataDir = "/data"

	if got := cfg.KeysDir(); got != "/data/keys" {
		t.Errorf("KeysDir() = %s, want /data/keys", got)
	}
	cfg.Keys.Dir = "/secrets"
	if got := cfg.KeysDir(); got != "/secrets" {
		t.Errorf("KeysDir() = %s, want /secrets", got)
	}

	tests := []struct {
		backend string
		path    string
		want    string
	}{
		{"file", "", "/data/tokens.json"},
		{"sqlite", "", "/data/tokens.db"},
		{"memory", "", ""},
		{"redis", "", ""},
		{"sqlite", "/tmp/x.db", "/tmp/x.db"},
	}
	for _, tt := range tests {
		cfg.Storage.Backend = tt.backend
		cfg.Storage.Path = tt.path
		if got := cfg.StoragePath(); got != tt.want {
			t.Errorf("StoragePath(%s, %q) = %q, want %q", tt.backend, tt.path, got, tt.want)
		}
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.Storage.Redis.Password = "hunter2"

	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false, want true")
	}

	redacted := cfg.Redacted()
	if redacted.Storage.Redis.Password != redactedValue {
		t.Errorf("redacted password = %q", redacted.Storage.Redis.Password)
	}
	if cfg.Storage.Redis.Password != "hunter2" {
		t.Error("Redacted() modified the original")
	}

	if s := cfg.String(); strings.Contains(s, "hunter2") {
		t.Error("String() leaked the redis password")
	}
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), "hunter2") {
		t.Error("Marshal() should keep the redis password")
	}
}

func TestConfig_MarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Discovery.WideArea.Domain = "example.org"
	cfg.Discovery.WideArea.Nameservers = []string{"192.0.2.53"}

	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Marshal()) error = %v", err)
	}
	if parsed.Discovery.WideArea.Domain != "example.org" {
		t.Errorf("Domain = %q", parsed.Discovery.WideArea.Domain)
	}
	if parsed.Discovery.WideArea.QueryTimeout != 3*time.Second {
		t.Errorf("QueryTimeout = %v", parsed.Discovery.WideArea.QueryTimeout)
	}
}
