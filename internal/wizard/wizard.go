// Package wizard provides the interactive setup wizard for gatelink.
package wizard

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/gatelink/internal/config"
	"github.com/postalsys/gatelink/internal/crypto"
	"github.com/postalsys/gatelink/internal/identity"
	"github.com/postalsys/gatelink/internal/keystore"
	"github.com/postalsys/gatelink/internal/logging"
)

// Answers holds everything the wizard asks for.
type Answers struct {
	DataDir    string
	ConfigPath string
	LogLevel   string

	LocalEnabled bool
	WideDomain   string
	// Nameservers is a comma-separated list.
	Nameservers string
	PreferVPN   bool

	Backend       string
	RedisAddress  string
	RedisPassword string

	HealthEnabled bool
	HealthAddress string
}

// DefaultAnswers returns the answers used by a non-interactive init.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		DataDir:       def.Agent.DataDir,
		ConfigPath:    "./config.yaml",
		LogLevel:      def.Agent.LogLevel,
		LocalEnabled:  def.Discovery.Local.Enabled,
		PreferVPN:     def.Discovery.WideArea.PreferVPN,
		Backend:       def.Storage.Backend,
		RedisAddress:  def.Storage.Redis.Address,
		HealthAddress: def.Health.Address,
	}
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DeviceID   string
}

// Wizard manages the setup process.
type Wizard struct {
	theme  *huh.Theme
	out    io.Writer
	logger *slog.Logger
}

// New creates a new setup wizard printing to out.
func New(out io.Writer, logger *slog.Logger) *Wizard {
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Wizard{
		theme:  huh.ThemeDracula(),
		out:    out,
		logger: logger,
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()
	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askDiscovery(&a); err != nil {
		return nil, err
	}
	if err := w.askStorage(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	return w.Apply(a)
}

// Apply builds the configuration from a, creates the device keys and writes
// the config file.
func (w *Wizard) Apply(a Answers) (*Result, error) {
	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}

	deviceID, err := InitKeys(cfg, w.logger)
	if err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(deviceID, a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		DeviceID:   deviceID,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n  gatelink\n")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Gateway discovery and device trust - Setup Wizard\n")

	fmt.Fprintln(w.out, banner)
	fmt.Fprintln(w.out, subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where gatelink keeps its keys and state."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store the device identity and tokens").
				Placeholder("./data").
				Value(&a.DataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askDiscovery(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Gateway Discovery").
				Description("Gateways are found over mDNS on the local link and,\noptionally, through unicast DNS-SD in a wide-area domain."),

			huh.NewConfirm().
				Title("Browse the local network (mDNS)?").
				Value(&a.LocalEnabled),

			huh.NewInput().
				Title("Wide-Area Domain").
				Description("DNS-SD domain to search, e.g. gw.example.com (leave empty to disable)").
				Value(&a.WideDomain),

			huh.NewInput().
				Title("Extra Nameservers").
				Description("Comma-separated nameserver IPs queried directly (optional)").
				Value(&a.Nameservers).
				Validate(func(s string) error {
					_, err := parseNameservers(s)
					return err
				}),

			huh.NewConfirm().
				Title("Prefer VPN/tailnet resolvers when connected?").
				Value(&a.PreferVPN),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askStorage(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Token Storage").
				Description("Where sealed auth token records are kept").
				Options(
					huh.NewOption("File in the data directory (Recommended)", "file"),
					huh.NewOption("SQLite database", "sqlite"),
					huh.NewOption("Redis", "redis"),
					huh.NewOption("Memory (lost on exit)", "memory"),
				).
				Value(&a.Backend),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if a.Backend != "redis" {
		return nil
	}

	redisForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Redis Address").
				Placeholder("127.0.0.1:6379").
				Value(&a.RedisAddress).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Redis Password").
				Description("Leave empty if none").
				EchoMode(huh.EchoModePassword).
				Value(&a.RedisPassword),
		),
	).WithTheme(w.theme)

	return redisForm.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options"),

			huh.NewConfirm().
				Title("Enable the health/metrics HTTP endpoint?").
				Value(&a.HealthEnabled),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Info (Recommended)", "info"),
					huh.NewOption("Debug", "debug"),
					huh.NewOption("Warn", "warn"),
					huh.NewOption("Error", "error"),
				).
				Value(&a.LogLevel),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig converts answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Agent.DataDir = a.DataDir
	if a.LogLevel != "" {
		cfg.Agent.LogLevel = a.LogLevel
	}

	cfg.Discovery.Local.Enabled = a.LocalEnabled
	cfg.Discovery.WideArea.Domain = strings.TrimSpace(a.WideDomain)
	cfg.Discovery.WideArea.PreferVPN = a.PreferVPN
	nameservers, err := parseNameservers(a.Nameservers)
	if err != nil {
		return nil, err
	}
	cfg.Discovery.WideArea.Nameservers = nameservers

	if a.Backend != "" {
		cfg.Storage.Backend = a.Backend
	}
	if a.Backend == "redis" {
		cfg.Storage.Redis.Address = a.RedisAddress
		cfg.Storage.Redis.Password = a.RedisPassword
	}

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthAddress != "" {
		cfg.Health.Address = a.HealthAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InitKeys creates the device identity and the token store key under the
// configured key directory and returns the device id.
func InitKeys(cfg *config.Config, logger *slog.Logger) (string, error) {
	provider := keystore.NewFile(cfg.KeysDir())
	existed := provider.Exists(keystore.AliasDeviceIdentity)

	id, err := identity.NewManager(provider, logger).LoadOrCreate()
	if err != nil {
		return "", fmt.Errorf("failed to initialize device identity: %w", err)
	}
	logging.Component(logger, "wizard").Info("device identity ready",
		logging.KeyDeviceID, id.DeviceID(), "existing", existed)

	key, err := provider.GetOrCreateAEADKey(keystore.AliasTokenStore)
	if err != nil {
		return "", fmt.Errorf("failed to initialize token store key: %w", err)
	}
	crypto.Zero(key)

	return id.DeviceID(), nil
}

// WriteConfig writes cfg as YAML to path, creating the parent directory.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# gatelink configuration\n# Generated by setup wizard\n\n"

	mode := os.FileMode(0644)
	if cfg.HasSensitiveData() {
		mode = 0600
	}
	if err := os.WriteFile(path, []byte(header+string(data)), mode); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(deviceID, configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out, style.Render("✓ Setup Complete!"))
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out)

	fmt.Fprintf(w.out, "  Device ID:    %s\n", deviceID)
	fmt.Fprintf(w.out, "  Config file:  %s\n", configPath)
	fmt.Fprintf(w.out, "  Data dir:     %s\n", cfg.Agent.DataDir)
	fmt.Fprintf(w.out, "  Storage:      %s\n", cfg.Storage.Backend)
	fmt.Fprintln(w.out)

	if cfg.Discovery.Local.Enabled {
		fmt.Fprintf(w.out, "  mDNS:         %s in %s\n", cfg.Discovery.ServiceType, cfg.Discovery.Local.Domain)
	}
	if cfg.Discovery.WideArea.Enabled() {
		fmt.Fprintf(w.out, "  Wide-area:    %s.%s\n", cfg.Discovery.ServiceType, cfg.Discovery.WideArea.Domain)
	}
	if cfg.Health.Enabled {
		fmt.Fprintf(w.out, "  Health:       http://%s/healthz\n", cfg.Health.Address)
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  To start discovery:")
	fmt.Fprintf(w.out, "    gatelink serve -c %s\n", configPath)
	fmt.Fprintln(w.out)
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("expected host:port: %w", err)
	}
	return nil
}

// parseNameservers splits a comma-separated list and checks each entry is
// an IP, optionally with a port.
func parseNameservers(s string) ([]string, error) {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host := part
		if h, _, err := net.SplitHostPort(part); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return nil, fmt.Errorf("invalid nameserver %q: expected an IP address", part)
		}
		out = append(out, part)
	}
	return out, nil
}
