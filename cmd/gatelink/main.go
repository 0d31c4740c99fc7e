// Package main provides the CLI entry point for the gatelink agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postalsys/gatelink/internal/agent"
	"github.com/postalsys/gatelink/internal/config"
	"github.com/postalsys/gatelink/internal/logging"
	"github.com/postalsys/gatelink/internal/sysinfo"
	"github.com/postalsys/gatelink/internal/wizard"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// configPath is shared by every subcommand through the persistent flag.
var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatelink",
		Short: "gatelink - gateway discovery and trust agent",
		Long: `gatelink finds gateways on the local network over mDNS and across
networks through unicast DNS-SD, and keeps the device identity and
the gateway auth tokens needed to pair with them.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(certCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

// loadConfig reads the configuration file. A missing file falls back to
// defaults unless the path was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

// newAgent builds an agent from the loaded configuration. mutate may adjust
// the configuration before the agent is created.
func newAgent(cmd *cobra.Command, mutate func(*config.Config)) (*agent.Agent, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}
	a, err := agent.New(cfg, agent.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	return a, nil
}

func initCmd() *cobra.Command {
	var (
		nonInteractive bool
		dataDir        string
		wideDomain     string
		backend        string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new agent",
		Long: `Create the data directory, the device identity and the token store key,
and write a configuration file. Runs an interactive wizard when attached
to a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger("warn", "text")
			w := wizard.New(os.Stdout, logger)

			if !nonInteractive && term.IsTerminal(int(os.Stdin.Fd())) {
				_, err := w.Run()
				return err
			}

			answers := wizard.DefaultAnswers()
			answers.ConfigPath = configPath
			if cmd.Flags().Changed("data-dir") {
				answers.DataDir = dataDir
			}
			if cmd.Flags().Changed("wide-domain") {
				answers.WideDomain = wideDomain
			}
			if cmd.Flags().Changed("storage") {
				answers.Backend = backend
			}
			_, err := w.Apply(answers)
			return err
		},
	}

	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Skip the wizard and use defaults plus flags")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")
	cmd.Flags().StringVar(&wideDomain, "wide-domain", "", "Unicast DNS-SD domain for wide-area discovery")
	cmd.Flags().StringVar(&backend, "storage", "file", "Token storage backend (memory, file, sqlite, redis)")

	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run discovery and the health server",
		Long:  "Run local and wide-area discovery, and the health HTTP server when enabled, until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAgent(cmd, nil)
			if err != nil {
				return err
			}

			id, err := a.Identity()
			if err != nil {
				return fmt.Errorf("failed to load device identity: %w", err)
			}

			fmt.Printf("Starting gatelink agent...\n")
			fmt.Printf("Device ID: %s\n", id.DeviceID())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}
			if addr := a.HealthAddress(); addr != "" {
				fmt.Printf("Health server: http://%s\n", addr)
			}

			updates, cancel := a.Subscribe()
			defer cancel()

			last := ""
		loop:
			for {
				select {
				case st := <-updates:
					if st.Status != last {
						last = st.Status
						fmt.Printf("Status: %s (endpoints: %d)\n", st.Status, len(st.Endpoints))
					}
				case <-ctx.Done():
					break loop
				}
			}

			fmt.Printf("\nShutting down...\n")

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()

			if err := a.StopWithContext(shutdownCtx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Agent stopped.")
			return nil
		},
	}
}
