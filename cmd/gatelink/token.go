package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/postalsys/gatelink/internal/agent"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func tokenCmd() *cobra.Command {
	var deviceID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage stored gateway auth tokens",
		Long: `Save, load and clear auth tokens issued by a gateway. Tokens are keyed
by device ID and role, sealed with the token store key and expire after
30 days.`,
	}
	cmd.PersistentFlags().StringVar(&deviceID, "device", "", "Device ID the token belongs to (default: this device)")

	cmd.AddCommand(
		tokenSaveCmd(&deviceID),
		tokenLoadCmd(&deviceID),
		tokenClearCmd(&deviceID),
		tokenStatusCmd(&deviceID),
	)
	return cmd
}

func tokenSaveCmd(deviceID *string) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "save <role>",
		Short: "Store a token for a role",
		Long:  "Store a token for a role. Without --token the token is read from stdin, without echo on a terminal.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("token") {
				var err error
				token, err = readSecret(os.Stdin, "Token: ")
				if err != nil {
					return fmt.Errorf("failed to read token: %w", err)
				}
			}
			if strings.TrimSpace(token) == "" {
				return errors.New("token is empty")
			}

			return withTokens(cmd, *deviceID, func(a *agent.Agent, id string) error {
				a.Tokens().SaveToken(id, args[0], token)
				exp, ok := a.Tokens().GetTokenExpiration(id, args[0])
				if !ok {
					return errors.New("token could not be stored, see log for details")
				}
				fmt.Printf("Token saved for role %q, %s\n", args[0], expiryText(exp, time.Now()))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Token value (read from stdin when omitted)")
	return cmd
}

func tokenLoadCmd(deviceID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "load <role>",
		Short: "Print the stored token for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(cmd, *deviceID, func(a *agent.Agent, id string) error {
				token, ok := a.Tokens().LoadToken(id, args[0])
				if !ok {
					return fmt.Errorf("no valid token for role %q", args[0])
				}
				fmt.Println(token)
				return nil
			})
		},
	}
}

func tokenClearCmd(deviceID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <role>",
		Short: "Remove the stored token for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(cmd, *deviceID, func(a *agent.Agent, id string) error {
				a.Tokens().ClearToken(id, args[0])
				fmt.Printf("Token cleared for role %q\n", args[0])
				return nil
			})
		},
	}
}

func tokenStatusCmd(deviceID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <role>",
		Short: "Show whether a valid token is stored for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(cmd, *deviceID, func(a *agent.Agent, id string) error {
				field(os.Stdout, "Device ID", id)
				field(os.Stdout, "Role", args[0])
				if !a.Tokens().HasValidToken(id, args[0]) {
					field(os.Stdout, "Token", errorStyle.Render("none"))
					return nil
				}
				exp, ok := a.Tokens().GetTokenExpiration(id, args[0])
				if !ok {
					field(os.Stdout, "Token", errorStyle.Render("expired"))
					return nil
				}
				field(os.Stdout, "Token", expiryText(exp, time.Now()))
				field(os.Stdout, "Expires at", exp.Local().Format(time.RFC1123))
				return nil
			})
		},
	}
}

// withTokens opens the agent storage, resolves the device ID and runs fn.
func withTokens(cmd *cobra.Command, deviceID string, fn func(a *agent.Agent, deviceID string) error) error {
	a, err := newAgent(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Stop()

	if deviceID == "" {
		id, err := a.Identity()
		if err != nil {
			return fmt.Errorf("failed to load device identity: %w", err)
		}
		deviceID = id.DeviceID()
	}
	return fn(a, deviceID)
}

// readSecret reads one line from r. When r is a terminal the prompt is
// shown and input is not echoed.
func readSecret(r *os.File, prompt string) (string, error) {
	fd := int(r.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return readLine(r)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
