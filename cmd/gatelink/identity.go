package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/postalsys/gatelink/internal/identity"
	"github.com/postalsys/gatelink/internal/keystore"
	"github.com/spf13/cobra"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the device identity",
	}
	cmd.AddCommand(identityShowCmd(), identitySignCmd(), identityVerifyCmd())
	return cmd
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the device identity",
		Long:  "Print the device ID and public key, creating the identity on first use.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAgent(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Stop()

			created := false
			id, err := a.ExistingIdentity()
			if errors.Is(err, keystore.ErrNotFound) {
				id, err = a.Identity()
				created = true
			}
			if err != nil {
				return fmt.Errorf("failed to load device identity: %w", err)
			}
			defer id.Wipe()

			if created {
				fmt.Println(successStyle.Render("Created a new device identity"))
			}
			field(os.Stdout, "Device ID", id.DeviceID())
			field(os.Stdout, "Short ID", id.ShortID())
			field(os.Stdout, "Public key", id.PublicKeyBase64URL())
			return nil
		},
	}
}

func identitySignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign <payload>",
		Short: "Sign a payload with the device key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, closeFn, err := loadIdentity(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			sig, err := id.Sign(args[0])
			if err != nil {
				return fmt.Errorf("failed to sign: %w", err)
			}
			fmt.Println(sig)
			return nil
		},
	}
}

func identityVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <payload> <signature>",
		Short: "Verify a signature made by this device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, closeFn, err := loadIdentity(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if !identity.VerifySelfSignature(args[0], args[1], id) {
				return fmt.Errorf("signature is not valid for device %s", id.ShortID())
			}
			fmt.Println(successStyle.Render("Signature valid"))
			return nil
		},
	}
}

// loadIdentity opens the agent storage and loads or creates the device
// identity. The returned function releases the storage.
func loadIdentity(cmd *cobra.Command) (*identity.DeviceIdentity, func(), error) {
	a, err := newAgent(cmd, nil)
	if err != nil {
		return nil, nil, err
	}
	id, err := a.Identity()
	if err != nil {
		a.Stop()
		return nil, nil, fmt.Errorf("failed to load device identity: %w", err)
	}
	return id, func() {
		id.Wipe()
		a.Stop()
	}, nil
}
