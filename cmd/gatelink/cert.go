package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/postalsys/gatelink/internal/certutil"
	"github.com/spf13/cobra"
)

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Gateway TLS certificate helpers",
	}
	cmd.AddCommand(certGenerateCmd(), certFingerprintCmd())
	return cmd
}

func certGenerateCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		dnsNames   []string
		ips        []string
		validFor   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a self-signed gateway certificate",
		Long: `Generate a self-signed ECDSA certificate for a gateway and print the
TXT attribute that advertises its fingerprint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := certutil.DefaultServerOptions(commonName)
			opts.ValidFor = validFor
			opts.DNSNames = append(opts.DNSNames, dnsNames...)
			for _, s := range ips {
				ip := net.ParseIP(s)
				if ip == nil {
					return fmt.Errorf("invalid IP address %q", s)
				}
				opts.IPAddresses = append(opts.IPAddresses, ip)
			}

			certPath := filepath.Join(outDir, "gateway.crt")
			keyPath := filepath.Join(outDir, "gateway.key")
			gc, err := generateCert(opts, certPath, keyPath)
			if err != nil {
				return err
			}

			field(os.Stdout, "Certificate", certPath)
			field(os.Stdout, "Private key", keyPath)
			field(os.Stdout, "Expires", gc.Certificate.NotAfter.Local().Format(time.RFC1123))
			field(os.Stdout, "Fingerprint", certutil.FormatFingerprint(gc.Fingerprint()))
			field(os.Stdout, "TXT", fmt.Sprintf("gatewayTlsSha256=%s", gc.Fingerprint()))
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "gateway", "Certificate common name")
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", ".", "Directory for gateway.crt and gateway.key")
	cmd.Flags().StringSliceVar(&dnsNames, "dns", nil, "Additional DNS names")
	cmd.Flags().StringSliceVar(&ips, "ip", nil, "Additional IP addresses")
	cmd.Flags().DurationVar(&validFor, "valid-for", 90*24*time.Hour, "Validity period")

	return cmd
}

func certFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <cert.pem>",
		Short: "Print the SHA-256 fingerprint of a PEM certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := fingerprintFile(args[0])
			if err != nil {
				return err
			}
			fmt.Println(fp)
			field(os.Stdout, "Formatted", certutil.FormatFingerprint(fp))
			return nil
		},
	}
}

// generateCert creates a self-signed certificate and writes it to disk.
func generateCert(opts certutil.CertOptions, certPath, keyPath string) (*certutil.GeneratedCert, error) {
	gc, err := certutil.GenerateSelfSigned(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	if _, err := gc.TLSCertificate(); err != nil {
		return nil, fmt.Errorf("generated key pair is unusable: %w", err)
	}
	if err := gc.SaveToFiles(certPath, keyPath); err != nil {
		return nil, err
	}
	return gc, nil
}

// fingerprintFile returns the fingerprint of the PEM certificate at path.
func fingerprintFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read certificate: %w", err)
	}
	fp, err := certutil.FingerprintFromPEM(data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return fp, nil
}
