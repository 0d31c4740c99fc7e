package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/gatelink/internal/certutil"
	"github.com/postalsys/gatelink/internal/probe"
	"github.com/spf13/cobra"
)

func probeCmd() *cobra.Command {
	var (
		expect     string
		expectCert string
		serverName string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe <host:port>",
		Short: "Fetch and check a gateway's TLS certificate fingerprint",
		Long: `Connect to a gateway, read the leaf certificate and print its SHA-256
fingerprint. With --expect the fingerprint is compared against the pinned
value and a mismatch fails the command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if expectCert != "" {
				if expect != "" {
					return fmt.Errorf("--expect and --expect-cert are mutually exclusive")
				}
				fp, err := fingerprintFile(expectCert)
				if err != nil {
					return err
				}
				expect = fp
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res := probe.Probe(ctx, args[0], probe.Options{
				Timeout:    timeout,
				ServerName: serverName,
				Expected:   expect,
			})
			if res.Fingerprint == "" {
				return fmt.Errorf("probe %s: %s", res.Address, res.ErrorDetail)
			}

			field(os.Stdout, "Address", res.Address)
			field(os.Stdout, "TLS", res.TLSVersion)
			field(os.Stdout, "RTT", res.RTT.Round(time.Millisecond).String())
			field(os.Stdout, "Subject", res.Cert.Subject)
			field(os.Stdout, "Issuer", res.Cert.Issuer)
			field(os.Stdout, "Expires", fmt.Sprintf("%s (%s)",
				res.Cert.NotAfter.Local().Format(time.RFC1123), humanize.Time(res.Cert.NotAfter)))
			field(os.Stdout, "Fingerprint", certutil.FormatFingerprint(res.Fingerprint))
			switch {
			case res.Expired:
				field(os.Stdout, "Validity", errorStyle.Render("EXPIRED"))
			case res.ExpiringSoon:
				field(os.Stdout, "Validity", errorStyle.Render("expires "+humanize.Time(res.Cert.NotAfter)))
			default:
				field(os.Stdout, "Validity", successStyle.Render("ok"))
			}

			if res.Pinned {
				if res.Match {
					field(os.Stdout, "Pinned", successStyle.Render("match"))
				} else {
					field(os.Stdout, "Pinned", errorStyle.Render("MISMATCH"))
				}
			}
			if !res.Success() {
				return res.Error
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&expect, "expect", "", "Expected SHA-256 fingerprint (hex, colons optional)")
	cmd.Flags().StringVar(&expectCert, "expect-cert", "", "PEM certificate whose fingerprint is expected")
	cmd.Flags().StringVar(&serverName, "server-name", "", "TLS server name to send")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", probe.DefaultTimeout, "Probe timeout")

	return cmd
}
