package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postalsys/gatelink/internal/config"
	"github.com/postalsys/gatelink/internal/discovery"
	"github.com/postalsys/gatelink/internal/metrics"
	"github.com/spf13/cobra"
)

func discoverCmd() *cobra.Command {
	var (
		watch       bool
		timeout     time.Duration
		showMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover gateways",
		Long: `Browse for gateways over mDNS and, when a wide-area domain is
configured, over unicast DNS-SD. Prints the merged list once the timeout
elapses, or every change with --watch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var wideDomain string
			a, err := newAgent(cmd, func(cfg *config.Config) {
				cfg.Health.Enabled = false
				wideDomain = cfg.Discovery.WideArea.Domain
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if !watch {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("failed to start discovery: %w", err)
			}
			defer a.Stop()

			updates, unsubscribe := a.Subscribe()
			defer unsubscribe()

			final := waitForState(ctx, updates, func(st discovery.State) {
				if watch {
					renderState(os.Stdout, st, wideDomain)
					fmt.Println()
				}
			})
			if !watch {
				renderState(os.Stdout, final, wideDomain)
			}

			if showMetrics {
				fmt.Println()
				return metrics.WriteText(os.Stdout, a.Registry())
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Print every change until interrupted")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "How long to browse before printing")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Dump discovery metrics after browsing")

	return cmd
}

// waitForState drains updates until ctx is done, calling onChange for every
// state whose status or endpoint set differs from the previous one. It
// returns the last state seen.
func waitForState(ctx context.Context, updates <-chan discovery.State, onChange func(discovery.State)) discovery.State {
	var (
		last    discovery.State
		seen    bool
		lastKey string
	)
	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return last
			}
			last = st
			key := stateKey(st)
			if !seen || key != lastKey {
				seen = true
				lastKey = key
				if onChange != nil {
					onChange(st)
				}
			}
		case <-ctx.Done():
			return last
		}
	}
}

func stateKey(st discovery.State) string {
	key := st.Status
	for _, ep := range st.Endpoints {
		key += "|" + ep.StableID + "@" + ep.Address()
	}
	return key
}
