// Package main provides localanalytics-ctl, the admin CLI for locally
// captured analytics.
//
// Usage:
//
//	localanalytics-ctl counts [--server <url>] [-o table|json]
//	localanalytics-ctl events <table> [--limit 100] [--name <event>] [--workspace <id>] [--user <id>]
//	                  [--session <id>] [--url <page url>] [-o table|json]
//	localanalytics-ctl dashboard [--server <url>] [-o table|json]
//	localanalytics-ctl service-errors <service> [--limit 100] [--export] [--dir logs/local-analytics]
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8090"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverURL string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:           "localanalytics-ctl",
		Short:         "Inspect analytics captured locally instead of sent to third parties",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", envOr("LOCALANALYTICS_SERVER", defaultServer), "Analytics server base URL")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	clientFor := func() *client {
		return newClient(serverURL, timeout)
	}
	cmd.AddCommand(
		newCountsCmd(clientFor),
		newEventsCmd(clientFor),
		newDashboardCmd(clientFor),
		newServiceErrorsCmd(clientFor),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var errBadOutput = errors.New("output must be table or json")

func checkOutput(mode string) error {
	if mode != "table" && mode != "json" {
		return fmt.Errorf("%w, got %q", errBadOutput, mode)
	}
	return nil
}
