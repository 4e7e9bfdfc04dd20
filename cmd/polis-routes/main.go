// Package main is the entry point for the polis-routes binary.
// It serves the route policy in front of the site origin and offers offline
// commands to inspect and validate a policy.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-routes/pkg/config"
	"github.com/polisai/polis-routes/pkg/logging"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-routes
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "polis-routes",
		Short: "Route policy front for the storefront",
		Long: `Applies the route policy table (security headers, rewrites, redirects and
image source rules) to every request before it reaches the site origin.

Example:
  polis-routes serve --config config.yaml
  polis-routes check /product/office-chair /sitemap.xml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	flags.StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file before reading configuration")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.pretty, "pretty", false, "Human-readable console logs")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newCheckCmd(opts),
		newValidateCmd(opts),
	)

	return rootCmd
}

// load resolves the effective configuration and builds a logger writing to
// logOut. Flags override the file and the environment.
func (o *rootOptions) load(logOut io.Writer) (*config.Config, *slog.Logger, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			return nil, nil, fmt.Errorf("failed to load env file %s: %w", o.envFile, err)
		}
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, nil, err
		}
	}
	if o.pretty {
		cfg.Logging.Pretty = true
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: logOut,
	})
	return cfg, logger, nil
}
