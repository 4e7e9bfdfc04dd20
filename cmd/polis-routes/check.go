package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-routes/pkg/config"
	"github.com/polisai/polis-routes/pkg/domain"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "check <path>...",
		Short: "Print the policy decision for request paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("unsupported output %q (expected text or json)", output)
			}

			cfg, _, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			table, err := config.LoadPolicy(cfg.Policy.File)
			if err != nil {
				return err
			}

			decisions := make([]domain.Decision, 0, len(args))
			for _, path := range args {
				decisions = append(decisions, table.Evaluate(path))
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(decisions)
			}
			for _, d := range decisions {
				writeDecision(cmd.OutOrStdout(), d)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	return cmd
}

func writeDecision(w io.Writer, d domain.Decision) {
	fmt.Fprintln(w, d.Path)
	for _, h := range d.Headers {
		fmt.Fprintf(w, "  header    %s: %s\n", h.Name, h.Value)
	}
	switch {
	case d.Redirect != nil:
		fmt.Fprintf(w, "  redirect  %d %s (rule %d)\n", d.Redirect.StatusCode, d.Redirect.Destination, d.Redirect.Rule+1)
	case d.Rewrote:
		fmt.Fprintf(w, "  rewrite   %s\n", d.Rewrite)
	default:
		fmt.Fprintln(w, "  pass")
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Compile the configured policy and report errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			table, err := config.LoadPolicy(cfg.Policy.File)
			if err != nil {
				return err
			}

			source := cfg.Policy.File
			if source == "" {
				source = "built-in policy"
			}
			stats := table.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d header rules, %d rewrites, %d redirects, %d image hosts)\n",
				source, stats.HeaderRules, stats.RewriteRules, stats.RedirectRules, stats.ImageHosts)
			for _, i := range stats.IdentityRedirects {
				fmt.Fprintf(cmd.OutOrStdout(), "  warning: redirect %d points at its own source\n", i+1)
			}
			return nil
		},
	}
}
