package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AliZeynalov/heyhi-proxy/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, err := config.NewLoader(cfgFile)
		if err != nil {
			return err
		}
		cfg, err := loader.Config()
		if err != nil {
			return err
		}

		source := loader.File()
		if source == "" {
			source = "defaults and environment"
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration OK (%s)\n", source)
		fmt.Fprintf(out, "  listen:        %s\n", cfg.Server.Addr)
		fmt.Fprintf(out, "  upstream:      %s\n", cfg.Upstream.BaseURL)
		fmt.Fprintf(out, "  model:         %s\n", cfg.Upstream.Model)
		fmt.Fprintf(out, "  api key set:   %t\n", cfg.Upstream.APIKey != "")
		fmt.Fprintf(out, "  timeouts:      connect %s, read %s\n", cfg.Upstream.ConnectTimeout, cfg.Upstream.ReadTimeout)
		fmt.Fprintf(out, "  breaker:       %d failures, %s cooldown\n", cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)
		if cfg.RateLimit.Enabled {
			fmt.Fprintf(out, "  rate limit:    %d requests per %s\n", cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
		} else {
			fmt.Fprintln(out, "  rate limit:    disabled")
		}
		fmt.Fprintf(out, "  origins:       %v\n", cfg.Server.AllowedOrigins)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}
