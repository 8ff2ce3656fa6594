package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AliZeynalov/heyhi-proxy/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Resilient proxy for OpenAI-compatible chat completions",
	Long: `gateway forwards chat requests to an OpenAI-compatible upstream and adds
retries with exponential backoff, a circuit breaker, request validation,
per-client rate limiting and metrics.

Configuration comes from an optional YAML file and HEYHI_* environment
variables. OPENAI_API_KEY, OPENAI_MODEL, LLM_TIMEOUT_CONNECT,
LLM_TIMEOUT_READ and ALLOWED_ORIGINS are honoured as well.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: ./configs/config.yaml or ./config.yaml if present)")
}
