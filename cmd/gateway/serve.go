package main

import (
	"fmt"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/AliZeynalov/heyhi-proxy/internal/config"
	"github.com/AliZeynalov/heyhi-proxy/internal/logger"
)

var serveFlags struct {
	addr     string
	logLevel string
	noWatch  bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the proxy server.

The config file, when one is used, is watched: changes to the API key, the
default model, the upstream timeouts and the log level apply to the next
request without a restart.

Examples:
  # Start on the default address
  gateway serve

  # Override listen address and log level
  gateway serve --addr :9090 --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.addr, "addr", "a", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&serveFlags.noWatch, "no-watch", false, "do not reload the config file on change")
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, err := config.NewLoader(cfgFile)
	if err != nil {
		return err
	}
	cfg, err := loader.Config()
	if err != nil {
		return err
	}
	applyServeFlags(cfg)

	if err := logger.Setup(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	gin.SetMode(cfg.Server.Mode)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	if !serveFlags.noWatch {
		loader.Watch(func(next *config.Config) {
			applyServeFlags(next)
			a.reload(next)
		})
	}

	log.WithFields(log.Fields{
		"addr":        cfg.Server.Addr,
		"upstream":    cfg.Upstream.BaseURL,
		"model":       cfg.Upstream.Model,
		"has_api_key": cfg.Upstream.APIKey != "",
		"config_file": loader.File(),
		"event":       "starting",
	}).Info("Starting chat proxy")

	return a.run(cmd.Context())
}

func applyServeFlags(cfg *config.Config) {
	if serveFlags.addr != "" {
		cfg.Server.Addr = serveFlags.addr
	}
	if serveFlags.logLevel != "" {
		cfg.Log.Level = serveFlags.logLevel
	}
}
