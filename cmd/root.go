/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"vmbuild/internal/config"
	"vmbuild/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmbuild",
	Short: "Provision and bootstrap short-lived cloud instances",
	Long: `vmbuild tears down stale instances, creates fresh ones with addresses and
firewall groups, records their connection details and prepares each one over SSH.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it. SIGINT and
// SIGTERM cancel the running command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the configuration file (default $CONFIG_PATH or vmbuild.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default $LOG_LEVEL or info)")
}

// setup loads the configuration and builds the run logger from it.
func setup() (*config.Config, *zap.Logger) {
	path := config.Path(configFile)
	logging.Logger().Debug("Loading configuration", zap.String("path", path))

	cfg, err := config.Load(path)
	if err != nil {
		logging.Logger().Fatal("Failed to load configuration", zap.String("path", path), zap.Error(err))
	}

	level := logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	logger, err := logging.New(logging.Options{Level: level, File: cfg.LogFile})
	if err != nil {
		logging.Logger().Fatal("Failed to create logger", zap.Error(err))
	}
	logging.SetDefault(logger)

	logger.Info("Configuration loaded",
		zap.String("path", path),
		zap.String("provider", string(cfg.Provider.Type)),
		zap.String("zone", cfg.Zone),
		zap.Int("instances", len(cfg.Instances)),
		zap.String("failure_policy", string(cfg.FailurePolicy)))
	return cfg, logger
}
