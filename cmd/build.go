/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"time"

	"vmbuild/internal/fault"
	"vmbuild/internal/providers"
	"vmbuild/internal/publicip"
	"vmbuild/internal/workflow"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Reclaim, provision and bootstrap every configured instance",
	Long: `Resolve the network, terminate instances left by earlier runs, create the
configured instances, write their details to the output file and bootstrap each
one over SSH.`,
	Run: func(cmd *cobra.Command, args []string) {
		start := time.Now()
		cfg, logger := setup()
		defer logger.Sync() //nolint:errcheck

		ctx := cmd.Context()
		provider, err := providers.New(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Something bad happened!", zap.String("error_kind", fault.Kind(err)), zap.Error(err))
		}

		w := workflow.New(cfg, workflow.Deps{
			Provider: provider,
			Dialers:  workflow.SSHDialers(cfg, logger),
			PublicIP: publicip.New(cfg.PublicIPURL, logger),
		}, logger)

		results, err := w.Build(ctx)
		if err != nil {
			logger.Fatal("Something bad happened!", zap.String("error_kind", fault.Kind(err)), zap.Error(err))
		}

		logger.Info("Finished successfully!",
			zap.Int("instances", len(results)),
			zap.String("output_file", cfg.OutputFile),
			zap.Duration("total_time", time.Since(start)))
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}
