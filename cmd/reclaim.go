/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"vmbuild/internal/fault"
	"vmbuild/internal/providers"
	"vmbuild/internal/workflow"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reclaimFirewallGroups bool

// reclaimCmd represents the reclaim command
var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Terminate the configured instances without creating new ones",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger := setup()
		defer logger.Sync() //nolint:errcheck

		ctx := cmd.Context()
		provider, err := providers.New(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to create provider", zap.Error(err))
		}

		w := workflow.New(cfg, workflow.Deps{Provider: provider}, logger)
		if err := w.Reclaim(ctx, reclaimFirewallGroups); err != nil {
			logger.Fatal("Reclaim failed", zap.String("error_kind", fault.Kind(err)), zap.Error(err))
		}
		logger.Info("Reclaim finished")
	},
}

func init() {
	rootCmd.AddCommand(reclaimCmd)

	reclaimCmd.Flags().BoolVar(&reclaimFirewallGroups, "firewall-groups", false, "Also delete the firewall groups named by the configuration")
}
