/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"

	"vmbuild/internal/bootstrap"
	"vmbuild/internal/providers"
	"vmbuild/internal/snapshot"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	renderInstance string
	renderCIDR     string
)

// renderCmd represents the render command
var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the bootstrap commands an instance would run",
	Long: `Render the bootstrap template for one configured instance using the
addresses and passwords recorded by the last build, and print one command per
line. The network CIDR is resolved from the provider unless --cidr is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger := setup()
		defer logger.Sync() //nolint:errcheck

		index := -1
		for i, s := range cfg.Instances {
			if s.Name == renderInstance {
				index = i
			}
		}
		if index < 0 {
			logger.Fatal("Unknown instance", zap.String("instance_name", renderInstance))
		}

		// Records are written in configuration order.
		records, err := snapshot.Load(cfg.OutputFile)
		if err != nil {
			logger.Fatal("Failed to read snapshot", zap.String("path", cfg.OutputFile), zap.Error(err))
		}
		if index >= len(records) {
			logger.Fatal("Snapshot has no record for instance",
				zap.String("instance_name", renderInstance),
				zap.Int("records", len(records)))
		}
		rec := records[index]

		cidr := renderCIDR
		if cidr == "" {
			provider, err := providers.New(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Fatal("Failed to create provider", zap.Error(err))
			}
			network, err := provider.ResolveNetwork(cmd.Context(), cfg.Zone)
			if err != nil {
				logger.Fatal("Failed to resolve network", zap.Error(err))
			}
			cidr = network.CIDR
		}

		text, err := os.ReadFile(cfg.Bootstrap.Template)
		if err != nil {
			logger.Fatal("Failed to read bootstrap template", zap.Error(err))
		}
		script, err := bootstrap.Render(string(text), bootstrap.Params{
			AdminPassword:    rec.AdminPassword,
			ReadonlyPassword: rec.ReadonlyPassword,
			CIDR:             cidr,
			PublicIP:         rec.PublicIP,
		})
		if err != nil {
			logger.Fatal("Failed to render bootstrap template", zap.Error(err))
		}
		for _, line := range bootstrap.Split(script) {
			fmt.Println(line)
		}
	},
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().StringVarP(&renderInstance, "instance", "i", "", "Name of the configured instance")
	renderCmd.Flags().StringVar(&renderCIDR, "cidr", "", "Network CIDR to substitute instead of resolving it")
	_ = renderCmd.MarkFlagRequired("instance")
}
