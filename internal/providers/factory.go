// Package providers builds the cloud.Provider selected in configuration.
package providers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"vmbuild/internal/cloud"
	"vmbuild/internal/cloud/amazon"
	"vmbuild/internal/cloud/digitalocean"
	"vmbuild/internal/cloud/gcp"
	"vmbuild/internal/config"
)

// New creates a provider based on config type (factory pattern).
// This implements the discriminated union dispatch.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cloud.Provider, error) {
	switch cfg.Provider.Type {
	case config.ProviderAWS:
		if cfg.Provider.AWS == nil {
			return nil, fmt.Errorf("aws config is nil")
		}
		return amazon.New(ctx, cfg.Provider.AWS, cfg.Timeouts, logger)

	case config.ProviderDigitalOcean:
		if cfg.Provider.DigitalOcean == nil {
			return nil, fmt.Errorf("digitalocean config is nil")
		}
		return digitalocean.New(cfg.Provider.DigitalOcean, cfg.Zone, cfg.Timeouts, logger)

	case config.ProviderGCP:
		if cfg.Provider.GCP == nil {
			return nil, fmt.Errorf("gcp config is nil")
		}
		return gcp.New(ctx, cfg.Provider.GCP, cfg.Zone, cfg.Timeouts, logger)

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Provider.Type)
	}
}
