// Package reclaim removes what earlier runs left behind: instances carrying
// the configured names, their public addresses and the firewall groups the
// configuration refers to.
package reclaim

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"vmbuild/internal/cloud"
	"vmbuild/internal/config"
	"vmbuild/internal/fault"
)

type Reclaimer struct {
	provider cloud.Provider
	logger   *zap.Logger
}

func New(provider cloud.Provider, logger *zap.Logger) *Reclaimer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reclaimer{provider: provider, logger: logger}
}

// TerminateInstances terminates every live instance named by specs, releasing
// its public addresses first. Nothing to terminate is not an error.
func (r *Reclaimer) TerminateInstances(ctx context.Context, specs []config.InstanceSpec) error {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}

	instances, err := r.provider.FindInstances(ctx, names)
	if err != nil {
		return fault.Wrap(fault.ErrProvider, fmt.Errorf("listing instances: %w", err))
	}
	if len(instances) == 0 {
		r.logger.Info("No instances to reclaim")
		return nil
	}

	for _, inst := range instances {
		logger := r.logger.With(zap.String("instance_id", inst.ID), zap.String("instance_name", inst.Name))

		for _, addr := range inst.Addresses {
			if err := r.provider.ReleaseAddress(ctx, addr); err != nil {
				return fault.Wrap(fault.ErrProvider, fmt.Errorf("releasing address %s of %s: %w", addr.IP, inst.ID, err))
			}
			logger.Info("Released public address", zap.String("address_id", addr.ID), zap.String("public_ip", addr.IP))
		}

		if err := r.provider.TerminateInstance(ctx, inst.ID); err != nil {
			return fault.Wrap(fault.ErrProvider, fmt.Errorf("terminating %s: %w", inst.ID, err))
		}
		logger.Info("Instance terminated", zap.String("state", inst.State))
	}
	return nil
}

// DeleteFirewallGroups deletes every group named by the specs' rules, once
// each, in the order first seen. Groups that do not exist are skipped.
func (r *Reclaimer) DeleteFirewallGroups(ctx context.Context, network cloud.Network, specs []config.InstanceSpec) error {
	for _, name := range GroupNames(specs) {
		group, err := r.provider.FindFirewallGroup(ctx, network, name)
		if errors.Is(err, cloud.ErrNotFound) {
			r.logger.Debug("Firewall group absent", zap.String("group", name))
			continue
		}
		if err != nil {
			return fault.Wrap(fault.ErrProvider, fmt.Errorf("looking up firewall group %s: %w", name, err))
		}
		if err := r.provider.DeleteFirewallGroup(ctx, group); err != nil {
			return fault.Wrap(fault.ErrProvider, fmt.Errorf("deleting firewall group %s: %w", name, err))
		}
		r.logger.Info("Firewall group deleted", zap.String("group", name), zap.String("group_id", group.ID))
	}
	return nil
}

// GroupNames lists the rule names of specs without repeats, in first-seen
// order.
func GroupNames(specs []config.InstanceSpec) []string {
	seen := map[string]bool{}
	var names []string
	for _, s := range specs {
		for _, rule := range s.FirewallRules {
			if !seen[rule.Name] {
				seen[rule.Name] = true
				names = append(names, rule.Name)
			}
		}
	}
	return names
}
