// Package workflow runs a build: network discovery, reclamation,
// provisioning, bootstrap and finalization, strictly in that order.
package workflow

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vmbuild/internal/bootstrap"
	"vmbuild/internal/cloud"
	"vmbuild/internal/config"
	"vmbuild/internal/fault"
	"vmbuild/internal/provision"
	"vmbuild/internal/reclaim"
	"vmbuild/internal/snapshot"
)

// AddressLookup returns the operator's public IPv4.
type AddressLookup interface {
	Lookup(ctx context.Context) (string, error)
}

// DialerFactory returns the dialer used to bootstrap the instance of spec.
type DialerFactory func(spec config.InstanceSpec) (bootstrap.Dialer, error)

// Deps are the external collaborators of a Workflow.
type Deps struct {
	Provider cloud.Provider
	Dialers  DialerFactory
	PublicIP AddressLookup
}

type Workflow struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger

	runID string
}

func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.NewString()
	return &Workflow{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("run_id", runID), zap.String("provider", deps.Provider.Name())),
		runID:  runID,
	}
}

// Build runs every stage. On failure the resources created by this run are
// destroyed or kept according to the failure policy, and the returned error
// carries both the cause and any teardown failure.
func (w *Workflow) Build(ctx context.Context) ([]provision.Result, error) {
	template, err := w.loadTemplate()
	if err != nil {
		return nil, err
	}

	specs, err := w.resolveExternalIPs(ctx)
	if err != nil {
		return nil, err
	}

	w.logger.Info("Resolving network", zap.String("zone", w.cfg.Zone))
	network, err := w.deps.Provider.ResolveNetwork(ctx, w.cfg.Zone)
	if err != nil {
		return nil, fault.Wrap(fault.ErrResolution, err)
	}
	w.logger.Info("Network resolved",
		zap.String("network_id", network.ID),
		zap.String("subnet_id", network.SubnetID),
		zap.String("cidr", network.CIDR))

	if err := w.reclaim(ctx, network, specs, w.cfg.Reclaim.FirewallGroups); err != nil {
		return nil, err
	}

	stack := &cloud.Stack{}
	results, err := w.build(ctx, network, specs, template, stack)
	if err != nil {
		return results, w.fail(ctx, stack, err)
	}
	stack.Discard()

	for _, r := range results {
		w.logger.Info("Instance ready",
			zap.String("instance_name", r.Name),
			zap.String("instance_id", r.InstanceID),
			zap.String("public_ip", r.PublicIP),
			zap.String("private_ip", r.PrivateIP),
			zap.String("admin_password", r.AdminPassword),
			zap.String("readonly_password", r.ReadonlyPassword))
	}
	return results, nil
}

// Reclaim runs only the reclamation stage.
func (w *Workflow) Reclaim(ctx context.Context, firewallGroups bool) error {
	network, err := w.deps.Provider.ResolveNetwork(ctx, w.cfg.Zone)
	if err != nil {
		return fault.Wrap(fault.ErrResolution, err)
	}
	return w.reclaim(ctx, network, w.cfg.Instances, firewallGroups)
}

func (w *Workflow) build(ctx context.Context, network cloud.Network, specs []config.InstanceSpec, template string, stack *cloud.Stack) ([]provision.Result, error) {
	provisioner := provision.New(w.deps.Provider, network, stack, provision.Options{
		RunID:          w.runID,
		User:           w.cfg.SSH.User,
		PasswordLength: w.cfg.Passwords.Length,
	}, w.logger)

	results, err := provisioner.Provision(ctx, specs)
	if err != nil {
		return results, err
	}

	if err := snapshot.Write(w.cfg.OutputFile, provision.Records(results)); err != nil {
		return results, err
	}
	w.logger.Info("Snapshot written", zap.String("path", w.cfg.OutputFile), zap.Int("instances", len(results)))

	opts := bootstrap.Options{
		UpdateCommands:        w.cfg.Bootstrap.UpdateCommands,
		RebootCommand:         w.cfg.Bootstrap.RebootCommand,
		ToolCommands:          w.cfg.Bootstrap.ToolCommands,
		Template:              template,
		Strict:                w.cfg.Bootstrap.Strict,
		CredentialsFile:       w.cfg.Bootstrap.CredentialsFile,
		RemoteCredentialsPath: w.cfg.Bootstrap.RemoteCredentialsPath,
		ScrubPasses:           w.cfg.Bootstrap.ScrubPasses,
		RebootGrace:           w.cfg.Timeouts.RebootGrace,
	}
	for i, r := range results {
		dialer, err := w.deps.Dialers(specs[i])
		if err != nil {
			return results, fault.Wrap(fault.ErrConfig, err)
		}
		_, err = bootstrap.NewExecutor(dialer, opts, w.logger).Run(ctx, bootstrap.Target{
			InstanceID:       r.InstanceID,
			Name:             r.Name,
			PublicIP:         r.PublicIP,
			PrivateIP:        r.PrivateIP,
			CIDR:             network.CIDR,
			AdminPassword:    r.AdminPassword,
			ReadonlyPassword: r.ReadonlyPassword,
		})
		if err != nil {
			return results, fmt.Errorf("bootstrapping instance %q: %w", r.Name, err)
		}
	}

	if err := w.finalize(ctx, specs, results); err != nil {
		return results, err
	}
	return results, nil
}

// finalize removes the groups marked delete_after_build from the run's
// instances and deletes them.
func (w *Workflow) finalize(ctx context.Context, specs []config.InstanceSpec, results []provision.Result) error {
	var names []string
	for _, s := range specs {
		for _, rule := range s.FirewallRules {
			if rule.DeleteAfterBuild && !slices.Contains(names, rule.Name) {
				names = append(names, rule.Name)
			}
		}
	}

	for _, name := range names {
		var group cloud.FirewallGroup
		for _, r := range results {
			for _, g := range r.FirewallGroups {
				if g.Name != name {
					continue
				}
				group = g
				if err := w.deps.Provider.DetachFirewallGroup(ctx, r.InstanceID, g); err != nil {
					return fault.Wrap(fault.ErrProvider, fmt.Errorf("detaching %s from %s: %w", name, r.InstanceID, err))
				}
				w.logger.Info("Firewall group detached", zap.String("group", name), zap.String("instance_id", r.InstanceID))
			}
		}
		if group.ID == "" {
			continue
		}
		if err := w.deps.Provider.DeleteFirewallGroup(ctx, group); err != nil {
			return fault.Wrap(fault.ErrProvider, fmt.Errorf("deleting %s after build: %w", name, err))
		}
		w.logger.Info("Firewall group deleted after build", zap.String("group", name))
	}
	return nil
}

func (w *Workflow) reclaim(ctx context.Context, network cloud.Network, specs []config.InstanceSpec, firewallGroups bool) error {
	r := reclaim.New(w.deps.Provider, w.logger)
	if err := r.TerminateInstances(ctx, specs); err != nil {
		return err
	}
	if !firewallGroups {
		return nil
	}
	return r.DeleteFirewallGroups(ctx, network, specs)
}

// fail applies the failure policy to the resources on stack.
func (w *Workflow) fail(ctx context.Context, stack *cloud.Stack, cause error) error {
	if w.cfg.FailurePolicy == config.FailureRetain {
		w.logger.Warn("Keeping resources created by the failed run",
			zap.Int("resources", stack.Len()),
			zap.String("error_kind", fault.Kind(cause)))
		stack.Discard()
		return cause
	}

	w.logger.Warn("Rolling back resources created by the failed run",
		zap.Int("resources", stack.Len()),
		zap.String("error_kind", fault.Kind(cause)))

	// Teardown must outlive a cancelled run.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.Timeouts.Teardown)
	defer cancel()
	if err := stack.Destroy(tctx); err != nil {
		w.logger.Error("Rollback incomplete", zap.Error(err))
		return fmt.Errorf("%w (rollback: %w)", cause, err)
	}
	w.logger.Info("Rollback complete")
	return cause
}

func (w *Workflow) loadTemplate() (string, error) {
	data, err := os.ReadFile(w.cfg.Bootstrap.Template)
	if err != nil {
		return "", fault.Wrap(fault.ErrConfig, fmt.Errorf("reading bootstrap template: %w", err))
	}
	text := string(data)
	if err := bootstrap.Check(text); err != nil {
		return "", fault.Wrap(fault.ErrConfig, err)
	}
	return text, nil
}

// resolveExternalIPs returns a copy of the specs with "auto" replaced by the
// operator's address, looked up at most once.
func (w *Workflow) resolveExternalIPs(ctx context.Context) ([]config.InstanceSpec, error) {
	specs := slices.Clone(w.cfg.Instances)
	var ip string
	for i := range specs {
		if specs[i].ExternalIP != config.ExternalIPAuto {
			continue
		}
		if ip == "" {
			if w.deps.PublicIP == nil {
				return nil, fault.Wrap(fault.ErrConfig, fmt.Errorf("external_ip is auto but no address lookup is configured"))
			}
			var err error
			if ip, err = w.deps.PublicIP.Lookup(ctx); err != nil {
				return nil, fault.Wrap(fault.ErrResolution, err)
			}
			w.logger.Info("Resolved operator address", zap.String("external_ip", ip))
		}
		specs[i].ExternalIP = ip
	}
	return specs, nil
}
