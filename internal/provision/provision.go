// Package provision creates the instances of a build run together with the
// addresses, firewall groups and key pairs they need.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vmbuild/internal/cloud"
	"vmbuild/internal/config"
	"vmbuild/internal/fault"
	"vmbuild/internal/remote"
	"vmbuild/internal/secret"
	"vmbuild/internal/snapshot"
)

var ErrExternalIP = fmt.Errorf("external address unresolved")

// Result is one provisioned instance. Only the fields copied by Record are
// persisted.
type Result struct {
	Name             string
	InstanceID       string
	PublicIP         string
	PrivateIP        string
	AdminPassword    string
	ReadonlyPassword string

	Zone           string
	FirewallGroups []cloud.FirewallGroup
}

// Record returns the snapshot form of r.
func (r Result) Record() snapshot.Record {
	return snapshot.Record{
		ID:               r.InstanceID,
		PublicIP:         r.PublicIP,
		PrivateIP:        r.PrivateIP,
		AdminPassword:    r.AdminPassword,
		ReadonlyPassword: r.ReadonlyPassword,
	}
}

// Records converts results, keeping their order.
func Records(results []Result) []snapshot.Record {
	records := make([]snapshot.Record, 0, len(results))
	for _, r := range results {
		records = append(records, r.Record())
	}
	return records
}

type Options struct {
	// RunID tags every resource of the run.
	RunID string
	// Login user written into provider user data.
	User           string
	PasswordLength int
}

// Provisioner creates resources on a provider, pushing a destructor for each
// one onto a teardown stack.
type Provisioner struct {
	provider cloud.Provider
	network  cloud.Network
	stack    *cloud.Stack
	opts     Options
	logger   *zap.Logger

	// Groups resolved so far in this run, by name. Specs share groups.
	groups map[string]cloud.FirewallGroup
	keys   map[string]bool
}

// New returns a Provisioner placing instances in network. A zero RunID is
// replaced by a fresh one.
func New(provider cloud.Provider, network cloud.Network, stack *cloud.Stack, opts Options, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.PasswordLength == 0 {
		opts.PasswordLength = secret.MinLength
	}
	return &Provisioner{
		provider: provider,
		network:  network,
		stack:    stack,
		opts:     opts,
		logger:   logger.With(zap.String("run_id", opts.RunID)),
		groups:   map[string]cloud.FirewallGroup{},
		keys:     map[string]bool{},
	}
}

// RunID returns the identifier tagged on every resource of the run.
func (p *Provisioner) RunID() string {
	return p.opts.RunID
}

// Provision creates one instance per spec and returns the results in spec
// order. The first failure stops the batch; resources created so far stay on
// the stack.
func (p *Provisioner) Provision(ctx context.Context, specs []config.InstanceSpec) ([]Result, error) {
	results := make([]Result, 0, len(specs))
	for _, spec := range specs {
		res, err := p.provisionOne(ctx, spec)
		if err != nil {
			return results, fmt.Errorf("provisioning instance %q: %w", spec.Name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (p *Provisioner) provisionOne(ctx context.Context, spec config.InstanceSpec) (Result, error) {
	logger := p.logger.With(zap.String("instance_name", spec.Name))

	groups, err := p.firewallGroups(ctx, spec, logger)
	if err != nil {
		return Result{}, err
	}

	signer, err := remote.LoadSigner(spec.KeyPair.PrivateKeyFile)
	if err != nil {
		return Result{}, fault.Wrap(fault.ErrConfig, err)
	}
	publicKey := remote.AuthorizedKey(signer)
	if err := p.ensureKeyPair(ctx, spec.KeyPair, publicKey, logger); err != nil {
		return Result{}, err
	}

	tags := p.tags(spec)

	addr, err := p.provider.AllocateAddress(ctx, tags)
	if err != nil {
		return Result{}, fault.Wrap(fault.ErrProvider, err)
	}
	logger.Info("Allocated public address", zap.String("address_id", addr.ID), zap.String("public_ip", addr.IP))
	// The closure sees the association once it exists.
	p.stack.Push(func(ctx context.Context) error {
		return p.provider.ReleaseAddress(ctx, addr)
	})

	inst, err := p.provider.LaunchInstance(ctx, cloud.LaunchRequest{
		Name:           spec.Name,
		ImageID:        spec.ImageID,
		InstanceType:   spec.InstanceType,
		KeyName:        spec.KeyPair.Name,
		Network:        p.network,
		FirewallGroups: groups,
		Tags:           tags,
		Username:       p.opts.User,
		PublicKey:      publicKey,
		ClientToken:    uuid.NewString(),
	})
	// A provider may return a started instance together with an error.
	if inst.ID != "" {
		id := inst.ID
		p.stack.Push(func(ctx context.Context) error {
			return p.provider.TerminateInstance(ctx, id)
		})
	}
	if err != nil {
		return Result{}, fault.Wrap(fault.ErrProvider, err)
	}
	logger.Info("Launched instance", zap.String("instance_id", inst.ID))

	inst, err = p.provider.WaitRunning(ctx, inst.ID)
	if err != nil {
		return Result{}, fault.Wrap(fault.ErrProvider, err)
	}

	associated, err := p.provider.AssociateAddress(ctx, addr, inst.ID)
	if err != nil {
		return Result{}, fault.Wrap(fault.ErrProvider, err)
	}
	addr = associated

	pair, err := secret.GeneratePair(p.opts.PasswordLength)
	if err != nil {
		return Result{}, fault.Wrap(fault.ErrConfig, err)
	}

	logger.Info("Instance running",
		zap.String("instance_id", inst.ID),
		zap.String("public_ip", addr.IP),
		zap.String("private_ip", inst.PrivateIP))

	return Result{
		Name:             spec.Name,
		InstanceID:       inst.ID,
		PublicIP:         addr.IP,
		PrivateIP:        inst.PrivateIP,
		AdminPassword:    pair.Admin,
		ReadonlyPassword: pair.ReadOnly,
		Zone:             spec.AvailabilityZone,
		FirewallGroups:   groups,
	}, nil
}

func (p *Provisioner) tags(spec config.InstanceSpec) map[string]string {
	return map[string]string{
		cloud.TagName:    spec.Name,
		cloud.TagOwner:   spec.Owner,
		cloud.TagPurpose: spec.Purpose,
		cloud.TagBuildID: spec.BuildID,
		cloud.TagRunID:   p.opts.RunID,
	}
}

// firewallGroups resolves the spec's groups by name, creating missing ones.
func (p *Provisioner) firewallGroups(ctx context.Context, spec config.InstanceSpec, logger *zap.Logger) ([]cloud.FirewallGroup, error) {
	groups := make([]cloud.FirewallGroup, 0, len(spec.FirewallRules))
	for _, rule := range spec.FirewallRules {
		if g, ok := p.groups[rule.Name]; ok {
			groups = append(groups, g)
			continue
		}

		g, err := p.provider.FindFirewallGroup(ctx, p.network, rule.Name)
		switch {
		case err == nil:
			logger.Info("Using existing firewall group", zap.String("group", rule.Name), zap.String("group_id", g.ID))
		case errors.Is(err, cloud.ErrNotFound):
			source, err := p.source(spec, rule)
			if err != nil {
				return nil, err
			}
			g, err = p.provider.CreateFirewallGroup(ctx, p.network, rule.Name, cloud.IngressRule{Port: rule.Port, Source: source})
			if err != nil {
				return nil, fault.Wrap(fault.ErrProvider, err)
			}
			logger.Info("Created firewall group",
				zap.String("group", rule.Name),
				zap.String("group_id", g.ID),
				zap.Int32("port", rule.Port),
				zap.String("source", source))
			p.stack.Push(func(ctx context.Context) error {
				return p.provider.DeleteFirewallGroup(ctx, g)
			})
		default:
			return nil, fault.Wrap(fault.ErrProvider, err)
		}

		p.groups[rule.Name] = g
		groups = append(groups, g)
	}
	return groups, nil
}

func (p *Provisioner) source(spec config.InstanceSpec, rule config.FirewallRule) (string, error) {
	if rule.Visibility == config.VisibilityPrivate {
		return p.network.CIDR, nil
	}
	if spec.ExternalIP == "" || spec.ExternalIP == config.ExternalIPAuto {
		return "", fault.Wrap(fault.ErrConfig, fmt.Errorf("%w: rule %q", ErrExternalIP, rule.Name))
	}
	return spec.ExternalIP + "/32", nil
}

func (p *Provisioner) ensureKeyPair(ctx context.Context, kp config.KeyPair, publicKey string, logger *zap.Logger) error {
	if p.keys[kp.Name] {
		return nil
	}
	created, err := p.provider.EnsureKeyPair(ctx, kp.Name, publicKey, kp.Import)
	if err != nil {
		return fault.Wrap(fault.ErrProvider, err)
	}
	if created {
		logger.Info("Imported key pair", zap.String("key_pair", kp.Name))
		name := kp.Name
		p.stack.Push(func(ctx context.Context) error {
			return p.provider.DeleteKeyPair(ctx, name)
		})
	}
	p.keys[kp.Name] = true
	return nil
}
