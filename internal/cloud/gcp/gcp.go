// Package gcp implements cloud.Provider on Compute Engine. Firewall groups
// are VPC firewall rules targeting a network tag of the same name; public
// addresses are reserved static external IPs.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"vmbuild/internal/cloud"
	"vmbuild/internal/config"
)

const (
	statusRunning    = "RUNNING"
	statusTerminated = "TERMINATED"
	operationDone    = "DONE"

	natName         = "External NAT"
	natType         = "ONE_TO_ONE_NAT"
	defaultInterval = 5 * time.Second
	maxNameLength   = 63
)

var (
	ErrInstanceCreate = fmt.Errorf("failed to create instance")
	ErrInstanceDelete = fmt.Errorf("failed to delete instance")
	ErrInstanceState  = fmt.Errorf("failed to fetch instance state")
	ErrAddress        = fmt.Errorf("failed to manage static address")
	ErrFirewall       = fmt.Errorf("failed to manage firewall rule")
	ErrOperation      = fmt.Errorf("compute operation failed")
)

// Provider manages Compute Engine resources of one project and zone.
type Provider struct {
	service *compute.Service

	project     string
	zone        string
	region      string
	network     string
	machineType string

	runningTimeout    time.Duration
	terminatedTimeout time.Duration
	interval          time.Duration

	logger *zap.Logger
}

var _ cloud.Provider = (*Provider)(nil)

// New creates a Provider for zone. Without a credentials file the
// application default credentials are used.
func New(ctx context.Context, cfg *config.GCPConfig, zone string, timeouts config.Timeouts, logger *zap.Logger) (*Provider, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.CredentialsFile))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}
	return newProvider(service, cfg, zone, timeouts, logger), nil
}

func newProvider(service *compute.Service, cfg *config.GCPConfig, zone string, timeouts config.Timeouts, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		service:           service,
		project:           cfg.Project,
		zone:              zone,
		region:            RegionFromZone(zone),
		network:           cfg.Network,
		machineType:       cfg.MachineType,
		runningTimeout:    timeouts.InstanceRunning,
		terminatedTimeout: timeouts.InstanceTerminated,
		interval:          defaultInterval,
		logger:            logger.With(zap.String("provider", "gcp")),
	}
}

func (p *Provider) Name() string { return string(config.ProviderGCP) }

// ResolveNetwork returns the configured VPC network and its subnetwork in the
// zone's region. CIDR is the subnetwork's primary range.
func (p *Provider) ResolveNetwork(ctx context.Context, zone string) (cloud.Network, error) {
	if zone != p.zone {
		return cloud.Network{}, fmt.Errorf("%w: provider is bound to zone %s, not %s", cloud.ErrNetworkNotFound, p.zone, zone)
	}

	network, err := p.service.Networks.Get(p.project, p.network).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return cloud.Network{}, fmt.Errorf("%w: network %s", cloud.ErrNetworkNotFound, p.network)
		}
		return cloud.Network{}, fmt.Errorf("failed to get network: %w", err)
	}

	marker := "/regions/" + p.region + "/subnetworks/"
	for _, link := range network.Subnetworks {
		if !strings.Contains(link, marker) {
			continue
		}
		subnet, err := p.service.Subnetworks.Get(p.project, p.region, lastSegment(link)).Context(ctx).Do()
		if err != nil {
			return cloud.Network{}, fmt.Errorf("failed to get subnetwork: %w", err)
		}
		return cloud.Network{
			ID:       network.Name,
			SubnetID: subnet.SelfLink,
			CIDR:     subnet.IpCidrRange,
			Zone:     zone,
		}, nil
	}
	return cloud.Network{}, fmt.Errorf("%w: network %s has no subnetwork in %s", cloud.ErrNetworkNotFound, p.network, p.region)
}

// FindInstances looks up each name. Instance ids are the instance names.
func (p *Provider) FindInstances(ctx context.Context, names []string) ([]cloud.Instance, error) {
	var instances []cloud.Instance
	for _, name := range names {
		inst, err := p.service.Instances.Get(p.project, p.zone, ResourceName(name)).Context(ctx).Do()
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInstanceState, err)
		}

		found := toInstance(inst)
		found.Name = name
		if found.PublicIP != "" {
			addrs, err := p.staticAddresses(ctx, found.PublicIP)
			if err != nil {
				return nil, err
			}
			for _, a := range addrs {
				found.Addresses = append(found.Addresses, cloud.Address{ID: a.Name, IP: a.Address, AssociationID: inst.Name})
			}
		}
		instances = append(instances, found)
	}
	return instances, nil
}

// staticAddresses returns the reserved addresses of the region holding ip.
func (p *Provider) staticAddresses(ctx context.Context, ip string) ([]*compute.Address, error) {
	var out []*compute.Address
	err := p.service.Addresses.List(p.project, p.region).Pages(ctx, func(page *compute.AddressList) error {
		for _, a := range page.Items {
			if a.Address == ip {
				out = append(out, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing addresses: %w", ErrAddress, err)
	}
	return out, nil
}

// TerminateInstance deletes the instance and waits for the operation.
func (p *Provider) TerminateInstance(ctx context.Context, id string) error {
	op, err := p.service.Instances.Delete(p.project, p.zone, id).Context(ctx).Do()
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceDelete, err)
	}
	if err := p.wait(ctx, op, p.terminatedTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceDelete, err)
	}
	return nil
}

// LaunchInstance inserts the instance with an ephemeral external address.
// The login key travels in the ssh-keys metadata entry.
func (p *Provider) LaunchInstance(ctx context.Context, req cloud.LaunchRequest) (cloud.Instance, error) {
	machineType := req.InstanceType
	if machineType == "" {
		machineType = p.machineType
	}

	var targetTags []string
	for _, g := range req.FirewallGroups {
		targetTags = append(targetTags, g.ID)
	}

	metadata := &compute.Metadata{}
	if req.Username != "" && req.PublicKey != "" {
		userData, err := cloud.CloudConfig(req.Username, req.PublicKey)
		if err != nil {
			return cloud.Instance{}, fmt.Errorf("%w: %w", ErrInstanceCreate, err)
		}
		sshKeys := req.Username + ":" + req.PublicKey
		metadata.Items = []*compute.MetadataItems{
			{Key: "user-data", Value: &userData},
			{Key: "ssh-keys", Value: &sshKeys},
		}
	}

	name := ResourceName(req.Name)
	call := p.service.Instances.Insert(p.project, p.zone, &compute.Instance{
		Name:        name,
		Description: req.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", p.zone, machineType),
		Labels:      toLabels(req.Tags),
		Tags:        &compute.Tags{Items: targetTags},
		Metadata:    metadata,
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				Type:       "PERSISTENT",
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: req.ImageID,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				Network:       "global/networks/" + req.Network.ID,
				Subnetwork:    req.Network.SubnetID,
				AccessConfigs: []*compute.AccessConfig{{Name: natName, Type: natType}},
			},
		},
	})
	if req.ClientToken != "" {
		call = call.RequestId(req.ClientToken)
	}

	op, err := call.Context(ctx).Do()
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("%w: %w", ErrInstanceCreate, err)
	}
	if err := p.wait(ctx, op, p.runningTimeout); err != nil {
		// The operation may have created the instance before failing.
		return cloud.Instance{ID: name, Name: req.Name}, fmt.Errorf("%w: %w", ErrInstanceCreate, err)
	}

	inst, err := p.service.Instances.Get(p.project, p.zone, name).Context(ctx).Do()
	if err != nil {
		return cloud.Instance{ID: name, Name: req.Name}, fmt.Errorf("%w: %w", ErrInstanceState, err)
	}
	out := toInstance(inst)
	out.Name = req.Name
	return out, nil
}

func (p *Provider) WaitRunning(ctx context.Context, id string) (cloud.Instance, error) {
	var out cloud.Instance
	err := p.poll(ctx, p.runningTimeout, func() (bool, error) {
		inst, err := p.service.Instances.Get(p.project, p.zone, id).Context(ctx).Do()
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrInstanceState, err)
		}
		switch inst.Status {
		case statusRunning:
			out = toInstance(inst)
			return true, nil
		case statusTerminated:
			return false, fmt.Errorf("%w: instance %s stopped while starting", ErrInstanceState, id)
		}
		return false, nil
	})
	return out, err
}

// AllocateAddress reserves a regional static external address named after
// the instance it is meant for.
func (p *Provider) AllocateAddress(ctx context.Context, tags map[string]string) (cloud.Address, error) {
	base := tags[cloud.TagName]
	if run := tags[cloud.TagRunID]; len(run) >= 8 {
		base += "-" + run[:8]
	}
	name := ResourceName(base + "-ip")

	op, err := p.service.Addresses.Insert(p.project, p.region, &compute.Address{
		Name:        name,
		AddressType: "EXTERNAL",
		Labels:      toLabels(tags),
	}).Context(ctx).Do()
	if err != nil {
		return cloud.Address{}, fmt.Errorf("%w: %w", ErrAddress, err)
	}
	if err := p.wait(ctx, op, p.runningTimeout); err != nil {
		return cloud.Address{}, fmt.Errorf("%w: %w", ErrAddress, err)
	}

	addr, err := p.service.Addresses.Get(p.project, p.region, name).Context(ctx).Do()
	if err != nil {
		return cloud.Address{}, fmt.Errorf("%w: %w", ErrAddress, err)
	}
	return cloud.Address{ID: addr.Name, IP: addr.Address}, nil
}

// AssociateAddress swaps the instance's ephemeral access config for one using
// the reserved address.
func (p *Provider) AssociateAddress(ctx context.Context, addr cloud.Address, instanceID string) (cloud.Address, error) {
	inst, err := p.service.Instances.Get(p.project, p.zone, instanceID).Context(ctx).Do()
	if err != nil {
		return addr, fmt.Errorf("%w: %w", ErrAddress, err)
	}
	if len(inst.NetworkInterfaces) == 0 {
		return addr, fmt.Errorf("%w: instance %s has no network interface", ErrAddress, instanceID)
	}
	nic := inst.NetworkInterfaces[0]

	for _, ac := range nic.AccessConfigs {
		op, err := p.service.Instances.DeleteAccessConfig(p.project, p.zone, instanceID, ac.Name, nic.Name).Context(ctx).Do()
		if err != nil {
			return addr, fmt.Errorf("%w: %w", ErrAddress, err)
		}
		if err := p.wait(ctx, op, p.runningTimeout); err != nil {
			return addr, fmt.Errorf("%w: %w", ErrAddress, err)
		}
	}

	op, err := p.service.Instances.AddAccessConfig(p.project, p.zone, instanceID, nic.Name, &compute.AccessConfig{
		Name:  natName,
		Type:  natType,
		NatIP: addr.IP,
	}).Context(ctx).Do()
	if err != nil {
		return addr, fmt.Errorf("%w: %w", ErrAddress, err)
	}
	if err := p.wait(ctx, op, p.runningTimeout); err != nil {
		return addr, fmt.Errorf("%w: %w", ErrAddress, err)
	}

	addr.AssociationID = instanceID
	return addr, nil
}

// ReleaseAddress removes the address from any instance using it, then
// deletes the reservation.
func (p *Provider) ReleaseAddress(ctx context.Context, addr cloud.Address) error {
	reserved, err := p.service.Addresses.Get(p.project, p.region, addr.ID).Context(ctx).Do()
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAddress, err)
	}

	for _, user := range reserved.Users {
		if err := p.detachAddress(ctx, lastSegment(user), reserved.Address); err != nil {
			return err
		}
	}

	op, err := p.service.Addresses.Delete(p.project, p.region, addr.ID).Context(ctx).Do()
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAddress, err)
	}
	if err := p.wait(ctx, op, p.terminatedTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrAddress, err)
	}
	return nil
}

func (p *Provider) detachAddress(ctx context.Context, instanceID, ip string) error {
	inst, err := p.service.Instances.Get(p.project, p.zone, instanceID).Context(ctx).Do()
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAddress, err)
	}
	for _, nic := range inst.NetworkInterfaces {
		for _, ac := range nic.AccessConfigs {
			if ac.NatIP != ip {
				continue
			}
			op, err := p.service.Instances.DeleteAccessConfig(p.project, p.zone, instanceID, ac.Name, nic.Name).Context(ctx).Do()
			if isNotFound(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("%w: %w", ErrAddress, err)
			}
			if err := p.wait(ctx, op, p.terminatedTimeout); err != nil {
				return fmt.Errorf("%w: %w", ErrAddress, err)
			}
		}
	}
	return nil
}

// FindFirewallGroup returns the firewall rule for name. Its id is the
// network tag instances carry to be covered by it.
func (p *Provider) FindFirewallGroup(ctx context.Context, _ cloud.Network, name string) (cloud.FirewallGroup, error) {
	fw, err := p.service.Firewalls.Get(p.project, ResourceName(name)).Context(ctx).Do()
	if isNotFound(err) {
		return cloud.FirewallGroup{}, fmt.Errorf("%w: firewall %s", cloud.ErrNotFound, name)
	}
	if err != nil {
		return cloud.FirewallGroup{}, fmt.Errorf("%w: %w", ErrFirewall, err)
	}
	return cloud.FirewallGroup{ID: fw.Name, Name: name}, nil
}

func (p *Provider) CreateFirewallGroup(ctx context.Context, network cloud.Network, name string, rule cloud.IngressRule) (cloud.FirewallGroup, error) {
	tag := ResourceName(name)
	op, err := p.service.Firewalls.Insert(p.project, &compute.Firewall{
		Name:         tag,
		Description:  name,
		Network:      "global/networks/" + network.ID,
		Direction:    "INGRESS",
		SourceRanges: []string{rule.Source},
		TargetTags:   []string{tag},
		Allowed: []*compute.FirewallAllowed{
			{IPProtocol: "tcp", Ports: []string{fmt.Sprint(rule.Port)}},
		},
	}).Context(ctx).Do()
	if err != nil {
		return cloud.FirewallGroup{}, fmt.Errorf("%w: %w", ErrFirewall, err)
	}
	if err := p.wait(ctx, op, p.runningTimeout); err != nil {
		return cloud.FirewallGroup{}, fmt.Errorf("%w: %w", ErrFirewall, err)
	}
	return cloud.FirewallGroup{ID: tag, Name: name}, nil
}

func (p *Provider) DeleteFirewallGroup(ctx context.Context, group cloud.FirewallGroup) error {
	op, err := p.service.Firewalls.Delete(p.project, group.ID).Context(ctx).Do()
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFirewall, err)
	}
	if err := p.wait(ctx, op, p.terminatedTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrFirewall, err)
	}
	return nil
}

// DetachFirewallGroup removes the group's network tag from the instance.
func (p *Provider) DetachFirewallGroup(ctx context.Context, instanceID string, group cloud.FirewallGroup) error {
	inst, err := p.service.Instances.Get(p.project, p.zone, instanceID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFirewall, err)
	}
	if inst.Tags == nil || !slices.Contains(inst.Tags.Items, group.ID) {
		return nil
	}

	rest := slices.DeleteFunc(slices.Clone(inst.Tags.Items), func(t string) bool { return t == group.ID })
	op, err := p.service.Instances.SetTags(p.project, p.zone, instanceID, &compute.Tags{
		Items:       rest,
		Fingerprint: inst.Tags.Fingerprint,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFirewall, err)
	}
	if err := p.wait(ctx, op, p.runningTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrFirewall, err)
	}
	return nil
}

// EnsureKeyPair has nothing to register: keys are passed per instance in
// metadata.
func (p *Provider) EnsureKeyPair(context.Context, string, string, bool) (bool, error) {
	return false, nil
}

func (p *Provider) DeleteKeyPair(context.Context, string) error {
	return nil
}

// wait blocks until op is done, using the scope-specific Wait call.
func (p *Provider) wait(ctx context.Context, op *compute.Operation, timeout time.Duration) error {
	err := p.poll(ctx, timeout, func() (bool, error) {
		if op.Status == operationDone {
			return true, nil
		}
		var err error
		switch {
		case op.Zone != "":
			op, err = p.service.ZoneOperations.Wait(p.project, lastSegment(op.Zone), op.Name).Context(ctx).Do()
		case op.Region != "":
			op, err = p.service.RegionOperations.Wait(p.project, lastSegment(op.Region), op.Name).Context(ctx).Do()
		default:
			op, err = p.service.GlobalOperations.Wait(p.project, op.Name).Context(ctx).Do()
		}
		if err != nil {
			return false, err
		}
		return op.Status == operationDone, nil
	})
	if err != nil {
		return err
	}
	if op.Error != nil && len(op.Error.Errors) > 0 {
		var msgs []string
		for _, e := range op.Error.Errors {
			msgs = append(msgs, e.Code+": "+e.Message)
		}
		return fmt.Errorf("%w: %s: %s", ErrOperation, op.Name, strings.Join(msgs, "; "))
	}
	return nil
}

// poll calls check every interval until it reports done, fails or timeout
// elapses.
func (p *Provider) poll(ctx context.Context, timeout time.Duration, check func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
		case <-time.After(p.interval):
		}
	}
}

func toInstance(inst *compute.Instance) cloud.Instance {
	out := cloud.Instance{
		ID:    inst.Name,
		Name:  inst.Description,
		State: strings.ToLower(inst.Status),
		Zone:  lastSegment(inst.Zone),
	}
	if len(inst.NetworkInterfaces) > 0 {
		nic := inst.NetworkInterfaces[0]
		out.PrivateIP = nic.NetworkIP
		if len(nic.AccessConfigs) > 0 {
			out.PublicIP = nic.AccessConfigs[0].NatIP
		}
	}
	if inst.Tags != nil {
		for _, t := range inst.Tags.Items {
			out.FirewallGroups = append(out.FirewallGroups, cloud.FirewallGroup{ID: t, Name: t})
		}
	}
	return out
}

// ResourceName maps a free-form name onto Compute Engine's resource name
// alphabet: lowercase letters, digits and hyphens, starting with a letter.
func ResourceName(name string) string {
	s := strings.ReplaceAll(slug.Make(name), "_", "-")
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		s = "vm-" + s
	}
	if len(s) > maxNameLength {
		s = s[:maxNameLength]
	}
	return strings.TrimRight(s, "-")
}

// toLabels converts tags into labels; keys and values are lowercased slugs.
func toLabels(tags map[string]string) map[string]string {
	labels := make(map[string]string, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		key := slug.Make(k)
		if key == "" {
			continue
		}
		value := slug.Make(tags[k])
		if len(value) > maxNameLength {
			value = value[:maxNameLength]
		}
		labels[key] = value
	}
	return labels
}

// RegionFromZone maps a zone such as europe-west2-a onto its region.
func RegionFromZone(zone string) string {
	if i := strings.LastIndex(zone, "-"); i > 0 {
		return zone[:i]
	}
	return zone
}

func lastSegment(link string) string {
	return link[strings.LastIndex(link, "/")+1:]
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
