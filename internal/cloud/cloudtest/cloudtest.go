// Package cloudtest provides an in-memory cloud.Provider for tests.
package cloudtest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"vmbuild/internal/cloud"
)

// Provider keeps every resource in maps and records each mutating call in
// Calls, in order, as "Verb:key".
type Provider struct {
	mu sync.Mutex

	Network cloud.Network
	// NetworkErr is returned by ResolveNetwork when set.
	NetworkErr error

	Instances map[string]*cloud.Instance
	Addresses map[string]*cloud.Address
	Groups    map[string]cloud.FirewallGroup
	Rules     map[string]cloud.IngressRule
	Keys      map[string]string

	// Fail maps a call key such as "LaunchInstance:db" to the error it
	// should return.
	Fail map[string]error

	Calls []string

	seq int
}

var _ cloud.Provider = (*Provider)(nil)

// New returns a Provider with a ready network in zone.
func New(zone string) *Provider {
	return &Provider{
		Network:   cloud.Network{ID: "net-1", SubnetID: "subnet-1", CIDR: "10.0.0.0/16", Zone: zone},
		Instances: map[string]*cloud.Instance{},
		Addresses: map[string]*cloud.Address{},
		Groups:    map[string]cloud.FirewallGroup{},
		Rules:     map[string]cloud.IngressRule{},
		Keys:      map[string]string{},
		Fail:      map[string]error{},
	}
}

func (p *Provider) record(verb, key string) error {
	call := verb + ":" + key
	p.Calls = append(p.Calls, call)
	return p.Fail[call]
}

func (p *Provider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

// Called reports whether a call with that key was recorded.
func (p *Provider) Called(call string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Contains(p.Calls, call)
}

// Live returns the names of instances that are not terminated, sorted.
func (p *Provider) Live() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for _, inst := range p.Instances {
		if inst.State != "terminated" {
			names = append(names, inst.Name)
		}
	}
	slices.Sort(names)
	return names
}

// AddInstance seeds a running instance with one associated address.
func (p *Provider) AddInstance(name string) *cloud.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := &cloud.Address{ID: p.next("addr"), IP: fmt.Sprintf("198.51.100.%d", p.seq)}
	inst := &cloud.Instance{
		ID:        p.next("i"),
		Name:      name,
		State:     "running",
		PublicIP:  addr.IP,
		PrivateIP: fmt.Sprintf("10.0.0.%d", p.seq),
		Zone:      p.Network.Zone,
	}
	addr.AssociationID = inst.ID
	inst.Addresses = []cloud.Address{*addr}
	p.Addresses[addr.ID] = addr
	p.Instances[inst.ID] = inst
	return inst
}

// AddGroup seeds a firewall group.
func (p *Provider) AddGroup(name string, rule cloud.IngressRule) cloud.FirewallGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := cloud.FirewallGroup{ID: p.next("sg"), Name: name}
	p.Groups[name] = g
	p.Rules[name] = rule
	return g
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) ResolveNetwork(_ context.Context, zone string) (cloud.Network, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NetworkErr != nil {
		return cloud.Network{}, p.NetworkErr
	}
	if zone != p.Network.Zone {
		return cloud.Network{}, fmt.Errorf("%w: %s", cloud.ErrNetworkNotFound, zone)
	}
	return p.Network, nil
}

func (p *Provider) FindInstances(_ context.Context, names []string) ([]cloud.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("FindInstances", ""); err != nil {
		return nil, err
	}
	var out []cloud.Instance
	for _, inst := range p.Instances {
		if inst.State != "terminated" && slices.Contains(names, inst.Name) {
			out = append(out, *inst)
		}
	}
	slices.SortFunc(out, func(a, b cloud.Instance) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (p *Provider) TerminateInstance(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("TerminateInstance", id); err != nil {
		return err
	}
	if inst, ok := p.Instances[id]; ok {
		inst.State = "terminated"
	}
	return nil
}

func (p *Provider) LaunchInstance(_ context.Context, req cloud.LaunchRequest) (cloud.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("LaunchInstance", req.Name); err != nil {
		return cloud.Instance{}, err
	}
	if _, ok := p.Keys[req.KeyName]; !ok {
		return cloud.Instance{}, fmt.Errorf("unknown key pair %q", req.KeyName)
	}
	for _, g := range req.FirewallGroups {
		if _, ok := p.Groups[g.Name]; !ok {
			return cloud.Instance{}, fmt.Errorf("unknown firewall group %q", g.Name)
		}
	}
	inst := &cloud.Instance{
		ID:             p.next("i"),
		Name:           req.Name,
		State:          "pending",
		Zone:           req.Network.Zone,
		FirewallGroups: slices.Clone(req.FirewallGroups),
	}
	inst.PrivateIP = fmt.Sprintf("10.0.0.%d", p.seq)
	p.Instances[inst.ID] = inst
	return *inst, nil
}

func (p *Provider) WaitRunning(_ context.Context, id string) (cloud.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("WaitRunning", id); err != nil {
		return cloud.Instance{}, err
	}
	inst, ok := p.Instances[id]
	if !ok {
		return cloud.Instance{}, fmt.Errorf("instance %s not found", id)
	}
	inst.State = "running"
	return *inst, nil
}

func (p *Provider) AllocateAddress(_ context.Context, tags map[string]string) (cloud.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("AllocateAddress", tags[cloud.TagName]); err != nil {
		return cloud.Address{}, err
	}
	addr := &cloud.Address{ID: p.next("addr")}
	addr.IP = fmt.Sprintf("198.51.100.%d", p.seq)
	p.Addresses[addr.ID] = addr
	return *addr, nil
}

func (p *Provider) AssociateAddress(_ context.Context, addr cloud.Address, instanceID string) (cloud.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("AssociateAddress", instanceID); err != nil {
		return addr, err
	}
	stored, ok := p.Addresses[addr.ID]
	if !ok {
		return addr, fmt.Errorf("address %s not found", addr.ID)
	}
	inst, ok := p.Instances[instanceID]
	if !ok {
		return addr, fmt.Errorf("instance %s not found", instanceID)
	}
	stored.AssociationID = instanceID
	inst.PublicIP = stored.IP
	inst.Addresses = append(inst.Addresses, *stored)
	return *stored, nil
}

func (p *Provider) ReleaseAddress(_ context.Context, addr cloud.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ReleaseAddress", addr.ID); err != nil {
		return err
	}
	delete(p.Addresses, addr.ID)
	return nil
}

func (p *Provider) FindFirewallGroup(_ context.Context, _ cloud.Network, name string) (cloud.FirewallGroup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.Groups[name]
	if !ok {
		return cloud.FirewallGroup{}, fmt.Errorf("%w: %s", cloud.ErrNotFound, name)
	}
	return g, nil
}

func (p *Provider) CreateFirewallGroup(_ context.Context, _ cloud.Network, name string, rule cloud.IngressRule) (cloud.FirewallGroup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateFirewallGroup", name); err != nil {
		return cloud.FirewallGroup{}, err
	}
	if _, ok := p.Groups[name]; ok {
		return cloud.FirewallGroup{}, fmt.Errorf("firewall group %s already exists", name)
	}
	g := cloud.FirewallGroup{ID: p.next("sg"), Name: name}
	p.Groups[name] = g
	p.Rules[name] = rule
	return g, nil
}

func (p *Provider) DeleteFirewallGroup(_ context.Context, group cloud.FirewallGroup) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DeleteFirewallGroup", group.Name); err != nil {
		return err
	}
	for _, inst := range p.Instances {
		if inst.State == "terminated" {
			continue
		}
		for _, g := range inst.FirewallGroups {
			if g.ID == group.ID {
				return fmt.Errorf("firewall group %s is in use by %s", group.Name, inst.ID)
			}
		}
	}
	delete(p.Groups, group.Name)
	delete(p.Rules, group.Name)
	return nil
}

func (p *Provider) DetachFirewallGroup(_ context.Context, instanceID string, group cloud.FirewallGroup) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DetachFirewallGroup", instanceID+"/"+group.Name); err != nil {
		return err
	}
	if inst, ok := p.Instances[instanceID]; ok {
		inst.FirewallGroups = slices.DeleteFunc(inst.FirewallGroups, func(g cloud.FirewallGroup) bool {
			return g.ID == group.ID
		})
	}
	return nil
}

func (p *Provider) EnsureKeyPair(_ context.Context, name, publicKey string, importKey bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("EnsureKeyPair", name); err != nil {
		return false, err
	}
	if _, ok := p.Keys[name]; ok {
		return false, nil
	}
	if !importKey {
		return false, fmt.Errorf("key pair %s does not exist", name)
	}
	p.Keys[name] = publicKey
	return true, nil
}

func (p *Provider) DeleteKeyPair(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DeleteKeyPair", name); err != nil {
		return err
	}
	delete(p.Keys, name)
	return nil
}
