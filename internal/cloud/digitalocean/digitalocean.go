// Package digitalocean implements cloud.Provider on droplets, reserved IPs
// and cloud firewalls.
package digitalocean

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/digitalocean/godo"
	"go.uber.org/zap"

	"vmbuild/internal/cloud"
	"vmbuild/internal/config"
)

const (
	statusActive    = "active"
	statusArchive   = "archive"
	perPage         = 200
	defaultInterval = 5 * time.Second
)

var (
	ErrDropletCreate = fmt.Errorf("failed to create droplet")
	ErrDropletDelete = fmt.Errorf("failed to delete droplet")
	ErrDropletState  = fmt.Errorf("failed to fetch droplet state")
	ErrReservedIP    = fmt.Errorf("failed to manage reserved IP")
	ErrFirewall      = fmt.Errorf("failed to manage firewall")
	ErrKey           = fmt.Errorf("failed to manage SSH key")
	ErrKeyMissing    = fmt.Errorf("SSH key does not exist and import is disabled")
	ErrActionErrored = fmt.Errorf("droplet action errored")
	ErrInvalidID     = fmt.Errorf("invalid droplet ID")
)

// Provider manages DigitalOcean resources through godo's services.
type Provider struct {
	droplets          godo.DropletsService
	vpcs              godo.VPCsService
	firewalls         godo.FirewallsService
	reservedIPs       godo.ReservedIPsService
	reservedIPActions godo.ReservedIPActionsService
	keys              godo.KeysService
	actions           godo.ActionsService

	// Region slug every resource of the run is created in
	zone  string
	vpcID string
	size  string

	runningTimeout    time.Duration
	terminatedTimeout time.Duration
	interval          time.Duration

	logger *zap.Logger
}

var _ cloud.Provider = (*Provider)(nil)

// New creates a Provider for the zone's region authenticated with the
// configured token.
func New(cfg *config.DigitalOceanConfig, zone string, timeouts config.Timeouts, logger *zap.Logger) (*Provider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("digitalocean token is empty")
	}
	return newProvider(godo.NewFromToken(cfg.Token), cfg, zone, timeouts, logger), nil
}

func newProvider(client *godo.Client, cfg *config.DigitalOceanConfig, zone string, timeouts config.Timeouts, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		droplets:          client.Droplets,
		vpcs:              client.VPCs,
		firewalls:         client.Firewalls,
		reservedIPs:       client.ReservedIPs,
		reservedIPActions: client.ReservedIPActions,
		keys:              client.Keys,
		actions:           client.Actions,
		zone:              zone,
		vpcID:             cfg.VPCID,
		size:              cfg.Size,
		runningTimeout:    timeouts.InstanceRunning,
		terminatedTimeout: timeouts.InstanceTerminated,
		interval:          defaultInterval,
		logger:            logger.With(zap.String("provider", "digitalocean")),
	}
}

func (p *Provider) Name() string { return string(config.ProviderDigitalOcean) }

// ResolveNetwork returns the configured VPC or the region's default one. The
// zone is a region slug; DigitalOcean VPCs have no subnets, so the subnet id
// is the VPC id.
func (p *Provider) ResolveNetwork(ctx context.Context, zone string) (cloud.Network, error) {
	if zone != p.zone {
		return cloud.Network{}, fmt.Errorf("%w: provider is bound to region %s, not %s", cloud.ErrNetworkNotFound, p.zone, zone)
	}

	var vpc *godo.VPC
	if p.vpcID != "" {
		v, _, err := p.vpcs.Get(ctx, p.vpcID)
		if err != nil {
			if isNotFound(err) {
				return cloud.Network{}, fmt.Errorf("%w: vpc %s", cloud.ErrNetworkNotFound, p.vpcID)
			}
			return cloud.Network{}, fmt.Errorf("failed to get VPC: %w", err)
		}
		vpc = v
	} else {
		opt := &godo.ListOptions{PerPage: perPage}
		for vpc == nil {
			list, resp, err := p.vpcs.List(ctx, opt)
			if err != nil {
				return cloud.Network{}, fmt.Errorf("failed to list VPCs: %w", err)
			}
			for _, v := range list {
				if v.Default && v.RegionSlug == zone {
					vpc = v
					break
				}
			}
			if !nextPage(resp, opt) {
				break
			}
		}
	}
	if vpc == nil {
		return cloud.Network{}, fmt.Errorf("%w: no default VPC in %s", cloud.ErrNetworkNotFound, zone)
	}
	if vpc.RegionSlug != "" && vpc.RegionSlug != zone {
		return cloud.Network{}, fmt.Errorf("%w: vpc %s is in %s, not %s", cloud.ErrNetworkNotFound, vpc.ID, vpc.RegionSlug, zone)
	}

	return cloud.Network{ID: vpc.ID, SubnetID: vpc.ID, CIDR: vpc.IPRange, Zone: zone}, nil
}

// FindInstances returns droplets whose hostname matches one of names, with
// their reserved IPs.
func (p *Provider) FindInstances(ctx context.Context, names []string) ([]cloud.Instance, error) {
	var instances []cloud.Instance
	for _, name := range names {
		opt := &godo.ListOptions{PerPage: perPage}
		for {
			droplets, resp, err := p.droplets.ListByName(ctx, Hostname(name), opt)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrDropletState, err)
			}
			for _, d := range droplets {
				if d.Status != statusArchive {
					instances = append(instances, toInstance(&d))
				}
			}
			if !nextPage(resp, opt) {
				break
			}
		}
	}
	if len(instances) == 0 {
		return nil, nil
	}

	ips, err := p.listReservedIPs(ctx)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip.Droplet == nil {
			continue
		}
		owner := strconv.Itoa(ip.Droplet.ID)
		for i := range instances {
			if instances[i].ID == owner {
				instances[i].Addresses = append(instances[i].Addresses, cloud.Address{
					ID:            ip.IP,
					IP:            ip.IP,
					AssociationID: owner,
				})
			}
		}
	}
	return instances, nil
}

func (p *Provider) listReservedIPs(ctx context.Context) ([]godo.ReservedIP, error) {
	var all []godo.ReservedIP
	opt := &godo.ListOptions{PerPage: perPage}
	for {
		ips, resp, err := p.reservedIPs.List(ctx, opt)
		if err != nil {
			return nil, fmt.Errorf("%w: listing: %w", ErrReservedIP, err)
		}
		all = append(all, ips...)
		if !nextPage(resp, opt) {
			return all, nil
		}
	}
}

// TerminateInstance deletes the droplet and waits until it is gone.
func (p *Provider) TerminateInstance(ctx context.Context, id string) error {
	dropletID, err := parseID(id)
	if err != nil {
		return err
	}

	if _, err := p.droplets.Delete(ctx, dropletID); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrDropletDelete, err)
	}

	p.logger.Info("Waiting for droplet deletion", zap.String("instance_id", id))
	return p.poll(ctx, p.terminatedTimeout, func() (bool, error) {
		_, _, err := p.droplets.Get(ctx, dropletID)
		if isNotFound(err) {
			return true, nil
		}
		return false, err
	})
}

// LaunchInstance creates the droplet and adds it to the requested firewalls.
// A droplet that was created is returned even when joining a firewall fails,
// so the caller can clean it up.
func (p *Provider) LaunchInstance(ctx context.Context, req cloud.LaunchRequest) (cloud.Instance, error) {
	key, err := p.findKey(ctx, req.KeyName)
	if err != nil {
		return cloud.Instance{}, err
	}
	if key == nil {
		return cloud.Instance{}, fmt.Errorf("%w: %s", ErrKeyMissing, req.KeyName)
	}

	size := req.InstanceType
	if size == "" {
		size = p.size
	}

	create := &godo.DropletCreateRequest{
		Name:    Hostname(req.Name),
		Region:  req.Network.Zone,
		Size:    size,
		Image:   godo.DropletCreateImage{Slug: req.ImageID},
		SSHKeys: []godo.DropletCreateSSHKey{{ID: key.ID}},
		VPCUUID: req.Network.ID,
		Tags:    toTags(req.Tags),
	}
	if req.Username != "" && req.PublicKey != "" {
		userData, err := cloud.CloudConfig(req.Username, req.PublicKey)
		if err != nil {
			return cloud.Instance{}, err
		}
		create.UserData = userData
	}

	droplet, _, err := p.droplets.Create(ctx, create)
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("%w: %w", ErrDropletCreate, err)
	}
	inst := toInstance(droplet)
	p.logger.Info("Created droplet",
		zap.String("instance_id", inst.ID),
		zap.String("name", create.Name),
		zap.String("size", size))

	for _, g := range req.FirewallGroups {
		if _, err := p.firewalls.AddDroplets(ctx, g.ID, droplet.ID); err != nil {
			return inst, fmt.Errorf("%w: adding droplet to %s: %w", ErrFirewall, g.Name, err)
		}
		inst.FirewallGroups = append(inst.FirewallGroups, g)
	}
	return inst, nil
}

// WaitRunning polls the droplet until it is active.
func (p *Provider) WaitRunning(ctx context.Context, id string) (cloud.Instance, error) {
	dropletID, err := parseID(id)
	if err != nil {
		return cloud.Instance{}, err
	}

	var inst cloud.Instance
	err = p.poll(ctx, p.runningTimeout, func() (bool, error) {
		d, _, err := p.droplets.Get(ctx, dropletID)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrDropletState, err)
		}
		if d.Status != statusActive {
			p.logger.Debug("Droplet not active yet", zap.String("instance_id", id), zap.String("status", d.Status))
			return false, nil
		}
		inst = toInstance(d)
		return true, nil
	})
	return inst, err
}

// AllocateAddress reserves an IP in the provider's region, the one droplets
// are launched in, since reserved IPs only attach within their region.
// Reserved IPs carry no tags.
func (p *Provider) AllocateAddress(ctx context.Context, _ map[string]string) (cloud.Address, error) {
	ip, _, err := p.reservedIPs.Create(ctx, &godo.ReservedIPCreateRequest{Region: p.zone})
	if err != nil {
		return cloud.Address{}, fmt.Errorf("%w: creating: %w", ErrReservedIP, err)
	}
	return cloud.Address{ID: ip.IP, IP: ip.IP}, nil
}

func (p *Provider) AssociateAddress(ctx context.Context, addr cloud.Address, instanceID string) (cloud.Address, error) {
	dropletID, err := parseID(instanceID)
	if err != nil {
		return addr, err
	}

	action, _, err := p.reservedIPActions.Assign(ctx, addr.IP, dropletID)
	if err != nil {
		return addr, fmt.Errorf("%w: assigning %s: %w", ErrReservedIP, addr.IP, err)
	}
	if err := p.waitAction(ctx, action); err != nil {
		return addr, err
	}
	addr.AssociationID = instanceID
	return addr, nil
}

func (p *Provider) ReleaseAddress(ctx context.Context, addr cloud.Address) error {
	if addr.AssociationID != "" {
		action, _, err := p.reservedIPActions.Unassign(ctx, addr.IP)
		switch {
		case isNotFound(err):
		case err != nil:
			return fmt.Errorf("%w: unassigning %s: %w", ErrReservedIP, addr.IP, err)
		default:
			if err := p.waitAction(ctx, action); err != nil {
				return err
			}
		}
	}

	if _, err := p.reservedIPs.Delete(ctx, addr.IP); err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: deleting %s: %w", ErrReservedIP, addr.IP, err)
	}
	p.logger.Info("Released address", zap.String("ip", addr.IP))
	return nil
}

// FindFirewallGroup looks a firewall up by its sanitised name. Firewalls are
// account-wide, so the network is not consulted.
func (p *Provider) FindFirewallGroup(ctx context.Context, _ cloud.Network, name string) (cloud.FirewallGroup, error) {
	want := FirewallName(name)
	opt := &godo.ListOptions{PerPage: perPage}
	for {
		list, resp, err := p.firewalls.List(ctx, opt)
		if err != nil {
			return cloud.FirewallGroup{}, fmt.Errorf("%w: listing: %w", ErrFirewall, err)
		}
		for _, fw := range list {
			if fw.Name == want {
				return cloud.FirewallGroup{ID: fw.ID, Name: fw.Name}, nil
			}
		}
		if !nextPage(resp, opt) {
			return cloud.FirewallGroup{}, fmt.Errorf("%w: firewall %q", cloud.ErrNotFound, want)
		}
	}
}

// CreateFirewallGroup creates a firewall admitting rule, with unrestricted
// egress.
func (p *Provider) CreateFirewallGroup(ctx context.Context, _ cloud.Network, name string, rule cloud.IngressRule) (cloud.FirewallGroup, error) {
	everywhere := &godo.Destinations{Addresses: []string{"0.0.0.0/0", "::/0"}}
	fw, _, err := p.firewalls.Create(ctx, &godo.FirewallRequest{
		Name: FirewallName(name),
		InboundRules: []godo.InboundRule{{
			Protocol:  "tcp",
			PortRange: strconv.Itoa(int(rule.Port)),
			Sources:   &godo.Sources{Addresses: []string{rule.Source}},
		}},
		OutboundRules: []godo.OutboundRule{
			{Protocol: "tcp", PortRange: "all", Destinations: everywhere},
			{Protocol: "udp", PortRange: "all", Destinations: everywhere},
			{Protocol: "icmp", Destinations: everywhere},
		},
	})
	if err != nil {
		return cloud.FirewallGroup{}, fmt.Errorf("%w: creating %s: %w", ErrFirewall, name, err)
	}

	p.logger.Info("Created firewall",
		zap.String("firewall_id", fw.ID),
		zap.String("name", fw.Name),
		zap.Int32("port", rule.Port),
		zap.String("source", rule.Source))
	return cloud.FirewallGroup{ID: fw.ID, Name: fw.Name}, nil
}

func (p *Provider) DeleteFirewallGroup(ctx context.Context, group cloud.FirewallGroup) error {
	if _, err := p.firewalls.Delete(ctx, group.ID); err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: deleting %s: %w", ErrFirewall, group.Name, err)
	}
	p.logger.Info("Deleted firewall", zap.String("firewall_id", group.ID), zap.String("name", group.Name))
	return nil
}

func (p *Provider) DetachFirewallGroup(ctx context.Context, instanceID string, group cloud.FirewallGroup) error {
	dropletID, err := parseID(instanceID)
	if err != nil {
		return err
	}
	if _, err := p.firewalls.RemoveDroplets(ctx, group.ID, dropletID); err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: removing %s from %s: %w", ErrFirewall, instanceID, group.Name, err)
	}
	return nil
}

func (p *Provider) EnsureKeyPair(ctx context.Context, name, publicKey string, importKey bool) (bool, error) {
	key, err := p.findKey(ctx, name)
	if err != nil {
		return false, err
	}
	if key != nil {
		return false, nil
	}
	if !importKey {
		return false, fmt.Errorf("%w: %s", ErrKeyMissing, name)
	}

	if _, _, err := p.keys.Create(ctx, &godo.KeyCreateRequest{Name: name, PublicKey: publicKey}); err != nil {
		return false, fmt.Errorf("%w: creating %s: %w", ErrKey, name, err)
	}
	p.logger.Info("Imported SSH key", zap.String("name", name))
	return true, nil
}

func (p *Provider) DeleteKeyPair(ctx context.Context, name string) error {
	key, err := p.findKey(ctx, name)
	if err != nil || key == nil {
		return err
	}
	if _, err := p.keys.DeleteByID(ctx, key.ID); err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: deleting %s: %w", ErrKey, name, err)
	}
	return nil
}

func (p *Provider) findKey(ctx context.Context, name string) (*godo.Key, error) {
	opt := &godo.ListOptions{PerPage: perPage}
	for {
		keys, resp, err := p.keys.List(ctx, opt)
		if err != nil {
			return nil, fmt.Errorf("%w: listing: %w", ErrKey, err)
		}
		for i := range keys {
			if keys[i].Name == name {
				return &keys[i], nil
			}
		}
		if !nextPage(resp, opt) {
			return nil, nil
		}
	}
}

func (p *Provider) waitAction(ctx context.Context, action *godo.Action) error {
	if action == nil {
		return nil
	}
	return p.poll(ctx, p.runningTimeout, func() (bool, error) {
		a, _, err := p.actions.Get(ctx, action.ID)
		if err != nil {
			return false, err
		}
		switch a.Status {
		case godo.ActionCompleted:
			return true, nil
		case "errored":
			return false, fmt.Errorf("%w: %s %d", ErrActionErrored, a.Type, a.ID)
		}
		return false, nil
	})
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

func toInstance(d *godo.Droplet) cloud.Instance {
	inst := cloud.Instance{
		ID:    strconv.Itoa(d.ID),
		Name:  d.Name,
		State: d.Status,
	}
	inst.PublicIP, _ = d.PublicIPv4()
	inst.PrivateIP, _ = d.PrivateIPv4()
	if d.Region != nil {
		inst.Zone = d.Region.Slug
	}
	return inst
}

var (
	hostnameInvalid = regexp.MustCompile(`[^a-z0-9.-]+`)
	tagInvalid      = regexp.MustCompile(`[^A-Za-z0-9_:-]+`)
	firewallInvalid = regexp.MustCompile(`[^A-Za-z0-9.-]+`)
)

// Hostname turns an instance name into a valid droplet name:
// "Super Mega Server" becomes "super-mega-server".
func Hostname(name string) string {
	return strings.Trim(hostnameInvalid.ReplaceAllString(strings.ToLower(name), "-"), "-.")
}

// FirewallName maps a rule name onto the firewall name alphabet.
func FirewallName(name string) string {
	return strings.Trim(firewallInvalid.ReplaceAllString(name, "-"), "-.")
}

// toTags flattens key/value tags into "key:value" droplet tags.
func toTags(tags map[string]string) []string {
	out := make([]string, 0, len(tags))
	for k, v := range tags {
		out = append(out, tagInvalid.ReplaceAllString(k+":"+v, "_"))
	}
	slices.Sort(out)
	return out
}

func parseID(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return n, nil
}

func nextPage(resp *godo.Response, opt *godo.ListOptions) bool {
	if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
		return false
	}
	page, err := resp.Links.CurrentPage()
	if err != nil {
		return false
	}
	opt.Page = page + 1
	return true
}

func isNotFound(err error) bool {
	var errResp *godo.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil &&
		errResp.Response.StatusCode == http.StatusNotFound
}
