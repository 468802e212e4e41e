// Package amazon implements cloud.Provider on EC2.
package amazon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"vmbuild/internal/cloud"
	"vmbuild/internal/config"
)

// ec2API is the subset of the EC2 client the provider calls.
type ec2API interface {
	ec2.DescribeInstancesAPIClient

	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)

	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	ModifyInstanceAttribute(ctx context.Context, params *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)

	DescribeAddresses(ctx context.Context, params *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
	AllocateAddress(ctx context.Context, params *ec2.AllocateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error)
	AssociateAddress(ctx context.Context, params *ec2.AssociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error)
	DisassociateAddress(ctx context.Context, params *ec2.DisassociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.DisassociateAddressOutput, error)
	ReleaseAddress(ctx context.Context, params *ec2.ReleaseAddressInput, optFns ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error)

	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)

	DescribeKeyPairs(ctx context.Context, params *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	ImportKeyPair(ctx context.Context, params *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, params *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
}

var (
	ErrInstanceCreate            = fmt.Errorf("failed to create EC2 instance")
	ErrInstanceCreateNoInstances = fmt.Errorf("encountered no error during " +
		"instance launch, but no instance was actually created")
)

var (
	ErrInstanceDelete  = fmt.Errorf("failed to delete EC2 instance")
	ErrInstanceState   = fmt.Errorf("failed to fetch instance state")
	ErrElasticIPCreate = fmt.Errorf("failed to create public IP address")
	ErrElasticIPIDNil  = fmt.Errorf("encountered no error in elastic IP " +
		"address creation, but the returned allocation ID was nil")
)

var (
	ErrElasticIPAttach = fmt.Errorf("failed to attach elastic IP address")
	ErrElasticIPDetach = fmt.Errorf("failed to detach elastic IP address")
	ErrElasticIPDelete = fmt.Errorf("failed to delete elastic IP address")
	ErrSecurityGroup   = fmt.Errorf("failed to manage security group")
	ErrGroupStillInUse = fmt.Errorf("security group is still in use")
	ErrKeyPair         = fmt.Errorf("failed to manage key pair")
	ErrKeyPairMissing  = fmt.Errorf("key pair does not exist and import is disabled")
)

// Provider manages EC2 instances, elastic IPs, security groups and key pairs.
type Provider struct {
	client       ec2API
	vpcID        string
	instanceType string

	runningTimeout    time.Duration
	terminatedTimeout time.Duration
	pollMin, pollMax  time.Duration

	logger *zap.Logger
}

var _ cloud.Provider = (*Provider)(nil)

// New builds a Provider from configuration. Empty static credentials fall
// through to the SDK's default chain, which honours AWS_PROFILE.
func New(ctx context.Context, cfg *config.AWSConfig, timeouts config.Timeouts, logger *zap.Logger) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	p := newProvider(ec2.NewFromConfig(awsCfg), cfg, timeouts, logger)
	return p, nil
}

func newProvider(client ec2API, cfg *config.AWSConfig, timeouts config.Timeouts, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		client:            client,
		vpcID:             cfg.VPCID,
		instanceType:      cfg.InstanceType,
		runningTimeout:    timeouts.InstanceRunning,
		terminatedTimeout: timeouts.InstanceTerminated,
		pollMin:           5 * time.Second,
		pollMax:           30 * time.Second,
		logger:            logger.With(zap.String("provider", "aws")),
	}
}

func (p *Provider) Name() string { return string(config.ProviderAWS) }

// ResolveNetwork returns the configured or default VPC with its first subnet
// in zone.
func (p *Provider) ResolveNetwork(ctx context.Context, zone string) (cloud.Network, error) {
	input := &ec2.DescribeVpcsInput{}
	if p.vpcID != "" {
		input.VpcIds = []string{p.vpcID}
	} else {
		input.Filters = []types.Filter{filter("is-default", "true")}
	}

	vpcs, err := p.client.DescribeVpcs(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return cloud.Network{}, fmt.Errorf("%w: vpc %s", cloud.ErrNetworkNotFound, p.vpcID)
		}
		return cloud.Network{}, fmt.Errorf("failed to describe VPCs: %w", err)
	}
	if len(vpcs.Vpcs) == 0 {
		return cloud.Network{}, fmt.Errorf("%w: no default VPC", cloud.ErrNetworkNotFound)
	}
	vpc := vpcs.Vpcs[0]

	subnets, err := p.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{
			filter("vpc-id", aws.ToString(vpc.VpcId)),
			filter("availability-zone", zone),
		},
	})
	if err != nil {
		return cloud.Network{}, fmt.Errorf("failed to describe subnets: %w", err)
	}
	if len(subnets.Subnets) == 0 {
		return cloud.Network{}, fmt.Errorf("%w: no subnet of %s in %s",
			cloud.ErrNetworkNotFound, aws.ToString(vpc.VpcId), zone)
	}

	// Prefer the zone's default subnet, else the first one listed.
	subnet := subnets.Subnets[0]
	for _, s := range subnets.Subnets {
		if aws.ToBool(s.DefaultForAz) {
			subnet = s
			break
		}
	}

	network := cloud.Network{
		ID:       aws.ToString(vpc.VpcId),
		SubnetID: aws.ToString(subnet.SubnetId),
		CIDR:     aws.ToString(vpc.CidrBlock),
		Zone:     zone,
	}
	p.logger.Debug("Resolved network",
		zap.String("vpc_id", network.ID),
		zap.String("subnet_id", network.SubnetID),
		zap.String("cidr", network.CIDR))
	return network, nil
}

// FindInstances returns non-terminated instances tagged with one of names,
// together with their elastic IP allocations.
func (p *Provider) FindInstances(ctx context.Context, names []string) ([]cloud.Instance, error) {
	if len(names) == 0 {
		return nil, nil
	}

	paginator := ec2.NewDescribeInstancesPaginator(p.client, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			filter("tag:"+cloud.TagName, names...),
			filter("instance-state-name",
				string(types.InstanceStateNamePending),
				string(types.InstanceStateNameRunning),
				string(types.InstanceStateNameStopping),
				string(types.InstanceStateNameStopped)),
		},
	})

	var instances []cloud.Instance
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInstanceState, err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				instances = append(instances, toInstance(inst))
			}
		}
	}
	if len(instances) == 0 {
		return nil, nil
	}

	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	addrs, err := p.client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{
		Filters: []types.Filter{filter("instance-id", ids...)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe addresses: %w", err)
	}
	for _, a := range addrs.Addresses {
		for i := range instances {
			if instances[i].ID == aws.ToString(a.InstanceId) {
				instances[i].Addresses = append(instances[i].Addresses, cloud.Address{
					ID:            aws.ToString(a.AllocationId),
					IP:            aws.ToString(a.PublicIp),
					AssociationID: aws.ToString(a.AssociationId),
				})
			}
		}
	}
	return instances, nil
}

// TerminateInstance terminates id and waits for the terminated state.
func (p *Provider) TerminateInstance(ctx context.Context, id string) error {
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrInstanceDelete, err)
	}

	p.logger.Info("Waiting for instance termination", zap.String("instance_id", id))
	waiter := ec2.NewInstanceTerminatedWaiter(p.client, func(o *ec2.InstanceTerminatedWaiterOptions) {
		o.MinDelay = p.pollMin
		o.MaxDelay = p.pollMax
	})
	err = waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, p.terminatedTimeout)
	if err != nil {
		return fmt.Errorf("waiting for instance %s to terminate: %w", id, err)
	}
	return nil
}

// LaunchInstance starts one instance in the network's subnet.
func (p *Provider) LaunchInstance(ctx context.Context, req cloud.LaunchRequest) (cloud.Instance, error) {
	instanceType := req.InstanceType
	if instanceType == "" {
		instanceType = p.instanceType
	}

	groupIDs := make([]string, len(req.FirewallGroups))
	for i, g := range req.FirewallGroups {
		groupIDs[i] = g.ID
	}

	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(req.ImageID),
		InstanceType:     types.InstanceType(instanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		KeyName:          aws.String(req.KeyName),
		SubnetId:         aws.String(req.Network.SubnetID),
		SecurityGroupIds: groupIDs,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         toTags(req.Tags),
		}},
	}
	if req.ClientToken != "" {
		input.ClientToken = aws.String(req.ClientToken)
	}

	out, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("%w: %w", ErrInstanceCreate, err)
	}
	if len(out.Instances) < 1 || out.Instances[0].InstanceId == nil {
		return cloud.Instance{}, ErrInstanceCreateNoInstances
	}

	inst := toInstance(out.Instances[0])
	p.logger.Info("Launched instance",
		zap.String("instance_id", inst.ID),
		zap.String("name", req.Name),
		zap.String("instance_type", instanceType))
	return inst, nil
}

// WaitRunning blocks until id reaches the running state.
func (p *Provider) WaitRunning(ctx context.Context, id string) (cloud.Instance, error) {
	waiter := ec2.NewInstanceRunningWaiter(p.client, func(o *ec2.InstanceRunningWaiterOptions) {
		o.MinDelay = p.pollMin
		o.MaxDelay = p.pollMax
	})
	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, p.runningTimeout)
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("waiting for instance %s to run: %w", id, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return cloud.Instance{}, fmt.Errorf("%w: %s disappeared", ErrInstanceState, id)
	}
	return toInstance(out.Reservations[0].Instances[0]), nil
}

// AllocateAddress allocates a VPC elastic IP.
func (p *Provider) AllocateAddress(ctx context.Context, tags map[string]string) (cloud.Address, error) {
	out, err := p.client.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain: types.DomainTypeVpc,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeElasticIp,
			Tags:         toTags(tags),
		}},
	})
	if err != nil {
		return cloud.Address{}, fmt.Errorf("%w: %w", ErrElasticIPCreate, err)
	}
	if out.AllocationId == nil {
		return cloud.Address{}, ErrElasticIPIDNil
	}
	return cloud.Address{
		ID: aws.ToString(out.AllocationId),
		IP: aws.ToString(out.PublicIp),
	}, nil
}

func (p *Provider) AssociateAddress(ctx context.Context, addr cloud.Address, instanceID string) (cloud.Address, error) {
	out, err := p.client.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		AllocationId:       aws.String(addr.ID),
		InstanceId:         aws.String(instanceID),
		AllowReassociation: aws.Bool(false),
	})
	if err != nil {
		return addr, fmt.Errorf("%w: %w", ErrElasticIPAttach, err)
	}
	addr.AssociationID = aws.ToString(out.AssociationId)
	return addr, nil
}

// ReleaseAddress disassociates addr when attached and releases it.
func (p *Provider) ReleaseAddress(ctx context.Context, addr cloud.Address) error {
	if addr.AssociationID != "" {
		_, err := p.client.DisassociateAddress(ctx, &ec2.DisassociateAddressInput{
			AssociationId: aws.String(addr.AssociationID),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("%w: %w", ErrElasticIPDetach, err)
		}
	}

	_, err := p.client.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{
		AllocationId: aws.String(addr.ID),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: %w", ErrElasticIPDelete, err)
	}
	p.logger.Info("Released address", zap.String("allocation_id", addr.ID), zap.String("ip", addr.IP))
	return nil
}

func (p *Provider) FindFirewallGroup(ctx context.Context, network cloud.Network, name string) (cloud.FirewallGroup, error) {
	out, err := p.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			filter("group-name", name),
			filter("vpc-id", network.ID),
		},
	})
	if err != nil {
		return cloud.FirewallGroup{}, fmt.Errorf("%w: %w", ErrSecurityGroup, err)
	}
	if len(out.SecurityGroups) == 0 {
		return cloud.FirewallGroup{}, fmt.Errorf("%w: security group %q", cloud.ErrNotFound, name)
	}
	sg := out.SecurityGroups[0]
	return cloud.FirewallGroup{ID: aws.ToString(sg.GroupId), Name: aws.ToString(sg.GroupName)}, nil
}

// CreateFirewallGroup creates a security group admitting rule. The group is
// removed again when the ingress rule cannot be added.
func (p *Provider) CreateFirewallGroup(ctx context.Context, network cloud.Network, name string, rule cloud.IngressRule) (cloud.FirewallGroup, error) {
	out, err := p.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String(fmt.Sprintf("vmbuild tcp/%d from %s", rule.Port, rule.Source)),
		VpcId:       aws.String(network.ID),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeSecurityGroup,
			Tags:         toTags(map[string]string{cloud.TagName: name}),
		}},
	})
	if err != nil {
		return cloud.FirewallGroup{}, fmt.Errorf("%w: creating %s: %w", ErrSecurityGroup, name, err)
	}
	group := cloud.FirewallGroup{ID: aws.ToString(out.GroupId), Name: name}

	_, err = p.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(group.ID),
		IpPermissions: []types.IpPermission{{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(rule.Port),
			ToPort:     aws.Int32(rule.Port),
			IpRanges:   []types.IpRange{{CidrIp: aws.String(rule.Source)}},
		}},
	})
	if err != nil {
		err = fmt.Errorf("%w: authorizing ingress on %s: %w", ErrSecurityGroup, name, err)
		return cloud.FirewallGroup{}, errors.Join(err, p.DeleteFirewallGroup(ctx, group))
	}

	p.logger.Info("Created security group",
		zap.String("group_id", group.ID),
		zap.String("name", name),
		zap.Int32("port", rule.Port),
		zap.String("source", rule.Source))
	return group, nil
}

// DeleteFirewallGroup deletes group. Network interfaces of just-terminated
// instances can keep a group referenced for a short while, so dependency
// violations are retried a bounded number of times.
func (p *Provider) DeleteFirewallGroup(ctx context.Context, group cloud.FirewallGroup) error {
	const attempts = 12

	for attempt := 1; ; attempt++ {
		_, err := p.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: aws.String(group.ID),
		})
		if err == nil || isNotFound(err) {
			p.logger.Info("Deleted security group", zap.String("group_id", group.ID), zap.String("name", group.Name))
			return nil
		}
		if errorCode(err) != "DependencyViolation" {
			return fmt.Errorf("%w: deleting %s: %w", ErrSecurityGroup, group.Name, err)
		}
		if attempt == attempts {
			return fmt.Errorf("%w: %s: %w", ErrGroupStillInUse, group.Name, err)
		}

		p.logger.Debug("Security group still referenced, retrying",
			zap.String("group_id", group.ID), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollMin):
		}
	}
}

// DetachFirewallGroup removes group from the instance's security groups. An
// instance must keep at least one group, so the VPC default group takes its
// place when it was the last one.
func (p *Provider) DetachFirewallGroup(ctx context.Context, instanceID string, group cloud.FirewallGroup) error {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrInstanceState, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil
	}
	inst := out.Reservations[0].Instances[0]

	var remaining []string
	for _, g := range inst.SecurityGroups {
		if aws.ToString(g.GroupId) != group.ID {
			remaining = append(remaining, aws.ToString(g.GroupId))
		}
	}
	if len(remaining) == len(inst.SecurityGroups) {
		return nil
	}

	if len(remaining) == 0 {
		def, err := p.FindFirewallGroup(ctx, cloud.Network{ID: aws.ToString(inst.VpcId)}, "default")
		if err != nil {
			return fmt.Errorf("looking up default security group: %w", err)
		}
		remaining = []string{def.ID}
	}

	_, err = p.client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		Groups:     remaining,
	})
	if err != nil {
		return fmt.Errorf("%w: detaching %s from %s: %w", ErrSecurityGroup, group.Name, instanceID, err)
	}
	p.logger.Info("Detached security group", zap.String("group_id", group.ID), zap.String("instance_id", instanceID))
	return nil
}

func (p *Provider) EnsureKeyPair(ctx context.Context, name, publicKey string, importKey bool) (bool, error) {
	_, err := p.client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if err == nil {
		return false, nil
	}
	if !isNotFound(err) {
		return false, fmt.Errorf("%w: describing %s: %w", ErrKeyPair, name, err)
	}
	if !importKey {
		return false, fmt.Errorf("%w: %s", ErrKeyPairMissing, name)
	}

	_, err = p.client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: []byte(publicKey),
	})
	if err != nil {
		return false, fmt.Errorf("%w: importing %s: %w", ErrKeyPair, name, err)
	}
	p.logger.Info("Imported key pair", zap.String("name", name))
	return true, nil
}

func (p *Provider) DeleteKeyPair(ctx context.Context, name string) error {
	_, err := p.client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(name)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: deleting %s: %w", ErrKeyPair, name, err)
	}
	return nil
}

func toInstance(inst types.Instance) cloud.Instance {
	out := cloud.Instance{
		ID:        aws.ToString(inst.InstanceId),
		PublicIP:  aws.ToString(inst.PublicIpAddress),
		PrivateIP: aws.ToString(inst.PrivateIpAddress),
	}
	if inst.State != nil {
		out.State = string(inst.State.Name)
	}
	if inst.Placement != nil {
		out.Zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == cloud.TagName {
			out.Name = aws.ToString(tag.Value)
			break
		}
	}
	for _, g := range inst.SecurityGroups {
		out.FirewallGroups = append(out.FirewallGroups, cloud.FirewallGroup{
			ID:   aws.ToString(g.GroupId),
			Name: aws.ToString(g.GroupName),
		})
	}
	return out
}

// toTags converts a tag map to EC2 tags in key order.
func toTags(tags map[string]string) []types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func filter(name string, values ...string) types.Filter {
	return types.Filter{Name: aws.String(name), Values: values}
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// isNotFound matches the family of EC2 "<Resource>.NotFound" error codes.
func isNotFound(err error) bool {
	code := errorCode(err)
	return strings.HasSuffix(code, ".NotFound")
}
