package amazon

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmbuild/internal/cloud"
	"vmbuild/internal/config"
)

// fakeEC2 embeds the interface so unexercised calls panic loudly.
type fakeEC2 struct {
	ec2API

	vpcs      []types.Vpc
	subnets   []types.Subnet
	instances []types.Instance
	addresses []types.Address
	groups    []types.SecurityGroup

	keyExists bool

	releaseErr    error
	deleteSGErrs  []error
	describeVpcIn *ec2.DescribeVpcsInput
	authorized    *ec2.AuthorizeSecurityGroupIngressInput
	imported      *ec2.ImportKeyPairInput
	modified      *ec2.ModifyInstanceAttributeInput
	runInput      *ec2.RunInstancesInput
	deletedSGs    []string
	released      []string
	disassociated []string
}

func (f *fakeEC2) DescribeVpcs(_ context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	f.describeVpcIn = in
	return &ec2.DescribeVpcsOutput{Vpcs: f.vpcs}, nil
}

func (f *fakeEC2) DescribeSubnets(context.Context, *ec2.DescribeSubnetsInput, ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return &ec2.DescribeSubnetsOutput{Subnets: f.subnets}, nil
}

func (f *fakeEC2) DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: f.instances}},
	}, nil
}

func (f *fakeEC2) DescribeAddresses(context.Context, *ec2.DescribeAddressesInput, ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	return &ec2.DescribeAddressesOutput{Addresses: f.addresses}, nil
}

func (f *fakeEC2) DisassociateAddress(_ context.Context, in *ec2.DisassociateAddressInput, _ ...func(*ec2.Options)) (*ec2.DisassociateAddressOutput, error) {
	f.disassociated = append(f.disassociated, aws.ToString(in.AssociationId))
	return &ec2.DisassociateAddressOutput{}, nil
}

func (f *fakeEC2) ReleaseAddress(_ context.Context, in *ec2.ReleaseAddressInput, _ ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error) {
	f.released = append(f.released, aws.ToString(in.AllocationId))
	return &ec2.ReleaseAddressOutput{}, f.releaseErr
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runInput = in
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{
		InstanceId: aws.String("i-0new"),
		State:      &types.InstanceState{Name: types.InstanceStateNamePending},
	}}}, nil
}

func (f *fakeEC2) DescribeSecurityGroups(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: f.groups}, nil
}

func (f *fakeEC2) CreateSecurityGroup(context.Context, *ec2.CreateSecurityGroupInput, ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-0new")}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.authorized = in
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) DeleteSecurityGroup(_ context.Context, in *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	f.deletedSGs = append(f.deletedSGs, aws.ToString(in.GroupId))
	if len(f.deleteSGErrs) > 0 {
		err := f.deleteSGErrs[0]
		f.deleteSGErrs = f.deleteSGErrs[1:]
		return nil, err
	}
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

func (f *fakeEC2) ModifyInstanceAttribute(_ context.Context, in *ec2.ModifyInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error) {
	f.modified = in
	return &ec2.ModifyInstanceAttributeOutput{}, nil
}

func (f *fakeEC2) DescribeKeyPairs(context.Context, *ec2.DescribeKeyPairsInput, ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error) {
	if !f.keyExists {
		return nil, &smithy.GenericAPIError{Code: "InvalidKeyPair.NotFound", Message: "not found"}
	}
	return &ec2.DescribeKeyPairsOutput{KeyPairs: []types.KeyPairInfo{{KeyName: aws.String("build-key")}}}, nil
}

func (f *fakeEC2) ImportKeyPair(_ context.Context, in *ec2.ImportKeyPairInput, _ ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	f.imported = in
	return &ec2.ImportKeyPairOutput{KeyName: in.KeyName}, nil
}

func newTestProvider(client ec2API, vpcID string) *Provider {
	p := newProvider(client, &config.AWSConfig{VPCID: vpcID, InstanceType: "t3.medium"}, config.Timeouts{
		InstanceRunning:    time.Second,
		InstanceTerminated: time.Second,
	}, nil)
	p.pollMin = time.Millisecond
	p.pollMax = 5 * time.Millisecond
	return p
}

func TestResolveNetwork(t *testing.T) {
	t.Run("default-vpc", func(t *testing.T) {
		fake := &fakeEC2{
			vpcs: []types.Vpc{{VpcId: aws.String("vpc-1"), CidrBlock: aws.String("172.31.0.0/16")}},
			subnets: []types.Subnet{
				{SubnetId: aws.String("subnet-a")},
				{SubnetId: aws.String("subnet-b"), DefaultForAz: aws.Bool(true)},
			},
		}
		net, err := newTestProvider(fake, "").ResolveNetwork(t.Context(), "eu-west-2a")
		require.NoError(t, err)
		assert.Equal(t, cloud.Network{ID: "vpc-1", SubnetID: "subnet-b", CIDR: "172.31.0.0/16", Zone: "eu-west-2a"}, net)
		require.Len(t, fake.describeVpcIn.Filters, 1)
		assert.Equal(t, "is-default", aws.ToString(fake.describeVpcIn.Filters[0].Name))
	})

	t.Run("configured-vpc", func(t *testing.T) {
		fake := &fakeEC2{
			vpcs:    []types.Vpc{{VpcId: aws.String("vpc-9"), CidrBlock: aws.String("10.0.0.0/16")}},
			subnets: []types.Subnet{{SubnetId: aws.String("subnet-z")}},
		}
		_, err := newTestProvider(fake, "vpc-9").ResolveNetwork(t.Context(), "eu-west-2a")
		require.NoError(t, err)
		assert.Equal(t, []string{"vpc-9"}, fake.describeVpcIn.VpcIds)
	})

	t.Run("no-subnet", func(t *testing.T) {
		fake := &fakeEC2{vpcs: []types.Vpc{{VpcId: aws.String("vpc-1")}}}
		_, err := newTestProvider(fake, "").ResolveNetwork(t.Context(), "eu-west-2c")
		require.ErrorIs(t, err, cloud.ErrNetworkNotFound)
	})

	t.Run("no-default-vpc", func(t *testing.T) {
		_, err := newTestProvider(&fakeEC2{}, "").ResolveNetwork(t.Context(), "eu-west-2a")
		require.ErrorIs(t, err, cloud.ErrNetworkNotFound)
	})
}

func TestFindInstancesAttachesAddresses(t *testing.T) {
	fake := &fakeEC2{
		instances: []types.Instance{{
			InstanceId: aws.String("i-1"),
			State:      &types.InstanceState{Name: types.InstanceStateNameRunning},
			Tags:       []types.Tag{{Key: aws.String("Name"), Value: aws.String("Super Mega Server")}},
		}},
		addresses: []types.Address{{
			InstanceId:    aws.String("i-1"),
			AllocationId:  aws.String("eipalloc-1"),
			AssociationId: aws.String("eipassoc-1"),
			PublicIp:      aws.String("198.51.100.4"),
		}},
	}

	found, err := newTestProvider(fake, "").FindInstances(t.Context(), []string{"Super Mega Server"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Super Mega Server", found[0].Name)
	assert.Equal(t, []cloud.Address{{ID: "eipalloc-1", IP: "198.51.100.4", AssociationID: "eipassoc-1"}}, found[0].Addresses)
}

func TestReleaseAddressToleratesAbsence(t *testing.T) {
	fake := &fakeEC2{
		releaseErr: &smithy.GenericAPIError{Code: "InvalidAllocationID.NotFound"},
	}
	err := newTestProvider(fake, "").ReleaseAddress(t.Context(), cloud.Address{ID: "eipalloc-1", AssociationID: "eipassoc-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"eipassoc-1"}, fake.disassociated)
	assert.Equal(t, []string{"eipalloc-1"}, fake.released)
}

func TestReleaseAddressPropagatesOtherErrors(t *testing.T) {
	fake := &fakeEC2{releaseErr: &smithy.GenericAPIError{Code: "AuthFailure"}}
	err := newTestProvider(fake, "").ReleaseAddress(t.Context(), cloud.Address{ID: "eipalloc-1"})
	require.ErrorIs(t, err, ErrElasticIPDelete)
	assert.Empty(t, fake.disassociated)
}

func TestCreateFirewallGroup(t *testing.T) {
	fake := &fakeEC2{}
	group, err := newTestProvider(fake, "").CreateFirewallGroup(t.Context(),
		cloud.Network{ID: "vpc-1"}, "public_ssh", cloud.IngressRule{Port: 22, Source: "203.0.113.10/32"})
	require.NoError(t, err)
	assert.Equal(t, cloud.FirewallGroup{ID: "sg-0new", Name: "public_ssh"}, group)

	require.NotNil(t, fake.authorized)
	perm := fake.authorized.IpPermissions[0]
	assert.Equal(t, "tcp", aws.ToString(perm.IpProtocol))
	assert.Equal(t, int32(22), aws.ToInt32(perm.FromPort))
	assert.Equal(t, int32(22), aws.ToInt32(perm.ToPort))
	assert.Equal(t, "203.0.113.10/32", aws.ToString(perm.IpRanges[0].CidrIp))
}

func TestDeleteFirewallGroupRetriesDependencyViolation(t *testing.T) {
	fake := &fakeEC2{deleteSGErrs: []error{
		&smithy.GenericAPIError{Code: "DependencyViolation"},
		&smithy.GenericAPIError{Code: "DependencyViolation"},
	}}
	err := newTestProvider(fake, "").DeleteFirewallGroup(t.Context(), cloud.FirewallGroup{ID: "sg-1", Name: "public_ssh"})
	require.NoError(t, err)
	assert.Len(t, fake.deletedSGs, 3)
}

func TestDeleteFirewallGroupAbsentIsSuccess(t *testing.T) {
	fake := &fakeEC2{deleteSGErrs: []error{&smithy.GenericAPIError{Code: "InvalidGroup.NotFound"}}}
	err := newTestProvider(fake, "").DeleteFirewallGroup(t.Context(), cloud.FirewallGroup{ID: "sg-1"})
	require.NoError(t, err)
}

func TestDetachFirewallGroupFallsBackToDefault(t *testing.T) {
	fake := &fakeEC2{
		instances: []types.Instance{{
			InstanceId:     aws.String("i-1"),
			VpcId:          aws.String("vpc-1"),
			SecurityGroups: []types.GroupIdentifier{{GroupId: aws.String("sg-ssh"), GroupName: aws.String("public_ssh")}},
		}},
		groups: []types.SecurityGroup{{GroupId: aws.String("sg-default"), GroupName: aws.String("default")}},
	}
	err := newTestProvider(fake, "").DetachFirewallGroup(t.Context(), "i-1", cloud.FirewallGroup{ID: "sg-ssh", Name: "public_ssh"})
	require.NoError(t, err)
	require.NotNil(t, fake.modified)
	assert.Equal(t, []string{"sg-default"}, fake.modified.Groups)
}

func TestDetachFirewallGroupNotAttached(t *testing.T) {
	fake := &fakeEC2{
		instances: []types.Instance{{
			InstanceId:     aws.String("i-1"),
			SecurityGroups: []types.GroupIdentifier{{GroupId: aws.String("sg-pg")}},
		}},
	}
	err := newTestProvider(fake, "").DetachFirewallGroup(t.Context(), "i-1", cloud.FirewallGroup{ID: "sg-ssh"})
	require.NoError(t, err)
	assert.Nil(t, fake.modified)
}

func TestEnsureKeyPair(t *testing.T) {
	t.Run("exists", func(t *testing.T) {
		fake := &fakeEC2{keyExists: true}
		created, err := newTestProvider(fake, "").EnsureKeyPair(t.Context(), "build-key", "ssh-ed25519 AAAA", true)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Nil(t, fake.imported)
	})

	t.Run("imported", func(t *testing.T) {
		fake := &fakeEC2{}
		created, err := newTestProvider(fake, "").EnsureKeyPair(t.Context(), "build-key", "ssh-ed25519 AAAA", true)
		require.NoError(t, err)
		assert.True(t, created)
		require.NotNil(t, fake.imported)
		assert.Equal(t, []byte("ssh-ed25519 AAAA"), fake.imported.PublicKeyMaterial)
	})

	t.Run("missing-without-import", func(t *testing.T) {
		_, err := newTestProvider(&fakeEC2{}, "").EnsureKeyPair(t.Context(), "build-key", "", false)
		require.ErrorIs(t, err, ErrKeyPairMissing)
	})
}

func TestLaunchAndWaitRunning(t *testing.T) {
	fake := &fakeEC2{
		instances: []types.Instance{{
			InstanceId:       aws.String("i-0new"),
			State:            &types.InstanceState{Name: types.InstanceStateNameRunning},
			PrivateIpAddress: aws.String("172.31.5.9"),
			Placement:        &types.Placement{AvailabilityZone: aws.String("eu-west-2a")},
		}},
	}
	p := newTestProvider(fake, "")

	inst, err := p.LaunchInstance(t.Context(), cloud.LaunchRequest{
		Name:           "Super Mega Server",
		ImageID:        "ami-1",
		KeyName:        "build-key",
		Network:        cloud.Network{SubnetID: "subnet-b"},
		FirewallGroups: []cloud.FirewallGroup{{ID: "sg-1"}, {ID: "sg-2"}},
		Tags:           map[string]string{"Owner": "ci", "Name": "Super Mega Server"},
		ClientToken:    "token-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "i-0new", inst.ID)

	in := fake.runInput
	assert.Equal(t, types.InstanceType("t3.medium"), in.InstanceType)
	assert.Equal(t, []string{"sg-1", "sg-2"}, in.SecurityGroupIds)
	assert.Equal(t, "subnet-b", aws.ToString(in.SubnetId))
	assert.Equal(t, "token-1", aws.ToString(in.ClientToken))
	tags := in.TagSpecifications[0].Tags
	require.Len(t, tags, 2)
	assert.Equal(t, "Name", aws.ToString(tags[0].Key), "tags are emitted in key order")

	running, err := p.WaitRunning(t.Context(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "172.31.5.9", running.PrivateIP)
	assert.Equal(t, "eu-west-2a", running.Zone)
}
