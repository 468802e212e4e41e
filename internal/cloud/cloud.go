// Package cloud defines the provider-neutral view of the compute resources a
// build run creates and reclaims.
package cloud

import (
	"context"
	"fmt"
)

var (
	// ErrNetworkNotFound means no usable network or subnet exists for the zone.
	ErrNetworkNotFound = fmt.Errorf("network not found")
	// ErrNotFound is returned by lookups of a single named resource.
	ErrNotFound = fmt.Errorf("resource not found")
)

// Standard tag keys written on every launched instance.
const (
	TagName    = "Name"
	TagOwner   = "Owner"
	TagPurpose = "Purpose"
	TagBuildID = "BuildId"
	TagRunID   = "RunId"
)

// Network is the placement context resolved once per run.
type Network struct {
	ID       string
	SubnetID string
	CIDR     string
	Zone     string
}

// Address is a public IPv4 allocation. AssociationID is empty while the
// address is not attached to an instance.
type Address struct {
	ID            string
	IP            string
	AssociationID string
}

// FirewallGroup is a named set of ingress rules attachable to instances.
type FirewallGroup struct {
	ID   string
	Name string
}

// IngressRule admits TCP on Port from Source, a CIDR block.
type IngressRule struct {
	Port   int32
	Source string
}

// Instance is a compute instance as seen by the provider.
type Instance struct {
	ID        string
	Name      string
	State     string
	PublicIP  string
	PrivateIP string
	Zone      string

	// Public address allocations attached to the instance
	Addresses []Address
	// Firewall groups attached to the instance
	FirewallGroups []FirewallGroup
}

// LaunchRequest describes a single instance to start.
type LaunchRequest struct {
	Name           string
	ImageID        string
	InstanceType   string
	KeyName        string
	Network        Network
	FirewallGroups []FirewallGroup
	Tags           map[string]string

	// Login user and public key, for providers that configure access
	// through user data
	Username  string
	PublicKey string

	// Idempotency token; repeating a launch with the same token starts
	// at most one instance
	ClientToken string
}

// Provider is implemented by every supported cloud backend.
//
// Delete and release operations treat an already absent resource as success.
type Provider interface {
	// Name identifies the backend in logs.
	Name() string

	ResolveNetwork(ctx context.Context, zone string) (Network, error)

	// FindInstances returns live instances whose Name tag is one of names.
	FindInstances(ctx context.Context, names []string) ([]Instance, error)
	// TerminateInstance terminates id and waits until it is gone.
	TerminateInstance(ctx context.Context, id string) error
	LaunchInstance(ctx context.Context, req LaunchRequest) (Instance, error)
	// WaitRunning blocks until id is running and returns its refreshed view.
	WaitRunning(ctx context.Context, id string) (Instance, error)

	AllocateAddress(ctx context.Context, tags map[string]string) (Address, error)
	// AssociateAddress attaches addr to an instance and returns the
	// association handle.
	AssociateAddress(ctx context.Context, addr Address, instanceID string) (Address, error)
	// ReleaseAddress detaches addr when associated, then releases it.
	ReleaseAddress(ctx context.Context, addr Address) error

	// FindFirewallGroup returns ErrNotFound when no group has that name.
	FindFirewallGroup(ctx context.Context, network Network, name string) (FirewallGroup, error)
	CreateFirewallGroup(ctx context.Context, network Network, name string, rule IngressRule) (FirewallGroup, error)
	DeleteFirewallGroup(ctx context.Context, group FirewallGroup) error
	DetachFirewallGroup(ctx context.Context, instanceID string, group FirewallGroup) error

	// EnsureKeyPair reports whether name was created by this call. The public
	// key is only registered when importKey is set and name is unknown.
	EnsureKeyPair(ctx context.Context, name, publicKey string, importKey bool) (bool, error)
	DeleteKeyPair(ctx context.Context, name string) error
}
