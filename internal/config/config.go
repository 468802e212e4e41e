package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vmbuild/internal/fault"

	"gopkg.in/yaml.v3"
)

// ProviderType selects the cloud backend.
type ProviderType string

const (
	ProviderAWS          ProviderType = "aws"
	ProviderDigitalOcean ProviderType = "digitalocean"
	ProviderGCP          ProviderType = "gcp"
)

// FailurePolicy decides what happens to resources created by a failed run.
type FailurePolicy string

const (
	// FailureRollback destroys everything the run created, newest first.
	FailureRollback FailurePolicy = "rollback"
	// FailureRetain leaves resources in place for inspection.
	FailureRetain FailurePolicy = "retain"
)

// Visibility is the source class of a firewall rule.
type Visibility string

const (
	// VisibilityPublic admits the operator's external address only.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate admits the network's CIDR.
	VisibilityPrivate Visibility = "private"
)

// ExternalIPAuto asks for the operator's address to be looked up at startup.
const ExternalIPAuto = "auto"

// Config contains application configuration
type Config struct {
	Provider ProviderConfig `yaml:"provider"`

	// Zone every instance is placed in; the network is resolved for it once.
	Zone string `yaml:"zone"`

	// Snapshot of the last run, overwritten each time
	OutputFile string `yaml:"output_file"`

	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	// Where "auto" external addresses are looked up
	PublicIPURL string `yaml:"public_ip_url"`

	FailurePolicy FailurePolicy `yaml:"failure_policy"`

	Reclaim   ReclaimConfig   `yaml:"reclaim"`
	SSH       SSHConfig       `yaml:"ssh"`
	Timeouts  Timeouts        `yaml:"timeouts"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Passwords PasswordConfig  `yaml:"passwords"`

	Instances []InstanceSpec `yaml:"instances"`
}

// ProviderConfig is a discriminated union: Type names which of the
// provider sections is read.
type ProviderConfig struct {
	Type         ProviderType        `yaml:"type"`
	AWS          *AWSConfig          `yaml:"aws,omitempty"`
	DigitalOcean *DigitalOceanConfig `yaml:"digitalocean,omitempty"`
	GCP          *GCPConfig          `yaml:"gcp,omitempty"`
}

// AWSConfig holds EC2 connection parameters. Empty credentials fall through
// to the SDK's default chain.
type AWSConfig struct {
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	VPCID           string `yaml:"vpc_id"`
	InstanceType    string `yaml:"instance_type"`
}

// DigitalOceanConfig holds DigitalOcean API parameters.
type DigitalOceanConfig struct {
	Token string `yaml:"token"`
	VPCID string `yaml:"vpc_id"`
	Size  string `yaml:"size"`
}

// GCPConfig holds Compute Engine parameters. An empty credentials file means
// application default credentials.
type GCPConfig struct {
	Project         string `yaml:"project"`
	CredentialsFile string `yaml:"credentials_file"`
	Network         string `yaml:"network"`
	MachineType     string `yaml:"machine_type"`
}

type ReclaimConfig struct {
	// Delete the specs' firewall groups before provisioning. Useful when the
	// operator's external address changed and rules must be rebuilt.
	FirewallGroups bool `yaml:"firewall_groups"`
}

type SSHConfig struct {
	User     string        `yaml:"user"`
	Port     int           `yaml:"port"`
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

type Timeouts struct {
	InstanceRunning    time.Duration `yaml:"instance_running"`
	InstanceTerminated time.Duration `yaml:"instance_terminated"`
	SessionOpen        time.Duration `yaml:"session_open"`
	RebootGrace        time.Duration `yaml:"reboot_grace"`
	Command            time.Duration `yaml:"command"`
	Teardown           time.Duration `yaml:"teardown"`
}

type BootstrapConfig struct {
	// Shell template, one command per line
	Template string `yaml:"template"`
	// Fail the run when a template command exits non-zero
	Strict bool `yaml:"strict"`

	UpdateCommands []string `yaml:"update_commands"`
	RebootCommand  string   `yaml:"reboot_command"`
	ToolCommands   []string `yaml:"tool_commands"`

	// Local cloud credentials uploaded for the template's use, then shredded
	CredentialsFile       string `yaml:"credentials_file"`
	RemoteCredentialsPath string `yaml:"remote_credentials_path"`
	ScrubPasses           int    `yaml:"scrub_passes"`
}

type PasswordConfig struct {
	Length int `yaml:"length"`
}

// InstanceSpec describes one compute instance to create.
type InstanceSpec struct {
	Name             string         `yaml:"name"`
	Owner            string         `yaml:"owner"`
	Purpose          string         `yaml:"purpose"`
	ExternalIP       string         `yaml:"external_ip"`
	AvailabilityZone string         `yaml:"availability_zone"`
	ImageID          string         `yaml:"image_id"`
	BuildID          string         `yaml:"build_id"`
	InstanceType     string         `yaml:"instance_type"`
	KeyPair          KeyPair        `yaml:"key_pair"`
	FirewallRules    []FirewallRule `yaml:"firewall_rules"`
}

// KeyPair references an SSH key registered with the provider.
type KeyPair struct {
	PrivateKeyFile string `yaml:"private_key_file"`
	Name           string `yaml:"name"`
	// Register the public half of PrivateKeyFile when Name is unknown
	Import bool `yaml:"import"`
}

// FirewallRule admits TCP traffic on one port.
type FirewallRule struct {
	Name             string     `yaml:"name"`
	Visibility       Visibility `yaml:"visibility"`
	Port             int32      `yaml:"port"`
	DeleteAfterBuild bool       `yaml:"delete_after_build"`
}

// HasPublicRule reports whether any rule needs the operator's address.
func (s InstanceSpec) HasPublicRule() bool {
	for _, r := range s.FirewallRules {
		if r.Visibility == VisibilityPublic {
			return true
		}
	}
	return false
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Provider:      ProviderConfig{Type: ProviderAWS},
		OutputFile:    "ec2.json",
		PublicIPURL:   "https://checkip.amazonaws.com",
		FailurePolicy: FailureRollback,
		Reclaim:       ReclaimConfig{FirewallGroups: true},
		SSH: SSHConfig{
			User:     "ubuntu",
			Port:     22,
			Attempts: 30,
			Interval: 10 * time.Second,
		},
		Timeouts: Timeouts{
			InstanceRunning:    10 * time.Minute,
			InstanceTerminated: 10 * time.Minute,
			SessionOpen:        5 * time.Minute,
			RebootGrace:        15 * time.Second,
			Command:            30 * time.Minute,
			Teardown:           15 * time.Minute,
		},
		Bootstrap: BootstrapConfig{
			Template: "bootstrap.sh",
			UpdateCommands: []string{
				"sudo DEBIAN_FRONTEND=noninteractive apt-get -y update",
				"sudo DEBIAN_FRONTEND=noninteractive apt-get -y -o Dpkg::Options::=--force-confold upgrade",
			},
			RebootCommand: "sudo reboot",
			ToolCommands: []string{
				"sudo DEBIAN_FRONTEND=noninteractive apt-get -y install awscli",
			},
			RemoteCredentialsPath: ".aws/credentials",
			ScrubPasses:           200,
		},
		Passwords: PasswordConfig{Length: 32},
	}
}

// Path returns the configuration file to read: explicit, CONFIG_PATH or
// vmbuild.yaml.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "vmbuild.yaml"
}

// Load reads, expands and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.ErrConfig, fmt.Errorf("failed to read config file: %w", err))
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes YAML over the defaults. Relative paths in the document are
// resolved against baseDir; the output file and template keep the defaults
// beside the executable when left unset.
func Parse(data []byte, baseDir string) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fault.Wrap(fault.ErrConfig, fmt.Errorf("failed to parse config file: %w", err))
	}

	cfg.expandEnv()
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	cfg.resolvePaths(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv expands environment variables in string fields
func (c *Config) expandEnv() {
	c.Zone = os.ExpandEnv(c.Zone)
	c.OutputFile = os.ExpandEnv(c.OutputFile)
	c.LogFile = os.ExpandEnv(c.LogFile)
	c.Bootstrap.Template = os.ExpandEnv(c.Bootstrap.Template)
	c.Bootstrap.CredentialsFile = os.ExpandEnv(c.Bootstrap.CredentialsFile)

	if a := c.Provider.AWS; a != nil {
		a.Region = os.ExpandEnv(a.Region)
		a.Profile = os.ExpandEnv(a.Profile)
		a.AccessKeyID = os.ExpandEnv(a.AccessKeyID)
		a.SecretAccessKey = os.ExpandEnv(a.SecretAccessKey)
		a.SessionToken = os.ExpandEnv(a.SessionToken)
		a.VPCID = os.ExpandEnv(a.VPCID)
	}
	if d := c.Provider.DigitalOcean; d != nil {
		d.Token = os.ExpandEnv(d.Token)
		d.VPCID = os.ExpandEnv(d.VPCID)
	}
	if g := c.Provider.GCP; g != nil {
		g.Project = os.ExpandEnv(g.Project)
		g.CredentialsFile = os.ExpandEnv(g.CredentialsFile)
		g.Network = os.ExpandEnv(g.Network)
	}

	for i := range c.Instances {
		s := &c.Instances[i]
		s.Owner = os.ExpandEnv(s.Owner)
		s.ExternalIP = os.ExpandEnv(s.ExternalIP)
		s.ImageID = os.ExpandEnv(s.ImageID)
		s.BuildID = os.ExpandEnv(s.BuildID)
		s.KeyPair.PrivateKeyFile = os.ExpandEnv(s.KeyPair.PrivateKeyFile)
		s.KeyPair.Name = os.ExpandEnv(s.KeyPair.Name)
	}
}

// applyEnvOverrides lets well-known provider variables win over the file.
func (c *Config) applyEnvOverrides() {
	if c.Provider.Type == ProviderDigitalOcean {
		if token := os.Getenv("DIGITALOCEAN_TOKEN"); token != "" {
			if c.Provider.DigitalOcean == nil {
				c.Provider.DigitalOcean = &DigitalOceanConfig{}
			}
			c.Provider.DigitalOcean.Token = token
		}
	}
	if c.Provider.Type == ProviderGCP {
		if c.Provider.GCP == nil {
			c.Provider.GCP = &GCPConfig{}
		}
		if project := os.Getenv("GOOGLE_CLOUD_PROJECT"); project != "" && c.Provider.GCP.Project == "" {
			c.Provider.GCP.Project = project
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" && c.LogLevel == "" {
		c.LogLevel = level
	}
}

func (c *Config) applyDefaults() {
	switch c.Provider.Type {
	case ProviderAWS:
		if c.Provider.AWS == nil {
			c.Provider.AWS = &AWSConfig{}
		}
		if c.Provider.AWS.Region == "" {
			c.Provider.AWS.Region = RegionFromZone(c.Zone)
		}
		if c.Provider.AWS.InstanceType == "" {
			c.Provider.AWS.InstanceType = "t3.medium"
		}
	case ProviderDigitalOcean:
		if c.Provider.DigitalOcean == nil {
			c.Provider.DigitalOcean = &DigitalOceanConfig{}
		}
		if c.Provider.DigitalOcean.Size == "" {
			c.Provider.DigitalOcean.Size = "s-2vcpu-4gb"
		}
	case ProviderGCP:
		if c.Provider.GCP == nil {
			c.Provider.GCP = &GCPConfig{}
		}
		if c.Provider.GCP.Network == "" {
			c.Provider.GCP.Network = "default"
		}
		if c.Provider.GCP.MachineType == "" {
			c.Provider.GCP.MachineType = "e2-standard-2"
		}
	}

	for i := range c.Instances {
		s := &c.Instances[i]
		if s.AvailabilityZone == "" {
			s.AvailabilityZone = c.Zone
		}
	}
}

func (c *Config) resolvePaths(baseDir string) {
	programDir := ProgramDir()
	defaults := Default()

	c.OutputFile = resolvePath(c.OutputFile, baseDir, programDir, defaults.OutputFile)
	c.Bootstrap.Template = resolvePath(c.Bootstrap.Template, baseDir, programDir, defaults.Bootstrap.Template)
	if c.LogFile != "" {
		c.LogFile = resolvePath(c.LogFile, baseDir, programDir, "")
	}
	if g := c.Provider.GCP; g != nil && g.CredentialsFile != "" {
		g.CredentialsFile = resolvePath(g.CredentialsFile, baseDir, programDir, "")
	}
	if c.Bootstrap.CredentialsFile != "" {
		c.Bootstrap.CredentialsFile = resolvePath(c.Bootstrap.CredentialsFile, baseDir, programDir, "")
	}
	for i := range c.Instances {
		kp := &c.Instances[i].KeyPair
		if kp.PrivateKeyFile != "" {
			kp.PrivateKeyFile = resolvePath(kp.PrivateKeyFile, baseDir, programDir, "")
		}
	}
}

// resolvePath expands "~", keeps absolute paths, places the untouched default
// beside the program and anchors every other relative path at baseDir.
func resolvePath(p, baseDir, programDir, def string) string {
	p = ExpandHome(p)
	if filepath.IsAbs(p) {
		return p
	}
	if p == def && programDir != "" {
		return filepath.Join(programDir, p)
	}
	return filepath.Join(baseDir, p)
}

// ExpandHome replaces a leading "~/" with the current user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// ProgramDir returns the directory holding the running executable.
func ProgramDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(exe)
}

// RegionFromZone maps an availability zone such as eu-west-2a to its region.
func RegionFromZone(zone string) string {
	if zone == "" {
		return ""
	}
	last := zone[len(zone)-1]
	if last >= 'a' && last <= 'z' {
		return zone[:len(zone)-1]
	}
	return zone
}

// Validate checks the configuration as a whole.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fault.Wrap(fault.ErrConfig, fmt.Errorf(format, args...))
	}

	switch c.Provider.Type {
	case ProviderAWS:
		if c.Provider.AWS == nil || c.Provider.AWS.Region == "" {
			return invalid("aws region is required (set provider.aws.region or zone)")
		}
	case ProviderDigitalOcean:
		if c.Provider.DigitalOcean == nil || c.Provider.DigitalOcean.Token == "" {
			return invalid("digitalocean token is required (set provider.digitalocean.token or DIGITALOCEAN_TOKEN)")
		}
	case ProviderGCP:
		if c.Provider.GCP == nil || c.Provider.GCP.Project == "" {
			return invalid("gcp project is required (set provider.gcp.project or GOOGLE_CLOUD_PROJECT)")
		}
	default:
		return invalid("unsupported provider type: %q", c.Provider.Type)
	}

	if c.Zone == "" {
		return invalid("zone is required")
	}
	switch c.FailurePolicy {
	case FailureRollback, FailureRetain:
	default:
		return invalid("unsupported failure_policy: %q", c.FailurePolicy)
	}
	if c.SSH.User == "" || c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return invalid("ssh user and a valid port are required")
	}
	if c.SSH.Attempts < 1 {
		return invalid("ssh.attempts must be at least 1")
	}
	if c.Passwords.Length < 12 {
		return invalid("passwords.length must be at least 12, got %d", c.Passwords.Length)
	}
	if c.Bootstrap.ScrubPasses < 1 {
		return invalid("bootstrap.scrub_passes must be at least 1")
	}
	if len(c.Instances) == 0 {
		return invalid("at least one instance is required")
	}

	names := make(map[string]bool, len(c.Instances))
	rules := make(map[string]FirewallRule)
	for i, s := range c.Instances {
		if s.Name == "" {
			return invalid("instances[%d]: name is required", i)
		}
		if names[s.Name] {
			return invalid("instances[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true

		if s.ImageID == "" {
			return invalid("instance %q: image_id is required", s.Name)
		}
		if s.AvailabilityZone != c.Zone {
			return invalid("instance %q: availability_zone %q differs from zone %q", s.Name, s.AvailabilityZone, c.Zone)
		}
		if s.KeyPair.Name == "" || s.KeyPair.PrivateKeyFile == "" {
			return invalid("instance %q: key_pair name and private_key_file are required", s.Name)
		}
		if s.HasPublicRule() {
			if s.ExternalIP == "" {
				return invalid("instance %q: external_ip is required for public rules", s.Name)
			}
			if s.ExternalIP != ExternalIPAuto {
				if ip := net.ParseIP(s.ExternalIP); ip == nil || ip.To4() == nil {
					return invalid("instance %q: external_ip %q is not an IPv4 address", s.Name, s.ExternalIP)
				}
			}
		}

		for j, r := range s.FirewallRules {
			if r.Name == "" {
				return invalid("instance %q: firewall_rules[%d]: name is required", s.Name, j)
			}
			if r.Visibility != VisibilityPublic && r.Visibility != VisibilityPrivate {
				return invalid("instance %q: rule %q: visibility must be public or private", s.Name, r.Name)
			}
			if r.Port < 1 || r.Port > 65535 {
				return invalid("instance %q: rule %q: port %d out of range", s.Name, r.Name, r.Port)
			}
			// Groups are shared by name, so every use must agree.
			if prev, ok := rules[r.Name]; ok && prev != r {
				return invalid("rule %q is declared with different settings by several instances", r.Name)
			}
			rules[r.Name] = r
		}
	}
	return nil
}
