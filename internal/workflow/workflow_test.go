package workflow_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/ssh"

	"vmbuild/internal/bootstrap"
	"vmbuild/internal/cloud"
	"vmbuild/internal/cloud/cloudtest"
	"vmbuild/internal/config"
	"vmbuild/internal/fault"
	"vmbuild/internal/remote"
	"vmbuild/internal/snapshot"
	"vmbuild/internal/workflow"
)

type nopSession struct{ commands *[]string }

func (s nopSession) Run(_ context.Context, cmd, _ string) (remote.Output, error) {
	*s.commands = append(*s.commands, cmd)
	return remote.Output{}, nil
}

func (s nopSession) Upload(context.Context, string, string, os.FileMode) error { return nil }

func (s nopSession) Close() error { return nil }

// fakeShell hands out sessions and fails the open calls listed in failOpen,
// counted from one across all instances.
type fakeShell struct {
	opens    int
	failOpen map[int]error
	hosts    []string
	commands []string
	onOpen   func(host string)
}

func (f *fakeShell) factory(config.InstanceSpec) (bootstrap.Dialer, error) {
	return bootstrap.DialerFunc(func(_ context.Context, host string) (bootstrap.Session, error) {
		f.opens++
		if f.onOpen != nil {
			f.onOpen(host)
		}
		if err := f.failOpen[f.opens]; err != nil {
			return nil, err
		}
		f.hosts = append(f.hosts, host)
		return nopSession{commands: &f.commands}, nil
	}), nil
}

type staticIP struct {
	ip    string
	calls int
}

func (s *staticIP) Lookup(context.Context) (string, error) {
	s.calls++
	return s.ip, nil
}

func writeKey(dir string) string {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	Expect(err).NotTo(HaveOccurred())
	block, err := ssh.MarshalPrivateKey(priv, "")
	Expect(err).NotTo(HaveOccurred())
	path := filepath.Join(dir, "build.pem")
	Expect(os.WriteFile(path, pem.EncodeToMemory(block), 0600)).To(Succeed())
	return path
}

func instance(name, key string) config.InstanceSpec {
	return config.InstanceSpec{
		Name:             name,
		Owner:            "ci",
		Purpose:          "integration",
		ExternalIP:       "203.0.113.10",
		AvailabilityZone: "eu-west-2a",
		ImageID:          "ami-1",
		BuildID:          "42",
		KeyPair:          config.KeyPair{Name: "build", PrivateKeyFile: key, Import: true},
		FirewallRules: []config.FirewallRule{
			{Name: "private_postgres", Visibility: config.VisibilityPrivate, Port: 5432},
			{Name: "public_ssh", Visibility: config.VisibilityPublic, Port: 22, DeleteAfterBuild: true},
		},
	}
}

var _ = Describe("Workflow", func() {
	var (
		dir   string
		cfg   *config.Config
		fake  *cloudtest.Provider
		shell *fakeShell
		ip    *staticIP
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		key := writeKey(dir)

		template := filepath.Join(dir, "bootstrap.sh")
		Expect(os.WriteFile(template, []byte("# db\nsetup {{.AdminPassword}} {{.CIDR}}\n"), 0644)).To(Succeed())

		cfg = config.Default()
		cfg.Zone = "eu-west-2a"
		cfg.OutputFile = filepath.Join(dir, "ec2.json")
		cfg.Bootstrap.Template = template
		cfg.Timeouts.RebootGrace = 0
		cfg.Instances = []config.InstanceSpec{instance("db", key), instance("app", key)}

		fake = cloudtest.New("eu-west-2a")
		shell = &fakeShell{failOpen: map[int]error{}}
		ip = &staticIP{ip: "198.51.100.99"}
	})

	build := func() ([]string, error) {
		w := workflow.New(cfg, workflow.Deps{Provider: fake, Dialers: shell.factory, PublicIP: ip}, nil)
		results, err := w.Build(context.Background())
		var names []string
		for _, r := range results {
			names = append(names, r.Name)
		}
		return names, err
	}

	It("provisions, records and bootstraps every instance in order", func() {
		names, err := build()
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(Equal([]string{"db", "app"}))
		Expect(fake.Live()).To(Equal([]string{"app", "db"}))

		records, err := snapshot.Load(cfg.OutputFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(2))
		Expect(fake.Instances[records[0].ID].Name).To(Equal("db"))
		Expect(fake.Instances[records[1].ID].Name).To(Equal("app"))

		// Two sessions per instance, across the reboot.
		Expect(shell.hosts).To(Equal([]string{
			records[0].PublicIP, records[0].PublicIP,
			records[1].PublicIP, records[1].PublicIP,
		}))
		Expect(shell.commands).To(ContainElement("setup " + records[0].AdminPassword + " 10.0.0.0/16"))
		Expect(ip.calls).To(BeZero())
	})

	It("deletes delete_after_build groups only once every instance is bootstrapped", func() {
		shell.onOpen = func(string) {
			Expect(fake.Groups).To(HaveKey("public_ssh"))
		}
		_, err := build()
		Expect(err).NotTo(HaveOccurred())

		Expect(fake.Groups).NotTo(HaveKey("public_ssh"))
		Expect(fake.Groups).To(HaveKey("private_postgres"))
		for _, inst := range fake.Instances {
			Expect(inst.FirewallGroups).To(HaveLen(1))
			Expect(inst.FirewallGroups[0].Name).To(Equal("private_postgres"))
		}
	})

	It("reclaims stale instances before provisioning", func() {
		stale := fake.AddInstance("db")
		_, err := build()
		Expect(err).NotTo(HaveOccurred())
		Expect(fake.Instances[stale.ID].State).To(Equal("terminated"))
		Expect(fake.Addresses).NotTo(HaveKey(stale.Addresses[0].ID))
		Expect(fake.Calls[0]).To(Equal("FindInstances:"))
	})

	It("looks up an automatic external address once", func() {
		for i := range cfg.Instances {
			cfg.Instances[i].ExternalIP = config.ExternalIPAuto
		}
		_, err := build()
		Expect(err).NotTo(HaveOccurred())
		Expect(ip.calls).To(Equal(1))
		Expect(cfg.Instances[0].ExternalIP).To(Equal(config.ExternalIPAuto), "configuration stays untouched")
	})

	It("fails on a missing network before touching anything", func() {
		fake.NetworkErr = fmt.Errorf("%w: no default VPC", cloud.ErrNetworkNotFound)
		_, err := build()
		Expect(err).To(MatchError(fault.ErrResolution))
		Expect(fake.Calls).To(BeEmpty())
	})

	It("rejects a broken template before touching anything", func() {
		Expect(os.WriteFile(cfg.Bootstrap.Template, []byte("setup {{.Nope}}"), 0644)).To(Succeed())
		_, err := build()
		Expect(err).To(MatchError(fault.ErrConfig))
		Expect(fake.Calls).To(BeEmpty())
	})

	Context("when bootstrapping the second instance fails", func() {
		BeforeEach(func() {
			shell.failOpen[3] = errors.New("connection refused")
		})

		It("rolls back the whole batch by default", func() {
			names, err := build()
			Expect(err).To(MatchError(fault.ErrSession))
			Expect(names).To(Equal([]string{"db", "app"}))
			Expect(fake.Live()).To(BeEmpty())
			Expect(fake.Addresses).To(BeEmpty())
			Expect(fake.Groups).To(BeEmpty())
			Expect(fake.Keys).To(BeEmpty())
			Expect(cfg.OutputFile).To(BeAnExistingFile())
		})

		It("keeps everything under the retain policy", func() {
			cfg.FailurePolicy = config.FailureRetain
			_, err := build()
			Expect(err).To(MatchError(fault.ErrSession))
			Expect(fake.Live()).To(Equal([]string{"app", "db"}))
			Expect(fake.Groups).To(HaveKey("public_ssh"))
		})

		It("reports teardown failures next to the cause", func() {
			fake.Fail["DeleteKeyPair:build"] = errors.New("throttled")
			_, err := build()
			Expect(err).To(MatchError(fault.ErrSession))
			Expect(err.Error()).To(ContainSubstring("throttled"))
			Expect(fake.Live()).To(BeEmpty())
		})
	})

	It("stops at the first instance when its session cannot be reopened after the reboot", func() {
		var dialed []string
		shell.onOpen = func(host string) { dialed = append(dialed, host) }
		shell.failOpen[2] = errors.New("connection refused")

		_, err := build()
		Expect(err).To(MatchError(fault.ErrSession))

		records, err := snapshot.Load(cfg.OutputFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(shell.opens).To(Equal(2))
		Expect(dialed).To(Equal([]string{records[0].PublicIP, records[0].PublicIP}))
		Expect(dialed).NotTo(ContainElement(records[1].PublicIP))
		for _, cmd := range shell.commands {
			Expect(cmd).NotTo(HavePrefix("setup "), "template commands never run")
			Expect(cmd).NotTo(ContainSubstring("shred"), "scrub never runs")
		}
		Expect(shell.commands).To(ContainElement(cfg.Bootstrap.RebootCommand))
		Expect(shell.commands).NotTo(ContainElement(cfg.Bootstrap.ToolCommands[0]))
		Expect(fake.Live()).To(BeEmpty())
	})

	It("rolls back instances launched before a provisioning failure", func() {
		fake.Fail["LaunchInstance:app"] = errors.New("InsufficientInstanceCapacity")
		_, err := build()
		Expect(err).To(MatchError(fault.ErrProvider))
		Expect(fake.Live()).To(BeEmpty())
		Expect(shell.opens).To(BeZero())
	})

	Describe("Reclaim", func() {
		It("terminates instances and optionally deletes groups", func() {
			fake.AddInstance("app")
			fake.AddGroup("public_ssh", cloud.IngressRule{Port: 22, Source: "203.0.113.10/32"})
			w := workflow.New(cfg, workflow.Deps{Provider: fake}, nil)

			Expect(w.Reclaim(context.Background(), false)).To(Succeed())
			Expect(fake.Live()).To(BeEmpty())
			Expect(fake.Groups).To(HaveKey("public_ssh"))

			Expect(w.Reclaim(context.Background(), true)).To(Succeed())
			Expect(fake.Groups).NotTo(HaveKey("public_ssh"))
		})
	})
})
