package bootstrap_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"vmbuild/internal/bootstrap"
	"vmbuild/internal/fault"
	"vmbuild/internal/remote"
)

type call struct {
	cmd   string
	stdin string
}

type fakeSession struct {
	host   *fakeHost
	closed bool
}

func (s *fakeSession) Run(_ context.Context, cmd, stdin string) (remote.Output, error) {
	s.host.calls = append(s.host.calls, call{cmd, stdin})
	if status, ok := s.host.exit[cmd]; ok {
		return remote.Output{ExitStatus: status}, fmt.Errorf("%w: status %d", remote.ErrExitStatus, status)
	}
	if err, ok := s.host.broken[cmd]; ok {
		return remote.Output{ExitStatus: -1}, err
	}
	return remote.Output{Stdout: "ok"}, nil
}

func (s *fakeSession) Upload(_ context.Context, local, remotePath string, mode os.FileMode) error {
	s.host.uploads = append(s.host.uploads, fmt.Sprintf("%s->%s:%o", local, remotePath, mode))
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// fakeHost plays one instance. openErrs are returned by successive Open
// calls; a nil entry opens normally.
type fakeHost struct {
	opens    int
	openErrs []error
	exit     map[string]int
	broken   map[string]error
	calls    []call
	uploads  []string
	sessions []*fakeSession
}

func (h *fakeHost) Open(_ context.Context, host string) (bootstrap.Session, error) {
	h.opens++
	if len(h.openErrs) > 0 {
		err := h.openErrs[0]
		h.openErrs = h.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := &fakeSession{host: h}
	h.sessions = append(h.sessions, s)
	return s, nil
}

func (h *fakeHost) commands() []string {
	var out []string
	for _, c := range h.calls {
		out = append(out, c.cmd)
	}
	return out
}

var _ = Describe("Executor", func() {
	var (
		host   *fakeHost
		opts   bootstrap.Options
		target bootstrap.Target
	)

	BeforeEach(func() {
		host = &fakeHost{exit: map[string]int{}, broken: map[string]error{}}
		opts = bootstrap.Options{
			UpdateCommands:        []string{"apt-get update", "apt-get upgrade"},
			RebootCommand:         "reboot",
			ToolCommands:          []string{"apt-get install awscli"},
			Template:              "# setup\nsudo -S setup-db {{.AdminPassword}} {{.CIDR}}\n\ngrant {{.ReadonlyPassword}}\n",
			CredentialsFile:       "/tmp/creds",
			RemoteCredentialsPath: ".aws/credentials",
			ScrubPasses:           200,
			RebootGrace:           time.Millisecond,
		}
		target = bootstrap.Target{
			InstanceID:       "i-1",
			Name:             "db",
			PublicIP:         "198.51.100.7",
			CIDR:             "10.0.0.0/16",
			AdminPassword:    "Adm1nPass",
			ReadonlyPassword: "R3adPass",
		}
	})

	run := func() (bootstrap.State, error) {
		return bootstrap.NewExecutor(host, opts, nil).Run(context.Background(), target)
	}

	It("walks every state in order", func() {
		state, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(bootstrap.StateDone))

		Expect(host.opens).To(Equal(2))
		Expect(host.commands()).To(Equal([]string{
			"apt-get update",
			"apt-get upgrade",
			"reboot",
			"apt-get install awscli",
			"sudo -S setup-db Adm1nPass 10.0.0.0/16",
			"grant R3adPass",
			"test ! -e .aws/credentials || shred -n 200 -z -u .aws/credentials",
		}))
		Expect(host.uploads).To(Equal([]string{"/tmp/creds->.aws/credentials:600"}))
		for _, s := range host.sessions {
			Expect(s.closed).To(BeTrue())
		}
	})

	It("feeds the admin password only to template commands running sudo -S", func() {
		_, err := run()
		Expect(err).NotTo(HaveOccurred())
		for _, c := range host.calls {
			switch c.cmd {
			case "sudo -S setup-db Adm1nPass 10.0.0.0/16":
				Expect(c.stdin).To(Equal("Adm1nPass\n"))
			default:
				Expect(c.stdin).To(BeEmpty(), c.cmd)
			}
		}
	})

	DescribeTable("stdin of a template command",
		func(line, stdin string) {
			opts.Template = line
			_, err := run()
			Expect(err).NotTo(HaveOccurred())

			var found bool
			for _, c := range host.calls {
				if c.cmd == line {
					found = true
					Expect(c.stdin).To(Equal(stdin))
				}
			}
			Expect(found).To(BeTrue())
		},
		Entry("plain sudo", "sudo systemctl restart postgresql", ""),
		Entry("stdin reader without sudo", "psql -f /tmp/seed.sql", ""),
		Entry("sudo -S", "sudo -S apt-get -y install postgresql", "Adm1nPass\n"),
		Entry("clustered flags", "sudo -kS true", "Adm1nPass\n"),
		Entry("long flag", "sudo --stdin -u postgres psql", "Adm1nPass\n"),
		Entry("option argument before -S", "sudo -u postgres -S psql", "Adm1nPass\n"),
		Entry("-S belongs to the command", "sudo -u postgres psql -S", ""),
		Entry("sudo later in a pipeline", `echo "host all all 10.0.0.0/16 md5" | sudo -S tee -a pg_hba.conf`, "Adm1nPass\n"),
		Entry("quoted sudo is an argument", `echo 'sudo -S'`, ""),
	)

	It("tolerates the reboot dropping the connection", func() {
		host.broken["reboot"] = errors.New("wait: remote command exited without exit status or exit signal")
		state, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(bootstrap.StateDone))
	})

	It("stops before any tool command when the reopen fails", func() {
		host.openErrs = []error{nil, errors.New("connection refused")}
		state, err := run()
		Expect(err).To(MatchError(fault.ErrSession))
		Expect(state).To(Equal(bootstrap.StateRebooting))
		Expect(host.commands()).NotTo(ContainElement("apt-get install awscli"))
		Expect(host.uploads).To(BeEmpty())
	})

	It("fails as a session error when the first open fails", func() {
		host.openErrs = []error{errors.New("no route to host")}
		state, err := run()
		Expect(err).To(MatchError(fault.ErrSession))
		Expect(state).To(Equal(bootstrap.StateCreated))
		Expect(host.calls).To(BeEmpty())
	})

	It("continues past failing commands unless strict", func() {
		host.exit["grant R3adPass"] = 1
		state, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(bootstrap.StateDone))
	})

	It("stops on the first failing command when strict", func() {
		opts.Strict = true
		host.exit["sudo -S setup-db Adm1nPass 10.0.0.0/16"] = 2
		state, err := run()
		Expect(err).To(MatchError(fault.ErrCommand))
		Expect(err.Error()).NotTo(ContainSubstring("Adm1nPass"), "passwords are masked in errors")
		Expect(state).To(Equal(bootstrap.StateToolsInstalled))
		Expect(host.commands()).NotTo(ContainElement("grant R3adPass"))
	})

	It("always treats a failed scrub as fatal", func() {
		host.exit[bootstrap.ScrubCommand(".aws/credentials", 200)] = 1
		state, err := run()
		Expect(err).To(MatchError(fault.ErrCommand))
		Expect(state).To(Equal(bootstrap.StateCommandsRun))
	})

	It("fails when the session breaks mid-script", func() {
		host.broken["grant R3adPass"] = errors.New("EOF")
		_, err := run()
		Expect(err).To(MatchError(fault.ErrSession))
	})

	It("skips the upload without a credentials file", func() {
		opts.CredentialsFile = ""
		_, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(host.uploads).To(BeEmpty())
	})
})
