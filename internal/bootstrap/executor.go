// Package bootstrap prepares a freshly launched instance over SSH: package
// updates, a reboot, tooling, the templated command script and finally the
// removal of uploaded credentials.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"vmbuild/internal/fault"
	"vmbuild/internal/logging"
	"vmbuild/internal/remote"
)

// State is a step of the per-instance bootstrap.
type State int

const (
	StateCreated State = iota
	StateSessionOpen
	StateUpdated
	StateRebooting
	StateSessionReopen
	StateToolsInstalled
	StateCommandsRun
	StateCredentialsScrubbed
	StateDone
)

var stateNames = [...]string{
	StateCreated:             "created",
	StateSessionOpen:         "session_open",
	StateUpdated:             "updated",
	StateRebooting:           "rebooting",
	StateSessionReopen:       "session_reopen",
	StateToolsInstalled:      "tools_installed",
	StateCommandsRun:         "commands_run",
	StateCredentialsScrubbed: "credentials_scrubbed",
	StateDone:                "done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is an open shell on one instance.
type Session interface {
	Run(ctx context.Context, cmd, stdin string) (remote.Output, error)
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
	Close() error
}

// Dialer opens sessions to a host.
type Dialer interface {
	Open(ctx context.Context, host string) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host string) (Session, error)

func (f DialerFunc) Open(ctx context.Context, host string) (Session, error) { return f(ctx, host) }

// Options is the fixed command plan applied to every instance.
type Options struct {
	UpdateCommands []string
	RebootCommand  string
	ToolCommands   []string

	// Template is the bootstrap script text, rendered per instance. Lines
	// that invoke "sudo -S" (or --stdin) get the admin password on stdin;
	// every other command gets empty stdin.
	Template string
	// Strict makes non-zero exits of update, tool and template commands fatal.
	Strict bool

	CredentialsFile       string
	RemoteCredentialsPath string
	ScrubPasses           int

	RebootGrace time.Duration
}

// Target is one provisioned instance with its generated credentials.
type Target struct {
	InstanceID       string
	Name             string
	PublicIP         string
	PrivateIP        string
	CIDR             string
	AdminPassword    string
	ReadonlyPassword string
}

// Executor walks instances through the bootstrap states.
type Executor struct {
	dialer Dialer
	opts   Options
	logger *zap.Logger

	// sleep waits out the reboot grace period.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor returns an Executor using dialer for every session.
func NewExecutor(dialer Dialer, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{dialer: dialer, opts: opts, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run bootstraps t. It returns the last state reached; on success that is
// StateDone. Any failure stops this instance immediately.
func (e *Executor) Run(ctx context.Context, t Target) (State, error) {
	b := &run{Executor: e, target: t, state: StateCreated}
	b.logger = e.logger.With(zap.String("instance_id", t.InstanceID), zap.String("instance_name", t.Name))
	b.redact = logging.NewRedactor(t.AdminPassword, t.ReadonlyPassword)

	err := b.execute(ctx)
	if b.session != nil {
		if cerr := b.session.Close(); cerr != nil {
			b.logger.Debug("failed to close session", zap.Error(cerr))
		}
	}
	if err != nil {
		b.logger.Error("Bootstrap failed",
			zap.Stringer("state", b.state),
			zap.String("error_kind", fault.Kind(err)),
			zap.Error(err))
	}
	return b.state, err
}

type run struct {
	*Executor
	target  Target
	state   State
	session Session
	logger  *zap.Logger
	redact  logging.Redactor
}

func (b *run) advance(s State) {
	b.state = s
	b.logger.Info("Bootstrap state", zap.Stringer("state", s))
}

func (b *run) execute(ctx context.Context) error {
	if err := b.open(ctx); err != nil {
		return err
	}
	b.advance(StateSessionOpen)

	if err := b.runAll(ctx, b.opts.UpdateCommands, ""); err != nil {
		return err
	}
	b.advance(StateUpdated)

	// The connection usually drops while the reboot command runs.
	if b.opts.RebootCommand != "" {
		if _, err := b.session.Run(ctx, b.opts.RebootCommand, ""); err != nil {
			b.logger.Debug("Reboot command ended the session", zap.Error(err))
		}
	}
	_ = b.session.Close()
	b.session = nil
	b.advance(StateRebooting)

	if err := b.sleep(ctx, b.opts.RebootGrace); err != nil {
		return fault.Wrap(fault.ErrSession, err)
	}
	if err := b.open(ctx); err != nil {
		return err
	}
	b.advance(StateSessionReopen)

	if err := b.runAll(ctx, b.opts.ToolCommands, ""); err != nil {
		return err
	}
	if b.opts.CredentialsFile != "" {
		err := b.session.Upload(ctx, b.opts.CredentialsFile, remotePath(b.opts.RemoteCredentialsPath), 0600)
		if err != nil {
			return fault.Wrap(fault.ErrSession, err)
		}
	}
	b.advance(StateToolsInstalled)

	script, err := Render(b.opts.Template, Params{
		AdminPassword:    b.target.AdminPassword,
		ReadonlyPassword: b.target.ReadonlyPassword,
		CIDR:             b.target.CIDR,
		PublicIP:         b.target.PublicIP,
	})
	if err != nil {
		return fault.Wrap(fault.ErrConfig, err)
	}
	for _, cmd := range Split(script) {
		stdin := ""
		if readsSudoPassword(cmd) {
			stdin = b.target.AdminPassword + "\n"
		}
		if err := b.exec(ctx, cmd, stdin, b.opts.Strict); err != nil {
			return err
		}
	}
	b.advance(StateCommandsRun)

	if err := b.scrub(ctx); err != nil {
		return err
	}
	b.advance(StateCredentialsScrubbed)

	if err := b.session.Close(); err != nil {
		b.logger.Debug("failed to close session", zap.Error(err))
	}
	b.session = nil
	b.advance(StateDone)
	return nil
}

func (b *run) open(ctx context.Context) error {
	session, err := b.dialer.Open(ctx, b.target.PublicIP)
	if err != nil {
		return fault.Wrap(fault.ErrSession, err)
	}
	b.session = session
	return nil
}

func (b *run) runAll(ctx context.Context, commands []string, stdin string) error {
	for _, cmd := range commands {
		if err := b.exec(ctx, cmd, stdin, b.opts.Strict); err != nil {
			return err
		}
	}
	return nil
}

// exec runs one command. A non-zero exit is fatal only when strict; a broken
// session always is.
func (b *run) exec(ctx context.Context, cmd, stdin string, strict bool) error {
	shown := b.redact.Command(cmd)
	b.logger.Debug("Executing command", zap.String("command", shown))

	out, err := b.session.Run(ctx, cmd, stdin)

	b.logger.Info("Command executed",
		zap.String("command", shown),
		zap.String("stdout", b.redact.Output(out.Stdout)),
		zap.String("stderr", b.redact.Output(out.Stderr)),
		zap.Int("exit_status", out.ExitStatus),
		zap.Bool("success", err == nil))

	switch {
	case err == nil:
		return nil
	case !errors.Is(err, remote.ErrExitStatus):
		return fault.Wrap(fault.ErrSession, err)
	case strict:
		return fault.Wrap(fault.ErrCommand, fmt.Errorf("%q: %w", shown, err))
	default:
		b.logger.Warn("Command failed, continuing", zap.String("command", shown), zap.Int("exit_status", out.ExitStatus))
		return nil
	}
}

func (b *run) scrub(ctx context.Context) error {
	cmd := ScrubCommand(b.opts.RemoteCredentialsPath, b.opts.ScrubPasses)
	if err := b.exec(ctx, cmd, "", true); err != nil {
		return fault.Wrap(fault.ErrCommand, fmt.Errorf("scrubbing credentials: %w", err))
	}
	return nil
}

// ScrubCommand overwrites path passes times, then zeroes and removes it. A
// missing file is not an error.
func ScrubCommand(path string, passes int) string {
	p := shellquote.Join(remotePath(path))
	return fmt.Sprintf("test ! -e %s || shred -n %d -z -u %s", p, passes, p)
}

// sudo options that take an argument
const sudoArgOptions = "CDghpRrTtUu"

// readsSudoPassword reports whether cmd runs sudo with -S, which reads the
// password from stdin.
func readsSudoPassword(cmd string) bool {
	words, err := shellquote.Split(cmd)
	if err != nil {
		words = strings.Fields(cmd)
	}
	for i, w := range words {
		if w == "sudo" || strings.HasSuffix(w, "/sudo") {
			if sudoStdin(words[i+1:]) {
				return true
			}
		}
	}
	return false
}

// sudoStdin scans sudo's options up to the command it runs.
func sudoStdin(args []string) bool {
	for j := 0; j < len(args); j++ {
		opt := args[j]
		switch {
		case opt == "--stdin":
			return true
		case opt == "--" || !strings.HasPrefix(opt, "-"):
			return false
		case strings.HasPrefix(opt, "--"):
			continue
		}
		for k, c := range opt[1:] {
			if c == 'S' {
				return true
			}
			if strings.ContainsRune(sudoArgOptions, c) {
				// -u postgres takes the next word, -upostgres the rest of this one
				if k == len(opt)-2 {
					j++
				}
				break
			}
		}
	}
	return false
}

// remotePath makes "~/x" relative, since SFTP and quoted shell words are
// already resolved against the login directory.
func remotePath(p string) string {
	return strings.TrimPrefix(p, "~/")
}
