//go:build !windows

// Package runner abstracts external command execution over the two
// execution contexts a backup can touch: the local machine and a remote
// host reached over ssh. Commands are always structured argument lists;
// the only place a shell string is ever assembled is the ssh boundary,
// where Join quotes each argument.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wshanks/wsbackup/pkg/plog"
)

// Runner executes a command and reports its outcome. Run streams the
// command's output to the process streams; Output captures stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Local executes commands directly on this machine.
type Local struct{}

// Statically assert that Local implements the Runner interface.
var _ Runner = Local{}

// Run executes the command, streaming its output.
func (Local) Run(ctx context.Context, name string, args ...string) error {
	cmd := newCommand(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	plog.Debug("Executing command", "command", name, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("command %s failed: %w", name, err)
	}
	return nil
}

// Output executes the command and returns its captured stdout.
func (Local) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := newCommand(ctx, name, args...)
	cmd.Stderr = os.Stderr
	plog.Debug("Executing command", "command", name, "args", strings.Join(args, " "))
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("command %s failed: %w", name, err)
	}
	return out, nil
}

// Remote executes commands on Host via ssh in batch mode. The remote side
// receives a single command string, assembled with Join so every argument
// is quoted exactly once.
type Remote struct {
	Host string
}

// Statically assert that Remote implements the Runner interface.
var _ Runner = Remote{}

// sshExitCode is the exit code ssh itself uses for connection and
// protocol failures, as opposed to codes passed through from the remote
// command.
const sshExitCode = 255

// Run executes the command on the remote host.
func (r Remote) Run(ctx context.Context, name string, args ...string) error {
	remote := Join(append([]string{name}, args...)...)
	return Local{}.Run(ctx, "ssh", "-o", "BatchMode=yes", r.Host, remote)
}

// Output executes the command on the remote host and returns its stdout.
func (r Remote) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	remote := Join(append([]string{name}, args...)...)
	return Local{}.Output(ctx, "ssh", "-o", "BatchMode=yes", r.Host, remote)
}

// CheckConnection probes the remote host with a no-op command. This is the
// only external call with a caller-imposed timeout; everything after it
// blocks until completion.
func (r Remote) CheckConnection(ctx context.Context, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	err := Local{}.Run(ctx, "ssh", "-q",
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout %d", seconds),
		r.Host, "exit")
	if err != nil {
		return fmt.Errorf("ssh connection to %s failed: %w", r.Host, err)
	}
	return nil
}

// ExitCode extracts the command's exit status from an error returned by a
// Runner. It returns -1 when the error does not carry one (the command
// never ran, or the context was canceled).
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// IsRemoteFailure reports whether an error from a Remote command was an
// ssh transport failure rather than a non-zero exit of the remote command.
func IsRemoteFailure(err error) bool {
	return ExitCode(err) == sshExitCode
}

// Join assembles a shell command line from arguments, single-quoting each
// one. Used solely at the ssh boundary.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = quote(arg)
	}
	return strings.Join(quoted, " ")
}

// quote single-quotes s for POSIX shells, leaving simple words untouched.
func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'`$\\&|;<>()*?[]#~%{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// newCommand builds an exec.Cmd that leads its own process group, so a
// canceled context can terminate the whole child tree.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
