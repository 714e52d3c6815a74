// Package remote builds the argument vectors used to run commands through
// the system ssh client.
//
// Commands are executed without a local shell. The one place a string is
// still parsed by a shell is the remote side of ssh, which joins its
// arguments and hands them to the login shell; every value placed there
// goes through Quote.
package remote

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/hegde-atri/ironsight/internal/types"
)

// TargetPlaceholder is replaced with the scan target in command templates.
const TargetPlaceholder = "{target}"

// ErrBadTarget is returned for ssh destinations that could be read as
// options or split into several arguments.
var ErrBadTarget = errors.New("invalid ssh target")

// Quote makes s safe to embed as one word in a POSIX shell command line.
//
// Strings made only of letters, digits and the characters @%+=:,./-_ are
// returned unchanged. The empty string becomes ''. Anything else is wrapped
// in single quotes, and each embedded single quote is written as '"'"'
// (close quote, double-quoted quote, reopen quote). No other character is
// special inside single quotes, so this is the only escape needed.
func Quote(s string) string {
	return shellescape.Quote(s)
}

// Expand substitutes target for every {target} placeholder in template.
func Expand(template, target string) string {
	return strings.ReplaceAll(template, TargetPlaceholder, target)
}

// CheckTarget validates an ssh destination such as "user@host" or a
// Host alias from ~/.ssh/config.
func CheckTarget(target string) error {
	switch {
	case strings.TrimSpace(target) == "":
		return fmt.Errorf("%w: empty", ErrBadTarget)
	case strings.HasPrefix(target, "-"):
		return fmt.Errorf("%w: %q starts with '-'", ErrBadTarget, target)
	case strings.ContainsAny(target, " \t\r\n"):
		return fmt.Errorf("%w: %q contains whitespace", ErrBadTarget, target)
	}
	return nil
}

// SSH holds the client settings shared by every ssh invocation.
type SSH struct {
	// Binary defaults to "ssh".
	Binary string
	// Options are passed before the destination, e.g. ["-o", "BatchMode=yes"].
	Options []string
	// AliveInterval is the ServerAliveInterval for tunnels, in seconds.
	// Zero means 60.
	AliveInterval int
}

func (s SSH) binary() string {
	if s.Binary == "" {
		return "ssh"
	}
	return s.Binary
}

func (s SSH) base() []string {
	argv := []string{s.binary()}
	return append(argv, s.Options...)
}

// ScanArgs runs template under a login shell on the remote host:
// ssh <target> sh -lc '<command>'. The scan target is quoted as one word
// before it replaces {target}, then the whole command is quoted again for
// the remote login shell.
func (s SSH) ScanArgs(sshTarget, template, scanTarget string) []string {
	remoteCmd := Expand(template, Quote(scanTarget))
	return append(s.base(), sshTarget, "sh", "-lc", Quote(remoteCmd))
}

// CatArgs prints one remote file: ssh <target> cat '<path>'.
func (s SSH) CatArgs(sshTarget, remotePath string) []string {
	return append(s.base(), sshTarget, "cat", Quote(remotePath))
}

// TunnelArgs opens a pure forwarding session for spec: no remote shell,
// exit if the forward cannot be set up, periodic keepalives. The
// destination follows "--" so ssh never parses it as an option.
func (s SSH) TunnelArgs(spec types.TunnelSpec) []string {
	interval := s.AliveInterval
	if interval <= 0 {
		interval = 60
	}
	argv := s.base()
	argv = append(argv,
		"-N",
		"-L", spec.Forward(),
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval="+strconv.Itoa(interval),
		"--", spec.Key().String(),
	)
	return argv
}

// LocalShellArgs runs a command line under the local POSIX shell.
func LocalShellArgs(commandLine string) []string {
	return []string{"sh", "-c", commandLine}
}
