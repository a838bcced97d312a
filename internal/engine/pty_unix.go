//go:build unix

package engine

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/gsh-mux/gsh/internal/keyring"
)

// transportCommand evaluates the transport command template (a format
// string with a single "{host}" substitution) against host. If the
// substitution is not present in the template the host is appended.
func transportCommand(template, host string) string {
	if strings.Contains(template, "{host}") {
		return strings.ReplaceAll(template, "{host}", host)
	}
	return template + " " + host
}

// spawnTransport creates a pseudo-terminal pair, forks the transport
// child through /bin/sh -c, and returns the parent's wrapped controller
// endpoint, via creack/pty's combined fork+exec helper.
func spawnTransport(template, host string, hidePassword bool) (*exec.Cmd, *Endpoint, error) {
	shellCmd := transportCommand(template, host)
	cmd := exec.Command("/bin/sh", "-c", shellCmd)
	cmd.Env = os.Environ()

	if hidePassword {
		if err := keyring.ConfigureAskpass(cmd, host); err != nil {
			return nil, nil, fmt.Errorf("engine: configure askpass for %q: %w", host, err)
		}
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: spawn transport for %q: %w", host, err)
	}

	if err := disableEchoAndONLCR(ptmx); err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		return nil, nil, fmt.Errorf("engine: configure controller tty for %q: %w", host, err)
	}

	return cmd, NewEndpointFile(ptmx), nil
}

// disableEchoAndONLCR turns off ECHO (input echo) and ONLCR (NL-to-CRNL
// output translation) on the controller side of the pty, so the engine
// sees raw "\n" line endings with no local echo of what it writes.
func disableEchoAndONLCR(f *os.File) error {
	fd := int(f.Fd())
	termios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return err
	}
	termios.Lflag &^= unix.ECHO
	termios.Oflag &^= unix.ONLCR
	return unix.IoctlSetTermios(fd, ioctlSetTermios, termios)
}
