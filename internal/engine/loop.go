//go:build unix

package engine

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// PollSource is the minimal surface the event loop drives: a descriptor,
// readiness predicates, and the two non-blocking handlers. Dispatcher
// satisfies it directly.
type PollSource interface {
	Fd() int
	Readable() bool
	Writable() bool
	HandleRead() error
	HandleWrite() error
}

// ErrExit is the sentinel a PollSource handler returns to unwind the loop
// cleanly: Step stops dispatching and returns it to its caller.
var ErrExit = errors.New("engine: exit requested")

// Loop is C5: a single-threaded readiness loop built on an O(1)-per-fd
// poll primitive (golang.org/x/sys/unix.Poll), not O(n) scanning, so that
// a session with hundreds of remote shells stays cheap to drive.
type Loop struct {
	iterations int
	totalReads int
}

// NewLoop builds an idle loop.
func NewLoop() *Loop { return &Loop{} }

// Iterations is the number of Step calls that performed at least one
// poll syscall.
func (l *Loop) Iterations() int { return l.iterations }

// TotalReads is the process-wide handle-read counter across the loop's
// lifetime.
func (l *Loop) TotalReads() int { return l.totalReads }

// Step performs one readiness poll over sources and dispatches at most
// one read and one write per ready descriptor, returning the number of
// HandleRead invocations it performed. Sources with Fd() < 0 (buffer-only
// test doubles) and sources wanting neither read nor write are skipped.
// A handler returning ErrExit ends the step at once with that error; any
// other handler error is left to the source itself.
func (l *Loop) Step(timeout time.Duration, sources []PollSource) (int, error) {
	pfds := make([]unix.PollFd, 0, len(sources))
	owners := make([]PollSource, 0, len(sources))

	for _, s := range sources {
		fd := s.Fd()
		if fd < 0 {
			continue
		}
		var events int16
		if s.Readable() {
			events |= unix.POLLIN
		}
		if s.Writable() {
			events |= unix.POLLOUT
		}
		if events == 0 {
			continue
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
		owners = append(owners, s)
	}

	if len(pfds) == 0 {
		time.Sleep(timeout)
		return 0, nil
	}

	n, err := unix.Poll(pfds, int(timeout.Milliseconds()))
	l.iterations++
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("engine: poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	reads := 0
	for i, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		s := owners[i]
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			err := s.HandleRead()
			reads++
			if errors.Is(err, ErrExit) {
				l.totalReads += reads
				return reads, err
			}
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			if err := s.HandleWrite(); errors.Is(err, ErrExit) {
				l.totalReads += reads
				return reads, err
			}
		}
	}
	l.totalReads += reads
	return reads, nil
}
