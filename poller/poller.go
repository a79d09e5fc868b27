// Package poller multiplexes readiness over the two sockets of a run: the
// control socket (always read) and the data socket (read or write,
// depending on direction). Each registration carries a caller-chosen tag
// and dispatch is by that identity, never by interface.
package poller

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Errors generated by poller functions.
var (
	ErrNoSyscallConn = errors.New("socket does not expose a file descriptor")
)

// Direction selects the readiness condition a socket is registered for.
type Direction int

const (
	// Read readiness: at least one byte (or one datagram) can be received.
	Read Direction = iota
	// Write readiness: a send would not block.
	Write
)

type entry struct {
	tag    int
	fd     int
	events int16
}

// Poller is a small fixed poll set. It is not threadsafe; the event loop
// owns it.
type Poller struct {
	entries []entry
}

// New returns an empty poll set.
func New() *Poller {
	return &Poller{}
}

// FD extracts the file descriptor from a socket. The descriptor is only
// used for readiness queries while the owning conn stays open.
func FD(c syscall.Conn) (int, error) {
	if c == nil {
		return 0, ErrNoSyscallConn
	}
	rc, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	fd := -1
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return 0, err
	}
	return fd, nil
}

// Register adds a socket to the poll set under the given tag.
func (p *Poller) Register(c syscall.Conn, tag int, d Direction) error {
	fd, err := FD(c)
	if err != nil {
		return err
	}
	ev := int16(unix.POLLIN)
	if d == Write {
		ev = int16(unix.POLLOUT)
	}
	p.entries = append(p.entries, entry{tag: tag, fd: fd, events: ev})
	return nil
}

// Unregister removes every registration carrying the given tag.
func (p *Poller) Unregister(tag int) {
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.tag != tag {
			kept = append(kept, e)
		}
	}
	p.entries = kept
}

// Poll blocks until at least one registered socket is ready or the
// timeout expires, and returns the tags of the ready sockets. A negative
// timeout blocks indefinitely; a nil result means the timeout elapsed.
// Error and hangup conditions are reported as readiness so the owning
// read or write surfaces them.
func (p *Poller) Poll(timeoutMs int) ([]int, error) {
	fds := make([]unix.PollFd, len(p.entries))
	for i, e := range p.entries {
		fds[i] = unix.PollFd{Fd: int32(e.fd), Events: e.events}
	}
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		break
	}
	var ready []int
	for i := range fds {
		if fds[i].Revents != 0 {
			ready = append(ready, p.entries[i].tag)
		}
	}
	return ready, nil
}
