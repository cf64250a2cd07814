// Package waitobj implements the one-shot wait/reply primitive a link uses
// to turn an asynchronous command into a synchronous call: the sender
// blocks on a Waiter while the receiver, once done, writes a single value
// through the matching ReplySlot.
//
// The pair is backed by a pipe rather than an eventfd. An eventfd has no
// way to signal "the peer is gone" short of a nonzero write — its read
// blocks forever on a zero counter, so a waiter on a dead remote never
// wakes. A pipe's write end, once every duplicate of it is closed, makes
// the read return io.EOF, which Wait reports as the (0, nil) "link is
// gone" case. A legitimate reply of 0 reads the same way.
package waitobj

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Waiter is the read side of a wait object. It is held by the process that
// issued a request and is blocked awaiting its outcome.
type Waiter struct {
	r *os.File
}

// ReplySlot is the write side of a wait object. It travels to the peer as
// an out-of-band file descriptor (protocol.Message.FDs) and is used
// exactly once to deliver the outcome of the request that created it.
type ReplySlot struct {
	w *os.File
}

// New creates a connected Waiter/ReplySlot pair.
func New() (*Waiter, *ReplySlot, error) {
	fds, err := unix.Pipe2(unix.O_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("waitobj: new: %w", err)
	}
	r := os.NewFile(uintptr(fds[0]), "waitobj-read")
	w := os.NewFile(uintptr(fds[1]), "waitobj-write")
	return &Waiter{r: r}, &ReplySlot{w: w}, nil
}

// FromReadFD wraps an already-open read-end descriptor as a Waiter. Used
// when a Waiter's fd has crossed a process boundary (it never does in the
// current design, since Waiters stay with the requester, but the
// constructor exists for symmetry and for tests that exercise the pipe
// directly).
func FromReadFD(fd int) *Waiter {
	return &Waiter{r: os.NewFile(uintptr(fd), "waitobj-read")}
}

// FromWriteFD wraps a received write-end descriptor as a ReplySlot. This is
// how a remote reconstructs the slot it received in a message's FDs.
func FromWriteFD(fd int) *ReplySlot {
	return &ReplySlot{w: os.NewFile(uintptr(fd), "waitobj-write")}
}

// FD returns the underlying read-end descriptor, valid until Close.
func (w *Waiter) FD() int {
	return int(w.r.Fd())
}

// FD returns the underlying write-end descriptor, valid until Close or
// Reply.
func (r *ReplySlot) FD() int {
	return int(r.w.Fd())
}

// Wait blocks until the matching ReplySlot replies or is dropped. A real
// reply yields the value the peer sent. A ReplySlot closed without a reply
// (the peer process died, or the link it rode in on was torn down) yields
// (0, nil), the same result as a legitimate reply of 0.
func (w *Waiter) Wait() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(w.r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("waitobj: wait: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close releases the read end without waiting. Safe to call after Wait has
// already returned.
func (w *Waiter) Close() error {
	return w.r.Close()
}

// Reply delivers val to the blocked Waiter and consumes the slot: a
// ReplySlot may be used exactly once.
func (r *ReplySlot) Reply(val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	_, werr := r.w.Write(buf[:])
	cerr := r.w.Close()
	if werr != nil {
		return fmt.Errorf("waitobj: reply: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("waitobj: reply: close: %w", cerr)
	}
	return nil
}

// Close drops the slot without replying, causing the peer's Wait to
// observe (0, nil).
func (r *ReplySlot) Close() error {
	return r.w.Close()
}
