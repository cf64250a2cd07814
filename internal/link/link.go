// Package link wraps a connected AF_UNIX stream socket into the proxy
// link abstraction a host proxy device and its remote share: a
// serialized, typed Send and a read loop that decodes incoming frames and
// dispatches them to a handler, rather than exposing a separately
// invokable "receive one frame" call the way the original state-machine
// design did.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oracle/deviceproxy/internal/protocol"
)

// Handler processes one received message. It is called synchronously from
// the Link's read loop; a Handler that blocks stalls further receives on
// this link.
type Handler func(*protocol.Message)

// Link is a single point-to-point connection between a host proxy device
// and its remote. A Link does not reconnect: once its read loop observes a
// transport error, the Link is dead and the owner is expected to tear down
// whatever it represents (see the device realize/exit lifecycle in package
// proxydevice).
type Link struct {
	conn   *net.UnixConn
	log    *slog.Logger
	sendMu sync.Mutex

	closeOnce sync.Once
}

// Option configures a Link at construction time.
type Option func(*Link)

// WithLogger attaches a structured logger; the default discards logs.
func WithLogger(log *slog.Logger) Option {
	return func(l *Link) { l.log = log }
}

// New wraps conn as a Link.
func New(conn *net.UnixConn, opts ...Option) *Link {
	l := &Link{conn: conn, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Send encodes and writes msg. Sends are serialized: only one goroutine's
// frame is ever in flight on the wire at a time, so a SYNC_SYSMEM header
// can never be interleaved with another message's bytes.
//
// A transient EAGAIN from a full kernel socket buffer is retried with a
// short bounded exponential backoff; any other error is treated as fatal
// to the link.
func (l *Link) Send(msg *protocol.Message) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = time.Second

	op := func() error {
		err := protocol.WriteMessage(l.conn, msg)
		if err == nil {
			return nil
		}
		if isTransientEAGAIN(err) {
			l.log.Warn("link: transient EAGAIN on send, retrying", "cmd", msg.Cmd)
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("link: send %s: %w", msg.Cmd, unwrapPermanent(err))
	}
	return nil
}

// Run reads frames until ctx is cancelled or the link fails, calling
// handle for each one. It returns the error that ended the loop: ctx.Err()
// on cancellation, or the transport error that killed the link.
func (l *Link) Run(ctx context.Context, handle Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.conn.Close()
		case <-stop:
		}
	}()

	for {
		msg, err := protocol.ReadMessage(l.conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("link: read failed, link is dead", "error", err)
			return fmt.Errorf("link: run: %w", err)
		}
		handle(msg)
	}
}

// Close shuts the underlying connection down. Safe to call more than once
// and concurrently with Run/Send, both of which will observe the resulting
// transport error.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.conn.Close() })
	return err
}

func isTransientEAGAIN(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// unwrapPermanent strips the backoff.PermanentError wrapper backoff.Retry
// leaves behind so callers see the original transport error.
func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
