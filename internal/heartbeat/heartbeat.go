// Package heartbeat sends periodic liveness probes to every proxied
// device and stops as soon as any one of them answers, mirroring
// broadcast_msg/remote_ping/start_heartbeat_timer in qemu-proxy.c.
//
// The original's broadcast loop is documented to intend "ping everything,
// then check who answered", but is written so it returns the moment the
// first wait object satisfies — a probe-any race, not a probe-all sweep.
// Whether that asymmetry is a bug or intentional is left unresolved
// upstream; this package preserves the literal behavior rather than
// guessing.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/oracle/deviceproxy/internal/waitobj"
)

// Pingable is anything that can answer a liveness probe. proxydevice.
// ProxyDevice implements it.
type Pingable interface {
	Ping() (*waitobj.Waiter, error)
}

// Target names a Pingable for logging.
type Target struct {
	Name   string
	Device Pingable
}

// Lister supplies the current set of devices to probe. A real host binds
// this to its live proxy device registry; it is polled fresh on every
// broadcast so devices realized or torn down between ticks are picked up
// without restarting the Pinger.
type Lister interface {
	Targets() []Target
}

// Pinger periodically broadcasts a liveness probe across every target
// Lister returns.
type Pinger struct {
	logger   *slog.Logger
	lister   Lister
	interval time.Duration
}

// Option configures a Pinger at construction time.
type Option func(*Pinger)

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pinger) { p.logger = l }
}

// New creates a Pinger that broadcasts every interval.
func New(lister Lister, interval time.Duration, opts ...Option) *Pinger {
	p := &Pinger{
		logger:   slog.Default(),
		lister:   lister,
		interval: interval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run broadcasts on a ticker until ctx is cancelled.
func (p *Pinger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.broadcastOnce(ctx)
		}
	}
}

type pingResult struct {
	name string
	val  uint64
	err  error
}

// broadcastOnce pings every current target and returns as soon as one of
// them reports a non-zero reply — see the package doc for why this is
// probe-any, not probe-all.
func (p *Pinger) broadcastOnce(ctx context.Context) {
	targets := p.lister.Targets()
	if len(targets) == 0 {
		return
	}

	results := make(chan pingResult, len(targets))
	sent := 0
	for _, t := range targets {
		w, err := t.Device.Ping()
		if err != nil {
			p.logger.Warn("heartbeat: ping send failed", "device", t.Name, "error", err)
			continue
		}
		sent++
		go func(name string, w *waitobj.Waiter) {
			defer w.Close()
			val, err := w.Wait()
			results <- pingResult{name: name, val: val, err: err}
		}(t.Name, w)
	}

	for i := 0; i < sent; i++ {
		select {
		case res := <-results:
			if res.err != nil {
				p.logger.Warn("heartbeat: wait failed", "device", res.name, "error", res.err)
				continue
			}
			if res.val == 0 {
				p.logger.Warn("heartbeat: device did not answer (link gone)", "device", res.name)
				continue
			}
			p.logger.Debug("heartbeat: probe satisfied, ending broadcast", "device", res.name)
			return
		case <-ctx.Done():
			return
		}
	}
}
