// Package proxydevice implements the host side of a proxied device: it
// spawns a remote device process, carries its PCI
// configuration-space and BAR accesses across the link, and forwards the
// guest memory topology a memsync.Listener has coalesced.
//
// It plays the role of qemu-proxy.c's PCIProxyDev: init_emulation_process,
// pci_proxy_dev_realize, config_op_send, and send_bar_access_msg all map
// onto methods here, re-expressed around Go's process and IPC primitives:
// os/exec instead of fork/execvp, and pipe-backed wait objects instead of
// eventfd reply slots.
package proxydevice

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/oracle/deviceproxy/internal/configspace"
	"github.com/oracle/deviceproxy/internal/link"
	"github.com/oracle/deviceproxy/internal/memsync"
	"github.com/oracle/deviceproxy/internal/protocol"
	"github.com/oracle/deviceproxy/internal/waitobj"
)

// IRQRouter installs the host-side interrupt plumbing (an irqfd/KVM route
// in real QEMU) for one INTx pin. It is a seam, not an implementation:
// wiring an actual KVM vmfd is explicitly out of scope here.
type IRQRouter interface {
	Install(intx int32, intrFD, resampleFD int) error
}

// AuditRecorder receives a record of every config-space and BAR access a
// ProxyDevice sends across its link, for the host's audit trail. SET_IRQFD,
// SYNC_SYSMEM and PROXY_PING are not recorded.
type AuditRecorder interface {
	Record(ctx context.Context, deviceID string, cmd protocol.Command, value uint64)
}

// noopIRQRouter and noopAuditRecorder let ProxyDevice run with no wiring
// at all, the way agent.Agent runs with nil Queue/Transport in tests.
type noopIRQRouter struct{}

func (noopIRQRouter) Install(int32, int, int) error { return nil }

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, string, protocol.Command, uint64) {}

// ProxyDevice is one host-side proxy for a device realized in a remote
// process.
type ProxyDevice struct {
	ID   uuid.UUID
	Name string

	logger *slog.Logger
	link   *link.Link
	cfg    *configspace.Space
	mem    *memsync.Listener
	irq    IRQRouter
	audit  AuditRecorder

	cmd      *exec.Cmd
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	exitedMu sync.Mutex
	exited   bool

	intrFD     int
	resampleFD int
	intx       int32
}

// Option configures a ProxyDevice at Realize time.
type Option func(*ProxyDevice)

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *ProxyDevice) { d.logger = l }
}

// WithIRQRouter wires host-side interrupt installation.
func WithIRQRouter(r IRQRouter) Option {
	return func(d *ProxyDevice) { d.irq = r }
}

// WithAuditRecorder wires the host's audit trail.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(d *ProxyDevice) { d.audit = a }
}

// Realize spawns remotePath as a child process, connects it to a fresh
// proxy link over a socketpair, and returns the host-side ProxyDevice
// handle. remoteArgs are passed to the child ahead of the file-descriptor
// argument, which is always the last argument on the child's command line.
//
// Go cannot fork a multi-threaded runtime the way init_emulation_process's
// fork()+execvp() does; os/exec with ExtraFiles is the idiomatic
// replacement — it hands the remote end of the socketpair to the child as
// fd 3 and starts it directly via exec, with no fork step in between.
func Realize(ctx context.Context, name, remotePath string, remoteArgs []string, opts ...Option) (*ProxyDevice, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("proxydevice: realize %s: socketpair: %w", name, err)
	}
	hostFile := os.NewFile(uintptr(fds[0]), name+"-host")
	remoteFile := os.NewFile(uintptr(fds[1]), name+"-remote")

	cmd := exec.CommandContext(ctx, remotePath, append(append([]string{}, remoteArgs...), "3")...)
	cmd.ExtraFiles = []*os.File{remoteFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		hostFile.Close()
		remoteFile.Close()
		return nil, fmt.Errorf("proxydevice: realize %s: start remote: %w", name, err)
	}
	// The child has its own duplicate of remoteFile's fd now; the parent's
	// copy must close or the pipe/socket never reaches EOF when the child
	// exits.
	remoteFile.Close()

	conn, err := net.FileConn(hostFile)
	hostFile.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("proxydevice: realize %s: wrap host socket: %w", name, err)
	}
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("proxydevice: realize %s: socketpair fd is not a unix socket", name)
	}

	logger := slog.Default()
	d := &ProxyDevice{
		ID:         uuid.New(),
		Name:       name,
		logger:     logger,
		cfg:        configspace.New(),
		mem:        memsync.New(0),
		irq:        noopIRQRouter{},
		audit:      noopAuditRecorder{},
		cmd:        cmd,
		intrFD:     -1,
		resampleFD: -1,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.link = link.New(uconn, link.WithLogger(d.logger))

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(2)
	go d.reapChild()
	go d.runLinkLoop(runCtx)

	// Once the remote is started and the link is up, install the irqfd
	// pair: allocate intr/resample event notifiers and hand the remote its
	// own duplicates via SET_IRQFD. Every device this core proxies is a
	// single-function device, so PCI_INTERRUPT_PIN is always INTA and the
	// routed INTx line is always 0 (see qemu-proxy.c's setup_irqfd, which
	// derives intx as PCI_INTERRUPT_PIN - 1).
	intrFD, resampleFD, err := newEventNotifierPair()
	if err != nil {
		cancel()
		_ = cmd.Process.Kill()
		d.wg.Wait()
		return nil, fmt.Errorf("proxydevice: realize %s: allocate irqfd pair: %w", name, err)
	}
	d.intrFD, d.resampleFD = intrFD, resampleFD
	if err := d.SetIRQFD(0, intrFD, resampleFD); err != nil {
		cancel()
		_ = cmd.Process.Kill()
		d.wg.Wait()
		unix.Close(intrFD)
		unix.Close(resampleFD)
		return nil, fmt.Errorf("proxydevice: realize %s: install irqfd: %w", name, err)
	}

	d.logger.Info("proxy device realized", "device", d.Name, "id", d.ID, "pid", cmd.Process.Pid)
	return d, nil
}

// newEventNotifierPair allocates the intr/resample eventfds a realized
// device's irqfd route is built from.
func newEventNotifierPair() (intrFD, resampleFD int, err error) {
	intrFD, err = unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return -1, -1, fmt.Errorf("intr eventfd: %w", err)
	}
	resampleFD, err = unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(intrFD)
		return -1, -1, fmt.Errorf("resample eventfd: %w", err)
	}
	return intrFD, resampleFD, nil
}

// reapChild waits for the remote process to exit, the Go analogue of the
// original's SA_NOCLDWAIT sigchld handler: nothing here needs the exit
// status, it only needs the kernel to not accumulate a zombie.
func (d *ProxyDevice) reapChild() {
	defer d.wg.Done()
	if err := d.cmd.Wait(); err != nil {
		d.logger.Warn("remote process exited with error", "device", d.Name, "error", err)
	} else {
		d.logger.Info("remote process exited", "device", d.Name)
	}
}

// runLinkLoop drains any unsolicited messages from the remote (none are
// expected in normal operation — replies to requests travel back through
// their own wait object, not this loop) and marks the device dead once the
// link fails.
func (d *ProxyDevice) runLinkLoop(ctx context.Context) {
	defer d.wg.Done()
	err := d.link.Run(ctx, func(msg *protocol.Message) {
		d.logger.Warn("unsolicited message from remote", "device", d.Name, "cmd", msg.Cmd)
		for _, fd := range msg.FDs {
			_ = unix.Close(fd)
		}
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("proxy link failed", "device", d.Name, "error", err)
	}
	d.exitedMu.Lock()
	d.exited = true
	d.exitedMu.Unlock()
}

// Alive reports whether the link to the remote is still believed healthy.
func (d *ProxyDevice) Alive() bool {
	d.exitedMu.Lock()
	defer d.exitedMu.Unlock()
	return !d.exited
}

// sendAndWait sends msg with a fresh wait object attached as its first fd
// and blocks for the reply. It owns the wait object end-to-end: the slot
// fd is handed to the link and closed locally immediately after the send
// succeeds, so the host never holds open a second copy of the pipe's write
// end (which would stop the remote's eventual close from ever producing
// EOF on our side).
func (d *ProxyDevice) sendAndWait(msg *protocol.Message) (uint64, error) {
	w, slot, err := waitobj.New()
	if err != nil {
		return 0, fmt.Errorf("proxydevice: %s: new wait object: %w", msg.Cmd, err)
	}
	defer w.Close()

	msg.FDs = append([]int{slot.FD()}, msg.FDs...)
	if err := d.link.Send(msg); err != nil {
		slot.Close()
		return 0, fmt.Errorf("proxydevice: %s: send: %w", msg.Cmd, err)
	}
	slot.Close()

	val, err := w.Wait()
	if err != nil {
		return 0, fmt.Errorf("proxydevice: %s: wait: %w", msg.Cmd, err)
	}
	return val, nil
}

// ConfigRead forwards a config-space read of length bytes at addr to the
// remote, updates the local mirror with the returned value, and returns
// it.
func (d *ProxyDevice) ConfigRead(ctx context.Context, addr uint32, length int) (uint32, error) {
	payload := protocol.EncodeConfigAccess(protocol.ConfigAccessPayload{Addr: addr, Len: int32(length)})
	val, err := d.sendAndWait(&protocol.Message{Cmd: protocol.CmdConfRead, ByteStream: true, Data2: payload})
	if err != nil {
		return 0, err
	}
	result := uint32(val)
	d.cfg.Write(addr, result, length)
	d.audit.Record(ctx, d.ID.String(), protocol.CmdConfRead, val)
	return result, nil
}

// ConfigWrite updates the local config-space mirror and forwards the write
// to the remote. Config writes are fire-and-forget: they carry no reply
// slot and must not block the caller any longer than a normal PCI config
// write would, the same way config_op_send only attaches a wait object for
// CONF_READ and sends CONF_WRITE with num_fds == 0.
func (d *ProxyDevice) ConfigWrite(ctx context.Context, addr, value uint32, length int) error {
	d.cfg.Write(addr, value, length)
	payload := protocol.EncodeConfigAccess(protocol.ConfigAccessPayload{Addr: addr, Val: value, Len: int32(length)})
	msg := &protocol.Message{Cmd: protocol.CmdConfWrite, ByteStream: true, Data2: payload}
	if err := d.link.Send(msg); err != nil {
		return fmt.Errorf("proxydevice: %s: send conf_write: %w", d.Name, err)
	}
	d.audit.Record(ctx, d.ID.String(), protocol.CmdConfWrite, uint64(value))
	return nil
}

// BarRead forwards an MMIO or PIO read into a proxied BAR and returns the
// value the remote replied. A request the remote drops without replying
// (creation gate still closed, malformed payload, link gone) reads as 0
// rather than as a Go error; a Go error means the send or the wait itself
// failed.
func (d *ProxyDevice) BarRead(ctx context.Context, addr uint64, size uint32, memory bool) (uint64, error) {
	val, err := d.sendAndWait(&protocol.Message{
		Cmd: protocol.CmdBarRead,
		Data1: &protocol.BarAccessPayload{
			Addr: addr, Size: size, Memory: memory,
		},
	})
	if err != nil {
		return 0, err
	}
	d.audit.Record(ctx, d.ID.String(), protocol.CmdBarRead, val)
	return val, nil
}

// BarWrite forwards an MMIO or PIO write into a proxied BAR. Like
// ConfigWrite, this is fire-and-forget: no reply slot is attached, and the
// call returns as soon as the message is on the wire.
func (d *ProxyDevice) BarWrite(ctx context.Context, addr, value uint64, size uint32, memory bool) error {
	msg := &protocol.Message{
		Cmd: protocol.CmdBarWrite,
		Data1: &protocol.BarAccessPayload{
			Addr: addr, Val: value, Size: size, Memory: memory,
		},
	}
	if err := d.link.Send(msg); err != nil {
		return fmt.Errorf("proxydevice: %s: send bar_write: %w", d.Name, err)
	}
	d.audit.Record(ctx, d.ID.String(), protocol.CmdBarWrite, value)
	return nil
}

// SetIRQFD installs the host-side interrupt route via the configured
// IRQRouter and hands the remote duplicates of the same two descriptors so
// it can raise and resample the same INTx line. This is the command that
// opens the remote's creation gate; like config/BAR writes, and unlike
// reads, it does not wait for a reply.
func (d *ProxyDevice) SetIRQFD(intx int32, intrFD, resampleFD int) error {
	if err := d.irq.Install(intx, intrFD, resampleFD); err != nil {
		return fmt.Errorf("proxydevice: %s: install irqfd: %w", d.Name, err)
	}
	msg := &protocol.Message{
		Cmd:   protocol.CmdSetIRQFD,
		Data1: &protocol.SetIRQFDPayload{Intx: intx},
		FDs:   []int{intrFD, resampleFD},
	}
	if err := d.link.Send(msg); err != nil {
		return fmt.Errorf("proxydevice: %s: send set_irqfd: %w", d.Name, err)
	}
	d.intx = intx
	return nil
}

// UpdateIRQRouting re-announces the irqfd pair Realize already allocated
// under a new INTx line, the Go shape of proxy_intx_update: deassign the
// previous route and reassign with the new one, resample flag still set.
// This core has no virtual PCI bus that remaps interrupt routes at
// runtime, so nothing calls this automatically today; it exists so a
// future bus model's route-change notifier has a real primitive to call
// instead of reimplementing SET_IRQFD dispatch.
func (d *ProxyDevice) UpdateIRQRouting(intx int32) error {
	if d.intrFD < 0 || d.resampleFD < 0 {
		return fmt.Errorf("proxydevice: %s: update irq routing: no irqfd pair installed", d.Name)
	}
	return d.SetIRQFD(intx, d.intrFD, d.resampleFD)
}

// MemoryListener returns the memsync.Listener this device uses to track
// guest RAM topology. Callers drive Begin/AddRegion/Commit from the
// machine's memory listener callbacks and pass the committed message to
// SyncSysmem.
func (d *ProxyDevice) MemoryListener() *memsync.Listener {
	return d.mem
}

// SyncSysmem sends the memory-listener's currently committed topology to
// the remote. It does not wait for an acknowledgement: the remote applies
// the new mapping and subsequent BAR/config traffic is simply correct
// against it from then on.
func (d *ProxyDevice) SyncSysmem() error {
	msg, err := d.mem.Commit()
	if err != nil {
		return fmt.Errorf("proxydevice: %s: commit memory topology: %w", d.Name, err)
	}
	if err := d.link.Send(msg); err != nil {
		return fmt.Errorf("proxydevice: %s: send sync_sysmem: %w", d.Name, err)
	}
	return nil
}

// Ping sends a liveness probe and returns the wait object the caller
// should add to a heartbeat broadcast's probe-any race.
func (d *ProxyDevice) Ping() (*waitobj.Waiter, error) {
	w, slot, err := waitobj.New()
	if err != nil {
		return nil, fmt.Errorf("proxydevice: %s: ping: new wait object: %w", d.Name, err)
	}
	msg := &protocol.Message{Cmd: protocol.CmdProxyPing, FDs: []int{slot.FD()}}
	if err := d.link.Send(msg); err != nil {
		slot.Close()
		w.Close()
		return nil, fmt.Errorf("proxydevice: %s: ping: send: %w", d.Name, err)
	}
	slot.Close()
	return w, nil
}

// Close tears the device down: it stops the link loop, closes the link
// (which also unblocks any in-flight sendAndWait on the peer side), and
// waits for the remote process to be reaped.
func (d *ProxyDevice) Close() error {
	d.cancel()
	err := d.link.Close()
	d.wg.Wait()
	if d.intrFD >= 0 {
		_ = unix.Close(d.intrFD)
		d.intrFD = -1
	}
	if d.resampleFD >= 0 {
		_ = unix.Close(d.resampleFD)
		d.resampleFD = -1
	}
	if err != nil {
		return fmt.Errorf("proxydevice: %s: close: %w", d.Name, err)
	}
	return nil
}
