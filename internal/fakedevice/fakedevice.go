// Package fakedevice is a minimal in-memory device model for the remote
// process. Real device emulation (BAR semantics, interrupt timing, backing
// storage) is out of scope; this package gives remotedispatch.Dispatcher
// something concrete to drive for development and testing, the way a real
// remote would wire in an actual QEMU device model.
package fakedevice

import (
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/oracle/deviceproxy/internal/protocol"
)

// BAR is one memory- or I/O-mapped address region, modeled as a flat byte
// buffer addressed relative to its own base.
type BAR struct {
	mu   sync.Mutex
	data []byte
}

// NewBAR allocates a BAR of the given size.
func NewBAR(size uint64) *BAR {
	return &BAR{data: make([]byte, size)}
}

func (b *BAR) read(addr uint64, size uint32) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var v uint64
	for i := uint32(0); i < size; i++ {
		idx := addr + uint64(i)
		if idx >= uint64(len(b.data)) {
			break
		}
		v |= uint64(b.data[idx]) << (8 * i)
	}
	return v
}

func (b *BAR) write(addr uint64, val uint64, size uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := uint32(0); i < size; i++ {
		idx := addr + uint64(i)
		if idx >= uint64(len(b.data)) {
			break
		}
		b.data[idx] = byte(val >> (8 * i))
	}
}

// Device is a reference device model: a map of BARs keyed by base address
// plus hotplug bookkeeping, enough to exercise the BAR and hotplug
// commands remotedispatch.Dispatcher forwards.
type Device struct {
	logger *slog.Logger
	mu     sync.Mutex
	bars   map[uint64]*BAR // keyed by base address
	drives map[string]bool
}

// New creates an empty reference device with no BARs mapped.
func New(logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		logger: logger,
		bars:   make(map[uint64]*BAR),
		drives: make(map[string]bool),
	}
}

// MapBAR registers a BAR at base, creating it with the given size if it
// doesn't already exist.
func (d *Device) MapBAR(base, size uint64) *BAR {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.bars[base]; ok {
		return b
	}
	b := NewBAR(size)
	d.bars[base] = b
	return b
}

func (d *Device) barFor(addr uint64) (*BAR, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best uint64
	var bestBAR *BAR
	found := false
	for base, b := range d.bars {
		if addr >= base && (!found || base > best) {
			best, bestBAR, found = base, b, true
		}
	}
	if !found {
		return nil, 0
	}
	return bestBAR, best
}

// BarRead implements remotedispatch.AddressSpace. memory is accepted for
// signature compatibility; this model makes no MMIO/PIO distinction.
func (d *Device) BarRead(addr uint64, size uint32, memory bool) uint64 {
	bar, base := d.barFor(addr)
	if bar == nil {
		d.logger.Warn("fakedevice: bar read to unmapped address", "addr", addr)
		return 0
	}
	return bar.read(addr-base, size)
}

// BarWrite implements remotedispatch.AddressSpace.
func (d *Device) BarWrite(addr, val uint64, size uint32, memory bool) {
	bar, base := d.barFor(addr)
	if bar == nil {
		d.logger.Warn("fakedevice: bar write to unmapped address", "addr", addr)
		return
	}
	bar.write(addr-base, val, size)
}

// DeviceAdd implements remotedispatch.DeviceController. The reference model
// only logs; it has no device catalog to instantiate against.
func (d *Device) DeviceAdd(opts map[string]string) error {
	d.logger.Info("fakedevice: device_add", "opts", opts)
	return nil
}

// DeviceDel implements remotedispatch.DeviceController.
func (d *Device) DeviceDel(opts map[string]string) error {
	d.logger.Info("fakedevice: device_del", "opts", opts)
	return nil
}

// DriveAdd implements remotedispatch.DeviceController for callers that
// don't need driveregistry.Registry's SQLite persistence.
func (d *Device) DriveAdd(opts map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drives[opts["id"]] = true
	return nil
}

// DriveDel implements remotedispatch.DeviceController.
func (d *Device) DriveDel(opts map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.drives, opts["id"])
	return nil
}

// BlockResize implements remotedispatch.DeviceController.
func (d *Device) BlockResize(opts map[string]string) error {
	d.logger.Info("fakedevice: block_resize", "opts", opts)
	return nil
}

// IRQLine tracks the irqfd/resamplefd pair installed for one INTx line, as
// handed to the remote via SET_IRQFD.
type IRQLine struct {
	Intx       int32
	IntrFD     int
	ResampleFD int
}

// IRQTable implements remotedispatch.IRQInstaller and
// proxydevice.IRQRouter: it just records the fds it is given rather than
// wiring them into KVM, which is explicitly out of scope.
type IRQTable struct {
	mu    sync.Mutex
	lines map[int32]IRQLine
}

// NewIRQTable creates an empty IRQTable.
func NewIRQTable() *IRQTable {
	return &IRQTable{lines: make(map[int32]IRQLine)}
}

// SetIRQFD implements remotedispatch.IRQInstaller.
func (t *IRQTable) SetIRQFD(intx int32, intrFD, resampleFD int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines[intx] = IRQLine{Intx: intx, IntrFD: intrFD, ResampleFD: resampleFD}
	return nil
}

// Install implements proxydevice.IRQRouter, the host-side counterpart.
func (t *IRQTable) Install(intx int32, intrFD, resampleFD int) error {
	return t.SetIRQFD(intx, intrFD, resampleFD)
}

// Fire raises the interrupt line registered for intx by writing to its
// eventfd, the same mechanism a real device model uses to signal KVM.
func (t *IRQTable) Fire(intx int32) error {
	t.mu.Lock()
	line, ok := t.lines[intx]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	buf := make([]byte, 8)
	buf[0] = 1
	_, err := unix.Write(line.IntrFD, buf)
	return err
}

// MemoryRegion is one guest memory region applied via SYNC_SYSMEM, as
// tracked by the remote. Its backing fd is already closed by the time it
// appears here — only the geometry is kept.
type MemoryRegion struct {
	GPA      uint64
	HostAddr uint64
	Size     uint64
}

// MemoryMap implements remotedispatch.MemorySyncApplier by recording the
// regions a SYNC_SYSMEM message described, closing the fds it receives once
// it no longer needs the live descriptor (a real implementation would mmap
// them into the device's DMA view).
type MemoryMap struct {
	logger  *slog.Logger
	mu      sync.Mutex
	regions []MemoryRegion
}

// NewMemoryMap creates an empty MemoryMap.
func NewMemoryMap(logger *slog.Logger) *MemoryMap {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryMap{logger: logger}
}

// ApplySysmem implements remotedispatch.MemorySyncApplier. It records the
// region metadata and closes every fd it receives: a real device model
// would mmap them into its DMA view instead, but that is out of scope here.
func (m *MemoryMap) ApplySysmem(payload *protocol.SyncSysmemPayload, fds []int) error {
	m.mu.Lock()
	m.regions = m.regions[:0]
	for i := range fds {
		m.regions = append(m.regions, MemoryRegion{
			GPA:      payload.GPA[i],
			HostAddr: payload.Offset[i],
			Size:     payload.Size[i],
		})
	}
	m.mu.Unlock()

	m.logger.Debug("fakedevice: sync_sysmem applied", "regions", len(fds))
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
	return nil
}

// Regions returns a snapshot of the currently applied memory topology.
func (m *MemoryMap) Regions() []MemoryRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryRegion, len(m.regions))
	copy(out, m.regions)
	return out
}
