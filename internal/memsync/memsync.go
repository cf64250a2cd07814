// Package memsync tracks the guest-RAM sections a proxy device has been
// told about and coalesces them into the minimal set of page-aligned,
// contiguous regions the SYNC_SYSMEM message can carry to a remote.
//
// It mirrors the region bookkeeping QEMU's memory listener callbacks
// perform in hw/proxy/memory-sync.c: Begin drops whatever topology was
// committed before, AddRegion folds one new section in (merging with the
// previous region when it is backed by the same descriptor and
// contiguous in host address space), and Commit packages the final list
// into a SYNC_SYSMEM payload.
package memsync

import (
	"fmt"
	"os"

	"github.com/oracle/deviceproxy/internal/protocol"
)

// Region is one page-aligned span of guest-physical memory backed by a
// file descriptor, after any merging AddRegion has performed.
type Region struct {
	GPA      uint64
	HostAddr uint64
	Size     uint64
	FD       int
	FDOffset uint64
}

// RegionInput describes a memory region section as reported by the
// caller, before page alignment.
type RegionInput struct {
	GPA      uint64
	HostAddr uint64
	Size     uint64
	FD       int
	FDOffset uint64
}

// Listener accumulates the region topology for a single proxy device. It
// is not safe for concurrent use; callers serialize Begin/AddRegion/Commit
// the same way QEMU's memory listener callbacks are serialized by the BQL.
type Listener struct {
	regions  []Region
	pageSize uint64
}

// New creates an empty Listener. pageSize overrides the host page size
// used for alignment; pass 0 to use os.Getpagesize().
func New(pageSize int) *Listener {
	ps := pageSize
	if ps <= 0 {
		ps = os.Getpagesize()
	}
	return &Listener{pageSize: uint64(ps)}
}

// Begin drops any previously committed topology. Called at the start of a
// new memory transaction, before the region-add callbacks for that
// transaction arrive.
func (l *Listener) Begin() {
	l.regions = l.regions[:0]
}

// Regions returns the coalesced region list built so far. The slice is
// owned by the Listener and must not be modified by the caller.
func (l *Listener) Regions() []Region {
	return l.regions
}

func (l *Listener) alignMask() uint64 {
	return l.pageSize - 1
}

// AddRegion folds in one new section, first aligning it to page
// boundaries: gpa and host_addr are each aligned down to a page boundary,
// fd_offset moves back by the same amount as host_addr, size grows by the
// amount gpa moved back, and size is then rounded up to a whole number of
// pages.
//
// If the aligned region can merge with the last one added (same fd,
// contiguous host address range), it extends that region's size instead of
// appending. Sections must arrive in non-decreasing GPA order; an
// out-of-order AddRegion is a caller bug and panics rather than silently
// corrupting the topology, mirroring the hard assert in the original
// listener.
func (l *Listener) AddRegion(in RegionInput) {
	mask := l.alignMask()
	delta := in.GPA & mask
	gpa := in.GPA - delta
	hostDelta := in.HostAddr & mask
	host := in.HostAddr - hostDelta
	fdOffset := in.FDOffset - hostDelta
	size := pageAlign(in.Size+delta, l.pageSize)

	if n := len(l.regions); n > 0 {
		prev := &l.regions[n-1]
		if gpa < prev.GPA {
			panic(fmt.Sprintf("memsync: region added out of order: gpa %#x precedes previous region's gpa %#x", gpa, prev.GPA))
		}
		if canMerge(*prev, in.FD, host) {
			prev.Size += size
			return
		}
	}

	l.regions = append(l.regions, Region{
		GPA:      gpa,
		HostAddr: host,
		Size:     size,
		FD:       in.FD,
		FDOffset: fdOffset,
	})
}

func canMerge(prev Region, fd int, host uint64) bool {
	return prev.FD == fd && prev.HostAddr+prev.Size == host
}

func pageAlign(size, pageSize uint64) uint64 {
	mask := pageSize - 1
	return (size + mask) &^ mask
}

// Commit packages the coalesced topology into a SYNC_SYSMEM message. It
// fails if more regions are held than the wire format's MaxFDs slots can
// carry; callers that expect a large, fragmented guest memory layout
// should keep regions minimal by committing incrementally instead of
// accumulating unboundedly.
func (l *Listener) Commit() (*protocol.Message, error) {
	if len(l.regions) > protocol.MaxFDs {
		return nil, fmt.Errorf("memsync: commit: %d regions exceeds wire limit of %d", len(l.regions), protocol.MaxFDs)
	}

	payload := &protocol.SyncSysmemPayload{}
	fds := make([]int, len(l.regions))
	for i, r := range l.regions {
		payload.GPA[i] = r.GPA
		payload.Size[i] = r.Size
		payload.Offset[i] = r.FDOffset
		fds[i] = r.FD
	}

	return &protocol.Message{
		Cmd:   protocol.CmdSyncSysmem,
		Data1: payload,
		FDs:   fds,
	}, nil
}
