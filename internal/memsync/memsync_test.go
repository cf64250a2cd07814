package memsync_test

import (
	"testing"

	"github.com/oracle/deviceproxy/internal/memsync"
)

const testPageSize = 4096

func TestAddRegionMergesContiguousSameFD(t *testing.T) {
	l := memsync.New(testPageSize)
	l.Begin()
	l.AddRegion(memsync.RegionInput{GPA: 0, HostAddr: 0x10000, Size: testPageSize, FD: 7})
	l.AddRegion(memsync.RegionInput{GPA: testPageSize, HostAddr: 0x10000 + testPageSize, Size: testPageSize, FD: 7})

	regions := l.Regions()
	if len(regions) != 1 {
		t.Fatalf("got %d regions, want 1 merged region", len(regions))
	}
	if regions[0].Size != 2*testPageSize {
		t.Errorf("merged size = %d, want %d", regions[0].Size, 2*testPageSize)
	}
}

func TestAddRegionKeepsSeparateOnDifferentFD(t *testing.T) {
	l := memsync.New(testPageSize)
	l.Begin()
	l.AddRegion(memsync.RegionInput{GPA: 0, HostAddr: 0x10000, Size: testPageSize, FD: 7})
	l.AddRegion(memsync.RegionInput{GPA: testPageSize, HostAddr: 0x10000 + testPageSize, Size: testPageSize, FD: 8})

	regions := l.Regions()
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2 (different backing fds must not merge)", len(regions))
	}
}

func TestAddRegionKeepsSeparateOnNonContiguousHost(t *testing.T) {
	l := memsync.New(testPageSize)
	l.Begin()
	l.AddRegion(memsync.RegionInput{GPA: 0, HostAddr: 0x10000, Size: testPageSize, FD: 7})
	l.AddRegion(memsync.RegionInput{GPA: testPageSize, HostAddr: 0x40000, Size: testPageSize, FD: 7})

	regions := l.Regions()
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2 (non-contiguous host addresses must not merge)", len(regions))
	}
}

func TestAddRegionPageAligns(t *testing.T) {
	l := memsync.New(testPageSize)
	l.Begin()
	l.AddRegion(memsync.RegionInput{GPA: 100, HostAddr: 0x10100, Size: 50, FD: 7})

	regions := l.Regions()
	if len(regions) != 1 {
		t.Fatalf("got %d regions, want 1", len(regions))
	}
	if regions[0].GPA != 0 {
		t.Errorf("GPA = %#x, want 0 (page-aligned down)", regions[0].GPA)
	}
	if regions[0].HostAddr != 0x10000 {
		t.Errorf("HostAddr = %#x, want 0x10000", regions[0].HostAddr)
	}
	if regions[0].Size != testPageSize {
		t.Errorf("Size = %d, want %d (rounded up to a whole page)", regions[0].Size, testPageSize)
	}
}

func TestBeginDropsPriorTopology(t *testing.T) {
	l := memsync.New(testPageSize)
	l.Begin()
	l.AddRegion(memsync.RegionInput{GPA: 0, HostAddr: 0x10000, Size: testPageSize, FD: 7})
	if len(l.Regions()) != 1 {
		t.Fatal("expected one region after first AddRegion")
	}

	l.Begin()
	if len(l.Regions()) != 0 {
		t.Fatalf("Begin did not drop prior topology: got %d regions", len(l.Regions()))
	}
}

func TestAddRegionOutOfOrderPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-order region")
		}
	}()
	l := memsync.New(testPageSize)
	l.Begin()
	l.AddRegion(memsync.RegionInput{GPA: 2 * testPageSize, HostAddr: 0x20000, Size: testPageSize, FD: 7})
	l.AddRegion(memsync.RegionInput{GPA: 0, HostAddr: 0x10000, Size: testPageSize, FD: 7})
}

func TestCommitProducesSyncSysmemMessage(t *testing.T) {
	l := memsync.New(testPageSize)
	l.Begin()
	l.AddRegion(memsync.RegionInput{GPA: 0, HostAddr: 0x10000, Size: testPageSize, FD: 7, FDOffset: 0})
	l.AddRegion(memsync.RegionInput{GPA: 2 * testPageSize, HostAddr: 0x40000, Size: testPageSize, FD: 9, FDOffset: 0x1000})

	msg, err := l.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(msg.FDs) != 2 {
		t.Fatalf("got %d fds, want 2", len(msg.FDs))
	}
	if msg.FDs[0] != 7 || msg.FDs[1] != 9 {
		t.Errorf("FDs = %v, want [7 9]", msg.FDs)
	}
}

func TestCommitRejectsTooManyRegions(t *testing.T) {
	l := memsync.New(testPageSize)
	l.Begin()
	for i := 0; i < 9; i++ {
		l.AddRegion(memsync.RegionInput{
			GPA:      uint64(i) * 2 * testPageSize,
			HostAddr: uint64(i) * 0x100000,
			Size:     testPageSize,
			FD:       100 + i,
		})
	}
	if _, err := l.Commit(); err == nil {
		t.Fatal("expected Commit to reject more regions than the wire limit")
	}
}
