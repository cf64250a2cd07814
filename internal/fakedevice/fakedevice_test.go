package fakedevice_test

import (
	"os"
	"testing"

	"github.com/oracle/deviceproxy/internal/fakedevice"
	"github.com/oracle/deviceproxy/internal/protocol"
)

func TestBarReadWriteRoundTrip(t *testing.T) {
	d := fakedevice.New(nil)
	d.MapBAR(0x1000, 64)

	d.BarWrite(0x1004, 0xdeadbeef, 4, true)
	got := d.BarRead(0x1004, 4, true)
	if got != 0xdeadbeef {
		t.Fatalf("got %#x, want 0xdeadbeef", got)
	}
}

func TestBarReadUnmappedAddressReturnsZero(t *testing.T) {
	d := fakedevice.New(nil)
	if got := d.BarRead(0x9999, 4, true); got != 0 {
		t.Fatalf("got %#x, want 0", got)
	}
}

func TestBarWriteUnmappedAddressIsNoop(t *testing.T) {
	d := fakedevice.New(nil)
	d.BarWrite(0x9999, 1, 4, true) // must not panic
}

func TestDriveAddDelLifecycle(t *testing.T) {
	d := fakedevice.New(nil)
	if err := d.DriveAdd(map[string]string{"id": "drive0"}); err != nil {
		t.Fatalf("DriveAdd: %v", err)
	}
	if err := d.DriveDel(map[string]string{"id": "drive0"}); err != nil {
		t.Fatalf("DriveDel: %v", err)
	}
}

func TestIRQTableFireWritesEventfd(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	table := fakedevice.NewIRQTable()
	if err := table.SetIRQFD(0, int(w.Fd()), -1); err != nil {
		t.Fatalf("SetIRQFD: %v", err)
	}

	if err := table.Fire(0); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	buf := make([]byte, 8)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 8 {
		t.Fatalf("got %d bytes, want 8", n)
	}
}

func TestIRQTableFireUnknownLineIsNoop(t *testing.T) {
	table := fakedevice.NewIRQTable()
	if err := table.Fire(99); err != nil {
		t.Fatalf("Fire on unknown line: %v", err)
	}
}

func TestMemoryMapApplySysmemRecordsRegionsAndClosesFDs(t *testing.T) {
	r1, w1, _ := os.Pipe()
	r2, w2, _ := os.Pipe()
	defer r1.Close()
	defer r2.Close()

	mm := fakedevice.NewMemoryMap(nil)
	payload := &protocol.SyncSysmemPayload{
		GPA:    [protocol.MaxFDs]uint64{0x1000, 0x3000},
		Size:   [protocol.MaxFDs]uint64{0x1000, 0x2000},
		Offset: [protocol.MaxFDs]uint64{0, 0x1000},
	}
	fds := []int{int(w1.Fd()), int(w2.Fd())}

	if err := mm.ApplySysmem(payload, fds); err != nil {
		t.Fatalf("ApplySysmem: %v", err)
	}

	regions := mm.Regions()
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}
	if regions[0].GPA != 0x1000 || regions[1].GPA != 0x3000 {
		t.Errorf("regions = %+v", regions)
	}

	// ApplySysmem must have closed the fds it was handed; writing to an
	// already-closed write end fails.
	if _, err := w1.Write([]byte{0}); err == nil {
		t.Error("expected write to closed fd to fail")
	}
}
