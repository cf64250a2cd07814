package proxydevice_test

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/oracle/deviceproxy/internal/protocol"
	"github.com/oracle/deviceproxy/internal/proxydevice"
	"github.com/oracle/deviceproxy/internal/waitobj"
)

type fakeIRQRouter struct {
	mu       sync.Mutex
	installs int
	lastIntx int32
}

func (f *fakeIRQRouter) Install(intx int32, intrFD, resampleFD int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs++
	f.lastIntx = intx
	return nil
}

// TestMain lets the test binary re-exec itself as a stand-in remote device
// process, the same indirection os/exec's own tests use to get a real
// child process without shipping a second compiled binary.
func TestMain(m *testing.M) {
	if os.Getenv("DEVICEPROXY_HELPER") == "remote" {
		runHelperRemote()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperRemote answers every request on its inherited fd with a fixed
// value of 0x42 and closes any other fds it was handed, until the host
// closes the link.
func runHelperRemote() {
	fd, err := strconv.Atoi(os.Args[len(os.Args)-1])
	if err != nil {
		os.Exit(2)
	}
	f := os.NewFile(uintptr(fd), "remote")
	conn, err := net.FileConn(f)
	if err != nil {
		os.Exit(2)
	}
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		os.Exit(2)
	}

	for {
		msg, err := protocol.ReadMessage(uconn)
		if err != nil {
			return
		}
		if msg.Cmd == protocol.CmdSetIRQFD {
			// SET_IRQFD carries no reply slot, just the intr/resample
			// descriptors; drain them the way a real remote would once it
			// no longer needs its own copies for this test.
			for _, fd := range msg.FDs {
				_ = unix.Close(fd)
			}
			continue
		}
		if len(msg.FDs) == 0 {
			continue
		}
		slot := waitobj.FromWriteFD(msg.FDs[0])
		_ = slot.Reply(0x42)
		for _, extra := range msg.FDs[1:] {
			_ = unix.Close(extra)
		}
	}
}

func realizeAgainstSelf(t *testing.T) *proxydevice.ProxyDevice {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	os.Setenv("DEVICEPROXY_HELPER", "remote")
	t.Cleanup(func() { os.Unsetenv("DEVICEPROXY_HELPER") })

	d, err := proxydevice.Realize(context.Background(), "test-device", exe, nil)
	if err != nil {
		t.Fatalf("Realize: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRealizeInstallsIRQFDOnIntxZero(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	os.Setenv("DEVICEPROXY_HELPER", "remote")
	t.Cleanup(func() { os.Unsetenv("DEVICEPROXY_HELPER") })

	irq := &fakeIRQRouter{}
	d, err := proxydevice.Realize(context.Background(), "test-device", exe, nil, proxydevice.WithIRQRouter(irq))
	if err != nil {
		t.Fatalf("Realize: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	irq.mu.Lock()
	installs, intx := irq.installs, irq.lastIntx
	irq.mu.Unlock()
	if installs != 1 {
		t.Fatalf("IRQRouter.Install called %d times, want 1", installs)
	}
	if intx != 0 {
		t.Errorf("intx = %d, want 0", intx)
	}
}

func TestUpdateIRQRoutingReinstallsOnNewIntx(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	os.Setenv("DEVICEPROXY_HELPER", "remote")
	t.Cleanup(func() { os.Unsetenv("DEVICEPROXY_HELPER") })

	irq := &fakeIRQRouter{}
	d, err := proxydevice.Realize(context.Background(), "test-device", exe, nil, proxydevice.WithIRQRouter(irq))
	if err != nil {
		t.Fatalf("Realize: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.UpdateIRQRouting(2); err != nil {
		t.Fatalf("UpdateIRQRouting: %v", err)
	}

	irq.mu.Lock()
	installs, intx := irq.installs, irq.lastIntx
	irq.mu.Unlock()
	if installs != 2 {
		t.Fatalf("IRQRouter.Install called %d times, want 2", installs)
	}
	if intx != 2 {
		t.Errorf("intx after update = %d, want 2", intx)
	}
}

func TestConfigReadRoundTrip(t *testing.T) {
	d := realizeAgainstSelf(t)

	val, err := d.ConfigRead(context.Background(), 0x10, 4)
	if err != nil {
		t.Fatalf("ConfigRead: %v", err)
	}
	if val != 0x42 {
		t.Errorf("ConfigRead = %#x, want 0x42", val)
	}
}

func TestBarReadRoundTrip(t *testing.T) {
	d := realizeAgainstSelf(t)

	val, err := d.BarRead(context.Background(), 0x1000, 4, true)
	if err != nil {
		t.Fatalf("BarRead: %v", err)
	}
	if val != 0x42 {
		t.Errorf("BarRead = %#x, want 0x42", val)
	}
}

func TestCloseStopsRemoteAndIsIdempotentWithAlive(t *testing.T) {
	d := realizeAgainstSelf(t)

	if !d.Alive() {
		t.Fatal("device reported not alive immediately after Realize")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Alive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.Alive() {
		t.Fatal("device still reports alive after Close")
	}
}
