// Command remotedevice is the remote half of a proxied device: it receives
// its link as a pre-opened connected socket (file descriptor 3, the last
// argument on its command line), parses that into a net.UnixConn, and runs
// the command dispatcher until the host closes the link or it is signalled.
//
// It is always spawned by a host process (internal/proxydevice.Realize) via
// os/exec with ExtraFiles; it is not meant to be run interactively.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/oracle/deviceproxy/internal/config"
	"github.com/oracle/deviceproxy/internal/configspace"
	"github.com/oracle/deviceproxy/internal/driveregistry"
	"github.com/oracle/deviceproxy/internal/fakedevice"
	"github.com/oracle/deviceproxy/internal/link"
	"github.com/oracle/deviceproxy/internal/remotedispatch"
)

func main() {
	configPath := flag.String("config", "", "path to the remote device YAML configuration file (optional)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "remotedevice: missing file descriptor argument")
		os.Exit(1)
	}
	fdArg := args[len(args)-1]
	fd, err := strconv.Atoi(fdArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "remotedevice: invalid fd argument %q: %v\n", fdArg, err)
		os.Exit(1)
	}

	var cfg *config.RemoteConfig
	if *configPath != "" {
		cfg, err = config.LoadRemoteConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "remotedevice: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = &config.RemoteConfig{DriveRegistryPath: "./drives.db", LogLevel: "info"}
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	f := os.NewFile(uintptr(fd), "link")
	conn, err := net.FileConn(f)
	if err != nil {
		logger.Error("failed to adopt link fd", "fd", fd, "error", err)
		os.Exit(1)
	}
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		logger.Error("link fd is not a unix socket")
		os.Exit(1)
	}

	registry, err := driveregistry.New(cfg.DriveRegistryPath)
	if err != nil {
		logger.Error("failed to open drive registry", "path", cfg.DriveRegistryPath, "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	cfgSpace := configspace.New()
	device := fakedevice.New(logger)
	device.MapBAR(0, 4096)
	irqTable := fakedevice.NewIRQTable()
	memMap := fakedevice.NewMemoryMap(logger)

	l := link.New(uconn, link.WithLogger(logger))

	dispatcher := remotedispatch.New(
		l, cfgSpace, device, deviceController{device: device, drives: registry}, irqTable, memMap,
		remotedispatch.WithLogger(logger),
		remotedispatch.WithOnCreationDone(func() {
			logger.Info("remotedevice: creation gate opened")
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("remotedevice: received shutdown signal", "signal", sig.String())
		cancel()
	}()

	logger.Info("remotedevice: dispatch loop starting", "fd", fd)
	if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("remotedevice: dispatch loop exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("remotedevice: exited cleanly")
}

// deviceController routes hotplug commands: drive lifecycle to the
// persistent registry, everything else to the in-memory reference device.
type deviceController struct {
	device *fakedevice.Device
	drives *driveregistry.Registry
}

func (d deviceController) DeviceAdd(opts map[string]string) error { return d.device.DeviceAdd(opts) }
func (d deviceController) DeviceDel(opts map[string]string) error { return d.device.DeviceDel(opts) }
func (d deviceController) DriveAdd(opts map[string]string) error  { return d.drives.DriveAdd(opts) }
func (d deviceController) DriveDel(opts map[string]string) error  { return d.drives.DriveDel(opts) }
func (d deviceController) BlockResize(opts map[string]string) error {
	return d.drives.BlockResize(opts)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
