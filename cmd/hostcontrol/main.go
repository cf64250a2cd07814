// Command hostcontrol is the host-side orchestrator: it realizes one
// proxied remote process per configured device, periodically heartbeats
// them, records their command traffic to an audit store, and exposes a
// JWT-protected admin HTTP surface listing devices and their audit trail.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/oracle/deviceproxy/internal/adminapi"
	"github.com/oracle/deviceproxy/internal/auditstore"
	"github.com/oracle/deviceproxy/internal/config"
	"github.com/oracle/deviceproxy/internal/fakedevice"
	"github.com/oracle/deviceproxy/internal/heartbeat"
	"github.com/oracle/deviceproxy/internal/proxydevice"
)

func main() {
	configPath := flag.String("config", "", "path to the host control YAML configuration file")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "hostcontrol: -config is required")
		os.Exit(1)
	}

	cfg, err := config.LoadHostConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostcontrol: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var auditStore *auditstore.Store
	if cfg.AuditDSN != "" {
		auditStore, err = auditstore.New(ctx, cfg.AuditDSN, auditstore.WithLogger(logger))
		if err != nil {
			logger.Error("failed to open audit store", "error", err)
			os.Exit(1)
		}
		defer auditStore.Close(context.Background())
	} else {
		logger.Warn("no audit DSN configured; audit trail disabled (dev mode)")
	}

	registry := newDeviceRegistry()
	irqTable := fakedevice.NewIRQTable()

	for _, spec := range cfg.Devices {
		opts := []proxydevice.Option{proxydevice.WithLogger(logger), proxydevice.WithIRQRouter(irqTable)}
		if auditStore != nil {
			opts = append(opts, proxydevice.WithAuditRecorder(auditStore))
		}
		dev, err := proxydevice.Realize(ctx, spec.Name, spec.RemotePath, spec.RemoteArgs, opts...)
		if err != nil {
			logger.Error("failed to realize device", "device", spec.Name, "error", err)
			os.Exit(1)
		}
		registry.add(dev)
		logger.Info("device realized", "device", spec.Name)
	}
	defer registry.closeAll()

	heartbeatInterval, err := time.ParseDuration(cfg.HeartbeatInterval)
	if err != nil {
		logger.Error("invalid heartbeat interval", "value", cfg.HeartbeatInterval, "error", err)
		os.Exit(1)
	}
	pinger := heartbeat.New(registry, heartbeatInterval, heartbeat.WithLogger(logger))
	go pinger.Run(ctx)

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", "path", cfg.JWTPublicKeyPath, "error", err)
			os.Exit(1)
		}
		pubKey, err = adminapi.ParseRSAPublicKey(pemBytes)
		if err != nil {
			logger.Error("failed to parse JWT public key", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no JWT public key configured; admin API authentication disabled (dev mode)")
	}

	var audit adminapi.AuditQuerier
	if auditStore != nil {
		audit = auditStore
	}
	srv := adminapi.NewServer(registry, audit)
	router := adminapi.NewRouter(srv, pubKey)

	adminServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: router,
	}
	go func() {
		logger.Info("admin API listening", "addr", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin API server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("hostcontrol: received shutdown signal", "signal", sig.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin API shutdown error", "error", err)
	}

	logger.Info("hostcontrol: exited cleanly")
}

// deviceRegistry tracks the live set of realized proxy devices and
// adapts it to both heartbeat.Lister and adminapi.DeviceLister.
type deviceRegistry struct {
	mu      sync.Mutex
	devices []*proxydevice.ProxyDevice
}

func newDeviceRegistry() *deviceRegistry {
	return &deviceRegistry{}
}

func (r *deviceRegistry) add(d *proxydevice.ProxyDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, d)
}

func (r *deviceRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		_ = d.Close()
	}
}

func (r *deviceRegistry) Targets() []heartbeat.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := make([]heartbeat.Target, len(r.devices))
	for i, d := range r.devices {
		targets[i] = heartbeat.Target{Name: d.Name, Device: d}
	}
	return targets
}

func (r *deviceRegistry) Devices() []adminapi.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]adminapi.DeviceInfo, len(r.devices))
	for i, d := range r.devices {
		infos[i] = adminapi.DeviceInfo{ID: d.ID.String(), Name: d.Name, Alive: d.Alive()}
	}
	return infos
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
