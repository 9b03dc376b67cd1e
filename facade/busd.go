// File: facade/busd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Busd is the top-level facade orchestrating the shared-memory allocator,
// the channel manager and the router into the single-call setup the
// teacher's facade.HioloadWS provides for its own subsystems (transport,
// pool, poller, executor). cmd/busd/run.go is its only caller.

package facade

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/busd/control"
	"github.com/momentics/busd/internal/bus"
	"github.com/momentics/busd/internal/busd"
	"github.com/momentics/busd/internal/directory"
	"github.com/momentics/busd/internal/shm"
)

// Config exposes every knob cmd/busd needs to bring a daemon instance up,
// mirroring facade.Config's flat, fully-defaulted shape.
type Config struct {
	// BusShmKey names the backing shm segment pair (metadata + userdata).
	BusShmKey string
	// ShmDir is the directory POSIX shm/mmap-backed files are created under.
	ShmDir string
	// MetadataSize and UserdataSize are OnCreate's initial block sizes.
	MetadataSize int64
	UserdataSize int64

	// Resume attaches to an already-formatted shm pair instead of creating
	// one, per --resume (spec S6 crash-resilience scenario).
	Resume bool
	// ManagerHeaderOffset and ChannelMgrHeaderOffset/EntriesOffset must be
	// supplied when Resume is set, recovered from the previous run's
	// --pid-file sidecar.
	ManagerHeaderOffset     uint64
	ChannelMgrHeaderOffset  uint64
	ChannelMgrEntriesOffset uint64

	// ListenAddr is the router's TCP listen address ("host:port").
	ListenAddr string
	// LocalHost is this router's externally reachable host:port, published
	// to the directory for every locally-registered busid.
	LocalHost string

	// KVServers is the Consul agent address list; only the first is used
	// today (github.com/hashicorp/consul/api dials one agent at a time).
	// Empty means run against an in-memory FakeClient, for tests/dev.
	KVServers []string

	MsgPerRun      int
	ReportEach     int
	ReportInterval time.Duration

	DaemonPID int
	Logger    *zap.Logger
}

// DefaultConfig mirrors the spec's stated process defaults.
func DefaultConfig() Config {
	return Config{
		BusShmKey:      "busd",
		ShmDir:         "/dev/shm",
		MetadataSize:   16 * 1024 * 1024,
		UserdataSize:   64 * 1024 * 1024,
		ListenAddr:     ":7900",
		MsgPerRun:      200,
		ReportEach:     100,
		ReportInterval: 5 * time.Second,
	}
}

// Busd wires a shm.Manager, a bus.ChannelManager and a busd.Router into one
// lifecycle: New brings everything up, Run drives the event loop until ctx
// is canceled, Close detaches (keeping shm for a future --resume), Destroy
// tears the shm segment down for good.
type Busd struct {
	cfg    Config
	log    *zap.Logger
	mgr    *shm.Manager
	chmgr  *bus.ChannelManager
	dir    directory.Client
	router *busd.Router

	metrics  *control.MetricsRegistry
	debug    *control.DebugProbes
	diagTick int
}

// New constructs (or resumes) every subsystem a running daemon needs.
func New(cfg Config) (*Busd, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var mgr *shm.Manager
	var err error
	if cfg.Resume {
		mgr, err = shm.OnResume(cfg.ShmDir, cfg.BusShmKey, cfg.MetadataSize, cfg.ManagerHeaderOffset, log)
	} else {
		mgr, err = shm.OnCreate(cfg.ShmDir, cfg.BusShmKey, cfg.MetadataSize, cfg.UserdataSize, log)
	}
	if err != nil {
		return nil, fmt.Errorf("facade: busd: shm: %w", err)
	}

	var chmgr *bus.ChannelManager
	if cfg.Resume {
		chmgr, err = bus.ResumeChannelManager(mgr.Block(), 0, uint64(cfg.UserdataSize),
			cfg.ChannelMgrHeaderOffset, cfg.ChannelMgrEntriesOffset, cfg.DaemonPID, log)
	} else {
		chmgr, err = bus.NewChannelManager(mgr.Block(), 0, uint64(cfg.UserdataSize), cfg.DaemonPID, log)
	}
	if err != nil {
		return nil, fmt.Errorf("facade: busd: channel manager: %w", err)
	}

	var dir directory.Client
	if len(cfg.KVServers) == 0 {
		log.Warn("facade: busd: no kv_servers configured, using in-memory directory (dev only)")
		dir = directory.NewFakeClient()
	} else {
		cc, err := directory.NewConsulClient(cfg.KVServers[0])
		if err != nil {
			return nil, fmt.Errorf("facade: busd: directory: %w", err)
		}
		cc.OnRetryError(func(err error) { log.Warn("facade: busd: directory retry", zap.Error(err)) })
		dir = cc
	}

	reportEach := cfg.ReportEach
	if reportEach <= 0 {
		reportEach = 100
	}
	router, err := busd.NewRouter(chmgr, dir, busd.RouterConfig{
		ListenAddr: cfg.ListenAddr,
		LocalHost:  cfg.LocalHost,
		MsgPerRun:  cfg.MsgPerRun,
		ReportEach: reportEach,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("facade: busd: router: %w", err)
	}

	metrics := control.NewMetricsRegistry()
	debug := control.NewDebugProbes()
	control.RegisterPlatformProbes(debug)
	debug.RegisterProbe("channels.report", func() any {
		snap, err := chmgr.Report()
		if err != nil {
			return err.Error()
		}
		return snap
	})

	return &Busd{
		cfg: cfg, log: log, mgr: mgr, chmgr: chmgr, dir: dir, router: router,
		metrics: metrics, debug: debug,
	}, nil
}

// ChannelManager exposes the channel manager so a client-facing listener
// (e.g. a UNIX socket accepting register_bus/send/recv calls) can reach it
// without the facade mediating every call.
func (b *Busd) ChannelManager() *bus.ChannelManager { return b.chmgr }

// ShmManager exposes the allocator for the same reason.
func (b *Busd) ShmManager() *shm.Manager { return b.mgr }

// HeaderOffsets returns the allocator's and channel manager's fixed offsets
// so a --pid-file sidecar can record them for a later --resume.
func (b *Busd) HeaderOffsets() (mgrHdr, chHdr, chEntries uint64) {
	return b.mgr.HeaderOffset(), b.chmgr.HeaderOffset(), b.chmgr.EntriesOffset()
}

// Run drives report/update_route/run_agent/fetch_msg/process_msg in a
// loop until ctx is canceled, sleeping idleSleep (when positive) after
// every iteration, whether or not that iteration moved any message.
func (b *Busd) Run(ctx context.Context, idleSleep time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		b.router.RunOnce(ctx)
		b.tickDiagnostics()
		if idleSleep > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

// tickDiagnostics refreshes the metrics registry every ReportEach
// iterations, the same cadence the router already logs its own channel
// report at, and logs the merged metrics+debug snapshot (the live
// diagnostics view control.MetricsRegistry/DebugProbes exist for).
func (b *Busd) tickDiagnostics() {
	interval := b.cfg.ReportEach
	if interval <= 0 {
		interval = 100
	}
	b.diagTick++
	if b.diagTick%interval != 0 {
		return
	}
	b.metrics.Set("router.iterations", b.diagTick)
	b.metrics.Set("router.last_tick_unix", time.Now().Unix())
	b.log.Info("facade: busd: diagnostics",
		zap.Any("metrics", b.metrics.GetSnapshot()),
		zap.Any("debug", b.debug.DumpState()))
}

// Stats returns a merged snapshot of metrics and debug probe state, for a
// caller (e.g. a future admin endpoint) that wants the same data
// tickDiagnostics logs, on demand rather than on the report cadence.
func (b *Busd) Stats() map[string]any {
	out := make(map[string]any)
	for k, v := range b.metrics.GetSnapshot() {
		out["metrics."+k] = v
	}
	for k, v := range b.debug.DumpState() {
		out["debug."+k] = v
	}
	return out
}

// Close detaches from shm without destroying it, so a future process can
// --resume against the same segment.
func (b *Busd) Close() error {
	if err := b.router.Close(); err != nil {
		b.log.Warn("facade: busd: close: router", zap.Error(err))
	}
	return b.mgr.Close()
}

// Destroy tears the shm segment down permanently (shmctl IPC_RMID
// equivalent), for a clean administrative shutdown rather than a crash.
func (b *Busd) Destroy() error {
	if err := b.router.Close(); err != nil {
		b.log.Warn("facade: busd: destroy: router", zap.Error(err))
	}
	return b.mgr.Destroy()
}
