// File: cmd/busd/run.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/momentics/busd/affinity"
	"github.com/momentics/busd/control"
	"github.com/momentics/busd/facade"
	"github.com/momentics/busd/internal/bus"
	"github.com/momentics/busd/internal/busd"
)

// applyReload re-reads --proc-conf from disk and pushes whatever changed
// into cs, which dispatches to every instance-level OnReload hook; it then
// fires control.TriggerHotReload() too, the way the teacher's
// ControlAdapter.SetConfig dispatches both its own listeners and the
// package-global ones. Config fields besides log_level are not
// live-reloadable (listen address, shm sizing etc. are fixed at startup).
func applyReload(procConfPath string, cs *control.ConfigStore, logger *zap.Logger) {
	cfg, err := busd.LoadConfig(procConfPath)
	if err != nil {
		logger.Warn("busd: reload: could not reload proc-conf", zap.Error(err))
		return
	}
	cs.SetConfig(map[string]any{"log_level": cfg.LogLevel})
	control.TriggerHotReload()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the busd router event loop in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

// sidecar is the --pid-file's on-disk contents: the running pid plus the
// shm offsets a later --resume needs to rebind the allocator and channel
// manager without re-scanning the segment.
type sidecar struct {
	PID          int
	MgrHeaderOff uint64
	ChHeaderOff  uint64
	ChEntriesOff uint64
}

func writeSidecar(path string, s sidecar) error {
	line := fmt.Sprintf("%d %d %d %d\n", s.PID, s.MgrHeaderOff, s.ChHeaderOff, s.ChEntriesOff)
	return os.WriteFile(path, []byte(line), 0o644)
}

func readSidecar(path string) (sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sidecar{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 4 {
		return sidecar{}, fmt.Errorf("busd: malformed pid-file %s", path)
	}
	var s sidecar
	var vals [4]uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return sidecar{}, fmt.Errorf("busd: malformed pid-file %s: %w", path, err)
		}
		vals[i] = v
	}
	s.PID = int(vals[0])
	s.MgrHeaderOff = vals[1]
	s.ChHeaderOff = vals[2]
	s.ChEntriesOff = vals[3]
	return s, nil
}

func runDaemon() error {
	busID, err := bus.ParseBusID(runArgs.busID)
	if err != nil {
		return fmt.Errorf("busd: --id: %w", err)
	}

	cfg, err := busd.LoadConfig(runArgs.procConf)
	if err != nil {
		return err
	}

	ctrlLogger, err := control.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := ctrlLogger.Zap()
	defer logger.Sync()

	listenAddr := runArgs.listenAddr
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%d", cfg.ListenPort)
	}

	fcfg := facade.DefaultConfig()
	fcfg.BusShmKey = cfg.BusShmKey
	fcfg.MetadataSize = cfg.ShmSize
	fcfg.UserdataSize = cfg.BusShmSize
	fcfg.ListenAddr = listenAddr
	fcfg.LocalHost = runArgs.localHost
	fcfg.KVServers = cfg.KVServers
	fcfg.MsgPerRun = cfg.MsgPerRun
	fcfg.DaemonPID = os.Getpid()
	fcfg.Logger = logger
	fcfg.Resume = runArgs.resume

	if runArgs.resume {
		sc, err := readSidecar(runArgs.pidFile)
		if err != nil {
			return fmt.Errorf("busd: --resume: %w", err)
		}
		fcfg.ManagerHeaderOffset = sc.MgrHeaderOff
		fcfg.ChannelMgrHeaderOffset = sc.ChHeaderOff
		fcfg.ChannelMgrEntriesOffset = sc.ChEntriesOff
	}

	cfgStore := busd.NewConfigStore(cfg)
	applyLogLevel := func() {
		snap := cfgStore.GetSnapshot()
		lvl, ok := snap["log_level"].(string)
		if !ok {
			return
		}
		if err := ctrlLogger.SetLevel(lvl); err != nil {
			logger.Warn("busd: reload: bad log_level", zap.String("log_level", lvl), zap.Error(err))
		} else {
			logger.Info("busd: reload: log level applied", zap.String("log_level", lvl))
		}
	}
	// Registered on both the instance-scoped store and the package-global
	// hook list, mirroring the teacher's ControlAdapter.OnReload.
	cfgStore.OnReload(applyLogLevel)
	control.RegisterReloadHook(applyLogLevel)

	b, err := facade.New(fcfg)
	if err != nil {
		return fmt.Errorf("busd: init: %w", err)
	}

	mgrOff, chOff, entOff := b.HeaderOffsets()
	if err := writeSidecar(runArgs.pidFile, sidecar{
		PID: os.Getpid(), MgrHeaderOff: mgrOff, ChHeaderOff: chOff, ChEntriesOff: entOff,
	}); err != nil {
		logger.Warn("busd: could not write pid-file", zap.String("path", runArgs.pidFile), zap.Error(err))
	}
	defer os.Remove(runArgs.pidFile)

	logger.Info("busd: started", zap.Stringer("busid", busID), zap.String("listen", listenAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGABRT)
	defer stop()

	// Three distinct signal roles reach the daemon (spec §6): ReloadSignal
	// (SIGUSR1, the router's own reload trigger) actually reloads log_level
	// here; RegistrationSignal and OutgoingSignal are advisory wake hints
	// clients send after a (de)register or push — the router's own poll
	// loop (ConsumeChanged/round-robin sweep) does the real work, so these
	// are only logged at debug level. All three still need signal.Notify:
	// left unhandled, Go's default disposition for SIGUSR1/SIGUSR2/SIGIO is
	// to terminate the process.
	busSignals := make(chan os.Signal, 4)
	signal.Notify(busSignals, bus.ReloadSignal, bus.RegistrationSignal, bus.OutgoingSignal)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-busSignals:
				switch sig {
				case bus.ReloadSignal:
					logger.Info("busd: SIGUSR1 received, reloading")
					applyReload(runArgs.procConf, cfgStore, logger)
				default:
					logger.Debug("busd: wake signal received", zap.Stringer("signal", sig))
				}
			}
		}
	}()

	idleSleep := 2 * time.Millisecond
	if d, err := time.ParseDuration(runArgs.idleSleep); err == nil {
		idleSleep = d
	}

	if runArgs.cpuAffinity >= 0 {
		runtime.LockOSThread()
		if err := affinity.SetAffinity(runArgs.cpuAffinity); err != nil {
			logger.Warn("busd: cpu-affinity: could not pin event loop", zap.Int("cpu", runArgs.cpuAffinity), zap.Error(err))
		} else {
			logger.Info("busd: event loop pinned", zap.Int("cpu", runArgs.cpuAffinity))
		}
	}

	b.Run(ctx, idleSleep)

	logger.Info("busd: stopping")
	return b.Close()
}
