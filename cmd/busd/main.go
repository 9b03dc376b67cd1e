// File: cmd/busd/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// busd is the inter-process message bus router daemon: one process per
// host, owning a shared-memory segment and a TCP listener other hosts'
// busd instances forward remote-destined records to. Flag and lifecycle
// shape grounded on the corpus's own cobra root command
// (controlplane/cmd/bird-adapter/main.go) generalized from a single gRPC
// server subcommand to busd's signal-driven run loop.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var runArgs struct {
	busID       string
	pidFile     string
	logConf     string
	procConf    string
	resume      bool
	idleCount   int
	idleSleep   string
	listenAddr  string
	localHost   string
	cpuAffinity int
}

var rootCmd = &cobra.Command{
	Use:     "busd",
	Short:   "Shared-memory inter-process message bus router",
	Version: "0.1.0",
}

func init() {
	runCmd.Flags().StringVar(&runArgs.busID, "id", "", "this router's own busid, area.zone.func.inst (required)")
	runCmd.Flags().StringVar(&runArgs.pidFile, "pid-file", "/var/run/busd.pid", "path to write the pid/resume sidecar to")
	runCmd.Flags().StringVar(&runArgs.logConf, "log-conf", "", "path to a logging config file (reserved for future use)")
	runCmd.Flags().StringVar(&runArgs.procConf, "proc-conf", "", "path to the TOML process config (defaults applied if absent)")
	runCmd.Flags().BoolVar(&runArgs.resume, "resume", false, "attach to an existing shm segment instead of creating one")
	runCmd.Flags().IntVar(&runArgs.idleCount, "idle-count", 0, "reserved: consecutive idle iterations before sleeping (unused, RunOnce self-paces)")
	runCmd.Flags().StringVar(&runArgs.idleSleep, "idle-sleep", "2ms", "sleep between event-loop iterations")
	runCmd.Flags().StringVar(&runArgs.listenAddr, "listen", "", "override the TCP listen address from proc-conf")
	runCmd.Flags().StringVar(&runArgs.localHost, "local-host", "", "override this router's advertised host:port from proc-conf")
	runCmd.Flags().IntVar(&runArgs.cpuAffinity, "cpu-affinity", -1, "pin the event loop's OS thread to this logical CPU (-1 disables pinning)")
	runCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}
