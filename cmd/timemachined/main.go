// Command timemachined is the headless backup daemon: it loads
// configuration, acquires the single-instance lock, opens the engine's
// logs and IPC sockets, and runs the Preflight->Planning->Running->
// Finalizing->Sleeping cycle until asked to stop.
//
// This generalizes the teacher's systray-driven main.go (acquireInstanceLock,
// per-config logger, startBackupScheduler per enabled config) into a single
// engine instance driving every configured source root, with the tray menu
// replaced by the IPC event broadcast socket spec.md §6 requires.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/GeovaneJefferson/timemachine/internal/cancel"
	"github.com/GeovaneJefferson/timemachine/internal/config"
	"github.com/GeovaneJefferson/timemachine/internal/engine"
	"github.com/GeovaneJefferson/timemachine/internal/ipc"
	"github.com/GeovaneJefferson/timemachine/internal/logging"
	"github.com/GeovaneJefferson/timemachine/internal/metrics"
	"github.com/GeovaneJefferson/timemachine/internal/pidfile"
)

const appName = "timemachine"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "timemachined: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}

	lock, err := pidfile.Acquire(filepath.Join(home, "."+appName+".pid"))
	if err != nil {
		return err
	}
	defer lock.Release()

	logDir := filepath.Join(home, ".local", "state", appName, "log")
	sysLog, err := logging.System(logDir)
	if err != nil {
		return fmt.Errorf("open system log: %w", err)
	}
	cycleLog, err := logging.Cycle(logDir, 30)
	if err != nil {
		return fmt.Errorf("open cycle log: %w", err)
	}
	log.SetOutput(sysLog.Writer())
	sysLog.Printf("timemachined starting, pid=%d", os.Getpid())

	cfgPath := os.Getenv("TIMEMACHINE_CONFIG")
	if cfgPath == "" {
		cfgPath = filepath.Join(home, ".config", appName, "config.ini")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if cfg.DevicePath == "" || len(cfg.BackupFolders) == 0 {
		sysLog.Printf("config has no device path or backup folders configured; the config is read only at startup")
	}

	backupRoot, err := engine.EnsureBackupRoot(cfg.DevicePath)
	if err != nil {
		return fmt.Errorf("ensure backup root: %w", err)
	}

	reg := metrics.New()

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = "/tmp"
	}
	eventSockPath := filepath.Join(runtimeDir, appName+"-ui.sock")
	ctrlSockPath := filepath.Join(runtimeDir, appName+"-ui.sock.ctrl")

	events := ipc.NewBroadcaster(eventSockPath, sysLog)

	eng, err := engine.New(cfg, backupRoot, cycleLog, reg, events)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Close()

	ctrlBus := cancel.New()
	ctrl, err := ipc.NewControlServer(ctrlSockPath, ctrlBus, reg.Snapshot, sysLog)
	if err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	go ctrl.Serve()
	defer ctrl.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// SIGTERM requests a graceful stop of the running cycle and the daemon
	// loop; SIGINT requests immediate cancellation of any in-flight copy.
	// SIGHUP is ignored: this daemon has no live-reload of its config file.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGTERM:
				sysLog.Printf("received SIGTERM, requesting graceful cancel")
				eng.Cancel(cancel.Graceful)
				ctrlBus.Cancel(cancel.Graceful)
				stop()
			case syscall.SIGINT:
				sysLog.Printf("received SIGINT, requesting immediate cancel")
				eng.Cancel(cancel.Immediate)
				ctrlBus.Cancel(cancel.Immediate)
				stop()
			case syscall.SIGHUP:
				sysLog.Printf("received SIGHUP, ignored")
			}
		}
	}()

	// Bridge the control socket's cancellation bus into the per-cycle
	// cancellation the engine actually observes: a cancel command received
	// before or during a cycle is forwarded to whichever bus the engine is
	// currently running.
	go func() {
		<-ctrlBus.Done()
		eng.Cancel(ctrlBus.Mode())
	}()

	eng.Run(ctx)
	sysLog.Printf("timemachined stopped")
	return nil
}
