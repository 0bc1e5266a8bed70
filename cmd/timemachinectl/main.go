// Command timemachinectl is a debug/operator CLI that talks to a running
// timemachined over its IPC sockets: it renders the live progress stream
// from the event broadcast socket as a progress bar, or sends a cancel
// command over the control socket.
//
// This supplements what spec.md leaves to an external web UI (§1): the
// engine only specifies the wire protocol (§6), not a client. Grounded on
// vjache-cie's CLI stack (pflag for flags, schollz/progressbar for the
// live bar, fatih/color + mattn/go-isatty for TTY-aware warnings).
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"
	"github.com/schollz/progressbar/v3"

	"github.com/GeovaneJefferson/timemachine/internal/ipc"
)

const appName = "timemachine"

func main() {
	var (
		cancelMode string
		watch      bool
		stats      bool
	)
	fs := flag.NewFlagSet("timemachinectl", flag.ExitOnError)
	fs.StringVar(&cancelMode, "cancel", "", "send a cancel command: graceful|immediate")
	fs.BoolVar(&watch, "watch", false, "watch the live progress/event stream")
	fs.BoolVar(&stats, "stats", false, "print cumulative run counters from the control socket")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: timemachinectl [options]

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = "/tmp"
	}
	eventSock := filepath.Join(runtimeDir, appName+"-ui.sock")
	ctrlSock := filepath.Join(runtimeDir, appName+"-ui.sock.ctrl")

	switch {
	case cancelMode != "":
		if err := sendCancel(ctrlSock, cancelMode); err != nil {
			fatalf("%v", err)
		}
	case watch:
		if err := watchEvents(eventSock); err != nil {
			fatalf("%v", err)
		}
	case stats:
		if err := requestStats(ctrlSock); err != nil {
			fatalf("%v", err)
		}
	default:
		fs.Usage()
		os.Exit(2)
	}
}

func sendCancel(path, mode string) error {
	if mode != "graceful" && mode != "immediate" {
		return fmt.Errorf("invalid --cancel mode %q (want graceful|immediate)", mode)
	}
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return fmt.Errorf("connect control socket %s: %w", path, err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(ipc.Command{Command: "cancel", Mode: mode}); err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}

	var resp ipc.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.Result != "ok" {
		return fmt.Errorf("daemon rejected command: %s", resp.Result)
	}
	fmt.Printf("cancel (%s) accepted\n", mode)
	return nil
}

// requestStats sends a "stats" command over the control socket and prints
// the returned metrics.Snapshot, the same counters the daemon feeds its
// Prometheus registry from.
func requestStats(path string) error {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return fmt.Errorf("connect control socket %s: %w", path, err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(ipc.Command{Command: "stats"}); err != nil {
		return fmt.Errorf("send stats request: %w", err)
	}

	var resp ipc.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.Stats == nil {
		return fmt.Errorf("daemon returned no stats (result: %s)", resp.Result)
	}

	s := resp.Stats
	fmt.Printf("cycles run:     %.0f\n", s.CyclesRun)
	fmt.Printf("files planned:  %.0f (%s)\n", s.FilesPlanned, humanize.Bytes(uint64(s.BytesPlanned)))
	fmt.Printf("files done:     %.0f (%s)\n", s.FilesDone, humanize.Bytes(uint64(s.BytesDone)))
	fmt.Printf("files failed:   %.0f\n", s.FilesFailed)
	return nil
}

// watchEvents plays the role spec.md §6 reserves for "the UI": it binds
// the event socket (since the daemon only ever dials out to it, per
// internal/ipc.Broadcaster), prints a line for analyzing, file_activity and
// warning events, and drives a progress bar from backup_progress events.
func watchEvents(path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen event socket %s: %w", path, err)
	}
	defer ln.Close()
	defer os.Remove(path)

	colorEnabled := isatty.IsTerminal(os.Stdout.Fd())
	warn := color.New(color.FgYellow).SprintFunc()
	ok := color.New(color.FgGreen).SprintFunc()
	if !colorEnabled {
		warn = fmt.Sprint
		ok = fmt.Sprint
	}

	fmt.Printf("waiting for timemachined events on %s...\n", path)

	var bar *progressbar.ProgressBar
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var ev ipc.Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case ipc.EventAnalyzing:
				fmt.Println("analyzing source roots...")
			case ipc.EventFileActivity:
				fmt.Printf("%s %s\n", ev.Status, ev.Description)
			case ipc.EventWarning:
				fmt.Println(warn("warning: " + ev.Description))
			case ipc.EventBackupProgress:
				if ev.Status == ipc.StatusCompleted {
					if bar != nil {
						_ = bar.Finish()
						bar = nil
					}
					fmt.Println(ok("cycle completed"))
					continue
				}
				if bar == nil && ev.TotalFiles > 0 {
					bar = progressbar.NewOptions(ev.TotalFiles,
						progressbar.OptionSetDescription("backing up"),
						progressbar.OptionShowCount(),
						progressbar.OptionSetPredictTime(true),
					)
				}
				if bar != nil {
					_ = bar.Set(ev.FilesCompleted)
				}
			}
		}
		conn.Close()
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, color.RedString("timemachinectl: "+fmt.Sprintf(format, args...)))
	os.Exit(1)
}
