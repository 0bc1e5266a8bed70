// Package engine implements the scheduler cycle state machine that ties
// every other package together: Preflight, Planning, Running, Finalizing
// and Sleeping, looping until the process is asked to stop.
//
// This generalizes the teacher's per-config startBackupScheduler goroutine
// (one ticker-driven loop per backup.BackupConfig) into a single explicit
// state machine shared across all configured source roots, with
// cancellation, IPC events and metrics woven through each phase instead
// of a bare ticker and a log line.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/GeovaneJefferson/timemachine/internal/cancel"
	"github.com/GeovaneJefferson/timemachine/internal/config"
	"github.com/GeovaneJefferson/timemachine/internal/copier"
	"github.com/GeovaneJefferson/timemachine/internal/dedup"
	"github.com/GeovaneJefferson/timemachine/internal/errkind"
	"github.com/GeovaneJefferson/timemachine/internal/ipc"
	"github.com/GeovaneJefferson/timemachine/internal/journal"
	"github.com/GeovaneJefferson/timemachine/internal/manifest"
	"github.com/GeovaneJefferson/timemachine/internal/metrics"
	"github.com/GeovaneJefferson/timemachine/internal/preflight"
	"github.com/GeovaneJefferson/timemachine/internal/resume"
	"github.com/GeovaneJefferson/timemachine/internal/scanner"
	"github.com/GeovaneJefferson/timemachine/internal/workerpool"
)

// State names one node of the cycle state machine.
type State int

const (
	Idle State = iota
	Preflight
	Planning
	Running
	Finalizing
	Sleeping
	Cancelling
	Blocked
)

func (s State) String() string {
	switch s {
	case Preflight:
		return "preflight"
	case Planning:
		return "planning"
	case Running:
		return "running"
	case Finalizing:
		return "finalizing"
	case Sleeping:
		return "sleeping"
	case Cancelling:
		return "cancelling"
	case Blocked:
		return "blocked"
	default:
		return "idle"
	}
}

const (
	unavailableBackoff = 30 * time.Second
	readOnlyBackoff    = 60 * time.Second
	resumeSampleEvery  = 5 * time.Second

	// manifestFlushEvery is the batched-flush interval from spec.md §4.6:
	// "flushes are batched (every M successful commits, default 100)".
	manifestFlushEvery = 100
)

// Engine owns one running instance of the cycle state machine.
type Engine struct {
	cfg *config.Config

	backupRoot   string
	backupsDir   string
	manifestPath string
	journalPath  string

	logger  *log.Logger
	metrics *metrics.Registry
	events  *ipc.Broadcaster

	journalHandle *journal.Journal
	scan          *scanner.Scanner

	mu              sync.Mutex
	bus             *cancel.Bus
	state           State
	currentManifest *manifest.Manifest

	prevWorkers int32
}

// New builds an Engine from a loaded Config. backupRoot is the device's
// timemachine root (<device_root>/timemachine). The engine artifacts
// (manifest, journal) live directly under it per spec.md §6; the canonical
// and incremental file trees live under its "backups" subdirectory.
func New(cfg *config.Config, backupRoot string, logger *log.Logger, reg *metrics.Registry, events *ipc.Broadcaster) (*Engine, error) {
	scan, err := scanner.New(scanner.Rules{
		ExcludeHidden:  cfg.ExcludeHidden,
		ExcludeFolders: cfg.ExcludeFolders,
	}, 4096)
	if err != nil {
		return nil, fmt.Errorf("engine: build scanner: %w", err)
	}

	journalPath := filepath.Join(backupRoot, ".backup_journal.log")
	jh, err := journal.Open(journalPath, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: open journal: %w", err)
	}

	e := &Engine{
		cfg:           cfg,
		backupRoot:    backupRoot,
		backupsDir:    filepath.Join(backupRoot, "backups"),
		manifestPath:  filepath.Join(backupRoot, ".backup_manifest.json"),
		journalPath:   journalPath,
		logger:        logger,
		metrics:       reg,
		events:        events,
		journalHandle: jh,
		scan:          scan,
		prevWorkers:   int32(workerpool.MinWorkers),
	}
	return e, nil
}

// Cancel raises mode on whichever cycle is currently running, if any. Safe
// to call from a signal handler or the IPC control server at any time.
func (e *Engine) Cancel(mode cancel.Mode) {
	e.mu.Lock()
	b := e.bus
	e.mu.Unlock()
	if b != nil {
		b.Cancel(mode)
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State reports the state machine's current node.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close flushes and closes the journal. Call after Run returns.
func (e *Engine) Close() error {
	return e.journalHandle.Close()
}

// Run executes the cycle loop until ctx is cancelled. Each iteration gets
// a fresh CancelBus; a per-cycle Cancel only aborts that cycle (the
// machine then loops back to Preflight), while ctx cancellation stops the
// loop permanently — these are OS-signal-driven cycle cancellation and
// daemon shutdown respectively.
func (e *Engine) Run(ctx context.Context) {
	var resumeGap int64 // atomic flag, set by the resume monitor
	stopResume := make(chan struct{})
	monitor := resume.New(resumeSampleEvery)
	go monitor.Run(stopResume, func(d time.Duration) {
		atomic.StoreInt64(&resumeGap, 1)
		e.logger.Printf("engine: resume gap of %v detected", d)
		e.mu.Lock()
		m := e.currentManifest
		e.mu.Unlock()
		if m != nil {
			if err := m.Flush(); err != nil {
				e.logger.Printf("engine: forced manifest flush after resume gap failed: %v", err)
			}
		}
	})
	defer close(stopResume)

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bus := cancel.New()
		e.mu.Lock()
		e.bus = bus
		e.mu.Unlock()

		needReplay := first || atomic.CompareAndSwapInt64(&resumeGap, 1, 0)
		first = false

		e.runCycle(ctx, bus, needReplay)

		e.setState(Idle)
		if bus.Cancelled() {
			e.setState(Cancelling)
			e.setState(Idle)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context, bus *cancel.Bus, needReplay bool) {
	preflightStart := time.Now()
	ok := e.doPreflight(bus)
	e.metrics.ObservePhase(Preflight.String(), time.Since(preflightStart))
	if !ok {
		return
	}

	if needReplay {
		if res, err := journal.Replay(e.journalPath, e.logger); err != nil {
			e.logger.Printf("engine: journal replay failed: %v", err)
		} else {
			e.logger.Printf("engine: journal replay scanned=%d renamed=%d dropped=%d relinked=%d noop=%d",
				res.Scanned, res.RenamedTmp, res.DroppedTmp, res.RelinkedFiles, res.NoOp)
		}
	}

	planningStart := time.Now()
	m, idx, plan, planned := e.doPlanning(bus)
	e.metrics.ObservePhase(Planning.String(), time.Since(planningStart))
	if !planned {
		return
	}

	runningStart := time.Now()
	e.doRunning(bus, m, idx, plan)
	e.metrics.ObservePhase(Running.String(), time.Since(runningStart))

	finalizingStart := time.Now()
	e.doFinalizing(m)
	e.metrics.ObservePhase(Finalizing.String(), time.Since(finalizingStart))

	sleepingStart := time.Now()
	e.doSleeping(bus)
	e.metrics.ObservePhase(Sleeping.String(), time.Since(sleepingStart))
}

// doPreflight loops Preflight checks with classification-specific backoff
// until the target is reachable/writable, cancelled, or the process is
// shutting down.
func (e *Engine) doPreflight(bus *cancel.Bus) bool {
	e.setState(Preflight)
	for {
		res := preflight.Check(e.backupRoot)
		if res.OK() {
			return true
		}

		e.warn(fmt.Sprintf("preflight failed (%s): %v", res.Kind, res.Err))
		e.setState(Blocked)

		backoff := unavailableBackoff
		if res.Kind == errkind.TargetReadOnly {
			backoff = readOnlyBackoff
		}
		if !cancellableSleep(bus, backoff) {
			return false
		}
		e.setState(Preflight)
	}
}

func (e *Engine) doPlanning(bus *cancel.Bus) (*manifest.Manifest, *dedup.Index, scanner.Plan, bool) {
	e.setState(Planning)
	if bus.Cancelled() {
		return nil, nil, scanner.Plan{}, false
	}

	e.events.Emit(ipc.Event{Type: ipc.EventAnalyzing, Timestamp: time.Now()})

	m, err := manifest.Load(e.manifestPath)
	if err != nil {
		e.warn(fmt.Sprintf("manifest load failed: %v", err))
		return nil, nil, scanner.Plan{}, false
	}
	e.mu.Lock()
	e.currentManifest = m
	e.mu.Unlock()

	idx := dedup.BuildFromManifest(m.Snapshot())

	plan, err := e.scan.Scan(e.cfg.BackupFolders, m, idx, func(f string, args ...any) {
		e.logger.Printf(f, args...)
	})
	if err != nil {
		e.warn(fmt.Sprintf("scan failed: %v", err))
		return nil, nil, scanner.Plan{}, false
	}

	e.metrics.PlanAdded(plan.TotalFilesPlanned, plan.BytesPlanned)
	return m, idx, plan, true
}

func (e *Engine) doRunning(bus *cancel.Bus, m *manifest.Manifest, idx *dedup.Index, plan scanner.Plan) {
	e.setState(Running)
	if bus.Cancelled() {
		return
	}

	if res := preflight.CheckSpace(e.backupRoot, plan.BytesPlanned); !res.OK() {
		e.warn(fmt.Sprintf("insufficient free space: %v", res.Err))
		bus.Cancel(cancel.Graceful)
		return
	}

	workers := e.resizeWorkers()
	pool := workerpool.New(workers, bus)
	layout := copier.NewLayout(e.backupsDir, time.Now())
	cp := copier.New(e.journalHandle, bus)

	var filesDone, filesFailed int64
	var bytesDone int64
	total := plan.TotalFilesPlanned
	startedAt := time.Now()

	for _, item := range plan.Items {
		item := item
		submitted := pool.Submit(func() {
			result, err := func() (res copier.Result, err error) {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Printf("engine: panic committing %s: %v", item.RelPath, r)
						res, err = copier.Failed, errkind.New(errkind.CopyFailure, "panic committing "+item.RelPath, fmt.Errorf("%v", r))
					}
				}()
				return cp.Commit(item, layout, m, idx)
			}()
			switch result {
			case copier.Ok:
				atomic.AddInt64(&filesDone, 1)
				atomic.AddInt64(&bytesDone, item.SizeBytes)
				e.metrics.FileCommitted(item.SizeBytes)
				e.emitFileActivity(item.RelPath, item.SizeBytes, "completed")
				if m.DirtyCount() >= manifestFlushEvery {
					if err := m.Flush(); err != nil {
						e.warn(fmt.Sprintf("batched manifest flush failed: %v", err))
					}
				}
			case copier.Skipped:
				atomic.AddInt64(&filesDone, 1)
			case copier.Failed:
				atomic.AddInt64(&filesFailed, 1)
				e.metrics.FileFailed()
				e.emitFileActivity(item.RelPath, item.SizeBytes, "failed")
				if cycleErr, ok := asClassified(err); ok && errkind.IsCycleFatal(cycleErr) {
					e.warn(fmt.Sprintf("cycle-fatal error on %s: %v", item.RelPath, err))
					bus.Cancel(cancel.Graceful)
				}
			}

			done := atomic.LoadInt64(&filesDone) + atomic.LoadInt64(&filesFailed)
			e.emitProgress(item.RelPath, int(done), total, atomic.LoadInt64(&bytesDone), plan.BytesPlanned, startedAt, ipc.StatusRunning)
		})
		if !submitted {
			break
		}
	}

	pool.Close()
}

func (e *Engine) doFinalizing(m *manifest.Manifest) {
	e.setState(Finalizing)
	if m == nil {
		return
	}
	if err := m.Flush(); err != nil {
		e.warn(fmt.Sprintf("manifest flush failed: %v", err))
	}
	if err := e.journalHandle.Sync(); err != nil {
		e.warn(fmt.Sprintf("journal fsync failed: %v", err))
	}
	e.metrics.CycleCompleted()
	e.events.Emit(ipc.Event{Type: ipc.EventBackupProgress, Timestamp: time.Now(), Status: ipc.StatusCompleted})
	e.runSummaryGenerator()
}

// runSummaryGenerator fires the configured external summary generator and
// does not wait on it: per spec.md §1 it is an out-of-scope collaborator
// that writes .backup_summary.json on its own schedule, so a slow or
// wedged generator must never hold up the next cycle's Sleeping phase.
func (e *Engine) runSummaryGenerator() {
	command := e.cfg.SummaryGeneratorCommand
	if command == "" {
		return
	}
	cmd := exec.Command(command)
	cmd.Env = append(os.Environ(),
		"TIMEMACHINE_BACKUP_ROOT="+e.backupRoot,
		"TIMEMACHINE_MANIFEST_PATH="+e.manifestPath,
	)
	go func() {
		if output, err := cmd.CombinedOutput(); err != nil {
			e.logger.Printf("engine: summary generator %q failed: %v (output: %s)", command, err, strings.TrimSpace(string(output)))
		}
	}()
}

func (e *Engine) doSleeping(bus *cancel.Bus) {
	e.setState(Sleeping)
	cancellableSleep(bus, e.cfg.SleepInterval())
}

// resizeWorkers recomputes the pool size for this Running phase per the
// device-class/CPU-load policy, sampling CPU load only for SSD targets
// since HDD always hard-caps regardless of it.
func (e *Engine) resizeWorkers() int {
	class := workerpool.SSD
	if e.cfg.DiskType == config.DiskHDD {
		class = workerpool.HDD
	}

	var util float64
	if class == workerpool.SSD {
		if sampled, ok := workerpool.SampleCPUUtil(time.Second); ok {
			util = sampled
		}
	}

	next := workerpool.Resize(class, int(atomic.LoadInt32(&e.prevWorkers)), util)
	atomic.StoreInt32(&e.prevWorkers, int32(next))
	return next
}

func (e *Engine) warn(description string) {
	e.logger.Printf("engine: %s", description)
	e.events.Emit(ipc.Event{Type: ipc.EventWarning, Timestamp: time.Now(), Description: description})
}

func (e *Engine) emitFileActivity(relPath string, size int64, status string) {
	e.events.Emit(ipc.Event{
		Type:        ipc.EventFileActivity,
		Timestamp:   time.Now(),
		Title:       filepath.Base(relPath),
		Description: fmt.Sprintf("%s (%s)", relPath, humanize.Bytes(uint64(size))),
		Size:        size,
		Status:      ipc.ProgressStatus(status),
	})
}

func (e *Engine) emitProgress(currentFile string, done, total int, bytesDone, totalBytes int64, startedAt time.Time, status ipc.ProgressStatus) {
	var progress float64
	if total > 0 {
		progress = float64(done) / float64(total)
	}

	var eta string
	if bytesDone > 0 && totalBytes > bytesDone {
		elapsed := time.Since(startedAt)
		rate := float64(bytesDone) / elapsed.Seconds()
		if rate > 0 {
			remaining := float64(totalBytes-bytesDone) / rate
			eta = humanize.Time(time.Now().Add(time.Duration(remaining) * time.Second))
		}
	}

	e.events.Emit(ipc.Event{
		Type:           ipc.EventBackupProgress,
		Timestamp:      time.Now(),
		Progress:       progress,
		CurrentFile:    currentFile,
		FilesCompleted: done,
		TotalFiles:     total,
		BytesProcessed: bytesDone,
		TotalBytes:     totalBytes,
		ETA:            eta,
		Status:         status,
	})
}

func asClassified(err error) (errkind.Kind, bool) {
	if err == nil {
		return errkind.Unknown, false
	}
	for _, k := range []errkind.Kind{errkind.DiskFull, errkind.JournalWriteFailure, errkind.ManifestWriteFailure, errkind.TargetReadOnly, errkind.TargetUnavailable} {
		if errkind.Is(err, k) {
			return k, true
		}
	}
	return errkind.Unknown, false
}

func cancellableSleep(bus *cancel.Bus, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-bus.Done():
		return false
	}
}

// EnsureBackupRoot creates the device-root timemachine layout directory if
// it doesn't exist yet, mirroring the teacher's defensive directory setup
// ahead of any backup operation.
func EnsureBackupRoot(devicePath string) (string, error) {
	root := filepath.Join(devicePath, "timemachine")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("engine: create backup root %s: %w", root, err)
	}
	return root, nil
}
