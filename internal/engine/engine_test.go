package engine

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeovaneJefferson/timemachine/internal/cancel"
	"github.com/GeovaneJefferson/timemachine/internal/config"
	"github.com/GeovaneJefferson/timemachine/internal/ipc"
	"github.com/GeovaneJefferson/timemachine/internal/metrics"
)

func newTestEngine(t *testing.T, sourceDir, backupRoot string) *Engine {
	t.Helper()
	cfg := &config.Config{
		BackupFolders: []string{sourceDir},
		DiskType:      config.DiskSSD,
	}
	logger := log.New(os.Stderr, "", 0)
	e, err := New(cfg, backupRoot, logger, metrics.New(), ipc.NewBroadcaster(filepath.Join(backupRoot, "missing.sock"), nil))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestRunCycleCopiesNewFile(t *testing.T) {
	sourceDir := t.TempDir()
	backupRoot := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello world"), 0o644))

	e := newTestEngine(t, sourceDir, backupRoot)
	bus := cancel.New()

	e.runCycle(context.Background(), bus, true)

	dst := filepath.Join(backupRoot, "backups", ".main_backup", filepath.Base(sourceDir), "a.txt")
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	_, err = os.Stat(filepath.Join(backupRoot, ".backup_manifest.json"))
	assert.NoError(t, err)
}

func TestRunCycleSkipsUnchangedFileOnSecondCycle(t *testing.T) {
	sourceDir := t.TempDir()
	backupRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("content"), 0o644))

	e := newTestEngine(t, sourceDir, backupRoot)

	e.runCycle(context.Background(), cancel.New(), true)
	e.runCycle(context.Background(), cancel.New(), false)

	snap := e.metrics.Snapshot()
	assert.Equal(t, 1.0, snap.FilesDone)
}

func TestResizeWorkersRespectsHDDCap(t *testing.T) {
	backupRoot := t.TempDir()
	sourceDir := t.TempDir()
	cfg := &config.Config{BackupFolders: []string{sourceDir}, DiskType: config.DiskHDD}
	logger := log.New(os.Stderr, "", 0)
	e, err := New(cfg, backupRoot, logger, metrics.New(), ipc.NewBroadcaster(filepath.Join(backupRoot, "missing.sock"), nil))
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 2, e.resizeWorkers())
}

func TestStateStartsIdle(t *testing.T) {
	backupRoot := t.TempDir()
	sourceDir := t.TempDir()
	e := newTestEngine(t, sourceDir, backupRoot)
	assert.Equal(t, Idle, e.State())
}

func TestCancelWithNoActiveCycleDoesNotPanic(t *testing.T) {
	backupRoot := t.TempDir()
	sourceDir := t.TempDir()
	e := newTestEngine(t, sourceDir, backupRoot)
	assert.NotPanics(t, func() { e.Cancel(cancel.Graceful) })
}
