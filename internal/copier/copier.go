// Package copier commits one scanner.WorkItem at a time: either a
// hardlink to existing content, or a journaled atomic copy, with the
// manifest and dedup index updated on success.
//
// The streamed, chunked, permission-preserving copy path generalizes the
// plain io.Copy+Chmod sequence used for directory-tree backups elsewhere
// in this codebase into the journaled temp-then-rename pipeline this
// engine's crash-safety model requires.
package copier

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/GeovaneJefferson/timemachine/internal/cancel"
	"github.com/GeovaneJefferson/timemachine/internal/dedup"
	"github.com/GeovaneJefferson/timemachine/internal/errkind"
	"github.com/GeovaneJefferson/timemachine/internal/hasher"
	"github.com/GeovaneJefferson/timemachine/internal/journal"
	"github.com/GeovaneJefferson/timemachine/internal/manifest"
	"github.com/GeovaneJefferson/timemachine/internal/scanner"
)

// Result is what Commit returns for one work item.
type Result int

const (
	Ok Result = iota
	Skipped
	Failed
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Layout resolves destination paths for one cycle (SPEC_FULL.md device
// layout: .main_backup for new files, a dated incremental folder for
// modified ones, captured once per cycle).
type Layout struct {
	MainBackupDir string
	IncrementalAt string // <backups>/<DD-MM-YYYY>/<HH-MM>, computed once per cycle
}

// NewLayout builds a Layout rooted at backupsDir, stamping the
// incremental folder with now.
func NewLayout(backupsDir string, now time.Time) Layout {
	return Layout{
		MainBackupDir: filepath.Join(backupsDir, ".main_backup"),
		IncrementalAt: filepath.Join(backupsDir, now.Format("02-01-2006"), now.Format("15-04")),
	}
}

// Dst resolves the destination path for an item under this layout.
func (l Layout) Dst(item scanner.WorkItem) string {
	if item.IsNew {
		return filepath.Join(l.MainBackupDir, filepath.FromSlash(item.RelPath))
	}
	return filepath.Join(l.IncrementalAt, filepath.FromSlash(item.RelPath))
}

// Copier commits work items against a journal, manifest and dedup index
// shared with the rest of the running cycle.
type Copier struct {
	Journal *journal.Journal
	Bus     *cancel.Bus
	pid     int
}

// New returns a Copier writing to j and observing bus for cancellation.
func New(j *journal.Journal, bus *cancel.Bus) *Copier {
	return &Copier{Journal: j, Bus: bus, pid: os.Getpid()}
}

// Commit executes the hardlink-or-copy pipeline for one item, updating m
// and idx on success.
func (c *Copier) Commit(item scanner.WorkItem, layout Layout, m *manifest.Manifest, idx *dedup.Index) (Result, error) {
	dst := layout.Dst(item)

	if item.DedupTarget != "" {
		result, err := c.commitHardlink(item, dst)
		if result == Ok {
			m.Upsert(item.RelPath, manifest.Entry{DstPath: dst, MtimeNs: item.MtimeNs, SizeBytes: item.SizeBytes, ContentHash: item.ContentHash})
			return Ok, nil
		}
		if err != nil && errkind.Is(err, errkind.Cancelled) {
			return Failed, err
		}
		// Fall through to the copy path on any hardlink failure.
	}

	result, err := c.commitCopy(item, dst)
	if result != Ok {
		return result, err
	}
	m.Upsert(item.RelPath, manifest.Entry{DstPath: dst, MtimeNs: item.MtimeNs, SizeBytes: item.SizeBytes, ContentHash: item.ContentHash})
	idx.Insert(item.ContentHash, dst)
	return Ok, nil
}

// commitHardlink implements the hardlink path (A) of the copy pipeline:
// ensure dst's directory exists, journal the link, attempt it, and
// best-effort copy permission/time bits on success.
func (c *Copier) commitHardlink(item scanner.WorkItem, dst string) (Result, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Failed, errkind.New(errkind.CopyFailure, "mkdir dst dir", err)
	}

	id, err := c.Journal.AppendStartedLink(journal.LinkPayload{Src: item.DedupTarget, Dst: dst})
	if err != nil {
		return Failed, errkind.New(errkind.JournalWriteFailure, "append started link", err)
	}

	linkErr := os.Link(item.DedupTarget, dst)
	if linkErr != nil {
		if fi, statErr := os.Stat(dst); statErr == nil && fi.Mode().IsRegular() {
			linkErr = nil // dst already exists as a regular file: treat as satisfied
		}
	}
	if linkErr != nil {
		return Failed, linkErr // cross-device, permission, non-regular dst: fall through to copy
	}

	if srcInfo, err := os.Stat(item.DedupTarget); err == nil {
		_ = os.Chmod(dst, srcInfo.Mode())
		_ = os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime())
	}

	if err := c.Journal.AppendCompleted(id); err != nil {
		return Failed, errkind.New(errkind.JournalWriteFailure, "append completed link", err)
	}
	return Ok, nil
}

// commitCopy implements the atomic copy path (B): stream into a uniquely
// named temp file, fsync it, rename it over dst, fsync the parent
// directory, and journal the whole operation so a crash mid-copy can be
// reconciled by replay.
func (c *Copier) commitCopy(item scanner.WorkItem, dst string) (Result, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Failed, errkind.New(errkind.CopyFailure, "mkdir dst dir", err)
	}
	if fi, err := os.Stat(dst); err == nil && fi.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			return Failed, errkind.New(errkind.CopyFailure, "remove stale dir at dst", err)
		}
	}
	cleanStaleTemp(dst)

	tmp := fmt.Sprintf("%s.tmp_%d_%s", dst, c.pid, uniqueSuffix())

	id, err := c.Journal.AppendStartedCopy(journal.CopyPayload{Src: item.SourceAbsPath, Dst: dst, Tmp: tmp, Hash: item.ContentHash, Size: item.SizeBytes})
	if err != nil {
		return Failed, errkind.New(errkind.JournalWriteFailure, "append started copy", err)
	}

	if err := c.streamCopy(item.SourceAbsPath, tmp); err != nil {
		if kind := classifyCopyError(err); kind != errkind.Unknown {
			return Failed, errkind.New(kind, "stream copy", err)
		}
		return Failed, errkind.New(errkind.CopyFailure, "stream copy", err)
	}

	if srcInfo, err := os.Stat(item.SourceAbsPath); err == nil {
		_ = os.Chmod(tmp, srcInfo.Mode())
		_ = os.Chtimes(tmp, srcInfo.ModTime(), srcInfo.ModTime())
	}

	if err := fsyncPath(tmp); err != nil {
		return Failed, errkind.New(errkind.CopyFailure, "fsync tmp", err)
	}

	if fi, err := os.Stat(dst); err == nil && fi.IsDir() {
		_ = os.RemoveAll(dst)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return Failed, errkind.New(errkind.RenameFailure, "rename tmp to dst", err)
	}
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		dirFile.Close()
	}

	if err := c.Journal.AppendCompleted(id); err != nil {
		return Failed, errkind.New(errkind.JournalWriteFailure, "append completed copy", err)
	}
	return Ok, nil
}

// streamCopy streams src into tmp in hasher.ChunkSize chunks, checking
// the cancel bus between chunks; on immediate cancellation it stops
// writing and leaves tmp in place for the journal's started entry to
// reconcile on replay.
func (c *Copier) streamCopy(src, tmp string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	tmpFile, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer tmpFile.Close()

	buf := make([]byte, hasher.ChunkSize)
	for {
		if c.Bus != nil && c.Bus.IsImmediate() {
			return errkind.New(errkind.Cancelled, "copy interrupted", nil)
		}
		n, readErr := srcFile.Read(buf)
		if n > 0 {
			if _, writeErr := tmpFile.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func cleanStaleTemp(dst string) {
	dir := filepath.Dir(dst)
	base := filepath.Base(dst)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	prefix := base + ".tmp_"
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

func fsyncPath(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func classifyCopyError(err error) errkind.Kind {
	if errkind.Is(err, errkind.Cancelled) {
		return errkind.Cancelled
	}
	if os.IsPermission(err) {
		return errkind.PermissionDenied
	}
	if isDiskFull(err) {
		return errkind.DiskFull
	}
	return errkind.Unknown
}
