package copier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeovaneJefferson/timemachine/internal/cancel"
	"github.com/GeovaneJefferson/timemachine/internal/dedup"
	"github.com/GeovaneJefferson/timemachine/internal/journal"
	"github.com/GeovaneJefferson/timemachine/internal/manifest"
	"github.com/GeovaneJefferson/timemachine/internal/scanner"
)

func newTestCopier(t *testing.T) (*Copier, *journal.Journal) {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.log"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return New(j, cancel.New()), j
}

func TestCommitNewFileCopiesToMainBackup(t *testing.T) {
	srcDir := t.TempDir()
	backupsDir := t.TempDir()
	src := filepath.Join(srcDir, "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	c, _ := newTestCopier(t)
	layout := NewLayout(backupsDir, time.Now())
	m, err := manifest.Load(filepath.Join(t.TempDir(), "manifest.json"))
	require.NoError(t, err)
	idx := dedup.New()

	item := scanner.WorkItem{SourceAbsPath: src, RelPath: "home/notes.txt", SizeBytes: 5, ContentHash: "h1", IsNew: true}
	result, err := c.Commit(item, layout, m, idx)
	require.NoError(t, err)
	assert.Equal(t, Ok, result)

	dst := filepath.Join(layout.MainBackupDir, "home", "notes.txt")
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	entry, ok := m.Get("home/notes.txt")
	require.True(t, ok)
	assert.Equal(t, dst, entry.DstPath)

	dstDedup, ok := idx.Lookup("h1")
	require.True(t, ok)
	assert.Equal(t, dst, dstDedup)
}

func TestCommitModifiedFileGoesToIncremental(t *testing.T) {
	srcDir := t.TempDir()
	backupsDir := t.TempDir()
	src := filepath.Join(srcDir, "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o644))

	c, _ := newTestCopier(t)
	layout := NewLayout(backupsDir, time.Now())
	m, err := manifest.Load(filepath.Join(t.TempDir(), "manifest.json"))
	require.NoError(t, err)
	idx := dedup.New()

	item := scanner.WorkItem{SourceAbsPath: src, RelPath: "home/notes.txt", SizeBytes: 11, ContentHash: "h2", IsNew: false}
	result, err := c.Commit(item, layout, m, idx)
	require.NoError(t, err)
	assert.Equal(t, Ok, result)

	dst := filepath.Join(layout.IncrementalAt, "home", "notes.txt")
	_, err = os.Stat(dst)
	require.NoError(t, err)
}

func TestCommitHardlinkSharesInode(t *testing.T) {
	srcDir := t.TempDir()
	backupsDir := t.TempDir()

	c, _ := newTestCopier(t)
	layout := NewLayout(backupsDir, time.Now())
	m, err := manifest.Load(filepath.Join(t.TempDir(), "manifest.json"))
	require.NoError(t, err)
	idx := dedup.New()

	original := filepath.Join(srcDir, "notes.txt")
	require.NoError(t, os.WriteFile(original, []byte("hello"), 0o644))
	firstItem := scanner.WorkItem{SourceAbsPath: original, RelPath: "home/notes.txt", SizeBytes: 5, ContentHash: "h1", IsNew: true}
	_, err = c.Commit(firstItem, layout, m, idx)
	require.NoError(t, err)
	canonicalDst, _ := idx.Lookup("h1")

	renamed := filepath.Join(srcDir, "memo.txt")
	require.NoError(t, os.WriteFile(renamed, []byte("hello"), 0o644))
	secondItem := scanner.WorkItem{SourceAbsPath: renamed, RelPath: "home/memo.txt", SizeBytes: 5, ContentHash: "h1", IsNew: true, DedupTarget: canonicalDst}
	result, err := c.Commit(secondItem, layout, m, idx)
	require.NoError(t, err)
	assert.Equal(t, Ok, result)

	memoDst := filepath.Join(layout.MainBackupDir, "home", "memo.txt")
	info1, err := os.Stat(canonicalDst)
	require.NoError(t, err)
	info2, err := os.Stat(memoDst)
	require.NoError(t, err)
	assert.True(t, os.SameFile(info1, info2))

	// Canonical dedup entry is unchanged by a hardlink commit.
	still, ok := idx.Lookup("h1")
	require.True(t, ok)
	assert.Equal(t, canonicalDst, still)
}

func TestCommitHardlinkFallsBackToCopyOnLinkFailure(t *testing.T) {
	srcDir := t.TempDir()
	backupsDir := t.TempDir()
	src := filepath.Join(srcDir, "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	c, _ := newTestCopier(t)
	layout := NewLayout(backupsDir, time.Now())
	m, err := manifest.Load(filepath.Join(t.TempDir(), "manifest.json"))
	require.NoError(t, err)
	idx := dedup.New()

	// A dedup target that doesn't exist makes os.Link fail; Commit must
	// fall through to the copy path rather than returning Failed.
	item := scanner.WorkItem{SourceAbsPath: src, RelPath: "home/notes.txt", SizeBytes: 5, ContentHash: "h1", IsNew: true, DedupTarget: filepath.Join(backupsDir, "nonexistent")}
	result, err := c.Commit(item, layout, m, idx)
	require.NoError(t, err)
	assert.Equal(t, Ok, result)

	dst := filepath.Join(layout.MainBackupDir, "home", "notes.txt")
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}
