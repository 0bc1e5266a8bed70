package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeovaneJefferson/timemachine/internal/hasher"
)

// TestReplayValidTmpIsRenamed covers a crash after tmp appears but before
// rename, with a tmp whose content matches the journaled hash/size.
func TestReplayValidTmpIsRenamed(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst", "notes.txt")
	tmp := dst + ".tmp_1_abc"
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	content := []byte("hello world, this is a big-ish file")
	require.NoError(t, os.WriteFile(tmp, content, 0o644))

	sum, err := hasher.HashFile(tmp)
	require.NoError(t, err)

	journalPath := filepath.Join(dir, "journal.log")
	j, err := Open(journalPath, nil)
	require.NoError(t, err)
	id, err := j.AppendStartedCopy(CopyPayload{Src: "src", Dst: dst, Tmp: tmp, Hash: sum, Size: int64(len(content))})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	result, err := Replay(journalPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RenamedTmp)
	assert.Equal(t, 1, result.MarkedComplete)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))

	_ = id
}

// TestReplayCorruptTmpIsDropped covers a started entry referencing a tmp
// whose bytes hash to something other than the payload.
func TestReplayCorruptTmpIsDropped(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst", "notes.txt")
	tmp := dst + ".tmp_1_abc"
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	corrupted := []byte("corrupted bytes")
	require.NoError(t, os.WriteFile(tmp, corrupted, 0o644))

	journalPath := filepath.Join(dir, "journal.log")
	j, err := Open(journalPath, nil)
	require.NoError(t, err)
	_, err = j.AppendStartedCopy(CopyPayload{Src: "src", Dst: dst, Tmp: tmp, Hash: "deadbeef", Size: int64(len(corrupted))})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	result, err := Replay(journalPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DroppedTmp)

	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))
}

func TestReplayAlreadyCompletedIsNoop(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "journal.log")
	j, err := Open(journalPath, nil)
	require.NoError(t, err)
	id, err := j.AppendStartedLink(LinkPayload{Src: "a", Dst: "b"})
	require.NoError(t, err)
	require.NoError(t, j.AppendCompleted(id))
	require.NoError(t, j.Close())

	result, err := Replay(journalPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlreadyClosed)
	assert.Equal(t, 0, result.MarkedComplete)
}

func TestReplayLinkRecreatesWhenSrcExists(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	journalPath := filepath.Join(dir, "journal.log")
	j, err := Open(journalPath, nil)
	require.NoError(t, err)
	_, err = j.AppendStartedLink(LinkPayload{Src: src, Dst: dst})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	result, err := Replay(journalPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RelinkedFiles)

	srcInfo, err := os.Stat(src)
	require.NoError(t, err)
	dstInfo, err := os.Stat(dst)
	require.NoError(t, err)
	assert.True(t, os.SameFile(srcInfo, dstInfo))
}

// TestReplayTruncatedTrailingLineTolerated checks that a truncated final
// line does not break replay of the entries before it.
func TestReplayTruncatedTrailingLineTolerated(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "journal.log")
	j, err := Open(journalPath, nil)
	require.NoError(t, err)
	id, err := j.AppendStartedLink(LinkPayload{Src: "a", Dst: "b"})
	require.NoError(t, err)
	require.NoError(t, j.AppendCompleted(id))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(journalPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"started","id":"trunc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	result, err := Replay(journalPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlreadyClosed)
}

func TestReplayIdempotent(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst", "notes.txt")
	tmp := dst + ".tmp_1_abc"
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	content := []byte("idempotent replay content")
	require.NoError(t, os.WriteFile(tmp, content, 0o644))
	sum, err := hasher.HashFile(tmp)
	require.NoError(t, err)

	journalPath := filepath.Join(dir, "journal.log")
	j, err := Open(journalPath, nil)
	require.NoError(t, err)
	_, err = j.AppendStartedCopy(CopyPayload{Src: "src", Dst: dst, Tmp: tmp, Hash: sum, Size: int64(len(content))})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = Replay(journalPath, nil)
	require.NoError(t, err)
	before, err := os.ReadFile(dst)
	require.NoError(t, err)

	// Second replay from the now-fully-closed state must be a clean no-op.
	result2, err := Replay(journalPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result2.MarkedComplete)

	after, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
