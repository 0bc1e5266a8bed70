// Package preflight probes whether the backup target is reachable and
// writable before a cycle starts planning work, and checks free space
// before a cycle starts copying.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/GeovaneJefferson/timemachine/internal/errkind"
)

// DefaultHeadroomBytes is the fixed safety margin required beyond the
// planned copy size.
const DefaultHeadroomBytes = 5 << 30 // 5 GiB

// Result reports what Check found.
type Result struct {
	Kind errkind.Kind
	Err  error
}

// OK reports whether the probe found no problem.
func (r Result) OK() bool { return r.Kind == errkind.Unknown }

// Check runs the reachability/writability probe against backupRoot: the
// root must exist (or be creatable), and a probe file under
// <backupRoot>/.perm_test/.perm_<pid> must be writable, readable back,
// and removable.
func Check(backupRoot string) Result {
	if err := os.MkdirAll(backupRoot, 0o755); err != nil {
		return classifyMkdir(err)
	}

	probeDir := filepath.Join(backupRoot, ".perm_test")
	if err := os.MkdirAll(probeDir, 0o755); err != nil {
		return classifyMkdir(err)
	}

	probeFile := filepath.Join(probeDir, fmt.Sprintf(".perm_%d", os.Getpid()))
	const marker = "perm-check"
	if err := os.WriteFile(probeFile, []byte(marker), 0o644); err != nil {
		return classifyWrite(err)
	}

	got, err := os.ReadFile(probeFile)
	if err != nil || string(got) != marker {
		return Result{Kind: errkind.TargetReadOnly, Err: err}
	}

	if err := os.Remove(probeFile); err != nil {
		return Result{Kind: errkind.TargetReadOnly, Err: err}
	}

	// Removing the probe directory is best-effort: no removal error fails
	// the check, ENOTEMPTY (another process's probe file still present)
	// included.
	if err := os.Remove(probeDir); err != nil && !os.IsNotExist(err) && !isNotEmpty(err) {
		return Result{Kind: errkind.Unknown}
	}

	return Result{}
}

// CheckSpace verifies that backupRoot has at least plannedBytes plus a
// fixed headroom free.
func CheckSpace(backupRoot string, plannedBytes int64) Result {
	var stat unix.Statfs_t
	if err := unix.Statfs(backupRoot, &stat); err != nil {
		return classifyMkdir(err)
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	required := plannedBytes + DefaultHeadroomBytes
	if free < required {
		return Result{Kind: errkind.DiskFull, Err: fmt.Errorf("preflight: %d bytes free, %d required", free, required)}
	}
	return Result{}
}

func classifyMkdir(err error) Result {
	if os.IsNotExist(err) {
		return Result{Kind: errkind.TargetUnavailable, Err: err}
	}
	if os.IsPermission(err) {
		return Result{Kind: errkind.TargetReadOnly, Err: err}
	}
	return Result{Kind: errkind.TargetUnavailable, Err: err}
}

func classifyWrite(err error) Result {
	if os.IsPermission(err) {
		return Result{Kind: errkind.TargetReadOnly, Err: err}
	}
	return Result{Kind: errkind.TargetUnavailable, Err: err}
}

func isNotEmpty(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.ENOTEMPTY
}
