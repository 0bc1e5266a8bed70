// Package pidfile enforces single-instance operation for the daemon.
// Unlike the teacher's lock-file-in-the-working-directory approach, this
// daemon runs from arbitrary directories under a service manager, so the
// lock lives at a fixed path (~/.timemachine.pid) and additionally
// recovers from stale locks left by a process that died without
// cleaning up, which a plain O_EXCL lock file cannot do on its own.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile represents an acquired, held instance lock.
type PIDFile struct {
	path string
	file *os.File
}

// Acquire creates path atomically and writes the current process ID into
// it. If the file already exists, the PID recorded inside is checked for
// liveness: a dead process's stale lock is removed and acquisition is
// retried once; a live process's lock causes Acquire to fail.
func Acquire(path string) (*PIDFile, error) {
	pf, err := tryAcquire(path)
	if err == nil {
		return pf, nil
	}
	if !os.IsExist(err) {
		return nil, err
	}

	if stalePID, staleErr := readPID(path); staleErr == nil && !processAlive(stalePID) {
		if rmErr := os.Remove(path); rmErr != nil {
			return nil, fmt.Errorf("pidfile: removing stale lock %s: %w", path, rmErr)
		}
		return tryAcquire(path)
	}

	return nil, fmt.Errorf("pidfile: another instance is already running (see %s)", path)
}

func tryAcquire(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("pidfile: writing pid to %s: %w", path, err)
	}
	return &PIDFile{path: path, file: f}, nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive reports whether pid refers to a live process, using
// signal 0 which performs permission/existence checks without actually
// signaling the process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// Release closes and removes the lock file. Safe to call on a nil
// receiver.
func (p *PIDFile) Release() {
	if p == nil || p.file == nil {
		return
	}
	p.file.Close()
	os.Remove(p.path)
	p.file = nil
}

// Path returns the lock file's path.
func (p *PIDFile) Path() string {
	return p.path
}
