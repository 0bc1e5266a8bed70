// Package logging creates the per-component *log.Logger instances used
// across the engine: a system log cleared on every daemon startup, plus
// per-cycle operational logs with daily rotation and configurable
// retention. Components accept an injected *log.Logger rather than using
// package-level globals, so tests can redirect output per component.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DateFormat is the date stamp embedded in daily log filenames.
const DateFormat = "02-01-2006"

// Config configures one logger instance.
type Config struct {
	Name           string // descriptive name for error reporting
	Path           string // file path for log output
	ClearOnStartup bool   // truncate instead of append (system log)
	RetentionDays  *int   // days to retain rotated logs; nil disables cleanup
}

// New creates a configured *log.Logger, creating its directory, running
// retention cleanup if configured, and opening the file in truncate or
// append mode per ClearOnStartup.
func New(cfg Config) (*log.Logger, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	if cfg.RetentionDays != nil {
		if err := cleanupOld(filepath.Dir(cfg.Path), *cfg.RetentionDays); err != nil {
			fmt.Printf("logging: retention cleanup failed for %s: %v\n", cfg.Name, err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if cfg.ClearOnStartup {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}

	f, err := os.OpenFile(cfg.Path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return log.New(f, "", log.Ldate|log.Ltime|log.Lshortfile), nil
}

// TodayPath builds a daily log path "<baseDir>/<prefix>_DD-MM-YYYY.log".
func TodayPath(baseDir, prefix string) string {
	name := fmt.Sprintf("%s_%s.log", prefix, time.Now().Format(DateFormat))
	return filepath.Join(baseDir, name)
}

var logDatePattern = regexp.MustCompile(`(\d{2}-\d{2}-\d{4})\.log$`)

func cleanupOld(logDir string, retentionDays int) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return err
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		matches := logDatePattern.FindStringSubmatch(entry.Name())
		if len(matches) < 2 {
			continue
		}
		logDate, err := time.Parse(DateFormat, matches[1])
		if err != nil || !logDate.Before(cutoff) {
			continue
		}
		path := filepath.Join(logDir, entry.Name())
		if err := os.Remove(path); err != nil {
			fmt.Printf("logging: failed to remove old log %s: %v\n", path, err)
		}
	}
	return nil
}

// System creates the daemon's system log: cleared on every startup, no
// retention (it never accumulates across runs).
func System(dir string) (*log.Logger, error) {
	return New(Config{
		Name:           "system",
		Path:           filepath.Join(dir, "system.log"),
		ClearOnStartup: true,
	})
}

// Cycle creates today's per-cycle operational log, appended across
// restarts within the same day, with retentionDays of rotation.
func Cycle(dir string, retentionDays int) (*log.Logger, error) {
	return New(Config{
		Name:          "cycle",
		Path:          TodayPath(dir, "cycle"),
		RetentionDays: &retentionDays,
	})
}
