// Package journal implements the append-only JSONL write-ahead log: every
// copy/link operation is bracketed by a "started" and a "completed" entry,
// durability is batched for throughput, and replay on startup reconciles
// whatever the log left incomplete.
//
// The on-disk format is plain JSONL rather than a binary-framed record
// format, so restore tooling outside this repo can tail and parse it with
// any JSON library. Entry IDs use github.com/google/uuid for a 128-bit
// random id rather than a hand-rolled random source.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

func nowNano() int64 { return time.Now().UnixNano() }

// Type identifies the kind of operation a "started" entry records.
type Type string

const (
	TypeCopy Type = "copy"
	TypeLink Type = "link"
)

// CopyPayload is the payload for a TypeCopy started entry.
type CopyPayload struct {
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	Tmp  string `json:"tmp"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// LinkPayload is the payload for a TypeLink started entry.
type LinkPayload struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// Entry is one JSONL line. Kind distinguishes "started" from "completed";
// exactly one of Copy/Link is populated on a started entry, and neither is
// populated on a completed entry.
type Entry struct {
	Kind string      `json:"kind"` // "started" | "completed"
	ID   string      `json:"id"`
	Type Type        `json:"type,omitempty"`
	Time int64       `json:"time"` // unix nanoseconds
	Copy *CopyPayload `json:"copy,omitempty"`
	Link *LinkPayload `json:"link,omitempty"`
}

// SyncEvery is the default fsync batching interval: appends are fsynced
// every K of them, and unconditionally at cycle end.
const SyncEvery = 100

// Journal is a single append-only log file. All methods are safe for
// concurrent use; appends are serialized by a single lock.
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	w            *bufio.Writer
	path         string
	sinceSync    int
	syncEvery    int
	logger       *log.Logger
}

// Open opens (creating if necessary) the journal file at path for
// appending. It does not replay; call Replay separately so callers can
// reconcile the filesystem before resuming normal operation.
func Open(path string, logger *log.Logger) (*Journal, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{
		file:      f,
		w:         bufio.NewWriter(f),
		path:      path,
		syncEvery: SyncEvery,
		logger:    logger,
	}, nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// AppendStartedCopy appends a "started" entry for a copy operation and
// returns its id.
func (j *Journal) AppendStartedCopy(payload CopyPayload) (string, error) {
	id := uuid.New().String()
	entry := Entry{Kind: "started", ID: id, Type: TypeCopy, Copy: &payload}
	return id, j.append(entry)
}

// AppendStartedLink appends a "started" entry for a hardlink operation and
// returns its id.
func (j *Journal) AppendStartedLink(payload LinkPayload) (string, error) {
	id := uuid.New().String()
	entry := Entry{Kind: "started", ID: id, Type: TypeLink, Link: &payload}
	return id, j.append(entry)
}

// AppendCompleted appends a "completed" entry closing the started entry
// with the given id.
func (j *Journal) AppendCompleted(id string) error {
	return j.append(Entry{Kind: "completed", ID: id})
}

func (j *Journal) append(entry Entry) error {
	entry.Time = nowNano()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	// Line-atomic single write, line-buffered, flushed after every write.
	if _, err := j.w.Write(data); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}

	j.sinceSync++
	if j.sinceSync >= j.syncEvery {
		if err := j.file.Sync(); err != nil {
			j.logger.Printf("journal: fsync failed: %v", err)
			return fmt.Errorf("journal: fsync: %w", err)
		}
		j.sinceSync = 0
	}
	return nil
}

// Sync forces an fsync regardless of the batching counter, used at cycle
// end.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	j.sinceSync = 0
	return j.file.Sync()
}

// Path returns the journal's file path, e.g. for tests or diagnostics.
func (j *Journal) Path() string { return j.path }
