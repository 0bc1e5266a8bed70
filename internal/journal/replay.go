package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/GeovaneJefferson/timemachine/internal/hasher"
)

// ReplayResult summarizes what Replay did, for logging and tests.
type ReplayResult struct {
	Scanned        int
	AlreadyClosed  int
	RenamedTmp     int
	DroppedTmp     int
	RelinkedFiles  int
	MarkedComplete int
	NoOp           int
}

// Replay parses the log forward, collects completed ids, then for every
// started entry without a matching completed entry, reconciles the
// filesystem and appends a completed entry of its own. Replay is
// idempotent: running it again against the resulting on-disk state is a
// no-op because every entry it touched now has a completed counterpart.
func Replay(path string, logger *log.Logger) (ReplayResult, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	var result ReplayResult

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return result, fmt.Errorf("journal: replay open %s: %w", path, err)
	}
	defer f.Close()

	completed := make(map[string]bool)
	var started []Entry

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		// A truncated trailing line (crash mid-write) is tolerated: skip it
		// rather than fail the whole replay.
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		result.Scanned++
		switch e.Kind {
		case "completed":
			completed[e.ID] = true
		case "started":
			started = append(started, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("journal: replay scan: %w", err)
	}

	w := bufio.NewWriter(f)
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return result, fmt.Errorf("journal: replay seek: %w", err)
	}

	appendCompleted := func(id string) error {
		entry := Entry{Kind: "completed", ID: id, Time: nowNano()}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			return err
		}
		return nil
	}

	for _, s := range started {
		if completed[s.ID] {
			result.AlreadyClosed++
			continue
		}
		switch s.Type {
		case TypeCopy:
			if s.Copy == nil {
				continue
			}
			if err := replayCopy(*s.Copy, &result, logger); err != nil {
				logger.Printf("journal: replay copy %s: %v", s.ID, err)
				continue
			}
			if err := appendCompleted(s.ID); err != nil {
				return result, fmt.Errorf("journal: replay write completed: %w", err)
			}
			result.MarkedComplete++
		case TypeLink:
			if s.Link == nil {
				continue
			}
			acted, err := replayLink(*s.Link)
			if err != nil {
				logger.Printf("journal: replay link %s: %v", s.ID, err)
				continue
			}
			if acted {
				result.RelinkedFiles++
			} else {
				result.NoOp++
			}
			if err := appendCompleted(s.ID); err != nil {
				return result, fmt.Errorf("journal: replay write completed: %w", err)
			}
			result.MarkedComplete++
		}
	}

	if err := w.Flush(); err != nil {
		return result, fmt.Errorf("journal: replay flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		logger.Printf("journal: replay fsync failed: %v", err)
	}

	return result, nil
}

// replayCopy reconciles an unclosed copy operation: validates a leftover
// temp file against its recorded size and hash before trusting it, else
// discards it and lets the next cycle replan the file.
func replayCopy(p CopyPayload, result *ReplayResult, logger *log.Logger) error {
	if fi, err := os.Stat(p.Dst); err == nil && fi.IsDir() {
		if err := os.RemoveAll(p.Dst); err != nil {
			return fmt.Errorf("remove stale dir at dst: %w", err)
		}
	}

	tmpInfo, tmpErr := os.Stat(p.Tmp)
	switch {
	case tmpErr == nil:
		// Validate size and hash against the payload before trusting tmp.
		if tmpInfo.Size() != p.Size {
			os.Remove(p.Tmp)
			result.DroppedTmp++
			return nil
		}
		sum, err := hasher.HashFile(p.Tmp)
		if err != nil || sum != p.Hash {
			os.Remove(p.Tmp)
			result.DroppedTmp++
			return nil
		}
		if err := os.Rename(p.Tmp, p.Dst); err != nil {
			return fmt.Errorf("rename tmp->dst: %w", err)
		}
		result.RenamedTmp++
		return nil
	case os.IsNotExist(tmpErr):
		if _, err := os.Stat(p.Dst); err == nil {
			// tmp absent, dst exists: already landed, just unclosed.
			result.NoOp++
			return nil
		}
		// Neither tmp nor dst exist: nothing to do, next cycle replans it.
		result.NoOp++
		return nil
	default:
		return tmpErr
	}
}

// replayLink reconciles an unclosed hardlink operation. It returns
// whether it actually created a link.
func replayLink(p LinkPayload) (bool, error) {
	if _, err := os.Stat(p.Dst); err == nil {
		return false, nil
	}
	if _, err := os.Stat(p.Src); err != nil {
		return false, nil
	}
	if err := os.Link(p.Src, p.Dst); err != nil {
		return false, fmt.Errorf("link src->dst: %w", err)
	}
	return true, nil
}
