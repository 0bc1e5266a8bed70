// Package ipc implements the daemon's local control surface: a UNIX
// control socket accepting cancel commands, and a UNIX event socket the
// engine writes progress/activity/warning events to. Both are newline
// terminated JSON, and both are best-effort: a missing event listener
// never blocks the engine, mirroring the original daemon's "log instead
// of blocking" send_to_ui fallback.
package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/GeovaneJefferson/timemachine/internal/cancel"
	"github.com/GeovaneJefferson/timemachine/internal/metrics"
)

// Command is a control-socket request. "cancel" takes a Mode; "stats"
// takes no arguments. Unknown fields are ignored and unknown commands
// get an "unknown_command" response rather than a connection error.
type Command struct {
	Command string `json:"command"`
	Mode    string `json:"mode"`
}

// Response is written back on the control socket after each command.
// Stats is populated only for a "stats" command.
type Response struct {
	Result string            `json:"result"`
	Stats  *metrics.Snapshot `json:"stats,omitempty"`
}

// ControlServer accepts cancel and stats commands over a UNIX stream
// socket, raising cancels on a cancel.Bus and answering stats queries
// from a snapshot function supplied by the caller.
type ControlServer struct {
	path     string
	bus      *cancel.Bus
	statsFn  func() metrics.Snapshot
	logger   *log.Logger
	listener net.Listener
	wg       sync.WaitGroup
}

// NewControlServer binds a UNIX socket at path, removing any stale
// socket file left by a previous crashed run before binding. statsFn is
// called once per "stats" command to answer cmd/timemachinectl --stats.
func NewControlServer(path string, bus *cancel.Bus, statsFn func() metrics.Snapshot, logger *log.Logger) (*ControlServer, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen control socket: %w", err)
	}
	return &ControlServer{path: path, bus: bus, statsFn: statsFn, logger: logger, listener: ln}, nil
}

// Serve accepts connections until Close is called. Run it in its own
// goroutine.
func (s *ControlServer) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *ControlServer) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var cmd Command
		resp := Response{Result: "ok"}
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			resp.Result = "unknown_command"
		} else {
			switch cmd.Command {
			case "cancel":
				mode := cancel.Graceful
				if cmd.Mode == "immediate" {
					mode = cancel.Immediate
				}
				s.bus.Cancel(mode)
			case "stats":
				if s.statsFn != nil {
					snap := s.statsFn()
					resp.Stats = &snap
				}
			default:
				resp.Result = "unknown_command"
			}
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// Close stops accepting connections, waits for in-flight handlers to
// finish, and removes the socket file.
func (s *ControlServer) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}

// EventType enumerates the event kinds the engine broadcasts.
type EventType string

const (
	EventAnalyzing      EventType = "analyzing"
	EventBackupProgress EventType = "backup_progress"
	EventFileActivity   EventType = "file_activity"
	EventWarning        EventType = "warning"
)

// ProgressStatus is the backup_progress event's status field.
type ProgressStatus string

const (
	StatusRunning   ProgressStatus = "running"
	StatusCompleted ProgressStatus = "completed"
	StatusFailed    ProgressStatus = "failed"
)

// Event is the JSON object written per line on the event socket. Every
// event carries Type and Timestamp; the rest are populated per event
// type and omitted when zero.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// backup_progress
	Progress       float64        `json:"progress,omitempty"`
	CurrentFile    string         `json:"current_file,omitempty"`
	FilesCompleted int            `json:"files_completed,omitempty"`
	TotalFiles     int            `json:"total_files,omitempty"`
	BytesProcessed int64          `json:"bytes_processed,omitempty"`
	TotalBytes     int64          `json:"total_bytes,omitempty"`
	ETA            string         `json:"eta,omitempty"`
	Status         ProgressStatus `json:"status,omitempty"`

	// file_activity
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Broadcaster emits Events to the event socket, connecting fresh for
// each event. A missing listener is not an error: the send is dropped
// and a line is written to the logger (no warning event is raised),
// matching the original daemon's fallback of logging instead of blocking when no UI is attached.
type Broadcaster struct {
	path   string
	logger *log.Logger
}

// NewBroadcaster returns a Broadcaster targeting the event socket at
// path. The socket itself is owned by a UI client, not this process;
// Broadcaster only ever dials out.
func NewBroadcaster(path string, logger *log.Logger) *Broadcaster {
	return &Broadcaster{path: path, logger: logger}
}

// Emit connects to the event socket and writes one JSON line. Any
// connect or write failure (most commonly: no UI listening) is logged
// and otherwise ignored.
func (b *Broadcaster) Emit(ev Event) {
	conn, err := net.DialTimeout("unix", b.path, 200*time.Millisecond)
	if err != nil {
		if b.logger != nil {
			b.logger.Printf("ipc: no event listener at %s: %v", b.path, err)
		}
		return
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(ev); err != nil && b.logger != nil {
		b.logger.Printf("ipc: failed writing event: %v", err)
	}
}
