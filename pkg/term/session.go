// Package term manages interactive shell sessions backed by a
// pseudo-terminal.
//
// Each Session spawns one shell process. The WebSocket handler is the single
// reader: it calls ReadOutput in a loop and forwards chunks to the browser.
// When the agent needs to run a command programmatically, ExecuteCommand does
// not read the PTY itself; it installs a capture tap so the existing reader
// also copies raw data into a buffer, and detects completion by a unique
// marker echoed after the command.
package term

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

const (
	// DefaultCommandTimeout bounds ExecuteCommand end to end.
	DefaultCommandTimeout = 30 * time.Minute

	readBufferSize = 4096
)

var (
	// ErrNotSpawned is returned when I/O is attempted before Spawn.
	ErrNotSpawned = errors.New("pty not spawned")

	// ErrSessionDead is returned when ExecuteCommand is called on a
	// terminated shell.
	ErrSessionDead = errors.New("pty session is not alive")
)

// processStart anchors the monotonic component of command markers.
var processStart = time.Now()

// Session wraps a single PTY-backed shell process.
//
// ReadOutput must only be called from one goroutine. ExecuteCommand may run
// concurrently with the reader; the capture signal is the only
// synchronization point between them.
type Session struct {
	instanceID string
	shell      string
	cols       uint16
	rows       uint16
	logger     *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	spawned bool
	closed  bool
	exited  chan struct{}

	// Capture tap state. Written by ExecuteCommand, observed by ReadOutput.
	capMu     sync.Mutex
	capturing bool
	capture   []string
	chunks    int
	marker    string
	signal    chan struct{}

	// Tuning knobs, fixed at construction.
	settleDelay  time.Duration
	idleFallback time.Duration
	pollInterval time.Duration
}

// NewSession prepares a session for the given shell and dimensions. The
// process is not started until Spawn.
func NewSession(shell string, cols, rows uint16, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	raw := make([]byte, 4)
	_, _ = rand.Read(raw)
	return &Session{
		instanceID:   hex.EncodeToString(raw),
		shell:        shell,
		cols:         cols,
		rows:         rows,
		logger:       logger,
		exited:       make(chan struct{}),
		signal:       make(chan struct{}, 1),
		settleDelay:  300 * time.Millisecond,
		idleFallback: 30 * time.Second,
		pollInterval: 2 * time.Second,
	}
}

// Spawn starts the shell inside a new PTY.
func (s *Session) Spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawned {
		return nil
	}

	cmd := exec.Command(s.shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: s.rows, Cols: s.cols})
	if err != nil {
		return fmt.Errorf("spawning shell %q: %w", s.shell, err)
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.spawned = true

	go func() {
		_ = cmd.Wait()
		close(s.exited)
	}()

	s.logger.Info("PTY spawned", "shell", s.shell, "cols", s.cols, "rows", s.rows)
	return nil
}

// IsAlive reports whether the shell process is still running.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.spawned || s.closed {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// ReadOutput performs one blocking read from the PTY and returns the chunk
// destined for the browser. While a capture tap is active the raw chunk is
// also appended to the capture buffer, and the marker plus its echo preamble
// are removed from the returned data so the user never sees the sentinel.
func (s *Session) ReadOutput() ([]byte, error) {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return nil, ErrNotSpawned
	}

	buf := make([]byte, readBufferSize)
	n, err := ptmx.Read(buf)
	if err != nil {
		return nil, err
	}
	return s.consume(buf[:n]), nil
}

// consume applies the capture tap to a raw chunk and returns the
// browser-facing version.
func (s *Session) consume(raw []byte) []byte {
	chunk := string(raw)

	s.capMu.Lock()
	if s.capturing && chunk != "" {
		s.capture = append(s.capture, chunk)
		s.chunks++
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
	marker := s.marker
	s.capMu.Unlock()

	if marker != "" {
		chunk = strings.ReplaceAll(chunk, " ; echo "+marker, "")
		chunk = strings.ReplaceAll(chunk, marker, "")
	}
	return []byte(chunk)
}

// Write sends keystrokes to the shell.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return ErrNotSpawned
	}
	_, err := ptmx.Write(data)
	return err
}

// Resize changes the PTY dimensions. It never blocks pending I/O.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptmx == nil || s.closed {
		return nil
	}
	s.cols = cols
	s.rows = rows
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// ExecuteCommand writes a command into the PTY and captures its output.
//
// A unique marker echo is appended to the command. The WebSocket reader keeps
// reading as usual; the tap copies every chunk into the capture buffer. The
// command is complete when the marker appears in the stripped output beyond
// the echoed command line. Falls back to returning the buffer after
// idleFallback with no new data, or best effort at the total timeout.
func (s *Session) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if !s.IsAlive() {
		return "", ErrSessionDead
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	marker := fmt.Sprintf("__AGENT_DONE_%s_%d__", s.instanceID, time.Since(processStart).Milliseconds()%999999)
	fullCommand := command + " ; echo " + marker

	s.logger.Info("executing command in PTY", "command", truncate(command, 120), "marker", marker)

	s.capMu.Lock()
	s.capturing = true
	s.capture = nil
	s.chunks = 0
	s.marker = marker
	select {
	case <-s.signal:
	default:
	}
	s.capMu.Unlock()

	defer func() {
		s.capMu.Lock()
		s.capturing = false
		s.capture = nil
		s.chunks = 0
		s.marker = ""
		s.capMu.Unlock()
	}()

	// Let the prompt settle before typing.
	select {
	case <-time.After(s.settleDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if err := s.Write([]byte(fullCommand + "\r")); err != nil {
		return "", fmt.Errorf("writing command: %w", err)
	}

	start := time.Now()
	deadline := start.Add(timeout)
	lastData := time.Now()
	lastChunks := 0
	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	for {
		raw, chunks := s.snapshotCapture()
		clean := StripANSI(raw)

		// The first line is the echoed command and contains the marker
		// text itself, so completion is only detected past it.
		body := ""
		if nl := strings.IndexByte(clean, '\n'); nl >= 0 {
			body = clean[nl+1:]
		}
		if idx := strings.Index(body, marker); idx >= 0 {
			s.logger.Info("command marker found",
				"elapsed", time.Since(start).Round(time.Millisecond),
				"captured_chars", len(clean))
			return strings.TrimSpace(body[:idx]), nil
		}

		if chunks > lastChunks {
			lastChunks = chunks
			lastData = time.Now()
		}
		if chunks > 0 && time.Since(lastData) >= s.idleFallback {
			s.logger.Warn("command capture idle fallback",
				"idle", time.Since(lastData).Round(time.Second),
				"captured_chars", len(clean))
			return strings.TrimSpace(body), nil
		}
		if time.Now().After(deadline) {
			s.logger.Warn("command capture timed out",
				"timeout", timeout,
				"captured_chars", len(clean))
			return strings.TrimSpace(clean), nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.pollInterval)
		select {
		case <-s.signal:
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *Session) snapshotCapture() (string, int) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	return strings.Join(s.capture, ""), s.chunks
}

// Close terminates the shell process and releases the PTY. Safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.cmd != nil && s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil {
			s.logger.Debug("killing PTY child", "error", err)
		}
	}
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
	s.logger.Info("PTY session closed", "instance_id", s.instanceID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
