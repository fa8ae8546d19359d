package term

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "color codes",
			input: "\x1b[31mred\x1b[0m plain",
			want:  "red plain",
		},
		{
			name:  "cursor movement",
			input: "\x1b[2Ktext\x1b[1A",
			want:  "text",
		},
		{
			name:  "osc title sequence",
			input: "\x1b]0;user@host: ~\x07prompt$",
			want:  "prompt$",
		},
		{
			name:  "bracketed paste toggles",
			input: "\x1b[?2004hls -la\x1b[?2004l",
			want:  "ls -la",
		},
		{
			name:  "plain text untouched",
			input: "SELECT 1;\r\n",
			want:  "SELECT 1;\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripANSI(tt.input))
		})
	}
}

// newPipeSession builds an unspawned session whose writes land in an
// os.Pipe, with timing knobs shortened for tests.
func newPipeSession(t *testing.T) *Session {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})

	s := NewSession("/bin/bash", 80, 24, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	s.ptmx = w
	s.spawned = true
	s.settleDelay = 5 * time.Millisecond
	s.idleFallback = 150 * time.Millisecond
	s.pollInterval = 20 * time.Millisecond
	return s
}

func TestConsumeTapsRawAndStripsMarkerForBrowser(t *testing.T) {
	s := newPipeSession(t)
	marker := "__AGENT_DONE_test_123__"

	s.capMu.Lock()
	s.capturing = true
	s.marker = marker
	s.capMu.Unlock()

	browser := s.consume([]byte("ls ; echo " + marker + "\r\n"))

	// Raw chunk is captured marker and all.
	raw, chunks := s.snapshotCapture()
	assert.Equal(t, 1, chunks)
	assert.Contains(t, raw, marker)

	// Browser never sees the sentinel or its echo preamble.
	assert.Equal(t, "ls\r\n", string(browser))

	select {
	case <-s.signal:
	default:
		t.Fatal("capture signal was not raised")
	}
}

func TestExecuteCommandDetectsMarker(t *testing.T) {
	s := newPipeSession(t)

	// Simulate the WebSocket reader feeding chunks after the command is
	// written: the echoed command line, the output, then the marker echo.
	go func() {
		time.Sleep(30 * time.Millisecond)
		s.capMu.Lock()
		marker := s.marker
		s.capMu.Unlock()

		s.consume([]byte(fmt.Sprintf("ls ; echo %s\r\n", marker)))
		s.consume([]byte("file_a.sql\r\nfile_b.sql\r\n"))
		s.consume([]byte(marker + "\r\n"))
	}()

	out, err := s.ExecuteCommand(context.Background(), "ls", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "file_a.sql\r\nfile_b.sql", out)
}

func TestExecuteCommandCapturesEchoOutput(t *testing.T) {
	s := newPipeSession(t)

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.capMu.Lock()
		marker := s.marker
		s.capMu.Unlock()

		s.consume([]byte(fmt.Sprintf("echo hello ; echo %s\r\n", marker)))
		s.consume([]byte("hello\r\n"))
		s.consume([]byte(marker + "\r\n"))
	}()

	out, err := s.ExecuteCommand(context.Background(), "echo hello", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestExecuteCommandEchoedMarkerDoesNotComplete(t *testing.T) {
	s := newPipeSession(t)

	// Only the echoed command arrives; the real marker echo never does.
	// The echoed line contains the marker text but must not count as
	// completion, so the idle fallback fires instead.
	go func() {
		time.Sleep(30 * time.Millisecond)
		s.capMu.Lock()
		marker := s.marker
		s.capMu.Unlock()

		s.consume([]byte(fmt.Sprintf("sleep 99 ; echo %s\r\n", marker)))
		s.consume([]byte("still working\r\n"))
	}()

	out, err := s.ExecuteCommand(context.Background(), "sleep 99", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still working", out)
}

func TestExecuteCommandRequiresLiveSession(t *testing.T) {
	s := NewSession("/bin/bash", 80, 24, nil)

	_, err := s.ExecuteCommand(context.Background(), "ls", time.Second)
	assert.ErrorIs(t, err, ErrSessionDead)
}

func TestExecuteCommandHonorsContextCancel(t *testing.T) {
	s := newPipeSession(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := s.ExecuteCommand(ctx, "sleep 99", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteCommandTotalTimeoutReturnsBestEffort(t *testing.T) {
	s := newPipeSession(t)
	s.idleFallback = time.Hour // keep the idle path out of this test

	go func() {
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(time.Second)
		for i := 0; ; i++ {
			select {
			case <-ticker.C:
				s.consume([]byte(fmt.Sprintf("chunk %d\r\n", i)))
			case <-deadline:
				return
			}
		}
	}()

	out, err := s.ExecuteCommand(context.Background(), "tail -f log", 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "chunk"), "expected best-effort capture, got %q", out)
}
