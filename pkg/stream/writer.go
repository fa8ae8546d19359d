package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrClientGone reports that the client disconnected mid-stream.
var ErrClientGone = errors.New("stream client disconnected")

// SetHeaders applies the data-stream protocol headers. Must be called
// before the first write.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("x-vercel-ai-ui-message-stream", "v1")
	if h.Get("x-vercel-ai-protocol") == "" {
		h.Set("x-vercel-ai-protocol", "data")
	}
}

// Writer serializes SSE emissions onto one HTTP response and keeps the
// connection warm with comment pings while the producer is quiet.
//
// All methods are safe for concurrent use; the heartbeat goroutine shares
// the same mutex as producers.
type Writer struct {
	mu        sync.Mutex
	out       io.Writer
	flusher   http.Flusher
	lastWrite time.Time
	closed    bool
}

// NewWriter wraps an HTTP response for SSE output. The ResponseWriter must
// support flushing; when it does not, output is still written but may be
// buffered by the server.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{out: w, flusher: flusher, lastWrite: time.Now()}
}

// Send emits one part.
func (w *Writer) Send(p Part) error {
	return w.SendRaw(FormatSSE(p))
}

// SendRaw emits a preformatted SSE message.
func (w *Writer) SendRaw(msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClientGone
	}
	if _, err := io.WriteString(w.out, msg); err != nil {
		w.closed = true
		return ErrClientGone
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	w.lastWrite = time.Now()
	return nil
}

// Done emits the protocol trailer.
func (w *Writer) Done() error {
	return w.SendRaw(Done)
}

// Close marks the writer dead; subsequent sends return ErrClientGone.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// Heartbeat pings the client whenever no message has gone out for the
// given interval. It returns when ctx is cancelled or a write fails;
// callers run it in its own goroutine for the lifetime of the stream.
func (w *Writer) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			idle := time.Since(w.lastWrite) >= interval
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			if !idle {
				continue
			}
			if err := w.SendRaw(Ping); err != nil {
				return
			}
		}
	}
}
