package streaminghttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

type lockedWriteFlusher struct {
	mu  sync.Mutex
	ctx context.Context
	w   io.Writer
	f   http.Flusher
}

func newLockedWriteFlusher(ctx context.Context, w http.ResponseWriter) (*lockedWriteFlusher, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &lockedWriteFlusher{ctx: ctx, w: w, f: f}, true
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.w.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.f.Flush()
}

// writeFrame writes and flushes b as one unit so frames from concurrent
// writers never interleave.
func (l *lockedWriteFlusher) writeFrame(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return err
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	l.f.Flush()
	return nil
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes a single SSE message event. Multi-line payloads are
// split across data fields.
func writeSSEEvent(wf *lockedWriteFlusher, id string, data []byte) error {
	var buf bytes.Buffer
	if id != "" {
		fmt.Fprintf(&buf, "id: %s\n", id)
	}
	buf.WriteString("event: message\n")
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return wf.writeFrame(buf.Bytes())
}

// keepAlive writes SSE comments every interval until ctx ends or a write
// fails.
func keepAlive(ctx context.Context, wf *lockedWriteFlusher, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := wf.writeFrame([]byte(": keep-alive\n\n")); err != nil {
				return
			}
		}
	}
}
