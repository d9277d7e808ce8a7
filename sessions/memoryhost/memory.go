package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-hub-go/sessions"
)

// DefaultMaxBacklog bounds the messages retained per session for resume.
const DefaultMaxBacklog = 1024

// Host is an in-memory implementation of sessions.SessionHost.
type Host struct {
	counter    atomic.Int64
	maxBacklog int

	mu       sync.Mutex
	sessions map[string]*stream
}

type stream struct {
	mu       sync.Mutex
	messages []message
	// wake is closed and replaced whenever a message is appended.
	wake   chan struct{}
	closed chan struct{}
}

type message struct {
	id   string
	data []byte
}

// Option configures a Host.
type Option func(*Host)

// WithMaxBacklog bounds how many messages each session keeps for resume.
func WithMaxBacklog(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.maxBacklog = n
		}
	}
}

// New returns an empty Host.
func New(opts ...Option) *Host {
	h := &Host{maxBacklog: DefaultMaxBacklog, sessions: make(map[string]*stream)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ sessions.SessionHost = (*Host)(nil)

func (h *Host) OpenSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = &stream{wake: make(chan struct{}), closed: make(chan struct{})}
	}
	return nil
}

func (h *Host) stream(sessionID string) (*stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, sessions.ErrSessionNotFound)
	}
	return st, nil
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	st, err := h.stream(sessionID)
	if err != nil {
		return "", err
	}
	id := strconv.FormatInt(h.counter.Add(1), 10)

	st.mu.Lock()
	st.messages = append(st.messages, message{id: id, data: append([]byte(nil), data...)})
	if over := len(st.messages) - h.maxBacklog; over > 0 {
		st.messages = append(st.messages[:0:0], st.messages[over:]...)
	}
	close(st.wake)
	st.wake = make(chan struct{})
	st.mu.Unlock()

	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	st, err := h.stream(sessionID)
	if err != nil {
		return err
	}

	// next is the id of the last message delivered; delivery resumes after it.
	st.mu.Lock()
	var next string
	switch {
	case lastEventID == "":
		if n := len(st.messages); n > 0 {
			next = st.messages[n-1].id
		}
	case indexOf(st.messages, lastEventID) >= 0:
		next = lastEventID
	default:
		st.mu.Unlock()
		return fmt.Errorf("last event id %s not found", lastEventID)
	}
	st.mu.Unlock()

	for {
		st.mu.Lock()
		start := 0
		if next != "" {
			start = indexOf(st.messages, next) + 1
			if start == 0 {
				// Trimmed past the cursor: deliver what remains.
				start = firstAfter(st.messages, next)
			}
		}
		pending := append([]message(nil), st.messages[start:]...)
		wake := st.wake
		st.mu.Unlock()

		for _, m := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
			next = m.id
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-st.closed:
			return nil
		case <-wake:
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if ok {
		close(st.closed)
	}
	return nil
}

func indexOf(msgs []message, id string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].id == id {
			return i
		}
	}
	return -1
}

// firstAfter returns the index of the first message with an id greater than
// id. Ids are decimal and monotonic.
func firstAfter(msgs []message, id string) int {
	n, _ := strconv.ParseInt(id, 10, 64)
	for i, m := range msgs {
		if v, _ := strconv.ParseInt(m.id, 10, 64); v > n {
			return i
		}
	}
	return len(msgs)
}
