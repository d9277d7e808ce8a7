package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

var (
	// ErrSessionNotFound is returned for ids absent from the table.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when dispatching to a destroyed session.
	ErrSessionClosed = errors.New("session closed")
)

// Session is the live state of one client's interaction with one provider.
type Session struct {
	ID        string
	Provider  string
	CreatedAt time.Time

	ops mcpservice.OperationSet

	ctx    context.Context
	cancel context.CancelCauseFunc
	wake   chan struct{}

	mu              sync.Mutex
	pending         []*job
	stopped         bool
	identity        *acl.Identity
	lastActive      time.Time
	protocolVersion string
	inflight        map[string]context.CancelCauseFunc

	closeOnce sync.Once
	closeErr  error
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	done chan struct{}
	err  error
}

func newSession(id, provider string, ops mcpservice.OperationSet, now time.Time) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		ID:         id,
		Provider:   provider,
		CreatedAt:  now,
		ops:        ops,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		lastActive: now,
		inflight:   make(map[string]context.CancelCauseFunc),
	}
	go s.run()
	return s
}

// Operations returns the session's OperationSet.
func (s *Session) Operations() mcpservice.OperationSet { return s.ops }

// Context is cancelled when the session is destroyed.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session is destroyed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Closed reports whether the session was destroyed.
func (s *Session) Closed() bool { return s.ctx.Err() != nil }

// Identity returns a copy of the bound identity, or nil.
func (s *Session) Identity() *acl.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

func (s *Session) setIdentity(id acl.Identity) {
	s.mu.Lock()
	s.identity = &id
	s.mu.Unlock()
}

// LastActive returns the time of the last Touch.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// SetProtocolVersion records the negotiated protocol version.
func (s *Session) SetProtocolVersion(v string) {
	s.mu.Lock()
	s.protocolVersion = v
	s.mu.Unlock()
}

// Dispatch runs fn on the session's worker after every previously
// dispatched function has returned. fn receives a context that is cancelled
// when ctx is, when the session is destroyed, or when the request is
// cancelled through CancelRequest. Dispatch returns once fn has returned,
// or early when ctx is done.
func (s *Session) Dispatch(ctx context.Context, fn func(ctx context.Context)) error {
	wait, err := s.Enqueue(ctx, fn)
	if err != nil {
		return err
	}
	return wait()
}

// Enqueue appends fn to the session's queue without blocking and returns a
// function that waits for it the way Dispatch does. Functions run in the
// order they were enqueued.
func (s *Session) Enqueue(ctx context.Context, fn func(ctx context.Context)) (wait func() error, err error) {
	j := &job{ctx: ctx, fn: fn, done: make(chan struct{})}
	s.mu.Lock()
	if s.stopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending = append(s.pending, j)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return func() error {
		select {
		case <-j.done:
			return j.err
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}, nil
}

func (s *Session) next() *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	j := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return j
}

func (s *Session) run() {
	defer s.drain()
	for {
		if j := s.next(); j != nil {
			s.runJob(j)
			continue
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
	}
}

// drain fails every job still queued when the session ends.
func (s *Session) drain() {
	s.mu.Lock()
	s.stopped = true
	rest := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, j := range rest {
		j.err = ErrSessionClosed
		close(j.done)
	}
}

func (s *Session) runJob(j *job) {
	defer close(j.done)
	if s.ctx.Err() != nil {
		j.err = ErrSessionClosed
		return
	}
	if err := j.ctx.Err(); err != nil {
		j.err = context.Cause(j.ctx)
		return
	}
	ctx, cancel := context.WithCancelCause(j.ctx)
	stop := context.AfterFunc(s.ctx, func() { cancel(ErrSessionClosed) })
	defer func() {
		stop()
		cancel(nil)
		if r := recover(); r != nil {
			j.err = fmt.Errorf("session %s: panic in dispatched call: %v", s.ID, r)
		}
	}()
	j.fn(ctx)
}

// TrackRequest registers cancel under key so that CancelRequest can abort
// the request. The returned function unregisters it.
func (s *Session) TrackRequest(key string, cancel context.CancelCauseFunc) (untrack func()) {
	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}
}

// CancelRequest cancels the tracked request key, reporting whether one was
// in flight.
func (s *Session) CancelRequest(key string, cause error) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[key]
	delete(s.inflight, key)
	s.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

// close cancels the session and releases its OperationSet once.
func (s *Session) close() error {
	s.closeOnce.Do(func() {
		s.cancel(ErrSessionClosed)
		if c, ok := s.ops.(io.Closer); ok {
			s.closeErr = c.Close()
		}
	})
	return s.closeErr
}

// NewLocalSession returns a session that is not held by any Table. Its ID is
// empty, so the capability check treats its caller as trusted local. The
// caller must Close it.
func NewLocalSession(provider string, ops mcpservice.OperationSet) *Session {
	return newSession("", provider, ops, time.Now())
}

// Close destroys a session created with NewLocalSession.
func (s *Session) Close() error { return s.close() }
