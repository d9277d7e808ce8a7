// Package sessionhosttest is a conformance suite for sessions.SessionHost
// implementations.
package sessionhosttest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-hub-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-hub-go/sessions"
	"github.com/google/uuid"
)

// HostFactory creates a new SessionHost instance for testing.
type HostFactory func(t *testing.T) sessions.SessionHost

// RunSessionHostTests runs the complete SessionHost test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Messaging_PublishAndSubscribeFromBeginning", func(t *testing.T) { testPublishAndSubscribeFromBeginning(t, factory) })
	t.Run("Messaging_PublishAndResumeFromLastEventID", func(t *testing.T) { testPublishAndSubscribeFromLastEventID(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
	t.Run("Messaging_ResumeFromNonExistentEventID", func(t *testing.T) { testResumeFromNonExistentEventID(t, factory) })
	t.Run("Messaging_OrderPreservedUnderBurst", func(t *testing.T) { testOrderPreservedUnderBurst(t, factory) })
	t.Run("FanOut_AllSubscribersReceiveAllFuture", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("FanOut_LateSubscriberOnlySeesLaterMessages", func(t *testing.T) { testLateSubscriber(t, factory) })
	t.Run("Cleanup_EndsSubscriptions", func(t *testing.T) { testCleanupEndsSubscriptions(t, factory) })
	t.Run("Lifecycle_UnopenedSessionIsRejected", func(t *testing.T) { testUnopenedSessionIsRejected(t, factory) })
	t.Run("Lifecycle_CleanedSessionStaysClosed", func(t *testing.T) { testCleanedSessionStaysClosed(t, factory) })
}

func sessionID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// open returns a fresh opened session id.
func open(t *testing.T, h sessions.SessionHost, prefix string) string {
	t.Helper()
	sid := sessionID(prefix)
	if err := h.OpenSession(context.Background(), sid); err != nil {
		t.Fatalf("open %s: %v", sid, err)
	}
	return sid
}

func notification(t *testing.T, method string) []byte {
	t.Helper()
	req, err := jsonrpc.NewNotification(method, map[string]any{})
	if err != nil {
		t.Fatalf("new notification: %v", err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

type received struct {
	mu   sync.Mutex
	ids  []string
	msgs [][]byte
}

func (r *received) add(id string, msg []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.msgs = append(r.msgs, msg)
	return len(r.ids)
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func methodOf(t *testing.T, b []byte) string {
	t.Helper()
	var req jsonrpc.Request
	if err := json.Unmarshal(b, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return req.Method
}

// waitSubscribed gives a subscriber goroutine time to register.
func waitSubscribed() { time.Sleep(100 * time.Millisecond) }

func testPublishAndSubscribeFromBeginning(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sid := open(t, h, "sess-1")
	var got received

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sid, "", func(ctx context.Context, msgID string, msg []byte) error {
			got.add(msgID, msg)
			cancel()
			return nil
		})
	}()

	waitSubscribed()

	evID, err := h.PublishSession(ctx, sid, notification(t, "notifications/tools/list_changed"))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if evID == "" {
		t.Fatalf("expected non-empty event id")
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	if len(got.ids) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got.ids))
	}
	if got.ids[0] != evID {
		t.Fatalf("expected event id %s, got %s", evID, got.ids[0])
	}
	if m := methodOf(t, got.msgs[0]); m != "notifications/tools/list_changed" {
		t.Fatalf("unexpected method %s", m)
	}
}

func testPublishAndSubscribeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sid := open(t, h, "sess-2")

	ev1, err := h.PublishSession(ctx, sid, notification(t, "test/m1"))
	if err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	ev2, err := h.PublishSession(ctx, sid, notification(t, "test/m2"))
	if err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	var got received
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sid, ev1, func(ctx context.Context, msgID string, msg []byte) error {
			got.add(msgID, msg)
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	if len(got.ids) != 1 {
		t.Fatalf("expected 1 msg, got %d", len(got.ids))
	}
	if got.ids[0] != ev2 {
		t.Fatalf("expected id %s, got %s", ev2, got.ids[0])
	}
	if m := methodOf(t, got.msgs[0]); m != "test/m2" {
		t.Fatalf("expected test/m2, got %s", m)
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, s2 := open(t, h, "sess-3a"), open(t, h, "sess-3b")
	var got1, got2 received

	d1 := make(chan error, 1)
	go func() {
		d1 <- h.SubscribeSession(ctx, s1, "", func(ctx context.Context, id string, msg []byte) error {
			got1.add(id, msg)
			return nil
		})
	}()
	d2 := make(chan error, 1)
	go func() {
		d2 <- h.SubscribeSession(ctx, s2, "", func(ctx context.Context, id string, msg []byte) error {
			got2.add(id, msg)
			return nil
		})
	}()

	waitSubscribed()
	if _, err := h.PublishSession(ctx, s1, notification(t, "test/a")); err != nil {
		t.Fatalf("publish s1: %v", err)
	}
	if _, err := h.PublishSession(ctx, s2, notification(t, "test/b")); err != nil {
		t.Fatalf("publish s2: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-d1
	<-d2

	if c := got1.len(); c != 1 {
		t.Fatalf("s1 expected 1, got %d", c)
	}
	if c := got2.len(); c != 1 {
		t.Fatalf("s2 expected 1, got %d", c)
	}
	if m := methodOf(t, got1.msgs[0]); m != "test/a" {
		t.Fatalf("s1 received %s", m)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	sid := open(t, h, "sess-4")
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sid, "", func(ctx context.Context, id string, msg []byte) error { return nil })
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sid := open(t, h, "sess-5")
	expectedErr := errors.New("handler error")

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sid, "", func(ctx context.Context, id string, msg []byte) error { return expectedErr })
	}()
	waitSubscribed()
	if _, err := h.PublishSession(ctx, sid, notification(t, "test/m")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, expectedErr) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

func testResumeFromNonExistentEventID(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got received
	err := h.SubscribeSession(ctx, open(t, h, "sess-7"), "non-existent-id", func(ctx context.Context, id string, msg []byte) error {
		got.add(id, msg)
		return nil
	})
	// Implementations may either fail fast or block until the deadline; they must not deliver.
	if err == nil {
		t.Logf("subscribe returned nil for non-existent event id")
	}
	if got.len() != 0 {
		t.Fatalf("expected no deliveries, got %d", got.len())
	}
}

func testOrderPreservedUnderBurst(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sid := open(t, h, "sess-8")
	const n = 50
	var got received

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sid, "", func(ctx context.Context, id string, msg []byte) error {
			if got.add(id, msg) == n {
				cancel()
			}
			return nil
		})
	}()
	waitSubscribed()

	for i := 0; i < n; i++ {
		if _, err := h.PublishSession(ctx, sid, notification(t, "test/"+strconv.Itoa(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("subscribe timeout")
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	if len(got.msgs) != n {
		t.Fatalf("expected %d messages, got %d", n, len(got.msgs))
	}
	for i, b := range got.msgs {
		if m := methodOf(t, b); m != "test/"+strconv.Itoa(i) {
			t.Fatalf("ordering mismatch at %d: %s", i, m)
		}
	}
}

func testFanOut(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sid := open(t, h, "fan-1")
	const n = 5
	var r1, r2 received

	sub := func(r *received) chan error {
		subCtx, subCancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			defer subCancel()
			done <- h.SubscribeSession(subCtx, sid, "", func(ctx context.Context, id string, msg []byte) error {
				if r.add(id, msg) == n {
					subCancel()
				}
				return nil
			})
		}()
		return done
	}
	d1, d2 := sub(&r1), sub(&r2)
	waitSubscribed()

	for i := 0; i < n; i++ {
		if _, err := h.PublishSession(ctx, sid, notification(t, "test/"+strconv.Itoa(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	<-d1
	<-d2

	if r1.len() != n || r2.len() != n {
		t.Fatalf("expected %d messages each; got %d and %d", n, r1.len(), r2.len())
	}
	for i := 0; i < n; i++ {
		if r1.ids[i] != r2.ids[i] {
			t.Fatalf("subscribers disagree at %d: %s vs %s", i, r1.ids[i], r2.ids[i])
		}
	}
}

func testLateSubscriber(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sid := open(t, h, "fan-2")
	for i := 0; i < 3; i++ {
		if _, err := h.PublishSession(ctx, sid, notification(t, "early/"+strconv.Itoa(i))); err != nil {
			t.Fatalf("publish early %d: %v", i, err)
		}
	}

	var late received
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sid, "", func(ctx context.Context, id string, msg []byte) error {
			late.add(id, msg)
			return nil
		})
	}()
	waitSubscribed()

	for i := 0; i < 2; i++ {
		if _, err := h.PublishSession(ctx, sid, notification(t, "late/"+strconv.Itoa(i))); err != nil {
			t.Fatalf("publish late %d: %v", i, err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	if late.len() != 2 {
		t.Fatalf("late subscriber expected 2 messages, got %d", late.len())
	}
	if m := methodOf(t, late.msgs[0]); m != "late/0" {
		t.Fatalf("late subscriber first message %s", m)
	}
}

func testCleanupEndsSubscriptions(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sid := open(t, h, "gone")
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sid, "", func(ctx context.Context, id string, msg []byte) error { return nil })
	}()
	waitSubscribed()

	if err := h.CleanupSession(ctx, sid); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected subscribe error after cleanup: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not ended by cleanup")
	}
}

func testUnopenedSessionIsRejected(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sid := sessionID("never-opened")
	if _, err := h.PublishSession(ctx, sid, notification(t, "test/m")); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("publish to unopened session: expected ErrSessionNotFound, got %v", err)
	}
	err := h.SubscribeSession(ctx, sid, "", func(ctx context.Context, id string, msg []byte) error { return nil })
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("subscribe to unopened session: expected ErrSessionNotFound, got %v", err)
	}
}

func testCleanedSessionStaysClosed(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sid := open(t, h, "cleaned")
	if _, err := h.PublishSession(ctx, sid, notification(t, "test/before")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.CleanupSession(ctx, sid); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, err := h.PublishSession(ctx, sid, notification(t, "test/late")); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("late publish: expected ErrSessionNotFound, got %v", err)
	}
	err := h.SubscribeSession(ctx, sid, "", func(ctx context.Context, id string, msg []byte) error { return nil })
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("late subscribe: expected ErrSessionNotFound, got %v", err)
	}
}
