package mcpservice

import (
	"context"
	"sync"
)

// ChangeNotifier is a small in-process fan-out used to signal that a tool
// list changed. The zero value is ready to use.
type ChangeNotifier struct {
	mu     sync.Mutex
	subs   map[chan struct{}]struct{}
	closed bool
}

// Notify signals every current subscriber. Slow subscribers coalesce: a
// subscriber with a pending signal is not signalled twice.
func (cn *ChangeNotifier) Notify() {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.closed {
		return
	}
	for ch := range cn.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel that receives a signal after each Notify. The
// subscription is dropped and the channel closed once ctx is done or the
// notifier is closed.
func (cn *ChangeNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		close(ch)
		return ch
	}
	if cn.subs == nil {
		cn.subs = make(map[chan struct{}]struct{})
	}
	cn.subs[ch] = struct{}{}
	cn.mu.Unlock()

	go func() {
		<-ctx.Done()
		cn.mu.Lock()
		defer cn.mu.Unlock()
		if _, ok := cn.subs[ch]; ok {
			delete(cn.subs, ch)
			close(ch)
		}
	}()

	return ch
}

// Close closes every subscriber channel. Subsequent subscriptions receive an
// already closed channel.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	cn.closed = true
	for ch := range cn.subs {
		close(ch)
	}
	cn.subs = nil
}
