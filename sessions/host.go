package sessions

import "context"

// MessageHandlerFunction receives one message of a session stream.
// Returning an error ends the subscription with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// SessionHost carries the ordered server-to-client message stream of each
// session.
//
// A stream exists from OpenSession until CleanupSession. Publishing to or
// subscribing to any other id fails with an error wrapping
// ErrSessionNotFound, so a late publish cannot resurrect a cleaned stream.
type SessionHost interface {
	// OpenSession creates the session stream. Opening an open stream is a
	// no-op.
	OpenSession(ctx context.Context, sessionID string) error
	// PublishSession appends data to the session stream and returns its
	// event id.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeSession delivers messages published after lastEventID, or
	// only new messages when lastEventID is empty. It blocks until ctx is
	// done, handler fails, or the session is cleaned up.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error
	// CleanupSession discards the stream and ends its subscriptions.
	CleanupSession(ctx context.Context, sessionID string) error
}
