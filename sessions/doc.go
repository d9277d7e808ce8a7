// Package sessions holds the hub's live session state.
//
// A Table maps opaque session ids to Sessions. Each Session is bound to one
// provider, owns the OperationSet produced by that provider's factory, and
// optionally carries the acl.Identity bound to it. Requests for a session
// run one at a time, in arrival order, on the session's dispatch worker.
// Destroying a session cancels its context, stops the worker and closes the
// OperationSet exactly once.
//
// Server-to-client messages (notifications pushed on the GET stream) are
// carried by a SessionHost:
//
//	memoryhost : in-process, for single-node deployments and tests
//	redishost  : Redis Streams, so that any node can publish to a session
//
// sessionhosttest provides the conformance suite both hosts pass.
package sessions
