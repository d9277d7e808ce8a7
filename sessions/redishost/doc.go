// Package redishost implements sessions.SessionHost on Redis Streams so that
// any hub node can publish to a session whose GET stream is held by another
// node.
//
// Design Notes
//   - One stream per session: XADD to publish, blocking XREAD to subscribe.
//   - Streams are trimmed with approximate MAXLEN and refreshed with a TTL on
//     every publish.
//   - CleanupSession appends a tombstone entry that ends subscriptions on
//     every node, then lets the stream expire.
//
// Example:
//
//	host, err := redishost.NewFromEnv()
//	if err != nil { ... }
//	defer host.Close()
package redishost
