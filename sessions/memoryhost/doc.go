// Package memoryhost provides an in-memory sessions.SessionHost for
// single-process hubs and tests. Streams live in RAM and are discarded on
// CleanupSession or process exit.
//
//	Durability        : none
//	Horizontal scale  : no (process local)
//	Ordering          : monotonic decimal ids per host, in publish order per session
//	Delivery          : every subscriber sees every message published after it subscribed
//
// Use redishost when several hub nodes must share session streams.
package memoryhost
