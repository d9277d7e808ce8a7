// Package acl gates provider operations by capability level.
//
// Each provider declares a Policy mapping operation names (or doublestar
// patterns) to the minimum Level required. Sessions start at the directory
// default, or the provider's open level, and are raised by binding a
// username from the provider's identity Directory, usually through the
// "<provider>-identify" tool.
//
// Directories are loaded lazily through a Loader and cached for DefaultTTL.
// A failed reload keeps serving the last good directory; a provider whose
// directory never loaded treats every session at the default level.
//
// Callers without a session (trusted local transports such as stdio) are
// granted Highest. This is a deliberate trust boundary: exposing a
// sessionless transport to remote callers grants them every operation.
package acl
