// Package hub holds the provider registry and the operation invoker.
//
// Providers are registered once at startup with a Descriptor. Each session
// gets its own OperationSet from the descriptor's Factory, except for
// descriptors marked Shared, whose single lazily built instance is reused by
// every session. Shared providers trade isolation for start-up cost: one
// session's calls can observe state left by another.
//
// The Invoker wraps every tool call with the capability check of
// acl.Registry and converts provider failures into isError results.
package hub
