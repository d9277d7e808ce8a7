// Package providers groups the operation providers the hub ships with. Each
// subpackage exposes a constructor returning a hub.Descriptor ready for
// hub.Registry.Register.
package providers
