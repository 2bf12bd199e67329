// Package resource owns the desired-state and remote-state model.
//
// Ownership boundary:
// - desired service description (containers, probes, traffic entries)
// - normalized resource document shared by builder and reconcile engine
// - child resources (domain bindings, invoker bindings) and their
//   back-reference to the service identity
// - error taxonomy surfaced to callers
//
// Resource does not talk to any control plane.
package resource
