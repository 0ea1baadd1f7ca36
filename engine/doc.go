// Package engine owns the native script-execution engine instance and the
// cell that confines it to one thread.
//
// # Architecture
//
// The package provides three layers:
//
//	Instance - an opaque engine instance (production backend: wazero) that
//	           compiles script binaries and instantiates guests
//	Guest    - one instantiated script inside an Instance
//	Cell     - owns zero-or-one Instance, enforces thread confinement and
//	           transparent recreation after a fault
//
// # Thread confinement
//
// An engine instance must never be touched from more than one thread. Go
// cannot express this in the type system, so the Cell fails loudly instead:
// every Cell is created against a Token minted by its owning thread, and
// Acquire panics when presented a different Token. Acquiring is a scoped
// operation; the returned Handle carries the epoch of the instance it
// references.
//
// # Fault recovery
//
// ReportFault disposes the current instance, increments the cell epoch and
// leaves the cell Recovering. The next Acquire creates a fresh instance.
// Everything that lived inside the old instance is gone; handles and any
// state tagged with an older epoch are stale and must not be dereferenced.
// Partial recovery is never attempted.
//
// Ordinary script exceptions are not faults. Faults are conditions that
// poison the whole instance: an aggregate memory ceiling breach, an
// unrecoverable internal engine error, or a forced termination that could
// not be contained to one guest.
package engine
