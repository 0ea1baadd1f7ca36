// Package errors provides structured error types for the worker.
//
// Every error carries a Phase (where it happened: compile, link, exec,
// engine, control, ...) and a Kind (what happened: compile_failed,
// budget_exceeded, engine_fault, ...). Matching via errors.Is compares
// Phase and Kind, so callers can branch on error category without string
// inspection.
//
// The taxonomy encodes the containment policy: compile/link/task/budget
// kinds are local to one script or task and are absorbed at the tenant
// boundary; only engine_fault and memory_exceeded (see IsFault) escalate,
// and then only to the hosting engine thread, never to the whole process.
package errors
