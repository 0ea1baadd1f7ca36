// Package worker runs the engine threads of a script execution worker.
//
// A Thread is a goroutine pinned to an OS thread. It owns engine cells and
// tenant runtimes outright; control messages and events reach it over
// channels and all engine work happens inside its run loop. Each scheduler
// tick drains inputs first, then gives every tenant with runnable work a
// bounded slice, round-robin, so one busy guild cannot starve the rest.
//
// The Supervisor places guilds on threads, fans control messages and
// events out to the owning thread, and merges the threads' status streams
// into the single stream a scheduler consumes.
package worker
