// Package scheduler is the coordination core: queue admission, the
// single-consumer worker loop, the device event router, and the result
// rendezvous.
//
// # At most one in flight
//
// The worker loop is the only writer of task status transitions out of
// queued. It runs on a fixed tick; each cycle either checks the active
// task's elapsed time against the timeout budget or, when no task is
// active, dispatches the next queued task to the device. The device event
// router advances the hardware handshake (in_place -> sensor read ->
// charging) for the active task only; events that do not echo the active
// session token are dropped with a warning, never applied to queued or
// finalized tasks.
//
// # Result delivery
//
// Each submission receives a progress stream. Terminal results travel
// through a per-session-token rendezvous so the exact submitting caller is
// woken, independent of queue position. A second deposit for the same token
// is a logic error that is logged and discarded.
package scheduler
