// Package experiment holds the task model and the Store, the single
// serialized owner of all cross-request coordination state: the task table,
// the FIFO queue of pending task keys, and the active-task slot.
//
// The queue holds keys only; the task table is the sole source of truth for
// task state. All three structures are guarded by one mutex so the worker
// loop, the device event router, and queue admission can never observe or
// produce interleaved updates.
package experiment
