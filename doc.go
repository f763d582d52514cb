// Package ot2piloting coordinates color-mixing experiments submitted by
// concurrent clients against a single shared OT-2 liquid-handling robot and
// its attached AS7341 color sensor.
//
// # Architecture
//
// The system is a single long-running coordinator service built around a
// strict at-most-one-in-flight discipline over the shared hardware:
//
//   - natsclient: managed NATS connection (TLS, reconnect, circuit breaker)
//     carrying all device traffic. The device protocol has no native
//     request/response correlation; every payload echoes a session token
//     (user id + experiment id) instead.
//   - experiment: the task model and the single serialized owner of all
//     mutable coordination state (task table, FIFO queue, active-task slot).
//   - scheduler: queue admission, the single-consumer worker loop with its
//     per-task timeout budget, the device event router that advances the
//     in_place -> sensor read -> charging handshake, and the result
//     rendezvous that wakes the exact submitting caller.
//   - wellpool, quota, storage: collaborators for well reservation, per-user
//     experiment allowances, and fire-and-forget result persistence.
//   - gateway: the caller-facing submission surface.
//
// Binaries live under cmd/: the coordinator service itself and a device
// simulator that replays the hardware handshake for end-to-end runs.
package ot2piloting
