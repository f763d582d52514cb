// Package gateway exposes the coordinator over HTTP.
//
// The API surface is small: a websocket endpoint that accepts color-mix
// submissions and streams their progress events, a task status lookup, a
// result history query, and the usual health and metrics endpoints. The
// websocket stream mirrors the scheduler's progress events one-to-one, so
// a client sees queued, running, and exactly one terminal event per
// submission.
package gateway
