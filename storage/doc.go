// Package storage persists terminal experiment results.
//
// The coordinator treats persistence as fire-and-forget: a recorder
// failure is logged and never affects the outcome delivered to the
// submitting caller. Two implementations are provided:
//   - PostgresRecorder: durable history in a results table
//   - NopRecorder: discards results when no database is configured
package storage
