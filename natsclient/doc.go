// Package natsclient manages the secure NATS connection carrying all device
// traffic. It provides publish/subscribe over core NATS, JetStream KV bucket
// access for the well and quota collaborators, automatic reconnect with a
// circuit breaker, and connection health monitoring.
//
// Transport recovery is deliberately invisible to the coordination core:
// on disconnect the client reconnects and NATS restores subscriptions, and
// in-memory task state is untouched. If the transport stays down, the worker
// loop's timeout check still runs and fails the active task rather than
// hanging forever.
package natsclient
