// Package realtime maintains a persistent websocket connection to the
// storage service and routes server events to subscribers.
//
// The Client supervises the connection with an application-level
// heartbeat and reconnects with capped exponential backoff when it
// drops. Outbound frames queue in FIFO order while disconnected and are
// flushed on the next successful connection. Inbound frames are
// dispatched by their "type" field through an EventRouter that isolates
// listener failures from each other.
package realtime
