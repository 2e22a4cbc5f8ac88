package realtime

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Reserved frame and lifecycle event types.
const (
	// TypePing and TypePong are the application-level heartbeat frames.
	TypePing = "ping"
	TypePong = "pong"
	// TypeConnection carries server-side connection status frames.
	TypeConnection = "connection"
	// TypeNotification carries semantic events with an event name and data.
	TypeNotification = "notification"
	// TypeUploadProgress carries client-originated upload progress frames.
	TypeUploadProgress = "upload_progress"
	// TypeFileUpdate carries client-originated file change frames.
	TypeFileUpdate = "file_update"
	// TypeSubscribe and TypeUnsubscribe manage server-side channel
	// subscriptions for this connection.
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"

	// EventConnected fires when the connection opens.
	EventConnected = "connected"
	// EventDisconnected fires when the connection closes, with a reason.
	EventDisconnected = "disconnected"
	// EventReconnectFailed fires once the reconnect budget is spent.
	EventReconnectFailed = "reconnect_failed"
	// EventRaw fires for inbound frames that are not typed JSON objects.
	EventRaw = "raw"

	// EventAny subscribes a handler to every emitted event.
	EventAny = "*"
)

// Event is one occurrence dispatched to listeners: either an inbound
// frame, keyed by its "type" field, or a connection lifecycle change.
type Event struct {
	// Type is the frame type or lifecycle event name.
	Type string
	// Data is the raw frame payload. Empty for lifecycle events.
	Data json.RawMessage
	// Reason is set on EventDisconnected and EventReconnectFailed.
	Reason string
}

// Handler consumes one event. Handlers run on the connection's event
// goroutine and should not block.
type Handler func(Event)

// EventRouter dispatches events to type-keyed listeners plus a catch-all
// set. Subscription and emission are safe for concurrent use.
type EventRouter struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
}

// NewEventRouter creates an empty router.
func NewEventRouter() *EventRouter {
	return &EventRouter{handlers: make(map[string]map[uint64]Handler)}
}

// On registers a handler for an event type, or for every event when the
// type is EventAny. The returned function unsubscribes exactly that
// handler and is safe to call more than once.
func (r *EventRouter) On(event string, fn Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.handlers[event] == nil {
		r.handlers[event] = make(map[uint64]Handler)
	}
	r.handlers[event][id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers[event], id)
	}
}

// Off removes every handler registered for the given event type. The
// remove-all shape is deliberate; removing a single handler is done
// through the unsubscribe function returned by On.
func (r *EventRouter) Off(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, event)
}

// Emit dispatches the event to its type-keyed handlers and the catch-all
// set. Handlers are invoked from a snapshot taken under the lock, so a
// handler may subscribe or unsubscribe without deadlocking. A panicking
// handler is logged and never prevents the remaining handlers from
// running.
func (r *EventRouter) Emit(ev Event) {
	r.mu.RLock()
	snapshot := make([]Handler, 0, len(r.handlers[ev.Type])+len(r.handlers[EventAny]))
	for _, fn := range r.handlers[ev.Type] {
		snapshot = append(snapshot, fn)
	}
	if ev.Type != EventAny {
		for _, fn := range r.handlers[EventAny] {
			snapshot = append(snapshot, fn)
		}
	}
	r.mu.RUnlock()

	for _, fn := range snapshot {
		r.dispatch(ev, fn)
	}
}

func (r *EventRouter) dispatch(ev Event, fn Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithFields(logrus.Fields{
				"function": "dispatch",
				"event":    ev.Type,
				"panic":    rec,
			}).Error("Event handler panicked")
		}
	}()
	fn(ev)
}
