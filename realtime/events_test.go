package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterDispatchesByType(t *testing.T) {
	r := NewEventRouter()

	var typed, all []string
	r.On("file_update", func(ev Event) { typed = append(typed, ev.Type) })
	r.On(EventAny, func(ev Event) { all = append(all, ev.Type) })

	r.Emit(Event{Type: "file_update"})
	r.Emit(Event{Type: "notification"})

	assert.Equal(t, []string{"file_update"}, typed)
	assert.Equal(t, []string{"file_update", "notification"}, all)
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewEventRouter()

	calls := 0
	off := r.On("x", func(Event) { calls++ })

	r.Emit(Event{Type: "x"})
	off()
	r.Emit(Event{Type: "x"})
	// Unsubscribing twice is harmless.
	off()

	assert.Equal(t, 1, calls)
}

func TestRouterOffRemovesAllHandlers(t *testing.T) {
	r := NewEventRouter()

	calls := 0
	r.On("x", func(Event) { calls++ })
	r.On("x", func(Event) { calls++ })

	r.Off("x")
	r.Emit(Event{Type: "x"})

	assert.Equal(t, 0, calls)
}

func TestRouterPanicIsolation(t *testing.T) {
	r := NewEventRouter()

	survived := 0
	r.On("x", func(Event) { panic("listener bug") })
	r.On("x", func(Event) { survived++ })
	r.On(EventAny, func(Event) { survived++ })

	require.NotPanics(t, func() { r.Emit(Event{Type: "x"}) })
	assert.Equal(t, 2, survived, "siblings must still run after a panic")
}

func TestRouterHandlerCanUnsubscribeDuringEmit(t *testing.T) {
	r := NewEventRouter()

	calls := 0
	var off func()
	off = r.On("x", func(Event) {
		calls++
		off()
	})

	r.Emit(Event{Type: "x"})
	r.Emit(Event{Type: "x"})

	assert.Equal(t, 1, calls)
}

func TestRouterEventCarriesPayload(t *testing.T) {
	r := NewEventRouter()

	var got Event
	r.On("notification", func(ev Event) { got = ev })

	payload := json.RawMessage(`{"type":"notification","event":"file_uploaded","data":{"id":"f-1"}}`)
	r.Emit(Event{Type: "notification", Data: payload})

	assert.Equal(t, payload, got.Data)
}
