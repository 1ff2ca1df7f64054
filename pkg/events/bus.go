package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event names produced by the watcher.
const (
	Connected            = "connected"
	Disconnected         = "disconnected"
	Error                = "error"
	IdleStarted          = "idle_started"
	AlertEmail           = "alert_email"
	MaxReconnectsReached = "max_reconnects_reached"
	Stopped              = "stopped"
)

// Handler receives the payload of an emitted event. Payloads are event-specific;
// see the watch package for the types carried by each event name.
type Handler func(payload any)

// Bus is a named publish/subscribe dispatcher. Handlers for an event are invoked
// synchronously in registration order. A handler that panics is logged and does
// not prevent the remaining handlers from running.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Register appends handler to the list for event. Multiple handlers per event
// are allowed and preserved in registration order.
func (b *Bus) Register(event string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Emit invokes every handler registered for event with payload.
func (b *Bus) Emit(event string, payload any) {
	b.mu.RLock()
	handlers := b.handlers[event]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(event, h, payload)
	}
}

func (b *Bus) invoke(event string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", event).Interface("panic", r).Msg("Event handler panicked")
		}
	}()
	h(payload)
}
