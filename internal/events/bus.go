package events

import (
	"context"
	"log/slog"
	"sync"
)

// Bus message types
const (
	TypeDeviceStatus = "device_status"
	TypeGroupStatus  = "group_status"
	TypeAlarm        = "alarm"
	TypeRecording    = "recording"
)

// Message is an in-process notification.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handler is a callback for bus messages.
type Handler func(Message)

// Bus provides in-process pub/sub for the WebSocket feed and automations.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for one message type.
// Returns an unsubscribe function.
func (b *Bus) On(msgType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[msgType] == nil {
		b.handlers[msgType] = make(map[uint64]Handler)
	}
	b.handlers[msgType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[msgType], id)
	}
}

// OnAll registers a handler that receives every message.
// Returns an unsubscribe function.
func (b *Bus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit delivers msg to all matching handlers synchronously.
// A panicking handler is recovered and logged.
func (b *Bus) Emit(msg Message) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[msg.Type])+len(b.allHandlers))
	for _, h := range b.handlers[msg.Type] {
		hs = append(hs, h)
	}
	for _, h := range b.allHandlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("bus handler panic", "type", msg.Type, "panic", r)
				}
			}()
			h(msg)
		}()
	}
}

// Publish mirrors an outbound event onto the bus. It never fails, so a Bus
// can sit inside a Fanout next to the real transports.
func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.Emit(Message{Type: TypeAlarm, Data: ev})
	return nil
}
