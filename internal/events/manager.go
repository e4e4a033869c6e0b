// Package events provides a lightweight in-process event bus for
// execution lifecycle notifications.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a class of event
type EventType string

const (
	ExecutionStarted   EventType = "execution_started"
	ExecutionCompleted EventType = "execution_completed"
	DecisionMade       EventType = "decision_made"
	StrategyChanged    EventType = "strategy_changed"
	BackupCompleted    EventType = "backup_completed"
)

// Event is a single emitted event
type Event struct {
	Type      EventType              `json:"type"`
	Module    string                 `json:"module"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Handler receives events. Handlers must not block; slow consumers
// should buffer internally.
type Handler func(Event)

// Manager dispatches events to subscribers. Safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      map[int]Handler
	nextID   int
	log      zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		all:      make(map[int]Handler),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for a specific event type
func (m *Manager) Subscribe(eventType EventType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], h)
}

// SubscribeAll registers a handler for every event type and returns an
// unsubscribe function. Transient consumers (websocket streams) must
// unsubscribe on disconnect.
func (m *Manager) SubscribeAll(h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.all[id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.all, id)
	}
}

// Emit dispatches an event to all matching subscribers.
// Panicking handlers are recovered so one bad subscriber cannot
// take down an execution.
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Module:    module,
		Timestamp: time.Now(),
		Data:      data,
	}

	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.handlers[eventType])+len(m.all))
	handlers = append(handlers, m.handlers[eventType]...)
	for _, h := range m.all {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		m.dispatch(h, event)
	}
}

func (m *Manager) dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}
