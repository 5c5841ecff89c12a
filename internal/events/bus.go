// Package events provides the in-process fan-out bus the engine uses to
// notify connected workers and interested subsystems about run state
// changes.
package events

import (
	"log"
	"sync"
)

const (
	RunLocked          = "run.locked"
	RunCachedCompleted = "run.cachedCompleted"
	WorkerNotify       = "worker.notify"
	SnapshotCreated    = "snapshot.created"
)

// Event carries a run-scoped notification. Payload contents depend on
// the event name.
type Event struct {
	Name    string
	RunID   string
	Payload map[string]any
}

type Handler func(Event)

type Bus interface {
	Publish(event Event)
	Subscribe(name string, h Handler)
}

// InMemoryBus dispatches events synchronously to subscribers. Handler
// panics are contained so one bad subscriber cannot take down a state
// transition.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{handlers: make(map[string][]Handler)}
}

func (b *InMemoryBus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

func (b *InMemoryBus) Publish(event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Name]
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("event handler panicked for %s: %v", event.Name, r)
				}
			}()
			h(event)
		}()
	}
}
