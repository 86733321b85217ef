package failover

import (
	"sync"
	"time"
)

// Reason labels a failover state change
type Reason string

const (
	ReasonFailover Reason = "failover"
	ReasonRecovery Reason = "recovery"
)

// StateChange is published whenever a manager switches endpoints.
type StateChange struct {
	Chain         string    `json:"chain"`
	Reason        Reason    `json:"reason"`
	UsingFallback bool      `json:"usingFallback"`
	Endpoint      string    `json:"-"`
	At            time.Time `json:"at"`
}

// Observer receives state changes. Observers run synchronously on the
// goroutine that caused the change and must not block.
type Observer func(StateChange)

// EventBus fans state changes out to subscribed observers.
type EventBus struct {
	mu        sync.RWMutex
	observers map[int]Observer
	next      int
}

// NewEventBus creates an empty bus
func NewEventBus() *EventBus {
	return &EventBus{observers: make(map[int]Observer)}
}

// Subscribe registers o and returns a function that removes it.
func (b *EventBus) Subscribe(o Observer) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.observers[id] = o
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.observers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every observer
func (b *EventBus) Publish(ev StateChange) {
	b.mu.RLock()
	observers := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		observers = append(observers, o)
	}
	b.mu.RUnlock()

	for _, o := range observers {
		o(ev)
	}
}
