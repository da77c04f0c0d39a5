package events

import (
	"sync"
	"time"
)

type EventType string

const (
	// EventItemUpdate carries a batch of confirmed item state changes.
	EventItemUpdate EventType = "update"
	// EventBackendStatus signals upstream reachability transitions.
	EventBackendStatus EventType = "backendStatus"
	// EventAssetVersion fires when the configured asset version changes.
	EventAssetVersion EventType = "assetVersionChanged"
)

// ItemChange is one confirmed item state transition.
type ItemChange struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Event is one bus message. Exactly one payload field is set per type.
type Event struct {
	Type      EventType    `json:"type"`
	Changes   []ItemChange `json:"changes,omitempty"`
	OK        bool         `json:"ok,omitempty"`
	Error     string       `json:"error,omitempty"`
	Version   string       `json:"version,omitempty"`
	Timestamp time.Time    `json:"ts"`
}

// Bus decouples the subscription strategies from the WebSocket hub.
// Publishing never blocks; slow subscribers lose events.
type Bus struct {
	mu          sync.RWMutex
	ring        []Event
	ringSize    int
	ringPos     int
	ringCount   int
	subscribers map[int]chan Event
	nextID      int
}

func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 200
	}
	return &Bus{
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
		subscribers: make(map[int]chan Event),
	}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.ringPos] = e
	b.ringPos = (b.ringPos + 1) % b.ringSize
	if b.ringCount < b.ringSize {
		b.ringCount++
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) Subscribe() (id int, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan Event, 64)
	id = b.nextID
	b.nextID++
	b.subscribers[id] = c
	return id, c
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Recent returns the buffered event tail, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.ringCount == 0 {
		return nil
	}
	result := make([]Event, b.ringCount)
	start := (b.ringPos - b.ringCount + b.ringSize) % b.ringSize
	for i := range b.ringCount {
		result[i] = b.ring[(start+i)%b.ringSize]
	}
	return result
}
