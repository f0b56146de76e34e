package store

import "sync"

// Topic identifies the repository an event belongs to.
type Topic int

const (
	TopicNodes Topic = iota
	TopicRooms
	TopicSpeakers
	TopicSettings
)

func (t Topic) String() string {
	switch t {
	case TopicNodes:
		return "nodes"
	case TopicRooms:
		return "rooms"
	case TopicSpeakers:
		return "speakers"
	case TopicSettings:
		return "settings"
	default:
		return "unknown"
	}
}

// Change describes what happened to the record.
type Change int

const (
	ChangeAdded Change = iota
	ChangeUpdated
	ChangeRemoved
	// ChangeStatus is a runtime-only node change (online / acquired).
	ChangeStatus
	// ChangeCoordinates is a tracked coordinate update of a room.
	ChangeCoordinates
)

func (c Change) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	case ChangeStatus:
		return "status"
	case ChangeCoordinates:
		return "coordinates"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after a mutation has been committed.
type Event struct {
	Topic     Topic
	Change    Change
	ID        int    // node or room id
	SpeakerID string // speaker id for TopicSpeakers
}

// Listener receives events. It runs synchronously on the publishing
// goroutine, after the store lock has been released.
type Listener func(Event)

// Bus fans events out to listeners in registration order.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[Topic][]subscription
}

type subscription struct {
	id int
	fn Listener
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[Topic][]subscription)}
}

// Subscribe registers fn for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic Topic, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[topic] = append(b.listeners[topic], subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.listeners[topic]
		for i, s := range subs {
			if s.id == id {
				b.listeners[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers evt to every listener of its topic.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.listeners[evt.Topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(evt)
	}
}
