package events

import (
	evbus "github.com/asaskevich/EventBus"

	"bountyline/internal/domain"
)

// TopicCommitted carries every event after it is durable in the log.
const TopicCommitted = "events:committed"

// Bus fans committed events out to in-process observers.
type Bus struct {
	bus evbus.Bus
}

func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

func (b *Bus) Publish(evt domain.Event) {
	if b == nil {
		return
	}
	b.bus.Publish(TopicCommitted, evt)
}

// Subscribe runs fn synchronously on the publishing goroutine.
func (b *Bus) Subscribe(fn func(domain.Event)) error {
	return b.bus.Subscribe(TopicCommitted, fn)
}

// SubscribeAsync runs fn on its own goroutine, one event at a time.
func (b *Bus) SubscribeAsync(fn func(domain.Event)) error {
	return b.bus.SubscribeAsync(TopicCommitted, fn, true)
}

func (b *Bus) Unsubscribe(fn func(domain.Event)) error {
	return b.bus.Unsubscribe(TopicCommitted, fn)
}

// WaitAsync blocks until async handlers have drained.
func (b *Bus) WaitAsync() {
	b.bus.WaitAsync()
}
