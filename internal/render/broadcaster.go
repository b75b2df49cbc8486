package render

import (
	"sync"

	"github.com/babelcloud/camlink/internal/util"
)

// Broadcaster fans messages out to subscribers. With replay set, the latest
// message is kept and handed to late subscribers so a new viewer does not
// start on a blank page.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- []byte
	replay      bool
	latest      []byte
	closed      bool
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster(replay bool) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan<- []byte),
		replay:      replay,
	}
}

// Subscribe registers a subscriber. The returned channel is closed on
// Unsubscribe, on Close, or when the subscriber falls behind.
func (b *Broadcaster) Subscribe(subscriberID string, bufferSize int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan []byte)
		close(ch)
		return ch
	}

	ch := make(chan []byte, bufferSize)
	b.subscribers[subscriberID] = ch
	if len(b.latest) > 0 {
		select {
		case ch <- b.latest:
		default:
		}
	}

	util.GetLogger().Info("Subscriber added", "id", subscriberID, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[subscriberID]; ok {
		close(ch)
		delete(b.subscribers, subscriberID)
		util.GetLogger().Info("Subscriber removed", "id", subscriberID, "remaining", len(b.subscribers))
	}
}

// Broadcast sends image to every subscriber. A subscriber whose channel is
// full is dropped.
func (b *Broadcaster) Broadcast(image []byte) {
	if len(image) == 0 {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.replay {
		b.latest = image
	}

	var dropped []string
	for id, ch := range b.subscribers {
		select {
		case ch <- image:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		close(b.subscribers[id])
		delete(b.subscribers, id)
		util.GetLogger().Warn("Dropping slow subscriber", "id", id)
	}
	b.mu.Unlock()
}

// Close closes every subscriber channel. Later broadcasts are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[string]chan<- []byte)
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
