package daemon

import (
	"sync"

	"github.com/hyperbox/hyperboxd/pkg/types"
)

// Subscriber is a channel that receives broadcast events.
type Subscriber chan types.Event

// Broker fans one stream of daemon events out to many subscribers. It is a
// straightforward generalization of cuemby-warren's cluster event broker
// to this daemon's own Event/EventKind shape: same single internal queue
// plus per-subscriber buffered channel, same drop-on-full subscriber
// semantics so one slow reader can never stall the daemon.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan types.Event
	stopCh      chan struct{}
}

// NewBroker returns a Broker buffering up to 100 undelivered events before
// Publish starts blocking the publisher.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan types.Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() { go b.run() }

// Stop ends the distribution loop. Subscribers are not closed; callers
// still holding one should Unsubscribe first.
func (b *Broker) Stop() { close(b.stopCh) }

// Subscribe returns a new 50-deep buffered channel that receives every
// event published from this point on.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues ev for broadcast. Publish itself never drops: it is the
// per-subscriber delivery in broadcast that drops on a full buffer.
func (b *Broker) Publish(ev types.Event) {
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
			// subscriber buffer full; drop rather than stall the broker
		}
	}
}

// SubscriberCount reports how many subscribers are currently attached.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
