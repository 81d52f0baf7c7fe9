package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperbox/hyperboxd/pkg/types"
)

func TestBrokerDeliversToEverySubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	a := b.Subscribe()
	c := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(types.Event{Kind: types.EventContainerStarted, ContainerId: types.ContainerId("x")})

	for _, sub := range []Subscriber{a, c} {
		select {
		case ev := <-sub:
			assert.Equal(t, types.EventContainerStarted, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive published event")
		}
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed on unsubscribe")
}

func TestBrokerDropsOnFullSubscriberBuffer(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	for i := 0; i < 100; i++ {
		b.Publish(types.Event{Kind: types.EventContainerStarted})
	}

	// The subscriber buffer is 50 deep; with nothing draining it, the
	// broker must drop the overflow rather than block or panic.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, sub, 50)
}
