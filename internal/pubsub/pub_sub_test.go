package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	leaderChanged EventType = iota
	termChanged
)

func TestPubSub_Delivery(t *testing.T) {
	p := NewPubSub(zap.NewNop())
	defer p.ForceShutdown()

	leaders := make(chan *Event[string], 4)
	terms := make(chan *Event[uint64], 4)
	Subscribe(p, leaderChanged, leaders, SubscriptionOptions{IsBlocking: true})
	Subscribe(p, termChanged, terms, SubscriptionOptions{IsBlocking: true})

	t.Run("delivers typed payloads to subscribers of the event type", func(t *testing.T) {
		Publish(p, NewEvent(leaderChanged, "node-1"))
		Publish(p, NewEvent(termChanged, uint64(7)))

		select {
		case event := <-leaders:
			assert.Equal(t, leaderChanged, event.Type)
			assert.Equal(t, "node-1", event.Payload)
		case <-time.After(time.Second):
			t.Fatal("leader event not delivered")
		}
		select {
		case event := <-terms:
			assert.Equal(t, uint64(7), event.Payload)
		case <-time.After(time.Second):
			t.Fatal("term event not delivered")
		}
	})

	t.Run("drops payloads of the wrong type", func(t *testing.T) {
		Publish(p, NewEvent(leaderChanged, 42))
		Publish(p, NewEvent(leaderChanged, "node-2"))

		select {
		case event := <-leaders:
			assert.Equal(t, "node-2", event.Payload)
		case <-time.After(time.Second):
			t.Fatal("leader event not delivered")
		}
	})
}

func TestPubSub_Unsubscribe(t *testing.T) {
	p := NewPubSub(zap.NewNop())
	defer p.ForceShutdown()

	ch := make(chan *Event[string], 1)
	id := Subscribe(p, leaderChanged, ch, SubscriptionOptions{})
	p.Unsubscribe(leaderChanged, id)

	_, open := <-ch
	assert.False(t, open, "unsubscribe closes the channel")
}

func TestPubSub_NonBlockingDropsWhenFull(t *testing.T) {
	p := NewPubSub(zap.NewNop())

	ch := make(chan *Event[string], 1)
	id := Subscribe(p, leaderChanged, ch, SubscriptionOptions{IsBlocking: false})
	for i := 0; i < 5; i++ {
		Publish(p, NewEvent(leaderChanged, "node"))
	}
	p.GracefulShutdown()

	require.Len(t, ch, 1)
	assert.Equal(t, uint64(4), p.Dropped(leaderChanged, id))
	assert.Zero(t, p.Dropped(termChanged, id))
}

func TestPubSub_Shutdown(t *testing.T) {
	t.Run("graceful shutdown drains and is idempotent", func(t *testing.T) {
		p := NewPubSub(zap.NewNop())
		ch := make(chan *Event[string], 10)
		Subscribe(p, leaderChanged, ch, SubscriptionOptions{IsBlocking: true})
		Publish(p, NewEvent(leaderChanged, "a"))
		Publish(p, NewEvent(leaderChanged, "b"))

		p.GracefulShutdown()
		p.GracefulShutdown()
		assert.Len(t, ch, 2)
	})

	t.Run("publish after shutdown is dropped", func(t *testing.T) {
		p := NewPubSub(zap.NewNop())
		ch := make(chan *Event[string], 1)
		Subscribe(p, leaderChanged, ch, SubscriptionOptions{IsBlocking: true})
		p.ForceShutdown()

		assert.NotPanics(t, func() { Publish(p, NewEvent(leaderChanged, "late")) })
	})
}
