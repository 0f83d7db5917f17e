// Package pubsub is a small in-process event bus. Events are broadcast by a single goroutine to typed subscriber
// channels, a slow non-blocking subscriber loses events instead of stalling the bus.
package pubsub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventType identifies a kind of event. Packages define their own constants.
type EventType int

// SubscriptionOptions configures the delivery to one subscriber
type SubscriptionOptions struct {
	// IsBlocking waits for room in the subscriber's channel. Delivery is guaranteed but a slow subscriber stalls
	// every other one, so only events that must not be lost should use it.
	IsBlocking bool
}

// SubscriberID identifies a subscription, it is needed to unsubscribe
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

// Event carries a typed payload
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// subscriber hides the type of its channel behind closures so subscribers of different payload types share one
// registry. The payload type is checked once per delivery.
type subscriber struct {
	deliver func(eventType EventType, payload any) bool
	close   func()
	opts    SubscriptionOptions
	dropped atomic.Uint64
}

type message struct {
	eventType EventType
	payload   any
}

// PubSubClient is the event bus. It is safe for concurrent use.
type PubSubClient struct {
	// mu guards the registry, and the publish channel against being closed during a send
	mu       sync.RWMutex
	registry map[EventType]map[SubscriberID]*subscriber

	// buffered so Publish does not wait for the broadcast of the previous event
	publishChan  chan message
	shuttingDown atomic.Bool
	wg           sync.WaitGroup

	logger *zap.Logger
}

// NewPubSub starts the broadcasting goroutine. It runs until GracefulShutdown or ForceShutdown.
func NewPubSub(logger *zap.Logger) *PubSubClient {
	p := &PubSubClient{
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan message, 100),
		logger:      logger.Named("pubsub"),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Subscribe delivers every event of eventType to ch. The caller owns the buffer size of ch, the channel is closed
// on Unsubscribe. Generic functions cannot be methods, hence the client argument.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	sub := &subscriber{
		opts:  opts,
		close: func() { close(ch) },
		deliver: func(eventType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				p.logger.Warn("Type mismatch for event",
					zap.Int("event", int(eventType)),
					zap.String("expected", fmt.Sprintf("%T", *new(T))),
					zap.String("got", fmt.Sprintf("%T", payload)))
				return false
			}
			event := &Event[T]{Type: eventType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
	}

	id := SubscriberID(nextSubscriberID.Add(1))
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes the subscription and closes its channel
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}
	delete(subscribers, id)
	sub.close()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
	p.logger.Debug("Unsubscribed", zap.Uint64("subscriber", uint64(id)), zap.Int("event", int(eventType)))
}

// Dropped returns the number of events a non-blocking subscriber lost because its channel was full
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if sub, ok := p.registry[eventType][id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Publish queues event for broadcasting. Events published after a shutdown started are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// holding the read lock keeps a shutdown from closing the channel between the check and the send
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.logger.Warn("Dropping published event, shutting down", zap.Int("event", int(event.Type)))
		return
	}
	p.publishChan <- message{eventType: event.Type, payload: event.Payload}
}

// ForceShutdown stops accepting events and returns without waiting for the queued ones
func (p *PubSubClient) ForceShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shuttingDown.Swap(true) {
		return
	}
	p.logger.Debug("Force stop, closing publish channel")
	close(p.publishChan)
}

// GracefulShutdown stops accepting events and waits until the queued ones were broadcast
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if !p.shuttingDown.Swap(true) {
		p.logger.Debug("Graceful stop, draining buffered events")
		close(p.publishChan)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("Broker drained and terminated")
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		subscribers := p.registry[msg.eventType]
		if len(subscribers) > 0 {
			p.logger.Debug("Broadcasting event", zap.Int("event", int(msg.eventType)), zap.Int("listeners", len(subscribers)))
		}
		for id, sub := range subscribers {
			if sub.deliver(msg.eventType, msg.payload) || sub.opts.IsBlocking {
				continue
			}
			dropped := sub.dropped.Add(1)
			p.logger.Warn("Dropped event, subscriber channel blocked",
				zap.Int("event", int(msg.eventType)),
				zap.Uint64("subscriber", uint64(id)),
				zap.Uint64("dropped", dropped))
		}
		p.mu.RUnlock()
	}
}
