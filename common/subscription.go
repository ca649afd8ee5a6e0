package common

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const subscriptionChanSize = 16

// SubscriptionTarget defines the interface between a subscription and its
// target object
type SubscriptionTarget interface {
	NewSubscription() (*Subscription, error)
	CloseSubscription(*Subscription) error
}

// Subscription exposes an event channel for consumers, and attaches to a
// SubscriptionTarget, that will feed it with events.
//
// Publishing never waits on the consumer: a session publishes from inside
// Wait and Send, which must keep observing cancellation. When the buffer is
// full the oldest pending event is discarded, so a slow reader still ends up
// with the latest state.
type Subscription struct {
	events   chan interface{}
	quitChan chan struct{}
	id       uuid.UUID
	target   SubscriptionTarget
	dropped  atomic.Uint64
	sync.Mutex
}

// ID returns the unique ID for this subscription
func (s *Subscription) ID() string {
	return s.id.String()
}

// Events returns a chan reader for reading events published to this
// subscription
func (s *Subscription) Events() <-chan interface{} {
	return s.events
}

// Dropped returns the number of events discarded because the consumer fell
// behind
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Write queues an event, discarding the oldest queued one if the buffer is
// full. It returns ErrClosed once the subscription has been closed.
func (s *Subscription) Write(event interface{}) error {
	s.Lock()
	defer s.Unlock()
	select {
	case <-s.quitChan:
		return ErrClosed
	default:
	}

	for {
		select {
		case s.events <- event:
			return nil
		default:
		}
		select {
		case <-s.events:
			s.dropped.Add(1)
		default:
		}
	}
}

// Close detaches the subscription from its target and closes the event
// channel. Closing twice returns ErrClosed.
func (s *Subscription) Close() error {
	s.Lock()
	select {
	case <-s.quitChan:
		s.Unlock()
		Log.Warnf(`subscription already closed`)
		return ErrClosed
	default:
	}
	close(s.quitChan)
	close(s.events)
	s.Unlock()
	return s.target.CloseSubscription(s)
}

// NewSubscription returns a *Subscription attached to the specified target
func NewSubscription(target SubscriptionTarget) *Subscription {
	return &Subscription{
		events:   make(chan interface{}, subscriptionChanSize),
		quitChan: make(chan struct{}),
		id:       uuid.New(),
		target:   target,
	}
}
