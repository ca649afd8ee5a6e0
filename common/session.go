package common

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State of a Session
type State uint8

const (
	// StateIdle is the initial state, no transport resource is held
	StateIdle State = iota
	// StateListening means the transport resource is open and a peer is
	// awaited
	StateListening
	// StateConnected means a peer is attached and ready for patches
	StateConnected
	// StateClosed is reached by Disconnect, from any state
	StateClosed
	// StateFailed is absorbing until Disconnect
	StateFailed
	// StateCancelled means a blocking wait observed the cancellation flag
	StateCancelled
)

var stateNames = [...]string{
	StateIdle:      `idle`,
	StateListening: `listening`,
	StateConnected: `connected`,
	StateClosed:    `closed`,
	StateFailed:    `failed`,
	StateCancelled: `cancelled`,
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return `unknown`
}

// Terminal reports whether no further transition other than Close is possible
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed || s == StateCancelled
}

// Session tracks the lifecycle of one adapter's connection. Each adapter owns
// exactly one Session.
type Session struct {
	state         State
	err           error
	release       []func() error
	released      bool
	cancelled     atomic.Bool
	doneOnce      sync.Once
	done          chan struct{}
	subscriptions map[string]*Subscription
	sync.RWMutex
}

// NewSession returns an idle Session
func NewSession() *Session {
	return &Session{
		done:          make(chan struct{}),
		subscriptions: make(map[string]*Subscription),
	}
}

// State returns the current state
func (s *Session) State() State {
	s.RLock()
	defer s.RUnlock()
	return s.state
}

// Err returns the error that moved the session to StateFailed, if any
func (s *Session) Err() error {
	s.RLock()
	defer s.RUnlock()
	return s.err
}

// Listen moves an idle session to StateListening
func (s *Session) Listen() error {
	if s.Cancelled() {
		return s.Abort()
	}
	return s.transition(StateListening, StateIdle)
}

// Connect moves a listening session to StateConnected
func (s *Session) Connect() error {
	return s.transition(StateConnected, StateListening)
}

// Fail moves a listening or connected session to StateFailed and returns
// err. Failing an already terminal session leaves its state untouched.
func (s *Session) Fail(err *Error) error {
	s.Lock()
	from := s.state
	if from == StateListening || from == StateConnected {
		s.state = StateFailed
		s.err = err
	}
	to := s.state
	s.Unlock()
	if from != to {
		Log.Debugf("Session failed: %v", err)
		s.publish(EventStateChange{From: from, To: to, Err: err})
	}
	return err
}

// Abort moves a non-terminal session to StateCancelled and returns
// ErrCancelled
func (s *Session) Abort() error {
	s.Lock()
	from := s.state
	if !from.Terminal() {
		s.state = StateCancelled
	}
	to := s.state
	s.Unlock()
	if from != to {
		s.publish(EventStateChange{From: from, To: to})
	}
	return ErrCancelled
}

// OnRelease registers fn to be run once when the session is closed. Release
// functions run in reverse order of registration.
func (s *Session) OnRelease(fn func() error) {
	s.Lock()
	released := s.released
	if !released {
		s.release = append(s.release, fn)
	}
	s.Unlock()
	if released {
		if err := fn(); err != nil {
			Log.Warnf("Failed releasing late resource: %v", err)
		}
	}
}

// Close runs the registered release functions exactly once and moves the
// session to StateClosed. It is safe to call from any state, any number of
// times. Release errors are logged, never returned.
func (s *Session) Close() {
	s.Lock()
	from := s.state
	release := s.release
	s.release = nil
	s.released = true
	s.state = StateClosed
	s.Unlock()

	for i := len(release) - 1; i >= 0; i-- {
		if err := release[i](); err != nil {
			Log.Warnf("Failed releasing session resource: %v", err)
		}
	}
	if from != StateClosed {
		s.publish(EventStateChange{From: from, To: StateClosed})
	}
	s.wake()
}

// Cancel sets the cooperative cancellation flag. Blocked waits observe it
// within one poll interval.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.wake()
}

// Cancelled reports whether Cancel has been called
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Done is closed when Cancel or Close is called
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Context derives a context from parent that is also cancelled by Cancel and
// Close
func (s *Session) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Interrupted returns ErrClosed once the session has been closed. Otherwise,
// if Cancel was called or ctx is done, it aborts the session and returns
// ErrCancelled. It returns nil while the wait may go on.
func (s *Session) Interrupted(ctx context.Context) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	if s.Cancelled() || ctx.Err() != nil {
		return s.Abort()
	}
	return nil
}

// Poll calls fn once per interval until it reports done or returns an error.
// Interrupted is checked before every call. An error from fn that raced with
// Close is reported as ErrClosed. fn is expected to block for at most one
// interval.
func (s *Session) Poll(ctx context.Context, interval time.Duration, fn func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Interrupted(ctx); err != nil {
			return err
		}
		done, err := fn()
		if err != nil {
			if s.State() == StateClosed {
				return ErrClosed
			}
			return err
		}
		if done {
			return nil
		}
		select {
		case <-s.done:
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// Publish pushes an event to subscribers
func (s *Session) Publish(event interface{}) {
	s.publish(event)
}

// NewSubscription returns a new *Subscription for receiving events from this
// session
func (s *Session) NewSubscription() (*Subscription, error) {
	sub := NewSubscription(s)
	s.Lock()
	s.subscriptions[sub.ID()] = sub
	s.Unlock()
	return sub, nil
}

// CloseSubscription is a callback for handling the closing of subscriptions
func (s *Session) CloseSubscription(sub *Subscription) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.subscriptions[sub.ID()]; !ok {
		return ErrNotFound
	}
	delete(s.subscriptions, sub.ID())
	return nil
}

func (s *Session) wake() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) transition(to State, from ...State) error {
	s.Lock()
	cur := s.state
	ok := false
	for _, f := range from {
		if cur == f {
			ok = true
			break
		}
	}
	if ok {
		s.state = to
	}
	s.Unlock()
	if !ok {
		if cur == StateClosed {
			return ErrClosed
		}
		return ErrState
	}
	s.publish(EventStateChange{From: cur, To: to})
	return nil
}

func (s *Session) publish(event interface{}) {
	s.RLock()
	subs := make([]*Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	s.RUnlock()

	for _, sub := range subs {
		if err := sub.Write(event); err != nil {
			Log.Debugf("Dropped event for subscription %s: %v", sub.ID(), err)
		}
	}
}
