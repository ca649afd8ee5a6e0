// Package webdisp implements a web browser based pattern generator.
//
// The adapter serves a small page whose script long-polls the server for the
// current patch. The browser is the peer and initiates every request; Send only
// replaces the patch the pollers are answered with.
//
// This package is not designed to be accessed by end users, all interaction
// should occur via the Generator in the patterngen package.
package webdisp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RomanHargrave/displaycal-sub006/common"
)

// DefaultPort is the HTTP port served when none is configured
const DefaultPort = 8080

// Adapter implements common.Protocol as an HTTP long-poll server
type Adapter struct {
	host     string
	port     int
	debug    bool
	timeouts common.Timeouts
	client   common.Client
	session  *common.Session
	log      common.Logger

	current   atomic.Pointer[message]
	listening atomic.Bool
	attached  atomic.Bool
	peer      atomic.Value

	server   *http.Server
	listener net.Listener
	stopOnce sync.Once
	sync.RWMutex
}

// Option configures an Adapter
type Option func(*Adapter)

// WithAddress sets the listen address, an empty host listens on all
// interfaces
func WithAddress(host string, port int) Option {
	return func(a *Adapter) {
		a.host = host
		a.port = port
	}
}

// WithDebug mounts the /debug/ routes
func WithDebug(enabled bool) Option {
	return func(a *Adapter) {
		a.debug = enabled
	}
}

// WithTimeouts sets timeouts used when no client supplies them
func WithTimeouts(t common.Timeouts) Option {
	return func(a *Adapter) {
		a.timeouts = t
	}
}

// New returns an idle Adapter
func New(opts ...Option) *Adapter {
	a := &Adapter{
		port:     DefaultPort,
		timeouts: common.DefaultTimeouts(),
		session:  common.NewSession(),
		log:      common.Scoped(`webdisp`),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetClient sets the client on the protocol for bi-directional communication
func (a *Adapter) SetClient(client common.Client) {
	a.Lock()
	a.client = client
	a.Unlock()
}

// Bind overrides the listen address with the non-zero fields of desc
func (a *Adapter) Bind(desc common.Descriptor) error {
	if desc.Port < 0 || desc.Port > 65535 {
		return common.ErrInvalid
	}
	a.Lock()
	defer a.Unlock()
	if desc.Host != `` {
		a.host = desc.Host
	}
	if desc.Port != 0 {
		a.port = desc.Port
	}
	return nil
}

// Addr returns the address being served, or nil before Wait
func (a *Adapter) Addr() net.Addr {
	a.RLock()
	defer a.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Wait starts the HTTP server and blocks until a browser polls for the first
// time
func (a *Adapter) Wait(ctx context.Context) error {
	if err := a.session.Listen(); err != nil {
		return err
	}
	t := a.resolveTimeouts()

	a.RLock()
	addr := net.JoinHostPort(a.host, strconv.Itoa(a.port))
	a.RUnlock()
	ln, err := net.Listen(`tcp`, addr)
	if err != nil {
		return a.session.Fail(common.NewError(common.TransportUnavailable, `listen`, err))
	}

	srv := &http.Server{
		Handler:           a.handler(),
		ReadHeaderTimeout: t.Connect,
	}
	a.Lock()
	a.listener = ln
	a.server = srv
	a.Unlock()
	a.listening.Store(true)
	a.session.OnRelease(a.stop)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorf("HTTP server stopped: %v", err)
			a.session.Fail(common.NewError(common.ConnectionBroken, `serve`, err))
		}
	}()
	a.log.Infof("Serving pattern generator on http://%v/", ln.Addr())

	err = a.session.Poll(ctx, t.Poll, func() (bool, error) {
		switch a.session.State() {
		case common.StateFailed:
			return false, a.session.Err()
		case common.StateClosed:
			return false, common.ErrClosed
		}
		return a.attached.Load(), nil
	})
	if err != nil {
		_ = a.stop()
		return err
	}
	if err := a.session.Connect(); err != nil {
		return err
	}
	peer, _ := a.peer.Load().(string)
	a.log.Infof("Browser attached from %s", peer)
	a.session.Publish(common.EventPeerAttached{Peer: peer})
	return nil
}

// Send replaces the current patch. Pollers blocked on an older patch are
// answered with this one; intermediate patches a slow poller never saw are
// skipped. Colours are always encoded at 8 bits.
func (a *Adapter) Send(patch common.Patch, profile common.Profile) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	if s := a.session.State(); s != common.StateListening && s != common.StateConnected {
		return common.ErrState
	}
	if profile.Bits != 0 && profile.Bits != 8 {
		a.log.Debugf("Ignoring bit depth %d, browsers take 8 bit colour", profile.Bits)
	}
	profile = common.Profile{Bits: 8, VideoLevels: profile.VideoLevels}

	msg := encode(patch, profile)
	a.current.Store(msg)
	a.log.Debugf("Current patch is now %s", msg.full)
	a.session.Publish(common.EventPatchSent{Patch: patch, Profile: profile})
	return nil
}

// Current returns the full encoding of the current patch, or an empty string
// if none has been sent
func (a *Adapter) Current() string {
	if msg := a.current.Load(); msg != nil {
		return msg.full
	}
	return ``
}

// Disconnect stops serving, pending polls are dropped unanswered. It may be
// called any number of times from any state.
func (a *Adapter) Disconnect() error {
	a.session.Close()
	return nil
}

// Cancel sets the cooperative cancellation flag
func (a *Adapter) Cancel() {
	a.session.Cancel()
}

// State returns the current session state
func (a *Adapter) State() common.State {
	return a.session.State()
}

// NewSubscription returns a *common.Subscription for receiving session events
func (a *Adapter) NewSubscription() (*common.Subscription, error) {
	return a.session.NewSubscription()
}

// CloseSubscription is a callback for handling the closing of subscriptions
func (a *Adapter) CloseSubscription(sub *common.Subscription) error {
	return a.session.CloseSubscription(sub)
}

func (a *Adapter) stop() error {
	a.listening.Store(false)
	var err error
	a.stopOnce.Do(func() {
		a.RLock()
		srv := a.server
		a.RUnlock()
		if srv == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err = srv.Shutdown(ctx); err != nil {
			err = srv.Close()
		}
	})
	return err
}

func (a *Adapter) pollSleep() time.Duration {
	d := a.resolveTimeouts().Poll / 5
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (a *Adapter) resolveTimeouts() common.Timeouts {
	a.RLock()
	defer a.RUnlock()
	return common.ResolveTimeouts(a.client, a.timeouts)
}
