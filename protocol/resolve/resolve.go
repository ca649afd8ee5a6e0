// Package resolve implements the TCP-XML pattern generator protocol spoken by
// DaVinci Resolve and LightSpace.
//
// The adapter listens on a TCP port and accepts exactly one peer, then pushes
// each patch as a length prefixed XML document. Two dialects are supported:
// DialectLS, which describes the patch as rectangles with percentage
// geometry, and DialectCM, which adds explicit bit depths and a separate
// background element.
//
// This package is not designed to be accessed by end users, all interaction
// should occur via the Generator in the patterngen package.
package resolve

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/RomanHargrave/displaycal-sub006/common"
	"github.com/RomanHargrave/displaycal-sub006/protocol/frame"
)

// Dialect selects the XML document layout
type Dialect uint8

const (
	// DialectLS is the rectangle based layout, 8 bit by default
	DialectLS Dialect = iota
	// DialectCM carries explicit bit depths, 10 bit by default
	DialectCM
)

func (d Dialect) String() string {
	if d == DialectCM {
		return `cm`
	}
	return `ls`
}

// DefaultPort is the port receivers connect to
const DefaultPort = 20002

// Adapter implements common.Protocol over a single accepted TCP connection
type Adapter struct {
	dialect  Dialect
	host     string
	port     int
	profile  common.Profile
	timeouts common.Timeouts
	client   common.Client
	session  *common.Session
	listener *net.TCPListener
	conn     net.Conn
	writeMu  sync.Mutex
	log      common.Logger
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

// WithProfile sets the quantization profile used when Send is called without
// one
func WithProfile(p common.Profile) Option {
	return func(a *Adapter) {
		a.profile = p
	}
}

// WithTimeouts sets timeouts used when no client supplies them
func WithTimeouts(t common.Timeouts) Option {
	return func(a *Adapter) {
		a.timeouts = t
	}
}

// New returns an idle Adapter speaking dialect
func New(dialect Dialect, opts ...Option) *Adapter {
	a := &Adapter{
		dialect:  dialect,
		port:     DefaultPort,
		profile:  common.DefaultProfile,
		timeouts: common.DefaultTimeouts(),
		session:  common.NewSession(),
		log:      common.Scoped(`resolve`),
	}
	if dialect == DialectCM {
		a.profile = common.Profile{Bits: 10}
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

// Addr returns the address the adapter is listening on, or nil before Wait
func (a *Adapter) Addr() net.Addr {
	a.RLock()
	defer a.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Wait binds the listen socket and blocks until one peer connects. Accept is
// retried once per poll interval so that cancellation is observed promptly.
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
	listener := ln.(*net.TCPListener)
	a.Lock()
	a.listener = listener
	a.Unlock()
	a.session.OnRelease(func() error { return closeQuietly(listener) })
	a.log.Infof("Waiting for %s connection on %v", a.dialect, listener.Addr())

	var conn net.Conn
	err = a.session.Poll(ctx, t.Poll, func() (bool, error) {
		if err := listener.SetDeadline(time.Now().Add(t.Poll)); err != nil {
			return false, a.session.Fail(common.NewError(common.TransportUnavailable, `accept`, err))
		}
		c, err := listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return false, nil
			}
			if a.session.State() == common.StateClosed {
				return false, common.ErrClosed
			}
			return false, a.session.Fail(common.NewError(common.TransportUnavailable, `accept`, err))
		}
		conn = c
		return true, nil
	})
	// exactly one peer is served, later connection attempts are refused
	_ = closeQuietly(listener)
	if err != nil {
		return err
	}

	a.Lock()
	a.conn = conn
	a.Unlock()
	a.session.OnRelease(func() error { return closeQuietly(conn) })
	if err := a.session.Connect(); err != nil {
		_ = conn.Close()
		return err
	}
	a.log.Infof("Connected to %v", conn.RemoteAddr())
	a.session.Publish(common.EventPeerAttached{Peer: conn.RemoteAddr().String()})
	return nil
}

// Send quantizes the patch and writes it to the peer as one frame. A write
// failure moves the session to StateFailed.
func (a *Adapter) Send(patch common.Patch, profile common.Profile) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	a.RLock()
	profile = profile.OrDefault(a.profile)
	conn := a.conn
	a.RUnlock()
	if err := profile.Validate(); err != nil {
		return err
	}
	if a.session.State() != common.StateConnected || conn == nil {
		return common.ErrState
	}

	doc := Document{
		Foreground: profile.Quantize(patch.Foreground),
		Background: profile.Quantize(patch.Background),
		Bits:       profile.Bits,
		Geometry:   Correct(patch.Geometry),
	}
	var payload []byte
	if a.dialect == DialectCM {
		payload = EncodeCM(doc)
	} else {
		payload = EncodeLS(doc)
	}
	a.log.Debugf("Sending %s", payload)

	t := a.resolveTimeouts()
	a.writeMu.Lock()
	err := conn.SetWriteDeadline(time.Now().Add(t.Connect))
	if err == nil {
		err = frame.Write(conn, payload)
	}
	a.writeMu.Unlock()
	if err != nil {
		a.log.Warnf("Write to %v failed: %v", conn.RemoteAddr(), err)
		return a.session.Fail(common.NewError(common.ConnectionBroken, `send`, err))
	}

	a.session.Publish(common.EventPatchSent{Patch: patch, Profile: profile})
	return nil
}

// Disconnect closes the connection and listener, it may be called any number
// of times from any state
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

func (a *Adapter) resolveTimeouts() common.Timeouts {
	a.RLock()
	defer a.RUnlock()
	return common.ResolveTimeouts(a.client, a.timeouts)
}

type closer interface {
	Close() error
}

func closeQuietly(c closer) error {
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
