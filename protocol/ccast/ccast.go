// Package ccast implements a pattern generator on cast receivers.
//
// Receivers are found by friendly name with multicast DNS. Once found, the
// adapter opens a CASTV2 channel, launches the pattern generator receiver
// application and delivers each patch as a JSON message on its namespace.
//
// This package is not designed to be accessed by end users, all interaction
// should occur via the Generator in the patterngen package.
package ccast

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/RomanHargrave/displaycal-sub006/common"
)

const (
	// DefaultAppID is the pattern generator receiver application
	DefaultAppID = `B5C2CBFC`
	// DefaultNamespace is the message namespace of DefaultAppID
	DefaultNamespace = `urn:x-cast:net.hoech.cast.patterngenerator`
	// DefaultPort is the CASTV2 TLS port
	DefaultPort = 8009

	// scaleFactor is fixed by the receiver application
	scaleFactor = 10
)

// Dialer opens the transport to a receiver
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// DialTLS connects with TLS, receivers present self-signed certificates
func DialTLS(ctx context.Context, addr string) (net.Conn, error) {
	d := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
	return d.DialContext(ctx, `tcp`, addr)
}

// Adapter implements common.Protocol on a cast receiver
type Adapter struct {
	name      string
	host      string
	port      int
	appID     string
	namespace string
	browser   Browser
	dial      Dialer
	timeouts  common.Timeouts
	client    common.Client
	session   *common.Session
	log       common.Logger

	channel  *channel
	app      *application
	receiver Receiver
	sync.RWMutex
}

// Option configures an Adapter
type Option func(*Adapter)

// WithName selects the receiver by friendly name
func WithName(name string) Option {
	return func(a *Adapter) {
		a.name = name
	}
}

// WithAddress skips discovery and connects to host:port directly
func WithAddress(host string, port int) Option {
	return func(a *Adapter) {
		a.host = host
		a.port = port
	}
}

// WithApp overrides the receiver application and its namespace
func WithApp(appID, namespace string) Option {
	return func(a *Adapter) {
		a.appID = appID
		a.namespace = namespace
	}
}

// WithBrowser replaces the mDNS browser
func WithBrowser(b Browser) Option {
	return func(a *Adapter) {
		a.browser = b
	}
}

// WithDialer replaces the TLS dialer
func WithDialer(d Dialer) Option {
	return func(a *Adapter) {
		a.dial = d
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
		port:      DefaultPort,
		appID:     DefaultAppID,
		namespace: DefaultNamespace,
		browser:   &MDNSBrowser{},
		dial:      DialTLS,
		timeouts:  common.DefaultTimeouts(),
		session:   common.NewSession(),
		log:       common.Scoped(`ccast`),
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

// Bind selects the receiver: by Name through discovery, or by Host and Port
func (a *Adapter) Bind(desc common.Descriptor) error {
	if desc.Port < 0 || desc.Port > 65535 {
		return common.ErrInvalid
	}
	a.Lock()
	defer a.Unlock()
	if desc.Name != `` {
		a.name = desc.Name
	}
	if desc.Host != `` {
		a.host = desc.Host
	}
	if desc.Port != 0 {
		a.port = desc.Port
	}
	return nil
}

// Receiver returns the receiver the adapter connected to
func (a *Adapter) Receiver() Receiver {
	a.RLock()
	defer a.RUnlock()
	return a.receiver
}

// Wait finds the receiver, launches the receiver application and blocks until
// it reports ready
func (a *Adapter) Wait(ctx context.Context) error {
	if err := a.session.Listen(); err != nil {
		return err
	}
	t := a.resolveTimeouts()
	ctx, cancel := a.session.Context(ctx)
	defer cancel()

	rcv, err := a.discover(ctx, t)
	if err != nil {
		return err
	}
	a.Lock()
	a.receiver = rcv
	a.Unlock()

	hctx, hcancel := context.WithTimeout(ctx, t.Handshake)
	defer hcancel()

	a.log.Infof("Connecting to %q at %s", rcv.Name, rcv.Addr())
	conn, err := a.dial(hctx, rcv.Addr())
	if err != nil {
		return a.abortOr(ctx, common.HandshakeFailed, `dial`, err)
	}
	ch := newChannel(conn, `sender-`+uuid.NewString()[:8], a.log)
	a.Lock()
	a.channel = ch
	a.Unlock()
	a.session.OnRelease(a.teardown)

	if err := ch.send(platformReceiver, nsConnection, envelope{Type: msgConnect}); err != nil {
		return a.abortOr(ctx, common.HandshakeFailed, `connect`, err)
	}
	status, err := a.status(hctx, ch, func(id int64) interface{} {
		return envelope{Type: msgGetStatus, RequestID: id}
	})
	if err != nil {
		return a.abortOr(ctx, common.HandshakeFailed, `status`, err)
	}

	app := status.find(a.appID)
	if app == nil {
		a.log.Infof("Launching receiver application %s", a.appID)
		status, err = a.status(hctx, ch, func(id int64) interface{} {
			return launchRequest{envelope: envelope{Type: msgLaunch, RequestID: id}, AppID: a.appID}
		})
		if err != nil {
			return a.abortOr(ctx, common.HandshakeFailed, `launch`, err)
		}
		app, err = a.awaitApp(hctx, ch, status)
		if err != nil {
			return a.abortOr(ctx, common.HandshakeFailed, `launch`, err)
		}
	}

	if err := ch.send(app.TransportID, nsConnection, envelope{Type: msgConnect}); err != nil {
		return a.abortOr(ctx, common.HandshakeFailed, `connect`, err)
	}
	a.Lock()
	a.app = app
	a.Unlock()

	if err := a.session.Connect(); err != nil {
		return err
	}
	a.log.Infof("Receiver application %s ready on %q", app.AppID, rcv.Name)
	a.session.Publish(common.EventPeerAttached{Peer: rcv.Name})
	return nil
}

// Send delivers the patch to the receiver application. Every message carries
// the next value of the session's request counter.
func (a *Adapter) Send(patch common.Patch, profile common.Profile) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	a.RLock()
	ch, app, namespace := a.channel, a.app, a.namespace
	a.RUnlock()
	if a.session.State() != common.StateConnected || ch == nil || app == nil {
		return common.ErrState
	}
	profile = common.Profile{Bits: 8, VideoLevels: profile.VideoLevels}

	g := patch.Geometry
	msg := patchMessage{
		RequestID:  ch.nextRequestID(),
		Foreground: profile.Quantize(patch.Foreground).Hex(),
		Background: profile.Quantize(patch.Background).Hex(),
		Offset:     [2]float64{g.X, g.Y},
		Scale:      [2]float64{g.W * scaleFactor, g.H * scaleFactor},
	}
	if err := ch.send(app.TransportID, namespace, msg); err != nil {
		return a.session.Fail(common.NewError(common.ConnectionBroken, `send`, err))
	}
	a.session.Publish(common.EventPatchSent{Patch: patch, Profile: profile})
	return nil
}

// Disconnect stops the receiver application if one was launched and closes the
// channel. It may be called any number of times from any state.
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

// discover runs one enumeration pass bounded by the connect timeout. There is
// no retry, a pass without a match is PeerNotFound.
func (a *Adapter) discover(ctx context.Context, t common.Timeouts) (Receiver, error) {
	a.RLock()
	name, host, port, browser := a.name, a.host, a.port, a.browser
	a.RUnlock()

	if host != `` {
		if name == `` {
			name = host
		}
		return Receiver{Name: name, Host: host, Port: port}, nil
	}
	want := normalizeName(name)
	if want == `` {
		return Receiver{}, a.session.Fail(common.Errorf(common.PeerNotFound, `discover`, `no receiver name given`))
	}

	pass, cancel := context.WithTimeout(ctx, t.Connect)
	defer cancel()
	var match *Receiver
	err := browser.Browse(pass, t.Poll, func(r Receiver) bool {
		a.log.Debugf("Found receiver %q at %s", r.Name, r.Addr())
		if normalizeName(r.Name) == want {
			match = &r
			return true
		}
		return false
	})
	if match != nil {
		return *match, nil
	}
	if ierr := a.session.Interrupted(ctx); ierr != nil {
		return Receiver{}, ierr
	}
	if err != nil {
		return Receiver{}, a.session.Fail(common.NewError(common.TransportUnavailable, `discover`, err))
	}
	return Receiver{}, a.session.Fail(common.Errorf(common.PeerNotFound, `discover`, fmt.Sprintf(`no receiver named %q`, name)))
}

// status performs a receiver request and decodes the RECEIVER_STATUS reply
func (a *Adapter) status(ctx context.Context, ch *channel, build func(id int64) interface{}) (*receiverStatus, error) {
	msg, err := ch.request(ctx, platformReceiver, nsReceiver, build)
	if err != nil {
		return nil, err
	}
	hdr := msg.header()
	if hdr.Type != msgReceiverStatus {
		return nil, fmt.Errorf(`receiver answered %s`, hdr.Type)
	}
	status := &receiverStatus{}
	if err := json.Unmarshal([]byte(msg.PayloadUTF8), status); err != nil {
		return nil, err
	}
	return status, nil
}

// awaitApp blocks until a receiver status lists the target application
func (a *Adapter) awaitApp(ctx context.Context, ch *channel, status *receiverStatus) (*application, error) {
	for {
		if app := status.find(a.appID); app != nil {
			return app, nil
		}
		select {
		case status = <-ch.statuses():
		case <-ch.done():
			return nil, ch.closedErr()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// abortOr reports a disconnect or cancellation when the session context is
// done, otherwise a failure of kind
func (a *Adapter) abortOr(ctx context.Context, kind common.Kind, op string, err error) error {
	if ierr := a.session.Interrupted(ctx); ierr != nil {
		return ierr
	}
	return a.session.Fail(common.NewError(kind, op, err))
}

func (a *Adapter) teardown() error {
	a.Lock()
	ch, app := a.channel, a.app
	a.channel, a.app = nil, nil
	a.Unlock()
	if ch == nil {
		return nil
	}
	if app != nil {
		a.log.Infof("Stopping receiver application %s", app.AppID)
		stop := stopRequest{
			envelope:  envelope{Type: msgStop, RequestID: ch.nextRequestID()},
			SessionID: app.SessionID,
		}
		if err := ch.send(platformReceiver, nsReceiver, stop); err != nil {
			a.log.Warnf("Failed stopping receiver application: %v", err)
		}
		_ = ch.send(app.TransportID, nsConnection, envelope{Type: msgClose})
	}
	_ = ch.send(platformReceiver, nsConnection, envelope{Type: msgClose})
	return ch.close()
}

func (a *Adapter) resolveTimeouts() common.Timeouts {
	a.RLock()
	defer a.RUnlock()
	return common.ResolveTimeouts(a.client, a.timeouts)
}
