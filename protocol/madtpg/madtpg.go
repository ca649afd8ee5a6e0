// Package madtpg implements a pattern generator on the madVR test pattern
// generator, driven through its control library on the same machine.
//
// This package is not designed to be accessed by end users, all interaction
// should occur via the Generator in the patterngen package.
package madtpg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/RomanHargrave/displaycal-sub006/common"
)

// ConnectMethod selects how the control library finds a renderer instance
type ConnectMethod int

const (
	// ConnectLocal attaches to a renderer running on this machine
	ConnectLocal ConnectMethod = 0
	// ConnectLAN attaches to a renderer found on the local network
	ConnectLAN ConnectMethod = 1
	// StartLocal launches a local renderer
	StartLocal ConnectMethod = 2
	// ListDialog lets the user pick from the renderers found
	ListDialog ConnectMethod = 3
	// AddressDialog asks the user for a renderer address
	AddressDialog ConnectMethod = 4
	// connectFail terminates the method list passed to the library
	connectFail ConnectMethod = 5
)

var connectMethodNames = map[ConnectMethod]string{
	ConnectLocal:  `local`,
	ConnectLAN:    `lan`,
	StartLocal:    `start`,
	ListDialog:    `list dialog`,
	AddressDialog: `address dialog`,
}

func (m ConnectMethod) String() string {
	if s, ok := connectMethodNames[m]; ok {
		return s
	}
	return fmt.Sprintf(`method %d`, int(m))
}

// Attempt is one connect method with the time the library may spend on it
type Attempt struct {
	Method  ConnectMethod
	Timeout time.Duration
}

// DefaultAttempts returns the connect methods tried when none are configured:
// local and LAN instances bounded by the connect timeout, then the two dialogs
// bounded by the handshake timeout
func DefaultAttempts(t common.Timeouts) []Attempt {
	return []Attempt{
		{Method: ConnectLocal, Timeout: t.Connect},
		{Method: ConnectLAN, Timeout: t.Connect},
		{Method: ListDialog, Timeout: t.Handshake},
		{Method: AddressDialog, Timeout: t.Handshake},
	}
}

// Background modes for PatternConfig
const (
	BackgroundConstant   = 0
	BackgroundAPL        = 1
	BackgroundAPLReduced = 2
	// Keep leaves a PatternConfig field unchanged
	Keep = -1
)

// PatternConfig is the renderer's pattern layout
type PatternConfig struct {
	// AreaPercent is the share of the screen covered by the patch
	AreaPercent       int
	BackgroundPercent int
	BackgroundMode    int
	BlackBorderWidth  int
}

// GammaRamp is a video card gamma ramp, 256 entries per channel
type GammaRamp [3][256]uint16

// Adapter implements common.Protocol on the madVR test pattern generator
type Adapter struct {
	load     Loader
	attempts []Attempt
	timeouts common.Timeouts
	client   common.Client
	session  *common.Session
	log      common.Logger

	// the library stays loaded while users > 0, release only marks it for
	// unloading and the last user unloads it
	lib       Library
	ep        *entryPoints
	users     int
	unloading bool
	connected bool
	area      int
	sync.RWMutex
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLoader replaces the control library loader
func WithLoader(l Loader) Option {
	return func(a *Adapter) {
		a.load = l
	}
}

// WithAttempts replaces the connect methods tried by Wait, in order
func WithAttempts(attempts ...Attempt) Option {
	return func(a *Adapter) {
		a.attempts = attempts
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
		load:     DefaultLoader,
		timeouts: common.DefaultTimeouts(),
		session:  common.NewSession(),
		log:      common.Scoped(`madtpg`),
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

// Bind accepts a library path in Handle, replacing the registry lookup
func (a *Adapter) Bind(desc common.Descriptor) error {
	if desc.Handle == `` {
		return nil
	}
	a.Lock()
	a.load = pathLoader(desc.Handle)
	a.Unlock()
	return nil
}

// Wait loads the control library and tries each connect method in turn until
// a renderer accepts. Cancellation and Disconnect are checked between methods,
// a method in progress runs to its own timeout before the library is unloaded.
func (a *Adapter) Wait(ctx context.Context) error {
	if err := a.session.Listen(); err != nil {
		return err
	}
	ctx, cancel := a.session.Context(ctx)
	defer cancel()

	a.RLock()
	load, attempts := a.load, a.attempts
	a.RUnlock()
	t := a.resolveTimeouts()
	if len(attempts) == 0 {
		attempts = DefaultAttempts(t)
	}

	lib, err := load()
	if err != nil {
		return a.session.Fail(failure(err, common.TransportUnavailable, `load`))
	}
	ep, err := bind(lib)
	if err != nil {
		_ = lib.Release()
		return a.session.Fail(failure(err, common.IncompatibleEndpoint, `bind`))
	}
	a.Lock()
	a.lib, a.ep = lib, ep
	a.users, a.unloading = 1, false
	a.Unlock()
	defer a.leave()
	a.session.OnRelease(a.release)
	a.log.Debugf("Bound control library %s", lib.Path())

	if ok, _ := call(ep.isAvailable); !ok {
		return a.session.Fail(common.Errorf(common.TransportUnavailable, `IsAvailable`, `renderer not installed`))
	}

	for _, at := range attempts {
		if err := a.session.Interrupted(ctx); err != nil {
			return err
		}
		a.log.Debugf("Connecting via %s, timeout %v", at.Method, at.Timeout)
		ok, err := call(ep.connectEx,
			uintptr(at.Method), uintptr(at.Timeout.Milliseconds()),
			uintptr(connectFail), 0,
			uintptr(connectFail), 0,
			uintptr(connectFail), 0,
			0)
		if ok {
			a.Lock()
			a.connected = true
			a.area = 0
			a.Unlock()
			if err := a.session.Connect(); err != nil {
				return err
			}
			a.log.Infof("Connected via %s", at.Method)
			a.session.Publish(common.EventPeerAttached{Peer: at.Method.String()})
			return nil
		}
		a.log.Debugf("Connect via %s failed: %v", at.Method, err)
	}
	if err := a.session.Interrupted(ctx); err != nil {
		return err
	}
	return a.session.Fail(common.Errorf(common.PeerNotFound, `ConnectEx`, `no renderer accepted any connect method`))
}

// Send sizes the pattern to the patch geometry when it changed, then shows
// the patch colours. The renderer takes doubles, values are quantized to the
// profile first so the bit depth still applies.
func (a *Adapter) Send(patch common.Patch, profile common.Profile) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	profile = profile.OrDefault(common.DefaultProfile)
	if err := profile.Validate(); err != nil {
		return err
	}
	ep, err := a.bound()
	if err != nil {
		return err
	}
	defer a.leave()

	area := patternArea(patch.Geometry)
	a.RLock()
	changed := area != a.area
	a.RUnlock()
	if changed {
		if ok, cerr := call(ep.setPatternConfig, intArg(area), intArg(Keep), intArg(Keep), intArg(Keep)); !ok {
			return a.broken(`SetPatternConfig`, cerr)
		}
		a.Lock()
		a.area = area
		a.Unlock()
	}

	fg, bg := profile.Normalize(patch.Foreground), profile.Normalize(patch.Background)
	args := floatArgs(fg[0], fg[1], fg[2], bg[0], bg[1], bg[2])
	if ok, cerr := call(ep.showRGBEx, args...); !ok {
		return a.broken(`ShowRGBEx`, cerr)
	}
	a.session.Publish(common.EventPatchSent{Patch: patch, Profile: profile})
	return nil
}

// ShowRGB shows a full colour without changing the background
func (a *Adapter) ShowRGB(c common.RGB) error {
	if !c.Valid() {
		return fmt.Errorf(`%w: colour %v`, common.ErrInvalid, c)
	}
	ep, err := a.bound()
	if err != nil {
		return err
	}
	defer a.leave()
	if ok, cerr := call(ep.showRGB, floatArgs(c[0], c[1], c[2])...); !ok {
		return a.broken(`ShowRGB`, cerr)
	}
	return nil
}

// GammaRamp reads the video card gamma ramp of the renderer's display
func (a *Adapter) GammaRamp() (*GammaRamp, error) {
	ep, err := a.bound()
	if err != nil {
		return nil, err
	}
	defer a.leave()
	var pin runtime.Pinner
	defer pin.Unpin()
	ramp := &GammaRamp{}
	pin.Pin(ramp)
	if ok, cerr := call(ep.getDeviceGammaRamp, uintptr(unsafe.Pointer(ramp))); !ok {
		return nil, a.broken(`GetDeviceGammaRamp`, cerr)
	}
	return ramp, nil
}

// SetGammaRamp loads ramp into the video card, nil restores a linear ramp
func (a *Adapter) SetGammaRamp(ramp *GammaRamp) error {
	ep, err := a.bound()
	if err != nil {
		return err
	}
	defer a.leave()
	var pin runtime.Pinner
	defer pin.Unpin()
	var ptr uintptr
	if ramp != nil {
		pin.Pin(ramp)
		ptr = uintptr(unsafe.Pointer(ramp))
	}
	if ok, cerr := call(ep.setDeviceGammaRamp, ptr); !ok {
		return a.broken(`SetDeviceGammaRamp`, cerr)
	}
	return nil
}

// SetProgress moves the renderer's progress bar
func (a *Adapter) SetProgress(pos, max int) error {
	if pos < 0 || max < 0 || pos > max {
		return fmt.Errorf(`%w: progress %d/%d`, common.ErrInvalid, pos, max)
	}
	ep, err := a.bound()
	if err != nil {
		return err
	}
	defer a.leave()
	if ok, cerr := call(ep.setProgressBarPos, intArg(pos), intArg(max)); !ok {
		return a.broken(`SetProgressBarPos`, cerr)
	}
	return nil
}

// PatternConfig returns the current pattern layout
func (a *Adapter) PatternConfig() (PatternConfig, error) {
	ep, err := a.bound()
	if err != nil {
		return PatternConfig{}, err
	}
	defer a.leave()
	var pin runtime.Pinner
	defer pin.Unpin()
	out := &[4]int32{}
	pin.Pin(out)
	ok, cerr := call(ep.getPatternConfig,
		uintptr(unsafe.Pointer(&out[0])),
		uintptr(unsafe.Pointer(&out[1])),
		uintptr(unsafe.Pointer(&out[2])),
		uintptr(unsafe.Pointer(&out[3])))
	if !ok {
		return PatternConfig{}, a.broken(`GetPatternConfig`, cerr)
	}
	return PatternConfig{
		AreaPercent:       int(out[0]),
		BackgroundPercent: int(out[1]),
		BackgroundMode:    int(out[2]),
		BlackBorderWidth:  int(out[3]),
	}, nil
}

// SetPatternConfig changes the pattern layout, fields set to Keep are left
// unchanged
func (a *Adapter) SetPatternConfig(cfg PatternConfig) error {
	ep, err := a.bound()
	if err != nil {
		return err
	}
	defer a.leave()
	if ok, cerr := call(ep.setPatternConfig,
		intArg(cfg.AreaPercent), intArg(cfg.BackgroundPercent),
		intArg(cfg.BackgroundMode), intArg(cfg.BlackBorderWidth)); !ok {
		return a.broken(`SetPatternConfig`, cerr)
	}
	if cfg.AreaPercent != Keep {
		a.Lock()
		a.area = cfg.AreaPercent
		a.Unlock()
	}
	return nil
}

// Quit closes the renderer and the session
func (a *Adapter) Quit() error {
	ep, err := a.bound()
	if err != nil {
		return err
	}
	defer a.leave()
	ok, cerr := call(ep.quit)
	a.Lock()
	a.connected = false
	a.Unlock()
	a.session.Close()
	if !ok {
		return common.NewError(common.ConnectionBroken, `Quit`, cerr)
	}
	return nil
}

// Disconnect detaches from the renderer and unloads the library. A library
// call in flight, such as a connect attempt inside Wait, finishes first and
// the library is unloaded when it returns. Disconnect may be called any number
// of times from any state.
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

// bound returns the entry points of a connected session and registers the
// caller as a library user, the caller must leave once its call returned
func (a *Adapter) bound() (*entryPoints, error) {
	if a.session.State() != common.StateConnected {
		return nil, common.ErrState
	}
	a.Lock()
	defer a.Unlock()
	if a.ep == nil || a.unloading {
		return nil, common.ErrState
	}
	a.users++
	return a.ep, nil
}

// leave ends one library use, unloading the library if it was released while
// in use
func (a *Adapter) leave() {
	a.Lock()
	a.users--
	if a.users > 0 || !a.unloading {
		a.Unlock()
		return
	}
	lib, ep, connected := a.take()
	a.Unlock()
	if err := a.unload(lib, ep, connected); err != nil {
		a.log.Warnf("Failed unloading control library: %v", err)
	}
}

// broken fails the session, the library's diagnostic only ends up in the
// error detail
func (a *Adapter) broken(op string, cause error) error {
	detail := `call returned false`
	if cause != nil {
		detail = fmt.Sprintf(`%s: %v`, detail, cause)
	}
	return a.session.Fail(common.Errorf(common.ConnectionBroken, op, detail))
}

func (a *Adapter) release() error {
	a.Lock()
	if a.lib == nil {
		a.Unlock()
		return nil
	}
	a.unloading = true
	if a.users > 0 {
		a.Unlock()
		a.log.Debugf("Control library in use, unloading once the current call returns")
		return nil
	}
	lib, ep, connected := a.take()
	a.Unlock()
	return a.unload(lib, ep, connected)
}

// take detaches the library from the adapter, a must be locked
func (a *Adapter) take() (Library, *entryPoints, bool) {
	lib, ep, connected := a.lib, a.ep, a.connected
	a.lib, a.ep, a.connected = nil, nil, false
	a.unloading = false
	return lib, ep, connected
}

func (a *Adapter) unload(lib Library, ep *entryPoints, connected bool) error {
	if lib == nil {
		return nil
	}
	if connected {
		if ok, err := call(ep.disconnect); !ok {
			a.log.Warnf("Disconnect returned false: %v", err)
		}
	}
	return lib.Release()
}

func (a *Adapter) resolveTimeouts() common.Timeouts {
	a.RLock()
	defer a.RUnlock()
	return common.ResolveTimeouts(a.client, a.timeouts)
}

func failure(err error, kind common.Kind, op string) *common.Error {
	var e *common.Error
	if errors.As(err, &e) {
		return e
	}
	return common.NewError(kind, op, err)
}

// patternArea converts geometry to the renderer's area percentage, at least 1
func patternArea(g common.Geometry) int {
	area := int(math.Round(g.W * g.H * 100))
	if area < 1 {
		area = 1
	}
	return area
}
