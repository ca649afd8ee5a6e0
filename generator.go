package patterngen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RomanHargrave/displaycal-sub006/common"
)

// Localisation keys reported by Status
const (
	StatusConnected    = `patterngenerator.connected`
	StatusDisconnected = `patterngenerator.disconnected`
	StatusCancelled    = `patterngenerator.cancelled`
	StatusIdle         = `patterngenerator.idle`
	StatusWaiting      = `patterngenerator.waiting`
	// StatusFailed is followed by `.` and the Kind key, eg
	// `patterngenerator.failed.peer_not_found`
	StatusFailed = `patterngenerator.failed`
)

// Generator provides a simple interface for driving one pattern generator.
// Generator can not be instantiated manually or it will not function - always
// use NewGenerator() to obtain a Generator instance.
type Generator struct {
	protocol     common.Protocol
	timeouts     common.Timeouts
	pollInterval time.Duration
	profile      common.Profile
	lastErr      error
	sync.RWMutex
}

// Connect binds desc to the adapter and waits for the peer. Non-zero fields
// of timeouts replace the Generator's for this and later waits.
func (g *Generator) Connect(ctx context.Context, desc common.Descriptor, timeouts common.Timeouts) error {
	g.Lock()
	if timeouts.Connect > 0 {
		g.timeouts.Connect = timeouts.Connect
	}
	if timeouts.Handshake > 0 {
		g.timeouts.Handshake = timeouts.Handshake
	}
	if timeouts.Poll > 0 {
		g.pollInterval = common.ClampPollInterval(timeouts.Poll)
	}
	g.Unlock()

	if err := g.protocol.Bind(desc); err != nil {
		return g.record(common.AsError(err, common.TransportUnavailable, `bind`))
	}
	return g.Wait(ctx)
}

// Wait blocks until the peer is ready, the session fails, or Cancel is
// called. Cancellation returns common.ErrCancelled and is not a failure.
func (g *Generator) Wait(ctx context.Context) error {
	common.Log.Debugf("Waiting for peer")
	err := g.protocol.Wait(ctx)
	if err != nil {
		if common.KindOf(err) == common.Cancelled {
			common.Log.Infof("Wait cancelled")
		} else if errors.Is(err, common.ErrClosed) {
			common.Log.Infof("Wait ended by disconnect")
		} else {
			common.Log.Warnf("Wait failed: %v", err)
		}
		return g.record(common.AsError(err, common.TransportUnavailable, `wait`))
	}
	common.Log.Infof("Peer ready")
	return nil
}

// Send validates patch and delivers it to the peer. A zero profile uses the
// one set with SetProfile.
func (g *Generator) Send(patch common.Patch, profile common.Profile) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	if profile == (common.Profile{}) {
		g.RLock()
		profile = g.profile
		g.RUnlock()
	}
	if profile.Bits != 0 {
		if err := profile.Validate(); err != nil {
			return err
		}
	}
	if err := g.protocol.Send(patch, profile); err != nil {
		return g.record(common.AsError(err, common.ConnectionBroken, `send`))
	}
	return nil
}

// Disconnect releases the adapter's resources. It may be called any number of
// times.
func (g *Generator) Disconnect() error {
	if err := g.protocol.Disconnect(); err != nil {
		return common.AsError(err, common.ConnectionBroken, `disconnect`)
	}
	return nil
}

// Cancel asks a blocked Wait to return common.ErrCancelled within one poll
// interval
func (g *Generator) Cancel() {
	g.protocol.Cancel()
}

// State returns the adapter's session state
func (g *Generator) State() common.State {
	return g.protocol.State()
}

// Err returns the last error recorded by Connect, Wait or Send
func (g *Generator) Err() error {
	g.RLock()
	defer g.RUnlock()
	return g.lastErr
}

// Status returns one human readable string for the current state, looked up
// through getstr. A nil getstr returns the localisation key itself.
func (g *Generator) Status(getstr func(key string) string) string {
	key := g.statusKey()
	if getstr == nil {
		return key
	}
	return getstr(key)
}

func (g *Generator) statusKey() string {
	switch g.State() {
	case common.StateConnected:
		return StatusConnected
	case common.StateClosed:
		return StatusDisconnected
	case common.StateCancelled:
		return StatusCancelled
	case common.StateListening:
		return StatusWaiting
	case common.StateFailed:
		if kind := common.KindOf(g.Err()); kind != 0 && kind != common.Cancelled {
			return fmt.Sprintf(`%s.%s`, StatusFailed, kind.Key())
		}
		return StatusFailed
	}
	return StatusIdle
}

// SetTimeout sets the time a discovery pass or connect attempt may take
func (g *Generator) SetTimeout(timeout time.Duration) {
	g.Lock()
	g.timeouts.Connect = timeout
	g.Unlock()
}

// SetHandshakeTimeout sets the time a found peer has to become ready
func (g *Generator) SetHandshakeTimeout(timeout time.Duration) {
	g.Lock()
	g.timeouts.Handshake = timeout
	g.Unlock()
}

// SetPollInterval sets the interval at which blocked waits re-check
// cancellation, limited to [common.MinPollInterval, common.MaxPollInterval]
func (g *Generator) SetPollInterval(interval time.Duration) {
	g.Lock()
	g.pollInterval = common.ClampPollInterval(interval)
	g.Unlock()
}

// SetProfile sets the profile used by Send when none is given
func (g *Generator) SetProfile(profile common.Profile) {
	g.Lock()
	g.profile = profile
	g.Unlock()
}

// GetTimeouts returns the currently configured timeouts
func (g *Generator) GetTimeouts() *common.Timeouts {
	g.RLock()
	defer g.RUnlock()
	t := g.timeouts
	return &t
}

// GetPollInterval returns the currently configured poll interval
func (g *Generator) GetPollInterval() *time.Duration {
	g.RLock()
	defer g.RUnlock()
	d := g.pollInterval
	return &d
}

// NewSubscription returns a *common.Subscription receiving the adapter's
// session events
func (g *Generator) NewSubscription() (*common.Subscription, error) {
	return g.protocol.NewSubscription()
}

// CloseSubscription closes a subscription obtained from NewSubscription
func (g *Generator) CloseSubscription(sub *common.Subscription) error {
	return g.protocol.CloseSubscription(sub)
}

func (g *Generator) record(err error) error {
	g.Lock()
	g.lastErr = err
	g.Unlock()
	return err
}
