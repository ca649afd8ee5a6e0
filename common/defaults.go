package common

import "time"

const (
	// DefaultTimeout is the default duration after which operations time out
	DefaultTimeout = 2 * time.Second
	// DefaultHandshakeTimeout bounds the time a found peer has to become ready
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultPollInterval is the default interval between cancellation checks
	// in blocking loops
	DefaultPollInterval = 250 * time.Millisecond
	// MinPollInterval is the lowest poll interval accepted by SetPollInterval
	MinPollInterval = 50 * time.Millisecond
	// MaxPollInterval is the highest poll interval accepted by SetPollInterval
	MaxPollInterval = time.Second
)

// Timeouts configures the bounded waits performed by an adapter
type Timeouts struct {
	// Connect bounds a discovery pass or connect attempt
	Connect time.Duration
	// Handshake bounds the time a found peer has to report readiness
	Handshake time.Duration
	// Poll is the interval at which blocking loops re-check cancellation
	Poll time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:   DefaultTimeout,
		Handshake: DefaultHandshakeTimeout,
		Poll:      DefaultPollInterval,
	}
}

// Merge fills zero fields of t from defaults
func (t Timeouts) Merge(defaults Timeouts) Timeouts {
	if t.Connect <= 0 {
		t.Connect = defaults.Connect
	}
	if t.Handshake <= 0 {
		t.Handshake = defaults.Handshake
	}
	if t.Poll <= 0 {
		t.Poll = defaults.Poll
	}
	t.Poll = ClampPollInterval(t.Poll)
	return t
}

// ClampPollInterval limits d to [MinPollInterval, MaxPollInterval]
func ClampPollInterval(d time.Duration) time.Duration {
	switch {
	case d < MinPollInterval:
		return MinPollInterval
	case d > MaxPollInterval:
		return MaxPollInterval
	}
	return d
}
