package common

import "time"

// Client defines the interface required by protocols
type Client interface {
	GetTimeouts() *Timeouts
	GetPollInterval() *time.Duration
}

// Descriptor addresses a peer. Which fields matter depends on the adapter:
// Host and Port for listeners, Name for cast receivers, Handle for a local
// component path.
type Descriptor struct {
	Host   string
	Port   int
	Name   string
	Handle string
}

// ResolveTimeouts returns the timeouts an adapter should use: values from
// client when one is set, then own, then DefaultTimeouts
func ResolveTimeouts(client Client, own Timeouts) Timeouts {
	t := own
	if client != nil {
		if ct := client.GetTimeouts(); ct != nil {
			t = ct.Merge(own)
		}
		if poll := client.GetPollInterval(); poll != nil && *poll > 0 {
			t.Poll = *poll
		}
	}
	return t.Merge(DefaultTimeouts())
}
