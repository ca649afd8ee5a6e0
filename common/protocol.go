package common

import "context"

// Protocol defines the capability contract between the Generator and a
// pattern generator adapter. Every adapter owns exactly one Session.
type Protocol interface {
	// Protocol is a SubscriptionTarget, subscribers receive state changes
	SubscriptionTarget
	// SetClient sets the client on the protocol for bi-directional
	// communication
	SetClient(client Client)
	// Bind supplies the addressing for the next Wait. Zero fields keep the
	// adapter's configured values.
	Bind(desc Descriptor) error
	// Wait opens the transport and blocks until a peer is ready, the session
	// fails, or cancellation is observed
	Wait(ctx context.Context) error
	// Send delivers a patch to the connected peer, quantized with profile
	Send(patch Patch, profile Profile) error
	// Disconnect releases all resources, it is idempotent
	Disconnect() error
	// Cancel sets the cooperative cancellation flag
	Cancel()
	// State returns the current session state
	State() State
}
