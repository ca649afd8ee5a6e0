package common

// EventStateChange is emitted by a Session on every state transition. Err is
// set when the transition is to StateFailed.
type EventStateChange struct {
	From State
	To   State
	Err  error
}

// EventPeerAttached is emitted by an adapter when a peer attaches, Peer
// describes it (remote address, receiver name)
type EventPeerAttached struct {
	Peer string
}

// EventPatchSent is emitted by an adapter once a patch has been handed to the
// transport
type EventPatchSent struct {
	Patch   Patch
	Profile Profile
}
