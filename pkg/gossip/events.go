package gossip

import "github.com/libp2p/go-libp2p/core/peer"

// Event is a notification emitted by the network service. Events are
// delivered at most once per occurrence on a bounded channel; a consumer
// that is not listening at emission time misses the event.
type Event interface {
	event()
}

// PeerConnected reports an established connection.
type PeerConnected struct {
	ID       peer.ID
	Relation PeerRelation
}

// PeerDisconnected reports a torn-down connection. It is emitted exactly
// once per connection, regardless of which side detected the failure.
type PeerDisconnected struct {
	ID     peer.ID
	Reason error
}

// MessageReceived carries one decoded gossip frame. The payload is opaque.
type MessageReceived struct {
	ID      peer.ID
	Payload []byte
}

// DialFailed reports an unsuccessful outbound connection attempt.
type DialFailed struct {
	ID     peer.ID
	Reason error
}

func (PeerConnected) event()    {}
func (PeerDisconnected) event() {}
func (MessageReceived) event()  {}
func (DialFailed) event()       {}
