package gossip

import "errors"

var (
	// ErrPeerBanned indicates that the peer is banned and all dial/accept
	// attempts for it are rejected until the ban is lifted.
	ErrPeerBanned = errors.New("gossip: peer is banned")

	// ErrAlreadyInProgress indicates that a connection to the peer is
	// already established or being established.
	ErrAlreadyInProgress = errors.New("gossip: connection attempt already in progress")

	// ErrUnknownPeer indicates that the peer is not present in the registry.
	ErrUnknownPeer = errors.New("gossip: unknown peer")

	// ErrNotConnected indicates that no live connection to the peer exists.
	ErrNotConnected = errors.New("gossip: peer is not connected")

	// ErrBackpressure indicates that the peer's send queue is full. The
	// caller decides whether to retry or drop the message.
	ErrBackpressure = errors.New("gossip: peer send queue is full")

	// ErrFrameTooLarge indicates a frame exceeding the configured maximum
	// size, either on encode or announced by a received length prefix.
	ErrFrameTooLarge = errors.New("gossip: frame exceeds maximum size")

	// ErrServiceClosed indicates that the network service has been shut down.
	ErrServiceClosed = errors.New("gossip: service is shut down")
)

// Teardown reasons reported through PeerDisconnected events.
var (
	errDisconnectRequested = errors.New("disconnect requested")
	errServiceShutdown     = errors.New("service shutting down")
)
