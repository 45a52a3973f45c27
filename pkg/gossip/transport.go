package gossip

import (
	"context"
	"io"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Conn is an established, authenticated channel to exactly one peer,
// carrying one open gossip stream. A Conn is owned by exactly one gossip
// actor; Close aborts the stream and unblocks any pending reads.
type Conn interface {
	io.ReadWriteCloser

	// PeerID returns the authenticated identity of the remote peer.
	PeerID() peer.ID
}

// Transport supplies authenticated, multiplexed byte streams keyed by peer
// identity. Connection security, stream multiplexing and identity
// verification happen below this interface, so alternate transports can be
// substituted without touching the connection manager.
type Transport interface {
	// LocalID returns the identity of the local node.
	LocalID() peer.ID

	// Addrs returns the addresses the transport is reachable on.
	Addrs() []multiaddr.Multiaddr

	// Dial opens a gossip stream to the peer at one of the given
	// addresses. The returned connection's identity must equal id.
	Dial(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) (Conn, error)

	// Inbound yields connections opened by remote peers.
	Inbound() <-chan Conn

	// Close shuts the transport down and releases the listener.
	Close() error
}
