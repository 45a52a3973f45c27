package gossip

import (
	"context"
	"fmt"
	"sync"

	"github.com/aurora-ledger/network/pkg/types"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const inboundBacklog = 16

// HostTransport implements Transport over a libp2p host: Noise/TLS
// encrypted connections, yamux stream multiplexing and peer identity
// verification during the handshake all come from the host.
type HostTransport struct {
	host    host.Host
	proto   protocol.ID
	inbound chan Conn
	logger  *zap.Logger

	closeOnce sync.Once
}

// NewHostTransport creates a libp2p host listening on the configured
// addresses and registers the gossip stream handler. A listener that
// cannot be bound is a fatal startup error.
func NewHostTransport(cfg *types.NetworkConfig, logger *zap.Logger) (*HostTransport, error) {
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddresses...),
	}
	if cfg.PrivateKey != nil {
		opts = append(opts, libp2p.Identity(cfg.PrivateKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	t := &HostTransport{
		host:    h,
		proto:   protocol.ID(cfg.ProtocolID),
		inbound: make(chan Conn, inboundBacklog),
		logger:  logger,
	}
	h.SetStreamHandler(t.proto, t.handleStream)

	return t, nil
}

// Host returns the underlying libp2p host, for collaborators such as
// discovery that operate on the same identity.
func (t *HostTransport) Host() host.Host {
	return t.host
}

// LocalID returns the host's peer identity.
func (t *HostTransport) LocalID() peer.ID {
	return t.host.ID()
}

// Addrs returns the host's listen addresses.
func (t *HostTransport) Addrs() []multiaddr.Multiaddr {
	return t.host.Addrs()
}

// Dial opens a gossip stream to the given peer, connecting first if
// needed. The supplied addresses are added to the host's peerstore with a
// short TTL so the dial can use them.
func (t *HostTransport) Dial(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) (Conn, error) {
	if len(addrs) > 0 {
		t.host.Peerstore().AddAddrs(id, addrs, peerstore.TempAddrTTL)
	}
	stream, err := t.host.NewStream(ctx, id, t.proto)
	if err != nil {
		return nil, fmt.Errorf("opening gossip stream: %w", err)
	}
	return &streamConn{stream: stream}, nil
}

// Inbound returns the channel of accepted connections.
func (t *HostTransport) Inbound() <-chan Conn {
	return t.inbound
}

// Close shuts the host down.
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.host.RemoveStreamHandler(t.proto)
		err = t.host.Close()
	})
	return err
}

func (t *HostTransport) handleStream(stream network.Stream) {
	conn := &streamConn{stream: stream}
	select {
	case t.inbound <- conn:
	default:
		// Accept backlog full; shed the stream rather than block libp2p.
		t.logger.Warn("inbound backlog full, resetting stream",
			zap.String("peer", conn.PeerID().String()))
		_ = stream.Reset()
	}
}

type streamConn struct {
	stream network.Stream
}

func (c *streamConn) PeerID() peer.ID {
	return c.stream.Conn().RemotePeer()
}

func (c *streamConn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *streamConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

// Close resets the stream, aborting both directions so the read pump
// unblocks immediately.
func (c *streamConn) Close() error {
	return c.stream.Reset()
}
