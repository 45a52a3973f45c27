package discovery

import (
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.DisableRelay(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc, err := NewService(newTestHost(t), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return svc
}

func testAddrInfo(n int) peer.AddrInfo {
	return peer.AddrInfo{
		ID:    peer.ID(fmt.Sprintf("peer-%02d", n)),
		Addrs: []multiaddr.Multiaddr{multiaddr.StringCast("/ip4/127.0.0.1/tcp/1234")},
	}
}

func TestServiceDefaults(t *testing.T) {
	svc := newTestService(t, Config{})

	assert.Equal(t, DefaultConfig().Namespace, svc.config.Namespace)
	assert.Equal(t, DefaultConfig().DiscoveryInterval, svc.config.DiscoveryInterval)
	assert.Equal(t, DefaultConfig().MaxPeers, svc.config.MaxPeers)
	assert.Nil(t, svc.dht, "dht must stay off unless enabled")
}

func TestServiceStartStopWithDHT(t *testing.T) {
	svc := newTestService(t, Config{DHTEnabled: true})
	require.NotNil(t, svc.dht)

	require.NoError(t, svc.Start())
	svc.Stop()

	select {
	case <-svc.ctx.Done():
	default:
		t.Fatal("context not cancelled after Stop")
	}
}

func TestHandlePeerFoundDeliversOnce(t *testing.T) {
	svc := newTestService(t, Config{MaxPeers: 10})

	pi := testAddrInfo(1)
	svc.HandlePeerFound(pi)
	svc.HandlePeerFound(pi)

	assert.Equal(t, 1, svc.PeerCount())

	select {
	case got := <-svc.Discoveries():
		assert.Equal(t, pi.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("discovered peer not delivered")
	}
	select {
	case <-svc.Discoveries():
		t.Fatal("duplicate discovery delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlePeerFoundIgnoresSelf(t *testing.T) {
	svc := newTestService(t, Config{})

	svc.HandlePeerFound(peer.AddrInfo{ID: svc.host.ID()})
	assert.Zero(t, svc.PeerCount())
}

func TestMaxPeersLimit(t *testing.T) {
	svc := newTestService(t, Config{MaxPeers: 2})

	for i := 0; i < 5; i++ {
		svc.HandlePeerFound(testAddrInfo(i))
	}
	assert.Equal(t, 2, svc.PeerCount())
}

func TestRemovePeerAllowsRediscovery(t *testing.T) {
	svc := newTestService(t, Config{MaxPeers: 10})

	pi := testAddrInfo(1)
	svc.HandlePeerFound(pi)
	require.Equal(t, 1, svc.PeerCount())

	svc.RemovePeer(pi.ID)
	assert.Zero(t, svc.PeerCount())

	svc.HandlePeerFound(pi)
	assert.Equal(t, 1, svc.PeerCount())
}

func TestDiscoveryChannelNeverBlocks(t *testing.T) {
	svc := newTestService(t, Config{MaxPeers: 200})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 150; i++ {
			svc.HandlePeerFound(testAddrInfo(i))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandlePeerFound blocked on a full channel")
	}
	assert.Equal(t, 150, svc.PeerCount())
}

func TestDHTBootstrapPopulatesRoutingTable(t *testing.T) {
	bootstrap := newTestService(t, Config{DHTEnabled: true})
	require.NoError(t, bootstrap.Start())

	addr := fmt.Sprintf("%s/p2p/%s",
		bootstrap.host.Addrs()[0], bootstrap.host.ID())

	node := newTestService(t, Config{
		DHTEnabled:     true,
		BootstrapPeers: []string{addr},
	})
	require.NoError(t, node.Start())

	require.Eventually(t, func() bool {
		return node.dht.RoutingTable().Size() > 0
	}, 10*time.Second, 100*time.Millisecond, "routing table stayed empty")
}
