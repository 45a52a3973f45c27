package gossip

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aurora-ledger/network/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTransport drives the service from tests without real networking.
type fakeTransport struct {
	id      peer.ID
	inbound chan Conn

	mu      sync.Mutex
	dialFn  func(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) (Conn, error)
	dialLog []time.Time
}

func newFakeTransport(id peer.ID) *fakeTransport {
	return &fakeTransport{id: id, inbound: make(chan Conn, 8)}
}

func (f *fakeTransport) LocalID() peer.ID              { return f.id }
func (f *fakeTransport) Addrs() []multiaddr.Multiaddr  { return nil }
func (f *fakeTransport) Inbound() <-chan Conn          { return f.inbound }
func (f *fakeTransport) Close() error                  { return nil }

func (f *fakeTransport) Dial(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) (Conn, error) {
	f.mu.Lock()
	f.dialLog = append(f.dialLog, time.Now())
	fn := f.dialFn
	f.mu.Unlock()
	if fn == nil {
		return nil, context.DeadlineExceeded
	}
	return fn(ctx, id, addrs)
}

func (f *fakeTransport) setDial(fn func(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) (Conn, error)) {
	f.mu.Lock()
	f.dialFn = fn
	f.mu.Unlock()
}

func (f *fakeTransport) dialTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.dialLog))
	copy(out, f.dialLog)
	return out
}

func newTestService(t *testing.T, localID peer.ID, cfg types.NetworkConfig) (*Service, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport(localID)
	svc, err := NewService(cfg, transport, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })
	return svc, transport
}

// dialTo returns a dial function handing the service one side of a fresh
// pipe and the test the other side.
func dialTo(t *testing.T, remote chan<- net.Conn) func(context.Context, peer.ID, []multiaddr.Multiaddr) (Conn, error) {
	t.Helper()
	return func(_ context.Context, id peer.ID, _ []multiaddr.Multiaddr) (Conn, error) {
		local, far := net.Pipe()
		select {
		case remote <- far:
		default:
			t.Error("unconsumed remote conn")
		}
		return &pipeConn{Conn: local, id: id}, nil
	}
}

func waitFor(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event channel closed while waiting")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected event not emitted")
		}
	}
}

func isConnected(id peer.ID) func(Event) bool {
	return func(ev Event) bool {
		e, ok := ev.(PeerConnected)
		return ok && e.ID == id
	}
}

func isDisconnected(id peer.ID) func(Event) bool {
	return func(ev Event) bool {
		e, ok := ev.(PeerDisconnected)
		return ok && e.ID == id
	}
}

func isDialFailed(id peer.ID) func(Event) bool {
	return func(ev Event) bool {
		e, ok := ev.(DialFailed)
		return ok && e.ID == id
	}
}

func TestServiceConnectLifecycle(t *testing.T) {
	svc, transport := newTestService(t, peer.ID("local-node"), types.NetworkConfig{})
	remote := peer.ID("remote-node")

	conns := make(chan net.Conn, 1)
	transport.setDial(dialTo(t, conns))

	require.NoError(t, svc.Connect(context.Background(), remote, nil))
	ev := waitFor(t, svc.Events(), isConnected(remote))
	assert.Equal(t, RelationKnown, ev.(PeerConnected).Relation)

	peers, err := svc.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, StateConnected, peers[0].State)
	assert.Equal(t, RelationKnown, peers[0].Relation)

	// The dedup gate: a second attempt is rejected, not merged.
	assert.ErrorIs(t, svc.Connect(context.Background(), remote, nil), ErrAlreadyInProgress)
}

func TestServiceInboundUnlistedPeerEvictedAfterLoss(t *testing.T) {
	svc, transport := newTestService(t, peer.ID("local-node"), types.NetworkConfig{})
	remote := peer.ID("inbound-node")

	local, far := net.Pipe()
	transport.inbound <- &pipeConn{Conn: local, id: remote}

	ev := waitFor(t, svc.Events(), isConnected(remote))
	assert.Equal(t, RelationUnlisted, ev.(PeerConnected).Relation)

	require.NoError(t, far.Close())
	waitFor(t, svc.Events(), isDisconnected(remote))

	require.Eventually(t, func() bool {
		peers, err := svc.Peers(context.Background())
		return err == nil && len(peers) == 0
	}, 2*time.Second, 10*time.Millisecond, "unlisted peer should be evicted")
}

func TestServiceTieBreakInboundWins(t *testing.T) {
	// The inbound peer's identity sorts higher than the local identity, so
	// the local outbound dial is aborted and the inbound connection
	// accepted, producing a single PeerConnected event.
	local := peer.ID("aaaa-local")
	remote := peer.ID("zzzz-remote")
	svc, transport := newTestService(t, local, types.NetworkConfig{})

	release := make(chan struct{})
	dialed := make(chan net.Conn, 1)
	transport.setDial(func(_ context.Context, id peer.ID, _ []multiaddr.Multiaddr) (Conn, error) {
		<-release
		l, far := net.Pipe()
		dialed <- far
		return &pipeConn{Conn: l, id: id}, nil
	})

	require.NoError(t, svc.Connect(context.Background(), remote, nil))

	inboundLocal, inboundFar := net.Pipe()
	transport.inbound <- &pipeConn{Conn: inboundLocal, id: remote}
	waitFor(t, svc.Events(), isConnected(remote))

	// Let the losing dial complete; the service must discard its conn.
	close(release)
	far := <-dialed
	buf := make([]byte, 1)
	require.NoError(t, far.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := far.Read(buf)
	assert.Error(t, err, "losing dial's connection should be closed")

	// No second PeerConnected for the same peer.
	select {
	case ev := <-svc.Events():
		_, dup := ev.(PeerConnected)
		assert.False(t, dup, "duplicate PeerConnected emitted")
	case <-time.After(200 * time.Millisecond):
	}

	// The surviving inbound connection is live: frames flow.
	writeFrame(t, inboundFar, []byte("ping"))
	ev := waitFor(t, svc.Events(), func(ev Event) bool {
		_, ok := ev.(MessageReceived)
		return ok
	})
	assert.Equal(t, []byte("ping"), ev.(MessageReceived).Payload)
}

func TestServiceTieBreakOutboundWins(t *testing.T) {
	// Mirror image: the inbound peer sorts lower, so the inbound
	// connection is rejected and the local dial proceeds.
	local := peer.ID("zzzz-local")
	remote := peer.ID("aaaa-remote")
	svc, transport := newTestService(t, local, types.NetworkConfig{})

	release := make(chan struct{})
	transport.setDial(func(_ context.Context, id peer.ID, _ []multiaddr.Multiaddr) (Conn, error) {
		<-release
		l, _ := net.Pipe()
		return &pipeConn{Conn: l, id: id}, nil
	})

	require.NoError(t, svc.Connect(context.Background(), remote, nil))

	inboundLocal, inboundFar := net.Pipe()
	transport.inbound <- &pipeConn{Conn: inboundLocal, id: remote}

	// The rejected inbound connection is closed by the service.
	buf := make([]byte, 1)
	require.NoError(t, inboundFar.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := inboundFar.Read(buf)
	assert.Error(t, err, "losing inbound connection should be closed")

	close(release)
	ev := waitFor(t, svc.Events(), isConnected(remote))
	assert.Equal(t, RelationKnown, ev.(PeerConnected).Relation)
}

func TestServiceBanLifecycle(t *testing.T) {
	svc, transport := newTestService(t, peer.ID("local-node"), types.NetworkConfig{})
	remote := peer.ID("bad-node")

	conns := make(chan net.Conn, 1)
	transport.setDial(dialTo(t, conns))

	require.NoError(t, svc.Connect(context.Background(), remote, nil))
	waitFor(t, svc.Events(), isConnected(remote))

	require.NoError(t, svc.Ban(context.Background(), remote, "protocol violation"))
	ev := waitFor(t, svc.Events(), isDisconnected(remote))
	assert.ErrorIs(t, ev.(PeerDisconnected).Reason, ErrPeerBanned)

	require.Eventually(t, func() bool {
		peers, err := svc.Peers(context.Background())
		return err == nil && len(peers) == 1 && peers[0].State == StateBanned
	}, 2*time.Second, 10*time.Millisecond)

	// Further attempts are rejected in both directions.
	<-conns
	assert.ErrorIs(t, svc.Connect(context.Background(), remote, nil), ErrPeerBanned)

	inboundLocal, inboundFar := net.Pipe()
	transport.inbound <- &pipeConn{Conn: inboundLocal, id: remote}
	buf := make([]byte, 1)
	require.NoError(t, inboundFar.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := inboundFar.Read(buf)
	assert.Error(t, err, "inbound connection from banned peer should be closed")

	// Unban restores connectivity.
	require.NoError(t, svc.Unban(context.Background(), remote))
	waitFor(t, svc.Events(), isConnected(remote))
}

func TestServiceUnbanUnknown(t *testing.T) {
	svc, _ := newTestService(t, peer.ID("local-node"), types.NetworkConfig{})
	assert.ErrorIs(t, svc.Unban(context.Background(), peer.ID("nobody")), ErrUnknownPeer)
}

func TestServiceSendBackpressure(t *testing.T) {
	svc, transport := newTestService(t, peer.ID("local-node"), types.NetworkConfig{
		SendQueueSize: 1,
	})
	slow := peer.ID("slow-node")
	healthy := peer.ID("healthy-node")

	assert.ErrorIs(t, svc.Send(slow, []byte("x")), ErrNotConnected)

	// The slow peer never reads; the healthy peer always does.
	healthyFar := make(chan net.Conn, 1)
	transport.setDial(func(_ context.Context, id peer.ID, _ []multiaddr.Multiaddr) (Conn, error) {
		local, far := net.Pipe()
		if id == healthy {
			healthyFar <- far
		}
		return &pipeConn{Conn: local, id: id}, nil
	})

	require.NoError(t, svc.Connect(context.Background(), slow, nil))
	waitFor(t, svc.Events(), isConnected(slow))
	require.NoError(t, svc.Connect(context.Background(), healthy, nil))
	waitFor(t, svc.Events(), isConnected(healthy))

	// Saturate the slow peer. The write pump wedges on the first frame,
	// the queue holds one more; the overflow must fail fast.
	var backpressured bool
	for i := 0; i < 10 && !backpressured; i++ {
		start := time.Now()
		err := svc.Send(slow, []byte("payload"))
		require.Less(t, time.Since(start), 500*time.Millisecond, "Send must not block")
		if err != nil {
			assert.ErrorIs(t, err, ErrBackpressure)
			backpressured = true
		}
	}
	assert.True(t, backpressured, "expected ErrBackpressure on a saturated queue")

	// A saturated peer does not affect delivery to other peers.
	far := <-healthyFar
	require.NoError(t, svc.Send(healthy, []byte("through")))
	assert.Equal(t, []byte("through"), readFrame(t, far))
}

func TestServiceReconnectBackoff(t *testing.T) {
	svc, transport := newTestService(t, peer.ID("local-node"), types.NetworkConfig{
		ReconnectBase: 20 * time.Millisecond,
		ReconnectMax:  time.Second,
	})
	remote := peer.ID("flaky-node")

	var mu sync.Mutex
	attempts := 0
	transport.setDial(func(_ context.Context, id peer.ID, _ []multiaddr.Multiaddr) (Conn, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 3 {
			return nil, context.DeadlineExceeded
		}
		local, _ := net.Pipe()
		return &pipeConn{Conn: local, id: id}, nil
	})

	require.NoError(t, svc.Connect(context.Background(), remote, nil))

	for i := 0; i < 3; i++ {
		waitFor(t, svc.Events(), isDialFailed(remote))
	}
	waitFor(t, svc.Events(), isConnected(remote))

	times := transport.dialTimes()
	require.Len(t, times, 4)

	// Delays grow exponentially from the base: >=20ms, >=40ms, >=80ms.
	gaps := []time.Duration{
		times[1].Sub(times[0]),
		times[2].Sub(times[1]),
		times[3].Sub(times[2]),
	}
	assert.GreaterOrEqual(t, gaps[0], 20*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[1], 40*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[2], 80*time.Millisecond)
}

func TestServiceExplicitDisconnectDoesNotReconnect(t *testing.T) {
	svc, transport := newTestService(t, peer.ID("local-node"), types.NetworkConfig{
		ReconnectBase: 10 * time.Millisecond,
	})
	remote := peer.ID("remote-node")

	conns := make(chan net.Conn, 2)
	transport.setDial(dialTo(t, conns))

	require.NoError(t, svc.Connect(context.Background(), remote, nil))
	waitFor(t, svc.Events(), isConnected(remote))

	require.NoError(t, svc.Disconnect(context.Background(), remote))
	waitFor(t, svc.Events(), isDisconnected(remote))

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, transport.dialTimes(), 1, "explicit disconnect must not trigger a reconnect")

	peers, err := svc.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, StateDisconnected, peers[0].State)
}

func TestServiceDiscoveredPeerNotReconnected(t *testing.T) {
	svc, transport := newTestService(t, peer.ID("local-node"), types.NetworkConfig{
		ReconnectBase: 10 * time.Millisecond,
	})
	remote := peer.ID("ephemeral-node")

	conns := make(chan net.Conn, 1)
	transport.setDial(dialTo(t, conns))

	require.NoError(t, svc.AddDiscovered(context.Background(), remote, nil))
	ev := waitFor(t, svc.Events(), isConnected(remote))
	assert.Equal(t, RelationDiscovered, ev.(PeerConnected).Relation)

	far := <-conns
	require.NoError(t, far.Close())
	waitFor(t, svc.Events(), isDisconnected(remote))

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, transport.dialTimes(), 1, "discovered peers are not auto-reconnected")

	peers, err := svc.Peers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers, "discovered peers are evicted after loss")
}

func TestServiceMessageRoundTrip(t *testing.T) {
	idA := peer.ID("node-a")
	idB := peer.ID("node-b")
	svcA, transportA := newTestService(t, idA, types.NetworkConfig{})
	svcB, transportB := newTestService(t, idB, types.NetworkConfig{})

	// A dials B: each side gets one end of the same pipe.
	transportA.setDial(func(_ context.Context, id peer.ID, _ []multiaddr.Multiaddr) (Conn, error) {
		a, b := net.Pipe()
		transportB.inbound <- &pipeConn{Conn: b, id: idA}
		return &pipeConn{Conn: a, id: id}, nil
	})

	require.NoError(t, svcA.Connect(context.Background(), idB, nil))
	waitFor(t, svcA.Events(), isConnected(idB))
	waitFor(t, svcB.Events(), isConnected(idA))

	require.NoError(t, svcA.Send(idB, []byte("from-a")))
	ev := waitFor(t, svcB.Events(), func(ev Event) bool {
		_, ok := ev.(MessageReceived)
		return ok
	})
	assert.Equal(t, []byte("from-a"), ev.(MessageReceived).Payload)
	assert.Equal(t, idA, ev.(MessageReceived).ID)

	require.NoError(t, svcB.Send(idA, []byte("from-b")))
	ev = waitFor(t, svcA.Events(), func(ev Event) bool {
		_, ok := ev.(MessageReceived)
		return ok
	})
	assert.Equal(t, []byte("from-b"), ev.(MessageReceived).Payload)
}

func TestServiceStopClosesEvents(t *testing.T) {
	transport := newFakeTransport(peer.ID("local-node"))
	svc, err := NewService(types.NetworkConfig{}, transport, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start())

	conns := make(chan net.Conn, 1)
	transport.setDial(dialTo(t, conns))
	require.NoError(t, svc.Connect(context.Background(), peer.ID("remote-node"), nil))
	waitFor(t, svc.Events(), isConnected(peer.ID("remote-node")))

	require.NoError(t, svc.Stop())

	// Commands after shutdown are rejected.
	assert.ErrorIs(t, svc.Connect(context.Background(), peer.ID("other"), nil), ErrServiceClosed)

	// The event channel drains and closes.
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-svc.Events():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}
