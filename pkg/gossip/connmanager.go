package gossip

import (
	"math/rand"
	"time"

	"github.com/aurora-ledger/network/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// BanRecord captures why and when a peer was banned. Bans outlive
// individual connections but not the process.
type BanRecord struct {
	ID     peer.ID
	Reason string
	At     time.Time
}

// inboundDecision is the connection manager's verdict on an inbound
// connection attempt.
type inboundDecision int

const (
	// inboundAccept admits the connection.
	inboundAccept inboundDecision = iota
	// inboundAcceptAbortDial admits the connection and aborts the local
	// outbound dial that lost the tie-break.
	inboundAcceptAbortDial
	// inboundReject closes the connection.
	inboundReject
)

// connManager decides whether dial/accept attempts are admitted, tracks
// bans and computes reconnect backoff. Like the registry it has no
// internal locking: the network service's control loop is its only caller.
type connManager struct {
	localID peer.ID

	base       time.Duration
	cap        time.Duration
	jitter     float64
	maxRetries int

	bans map[peer.ID]BanRecord
	rng  *rand.Rand
	now  func() time.Time
}

func newConnManager(localID peer.ID, cfg *types.NetworkConfig) *connManager {
	return &connManager{
		localID:    localID,
		base:       cfg.ReconnectBase,
		cap:        cfg.ReconnectMax,
		jitter:     cfg.ReconnectJitter,
		maxRetries: cfg.MaxReconnectAttempts,
		bans:       make(map[peer.ID]BanRecord),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
}

func (m *connManager) ban(id peer.ID, reason string) BanRecord {
	rec := BanRecord{ID: id, Reason: reason, At: m.now()}
	m.bans[id] = rec
	return rec
}

func (m *connManager) unban(id peer.ID) bool {
	if _, ok := m.bans[id]; !ok {
		return false
	}
	delete(m.bans, id)
	return true
}

func (m *connManager) banned(id peer.ID) bool {
	_, ok := m.bans[id]
	return ok
}

// admitOutbound gates a local dial attempt against the peer's ban status
// and current registry state. rec may be nil for peers not yet registered.
func (m *connManager) admitOutbound(id peer.ID, rec *PeerRecord) error {
	if m.banned(id) {
		return ErrPeerBanned
	}
	if rec != nil {
		switch rec.State {
		case StateDialing, StateConnected, StateDisconnecting:
			return ErrAlreadyInProgress
		case StateBanned:
			return ErrPeerBanned
		}
	}
	return nil
}

// admitInbound gates an accepted connection. The simultaneous-dial race is
// resolved deterministically: the attempt initiated by the peer whose
// identity sorts higher (by byte order over identity bytes) survives. When
// the remote identity sorts higher than ours, our outbound dial is aborted
// and the inbound connection admitted; otherwise the inbound connection is
// rejected and our dial continues. Both sides applying the same rule keep
// exactly one connection.
func (m *connManager) admitInbound(id peer.ID, rec *PeerRecord) (inboundDecision, error) {
	if m.banned(id) {
		return inboundReject, ErrPeerBanned
	}
	if rec == nil {
		return inboundAccept, nil
	}
	switch rec.State {
	case StateBanned:
		return inboundReject, ErrPeerBanned
	case StateConnected, StateDisconnecting:
		return inboundReject, ErrAlreadyInProgress
	case StateDialing:
		if id > m.localID {
			return inboundAcceptAbortDial, nil
		}
		return inboundReject, ErrAlreadyInProgress
	default:
		return inboundAccept, nil
	}
}

// nextDelay computes the reconnect delay for the given retry ordinal:
// exponential growth from the base, capped, plus a uniform jitter fraction
// of the capped delay.
func (m *connManager) nextDelay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := m.base
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= m.cap {
			delay = m.cap
			break
		}
	}
	if delay > m.cap {
		delay = m.cap
	}
	if m.jitter > 0 {
		delay += time.Duration(m.rng.Float64() * m.jitter * float64(delay))
	}
	return delay
}

// shouldReconnect reports whether a known peer is still eligible for
// another reconnect attempt.
func (m *connManager) shouldReconnect(rec *PeerRecord) bool {
	if rec.Relation != RelationKnown {
		return false
	}
	if m.banned(rec.ID) {
		return false
	}
	return m.maxRetries == 0 || rec.attempts < m.maxRetries
}
