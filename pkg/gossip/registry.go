package gossip

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PeerRelation classifies how a peer entered the registry.
type PeerRelation int

const (
	// RelationKnown marks a statically configured peer, eligible for
	// automatic reconnection.
	RelationKnown PeerRelation = iota
	// RelationDiscovered marks a peer learned at runtime. Not reconnected
	// after loss.
	RelationDiscovered
	// RelationUnlisted marks an inbound-only peer. Not reconnected.
	RelationUnlisted
)

func (r PeerRelation) String() string {
	switch r {
	case RelationKnown:
		return "known"
	case RelationDiscovered:
		return "discovered"
	case RelationUnlisted:
		return "unlisted"
	default:
		return "invalid"
	}
}

// PeerState is the connection lifecycle state of a registry record.
type PeerState int

const (
	StateDisconnected PeerState = iota
	StateDialing
	StateConnected
	StateDisconnecting
	StateBanned
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateBanned:
		return "banned"
	default:
		return "invalid"
	}
}

// PeerRecord is the registry entry for a single peer identity. There is at
// most one record per identity at any time.
type PeerRecord struct {
	ID       peer.ID
	Addrs    []multiaddr.Multiaddr
	Relation PeerRelation
	State    PeerState

	// Orchestrator bookkeeping. The actor handle is present iff the record
	// is Connected; the registry never holds the stream itself.
	actor    *actor
	attempts int
	aborted  bool
}

// PeerInfo is an immutable snapshot of a registry record.
type PeerInfo struct {
	ID       peer.ID
	Addrs    []multiaddr.Multiaddr
	Relation PeerRelation
	State    PeerState
}

func (r *PeerRecord) info() PeerInfo {
	addrs := make([]multiaddr.Multiaddr, len(r.Addrs))
	copy(addrs, r.Addrs)
	return PeerInfo{ID: r.ID, Addrs: addrs, Relation: r.Relation, State: r.State}
}

// Registry is the authoritative mapping from peer identity to peer
// metadata and connection state. It carries no networking logic and no
// internal locking: the network service is its single writer, serializing
// all access through the control loop.
type Registry struct {
	peers map[peer.ID]*PeerRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[peer.ID]*PeerRecord)}
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return len(r.peers)
}

// Get returns the record for the given identity.
func (r *Registry) Get(id peer.ID) (*PeerRecord, bool) {
	rec, ok := r.peers[id]
	return rec, ok
}

// Upsert inserts a record or merges addresses into an existing one. The
// relation is only ever upgraded towards Known (Unlisted < Discovered <
// Known), so an inbound-only peer later supplied by configuration becomes
// reconnectable, while a configured peer is never demoted by discovery.
func (r *Registry) Upsert(id peer.ID, addrs []multiaddr.Multiaddr, relation PeerRelation) *PeerRecord {
	rec, ok := r.peers[id]
	if !ok {
		rec = &PeerRecord{ID: id, Relation: relation, State: StateDisconnected}
		r.peers[id] = rec
	} else if relation < rec.Relation {
		rec.Relation = relation
	}
	rec.Addrs = mergeAddrs(rec.Addrs, addrs)
	return rec
}

// Remove deletes the record for the given identity. The caller is
// responsible for tearing down a live connection first.
func (r *Registry) Remove(id peer.ID) bool {
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

// SetState transitions the record's state. Transitioning to Connected
// while the record is already Connected fails with ErrAlreadyInProgress;
// this is the dedup gate guaranteeing at most one live connection per
// identity.
func (r *Registry) SetState(id peer.ID, state PeerState) error {
	rec, ok := r.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	if state == StateConnected && rec.State == StateConnected {
		return ErrAlreadyInProgress
	}
	rec.State = state
	return nil
}

// List returns snapshots of all records matching the filter. A nil filter
// matches everything.
func (r *Registry) List(match func(*PeerRecord) bool) []PeerInfo {
	out := make([]PeerInfo, 0, len(r.peers))
	for _, rec := range r.peers {
		if match == nil || match(rec) {
			out = append(out, rec.info())
		}
	}
	return out
}

// ByRelation returns a filter matching records with the given relation.
func ByRelation(relation PeerRelation) func(*PeerRecord) bool {
	return func(rec *PeerRecord) bool { return rec.Relation == relation }
}

// ByState returns a filter matching records with the given state.
func ByState(state PeerState) func(*PeerRecord) bool {
	return func(rec *PeerRecord) bool { return rec.State == state }
}

func mergeAddrs(existing, extra []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	if len(extra) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		seen[a.String()] = struct{}{}
	}
	for _, a := range extra {
		if _, ok := seen[a.String()]; ok {
			continue
		}
		seen[a.String()] = struct{}{}
		existing = append(existing, a)
	}
	return existing
}
