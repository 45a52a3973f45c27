package relay

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/aurora-ledger/network/pkg/gossip"
)

// Network is the slice of the gossip service the relay needs: the event
// stream and the non-blocking per-peer send.
type Network interface {
	Events() <-chan gossip.Event
	Send(id peer.ID, payload []byte) error
}

// Config represents relay configuration
type Config struct {
	// How long a message digest is remembered for deduplication.
	SeenTTL time.Duration

	// How often expired digests are evicted.
	CleanupInterval time.Duration

	// Path of the on-disk message archive. Empty disables archiving.
	ArchivePath string
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() *Config {
	return &Config{
		SeenTTL:         30 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Stats represents relay counters
type Stats struct {
	Received  uint64 `json:"received"`
	Duplicate uint64 `json:"duplicate"`
	Relayed   uint64 `json:"relayed"`
	Dropped   uint64 `json:"dropped"`
	SeenSize  int    `json:"seen_size"`
	Peers     int    `json:"peers"`
}

// Relay fans every gossip message out to all connected peers except the
// one it arrived from, deduplicating by payload digest so a message loops
// through the network at most once per node.
type Relay struct {
	config  *Config
	network Network

	// Seen digests and their first-seen time.
	seen     map[[32]byte]time.Time
	seenLock sync.Mutex

	// Connected peers, tracked from network events.
	peers     map[peer.ID]struct{}
	peersLock sync.RWMutex

	stats     Stats
	statsLock sync.Mutex

	archive *leveldb.DB

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// New creates a relay on top of the given network. The archive, if
// configured, is opened immediately so a bad path fails at startup.
func New(network Network, config *Config, logger *zap.Logger) (*Relay, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var archive *leveldb.DB
	if config.ArchivePath != "" {
		db, err := leveldb.OpenFile(config.ArchivePath, nil)
		if err != nil {
			return nil, err
		}
		archive = db
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		config:  config,
		network: network,
		seen:    make(map[[32]byte]time.Time),
		peers:   make(map[peer.ID]struct{}),
		archive: archive,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("relay"),
	}, nil
}

// Start launches the event consumer and the digest cleanup routine.
func (r *Relay) Start() {
	r.wg.Add(2)
	go r.eventLoop()
	go r.cleanupRoutine()
}

// Stop halts the relay and closes the archive. It does not close the
// network.
func (r *Relay) Stop() error {
	r.cancel()
	r.wg.Wait()
	if r.archive != nil {
		return r.archive.Close()
	}
	return nil
}

// Broadcast injects a locally originated message into the network,
// sending it to every connected peer. The message is marked seen so its
// own echoes are not relayed back out.
func (r *Relay) Broadcast(payload []byte) {
	digest := blake3.Sum256(payload)
	if !r.markSeen(digest) {
		return
	}
	r.archivePut(digest, payload)
	r.fanOut(payload, "")
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	r.statsLock.Lock()
	out := r.stats
	r.statsLock.Unlock()

	r.seenLock.Lock()
	out.SeenSize = len(r.seen)
	r.seenLock.Unlock()

	r.peersLock.RLock()
	out.Peers = len(r.peers)
	r.peersLock.RUnlock()
	return out
}

// Archived looks a message up in the archive by its digest. It returns
// false when archiving is disabled or the digest is unknown.
func (r *Relay) Archived(digest [32]byte) ([]byte, bool) {
	if r.archive == nil {
		return nil, false
	}
	payload, err := r.archive.Get(digest[:], nil)
	if err != nil {
		return nil, false
	}
	return payload, true
}

func (r *Relay) eventLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.network.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case gossip.PeerConnected:
				r.peersLock.Lock()
				r.peers[e.ID] = struct{}{}
				r.peersLock.Unlock()
			case gossip.PeerDisconnected:
				r.peersLock.Lock()
				delete(r.peers, e.ID)
				r.peersLock.Unlock()
			case gossip.MessageReceived:
				r.handleMessage(e.ID, e.Payload)
			}
		}
	}
}

func (r *Relay) handleMessage(source peer.ID, payload []byte) {
	r.bumpStats(func(s *Stats) { s.Received++ })

	digest := blake3.Sum256(payload)
	if !r.markSeen(digest) {
		r.bumpStats(func(s *Stats) { s.Duplicate++ })
		return
	}

	r.archivePut(digest, payload)
	r.fanOut(payload, source)
}

// fanOut sends the payload to every connected peer except the source. A
// peer whose send queue is full simply misses this message; gossip
// redundancy covers the gap.
func (r *Relay) fanOut(payload []byte, source peer.ID) {
	r.peersLock.RLock()
	targets := make([]peer.ID, 0, len(r.peers))
	for id := range r.peers {
		if id != source {
			targets = append(targets, id)
		}
	}
	r.peersLock.RUnlock()

	for _, id := range targets {
		if err := r.network.Send(id, payload); err != nil {
			r.bumpStats(func(s *Stats) { s.Dropped++ })
			r.logger.Debug("relay send failed",
				zap.String("peer", id.String()), zap.Error(err))
			continue
		}
		r.bumpStats(func(s *Stats) { s.Relayed++ })
	}
}

// markSeen records the digest and reports whether it was new.
func (r *Relay) markSeen(digest [32]byte) bool {
	r.seenLock.Lock()
	defer r.seenLock.Unlock()
	if _, dup := r.seen[digest]; dup {
		return false
	}
	r.seen[digest] = time.Now()
	return true
}

func (r *Relay) archivePut(digest [32]byte, payload []byte) {
	if r.archive == nil {
		return
	}
	if err := r.archive.Put(digest[:], payload, nil); err != nil {
		r.logger.Warn("archive write failed", zap.Error(err))
	}
}

func (r *Relay) bumpStats(fn func(*Stats)) {
	r.statsLock.Lock()
	fn(&r.stats)
	r.statsLock.Unlock()
}

// Background routines

func (r *Relay) cleanupRoutine() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

func (r *Relay) cleanup() {
	now := time.Now()
	expired := 0

	r.seenLock.Lock()
	for digest, at := range r.seen {
		if now.Sub(at) > r.config.SeenTTL {
			delete(r.seen, digest)
			expired++
		}
	}
	remaining := len(r.seen)
	r.seenLock.Unlock()

	if expired > 0 {
		r.logger.Debug("expired message digests evicted",
			zap.Int("expired", expired),
			zap.Int("remaining", remaining))
	}
}
