package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	routingdisc "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Config represents discovery configuration
type Config struct {
	// DHT configuration
	DHTEnabled     bool
	BootstrapPeers []string

	// MDNS configuration
	MDNSEnabled bool

	// Rendezvous namespace advertised and searched in the DHT.
	Namespace string

	// How often the DHT is queried for new peers.
	DiscoveryInterval time.Duration

	// Limits
	MaxPeers int
}

// DefaultConfig returns the default discovery configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:         "aurora-ledger",
		DiscoveryInterval: 30 * time.Second,
		MaxPeers:          64,
	}
}

// Service finds peers via the kademlia DHT and local-network MDNS and
// surfaces them on a channel. It does not connect to them; the consumer
// decides what to do with each candidate.
type Service struct {
	host   host.Host
	dht    *dht.IpfsDHT
	mdns   mdns.Service
	config Config

	// Discovered peers
	peers    map[peer.ID]peer.AddrInfo
	peerLock sync.RWMutex

	discoveries chan peer.AddrInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewService creates a discovery service on the given host.
func NewService(h host.Host, cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultConfig().DiscoveryInterval
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultConfig().MaxPeers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	var kadDHT *dht.IpfsDHT
	if cfg.DHTEnabled {
		var err error
		kadDHT, err = dht.New(ctx, h)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	return &Service{
		host:        h,
		dht:         kadDHT,
		config:      cfg,
		peers:       make(map[peer.ID]peer.AddrInfo),
		discoveries: make(chan peer.AddrInfo, 100),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("discovery"),
	}, nil
}

// Start begins discovering peers with the enabled mechanisms.
func (s *Service) Start() error {
	if s.config.DHTEnabled {
		if err := s.startDHT(); err != nil {
			return err
		}
	}
	if s.config.MDNSEnabled {
		if err := s.startMDNS(); err != nil {
			return err
		}
	}
	s.logger.Info("discovery started",
		zap.Bool("dht", s.config.DHTEnabled),
		zap.Bool("mdns", s.config.MDNSEnabled),
		zap.String("namespace", s.config.Namespace))
	return nil
}

// Stop halts discovery. The host is left to its owner.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	if s.mdns != nil {
		_ = s.mdns.Close()
	}
	if s.dht != nil {
		_ = s.dht.Close()
	}
	s.logger.Info("discovery stopped")
}

// Discoveries returns the channel of discovered peers. Each peer is
// delivered at most once until removed via RemovePeer.
func (s *Service) Discoveries() <-chan peer.AddrInfo {
	return s.discoveries
}

// HandlePeerFound implements the MDNS notifee interface.
func (s *Service) HandlePeerFound(pi peer.AddrInfo) {
	s.addPeer(pi)
}

// PeerCount returns the number of currently tracked discovered peers.
func (s *Service) PeerCount() int {
	s.peerLock.RLock()
	defer s.peerLock.RUnlock()
	return len(s.peers)
}

// RemovePeer forgets a discovered peer, making it eligible for
// re-discovery. Called when its connection is lost.
func (s *Service) RemovePeer(id peer.ID) {
	s.peerLock.Lock()
	defer s.peerLock.Unlock()
	delete(s.peers, id)
}

// Internal methods

func (s *Service) startDHT() error {
	if err := s.dht.Bootstrap(s.ctx); err != nil {
		return err
	}
	for _, addr := range s.config.BootstrapPeers {
		if err := s.connectBootstrapPeer(addr); err != nil {
			s.logger.Warn("bootstrap peer unreachable",
				zap.String("addr", addr), zap.Error(err))
		}
	}

	s.wg.Add(1)
	go s.dhtLoop()
	return nil
}

func (s *Service) startMDNS() error {
	service := mdns.NewMdnsService(s.host, s.config.Namespace, s)
	if err := service.Start(); err != nil {
		return err
	}
	s.mdns = service
	return nil
}

func (s *Service) connectBootstrapPeer(addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	return s.host.Connect(ctx, *pi)
}

// dhtLoop advertises our presence under the namespace and periodically
// searches it for other nodes.
func (s *Service) dhtLoop() {
	defer s.wg.Done()

	disc := routingdisc.NewRoutingDiscovery(s.dht)
	if _, err := disc.Advertise(s.ctx, s.config.Namespace); err != nil {
		s.logger.Debug("initial advertise failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.findPeers(disc)
		}
	}
}

func (s *Service) findPeers(disc *routingdisc.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.DiscoveryInterval)
	defer cancel()

	peers, err := disc.FindPeers(ctx, s.config.Namespace)
	if err != nil {
		s.logger.Warn("dht peer search failed", zap.Error(err))
		return
	}
	for pi := range peers {
		if pi.ID == s.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		s.addPeer(pi)
	}
}

func (s *Service) addPeer(pi peer.AddrInfo) {
	if pi.ID == s.host.ID() {
		return
	}

	s.peerLock.Lock()
	if len(s.peers) >= s.config.MaxPeers {
		s.peerLock.Unlock()
		return
	}
	if _, exists := s.peers[pi.ID]; exists {
		s.peerLock.Unlock()
		return
	}
	s.peers[pi.ID] = pi
	total := len(s.peers)
	s.peerLock.Unlock()

	select {
	case s.discoveries <- pi:
	default:
		// Consumer is behind; the peer stays tracked and can be
		// re-announced after RemovePeer.
	}

	s.logger.Info("peer discovered",
		zap.String("peer", pi.ID.String()),
		zap.Int("total", total))
}
