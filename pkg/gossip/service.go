package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aurora-ledger/network/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdBan
	cmdUnban
	cmdPeers
)

type cmdResult struct {
	err   error
	peers []PeerInfo
}

type command struct {
	kind     cmdKind
	id       peer.ID
	addrs    []multiaddr.Multiaddr
	relation PeerRelation
	reason   string
	reply    chan cmdResult
}

type dialResult struct {
	id   peer.ID
	conn Conn
	err  error
}

// Service is the peer-to-peer gossip networking core. A single control
// loop owns the peer registry and connection manager, multiplexing
// commands, transport events and actor exits into one serialized stream of
// state transitions; gossip actors hold no shared state and communicate
// only via channels.
type Service struct {
	cfg    types.NetworkConfig
	logger *zap.Logger

	transport Transport
	codec     *Codec
	registry  *Registry
	manager   *connManager
	metrics   *netMetrics

	cmds   chan command
	events chan Event
	exits  chan actorExit
	dialc  chan dialResult
	redial chan peer.ID

	// actors is written only by the control loop and read concurrently by
	// Send, which must never suspend on the loop.
	actors sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewService creates the network service on top of the given transport.
func NewService(cfg types.NetworkConfig, transport Transport, logger *zap.Logger) (*Service, error) {
	if transport == nil {
		return nil, errors.New("gossip: transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.WithDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		logger:    logger.Named("gossip"),
		transport: transport,
		codec:     NewCodec(cfg.MaxFrameSize),
		registry:  NewRegistry(),
		manager:   newConnManager(transport.LocalID(), &cfg),
		metrics:   newNetMetrics(),
		cmds:      make(chan command, cfg.CommandBuffer),
		events:    make(chan Event, cfg.EventBuffer),
		exits:     make(chan actorExit, 64),
		dialc:     make(chan dialResult, 16),
		redial:    make(chan peer.ID, 16),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches the control loop and dials the configured static peers.
func (s *Service) Start() error {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()

		for _, raw := range s.cfg.StaticPeers {
			maddr, err := multiaddr.NewMultiaddr(raw)
			if err != nil {
				s.logger.Error("invalid static peer address",
					zap.String("addr", raw), zap.Error(err))
				continue
			}
			info, err := peer.AddrInfoFromP2pAddr(maddr)
			if err != nil {
				s.logger.Error("static peer address missing identity",
					zap.String("addr", raw), zap.Error(err))
				continue
			}
			if err := s.Connect(s.ctx, info.ID, info.Addrs); err != nil {
				s.logger.Warn("static peer not admitted",
					zap.String("peer", info.ID.String()), zap.Error(err))
			}
		}

		s.logger.Info("network service started",
			zap.String("id", s.transport.LocalID().String()),
			zap.Int("static_peers", len(s.cfg.StaticPeers)))
	})
	return nil
}

// Stop cancels all outstanding dials, closes every live connection and
// waits for the control loop and all actors to exit. In-flight sends are
// discarded, not flushed. The event channel is closed last.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
		s.logger.Info("network service stopped")
	})
	return nil
}

// Events returns the event channel. It is closed by Stop after every
// producer has exited.
func (s *Service) Events() <-chan Event {
	return s.events
}

// LocalID returns the local node identity.
func (s *Service) LocalID() peer.ID {
	return s.transport.LocalID()
}

// NodeInfo describes the local node. The peer count is filled by callers
// holding a peer snapshot.
func (s *Service) NodeInfo() types.NodeInfo {
	addrs := s.transport.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return types.NodeInfo{
		ID:         s.transport.LocalID().String(),
		Addresses:  out,
		ProtocolID: s.cfg.ProtocolID,
		Version:    s.cfg.Version,
	}
}

// Connect requests a connection to a statically supplied peer. Acceptance
// means the dial was admitted and queued, not that it will succeed; the
// outcome arrives as a PeerConnected or DialFailed event.
func (s *Service) Connect(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) error {
	return s.submit(ctx, command{kind: cmdConnect, id: id, addrs: addrs, relation: RelationKnown}).err
}

// AddDiscovered requests a connection to a peer learned at runtime.
// Discovered peers are not reconnected after loss and are evicted from the
// registry once their connection closes.
func (s *Service) AddDiscovered(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) error {
	return s.submit(ctx, command{kind: cmdConnect, id: id, addrs: addrs, relation: RelationDiscovered}).err
}

// Disconnect requests teardown of the peer's connection or dial attempt.
// It is advisory and asynchronous: the PeerDisconnected event confirms
// completion.
func (s *Service) Disconnect(ctx context.Context, id peer.ID) error {
	return s.submit(ctx, command{kind: cmdDisconnect, id: id}).err
}

// Ban rejects all future dial/accept attempts for the peer until Unban and
// tears down its live connection, if any.
func (s *Service) Ban(ctx context.Context, id peer.ID, reason string) error {
	return s.submit(ctx, command{kind: cmdBan, id: id, reason: reason}).err
}

// Unban lifts a ban. Known peers become eligible for reconnection again.
func (s *Service) Unban(ctx context.Context, id peer.ID) error {
	return s.submit(ctx, command{kind: cmdUnban, id: id}).err
}

// Peers returns a snapshot of the registry.
func (s *Service) Peers(ctx context.Context) ([]PeerInfo, error) {
	res := s.submit(ctx, command{kind: cmdPeers})
	return res.peers, res.err
}

// Send queues a message for the peer. It never suspends the caller: a full
// send queue fails immediately with ErrBackpressure, and per-peer FIFO
// order is preserved for accepted messages. Send bypasses the control loop
// entirely so a slow peer cannot stall the orchestrator or other peers.
func (s *Service) Send(id peer.ID, payload []byte) error {
	v, ok := s.actors.Load(id)
	if !ok {
		return ErrNotConnected
	}
	return v.(*actor).enqueue(payload)
}

func (s *Service) submit(ctx context.Context, cmd command) cmdResult {
	cmd.reply = make(chan cmdResult, 1)
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return cmdResult{err: ctx.Err()}
	case <-s.ctx.Done():
		return cmdResult{err: ErrServiceClosed}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-ctx.Done():
		return cmdResult{err: ctx.Err()}
	case <-s.ctx.Done():
		return cmdResult{err: ErrServiceClosed}
	}
}

// run is the single writer of the registry and connection manager. Every
// state transition flows through this loop.
func (s *Service) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return
		case cmd := <-s.cmds:
			cmd.reply <- s.handleCommand(cmd)
		case conn := <-s.transport.Inbound():
			s.handleInbound(conn)
		case res := <-s.dialc:
			s.handleDialResult(res)
		case exit := <-s.exits:
			s.handleExit(exit)
		case id := <-s.redial:
			s.handleRedial(id)
		}
	}
}

func (s *Service) handleCommand(cmd command) cmdResult {
	switch cmd.kind {
	case cmdConnect:
		return cmdResult{err: s.handleConnect(cmd)}
	case cmdDisconnect:
		return cmdResult{err: s.handleDisconnect(cmd.id)}
	case cmdBan:
		return cmdResult{err: s.handleBan(cmd.id, cmd.reason)}
	case cmdUnban:
		return cmdResult{err: s.handleUnban(cmd.id)}
	case cmdPeers:
		return cmdResult{peers: s.registry.List(nil)}
	default:
		return cmdResult{err: fmt.Errorf("gossip: unknown command %d", cmd.kind)}
	}
}

func (s *Service) handleConnect(cmd command) error {
	if cmd.id == s.transport.LocalID() {
		return fmt.Errorf("gossip: refusing to dial self")
	}
	rec, _ := s.registry.Get(cmd.id)
	if err := s.manager.admitOutbound(cmd.id, rec); err != nil {
		return err
	}
	rec = s.registry.Upsert(cmd.id, cmd.addrs, cmd.relation)
	rec.attempts = 0
	s.beginDial(rec)
	return nil
}

func (s *Service) handleDisconnect(id peer.ID) error {
	rec, ok := s.registry.Get(id)
	if !ok {
		return ErrUnknownPeer
	}
	switch rec.State {
	case StateDialing:
		rec.aborted = true
		_ = s.registry.SetState(id, StateDisconnected)
		if rec.Relation != RelationKnown {
			s.registry.Remove(id)
		}
	case StateConnected:
		_ = s.registry.SetState(id, StateDisconnecting)
		rec.actor.terminate(errDisconnectRequested)
	}
	return nil
}

func (s *Service) handleBan(id peer.ID, reason string) error {
	s.manager.ban(id, reason)
	s.metrics.observeBan()
	s.logger.Info("peer banned",
		zap.String("peer", id.String()), zap.String("reason", reason))

	rec, ok := s.registry.Get(id)
	if !ok {
		return nil
	}
	switch rec.State {
	case StateDialing:
		rec.aborted = true
		_ = s.registry.SetState(id, StateBanned)
	case StateConnected:
		_ = s.registry.SetState(id, StateDisconnecting)
		rec.actor.terminate(ErrPeerBanned)
	default:
		_ = s.registry.SetState(id, StateBanned)
	}
	return nil
}

func (s *Service) handleUnban(id peer.ID) error {
	if !s.manager.unban(id) {
		return ErrUnknownPeer
	}
	s.logger.Info("peer unbanned", zap.String("peer", id.String()))
	rec, ok := s.registry.Get(id)
	if !ok || rec.State != StateBanned {
		return nil
	}
	_ = s.registry.SetState(id, StateDisconnected)
	if rec.Relation == RelationKnown {
		rec.attempts = 0
		s.beginDial(rec)
	}
	return nil
}

// beginDial transitions the record to Dialing and launches the dial
// attempt off-loop. The result is delivered back to the loop.
func (s *Service) beginDial(rec *PeerRecord) {
	rec.aborted = false
	_ = s.registry.SetState(rec.ID, StateDialing)

	id := rec.ID
	addrs := make([]multiaddr.Multiaddr, len(rec.Addrs))
	copy(addrs, rec.Addrs)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		defer cancel()
		conn, err := s.transport.Dial(ctx, id, addrs)
		select {
		case s.dialc <- dialResult{id: id, conn: conn, err: err}:
		case <-s.ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (s *Service) handleDialResult(res dialResult) {
	rec, ok := s.registry.Get(res.id)
	if !ok || rec.State != StateDialing || rec.aborted {
		// The attempt was aborted, superseded by an inbound connection, or
		// the peer was removed or banned while the dial was in flight.
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}

	if res.err != nil {
		s.metrics.observeDial("error")
		s.logger.Debug("dial failed",
			zap.String("peer", res.id.String()), zap.Error(res.err))
		s.publish(DialFailed{ID: res.id, Reason: res.err})
		rec.attempts++
		_ = s.registry.SetState(res.id, StateDisconnected)
		if s.manager.shouldReconnect(rec) {
			s.scheduleRedial(rec)
		} else if rec.Relation != RelationKnown {
			s.registry.Remove(res.id)
		}
		return
	}

	s.metrics.observeDial("ok")
	s.startActor(rec, res.conn)
}

func (s *Service) handleInbound(conn Conn) {
	id := conn.PeerID()
	if id == s.transport.LocalID() {
		_ = conn.Close()
		return
	}
	rec, _ := s.registry.Get(id)
	decision, err := s.manager.admitInbound(id, rec)
	switch decision {
	case inboundReject:
		s.logger.Debug("inbound connection rejected",
			zap.String("peer", id.String()), zap.Error(err))
		_ = conn.Close()
		return
	case inboundAcceptAbortDial:
		// Lost the simultaneous-dial tie-break: the late dial result will
		// be discarded because the record leaves the Dialing state.
		rec.aborted = true
		s.logger.Debug("aborting local dial in favour of inbound connection",
			zap.String("peer", id.String()))
	}
	if rec == nil {
		rec = s.registry.Upsert(id, nil, RelationUnlisted)
	}
	s.startActor(rec, conn)
}

// startActor transitions the record to Connected and hands the connection
// to a freshly spawned actor. The registry gate makes a duplicate
// connection impossible: a second Connected transition is rejected.
func (s *Service) startActor(rec *PeerRecord, conn Conn) {
	if err := s.registry.SetState(rec.ID, StateConnected); err != nil {
		s.logger.Warn("duplicate connection dropped",
			zap.String("peer", rec.ID.String()), zap.Error(err))
		_ = conn.Close()
		return
	}
	rec.attempts = 0
	rec.aborted = false

	a := newActor(s.ctx, rec.ID, conn, s.codec, s.cfg.SendQueueSize,
		s.publish, s.exits, s.metrics, s.logger)
	rec.actor = a
	s.actors.Store(rec.ID, a)
	a.start(&s.wg)

	s.metrics.setPeers(1)
	s.logger.Info("peer connected",
		zap.String("peer", rec.ID.String()),
		zap.String("relation", rec.Relation.String()))
	s.publish(PeerConnected{ID: rec.ID, Relation: rec.Relation})
}

func (s *Service) handleExit(exit actorExit) {
	s.actors.Delete(exit.id)
	s.metrics.setPeers(-1)
	s.logger.Info("peer disconnected",
		zap.String("peer", exit.id.String()),
		zap.NamedError("reason", exit.reason))
	s.publish(PeerDisconnected{ID: exit.id, Reason: exit.reason})

	rec, ok := s.registry.Get(exit.id)
	if !ok {
		return
	}
	rec.actor = nil

	if s.manager.banned(exit.id) {
		_ = s.registry.SetState(exit.id, StateBanned)
		return
	}
	if rec.Relation != RelationKnown {
		s.registry.Remove(exit.id)
		return
	}
	_ = s.registry.SetState(exit.id, StateDisconnected)
	if !errors.Is(exit.reason, errDisconnectRequested) &&
		!errors.Is(exit.reason, errServiceShutdown) &&
		s.manager.shouldReconnect(rec) {
		s.scheduleRedial(rec)
	}
}

// scheduleRedial arms a one-shot timer for the peer's next reconnect
// attempt with exponential backoff. The redial is re-validated by the loop
// when it fires, since bans or explicit disconnects may land in between.
func (s *Service) scheduleRedial(rec *PeerRecord) {
	retry := rec.attempts - 1
	delay := s.manager.nextDelay(retry)
	id := rec.ID
	s.logger.Debug("reconnect scheduled",
		zap.String("peer", id.String()),
		zap.Duration("delay", delay),
		zap.Int("attempts", rec.attempts))
	time.AfterFunc(delay, func() {
		select {
		case s.redial <- id:
		case <-s.ctx.Done():
		}
	})
}

func (s *Service) handleRedial(id peer.ID) {
	rec, ok := s.registry.Get(id)
	if !ok || rec.State != StateDisconnected {
		return
	}
	if rec.Relation != RelationKnown || s.manager.banned(id) {
		return
	}
	s.beginDial(rec)
}

// publish delivers an event without blocking. Consumers that are not
// listening miss the event; there is no replay buffer.
func (s *Service) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.metrics.observeDroppedEvent()
	}
}

func (s *Service) teardown() {
	for _, info := range s.registry.List(ByState(StateConnected)) {
		if rec, ok := s.registry.Get(info.ID); ok && rec.actor != nil {
			rec.actor.terminate(errServiceShutdown)
		}
	}
}
