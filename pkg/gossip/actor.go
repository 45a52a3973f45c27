package gossip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

const readChunkSize = 4096

// actorExit is the one-shot teardown report an actor delivers to the
// network service.
type actorExit struct {
	id     peer.ID
	actor  *actor
	reason error
}

// actor owns exactly one connection for its whole lifetime. Two pumps run
// concurrently: the outbound pump drains the bounded send queue to the
// wire in FIFO order, the inbound pump decodes frames and publishes them
// as events. Either pump failing tears the connection down; the exit is
// reported exactly once regardless of which side noticed first.
type actor struct {
	id    peer.ID
	conn  Conn
	codec *Codec

	sendq   chan []byte
	publish func(Event)
	exits   chan<- actorExit

	ctx    context.Context
	cancel context.CancelFunc
	parent <-chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	metrics *netMetrics
	logger  *zap.Logger
}

func newActor(parent context.Context, id peer.ID, conn Conn, codec *Codec, queueSize int,
	publish func(Event), exits chan<- actorExit, metrics *netMetrics, logger *zap.Logger) *actor {
	ctx, cancel := context.WithCancel(context.Background())
	return &actor{
		id:      id,
		conn:    conn,
		codec:   codec,
		sendq:   make(chan []byte, queueSize),
		publish: publish,
		exits:   exits,
		ctx:     ctx,
		cancel:  cancel,
		parent:  parent.Done(),
		closed:  make(chan struct{}),
		metrics: metrics,
		logger:  logger.With(zap.String("peer", id.String())),
	}
}

func (a *actor) start(wg *sync.WaitGroup) {
	wg.Add(2)
	go a.readLoop(wg)
	go a.writeLoop(wg)
}

// enqueue appends a message to the send queue without ever blocking the
// caller. A full queue fails fast with ErrBackpressure so a slow peer
// cannot stall anyone else.
func (a *actor) enqueue(payload []byte) error {
	if len(payload) > a.codec.MaxFrameSize() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), a.codec.MaxFrameSize())
	}
	select {
	case <-a.ctx.Done():
		return ErrNotConnected
	default:
	}
	select {
	case a.sendq <- payload:
		return nil
	default:
		return ErrBackpressure
	}
}

func (a *actor) writeLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case payload := <-a.sendq:
			frame, err := a.codec.Encode(payload)
			if err != nil {
				// Oversized payloads are rejected at enqueue; this guards
				// against codec reconfiguration bugs only.
				a.terminate(err)
				return
			}
			if _, err := a.conn.Write(frame); err != nil {
				a.terminate(fmt.Errorf("write: %w", err))
				return
			}
			a.metrics.observeMessage("out", len(payload))
		}
	}
}

func (a *actor) readLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 0, 2*readChunkSize)
	chunk := make([]byte, readChunkSize)
	for {
		n, err := a.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				payload, consumed, derr := a.codec.Decode(buf)
				if derr != nil {
					a.terminate(derr)
					return
				}
				if consumed == 0 {
					break
				}
				buf = append(buf[:0], buf[consumed:]...)
				a.metrics.observeMessage("in", len(payload))
				a.publish(MessageReceived{ID: a.id, Payload: payload})
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				a.terminate(io.EOF)
			} else {
				a.terminate(fmt.Errorf("read: %w", err))
			}
			return
		}
	}
}

// terminate closes the connection and reports the exit exactly once. The
// exit notification is delivered asynchronously so that the control loop
// can call terminate without deadlocking on its own exit channel; the
// delivery goroutine gives up when the service shuts down.
func (a *actor) terminate(reason error) {
	a.closeOnce.Do(func() {
		a.cancel()
		if err := a.conn.Close(); err != nil {
			a.logger.Debug("closing connection", zap.Error(err))
		}
		close(a.closed)
		exit := actorExit{id: a.id, actor: a, reason: reason}
		select {
		case a.exits <- exit:
		default:
			go func() {
				select {
				case a.exits <- exit:
				case <-a.parent:
				}
			}()
		}
	})
}
