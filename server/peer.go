package server

import (
	"context"
	"strings"
	"sync"

	"net"

	"go.uber.org/zap"

	"github.com/kestrelmedia/crossbar/matrix"
)

// writeQueueSize is the per-peer high-water mark. A peer that cannot
// drain this many pending writes is disconnected rather than allowed to
// stall the broadcaster.
const writeQueueSize = 255

const readBufferSize = 4096

// peer is one accepted connection: a stable identity, a reader, and a
// writer fed by a bounded queue.
type peer struct {
	id     matrix.PeerID
	remote string

	core *core
	conn *net.TCPConn

	ctx    context.Context
	cancel context.CancelFunc

	writeQueue chan []byte

	closeOnce sync.Once

	// proto holds the protocol-specific per-connection state (framer,
	// echo mode, change flags). Owned by the engine's handler.
	proto interface{}

	log *zap.Logger
}

func newPeer(parentCtx context.Context, c *core, conn *net.TCPConn, log *zap.Logger) *peer {
	ctx, cancel := context.WithCancel(parentCtx)

	remote := conn.RemoteAddr().String()

	return &peer{
		id:         c.allocPeerID(),
		remote:     remote,
		core:       c,
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		writeQueue: make(chan []byte, writeQueueSize),
		log:        log.With(zap.String("remote", remote)),
	}
}

// run drives the connection until EOF, error, or shutdown. It owns the
// lifecycle: accept hook, read loop, write loop, close hook.
func (p *peer) run(h handler) {
	defer func() {
		p.cancel()
		p.conn.Close()
		p.core.removePeer(p)

		// The peer is already out of the broadcast set: release its
		// locks and let the protocol broadcast the fallout to the rest.
		h.onClose(p)
	}()

	var loopWaiter sync.WaitGroup

	loopWaiter.Add(1)

	go func() {
		defer loopWaiter.Done()
		p.writeLoop()
	}()

	h.onAccept(p)

	p.readLoop(h)

	p.cancel()
	loopWaiter.Wait()
}

func (p *peer) readLoop(h handler) {
	log := p.log.Named("readLoop")

	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-p.ctx.Done():
			return

		default:
			n, err := p.conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				h.onData(p, data)
			}

			if err != nil {
				if !isClosedConn(err) {
					log.Warn("Read failed", zap.Error(err))
				}
				return
			}
		}
	}
}

func (p *peer) writeLoop() {
	log := p.log.Named("writeLoop")

	for {
		select {
		case <-p.ctx.Done():
			return

		case data := <-p.writeQueue:
			if _, err := p.conn.Write(data); err != nil {
				if !isClosedConn(err) {
					log.Warn("Write failed", zap.Error(err))
				}
				p.cancel()
				return
			}
		}
	}
}

// send enqueues data for the write loop. When the queue is full the peer
// is disconnected: a consumer that slow must not block producers.
func (p *peer) send(data []byte) {
	select {
	case <-p.ctx.Done():

	case p.writeQueue <- data:

	default:
		p.log.Warn("Peer write queue full, disconnecting")
		p.close()
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
	})
}

func isClosedConn(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "EOF"))
}
