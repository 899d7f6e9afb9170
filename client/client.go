// Package client implements the controller side of the three router
// protocols: connect, resynchronize on initial receipt, issue commands
// with optimistic local updates and NAK-driven rollback, and keep the
// connection alive with exponential-backoff reconnection.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelmedia/crossbar/bus"
	"github.com/kestrelmedia/crossbar/matrix"
)

// Protocol names accepted by New.
const (
	ProtocolVideoHub = "videohub"
	ProtocolSWP08    = "swp08"
	ProtocolGVNative = "gvnative"
)

const (
	// DefaultConnectTimeout bounds the dial plus initial-state wait.
	DefaultConnectTimeout = 5 * time.Second

	// Reconnect backoff doubles from the floor to the cap.
	reconnectFloor = 1 * time.Second
	reconnectCap   = 30 * time.Second

	writeQueueSize = 255
	readBufferSize = 4096
)

var (
	ErrUnknownProtocol  = errors.New("unknown protocol")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrConnectTimeout   = errors.New("timed out waiting for initial state")
	ErrConnectAborted   = errors.New("connect aborted")
)

// Config is everything a controller connection needs.
type Config struct {
	Host string
	Port int

	ConnectTimeout time.Duration
	AutoReconnect  bool

	// Levels / Inputs / Outputs seed the mirror for protocols that do
	// not report dimensions on the wire (SW-P-08). Discovered values
	// overwrite them.
	Levels  int
	Inputs  int
	Outputs int
}

// Client is the capability set shared by all three controller engines.
type Client interface {
	// Connect dials and resolves once the initial state is known: at
	// least the input count, output count, and one routing entry.
	Connect(ctx context.Context) error

	// Disconnect tears the session down and disables reconnection.
	Disconnect() error

	IsConnected() bool

	SetRoute(dest, src, level int) bool
	SetInputLabel(i int, label string) bool
	SetOutputLabel(o int, label string) bool
	SetLock(dest int, op matrix.LockOp) bool

	// State snapshots the local mirror.
	State() Mirror

	// Subscribe returns the event channel for the UI.
	Subscribe() *bus.Subscription
}

// New builds the controller for a protocol name.
func New(protocol string, cfg Config, log *zap.Logger) (Client, error) {
	switch protocol {
	case ProtocolVideoHub:
		return newVideoHub(cfg, log), nil
	case ProtocolSWP08:
		return newSWP08(cfg, log), nil
	case ProtocolGVNative:
		return newGVNative(cfg, log), nil
	default:
		return nil, fmt.Errorf("%q: %w", protocol, ErrUnknownProtocol)
	}
}

// proto is the protocol-specific half of a controller.
type proto interface {
	// onConnect runs right after the socket opens; it issues the
	// resynchronization sequence.
	onConnect(send func([]byte))

	// onData feeds raw stream bytes.
	onData(data []byte, send func([]byte))

	// pollInterval returns the periodic poll cadence, zero for none.
	pollInterval() time.Duration

	// onPoll runs at pollInterval.
	onPoll(send func([]byte))
}

// pendingKind classifies optimistic records and outstanding commands.
type pendingKind int

const (
	kindRoute pendingKind = iota
	kindLock
	kindLabel
)

type routeKey struct {
	level int
	dest  int
}

// clientCore carries the machinery every controller shares: the socket,
// the writer queue, the mirror with its pending records, and the
// reconnect loop.
type clientCore struct {
	cfg    Config
	events *bus.Bus
	log    *zap.Logger

	mu sync.Mutex

	mirror Mirror

	// pendingRoutes and pendingLocks hold the rollback values of
	// optimistic writes, at most one per target.
	pendingRoutes map[routeKey]int
	pendingLocks  map[int]byte

	// outstanding correlates untyped ACK/NAK replies with the kind of
	// command they answer, in issue order.
	outstanding []pendingKind

	conn       net.Conn
	writeQueue chan []byte
	haveInit   bool
	initCh     chan struct{}

	running     bool
	manualClose bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func newClientCore(cfg Config, log *zap.Logger) *clientCore {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Levels < 1 {
		cfg.Levels = 1
	}

	return &clientCore{
		cfg:           cfg,
		events:        bus.New(log.Named("bus")),
		log:           log,
		mirror:        newMirror(),
		pendingRoutes: make(map[routeKey]int),
		pendingLocks:  make(map[int]byte),
	}
}

func (c *clientCore) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// connect starts the session loop and waits for initial state.
func (c *clientCore) connect(ctx context.Context, p proto) error {
	c.mu.Lock()

	if c.running {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	c.running = true
	c.manualClose = false
	c.haveInit = false
	c.initCh = make(chan struct{})
	c.cancel = cancel
	initCh := c.initCh

	c.wg.Add(1)

	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.sessionLoop(sessionCtx, p)
	}()

	select {
	case <-initCh:
		return nil

	case <-time.After(c.cfg.ConnectTimeout):
		if !c.cfg.AutoReconnect {
			c.disconnect()
		}
		return ErrConnectTimeout

	case <-ctx.Done():
		c.disconnect()
		return fmt.Errorf("%w: %v", ErrConnectAborted, ctx.Err())
	}
}

// sessionLoop dials, runs the connection, and retries with exponential
// backoff until cancelled or reconnection is disabled.
func (c *clientCore) sessionLoop(ctx context.Context, p proto) {
	backoff := reconnectFloor
	attempt := 0

	for {
		conn, err := net.DialTimeout("tcp", c.addr(), c.cfg.ConnectTimeout)
		if err == nil {
			backoff = reconnectFloor
			attempt = 0

			c.runConn(ctx, conn.(*net.TCPConn), p)

			c.events.Publish(bus.RouterDisconnected{})
		} else {
			c.events.Publish(bus.Error{
				Message: fmt.Sprintf("connect %s: %v", c.addr(), err),
			})
		}

		c.mu.Lock()
		done := c.manualClose || !c.cfg.AutoReconnect
		c.mu.Unlock()

		if done {
			return
		}

		attempt++
		c.events.Publish(bus.RouterReconnecting{Attempt: attempt})

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

// runConn owns one live socket: reader, writer queue, and optional poll
// timer. Returns when the socket dies or the session is cancelled.
func (c *clientCore) runConn(ctx context.Context, conn *net.TCPConn, p proto) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeQueue := make(chan []byte, writeQueueSize)

	c.mu.Lock()
	c.conn = conn
	c.writeQueue = writeQueue
	c.mu.Unlock()

	defer func() {
		conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.writeQueue = nil
		c.mu.Unlock()
	}()

	send := func(data []byte) {
		select {
		case writeQueue <- data:
		default:
			c.log.Warn("Outbound queue full, dropping write")
		}
	}

	var loopWaiter sync.WaitGroup

	loopWaiter.Add(1)

	go func() {
		defer loopWaiter.Done()

		for {
			select {
			case <-connCtx.Done():
				return

			case data := <-writeQueue:
				if _, err := conn.Write(data); err != nil {
					c.log.Warn("Write failed", zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	if interval := p.pollInterval(); interval > 0 {
		loopWaiter.Add(1)

		go func() {
			defer loopWaiter.Done()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-connCtx.Done():
					return
				case <-ticker.C:
					p.onPoll(send)
				}
			}
		}()
	}

	p.onConnect(send)

	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-connCtx.Done():
			loopWaiter.Wait()
			return

		default:
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				p.onData(data, send)
			}

			if err != nil {
				cancel()
				loopWaiter.Wait()
				return
			}
		}
	}
}

func (c *clientCore) disconnect() error {
	c.mu.Lock()

	if !c.running {
		c.mu.Unlock()
		return ErrNotConnected
	}

	c.running = false
	c.manualClose = true

	if c.conn != nil {
		c.conn.Close()
	}

	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	return nil
}

func (c *clientCore) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running && c.haveInit && c.conn != nil
}

// markInit resolves the pending connect once the mirror satisfies the
// initial-state condition. Callers hold c.mu.
func (c *clientCore) markInit() {
	if c.haveInit {
		return
	}

	if c.mirror.Inputs > 0 && c.mirror.Outputs > 0 && len(c.mirror.Routes) > 0 {
		c.haveInit = true
		close(c.initCh)
		c.events.Publish(bus.RouterConnected{})
	}
}

// enqueueLocked hands bytes to the writer queue of the live connection.
// Callers hold c.mu.
func (c *clientCore) enqueueLocked(data []byte) {
	if c.writeQueue == nil {
		return
	}

	select {
	case c.writeQueue <- data:
	default:
		c.log.Warn("Outbound queue full, dropping write")
	}
}

// pushOutstanding records the kind of an issued command for ACK/NAK
// correlation. Callers hold c.mu.
func (c *clientCore) pushOutstanding(kind pendingKind) {
	c.outstanding = append(c.outstanding, kind)
}

// popOutstanding takes the oldest outstanding command kind. Callers hold
// c.mu.
func (c *clientCore) popOutstanding() (pendingKind, bool) {
	if len(c.outstanding) == 0 {
		return 0, false
	}

	kind := c.outstanding[0]
	c.outstanding = c.outstanding[1:]

	return kind, true
}

// rollbackRoutes undoes every pending optimistic route and reports the
// restored values. Callers hold c.mu.
func (c *clientCore) rollbackRoutes() []bus.RouteChange {
	changes := make([]bus.RouteChange, 0, len(c.pendingRoutes))

	for key, old := range c.pendingRoutes {
		c.mirror.Routes[key] = old
		changes = append(changes, bus.RouteChange{Level: key.level, Dest: key.dest, Src: old})
		delete(c.pendingRoutes, key)
	}

	return changes
}

// rollbackLocks undoes every pending optimistic lock. Callers hold c.mu.
func (c *clientCore) rollbackLocks() []bus.LockChange {
	changes := make([]bus.LockChange, 0, len(c.pendingLocks))

	for dest, old := range c.pendingLocks {
		c.mirror.Locks[dest] = old
		changes = append(changes, bus.LockChange{Dest: dest})
		delete(c.pendingLocks, dest)
	}

	return changes
}

func (c *clientCore) subscribe() *bus.Subscription {
	return c.events.Subscribe()
}
