// Package server implements the three simulator engines. Each engine owns
// a TCP listener, a set of peer connections, and a shared routing model;
// decoded commands mutate the model and the resulting changes fan out to
// every connected peer and to the engine's event bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
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

// Default listen ports per protocol.
const (
	DefaultPortVideoHub = 9990
	DefaultPortSWP08    = 8910
	DefaultPortGVNative = 12345
)

var (
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrAlreadyRunning  = errors.New("engine is already running")
	ErrNotRunning      = errors.New("engine is not running")
)

// Config enumerates everything the GUI can set on an engine.
type Config struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`

	Inputs  int `json:"inputs"`
	Outputs int `json:"outputs"`
	Levels  int `json:"levels"`

	ModelName    string `json:"model_name"`
	FriendlyName string `json:"friendly_name"`
}

// Engine is the capability set shared by all three protocol simulators.
// The GUI dispatches on the protocol name and never sees the concrete type.
type Engine interface {
	// Start binds the listener and begins accepting. Returns the bound
	// port, useful when the config asked for port 0.
	Start(ctx context.Context) (int, error)

	// Stop closes the listener and every peer and waits for the
	// connection tasks to drain.
	Stop() error

	// UpdateConfig re-dimensions the simulator. The engine must be
	// stopped to change the port.
	UpdateConfig(cfg Config) error

	SetRoute(dest, src, level int) bool
	SetInputLabel(i int, label string) bool
	SetOutputLabel(o int, label string) bool
	SetLock(dest int, op matrix.LockOp) bool

	// State snapshots the model with locks rendered for the local UI.
	State() matrix.Snapshot

	// Subscribe returns the out-of-band event channel for the UI.
	Subscribe() *bus.Subscription
}

// New builds the engine for a protocol name.
func New(cfg Config, log *zap.Logger) (Engine, error) {
	factory, ok := registry[cfg.Protocol]
	if !ok {
		return nil, fmt.Errorf("%q: %w", cfg.Protocol, ErrUnknownProtocol)
	}

	return factory(cfg, log), nil
}

// Protocols lists the registered protocol names.
func Protocols() []string {
	return []string{ProtocolVideoHub, ProtocolSWP08, ProtocolGVNative}
}

var registry = map[string]func(Config, *zap.Logger) Engine{
	ProtocolVideoHub: func(cfg Config, log *zap.Logger) Engine { return newVideoHub(cfg, log) },
	ProtocolSWP08:    func(cfg Config, log *zap.Logger) Engine { return newSWP08(cfg, log) },
	ProtocolGVNative: func(cfg Config, log *zap.Logger) Engine { return newGVNative(cfg, log) },
}

// handler is the protocol-specific half of an engine.
type handler interface {
	// onAccept runs after the peer is registered, before its first read.
	onAccept(p *peer)

	// onData feeds raw stream bytes. Framing state lives on the peer.
	onData(p *peer, data []byte)

	// onClose runs exactly once as the peer tears down.
	onClose(p *peer)
}

// core carries the machinery every engine shares: listener, peers, model,
// event bus, and the command mutex that keeps wire broadcasts in
// mutation order.
type core struct {
	mu      sync.Mutex
	cfg     Config
	running bool

	// opMu serializes command dispatch so that the order of broadcasts
	// equals the order of model mutations.
	opMu sync.Mutex

	model  *matrix.Model
	events *bus.Bus

	listener net.Listener
	port     int

	peersMu    sync.Mutex
	peers      map[*peer]struct{}
	nextPeerID uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *zap.Logger
}

func newCore(cfg Config, log *zap.Logger) *core {
	c := &core{
		cfg:        cfg,
		peers:      make(map[*peer]struct{}),
		nextPeerID: uint64(matrix.Local) + 1,
		events:     bus.New(log.Named("bus")),
		log:        log,
	}

	c.model = matrix.New(matrix.Config{
		Inputs:       cfg.Inputs,
		Outputs:      cfg.Outputs,
		Levels:       cfg.Levels,
		ModelName:    cfg.ModelName,
		FriendlyName: cfg.FriendlyName,
	})

	// Every model mutation is republished to the UI subscriber channel.
	c.model.Subscribe(func(event bus.Event) {
		c.events.Publish(event)
	})

	return c
}

func (c *core) start(parentCtx context.Context, h handler) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return 0, ErrAlreadyRunning
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	listener, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancel(parentCtx)

	c.listener = listener
	c.cancel = cancel
	c.running = true
	c.port = listener.Addr().(*net.TCPAddr).Port

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		c.acceptLoop(ctx, listener, h)
	}()

	c.log.Info("Engine listening",
		zap.String("protocol", c.cfg.Protocol),
		zap.Int("port", c.port))

	c.events.Publish(bus.ServerStarted{Port: c.port})

	return c.port, nil
}

func (c *core) acceptLoop(ctx context.Context, listener net.Listener, h handler) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}

			netOpError := new(net.OpError)
			if errors.As(err, &netOpError) {
				// Listener closed under us; shutdown in progress.
				return
			}

			c.log.Warn("Accept failed", zap.Error(err))
			continue
		}

		p := newPeer(ctx, c, conn.(*net.TCPConn), c.log.Named("conn"))

		c.addPeer(p)

		c.wg.Add(1)

		go func() {
			defer c.wg.Done()
			p.run(h)
		}()
	}
}

func (c *core) stop() error {
	c.mu.Lock()

	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}

	c.running = false
	listener := c.listener
	c.listener = nil
	c.mu.Unlock()

	var err error

	if cerr := listener.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}

	c.cancel()

	c.peersMu.Lock()
	peers := make([]*peer, 0, len(c.peers))
	for p := range c.peers {
		peers = append(peers, p)
	}
	c.peersMu.Unlock()

	for _, p := range peers {
		p.close()
	}

	c.wg.Wait()

	c.events.Publish(bus.ServerStopped{})

	return err
}

func (c *core) updateConfig(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running && cfg.Port != c.cfg.Port {
		return fmt.Errorf("cannot change port while running: %w", ErrAlreadyRunning)
	}

	c.cfg = cfg
	c.model.Reconfigure(matrix.Config{
		Inputs:       cfg.Inputs,
		Outputs:      cfg.Outputs,
		Levels:       cfg.Levels,
		ModelName:    cfg.ModelName,
		FriendlyName: cfg.FriendlyName,
	})

	return nil
}

func (c *core) addPeer(p *peer) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()

	c.peers[p] = struct{}{}
}

func (c *core) removePeer(p *peer) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()

	delete(c.peers, p)
}

func (c *core) allocPeerID() matrix.PeerID {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()

	id := matrix.PeerID(c.nextPeerID)
	c.nextPeerID++

	return id
}

// broadcast sends render(p) to every peer. A nil render result skips the
// peer. render runs per peer so lock views can differ per receiver.
func (c *core) broadcast(render func(p *peer) []byte) {
	c.peersMu.Lock()
	peers := make([]*peer, 0, len(c.peers))
	for p := range c.peers {
		peers = append(peers, p)
	}
	c.peersMu.Unlock()

	for _, p := range peers {
		if data := render(p); data != nil {
			p.send(data)
		}
	}
}

func (c *core) subscribe() *bus.Subscription {
	return c.events.Subscribe()
}
