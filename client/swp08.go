package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelmedia/crossbar/bus"
	"github.com/kestrelmedia/crossbar/matrix"
	"github.com/kestrelmedia/crossbar/protocol/swp08"
)

// swp08NameCharLen is the character-length index used for resync name
// requests (index 1 selects eight characters).
const swp08NameCharLen = 1

// swp08Client mirrors an SW-P-08 router. The router sends nothing on
// accept; resynchronization is a tally dump per level plus both name
// tables. The frame does not report its dimensions, so the configured
// inputs/outputs seed the mirror.
type swp08Client struct {
	*clientCore

	framer swp08.Framer
}

func newSWP08(cfg Config, log *zap.Logger) *swp08Client {
	if cfg.Inputs < 1 {
		cfg.Inputs = 12
	}
	if cfg.Outputs < 1 {
		cfg.Outputs = 12
	}

	return &swp08Client{clientCore: newClientCore(cfg, log.Named("swp08"))}
}

func (s *swp08Client) Connect(ctx context.Context) error { return s.connect(ctx, s) }
func (s *swp08Client) Disconnect() error                 { return s.disconnect() }
func (s *swp08Client) IsConnected() bool                 { return s.isConnected() }
func (s *swp08Client) Subscribe() *bus.Subscription      { return s.subscribe() }

// --- proto ---

func (s *swp08Client) pollInterval() time.Duration { return 0 }
func (s *swp08Client) onPoll(func([]byte))         {}

func (s *swp08Client) onConnect(send func([]byte)) {
	s.mu.Lock()

	s.framer = swp08.Framer{}
	s.outstanding = nil
	s.pendingRoutes = make(map[routeKey]int)

	s.mirror.Inputs = s.cfg.Inputs
	s.mirror.Outputs = s.cfg.Outputs
	s.mirror.Levels = s.cfg.Levels

	levels := s.cfg.Levels

	s.mu.Unlock()

	for level := 0; level < levels; level++ {
		send(swp08.EncodeFrame(swp08.TallyDump{Level: level}.Encode()))
	}

	send(swp08.EncodeFrame(swp08.NamesRequest{
		Kind: swp08.NamesSource, CharLenIdx: swp08NameCharLen}.Encode()))
	send(swp08.EncodeFrame(swp08.NamesRequest{
		Kind: swp08.NamesDest, CharLenIdx: swp08NameCharLen}.Encode()))
}

func (s *swp08Client) onData(data []byte, send func([]byte)) {
	tokens, err := s.framer.Feed(data)
	if err != nil {
		s.log.Warn("Discarding oversized frame", zap.Error(err))
		return
	}

	for _, token := range tokens {
		switch token.Kind {
		case swp08.TokenAck:
			s.mu.Lock()
			s.popOutstanding()
			s.mu.Unlock()

		case swp08.TokenNak:
			s.handleNak()

		case swp08.TokenBadChecksum:
			send(swp08.NakBytes)

		case swp08.TokenFrame:
			s.handleFrame(token.Msg, send)
		}
	}
}

func (s *swp08Client) handleNak() {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind, ok := s.popOutstanding()
	if !ok || kind != kindRoute {
		return
	}

	if changes := s.rollbackRoutes(); len(changes) > 0 {
		s.events.Publish(bus.RoutingChanged{Changes: changes})
	}

	s.events.Publish(bus.Error{Message: "router rejected command"})
}

func (s *swp08Client) handleFrame(raw []byte, send func([]byte)) {
	msg, err := swp08.Parse(raw)
	if err != nil {
		s.log.Warn("Unhandled message", zap.Error(err))
		send(swp08.AckBytes)
		return
	}

	send(swp08.AckBytes)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch m := msg.(type) {
	case swp08.Crosspoint:
		if m.Kind != swp08.KindTally && m.Kind != swp08.KindConnected {
			return
		}

		key := routeKey{level: m.Level, dest: m.Dest}
		delete(s.pendingRoutes, key)
		s.mirror.Routes[key] = m.Src

		s.events.Publish(bus.RoutingChanged{
			Changes: []bus.RouteChange{{Level: m.Level, Dest: m.Dest, Src: m.Src}},
		})

		s.markInit()

	case swp08.NamesReply:
		s.handleNames(m)
	}
}

// handleNames records a run of labels. Callers hold s.mu.
func (s *swp08Client) handleNames(m swp08.NamesReply) {
	changes := make([]bus.LabelChange, 0, len(m.Names))

	for i, name := range m.Names {
		index := m.Start + i

		if m.Kind == swp08.NamesSource {
			s.mirror.InputLabels[index] = name
		} else {
			s.mirror.OutputLabels[index] = name
		}

		changes = append(changes, bus.LabelChange{Index: index, Label: name})
	}

	if len(changes) == 0 {
		return
	}

	if m.Kind == swp08.NamesSource {
		s.events.Publish(bus.InputLabelsChanged{Changes: changes})
	} else {
		s.events.Publish(bus.OutputLabelsChanged{Changes: changes})
	}
}

// --- writes ---

func (s *swp08Client) SetRoute(dest, src, level int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveInit || s.writeQueue == nil {
		return false
	}

	key := routeKey{level: level, dest: dest}

	if _, exists := s.pendingRoutes[key]; !exists {
		if old, ok := s.mirror.Routes[key]; ok {
			s.pendingRoutes[key] = old
		}
	}

	s.mirror.Routes[key] = src
	s.pushOutstanding(kindRoute)

	extended := dest > 1023 || src > 1023

	s.enqueueLocked(swp08.EncodeFrame(swp08.Crosspoint{
		Kind:     swp08.KindConnect,
		Extended: extended,
		Level:    level,
		Dest:     dest,
		Src:      src,
	}.Encode()))

	s.events.Publish(bus.RoutingChanged{
		Changes: []bus.RouteChange{{Level: level, Dest: dest, Src: src}},
	})

	return true
}

// SetLock is VideoHub-only; SW-P-08 has no lock messages.
func (s *swp08Client) SetLock(int, matrix.LockOp) bool { return false }

// The interoperability subset has no label-write opcodes.
func (s *swp08Client) SetInputLabel(int, string) bool  { return false }
func (s *swp08Client) SetOutputLabel(int, string) bool { return false }

var _ Client = (*swp08Client)(nil)
