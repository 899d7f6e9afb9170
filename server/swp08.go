package server

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kestrelmedia/crossbar/bus"
	"github.com/kestrelmedia/crossbar/matrix"
	"github.com/kestrelmedia/crossbar/protocol/swp08"
)

// namesPerReply bounds how many labels travel in one name response frame.
const namesPerReply = 16

// swp08Engine simulates an SW-P-08 router frame. It sends nothing on
// accept; controllers resynchronize with tally dump and name requests.
type swp08Engine struct {
	*core
}

func newSWP08(cfg Config, log *zap.Logger) *swp08Engine {
	if cfg.Port == 0 {
		cfg.Port = DefaultPortSWP08
	}

	return &swp08Engine{core: newCore(cfg, log.Named("swp08"))}
}

type swpConnState struct {
	framer swp08.Framer
}

func (e *swp08Engine) Start(ctx context.Context) (int, error) { return e.start(ctx, e) }
func (e *swp08Engine) Stop() error                            { return e.stop() }
func (e *swp08Engine) UpdateConfig(cfg Config) error          { return e.updateConfig(cfg) }
func (e *swp08Engine) State() matrix.Snapshot                 { return e.model.Snapshot(matrix.Local) }
func (e *swp08Engine) Subscribe() *bus.Subscription           { return e.subscribe() }

func (e *swp08Engine) SetRoute(dest, src, level int) bool {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	applied := e.model.ApplyRoutes([]bus.RouteChange{{Level: level, Dest: dest, Src: src}}, matrix.Local)
	if len(applied) == 0 {
		return false
	}

	e.broadcastConnected(applied)

	return true
}

func (e *swp08Engine) SetInputLabel(i int, label string) bool {
	return e.model.SetInputLabel(i, label)
}

func (e *swp08Engine) SetOutputLabel(o int, label string) bool {
	return e.model.SetOutputLabel(o, label)
}

// SetLock is VideoHub-only; SW-P-08 has no lock messages.
func (e *swp08Engine) SetLock(int, matrix.LockOp) bool { return false }

// --- handler ---

func (e *swp08Engine) onAccept(p *peer) {
	p.proto = &swpConnState{}
	e.events.Publish(bus.ClientConnected{ID: p.remote})
}

func (e *swp08Engine) onData(p *peer, data []byte) {
	st := p.proto.(*swpConnState)

	tokens, err := st.framer.Feed(data)
	if err != nil {
		p.log.Warn("Closing peer", zap.Error(err))
		p.close()
		return
	}

	for _, token := range tokens {
		switch token.Kind {
		case swp08.TokenBadChecksum:
			p.send(swp08.NakBytes)

		case swp08.TokenFrame:
			if token.BTCMismatch {
				p.log.Warn("Frame byte count disagrees with payload, accepting anyway")
			}

			e.dispatch(p, token.Msg)

		case swp08.TokenAck, swp08.TokenNak:
			// Link acknowledgements from the controller need no answer.
		}
	}
}

func (e *swp08Engine) onClose(p *peer) {
	e.events.Publish(bus.ClientDisconnected{ID: p.remote})
}

func (e *swp08Engine) dispatch(p *peer, raw []byte) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	msg, err := swp08.Parse(raw)
	if err != nil {
		// The frame was sound, so acknowledge receipt and drop it.
		p.send(swp08.AckBytes)
		p.log.Warn("Unhandled message", zap.Error(err))
		return
	}

	p.send(swp08.AckBytes)

	switch m := msg.(type) {
	case swp08.Crosspoint:
		e.handleCrosspoint(p, m)

	case swp08.TallyDump:
		e.handleTallyDump(p, m)

	case swp08.NamesRequest:
		e.handleNamesRequest(p, m)

	default:
		// Tallies and name replies are router-to-controller only.
	}
}

func (e *swp08Engine) handleCrosspoint(p *peer, m swp08.Crosspoint) {
	switch m.Kind {
	case swp08.KindConnect:
		applied := e.model.ApplyRoutes(
			[]bus.RouteChange{{Level: m.Level, Dest: m.Dest, Src: m.Src}}, p.id)
		if len(applied) == 0 {
			return
		}

		e.broadcastConnectedAs(applied, m.Extended)

		e.events.Publish(bus.CommandReceived{
			ID:          p.remote,
			Description: fmt.Sprintf("Connect dest %d to src %d on level %d", m.Dest, m.Src, m.Level),
		})

	case swp08.KindInterrogate:
		src, ok := e.model.Route(m.Level, m.Dest)
		if !ok {
			return
		}

		p.send(swp08.EncodeFrame(swp08.Crosspoint{
			Kind:     swp08.KindTally,
			Extended: m.Extended,
			Matrix:   m.Matrix,
			Level:    m.Level,
			Dest:     m.Dest,
			Src:      src,
		}.Encode()))
	}
}

func (e *swp08Engine) handleTallyDump(p *peer, m swp08.TallyDump) {
	snapshot := e.model.Snapshot(p.id)

	if m.Level < 0 || m.Level >= snapshot.Levels {
		return
	}

	var out bytes.Buffer

	for dest, src := range snapshot.Routes[m.Level] {
		out.Write(swp08.EncodeFrame(swp08.Crosspoint{
			Kind:     swp08.KindTally,
			Extended: m.Extended,
			Matrix:   m.Matrix,
			Level:    m.Level,
			Dest:     dest,
			Src:      src,
		}.Encode()))
	}

	p.send(out.Bytes())
}

func (e *swp08Engine) handleNamesRequest(p *peer, m swp08.NamesRequest) {
	width, err := swp08.CharWidth(m.CharLenIdx)
	if err != nil {
		p.log.Warn("Name request with bad char length", zap.Error(err))
		return
	}

	snapshot := e.model.Snapshot(p.id)

	labels := snapshot.InputLabels
	if m.Kind == swp08.NamesDest {
		labels = snapshot.OutputLabels
	}

	var out bytes.Buffer

	for start := 0; start < len(labels); start += namesPerReply {
		end := start + namesPerReply
		if end > len(labels) {
			end = len(labels)
		}

		names := make([]string, 0, end-start)
		for _, label := range labels[start:end] {
			names = append(names, swp08.PadName(label, width))
		}

		out.Write(swp08.EncodeFrame(swp08.NamesReply{
			Kind:       m.Kind,
			Extended:   m.Extended,
			Matrix:     m.Matrix,
			CharLenIdx: m.CharLenIdx,
			Start:      start,
			Names:      names,
		}.Encode()))
	}

	p.send(out.Bytes())
}

// broadcastConnected picks the address form from the route values.
// Callers hold opMu.
func (e *swp08Engine) broadcastConnected(applied []bus.RouteChange) {
	extended := false
	for _, c := range applied {
		if c.Dest > 1023 || c.Src > 1023 {
			extended = true
		}
	}

	e.broadcastConnectedAs(applied, extended)
}

func (e *swp08Engine) broadcastConnectedAs(applied []bus.RouteChange, extended bool) {
	var out bytes.Buffer

	for _, c := range applied {
		out.Write(swp08.EncodeFrame(swp08.Crosspoint{
			Kind:     swp08.KindConnected,
			Extended: extended,
			Level:    c.Level,
			Dest:     c.Dest,
			Src:      c.Src,
		}.Encode()))
	}

	data := out.Bytes()

	e.broadcast(func(*peer) []byte { return data })
}
