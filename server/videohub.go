package server

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/kestrelmedia/crossbar/bus"
	"github.com/kestrelmedia/crossbar/matrix"
	"github.com/kestrelmedia/crossbar/protocol/videohub"
)

// videoHubEngine simulates a Blackmagic VideoHub. It is the only protocol
// with destination locks, and the only one that pushes a full status dump
// on accept.
type videoHubEngine struct {
	*core
}

func newVideoHub(cfg Config, log *zap.Logger) *videoHubEngine {
	if cfg.Port == 0 {
		cfg.Port = DefaultPortVideoHub
	}

	// VideoHub routes a single level.
	cfg.Levels = 1

	return &videoHubEngine{core: newCore(cfg, log.Named("videohub"))}
}

type vhConnState struct {
	splitter videohub.Splitter
}

func (e *videoHubEngine) Start(ctx context.Context) (int, error) {
	return e.start(ctx, e)
}

func (e *videoHubEngine) Stop() error { return e.stop() }

func (e *videoHubEngine) UpdateConfig(cfg Config) error {
	cfg.Levels = 1
	return e.updateConfig(cfg)
}

func (e *videoHubEngine) State() matrix.Snapshot {
	return e.model.Snapshot(matrix.Local)
}

func (e *videoHubEngine) Subscribe() *bus.Subscription { return e.subscribe() }

func (e *videoHubEngine) SetRoute(dest, src, level int) bool {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	applied := e.model.ApplyRoutes([]bus.RouteChange{{Level: level, Dest: dest, Src: src}}, matrix.Local)
	if len(applied) == 0 {
		return false
	}

	e.broadcastRoutes(applied)

	return true
}

func (e *videoHubEngine) SetInputLabel(i int, label string) bool {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	applied := e.model.ApplyInputLabels([]bus.LabelChange{{Index: i, Label: label}})
	if len(applied) == 0 {
		return false
	}

	e.broadcastLabels(videohub.HeaderInputLabels, applied)

	return true
}

func (e *videoHubEngine) SetOutputLabel(o int, label string) bool {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	applied := e.model.ApplyOutputLabels([]bus.LabelChange{{Index: o, Label: label}})
	if len(applied) == 0 {
		return false
	}

	e.broadcastLabels(videohub.HeaderOutputLabels, applied)

	return true
}

func (e *videoHubEngine) SetLock(dest int, op matrix.LockOp) bool {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	applied := e.model.ApplyLocks([]matrix.LockRequest{{Dest: dest, Op: op}}, matrix.Local)
	if len(applied) == 0 {
		return false
	}

	e.broadcastLocks(applied)

	return true
}

// --- handler ---

func (e *videoHubEngine) onAccept(p *peer) {
	p.proto = &vhConnState{}

	snapshot := e.model.Snapshot(p.id)

	var dump bytes.Buffer
	dump.Write(videohub.EncodePreamble())
	dump.Write(videohub.EncodeDevice(videohub.Device{
		ModelName:    snapshot.Device.ModelName,
		FriendlyName: snapshot.Device.FriendlyName,
		UniqueID:     snapshot.Device.UniqueID,
		Inputs:       snapshot.Inputs,
		Outputs:      snapshot.Outputs,
	}))
	dump.Write(videohub.EncodeLabels(videohub.HeaderInputLabels, snapshot.InputLabels))
	dump.Write(videohub.EncodeLabels(videohub.HeaderOutputLabels, snapshot.OutputLabels))
	dump.Write(videohub.EncodeRoutingTable(snapshot.Routes[0]))
	dump.Write(videohub.EncodeLockTable(snapshot.Locks))

	p.send(dump.Bytes())

	e.events.Publish(bus.ClientConnected{ID: p.remote})
}

func (e *videoHubEngine) onData(p *peer, data []byte) {
	st := p.proto.(*vhConnState)

	blocks, err := st.splitter.Feed(data)
	if err != nil {
		p.log.Warn("Closing peer", zap.Error(err))
		p.close()
		return
	}

	for _, block := range blocks {
		e.dispatch(p, block)
	}
}

func (e *videoHubEngine) onClose(p *peer) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	released := e.model.ReleaseAllLocksHeldBy(p.id)
	if len(released) > 0 {
		e.broadcastLocks(released)
	}

	e.events.Publish(bus.ClientDisconnected{ID: p.remote})
}

func (e *videoHubEngine) dispatch(p *peer, block videohub.Block) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	switch block.Header {
	case videohub.HeaderPing:
		p.send(videohub.EncodeAck())

	case videohub.HeaderRouting:
		if len(block.Body) == 0 {
			p.send(videohub.EncodeAck())
			p.send(videohub.EncodeRoutingTable(e.model.Snapshot(p.id).Routes[0]))
			return
		}

		e.updateRouting(p, block.Body)

	case videohub.HeaderLocks:
		if len(block.Body) == 0 {
			p.send(videohub.EncodeAck())
			p.send(videohub.EncodeLockTable(e.model.Snapshot(p.id).Locks))
			return
		}

		e.updateLocks(p, block.Body)

	case videohub.HeaderInputLabels:
		if len(block.Body) == 0 {
			p.send(videohub.EncodeAck())
			p.send(videohub.EncodeLabels(videohub.HeaderInputLabels, e.model.Snapshot(p.id).InputLabels))
			return
		}

		e.updateLabels(p, block.Body, true)

	case videohub.HeaderOutputLabels:
		if len(block.Body) == 0 {
			p.send(videohub.EncodeAck())
			p.send(videohub.EncodeLabels(videohub.HeaderOutputLabels, e.model.Snapshot(p.id).OutputLabels))
			return
		}

		e.updateLabels(p, block.Body, false)

	default:
		// Unknown headers are ignored silently.
	}
}

func (e *videoHubEngine) updateRouting(p *peer, body []string) {
	entries, _ := videohub.ParseEntries(body)

	changes := make([]bus.RouteChange, 0, len(entries))

	for _, entry := range entries {
		src, err := strconv.Atoi(entry.Value)
		if err != nil {
			continue
		}

		changes = append(changes, bus.RouteChange{Level: 0, Dest: entry.Index, Src: src})
	}

	applied := e.model.ApplyRoutes(changes, p.id)
	if len(applied) == 0 {
		p.send(videohub.EncodeNak())
		return
	}

	p.send(videohub.EncodeAck())
	e.broadcastRoutes(applied)

	e.events.Publish(bus.CommandReceived{
		ID:          p.remote,
		Description: fmt.Sprintf("VIDEO OUTPUT ROUTING (%d entries)", len(applied)),
	})
}

func (e *videoHubEngine) updateLocks(p *peer, body []string) {
	entries, _ := videohub.ParseEntries(body)

	reqs := make([]matrix.LockRequest, 0, len(entries))

	for _, entry := range entries {
		if len(entry.Value) != 1 {
			continue
		}

		var op matrix.LockOp

		switch entry.Value[0] {
		case videohub.LockOwned:
			op = matrix.LockOwn
		case videohub.LockUnlocked:
			op = matrix.LockUnlock
		case videohub.LockForce:
			op = matrix.LockForce
		default:
			continue
		}

		reqs = append(reqs, matrix.LockRequest{Dest: entry.Index, Op: op})
	}

	applied := e.model.ApplyLocks(reqs, p.id)
	if len(applied) == 0 {
		p.send(videohub.EncodeNak())
		return
	}

	p.send(videohub.EncodeAck())
	e.broadcastLocks(applied)

	e.events.Publish(bus.CommandReceived{
		ID:          p.remote,
		Description: fmt.Sprintf("VIDEO OUTPUT LOCKS (%d entries)", len(applied)),
	})
}

func (e *videoHubEngine) updateLabels(p *peer, body []string, inputs bool) {
	entries, _ := videohub.ParseEntries(body)

	changes := make([]bus.LabelChange, 0, len(entries))
	for _, entry := range entries {
		changes = append(changes, bus.LabelChange{Index: entry.Index, Label: entry.Value})
	}

	var applied []bus.LabelChange
	header := videohub.HeaderOutputLabels

	if inputs {
		applied = e.model.ApplyInputLabels(changes)
		header = videohub.HeaderInputLabels
	} else {
		applied = e.model.ApplyOutputLabels(changes)
	}

	if len(applied) == 0 {
		p.send(videohub.EncodeNak())
		return
	}

	p.send(videohub.EncodeAck())
	e.broadcastLabels(header, applied)
}

// broadcastRoutes sends the applied subset to every peer. Callers hold opMu.
func (e *videoHubEngine) broadcastRoutes(applied []bus.RouteChange) {
	routes := make([]videohub.Route, len(applied))
	for i, c := range applied {
		routes[i] = videohub.Route{Dest: c.Dest, Src: c.Src}
	}

	data := videohub.EncodeRoutes(routes)

	e.broadcast(func(*peer) []byte { return data })
}

// broadcastLocks renders the lock delta per receiving peer. Callers hold opMu.
func (e *videoHubEngine) broadcastLocks(applied []bus.LockChange) {
	e.broadcast(func(p *peer) []byte {
		locks := make([]videohub.Lock, len(applied))
		for i, c := range applied {
			locks[i] = videohub.Lock{
				Dest:  c.Dest,
				State: matrix.LockView(matrix.PeerID(c.Owner), p.id),
			}
		}

		return videohub.EncodeLocks(locks)
	})
}

func (e *videoHubEngine) broadcastLabels(header string, applied []bus.LabelChange) {
	entries := make([]videohub.Entry, len(applied))
	for i, c := range applied {
		entries[i] = videohub.Entry{Index: c.Index, Value: c.Label}
	}

	data := videohub.EncodeLabelEntries(header, entries)

	e.broadcast(func(*peer) []byte { return data })
}
