package server

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelmedia/crossbar/bus"
	"github.com/kestrelmedia/crossbar/matrix"
	"github.com/kestrelmedia/crossbar/protocol/gvnative"
)

// Change-flag bits reported by BK,F.
const (
	flagRouting uint32 = 1 << iota
	flagSrcNames
	flagDestNames
	flagLevelNames
)

// namesPerFrame bounds how many labels travel in one NQ frame.
const namesPerFrame = 32

// gvProtocolVersion is reported by BK,P.
const gvProtocolVersion = "7.0"

// gvNativeEngine simulates a Grass Valley Series 7000 frame speaking the
// Native protocol. Controllers discover changes either by polling BK,F
// change flags or by enabling asynchronous take notifications with BK,A.
type gvNativeEngine struct {
	*core
}

func newGVNative(cfg Config, log *zap.Logger) *gvNativeEngine {
	if cfg.Port == 0 {
		cfg.Port = DefaultPortGVNative
	}

	return &gvNativeEngine{core: newCore(cfg, log.Named("gvnative"))}
}

type gvConnState struct {
	framer gvnative.Framer

	// echo governs success acknowledgements; errors are always reported.
	echo  bool
	async bool
	flags uint32
}

func (e *gvNativeEngine) Start(ctx context.Context) (int, error) { return e.start(ctx, e) }
func (e *gvNativeEngine) Stop() error                            { return e.stop() }
func (e *gvNativeEngine) UpdateConfig(cfg Config) error          { return e.updateConfig(cfg) }
func (e *gvNativeEngine) State() matrix.Snapshot                 { return e.model.Snapshot(matrix.Local) }
func (e *gvNativeEngine) Subscribe() *bus.Subscription           { return e.subscribe() }

func (e *gvNativeEngine) SetRoute(dest, src, level int) bool {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	applied := e.model.ApplyRoutes([]bus.RouteChange{{Level: level, Dest: dest, Src: src}}, matrix.Local)
	if len(applied) == 0 {
		return false
	}

	e.noteRoutingChanged(applied)

	return true
}

func (e *gvNativeEngine) SetInputLabel(i int, label string) bool {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !e.model.SetInputLabel(i, label) {
		return false
	}

	e.markDirty(flagSrcNames)

	return true
}

func (e *gvNativeEngine) SetOutputLabel(o int, label string) bool {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !e.model.SetOutputLabel(o, label) {
		return false
	}

	e.markDirty(flagDestNames)

	return true
}

// SetLock is VideoHub-only; GV Native has no lock messages.
func (e *gvNativeEngine) SetLock(int, matrix.LockOp) bool { return false }

// --- handler ---

func (e *gvNativeEngine) onAccept(p *peer) {
	// Under opMu: broadcasts read p.proto to reach per-peer flag state.
	e.opMu.Lock()
	p.proto = &gvConnState{echo: true}
	e.opMu.Unlock()

	e.events.Publish(bus.ClientConnected{ID: p.remote})
}

func (e *gvNativeEngine) onData(p *peer, data []byte) {
	st := p.proto.(*gvConnState)

	tokens, err := st.framer.Feed(data)
	if err != nil {
		p.log.Warn("Closing peer", zap.Error(err))
		p.close()
		return
	}

	for _, token := range tokens {
		if !token.ChecksumOK {
			// Matching deployed controller behavior: warn, dispatch anyway.
			p.log.Warn("Frame checksum mismatch, dispatching anyway")
		}

		e.dispatch(p, st, token.Body)
	}
}

func (e *gvNativeEngine) onClose(p *peer) {
	e.events.Publish(bus.ClientDisconnected{ID: p.remote})
}

func (e *gvNativeEngine) dispatch(p *peer, st *gvConnState, body []byte) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	cmd, err := gvnative.ParseCommand(body)
	if err != nil {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, ""))
		return
	}

	switch cmd.Code {
	case gvnative.CmdQueryNames:
		e.handleQueryNames(p, st, cmd)

	case gvnative.CmdQueryDest:
		e.handleQueryDestByName(p, cmd)

	case gvnative.CmdQueryDestIdx:
		e.handleQueryDestByIndex(p, cmd)

	case gvnative.CmdQueryAll, gvnative.CmdQueryAllIdx:
		e.handleQueryAll(p, st, cmd.Code)

	case gvnative.CmdQuerySingle, gvnative.CmdQuerySingleIdx:
		e.handleQuerySingle(p, cmd)

	case gvnative.CmdTakeName, gvnative.CmdTakeBitmap:
		e.handleTakeByName(p, st, cmd)

	case gvnative.CmdTakeIndex, gvnative.CmdTakeIndexMulti:
		e.handleTakeByIndex(p, st, cmd)

	case gvnative.CmdBackground:
		e.handleBackground(p, st, cmd)

	case gvnative.CmdQueryErrors:
		e.reply(p, gvnative.ReplyCode(gvnative.CmdQueryErrors), "0000")

	case gvnative.CmdQueryTime:
		e.reply(p, gvnative.ReplyCode(gvnative.CmdQueryTime), time.Now().Format("15:04:05"))

	default:
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
	}
}

func (e *gvNativeEngine) handleQueryNames(p *peer, st *gvConnState, cmd gvnative.Command) {
	if len(cmd.Params) == 0 {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
		return
	}

	sub := cmd.Params[0]
	snapshot := e.model.Snapshot(p.id)

	var names []string
	indexed := true

	switch sub {
	case "S", "XS":
		names = snapshot.InputLabels
		indexed = sub == "XS"
	case "IS":
		names = snapshot.InputLabels
	case "D", "XD":
		names = snapshot.OutputLabels
		indexed = sub == "XD"
	case "ID":
		names = snapshot.OutputLabels
	case "L", "XL":
		names = snapshot.LevelNames
	default:
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
		return
	}

	code := gvnative.ReplyCode(cmd.Code)

	var out bytes.Buffer

	for start := 0; start < len(names); start += namesPerFrame {
		end := start + namesPerFrame
		if end > len(names) {
			end = len(names)
		}

		params := []string{sub}

		for i, name := range names[start:end] {
			if indexed {
				params = append(params, gvnative.FormatIndex(start+i))
			}

			params = append(params, gvnative.PadName(name))
		}

		out.Write(gvnative.EncodeFrame(gvnative.EncodeCommand(code, params...)))
	}

	if st.echo {
		out.Write(gvnative.EncodeFrame(gvnative.EncodeCommand(
			gvnative.ErrResponse(gvnative.ErrCodeOK, ""))))
	}

	p.send(out.Bytes())
}

func (e *gvNativeEngine) handleQueryDestByName(p *peer, cmd gvnative.Command) {
	if len(cmd.Params) == 0 {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
		return
	}

	snapshot := e.model.Snapshot(p.id)

	dest, ok := findName(snapshot.OutputLabels, cmd.Params[0])
	if !ok {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeBounds, cmd.Code))
		return
	}

	params := []string{gvnative.PadName(snapshot.OutputLabels[dest])}
	for level := 0; level < snapshot.Levels; level++ {
		params = append(params, gvnative.PadName(snapshot.InputLabels[snapshot.Routes[level][dest]]))
	}

	e.reply(p, gvnative.ReplyCode(cmd.Code), params...)
}

func (e *gvNativeEngine) handleQueryDestByIndex(p *peer, cmd gvnative.Command) {
	if len(cmd.Params) == 0 {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
		return
	}

	dest, err := gvnative.ParseIndex(cmd.Params[0])
	if err != nil {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
		return
	}

	snapshot := e.model.Snapshot(p.id)

	if dest >= snapshot.Outputs {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeBounds, cmd.Code))
		return
	}

	params := []string{gvnative.FormatIndex(dest)}
	for level := 0; level < snapshot.Levels; level++ {
		params = append(params, gvnative.FormatIndex(snapshot.Routes[level][dest]))
	}

	e.reply(p, gvnative.ReplyCode(cmd.Code), params...)
}

// handleQueryAll streams one frame per destination carrying its source on
// every level, then the echo-mode trailer.
func (e *gvNativeEngine) handleQueryAll(p *peer, st *gvConnState, code string) {
	snapshot := e.model.Snapshot(p.id)
	reply := gvnative.ReplyCode(code)

	var out bytes.Buffer

	for dest := 0; dest < snapshot.Outputs; dest++ {
		params := []string{gvnative.FormatIndex(dest)}
		for level := 0; level < snapshot.Levels; level++ {
			params = append(params, gvnative.FormatIndex(snapshot.Routes[level][dest]))
		}

		out.Write(gvnative.EncodeFrame(gvnative.EncodeCommand(reply, params...)))
	}

	if st.echo {
		out.Write(gvnative.EncodeFrame(gvnative.EncodeCommand(
			gvnative.ErrResponse(gvnative.ErrCodeOK, ""))))
	}

	p.send(out.Bytes())
}

func (e *gvNativeEngine) handleQuerySingle(p *peer, cmd gvnative.Command) {
	if len(cmd.Params) < 2 {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
		return
	}

	snapshot := e.model.Snapshot(p.id)

	var dest, level int

	if cmd.Code == gvnative.CmdQuerySingleIdx {
		var err error
		if dest, err = gvnative.ParseIndex(cmd.Params[0]); err != nil {
			e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
			return
		}
		if level, err = gvnative.ParseIndex(cmd.Params[1]); err != nil {
			e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
			return
		}
	} else {
		var ok bool
		if dest, ok = findName(snapshot.OutputLabels, cmd.Params[0]); !ok {
			e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeBounds, cmd.Code))
			return
		}
		if level, ok = findName(snapshot.LevelNames, cmd.Params[1]); !ok {
			e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeBounds, cmd.Code))
			return
		}
	}

	if dest >= snapshot.Outputs || level >= snapshot.Levels {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeBounds, cmd.Code))
		return
	}

	src := snapshot.Routes[level][dest]

	if cmd.Code == gvnative.CmdQuerySingleIdx {
		e.reply(p, gvnative.ReplyCode(cmd.Code),
			gvnative.FormatIndex(dest), gvnative.FormatIndex(level), gvnative.FormatIndex(src))
		return
	}

	e.reply(p, gvnative.ReplyCode(cmd.Code),
		gvnative.PadName(snapshot.OutputLabels[dest]),
		gvnative.PadName(snapshot.LevelNames[level]),
		gvnative.PadName(snapshot.InputLabels[src]))
}

// handleTakeByName covers TA (all levels) and TD (level bitmap).
func (e *gvNativeEngine) handleTakeByName(p *peer, st *gvConnState, cmd gvnative.Command) {
	if len(cmd.Params) < 2 {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
		return
	}

	snapshot := e.model.Snapshot(p.id)

	dest, ok := findName(snapshot.OutputLabels, cmd.Params[0])
	if !ok {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeBounds, cmd.Code))
		return
	}

	src, ok := findName(snapshot.InputLabels, cmd.Params[1])
	if !ok {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeBounds, cmd.Code))
		return
	}

	bitmap := uint32(0xFFFFFFFF)

	if cmd.Code == gvnative.CmdTakeBitmap {
		if len(cmd.Params) < 3 {
			e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
			return
		}

		var err error
		if bitmap, err = gvnative.ParseBitmap(cmd.Params[2]); err != nil {
			e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
			return
		}
	}

	e.take(p, st, cmd.Code, dest, src, bitmap)
}

// handleTakeByIndex covers TI (single level index) and TJ (level bitmap).
func (e *gvNativeEngine) handleTakeByIndex(p *peer, st *gvConnState, cmd gvnative.Command) {
	if len(cmd.Params) < 3 {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
		return
	}

	dest, err := gvnative.ParseIndex(cmd.Params[0])
	if err != nil {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
		return
	}

	src, err := gvnative.ParseIndex(cmd.Params[1])
	if err != nil {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
		return
	}

	var bitmap uint32

	if cmd.Code == gvnative.CmdTakeIndex {
		level, err := gvnative.ParseIndex(cmd.Params[2])
		if err != nil || level > 31 {
			e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
			return
		}

		bitmap = gvnative.BitmapFor(level)
	} else {
		if bitmap, err = gvnative.ParseBitmap(cmd.Params[2]); err != nil {
			e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
			return
		}
	}

	e.take(p, st, cmd.Code, dest, src, bitmap)
}

// take routes src to dest on every level the bitmap selects.
func (e *gvNativeEngine) take(p *peer, st *gvConnState, code string, dest, src int, bitmap uint32) {
	_, _, levels := e.model.Dimensions()

	changes := make([]bus.RouteChange, 0, levels)

	for level := 0; level < levels && level < 32; level++ {
		if bitmap&gvnative.BitmapFor(level) != 0 {
			changes = append(changes, bus.RouteChange{Level: level, Dest: dest, Src: src})
		}
	}

	applied := e.model.ApplyRoutes(changes, p.id)
	if len(applied) == 0 {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeBounds, code))
		return
	}

	if st.echo {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeOK, code))
	}

	e.noteRoutingChanged(applied)

	e.events.Publish(bus.CommandReceived{
		ID:          p.remote,
		Description: fmt.Sprintf("%s dest %d to src %d", code, dest, src),
	})
}

func (e *gvNativeEngine) handleBackground(p *peer, st *gvConnState, cmd gvnative.Command) {
	if len(cmd.Params) == 0 {
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
		return
	}

	ok := func() {
		if st.echo {
			e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeOK, cmd.Code))
		}
	}

	switch cmd.Params[0] {
	case "N":
		e.reply(p, gvnative.CmdBackground, "N", e.model.Device().FriendlyName)

	case "d":
		inputs, outputs, levels := e.model.Dimensions()
		e.reply(p, gvnative.CmdBackground, "d",
			gvnative.FormatIndex(outputs), gvnative.FormatIndex(inputs), gvnative.FormatIndex(levels))

	case "t":
		e.reply(p, gvnative.CmdBackground, "t", time.Now().Format("15:04:05"))

	case "F":
		e.reply(p, gvnative.CmdBackground, "F", gvnative.FormatBitmap(st.flags))

	case "f":
		st.flags = 0
		ok()

	case "E":
		st.echo = len(cmd.Params) < 2 || cmd.Params[1] != "0"
		// Reply unconditionally so turning echo off is still confirmed.
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeOK, cmd.Code))

	case "A":
		st.async = len(cmd.Params) < 2 || cmd.Params[1] != "0"
		ok()

	case "P":
		e.reply(p, gvnative.CmdBackground, "P", gvProtocolVersion)

	case "R", "T", "I", "D":
		// Accepted for compatibility; nothing to configure on a simulator.
		ok()

	default:
		e.reply(p, gvnative.ErrResponse(gvnative.ErrCodeSyntax, cmd.Code))
	}
}

func (e *gvNativeEngine) reply(p *peer, code string, params ...string) {
	p.send(gvnative.EncodeFrame(gvnative.EncodeCommand(code, params...)))
}

// noteRoutingChanged sets every peer's change flag and pushes AT frames
// to peers that enabled asynchronous notifications. Callers hold opMu.
func (e *gvNativeEngine) noteRoutingChanged(applied []bus.RouteChange) {
	var out bytes.Buffer

	for _, c := range applied {
		out.Write(gvnative.EncodeFrame(gvnative.EncodeCommand("AT",
			gvnative.FormatIndex(c.Dest),
			gvnative.FormatIndex(c.Src),
			gvnative.FormatBitmap(gvnative.BitmapFor(c.Level)))))
	}

	data := out.Bytes()

	e.broadcast(func(p *peer) []byte {
		st, ok := p.proto.(*gvConnState)
		if !ok {
			return nil
		}

		st.flags |= flagRouting

		if !st.async {
			return nil
		}

		return data
	})
}

// markDirty sets a change flag on every peer. Callers hold opMu.
func (e *gvNativeEngine) markDirty(flag uint32) {
	e.broadcast(func(p *peer) []byte {
		if st, ok := p.proto.(*gvConnState); ok {
			st.flags |= flag
		}

		return nil
	})
}

// findName matches a wire name against a label table, ignoring the
// fixed-width padding.
func findName(labels []string, name string) (int, bool) {
	want := strings.TrimSpace(name)

	for i, label := range labels {
		if strings.TrimSpace(label) == want {
			return i, true
		}
	}

	return 0, false
}
