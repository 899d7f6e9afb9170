package client

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelmedia/crossbar/bus"
	"github.com/kestrelmedia/crossbar/matrix"
	"github.com/kestrelmedia/crossbar/protocol/gvnative"
)

// gvPollInterval is the cadence of the BK,F change-flag poll. Polling is
// cheap; async take notifications are not assumed.
const gvPollInterval = time.Second

// Change-flag bits as reported by BK,F.
const (
	gvFlagRouting uint32 = 1 << iota
	gvFlagSrcNames
	gvFlagDestNames
	gvFlagLevelNames
)

// gvNativeClient mirrors a GV Native frame. On connect it walks the
// discovery sequence (BK N, BK d, QN IS, QN ID, QN L, QJ) and then polls
// change flags at 1 Hz, requerying whatever a set flag covers and
// clearing the flags with BK f.
type gvNativeClient struct {
	*clientCore

	framer gvnative.Framer
}

func newGVNative(cfg Config, log *zap.Logger) *gvNativeClient {
	return &gvNativeClient{clientCore: newClientCore(cfg, log.Named("gvnative"))}
}

func (g *gvNativeClient) Connect(ctx context.Context) error { return g.connect(ctx, g) }
func (g *gvNativeClient) Disconnect() error                 { return g.disconnect() }
func (g *gvNativeClient) IsConnected() bool                 { return g.isConnected() }
func (g *gvNativeClient) Subscribe() *bus.Subscription      { return g.subscribe() }

// --- proto ---

func (g *gvNativeClient) pollInterval() time.Duration { return gvPollInterval }

func (g *gvNativeClient) onPoll(send func([]byte)) {
	send(gvnative.EncodeFrame(gvnative.EncodeCommand(gvnative.CmdBackground, "F")))
}

func (g *gvNativeClient) onConnect(send func([]byte)) {
	g.mu.Lock()
	g.framer = gvnative.Framer{}
	g.outstanding = nil
	g.pendingRoutes = make(map[routeKey]int)
	g.mu.Unlock()

	for _, body := range [][]byte{
		gvnative.EncodeCommand(gvnative.CmdBackground, "N"),
		gvnative.EncodeCommand(gvnative.CmdBackground, "d"),
		gvnative.EncodeCommand(gvnative.CmdQueryNames, "IS"),
		gvnative.EncodeCommand(gvnative.CmdQueryNames, "ID"),
		gvnative.EncodeCommand(gvnative.CmdQueryNames, "L"),
		gvnative.EncodeCommand(gvnative.CmdQueryAll),
	} {
		send(gvnative.EncodeFrame(body))
	}
}

func (g *gvNativeClient) onData(data []byte, send func([]byte)) {
	tokens, err := g.framer.Feed(data)
	if err != nil {
		g.log.Warn("Discarding oversized frame", zap.Error(err))
		return
	}

	for _, token := range tokens {
		if !token.ChecksumOK {
			g.log.Warn("Frame checksum mismatch, dispatching anyway")
		}

		cmd, err := gvnative.ParseCommand(token.Body)
		if err != nil {
			g.log.Warn("Unparseable frame", zap.Error(err))
			continue
		}

		g.handleReply(cmd, send)
	}
}

func (g *gvNativeClient) handleReply(cmd gvnative.Command, send func([]byte)) {
	switch {
	case cmd.Code == gvnative.CmdBackground:
		g.handleBackground(cmd, send)

	case cmd.Code == gvnative.ReplyCode(gvnative.CmdQueryNames):
		g.handleNames(cmd)

	case cmd.Code == gvnative.ReplyCode(gvnative.CmdQueryAll),
		cmd.Code == gvnative.ReplyCode(gvnative.CmdQueryAllIdx):
		g.handleRouteRow(cmd)

	case cmd.Code == gvnative.ReplyCode(gvnative.CmdQuerySingleIdx):
		g.handleSingle(cmd)

	case cmd.Code == "AT":
		g.handleAsyncTake(cmd)

	case strings.HasPrefix(cmd.Code, "ER"):
		g.handleResult(cmd.Code)
	}
}

// handleResult processes "ER,<code>[,<cmd>]" acknowledgements.
func (g *gvNativeClient) handleResult(code string) {
	fields := strings.Split(code, ",")
	if len(fields) < 2 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if fields[1] == gvnative.ErrCodeOK {
		// Only a command echo ("ER,00,TI") answers a specific request;
		// the bare trailer on bulk queries correlates with nothing.
		if len(fields) >= 3 {
			g.popOutstanding()
		}
		return
	}

	kind, ok := g.popOutstanding()
	if !ok || kind != kindRoute {
		return
	}

	if changes := g.rollbackRoutes(); len(changes) > 0 {
		g.events.Publish(bus.RoutingChanged{Changes: changes})
	}

	g.events.Publish(bus.Error{Message: "router rejected command: " + code})
}

func (g *gvNativeClient) handleBackground(cmd gvnative.Command, send func([]byte)) {
	if len(cmd.Params) == 0 {
		return
	}

	switch cmd.Params[0] {
	case "N":
		if len(cmd.Params) > 1 {
			g.mu.Lock()
			g.mirror.Device.FriendlyName = strings.TrimSpace(cmd.Params[1])
			g.mu.Unlock()
		}

	case "d":
		if len(cmd.Params) < 4 {
			return
		}

		outputs, err1 := gvnative.ParseIndex(cmd.Params[1])
		inputs, err2 := gvnative.ParseIndex(cmd.Params[2])
		levels, err3 := gvnative.ParseIndex(cmd.Params[3])

		if err1 != nil || err2 != nil || err3 != nil {
			return
		}

		g.mu.Lock()
		g.mirror.Outputs = outputs
		g.mirror.Inputs = inputs
		g.mirror.Levels = levels
		g.markInit()
		g.mu.Unlock()

	case "F":
		if len(cmd.Params) < 2 {
			return
		}

		flags, err := gvnative.ParseBitmap(cmd.Params[1])
		if err != nil || flags == 0 {
			return
		}

		g.requeryChanged(flags, send)

		// Clear the flags we just consumed.
		send(gvnative.EncodeFrame(gvnative.EncodeCommand(gvnative.CmdBackground, "f")))
	}
}

// requeryChanged re-reads every section a change flag covers.
func (g *gvNativeClient) requeryChanged(flags uint32, send func([]byte)) {
	if flags&gvFlagRouting != 0 {
		send(gvnative.EncodeFrame(gvnative.EncodeCommand(gvnative.CmdQueryAll)))
	}
	if flags&gvFlagSrcNames != 0 {
		send(gvnative.EncodeFrame(gvnative.EncodeCommand(gvnative.CmdQueryNames, "IS")))
	}
	if flags&gvFlagDestNames != 0 {
		send(gvnative.EncodeFrame(gvnative.EncodeCommand(gvnative.CmdQueryNames, "ID")))
	}
	if flags&gvFlagLevelNames != 0 {
		send(gvnative.EncodeFrame(gvnative.EncodeCommand(gvnative.CmdQueryNames, "L")))
	}
}

// handleNames records an NQ name table chunk. IS/ID/L replies carry
// index/name pairs; S/D replies carry bare names in order.
func (g *gvNativeClient) handleNames(cmd gvnative.Command) {
	if len(cmd.Params) == 0 {
		return
	}

	sub := cmd.Params[0]
	rest := cmd.Params[1:]

	indexed := sub != "S" && sub != "D"

	g.mu.Lock()
	defer g.mu.Unlock()

	changes := make([]bus.LabelChange, 0, len(rest))

	record := func(index int, name string) {
		name = strings.TrimRight(name, " ")

		switch sub {
		case "S", "IS", "XS":
			g.mirror.InputLabels[index] = name
		case "D", "ID", "XD":
			g.mirror.OutputLabels[index] = name
		case "L", "XL":
			g.mirror.LevelNames[index] = name
		}

		changes = append(changes, bus.LabelChange{Index: index, Label: name})
	}

	if indexed {
		for i := 0; i+1 < len(rest); i += 2 {
			index, err := gvnative.ParseIndex(rest[i])
			if err != nil {
				continue
			}

			record(index, rest[i+1])
		}
	} else {
		for i, name := range rest {
			record(i, name)
		}
	}

	if len(changes) == 0 {
		return
	}

	switch sub {
	case "S", "IS", "XS":
		g.events.Publish(bus.InputLabelsChanged{Changes: changes})
	case "D", "ID", "XD":
		g.events.Publish(bus.OutputLabelsChanged{Changes: changes})
	default:
		g.events.Publish(bus.LevelNamesChanged{Changes: changes})
	}
}

// handleRouteRow records one JQ/jQ row: a destination and its source on
// every level.
func (g *gvNativeClient) handleRouteRow(cmd gvnative.Command) {
	if len(cmd.Params) < 2 {
		return
	}

	dest, err := gvnative.ParseIndex(cmd.Params[0])
	if err != nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	changes := make([]bus.RouteChange, 0, len(cmd.Params)-1)

	for level, param := range cmd.Params[1:] {
		src, err := gvnative.ParseIndex(param)
		if err != nil {
			continue
		}

		key := routeKey{level: level, dest: dest}
		delete(g.pendingRoutes, key)
		g.mirror.Routes[key] = src

		changes = append(changes, bus.RouteChange{Level: level, Dest: dest, Src: src})
	}

	if len(changes) > 0 {
		g.events.Publish(bus.RoutingChanged{Changes: changes})
	}

	g.markInit()
}

// handleSingle records one iQ reply: dest, level, src.
func (g *gvNativeClient) handleSingle(cmd gvnative.Command) {
	if len(cmd.Params) < 3 {
		return
	}

	dest, err1 := gvnative.ParseIndex(cmd.Params[0])
	level, err2 := gvnative.ParseIndex(cmd.Params[1])
	src, err3 := gvnative.ParseIndex(cmd.Params[2])

	if err1 != nil || err2 != nil || err3 != nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := routeKey{level: level, dest: dest}
	delete(g.pendingRoutes, key)
	g.mirror.Routes[key] = src

	g.events.Publish(bus.RoutingChanged{
		Changes: []bus.RouteChange{{Level: level, Dest: dest, Src: src}},
	})
}

// handleAsyncTake records an AT notification: dest, src, level bitmap.
func (g *gvNativeClient) handleAsyncTake(cmd gvnative.Command) {
	if len(cmd.Params) < 3 {
		return
	}

	dest, err1 := gvnative.ParseIndex(cmd.Params[0])
	src, err2 := gvnative.ParseIndex(cmd.Params[1])
	bitmap, err3 := gvnative.ParseBitmap(cmd.Params[2])

	if err1 != nil || err2 != nil || err3 != nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	changes := make([]bus.RouteChange, 0)

	for level := 0; level < 32; level++ {
		if bitmap&gvnative.BitmapFor(level) == 0 {
			continue
		}

		key := routeKey{level: level, dest: dest}
		delete(g.pendingRoutes, key)
		g.mirror.Routes[key] = src

		changes = append(changes, bus.RouteChange{Level: level, Dest: dest, Src: src})
	}

	if len(changes) > 0 {
		g.events.Publish(bus.RoutingChanged{Changes: changes})
	}
}

// --- writes ---

func (g *gvNativeClient) SetRoute(dest, src, level int) bool {
	if level < 0 || level > 31 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.haveInit || g.writeQueue == nil {
		return false
	}

	key := routeKey{level: level, dest: dest}

	if _, exists := g.pendingRoutes[key]; !exists {
		if old, ok := g.mirror.Routes[key]; ok {
			g.pendingRoutes[key] = old
		}
	}

	g.mirror.Routes[key] = src
	g.pushOutstanding(kindRoute)

	g.enqueueLocked(gvnative.EncodeFrame(gvnative.EncodeCommand(gvnative.CmdTakeIndex,
		gvnative.FormatIndex(dest),
		gvnative.FormatIndex(src),
		gvnative.FormatIndex(level))))

	g.events.Publish(bus.RoutingChanged{
		Changes: []bus.RouteChange{{Level: level, Dest: dest, Src: src}},
	})

	return true
}

// SetLock is VideoHub-only; GV Native has no lock messages.
func (g *gvNativeClient) SetLock(int, matrix.LockOp) bool { return false }

// The Native command set has no label-write messages in this subset.
func (g *gvNativeClient) SetInputLabel(int, string) bool  { return false }
func (g *gvNativeClient) SetOutputLabel(int, string) bool { return false }

var _ Client = (*gvNativeClient)(nil)
