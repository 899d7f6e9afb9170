package client

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelmedia/crossbar/bus"
	"github.com/kestrelmedia/crossbar/matrix"
	"github.com/kestrelmedia/crossbar/protocol/videohub"
)

// videoHubClient mirrors a VideoHub. The router pushes its full status on
// connect, so resynchronization needs no query sequence.
type videoHubClient struct {
	*clientCore

	splitter videohub.Splitter
}

func newVideoHub(cfg Config, log *zap.Logger) *videoHubClient {
	return &videoHubClient{clientCore: newClientCore(cfg, log.Named("videohub"))}
}

func (v *videoHubClient) Connect(ctx context.Context) error { return v.connect(ctx, v) }
func (v *videoHubClient) Disconnect() error                 { return v.disconnect() }
func (v *videoHubClient) IsConnected() bool                 { return v.isConnected() }
func (v *videoHubClient) Subscribe() *bus.Subscription {
	return v.subscribe()
}

// --- proto ---

func (v *videoHubClient) pollInterval() time.Duration { return 0 }
func (v *videoHubClient) onPoll(func([]byte))         {}

func (v *videoHubClient) onConnect(func([]byte)) {
	v.mu.Lock()
	defer v.mu.Unlock()

	// Fresh session: stale correlation and optimistic state would only
	// fight the incoming dump.
	v.splitter = videohub.Splitter{}
	v.outstanding = nil
	v.pendingRoutes = make(map[routeKey]int)
	v.pendingLocks = make(map[int]byte)
}

func (v *videoHubClient) onData(data []byte, _ func([]byte)) {
	blocks, err := v.splitter.Feed(data)
	if err != nil {
		v.log.Warn("Discarding oversized block", zap.Error(err))
		return
	}

	for _, block := range blocks {
		v.handleBlock(block)
	}
}

func (v *videoHubClient) handleBlock(block videohub.Block) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch block.Header {
	case videohub.HeaderAck:
		v.popOutstanding()

	case videohub.HeaderNak:
		v.handleNak()

	case videohub.HeaderDevice:
		v.handleDevice(block.Body)

	case videohub.HeaderInputLabels:
		v.handleLabels(block.Body, true)

	case videohub.HeaderOutputLabels:
		v.handleLabels(block.Body, false)

	case videohub.HeaderRouting:
		v.handleRouting(block.Body)

	case videohub.HeaderLocks:
		v.handleLocks(block.Body)

	case videohub.HeaderPreamble:
		// Version only; nothing to mirror.
	}
}

// handleNak rolls back every pending record of the NAKed command's kind.
// Coarse, but it reproduces how the routers behave: neither protocol
// correlates a NAK with a specific request. Callers hold v.mu.
func (v *videoHubClient) handleNak() {
	kind, ok := v.popOutstanding()
	if !ok {
		return
	}

	switch kind {
	case kindRoute:
		if changes := v.rollbackRoutes(); len(changes) > 0 {
			v.events.Publish(bus.RoutingChanged{Changes: changes})
		}

	case kindLock:
		if changes := v.rollbackLocks(); len(changes) > 0 {
			v.events.Publish(bus.LocksChanged{Changes: changes})
		}
	}

	v.events.Publish(bus.Error{Message: "router rejected command"})
}

func (v *videoHubClient) handleDevice(body []string) {
	for _, line := range body {
		key, value, err := videohub.ParseKeyLine(line)
		if err != nil {
			continue
		}

		switch key {
		case "Model name":
			v.mirror.Device.ModelName = value
		case "Friendly name":
			v.mirror.Device.FriendlyName = value
		case "Unique ID":
			v.mirror.Device.UniqueID = value
		case "Video inputs":
			if n, err := strconv.Atoi(value); err == nil {
				v.mirror.Inputs = n
			}
		case "Video outputs":
			if n, err := strconv.Atoi(value); err == nil {
				v.mirror.Outputs = n
			}
		}
	}

	v.mirror.Levels = 1
	v.markInit()
}

func (v *videoHubClient) handleLabels(body []string, inputs bool) {
	entries, _ := videohub.ParseEntries(body)

	changes := make([]bus.LabelChange, 0, len(entries))

	for _, e := range entries {
		if inputs {
			v.mirror.InputLabels[e.Index] = e.Value
		} else {
			v.mirror.OutputLabels[e.Index] = e.Value
		}

		changes = append(changes, bus.LabelChange{Index: e.Index, Label: e.Value})
	}

	if len(changes) == 0 {
		return
	}

	if inputs {
		v.events.Publish(bus.InputLabelsChanged{Changes: changes})
	} else {
		v.events.Publish(bus.OutputLabelsChanged{Changes: changes})
	}
}

func (v *videoHubClient) handleRouting(body []string) {
	entries, _ := videohub.ParseEntries(body)

	changes := make([]bus.RouteChange, 0, len(entries))

	for _, e := range entries {
		src, err := strconv.Atoi(e.Value)
		if err != nil {
			continue
		}

		key := routeKey{level: 0, dest: e.Index}

		// The authoritative update supersedes any optimistic record
		// for the same target.
		delete(v.pendingRoutes, key)

		v.mirror.Routes[key] = src
		changes = append(changes, bus.RouteChange{Level: 0, Dest: e.Index, Src: src})
	}

	if len(changes) > 0 {
		v.events.Publish(bus.RoutingChanged{Changes: changes})
	}

	v.markInit()
}

func (v *videoHubClient) handleLocks(body []string) {
	entries, _ := videohub.ParseEntries(body)

	changes := make([]bus.LockChange, 0, len(entries))

	for _, e := range entries {
		if len(e.Value) != 1 {
			continue
		}

		delete(v.pendingLocks, e.Index)

		v.mirror.Locks[e.Index] = e.Value[0]
		changes = append(changes, bus.LockChange{Dest: e.Index})
	}

	if len(changes) > 0 {
		v.events.Publish(bus.LocksChanged{Changes: changes})
	}
}

// --- writes ---

func (v *videoHubClient) SetRoute(dest, src, level int) bool {
	if level != 0 {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.haveInit || v.writeQueue == nil {
		return false
	}

	key := routeKey{level: 0, dest: dest}

	// Keep the oldest base value so a rollback lands before the first
	// optimistic write, not between two of them.
	if _, exists := v.pendingRoutes[key]; !exists {
		if old, ok := v.mirror.Routes[key]; ok {
			v.pendingRoutes[key] = old
		}
	}

	v.mirror.Routes[key] = src
	v.pushOutstanding(kindRoute)

	v.enqueueLocked(videohub.EncodeRoutes([]videohub.Route{{Dest: dest, Src: src}}))

	v.events.Publish(bus.RoutingChanged{
		Changes: []bus.RouteChange{{Level: 0, Dest: dest, Src: src}},
	})

	return true
}

func (v *videoHubClient) SetLock(dest int, op matrix.LockOp) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.haveInit || v.writeQueue == nil {
		return false
	}

	var wire, view byte

	switch op {
	case matrix.LockOwn:
		wire, view = videohub.LockOwned, videohub.LockOwned
	case matrix.LockUnlock:
		wire, view = videohub.LockUnlocked, videohub.LockUnlocked
	case matrix.LockForce:
		wire, view = videohub.LockForce, videohub.LockUnlocked
	default:
		return false
	}

	if _, exists := v.pendingLocks[dest]; !exists {
		v.pendingLocks[dest] = v.mirror.Lock(dest)
	}

	v.mirror.Locks[dest] = view
	v.pushOutstanding(kindLock)

	v.enqueueLocked(videohub.EncodeLocks([]videohub.Lock{{Dest: dest, State: wire}}))

	v.events.Publish(bus.LocksChanged{Changes: []bus.LockChange{{Dest: dest}}})

	return true
}

func (v *videoHubClient) SetInputLabel(i int, label string) bool {
	return v.setLabel(videohub.HeaderInputLabels, i, label)
}

func (v *videoHubClient) SetOutputLabel(o int, label string) bool {
	return v.setLabel(videohub.HeaderOutputLabels, o, label)
}

func (v *videoHubClient) setLabel(header string, index int, label string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.haveInit || v.writeQueue == nil {
		return false
	}

	v.pushOutstanding(kindLabel)

	v.enqueueLocked(videohub.EncodeLabelEntries(header,
		[]videohub.Entry{{Index: index, Value: label}}))

	return true
}

var _ Client = (*videoHubClient)(nil)
