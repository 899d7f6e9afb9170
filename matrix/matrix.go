// Package matrix holds the routing state shared by every protocol engine:
// the crosspoint matrix (levels x destinations -> source), input/output
// labels, level names, and per-destination locks.
//
// All public operations execute as a critical section against a single
// mutex. Listeners registered with Subscribe are invoked after a mutation
// has committed, while the mutex is still held, so the order of emitted
// events is a linearization consistent with the mutation order. Listeners
// must not block; they are expected to enqueue to a channel.
package matrix

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrelmedia/crossbar/bus"
)

// PeerID is the opaque stable handle identifying a connection for lock
// ownership. The model never holds references into I/O objects.
type PeerID uint64

const (
	// Nobody marks an unlocked destination.
	Nobody PeerID = 0

	// Local is the handle used for GUI-originated writes. Local writes
	// follow the same path as wire writes; a lock taken from the GUI is
	// owned by Local and shows as locked to every wire peer.
	Local PeerID = 1
)

// LockOp is the requested lock transition.
type LockOp int

const (
	// LockOwn takes ownership. A request on an already-locked port still
	// transfers ownership, matching observed VideoHub firmware behavior.
	LockOwn LockOp = iota

	// LockUnlock releases iff the caller is the owner or the port is
	// already unlocked.
	LockUnlock

	// LockForce releases unconditionally.
	LockForce
)

// LockView renders an owner for a particular viewer.
// 'O' own lock, 'L' someone else's, 'U' unlocked.
func LockView(owner, viewer PeerID) byte {
	switch owner {
	case Nobody:
		return 'U'
	case viewer:
		return 'O'
	default:
		return 'L'
	}
}

type Config struct {
	Inputs  int
	Outputs int
	Levels  int

	ModelName    string
	FriendlyName string

	// UniqueID is generated when empty.
	UniqueID string
}

// DeviceInfo is the identity a simulator reports on the wire.
type DeviceInfo struct {
	ModelName    string
	FriendlyName string
	UniqueID     string
}

// Snapshot is a full copy of the model state, with locks rendered for a
// particular viewer.
type Snapshot struct {
	Inputs  int
	Outputs int
	Levels  int

	Device DeviceInfo

	InputLabels  []string
	OutputLabels []string
	LevelNames   []string

	// Routes is indexed [level][dest].
	Routes [][]int

	// Locks is indexed by destination, each entry 'O', 'L' or 'U'
	// relative to the viewer passed to Snapshot().
	Locks []byte

	// LockOwners is the canonical ownership, indexed by destination.
	LockOwners []PeerID
}

type Model struct {
	mu sync.Mutex

	inputs  int
	outputs int
	levels  int

	device DeviceInfo

	inputLabels  []string
	outputLabels []string
	levelNames   []string

	// routes[level][dest] = src
	routes [][]int

	// locks[dest] = owning peer, Nobody when unlocked
	locks []PeerID

	nextListener int
	listeners    map[int]func(bus.Event)
}

func New(cfg Config) *Model {
	if cfg.Inputs < 1 {
		cfg.Inputs = 1
	}
	if cfg.Outputs < 1 {
		cfg.Outputs = 1
	}
	if cfg.Levels < 1 {
		cfg.Levels = 1
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "Crossbar Router"
	}
	if cfg.FriendlyName == "" {
		cfg.FriendlyName = cfg.ModelName
	}
	if cfg.UniqueID == "" {
		cfg.UniqueID = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
	}

	m := &Model{
		listeners: make(map[int]func(bus.Event)),
		device: DeviceInfo{
			ModelName:    cfg.ModelName,
			FriendlyName: cfg.FriendlyName,
			UniqueID:     cfg.UniqueID,
		},
	}

	m.resize(cfg.Inputs, cfg.Outputs, cfg.Levels)

	return m
}

// resize re-dimensions the matrix, defaulting every cell and label.
// Callers hold the mutex (or are the constructor).
func (m *Model) resize(inputs, outputs, levels int) {
	m.inputs = inputs
	m.outputs = outputs
	m.levels = levels

	m.routes = make([][]int, levels)
	for l := range m.routes {
		m.routes[l] = make([]int, outputs)
		for d := range m.routes[l] {
			if d < inputs {
				m.routes[l][d] = d
			}
		}
	}

	m.inputLabels = make([]string, inputs)
	for i := range m.inputLabels {
		m.inputLabels[i] = fmt.Sprintf("Input %d", i+1)
	}

	m.outputLabels = make([]string, outputs)
	for o := range m.outputLabels {
		m.outputLabels[o] = fmt.Sprintf("Output %d", o+1)
	}

	m.levelNames = make([]string, levels)
	for l := range m.levelNames {
		if l == 0 {
			m.levelNames[l] = "Video"
		} else {
			m.levelNames[l] = fmt.Sprintf("Audio %d", l)
		}
	}

	m.locks = make([]PeerID, outputs)
}

// Reconfigure applies new identity and dimensions. Changing a dimension
// resets routing state and discards locks; a name-only change leaves the
// matrix alone.
func (m *Model) Reconfigure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.ModelName != "" {
		m.device.ModelName = cfg.ModelName
	}
	if cfg.FriendlyName != "" {
		m.device.FriendlyName = cfg.FriendlyName
	}

	if cfg.Inputs < 1 {
		cfg.Inputs = 1
	}
	if cfg.Outputs < 1 {
		cfg.Outputs = 1
	}
	if cfg.Levels < 1 {
		cfg.Levels = 1
	}

	if cfg.Inputs == m.inputs && cfg.Outputs == m.outputs && cfg.Levels == m.levels {
		return
	}

	m.resize(cfg.Inputs, cfg.Outputs, cfg.Levels)
}

func (m *Model) Device() DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.device
}

func (m *Model) Dimensions() (inputs, outputs, levels int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.inputs, m.outputs, m.levels
}

// Snapshot returns a full copy of the state with the lock column rendered
// for the given viewer.
func (m *Model) Snapshot(viewer PeerID) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Inputs:       m.inputs,
		Outputs:      m.outputs,
		Levels:       m.levels,
		Device:       m.device,
		InputLabels:  append([]string(nil), m.inputLabels...),
		OutputLabels: append([]string(nil), m.outputLabels...),
		LevelNames:   append([]string(nil), m.levelNames...),
		Routes:       make([][]int, m.levels),
		Locks:        make([]byte, m.outputs),
		LockOwners:   append([]PeerID(nil), m.locks...),
	}

	for l := range m.routes {
		s.Routes[l] = append([]int(nil), m.routes[l]...)
	}

	for d, owner := range m.locks {
		s.Locks[d] = LockView(owner, viewer)
	}

	return s
}

// Route reads one crosspoint.
func (m *Model) Route(level, dest int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if level < 0 || level >= m.levels || dest < 0 || dest >= m.outputs {
		return 0, false
	}

	return m.routes[level][dest], true
}

// ApplyRoutes attempts each entry in order and returns the subset that was
// accepted. An entry is rejected when out of bounds or when the destination
// is locked by a connection other than the caller. Writing the value a
// crosspoint already has is accepted (and broadcast) like any other write.
// One RoutingChanged event covering the applied subset is emitted.
func (m *Model) ApplyRoutes(entries []bus.RouteChange, caller PeerID) []bus.RouteChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	applied := make([]bus.RouteChange, 0, len(entries))

	for _, e := range entries {
		if e.Level < 0 || e.Level >= m.levels {
			continue
		}
		if e.Dest < 0 || e.Dest >= m.outputs {
			continue
		}
		if e.Src < 0 || e.Src >= m.inputs {
			continue
		}

		if owner := m.locks[e.Dest]; owner != Nobody && owner != caller {
			continue
		}

		m.routes[e.Level][e.Dest] = e.Src
		applied = append(applied, e)
	}

	if len(applied) > 0 {
		m.notify(bus.RoutingChanged{Changes: applied})
	}

	return applied
}

// SetRoute writes a single crosspoint.
func (m *Model) SetRoute(level, dest, src int, caller PeerID) bool {
	return len(m.ApplyRoutes([]bus.RouteChange{{Level: level, Dest: dest, Src: src}}, caller)) == 1
}

// LockRequest is one requested lock transition.
type LockRequest struct {
	Dest int
	Op   LockOp
}

// ApplyLocks attempts each request and returns the applied changes.
func (m *Model) ApplyLocks(reqs []LockRequest, caller PeerID) []bus.LockChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	applied := make([]bus.LockChange, 0, len(reqs))

	for _, r := range reqs {
		if r.Dest < 0 || r.Dest >= m.outputs {
			continue
		}

		owner := m.locks[r.Dest]

		switch r.Op {
		case LockOwn:
			m.locks[r.Dest] = caller
			applied = append(applied, bus.LockChange{Dest: r.Dest, Owner: uint64(caller)})

		case LockUnlock:
			if owner != Nobody && owner != caller {
				continue
			}
			m.locks[r.Dest] = Nobody
			applied = append(applied, bus.LockChange{Dest: r.Dest, Owner: 0})

		case LockForce:
			m.locks[r.Dest] = Nobody
			applied = append(applied, bus.LockChange{Dest: r.Dest, Owner: 0})
		}
	}

	if len(applied) > 0 {
		m.notify(bus.LocksChanged{Changes: applied})
	}

	return applied
}

// SetLock applies a single lock transition.
func (m *Model) SetLock(dest int, op LockOp, caller PeerID) bool {
	return len(m.ApplyLocks([]LockRequest{{Dest: dest, Op: op}}, caller)) == 1
}

// LockOwner reports the owner of a destination lock.
func (m *Model) LockOwner(dest int) PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dest < 0 || dest >= m.outputs {
		return Nobody
	}

	return m.locks[dest]
}

// ReleaseAllLocksHeldBy releases every lock the caller owns and returns the
// resulting changes. Invoked by connection teardown so no residual lock can
// reference a dead connection.
func (m *Model) ReleaseAllLocksHeldBy(caller PeerID) []bus.LockChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := make([]bus.LockChange, 0)

	for d, owner := range m.locks {
		if owner == caller {
			m.locks[d] = Nobody
			released = append(released, bus.LockChange{Dest: d, Owner: 0})
		}
	}

	if len(released) > 0 {
		m.notify(bus.LocksChanged{Changes: released})
	}

	return released
}

// ApplyInputLabels writes the in-bounds entries and returns them.
func (m *Model) ApplyInputLabels(entries []bus.LabelChange) []bus.LabelChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	applied := applyLabels(m.inputLabels, entries)
	if len(applied) > 0 {
		m.notify(bus.InputLabelsChanged{Changes: applied})
	}

	return applied
}

// ApplyOutputLabels writes the in-bounds entries and returns them.
func (m *Model) ApplyOutputLabels(entries []bus.LabelChange) []bus.LabelChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	applied := applyLabels(m.outputLabels, entries)
	if len(applied) > 0 {
		m.notify(bus.OutputLabelsChanged{Changes: applied})
	}

	return applied
}

func (m *Model) SetInputLabel(i int, label string) bool {
	return len(m.ApplyInputLabels([]bus.LabelChange{{Index: i, Label: label}})) == 1
}

func (m *Model) SetOutputLabel(o int, label string) bool {
	return len(m.ApplyOutputLabels([]bus.LabelChange{{Index: o, Label: label}})) == 1
}

// SetLevelName writes one level name.
func (m *Model) SetLevelName(l int, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l < 0 || l >= m.levels {
		return false
	}

	m.levelNames[l] = name
	m.notify(bus.LevelNamesChanged{Changes: []bus.LabelChange{{Index: l, Label: name}}})

	return true
}

func applyLabels(labels []string, entries []bus.LabelChange) []bus.LabelChange {
	applied := make([]bus.LabelChange, 0, len(entries))

	for _, e := range entries {
		if e.Index < 0 || e.Index >= len(labels) {
			continue
		}

		labels[e.Index] = e.Label
		applied = append(applied, e)
	}

	return applied
}

// Subscribe registers a listener for every mutation. The returned func
// removes it. Listeners run inside the model's critical section and must
// only enqueue.
func (m *Model) Subscribe(listener func(bus.Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners[id] = listener

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.listeners, id)
	}
}

// notify runs with the mutex held.
func (m *Model) notify(event bus.Event) {
	for _, listener := range m.listeners {
		listener(event)
	}
}
