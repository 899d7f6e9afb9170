package client

import (
	"github.com/kestrelmedia/crossbar/matrix"
)

// Mirror is the controller's local copy of the router state. Dimensions
// start at zero and fill in as the wire reports them; maps hold only the
// entries actually learned.
type Mirror struct {
	Inputs  int
	Outputs int
	Levels  int

	Device matrix.DeviceInfo

	InputLabels  map[int]string
	OutputLabels map[int]string
	LevelNames   map[int]string

	// Routes is keyed by (level, dest).
	Routes map[routeKey]int

	// Locks holds the viewer-relative lock state per destination:
	// 'O' ours, 'L' someone else's, 'U' unlocked.
	Locks map[int]byte
}

func newMirror() Mirror {
	return Mirror{
		InputLabels:  make(map[int]string),
		OutputLabels: make(map[int]string),
		LevelNames:   make(map[int]string),
		Routes:       make(map[routeKey]int),
		Locks:        make(map[int]byte),
	}
}

// Route reads one learned crosspoint.
func (m Mirror) Route(level, dest int) (int, bool) {
	src, ok := m.Routes[routeKey{level: level, dest: dest}]
	return src, ok
}

// Lock reads the viewer-relative lock state, defaulting to unlocked.
func (m Mirror) Lock(dest int) byte {
	if state, ok := m.Locks[dest]; ok {
		return state
	}

	return 'U'
}

// clone deep-copies the mirror for State().
func (m Mirror) clone() Mirror {
	out := m
	out.InputLabels = copyMap(m.InputLabels)
	out.OutputLabels = copyMap(m.OutputLabels)
	out.LevelNames = copyMap(m.LevelNames)
	out.Locks = copyMap(m.Locks)

	out.Routes = make(map[routeKey]int, len(m.Routes))
	for k, v := range m.Routes {
		out.Routes[k] = v
	}

	return out
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

// State returns a deep copy of the mirror.
func (c *clientCore) State() Mirror {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mirror.clone()
}
