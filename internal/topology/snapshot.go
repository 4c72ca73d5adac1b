package topology

import (
	"errors"
	"sync"
)

// ErrModeChangeUnsupported is reported when the mode switch moved at runtime.
// Migrating an existing channel layout to another mode is not implemented;
// the device must be re-registered.
var ErrModeChangeUnsupported = errors.New("mode switch changed at runtime: not supported")

// Snapshot is one fetched hardware configuration. Snapshots are replaced
// wholesale, never edited in place.
type Snapshot struct {
	Mode     Mode         `json:"mode"`
	HasPIR   bool         `json:"has_pir"`
	Firmware string       `json:"firmware"`
	Hardware string       `json:"hardware"`
	Outputs  []OutputKind `json:"outputs"`
	Inputs   []bool       `json:"inputs"`
	Version  int64        `json:"version"`
}

// InputActive reports whether input 0 is configured as active.
func (s Snapshot) InputActive() bool {
	return len(s.Inputs) > 0 && s.Inputs[0]
}

// Input projects the snapshot onto resolver input.
func (s Snapshot) Input() Input {
	return Input{Mode: s.Mode, InputActive: s.InputActive(), Outputs: s.Outputs}
}

// Changes is the diff between two snapshots.
type Changes struct {
	MotionAdded    bool
	MotionRemoved  bool
	Dimmer0Added   bool
	Dimmer0Removed bool
	ModeChanged    bool
	OldMode        Mode
	NewMode        Mode
}

// Empty reports whether nothing relevant changed.
func (c Changes) Empty() bool {
	return !c.MotionAdded && !c.MotionRemoved && !c.Dimmer0Added && !c.Dimmer0Removed && !c.ModeChanged
}

// Diff compares the previous and the freshly fetched snapshot.
// Dimmer-0 changes are only reported when the (unchanged) mode has a
// dimmer 0 that an input can take over.
func Diff(old, next Snapshot) Changes {
	c := Changes{OldMode: old.Mode, NewMode: next.Mode}

	if old.HasPIR != next.HasPIR {
		c.MotionAdded = next.HasPIR
		c.MotionRemoved = !next.HasPIR
	}

	if old.Mode != next.Mode {
		c.ModeChanged = true
		return c
	}

	if next.Mode.HasSuppressibleDimmer() && old.InputActive() != next.InputActive() {
		c.Dimmer0Removed = next.InputActive()
		c.Dimmer0Added = !next.InputActive()
	}
	return c
}

// Resolver owns the current hardware snapshot for one device.
type Resolver struct {
	mu      sync.RWMutex
	current Snapshot
	set     bool
}

// NewResolver creates a resolver seeded with an initial snapshot.
func NewResolver(initial Snapshot) *Resolver {
	r := &Resolver{}
	r.Replace(initial)
	return r
}

// Current returns the active snapshot.
func (r *Resolver) Current() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Replace swaps in next wholesale, assigns it the following version and
// returns the snapshot it replaced.
func (r *Resolver) Replace(next Snapshot) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current
	if r.set && next.Version <= prev.Version {
		next.Version = prev.Version + 1
	}
	if next.Version == 0 {
		next.Version = 1
	}
	next.Outputs = append([]OutputKind(nil), next.Outputs...)
	next.Inputs = append([]bool(nil), next.Inputs...)
	r.current = next
	r.set = true
	return prev
}

// Channels resolves the active snapshot.
func (r *Resolver) Channels() ([]Channel, error) {
	return Resolve(r.Current().Input())
}
