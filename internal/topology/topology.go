// Package topology derives a dingz's logical channels from its hardware configuration.
//
// The mapping is a pure function of (mode switch, input-active flag, output kinds):
// resolving identical inputs twice yields identical channels in identical order,
// because observers persist their own identifiers keyed by Channel.ID.
package topology

import (
	"errors"
	"fmt"
)

// ErrInvalidMode is returned for a mode switch value outside 0..3.
var ErrInvalidMode = errors.New("invalid mode switch value")

// Mode is the 2-bit DIP switch that allocates outputs between dimmers and covers.
type Mode int

const (
	ModeTwoCovers        Mode = 0 // W0, W1
	ModeDimmersThenCover Mode = 1 // D0, D1, W0
	ModeCoverThenDimmers Mode = 2 // W0, D0, D1
	ModeFourDimmers      Mode = 3 // D0..D3
)

const suppressibleDimmerIdx = 0

// Valid reports whether m is a known switch position.
func (m Mode) Valid() bool {
	return m >= ModeTwoCovers && m <= ModeFourDimmers
}

// HasSuppressibleDimmer reports whether an active input removes dimmer 0 in this mode.
func (m Mode) HasSuppressibleDimmer() bool {
	return m == ModeFourDimmers || m == ModeDimmersThenCover
}

// OutputKind is the load type configured for one physical output.
type OutputKind string

const (
	OutputNotConnected OutputKind = "not_connected"
	OutputNonDimmable  OutputKind = "non_dimmable"
	OutputLinear       OutputKind = "linear"
	OutputIncandescent OutputKind = "incandescent"
	OutputHalogen      OutputKind = "halogen"
	OutputLED          OutputKind = "led"
	OutputPulse        OutputKind = "pulse"
	OutputAmbient      OutputKind = "ambient"
)

// ChannelKind is the behavior a channel exposes.
type ChannelKind int

const (
	KindDimmer ChannelKind = iota
	KindCover
)

func (k ChannelKind) String() string {
	if k == KindCover {
		return "cover"
	}
	return "dimmer"
}

// Channel is one logical controllable unit.
type Channel struct {
	Kind  ChannelKind
	Index int    // Logical index within its kind (dimmer 0, cover 1, ...)
	ID    string // Stable identifier, e.g. "dimmer-0", "cover-1"
	// Source is the device API index: the absolute output for dimmers,
	// the blind number for covers.
	Source     int
	Brightness bool // False for non-dimmable loads; on/off remains available
	Connected  bool
}

// DimmerID returns the stable id of dimmer n.
func DimmerID(n int) string { return fmt.Sprintf("dimmer-%d", n) }

// CoverID returns the stable id of cover n.
func CoverID(n int) string { return fmt.Sprintf("cover-%d", n) }

// Input is what the resolver needs from a hardware snapshot.
type Input struct {
	Mode        Mode
	InputActive bool // Input 1 is wired as a push button and takes over output 0
	Outputs     []OutputKind
}

type slot struct {
	kind   ChannelKind
	index  int
	source int
}

// layouts lists each mode's channels in the order they are produced.
var layouts = map[Mode][]slot{
	ModeFourDimmers: {
		{KindDimmer, 0, 0},
		{KindDimmer, 1, 1},
		{KindDimmer, 2, 2},
		{KindDimmer, 3, 3},
	},
	ModeCoverThenDimmers: {
		{KindCover, 0, 0},
		{KindDimmer, 0, 2},
		{KindDimmer, 1, 3},
	},
	ModeDimmersThenCover: {
		{KindDimmer, 0, 0},
		{KindDimmer, 1, 1},
		{KindCover, 0, 1},
	},
	ModeTwoCovers: {
		{KindCover, 0, 0},
		{KindCover, 1, 1},
	},
}

// Resolve computes the channel list for in.
func Resolve(in Input) ([]Channel, error) {
	layout, ok := layouts[in.Mode]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, in.Mode)
	}

	channels := make([]Channel, 0, len(layout))
	for _, s := range layout {
		if s.kind == KindDimmer && s.index == suppressibleDimmerIdx &&
			in.InputActive && in.Mode.HasSuppressibleDimmer() {
			continue
		}

		ch := Channel{Kind: s.kind, Index: s.index, Source: s.source, Connected: true}
		switch s.kind {
		case KindDimmer:
			ch.ID = DimmerID(s.index)
			kind := outputKind(in.Outputs, s.source)
			ch.Brightness = kind != OutputNonDimmable
			ch.Connected = kind != OutputNotConnected
		case KindCover:
			ch.ID = CoverID(s.index)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func outputKind(outputs []OutputKind, i int) OutputKind {
	if i < 0 || i >= len(outputs) || outputs[i] == "" {
		return OutputLinear
	}
	return outputs[i]
}

// Find returns the channel with id.
func Find(channels []Channel, id string) (Channel, bool) {
	for _, ch := range channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}
