package device

import (
	"sort"

	"github.com/dokzlo13/dingzd/internal/color"
	"github.com/dokzlo13/dingzd/internal/dingz"
	"github.com/dokzlo13/dingzd/internal/topology"
)

// Kind is the behavior a channel exposes.
type Kind string

const (
	KindDimmer      Kind = "dimmer"
	KindCover       Kind = "cover"
	KindLED         Kind = "led"
	KindMotion      Kind = "motion"
	KindTemperature Kind = "temperature"
	KindLight       Kind = "light"
	KindRelay       Kind = "relay"
	KindBulb        Kind = "bulb"
)

// Fixed channel ids for non-output channels.
const (
	ChannelLED         = "led"
	ChannelMotion      = "motion"
	ChannelTemperature = "temperature"
	ChannelLight       = "light-level"
	ChannelRelay       = "relay"
	ChannelBulb        = "bulb"
)

// Channel is one logical controllable or observable unit of a device.
type Channel struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	Index      int    `json:"index"`
	Source     int    `json:"source"`
	Brightness bool   `json:"brightness"`
	Connected  bool   `json:"connected"`
	rank       int
}

func fromTopology(ch topology.Channel, rank int) Channel {
	kind := KindDimmer
	if ch.Kind == topology.KindCover {
		kind = KindCover
	}
	return Channel{
		ID:         ch.ID,
		Kind:       kind,
		Index:      ch.Index,
		Source:     ch.Source,
		Brightness: ch.Brightness,
		Connected:  ch.Connected,
		rank:       rank,
	}
}

// Auxiliary channels sort after the output channels.
const auxRank = 100

func auxChannel(id string, kind Kind, offset int) Channel {
	return Channel{ID: id, Kind: kind, Connected: true, rank: auxRank + offset}
}

func sortChannels(chs []Channel) {
	sort.SliceStable(chs, func(i, j int) bool { return chs[i].rank < chs[j].rank })
}

// ChannelState is the last observed value of one channel. The struct is
// comparable so pollers can detect changes with ==.
type ChannelState struct {
	On          bool            `json:"on"`
	Brightness  int             `json:"brightness"`
	Target      dingz.Position  `json:"target"`
	Current     dingz.Position  `json:"current"`
	Direction   dingz.Direction `json:"direction,omitempty"`
	Color       color.HSV       `json:"color"`
	Motion      bool            `json:"motion"`
	Temperature float64         `json:"temperature"`
	Light       int             `json:"light"`
	LightState  string          `json:"light_state,omitempty"`
	Power       float64         `json:"power"`
}
