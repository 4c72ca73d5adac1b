package dingz

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dokzlo13/dingzd/internal/color"
	"github.com/dokzlo13/dingzd/internal/topology"
)

// DeviceType is the numeric product code reported in /api/v1/info.
// Some firmwares report a name instead of a number.
type DeviceType int

// Known product codes.
const (
	TypeUnknown      DeviceType = 0
	TypeSwitchCHv1   DeviceType = 101
	TypeBulb         DeviceType = 102
	TypeButtonPlus   DeviceType = 103
	TypeButton       DeviceType = 104
	TypeLEDStrip     DeviceType = 105
	TypeSwitchCHv2   DeviceType = 106
	TypeSwitchEU     DeviceType = 107
	TypeDingz        DeviceType = 108
	TypeMotionSensor DeviceType = 110
	TypeSwitchZero   DeviceType = 120
)

var typeNames = map[string]DeviceType{
	"dingz":   TypeDingz,
	"wsw":     TypeSwitchCHv2,
	"wse":     TypeSwitchEU,
	"wrb":     TypeBulb,
	"rgblamp": TypeBulb,
}

// UnmarshalJSON accepts both numeric codes and product names.
func (t *DeviceType) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*t = DeviceType(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("device type: %w", err)
	}
	if n, err := strconv.Atoi(s); err == nil {
		*t = DeviceType(n)
		return nil
	}
	*t = typeNames[strings.ToLower(s)]
	return nil
}

// IsSwitch reports whether t is one of the myStrom switch variants.
func (t DeviceType) IsSwitch() bool {
	switch t {
	case TypeSwitchCHv1, TypeSwitchCHv2, TypeSwitchEU, TypeSwitchZero:
		return true
	}
	return false
}

// Info is the identity document served by /api/v1/info on every family.
type Info struct {
	Version string     `json:"version"`
	MAC     string     `json:"mac"`
	Type    DeviceType `json:"type"`
	IP      string     `json:"ip"`
	SSID    string     `json:"ssid"`
}

// DeviceDetails is one entry of /api/v1/device.
type DeviceDetails struct {
	Type       string `json:"type"`
	FWVersion  string `json:"fw_version"`
	HWVersion  string `json:"hw_version"`
	FrontModel string `json:"front_hw_model"`
	PuckModel  string `json:"puck_hw_model"`
	HasPIR     bool   `json:"has_pir"`
	DIPConfig  int    `json:"dip_config"`
	Reachable  bool   `json:"reachable"`
}

// DimmerConfig is /api/v1/dimmer_config.
type DimmerConfig struct {
	Dimmers []struct {
		Name   string `json:"name"`
		Output string `json:"output"`
	} `json:"dimmers"`
}

// OutputKinds maps the configured loads onto resolver output kinds.
func (c DimmerConfig) OutputKinds() []topology.OutputKind {
	out := make([]topology.OutputKind, len(c.Dimmers))
	for i, d := range c.Dimmers {
		out[i] = topology.OutputKind(strings.ToLower(d.Output))
	}
	return out
}

// InputConfig is /api/v1/input_config.
type InputConfig struct {
	Inputs []struct {
		Name   string `json:"name"`
		Active bool   `json:"active"`
	} `json:"inputs"`
}

// Active returns the per-input active flags.
func (c InputConfig) Active() []bool {
	out := make([]bool, len(c.Inputs))
	for i, in := range c.Inputs {
		out[i] = in.Active
	}
	return out
}

// Index is the relative/absolute position pair the device attaches to outputs.
type Index struct {
	Relative int `json:"relative"`
	Absolute int `json:"absolute"`
}

// DimmerState is one dimmer entry of /api/v1/state.
type DimmerState struct {
	On       bool  `json:"on"`
	Value    int   `json:"value"`
	Ramp     int   `json:"ramp"`
	Disabled bool  `json:"disabled"`
	Index    Index `json:"index"`
}

// BlindState is one blind entry of /api/v1/state.
type BlindState struct {
	Moving   string `json:"moving"`
	Position int    `json:"position"`
	Lamella  int    `json:"lamella"`
	Readonly bool   `json:"readonly"`
	Index    Index  `json:"index"`
}

// LEDState is the front LED as reported by /api/v1/led/get and /api/v1/state.
type LEDState struct {
	On   bool   `json:"on"`
	HSV  string `json:"hsv"`
	RGB  string `json:"rgb"`
	Mode string `json:"mode"` // hsv or rgb
}

// Color normalizes the LED color to HSV whatever mode the device reports.
func (l LEDState) Color() (color.HSV, error) {
	if strings.EqualFold(l.Mode, "rgb") || (l.HSV == "" && l.RGB != "") {
		return color.RGBHexToHSV(l.RGB)
	}
	return color.ParseHSV(l.HSV)
}

// SensorState is the sensors block of /api/v1/state.
type SensorState struct {
	Brightness      int     `json:"brightness"`
	LightState      string  `json:"light_state"`
	RoomTemperature float64 `json:"room_temperature"`
	PersonPresent   int     `json:"person_present"`
	PowerOutputs    []struct {
		Value float64 `json:"value"`
	} `json:"power_outputs"`
}

// State is /api/v1/state.
type State struct {
	Dimmers []DimmerState `json:"dimmers"`
	Blinds  []BlindState  `json:"blinds"`
	LED     LEDState      `json:"led"`
	Sensors SensorState   `json:"sensors"`
}

// Dimmer returns the dimmer whose absolute output index is n.
func (s State) Dimmer(n int) (DimmerState, bool) {
	for _, d := range s.Dimmers {
		if d.Index.Absolute == n {
			return d, true
		}
	}
	if n >= 0 && n < len(s.Dimmers) {
		return s.Dimmers[n], true
	}
	return DimmerState{}, false
}

// Power returns the power draw reported for absolute output n.
func (s State) Power(n int) float64 {
	if n < 0 || n >= len(s.Sensors.PowerOutputs) {
		return 0
	}
	return s.Sensors.PowerOutputs[n].Value
}

// Position is a blind/lamella pair in percent.
type Position struct {
	Blind   int `json:"blind"`
	Lamella int `json:"lamella"`
}

// Shade is /api/v1/shade/{n}.
type Shade struct {
	Target  Position `json:"target"`
	Current Position `json:"current"`
}

// Direction is the derived movement of a cover.
type Direction string

const (
	DirectionIncreasing Direction = "increasing"
	DirectionDecreasing Direction = "decreasing"
	DirectionStopped    Direction = "stopped"
)

// Direction compares target and current blind position.
func (s Shade) Direction() Direction {
	switch {
	case s.Target.Blind > s.Current.Blind:
		return DirectionIncreasing
	case s.Target.Blind < s.Current.Blind:
		return DirectionDecreasing
	default:
		return DirectionStopped
	}
}

// Motion is /api/v1/motion.
type Motion struct {
	Success bool `json:"success"`
	Motion  bool `json:"motion"`
}

// Temperature is /api/v1/temp.
type Temperature struct {
	Success     bool    `json:"success"`
	Temperature float64 `json:"temperature"`
}

// Light is /api/v1/light.
type Light struct {
	Success   bool   `json:"success"`
	Intensity int    `json:"intensity"`
	State     string `json:"state"`
}
