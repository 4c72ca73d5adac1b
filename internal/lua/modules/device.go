package modules

import (
	"context"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/dingzd/internal/color"
	"github.com/dokzlo13/dingzd/internal/device"
)

// Controller is the device access scripts get.
type Controller interface {
	Statuses() []device.Status
	ChannelState(mac, channelID string) (device.ChannelState, bool)
	Apply(ctx context.Context, mac, channelID string, cmd device.Command) error
}

// DeviceModule exposes device state and commands:
//
//	device.list()                          -> {mac, ...}
//	device.state(mac, channel)             -> table or nil
//	device.set(mac, channel, {on = true})  -> true or nil, err
type DeviceModule struct {
	devices Controller
}

// NewDeviceModule creates a device module
func NewDeviceModule(devices Controller) *DeviceModule {
	return &DeviceModule{devices: devices}
}

// Loader is the module loader for Lua
func (m *DeviceModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "list", L.NewFunction(m.list))
	L.SetField(mod, "state", L.NewFunction(m.state))
	L.SetField(mod, "set", L.NewFunction(m.set))

	L.Push(mod)
	return 1
}

func (m *DeviceModule) list(L *lua.LState) int {
	statuses := m.devices.Statuses()
	macs := make([]string, len(statuses))
	for i, st := range statuses {
		macs[i] = st.MAC
	}
	L.Push(GoToLuaValue(L, macs))
	return 1
}

func (m *DeviceModule) state(L *lua.LState) int {
	mac := L.CheckString(1)
	channel := L.CheckString(2)

	st, ok := m.devices.ChannelState(device.NormalizeMAC(mac), channel)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(MapToLuaTable(L, StateToMap(st)))
	return 1
}

func (m *DeviceModule) set(L *lua.LState) int {
	mac := device.NormalizeMAC(L.CheckString(1))
	channel := L.CheckString(2)
	opts := L.CheckTable(3)

	cmd := commandFromTable(opts)
	if cmd.Color != nil {
		current, _ := m.devices.ChannelState(mac, channel)
		mergeColor(cmd.Color, opts, current.Color)
	}

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.devices.Apply(ctx, mac, channel, cmd); err != nil {
		log.Warn().Err(err).Str("device", mac).Str("channel", channel).Str("source", "lua").Msg("Command failed")
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func commandFromTable(t *lua.LTable) device.Command {
	var cmd device.Command
	if v, ok := t.RawGetString("on").(lua.LBool); ok {
		on := bool(v)
		cmd.On = &on
	}
	cmd.Brightness = intField(t, "brightness")
	cmd.Position = intField(t, "position")
	cmd.Tilt = intField(t, "tilt")
	if intField(t, "hue") != nil || intField(t, "saturation") != nil || intField(t, "value") != nil {
		cmd.Color = &color.HSV{}
	}
	return cmd
}

// mergeColor fills the components the script left out from the current color.
func mergeColor(dst *color.HSV, t *lua.LTable, current color.HSV) {
	*dst = current
	if dst.Value == 0 {
		dst.Value = 100
	}
	if v := intField(t, "hue"); v != nil {
		dst.Hue = *v
	}
	if v := intField(t, "saturation"); v != nil {
		dst.Saturation = *v
	}
	if v := intField(t, "value"); v != nil {
		dst.Value = *v
	}
}

func intField(t *lua.LTable, name string) *int {
	n, ok := t.RawGetString(name).(lua.LNumber)
	if !ok {
		return nil
	}
	v := int(n)
	return &v
}
