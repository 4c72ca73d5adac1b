package lua

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/dingzd/internal/color"
	"github.com/dokzlo13/dingzd/internal/device"
	"github.com/dokzlo13/dingzd/internal/eventbus"
)

const mac = "F008D1C0FFEE"

type applied struct {
	mac, channel string
	cmd          device.Command
}

type fakeController struct {
	mu    sync.Mutex
	state device.ChannelState
	calls []applied
	err   error
}

func (f *fakeController) Statuses() []device.Status {
	return []device.Status{{MAC: mac}}
}

func (f *fakeController) ChannelState(m, _ string) (device.ChannelState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, m == mac
}

func (f *fakeController) Apply(_ context.Context, m, channel string, cmd device.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, applied{mac: m, channel: channel, cmd: cmd})
	return nil
}

func (f *fakeController) applied() []applied {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]applied(nil), f.calls...)
}

func startRuntime(t *testing.T, devices *fakeController, script string) (*Runtime, *eventbus.Bus) {
	t.Helper()
	rt := NewRuntime(devices)
	require.NoError(t, rt.LoadString(script))

	ctx, cancel := context.WithCancel(context.Background())
	bus := eventbus.New()
	rt.Subscribe(ctx, bus)

	done := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		rt.Close()
	})
	return rt, bus
}

func TestButtonHookSetsChannel(t *testing.T) {
	devices := &fakeController{}
	rt, bus := startRuntime(t, devices, `
local device = require("device")
function on_button(ev)
  if ev.action == "double" then
    device.set(ev.device, "dimmer-" .. (ev.button - 1), {on = true, brightness = 40})
  end
end
`)
	assert.Equal(t, []string{HookButton}, rt.Hooks())

	bus.Publish(eventbus.ButtonPressed{DeviceID: mac, Button: 1, Action: eventbus.ButtonSingle})
	bus.Publish(eventbus.ButtonPressed{DeviceID: mac, Button: 2, Action: eventbus.ButtonDouble})

	require.Eventually(t, func() bool { return len(devices.applied()) == 1 }, time.Second, time.Millisecond)
	call := devices.applied()[0]
	assert.Equal(t, mac, call.mac)
	assert.Equal(t, "dimmer-1", call.channel)
	require.NotNil(t, call.cmd.On)
	assert.True(t, *call.cmd.On)
	require.NotNil(t, call.cmd.Brightness)
	assert.Equal(t, 40, *call.cmd.Brightness)
}

func TestStateHookSeesStateAndMergesColor(t *testing.T) {
	devices := &fakeController{state: device.ChannelState{On: true, Color: color.HSV{Hue: 10, Saturation: 20, Value: 30}}}
	_, bus := startRuntime(t, devices, `
local device = require("device")
function on_state(ev)
  if ev.channel == "led" and ev.state.hue == 10 then
    device.set(ev.device, "led", {hue = 120})
  end
end
`)

	bus.Publish(eventbus.StateUpdated{DeviceID: mac, ChannelID: "led"})

	require.Eventually(t, func() bool { return len(devices.applied()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, &color.HSV{Hue: 120, Saturation: 20, Value: 30}, devices.applied()[0].cmd.Color)
}

func TestFailingHookKeepsWorkerRunning(t *testing.T) {
	devices := &fakeController{}
	_, bus := startRuntime(t, devices, `
local device = require("device")
function on_motion(ev)
  if ev.motion then
    error("boom")
  end
  device.set(ev.device, "dimmer-0", {on = false})
end
`)

	bus.Publish(eventbus.MotionPushed{DeviceID: mac, Motion: true})
	bus.Publish(eventbus.MotionPushed{DeviceID: mac, Motion: false})

	require.Eventually(t, func() bool { return len(devices.applied()) == 1 }, time.Second, time.Millisecond)
	require.NotNil(t, devices.applied()[0].cmd.On)
	assert.False(t, *devices.applied()[0].cmd.On)
}

func TestSetReturnsError(t *testing.T) {
	devices := &fakeController{err: device.ErrUnsupported}
	rt := NewRuntime(devices)
	defer rt.Close()

	require.NoError(t, rt.LoadString(`
local device = require("device")
ok, err = device.set("f0:08:d1:c0:ff:ee", "cover-0", {brightness = 1})
macs = device.list()
`))
	assert.Equal(t, "nil", rt.L.GetGlobal("ok").String())
	assert.Contains(t, rt.L.GetGlobal("err").String(), "not supported")
	assert.Equal(t, mac, rt.L.GetGlobal("macs").(*lua.LTable).RawGetInt(1).String())
}

func TestDoAfterCloseIsRejected(t *testing.T) {
	rt := NewRuntime(&fakeController{})
	rt.Close()

	assert.False(t, rt.Do(context.Background(), func(context.Context) {}))
	assert.ErrorIs(t, rt.DoSync(context.Background(), func(context.Context) {}), ErrRuntimeClosed)
}
