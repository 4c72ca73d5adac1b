package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/dingzd/internal/color"
	"github.com/dokzlo13/dingzd/internal/device"
	"github.com/dokzlo13/dingzd/internal/eventbus"
)

const mac = "F008D1C0FFEE"

type fakeDevices struct {
	mu       sync.Mutex
	status   device.Status
	commands []device.Command
	err      error
	removed  bool
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{status: device.Status{
		MAC:    mac,
		Family: device.FamilyDingz,
		Channels: []device.ChannelStatus{
			{Channel: device.Channel{ID: "dimmer-0", Kind: device.KindDimmer, Brightness: true, Connected: true}},
			{Channel: device.Channel{ID: "led", Kind: device.KindLED, Connected: true},
				State: device.ChannelState{Color: color.HSV{Hue: 10, Saturation: 20, Value: 30}}},
		},
	}}
}

func (f *fakeDevices) Statuses() []device.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []device.Status{f.status}
}

func (f *fakeDevices) Status(m string) (device.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed || device.NormalizeMAC(m) != mac {
		return device.Status{}, false
	}
	return f.status, true
}

func (f *fakeDevices) Deregister(m string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed || device.NormalizeMAC(m) != mac {
		return fmt.Errorf("%w: %s", device.ErrNotFound, m)
	}
	f.removed = true
	return nil
}

func (f *fakeDevices) Apply(_ context.Context, _, channelID string, cmd device.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, cmd)
	if cmd.Brightness != nil {
		f.status.Channels[0].State.Brightness = *cmd.Brightness
	}
	return nil
}

func (f *fakeDevices) ChannelState(m, channelID string) (device.ChannelState, bool) {
	st, ok := f.Status(m)
	if !ok {
		return device.ChannelState{}, false
	}
	ch, ok := findChannel(st, channelID)
	return ch.State, ok
}

func request(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListAndGet(t *testing.T) {
	h := NewServer("127.0.0.1", 0, newFakeDevices(), nil, nil).Handler()

	rec := request(t, h, http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mac":"F008D1C0FFEE"`)

	rec = request(t, h, http.MethodGet, "/api/v1/devices/f0:08:d1:c0:ff:ee/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Channels []device.ChannelStatus `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Channels, 2)
	assert.Equal(t, "dimmer-0", body.Channels[0].ID)

	rec = request(t, h, http.MethodGet, "/api/v1/devices/"+mac+"/channels/cover-0", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = request(t, h, http.MethodGet, "/api/v1/devices/000000000000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetChannel(t *testing.T) {
	devices := newFakeDevices()
	h := NewServer("127.0.0.1", 0, devices, nil, nil).Handler()

	rec := request(t, h, http.MethodPut, "/api/v1/devices/"+mac+"/channels/dimmer-0", `{"on":true,"brightness":55}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"brightness":55`)

	rec = request(t, h, http.MethodPut, "/api/v1/devices/"+mac+"/channels/led", `{"hue":200}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, devices.commands, 2)
	assert.Equal(t, &color.HSV{Hue: 200, Saturation: 20, Value: 30}, devices.commands[1].Color)

	rec = request(t, h, http.MethodPut, "/api/v1/devices/"+mac+"/channels/dimmer-0", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetChannel_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("x: %w", device.ErrUnsupported), http.StatusBadRequest},
		{device.ErrNotRunning, http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", device.ErrUnknownChannel), http.StatusNotFound},
	}
	for _, tt := range tests {
		devices := newFakeDevices()
		devices.err = tt.err
		h := NewServer("127.0.0.1", 0, devices, nil, nil).Handler()

		rec := request(t, h, http.MethodPut, "/api/v1/devices/"+mac+"/channels/dimmer-0", `{"brightness":10}`)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}
}

func TestDeleteDevice(t *testing.T) {
	h := NewServer("127.0.0.1", 0, newFakeDevices(), nil, nil).Handler()

	rec := request(t, h, http.MethodDelete, "/api/v1/devices/f0:08:d1:c0:ff:ee", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = request(t, h, http.MethodGet, "/api/v1/devices/"+mac, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = request(t, h, http.MethodDelete, "/api/v1/devices/"+mac, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	ready := false
	h := NewServer("127.0.0.1", 0, newFakeDevices(), nil, func() bool { return ready }).Handler()

	assert.Equal(t, http.StatusOK, request(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, request(t, h, http.MethodGet, "/ready", "").Code)
	ready = true
	assert.Equal(t, http.StatusOK, request(t, h, http.MethodGet, "/ready", "").Code)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	devices := newFakeDevices()
	bus := eventbus.New()
	hub := NewHub(devices)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, bus)

	srv := httptest.NewServer(NewServer("127.0.0.1", 0, devices, hub, nil).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	bus.Publish(eventbus.StateUpdated{DeviceID: mac, ChannelID: "led"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "state_updated", msg.EventType)
	assert.Equal(t, "led", msg.Channel)

	require.NoError(t, conn.WriteJSON(Message{Type: "subscribe", Devices: []string{"AABBCCDDEEFF"}}))
	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.MotionPushed{DeviceID: mac, Motion: true})
	bus.Publish(eventbus.ButtonPressed{DeviceID: "AABBCCDDEEFF", Button: 1, Action: eventbus.ButtonSingle})

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "button_pressed", msg.EventType, "events of other devices are filtered")
}
