package webhook

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/dingzd/internal/device"
	"github.com/dokzlo13/dingzd/internal/eventbus"
)

type knownSet map[string]bool

func (k knownSet) Known(mac string) bool { return k[mac] }

func post(t *testing.T, h http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, ButtonPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestButtonCallback(t *testing.T) {
	bus := eventbus.New()
	var got []eventbus.Event
	bus.SubscribeAll(func(ev eventbus.Event) { got = append(got, ev) })

	srv := NewServer("127.0.0.1", 0, bus, knownSet{"F008D1C0FFEE": true})
	rec := post(t, srv.Handler(), url.Values{"mac": {"f0:08:d1:c0:ff:ee"}, "index": {"2"}, "action": {"3"}})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, got, 1)
	assert.Equal(t, eventbus.ButtonPressed{DeviceID: "F008D1C0FFEE", Button: 2, Action: eventbus.ButtonLong}, got[0])
}

func TestCallback_MACMatchesRegistryKey(t *testing.T) {
	bus := eventbus.New()
	var got []eventbus.Event
	bus.SubscribeAll(func(ev eventbus.Event) { got = append(got, ev) })

	raw := " f0-08-d1.c0:ff:ee "
	key := device.NormalizeMAC(raw)
	srv := NewServer("127.0.0.1", 0, bus, knownSet{key: true})
	rec := post(t, srv.Handler(), url.Values{"mac": {raw}, "action": {"9"}})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, got, 1)
	assert.Equal(t, eventbus.MotionPushed{DeviceID: key, Motion: false}, got[0])
}

func TestMotionCallback(t *testing.T) {
	bus := eventbus.New()
	var got []eventbus.Event
	bus.SubscribeAll(func(ev eventbus.Event) { got = append(got, ev) })

	srv := NewServer("127.0.0.1", 0, bus, knownSet{"AABBCCDDEEFF": true})
	rec := post(t, srv.Handler(), url.Values{"mac": {"AABBCCDDEEFF"}, "action": {"8"}})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, got, 1)
	assert.Equal(t, eventbus.MotionPushed{DeviceID: "AABBCCDDEEFF", Motion: true}, got[0])
}

func TestCallbackRejections(t *testing.T) {
	tests := []struct {
		name string
		form url.Values
		code int
	}{
		{"unknown mac", url.Values{"mac": {"001122334455"}, "action": {"1"}}, http.StatusNotFound},
		{"missing mac", url.Values{"action": {"1"}}, http.StatusBadRequest},
		{"bad index", url.Values{"mac": {"AABBCCDDEEFF"}, "index": {"x"}, "action": {"1"}}, http.StatusBadRequest},
		{"bad action", url.Values{"mac": {"AABBCCDDEEFF"}, "action": {"42"}}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := eventbus.New()
			var published int
			bus.SubscribeAll(func(eventbus.Event) { published++ })

			srv := NewServer("127.0.0.1", 0, bus, knownSet{"AABBCCDDEEFF": true})
			rec := post(t, srv.Handler(), tt.form)

			assert.Equal(t, tt.code, rec.Code)
			assert.Zero(t, published)
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		action string
		want   eventbus.Event
	}{
		{"1", eventbus.ButtonPressed{DeviceID: "M", Button: 1, Action: eventbus.ButtonSingle}},
		{"double", eventbus.ButtonPressed{DeviceID: "M", Button: 1, Action: eventbus.ButtonDouble}},
		{"4", eventbus.ButtonPressed{DeviceID: "M", Button: 1, Action: eventbus.ButtonPress}},
		{"5", eventbus.ButtonPressed{DeviceID: "M", Button: 1, Action: eventbus.ButtonRelease}},
		{"9", eventbus.MotionPushed{DeviceID: "M", Motion: false}},
	}
	for _, tt := range tests {
		got, err := Decode("M", 1, tt.action)
		require.NoError(t, err, tt.action)
		assert.Equal(t, tt.want, got, tt.action)
	}

	_, err := Decode("M", 1, "")
	assert.ErrorIs(t, err, ErrUnknownAction)
}
