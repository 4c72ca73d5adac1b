// Package dingz wraps the dingz HTTP API.
//
// The client performs exactly one request per call. Locking, retries and
// circuit breaking are applied by the device session around these calls.
package dingz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dokzlo13/dingzd/internal/color"
	"github.com/dokzlo13/dingzd/internal/transport"
)

// ErrEmptyDevice is returned when /api/v1/device lists no device.
var ErrEmptyDevice = errors.New("device endpoint returned no entries")

// Client provides typed access to one dingz.
type Client struct {
	http *transport.Client
}

// NewClient wraps a transport client.
func NewClient(tc *transport.Client) *Client {
	return &Client{http: tc}
}

// Transport returns the underlying transport client.
func (c *Client) Transport() *transport.Client {
	return c.http
}

// Info fetches the identity document.
func (c *Client) Info(ctx context.Context) (Info, error) {
	var info Info
	err := c.http.GetJSON(ctx, "/api/v1/info", nil, &info)
	return info, err
}

// Device fetches the hardware details. The endpoint is keyed by MAC and
// always holds a single entry for the queried unit.
func (c *Client) Device(ctx context.Context) (DeviceDetails, error) {
	var byMAC map[string]DeviceDetails
	if err := c.http.GetJSON(ctx, "/api/v1/device", nil, &byMAC); err != nil {
		return DeviceDetails{}, err
	}
	for _, d := range byMAC {
		return d, nil
	}
	return DeviceDetails{}, ErrEmptyDevice
}

// DimmerConfig fetches the per-output load configuration.
func (c *Client) DimmerConfig(ctx context.Context) (DimmerConfig, error) {
	var cfg DimmerConfig
	err := c.http.GetJSON(ctx, "/api/v1/dimmer_config", nil, &cfg)
	return cfg, err
}

// InputConfig fetches the input configuration.
func (c *Client) InputConfig(ctx context.Context) (InputConfig, error) {
	var cfg InputConfig
	err := c.http.GetJSON(ctx, "/api/v1/input_config", nil, &cfg)
	return cfg, err
}

// State fetches the full device state in one request.
func (c *Client) State(ctx context.Context) (State, error) {
	var st State
	err := c.http.GetJSON(ctx, "/api/v1/state", nil, &st)
	return st, err
}

// Shade fetches target and current position of blind n.
func (c *Client) Shade(ctx context.Context, n int) (Shade, error) {
	var sh Shade
	err := c.http.GetJSON(ctx, "/api/v1/shade/"+strconv.Itoa(n), nil, &sh)
	return sh, err
}

// Motion fetches the PIR motion flag.
func (c *Client) Motion(ctx context.Context) (bool, error) {
	var m Motion
	if err := c.http.GetJSON(ctx, "/api/v1/motion", nil, &m); err != nil {
		return false, err
	}
	return m.Motion, nil
}

// Temperature fetches the compensated room temperature.
func (c *Client) Temperature(ctx context.Context) (float64, error) {
	var t Temperature
	if err := c.http.GetJSON(ctx, "/api/v1/temp", nil, &t); err != nil {
		return 0, err
	}
	return t.Temperature, nil
}

// Light fetches the ambient light intensity.
func (c *Client) Light(ctx context.Context) (Light, error) {
	var l Light
	err := c.http.GetJSON(ctx, "/api/v1/light", nil, &l)
	return l, err
}

// LED fetches the front LED state.
func (c *Client) LED(ctx context.Context) (LEDState, error) {
	var l LEDState
	err := c.http.GetJSON(ctx, "/api/v1/led/get", nil, &l)
	return l, err
}

// SetDimmer switches absolute output n. A nil brightness keeps the current level.
func (c *Client) SetDimmer(ctx context.Context, n int, on bool, brightness *int) error {
	action := "off"
	form := url.Values{}
	if on {
		action = "on"
		if brightness != nil {
			form.Set("value", strconv.Itoa(*brightness))
		}
	}
	return c.http.PostForm(ctx, fmt.Sprintf("/api/v1/dimmer/%d/%s", n, action), form)
}

// SetShade moves blind n to the given blind and lamella percentages.
func (c *Client) SetShade(ctx context.Context, n int, pos Position) error {
	form := url.Values{}
	form.Set("blind", strconv.Itoa(pos.Blind))
	form.Set("lamella", strconv.Itoa(pos.Lamella))
	return c.http.PostForm(ctx, "/api/v1/shade/"+strconv.Itoa(n), form)
}

// SetLED switches the front LED and sets its color.
func (c *Client) SetLED(ctx context.Context, on bool, hsv color.HSV) error {
	form := url.Values{}
	if on {
		form.Set("action", "on")
	} else {
		form.Set("action", "off")
	}
	form.Set("color", hsv.String())
	form.Set("mode", "hsv")
	return c.http.PostForm(ctx, "/api/v1/led/set", form)
}

const actionPath = "/api/v1/action/generic/generic"

// CallbackURL reads the configured generic action URL.
func (c *Client) CallbackURL(ctx context.Context) (string, error) {
	resp, err := c.http.Fetch(ctx, transport.Request{Method: http.MethodGet, Path: actionPath, ReturnBody: true})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp.Body)), nil
}

// SetCallbackURL points the generic action at u.
func (c *Client) SetCallbackURL(ctx context.Context, u string) error {
	form := url.Values{}
	form.Set("url", u)
	return c.http.PostForm(ctx, actionPath, form)
}
