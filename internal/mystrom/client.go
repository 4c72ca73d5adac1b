// Package mystrom wraps the myStrom switch and bulb HTTP APIs.
package mystrom

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/dokzlo13/dingzd/internal/color"
	"github.com/dokzlo13/dingzd/internal/dingz"
	"github.com/dokzlo13/dingzd/internal/transport"
)

// ErrEmptyDevice is returned when the bulb endpoint lists no device.
var ErrEmptyDevice = errors.New("device endpoint returned no entries")

// Info is the identity document; myStrom and dingz share its layout.
type Info = dingz.Info

// Report is the switch's /report document.
type Report struct {
	Power       float64 `json:"power"`
	Ws          float64 `json:"Ws"`
	Relay       bool    `json:"relay"`
	Temperature float64 `json:"temperature"`
}

// Bulb is one entry of the bulb's /api/v1/device document.
type Bulb struct {
	Type      string  `json:"type"`
	On        bool    `json:"on"`
	Color     string  `json:"color"`
	Mode      string  `json:"mode"` // hsv or rgb
	Ramp      int     `json:"ramp"`
	Power     float64 `json:"power"`
	FWVersion string  `json:"fw_version"`
}

// HSV normalizes the bulb color regardless of the reported mode.
func (b Bulb) HSV() (color.HSV, error) {
	if b.Mode == "rgb" {
		return color.RGBHexToHSV(b.Color)
	}
	return color.ParseHSV(b.Color)
}

// Client provides typed access to one myStrom switch or bulb.
type Client struct {
	http *transport.Client
}

// NewClient wraps a transport client.
func NewClient(tc *transport.Client) *Client {
	return &Client{http: tc}
}

// Info fetches the identity document.
func (c *Client) Info(ctx context.Context) (Info, error) {
	var info Info
	err := c.http.GetJSON(ctx, "/api/v1/info", nil, &info)
	return info, err
}

// Report fetches relay, power and temperature of a switch.
func (c *Client) Report(ctx context.Context) (Report, error) {
	var r Report
	err := c.http.GetJSON(ctx, "/report", nil, &r)
	return r, err
}

// SetRelay switches the relay of a switch.
func (c *Client) SetRelay(ctx context.Context, on bool) error {
	q := url.Values{}
	if on {
		q.Set("state", "1")
	} else {
		q.Set("state", "0")
	}
	_, err := c.http.Fetch(ctx, transport.Request{Method: http.MethodGet, Path: "/relay", Query: q})
	return err
}

// Bulb fetches the bulb state. The document is keyed by MAC.
func (c *Client) Bulb(ctx context.Context) (string, Bulb, error) {
	var byMAC map[string]Bulb
	if err := c.http.GetJSON(ctx, "/api/v1/device", nil, &byMAC); err != nil {
		return "", Bulb{}, err
	}
	for mac, b := range byMAC {
		return mac, b, nil
	}
	return "", Bulb{}, ErrEmptyDevice
}

// SetBulb switches the bulb identified by mac and sets its color.
func (c *Client) SetBulb(ctx context.Context, mac string, on bool, hsv color.HSV) error {
	form := url.Values{}
	if on {
		form.Set("action", "on")
	} else {
		form.Set("action", "off")
	}
	form.Set("color", hsv.String())
	form.Set("mode", "hsv")
	return c.http.PostForm(ctx, "/api/v1/device/"+mac, form)
}
