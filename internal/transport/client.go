// Package transport issues single HTTP requests to a device and tracks reachability.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// TokenHeader is the header the devices read the access token from.
const TokenHeader = "Token"

// DefaultTimeout is used when no request timeout is configured.
const DefaultTimeout = 5 * time.Second

// Request describes one HTTP call to a device.
type Request struct {
	Method     string
	Path       string
	Query      url.Values
	Form       url.Values // Sent as application/x-www-form-urlencoded when set
	ReturnBody bool
}

// Response holds the outcome of a successful request.
type Response struct {
	StatusCode int
	Body       []byte
}

// Options configures a Client.
type Options struct {
	Timeout      time.Duration
	RateLimitRPS float64 // 0 disables limiting
	HTTPClient   *http.Client
}

// Client talks to one device. It never retries; that is left to resilience policies.
type Client struct {
	mu      sync.RWMutex
	address string
	token   string

	httpClient *http.Client
	limiter    *rate.Limiter

	unreachable atomic.Bool
	onChange    atomic.Pointer[func(reachable bool)]
}

// NewClient creates a client for the device at address.
func NewClient(address, token string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		address:    address,
		token:      token,
		httpClient: httpClient,
	}
	if opts.RateLimitRPS > 0 {
		burst := int(opts.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}
	return c
}

// Address returns the current device address.
func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

// SetAddress points the client at a new address (device IP changed).
func (c *Client) SetAddress(address string) {
	c.mu.Lock()
	c.address = address
	c.mu.Unlock()
}

// Reachable reports the advisory reachability flag. It is cleared by timeouts
// and host-down errors and set again by the next success.
func (c *Client) Reachable() bool {
	return !c.unreachable.Load()
}

// OnReachabilityChange registers a callback fired on reachable/unreachable transitions.
func (c *Client) OnReachabilityChange(fn func(reachable bool)) {
	c.onChange.Store(&fn)
}

// Fetch performs the request.
func (c *Client) Fetch(ctx context.Context, r Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		terr := classify(r.Method, r.Path, err)
		if terr.Kind == KindTimeout || terr.Kind == KindHostDown {
			c.setReachable(false)
		}
		return nil, terr
	}
	defer resp.Body.Close()

	// Any HTTP answer proves the device is there.
	c.setReachable(true)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Method: r.Method, Path: r.Path, Code: resp.StatusCode, Body: string(body)}
	}

	out := &Response{StatusCode: resp.StatusCode}
	if r.ReturnBody {
		out.Body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, classify(r.Method, r.Path, err)
		}
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, r Request) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	u := url.URL{Scheme: "http", Host: c.Address(), Path: r.Path}
	if len(r.Query) > 0 {
		u.RawQuery = r.Query.Encode()
	}

	var body io.Reader
	if r.Form != nil {
		body = strings.NewReader(r.Form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if r.Form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	return req, nil
}

func (c *Client) setReachable(reachable bool) {
	was := !c.unreachable.Swap(!reachable)
	if was == reachable {
		return
	}

	log.Info().
		Str("address", c.Address()).
		Bool("reachable", reachable).
		Msg("Device reachability changed")

	if fn := c.onChange.Load(); fn != nil && *fn != nil {
		(*fn)(reachable)
	}
}

// GetJSON fetches path and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.Fetch(ctx, Request{Method: http.MethodGet, Path: path, Query: query, ReturnBody: true})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// PostForm posts a form to path and discards the body.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values) error {
	if form == nil {
		form = url.Values{}
	}
	_, err := c.Fetch(ctx, Request{Method: http.MethodPost, Path: path, Form: form})
	return err
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
