package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts Options) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(strings.TrimPrefix(srv.URL, "http://"), "tok", opts), srv
}

func TestFetch_SendsTokenAndForm(t *testing.T) {
	var gotToken, gotBody, gotQuery string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(TokenHeader)
		_ = r.ParseForm()
		gotBody = r.PostForm.Get("value")
		gotQuery = r.URL.Query().Get("ramp")
		w.WriteHeader(http.StatusOK)
	}, Options{})

	resp, err := c.Fetch(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/api/v1/dimmer/0/on",
		Query:  url.Values{"ramp": {"5"}},
		Form:   url.Values{"value": {"42"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, resp.Body)
	assert.Equal(t, "tok", gotToken)
	assert.Equal(t, "42", gotBody)
	assert.Equal(t, "5", gotQuery)
}

func TestGetJSON(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"motion":true}`))
	}, Options{})

	var out struct {
		Motion bool `json:"motion"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "/api/v1/motion", nil, &out))
	assert.True(t, out.Motion)
}

func TestFetch_StatusErrorKeepsReachable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}, Options{})

	_, err := c.Fetch(context.Background(), Request{Path: "/x"})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.True(t, c.Reachable())
	assert.False(t, errors.Is(err, ErrUnreachable))
}

func TestFetch_TimeoutMarksUnreachableUntilSuccess(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			time.Sleep(200 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}, Options{Timeout: 20 * time.Millisecond})

	var transitions []bool
	c.OnReachabilityChange(func(r bool) { transitions = append(transitions, r) })

	_, err := c.Fetch(context.Background(), Request{Path: "/x"})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindTimeout, te.Kind)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.False(t, c.Reachable())

	// A second failure is not a transition.
	_, _ = c.Fetch(context.Background(), Request{Path: "/x"})

	slow.Store(false)
	_, err = c.Fetch(context.Background(), Request{Path: "/x"})
	require.NoError(t, err)
	assert.True(t, c.Reachable())
	assert.Equal(t, []bool{false, true}, transitions)
}

func TestFetch_ConnectionRefusedIsHostDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(addr, "", Options{Timeout: time.Second})
	_, err = c.Fetch(context.Background(), Request{Path: "/x"})

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindHostDown, te.Kind)
	assert.False(t, c.Reachable())
}

func TestFetch_CancelledContextKeepsReachable(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-r.Context().Done()
	}, Options{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := c.Fetch(ctx, Request{Path: "/x"})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUnreachable)
	assert.True(t, c.Reachable())
}

func TestKindOf_CancelledDialIsNotHostDown(t *testing.T) {
	err := &url.Error{Op: "Get", URL: "http://10.0.0.2/x", Err: &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: context.Canceled,
	}}
	assert.Equal(t, KindOther, kindOf(err))

	refused := &url.Error{Op: "Get", URL: "http://10.0.0.2/x", Err: &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: errors.New("no route"),
	}}
	assert.Equal(t, KindHostDown, kindOf(refused))
}

func TestSetAddress(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, Options{})

	c.SetAddress("127.0.0.1:1")
	assert.Equal(t, "127.0.0.1:1", c.Address())

	c.SetAddress(strings.TrimPrefix(srv.URL, "http://"))
	_, err := c.Fetch(context.Background(), Request{Path: "/"})
	assert.NoError(t, err)
}
