// Package api exposes registered devices and their channels over HTTP and
// streams bus events to websocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/color"
	"github.com/dokzlo13/dingzd/internal/device"
	"github.com/dokzlo13/dingzd/internal/resilience"
	"github.com/dokzlo13/dingzd/internal/transport"
)

// maxBodySize caps command request bodies.
const maxBodySize = 64 << 10

// Devices is the device registry the API reads and commands.
type Devices interface {
	Statuses() []device.Status
	Status(mac string) (device.Status, bool)
	Apply(ctx context.Context, mac, channelID string, cmd device.Command) error
	Deregister(mac string) error
}

// Server serves the capability API.
type Server struct {
	addr       string
	devices    Devices
	hub        *Hub
	ready      func() bool
	httpServer *http.Server
}

// NewServer creates an API server. ready reports whether startup has finished;
// nil means always ready.
func NewServer(host string, port int, devices Devices, hub *Hub, ready func() bool) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		addr:    fmt.Sprintf("%s:%d", host, port),
		devices: devices,
		hub:     hub,
		ready:   ready,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.hub != nil {
		r.Get("/ws", s.hub.ServeWS)
	}

	r.Route("/api/v1/devices", func(r chi.Router) {
		r.Get("/", s.handleListDevices)
		r.Route("/{mac}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Delete("/", s.handleDeleteDevice)
			r.Get("/channels", s.handleListChannels)
			r.Get("/channels/{channel}", s.handleGetChannel)
			r.Put("/channels/{channel}", s.handleSetChannel)
		})
	})
	return r
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("API request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.devices.Statuses()})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	st, ok := s.device(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	if err := s.devices.Deregister(mac); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	log.Info().Str("device", device.NormalizeMAC(mac)).Msg("Device removed via API")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	st, ok := s.device(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": st.Channels})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	st, ok := s.device(w, r)
	if !ok {
		return
	}
	ch, ok := findChannel(st, chi.URLParam(r, "channel"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// channelUpdate is the PUT body. Hue and saturation keep the current value
// of the other color components.
type channelUpdate struct {
	On         *bool `json:"on"`
	Brightness *int  `json:"brightness"`
	Hue        *int  `json:"hue"`
	Saturation *int  `json:"saturation"`
	Position   *int  `json:"position"`
	Tilt       *int  `json:"tilt"`
}

func (u channelUpdate) command(current device.ChannelState) device.Command {
	cmd := device.Command{
		On:         u.On,
		Brightness: u.Brightness,
		Position:   u.Position,
		Tilt:       u.Tilt,
	}
	if u.Hue != nil || u.Saturation != nil {
		c := current.Color
		if c.Value == 0 {
			c.Value = 100
		}
		if u.Hue != nil {
			c.Hue = *u.Hue
		}
		if u.Saturation != nil {
			c.Saturation = *u.Saturation
		}
		cmd.Color = &color.HSV{Hue: c.Hue, Saturation: c.Saturation, Value: c.Value}
	}
	return cmd
}

func (s *Server) handleSetChannel(w http.ResponseWriter, r *http.Request) {
	st, ok := s.device(w, r)
	if !ok {
		return
	}
	channelID := chi.URLParam(r, "channel")
	ch, ok := findChannel(st, channelID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}

	var u channelUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	if err := s.devices.Apply(r.Context(), st.MAC, channelID, u.command(ch.State)); err != nil {
		log.Warn().Err(err).Str("device", st.MAC).Str("channel", channelID).Msg("Command failed")
		writeError(w, statusFor(err), err.Error())
		return
	}

	if updated, ok := s.devices.Status(st.MAC); ok {
		if ch, ok := findChannel(updated, channelID); ok {
			writeJSON(w, http.StatusOK, ch)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) (device.Status, bool) {
	st, ok := s.devices.Status(chi.URLParam(r, "mac"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
	}
	return st, ok
}

func findChannel(st device.Status, id string) (device.ChannelStatus, bool) {
	for _, ch := range st.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return device.ChannelStatus{}, false
}

// statusFor maps command errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrNotFound), errors.Is(err, device.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, device.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrNotRunning), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrUnreachable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": status, "error": message})
}
