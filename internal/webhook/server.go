// Package webhook receives the generic action callbacks devices push to us
// and republishes them on the event bus.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/device"
	"github.com/dokzlo13/dingzd/internal/eventbus"
)

// ButtonPath is the path devices are told to call back into.
const ButtonPath = "/button"

// ErrUnknownAction is returned for action values we cannot map.
var ErrUnknownAction = errors.New("unknown action")

// Registry tells the listener which MACs belong to registered devices.
type Registry interface {
	Known(mac string) bool
}

// Server is an HTTP server that receives device callbacks and publishes events to the bus.
type Server struct {
	addr       string
	bus        *eventbus.Bus
	devices    Registry
	httpServer *http.Server
}

// NewServer creates a new callback listener.
func NewServer(host string, port int, bus *eventbus.Bus, devices Registry) *Server {
	return &Server{
		addr:    fmt.Sprintf("%s:%d", host, port),
		bus:     bus,
		devices: devices,
	}
}

// Handler returns the router serving the callback endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post(ButtonPath, s.handleButton)
	r.Get(ButtonPath, s.handleButton)
	return r
}

// Run starts the listener. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting callback listener")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Callback listener shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleButton maps one generic action callback to a bus event.
// Devices send mac, index and action as form values or query parameters.
func (s *Server) handleButton(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	mac := device.NormalizeMAC(r.Form.Get("mac"))
	if mac == "" {
		http.Error(w, "missing mac", http.StatusBadRequest)
		return
	}
	if s.devices != nil && !s.devices.Known(mac) {
		log.Debug().Str("device", mac).Msg("Callback from unknown device")
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}

	index := 0
	if v := r.Form.Get("index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid index", http.StatusBadRequest)
			return
		}
		index = n
	}

	ev, err := Decode(mac, index, r.Form.Get("action"))
	if err != nil {
		log.Warn().Err(err).Str("device", mac).Str("action", r.Form.Get("action")).Msg("Ignoring callback")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Debug().
		Str("device", mac).
		Int("index", index).
		Str("event_kind", ev.Kind().String()).
		Msg("Received device callback")

	s.bus.Publish(ev)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Decode turns a callback action into the event it represents. Actions are
// numeric codes or their names: 1 single, 2 double, 3 long, 4 press,
// 5 release, 8 motion start, 9 motion stop.
func Decode(mac string, index int, action string) (eventbus.Event, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "1", "single", "short":
		return eventbus.ButtonPressed{DeviceID: mac, Button: index, Action: eventbus.ButtonSingle}, nil
	case "2", "double":
		return eventbus.ButtonPressed{DeviceID: mac, Button: index, Action: eventbus.ButtonDouble}, nil
	case "3", "long":
		return eventbus.ButtonPressed{DeviceID: mac, Button: index, Action: eventbus.ButtonLong}, nil
	case "4", "press":
		return eventbus.ButtonPressed{DeviceID: mac, Button: index, Action: eventbus.ButtonPress}, nil
	case "5", "release":
		return eventbus.ButtonPressed{DeviceID: mac, Button: index, Action: eventbus.ButtonRelease}, nil
	case "8", "pir_start", "motion":
		return eventbus.MotionPushed{DeviceID: mac, Motion: true}, nil
	case "9", "pir_stop", "no_motion":
		return eventbus.MotionPushed{DeviceID: mac, Motion: false}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}
