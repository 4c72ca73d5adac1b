package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/api"
	"github.com/dokzlo13/dingzd/internal/config"
	"github.com/dokzlo13/dingzd/internal/device"
	"github.com/dokzlo13/dingzd/internal/eventbus"
)

// APIService serves the capability REST API and the websocket event stream.
type APIService struct {
	cfg    *config.Config
	Hub    *api.Hub
	server *api.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, devices *device.Manager, ready func() bool) *APIService {
	hub := api.NewHub(devices)
	return &APIService{
		cfg:    cfg,
		Hub:    hub,
		server: api.NewServer(cfg.API.Host, cfg.API.Port, devices, hub, ready),
	}
}

// Start begins serving if the API is enabled.
func (s *APIService) Start(ctx context.Context, bus *eventbus.Bus) {
	if !s.cfg.API.Enabled {
		log.Debug().Msg("API server disabled")
		return
	}

	go s.Hub.Run(ctx, bus)
	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("API server error")
		}
	}()
}
