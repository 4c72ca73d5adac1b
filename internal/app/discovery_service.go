package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/config"
	"github.com/dokzlo13/dingzd/internal/discovery"
	"github.com/dokzlo13/dingzd/internal/eventbus"
)

// DiscoveryService listens for device announcements on the local network.
type DiscoveryService struct {
	cfg      *config.Config
	Listener *discovery.Listener
}

// NewDiscoveryService creates a new DiscoveryService.
func NewDiscoveryService(cfg *config.Config, bus *eventbus.Bus, registrar discovery.Registrar) *DiscoveryService {
	return &DiscoveryService{
		cfg:      cfg,
		Listener: discovery.NewListener(cfg.Discovery.Port, bus, registrar, cfg.Discovery.AutoRegister),
	}
}

// Start begins listening if discovery is enabled.
func (s *DiscoveryService) Start(ctx context.Context) {
	if !s.cfg.Discovery.Enabled {
		log.Debug().Msg("Discovery disabled")
		return
	}

	go func() {
		if err := s.Listener.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Discovery listener error")
		}
	}()
}
