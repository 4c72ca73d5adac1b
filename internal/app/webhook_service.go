package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/config"
	"github.com/dokzlo13/dingzd/internal/eventbus"
	"github.com/dokzlo13/dingzd/internal/webhook"
)

// WebhookService wraps the callback listener devices push button and motion events to.
type WebhookService struct {
	cfg    *config.Config
	server *webhook.Server
}

// NewWebhookService creates a new WebhookService.
func NewWebhookService(cfg *config.Config, bus *eventbus.Bus, devices webhook.Registry) *WebhookService {
	server := webhook.NewServer(cfg.Callback.Host, cfg.Callback.Port, bus, devices)
	return &WebhookService{
		cfg:    cfg,
		server: server,
	}
}

// Start begins the callback listener if enabled.
func (s *WebhookService) Start(ctx context.Context) {
	if !s.cfg.Callback.Enabled {
		log.Debug().Msg("Callback listener disabled")
		return
	}

	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("Callback listener error")
		}
	}()
}
