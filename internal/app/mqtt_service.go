package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/config"
	"github.com/dokzlo13/dingzd/internal/eventbus"
	"github.com/dokzlo13/dingzd/internal/mqtt"
	"github.com/dokzlo13/dingzd/internal/resilience"
)

// MQTTService connects to the broker and runs the state/command bridge.
type MQTTService struct {
	cfg     *config.Config
	devices mqtt.Devices

	mu     sync.Mutex
	client *mqtt.Client
	bridge *mqtt.Bridge
	done   chan struct{}
}

// NewMQTTService creates a new MQTTService.
func NewMQTTService(cfg *config.Config, devices mqtt.Devices) *MQTTService {
	return &MQTTService{cfg: cfg, devices: devices}
}

// Start connects in the background, retrying until the broker answers.
func (s *MQTTService) Start(ctx context.Context, bus *eventbus.Bus) {
	if !s.cfg.MQTT.Enabled {
		log.Debug().Msg("MQTT bridge disabled")
		return
	}

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.run(ctx, bus)
	}()
}

func (s *MQTTService) run(ctx context.Context, bus *eventbus.Bus) {
	connect := resilience.NewSlowRetry(resilience.SlowRetryConfig{
		Floor:   time.Second,
		Ceiling: s.cfg.MQTT.MaxBackoff.Duration(),
		Jitter:  0.1,
		Name:    "mqtt_connect",
	})

	var client *mqtt.Client
	err := connect.Execute(ctx, func(context.Context) error {
		c, err := mqtt.Connect(mqttConfig(s.cfg))
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return
	}

	bridge := mqtt.NewBridge(client, s.devices, s.cfg.MQTT.TopicPrefix)
	if err := bridge.Start(ctx, bus); err != nil {
		log.Error().Err(err).Msg("Failed to start MQTT bridge")
		client.Close()
		return
	}

	s.mu.Lock()
	s.client, s.bridge = client, bridge
	s.mu.Unlock()

	bridge.Wait()
	client.Close()
}

// Connected reports whether the broker connection is up.
func (s *MQTTService) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

// Wait blocks until the bridge has stopped and the client disconnected.
func (s *MQTTService) Wait() {
	if s.done != nil {
		<-s.done
	}
}
