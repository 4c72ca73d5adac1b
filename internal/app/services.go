package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/config"
	"github.com/dokzlo13/dingzd/internal/db"
	"github.com/dokzlo13/dingzd/internal/device"
	"github.com/dokzlo13/dingzd/internal/devlock"
	"github.com/dokzlo13/dingzd/internal/eventbus"
	"github.com/dokzlo13/dingzd/internal/ledger"
	"github.com/dokzlo13/dingzd/internal/storage"
	"github.com/dokzlo13/dingzd/internal/topology"
)

// SnapshotKind is the resource_state kind hardware snapshots are stored under.
const SnapshotKind = "snapshot"

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB        *db.DB
	Ledger    *ledger.Ledger
	Store     *storage.Store
	Snapshots *storage.TypedStore[topology.Snapshot]
	Registry  *storage.Devices
	Bus       *eventbus.Bus
	Locks     *devlock.Locks

	// High-level services
	Devices   *DeviceService
	Webhook   *WebhookService
	Discovery *DiscoveryService
	MQTT      *MQTTService
	API       *APIService
	Lua       *LuaService
	Health    *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.Store = storage.NewStore(database.DB)
	s.Snapshots = storage.NewTypedStore[topology.Snapshot](s.Store, SnapshotKind)
	s.Registry = storage.NewDevices(database.DB)
	s.Bus = eventbus.New()
	s.Locks = devlock.New()

	manager := device.NewManager(deviceOptions(cfg), device.Deps{
		Bus:       s.Bus,
		Locks:     s.Locks,
		Snapshots: s.Snapshots,
		Recorder:  s.Ledger,
		Records:   s.Registry,
	})
	s.Devices = NewDeviceService(cfg, manager, s.Registry)

	s.Webhook = NewWebhookService(cfg, s.Bus, manager)
	s.Discovery = NewDiscoveryService(cfg, s.Bus, s.Devices)
	s.MQTT = NewMQTTService(cfg, manager)
	s.API = NewAPIService(cfg, manager, s.Devices.Ready)
	s.Lua = NewLuaService(cfg, manager)
	s.Health = NewHealthService(cfg, s.Devices.Ready)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	// Load Lua script before any event can reach it
	if err := s.Lua.LoadScript(); err != nil {
		return err
	}
	s.Lua.Start(ctx, s.Bus)

	// Listeners come up before devices so early callbacks are not lost
	s.Webhook.Start(ctx)
	s.MQTT.Start(ctx, s.Bus)
	s.API.Start(ctx, s.Bus)
	s.Health.Start(ctx)

	s.Devices.Start(ctx)
	s.Discovery.Start(ctx)

	go s.runLedgerCleanup(ctx)

	return nil
}

// runLedgerCleanup periodically cleans up old ledger entries.
func (s *Services) runLedgerCleanup(ctx context.Context) {
	retention := s.cfg.Ledger.Retention()
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Ledger.DeleteOlderThan(ctx, retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}

// Stop gracefully stops all services. The context passed to Start must
// already be cancelled.
func (s *Services) Stop() error {
	if s.Devices != nil {
		s.Devices.Shutdown()
	}
	if s.MQTT != nil {
		s.MQTT.Wait()
	}
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Lua != nil {
		s.Lua.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
