package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/config"
	"github.com/dokzlo13/dingzd/internal/device"
	"github.com/dokzlo13/dingzd/internal/dingz"
	"github.com/dokzlo13/dingzd/internal/discovery"
	"github.com/dokzlo13/dingzd/internal/resilience"
	"github.com/dokzlo13/dingzd/internal/storage"
	"github.com/dokzlo13/dingzd/internal/transport"
)

// DeviceRegistry persists the identities of registered devices.
type DeviceRegistry interface {
	Upsert(ctx context.Context, rec storage.DeviceRecord) error
	List(ctx context.Context) ([]storage.DeviceRecord, error)
}

// DeviceService brings configured and remembered devices up and registers
// devices found by discovery.
type DeviceService struct {
	cfg      *config.Config
	Manager  *device.Manager
	registry DeviceRegistry
	opts     device.Options

	wg    sync.WaitGroup
	ready atomic.Bool
}

// NewDeviceService creates a DeviceService around manager.
func NewDeviceService(cfg *config.Config, manager *device.Manager, registry DeviceRegistry) *DeviceService {
	return &DeviceService{
		cfg:      cfg,
		Manager:  manager,
		registry: registry,
		opts:     deviceOptions(cfg),
	}
}

// Start registers every configured and remembered device in the background.
// Ready reports true once each of them has been registered or given up on.
func (s *DeviceService) Start(ctx context.Context) {
	s.Manager.Start()

	identities, err := s.initialIdentities(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load devices")
	}
	log.Info().Int("devices", len(identities)).Msg("Registering devices")

	var pending sync.WaitGroup
	for _, id := range identities {
		pending.Add(1)
		s.wg.Add(1)
		go func(id device.Identity) {
			defer s.wg.Done()
			s.registerWithRetry(ctx, id, pending.Done)
		}(id)
	}

	go func() {
		pending.Wait()
		s.ready.Store(true)
		log.Info().Int("devices", len(s.Manager.List())).Msg("Initial device registration finished")
	}()
}

// Ready reports whether initial registration has finished.
func (s *DeviceService) Ready() bool {
	return s.ready.Load()
}

// initialIdentities merges configured devices with remembered ones.
// A configured entry wins over a record with the same MAC.
func (s *DeviceService) initialIdentities(ctx context.Context) ([]device.Identity, error) {
	var out []device.Identity
	seen := make(map[string]bool)

	for i, d := range s.cfg.Devices {
		id, err := identityFromConfig(d)
		if err != nil {
			return out, fmt.Errorf("devices[%d]: %w", i, err)
		}
		if id.MAC != "" {
			seen[id.MAC] = true
		}
		out = append(out, id)
	}

	if s.registry == nil {
		return out, nil
	}
	records, err := s.registry.List(ctx)
	if err != nil {
		return out, err
	}
	for _, rec := range records {
		if seen[rec.MAC] {
			continue
		}
		family, err := device.ParseFamily(rec.Family)
		if err != nil {
			log.Warn().Err(err).Str("device", rec.MAC).Msg("Skipping stored device")
			continue
		}
		out = append(out, device.Identity{
			MAC:     rec.MAC,
			Name:    rec.Name,
			Address: rec.Address,
			Token:   rec.Token,
			Model:   rec.Model,
			Family:  family,
		})
	}
	return out, nil
}

// registerWithRetry keeps trying until the device registers, turns out to be
// the wrong model, or ctx ends. first runs after the first attempt.
func (s *DeviceService) registerWithRetry(ctx context.Context, id device.Identity, first func()) {
	var once sync.Once
	defer once.Do(first)

	cfg := s.opts.SlowRetry
	cfg.Name = "register:" + id.Address
	err := resilience.NewSlowRetry(cfg).Execute(ctx, func(ctx context.Context) error {
		defer once.Do(first)
		err := s.register(ctx, id)
		if errors.Is(err, device.ErrWrongModel) || errors.Is(err, device.ErrAlreadyRegistered) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("address", id.Address).Str("device", id.MAC).Msg("Giving up on device")
	}
}

// register resolves a missing MAC, starts the session and remembers the device.
func (s *DeviceService) register(ctx context.Context, id device.Identity) error {
	if id.MAC == "" {
		mac, err := s.resolveMAC(ctx, id)
		if err != nil {
			return err
		}
		id.MAC = mac
	}

	session, err := s.Manager.Register(ctx, id)
	if err != nil {
		return err
	}

	if s.registry != nil {
		final := session.Identity()
		if err := s.registry.Upsert(ctx, storage.DeviceRecord{
			MAC:     final.MAC,
			Name:    final.Name,
			Address: final.Address,
			Token:   final.Token,
			Family:  string(final.Family),
			Model:   final.Model,
		}); err != nil {
			log.Warn().Err(err).Str("device", final.MAC).Msg("Failed to remember device")
		}
	}
	log.Info().Str("device", session.MAC()).Str("address", id.Address).Str("family", string(id.Family)).Msg("Device registered")
	return nil
}

// resolveMAC asks the device at id.Address for its MAC.
func (s *DeviceService) resolveMAC(ctx context.Context, id device.Identity) (string, error) {
	tc := transport.NewClient(id.Address, id.Token, s.opts.Transport)
	defer tc.Close()

	info, err := resilience.Do(ctx, resilience.NewRetry(s.opts.Retry, nil), func(ctx context.Context) (dingz.Info, error) {
		return dingz.NewClient(tc).Info(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("resolve mac of %s: %w", id.Address, err)
	}
	mac := device.NormalizeMAC(info.MAC)
	if mac == "" {
		return "", resilience.Permanent(fmt.Errorf("device at %s reported no mac", id.Address))
	}
	return mac, nil
}

// Known implements discovery.Registrar.
func (s *DeviceService) Known(mac string) bool {
	return s.Manager.Known(mac)
}

// Register implements discovery.Registrar for announced devices.
func (s *DeviceService) Register(ctx context.Context, a discovery.Announcement) error {
	family, ok := device.FamilyForType(a.Type)
	if !ok {
		return fmt.Errorf("%w: product code %d", device.ErrWrongModel, int(a.Type))
	}
	return s.register(ctx, device.Identity{
		MAC:     a.MAC,
		Address: a.Address,
		Token:   s.cfg.Discovery.DefaultToken,
		Family:  family,
	})
}

// Shutdown stops every session after pending registrations have ended.
// ctx must already be cancelled for the wait to be bounded.
func (s *DeviceService) Shutdown() {
	s.wg.Wait()
	s.Manager.Shutdown()
}
