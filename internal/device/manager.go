package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/devlock"
	"github.com/dokzlo13/dingzd/internal/eventbus"
	"github.com/dokzlo13/dingzd/internal/ledger"
)

// ErrAlreadyRegistered is returned when a MAC already has a running session.
var ErrAlreadyRegistered = errors.New("device already registered")

// ErrNotFound is returned for MACs without a session.
var ErrNotFound = errors.New("device not found")

// RecordStore persists what is remembered about registered devices.
type RecordStore interface {
	UpdateAddress(ctx context.Context, mac, address string) error
	Delete(ctx context.Context, mac string) error
}

// Deps are the shared collaborators handed to every session.
type Deps struct {
	Bus       *eventbus.Bus
	Locks     *devlock.Locks
	Snapshots SnapshotStore
	Recorder  Recorder
	Records   RecordStore
}

// Manager owns the device sessions, keyed by MAC.
type Manager struct {
	opts Options
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
	sub      *eventbus.Subscription
}

// NewManager creates a manager. Missing Bus and Locks are created.
func NewManager(opts Options, deps Deps) *Manager {
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}
	if deps.Locks == nil {
		deps.Locks = devlock.New()
	}
	if deps.Snapshots == nil {
		deps.Snapshots = nopSnapshots{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Manager{opts: opts, deps: deps, sessions: make(map[string]*Session)}
}

// Bus returns the event bus sessions publish on.
func (m *Manager) Bus() *eventbus.Bus { return m.deps.Bus }

// Start subscribes to device-info updates so address changes reach the sessions.
func (m *Manager) Start() {
	sub := m.deps.Bus.Subscribe(eventbus.KindDeviceInfoUpdated, func(ev eventbus.Event) {
		info, ok := ev.(eventbus.DeviceInfoUpdated)
		if !ok {
			return
		}
		m.handleInfo(info)
	})
	m.mu.Lock()
	m.sub = &sub
	m.mu.Unlock()
}

func (m *Manager) handleInfo(info eventbus.DeviceInfoUpdated) {
	s, ok := m.Get(info.DeviceID)
	if !ok || info.Address == "" {
		return
	}
	if s.Identity().Address == info.Address {
		return
	}
	s.SetAddress(info.Address)
	if m.deps.Records != nil {
		if err := m.deps.Records.UpdateAddress(context.Background(), s.MAC(), info.Address); err != nil {
			log.Warn().Err(err).Str("device", s.MAC()).Msg("Failed to persist device address")
		}
	}
}

// Register creates and starts a session for id.
func (m *Manager) Register(ctx context.Context, id Identity) (*Session, error) {
	id.MAC = NormalizeMAC(id.MAC)
	if id.MAC == "" {
		return nil, fmt.Errorf("device at %s: missing MAC", id.Address)
	}
	if id.Family == "" {
		id.Family = FamilyDingz
	}

	m.mu.Lock()
	if _, ok := m.sessions[id.MAC]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, id.MAC)
	}
	s := newSession(id, m.opts, m.deps.Bus, m.deps.Locks, m.deps.Snapshots, m.deps.Recorder)
	m.sessions[id.MAC] = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, id.MAC)
		m.mu.Unlock()
		s.Shutdown()
		return nil, fmt.Errorf("register %s: %w", id.MAC, err)
	}

	if _, err := m.deps.Recorder.Append(ctx, ledger.EventDeviceRegistered, id.MAC, map[string]any{
		"address": id.Address,
		"family":  string(id.Family),
	}); err != nil {
		log.Warn().Err(err).Str("device", id.MAC).Msg("Failed to record registration")
	}
	return s, nil
}

// Deregister shuts the session down before forgetting it, together with its
// stored snapshot and device record.
func (m *Manager) Deregister(mac string) error {
	mac = NormalizeMAC(mac)

	m.mu.Lock()
	s, ok := m.sessions[mac]
	delete(m.sessions, mac)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, mac)
	}
	s.Shutdown()

	ctx := context.Background()
	if err := m.deps.Snapshots.Delete(ctx, mac); err != nil {
		log.Warn().Err(err).Str("device", mac).Msg("Failed to delete stored snapshot")
	}
	if m.deps.Records != nil {
		if err := m.deps.Records.Delete(ctx, mac); err != nil {
			log.Warn().Err(err).Str("device", mac).Msg("Failed to delete device record")
		}
	}

	if _, err := m.deps.Recorder.Append(ctx, ledger.EventDeviceRemoved, mac, nil); err != nil {
		log.Warn().Err(err).Str("device", mac).Msg("Failed to record removal")
	}
	return nil
}

// Get returns the session for mac.
func (m *Manager) Get(mac string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[NormalizeMAC(mac)]
	return s, ok
}

// Known reports whether mac has a session.
func (m *Manager) Known(mac string) bool {
	_, ok := m.Get(mac)
	return ok
}

// ChannelState returns a channel's live state on the device with mac.
func (m *Manager) ChannelState(mac, channelID string) (ChannelState, bool) {
	s, ok := m.Get(mac)
	if !ok {
		return ChannelState{}, false
	}
	return s.State(channelID)
}

// Apply runs cmd against a channel of the device with mac.
func (m *Manager) Apply(ctx context.Context, mac, channelID string, cmd Command) error {
	s, ok := m.Get(mac)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, mac)
	}
	return s.Apply(ctx, channelID, cmd)
}

// List returns all sessions ordered by MAC.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MAC() < out[j].MAC() })
	return out
}

// Shutdown stops every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Shutdown()
		}(s)
	}
	wg.Wait()
}
