package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/devlock"
	"github.com/dokzlo13/dingzd/internal/dingz"
	"github.com/dokzlo13/dingzd/internal/eventbus"
	"github.com/dokzlo13/dingzd/internal/ledger"
	"github.com/dokzlo13/dingzd/internal/mystrom"
	"github.com/dokzlo13/dingzd/internal/resilience"
	"github.com/dokzlo13/dingzd/internal/topology"
	"github.com/dokzlo13/dingzd/internal/transport"
)

// PollIntervals holds the per-resource cadences.
type PollIntervals struct {
	Outputs time.Duration
	Cover   time.Duration
	Motion  time.Duration
	LED     time.Duration
	Sensors time.Duration
}

// DefaultPollIntervals returns the built-in cadences.
func DefaultPollIntervals() PollIntervals {
	return PollIntervals{
		Outputs: 5 * time.Second,
		Cover:   7 * time.Second,
		Motion:  2 * time.Second,
		LED:     10 * time.Second,
		Sensors: 30 * time.Second,
	}
}

// Options configures every session created by a Manager.
type Options struct {
	Polling           PollIntervals
	MotionPush        bool // Motion arrives via callbacks; the motion poller is not started
	Transport         transport.Options
	Retry             resilience.RetryConfig
	Breaker           resilience.BreakerConfig
	SlowRetry         resilience.SlowRetryConfig
	ReconcileInterval time.Duration
	CallbackURL       string // Expected generic action URL; empty disables registration
}

// DefaultOptions returns options with all built-in defaults.
func DefaultOptions() Options {
	return Options{
		Polling:           DefaultPollIntervals(),
		Retry:             resilience.DefaultRetryConfig(),
		Breaker:           resilience.DefaultBreakerConfig(),
		SlowRetry:         resilience.DefaultSlowRetryConfig(),
		ReconcileInterval: 24 * time.Hour,
	}
}

// SnapshotStore persists hardware snapshots keyed by MAC.
type SnapshotStore interface {
	Get(ctx context.Context, id string) (topology.Snapshot, int64, error)
	Set(ctx context.Context, id string, v topology.Snapshot) error
	Delete(ctx context.Context, id string) error
}

// Recorder appends lifecycle outcomes to an audit history.
type Recorder interface {
	Append(ctx context.Context, eventType ledger.EventType, device string, payload map[string]any) (string, error)
}

type nopSnapshots struct{}

func (nopSnapshots) Get(context.Context, string) (topology.Snapshot, int64, error) {
	return topology.Snapshot{}, 0, nil
}
func (nopSnapshots) Set(context.Context, string, topology.Snapshot) error { return nil }
func (nopSnapshots) Delete(context.Context, string) error { return nil }

type nopRecorder struct{}

func (nopRecorder) Append(context.Context, ledger.EventType, string, map[string]any) (string, error) {
	return "", nil
}

// Session is the actor owning one device: its transport, live state, circuit
// breaker, topology and the handles of every periodic task it runs.
type Session struct {
	mac    string
	family Family
	opts   Options

	bus       *eventbus.Bus
	locks     *devlock.Locks
	snapshots SnapshotStore
	recorder  Recorder

	http    *transport.Client
	dingz   *dingz.Client
	mystrom *mystrom.Client

	breaker *resilience.Breaker
	exec    resilience.Executor // breaker(retry(call)) for polls and commands
	startup resilience.Executor // bounded retry for registration
	slow    *resilience.SlowRetry

	mu       sync.RWMutex
	resolver *topology.Resolver
	identity Identity
	bulbMAC  string
	channels []Channel
	state    map[string]ChannelState
	pollers  map[string]*Poller
	running  bool

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	reconcileCh chan string
	subs        []eventbus.Subscription
}

func newSession(id Identity, opts Options, bus *eventbus.Bus, locks *devlock.Locks, snapshots SnapshotStore, recorder Recorder) *Session {
	if snapshots == nil {
		snapshots = nopSnapshots{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	id.MAC = NormalizeMAC(id.MAC)

	tc := transport.NewClient(id.Address, id.Token, opts.Transport)

	bcfg := opts.Breaker
	bcfg.Name = id.MAC
	breaker := resilience.NewBreakerRetry(bcfg, opts.Retry)

	scfg := opts.SlowRetry
	scfg.Name = "reconcile " + id.MAC

	return &Session{
		mac:         id.MAC,
		family:      id.Family,
		opts:        opts,
		bus:         bus,
		locks:       locks,
		snapshots:   snapshots,
		recorder:    recorder,
		http:        tc,
		dingz:       dingz.NewClient(tc),
		mystrom:     mystrom.NewClient(tc),
		breaker:     breaker,
		exec:        breaker,
		startup:     resilience.NewRetry(opts.Retry, nil),
		slow:        resilience.NewSlowRetry(scfg),
		identity:    id,
		state:       make(map[string]ChannelState),
		pollers:     make(map[string]*Poller),
		reconcileCh: make(chan string, 1),
	}
}

// MAC returns the device's primary key.
func (s *Session) MAC() string { return s.mac }

// Identity returns a copy of the device identity.
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Reachable reports the transport's advisory reachability flag.
func (s *Session) Reachable() bool { return s.http.Reachable() }

// BreakerState reports the circuit breaker state.
func (s *Session) BreakerState() resilience.State { return s.breaker.State() }

// Snapshot returns the active hardware snapshot. Families without a
// configurable topology report a zero snapshot.
func (s *Session) Snapshot() topology.Snapshot {
	r := s.currentResolver()
	if r == nil {
		return topology.Snapshot{}
	}
	return r.Current()
}

func (s *Session) currentResolver() *topology.Resolver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolver
}

// SetAddress points the session at a new network address.
func (s *Session) SetAddress(address string) {
	s.mu.Lock()
	old := s.identity.Address
	s.identity.Address = address
	s.mu.Unlock()

	if old == address {
		return
	}
	s.http.SetAddress(address)
	log.Info().Str("device", s.mac).Str("old", old).Str("new", address).Msg("Device address changed")
}

// Start registers the device and launches its tasks. Registration calls run
// under bounded retry; a wrong model fails immediately.
func (s *Session) Start(ctx context.Context) error {
	snap, err := s.register(ctx)
	if err != nil {
		return err
	}

	if err := s.install(snap); err != nil {
		return err
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.mu.Unlock()

	s.startTasks()

	if s.family == FamilyDingz {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reconcileLoop(s.ctx)
		}()

		if s.opts.CallbackURL != "" {
			if err := s.registerCallback(ctx); err != nil {
				log.Warn().Err(err).Str("device", s.mac).Msg("Failed to register callback URL")
			}
		}
	}

	s.subscribe()

	log.Info().
		Str("device", s.mac).
		Str("family", string(s.family)).
		Str("model", s.Identity().Model).
		Int("channels", len(s.Channels())).
		Msg("Device session started")
	return nil
}

// register validates the unit at the configured address and, for dingz,
// fetches the live hardware snapshot the initial topology is derived from.
// A stored snapshot only carries its version forward and is diffed against
// the live one for the record.
func (s *Session) register(ctx context.Context) (topology.Snapshot, error) {
	info, err := resilience.Do(ctx, s.startup, func(ctx context.Context) (dingz.Info, error) {
		info, err := s.dingz.Info(ctx)
		if err != nil {
			return info, err
		}
		if !s.family.accepts(info.Type) {
			return info, resilience.Permanent(fmt.Errorf("%w: %s expects %s, device reports type %d",
				ErrWrongModel, s.Identity().Address, s.family, info.Type))
		}
		return info, nil
	})
	if err != nil {
		return topology.Snapshot{}, err
	}

	s.mu.Lock()
	s.identity.Model = fmt.Sprintf("%d", info.Type)
	s.mu.Unlock()

	if s.family != FamilyDingz {
		return topology.Snapshot{}, nil
	}

	snap, err := resilience.Do(ctx, s.startup, s.fetchSnapshot)
	if err != nil {
		return topology.Snapshot{}, err
	}

	stored, version, err := s.snapshots.Get(ctx, s.mac)
	if err != nil {
		log.Warn().Err(err).Str("device", s.mac).Msg("Failed to load stored snapshot")
		return snap, nil
	}
	if version == 0 {
		return snap, nil
	}

	snap.Version = stored.Version + 1
	if changes := topology.Diff(stored, snap); !changes.Empty() {
		log.Info().
			Str("device", s.mac).
			Int("old_mode", int(changes.OldMode)).
			Int("new_mode", int(changes.NewMode)).
			Msg("Hardware changed while offline")
		s.record(ledger.EventTopologyChanged, map[string]any{
			"offline":         true,
			"mode_changed":    changes.ModeChanged,
			"old_mode":        int(changes.OldMode),
			"new_mode":        int(changes.NewMode),
			"motion_added":    changes.MotionAdded,
			"motion_removed":  changes.MotionRemoved,
			"dimmer0_added":   changes.Dimmer0Added,
			"dimmer0_removed": changes.Dimmer0Removed,
			"version":         snap.Version,
		})
	}
	return snap, nil
}

// fetchSnapshot reads identity and configuration under the device lock.
func (s *Session) fetchSnapshot(ctx context.Context) (topology.Snapshot, error) {
	return devlock.With(ctx, s.locks, s.mac, func(ctx context.Context) (topology.Snapshot, error) {
		dev, err := s.dingz.Device(ctx)
		if err != nil {
			return topology.Snapshot{}, err
		}
		dimmers, err := s.dingz.DimmerConfig(ctx)
		if err != nil {
			return topology.Snapshot{}, err
		}
		inputs, err := s.dingz.InputConfig(ctx)
		if err != nil {
			return topology.Snapshot{}, err
		}
		return topology.Snapshot{
			Mode:     topology.Mode(dev.DIPConfig),
			HasPIR:   dev.HasPIR,
			Firmware: dev.FWVersion,
			Hardware: dev.HWVersion,
			Outputs:  dimmers.OutputKinds(),
			Inputs:   inputs.Active(),
		}, nil
	})
}

// install derives the channel map for the registered family.
func (s *Session) install(snap topology.Snapshot) error {
	var channels []Channel

	switch s.family {
	case FamilyDingz:
		if !snap.Mode.Valid() {
			return resilience.Permanent(fmt.Errorf("%w: %d", topology.ErrInvalidMode, snap.Mode))
		}
		resolver := topology.NewResolver(snap)
		if err := s.snapshots.Set(context.Background(), s.mac, resolver.Current()); err != nil {
			log.Warn().Err(err).Str("device", s.mac).Msg("Failed to persist snapshot")
		}

		resolved, err := resolver.Channels()
		if err != nil {
			return err
		}
		mode := resolver.Current().Mode
		for _, ch := range resolved {
			channels = append(channels, outputChannel(mode, ch))
		}

		s.mu.Lock()
		s.resolver = resolver
		s.mu.Unlock()
		channels = append(channels,
			auxChannel(ChannelLED, KindLED, 0),
			auxChannel(ChannelTemperature, KindTemperature, 2),
			auxChannel(ChannelLight, KindLight, 3),
		)
		if snap.HasPIR {
			channels = append(channels, auxChannel(ChannelMotion, KindMotion, 1))
		}
	case FamilySwitch:
		channels = []Channel{
			auxChannel(ChannelRelay, KindRelay, 0),
			auxChannel(ChannelTemperature, KindTemperature, 1),
		}
	case FamilyBulb:
		channels = []Channel{auxChannel(ChannelBulb, KindBulb, 0)}
	}

	sortChannels(channels)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = channels
	for _, ch := range channels {
		s.state[ch.ID] = ChannelState{}
	}
	return nil
}

// outputChannel ranks a resolved channel by its position in the full layout
// of mode so re-added channels return to their original slot.
func outputChannel(mode topology.Mode, ch topology.Channel) Channel {
	full, _ := topology.Resolve(topology.Input{Mode: mode})
	for i, c := range full {
		if c.ID == ch.ID {
			return fromTopology(ch, i)
		}
	}
	return fromTopology(ch, len(full))
}

// startTasks launches one poller per channel class.
func (s *Session) startTasks() {
	for _, ch := range s.Channels() {
		s.startPollerFor(ch)
	}
}

// startPollerFor launches the poller serving ch unless it already runs.
func (s *Session) startPollerFor(ch Channel) {
	id, interval, tick := s.pollerFor(ch)
	if tick == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if _, ok := s.pollers[id]; ok {
		return
	}
	s.pollers[id] = startPoller(s.ctx, s.mac, id, interval, tick)
	log.Debug().Str("device", s.mac).Str("poller", id).Dur("interval", interval).Msg("Poller started")
}

func (s *Session) pollerFor(ch Channel) (string, time.Duration, func(ctx context.Context) error) {
	p := s.opts.Polling
	switch ch.Kind {
	case KindDimmer:
		return pollerOutputs, p.Outputs, s.pollOutputs
	case KindCover:
		return ch.ID, p.Cover, s.pollCover(ch)
	case KindMotion:
		if s.opts.MotionPush {
			return "", 0, nil
		}
		return ChannelMotion, p.Motion, s.pollMotion
	case KindLED:
		return ChannelLED, p.LED, s.pollLED
	case KindTemperature:
		if s.family == FamilySwitch {
			return "", 0, nil
		}
		return pollerSensors, p.Sensors, s.pollSensors
	case KindRelay:
		return ChannelRelay, p.Outputs, s.pollReport
	case KindBulb:
		return ChannelBulb, p.LED, s.pollBulb
	}
	return "", 0, nil
}

// Pollers returns the ids of the running pollers.
func (s *Session) Pollers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.pollers))
	for id := range s.pollers {
		ids = append(ids, id)
	}
	return ids
}

// Channels returns a copy of the channel map in display order.
func (s *Session) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Channel(nil), s.channels...)
}

// Channel returns the channel with id.
func (s *Session) Channel(id string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

func (s *Session) channelsOfKind(kind Kind) []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Channel
	for _, ch := range s.channels {
		if ch.Kind == kind {
			out = append(out, ch)
		}
	}
	return out
}

// State returns a copy of a channel's live state.
func (s *Session) State(channelID string) (ChannelState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[channelID]
	return st, ok
}

// update mutates a channel's live state. It reports whether the value changed
// and whether the channel exists; removed channels are never written.
func (s *Session) update(channelID string, fn func(*ChannelState)) (changed, exists bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state[channelID]
	if !ok {
		return false, false
	}
	next := cur
	fn(&next)
	s.state[channelID] = next
	return next != cur, true
}

func (s *Session) setBulbMAC(mac string) {
	s.mu.Lock()
	s.bulbMAC = mac
	s.mu.Unlock()
}

func (s *Session) bulbTarget() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bulbMAC != "" {
		return s.bulbMAC
	}
	return s.mac
}

// AddChannel inserts ch and starts the poller serving it.
func (s *Session) AddChannel(ch Channel) {
	s.mu.Lock()
	for _, existing := range s.channels {
		if existing.ID == ch.ID {
			s.mu.Unlock()
			return
		}
	}
	s.channels = append(s.channels, ch)
	sortChannels(s.channels)
	s.state[ch.ID] = ChannelState{}
	s.mu.Unlock()

	s.startPollerFor(ch)
	log.Info().Str("device", s.mac).Str("channel", ch.ID).Msg("Channel added")
}

// RemoveChannel stops the channel's poller and waits for it to exit before
// the channel and its live state are dropped.
func (s *Session) RemoveChannel(id string) {
	s.mu.Lock()
	var victim *Channel
	for i := range s.channels {
		if s.channels[i].ID == id {
			victim = &s.channels[i]
			break
		}
	}
	if victim == nil {
		s.mu.Unlock()
		return
	}

	pollerID := id
	if victim.Kind == KindDimmer {
		pollerID = ""
		remaining := 0
		for _, ch := range s.channels {
			if ch.Kind == KindDimmer && ch.ID != id {
				remaining++
			}
		}
		if remaining == 0 {
			pollerID = pollerOutputs
		}
	}
	p := s.pollers[pollerID]
	delete(s.pollers, pollerID)
	s.mu.Unlock()

	if p != nil {
		p.Stop()
	}

	s.mu.Lock()
	out := s.channels[:0]
	for _, ch := range s.channels {
		if ch.ID != id {
			out = append(out, ch)
		}
	}
	s.channels = out
	delete(s.state, id)
	s.mu.Unlock()

	log.Info().Str("device", s.mac).Str("channel", id).Msg("Channel removed")
}

// subscribe wires bus events addressed to this device.
func (s *Session) subscribe() {
	subs := []eventbus.Subscription{
		s.bus.Subscribe(eventbus.KindReconfigurationRequested, func(ev eventbus.Event) {
			req, ok := ev.(eventbus.ReconfigurationRequested)
			if !ok || req.DeviceID != s.mac {
				return
			}
			select {
			case s.reconcileCh <- req.Reason:
			default:
			}
		}),
	}
	if s.opts.MotionPush {
		subs = append(subs, s.bus.Subscribe(eventbus.KindMotionPushed, func(ev eventbus.Event) {
			m, ok := ev.(eventbus.MotionPushed)
			if !ok || m.DeviceID != s.mac {
				return
			}
			s.setMotion(m.Motion)
		}))
	}

	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
}

// Shutdown cancels every task the session owns and waits for them to exit.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	pollers := s.pollers
	s.pollers = make(map[string]*Poller)
	subs := s.subs
	s.subs = nil
	cancel := s.cancel
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	cancel()
	for _, p := range pollers {
		p.Stop()
	}
	s.wg.Wait()
	s.http.Close()
	s.locks.Forget(s.mac)

	log.Info().Str("device", s.mac).Msg("Device session stopped")
}
