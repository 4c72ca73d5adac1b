package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/ledger"
	"github.com/dokzlo13/dingzd/internal/resilience"
	"github.com/dokzlo13/dingzd/internal/topology"
)

// reconcileLoop runs a reconciliation immediately, then on every interval
// tick and whenever a reconfiguration is requested for this device.
func (s *Session) reconcileLoop(ctx context.Context) {
	interval := s.opts.ReconcileInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Reconcile(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile(ctx, "interval")
		case reason := <-s.reconcileCh:
			s.Reconcile(ctx, reason)
		}
	}
}

// Reconcile runs one reconciliation under the slow retry policy. Transient
// failures are retried with a long backoff; a mode change ends the cycle.
func (s *Session) Reconcile(ctx context.Context, reason string) error {
	log.Debug().Str("device", s.mac).Str("reason", reason).Msg("Reconciliation started")

	err := s.slow.Execute(ctx, s.reconcileOnce)
	switch {
	case err == nil:
		log.Debug().Str("device", s.mac).Msg("Reconciliation completed")
	case errors.Is(err, topology.ErrModeChangeUnsupported):
		log.Error().Err(err).Str("device", s.mac).Msg("Hardware mode changed; re-register the device to apply the new layout")
	case ctx.Err() != nil:
	default:
		log.Error().Err(err).Str("device", s.mac).Msg("Reconciliation failed")
		s.record(ledger.EventReconcileFailed, map[string]any{"error": err.Error(), "reason": reason})
	}
	return err
}

// reconcileOnce fetches the current configuration, replaces the snapshot and
// applies the topology diff. The snapshot advances even when a step fails.
func (s *Session) reconcileOnce(ctx context.Context) error {
	next, err := resilience.Do(ctx, s.exec, s.fetchSnapshot)
	if err != nil {
		return err
	}

	resolver := s.currentResolver()
	prev := resolver.Replace(next)
	current := resolver.Current()
	if err := s.snapshots.Set(ctx, s.mac, current); err != nil {
		log.Warn().Err(err).Str("device", s.mac).Msg("Failed to persist snapshot")
	}

	changes := topology.Diff(prev, current)
	if changes.Empty() {
		s.record(ledger.EventReconcileCompleted, map[string]any{"version": current.Version})
		return nil
	}

	if changes.MotionAdded {
		s.AddChannel(auxChannel(ChannelMotion, KindMotion, 1))
	}
	if changes.MotionRemoved {
		s.RemoveChannel(ChannelMotion)
	}

	if changes.Dimmer0Added {
		if err := s.addDimmer0(); err != nil {
			log.Warn().Err(err).Str("device", s.mac).Msg("Failed to restore dimmer 0")
		}
	}
	if changes.Dimmer0Removed {
		s.RemoveChannel(topology.DimmerID(0))
	}

	if changes.ModeChanged {
		s.record(ledger.EventModeChangeUnsupported, map[string]any{
			"old_mode": int(changes.OldMode),
			"new_mode": int(changes.NewMode),
			"version":  current.Version,
		})
		return resilience.Permanent(fmt.Errorf("%w: %d -> %d",
			topology.ErrModeChangeUnsupported, changes.OldMode, changes.NewMode))
	}

	s.record(ledger.EventTopologyChanged, map[string]any{
		"motion_added":    changes.MotionAdded,
		"motion_removed":  changes.MotionRemoved,
		"dimmer0_added":   changes.Dimmer0Added,
		"dimmer0_removed": changes.Dimmer0Removed,
		"version":         current.Version,
	})
	return nil
}

func (s *Session) addDimmer0() error {
	resolver := s.currentResolver()
	resolved, err := resolver.Channels()
	if err != nil {
		return err
	}
	mode := resolver.Current().Mode
	ch, ok := topology.Find(resolved, topology.DimmerID(0))
	if !ok {
		return fmt.Errorf("dimmer 0 not present in mode %d", mode)
	}
	s.AddChannel(outputChannel(mode, ch))
	return nil
}

func (s *Session) record(eventType ledger.EventType, payload map[string]any) {
	if _, err := s.recorder.Append(context.Background(), eventType, s.mac, payload); err != nil {
		log.Warn().Err(err).Str("device", s.mac).Str("event", string(eventType)).Msg("Failed to record ledger event")
	}
}
