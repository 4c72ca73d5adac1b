package device

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/color"
	"github.com/dokzlo13/dingzd/internal/dingz"
	"github.com/dokzlo13/dingzd/internal/ledger"
	"github.com/dokzlo13/dingzd/internal/resilience"
)

// Commands write a single value, so they skip the device lock. Live state is
// updated and published before the device confirms the write.

func (s *Session) commandChannel(id string) (Channel, error) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return Channel{}, ErrNotRunning
	}

	ch, ok := s.Channel(id)
	if !ok {
		return Channel{}, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	return ch, nil
}

// SetOn switches a dimmer, relay, bulb or the LED.
func (s *Session) SetOn(ctx context.Context, channelID string, on bool) error {
	ch, err := s.commandChannel(channelID)
	if err != nil {
		return err
	}

	switch ch.Kind {
	case KindDimmer, KindRelay, KindLED, KindBulb:
	default:
		return fmt.Errorf("%w: %s has no on/off", ErrUnsupported, channelID)
	}

	var st ChannelState
	s.update(ch.ID, func(cs *ChannelState) {
		cs.On = on
		st = *cs
	})
	s.publishState(ch.ID)

	return s.guarded(ctx, func(ctx context.Context) error {
		switch ch.Kind {
		case KindDimmer:
			return s.dingz.SetDimmer(ctx, ch.Source, on, nil)
		case KindRelay:
			return s.mystrom.SetRelay(ctx, on)
		case KindLED:
			return s.dingz.SetLED(ctx, on, st.Color)
		default:
			return s.mystrom.SetBulb(ctx, s.bulbTarget(), on, st.Color)
		}
	})
}

// SetBrightness sets a dimmer level in percent. Level 0 switches it off.
func (s *Session) SetBrightness(ctx context.Context, channelID string, level int) error {
	ch, err := s.commandChannel(channelID)
	if err != nil {
		return err
	}
	if ch.Kind != KindDimmer || !ch.Brightness {
		return fmt.Errorf("%w: %s has no brightness", ErrUnsupported, channelID)
	}
	level = clamp(level, 0, 100)

	s.update(ch.ID, func(cs *ChannelState) {
		cs.Brightness = level
		cs.On = level > 0
	})
	s.publishState(ch.ID)

	return s.guarded(ctx, func(ctx context.Context) error {
		if level == 0 {
			return s.dingz.SetDimmer(ctx, ch.Source, false, nil)
		}
		return s.dingz.SetDimmer(ctx, ch.Source, true, &level)
	})
}

// SetHSV sets the color of the LED or a bulb.
func (s *Session) SetHSV(ctx context.Context, channelID string, hsv color.HSV) error {
	ch, err := s.commandChannel(channelID)
	if err != nil {
		return err
	}
	if ch.Kind != KindLED && ch.Kind != KindBulb {
		return fmt.Errorf("%w: %s has no color", ErrUnsupported, channelID)
	}
	hsv = color.HSV{
		Hue:        clamp(hsv.Hue, 0, 359),
		Saturation: clamp(hsv.Saturation, 0, 100),
		Value:      clamp(hsv.Value, 0, 100),
	}

	var on bool
	s.update(ch.ID, func(cs *ChannelState) {
		cs.Color = hsv
		on = cs.On
	})
	s.publishState(ch.ID)

	return s.guarded(ctx, func(ctx context.Context) error {
		if ch.Kind == KindLED {
			return s.dingz.SetLED(ctx, on, hsv)
		}
		return s.mystrom.SetBulb(ctx, s.bulbTarget(), on, hsv)
	})
}

// SetCoverTarget moves a cover to the given blind and lamella percentages.
func (s *Session) SetCoverTarget(ctx context.Context, channelID string, blind, lamella int) error {
	ch, err := s.commandChannel(channelID)
	if err != nil {
		return err
	}
	if ch.Kind != KindCover {
		return fmt.Errorf("%w: %s is not a cover", ErrUnsupported, channelID)
	}
	target := dingz.Position{Blind: clamp(blind, 0, 100), Lamella: clamp(lamella, 0, 100)}

	s.update(ch.ID, func(cs *ChannelState) {
		cs.Target = target
		cs.Direction = dingz.Shade{Target: target, Current: cs.Current}.Direction()
	})
	s.publishState(ch.ID)

	return s.guarded(ctx, func(ctx context.Context) error {
		return s.dingz.SetShade(ctx, ch.Source, target)
	})
}

// Command is a partial channel update as received from the API or MQTT.
// Nil fields are left untouched.
type Command struct {
	On         *bool      `json:"on,omitempty"`
	Brightness *int       `json:"brightness,omitempty"`
	Color      *color.HSV `json:"color,omitempty"`
	Position   *int       `json:"position,omitempty"`
	Tilt       *int       `json:"tilt,omitempty"`
}

// Apply dispatches cmd to the matching setters in a fixed order: color,
// brightness, on/off, cover position.
func (s *Session) Apply(ctx context.Context, channelID string, cmd Command) error {
	if cmd.Color != nil {
		if err := s.SetHSV(ctx, channelID, *cmd.Color); err != nil {
			return err
		}
	}
	if cmd.Brightness != nil {
		if err := s.SetBrightness(ctx, channelID, *cmd.Brightness); err != nil {
			return err
		}
	}
	if cmd.On != nil && (cmd.Brightness == nil || !*cmd.On) {
		if err := s.SetOn(ctx, channelID, *cmd.On); err != nil {
			return err
		}
	}
	if cmd.Position != nil || cmd.Tilt != nil {
		st, _ := s.State(channelID)
		blind, lamella := st.Target.Blind, st.Target.Lamella
		if cmd.Position != nil {
			blind = *cmd.Position
		}
		if cmd.Tilt != nil {
			lamella = *cmd.Tilt
		}
		return s.SetCoverTarget(ctx, channelID, blind, lamella)
	}
	return nil
}

// registerCallback points the device's generic action at our listener,
// writing only when the configured URL differs.
func (s *Session) registerCallback(ctx context.Context) error {
	want := s.opts.CallbackURL

	current, err := resilience.Do(ctx, s.startup, s.dingz.CallbackURL)
	if err != nil {
		return err
	}
	if current == want {
		log.Debug().Str("device", s.mac).Str("url", want).Msg("Callback URL already registered")
		return nil
	}

	if err := s.startup.Execute(ctx, func(ctx context.Context) error {
		return s.dingz.SetCallbackURL(ctx, want)
	}); err != nil {
		return err
	}

	log.Info().Str("device", s.mac).Str("old", current).Str("url", want).Msg("Callback URL registered")
	s.record(ledger.EventCallbackRegistered, map[string]any{"url": want, "previous": current})
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
