package device

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/dingz"
	"github.com/dokzlo13/dingzd/internal/eventbus"
	"github.com/dokzlo13/dingzd/internal/mystrom"
	"github.com/dokzlo13/dingzd/internal/resilience"
)

// Poller ids that are not channel ids.
const (
	pollerOutputs = "outputs"
	pollerSensors = "sensors"
)

// Poller is a running periodic fetch bound to one id and one cadence.
type Poller struct {
	id       string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func startPoller(parent context.Context, device, id string, interval time.Duration, tick func(ctx context.Context) error) *Poller {
	ctx, cancel := context.WithCancel(parent)
	p := &Poller{id: id, interval: interval, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := tick(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("device", device).Str("poller", id).Msg("Poll failed, skipping tick")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return p
}

// ID returns the poller id.
func (p *Poller) ID() string { return p.id }

// Interval returns the poll cadence.
func (p *Poller) Interval() time.Duration { return p.interval }

// Stop cancels the poller and waits until its goroutine has exited.
func (p *Poller) Stop() {
	p.cancel()
	<-p.done
}

// guarded runs op through the session's breaker and retry policy.
func (s *Session) guarded(ctx context.Context, op func(ctx context.Context) error) error {
	return s.exec.Execute(ctx, op)
}

// locked runs op through the policy, holding the device lock per attempt.
func (s *Session) locked(ctx context.Context, op func(ctx context.Context) error) error {
	return s.exec.Execute(ctx, func(ctx context.Context) error {
		return s.locks.WithLock(ctx, s.mac, op)
	})
}

// pollOutputs fetches /state once and demultiplexes it into every dimmer.
// Output channels always publish.
func (s *Session) pollOutputs(ctx context.Context) error {
	var st dingz.State
	err := s.locked(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.dingz.State(ctx)
		return err
	})
	if err != nil {
		return err
	}

	for _, ch := range s.channelsOfKind(KindDimmer) {
		d, ok := st.Dimmer(ch.Source)
		if !ok {
			continue
		}
		power := st.Power(ch.Source)
		if _, exists := s.update(ch.ID, func(cs *ChannelState) {
			cs.On = d.On
			cs.Brightness = d.Value
			cs.Power = power
		}); exists {
			s.publishState(ch.ID)
		}
	}
	return nil
}

// pollCover fetches one blind and derives its moving direction.
func (s *Session) pollCover(ch Channel) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var sh dingz.Shade
		err := s.locked(ctx, func(ctx context.Context) error {
			var err error
			sh, err = s.dingz.Shade(ctx, ch.Source)
			return err
		})
		if err != nil {
			return err
		}

		if _, exists := s.update(ch.ID, func(cs *ChannelState) {
			cs.Target = sh.Target
			cs.Current = sh.Current
			cs.Direction = sh.Direction()
		}); exists {
			s.publishState(ch.ID)
		}
		return nil
	}
}

// pollMotion publishes only when the motion flag changed.
func (s *Session) pollMotion(ctx context.Context) error {
	var motion bool
	err := s.locked(ctx, func(ctx context.Context) error {
		var err error
		motion, err = s.dingz.Motion(ctx)
		return err
	})
	if err != nil {
		return err
	}
	s.setMotion(motion)
	return nil
}

// setMotion stores a motion reading from a poll or a push.
func (s *Session) setMotion(motion bool) {
	if changed, _ := s.update(ChannelMotion, func(cs *ChannelState) { cs.Motion = motion }); changed {
		s.publishState(ChannelMotion)
	}
}

// pollLED normalizes the reported color to HSV and always publishes.
func (s *Session) pollLED(ctx context.Context) error {
	var led dingz.LEDState
	err := s.guarded(ctx, func(ctx context.Context) error {
		var err error
		led, err = s.dingz.LED(ctx)
		return err
	})
	if err != nil {
		return err
	}

	hsv, err := led.Color()
	if err != nil {
		return err
	}
	if _, exists := s.update(ChannelLED, func(cs *ChannelState) {
		cs.On = led.On
		cs.Color = hsv
	}); exists {
		s.publishState(ChannelLED)
	}
	return nil
}

// pollSensors reads temperature and light level, publishing each on change.
func (s *Session) pollSensors(ctx context.Context) error {
	var (
		temp  float64
		light dingz.Light
	)
	err := s.guarded(ctx, func(ctx context.Context) error {
		var err error
		if temp, err = s.dingz.Temperature(ctx); err != nil {
			return err
		}
		light, err = s.dingz.Light(ctx)
		return err
	})
	if err != nil {
		return err
	}

	if changed, _ := s.update(ChannelTemperature, func(cs *ChannelState) { cs.Temperature = temp }); changed {
		s.publishState(ChannelTemperature)
	}
	if changed, _ := s.update(ChannelLight, func(cs *ChannelState) {
		cs.Light = light.Intensity
		cs.LightState = light.State
	}); changed {
		s.publishState(ChannelLight)
	}
	return nil
}

// pollReport reads a myStrom switch. The relay always publishes,
// the temperature only on change.
func (s *Session) pollReport(ctx context.Context) error {
	rep, err := resilience.Do(ctx, s.exec, s.mystrom.Report)
	if err != nil {
		return err
	}

	if _, exists := s.update(ChannelRelay, func(cs *ChannelState) {
		cs.On = rep.Relay
		cs.Power = rep.Power
	}); exists {
		s.publishState(ChannelRelay)
	}
	if changed, _ := s.update(ChannelTemperature, func(cs *ChannelState) { cs.Temperature = rep.Temperature }); changed {
		s.publishState(ChannelTemperature)
	}
	return nil
}

type bulbReading struct {
	mac  string
	bulb mystrom.Bulb
}

// pollBulb reads a myStrom bulb and always publishes.
func (s *Session) pollBulb(ctx context.Context) error {
	r, err := resilience.Do(ctx, s.exec, func(ctx context.Context) (bulbReading, error) {
		mac, b, err := s.mystrom.Bulb(ctx)
		return bulbReading{mac: mac, bulb: b}, err
	})
	if err != nil {
		return err
	}
	if r.mac != "" {
		s.setBulbMAC(r.mac)
	}

	hsv, err := r.bulb.HSV()
	if err != nil {
		return err
	}
	if _, exists := s.update(ChannelBulb, func(cs *ChannelState) {
		cs.On = r.bulb.On
		cs.Color = hsv
		cs.Power = r.bulb.Power
	}); exists {
		s.publishState(ChannelBulb)
	}
	return nil
}

func (s *Session) publishState(channelID string) {
	s.bus.Publish(eventbus.StateUpdated{DeviceID: s.mac, ChannelID: channelID})
}
