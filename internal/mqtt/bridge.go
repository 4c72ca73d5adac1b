package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/device"
	"github.com/dokzlo13/dingzd/internal/eventbus"
)

// queueSize bounds the events waiting for the broker.
const queueSize = 256

// Broker is the subset of Client the bridge uses.
type Broker interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
}

// Devices resolves live state and runs commands.
type Devices interface {
	ChannelState(mac, channelID string) (device.ChannelState, bool)
	Apply(ctx context.Context, mac, channelID string, cmd device.Command) error
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// Bridge subscribes to the event bus and publishes every event to the broker
// from a single worker, so slow brokers never stall a poller.
type Bridge struct {
	broker  Broker
	devices Devices
	topics  Topics

	queue chan message
	sub   eventbus.Subscription
	wg    sync.WaitGroup
}

// NewBridge creates a bridge publishing under prefix.
func NewBridge(broker Broker, devices Devices, prefix string) *Bridge {
	return &Bridge{
		broker:  broker,
		devices: devices,
		topics:  Topics{Prefix: prefix},
		queue:   make(chan message, queueSize),
	}
}

// Start subscribes to the bus and to command topics. It returns once the
// worker is running; the worker exits when ctx is cancelled.
func (b *Bridge) Start(ctx context.Context, bus *eventbus.Bus) error {
	if err := b.broker.Subscribe(b.topics.AllCommands(), func(topic string, payload []byte) error {
		return b.handleCommand(ctx, topic, payload)
	}); err != nil {
		return err
	}

	b.sub = bus.SubscribeAll(b.handleEvent)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx)
	}()
	return nil
}

// Wait blocks until the worker has drained and exited.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) run(ctx context.Context) {
	defer b.sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.queue:
			if err := b.broker.Publish(m.topic, m.payload, m.retained); err != nil {
				log.Warn().Err(err).Str("topic", m.topic).Msg("MQTT publish failed")
			}
		}
	}
}

func (b *Bridge) handleEvent(ev eventbus.Event) {
	m, ok := b.render(ev)
	if !ok {
		return
	}
	select {
	case b.queue <- m:
	default:
		log.Warn().Str("topic", m.topic).Msg("MQTT queue full, dropping message")
	}
}

// render builds the message for an event. StateUpdated reads the current
// live state, so the payload is always the latest value.
func (b *Bridge) render(ev eventbus.Event) (message, bool) {
	switch e := ev.(type) {
	case eventbus.StateUpdated:
		st, ok := b.devices.ChannelState(e.DeviceID, e.ChannelID)
		if !ok {
			return message{}, false
		}
		return b.encode(b.topics.State(e.DeviceID, e.ChannelID), st, true)
	case eventbus.ButtonPressed:
		return b.encode(b.topics.Button(e.DeviceID, e.Button), map[string]any{
			"action":    string(e.Action),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}, false)
	case eventbus.MotionPushed:
		return b.encode(b.topics.Motion(e.DeviceID), map[string]any{
			"motion":    e.Motion,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}, false)
	}
	return message{}, false
}

func (b *Bridge) encode(topic string, v any, retained bool) (message, bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to encode MQTT payload")
		return message{}, false
	}
	return message{topic: topic, payload: payload, retained: retained}, true
}

func (b *Bridge) handleCommand(ctx context.Context, topic string, payload []byte) error {
	mac, channel, ok := b.topics.ParseCommand(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	var cmd device.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	log.Debug().Str("device", mac).Str("channel", channel).Msg("MQTT command received")
	return b.devices.Apply(ctx, mac, channel, cmd)
}
