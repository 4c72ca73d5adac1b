package app

import (
	"fmt"
	"net"
	"strconv"

	"github.com/dokzlo13/dingzd/internal/config"
	"github.com/dokzlo13/dingzd/internal/device"
	"github.com/dokzlo13/dingzd/internal/mqtt"
	"github.com/dokzlo13/dingzd/internal/resilience"
	"github.com/dokzlo13/dingzd/internal/transport"
	"github.com/dokzlo13/dingzd/internal/webhook"
)

// deviceOptions maps configuration onto the options every session runs with.
func deviceOptions(cfg *config.Config) device.Options {
	return device.Options{
		Polling: device.PollIntervals{
			Outputs: cfg.Polling.Outputs.Duration(),
			Cover:   cfg.Polling.Cover.Duration(),
			Motion:  cfg.Polling.Motion.Duration(),
			LED:     cfg.Polling.LED.Duration(),
			Sensors: cfg.Polling.Sensors.Duration(),
		},
		MotionPush: cfg.Motion.Push(),
		Transport: transport.Options{
			Timeout:      cfg.Transport.Timeout.Duration(),
			RateLimitRPS: cfg.Transport.RateLimitRPS,
		},
		Retry: resilience.RetryConfig{
			BaseDelay:   cfg.Resilience.Retry.BaseDelay.Duration(),
			MaxDelay:    cfg.Resilience.Retry.MaxDelay.Duration(),
			MaxAttempts: cfg.Resilience.Retry.MaxAttempts,
		},
		Breaker: resilience.BreakerConfig{
			Threshold: cfg.Resilience.Breaker.Threshold,
			Cooldown:  cfg.Resilience.Breaker.Cooldown.Duration(),
		},
		SlowRetry: resilience.SlowRetryConfig{
			Floor:   cfg.Resilience.SlowRetry.Floor.Duration(),
			Ceiling: cfg.Resilience.SlowRetry.Ceiling.Duration(),
			Jitter:  resilience.DefaultSlowRetryConfig().Jitter,
		},
		ReconcileInterval: cfg.Reconciler.Interval.Duration(),
		CallbackURL:       callbackURL(cfg),
	}
}

// callbackURL is the generic action URL devices are pointed at, or empty
// when callback registration is off.
func callbackURL(cfg *config.Config) string {
	if !cfg.Callback.Enabled || !cfg.Callback.Register {
		return ""
	}
	host := cfg.Callback.PublicAddress
	if host == "" {
		host = cfg.Callback.Host
	}
	return fmt.Sprintf("post://%s%s", net.JoinHostPort(host, strconv.Itoa(cfg.Callback.Port)), webhook.ButtonPath)
}

// identityFromConfig builds a device identity from a static device entry.
func identityFromConfig(d config.DeviceConfig) (device.Identity, error) {
	family, err := device.ParseFamily(d.Family)
	if err != nil {
		return device.Identity{}, err
	}
	return device.Identity{
		MAC:     device.NormalizeMAC(d.MAC),
		Name:    d.Name,
		Address: d.Address,
		Token:   d.Token,
		Family:  family,
	}, nil
}

func mqttConfig(cfg *config.Config) mqtt.Config {
	qos := cfg.MQTT.QoS
	if qos < 0 {
		qos = 0
	}
	return mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         byte(qos),
		MaxBackoff:  cfg.MQTT.MaxBackoff.Duration(),
	}
}
