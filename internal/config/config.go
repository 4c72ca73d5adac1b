package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig         `yaml:"log"`
	Database        DatabaseConfig    `yaml:"database"`
	Devices         []DeviceConfig    `yaml:"devices"`
	Polling         PollingConfig     `yaml:"polling"`
	Motion          MotionConfig      `yaml:"motion"`
	Transport       TransportConfig   `yaml:"transport"`
	Resilience      ResilienceConfig  `yaml:"resilience"`
	Reconciler      ReconcilerConfig  `yaml:"reconciler"`
	Callback        CallbackConfig    `yaml:"callback"`
	Discovery       DiscoveryConfig   `yaml:"discovery"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	API             APIConfig         `yaml:"api"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	Script          string            `yaml:"script"`           // Optional Lua hook script
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DeviceConfig is a statically configured device.
type DeviceConfig struct {
	Name    string `yaml:"name"`
	MAC     string `yaml:"mac"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Family  string `yaml:"family"` // dingz, switch, bulb
}

// PollingConfig holds the per-resource poll cadences.
type PollingConfig struct {
	Outputs Duration `yaml:"outputs"`
	Cover   Duration `yaml:"cover"`
	Motion  Duration `yaml:"motion"`
	LED     Duration `yaml:"led"`
	Sensors Duration `yaml:"sensors"`
}

// MotionConfig selects how motion updates are delivered.
type MotionConfig struct {
	Mode string `yaml:"mode"` // poll or push
}

// Push reports whether motion is delivered by device callbacks.
func (c MotionConfig) Push() bool {
	return strings.EqualFold(c.Mode, "push")
}

// TransportConfig contains device HTTP settings
type TransportConfig struct {
	Timeout      Duration `yaml:"timeout"`        // Fixed per-request timeout
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // Per-device request rate
}

// ResilienceConfig contains retry and circuit breaker settings
type ResilienceConfig struct {
	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	SlowRetry SlowRetryConfig `yaml:"slow_retry"`
}

// RetryConfig configures the bounded retry policy
type RetryConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// BreakerConfig configures the circuit breaker
type BreakerConfig struct {
	Threshold int      `yaml:"threshold"` // Consecutive failures before opening
	Cooldown  Duration `yaml:"cooldown"`
}

// SlowRetryConfig configures the unbounded reconciliation retry
type SlowRetryConfig struct {
	Floor   Duration `yaml:"floor"`
	Ceiling Duration `yaml:"ceiling"`
}

// ReconcilerConfig contains reconciler settings
type ReconcilerConfig struct {
	Interval Duration `yaml:"interval"`
}

// CallbackConfig configures the push listener that devices call back into
type CallbackConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	PublicAddress string `yaml:"public_address"` // Address devices should use to reach us
	Register      bool   `yaml:"register"`       // Write the callback URL to devices on startup
}

// DiscoveryConfig configures UDP device discovery
type DiscoveryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Port         int    `yaml:"port"`
	AutoRegister bool   `yaml:"auto_register"`
	DefaultToken string `yaml:"default_token"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Broker      string   `yaml:"broker"` // tcp://host:1883
	ClientID    string   `yaml:"client_id"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	TopicPrefix string   `yaml:"topic_prefix"`
	QoS         int      `yaml:"qos"`
	MaxBackoff  Duration `yaml:"max_backoff"`
}

// APIConfig contains capability API server settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// Retention returns the retention window as a duration
func (c LedgerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration bytes, expanding environment variables and applying defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./dingzd.sqlite"
	}

	// Poll cadences
	if cfg.Polling.Outputs == 0 {
		cfg.Polling.Outputs = Duration(5 * time.Second)
	}
	if cfg.Polling.Cover == 0 {
		cfg.Polling.Cover = Duration(7 * time.Second)
	}
	if cfg.Polling.Motion == 0 {
		cfg.Polling.Motion = Duration(2 * time.Second)
	}
	if cfg.Polling.LED == 0 {
		cfg.Polling.LED = Duration(10 * time.Second)
	}
	if cfg.Polling.Sensors == 0 {
		cfg.Polling.Sensors = Duration(30 * time.Second)
	}
	if cfg.Motion.Mode == "" {
		cfg.Motion.Mode = "poll"
	}

	// Transport defaults
	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = Duration(5 * time.Second)
	}
	if cfg.Transport.RateLimitRPS == 0 {
		cfg.Transport.RateLimitRPS = 10.0
	}

	// Resilience defaults
	if cfg.Resilience.Retry.BaseDelay == 0 {
		cfg.Resilience.Retry.BaseDelay = Duration(100 * time.Millisecond)
	}
	if cfg.Resilience.Retry.MaxDelay == 0 {
		cfg.Resilience.Retry.MaxDelay = Duration(2 * time.Second)
	}
	if cfg.Resilience.Retry.MaxAttempts == 0 {
		cfg.Resilience.Retry.MaxAttempts = 5
	}
	if cfg.Resilience.Breaker.Threshold == 0 {
		cfg.Resilience.Breaker.Threshold = 5
	}
	if cfg.Resilience.Breaker.Cooldown == 0 {
		cfg.Resilience.Breaker.Cooldown = Duration(10 * time.Second)
	}
	if cfg.Resilience.SlowRetry.Floor == 0 {
		cfg.Resilience.SlowRetry.Floor = Duration(time.Minute)
	}
	if cfg.Resilience.SlowRetry.Ceiling == 0 {
		cfg.Resilience.SlowRetry.Ceiling = Duration(6 * time.Hour)
	}

	// Reconciler defaults
	if cfg.Reconciler.Interval == 0 {
		cfg.Reconciler.Interval = Duration(24 * time.Hour)
	}

	// Callback listener defaults
	if cfg.Callback.Host == "" {
		cfg.Callback.Host = "0.0.0.0"
	}
	if cfg.Callback.Port == 0 {
		cfg.Callback.Port = 18081
	}

	// Discovery defaults
	if cfg.Discovery.Port == 0 {
		cfg.Discovery.Port = 7979
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "dingzd"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "dingzd"
	}
	if cfg.MQTT.MaxBackoff == 0 {
		cfg.MQTT.MaxBackoff = Duration(2 * time.Minute)
	}

	// API defaults
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 7
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	for i := range cfg.Devices {
		if cfg.Devices[i].Family == "" {
			cfg.Devices[i].Family = "dingz"
		}
		cfg.Devices[i].MAC = strings.ToUpper(strings.ReplaceAll(cfg.Devices[i].MAC, ":", ""))
	}
}

func (cfg *Config) validate() error {
	switch strings.ToLower(cfg.Motion.Mode) {
	case "poll", "push":
	default:
		return fmt.Errorf("motion.mode must be poll or push, got %q", cfg.Motion.Mode)
	}
	if cfg.Motion.Push() && !cfg.Callback.Enabled {
		return fmt.Errorf("motion.mode push requires callback.enabled")
	}

	seen := make(map[string]bool, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if d.Address == "" {
			return fmt.Errorf("devices[%d]: address is required", i)
		}
		switch d.Family {
		case "dingz", "switch", "bulb":
		default:
			return fmt.Errorf("devices[%d]: unknown family %q", i, d.Family)
		}
		if d.MAC != "" {
			if seen[d.MAC] {
				return fmt.Errorf("devices[%d]: duplicate mac %s", i, d.MAC)
			}
			seen[d.MAC] = true
		}
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
