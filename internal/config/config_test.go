package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
devices:
  - address: 192.168.1.20
    mac: "aa:bb:cc:dd:ee:ff"
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Transport.Timeout.Duration())
	assert.Equal(t, 5, cfg.Resilience.Breaker.Threshold)
	assert.Equal(t, 10*time.Second, cfg.Resilience.Breaker.Cooldown.Duration())
	assert.Equal(t, 24*time.Hour, cfg.Reconciler.Interval.Duration())
	assert.Equal(t, 2*time.Second, cfg.Polling.Motion.Duration())
	assert.Equal(t, "poll", cfg.Motion.Mode)

	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "dingz", cfg.Devices[0].Family)
	assert.Equal(t, "AABBCCDDEEFF", cfg.Devices[0].MAC)
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("DINGZ_TOKEN", "secret")

	cfg, err := Parse([]byte(`
devices:
  - address: 10.0.0.2
    token: ${DINGZ_TOKEN}
  - address: ${DINGZ_SECOND:10.0.0.3}
    family: switch
`))
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Devices[0].Token)
	assert.Equal(t, "10.0.0.3", cfg.Devices[1].Address)
}

func TestParse_Durations(t *testing.T) {
	cfg, err := Parse([]byte(`
polling:
  outputs: 2500ms
resilience:
  breaker:
    threshold: 3
    cooldown: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, cfg.Polling.Outputs.Duration())
	assert.Equal(t, 3, cfg.Resilience.Breaker.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Resilience.Breaker.Cooldown.Duration())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad motion mode", "motion:\n  mode: sometimes\n"},
		{"push without callback", "motion:\n  mode: push\n"},
		{"missing address", "devices:\n  - mac: AABBCCDDEEFF\n"},
		{"unknown family", "devices:\n  - address: 1.2.3.4\n    family: toaster\n"},
		{"duplicate mac", "devices:\n  - address: 1.2.3.4\n    mac: AA\n  - address: 1.2.3.5\n    mac: aa\n"},
		{"bad duration", "polling:\n  led: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
