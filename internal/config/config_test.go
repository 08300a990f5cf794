package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultsViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := ParseConfig(defaultsViper())
	require.NoError(t, err)

	assert.Equal(t, "localhost:9090", cfg.Server.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Envelope.TTL)
	assert.Equal(t, time.Hour, cfg.Envelope.SweepInterval)
	assert.Equal(t, 50, cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 30*time.Second, cfg.Liveness.ProbeInterval)
	assert.True(t, cfg.Delivery.FanoutAll)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	v := defaultsViper()
	v.Set("ratelimit.max", 0)
	_, err := ParseConfig(v)
	assert.Error(t, err)

	v = defaultsViper()
	v.Set("envelope.ttl", "0s")
	_, err = ParseConfig(v)
	assert.Error(t, err)
}

func TestOverrides(t *testing.T) {
	v := defaultsViper()
	v.Set("envelope.ttl", "1h")
	v.Set("delivery.fanoutall", false)

	cfg, err := ParseConfig(v)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Envelope.TTL)
	assert.False(t, cfg.Delivery.FanoutAll)
}
