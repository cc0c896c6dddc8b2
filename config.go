package agent

import (
	"time"

	"github.com/oathkey/agent/internal/config"
)

// Environment keys for the default configuration.
const (
	envTouchTimeout      = "OATH_AGENT_TOUCH_TIMEOUT"
	envReconnectTimeout  = "OATH_AGENT_RECONNECT_TIMEOUT"
	envCacheEnabled      = "OATH_AGENT_CACHE_ENABLED"
	envCacheSaveInterval = "OATH_AGENT_CACHE_SAVE_INTERVAL"
)

const (
	defaultTouchTimeout      = 15 * time.Second
	defaultReconnectTimeout  = 30 * time.Second
	defaultCacheSaveInterval = 30 * time.Second
)

// EnvConfig reads configuration from the environment on every call, so
// changes take effect the next time a workflow starts a timer.
type EnvConfig struct{}

func (EnvConfig) TouchTimeout() time.Duration {
	return config.Duration(envTouchTimeout, defaultTouchTimeout)
}

func (EnvConfig) ReconnectTimeout() time.Duration {
	return config.Duration(envReconnectTimeout, defaultReconnectTimeout)
}

func (EnvConfig) CacheEnabled() bool {
	return config.Bool(envCacheEnabled, true)
}

func (EnvConfig) CacheSaveInterval() time.Duration {
	return config.Duration(envCacheSaveInterval, defaultCacheSaveInterval)
}
