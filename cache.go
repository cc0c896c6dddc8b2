package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CredentialCache answers offline credential lookups from the persisted
// credential shapes and rate-limits cache writes per device.
type CredentialCache struct {
	manager *DeviceSessionManager
	store   Store
	config  Config

	mu       sync.Mutex
	lastSave map[string]time.Time
	now      func() time.Time
}

// NewCredentialCache builds a cache over the manager's live view and the
// persistent store.
func NewCredentialCache(manager *DeviceSessionManager, store Store, config Config) *CredentialCache {
	return &CredentialCache{
		manager:  manager,
		store:    store,
		config:   config,
		lastSave: make(map[string]time.Time),
		now:      time.Now,
	}
}

// FindCachedCredentialDevice returns the id of an offline device whose cached
// credentials contain name. With a hint only that device is checked, and only
// when it is not currently connected: an online device's live list is
// authoritative, never the cache. Without a hint every known offline device
// is scanned in device-id order, returning the first match. A disabled cache
// always reports not found.
func (c *CredentialCache) FindCachedCredentialDevice(name, deviceIDHint string) (string, bool) {
	if !c.config.CacheEnabled() {
		return "", false
	}

	if deviceIDHint != "" {
		if c.manager.GetDevice(deviceIDHint) != nil {
			return "", false
		}
		if c.deviceHasCredential(deviceIDHint, name) {
			log.Debug().
				Str("device_id", deviceIDHint).
				Str("credential", name).
				Msg("cached credential found on hinted device")
			return deviceIDHint, true
		}
		return "", false
	}

	records, err := c.store.Devices()
	if err != nil {
		log.Warn().Err(err).Msg("cache: list devices failed")
		return "", false
	}
	sort.Slice(records, func(i, j int) bool { return records[i].DeviceID < records[j].DeviceID })

	for _, rec := range records {
		if c.manager.GetDevice(rec.DeviceID) != nil {
			continue
		}
		if c.deviceHasCredential(rec.DeviceID, name) {
			log.Debug().
				Str("device_id", rec.DeviceID).
				Str("credential", name).
				Msg("cached credential found on offline device")
			return rec.DeviceID, true
		}
	}
	return "", false
}

func (c *CredentialCache) deviceHasCredential(deviceID, name string) bool {
	creds, err := c.store.Credentials(deviceID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("cache: load credentials failed")
		return false
	}
	for _, cred := range creds {
		if cred.Name == name {
			return true
		}
	}
	return false
}

// shouldSaveCredentials enforces the per-device minimum interval between
// persistence writes. The caller still emits the normal credentials-updated
// notification when the write is skipped.
func (c *CredentialCache) shouldSaveCredentials(deviceID string) bool {
	interval := c.config.CacheSaveInterval()

	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastSave[deviceID]; ok {
		since := c.now().Sub(last)
		if since < interval {
			log.Debug().
				Str("device_id", deviceID).
				Dur("since_last_save", since).
				Dur("interval", interval).
				Msg("credential save rate-limited")
			return false
		}
	}
	return true
}

func (c *CredentialCache) markSaved(deviceID string) {
	c.mu.Lock()
	c.lastSave[deviceID] = c.now()
	c.mu.Unlock()
}

// HandleConfigChanged reacts to configuration reloads: disabling the cache
// clears every persisted credential shape.
func (c *CredentialCache) HandleConfigChanged() {
	if c.config.CacheEnabled() {
		return
	}
	log.Info().Msg("credential cache disabled, clearing cached credentials")
	if err := c.store.ClearAllCredentials(); err != nil {
		log.Warn().Err(err).Msg("clear cached credentials failed")
	}
}
