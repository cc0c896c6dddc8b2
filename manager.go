package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ManagedDevice pairs a live session with the reader it was opened on. The
// session pointer is swapped atomically under the device mutex but never
// held across a hardware call.
type ManagedDevice struct {
	deviceID string
	reader   string

	mu       sync.Mutex
	session  Session
	creds    []Credential
	updating bool
}

func (d *ManagedDevice) DeviceID() string { return d.deviceID }
func (d *ManagedDevice) Reader() string   { return d.reader }

func (d *ManagedDevice) currentSession() Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

func (d *ManagedDevice) replaceSession(s Session) {
	d.mu.Lock()
	old := d.session
	d.session = s
	d.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// GenerateCode issues code generation on the live session. Blocks for the
// touch wait when the credential requires touch.
func (d *ManagedDevice) GenerateCode(ctx context.Context, name string) (GeneratedCode, error) {
	s := d.currentSession()
	if s == nil {
		return GeneratedCode{}, errors.Wrap(ErrDeviceNotFound, d.deviceID)
	}
	return s.GenerateCode(ctx, name)
}

func (d *ManagedDevice) ListCredentials(ctx context.Context) ([]Credential, error) {
	s := d.currentSession()
	if s == nil {
		return nil, errors.Wrap(ErrDeviceNotFound, d.deviceID)
	}
	return s.ListCredentials(ctx)
}

func (d *ManagedDevice) Authenticate(ctx context.Context, password string) error {
	s := d.currentSession()
	if s == nil {
		return errors.Wrap(ErrDeviceNotFound, d.deviceID)
	}
	return s.Authenticate(ctx, password)
}

func (d *ManagedDevice) SetPassword(password string) {
	if s := d.currentSession(); s != nil {
		s.SetPassword(password)
	}
}

func (d *ManagedDevice) HasPassword() bool {
	s := d.currentSession()
	return s != nil && s.HasPassword()
}

func (d *ManagedDevice) Metadata() DeviceMetadata {
	s := d.currentSession()
	if s == nil {
		return DeviceMetadata{}
	}
	return s.Metadata()
}

// Credentials returns the last fetched credential list.
func (d *ManagedDevice) Credentials() []Credential {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Credential(nil), d.creds...)
}

func (d *ManagedDevice) setCredentials(creds []Credential) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append([]Credential(nil), creds...)
}

// beginUpdate marks the device as mid-fetch; returns false when a fetch is
// already in flight (single-flight per device).
func (d *ManagedDevice) beginUpdate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.updating {
		return false
	}
	d.updating = true
	return true
}

func (d *ManagedDevice) endUpdate() {
	d.mu.Lock()
	d.updating = false
	d.mu.Unlock()
}

func (d *ManagedDevice) isUpdating() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updating
}

// ReaderLister enumerates currently attached readers.
type ReaderLister interface {
	ListReaders() ([]string, error)
}

// Reconnect backoff: attempt n is preceded by min(100*2^(n-1), 3000) ms.
// A card reset is usually caused by a competing process that needs a brief
// window to release the handle, so immediate retry rarely helps.
const reconnectMaxAttempts = 6

func reconnectDelay(attempt int) time.Duration {
	d := 100 * time.Millisecond << (attempt - 1)
	if limit := 3000 * time.Millisecond; d > limit {
		d = limit
	}
	return d
}

// DeviceSessionManager is the single owner of all live device sessions. It
// translates raw hardware events into device lifecycle events and owns
// reconnect-after-reset behavior. The device map is shared between the
// monitor goroutine and API callers; the mutex is held only for map
// lookups and mutations, never across hardware I/O.
type DeviceSessionManager struct {
	dialer SessionDialer
	events *Events

	mu      sync.Mutex
	devices map[string]*ManagedDevice

	reconnectMu sync.Mutex
	reconnects  map[string]context.CancelFunc
}

// NewDeviceSessionManager builds a manager publishing lifecycle events.
func NewDeviceSessionManager(dialer SessionDialer, events *Events) *DeviceSessionManager {
	return &DeviceSessionManager{
		dialer:     dialer,
		events:     events,
		devices:    make(map[string]*ManagedDevice),
		reconnects: make(map[string]context.CancelFunc),
	}
}

// ConnectReader establishes a session on the reader, SELECTs the OATH
// application and registers the device. On any failure the reader is left
// unmanaged and no event is emitted.
func (m *DeviceSessionManager) ConnectReader(ctx context.Context, readerName string) (string, error) {
	session, err := m.dialer.Dial(readerName)
	if err != nil {
		return "", errors.Wrapf(err, "connect reader %s failed", readerName)
	}

	deviceID, err := session.Select(ctx)
	if err != nil {
		_ = session.Close()
		return "", errors.Wrapf(err, "select OATH application on %s failed", readerName)
	}
	if !IsValidDeviceID(deviceID) {
		_ = session.Close()
		return "", errors.Errorf("reader %s reported malformed device id %q", readerName, deviceID)
	}

	// A stale session for the same device (e.g. replug on another reader)
	// is torn down before the new one is registered.
	m.mu.Lock()
	_, exists := m.devices[deviceID]
	m.mu.Unlock()
	if exists {
		log.Debug().Str("device_id", deviceID).Msg("device already connected, replacing session")
		m.DisconnectDevice(deviceID)
	}

	device := &ManagedDevice{deviceID: deviceID, reader: readerName, session: session}
	m.mu.Lock()
	m.devices[deviceID] = device
	total := len(m.devices)
	m.mu.Unlock()

	log.Info().
		Str("device_id", deviceID).
		Str("reader", readerName).
		Int("total_devices", total).
		Msg("device connected")
	m.events.emitDeviceConnected(deviceID)
	return deviceID, nil
}

// DisconnectDevice disposes the session for deviceID and emits lifecycle
// events. No-op for unknown ids.
func (m *DeviceSessionManager) DisconnectDevice(deviceID string) {
	m.mu.Lock()
	device, ok := m.devices[deviceID]
	if ok {
		delete(m.devices, deviceID)
	}
	remaining := len(m.devices)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.cancelReconnect(deviceID)
	device.replaceSession(nil)

	log.Info().
		Str("device_id", deviceID).
		Int("remaining_devices", remaining).
		Msg("device disconnected")
	m.events.emitDeviceDisconnected(deviceID)
	m.events.emitCredentialsUpdated(deviceID)
}

// DisconnectReader removes the device connected through readerName, if any.
func (m *DeviceSessionManager) DisconnectReader(readerName string) {
	m.mu.Lock()
	deviceID := ""
	for id, device := range m.devices {
		if device.reader == readerName {
			deviceID = id
			break
		}
	}
	m.mu.Unlock()

	if deviceID == "" {
		log.Debug().Str("reader", readerName).Msg("no device on removed reader")
		return
	}
	m.DisconnectDevice(deviceID)
}

// SyncReaders reconciles the device map against the current reader set:
// devices whose reader vanished are disconnected, unmanaged readers are
// connected. Also used for the startup sweep, since the monitor only
// reports changes.
func (m *DeviceSessionManager) SyncReaders(ctx context.Context, lister ReaderLister) {
	readers, err := lister.ListReaders()
	if err != nil && !errors.Is(err, ErrNoReaders) {
		log.Warn().Err(err).Msg("list readers failed during sync")
		return
	}

	present := make(map[string]struct{}, len(readers))
	for _, r := range readers {
		present[r] = struct{}{}
	}

	m.mu.Lock()
	var gone []string
	managed := make(map[string]struct{}, len(m.devices))
	for id, device := range m.devices {
		managed[device.reader] = struct{}{}
		if _, ok := present[device.reader]; !ok {
			gone = append(gone, id)
		}
	}
	m.mu.Unlock()

	for _, id := range gone {
		log.Info().Str("device_id", id).Msg("reader vanished, disconnecting device")
		m.DisconnectDevice(id)
	}

	for _, reader := range readers {
		if _, ok := managed[reader]; ok {
			continue
		}
		if _, err := m.ConnectReader(ctx, reader); err != nil {
			// Not every reader carries an OATH applet; leave it unmanaged.
			log.Debug().Err(err).Str("reader", reader).Msg("reader not usable")
		}
	}
}

// GetDevice returns the live device or nil.
func (m *DeviceSessionManager) GetDevice(deviceID string) *ManagedDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[deviceID]
}

// GetDeviceOrFirst resolves the empty id to an arbitrary connected device.
// This is the convenience fallback used by every workflow entry point.
func (m *DeviceSessionManager) GetDeviceOrFirst(deviceID string) *ManagedDevice {
	if deviceID != "" {
		return m.GetDevice(deviceID)
	}
	ids := m.ConnectedIDs()
	if len(ids) == 0 {
		return nil
	}
	return m.GetDevice(ids[0])
}

// ConnectedIDs returns the connected device ids in deterministic order.
func (m *DeviceSessionManager) ConnectedIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// HasConnectedDevices reports whether any device is connected.
func (m *DeviceSessionManager) HasConnectedDevices() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices) > 0
}

// Credentials aggregates the last fetched credential lists of all connected
// devices, skipping devices that are mid-update.
func (m *DeviceSessionManager) Credentials() []Credential {
	m.mu.Lock()
	devices := make([]*ManagedDevice, 0, len(m.devices))
	for _, device := range m.devices {
		devices = append(devices, device)
	}
	m.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].deviceID < devices[j].deviceID })

	var aggregated []Credential
	for _, device := range devices {
		if device.isUpdating() {
			log.Debug().Str("device_id", device.deviceID).Msg("skipping device mid-update")
			continue
		}
		aggregated = append(aggregated, device.Credentials()...)
	}
	return aggregated
}

// RemoveDeviceFromMemory forgets a device that may still be physically
// present. Never fails for unknown ids.
func (m *DeviceSessionManager) RemoveDeviceFromMemory(deviceID string) {
	m.mu.Lock()
	device, ok := m.devices[deviceID]
	if ok {
		delete(m.devices, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		log.Debug().Str("device_id", deviceID).Msg("forget: device not in memory")
		return
	}

	m.cancelReconnect(deviceID)
	device.replaceSession(nil)

	log.Info().Str("device_id", deviceID).Msg("device forgotten")
	m.events.emitDeviceForgotten(deviceID)
	m.events.emitCredentialsUpdated(deviceID)
}

// ReconnectDeviceAsync recovers from a card reset by another process: the
// existing handle is released, then reconnection is retried on the backoff
// schedule. On success the original failed command is re-issued before
// reconnect-completed(id, true) is emitted; exhausting all attempts emits
// reconnect-completed(id, false). reconnect-started is emitted exactly once.
// A new reconnect for the same device supersedes the pending one, which then
// terminates without emitting completion.
func (m *DeviceSessionManager) ReconnectDeviceAsync(ctx context.Context, deviceID, readerName string, retry func(context.Context, Session) error) {
	m.reconnectMu.Lock()
	if cancel, ok := m.reconnects[deviceID]; ok {
		cancel()
	}
	rctx, cancel := context.WithCancel(ctx)
	m.reconnects[deviceID] = cancel
	m.reconnectMu.Unlock()

	log.Info().Str("device_id", deviceID).Str("reader", readerName).Msg("reconnect started")
	m.events.emitReconnectStarted(deviceID)

	go m.runReconnect(rctx, deviceID, readerName, retry)
}

func (m *DeviceSessionManager) runReconnect(ctx context.Context, deviceID, readerName string, retry func(context.Context, Session) error) {
	defer m.clearReconnect(deviceID, ctx)

	device := m.GetDevice(deviceID)
	if device == nil {
		log.Warn().Str("device_id", deviceID).Msg("reconnect: device no longer managed")
		m.events.emitReconnectCompleted(deviceID, false)
		return
	}

	// Release the stale handle so the competing process can grab and drop
	// the card cleanly.
	device.replaceSession(nil)

	timer := time.NewTimer(reconnectDelay(1))
	defer timer.Stop()

	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		if attempt > 1 {
			timer.Reset(reconnectDelay(attempt))
		}
		select {
		case <-ctx.Done():
			log.Debug().Str("device_id", deviceID).Msg("reconnect superseded or cancelled")
			return
		case <-timer.C:
		}

		session, err := m.dialer.Dial(readerName)
		if err != nil {
			log.Debug().Err(err).
				Str("device_id", deviceID).
				Int("attempt", attempt).
				Msg("reconnect dial failed")
			continue
		}

		id, err := session.Select(ctx)
		if err != nil || id != deviceID {
			if err == nil {
				err = errors.Errorf("reader now holds device %s", id)
			}
			log.Debug().Err(err).
				Str("device_id", deviceID).
				Int("attempt", attempt).
				Msg("reconnect select failed")
			_ = session.Close()
			continue
		}

		// A supersede may have landed while the dial was in flight. Commit
		// nothing: the replacement reconnect owns the device now.
		if ctx.Err() != nil {
			log.Debug().Str("device_id", deviceID).Msg("reconnect superseded mid-attempt")
			_ = session.Close()
			return
		}

		device.replaceSession(session)
		log.Info().
			Str("device_id", deviceID).
			Int("attempt", attempt).
			Msg("reconnect successful, re-issuing failed command")

		if retry != nil {
			if err := retry(ctx, session); err != nil {
				log.Warn().Err(err).Str("device_id", deviceID).Msg("retried command failed after reconnect")
			}
		}
		m.events.emitReconnectCompleted(deviceID, true)
		return
	}

	log.Warn().
		Str("device_id", deviceID).
		Int("attempts", reconnectMaxAttempts).
		Msg("reconnect failed, giving up")
	m.events.emitReconnectCompleted(deviceID, false)
}

func (m *DeviceSessionManager) cancelReconnect(deviceID string) {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()
	if cancel, ok := m.reconnects[deviceID]; ok {
		cancel()
		delete(m.reconnects, deviceID)
	}
}

func (m *DeviceSessionManager) clearReconnect(deviceID string, ctx context.Context) {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()
	// Only clear our own registration; a superseding reconnect owns the slot.
	if ctx.Err() == nil {
		delete(m.reconnects, deviceID)
	}
}

// Close disconnects every device and cancels pending reconnects.
func (m *DeviceSessionManager) Close() {
	for _, id := range m.ConnectedIDs() {
		m.DisconnectDevice(id)
	}
}
