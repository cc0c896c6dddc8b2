package agent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Test stand-ins for the hardware and desktop collaborators. All of them are
// safe for concurrent use since workflows call them from their own
// goroutines.

type stubSession struct {
	deviceID  string
	meta      DeviceMetadata
	creds     []Credential
	listErr   error
	selectErr error
	authErr   error
	genErr    error
	code      GeneratedCode

	// generateGate, when non-nil, blocks GenerateCode until released.
	generateGate chan struct{}
	// listGate, when non-nil, blocks ListCredentials until released.
	listGate chan struct{}

	mu        sync.Mutex
	password  string
	closed    bool
	authed    []string
	genNames  []string
	listCalls int
}

func (s *stubSession) Select(ctx context.Context) (string, error) {
	if s.selectErr != nil {
		return "", s.selectErr
	}
	return s.deviceID, nil
}

func (s *stubSession) ListCredentials(ctx context.Context) ([]Credential, error) {
	s.mu.Lock()
	s.listCalls++
	s.mu.Unlock()
	if s.listGate != nil {
		<-s.listGate
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.creds, nil
}

func (s *stubSession) listCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *stubSession) GenerateCode(ctx context.Context, name string) (GeneratedCode, error) {
	if s.generateGate != nil {
		<-s.generateGate
	}
	s.mu.Lock()
	s.genNames = append(s.genNames, name)
	s.mu.Unlock()
	if s.genErr != nil {
		return GeneratedCode{}, s.genErr
	}
	return s.code, nil
}

func (s *stubSession) Authenticate(ctx context.Context, password string) error {
	s.mu.Lock()
	s.authed = append(s.authed, password)
	s.mu.Unlock()
	return s.authErr
}

func (s *stubSession) SetPassword(password string) {
	s.mu.Lock()
	s.password = password
	s.mu.Unlock()
}

func (s *stubSession) HasPassword() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password != ""
}

func (s *stubSession) Metadata() DeviceMetadata { return s.meta }

func (s *stubSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stubDialer hands out sessions per reader. When dial is set it overrides
// the map lookup entirely.
type stubDialer struct {
	mu       sync.Mutex
	sessions map[string]*stubSession
	dial     func(readerName string) (Session, error)
	dials    int
}

func newStubDialer() *stubDialer {
	return &stubDialer{sessions: make(map[string]*stubSession)}
}

func (d *stubDialer) attach(readerName string, session *stubSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[readerName] = session
}

func (d *stubDialer) Dial(readerName string) (Session, error) {
	d.mu.Lock()
	d.dials++
	dial := d.dial
	session, ok := d.sessions[readerName]
	d.mu.Unlock()
	if dial != nil {
		return dial(readerName)
	}
	if !ok {
		return nil, errors.Errorf("no session for reader %q", readerName)
	}
	return session, nil
}

func (d *stubDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// stubStore is an in-memory Store.
type stubStore struct {
	mu      sync.Mutex
	devices map[string]DeviceRecord
	creds   map[string][]Credential
	saves   map[string]int
}

func newStubStore() *stubStore {
	return &stubStore{
		devices: make(map[string]DeviceRecord),
		creds:   make(map[string][]Credential),
		saves:   make(map[string]int),
	}
}

func (s *stubStore) UpsertDevice(rec DeviceRecord) error {
	if !IsValidDeviceID(rec.DeviceID) {
		return errors.Errorf("invalid device id %q", rec.DeviceID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[rec.DeviceID] = rec
	return nil
}

func (s *stubStore) Device(deviceID string) (DeviceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.devices[deviceID]
	return rec, ok, nil
}

func (s *stubStore) Devices() ([]DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceRecord, 0, len(s.devices))
	for _, rec := range s.devices {
		out = append(out, rec)
	}
	return out, nil
}

func (s *stubStore) SetDeviceName(deviceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.devices[deviceID]
	rec.DeviceID = deviceID
	rec.Name = name
	s.devices[deviceID] = rec
	return nil
}

func (s *stubStore) SetRequiresPassword(deviceID string, required bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.devices[deviceID]
	rec.DeviceID = deviceID
	rec.RequiresPassword = required
	s.devices[deviceID] = rec
	return nil
}

func (s *stubStore) RemoveDevice(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
	delete(s.creds, deviceID)
	return nil
}

func (s *stubStore) SaveCredentials(deviceID string, creds []Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[deviceID] = append([]Credential(nil), creds...)
	s.saves[deviceID]++
	return nil
}

func (s *stubStore) Credentials(deviceID string) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Credential(nil), s.creds[deviceID]...), nil
}

func (s *stubStore) ClearAllCredentials() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = make(map[string][]Credential)
	return nil
}

func (s *stubStore) saveCount(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[deviceID]
}

func (s *stubStore) requiresPassword(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[deviceID].RequiresPassword
}

// stubSecrets is an in-memory SecretStore.
type stubSecrets struct {
	mu        sync.Mutex
	passwords map[string]string
	loadErr   error
}

func newStubSecrets() *stubSecrets {
	return &stubSecrets{passwords: make(map[string]string)}
}

func (s *stubSecrets) LoadPassword(deviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return "", s.loadErr
	}
	return s.passwords[deviceID], nil
}

func (s *stubSecrets) SavePassword(deviceID, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[deviceID] = password
	return nil
}

func (s *stubSecrets) RemovePassword(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.passwords, deviceID)
	return nil
}

type shownMessage struct {
	title string
	body  string
}

// stubNotifier counts show/close calls and records messages.
type stubNotifier struct {
	mu              sync.Mutex
	touchShown      int
	touchClosed     int
	reconnectShown  int
	reconnectClosed int
	messages        []shownMessage
}

func (n *stubNotifier) ShowTouchNotification(credential string, timeout time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.touchShown++
}

func (n *stubNotifier) CloseTouchNotification() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.touchClosed++
}

func (n *stubNotifier) ShowReconnectNotification(deviceName, credential string, timeout time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reconnectShown++
}

func (n *stubNotifier) CloseReconnectNotification() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reconnectClosed++
}

func (n *stubNotifier) ShowMessage(title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, shownMessage{title: title, body: body})
}

func (n *stubNotifier) counts() (touchShown, touchClosed, reconnectShown, reconnectClosed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.touchShown, n.touchClosed, n.reconnectShown, n.reconnectClosed
}

func (n *stubNotifier) lastMessage() (shownMessage, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return shownMessage{}, false
	}
	return n.messages[len(n.messages)-1], true
}

type executedAction struct {
	action ActionKind
	code   string
	title  string
}

// stubExecutor records executed actions.
type stubExecutor struct {
	mu       sync.Mutex
	err      error
	executed []executedAction
}

func (e *stubExecutor) Execute(action ActionKind, code, title string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, executedAction{action: action, code: code, title: title})
	return e.err
}

func (e *stubExecutor) executions() []executedAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]executedAction(nil), e.executed...)
}

// stubConfig returns fixed values.
type stubConfig struct {
	touchTimeout      time.Duration
	reconnectTimeout  time.Duration
	cacheEnabled      bool
	cacheSaveInterval time.Duration
}

func defaultStubConfig() *stubConfig {
	return &stubConfig{
		touchTimeout:      time.Second,
		reconnectTimeout:  time.Second,
		cacheEnabled:      true,
		cacheSaveInterval: 30 * time.Second,
	}
}

func (c *stubConfig) TouchTimeout() time.Duration      { return c.touchTimeout }
func (c *stubConfig) ReconnectTimeout() time.Duration  { return c.reconnectTimeout }
func (c *stubConfig) CacheEnabled() bool               { return c.cacheEnabled }
func (c *stubConfig) CacheSaveInterval() time.Duration { return c.cacheSaveInterval }

// eventRecorder subscribes to every event and records it with a signal
// channel so tests can wait for asynchronous emission.
type eventRecorder struct {
	mu        sync.Mutex
	connected []string
	updated   []string
	authFails []string
	signal    chan string
}

func newEventRecorder(events *Events) *eventRecorder {
	r := &eventRecorder{signal: make(chan string, 64)}
	events.OnDeviceConnected(func(id string) { r.record("connected", &r.connected, id) })
	events.OnCredentialsUpdated(func(id string) { r.record("updated", &r.updated, id) })
	events.OnAuthenticationFailed(func(id, reason string) { r.record("auth-failed", &r.authFails, reason) })
	return r
}

func (r *eventRecorder) record(kind string, list *[]string, value string) {
	r.mu.Lock()
	*list = append(*list, value)
	r.mu.Unlock()
	r.signal <- kind
}

// waitFor blocks until the named event kind arrives or the timeout expires.
func (r *eventRecorder) waitFor(kind string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case got := <-r.signal:
			if got == kind {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func (r *eventRecorder) updatedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.updated...)
}

func (r *eventRecorder) authReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.authFails...)
}

const (
	testDeviceA = "00a1b2c3d4e5f607"
	testDeviceB = "112233445566aabb"
)
