package agent

import (
	"context"
	"time"
)

// Session is an authenticated capability bound to one connected device. The
// DeviceSessionManager exclusively owns every Session for the lifetime of the
// device's connection; nothing else closes or replaces it.
//
// GenerateCode may block for the full touch timeout when the credential
// requires a physical touch, so callers dispatch it off the coordinating
// goroutine.
type Session interface {
	// Select activates the OATH application and returns the stable device id
	// derived from the SELECT response.
	Select(ctx context.Context) (string, error)
	ListCredentials(ctx context.Context) ([]Credential, error)
	GenerateCode(ctx context.Context, name string) (GeneratedCode, error)
	Authenticate(ctx context.Context, password string) error
	SetPassword(password string)
	HasPassword() bool
	Metadata() DeviceMetadata
	Close() error
}

// SessionDialer opens a session on a named reader. The returned session has
// not been SELECTed yet.
type SessionDialer interface {
	Dial(readerName string) (Session, error)
}

// Store is the persistence collaborator: device records and the credential
// shape cache, all keyed by validated device ids.
type Store interface {
	UpsertDevice(rec DeviceRecord) error
	Device(deviceID string) (DeviceRecord, bool, error)
	Devices() ([]DeviceRecord, error)
	SetDeviceName(deviceID, name string) error
	SetRequiresPassword(deviceID string, required bool) error
	RemoveDevice(deviceID string) error

	SaveCredentials(deviceID string, creds []Credential) error
	Credentials(deviceID string) ([]Credential, error)
	ClearAllCredentials() error
}

// SecretStore loads and saves device passwords. The backend is opaque to the
// core; failures degrade to "authentication required" instead of crashing a
// workflow.
type SecretStore interface {
	LoadPassword(deviceID string) (string, error)
	SavePassword(deviceID, password string) error
	RemovePassword(deviceID string) error
}

// Notifier renders user-facing notifications. Implementations report
// user-pressed cancel buttons by invoking the workflow Cancel methods.
type Notifier interface {
	ShowTouchNotification(credential string, timeout time.Duration)
	CloseTouchNotification()
	ShowReconnectNotification(deviceName, credential string, timeout time.Duration)
	CloseReconnectNotification()
	ShowMessage(title, body string)
}

// ActionExecutor performs the user-facing effect for a generated code. The
// workflows do not know how the action is carried out.
type ActionExecutor interface {
	Execute(action ActionKind, code, title string) error
}

// Config supplies hot-reloadable settings. Workflows read values at the time
// they start a timer, never caching them.
type Config interface {
	TouchTimeout() time.Duration
	ReconnectTimeout() time.Duration
	CacheEnabled() bool
	CacheSaveInterval() time.Duration
}
