package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Service wires the monitor, the session manager, the workflows and the
// collaborators into the running agent, and owns the credential-fetch
// completion handling (authentication classification, rate-limited cache
// persistence).
type Service struct {
	waiter   StatusWaiter
	manager  *DeviceSessionManager
	store    Store
	secrets  SecretStore
	notifier Notifier
	executor ActionExecutor
	config   Config
	events   *Events

	cache     *CredentialCache
	touch     *TouchWorkflow
	reconnect *ReconnectWorkflow
	monitor   *ReaderMonitor

	runCtx context.Context
	wg     sync.WaitGroup
}

// ServiceConfig carries the collaborators the core depends on.
type ServiceConfig struct {
	Waiter   StatusWaiter
	Dialer   SessionDialer
	Store    Store
	Secrets  SecretStore
	Notifier Notifier
	Executor ActionExecutor
	Config   Config
}

// NewService builds the full coordination layer. Call Start to begin
// monitoring.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Waiter == nil || cfg.Dialer == nil {
		return nil, errors.New("service: waiter and dialer are required")
	}
	if cfg.Store == nil {
		return nil, errors.New("service: store is required")
	}
	if cfg.Config == nil {
		cfg.Config = EnvConfig{}
	}

	events := NewEvents()
	manager := NewDeviceSessionManager(cfg.Dialer, events)
	s := &Service{
		waiter:   cfg.Waiter,
		manager:  manager,
		store:    cfg.Store,
		secrets:  cfg.Secrets,
		notifier: cfg.Notifier,
		executor: cfg.Executor,
		config:   cfg.Config,
		events:   events,
	}
	s.cache = NewCredentialCache(manager, cfg.Store, cfg.Config)
	s.touch = NewTouchWorkflow(manager, cfg.Notifier, cfg.Executor, cfg.Config)
	s.reconnect = NewReconnectWorkflow(manager, cfg.Store, cfg.Notifier, cfg.Executor, cfg.Config, s.touch, events)
	s.monitor = NewReaderMonitor(cfg.Waiter, events)

	events.OnCardInserted(func(reader string) {
		if _, err := manager.ConnectReader(s.ctx(), reader); err != nil {
			log.Debug().Err(err).Str("reader", reader).Msg("card inserted but no usable device")
		}
	})
	events.OnCardRemoved(manager.DisconnectReader)
	events.OnReaderListChanged(func() {
		manager.SyncReaders(s.ctx(), cfg.Waiter)
	})
	events.OnDeviceConnected(func(deviceID string) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fetchCredentials(deviceID)
		}()
	})
	return s, nil
}

// Events exposes the lifecycle event registry for embedding front-ends.
func (s *Service) Events() *Events { return s.events }

// Manager exposes the device session manager.
func (s *Service) Manager() *DeviceSessionManager { return s.manager }

// Cache exposes the credential cache.
func (s *Service) Cache() *CredentialCache { return s.cache }

// TouchWorkflow returns the touch coordinator so front-ends can forward
// user cancellation.
func (s *Service) TouchWorkflow() *TouchWorkflow { return s.touch }

// ReconnectWorkflow returns the reconnect coordinator so front-ends can
// forward user cancellation.
func (s *Service) ReconnectWorkflow() *ReconnectWorkflow { return s.reconnect }

// HandleConfigChanged applies side effects of a configuration reload.
func (s *Service) HandleConfigChanged() {
	s.cache.HandleConfigChanged()
}

// Start sweeps already-attached readers (the monitor only reports changes)
// and begins hardware monitoring.
func (s *Service) Start(ctx context.Context) {
	s.runCtx = ctx
	s.manager.SyncReaders(ctx, s.waiter)
	s.monitor.Start(ctx)
	log.Info().Msg("oath agent started")
}

// Stop halts monitoring, disconnects all devices and waits for background
// fetches to drain.
func (s *Service) Stop() error {
	err := s.monitor.Stop()
	s.manager.Close()
	s.wg.Wait()
	log.Info().Msg("oath agent stopped")
	return err
}

func (s *Service) ctx() context.Context {
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

// fetchCredentials loads the password, authenticates when possible, lists
// credentials and runs the completion handler. Single-flight per device.
func (s *Service) fetchCredentials(deviceID string) {
	device := s.manager.GetDevice(deviceID)
	if device == nil {
		return
	}
	if !device.beginUpdate() {
		log.Debug().Str("device_id", deviceID).Msg("credential fetch already in flight")
		return
	}
	defer device.endUpdate()

	ctx := s.ctx()
	s.authenticateFromSecrets(ctx, deviceID, device)

	creds, err := device.ListCredentials(ctx)
	if err != nil {
		if errors.Is(err, ErrCardReset) {
			log.Warn().Str("device_id", deviceID).Msg("card reset during credential fetch, reconnecting")
			// The refetch runs on the reconnect goroutine; track it so Stop
			// drains it before returning.
			s.manager.ReconnectDeviceAsync(ctx, deviceID, device.Reader(), func(rctx context.Context, _ Session) error {
				s.wg.Add(1)
				defer s.wg.Done()
				s.fetchCredentials(deviceID)
				return nil
			})
			return
		}
		log.Error().Err(err).Str("device_id", deviceID).Msg("list credentials failed")
		return
	}

	s.handleFetchCompleted(deviceID, device, creds)
}

// authenticator is the slice of Session the stored-password flow needs; both
// ManagedDevice and a raw Session satisfy it.
type authenticator interface {
	SetPassword(password string)
	Authenticate(ctx context.Context, password string) error
}

// authenticateFromSecrets loads the stored password into target, if any.
// Secret storage trouble degrades to staying unauthenticated.
func (s *Service) authenticateFromSecrets(ctx context.Context, deviceID string, target authenticator) {
	if s.secrets == nil {
		return
	}
	password, err := s.secrets.LoadPassword(deviceID)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("device_id", deviceID).Msg("load password failed")
	case password != "":
		target.SetPassword(password)
		if err := target.Authenticate(ctx, password); err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("authenticate with stored password failed")
		}
	}
}

// handleFetchCompleted classifies authentication, persists the credential
// shape (rate-limited) and emits the resulting event. Even when the cache
// write is skipped the credentials-updated event still fires.
func (s *Service) handleFetchCompleted(deviceID string, device *ManagedDevice, creds []Credential) {
	requiresPassword := false
	rec, known, err := s.store.Device(deviceID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("load device record failed")
	} else if known {
		requiresPassword = rec.RequiresPassword
	}

	failed, reason := ClassifyAuthentication(requiresPassword, device.HasPassword(), len(creds) == 0)
	if failed {
		log.Warn().
			Str("device_id", deviceID).
			Str("reason", reason).
			Msg("authentication failed")
		s.events.emitAuthenticationFailed(deviceID, reason)
		if s.notifier != nil {
			s.notifier.ShowMessage("Authentication failed", fmt.Sprintf("%s: %s", s.deviceName(deviceID), reason))
		}
		return
	}

	// Self-correcting metadata: an unauthenticated fetch that returned
	// credentials proves the device does not require a password. The loaded
	// record is downgraded too so the upsert below does not restore the flag.
	if requiresPassword && !device.HasPassword() && len(creds) > 0 {
		log.Info().Str("device_id", deviceID).Msg("device answered without password, clearing requires-password flag")
		rec.RequiresPassword = false
		if err := s.store.SetRequiresPassword(deviceID, false); err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("clear requires-password flag failed")
		}
	}

	device.setCredentials(creds)
	s.persistDeviceRecord(deviceID, device, rec, known)

	if s.config.CacheEnabled() && s.cache.shouldSaveCredentials(deviceID) {
		if err := s.store.SaveCredentials(deviceID, creds); err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("save credentials to cache failed")
		} else {
			s.cache.markSaved(deviceID)
			log.Debug().
				Str("device_id", deviceID).
				Int("count", len(creds)).
				Msg("credentials cached")
		}
	}

	s.events.emitCredentialsUpdated(deviceID)
}

func (s *Service) persistDeviceRecord(deviceID string, device *ManagedDevice, rec DeviceRecord, known bool) {
	meta := device.Metadata()
	if !known {
		rec = DeviceRecord{DeviceID: deviceID}
	}
	if rec.Name == "" {
		rec.Name = defaultDeviceName(deviceID, meta)
	}
	rec.LastSeen = time.Now()
	rec.FirmwareVersion = meta.FirmwareVersion
	rec.Model = meta.Model
	rec.SerialNumber = meta.SerialNumber
	rec.FormFactor = meta.FormFactor

	if err := s.store.UpsertDevice(rec); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("persist device record failed")
	}
}

func defaultDeviceName(deviceID string, meta DeviceMetadata) string {
	if meta.Model != "" && meta.SerialNumber != 0 {
		return fmt.Sprintf("%s (%d)", meta.Model, meta.SerialNumber)
	}
	if meta.Model != "" {
		return meta.Model
	}
	return "Security key " + deviceID[:8]
}

// ClassifyAuthentication applies the failure heuristic for a completed
// credential fetch: an empty list is a failure only when the device is known
// to require a password. Whether a password was loaded picks the message,
// not the control flow.
func ClassifyAuthentication(requiresPassword, hasPassword, emptyList bool) (failed bool, reason string) {
	if !emptyList || !requiresPassword {
		return false, ""
	}
	if hasPassword {
		return true, "wrong password"
	}
	return true, "password required but not available"
}

// ExecuteAction is the workflow entry point: resolve the device (empty id
// falls back to any connected device), route to the reconnect workflow when
// the device is offline but cached, to the touch workflow when the
// credential requires touch, and otherwise generate and execute
// synchronously.
func (s *Service) ExecuteAction(ctx context.Context, deviceID, credentialName string, action ActionKind) error {
	if action == "" {
		action = ActionCopy
	}

	device := s.manager.GetDeviceOrFirst(deviceID)
	if device == nil {
		if cachedID, ok := s.cache.FindCachedCredentialDevice(credentialName, deviceID); ok {
			s.reconnect.Start(ctx, cachedID, credentialName, action)
			return nil
		}
		return errors.Wrapf(ErrDeviceNotFound, "no connected device for %q", credentialName)
	}

	var credential *Credential
	for _, cred := range device.Credentials() {
		if cred.Name == credentialName {
			c := cred
			credential = &c
			break
		}
	}
	if credential == nil {
		return errors.Wrap(ErrCredentialNotFound, credentialName)
	}

	title := credential.DisplayName()
	if credential.RequiresTouch {
		s.touch.Start(ctx, credentialName, action, device.DeviceID(), title)
		return nil
	}

	code, err := device.GenerateCode(ctx, credentialName)
	if err != nil {
		if errors.Is(err, ErrCardReset) {
			// Another process reset the card; retry the generation after the
			// handle is re-established. The fresh session starts
			// unauthenticated, so the stored password goes in first.
			retryID := device.DeviceID()
			s.manager.ReconnectDeviceAsync(ctx, retryID, device.Reader(), func(rctx context.Context, session Session) error {
				s.authenticateFromSecrets(rctx, retryID, session)
				retryCode, rerr := session.GenerateCode(rctx, credentialName)
				if rerr != nil {
					if errors.Is(rerr, ErrAuthenticationRequired) && s.notifier != nil {
						s.notifier.ShowMessage("Authentication failed",
							fmt.Sprintf("%s: password required to generate %s", s.deviceName(retryID), credentialName))
					}
					return rerr
				}
				return s.executor.Execute(action, retryCode.Code, title)
			})
			return nil
		}
		return errors.Wrapf(err, "generate code for %s failed", credentialName)
	}

	return s.executor.Execute(action, code.Code, title)
}

// SetDevicePassword stores the password in secret storage, loads it into the
// live session and refreshes credentials.
func (s *Service) SetDevicePassword(ctx context.Context, deviceID, password string) error {
	if !IsValidDeviceID(deviceID) {
		return errors.Errorf("invalid device id %q", deviceID)
	}
	if s.secrets != nil {
		if err := s.secrets.SavePassword(deviceID, password); err != nil {
			return errors.Wrap(err, "save password failed")
		}
	}
	device := s.manager.GetDevice(deviceID)
	if device == nil {
		return nil // takes effect on next connect
	}
	device.SetPassword(password)
	if err := device.Authenticate(ctx, password); err != nil {
		return errors.Wrap(err, "authenticate failed")
	}
	if err := s.store.SetRequiresPassword(deviceID, true); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("set requires-password flag failed")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fetchCredentials(deviceID)
	}()
	return nil
}

// ForgetDevice drops the device from memory, from the cache store and from
// secret storage.
func (s *Service) ForgetDevice(deviceID string) error {
	s.manager.RemoveDeviceFromMemory(deviceID)
	if s.secrets != nil {
		if err := s.secrets.RemovePassword(deviceID); err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("remove password failed")
		}
	}
	return s.store.RemoveDevice(deviceID)
}

// RenameDevice updates the user-assigned device name.
func (s *Service) RenameDevice(deviceID, name string) error {
	return s.store.SetDeviceName(deviceID, name)
}

func (s *Service) deviceName(deviceID string) string {
	if rec, ok, err := s.store.Device(deviceID); err == nil && ok && rec.Name != "" {
		return rec.Name
	}
	return deviceID
}
