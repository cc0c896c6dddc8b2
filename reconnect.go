package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ReconnectWorkflow handles "device is offline, wait for it to come back,
// then act": Idle -> WaitingForDevice -> {Executed, TimedOut, Cancelled}.
// It is armed when a requested credential exists only in the cache of a
// disconnected device, and resolves on the credentials-updated event for
// that same device.
type ReconnectWorkflow struct {
	manager  *DeviceSessionManager
	store    Store
	notifier Notifier
	executor ActionExecutor
	config   Config
	touch    *TouchWorkflow

	mu            sync.Mutex
	waiting       bool
	gen           uint64
	pendingDevice string
	pendingName   string
	pendingAction ActionKind
	timer         *time.Timer
	ctx           context.Context
}

// NewReconnectWorkflow builds the coordinator and subscribes it to
// credentials-updated events. The notifier reports user cancel clicks by
// calling Cancel.
func NewReconnectWorkflow(manager *DeviceSessionManager, store Store, notifier Notifier, executor ActionExecutor, config Config, touch *TouchWorkflow, events *Events) *ReconnectWorkflow {
	w := &ReconnectWorkflow{
		manager:  manager,
		store:    store,
		notifier: notifier,
		executor: executor,
		config:   config,
		touch:    touch,
	}
	events.OnCredentialsUpdated(w.handleCredentialsUpdated)
	return w
}

// Start arms the workflow: show the reconnect notification and wait for the
// device. Supersedes any prior pending reconnect.
func (w *ReconnectWorkflow) Start(ctx context.Context, deviceID, credentialName string, action ActionKind) {
	timeout := w.config.ReconnectTimeout()

	w.mu.Lock()
	superseded := w.waiting
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	gen := w.gen
	w.waiting = true
	w.pendingDevice = deviceID
	w.pendingName = credentialName
	w.pendingAction = action
	w.ctx = ctx
	w.timer = time.AfterFunc(timeout, func() { w.onTimeout(gen) })
	w.mu.Unlock()

	if superseded {
		log.Debug().Str("device_id", deviceID).Msg("superseding pending reconnect workflow")
		w.notifier.CloseReconnectNotification()
	}

	log.Info().
		Str("device_id", deviceID).
		Str("credential", credentialName).
		Str("action", string(action)).
		Dur("timeout", timeout).
		Msg("reconnect workflow started, waiting for device")
	w.notifier.ShowReconnectNotification(w.deviceName(deviceID), credentialName, timeout)
}

// handleCredentialsUpdated resolves the workflow when the pending device has
// reconnected and its credentials were fetched.
func (w *ReconnectWorkflow) handleCredentialsUpdated(deviceID string) {
	w.mu.Lock()
	if !w.waiting || deviceID != w.pendingDevice {
		w.mu.Unlock()
		return
	}
	credentialName := w.pendingName
	action := w.pendingAction
	ctx := w.ctx
	w.clearLocked()
	w.mu.Unlock()

	w.notifier.CloseReconnectNotification()
	log.Info().
		Str("device_id", deviceID).
		Str("credential", credentialName).
		Msg("device reconnected, resuming pending action")

	device := w.manager.GetDevice(deviceID)
	if device == nil {
		w.notifier.ShowMessage("Error", fmt.Sprintf("Device '%s' disappeared during reconnect", w.deviceName(deviceID)))
		return
	}

	// The fetch may have completed without credentials because the password
	// is missing; generating a code would only fail deeper in the stack.
	if rec, ok, err := w.store.Device(deviceID); err == nil && ok &&
		rec.RequiresPassword && !device.HasPassword() {
		log.Warn().Str("device_id", deviceID).Msg("reconnected device requires a password but none is loaded")
		w.notifier.ShowMessage("Authentication required",
			fmt.Sprintf("'%s' requires a password before codes can be generated", w.deviceName(deviceID)))
		return
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
		// Deleted on the device since it was cached.
		log.Warn().
			Str("device_id", deviceID).
			Str("credential", credentialName).
			Msg("cached credential no longer present on device")
		w.notifier.ShowMessage("Error", fmt.Sprintf("Credential '%s' was not found on the device", credentialName))
		return
	}

	title := credential.DisplayName()
	if credential.RequiresTouch {
		w.touch.Start(ctx, credentialName, action, deviceID, title)
		return
	}

	code, err := device.GenerateCode(ctx, credentialName)
	if err != nil {
		log.Warn().Err(err).Str("credential", credentialName).Msg("code generation failed after reconnect")
		w.notifier.ShowMessage("Error", fmt.Sprintf("Failed to generate code for '%s'", title))
		return
	}
	if err := w.executor.Execute(action, code.Code, title); err != nil {
		log.Warn().Err(err).Str("credential", credentialName).Msg("action execution failed after reconnect")
		w.notifier.ShowMessage("Error", fmt.Sprintf("Failed to %s code for '%s'", action, title))
	}
}

func (w *ReconnectWorkflow) onTimeout(gen uint64) {
	w.mu.Lock()
	if !w.waiting || gen != w.gen {
		w.mu.Unlock()
		return
	}
	deviceID := w.pendingDevice
	w.clearLocked()
	w.mu.Unlock()

	log.Info().Str("device_id", deviceID).Msg("reconnect workflow timed out")
	w.notifier.CloseReconnectNotification()
	w.notifier.ShowMessage("Timeout", fmt.Sprintf("'%s' was not reconnected in time", w.deviceName(deviceID)))
}

// Cancel aborts the pending workflow after the user dismissed the reconnect
// notification. Safe to call when nothing is pending.
func (w *ReconnectWorkflow) Cancel() {
	w.mu.Lock()
	if !w.waiting {
		w.mu.Unlock()
		return
	}
	deviceID := w.pendingDevice
	w.clearLocked()
	w.mu.Unlock()

	log.Info().Str("device_id", deviceID).Msg("reconnect workflow cancelled by user")
	w.notifier.CloseReconnectNotification()
	w.notifier.ShowMessage("Cancelled", fmt.Sprintf("Reconnect to '%s' cancelled", w.deviceName(deviceID)))
}

// Waiting reports whether the workflow is pending, and for which device.
func (w *ReconnectWorkflow) Waiting() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingDevice, w.waiting
}

func (w *ReconnectWorkflow) deviceName(deviceID string) string {
	if rec, ok, err := w.store.Device(deviceID); err == nil && ok && rec.Name != "" {
		return rec.Name
	}
	return deviceID
}

// clearLocked resets pending state. Idempotent; callers hold w.mu.
func (w *ReconnectWorkflow) clearLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.waiting = false
	w.pendingDevice = ""
	w.pendingName = ""
	w.pendingAction = ""
	w.ctx = nil
}
