package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TouchWorkflow coordinates code generation that requires a physical touch:
// Idle -> AwaitingTouch -> {Completed, TimedOut, Cancelled, Failed} -> Idle.
// At most one instance is outstanding; starting a new one supersedes the
// prior one (its notification closed, its timer cancelled) first. The
// hardware wait can last the full touch timeout, so generation runs on its
// own goroutine and its result is matched against the currently pending
// credential and generation before it is acted on.
type TouchWorkflow struct {
	manager  *DeviceSessionManager
	notifier Notifier
	executor ActionExecutor
	config   Config

	mu            sync.Mutex
	active        bool
	gen           uint64
	pendingName   string
	pendingAction ActionKind
	pendingDevice string
	pendingTitle  string
	timer         *time.Timer
}

// NewTouchWorkflow builds the coordinator. The notifier reports user cancel
// clicks by calling Cancel.
func NewTouchWorkflow(manager *DeviceSessionManager, notifier Notifier, executor ActionExecutor, config Config) *TouchWorkflow {
	return &TouchWorkflow{
		manager:  manager,
		notifier: notifier,
		executor: executor,
		config:   config,
	}
}

// Start begins a touch workflow for the credential. displayTitle is the
// resolved human-readable title passed to the action executor on success.
func (w *TouchWorkflow) Start(ctx context.Context, credentialName string, action ActionKind, deviceID, displayTitle string) {
	timeout := w.config.TouchTimeout()

	w.mu.Lock()
	superseded := w.active
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	gen := w.gen
	w.active = true
	w.pendingName = credentialName
	w.pendingAction = action
	w.pendingDevice = deviceID
	w.pendingTitle = displayTitle
	w.timer = time.AfterFunc(timeout, func() { w.onTimeout(gen) })
	w.mu.Unlock()

	if superseded {
		log.Debug().Str("credential", credentialName).Msg("superseding pending touch workflow")
		w.notifier.CloseTouchNotification()
	}

	log.Info().
		Str("credential", credentialName).
		Str("action", string(action)).
		Str("device_id", deviceID).
		Dur("timeout", timeout).
		Msg("touch workflow started")
	w.notifier.ShowTouchNotification(credentialName, timeout)

	go w.generate(ctx, gen, credentialName, deviceID)
}

func (w *TouchWorkflow) generate(ctx context.Context, gen uint64, credentialName, deviceID string) {
	device := w.manager.GetDeviceOrFirst(deviceID)
	if device == nil {
		w.onFailed(gen, credentialName, fmt.Errorf("device %q not connected", deviceID))
		return
	}

	code, err := device.GenerateCode(ctx, credentialName)
	if err != nil {
		w.onFailed(gen, credentialName, err)
		return
	}
	w.onGenerated(gen, credentialName, code)
}

func (w *TouchWorkflow) onGenerated(gen uint64, credentialName string, code GeneratedCode) {
	w.mu.Lock()
	if !w.active || gen != w.gen || credentialName != w.pendingName {
		w.mu.Unlock()
		// Late result from a superseded or timed-out workflow: zero side
		// effects.
		log.Debug().Str("credential", credentialName).Msg("discarding stale generation result")
		return
	}
	action := w.pendingAction
	title := w.pendingTitle
	w.clearLocked()
	w.mu.Unlock()

	w.notifier.CloseTouchNotification()

	log.Info().Str("credential", credentialName).Str("action", string(action)).Msg("touch confirmed, executing action")
	if err := w.executor.Execute(action, code.Code, title); err != nil {
		log.Warn().Err(err).Str("credential", credentialName).Msg("action execution failed")
		w.notifier.ShowMessage("Error", fmt.Sprintf("Failed to %s code for '%s'", action, title))
	}
}

func (w *TouchWorkflow) onFailed(gen uint64, credentialName string, cause error) {
	w.mu.Lock()
	if !w.active || gen != w.gen || credentialName != w.pendingName {
		w.mu.Unlock()
		log.Debug().Str("credential", credentialName).Msg("discarding stale generation failure")
		return
	}
	w.clearLocked()
	w.mu.Unlock()

	log.Warn().Err(cause).Str("credential", credentialName).Msg("code generation failed")
	w.notifier.CloseTouchNotification()
}

func (w *TouchWorkflow) onTimeout(gen uint64) {
	w.mu.Lock()
	if !w.active || gen != w.gen {
		w.mu.Unlock()
		return
	}
	credentialName := w.pendingName
	w.clearLocked()
	w.mu.Unlock()

	log.Info().Str("credential", credentialName).Msg("touch workflow timed out")
	w.notifier.CloseTouchNotification()
	w.notifier.ShowMessage("Timeout", fmt.Sprintf("'%s' was not touched in time", credentialName))
}

// Cancel aborts the pending workflow after the user dismissed the touch
// notification. Safe to call when nothing is pending.
func (w *TouchWorkflow) Cancel() {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	credentialName := w.pendingName
	w.clearLocked()
	w.mu.Unlock()

	log.Info().Str("credential", credentialName).Msg("touch workflow cancelled by user")
	w.notifier.CloseTouchNotification()
	w.notifier.ShowMessage("Cancelled", fmt.Sprintf("Touch operation cancelled for '%s'", credentialName))
}

// Active reports whether a workflow is outstanding.
func (w *TouchWorkflow) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// PendingCredential returns the currently awaited credential name, or "".
func (w *TouchWorkflow) PendingCredential() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return ""
	}
	return w.pendingName
}

// clearLocked resets pending state. Idempotent; callers hold w.mu.
func (w *TouchWorkflow) clearLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.active = false
	w.pendingName = ""
	w.pendingAction = ""
	w.pendingDevice = ""
	w.pendingTitle = ""
}
