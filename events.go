package agent

import "sync"

// Events is the fan-out point for device lifecycle notifications. Observers
// register callbacks per event kind; emission is synchronous, in registration
// order, from the goroutine that produced the event.
//
// Ordering contract: for one device, device-connected is always emitted
// before the first credentials-updated, and device-disconnected is emitted
// before the credentials-updated that follows a removal.
type Events struct {
	mu sync.Mutex

	readerListChanged []func()
	cardInserted      []func(reader string)
	cardRemoved       []func(reader string)

	deviceConnected    []func(deviceID string)
	deviceDisconnected []func(deviceID string)
	deviceForgotten    []func(deviceID string)

	credentialsUpdated   []func(deviceID string)
	authenticationFailed []func(deviceID, reason string)

	reconnectStarted   []func(deviceID string)
	reconnectCompleted []func(deviceID string, ok bool)
}

// NewEvents returns an empty registry.
func NewEvents() *Events {
	return &Events{}
}

func (e *Events) OnReaderListChanged(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readerListChanged = append(e.readerListChanged, fn)
}

func (e *Events) OnCardInserted(fn func(reader string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cardInserted = append(e.cardInserted, fn)
}

func (e *Events) OnCardRemoved(fn func(reader string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cardRemoved = append(e.cardRemoved, fn)
}

func (e *Events) OnDeviceConnected(fn func(deviceID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceConnected = append(e.deviceConnected, fn)
}

func (e *Events) OnDeviceDisconnected(fn func(deviceID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceDisconnected = append(e.deviceDisconnected, fn)
}

func (e *Events) OnDeviceForgotten(fn func(deviceID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceForgotten = append(e.deviceForgotten, fn)
}

func (e *Events) OnCredentialsUpdated(fn func(deviceID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.credentialsUpdated = append(e.credentialsUpdated, fn)
}

func (e *Events) OnAuthenticationFailed(fn func(deviceID, reason string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.authenticationFailed = append(e.authenticationFailed, fn)
}

func (e *Events) OnReconnectStarted(fn func(deviceID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconnectStarted = append(e.reconnectStarted, fn)
}

func (e *Events) OnReconnectCompleted(fn func(deviceID string, ok bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconnectCompleted = append(e.reconnectCompleted, fn)
}

func (e *Events) emitReaderListChanged() {
	for _, fn := range e.snapshot0(&e.readerListChanged) {
		fn()
	}
}

func (e *Events) emitCardInserted(reader string) {
	for _, fn := range e.snapshot1(&e.cardInserted) {
		fn(reader)
	}
}

func (e *Events) emitCardRemoved(reader string) {
	for _, fn := range e.snapshot1(&e.cardRemoved) {
		fn(reader)
	}
}

func (e *Events) emitDeviceConnected(deviceID string) {
	for _, fn := range e.snapshot1(&e.deviceConnected) {
		fn(deviceID)
	}
}

func (e *Events) emitDeviceDisconnected(deviceID string) {
	for _, fn := range e.snapshot1(&e.deviceDisconnected) {
		fn(deviceID)
	}
}

func (e *Events) emitDeviceForgotten(deviceID string) {
	for _, fn := range e.snapshot1(&e.deviceForgotten) {
		fn(deviceID)
	}
}

func (e *Events) emitCredentialsUpdated(deviceID string) {
	for _, fn := range e.snapshot1(&e.credentialsUpdated) {
		fn(deviceID)
	}
}

func (e *Events) emitAuthenticationFailed(deviceID, reason string) {
	e.mu.Lock()
	var fns []func(string, string)
	fns = append(fns, e.authenticationFailed...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(deviceID, reason)
	}
}

func (e *Events) emitReconnectStarted(deviceID string) {
	for _, fn := range e.snapshot1(&e.reconnectStarted) {
		fn(deviceID)
	}
}

func (e *Events) emitReconnectCompleted(deviceID string, ok bool) {
	e.mu.Lock()
	var fns []func(string, bool)
	fns = append(fns, e.reconnectCompleted...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(deviceID, ok)
	}
}

func (e *Events) snapshot0(list *[]func()) []func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	var fns []func()
	return append(fns, *list...)
}

func (e *Events) snapshot1(list *[]func(string)) []func(string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var fns []func(string)
	return append(fns, *list...)
}
