package agent

import "github.com/pkg/errors"

// Status-wait outcomes. Implementations of StatusWaiter map their transport
// error codes onto these so the monitor loop can classify without knowing the
// transport.
var (
	ErrWaitTimeout   = errors.New("status wait timed out")
	ErrWaitCancelled = errors.New("status wait cancelled")
	ErrUnknownReader = errors.New("reader no longer exists")
	ErrNoReaders     = errors.New("no readers available")
)

// Card and session errors.
var (
	// ErrCardReset indicates the smartcard was reset by another process and
	// the session handle must be re-established before retrying.
	ErrCardReset = errors.New("card was reset")

	ErrDeviceNotFound         = errors.New("device not found")
	ErrCredentialNotFound     = errors.New("credential not found")
	ErrAuthenticationRequired = errors.New("authentication required")
)
