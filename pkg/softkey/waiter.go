package softkey

import (
	"sync"
	"time"

	"github.com/oathkey/agent"
)

// Waiter adapts a Dialer into the blocking status-wait primitive, so the
// reader monitor drives software keys the same way it drives PC/SC hardware.
// Attach and Detach show up as reader-list changes plus card presence
// transitions.
type Waiter struct {
	dialer *Dialer
	change chan struct{}

	mu        sync.Mutex
	cancelled chan struct{}
	done      bool
}

var _ agent.StatusWaiter = (*Waiter)(nil)

// NewWaiter builds a waiter observing dialer.
func NewWaiter(dialer *Dialer) *Waiter {
	w := &Waiter{
		dialer:    dialer,
		change:    make(chan struct{}, 1),
		cancelled: make(chan struct{}),
	}
	dialer.subscribe(w.change)
	return w
}

func (w *Waiter) ListReaders() ([]string, error) {
	readers := w.dialer.Readers()
	if len(readers) == 0 {
		return nil, agent.ErrNoReaders
	}
	return readers, nil
}

// WaitForChange fills Event for every state that differs from the caller's
// baseline and returns. With nothing changed it blocks until an attach,
// a detach, the timeout or Cancel.
func (w *Waiter) WaitForChange(states []agent.ReaderState, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if w.fill(states) {
			return nil
		}
		select {
		case <-w.change:
		case <-deadline.C:
			return agent.ErrWaitTimeout
		case <-w.cancelled:
			return agent.ErrWaitCancelled
		}
	}
}

// Cancel unblocks the pending wait. The waiter stays cancelled afterwards,
// matching its shutdown-only use.
func (w *Waiter) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.done = true
		close(w.cancelled)
	}
	return nil
}

func (w *Waiter) fill(states []agent.ReaderState) bool {
	any := false
	for i := range states {
		var flags agent.StateFlag
		if states[i].Reader == agent.PnPPseudoReader {
			// The dialer generation rides in the upper bits so the monitor's
			// stored baseline detects further attach/detach cycles.
			flags = agent.StateFlag(w.dialer.generation()) << 16
			if flags != states[i].Current {
				states[i].Event = flags | agent.StateChanged
				any = true
			} else {
				states[i].Event = states[i].Current
			}
			continue
		}

		if w.dialer.attached(states[i].Reader) {
			flags = agent.StatePresent
		} else {
			flags = agent.StateEmpty
		}
		if flags != states[i].Current {
			states[i].Event = flags | agent.StateChanged
			any = true
		} else {
			states[i].Event = states[i].Current
		}
	}
	return any
}
