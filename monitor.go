package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// StateFlag is the presence bitmask for one reader, mirroring PC/SC reader
// state flags.
type StateFlag uint32

const (
	// StateUnaware marks a reader we have no baseline for yet. The first
	// observation only seeds the baseline and never produces events.
	StateUnaware StateFlag = 0x0000
	StateChanged StateFlag = 0x0002
	StateEmpty   StateFlag = 0x0010
	StatePresent StateFlag = 0x0020
)

// ReaderState is one entry of a status-wait call. Implementations fill Event
// with the observed state; Current carries the caller's last known state.
type ReaderState struct {
	Reader  string
	Current StateFlag
	Event   StateFlag
}

// PnPPseudoReader is the magic reader name that reports changes to the set
// of available readers instead of a single reader's card state.
const PnPPseudoReader = `\\?PnP?\Notification`

// StatusWaiter is the blocking hardware status-wait primitive. WaitForChange
// blocks until a state change, the timeout, or a Cancel call; it returns
// ErrWaitTimeout, ErrWaitCancelled, ErrUnknownReader or ErrNoReaders for the
// recoverable outcomes. Only the monitor goroutine may call WaitForChange;
// Cancel may be called from any goroutine.
type StatusWaiter interface {
	ListReaders() ([]string, error)
	WaitForChange(states []ReaderState, timeout time.Duration) error
	Cancel() error
}

const (
	monitorPollTimeout  = time.Second
	monitorErrorBackoff = time.Second
	monitorStopTimeout  = 5 * time.Second
)

// ReaderMonitor watches for two independent classes of hardware change on a
// dedicated goroutine: reader hot-plug (the PnP pseudo reader) and per-reader
// card presence transitions. Changes are published through Events.
type ReaderMonitor struct {
	waiter StatusWaiter
	events *Events

	running atomic.Bool
	mu      sync.Mutex
	done    chan struct{}

	pnpState     StateFlag
	readerStates map[string]StateFlag
}

// NewReaderMonitor builds a monitor publishing to events.
func NewReaderMonitor(waiter StatusWaiter, events *Events) *ReaderMonitor {
	return &ReaderMonitor{
		waiter:       waiter,
		events:       events,
		readerStates: make(map[string]StateFlag),
	}
}

// Start begins monitoring on a background goroutine. No-op when already
// running. The context cancels the monitor the same way Stop does.
func (m *ReaderMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running.Load() {
		log.Debug().Msg("reader monitor already running")
		return
	}
	m.running.Store(true)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	log.Debug().Msg("reader monitor started")
}

// Stop requests termination, unblocks the status wait and waits for the
// goroutine to exit. Exceeding the bounded wait is a defect and is reported
// as an error, never a silent hang.
func (m *ReaderMonitor) Stop() error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	if !m.running.Load() || done == nil {
		return nil
	}
	m.running.Store(false)

	if err := m.waiter.Cancel(); err != nil {
		log.Warn().Err(err).Msg("cancel status wait failed")
	}

	select {
	case <-done:
		log.Debug().Msg("reader monitor stopped")
		return nil
	case <-time.After(monitorStopTimeout):
		return errors.Errorf("reader monitor did not stop within %s", monitorStopTimeout)
	}
}

func (m *ReaderMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	stop := context.AfterFunc(ctx, func() {
		m.running.Store(false)
		_ = m.waiter.Cancel()
	})
	defer stop()

	for m.running.Load() {
		if !m.watchReaderList() {
			break
		}
		if !m.watchCardPresence() {
			break
		}
	}
	log.Debug().Msg("reader monitor loop finished")
}

// watchReaderList waits for a change in the set of available readers.
// Returns false only when the wait was cancelled.
func (m *ReaderMonitor) watchReaderList() bool {
	if !m.running.Load() {
		return false
	}

	states := []ReaderState{{Reader: PnPPseudoReader, Current: m.pnpState}}
	err := m.waiter.WaitForChange(states, monitorPollTimeout)
	switch {
	case err == nil:
	case errors.Is(err, ErrWaitTimeout):
		return true
	case errors.Is(err, ErrWaitCancelled):
		log.Debug().Msg("status wait cancelled (reader list)")
		return false
	default:
		log.Warn().Err(err).Msg("status wait failed (reader list)")
		time.Sleep(monitorErrorBackoff)
		return true
	}

	if states[0].Event&StateChanged != 0 {
		log.Debug().Msg("reader list changed")
		m.events.emitReaderListChanged()
		m.pnpState = states[0].Event &^ StateChanged
	}
	return true
}

// watchCardPresence enumerates current readers and waits for per-reader
// presence transitions. Returns false only when the wait was cancelled.
func (m *ReaderMonitor) watchCardPresence() bool {
	if !m.running.Load() {
		return false
	}

	readers, err := m.waiter.ListReaders()
	switch {
	case errors.Is(err, ErrNoReaders):
		time.Sleep(monitorPollTimeout)
		return true
	case err != nil:
		log.Warn().Err(err).Msg("list readers failed")
		time.Sleep(monitorErrorBackoff)
		return true
	case len(readers) == 0:
		time.Sleep(monitorPollTimeout)
		return true
	}

	states := make([]ReaderState, 0, len(readers))
	for _, reader := range readers {
		states = append(states, ReaderState{
			Reader:  reader,
			Current: m.readerStates[reader], // StateUnaware when absent
		})
	}

	err = m.waiter.WaitForChange(states, monitorPollTimeout)
	switch {
	case err == nil:
	case errors.Is(err, ErrWaitTimeout):
		return true
	case errors.Is(err, ErrWaitCancelled):
		log.Debug().Msg("status wait cancelled (card presence)")
		return false
	case errors.Is(err, ErrUnknownReader):
		// A reader disappeared between enumeration and wait. Recoverable:
		// drop the cached baselines and re-enumerate next iteration.
		log.Debug().Msg("reader list changed mid-wait, clearing cached states")
		m.readerStates = make(map[string]StateFlag)
		return true
	default:
		log.Warn().Err(err).Msg("status wait failed (card presence)")
		time.Sleep(monitorErrorBackoff)
		return true
	}

	for _, state := range states {
		if state.Event&StateChanged == 0 {
			continue
		}

		if state.Current == StateUnaware {
			// Learning the current state, not detecting a change.
			log.Debug().
				Str("reader", state.Reader).
				Bool("present", state.Event&StatePresent != 0).
				Msg("seeding reader baseline")
			m.readerStates[state.Reader] = state.Event &^ StateChanged
			continue
		}

		if state.Event&StatePresent != 0 && state.Current&StatePresent == 0 {
			log.Info().Str("reader", state.Reader).Msg("card inserted")
			m.events.emitCardInserted(state.Reader)
		}
		// StateEmpty is not reliably set by all implementations, so removal
		// is detected by the presence bit dropping.
		if state.Current&StatePresent != 0 && state.Event&StatePresent == 0 {
			log.Info().Str("reader", state.Reader).Msg("card removed")
			m.events.emitCardRemoved(state.Reader)
		}

		m.readerStates[state.Reader] = state.Event &^ StateChanged
	}
	return true
}
