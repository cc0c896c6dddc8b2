// Package pcsc talks to real hardware through the PC/SC smart card stack:
// status waiting for the reader monitor and an OATH applet session for code
// generation.
package pcsc

import (
	"time"

	"github.com/ebfe/scard"
	pkgerrors "github.com/pkg/errors"

	"github.com/oathkey/agent"
)

// Waiter adapts a PC/SC context to the monitor's status-wait contract.
type Waiter struct {
	ctx *scard.Context
}

var _ agent.StatusWaiter = (*Waiter)(nil)

// NewWaiter establishes a PC/SC context.
func NewWaiter() (*Waiter, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "pcsc: establish context failed")
	}
	return &Waiter{ctx: ctx}, nil
}

func (w *Waiter) ListReaders() ([]string, error) {
	readers, err := w.ctx.ListReaders()
	if err != nil {
		return nil, mapError(err, "pcsc: list readers failed")
	}
	return readers, nil
}

func (w *Waiter) WaitForChange(states []agent.ReaderState, timeout time.Duration) error {
	scardStates := make([]scard.ReaderState, len(states))
	for i, s := range states {
		scardStates[i] = scard.ReaderState{
			Reader:       s.Reader,
			CurrentState: scard.StateFlag(s.Current),
		}
	}
	err := w.ctx.GetStatusChange(scardStates, timeout)
	if err != nil {
		return mapError(err, "pcsc: get status change failed")
	}
	for i := range scardStates {
		states[i].Event = agent.StateFlag(scardStates[i].EventState)
	}
	return nil
}

// Cancel unblocks a pending GetStatusChange from another goroutine.
func (w *Waiter) Cancel() error {
	if err := w.ctx.Cancel(); err != nil {
		return pkgerrors.Wrap(err, "pcsc: cancel status wait failed")
	}
	return nil
}

// Release tears down the PC/SC context.
func (w *Waiter) Release() error {
	if err := w.ctx.Release(); err != nil {
		return pkgerrors.Wrap(err, "pcsc: release context failed")
	}
	return nil
}

// mapError converts scard errors into the sentinel errors the monitor and
// manager branch on.
func mapError(err error, msg string) error {
	scardErr, ok := err.(scard.Error)
	if !ok {
		return pkgerrors.Wrap(err, msg)
	}
	switch scardErr {
	case scard.ErrTimeout:
		return agent.ErrWaitTimeout
	case scard.ErrCancelled:
		return agent.ErrWaitCancelled
	case scard.ErrUnknownReader:
		return agent.ErrUnknownReader
	case scard.ErrNoReadersAvailable:
		return agent.ErrNoReaders
	case scard.ErrResetCard:
		return agent.ErrCardReset
	default:
		return pkgerrors.Wrap(err, msg)
	}
}
