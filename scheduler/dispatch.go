package scheduler

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/SissiFeng/ot2-piloting/errors"
	"github.com/SissiFeng/ot2-piloting/experiment"
	"github.com/SissiFeng/ot2-piloting/message"
)

// errResultUnclaimed reports that a result arrived after its submitter
// abandoned the stream. The depositor disposes of the task in that case.
var errResultUnclaimed = stderrors.New("result deposited with no waiter")

// resultSlot holds the rendezvous state for one session token. The channel
// is buffered so the single permitted deposit never blocks.
type resultSlot struct {
	ch        chan experiment.Result
	deposited bool
	abandoned bool
}

// resultBoard is the single-producer/single-consumer rendezvous delivering
// each task's terminal result to the exact caller that submitted it. Tokens
// are never reused, so a slot is released as soon as its result is either
// collected by the waiter or reported unclaimed to the depositor.
type resultBoard struct {
	mu     sync.Mutex
	slots  map[message.Token]*resultSlot
	logger *slog.Logger
}

func newResultBoard(logger *slog.Logger) *resultBoard {
	return &resultBoard{
		slots:  make(map[message.Token]*resultSlot),
		logger: logger,
	}
}

func (b *resultBoard) slot(token message.Token) *resultSlot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slotLocked(token)
}

func (b *resultBoard) slotLocked(token message.Token) *resultSlot {
	s, ok := b.slots[token]
	if !ok {
		s = &resultSlot{ch: make(chan experiment.Result, 1)}
		b.slots[token] = s
	}
	return s
}

// Deposit publishes the terminal result for a session token. Exactly one
// deposit per token is expected; a second deposit is a logic error that is
// logged and discarded, never fatal. If the waiter already abandoned the
// token, Deposit releases the slot and returns errResultUnclaimed so the
// caller can dispose of the task.
func (b *resultBoard) Deposit(token message.Token, result experiment.Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.slotLocked(token)
	if s.deposited {
		b.logger.Warn("duplicate result deposit discarded",
			"token", token.String(), "status", result.Status.String())
		return errors.ErrDuplicateResult
	}
	s.deposited = true

	if s.abandoned {
		delete(b.slots, token)
		return errResultUnclaimed
	}
	s.ch <- result
	return nil
}

// Await blocks until the result for the token arrives or ctx expires. On
// delivery the slot is released; on ctx expiry the caller is expected to
// Abandon the token.
func (b *resultBoard) Await(ctx context.Context, token message.Token) (experiment.Result, error) {
	slot := b.slot(token)

	select {
	case result := <-slot.ch:
		b.forget(token)
		return result, nil
	case <-ctx.Done():
		return experiment.Result{}, errors.WrapTransient(
			ctx.Err(), "resultBoard", "Await", "wait for result "+token.String())
	}
}

// Abandon records that the token's waiter is gone. If the result was
// already deposited it is drained and returned with true so the caller can
// dispose of the task; otherwise the eventual Deposit reports it unclaimed.
func (b *resultBoard) Abandon(token message.Token) (experiment.Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.slotLocked(token)
	if s.deposited {
		result := <-s.ch
		delete(b.slots, token)
		return result, true
	}
	s.abandoned = true
	return experiment.Result{}, false
}

func (b *resultBoard) forget(token message.Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.slots, token)
}

// open reports the number of live slots, for tests.
func (b *resultBoard) open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}
