package lxd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vmgate/vmgate/internal/logging"
)

// opOutcome is the terminal state of one tracked operation.
type opOutcome struct {
	StatusCode int
	Err        string
}

func (o opOutcome) error() error {
	if o.StatusCode == 200 {
		return nil
	}
	if o.Err == "" {
		return fmt.Errorf("operation failed with status %d", o.StatusCode)
	}
	return fmt.Errorf("operation failed with status %d: %s", o.StatusCode, o.Err)
}

// opTracker correlates feed messages to pending waiters by operation id.
// Each operation has exactly one waiter and one settlement: the entry is
// removed under the lock before the outcome is delivered, so a second
// terminal message for the same id is ignored like any unknown id.
type opTracker struct {
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan opOutcome
}

func newOpTracker(logger *slog.Logger) *opTracker {
	return &opTracker{
		logger:  logging.Ensure(logger),
		waiters: map[string]chan opOutcome{},
	}
}

// watch registers a waiter for id. The channel holds one outcome.
func (t *opTracker) watch(id string) <-chan opOutcome {
	ch := make(chan opOutcome, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()
	return ch
}

// forget abandons a waiter that will no longer be consumed.
func (t *opTracker) forget(id string) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// observe feeds one operation message from the event feed into the tracker.
// Progress updates (status < 200) are not terminal and leave the waiter in
// place; unmatched ids are ignored.
func (t *opTracker) observe(op operation) {
	if !op.terminal() {
		logging.Trace(t.logger, "operation progress", "id", op.ID, "status", op.StatusCode)
		return
	}
	t.mu.Lock()
	ch, ok := t.waiters[op.ID]
	if ok {
		delete(t.waiters, op.ID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	ch <- opOutcome{StatusCode: op.StatusCode, Err: op.Err}
}

// failAll settles every pending waiter with err. Used when the event feed
// itself dies: nothing can reach a terminal status anymore.
func (t *opTracker) failAll(err error) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = map[string]chan opOutcome{}
	t.mu.Unlock()
	for _, ch := range waiters {
		ch <- opOutcome{StatusCode: 599, Err: err.Error()}
	}
}

// await blocks until op settles. An operation already terminal at submit
// time settles immediately. There is deliberately no timeout here: an
// operation that never reaches a terminal status waits until the caller's
// context ends.
func (t *opTracker) await(ctx context.Context, op operation, ch <-chan opOutcome) error {
	if op.terminal() {
		t.forget(op.ID)
		if op.succeeded() {
			return nil
		}
		return opOutcome{StatusCode: op.StatusCode, Err: op.Err}.error()
	}
	select {
	case outcome := <-ch:
		return outcome.error()
	case <-ctx.Done():
		t.forget(op.ID)
		return ctx.Err()
	}
}
