package lxd

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func discardTracker() *opTracker {
	return newOpTracker(discardLogger())
}

func TestAwaitSettlesOnTerminalEvent(t *testing.T) {
	tracker := discardTracker()
	op := operation{ID: "op1", StatusCode: 100}
	ch := tracker.watch(op.ID)

	go func() {
		tracker.observe(operation{ID: "op1", StatusCode: 103}) // progress, ignored
		tracker.observe(operation{ID: "op1", StatusCode: 200})
	}()

	if err := tracker.await(context.Background(), op, ch); err != nil {
		t.Fatalf("await: %v", err)
	}
}

func TestAwaitPropagatesFailure(t *testing.T) {
	tracker := discardTracker()
	op := operation{ID: "op1", StatusCode: 100}
	ch := tracker.watch(op.ID)

	go tracker.observe(operation{ID: "op1", StatusCode: 400, Err: "instance is busy"})

	err := tracker.await(context.Background(), op, ch)
	if err == nil || !strings.Contains(err.Error(), "instance is busy") {
		t.Fatalf("err = %v, want daemon detail", err)
	}
}

func TestAwaitAlreadyTerminal(t *testing.T) {
	tracker := discardTracker()

	op := operation{ID: "op1", StatusCode: 200}
	ch := tracker.watch(op.ID)
	if err := tracker.await(context.Background(), op, ch); err != nil {
		t.Fatalf("await on pre-settled success: %v", err)
	}

	op = operation{ID: "op2", StatusCode: 400, Err: "bad request"}
	ch = tracker.watch(op.ID)
	if err := tracker.await(context.Background(), op, ch); err == nil {
		t.Fatal("pre-settled failure must error")
	}
}

func TestAwaitContextCancellation(t *testing.T) {
	tracker := discardTracker()
	op := operation{ID: "op1", StatusCode: 100}
	ch := tracker.watch(op.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tracker.await(ctx, op, ch); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context deadline", err)
	}

	// The waiter was forgotten; a late terminal event is a no-op.
	tracker.observe(operation{ID: "op1", StatusCode: 200})
}

func TestObserveSettlesExactlyOnce(t *testing.T) {
	tracker := discardTracker()
	ch := tracker.watch("op1")

	tracker.observe(operation{ID: "op1", StatusCode: 200})
	tracker.observe(operation{ID: "op1", StatusCode: 400, Err: "duplicate"})

	select {
	case outcome := <-ch:
		if outcome.StatusCode != 200 {
			t.Errorf("outcome = %+v, want the first terminal status", outcome)
		}
	default:
		t.Fatal("no outcome delivered")
	}
	select {
	case outcome := <-ch:
		t.Fatalf("second settlement delivered: %+v", outcome)
	default:
	}
}

func TestObserveUnknownOperationIgnored(t *testing.T) {
	tracker := discardTracker()
	tracker.observe(operation{ID: "never-watched", StatusCode: 200})
}

func TestFailAllSettlesPendingWaiters(t *testing.T) {
	tracker := discardTracker()
	ch1 := tracker.watch("op1")
	ch2 := tracker.watch("op2")

	tracker.failAll(errors.New("feed died"))

	for _, ch := range []<-chan opOutcome{ch1, ch2} {
		select {
		case outcome := <-ch:
			if err := outcome.error(); err == nil || !strings.Contains(err.Error(), "feed died") {
				t.Errorf("outcome error = %v", err)
			}
		default:
			t.Fatal("waiter not settled")
		}
	}
}

func TestDecodeOperationFallsBackToPath(t *testing.T) {
	envelope := &apiResponse{
		Type:       "async",
		StatusCode: 100,
		Operation:  "/1.0/operations/0f3a8d21",
	}
	op, err := decodeOperation(envelope)
	if err != nil {
		t.Fatalf("decodeOperation: %v", err)
	}
	if op.ID != "0f3a8d21" || op.StatusCode != 100 {
		t.Errorf("op = %+v", op)
	}

	if _, err := decodeOperation(&apiResponse{Type: "async"}); err == nil {
		t.Fatal("missing operation id must error")
	}
}
