package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/store/memory"
)

func newTestBus() *Bus {
	return NewBus(memory.NewMemoryStore().Events(), nil)
}

func TestPublishAssignsSequences(t *testing.T) {
	bus := newTestBus()
	runID := "run-1"
	bus.Open(runID)
	defer bus.Close(runID)

	for i := 0; i < 5; i++ {
		ev, err := bus.Publish(context.Background(), runID, models.EventLog, models.StepCheckout, fmt.Sprintf("line %d", i))
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if ev.Sequence != int64(i+1) {
			t.Errorf("Sequence = %d, want %d", ev.Sequence, i+1)
		}
	}

	history, err := bus.History(context.Background(), runID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
	for i, ev := range history {
		if ev.Sequence != int64(i+1) {
			t.Errorf("history[%d].Sequence = %d, want %d", i, ev.Sequence, i+1)
		}
	}
}

func TestSubscribeReplayThenLive(t *testing.T) {
	bus := newTestBus()
	runID := "run-replay"
	bus.Open(runID)

	ctx := context.Background()
	bus.Publish(ctx, runID, models.EventRunStart, "", "")
	bus.Publish(ctx, runID, models.EventStepStart, models.StepCheckout, "")

	history, sub, err := bus.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sub == nil {
		t.Fatal("Subscribe() on active run returned nil subscription")
	}
	defer bus.Unsubscribe(sub)
	if len(history) != 2 {
		t.Fatalf("replayed %d events, want 2", len(history))
	}

	bus.Publish(ctx, runID, models.EventStepSuccess, models.StepCheckout, "")

	select {
	case ev := <-sub.Events():
		if ev.Sequence != 3 {
			t.Errorf("live event sequence = %d, want 3 (no gap, no duplicate)", ev.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}

	bus.Close(runID)
	select {
	case _, open := <-sub.Events():
		if open {
			t.Error("expected channel close after run terminated")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestSubscribeTerminalRunReturnsFinalHistory(t *testing.T) {
	bus := newTestBus()
	runID := "run-done"
	bus.Open(runID)

	ctx := context.Background()
	bus.Publish(ctx, runID, models.EventRunStart, "", "")
	bus.Publish(ctx, runID, models.EventRunFailed, "", "boom")
	bus.Close(runID)

	history, sub, err := bus.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sub != nil {
		t.Error("Subscribe() on terminal run should return nil subscription")
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}

	// Repeatable read.
	again, _, err := bus.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if len(again) != len(history) {
		t.Errorf("second read returned %d events, want %d", len(again), len(history))
	}
	for i := range history {
		if history[i].Sequence != again[i].Sequence || history[i].Type != again[i].Type {
			t.Errorf("history diverged at index %d", i)
		}
	}
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	bus := newTestBus()
	runID := "run-slow"
	bus.Open(runID)
	defer bus.Close(runID)

	ctx := context.Background()
	_, sub, err := bus.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Never drain the subscriber; publishing past its buffer must
	// disconnect it instead of blocking the publisher.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Publish(ctx, runID, models.EventLog, models.StepBuildAndTest, "spam")
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// Drain. The channel must eventually be closed.
	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-sub.Events():
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber channel was never closed")
		}
	}
}

func TestPublishOrderIsPerRun(t *testing.T) {
	bus := newTestBus()
	bus.Open("run-a")
	bus.Open("run-b")
	defer bus.Close("run-a")
	defer bus.Close("run-b")

	ctx := context.Background()
	bus.Publish(ctx, "run-a", models.EventRunStart, "", "")
	bus.Publish(ctx, "run-b", models.EventRunStart, "", "")
	bus.Publish(ctx, "run-b", models.EventLog, models.StepCheckout, "")

	evA, _ := bus.History(ctx, "run-a")
	evB, _ := bus.History(ctx, "run-b")
	if len(evA) != 1 || evA[0].Sequence != 1 {
		t.Errorf("run-a history = %d events, first sequence %d", len(evA), evA[0].Sequence)
	}
	if len(evB) != 2 || evB[1].Sequence != 2 {
		t.Errorf("run-b sequences should be independent of run-a")
	}
}
