package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentflow/agentflow/internal/common/logger"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestMemoryBus_PublishDeliversToSubscriber(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var received []*Event
	_, err := b.Subscribe(SubjectRunStarted, func(_ context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ev := NewEvent("run-started", "test", map[string]any{"run_id": "r1"})
	if err := b.Publish(context.Background(), SubjectRunStarted, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0].ID != ev.ID {
		t.Fatalf("expected event %s, got %s", ev.ID, received[0].ID)
	}
}

func TestMemoryBus_WildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	count := 0
	_, err := b.Subscribe("run.>", func(_ context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, SubjectRunStarted, NewEvent("run-started", "test", nil))
	_ = b.Publish(ctx, SubjectStepFailed, NewEvent("step-failed", "test", nil))
	_ = b.Publish(ctx, "other.subject", NewEvent("other", "test", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe(SubjectRunFinished, func(_ context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if sub.IsValid() {
		t.Fatalf("expected subscription to be invalid after unsubscribe")
	}

	_ = b.Publish(context.Background(), SubjectRunFinished, NewEvent("run-finished", "test", nil))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestMemoryBus_PublishAfterCloseFails(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	if b.IsConnected() {
		t.Fatalf("expected closed bus to report not connected")
	}
	if err := b.Publish(context.Background(), SubjectRunStarted, NewEvent("x", "test", nil)); err == nil {
		t.Fatalf("expected publish on closed bus to fail")
	}
}
