package flowcontrol_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pubflow/pubsub/internal/subscriber/flowcontrol"
)

func TestReserveWithinLimitsDoesNotBlock(t *testing.T) {
	c := flowcontrol.New(flowcontrol.Settings{MaxOutstandingMessages: 10, MaxOutstandingBytes: 1000})
	if err := c.Reserve(context.Background(), 1, 100); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	count, bytes := c.Outstanding()
	if count != 1 || bytes != 100 {
		t.Fatalf("Outstanding = (%d, %d), want (1, 100)", count, bytes)
	}
}

func TestReserveBlocksUntilRelease(t *testing.T) {
	c := flowcontrol.New(flowcontrol.Settings{MaxOutstandingMessages: 1})
	if err := c.Reserve(context.Background(), 1, 0); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Reserve(context.Background(), 1, 0) }()

	select {
	case <-done:
		t.Fatal("Reserve should have blocked at the message limit")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release(1, 0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reserve after Release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Reserve never unblocked after Release")
	}
}

func TestReserveHonorsContextCancellation(t *testing.T) {
	c := flowcontrol.New(flowcontrol.Settings{MaxOutstandingMessages: 1})
	if err := c.Reserve(context.Background(), 1, 0); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Reserve(ctx, 1, 0); err == nil {
		t.Fatal("Reserve should have returned an error once ctx expired")
	}

	// The cancelled waiter must not have left a stale reservation behind.
	c.Release(1, 0)
	if err := c.Reserve(context.Background(), 1, 0); err != nil {
		t.Fatalf("Reserve after cancellation cleanup: %v", err)
	}
}

func TestReserveIgnoreNeverBlocks(t *testing.T) {
	c := flowcontrol.New(flowcontrol.Settings{MaxOutstandingMessages: 1, LimitBehavior: flowcontrol.Ignore})
	if err := c.Reserve(context.Background(), 1, 0); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Reserve(context.Background(), 5, 0) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reserve under Ignore: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Reserve under Ignore should never block")
	}
}

func TestReserveFIFOFairness(t *testing.T) {
	c := flowcontrol.New(flowcontrol.Settings{MaxOutstandingMessages: 1})
	if err := c.Reserve(context.Background(), 1, 0); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.Reserve(context.Background(), 1, 0); err != nil {
				t.Errorf("Reserve(%d): %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			c.Release(1, 0)
		}(i)
		time.Sleep(10 * time.Millisecond) // ensure enqueue order matches i
	}

	c.Release(1, 0)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("waiters admitted out of FIFO order: %v", order)
		}
	}
}

func TestValidateSettingsRejectsNegativeLimits(t *testing.T) {
	if err := flowcontrol.ValidateSettings(flowcontrol.Settings{MaxOutstandingMessages: -1}); err == nil {
		t.Fatal("expected error for negative MaxOutstandingMessages")
	}
	if err := flowcontrol.ValidateSettings(flowcontrol.Settings{MaxOutstandingBytes: -1}); err == nil {
		t.Fatal("expected error for negative MaxOutstandingBytes")
	}
	if err := flowcontrol.ValidateSettings(flowcontrol.Settings{MaxOutstandingMessages: 10, MaxOutstandingBytes: 10}); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}
}
