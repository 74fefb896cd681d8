package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrencyCap(t *testing.T) {
	q := New(3)
	defer q.Close()

	var (
		current atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
	)
	release := make(chan struct{})

	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := q.Submit("task", func(ctx context.Context) {
			defer wg.Done()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			current.Add(-1)
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for current.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := q.Running(); got != 3 {
		t.Errorf("Running() = %d, want 3", got)
	}
	if got := q.Pending(); got != 7 {
		t.Errorf("Pending() = %d, want 7", got)
	}

	close(release)
	wg.Wait()

	if got := peak.Load(); got > 3 {
		t.Errorf("peak in-flight = %d, want <= 3", got)
	}
	if got := peak.Load(); got < 3 {
		t.Errorf("peak in-flight = %d, expected the cap to be reached", got)
	}
}

func TestFIFOOrder(t *testing.T) {
	q := New(1)
	defer q.Close()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	gate := make(chan struct{})

	wg.Add(1)
	_ = q.Submit("gate", func(ctx context.Context) {
		defer wg.Done()
		<-gate
	})
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		_ = q.Submit("task", func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	close(gate)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestPanicDoesNotLeakSlot(t *testing.T) {
	q := New(1)
	defer q.Close()

	done := make(chan struct{})
	_ = q.Submit("panics", func(ctx context.Context) { panic("boom") })
	_ = q.Submit("after", func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task after a panic never ran")
	}
}

func TestCloseCancelsRunningAndDropsPending(t *testing.T) {
	q := New(1)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	_ = q.Submit("long", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	ran := atomic.Bool{}
	_ = q.Submit("never", func(ctx context.Context) { ran.Store(true) })

	<-started
	dropped := q.Close()

	select {
	case <-cancelled:
	default:
		t.Error("running task was not cancelled before Close returned")
	}
	if ran.Load() {
		t.Error("pending task ran after Close")
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	if err := q.Submit("late", func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close err = %v, want ErrClosed", err)
	}
	if q.Close() != 0 {
		t.Error("second Close should report nothing dropped")
	}
}
