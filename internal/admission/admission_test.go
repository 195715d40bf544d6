package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
)

func newTestController(workerMax, orchMax, aggregateMax int) *Controller {
	return New(map[models.ProcessKind]int{
		models.KindWorker:       workerMax,
		models.KindOrchestrator: orchMax,
	}, aggregateMax)
}

func acquireNow(t *testing.T, c *Controller, kind models.ProcessKind) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Acquire(ctx, kind); err != nil {
		t.Fatalf("Acquire(%s) failed: %v", kind, err)
	}
}

func TestAcquireRelease(t *testing.T) {
	c := newTestController(2, 2, 0)

	t.Run("admits under cap", func(t *testing.T) {
		acquireNow(t, c, models.KindWorker)
		acquireNow(t, c, models.KindWorker)
		if got := c.Running(models.KindWorker); got != 2 {
			t.Errorf("Expected 2 running workers, got %d", got)
		}
	})

	t.Run("queues at cap then admits on release", func(t *testing.T) {
		admitted := make(chan error, 1)
		go func() {
			admitted <- c.Acquire(context.Background(), models.KindWorker)
		}()

		// Give the goroutine time to enqueue.
		waitFor(t, func() bool { return c.QueueLen() == 1 })
		if got := c.Running(models.KindWorker); got != 2 {
			t.Errorf("Expected running to stay at cap, got %d", got)
		}

		c.Release(models.KindWorker)
		select {
		case err := <-admitted:
			if err != nil {
				t.Fatalf("Queued acquire failed: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Queued request was not admitted after release")
		}
		if got := c.Running(models.KindWorker); got != 2 {
			t.Errorf("Expected running back at cap, got %d", got)
		}
	})
}

func TestNeverExceedsKindMax(t *testing.T) {
	const cap = 3
	c := newTestController(cap, cap, 0)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var mu sync.Mutex
	maxSeen := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Acquire(context.Background(), models.KindWorker); err != nil {
				return
			}
			mu.Lock()
			if n := c.Running(models.KindWorker); n > maxSeen {
				maxSeen = n
			}
			mu.Unlock()
			<-stop
			c.Release(models.KindWorker)
		}()
	}

	waitFor(t, func() bool { return c.Running(models.KindWorker) == cap })
	close(stop)
	wg.Wait()

	if maxSeen > cap {
		t.Errorf("Running count exceeded cap: saw %d, cap %d", maxSeen, cap)
	}
	if got := c.Running(models.KindWorker); got != 0 {
		t.Errorf("Expected 0 running after all released, got %d", got)
	}
}

func TestFIFOOrder(t *testing.T) {
	c := newTestController(1, 1, 0)
	acquireNow(t, c, models.KindWorker)

	const queued = 5
	order := make(chan int, queued)
	for i := 0; i < queued; i++ {
		i := i
		go func() {
			if err := c.Acquire(context.Background(), models.KindWorker); err == nil {
				order <- i
			}
		}()
		// Enqueue one at a time so FIFO order is well defined.
		waitFor(t, func() bool { return c.QueueLen() == i+1 })
	}

	for want := 0; want < queued; want++ {
		c.Release(models.KindWorker)
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("Expected admission order %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("Waiter %d was not admitted", want)
		}
	}
}

func TestAggregateCap(t *testing.T) {
	c := newTestController(5, 5, 2)
	acquireNow(t, c, models.KindWorker)
	acquireNow(t, c, models.KindOrchestrator)

	admitted := make(chan error, 1)
	go func() {
		admitted <- c.Acquire(context.Background(), models.KindWorker)
	}()
	waitFor(t, func() bool { return c.QueueLen() == 1 })

	// Releasing the orchestrator frees aggregate capacity for the worker.
	c.Release(models.KindOrchestrator)
	select {
	case err := <-admitted:
		if err != nil {
			t.Fatalf("Queued acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Aggregate release did not admit queued worker")
	}

	st := c.Status()
	if st.Aggregate.Running != 2 {
		t.Errorf("Expected aggregate running 2, got %d", st.Aggregate.Running)
	}
}

func TestCancelQueued(t *testing.T) {
	c := newTestController(1, 1, 0)
	acquireNow(t, c, models.KindWorker)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- c.Acquire(ctx, models.KindWorker)
	}()
	waitFor(t, func() bool { return c.QueueLen() == 1 })

	cancel()
	select {
	case err := <-result:
		if err != ErrCancelled {
			t.Fatalf("Expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Cancelled acquire did not return")
	}

	if got := c.QueueLen(); got != 0 {
		t.Errorf("Expected empty queue after cancellation, got %d", got)
	}
	if got := c.Running(models.KindWorker); got != 1 {
		t.Errorf("Cancellation must not change running count, got %d", got)
	}
}

func TestReleaseUnderflow(t *testing.T) {
	c := newTestController(1, 1, 0)

	// Must not panic or go negative.
	c.Release(models.KindWorker)
	if got := c.Running(models.KindWorker); got != 0 {
		t.Errorf("Expected running to stay 0, got %d", got)
	}

	// Controller still works afterwards.
	acquireNow(t, c, models.KindWorker)
	if got := c.Running(models.KindWorker); got != 1 {
		t.Errorf("Expected 1 running, got %d", got)
	}
}

func TestStatus(t *testing.T) {
	c := newTestController(1, 2, 3)
	acquireNow(t, c, models.KindWorker)

	go c.Acquire(context.Background(), models.KindWorker)
	waitFor(t, func() bool { return c.QueueLen() == 1 })

	st := c.Status()
	w := st.Kinds[models.KindWorker]
	if w.Running != 1 || w.Queued != 1 || w.Max != 1 {
		t.Errorf("Unexpected worker status: %+v", w)
	}
	o := st.Kinds[models.KindOrchestrator]
	if o.Running != 0 || o.Queued != 0 || o.Max != 2 {
		t.Errorf("Unexpected orchestrator status: %+v", o)
	}
	if st.Aggregate.Max != 3 {
		t.Errorf("Expected aggregate max 3, got %d", st.Aggregate.Max)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met in time")
}
