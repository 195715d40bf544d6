// Package admission gates new agent process launches against configured
// concurrency ceilings.
package admission

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
)

// ErrCancelled is returned when a queued request is cancelled before it is
// admitted. The process was never spawned; cancellation has no side effects.
var ErrCancelled = errors.New("admission: queued request cancelled")

// waiter is one queued launch request with a one-shot admit signal.
type waiter struct {
	kind       models.ProcessKind
	enqueuedAt time.Time
	admit      chan struct{} // closed on admission
}

// Controller limits running agent processes per kind and in aggregate.
// Requests that exceed either cap queue in strict FIFO order and suspend
// on a one-shot signal; Release admits the oldest request that fits.
type Controller struct {
	mu           sync.Mutex
	kindMax      map[models.ProcessKind]int
	aggregateMax int
	running      map[models.ProcessKind]int
	queue        []*waiter
}

// New creates a controller. A ceiling of zero or less means unlimited.
func New(kindMax map[models.ProcessKind]int, aggregateMax int) *Controller {
	maxes := make(map[models.ProcessKind]int, len(kindMax))
	for k, v := range kindMax {
		maxes[k] = v
	}
	return &Controller{
		kindMax:      maxes,
		aggregateMax: aggregateMax,
		running:      make(map[models.ProcessKind]int),
	}
}

// Acquire admits the request immediately when both caps allow, otherwise
// queues it and suspends until admitted or ctx is cancelled. Cancelling a
// queued request returns ErrCancelled and leaves all counters untouched.
func (c *Controller) Acquire(ctx context.Context, kind models.ProcessKind) error {
	c.mu.Lock()
	if c.fitsLocked(kind) {
		c.running[kind]++
		c.mu.Unlock()
		return nil
	}

	w := &waiter{
		kind:       kind,
		enqueuedAt: time.Now(),
		admit:      make(chan struct{}),
	}
	c.queue = append(c.queue, w)
	queued := len(c.queue)
	c.mu.Unlock()

	log.Printf("admission_event=queued kind=%s queue_len=%d", kind, queued)

	select {
	case <-w.admit:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, q := range c.queue {
			if q == w {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				c.mu.Unlock()
				return ErrCancelled
			}
		}
		// Admitted concurrently with the cancellation: hand the slot back
		// so the next waiter gets it.
		c.releaseLocked(kind)
		c.mu.Unlock()
		return ErrCancelled
	}
}

// Release returns one running slot for kind and admits the oldest queued
// request that now fits both caps. Releasing a kind with no running
// sessions is an internal inconsistency: logged, never fatal.
func (c *Controller) Release(kind models.ProcessKind) {
	c.mu.Lock()
	c.releaseLocked(kind)
	c.mu.Unlock()
}

func (c *Controller) releaseLocked(kind models.ProcessKind) {
	if c.running[kind] <= 0 {
		log.Printf("admission_event=release_underflow kind=%s", kind)
		return
	}
	c.running[kind]--

	// Strict FIFO: admit the oldest waiter that fits, never reorder.
	for i, w := range c.queue {
		if !c.fitsLocked(w.kind) {
			continue
		}
		c.running[w.kind]++
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		close(w.admit)
		return
	}
}

// fitsLocked checks both the per-kind and the aggregate cap.
func (c *Controller) fitsLocked(kind models.ProcessKind) bool {
	if max, ok := c.kindMax[kind]; ok && max > 0 && c.running[kind] >= max {
		return false
	}
	if c.aggregateMax > 0 && c.totalRunningLocked() >= c.aggregateMax {
		return false
	}
	return true
}

func (c *Controller) totalRunningLocked() int {
	total := 0
	for _, n := range c.running {
		total += n
	}
	return total
}

// Status reports counters per kind and in aggregate for UI display.
func (c *Controller) Status() models.ConcurrencyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	queuedByKind := make(map[models.ProcessKind]int)
	for _, w := range c.queue {
		queuedByKind[w.kind]++
	}

	kinds := make(map[models.ProcessKind]models.KindStatus)
	for _, kind := range models.Kinds() {
		kinds[kind] = models.KindStatus{
			Running: c.running[kind],
			Queued:  queuedByKind[kind],
			Max:     c.kindMax[kind],
		}
	}

	return models.ConcurrencyStatus{
		Kinds: kinds,
		Aggregate: models.KindStatus{
			Running: c.totalRunningLocked(),
			Queued:  len(c.queue),
			Max:     c.aggregateMax,
		},
	}
}

// Running returns the running count for one kind.
func (c *Controller) Running(kind models.ProcessKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[kind]
}

// QueueLen returns the total number of queued requests.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
