// Package queue is a bounded-concurrency primitive with three back-pressure
// strategies, reusable by the capability loader, the RPC bridge, and any
// server fronting the gateway.
package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/gatewayerr"
)

// Strategy selects the behavior of Acquire once maxConcurrent is reached.
type Strategy string

const (
	// Reject fails Acquire immediately with a capacity error.
	Reject Strategy = "reject"
	// Sleep polls at a fixed interval until a slot frees.
	Sleep Strategy = "sleep"
	// FIFOQueue enqueues the acquirer and resumes waiters in arrival order.
	FIFOQueue Strategy = "queue"
)

// Queue enforces inFlight <= maxConcurrent under the configured Strategy.
type Queue struct {
	maxConcurrent int
	strategy      Strategy
	sleepMs       time.Duration

	mu       sync.Mutex
	inFlight int
	waiters  *list.List // of chan struct{}, FIFOQueue only
}

// Config configures a Queue.
type Config struct {
	MaxConcurrent int
	Strategy      Strategy
	SleepMs       time.Duration // used only by Sleep strategy; defaults to 10ms
}

// New builds a Queue. MaxConcurrent <= 0 is treated as 1.
func New(cfg Config) *Queue {
	max := cfg.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	sleepMs := cfg.SleepMs
	if sleepMs <= 0 {
		sleepMs = 10 * time.Millisecond
	}
	return &Queue{
		maxConcurrent: max,
		strategy:      cfg.Strategy,
		sleepMs:       sleepMs,
		waiters:       list.New(),
	}
}

// token is the handle returned by Acquire; callers pass it to Release.
type token struct{}

// Acquire blocks (or fails, under Reject) until a slot is available,
// according to the configured strategy.
func (q *Queue) Acquire() (*token, error) {
	switch q.strategy {
	case Reject:
		return q.acquireReject()
	case FIFOQueue:
		return q.acquireFIFO()
	default:
		return q.acquireSleep()
	}
}

func (q *Queue) acquireReject() (*token, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight >= q.maxConcurrent {
		return nil, gatewayerr.New(gatewayerr.CodeCapacityExceeded, "request queue at capacity")
	}
	q.inFlight++
	return &token{}, nil
}

func (q *Queue) acquireSleep() (*token, error) {
	for {
		q.mu.Lock()
		if q.inFlight < q.maxConcurrent {
			q.inFlight++
			q.mu.Unlock()
			return &token{}, nil
		}
		sleepMs := q.sleepMs
		q.mu.Unlock()
		time.Sleep(sleepMs)
	}
}

func (q *Queue) acquireFIFO() (*token, error) {
	q.mu.Lock()
	if q.inFlight < q.maxConcurrent && q.waiters.Len() == 0 {
		q.inFlight++
		q.mu.Unlock()
		return &token{}, nil
	}
	ch := make(chan struct{})
	q.waiters.PushBack(ch)
	q.mu.Unlock()

	<-ch // signalled by Release once this waiter is at the front and a slot opened
	return &token{}, nil
}

// Release returns a slot to the pool, waking the next FIFO waiter if any.
func (q *Queue) Release(tok *token) {
	if tok == nil {
		panic("queue: release of nil token")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.strategy == FIFOQueue && q.waiters.Len() > 0 {
		// Hand the slot directly to the next waiter instead of decrementing;
		// this keeps inFlight accurate without a race window where a
		// concurrent Acquire could steal the just-freed slot.
		front := q.waiters.Front()
		q.waiters.Remove(front)
		ch := front.Value.(chan struct{})
		close(ch)
		return
	}
	q.inFlight--
}

// InFlight returns the current number of acquired, unreleased slots.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}
