package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/gatewayerr"
)

func TestReject_FailsImmediatelyAtCapacity(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, Strategy: Reject})

	tok1, err := q.Acquire()
	require.NoError(t, err)

	_, err = q.Acquire()
	assert.Equal(t, gatewayerr.CodeCapacityExceeded, gatewayerr.CodeOf(err))

	q.Release(tok1)
	tok2, err := q.Acquire()
	require.NoError(t, err)
	q.Release(tok2)
}

func TestSleep_PollsUntilSlotFrees(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, Strategy: Sleep, SleepMs: time.Millisecond})
	tok1, err := q.Acquire()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		tok2, err := q.Acquire()
		require.NoError(t, err)
		q.Release(tok2)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	q.Release(tok1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleep strategy never acquired freed slot")
	}
}

func TestQueueStrategy_CapacityNeverExceeded(t *testing.T) {
	q := New(Config{MaxConcurrent: 2, Strategy: FIFOQueue})

	var maxObserved int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := q.Acquire()
			require.NoError(t, err)
			cur := q.InFlight()
			for {
				prev := atomic.LoadInt32(&maxObserved)
				if int32(cur) <= prev || atomic.CompareAndSwapInt32(&maxObserved, prev, int32(cur)) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			q.Release(tok)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, int(maxObserved), 2)
}

func TestRelease_OfNilTokenPanics(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, Strategy: Reject})
	assert.Panics(t, func() { q.Release(nil) })
}
