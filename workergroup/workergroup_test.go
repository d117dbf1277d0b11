package workergroup

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type funcTask func()

func (f funcTask) Handle() { f() }

func TestAffinityPreservesOrderPerKey(t *testing.T) {
	g := New(4, 16)
	defer g.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		g.Enqueue(7, funcTask(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()

	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1], order[i])
	}
}

func TestJoinWaitsForAlreadyQueuedTasksWithoutStopping(t *testing.T) {
	g := New(4, 16)
	defer g.Stop()

	var done atomic.Int64
	const n = 40
	for i := 0; i < n; i++ {
		g.Enqueue(i, funcTask(func() { done.Add(1) }))
	}

	g.Join()
	assert.EqualValues(t, n, done.Load())

	// The group is still usable after Join: unlike Stop, it didn't close
	// any worker's channel.
	var wg sync.WaitGroup
	wg.Add(1)
	g.Enqueue(0, funcTask(wg.Done))
	wg.Wait()
}

func TestEnqueueSpreadsAcrossWorkers(t *testing.T) {
	g := New(4, 16)
	defer g.Stop()

	var counts [4]atomic.Int64
	var wg sync.WaitGroup
	const perWorker = 10
	for i := 0; i < 4; i++ {
		for j := 0; j < perWorker; j++ {
			wg.Add(1)
			idx := i
			g.Enqueue(idx, funcTask(func() {
				counts[idx].Add(1)
				wg.Done()
			}))
		}
	}
	wg.Wait()
	for i := range counts {
		assert.EqualValues(t, perWorker, counts[i].Load())
	}
}
