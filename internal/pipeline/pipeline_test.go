package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameKeyRunsInOrder(t *testing.T) {
	p := NewKeyedPool(4, 64, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup

	wg.Add(50)
	for n := 0; n < 50; n++ {
		n := n
		p.Submit("ESU25", func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		})
	}
	wg.Wait()
	cancel()
	p.Stop()

	require.Len(t, got, 50)
	for idx, v := range got {
		assert.Equal(t, idx, v, "same key preserves submission order")
	}
}

func TestDistinctKeysRunConcurrently(t *testing.T) {
	p := NewKeyedPool(4, 64, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	block := make(chan struct{})
	var other atomic.Bool

	p.Submit("ESU25", func() { <-block })

	var wg sync.WaitGroup
	wg.Add(1)
	// NQU25 hashes to some worker; try several keys so at least one
	// lands away from the blocked worker.
	for _, key := range []string{"NQU25", "CLX25", "GCZ25", "ZNH26"} {
		key := key
		p.Submit(key, func() {
			other.Store(true)
		})
	}
	go func() {
		defer wg.Done()
		assert.Eventually(t, other.Load, time.Second, 5*time.Millisecond,
			"a blocked key must not stall every worker")
	}()
	wg.Wait()
	close(block)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := NewKeyedPool(1, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	done := make(chan struct{})
	p.Submit("ESU25", func() { panic("bad record") })
	p.Submit("ESU25", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestFullQueueDrops(t *testing.T) {
	p := NewKeyedPool(1, 1, zerolog.Nop())
	// Not started: the single queue fills and stays full.
	p.Submit("ESU25", func() {})
	p.Submit("ESU25", func() {})
	p.Submit("ESU25", func() {})

	assert.Equal(t, int64(2), p.Dropped())
}
