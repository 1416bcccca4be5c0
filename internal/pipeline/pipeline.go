// Package pipeline runs the watcher → extractor → delta engine chain on
// a small pool of workers keyed by identifier hash.
//
// All work for one identifier lands on the same worker, which gives the
// per-identifier serialization the delta engine requires while still
// processing distinct identifiers in parallel.
package pipeline

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is one unit of keyed work.
type Task func()

// KeyedPool is a fixed set of workers, each with its own bounded queue.
type KeyedPool struct {
	queues  []chan Task
	wg      sync.WaitGroup
	dropped int64
	logger  zerolog.Logger
}

// NewKeyedPool creates a pool with the given worker count and per-worker
// queue size.
func NewKeyedPool(workers, queueSize int, logger zerolog.Logger) *KeyedPool {
	if workers < 1 {
		workers = 1
	}
	queues := make([]chan Task, workers)
	for i := range queues {
		queues[i] = make(chan Task, queueSize)
	}
	return &KeyedPool{queues: queues, logger: logger}
}

// Start launches the workers. Each drains its own queue until the
// context ends, recovering from task panics so one bad record cannot
// take the pipeline down.
func (p *KeyedPool) Start(ctx context.Context) {
	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, p.queues[i])
	}
}

func (p *KeyedPool) worker(ctx context.Context, queue chan Task) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-queue:
			if !ok {
				return
			}
			p.runTask(task)
		}
	}
}

func (p *KeyedPool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Pipeline task panic recovered")
		}
	}()
	task()
}

// Submit enqueues a task on the worker owning the key. A full queue
// drops the task rather than blocking the producer; the dropped counter
// signals that the pipeline cannot keep up.
func (p *KeyedPool) Submit(key string, task Task) {
	h := fnv.New32a()
	h.Write([]byte(key))
	queue := p.queues[int(h.Sum32())%len(p.queues)]

	select {
	case queue <- task:
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.logger.Warn().Str("key", key).Msg("Pipeline task dropped, worker queue full")
	}
}

// Dropped returns the total number of dropped tasks.
func (p *KeyedPool) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// Stop waits for the workers to exit. Call after cancelling the context
// passed to Start.
func (p *KeyedPool) Stop() {
	p.wg.Wait()
}
