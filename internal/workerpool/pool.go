// Package workerpool runs jobs on a fixed set of goroutines.
package workerpool

import (
	"sync"
)

// Job is a unit of work enqueued in a Pool.
type Job func() error

// Pool is a pool of workers executing jobs concurrently.
type Pool struct {
	jobs    chan Job
	pending sync.WaitGroup
	workers sync.WaitGroup
	onError func(error)

	mu     sync.RWMutex
	closed bool
}

// New starts a pool with the given number of workers. onError, when not
// nil, receives every error returned by a job.
func New(workers int, onError func(error)) *Pool {
	if workers < 1 {
		workers = 1
	}

	pool := &Pool{
		jobs:    make(chan Job, workers),
		onError: onError,
	}

	for range workers {
		pool.workers.Add(1)

		go pool.worker()
	}

	return pool
}

// Enqueue adds a job. It blocks while the queue is full and returns false
// once the pool has been shut down.
func (pool *Pool) Enqueue(job Job) bool {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	if pool.closed {
		return false
	}

	pool.pending.Add(1)
	pool.jobs <- job

	return true
}

// Wait blocks until every enqueued job finished.
func (pool *Pool) Wait() { pool.pending.Wait() }

// Shutdown stops accepting jobs, drains the queue and stops the workers.
// It is safe to call more than once.
func (pool *Pool) Shutdown() {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()

		return
	}

	pool.closed = true
	pool.mu.Unlock()

	pool.pending.Wait()
	close(pool.jobs)
	pool.workers.Wait()
}

func (pool *Pool) worker() {
	defer pool.workers.Done()

	for job := range pool.jobs {
		err := job()
		if err != nil && pool.onError != nil {
			pool.onError(err)
		}

		pool.pending.Done()
	}
}
