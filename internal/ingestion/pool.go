package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrPoolClosed = errors.New("parser pool is closed")

type Runner[T any] struct {
	Run T
}

// Pool is a fixed set of parser goroutines fed by a bounded queue. Parsing is
// CPU bound, so it runs here instead of on the goroutine serving the file.
type Pool struct {
	jobs   chan func()
	wg     *sync.WaitGroup
	logger logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
}

func NewPool(queueSize int, logger logrus.FieldLogger) *Pool {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		jobs:   make(chan func(), queueSize),
		wg:     &sync.WaitGroup{},
		logger: logger,
	}
}

// StartPool builds and starts a pool in one call.
func StartPool(workers, queueSize int, logger logrus.FieldLogger) (*Pool, error) {
	p := NewPool(queueSize, logger)
	runner, _, err := p.SetupWorkers(workers)
	if err != nil {
		return nil, err
	}
	runner.Run()
	return p, nil
}

func (p *Pool) SetupWorkers(numberOfWorkers int) (Runner[func()], *sync.WaitGroup, error) {
	if numberOfWorkers <= 0 {
		return Runner[func()]{}, nil, fmt.Errorf("invalid number of parser workers: %d", numberOfWorkers)
	}
	return Runner[func()]{
		Run: func() {
			for i := 1; i <= numberOfWorkers; i++ {
				p.wg.Add(1)
				go p.worker(i)
			}
			p.logger.WithField("workers", numberOfWorkers).Debug("Parser workers started")
		},
	}, p.wg, nil
}

func (p *Pool) worker(workerID int) {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
	p.logger.WithField("worker", workerID).Debug("Parser worker finished")
}

// Close stops accepting jobs and waits for queued ones to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

type outcome[T any] struct {
	value T
	err   error
}

// Submit runs fn on the pool and waits for its result. When ctx ends first the
// job still runs to completion but its result is dropped.
func Submit[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	done := make(chan outcome[T], 1)
	job := func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("parser job panicked: %v", r)}
			}
		}()
		v, err := fn()
		done <- outcome[T]{value: v, err: err}
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return zero, ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return zero, ctx.Err()
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
