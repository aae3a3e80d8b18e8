// Package dispatch detaches pipeline runs from the requests that trigger
// them. Work is admitted through a bounded queue feeding a fixed-size
// worker pool, so intake stays O(1) and concurrency stays capped.
package dispatch

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"tirescan-service/internal/domain/vehicle"
)

// ErrBusy is returned when the admission queue is full.
var ErrBusy = errors.New("dispatch: queue full")

type Task struct {
	ArtifactPath string
	SessionID    string
	Kind         vehicle.Stage
}

// Runner executes one pipeline run to completion. It must not return
// until the run's terminal event has been published.
type Runner func(ctx context.Context, task Task)

type Dispatcher struct {
	run   Runner
	queue chan Task
	pool  *pool.Pool
	done  chan struct{}
	log   zerolog.Logger
}

func New(run Runner, maxWorkers, queueSize int, log zerolog.Logger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = maxWorkers
	}
	d := &Dispatcher{
		run:   run,
		queue: make(chan Task, queueSize),
		pool:  pool.New().WithMaxGoroutines(maxWorkers),
		done:  make(chan struct{}),
		log:   log,
	}
	go d.feed()
	return d
}

func (d *Dispatcher) feed() {
	defer close(d.done)
	for task := range d.queue {
		task := task
		d.pool.Go(func() {
			d.run(context.Background(), task)
		})
	}
}

// Dispatch enqueues a pipeline run and returns immediately, before any
// stage executes. The caller gets no handle: the run is observable only
// through the status bus.
func (d *Dispatcher) Dispatch(task Task) error {
	select {
	case d.queue <- task:
		d.log.Debug().
			Str("session_id", task.SessionID).
			Str("kind", string(task.Kind)).
			Msg("pipeline run dispatched")
		return nil
	default:
		d.log.Warn().
			Str("session_id", task.SessionID).
			Msg("dispatch rejected, queue full")
		return ErrBusy
	}
}

// Close stops admission and waits for queued and running work to finish.
// Dispatch must not be called after Close.
func (d *Dispatcher) Close() {
	close(d.queue)
	<-d.done
	d.pool.Wait()
}
