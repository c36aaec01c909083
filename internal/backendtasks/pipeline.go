/*
Copyright 2024 The VolumeDriver Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backendtasks

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nimbusvol/volumedriver/internal/util/log"
)

var (
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "volumedriver",
		Subsystem: "backendtasks",
		Name:      "queue_depth",
		Help:      "Number of tasks currently queued or in flight per volume.",
	}, []string{"volume"})

	tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "volumedriver",
		Subsystem: "backendtasks",
		Name:      "tasks_total",
		Help:      "Backend tasks processed, by kind and outcome.",
	}, []string{"kind", "outcome"})
)

func init() {
	prometheus.MustRegister(queueDepth, tasksTotal)
}

// retryBudget returns the maximum attempts for kind, or 0 for "unbounded"
// (spec.md §4.6 table).
func retryBudget(k Kind) int {
	switch k {
	case WriteSCO:
		return 8
	case DeleteObject:
		return 1
	default: // WriteTLog, WriteSnapshot: unbounded
		return 0
	}
}

// Pipeline is a per-volume FIFO task queue honoring the barrier semantics
// of spec.md §4.6: non-barrier tasks (WriteSCO, DeleteObject) may run
// concurrently and overtake each other; barrier tasks (WriteTLog,
// WriteSnapshot) drain every preceding task before running and block
// dispatch of subsequent tasks until they finish.
type Pipeline struct {
	volume string

	tasks    chan *Task
	sem      chan struct{} // bounds concurrent non-barrier execution
	inFlight sync.WaitGroup

	done chan struct{}
}

// New starts a Pipeline for volume with up to concurrency non-barrier tasks
// running at once.
func New(volume string, concurrency int) *Pipeline {
	p := &Pipeline{
		volume: volume,
		tasks:  make(chan *Task, 64),
		sem:    make(chan struct{}, concurrency),
		done:   make(chan struct{}),
	}
	go p.dispatch()

	return p
}

// Enqueue submits t for execution. t.Volume is set to the pipeline's volume
// if empty.
func (p *Pipeline) Enqueue(t *Task) {
	if t.Volume == "" {
		t.Volume = p.volume
	}
	queueDepth.WithLabelValues(p.volume).Inc()
	p.tasks <- t
}

func (p *Pipeline) dispatch() {
	defer close(p.done)
	for t := range p.tasks {
		if t.Kind.Barrier() {
			p.inFlight.Wait()
			p.run(context.Background(), t)
			queueDepth.WithLabelValues(p.volume).Dec()

			continue
		}

		p.inFlight.Add(1)
		p.sem <- struct{}{}
		go func(t *Task) {
			defer p.inFlight.Done()
			defer func() { <-p.sem }()
			defer queueDepth.WithLabelValues(p.volume).Dec()
			p.run(context.Background(), t)
		}(t)
	}
}

func (p *Pipeline) run(ctx context.Context, t *Task) {
	budget := retryBudget(t.Kind)
	backoff := 100 * time.Millisecond

	for {
		t.Attempts++
		err := t.Execute(ctx)
		if err == nil {
			tasksTotal.WithLabelValues(t.Kind.String(), "success").Inc()
			if t.OnSuccess != nil {
				t.OnSuccess()
			}

			return
		}

		if t.Kind == WriteTLog && t.Vanished != nil && t.Vanished() {
			log.WarningLogMsg("backendtasks: %s task for %s: local TLog file vanished, dropping (%s)", t.Kind, t.Volume, err)
			tasksTotal.WithLabelValues(t.Kind.String(), "dropped").Inc()

			return
		}

		if budget > 0 && t.Attempts >= budget {
			log.ErrorLogMsg("backendtasks: %s task for %s exhausted retry budget: %s", t.Kind, t.Volume, err)
			tasksTotal.WithLabelValues(t.Kind.String(), "failed").Inc()
			if t.OnTerminalFailure != nil {
				t.OnTerminalFailure(err)
			}

			return
		}

		if t.Kind == DeleteObject {
			log.WarningLogMsg("backendtasks: delete task for %s failed, ignoring: %s", t.Volume, err)
			tasksTotal.WithLabelValues(t.Kind.String(), "ignored").Inc()

			return
		}

		log.DebugLogMsg("backendtasks: %s task for %s attempt %d failed, retrying: %s", t.Kind, t.Volume, t.Attempts, err)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Close stops accepting new tasks and waits for every in-flight task to
// finish, fanning the shutdown wait across barrier and non-barrier tasks.
func (p *Pipeline) Close() error {
	close(p.tasks)
	<-p.done

	g := new(errgroup.Group)
	g.Go(func() error {
		p.inFlight.Wait()

		return nil
	})

	return g.Wait()
}
