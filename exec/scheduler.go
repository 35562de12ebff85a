/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package exec

import (
	"context"
	"fmt"

	"github.com/krotik/segmentdb/tuple"
	"golang.org/x/sync/errgroup"
)

/*
Scheduler drives the streams of a graph depth first starting at the sink.
A stream which underflows passes control to the producer of its underflowing
input; a stream whose output can be consumed passes control to the consumer.
*/
type Scheduler struct {
	quantum Quantum // Quantum for each execution step
	Trace   bool    // Flag to log every execution step
}

/*
NewScheduler creates a new scheduler.
*/
func NewScheduler(quantum Quantum) *Scheduler {
	if quantum.NTuplesMax == 0 {
		quantum.NTuplesMax = DefaultQuantumTuples
	}
	return &Scheduler{quantum: quantum}
}

/*
Quantum returns the quantum of the scheduler.
*/
func (s *Scheduler) Quantum() Quantum {
	return s.quantum
}

/*
Abort stops the execution of a graph at the next quantum boundary.
*/
func (s *Scheduler) Abort(g *Graph) {
	logger.Info(fmt.Sprintf("Aborting graph %v", g.name))
	g.Abort()
}

/*
Fetch executes the graph until the output of the sink can be consumed or
the sink reached EOS. Returns the output accessor of the sink.
*/
func (s *Scheduler) Fetch(ctx context.Context, g *Graph) (*BufAccessor, error) {
	sinkAcc := g.SinkAccessor()

	if sinkAcc == nil {
		return nil, fmt.Errorf("%w: graph %v is not open", ErrGraph, g.name)
	}

	current := g.Sink()
	q := s.quantum

	for {
		if sinkAcc.IsConsumptionPossible() || sinkAcc.State() == BufEOS {
			return sinkAcc, nil
		}

		if g.IsAborted() {
			return nil, ErrAborted
		}

		if err := ctx.Err(); err != nil {
			g.Abort()
			return nil, fmt.Errorf("%w: %v", ErrAborted, err)
		}

		res, err := current.Execute(&q)

		g.results[current] = res
		g.executions[current]++

		if s.Trace {
			logger.Debug(fmt.Sprintf("%v.%v: %v", g.name, current.Name(), res))
		}

		if err != nil {
			g.Abort()
			return nil, err
		}

		if next := s.nextStream(g, current, res); next != nil {
			current = next
		} else if res == ResultBufUnderflow {
			g.Abort()
			return nil, fmt.Errorf("%w: %v underflows without an underflowing input",
				ErrProtocol, current.Name())
		}
	}
}

/*
nextStream determines the stream which runs after a given stream. Returns
nil if the stream should run again.
*/
func (s *Scheduler) nextStream(g *Graph, current ExecStream, res Result) ExecStream {

	// Give data to consumers first

	for _, e := range g.outputs[current] {
		if e.consumer != nil && (e.accessor.IsConsumptionPossible() || e.accessor.State() == BufEOS) {

			// Skip consumers which already saw the EOS

			if e.accessor.State() == BufEOS && g.results[e.consumer] == ResultEOS {
				continue
			}

			return e.consumer
		}
	}

	if res == ResultBufUnderflow {
		for _, e := range g.inputs[current] {
			if e.accessor.State() == BufUnderflow || e.accessor.State() == BufEmpty {
				return e.producer
			}
		}

		return nil
	}

	// A stream which reached EOS passes control to a consumer

	if res == ResultEOS {
		for _, e := range g.outputs[current] {
			if e.consumer != nil {
				return e.consumer
			}
		}
	}

	return current
}

/*
Drain executes the graph until EOS and calls a function for each tuple of
the sink output.
*/
func (s *Scheduler) Drain(ctx context.Context, g *Graph, fn func(tuple.Data) error) error {
	for {
		acc, err := s.Fetch(ctx, g)
		if err != nil {
			return err
		}

		for acc.IsConsumptionPossible() {
			t, err := acc.UnmarshalTuple()
			if err != nil {
				return err
			}

			if err := fn(t); err != nil {
				g.Abort()
				return err
			}

			acc.ConsumeTuple()
		}

		if acc.State() == BufEOS {
			return nil
		}

		acc.RequestProduction()
	}
}

/*
RunGraphs drains several independent graphs concurrently. Each graph runs on
its own goroutine. The first error aborts all other graphs.
*/
func (s *Scheduler) RunGraphs(ctx context.Context, fn func(*Graph, tuple.Data) error, graphs ...*Graph) error {
	eg, ctx := errgroup.WithContext(ctx)

	for _, g := range graphs {
		g := g
		eg.Go(func() error {
			return s.Drain(ctx, g, func(t tuple.Data) error {
				return fn(g, t)
			})
		})
	}

	return eg.Wait()
}
