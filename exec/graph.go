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
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/common/pools"
)

/*
DefaultBufferSize is the default size of stream buffers.
*/
const DefaultBufferSize = 4096

/*
edge connects a producer with a consumer through a buffer.
*/
type edge struct {
	producer ExecStream
	consumer ExecStream // nil for the sink output
	accessor *BufAccessor
	buf      []byte // Buffer memory from the pool
}

/*
Graph is a set of streams connected by dataflow edges. A graph has exactly
one sink - the stream whose output is not consumed by another stream.
*/
type Graph struct {
	name       string                   // Name of the graph
	bufferSize int                      // Size of stream buffers
	pool       *sync.Pool               // Pool for buffer memory
	streams    []ExecStream             // Streams in the order they were added
	byName     map[string]ExecStream    // Streams by name
	inputs     map[ExecStream][]*edge   // Input edges of each stream
	outputs    map[ExecStream][]*edge   // Output edges of each stream
	sinkEdge   *edge                    // Output edge of the sink
	governor   *Governor                // Governor which granted resources
	granted    map[ExecStream]bool      // Streams which hold a grant of the governor
	opened     bool                     // Flag if the graph is open
	aborted    atomic.Bool              // Flag if the graph was aborted
	closeOnce  *sync.Once               // Guard for closing
	closeErr   error                    // Result of closing
	results    map[ExecStream]Result    // Last result of each stream
	executions map[ExecStream]uint64    // Number of execution steps of each stream
}

/*
NewGraph creates a new empty graph.
*/
func NewGraph(name string, bufferSize int) *Graph {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Graph{name: name, bufferSize: bufferSize, pool: pools.NewByteSlicePool(bufferSize),
		byName: make(map[string]ExecStream), inputs: make(map[ExecStream][]*edge),
		outputs: make(map[ExecStream][]*edge), granted: make(map[ExecStream]bool), closeOnce: &sync.Once{},
		results: make(map[ExecStream]Result), executions: make(map[ExecStream]uint64)}
}

/*
Name returns the name of the graph.
*/
func (g *Graph) Name() string {
	return g.name
}

/*
AddStream adds a stream to the graph.
*/
func (g *Graph) AddStream(s ExecStream) error {
	errorutil.AssertTrue(!g.opened, "Cannot add streams to an open graph")

	if _, ok := g.byName[s.Name()]; ok {
		return fmt.Errorf("%w: duplicate stream name %v", ErrGraph, s.Name())
	}

	g.streams = append(g.streams, s)
	g.byName[s.Name()] = s

	return nil
}

/*
Stream returns a stream by name.
*/
func (g *Graph) Stream(name string) ExecStream {
	return g.byName[name]
}

/*
AddDataflow connects the output of a producer with the input of a consumer.
The buffer uses the tuple descriptor of the producer.
*/
func (g *Graph) AddDataflow(producer string, consumer string) error {
	errorutil.AssertTrue(!g.opened, "Cannot add dataflows to an open graph")

	p, ok1 := g.byName[producer]
	c, ok2 := g.byName[consumer]

	if !ok1 || !ok2 {
		return fmt.Errorf("%w: unknown stream in dataflow %v -> %v", ErrGraph, producer, consumer)
	}

	e := &edge{p, c, nil, nil}

	g.outputs[p] = append(g.outputs[p], e)
	g.inputs[c] = append(g.inputs[c], e)

	return nil
}

/*
Sink returns the sink stream of the graph.
*/
func (g *Graph) Sink() ExecStream {
	if g.sinkEdge != nil {
		return g.sinkEdge.producer
	}
	return nil
}

/*
SinkAccessor returns the output buffer of the sink stream.
*/
func (g *Graph) SinkAccessor() *BufAccessor {
	if g.sinkEdge != nil {
		return g.sinkEdge.accessor
	}
	return nil
}

/*
Executions returns the number of execution steps of a stream.
*/
func (g *Graph) Executions(name string) uint64 {
	return g.executions[g.byName[name]]
}

/*
LastResult returns the last execution result of a stream.
*/
func (g *Graph) LastResult(name string) Result {
	return g.results[g.byName[name]]
}

/*
Open binds buffers, grants resources and opens all streams. Producers are
opened before their consumers.
*/
func (g *Graph) Open(gov *Governor) error {
	errorutil.AssertTrue(!g.opened, "Graph is already open")

	var sinks []ExecStream

	for _, s := range g.streams {
		if len(g.outputs[s]) == 0 {
			sinks = append(sinks, s)
		}
	}

	if len(sinks) != 1 {
		return fmt.Errorf("%w: graph %v has %v sinks", ErrGraph, g.name, len(sinks))
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}

	g.sinkEdge = &edge{sinks[0], nil, nil, nil}
	g.outputs[sinks[0]] = []*edge{g.sinkEdge}

	// Bind buffers - producers come first so their outputs exist before
	// they are bound as inputs

	for _, s := range order {
		var ins, outs []*BufAccessor

		for _, e := range g.inputs[s] {
			ins = append(ins, e.accessor)
		}

		s.SetInputAccessors(ins)

		for _, e := range g.outputs[s] {
			e.buf = g.pool.Get().([]byte)
			e.accessor = NewBufAccessor(s.OutputDescriptor(), e.buf)
			outs = append(outs, e.accessor)
		}

		s.SetOutputAccessors(outs)
	}

	g.opened = true
	g.governor = gov

	// Grant resources and open streams

	for _, s := range order {

		if gov != nil {
			min, opt := s.ResourceRequirements()

			q, err := gov.Grant(g.grantName(s), min, opt)
			if err != nil {
				g.Close()
				return err
			}

			g.granted[s] = true
			s.SetResourceAllocation(q)
		}

		if err := s.Open(false); err != nil {
			g.Close()
			return err
		}
	}

	logger.Debug(fmt.Sprintf("Opened graph %v with %v streams", g.name, len(g.streams)))

	return nil
}

/*
grantName returns the name under which resources of a stream are granted.
*/
func (g *Graph) grantName(s ExecStream) string {
	return g.name + "." + s.Name()
}

/*
topologicalOrder returns all streams with producers before consumers.
*/
func (g *Graph) topologicalOrder() ([]ExecStream, error) {
	var order []ExecStream

	visited := make(map[ExecStream]int)

	var visit func(s ExecStream) error

	visit = func(s ExecStream) error {
		switch visited[s] {
		case 1:
			return fmt.Errorf("%w: graph %v has a cycle at %v", ErrGraph, g.name, s.Name())
		case 2:
			return nil
		}

		visited[s] = 1

		for _, e := range g.inputs[s] {
			if err := visit(e.producer); err != nil {
				return err
			}
		}

		visited[s] = 2
		order = append(order, s)

		return nil
	}

	for _, s := range g.streams {
		if err := visit(s); err != nil {
			return nil, err
		}
	}

	return order, nil
}

/*
Restart reopens all streams of an open graph so they start from the
beginning.
*/
func (g *Graph) Restart() error {
	errorutil.AssertTrue(g.opened, "Graph is not open")

	order, _ := g.topologicalOrder()

	for _, s := range order {
		if err := s.Open(true); err != nil {
			return err
		}
	}

	g.aborted.Store(false)

	return nil
}

/*
Abort requests the scheduler to stop executing the graph at the next quantum
boundary. Abort can be called from any goroutine.
*/
func (g *Graph) Abort() {
	g.aborted.Store(true)
}

/*
IsAborted returns if the graph was aborted.
*/
func (g *Graph) IsAborted() bool {
	return g.aborted.Load()
}

/*
Close closes all streams and releases their resources. Close can be called
several times.
*/
func (g *Graph) Close() error {
	if !g.opened {
		return nil
	}

	g.closeOnce.Do(func() {
		ce := errorutil.NewCompositeError()

		for i := len(g.streams) - 1; i >= 0; i-- {
			s := g.streams[i]

			if err := s.Close(); err != nil {
				ce.Add(err)
			}

			if g.granted[s] {
				g.governor.Release(g.grantName(s))
				delete(g.granted, s)
			}

			for _, e := range g.outputs[s] {
				if e.buf != nil {
					g.pool.Put(e.buf)
					e.buf = nil
				}
			}
		}

		if ce.HasErrors() {
			g.closeErr = ce
		}

		logger.Debug(fmt.Sprintf("Closed graph %v", g.name))
	})

	return g.closeErr
}

/*
String returns a string representation of the graph.
*/
func (g *Graph) String() string {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("Graph %v\n", g.name))

	for _, s := range g.streams {
		buf.WriteString(fmt.Sprintf("  %v", s.Name()))

		if ins := g.inputs[s]; len(ins) > 0 {
			buf.WriteString(" <-")
			for _, e := range ins {
				buf.WriteString(" " + e.producer.Name())
			}
		}

		buf.WriteString("\n")
	}

	return buf.String()
}
