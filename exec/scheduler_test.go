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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
	"github.com/krotik/segmentdb/storage/file"
	"github.com/krotik/segmentdb/storage/segment"
	"github.com/krotik/segmentdb/tuple"
)

const testPageSize = 512

func newTestFactory() *segment.Factory {
	c := cache.NewCache(cache.Params{PageSize: testPageSize, MaxPages: 64})
	c.RegisterDevice(1, file.NewMemoryDevice("dev1", testPageSize, 0))
	return segment.NewFactory(c)
}

/*
failingStream consumes its input and fails after a number of tuples.
*/
type failingStream struct {
	StreamBase
	failAfter int
	seen      int
}

func (fs *failingStream) Execute(q *Quantum) (Result, error) {
	in := fs.Input(0)

	for in.DemandData() {
		in.AccessConsumptionTuple()
		in.ConsumeTuple()

		if fs.seen++; fs.seen >= fs.failAfter {
			return ResultEOS, errors.New("Stream failed")
		}
	}

	if in.State() == BufEOS {
		fs.Output(0).MarkEOS()
		return ResultEOS, nil
	}

	return ResultBufUnderflow, nil
}

func TestSchedulerDrain(t *testing.T) {
	f := newTestFactory()

	target, err := f.NewRandomAllocationSegment("spool", segment.DeviceParams{DeviceID: 1, NPagesMin: 16,
		NPagesIncrement: 16, NPagesMax: 1000}, segment.RandomAllocation)
	if err != nil {
		t.Error(err)
		return
	}

	producer := NewMockProducerStream("producer", 1, 1000, NewRampGenerator())
	scratch := NewScratchBufferStream("scratch", f)
	spool := NewSegBufferStream("spool", target, 5)

	g := NewGraph("g1", 256)

	g.AddStream(producer)
	g.AddStream(scratch)
	g.AddStream(spool)

	if err := g.AddStream(spool); !errors.Is(err, ErrGraph) {
		t.Error("Unexpected result:", err)
		return
	}

	g.AddDataflow("producer", "scratch")
	g.AddDataflow("scratch", "spool")

	if err := g.AddDataflow("spool", "foo"); !errors.Is(err, ErrGraph) {
		t.Error("Unexpected result:", err)
		return
	}

	if res := g.String(); res != `Graph g1
  producer
  scratch <- producer
  spool <- scratch
` {
		t.Error("Unexpected graph:", res)
		return
	}

	gov := NewGovernor(10)

	if err := g.Open(gov); err != nil {
		t.Error(err)
		return
	}

	if g.Sink() != spool || gov.Granted() != 1 || scratch.ResourceAllocation().CachePages != 1 {
		t.Error("Unexpected graph state")
		return
	}

	if n := f.Cache().MappedPageCount(cache.DevicePredicate(cache.ScratchDeviceID)); n != 1 {
		t.Error("Scratch page should be mapped:", n)
		return
	}

	sched := NewScheduler(Quantum{NTuplesMax: 100})

	var values []int64

	collect := func(t tuple.Data) error {
		values = append(values, t[0].(int64))
		return nil
	}

	if err := sched.Drain(context.Background(), g, collect); err != nil {
		t.Error(err)
		return
	}

	checkRamp := func() bool {
		if len(values) != 1000 {
			t.Error("Unexpected number of values:", len(values))
			return false
		}
		for i, v := range values {
			if v != int64(i) {
				t.Error("Unexpected value at", i, ":", v)
				return false
			}
		}
		return true
	}

	if !checkRamp() {
		return
	}

	if producer.RowCount() != 1000 || spool.Replayed() != 1000 || g.LastResult("spool") != ResultEOS ||
		g.Executions("producer") == 0 {
		t.Error("Unexpected stream state:", producer.RowCount(), spool.Replayed(), g.LastResult("spool"))
		return
	}

	if l, _ := segment.ChainLength(target, spool.FirstPageID()); l < 2 || uint64(l) != target.NumPagesAllocated() {
		t.Error("Unexpected spool chain:", l)
		return
	}

	// A restarted graph replays the spooled data without running the producer

	if err := g.Restart(); err != nil {
		t.Error(err)
		return
	}

	values = nil

	if err := sched.Drain(context.Background(), g, collect); err != nil {
		t.Error(err)
		return
	}

	if !checkRamp() {
		return
	}

	if producer.RowCount() != 0 || spool.Replayed() != 1000 {
		t.Error("Producer should not have run again:", producer.RowCount())
		return
	}

	if err := g.Close(); err != nil {
		t.Error(err)
		return
	}

	if err := g.Close(); err != nil {
		t.Error(err)
		return
	}

	if target.NumPagesAllocated() != 0 || gov.Granted() != 0 {
		t.Error("Resources should have been released:", target.NumPagesAllocated(), gov.Granted())
		return
	}

	if n := f.Cache().MappedPageCount(cache.DevicePredicate(cache.ScratchDeviceID)); n != 0 {
		t.Error("Scratch page should have been released:", n)
		return
	}
}

func TestSchedulerValues(t *testing.T) {
	desc := tuple.Descriptor{{Name: "name", Type: tuple.TypeString}, {Name: "n", Type: tuple.TypeInt64, Nullable: true}}

	g := NewGraph("values", 64)
	g.AddStream(NewValuesStream("values", desc, []tuple.Data{{"a", int64(1)}, {"b", nil}, {"c", int64(3)}}))

	if err := g.Open(nil); err != nil {
		t.Error(err)
		return
	}
	defer g.Close()

	var res []string

	err := NewScheduler(Quantum{NTuplesMax: 1}).Drain(context.Background(), g, func(t tuple.Data) error {
		res = append(res, t.String())
		return nil
	})

	if err != nil || fmt.Sprint(res) != "[(a, 1) (b, NULL) (c, 3)]" {
		t.Error("Unexpected result:", res, err)
		return
	}
}

func TestSchedulerErrors(t *testing.T) {

	// Graphs with several sinks cannot be opened

	g := NewGraph("g", 64)
	g.AddStream(NewMockProducerStream("p1", 1, 10, NewRampGenerator()))
	g.AddStream(NewMockProducerStream("p2", 1, 10, NewRampGenerator()))

	if err := g.Open(nil); !errors.Is(err, ErrGraph) {
		t.Error("Unexpected result:", err)
		return
	}

	// Failing streams abort the graph

	g = NewGraph("g", 64)
	g.AddStream(NewMockProducerStream("producer", 2, 100, CompositeGenerator{
		NewRampGenerator(), &ConstGenerator{7}}))
	g.AddStream(&failingStream{StreamBase: NewStreamBase("fail"), failAfter: 50})
	g.AddDataflow("producer", "fail")

	if err := g.Open(nil); err != nil {
		t.Error(err)
		return
	}

	sched := NewScheduler(Quantum{})

	if sched.Quantum().NTuplesMax != DefaultQuantumTuples {
		t.Error("Unexpected quantum:", sched.Quantum())
		return
	}

	if _, err := sched.Fetch(context.Background(), g); err == nil || err.Error() != "Stream failed" {
		t.Error("Unexpected result:", err)
		return
	}

	if !g.IsAborted() {
		t.Error("Graph should have been aborted")
		return
	}

	if _, err := sched.Fetch(context.Background(), g); err != ErrAborted {
		t.Error("Unexpected result:", err)
		return
	}

	g.Close()

	// Resource exhaustion

	f := newTestFactory()

	g = NewGraph("g", 64)
	g.AddStream(NewMockProducerStream("producer", 1, 100, NewRampGenerator()))
	g.AddStream(NewScratchBufferStream("scratch", f))
	g.AddDataflow("producer", "scratch")

	if err := g.Open(NewGovernor(0)); !errors.Is(err, ErrResourceExhausted) {
		t.Error("Unexpected result:", err)
		return
	}
}

func TestSchedulerAbort(t *testing.T) {
	f := newTestFactory()

	g := NewGraph("g", 128)
	g.AddStream(NewMockProducerStream("producer", 1, 1000000, &StairCaseGenerator{0, 10, 3}))
	g.AddStream(NewScratchBufferStream("scratch", f))
	g.AddDataflow("producer", "scratch")

	if err := g.Open(NewGovernor(4)); err != nil {
		t.Error(err)
		return
	}

	sched := NewScheduler(Quantum{NTuplesMax: 10})

	var values []int64

	err := sched.Drain(context.Background(), g, func(t tuple.Data) error {
		values = append(values, t[0].(int64))
		if len(values) == 10 {
			sched.Abort(g)
		}
		return nil
	})

	if err != ErrAborted || len(values) < 10 {
		t.Error("Unexpected result:", err, len(values))
		return
	}

	if fmt.Sprint(values[:7]) != "[0 0 0 10 10 10 20]" {
		t.Error("Unexpected values:", values[:7])
		return
	}

	if err := g.Close(); err != nil {
		t.Error(err)
		return
	}

	if n := f.Cache().MappedPageCount(cache.DevicePredicate(cache.ScratchDeviceID)); n != 0 {
		t.Error("Scratch page should have been released:", n)
		return
	}

	// Cancelled contexts abort as well

	g = NewGraph("g2", 128)
	g.AddStream(NewMockProducerStream("producer", 1, 1000, NewRampGenerator()))
	g.Open(nil)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sched.Fetch(ctx, g); !errors.Is(err, ErrAborted) {
		t.Error("Unexpected result:", err)
		return
	}
}

func TestRunGraphs(t *testing.T) {
	var graphs []*Graph

	for i := 0; i < 4; i++ {
		g := NewGraph(fmt.Sprint("g", i), 128)
		g.AddStream(NewMockProducerStream("producer", 1, uint64(100*(i+1)), NewPermutationGenerator(100, int64(i))))

		if err := g.Open(nil); err != nil {
			t.Error(err)
			return
		}
		defer g.Close()

		graphs = append(graphs, g)
	}

	mutex := &sync.Mutex{}
	counts := make(map[string]int)
	sums := make(map[string]int64)

	err := NewScheduler(Quantum{NTuplesMax: 7}).RunGraphs(context.Background(), func(g *Graph, t tuple.Data) error {
		mutex.Lock()
		defer mutex.Unlock()

		counts[g.Name()]++
		sums[g.Name()] += t[0].(int64)

		return nil
	}, graphs...)

	if err != nil {
		t.Error(err)
		return
	}

	for i := 0; i < 4; i++ {
		name := fmt.Sprint("g", i)

		// Each permutation round of 100 values sums up to 4950

		if counts[name] != 100*(i+1) || sums[name] != int64(4950*(i+1)) {
			t.Error("Unexpected result for", name, counts[name], sums[name])
			return
		}
	}

	// The first error stops all graphs

	var failing []*Graph

	for i := 0; i < 2; i++ {
		g := NewGraph(fmt.Sprint("f", i), 128)
		g.AddStream(NewMockProducerStream("producer", 1, 100000, NewRampGenerator()))
		g.Open(nil)
		defer g.Close()

		failing = append(failing, g)
	}

	err = NewScheduler(Quantum{}).RunGraphs(context.Background(), func(g *Graph, t tuple.Data) error {
		if g.Name() == "f0" && t[0].(int64) == 500 {
			return fmt.Errorf("Stop at %v", t[0])
		}
		return nil
	}, failing...)

	if err == nil || err.Error() != "Stop at 500" {
		t.Error("Unexpected result:", err)
		return
	}
}

func TestGovernor(t *testing.T) {
	gov := NewGovernor(3)

	if q, err := gov.Grant("a", ResourceQuantity{1}, ResourceQuantity{2}); err != nil || q.CachePages != 2 {
		t.Error("Unexpected grant:", q, err)
		return
	}

	if q, err := gov.Grant("b", ResourceQuantity{1}, ResourceQuantity{2}); err != nil || q.CachePages != 1 {
		t.Error("Unexpected grant:", q, err)
		return
	}

	if _, err := gov.Grant("c", ResourceQuantity{1}, ResourceQuantity{1}); !errors.Is(err, storage.ErrResourceExhausted) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := gov.Grant("a", ResourceQuantity{1}, ResourceQuantity{1}); !errors.Is(err, ErrGraph) {
		t.Error("Unexpected result:", err)
		return
	}

	gov.Release("a")
	gov.Release("a")

	if q, err := gov.Grant("c", ResourceQuantity{1}, ResourceQuantity{0}); err != nil || q.CachePages != 1 {
		t.Error("Unexpected grant:", q, err)
		return
	}

	if gov.Granted() != 2 || gov.Total() != 3 {
		t.Error("Unexpected governor state:", gov.Granted())
		return
	}
}

func TestGraphGrantsOfSameName(t *testing.T) {
	f := newTestFactory()
	gov := NewGovernor(4)

	newGraph := func() *Graph {
		g := NewGraph("load", 256)
		g.AddStream(NewMockProducerStream("producer", 1, 10, NewRampGenerator()))
		g.AddStream(NewScratchBufferStream("scratch", f))
		g.AddDataflow("producer", "scratch")
		return g
	}

	g1 := newGraph()

	if err := g1.Open(gov); err != nil {
		t.Error(err)
		return
	}

	// A second graph of the same name cannot be opened

	g2 := newGraph()

	if err := g2.Open(gov); !errors.Is(err, ErrGraph) {
		t.Error("Unexpected result:", err)
		return
	}

	if err := g2.Close(); err != nil || gov.Granted() != 1 {
		t.Error("Grants of the first graph should be kept:", err, gov.Granted())
		return
	}

	if err := g1.Close(); err != nil || gov.Granted() != 0 {
		t.Error("Unexpected governor state:", err, gov.Granted())
		return
	}
}
