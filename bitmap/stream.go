/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package bitmap

import (
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/krotik/segmentdb/exec"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/tuple"
)

/*
RidDescriptor is the output descriptor of a RID stream.
*/
var RidDescriptor = tuple.Descriptor{{Name: "rid", Type: tuple.TypeInt64}}

/*
StoreResultDescriptor is the output descriptor of an entry store stream.
*/
var StoreResultDescriptor = tuple.Descriptor{
	{Name: "entries", Type: tuple.TypeInt64},
	{Name: "firstpageid", Type: tuple.TypeInt64},
}

/*
EntryScanStream produces the entries of a page chain.
*/
type EntryScanStream struct {
	exec.StreamBase
	store   *EntryStore    // Store of the entries
	first   storage.PageID // First page of the chain
	it      *EntryIterator // Iterator while open
	pending tuple.Data     // Entry which did not fit into the output
}

/*
NewEntryScanStream creates a new entry scan stream.
*/
func NewEntryScanStream(name string, store *EntryStore, first storage.PageID) *EntryScanStream {
	return &EntryScanStream{StreamBase: exec.NewStreamBase(name), store: store, first: first}
}

/*
OutputDescriptor returns the entry descriptor.
*/
func (es *EntryScanStream) OutputDescriptor() tuple.Descriptor {
	return EntryDescriptor
}

/*
Open starts reading at the first entry.
*/
func (es *EntryScanStream) Open(restart bool) error {
	es.it = es.store.NewIterator(es.first)
	es.pending = nil
	return es.StreamBase.Open(restart)
}

/*
Execute produces stored entries.
*/
func (es *EntryScanStream) Execute(q *exec.Quantum) (exec.Result, error) {
	out := es.Output(0)

	if out.State() == exec.BufEOS {
		return exec.ResultEOS, nil
	} else if !out.IsProductionPossible() {
		return exec.ResultBufOverflow, nil
	}

	for i := uint64(0); i < q.NTuplesMax; i++ {

		if es.pending == nil {
			e, err := es.it.Next()

			if err == io.EOF {
				out.MarkEOS()
				return exec.ResultEOS, nil
			} else if err != nil {
				return exec.ResultEOS, err
			}

			if es.pending, err = e.Tuple(); err != nil {
				return exec.ResultEOS, err
			}
		}

		ok, err := out.ProduceTuple(es.pending)
		if err != nil {
			return exec.ResultEOS, err
		} else if !ok {
			out.RequestConsumption()
			return exec.ResultBufOverflow, nil
		}

		es.pending = nil
	}

	return exec.ResultQuantumExpired, nil
}

/*
RidStream expands its input entries into single RIDs.
*/
type RidStream struct {
	exec.StreamBase
	reader     *SegmentReader      // Reader of the input entries
	entry      Entry               // Entry which is expanded
	it         roaring.IntPeekable // Position in the expanded entry
	start      uint64              // Smallest RID which is produced
	lowerBound uint64              // Smallest RID which is produced next
	produced   uint64              // Number of produced RIDs
}

/*
NewRidStream creates a new RID stream which produces all RIDs greater or
equal to a lower bound.
*/
func NewRidStream(name string, lowerBound uint64) *RidStream {
	return &RidStream{StreamBase: exec.NewStreamBase(name), start: lowerBound}
}

/*
OutputDescriptor returns the RID descriptor.
*/
func (rs *RidStream) OutputDescriptor() tuple.Descriptor {
	return RidDescriptor
}

/*
Produced returns the number of produced RIDs since the last open.
*/
func (rs *RidStream) Produced() uint64 {
	return rs.produced
}

/*
Open starts reading the input entries.
*/
func (rs *RidStream) Open(restart bool) error {
	rs.reader = NewSegmentReader(rs.Input(0))
	rs.it = nil
	rs.lowerBound = rs.start
	rs.produced = 0
	return rs.StreamBase.Open(restart)
}

/*
Execute produces RIDs.
*/
func (rs *RidStream) Execute(q *exec.Quantum) (exec.Result, error) {
	out := rs.Output(0)

	if out.State() == exec.BufEOS {
		return exec.ResultEOS, nil
	} else if !out.IsProductionPossible() {
		return exec.ResultBufOverflow, nil
	}

	for i := uint64(0); i < q.NTuplesMax; i++ {

		if rs.it == nil || !rs.it.HasNext() {
			var res exec.Result
			var err error

			if rs.lowerBound > 0 {
				rs.entry, res, err = rs.reader.AdvanceToRID(rs.lowerBound)
			} else {
				rs.entry, res, err = rs.reader.ReadEntry()
			}

			if err != nil {
				return exec.ResultEOS, err
			} else if res == exec.ResultEOS {
				out.MarkEOS()
				return exec.ResultEOS, nil
			} else if res != exec.ResultYield {
				return res, nil
			}

			rs.it = rs.entry.Bitmap.Iterator()

			continue
		}

		rid := rs.entry.StartRID + uint64(rs.it.PeekNext())

		ok, err := out.ProduceTuple(tuple.Data{int64(rid)})
		if err != nil {
			return exec.ResultEOS, err
		} else if !ok {
			out.RequestConsumption()
			return exec.ResultBufOverflow, nil
		}

		rs.it.Next()
		rs.produced++
		rs.lowerBound = rid + 1
	}

	return exec.ResultQuantumExpired, nil
}

/*
EntryBuildStream builds entries from ascending RIDs in the first column of
its input.
*/
type EntryBuildStream struct {
	exec.StreamBase
	span     uint64     // Max RID span of an entry
	maxBytes uint64     // Max serialized bitmap size of an entry
	current  Entry      // Entry which is built
	building bool       // Flag if current holds RIDs
	lastRID  int64      // Last added RID
	pending  tuple.Data // Finished entry which did not fit into the output
	done     bool       // Flag if the input was completely read
}

/*
NewEntryBuildStream creates a new entry build stream. An entry is finished
once the next RID is span or more RIDs after its start RID or its bitmap
needs more than maxBytes bytes.
*/
func NewEntryBuildStream(name string, span uint64, maxBytes uint64) *EntryBuildStream {
	if span == 0 || span > MaxEntrySpan {
		span = MaxEntrySpan
	}
	return &EntryBuildStream{StreamBase: exec.NewStreamBase(name), span: span, maxBytes: maxBytes}
}

/*
OutputDescriptor returns the entry descriptor.
*/
func (bs *EntryBuildStream) OutputDescriptor() tuple.Descriptor {
	return EntryDescriptor
}

/*
Open starts a new entry.
*/
func (bs *EntryBuildStream) Open(restart bool) error {
	bs.building = false
	bs.lastRID = -1
	bs.pending = nil
	bs.done = false
	return bs.StreamBase.Open(restart)
}

/*
Execute builds entries.
*/
func (bs *EntryBuildStream) Execute(q *exec.Quantum) (exec.Result, error) {
	out := bs.Output(0)

	if out.State() == exec.BufEOS {
		return exec.ResultEOS, nil
	} else if !out.IsProductionPossible() {
		return exec.ResultBufOverflow, nil
	}

	in := bs.Input(0)

	for i := uint64(0); i < q.NTuplesMax; i++ {

		if bs.pending != nil {
			ok, err := out.ProduceTuple(bs.pending)
			if err != nil {
				return exec.ResultEOS, err
			} else if !ok {
				out.RequestConsumption()
				return exec.ResultBufOverflow, nil
			}
			bs.pending = nil
		}

		if bs.done {
			out.MarkEOS()
			return exec.ResultEOS, nil
		}

		if !in.DemandData() {
			if in.State() != exec.BufEOS {
				return exec.ResultBufUnderflow, nil
			}

			bs.done = true

			if err := bs.finishEntry(); err != nil {
				return exec.ResultEOS, err
			}

			continue
		}

		t, err := in.UnmarshalTuple()
		if err != nil {
			return exec.ResultEOS, err
		}

		rid, ok := t[0].(int64)
		if !ok || rid < 0 {
			return exec.ResultEOS, fmt.Errorf("%w: invalid RID %v", ErrInvalidEntry, t[0])
		} else if rid <= bs.lastRID {
			return exec.ResultEOS, fmt.Errorf("%w: %v after %v", ErrUnsortedRIDs, rid, bs.lastRID)
		}

		if bs.building && (uint64(rid)-bs.current.StartRID >= bs.span ||
			(bs.maxBytes > 0 && bs.current.Bitmap.GetSerializedSizeInBytes() >= bs.maxBytes)) {

			// The RID is added once the finished entry was produced

			if err := bs.finishEntry(); err != nil {
				return exec.ResultEOS, err
			}

			continue
		}

		if !bs.building {
			bs.current = NewEntry(uint64(rid))
			bs.building = true
		}

		if err := bs.current.Add(uint64(rid)); err != nil {
			return exec.ResultEOS, err
		}

		bs.lastRID = rid

		in.ConsumeTuple()
	}

	return exec.ResultQuantumExpired, nil
}

/*
finishEntry moves the current entry into the pending output.
*/
func (bs *EntryBuildStream) finishEntry() error {
	if !bs.building {
		return nil
	}

	t, err := bs.current.Tuple()
	if err != nil {
		return err
	}

	bs.pending = t
	bs.building = false

	return nil
}

/*
EntryStoreStream writes its input entries into a new page chain of an entry
store. At the end of its input it produces a single row with the number of
stored entries and the first page of the chain.
*/
type EntryStoreStream struct {
	exec.StreamBase
	store    *EntryStore    // Store of the entries
	reader   *SegmentReader // Reader of the input entries
	writer   *EntryWriter   // Writer while open
	first    storage.PageID // First page of the written chain
	result   tuple.Data     // Result row which was not yet produced
	finished bool           // Flag if all input was stored
}

/*
NewEntryStoreStream creates a new entry store stream.
*/
func NewEntryStoreStream(name string, store *EntryStore) *EntryStoreStream {
	return &EntryStoreStream{StreamBase: exec.NewStreamBase(name), store: store,
		first: storage.NullPageID}
}

/*
OutputDescriptor returns the result descriptor.
*/
func (ss *EntryStoreStream) OutputDescriptor() tuple.Descriptor {
	return StoreResultDescriptor
}

/*
FirstPageID returns the first page of the written chain.
*/
func (ss *EntryStoreStream) FirstPageID() storage.PageID {
	return ss.first
}

/*
Open starts a new page chain.
*/
func (ss *EntryStoreStream) Open(restart bool) error {
	ss.reader = NewSegmentReader(ss.Input(0))
	ss.writer = ss.store.NewWriter()
	ss.first = storage.NullPageID
	ss.result = nil
	ss.finished = false
	return ss.StreamBase.Open(restart)
}

/*
Execute stores input entries.
*/
func (ss *EntryStoreStream) Execute(q *exec.Quantum) (exec.Result, error) {
	out := ss.Output(0)

	if out.State() == exec.BufEOS {
		return exec.ResultEOS, nil
	}

	if !ss.finished {
		for i := uint64(0); i < q.NTuplesMax; i++ {
			e, res, err := ss.reader.ReadEntry()

			if err != nil {
				return exec.ResultEOS, err
			} else if res == exec.ResultBufUnderflow {
				return res, nil
			} else if res == exec.ResultEOS {
				first, err := ss.writer.Close()
				if err != nil {
					return exec.ResultEOS, err
				}

				ss.first = first
				ss.finished = true
				ss.result = tuple.Data{int64(ss.writer.Written()), int64(first)}

				logger.Debug(fmt.Sprintf("%v: stored %v entries starting at page %v",
					ss.Name(), ss.writer.Written(), first))

				break
			}

			if err := ss.writer.Write(e); err != nil {
				return exec.ResultEOS, err
			}
		}

		if !ss.finished {
			return exec.ResultQuantumExpired, nil
		}
	}

	if ss.result != nil {
		if !out.IsProductionPossible() {
			return exec.ResultBufOverflow, nil
		}

		ok, err := out.ProduceTuple(ss.result)
		if err != nil {
			return exec.ResultEOS, err
		} else if !ok {
			out.RequestConsumption()
			return exec.ResultBufOverflow, nil
		}

		ss.result = nil
	}

	out.MarkEOS()

	return exec.ResultEOS, nil
}

/*
Close releases the writer. A completely written page chain is kept, a
partially written chain is freed.
*/
func (ss *EntryStoreStream) Close() error {
	var err error

	if ss.writer != nil && !ss.finished {
		var first storage.PageID

		if first, err = ss.writer.Close(); err == nil {
			err = ss.store.Free(first)
		}
	}

	ss.writer = nil

	return err
}
