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
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/segment"
	"github.com/krotik/segmentdb/tuple"
)

/*
copyTuples copies complete tuples from an input to an output accessor.
Returns the number of copied tuples.
*/
func copyTuples(in *BufAccessor, out *BufAccessor, max uint64) uint64 {
	var n uint64

	for n < max && in.IsConsumptionPossible() && out.IsProductionPossible() {
		data := in.AccessConsumptionTuple()
		dst := out.ProductionBuffer()

		if len(data) > len(dst) {
			break
		}

		out.ProduceData(copy(dst, data))
		in.ConsumeTuple()

		n++
	}

	return n
}

/*
conduitStep is the common execution step of streams which pass tuples from
their input to their output unchanged.
*/
func conduitStep(in *BufAccessor, out *BufAccessor, q *Quantum) (Result, error) {
	if out.State() == BufEOS {
		return ResultEOS, nil
	} else if !out.IsProductionPossible() {
		return ResultBufOverflow, nil
	}

	if !in.DemandData() {
		if in.State() == BufEOS {
			out.MarkEOS()
			return ResultEOS, nil
		}
		return ResultBufUnderflow, nil
	}

	n := copyTuples(in, out, q.NTuplesMax)

	if n == q.NTuplesMax {
		return ResultQuantumExpired, nil
	} else if in.IsConsumptionPossible() {

		if out.ConsumptionAvailable() == 0 {
			return ResultEOS, fmt.Errorf("%w: buffer size %v", ErrTupleTooLarge, len(out.Buffer()))
		}

		out.RequestConsumption()

		return ResultBufOverflow, nil
	}

	return ResultYield, nil
}

/*
ScratchBufferStream is a conduit which provides the buffer memory of its
output from scratch pages of the cache.
*/
type ScratchBufferStream struct {
	StreamBase
	factory *segment.Factory        // Factory for the scratch segment
	seg     *segment.ScratchSegment // Scratch segment while open
	lock    *segment.PageLock       // Lock on the buffer page
}

/*
NewScratchBufferStream creates a new scratch buffer stream.
*/
func NewScratchBufferStream(name string, f *segment.Factory) *ScratchBufferStream {
	return &ScratchBufferStream{StreamBase: NewStreamBase(name), factory: f}
}

/*
OutputDescriptor returns the descriptor of the input.
*/
func (ss *ScratchBufferStream) OutputDescriptor() tuple.Descriptor {
	return ss.Input(0).TupleDescriptor()
}

/*
ResourceRequirements returns a single cache page.
*/
func (ss *ScratchBufferStream) ResourceRequirements() (ResourceQuantity, ResourceQuantity) {
	return ResourceQuantity{CachePages: 1}, ResourceQuantity{CachePages: 1}
}

/*
Open locks a scratch page and provides it as output buffer.
*/
func (ss *ScratchBufferStream) Open(restart bool) error {
	if ss.seg == nil {
		quota := ss.allocation.CachePages
		if quota < 1 {
			quota = 1
		}

		ss.seg = ss.factory.NewScratchSegment(ss.name, uint64(quota))
		ss.lock = segment.NewPageLock(ss.seg)

		id, err := ss.lock.AllocatePage(storage.AnonPageOwnerID)
		if err == nil && id == storage.NullPageID {
			err = storage.NewError(storage.ErrResourceExhausted, "No scratch page available", ss.name)
		}

		if err != nil {
			ss.Close()
			return err
		}

		ss.Output(0).SetBuffer(ss.lock.Data())
	}

	return ss.StreamBase.Open(restart)
}

/*
Execute copies tuples from the input into the scratch page.
*/
func (ss *ScratchBufferStream) Execute(q *Quantum) (Result, error) {
	return conduitStep(ss.Input(0), ss.Output(0), q)
}

/*
Close releases the scratch page.
*/
func (ss *ScratchBufferStream) Close() error {
	if ss.seg == nil {
		return nil
	}

	ss.lock.Unlock()

	err := ss.seg.Close()
	ss.seg = nil

	return err
}

/*
SegBufferStream spools its input into a page chain of a segment and replays
the spooled data to its output. A restarted stream replays the buffered
data without reading its input again.
*/
type SegBufferStream struct {
	StreamBase
	seg      segment.Segment         // Segment for the page chain
	owner    storage.PageOwnerID     // Owner of the allocated pages
	out      *segment.OutputStream   // Writer while spooling
	first    storage.PageID          // First page of the spooled data
	reader   *bufio.Reader           // Reader while replaying
	spooled  bool                    // Flag if the input was completely spooled
	replayed uint64                  // Number of replayed tuples
}

/*
NewSegBufferStream creates a new segment buffer stream.
*/
func NewSegBufferStream(name string, seg segment.Segment, owner storage.PageOwnerID) *SegBufferStream {
	return &SegBufferStream{StreamBase: NewStreamBase(name), seg: seg, owner: owner,
		first: storage.NullPageID}
}

/*
OutputDescriptor returns the descriptor of the input.
*/
func (sb *SegBufferStream) OutputDescriptor() tuple.Descriptor {
	return sb.Input(0).TupleDescriptor()
}

/*
FirstPageID returns the first page of the spooled data.
*/
func (sb *SegBufferStream) FirstPageID() storage.PageID {
	return sb.first
}

/*
Replayed returns the number of tuples which were replayed since the last
open.
*/
func (sb *SegBufferStream) Replayed() uint64 {
	return sb.replayed
}

/*
Open prepares spooling or, if the input was already spooled, a replay.
*/
func (sb *SegBufferStream) Open(restart bool) error {
	sb.replayed = 0

	if sb.spooled {
		sb.startReplay()
	} else if sb.out == nil {
		sb.out = segment.NewOutputStream(sb.seg, sb.owner)
	}

	return sb.StreamBase.Open(restart)
}

/*
startReplay starts reading the spooled data from the first page.
*/
func (sb *SegBufferStream) startReplay() {
	sb.reader = nil

	if sb.first != storage.NullPageID {
		size := len(sb.Output(0).Buffer())
		sb.reader = bufio.NewReaderSize(segment.NewInputStream(sb.seg, sb.first), size)
	}
}

/*
Execute spools input until EOS and then replays the spooled tuples.
*/
func (sb *SegBufferStream) Execute(q *Quantum) (Result, error) {
	if !sb.spooled {
		return sb.spool(q)
	}
	return sb.replay(q)
}

/*
spool writes the input data into the page chain.
*/
func (sb *SegBufferStream) spool(q *Quantum) (Result, error) {
	in := sb.Input(0)

	for i := uint64(0); i < q.NTuplesMax; i++ {

		if !in.DemandData() {
			if in.State() != BufEOS {
				return ResultBufUnderflow, nil
			}

			if err := sb.out.Close(); err != nil {
				return ResultEOS, err
			}

			sb.first = sb.out.FirstPageID()
			sb.out = nil
			sb.spooled = true

			logger.Debug(fmt.Sprintf("Spooled input of %v starting at page %v", sb.name, sb.first))

			sb.startReplay()

			return ResultYield, nil
		}

		data := in.ConsumptionBuffer()

		if _, err := sb.out.Write(data); err != nil {
			return ResultEOS, err
		}

		in.ConsumeData(len(data))
	}

	return ResultQuantumExpired, nil
}

/*
replay produces the spooled tuples.
*/
func (sb *SegBufferStream) replay(q *Quantum) (Result, error) {
	out := sb.Output(0)

	if out.State() == BufEOS {
		return ResultEOS, nil
	} else if !out.IsProductionPossible() {
		return ResultBufOverflow, nil
	}

	for i := uint64(0); i < q.NTuplesMax; i++ {

		if sb.reader == nil {
			out.MarkEOS()
			return ResultEOS, nil
		}

		header, err := sb.reader.Peek(tuple.HeaderSize)
		if errors.Is(err, io.EOF) && len(header) == 0 {
			sb.reader = nil
			continue
		} else if err != nil {
			return ResultEOS, err
		}

		l, _ := tuple.MarshalledLength(header)

		if l > out.ProductionAvailable() {
			errorutil.AssertTrue(out.ConsumptionAvailable() > 0, "Spooled tuple exceeds buffer size")

			out.RequestConsumption()

			return ResultBufOverflow, nil
		}

		n, err := io.ReadFull(sb.reader, out.ProductionBuffer()[:l])
		if err != nil {
			return ResultEOS, err
		}

		out.ProduceData(n)

		sb.replayed++
	}

	return ResultQuantumExpired, nil
}

/*
Close releases the spooled pages.
*/
func (sb *SegBufferStream) Close() error {
	var err error

	if sb.out != nil {
		err = sb.out.Close()
		sb.first = sb.out.FirstPageID()
		sb.out = nil
	}

	if sb.first != storage.NullPageID && sb.seg.IsPageIDAllocated(sb.first) {
		err = sb.seg.DeallocatePageRange(sb.first, storage.NullPageID)
	}

	sb.first = storage.NullPageID
	sb.reader = nil
	sb.spooled = false

	return err
}
