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
	"fmt"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/tuple"
)

/*
BufState is the state of a buffer accessor.
*/
type BufState int

/*
Buffer states

The producer runs while the buffer is in state Empty or Underflow. The
consumer runs while the buffer is in state NonEmpty or Overflow. EOS is
terminal.
*/
const (
	BufEmpty     BufState = iota // No data and no request
	BufUnderflow                 // Consumer requested more data
	BufNonEmpty                  // Data is available
	BufOverflow                  // Producer requested consumption
	BufEOS                       // Producer is exhausted
)

/*
String returns a string representation of a buffer state.
*/
func (s BufState) String() string {
	switch s {
	case BufEmpty:
		return "EMPTY"
	case BufUnderflow:
		return "UNDERFLOW"
	case BufNonEmpty:
		return "NONEMPTY"
	case BufOverflow:
		return "OVERFLOW"
	case BufEOS:
		return "EOS"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

/*
BufAccessor is a single producer single consumer buffer between two streams.
The bytes between start and end can be consumed; the bytes between end and
the end of the buffer can be produced.
*/
type BufAccessor struct {
	desc       tuple.Descriptor // Descriptor of the tuples in the buffer
	buf        []byte           // Buffer memory
	start      int              // Start of the consumable data
	end        int              // End of the consumable data
	state      BufState         // Current state
	pendingEOS bool             // EOS was marked while data was still available
	pending    int              // Length of the accessed consumption tuple
}

/*
NewBufAccessor creates a new buffer accessor over a given buffer.
*/
func NewBufAccessor(desc tuple.Descriptor, buf []byte) *BufAccessor {
	return &BufAccessor{desc: desc, buf: buf}
}

/*
TupleDescriptor returns the descriptor of the tuples in the buffer.
*/
func (ba *BufAccessor) TupleDescriptor() tuple.Descriptor {
	return ba.desc
}

/*
SetTupleDescriptor sets the descriptor of the tuples in the buffer.
*/
func (ba *BufAccessor) SetTupleDescriptor(desc tuple.Descriptor) {
	ba.desc = desc
}

/*
Buffer returns the buffer memory.
*/
func (ba *BufAccessor) Buffer() []byte {
	return ba.buf
}

/*
SetBuffer provides new buffer memory. The accessor is cleared.
*/
func (ba *BufAccessor) SetBuffer(buf []byte) {
	ba.buf = buf
	ba.Clear()
}

/*
State returns the current state.
*/
func (ba *BufAccessor) State() BufState {
	return ba.state
}

/*
Clear removes all data and resets the state to empty.
*/
func (ba *BufAccessor) Clear() {
	ba.start = 0
	ba.end = 0
	ba.state = BufEmpty
	ba.pendingEOS = false
	ba.pending = 0
}

/*
RequestProduction asks the producer for more data. Unconsumed data is moved
to the start of the buffer.
*/
func (ba *BufAccessor) RequestProduction() {
	errorutil.AssertTrue(ba.state != BufEOS, "Production requested after EOS")
	errorutil.AssertTrue(!ba.pendingEOS, "Production requested with pending EOS")
	errorutil.AssertTrue(ba.pending == 0, "Production requested while a tuple is accessed")

	if ba.start > 0 {
		n := copy(ba.buf, ba.buf[ba.start:ba.end])
		ba.start = 0
		ba.end = n
	}

	ba.state = BufUnderflow
}

/*
RequestConsumption asks the consumer to consume the available data.
*/
func (ba *BufAccessor) RequestConsumption() {
	errorutil.AssertTrue(ba.state != BufEOS, "Consumption requested after EOS")
	errorutil.AssertTrue(ba.start < ba.end, "Consumption requested without data")

	ba.state = BufOverflow
}

/*
MarkEOS marks the end of the stream. If data is still available the EOS
becomes effective once the data has been consumed.
*/
func (ba *BufAccessor) MarkEOS() {
	errorutil.AssertTrue(ba.state != BufEOS && !ba.pendingEOS, "EOS marked twice")

	if ba.start < ba.end {
		ba.pendingEOS = true
		ba.state = BufOverflow
		return
	}

	ba.state = BufEOS
}

/*
HasPendingEOS returns if EOS was marked while data is still available.
*/
func (ba *BufAccessor) HasPendingEOS() bool {
	return ba.pendingEOS
}

/*
IsProductionPossible returns if the producer may produce data.
*/
func (ba *BufAccessor) IsProductionPossible() bool {
	return ba.state == BufEmpty || ba.state == BufUnderflow || ba.state == BufNonEmpty
}

/*
IsConsumptionPossible returns if data is available for the consumer.
*/
func (ba *BufAccessor) IsConsumptionPossible() bool {
	return (ba.state == BufNonEmpty || ba.state == BufOverflow) && ba.start < ba.end
}

/*
DemandData returns true if data can be consumed. Otherwise production is
requested (unless the stream has ended) and false is returned.
*/
func (ba *BufAccessor) DemandData() bool {
	if ba.state == BufEOS {
		return false
	} else if ba.IsConsumptionPossible() {
		return true
	}

	ba.RequestProduction()

	return false
}

/*
ProductionAvailable returns the number of bytes which can be produced.
*/
func (ba *BufAccessor) ProductionAvailable() int {
	if !ba.IsProductionPossible() {
		return 0
	}
	return len(ba.buf) - ba.end
}

/*
ProductionBuffer returns the free part of the buffer.
*/
func (ba *BufAccessor) ProductionBuffer() []byte {
	errorutil.AssertTrue(ba.IsProductionPossible(), fmt.Sprint("Production not possible in state ", ba.state))

	return ba.buf[ba.end:]
}

/*
ProduceData marks n bytes of the production buffer as produced.
*/
func (ba *BufAccessor) ProduceData(n int) {
	errorutil.AssertTrue(ba.IsProductionPossible(), fmt.Sprint("Production not possible in state ", ba.state))
	errorutil.AssertTrue(n >= 0 && n <= len(ba.buf)-ba.end,
		fmt.Sprint("Produced ", n, " bytes with ", len(ba.buf)-ba.end, " bytes available"))

	ba.end += n

	if ba.start < ba.end {
		ba.state = BufNonEmpty
	}
}

/*
ProduceTuple marshals a tuple into the production buffer. Returns false if
the tuple does not fit into the remaining space. A tuple which does not fit
into an empty buffer is an error.
*/
func (ba *BufAccessor) ProduceTuple(t tuple.Data) (bool, error) {
	n, err := ba.desc.Marshal(t, ba.ProductionBuffer())

	if err == tuple.ErrBufferSize {
		if ba.start == ba.end {
			return false, fmt.Errorf("%w: buffer size %v", ErrTupleTooLarge, len(ba.buf))
		}
		return false, nil
	} else if err != nil {
		return false, err
	}

	ba.ProduceData(n)

	return true, nil
}

/*
ConsumptionAvailable returns the number of bytes which can be consumed.
*/
func (ba *BufAccessor) ConsumptionAvailable() int {
	return ba.end - ba.start
}

/*
ConsumptionAvailableBounded returns the number of bytes which can be consumed
capped at a given limit. The result is never zero while consumption is
possible.
*/
func (ba *BufAccessor) ConsumptionAvailableBounded(limit int) int {
	errorutil.AssertTrue(limit > 0, "Consumption limit must be positive")

	if n := ba.end - ba.start; n < limit {
		return n
	}
	return limit
}

/*
ConsumptionBuffer returns the consumable part of the buffer.
*/
func (ba *BufAccessor) ConsumptionBuffer() []byte {
	return ba.buf[ba.start:ba.end]
}

/*
ConsumeData marks the consumption buffer up to a given offset as consumed.
*/
func (ba *BufAccessor) ConsumeData(newStart int) {
	errorutil.AssertTrue(ba.IsConsumptionPossible(), fmt.Sprint("Consumption not possible in state ", ba.state))
	errorutil.AssertTrue(newStart >= 0 && ba.start+newStart <= ba.end,
		fmt.Sprint("Consumed ", newStart, " bytes with ", ba.end-ba.start, " bytes available"))

	ba.start += newStart

	if ba.start == ba.end {
		ba.start = 0
		ba.end = 0

		if ba.pendingEOS {
			ba.pendingEOS = false
			ba.state = BufEOS
		} else {
			ba.state = BufEmpty
		}
	}
}

/*
AccessConsumptionTuple returns the marshalled tuple at the start of the
consumption buffer. The tuple stays pending until ConsumeTuple is called.
*/
func (ba *BufAccessor) AccessConsumptionTuple() []byte {
	errorutil.AssertTrue(ba.IsConsumptionPossible(), fmt.Sprint("Consumption not possible in state ", ba.state))

	data := ba.ConsumptionBuffer()
	l, ok := tuple.MarshalledLength(data)

	errorutil.AssertTrue(ok && l <= len(data), "Consumption buffer does not start with a complete tuple")

	ba.pending = l

	return data[:l]
}

/*
UnmarshalTuple unmarshals the tuple at the start of the consumption buffer.
The tuple stays pending until ConsumeTuple is called.
*/
func (ba *BufAccessor) UnmarshalTuple() (tuple.Data, error) {
	data := ba.AccessConsumptionTuple()

	t, _, err := ba.desc.Unmarshal(data)

	return t, err
}

/*
IsTupleConsumptionPending returns if a tuple was accessed but not consumed.
*/
func (ba *BufAccessor) IsTupleConsumptionPending() bool {
	return ba.pending > 0
}

/*
ConsumeTuple consumes the accessed tuple.
*/
func (ba *BufAccessor) ConsumeTuple() {
	errorutil.AssertTrue(ba.pending > 0, "No tuple consumption pending")

	n := ba.pending
	ba.pending = 0

	ba.ConsumeData(n)
}

/*
String returns a string representation of the accessor.
*/
func (ba *BufAccessor) String() string {
	return fmt.Sprintf("BufAccessor %v (%v/%v bytes, pendingEOS: %v)",
		ba.state, ba.end-ba.start, len(ba.buf), ba.pendingEOS)
}
