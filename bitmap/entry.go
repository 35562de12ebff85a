/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

/*
Package bitmap contains bitmap index entries and the streams which read and
write them.

An entry describes a set of RIDs. It consists of a start RID and a roaring
bitmap of offsets relative to the start RID. Entries travel through stream
buffers as tuples of EntryDescriptor and are stored in page chains of a
segment.

SegmentReader

A SegmentReader reads entry tuples from an input buffer. Each read consumes
the previously read entry. Entries can be skipped up to a given RID.
*/
package bitmap

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/krotik/common/logutil"
	"github.com/krotik/segmentdb/tuple"
)

var logger = logutil.GetLogger("segmentdb.bitmap")

/*
Bitmap related errors
*/
var (
	ErrRIDOutOfRange = errors.New("RID out of range of entry")
	ErrInvalidEntry  = errors.New("Invalid bitmap entry")
	ErrUnsortedRIDs  = errors.New("RIDs are not in ascending order")
)

/*
EntryDescriptor is the tuple descriptor of entries.
*/
var EntryDescriptor = tuple.Descriptor{
	{Name: "startrid", Type: tuple.TypeInt64},
	{Name: "bitmap", Type: tuple.TypeBinary},
}

/*
MaxEntrySpan is the max distance between the start RID of an entry and its
last RID.
*/
const MaxEntrySpan = math.MaxUint32

/*
Entry is a set of RIDs starting at a given RID.
*/
type Entry struct {
	StartRID uint64          // First RID which can be part of the entry
	Bitmap   *roaring.Bitmap // RID offsets relative to StartRID
}

/*
NewEntry creates a new empty entry.
*/
func NewEntry(startRID uint64) Entry {
	return Entry{startRID, roaring.New()}
}

/*
Add adds a RID to the entry.
*/
func (e Entry) Add(rid uint64) error {
	if rid < e.StartRID || rid-e.StartRID > MaxEntrySpan {
		return fmt.Errorf("%w: %v (start %v)", ErrRIDOutOfRange, rid, e.StartRID)
	}

	e.Bitmap.Add(uint32(rid - e.StartRID))

	return nil
}

/*
Contains checks if a RID is part of the entry.
*/
func (e Entry) Contains(rid uint64) bool {
	return rid >= e.StartRID && rid-e.StartRID <= MaxEntrySpan &&
		e.Bitmap.Contains(uint32(rid-e.StartRID))
}

/*
Cardinality returns the number of RIDs of the entry.
*/
func (e Entry) Cardinality() uint64 {
	return e.Bitmap.GetCardinality()
}

/*
IsEmpty returns if the entry has no RIDs.
*/
func (e Entry) IsEmpty() bool {
	return e.Bitmap.IsEmpty()
}

/*
FirstRID returns the smallest RID of a non-empty entry.
*/
func (e Entry) FirstRID() uint64 {
	return e.StartRID + uint64(e.Bitmap.Minimum())
}

/*
LastRID returns the largest RID of a non-empty entry.
*/
func (e Entry) LastRID() uint64 {
	return e.StartRID + uint64(e.Bitmap.Maximum())
}

/*
RIDs returns all RIDs of the entry in ascending order.
*/
func (e Entry) RIDs() []uint64 {
	ret := make([]uint64, 0, e.Bitmap.GetCardinality())

	it := e.Bitmap.Iterator()
	for it.HasNext() {
		ret = append(ret, e.StartRID+uint64(it.Next()))
	}

	return ret
}

/*
TrimBefore returns an entry without the RIDs which are smaller than a given
RID. The entry itself is not modified.
*/
func (e Entry) TrimBefore(rid uint64) Entry {
	if rid <= e.StartRID || e.IsEmpty() || rid <= e.FirstRID() {
		return e
	}

	bm := e.Bitmap.Clone()
	bm.RemoveRange(0, min(rid-e.StartRID, MaxEntrySpan+1))

	return Entry{e.StartRID, bm}
}

/*
Tuple returns the tuple form of the entry.
*/
func (e Entry) Tuple() (tuple.Data, error) {
	e.Bitmap.RunOptimize()

	data, err := e.Bitmap.ToBytes()
	if err != nil {
		return nil, err
	}

	return tuple.Data{int64(e.StartRID), data}, nil
}

/*
EntryFromTuple creates an entry from its tuple form.
*/
func EntryFromTuple(t tuple.Data) (Entry, error) {
	if len(t) != 2 {
		return Entry{}, fmt.Errorf("%w: expected 2 values got %v", ErrInvalidEntry, len(t))
	}

	start, ok1 := t[0].(int64)
	data, ok2 := t[1].([]byte)

	if !ok1 || !ok2 || start < 0 {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, t)
	}

	bm := roaring.New()

	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	return Entry{uint64(start), bm}, nil
}

/*
String returns a string representation of the entry.
*/
func (e Entry) String() string {
	return fmt.Sprintf("Entry %v: %v", e.StartRID, e.RIDs())
}
