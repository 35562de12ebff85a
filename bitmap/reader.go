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
	"github.com/krotik/segmentdb/exec"
)

/*
SegmentReader reads entries from an input buffer of entry tuples.
*/
type SegmentReader struct {
	in    *exec.BufAccessor // Input buffer
	entry Entry             // Last read entry
	valid bool              // Flag if entry holds a read entry
}

/*
NewSegmentReader creates a new segment reader.
*/
func NewSegmentReader(in *exec.BufAccessor) *SegmentReader {
	return &SegmentReader{in: in}
}

/*
Current returns the last read entry. The returned flag is false if no entry
was read or the previous entry was consumed.
*/
func (sr *SegmentReader) Current() (Entry, bool) {
	return sr.entry, sr.valid
}

/*
ConsumePrevious consumes the tuple of the last read entry.
*/
func (sr *SegmentReader) ConsumePrevious() {
	if sr.in.IsTupleConsumptionPending() {
		sr.in.ConsumeTuple()
	}
	sr.valid = false
}

/*
ReadEntry consumes the previous entry and reads the next one. Returns
ResultBufUnderflow if the input needs more data and ResultEOS at the end of
the input; the entry is only valid for ResultYield.
*/
func (sr *SegmentReader) ReadEntry() (Entry, exec.Result, error) {
	sr.ConsumePrevious()

	if !sr.in.DemandData() {
		if sr.in.State() == exec.BufEOS {
			return Entry{}, exec.ResultEOS, nil
		}
		return Entry{}, exec.ResultBufUnderflow, nil
	}

	t, err := sr.in.UnmarshalTuple()
	if err != nil {
		return Entry{}, exec.ResultEOS, err
	}

	e, err := EntryFromTuple(t)
	if err != nil {
		return Entry{}, exec.ResultEOS, err
	}

	sr.entry = e
	sr.valid = true

	return e, exec.ResultYield, nil
}

/*
AdvanceToRID reads entries until an entry contains RIDs which are greater
or equal to a given RID. The returned entry has all smaller RIDs removed.
*/
func (sr *SegmentReader) AdvanceToRID(rid uint64) (Entry, exec.Result, error) {

	// The current entry may already reach the RID

	if sr.valid && !sr.entry.IsEmpty() && sr.entry.LastRID() >= rid {
		sr.entry = sr.entry.TrimBefore(rid)
		return sr.entry, exec.ResultYield, nil
	}

	for {
		e, res, err := sr.ReadEntry()
		if err != nil || res != exec.ResultYield {
			return e, res, err
		}

		if !e.IsEmpty() && e.LastRID() >= rid {
			sr.entry = e.TrimBefore(rid)
			return sr.entry, exec.ResultYield, nil
		}
	}
}
