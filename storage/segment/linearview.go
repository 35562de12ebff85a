/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package segment

import (
	"fmt"
	"sync"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
)

/*
LinearViewSegment provides a linear page numbering over a chain of pages of
another segment. The chain is linked through the successors of the target
segment and identified by its first page.

Pages reserved through EnsureAllocatedSize are part of the chain and are
handed out by the following allocations. They keep the anonymous owner.

Deallocation policy: only truncation is supported. A range must extend to the
last page of the chain (or be open ended).
*/
type LinearViewSegment struct {
	base
	target    Handle
	mutex     *sync.Mutex
	table     []storage.PageID          // Target pages in chain order
	reverse   map[storage.PageID]uint64 // Target page to linear page number
	used      uint64                    // Number of pages handed out
	highWater uint64                    // Highest number of used pages
}

/*
NewLinearViewSegment creates a linear view over a target segment. If
firstPageID is not NullPageID the chain starting at this page is loaded.
*/
func (f *Factory) NewLinearViewSegment(name string, target Segment,
	firstPageID storage.PageID) (*LinearViewSegment, error) {

	seg := &LinearViewSegment{
		target:  target.Handle(),
		mutex:   &sync.Mutex{},
		reverse: make(map[storage.PageID]uint64),
	}

	id := firstPageID

	for id != storage.NullPageID {
		seg.reverse[id] = uint64(len(seg.table))
		seg.table = append(seg.table, id)

		next, err := target.PageSuccessor(id)
		if err != nil {
			return nil, err
		}

		errorutil.AssertTrue(next == storage.NullPageID || !seg.contains(next),
			fmt.Sprint("Page chain of ", name, " contains a cycle at page ", next))

		id = next
	}

	seg.used = uint64(len(seg.table))
	seg.highWater = seg.used

	seg.init(seg, f, name, false)
	seg.setUsablePageSize(target.UsablePageSize())

	return seg, nil
}

func (s *LinearViewSegment) contains(id storage.PageID) bool {
	_, ok := s.reverse[id]
	return ok
}

/*
Target returns the segment which holds the pages of the view.
*/
func (s *LinearViewSegment) Target() Segment {
	return s.factory.resolve(s.target)
}

/*
FirstPageID returns the first page of the chain in the target segment or
NullPageID if the view is empty.
*/
func (s *LinearViewSegment) FirstPageID() storage.PageID {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.table) == 0 {
		return storage.NullPageID
	}
	return s.table[0]
}

/*
AllocationOrder returns LinearAllocation.
*/
func (s *LinearViewSegment) AllocationOrder() AllocationOrder {
	return LinearAllocation
}

/*
AllocatedSizeInPages returns the length of the chain.
*/
func (s *LinearViewSegment) AllocatedSizeInPages() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return uint64(len(s.table))
}

/*
NumPagesOccupiedHighWater returns the highest number of used pages.
*/
func (s *LinearViewSegment) NumPagesOccupiedHighWater() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.highWater
}

/*
appendPage allocates a target page and links it to the end of the chain.
Must be called with the mutex held.
*/
func (s *LinearViewSegment) appendPage(owner storage.PageOwnerID) (bool, error) {
	target := s.Target()

	id, err := target.AllocatePageID(owner)
	if err != nil || id == storage.NullPageID {
		return false, err
	}

	if n := len(s.table); n > 0 {
		if err := target.SetPageSuccessor(s.table[n-1], id); err != nil {
			return false, err
		}
	}

	s.reverse[id] = uint64(len(s.table))
	s.table = append(s.table, id)

	return true, nil
}

/*
EnsureAllocatedSize extends the chain to at least nPages pages.
*/
func (s *LinearViewSegment) EnsureAllocatedSize(nPages uint64) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for uint64(len(s.table)) < nPages {
		if ok, err := s.appendPage(storage.AnonPageOwnerID); err != nil || !ok {
			return false, err
		}
		s.extended.Add(1)
	}

	return true, nil
}

/*
AllocatePageID hands out the next page of the chain.
*/
func (s *LinearViewSegment) AllocatePageID(owner storage.PageOwnerID) (storage.PageID, error) {
	s.assertOpen()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.used == uint64(len(s.table)) {
		if ok, err := s.appendPage(owner); err != nil || !ok {
			return storage.NullPageID, err
		}
	}

	id := LinearPageID(storage.BlockNum(s.used))

	s.used++
	if s.used > s.highWater {
		s.highWater = s.used
	}

	return id, nil
}

/*
DeallocatePageRange truncates the chain and releases the truncated pages in
the target segment. The range must end at the last page of the chain or at
the last handed out page. Reserved pages after the range are released as
well.
*/
func (s *LinearViewSegment) DeallocatePageRange(start storage.PageID, end storage.PageID) error {
	s.assertOpen()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := uint64(len(s.table))
	from := uint64(0)

	if start != storage.NullPageID {
		from = uint64(LinearBlockNum(start))
	}
	if end != storage.NullPageID {
		last := uint64(LinearBlockNum(end)) + 1
		errorutil.AssertTrue(last == n || last == s.used, fmt.Sprintf(
			"Deallocation of pages %v-%v does not truncate the view %v", start, end, s.name))
	}

	errorutil.AssertTrue(from <= n, fmt.Sprint("Deallocation start ", from, " beyond chain length ", n))

	if from == n {
		return nil
	}

	target := s.Target()

	if from > 0 {
		if err := target.SetPageSuccessor(s.table[from-1], storage.NullPageID); err != nil {
			return err
		}
	}

	if err := target.DeallocatePageRange(s.table[from], storage.NullPageID); err != nil {
		return err
	}

	for _, id := range s.table[from:] {
		delete(s.reverse, id)
	}

	s.table = s.table[:from]
	if s.used > from {
		s.used = from
	}

	return nil
}

/*
IsPageIDAllocated returns if a linear page number was handed out.
*/
func (s *LinearViewSegment) IsPageIDAllocated(id storage.PageID) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return id != storage.NullPageID && uint64(LinearBlockNum(id)) < s.used
}

/*
targetPageID returns the target page of a linear page number.
*/
func (s *LinearViewSegment) targetPageID(id storage.PageID) storage.PageID {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := uint64(LinearBlockNum(id))

	errorutil.AssertTrue(id != storage.NullPageID && n < uint64(len(s.table)),
		fmt.Sprint("Page ", id, " is not part of view ", s.name))

	return s.table[n]
}

/*
TranslatePageID maps a linear page number to the block of the target page.
*/
func (s *LinearViewSegment) TranslatePageID(id storage.PageID) storage.BlockID {
	return s.Target().TranslatePageID(s.targetPageID(id))
}

/*
TranslateBlockID maps a block of the target segment to its linear page
number.
*/
func (s *LinearViewSegment) TranslateBlockID(id storage.BlockID) storage.PageID {
	tid := s.Target().TranslateBlockID(id)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	n, ok := s.reverse[tid]

	errorutil.AssertTrue(ok, fmt.Sprint("Block ", id, " is not part of view ", s.name))

	return LinearPageID(storage.BlockNum(n))
}

/*
PageSuccessor returns the next linear page or NullPageID for the last page.
*/
func (s *LinearViewSegment) PageSuccessor(id storage.PageID) (storage.PageID, error) {
	if next := id + 1; s.IsPageIDAllocated(next) {
		return next, nil
	}
	return storage.NullPageID, nil
}

/*
SetPageSuccessor accepts only the implicit successor.
*/
func (s *LinearViewSegment) SetPageSuccessor(id storage.PageID, successor storage.PageID) error {
	errorutil.AssertTrue(successor == id+1 || successor == storage.NullPageID,
		fmt.Sprint("Linear view cannot chain page ", id, " to ", successor))
	return nil
}

/*
MappedPageListener returns the listener of the target segment.
*/
func (s *LinearViewSegment) MappedPageListener(blockID storage.BlockID) Segment {
	return s.Target().MappedPageListener(blockID)
}

/*
DelegatedCheckpoint checkpoints the target segment.
*/
func (s *LinearViewSegment) DelegatedCheckpoint(origin Segment, checkpointType cache.CheckpointType) error {
	target := s.factory.Lookup(s.target)
	if target == nil {
		return nil
	}
	return target.DelegatedCheckpoint(origin, checkpointType)
}
