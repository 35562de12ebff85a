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
	"errors"
	"fmt"
	"sync"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
)

/*
ScratchSegment is a linear segment of scratch pages which are not backed by
a device. Scratch pages stay pinned in the cache until they are deallocated
or the segment is closed. The number of pages is bounded by a quota.

Deallocation policy: only truncation is supported. A range must extend to the
last allocated page (or be open ended).
*/
type ScratchSegment struct {
	base
	mutex     *sync.Mutex
	quota     uint64                     // Max number of pages (0 for no limit)
	pages     []*scratchEntry            // Allocated pages in page id order
	reverse   map[storage.BlockID]uint64 // Block to page number
	highWater uint64                     // Highest number of allocated pages
}

type scratchEntry struct {
	blockID storage.BlockID
	page    *cache.Page
}

/*
NewScratchSegment creates a new scratch segment with a given page quota.
*/
func (f *Factory) NewScratchSegment(name string, quota uint64) *ScratchSegment {
	seg := &ScratchSegment{
		mutex:   &sync.Mutex{},
		quota:   quota,
		reverse: make(map[storage.BlockID]uint64),
	}

	seg.init(seg, f, name, false)

	return seg
}

/*
Quota returns the page quota of the segment.
*/
func (s *ScratchSegment) Quota() uint64 {
	return s.quota
}

/*
SetQuota changes the page quota of the segment. Already allocated pages are
not released.
*/
func (s *ScratchSegment) SetQuota(quota uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.quota = quota
}

/*
AllocationOrder returns LinearAllocation.
*/
func (s *ScratchSegment) AllocationOrder() AllocationOrder {
	return LinearAllocation
}

/*
AllocatedSizeInPages returns the number of allocated pages.
*/
func (s *ScratchSegment) AllocatedSizeInPages() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return uint64(len(s.pages))
}

/*
NumPagesOccupiedHighWater returns the highest number of allocated pages.
*/
func (s *ScratchSegment) NumPagesOccupiedHighWater() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.highWater
}

/*
AllocatePageID allocates a scratch page. Returns NullPageID if the quota is
exhausted or the cache has no free page.
*/
func (s *ScratchSegment) AllocatePageID(owner storage.PageOwnerID) (storage.PageID, error) {
	s.assertOpen()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.quota != 0 && uint64(len(s.pages)) >= s.quota {
		return storage.NullPageID, nil
	}

	page, err := s.factory.cache.LockScratchPage()
	if err != nil {
		if errors.Is(err, storage.ErrCacheFull) {
			return storage.NullPageID, nil
		}
		return storage.NullPageID, err
	}

	n := uint64(len(s.pages))

	s.pages = append(s.pages, &scratchEntry{page.BlockID(), page})
	s.reverse[page.BlockID()] = n

	if n+1 > s.highWater {
		s.highWater = n + 1
	}

	return LinearPageID(storage.BlockNum(n)), nil
}

/*
DeallocatePageRange releases the scratch pages at the end of the segment.
*/
func (s *ScratchSegment) DeallocatePageRange(start storage.PageID, end storage.PageID) error {
	s.assertOpen()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := uint64(len(s.pages))
	from := uint64(0)

	if start != storage.NullPageID {
		from = uint64(LinearBlockNum(start))
	}
	if end != storage.NullPageID {
		errorutil.AssertTrue(uint64(LinearBlockNum(end))+1 == n, fmt.Sprintf(
			"Deallocation of pages %v-%v does not truncate scratch segment %v", start, end, s.name))
	}

	errorutil.AssertTrue(from <= n, fmt.Sprint("Deallocation start ", from, " beyond allocated pages ", n))

	s.release(from)

	return nil
}

/*
release releases all pages from a given page number. Must be called with the
mutex held.
*/
func (s *ScratchSegment) release(from uint64) {
	for _, e := range s.pages[from:] {
		s.factory.cache.UnlockScratchPage(e.page)
		delete(s.reverse, e.blockID)
	}

	s.pages = s.pages[:from]
}

/*
IsPageIDAllocated returns if a page number is allocated.
*/
func (s *ScratchSegment) IsPageIDAllocated(id storage.PageID) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return id != storage.NullPageID && uint64(LinearBlockNum(id)) < uint64(len(s.pages))
}

/*
TranslatePageID maps a page number to its scratch block.
*/
func (s *ScratchSegment) TranslatePageID(id storage.PageID) storage.BlockID {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := uint64(LinearBlockNum(id))

	errorutil.AssertTrue(id != storage.NullPageID && n < uint64(len(s.pages)),
		fmt.Sprint("Page ", id, " is not allocated in scratch segment ", s.name))

	return s.pages[n].blockID
}

/*
TranslateBlockID maps a scratch block to its page number.
*/
func (s *ScratchSegment) TranslateBlockID(id storage.BlockID) storage.PageID {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n, ok := s.reverse[id]

	errorutil.AssertTrue(ok, fmt.Sprint("Block ", id, " is not part of scratch segment ", s.name))

	return LinearPageID(storage.BlockNum(n))
}

/*
PageSuccessor returns the next page or NullPageID for the last page.
*/
func (s *ScratchSegment) PageSuccessor(id storage.PageID) (storage.PageID, error) {
	if next := id + 1; s.IsPageIDAllocated(next) {
		return next, nil
	}
	return storage.NullPageID, nil
}

/*
SetPageSuccessor accepts only the implicit successor.
*/
func (s *ScratchSegment) SetPageSuccessor(id storage.PageID, successor storage.PageID) error {
	errorutil.AssertTrue(successor == id+1 || successor == storage.NullPageID,
		fmt.Sprint("Scratch segment cannot chain page ", id, " to ", successor))
	return nil
}

/*
closeImpl releases all scratch pages.
*/
func (s *ScratchSegment) closeImpl() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.release(0)

	return nil
}
