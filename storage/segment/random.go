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
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
)

/*
Header of the allocation map which is stored at the start of the first map
page:

	0  uint64 length of the serialized bitmap
	8  uint64 next page index for ascending allocation
	16 uint64 occupied pages high water mark
*/
const (
	mapHeaderLength    = 0
	mapHeaderAscending = 8
	mapHeaderHighWater = 16
	mapHeaderSize      = 24
)

/*
mapReserve is the number of bytes which are kept free in the map page chain
before a page is allocated. Adding a single page index grows the serialized
bitmap by less than this.
*/
const mapReserve = 16

/*
RandomAllocationSegment is a segment which allocates pages anywhere in a
region of a device. Allocated pages are tracked in a bitmap which is
persisted in a chain of map pages starting at the first block of the region.
Page ids are compound ids of the blocks.

Deallocation policy:

	[NULL, NULL] - all pages
	[p, p]       - the single page p
	[p, NULL]    - the successor chain starting at p
	[p, q]       - the successor chain starting at p up to and including q
*/
type RandomAllocationSegment struct {
	base
	space       *deviceSpace
	order       AllocationOrder
	mutex       *sync.Mutex
	allocated   *roaring.Bitmap     // Allocated page indexes including map pages
	mapPages    []uint64            // Page indexes of the map page chain
	mapIndex    map[uint64]struct{} // Lookup set of map pages
	nextAsc     uint64              // Next page index for ascending allocation
	freeHint    uint64              // Lowest page index which may be free
	highWater   uint64              // Occupied pages high water mark
	mapDirty    bool                // Flag if the map needs to be written
	initialized bool                // Flag if the map was loaded or formatted
}

/*
NewRandomAllocationSegment creates a new random allocation segment. The order
must be RandomAllocation or AscendingAllocation. An existing allocation map
is loaded from the device, otherwise the region is formatted.
*/
func (f *Factory) NewRandomAllocationSegment(name string, params DeviceParams,
	order AllocationOrder) (*RandomAllocationSegment, error) {

	errorutil.AssertTrue(order == RandomAllocation || order == AscendingAllocation,
		fmt.Sprint("Random allocation segment cannot provide order ", order))

	seg := &RandomAllocationSegment{
		order:    order,
		mutex:    &sync.Mutex{},
		mapIndex: make(map[uint64]struct{}),
	}

	space, err := newDeviceSpace(f, params, &seg.extended)
	if err != nil {
		return nil, err
	}
	seg.space = space

	errorutil.AssertTrue(params.NPagesMax <= math.MaxUint32,
		"Random allocation segment cannot hold more than 2^32 pages")

	seg.init(seg, f, name, true)

	if err := seg.InitForUse(); err != nil {
		seg.Close()
		return nil, err
	}

	return seg, nil
}

/*
InitForUse loads the allocation map or formats the segment region.
*/
func (s *RandomAllocationSegment) InitForUse() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.initialized {
		return nil
	}

	if s.space.capacity.Load() == 0 {
		if ok, err := s.space.ensure(1); err != nil || !ok {
			return storage.NewError(storage.ErrSegmentFormat, "No space for allocation map", s.name)
		}
	}

	isMap, err := readFooter(&s.base, s.space.blockID(0), func(f footer) bool {
		return f.magic() == FooterMagic && f.flags()&FlagMapPage != 0
	})
	if err != nil {
		return err
	}

	if isMap {
		err = s.loadMap()
	} else {
		s.allocated = roaring.New()
		s.addMapPage(0)
		s.nextAsc = 1
		s.freeHint = 1
		s.mapDirty = true

		logger.Debug("Formatted random allocation segment ", s.name)
	}

	s.initialized = err == nil

	return err
}

/*
addMapPage records a page index as part of the map page chain.
*/
func (s *RandomAllocationSegment) addMapPage(index uint64) {
	s.allocated.Add(uint32(index))
	s.mapPages = append(s.mapPages, index)
	s.mapIndex[index] = struct{}{}
}

/*
loadMap reads the allocation map from the map page chain.
*/
func (s *RandomAllocationSegment) loadMap() error {
	var data []byte

	index := uint64(0)

	for {
		page, err := s.lockPage(s.space.blockID(index), cache.LockShared, true)
		if err != nil {
			return err
		}

		data = append(data, page.Data()[:s.usable]...)
		next := pageFooter(page.Data()).successor()

		s.factory.cache.UnlockPage(page, cache.LockShared)

		s.mapPages = append(s.mapPages, index)
		s.mapIndex[index] = struct{}{}

		if next == storage.NullPageID {
			break
		}

		index = s.space.pageIndex(storage.BlockID(next))
	}

	length := binary.BigEndian.Uint64(data[mapHeaderLength:])
	if mapHeaderSize+length > uint64(len(data)) {
		return storage.NewError(storage.ErrSegmentFormat, "Allocation map is truncated", s.name)
	}

	s.allocated = roaring.New()
	if err := s.allocated.UnmarshalBinary(data[mapHeaderSize : mapHeaderSize+length]); err != nil {
		return storage.NewError(storage.ErrSegmentFormat, err.Error(), s.name)
	}

	s.nextAsc = binary.BigEndian.Uint64(data[mapHeaderAscending:])
	s.highWater = binary.BigEndian.Uint64(data[mapHeaderHighWater:])
	s.freeHint = 1

	logger.Debug(fmt.Sprintf("Loaded allocation map of %v (%v pages)", s.name,
		s.allocated.GetCardinality()))

	return nil
}

/*
persistMap writes the allocation map into the map page chain. The chain is
extended if the map grew. Must be called with the mutex held.
*/
func (s *RandomAllocationSegment) persistMap() error {
	if !s.mapDirty {
		return nil
	}

	var data []byte

	for {
		bm, err := s.allocated.MarshalBinary()
		errorutil.AssertOk(err)

		data = make([]byte, mapHeaderSize+len(bm))
		binary.BigEndian.PutUint64(data[mapHeaderLength:], uint64(len(bm)))
		binary.BigEndian.PutUint64(data[mapHeaderAscending:], s.nextAsc)
		binary.BigEndian.PutUint64(data[mapHeaderHighWater:], s.highWater)
		copy(data[mapHeaderSize:], bm)

		needed := (len(data) + s.usable - 1) / s.usable
		if needed <= len(s.mapPages) {
			break
		}

		index, ok, err := s.freeIndex(false)
		if err != nil {
			return err
		} else if !ok {
			return storage.NewError(storage.ErrResourceExhausted, "No space to extend allocation map", s.name)
		}

		s.addMapPage(index)
	}

	for i, index := range s.mapPages {
		page, err := s.lockPage(s.space.blockID(index), cache.LockExclusive, false)
		if err != nil {
			return err
		}

		buf := page.Data()
		clear(buf)

		if start := i * s.usable; start < len(data) {
			copy(buf[:s.usable], data[start:])
		}

		f := pageFooter(buf)
		f.init(storage.AnonPageOwnerID, FlagMapPage)
		if i+1 < len(s.mapPages) {
			f.setSuccessor(storage.PageID(s.space.blockID(s.mapPages[i+1])))
		}

		page.MarkDirty()
		s.factory.cache.UnlockPage(page, cache.LockExclusive)
	}

	s.mapDirty = false

	return nil
}

/*
reserveMapSpace extends the map page chain so that it can still hold the
allocation map after one more page index was added. Returns false if no
page is left for the map. Must be called with the mutex held.
*/
func (s *RandomAllocationSegment) reserveMapSpace() (bool, error) {
	for {
		size := mapHeaderSize + int(s.allocated.GetSerializedSizeInBytes()) + mapReserve
		if (size+s.usable-1)/s.usable <= len(s.mapPages) {
			return true, nil
		}

		index, ok, err := s.freeIndex(false)
		if err != nil || !ok {
			return false, err
		}

		s.addMapPage(index)
	}
}

/*
freeIndex finds and reserves the next page index according to the
allocation order. Must be called with the mutex held.
*/
func (s *RandomAllocationSegment) freeIndex(ascending bool) (uint64, bool, error) {
	var index uint64

	if ascending {
		index = s.nextAsc
	} else {
		index = s.freeHint
		for s.allocated.Contains(uint32(index)) {
			index++
		}
	}

	for index >= s.space.capacity.Load() {
		ok, err := s.space.grow()
		if err != nil || !ok {
			return 0, false, err
		}
	}

	errorutil.AssertTrue(index <= math.MaxUint32, "Page index exceeds allocation map")

	s.allocated.Add(uint32(index))

	if !ascending {
		s.freeHint = index + 1
	}
	if index >= s.nextAsc {
		s.nextAsc = index + 1
	}

	s.mapDirty = true

	return index, true, nil
}

/*
AllocationOrder returns the order given at construction.
*/
func (s *RandomAllocationSegment) AllocationOrder() AllocationOrder {
	return s.order
}

/*
AllocatedSizeInPages returns the capacity of the segment.
*/
func (s *RandomAllocationSegment) AllocatedSizeInPages() uint64 {
	return s.space.capacity.Load()
}

/*
NumPagesOccupiedHighWater returns the highest number of allocated data pages.
*/
func (s *RandomAllocationSegment) NumPagesOccupiedHighWater() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.highWater
}

/*
NumPagesAllocated returns the number of allocated data pages.
*/
func (s *RandomAllocationSegment) NumPagesAllocated() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.allocated.GetCardinality() - uint64(len(s.mapPages))
}

/*
EnsureAllocatedSize grows the segment to hold at least nPages pages.
*/
func (s *RandomAllocationSegment) EnsureAllocatedSize(nPages uint64) (bool, error) {
	return s.space.ensure(nPages)
}

/*
AllocatePageID allocates a page.
*/
func (s *RandomAllocationSegment) AllocatePageID(owner storage.PageOwnerID) (storage.PageID, error) {
	s.assertOpen()

	s.mutex.Lock()

	ok, err := s.reserveMapSpace()
	if err != nil || !ok {
		s.mutex.Unlock()
		return storage.NullPageID, err
	}

	index, ok, err := s.freeIndex(s.order == AscendingAllocation)
	if err != nil || !ok {
		s.mutex.Unlock()
		return storage.NullPageID, err
	}

	if n := s.allocated.GetCardinality() - uint64(len(s.mapPages)); n > s.highWater {
		s.highWater = n
	}

	s.mutex.Unlock()

	blockID := s.space.blockID(index)

	if err := s.initPage(blockID, owner, 0); err != nil {
		s.release([]uint64{index})
		return storage.NullPageID, err
	}

	return storage.PageID(blockID), nil
}

/*
release marks page indexes as free and discards their cached pages.
*/
func (s *RandomAllocationSegment) release(indexes []uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, index := range indexes {
		s.allocated.Remove(uint32(index))
		s.discardBlock(s.space.blockID(index))

		if index < s.freeHint {
			s.freeHint = index
		}
	}

	s.mapDirty = true
}

/*
DeallocatePageRange deallocates pages. See the type documentation for the
supported ranges.
*/
func (s *RandomAllocationSegment) DeallocatePageRange(start storage.PageID, end storage.PageID) error {
	s.assertOpen()

	var indexes []uint64

	if start == storage.NullPageID {
		errorutil.AssertTrue(end == storage.NullPageID,
			"Random allocation segment cannot deallocate a range without a start page")

		s.mutex.Lock()
		it := s.allocated.Iterator()
		for it.HasNext() {
			if index := uint64(it.Next()); !s.isMapPage(index) {
				indexes = append(indexes, index)
			}
		}
		s.mutex.Unlock()

	} else if start == end {
		errorutil.AssertTrue(s.IsPageIDAllocated(start),
			fmt.Sprint("Cannot deallocate unallocated page ", start))

		indexes = append(indexes, s.index(start))

	} else {
		id := start

		for id != storage.NullPageID {
			errorutil.AssertTrue(s.IsPageIDAllocated(id),
				fmt.Sprint("Cannot deallocate unallocated page ", id))

			next, err := s.PageSuccessor(id)
			if err != nil {
				return err
			}

			indexes = append(indexes, s.index(id))

			if id == end {
				break
			}

			id = next
		}

		errorutil.AssertTrue(end == storage.NullPageID || id == end,
			fmt.Sprint("Page ", end, " is not part of the chain starting at ", start))
	}

	s.release(indexes)

	return nil
}

/*
isMapPage checks if a page index belongs to the map page chain.
*/
func (s *RandomAllocationSegment) isMapPage(index uint64) bool {
	_, ok := s.mapIndex[index]
	return ok
}

/*
index returns the page index of a page id.
*/
func (s *RandomAllocationSegment) index(id storage.PageID) uint64 {
	return s.space.pageIndex(storage.BlockID(id))
}

/*
IsPageIDAllocated returns if a page id refers to an allocated data page.
*/
func (s *RandomAllocationSegment) IsPageIDAllocated(id storage.PageID) bool {
	b := storage.BlockID(id)

	if id == storage.NullPageID || b.DeviceID() != s.space.params.DeviceID ||
		b.BlockNum() < s.space.params.FirstBlock {
		return false
	}

	index := uint64(b.BlockNum() - s.space.params.FirstBlock)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return index <= math.MaxUint32 && !s.isMapPage(index) && s.allocated.Contains(uint32(index))
}

/*
TranslatePageID maps a page id to its block.
*/
func (s *RandomAllocationSegment) TranslatePageID(id storage.PageID) storage.BlockID {
	errorutil.AssertTrue(id != storage.NullPageID, "Cannot translate NULL page id")
	s.index(id)
	return storage.BlockID(id)
}

/*
TranslateBlockID maps a block to its page id.
*/
func (s *RandomAllocationSegment) TranslateBlockID(id storage.BlockID) storage.PageID {
	s.space.pageIndex(id)
	return storage.PageID(id)
}

/*
PageSuccessor returns the successor of a page which is stored in its footer.
*/
func (s *RandomAllocationSegment) PageSuccessor(id storage.PageID) (storage.PageID, error) {
	return readFooter(&s.base, s.TranslatePageID(id), footer.successor)
}

/*
SetPageSuccessor stores the successor of a page in its footer.
*/
func (s *RandomAllocationSegment) SetPageSuccessor(id storage.PageID, successor storage.PageID) error {
	return s.updateFooter(s.TranslatePageID(id), func(f footer) {
		f.setSuccessor(successor)
	})
}

/*
PageOwnerID returns the owner of a page.
*/
func (s *RandomAllocationSegment) PageOwnerID(id storage.PageID) (storage.PageOwnerID, error) {
	return readFooter(&s.base, s.TranslatePageID(id), footer.owner)
}

/*
DelegatedCheckpoint writes the allocation map before the pages are
checkpointed. The pages are checkpointed even if the map could not be
written.
*/
func (s *RandomAllocationSegment) DelegatedCheckpoint(origin Segment, checkpointType cache.CheckpointType) error {
	var err error

	if checkpointType != cache.CheckpointDiscard {
		s.mutex.Lock()
		err = s.persistMap()
		s.mutex.Unlock()
	}

	if cerr := s.base.DelegatedCheckpoint(origin, checkpointType); err == nil {
		err = cerr
	}

	return err
}
