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
	"math"
	"sync"
	"sync/atomic"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/file"
)

/*
AllocatedFromDevice can be used as DeviceParams.NPagesAllocated to derive the
number of allocated pages from the size of the device.
*/
const AllocatedFromDevice = math.MaxUint64

/*
DeviceParams are the parameters of segments which occupy a region of blocks
on a device.
*/
type DeviceParams struct {
	DeviceID        storage.DeviceID // Device of the segment
	FirstBlock      storage.BlockNum // First block of the segment
	NPagesMin       uint64           // Initial capacity
	NPagesIncrement uint64           // Growth step if the segment is full (0 for no growth)
	NPagesMax       uint64           // Max capacity (0 for no limit)
	NPagesAllocated uint64           // Pages in use when opening an existing segment
}

/*
deviceSpace manages the capacity of a region of blocks on a device.
*/
type deviceSpace struct {
	params   DeviceParams
	device   file.Device
	capacity atomic.Uint64
	mutex    *sync.Mutex
	extended *atomic.Uint64
}

/*
newDeviceSpace creates a new device region and grows the device to the
initial capacity.
*/
func newDeviceSpace(f *Factory, params DeviceParams, extended *atomic.Uint64) (*deviceSpace, error) {
	dev := f.cache.Device(params.DeviceID)
	if dev == nil {
		return nil, storage.NewError(storage.ErrNoDevice, fmt.Sprint("Device ", params.DeviceID), "")
	}

	ds := &deviceSpace{params: params, device: dev, mutex: &sync.Mutex{}, extended: extended}

	capacity := params.NPagesMin
	if inUse := ds.pagesOnDevice(); inUse > capacity {
		capacity = inUse
	}
	if params.NPagesMax != 0 && capacity > params.NPagesMax {
		capacity = params.NPagesMax
	}

	if err := ds.growDevice(capacity); err != nil {
		return nil, err
	}

	ds.capacity.Store(capacity)

	return ds, nil
}

/*
pagesOnDevice returns the number of blocks of the region which exist on the
device.
*/
func (ds *deviceSpace) pagesOnDevice() uint64 {
	size := ds.device.SizeInBlocks()
	if size <= uint64(ds.params.FirstBlock) {
		return 0
	}
	return size - uint64(ds.params.FirstBlock)
}

/*
growDevice makes sure the device holds n blocks of the region.
*/
func (ds *deviceSpace) growDevice(n uint64) error {
	if need := uint64(ds.params.FirstBlock) + n; ds.device.SizeInBlocks() < need {
		return ds.device.SetSizeInBlocks(need)
	}
	return nil
}

/*
ensure grows the region to at least n pages. Returns false if the region
cannot grow any further.
*/
func (ds *deviceSpace) ensure(n uint64) (bool, error) {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	old := ds.capacity.Load()

	if n <= old {
		return true, nil
	}

	if (ds.params.NPagesMax != 0 && n > ds.params.NPagesMax) ||
		uint64(ds.params.FirstBlock)+n > uint64(storage.MaxBlockNum) {
		return false, nil
	}

	if err := ds.growDevice(n); err != nil {
		return false, err
	}

	ds.capacity.Store(n)
	ds.extended.Add(n - old)

	return true, nil
}

/*
grow grows the region by its increment. Returns false if no growth is
possible.
*/
func (ds *deviceSpace) grow() (bool, error) {
	if ds.params.NPagesIncrement == 0 {
		return false, nil
	}

	n := ds.capacity.Load() + ds.params.NPagesIncrement
	if ds.params.NPagesMax != 0 && n > ds.params.NPagesMax {
		n = ds.params.NPagesMax
	}

	if n <= ds.capacity.Load() {
		return false, nil
	}

	return ds.ensure(n)
}

/*
blockID returns the block of the nth page of the region.
*/
func (ds *deviceSpace) blockID(n uint64) storage.BlockID {
	return storage.NewBlockID(ds.params.DeviceID, ds.params.FirstBlock+storage.BlockNum(n))
}

/*
pageIndex returns the index of a block in the region.
*/
func (ds *deviceSpace) pageIndex(blockID storage.BlockID) uint64 {
	errorutil.AssertTrue(blockID.DeviceID() == ds.params.DeviceID &&
		blockID.BlockNum() >= ds.params.FirstBlock,
		fmt.Sprint("Block ", blockID, " is not part of the segment"))

	return uint64(blockID.BlockNum() - ds.params.FirstBlock)
}

/*
sequentialSpace is the allocation logic which is shared by linear and
consecutive device segments. Pages are handed out in order; deallocation
can only truncate.
*/
type sequentialSpace struct {
	*deviceSpace
	allocated atomic.Uint64 // Number of allocated pages
	highWater atomic.Uint64 // Highest number of allocated pages
	truncate  *sync.Mutex   // Mutex to serialize truncations
}

/*
newSequentialSpace creates a new sequential region.
*/
func newSequentialSpace(f *Factory, params DeviceParams, extended *atomic.Uint64) (*sequentialSpace, error) {
	ds, err := newDeviceSpace(f, params, extended)
	if err != nil {
		return nil, err
	}

	ss := &sequentialSpace{deviceSpace: ds, truncate: &sync.Mutex{}}

	allocated := params.NPagesAllocated
	if allocated == AllocatedFromDevice {
		allocated = ds.pagesOnDevice()
	}
	if allocated > ds.capacity.Load() {
		allocated = ds.capacity.Load()
	}

	ss.allocated.Store(allocated)
	ss.highWater.Store(allocated)

	return ss, nil
}

/*
next reserves the index of the next page. Returns false if the region is
exhausted.
*/
func (ss *sequentialSpace) next() (uint64, bool, error) {
	for {
		n := ss.allocated.Load()

		if n >= ss.capacity.Load() {
			ok, err := ss.grow()
			if err != nil || !ok {
				return 0, false, err
			}
			continue
		}

		if ss.allocated.CompareAndSwap(n, n+1) {
			for {
				hw := ss.highWater.Load()
				if n+1 <= hw || ss.highWater.CompareAndSwap(hw, n+1) {
					break
				}
			}
			return n, true, nil
		}
	}
}

/*
truncateRange checks that a range of page indexes covers the end of the
allocated pages and returns the new number of allocated pages.
*/
func (ss *sequentialSpace) truncateRange(start, end uint64, hasStart, hasEnd bool) uint64 {
	allocated := ss.allocated.Load()

	if !hasStart {
		start = 0
	}

	if hasEnd {
		errorutil.AssertTrue(end+1 == allocated, fmt.Sprintf(
			"Deallocation of pages %v-%v does not truncate the segment (%v pages allocated)",
			start, end, allocated))
	}

	errorutil.AssertTrue(start <= allocated, fmt.Sprintf(
		"Deallocation start %v beyond allocated pages %v", start, allocated))

	return start
}

/*
LinearDeviceSegment is a segment which maps dense page numbers to
consecutive blocks of one device.

Deallocation policy: only truncation is supported. A range must extend to the
last allocated page (or be open ended).
*/
type LinearDeviceSegment struct {
	base
	space *sequentialSpace
}

/*
NewLinearDeviceSegment creates a new linear segment on a region of a device.
*/
func (f *Factory) NewLinearDeviceSegment(name string, params DeviceParams) (*LinearDeviceSegment, error) {
	seg := &LinearDeviceSegment{}

	space, err := newSequentialSpace(f, params, &seg.extended)
	if err != nil {
		return nil, err
	}
	seg.space = space

	seg.init(seg, f, name, true)

	return seg, nil
}

/*
AllocationOrder returns LinearAllocation.
*/
func (s *LinearDeviceSegment) AllocationOrder() AllocationOrder {
	return LinearAllocation
}

/*
AllocatedSizeInPages returns the capacity of the segment.
*/
func (s *LinearDeviceSegment) AllocatedSizeInPages() uint64 {
	return s.space.capacity.Load()
}

/*
NumPagesOccupiedHighWater returns the highest number of allocated pages.
*/
func (s *LinearDeviceSegment) NumPagesOccupiedHighWater() uint64 {
	return s.space.highWater.Load()
}

/*
NumPagesAllocated returns the number of currently allocated pages.
*/
func (s *LinearDeviceSegment) NumPagesAllocated() uint64 {
	return s.space.allocated.Load()
}

/*
EnsureAllocatedSize grows the segment to hold at least nPages pages.
*/
func (s *LinearDeviceSegment) EnsureAllocatedSize(nPages uint64) (bool, error) {
	return s.space.ensure(nPages)
}

/*
AllocatePageID allocates the next page.
*/
func (s *LinearDeviceSegment) AllocatePageID(owner storage.PageOwnerID) (storage.PageID, error) {
	s.assertOpen()

	n, ok, err := s.space.next()
	if err != nil || !ok {
		return storage.NullPageID, err
	}

	if err := s.initPage(s.space.blockID(n), owner, 0); err != nil {
		return storage.NullPageID, err
	}

	return LinearPageID(storage.BlockNum(n)), nil
}

/*
DeallocatePageRange truncates the segment.
*/
func (s *LinearDeviceSegment) DeallocatePageRange(start storage.PageID, end storage.PageID) error {
	s.assertOpen()

	s.space.truncate.Lock()
	defer s.space.truncate.Unlock()

	newSize := s.space.truncateRange(uint64(LinearBlockNum(start)), uint64(LinearBlockNum(end)),
		start != storage.NullPageID, end != storage.NullPageID)

	for i := newSize; i < s.space.allocated.Load(); i++ {
		s.discardBlock(s.space.blockID(i))
	}

	s.space.allocated.Store(newSize)

	return nil
}

/*
IsPageIDAllocated returns if a page id is currently allocated.
*/
func (s *LinearDeviceSegment) IsPageIDAllocated(id storage.PageID) bool {
	return id != storage.NullPageID && uint64(LinearBlockNum(id)) < s.space.allocated.Load()
}

/*
TranslatePageID maps a page id to its block.
*/
func (s *LinearDeviceSegment) TranslatePageID(id storage.PageID) storage.BlockID {
	errorutil.AssertTrue(id != storage.NullPageID, "Cannot translate NULL page id")
	return s.space.blockID(uint64(LinearBlockNum(id)))
}

/*
TranslateBlockID maps a block to its page id.
*/
func (s *LinearDeviceSegment) TranslateBlockID(id storage.BlockID) storage.PageID {
	return LinearPageID(storage.BlockNum(s.space.pageIndex(id)))
}

/*
PageSuccessor returns the next page or NullPageID for the last page.
*/
func (s *LinearDeviceSegment) PageSuccessor(id storage.PageID) (storage.PageID, error) {
	if next := id + 1; s.IsPageIDAllocated(next) {
		return next, nil
	}
	return storage.NullPageID, nil
}

/*
SetPageSuccessor accepts only the implicit successor.
*/
func (s *LinearDeviceSegment) SetPageSuccessor(id storage.PageID, successor storage.PageID) error {
	errorutil.AssertTrue(successor == id+1 || successor == storage.NullPageID,
		fmt.Sprint("Linear segment cannot chain page ", id, " to ", successor))
	return nil
}

/*
PageOwnerID returns the owner of a page.
*/
func (s *LinearDeviceSegment) PageOwnerID(id storage.PageID) (storage.PageOwnerID, error) {
	return readFooter(&s.base, s.TranslatePageID(id), footer.owner)
}

/*
ConsecutiveDeviceSegment is a segment which allocates consecutive blocks of
one device. Page ids are compound ids of the blocks.

Deallocation policy: only truncation is supported. A range must extend to the
last allocated page (or be open ended).
*/
type ConsecutiveDeviceSegment struct {
	base
	space *sequentialSpace
}

/*
NewConsecutiveDeviceSegment creates a new consecutive segment on a region of
a device.
*/
func (f *Factory) NewConsecutiveDeviceSegment(name string, params DeviceParams) (*ConsecutiveDeviceSegment, error) {
	seg := &ConsecutiveDeviceSegment{}

	space, err := newSequentialSpace(f, params, &seg.extended)
	if err != nil {
		return nil, err
	}
	seg.space = space

	seg.init(seg, f, name, true)

	return seg, nil
}

/*
AllocationOrder returns ConsecutiveAllocation.
*/
func (s *ConsecutiveDeviceSegment) AllocationOrder() AllocationOrder {
	return ConsecutiveAllocation
}

/*
AllocatedSizeInPages returns the capacity of the segment.
*/
func (s *ConsecutiveDeviceSegment) AllocatedSizeInPages() uint64 {
	return s.space.capacity.Load()
}

/*
NumPagesOccupiedHighWater returns the highest number of allocated pages.
*/
func (s *ConsecutiveDeviceSegment) NumPagesOccupiedHighWater() uint64 {
	return s.space.highWater.Load()
}

/*
EnsureAllocatedSize grows the segment to hold at least nPages pages.
*/
func (s *ConsecutiveDeviceSegment) EnsureAllocatedSize(nPages uint64) (bool, error) {
	return s.space.ensure(nPages)
}

/*
AllocatePageID allocates the next block.
*/
func (s *ConsecutiveDeviceSegment) AllocatePageID(owner storage.PageOwnerID) (storage.PageID, error) {
	s.assertOpen()

	n, ok, err := s.space.next()
	if err != nil || !ok {
		return storage.NullPageID, err
	}

	blockID := s.space.blockID(n)

	if err := s.initPage(blockID, owner, 0); err != nil {
		return storage.NullPageID, err
	}

	return storage.PageID(blockID), nil
}

/*
index returns the index of a page in the segment region.
*/
func (s *ConsecutiveDeviceSegment) index(id storage.PageID) uint64 {
	return s.space.pageIndex(storage.BlockID(id))
}

/*
DeallocatePageRange truncates the segment.
*/
func (s *ConsecutiveDeviceSegment) DeallocatePageRange(start storage.PageID, end storage.PageID) error {
	s.assertOpen()

	s.space.truncate.Lock()
	defer s.space.truncate.Unlock()

	var startIndex, endIndex uint64

	if start != storage.NullPageID {
		startIndex = s.index(start)
	}
	if end != storage.NullPageID {
		endIndex = s.index(end)
	}

	newSize := s.space.truncateRange(startIndex, endIndex,
		start != storage.NullPageID, end != storage.NullPageID)

	for i := newSize; i < s.space.allocated.Load(); i++ {
		s.discardBlock(s.space.blockID(i))
	}

	s.space.allocated.Store(newSize)

	return nil
}

/*
IsPageIDAllocated returns if a page id is currently allocated.
*/
func (s *ConsecutiveDeviceSegment) IsPageIDAllocated(id storage.PageID) bool {
	b := storage.BlockID(id)

	if id == storage.NullPageID || b.DeviceID() != s.space.params.DeviceID ||
		b.BlockNum() < s.space.params.FirstBlock {
		return false
	}

	return uint64(b.BlockNum()-s.space.params.FirstBlock) < s.space.allocated.Load()
}

/*
TranslatePageID maps a page id to its block.
*/
func (s *ConsecutiveDeviceSegment) TranslatePageID(id storage.PageID) storage.BlockID {
	errorutil.AssertTrue(id != storage.NullPageID, "Cannot translate NULL page id")
	return storage.BlockID(id)
}

/*
TranslateBlockID maps a block to its page id.
*/
func (s *ConsecutiveDeviceSegment) TranslateBlockID(id storage.BlockID) storage.PageID {
	return storage.PageID(id)
}

/*
PageSuccessor returns the next block or NullPageID for the last page.
*/
func (s *ConsecutiveDeviceSegment) PageSuccessor(id storage.PageID) (storage.PageID, error) {
	if next := id + 1; s.IsPageIDAllocated(next) {
		return next, nil
	}
	return storage.NullPageID, nil
}

/*
SetPageSuccessor accepts only the implicit successor.
*/
func (s *ConsecutiveDeviceSegment) SetPageSuccessor(id storage.PageID, successor storage.PageID) error {
	errorutil.AssertTrue(successor == id+1 || successor == storage.NullPageID,
		fmt.Sprint("Consecutive segment cannot chain page ", id, " to ", successor))
	return nil
}
