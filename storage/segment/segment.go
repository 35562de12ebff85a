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
Package segment contains virtualized page address spaces on top of the page
cache.

	NOTE: Malformed page ids and calls of unsupported operations are
	programming errors and cause a panic. Exhaustion of space is signaled
	through NullPageID or a false return value. Device errors are returned.

Segment

A segment maps logical pages (PageID) to physical blocks (BlockID) of the
cache. Each segment promises an AllocationOrder for successive page
allocations. Segments which own their device blocks reserve a footer at the
end of each page; the usable page size is the full page size minus the
footer size.

Variants

LinearDeviceSegment - dense page numbers starting at 0 on consecutive blocks
of one device.

ConsecutiveDeviceSegment - consecutive blocks of one device addressed through
compound ids.

RandomAllocationSegment - pages anywhere in a device region. The allocation
map is persisted in a chain of map pages. Supports random or ascending
allocation.

LinearViewSegment - a linear page numbering over a chain of pages of another
segment.

DelegatingSegment / DynamicDelegatingSegment - forward all operations to
another segment. The delegate of a dynamic delegating segment can be swapped.

VersionedSegment / SnapshotSegment - copy-on-write page versions for
snapshot reads.

TracingSegment - logs all operations of another segment.

ScratchSegment - pages which are not backed by a device.

Factory

Segments are created through a factory which keeps a registry of all open
segments. Non-owning references between segments (delegates, tracing back
references) are stored as registry handles.
*/
package segment

import (
	"fmt"

	"github.com/krotik/common/logutil"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
)

/*
Logger of the segment layer
*/
var logger = logutil.GetLogger("segmentdb.segment")

/*
AllocationOrder is the ordering guarantee of successive page allocations.
The order of the constants must not change as they go from weakest to
strongest guarantee.
*/
type AllocationOrder int

/*
Allocation orders
*/
const (
	RandomAllocation      AllocationOrder = iota // No ordering
	AscendingAllocation                          // Strictly increasing page ids
	ConsecutiveAllocation                        // Increasing block numbers on one device
	LinearAllocation                             // Dense page numbers starting at 0
)

/*
String returns the name of an allocation order.
*/
func (o AllocationOrder) String() string {
	switch o {
	case RandomAllocation:
		return "Random"
	case AscendingAllocation:
		return "Ascending"
	case ConsecutiveAllocation:
		return "Consecutive"
	case LinearAllocation:
		return "Linear"
	}
	return fmt.Sprintf("Unknown(%d)", int(o))
}

/*
Segment is a virtualized page address space.
*/
type Segment interface {
	cache.MappedPageListener

	/*
		Name returns the name of the segment.
	*/
	Name() string

	/*
		Handle returns the registry handle of the segment.
	*/
	Handle() Handle

	/*
		Cache returns the cache of the segment.
	*/
	Cache() *cache.Cache

	/*
		FullPageSize returns the page size of the cache.
	*/
	FullPageSize() int

	/*
		UsablePageSize returns the number of bytes of a page which can be used
		by callers.
	*/
	UsablePageSize() int

	/*
		InitForUse performs initialization after a segment was created or
		formatted. Calling it more than once has no effect.
	*/
	InitForUse() error

	/*
		AllocatedSizeInPages returns the number of pages the segment can hold
		without growing.
	*/
	AllocatedSizeInPages() uint64

	/*
		NumPagesOccupiedHighWater returns the highest number of pages which
		were in use at the same time.
	*/
	NumPagesOccupiedHighWater() uint64

	/*
		NumPagesExtended returns the number of pages the segment grew by since
		it was opened.
	*/
	NumPagesExtended() uint64

	/*
		AllocationOrder returns the allocation order of the segment.
	*/
	AllocationOrder() AllocationOrder

	/*
		AllocatePageID allocates a page. Returns NullPageID if no page could be
		allocated.
	*/
	AllocatePageID(owner storage.PageOwnerID) (storage.PageID, error)

	/*
		EnsureAllocatedSize grows the segment so it can hold at least nPages
		pages. Returns false if the segment could not grow.
	*/
	EnsureAllocatedSize(nPages uint64) (bool, error)

	/*
		DeallocatePageRange releases a range of pages. NullPageID as start
		means the segment start, NullPageID as end means the segment end.
	*/
	DeallocatePageRange(start storage.PageID, end storage.PageID) error

	/*
		IsPageIDAllocated returns if a page id is currently allocated.
	*/
	IsPageIDAllocated(id storage.PageID) bool

	/*
		TranslatePageID maps a page id to its block.
	*/
	TranslatePageID(id storage.PageID) storage.BlockID

	/*
		TranslateBlockID maps a block to its page id.
	*/
	TranslateBlockID(id storage.BlockID) storage.PageID

	/*
		PageSuccessor returns the successor of a page in a page chain.
	*/
	PageSuccessor(id storage.PageID) (storage.PageID, error)

	/*
		SetPageSuccessor sets the successor of a page in a page chain.
	*/
	SetPageSuccessor(id storage.PageID, successor storage.PageID) error

	/*
		UpdatePage determines if a page can be updated in place. Returns
		NullPageID if this is the case, otherwise the page id which must
		receive the update.
	*/
	UpdatePage(id storage.PageID, needsTranslation bool) (storage.PageID, error)

	/*
		Checkpoint writes and / or unmaps the cached pages of the segment.
	*/
	Checkpoint(checkpointType cache.CheckpointType) error

	/*
		DelegatedCheckpoint checkpoints the pages of this segment on behalf of
		an originating segment.
	*/
	DelegatedCheckpoint(origin Segment, checkpointType cache.CheckpointType) error

	/*
		TracingSegment returns the segment to which page accesses are
		attributed. This is the segment itself if tracing is disabled.
	*/
	TracingSegment() Segment

	/*
		SetTracingSegment sets a non-owning reference to a tracing segment.
	*/
	SetTracingSegment(seg Segment)

	/*
		MappedPageListener returns the segment which is notified of cache
		events for a given block.
	*/
	MappedPageListener(blockID storage.BlockID) Segment

	/*
		IsWriteVersioned returns if the segment enforces copy-on-write.
	*/
	IsWriteVersioned() bool

	/*
		Close checkpoints and unmaps all pages of the segment. Calling Close
		more than once has no effect.
	*/
	Close() error
}

/*
LinearPageID returns the page id of a linear segment for a block number
relative to the start of the segment.
*/
func LinearPageID(blockNum storage.BlockNum) storage.PageID {
	return storage.PageID(blockNum)
}

/*
LinearBlockNum returns the block number relative to the start of a linear
segment for a page id.
*/
func LinearBlockNum(id storage.PageID) storage.BlockNum {
	return storage.BlockNum(id)
}
