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
	"sync/atomic"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
)

/*
DelegatingSegment forwards all operations to a delegate segment. The
delegate is referenced through its registry handle and is not kept alive by
the delegating segment.
*/
type DelegatingSegment struct {
	base
	delegate atomic.Uint64 // Handle of the delegate
	dynamic  bool          // Flag if the delegate can be swapped
}

/*
NewDelegatingSegment creates a segment which forwards to a fixed delegate.
*/
func (f *Factory) NewDelegatingSegment(name string, delegate Segment) *DelegatingSegment {
	seg := &DelegatingSegment{}
	seg.delegate.Store(uint64(delegate.Handle()))
	seg.init(seg, f, name, false)

	return seg
}

/*
DynamicDelegatingSegment is a delegating segment whose delegate can be
swapped. Swaps must be serialized with all page operations on the segment
by the caller (e.g. happen at transaction boundaries). Issued page ids stay
valid identifiers across swaps.
*/
type DynamicDelegatingSegment struct {
	DelegatingSegment
}

/*
NewDynamicDelegatingSegment creates a segment which forwards to a swappable
delegate.
*/
func (f *Factory) NewDynamicDelegatingSegment(name string, delegate Segment) *DynamicDelegatingSegment {
	seg := &DynamicDelegatingSegment{}
	seg.dynamic = true
	seg.delegate.Store(uint64(delegate.Handle()))
	seg.init(seg, f, name, false)

	return seg
}

/*
SetDelegatingSegment swaps the delegate.
*/
func (s *DynamicDelegatingSegment) SetDelegatingSegment(delegate Segment) {
	errorutil.AssertTrue(delegate != nil && delegate != Segment(s), "Invalid delegate")

	old := s.delegate.Swap(uint64(delegate.Handle()))

	logger.Debug("Segment ", s.name, " delegates to ", delegate.Name(), " (was handle ", old, ")")
}

/*
Delegate returns the current delegate.
*/
func (s *DelegatingSegment) Delegate() Segment {
	return s.factory.resolve(Handle(s.delegate.Load()))
}

/*
UsablePageSize returns the usable page size of the delegate.
*/
func (s *DelegatingSegment) UsablePageSize() int {
	return s.Delegate().UsablePageSize()
}

/*
InitForUse initialises the delegate.
*/
func (s *DelegatingSegment) InitForUse() error {
	return s.Delegate().InitForUse()
}

/*
AllocationOrder returns the allocation order of the delegate.
*/
func (s *DelegatingSegment) AllocationOrder() AllocationOrder {
	return s.Delegate().AllocationOrder()
}

/*
AllocatedSizeInPages returns the capacity of the delegate.
*/
func (s *DelegatingSegment) AllocatedSizeInPages() uint64 {
	return s.Delegate().AllocatedSizeInPages()
}

/*
NumPagesOccupiedHighWater returns the high water mark of the delegate.
*/
func (s *DelegatingSegment) NumPagesOccupiedHighWater() uint64 {
	return s.Delegate().NumPagesOccupiedHighWater()
}

/*
NumPagesExtended returns the growth of the delegate.
*/
func (s *DelegatingSegment) NumPagesExtended() uint64 {
	return s.Delegate().NumPagesExtended()
}

/*
EnsureAllocatedSize grows the delegate.
*/
func (s *DelegatingSegment) EnsureAllocatedSize(nPages uint64) (bool, error) {
	return s.Delegate().EnsureAllocatedSize(nPages)
}

/*
AllocatePageID allocates a page in the delegate.
*/
func (s *DelegatingSegment) AllocatePageID(owner storage.PageOwnerID) (storage.PageID, error) {
	s.assertOpen()
	return s.Delegate().AllocatePageID(owner)
}

/*
DeallocatePageRange deallocates pages in the delegate.
*/
func (s *DelegatingSegment) DeallocatePageRange(start storage.PageID, end storage.PageID) error {
	s.assertOpen()
	return s.Delegate().DeallocatePageRange(start, end)
}

/*
IsPageIDAllocated checks a page of the delegate.
*/
func (s *DelegatingSegment) IsPageIDAllocated(id storage.PageID) bool {
	return s.Delegate().IsPageIDAllocated(id)
}

/*
TranslatePageID translates through the delegate.
*/
func (s *DelegatingSegment) TranslatePageID(id storage.PageID) storage.BlockID {
	return s.Delegate().TranslatePageID(id)
}

/*
TranslateBlockID translates through the delegate.
*/
func (s *DelegatingSegment) TranslateBlockID(id storage.BlockID) storage.PageID {
	return s.Delegate().TranslateBlockID(id)
}

/*
PageSuccessor returns the successor of a page of the delegate.
*/
func (s *DelegatingSegment) PageSuccessor(id storage.PageID) (storage.PageID, error) {
	return s.Delegate().PageSuccessor(id)
}

/*
SetPageSuccessor sets the successor of a page of the delegate.
*/
func (s *DelegatingSegment) SetPageSuccessor(id storage.PageID, successor storage.PageID) error {
	return s.Delegate().SetPageSuccessor(id, successor)
}

/*
UpdatePage asks the delegate if a page can be updated in place.
*/
func (s *DelegatingSegment) UpdatePage(id storage.PageID, needsTranslation bool) (storage.PageID, error) {
	return s.Delegate().UpdatePage(id, needsTranslation)
}

/*
IsWriteVersioned returns if the delegate is write versioned.
*/
func (s *DelegatingSegment) IsWriteVersioned() bool {
	return s.Delegate().IsWriteVersioned()
}

/*
MappedPageListener returns the listener of the delegate for a block.
*/
func (s *DelegatingSegment) MappedPageListener(blockID storage.BlockID) Segment {
	return s.Delegate().MappedPageListener(blockID)
}

/*
DelegatedCheckpoint forwards a checkpoint to the delegate. The originating
segment is kept. Nothing is done if the delegate was already closed.
*/
func (s *DelegatingSegment) DelegatedCheckpoint(origin Segment, checkpointType cache.CheckpointType) error {
	delegate := s.factory.Lookup(Handle(s.delegate.Load()))
	if delegate == nil {
		return nil
	}
	return delegate.DelegatedCheckpoint(origin, checkpointType)
}

// Mapped page listener
// ====================

/*
NotifyPageMap forwards to the delegate.
*/
func (s *DelegatingSegment) NotifyPageMap(page *cache.Page) {
	s.Delegate().NotifyPageMap(page)
}

/*
NotifyPageUnmap forwards to the delegate.
*/
func (s *DelegatingSegment) NotifyPageUnmap(page *cache.Page) {
	s.Delegate().NotifyPageUnmap(page)
}

/*
NotifyAfterPageRead forwards to the delegate.
*/
func (s *DelegatingSegment) NotifyAfterPageRead(page *cache.Page) error {
	return s.Delegate().NotifyAfterPageRead(page)
}

/*
NotifyPageDirty forwards to the delegate.
*/
func (s *DelegatingSegment) NotifyPageDirty(page *cache.Page) {
	s.Delegate().NotifyPageDirty(page)
}

/*
CanFlushPage forwards to the delegate.
*/
func (s *DelegatingSegment) CanFlushPage(page *cache.Page) bool {
	return s.Delegate().CanFlushPage(page)
}

/*
NotifyBeforePageFlush forwards to the delegate.
*/
func (s *DelegatingSegment) NotifyBeforePageFlush(page *cache.Page) {
	s.Delegate().NotifyBeforePageFlush(page)
}

/*
NotifyAfterPageFlush forwards to the delegate.
*/
func (s *DelegatingSegment) NotifyAfterPageFlush(page *cache.Page) {
	s.Delegate().NotifyAfterPageFlush(page)
}
