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

	"github.com/krotik/common/datautil"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
)

/*
DefaultTraceSize is the default number of trace lines which are kept in
memory.
*/
const DefaultTraceSize = 1000

/*
TracingSegment traces all operations of a target segment. It owns the target
and registers itself as tracing segment of it so all cache events of the
target's pages reach the tracing segment first. Closing the tracing segment
closes the target.
*/
type TracingSegment struct {
	base
	target Segment
	trace  *datautil.RingBuffer
}

/*
NewTracingSegment creates a new tracing segment for a target segment.
*/
func (f *Factory) NewTracingSegment(name string, target Segment, traceSize int) *TracingSegment {
	if traceSize <= 0 {
		traceSize = DefaultTraceSize
	}

	seg := &TracingSegment{target: target, trace: datautil.NewRingBuffer(traceSize)}

	seg.init(seg, f, name, false)
	seg.setUsablePageSize(target.UsablePageSize())

	target.SetTracingSegment(seg)

	seg.log("open ", target.Name())

	return seg
}

/*
log writes a trace line.
*/
func (s *TracingSegment) log(v ...interface{}) {
	line := fmt.Sprint(s.name, ": ", fmt.Sprint(v...))

	s.trace.Add(line)
	logger.Debug(line)
}

/*
Target returns the traced segment.
*/
func (s *TracingSegment) Target() Segment {
	return s.target
}

/*
Trace returns the kept trace lines.
*/
func (s *TracingSegment) Trace() []string {
	return s.trace.StringSlice()
}

/*
InitForUse initialises the target.
*/
func (s *TracingSegment) InitForUse() error {
	s.log("initForUse")
	return s.target.InitForUse()
}

/*
AllocationOrder returns the allocation order of the target.
*/
func (s *TracingSegment) AllocationOrder() AllocationOrder {
	return s.target.AllocationOrder()
}

/*
AllocatedSizeInPages returns the capacity of the target.
*/
func (s *TracingSegment) AllocatedSizeInPages() uint64 {
	return s.target.AllocatedSizeInPages()
}

/*
NumPagesOccupiedHighWater returns the high water mark of the target.
*/
func (s *TracingSegment) NumPagesOccupiedHighWater() uint64 {
	return s.target.NumPagesOccupiedHighWater()
}

/*
NumPagesExtended returns the growth of the target.
*/
func (s *TracingSegment) NumPagesExtended() uint64 {
	return s.target.NumPagesExtended()
}

/*
EnsureAllocatedSize grows the target.
*/
func (s *TracingSegment) EnsureAllocatedSize(nPages uint64) (bool, error) {
	ok, err := s.target.EnsureAllocatedSize(nPages)
	s.log("ensureAllocatedSize ", nPages, " -> ", ok)
	return ok, err
}

/*
AllocatePageID allocates a page in the target.
*/
func (s *TracingSegment) AllocatePageID(owner storage.PageOwnerID) (storage.PageID, error) {
	s.assertOpen()

	id, err := s.target.AllocatePageID(owner)
	s.log("allocatePageId owner ", owner, " -> ", id)

	return id, err
}

/*
DeallocatePageRange deallocates pages in the target.
*/
func (s *TracingSegment) DeallocatePageRange(start storage.PageID, end storage.PageID) error {
	s.assertOpen()
	s.log("deallocatePageRange ", start, " ", end)
	return s.target.DeallocatePageRange(start, end)
}

/*
IsPageIDAllocated checks a page of the target.
*/
func (s *TracingSegment) IsPageIDAllocated(id storage.PageID) bool {
	return s.target.IsPageIDAllocated(id)
}

/*
TranslatePageID translates through the target.
*/
func (s *TracingSegment) TranslatePageID(id storage.PageID) storage.BlockID {
	return s.target.TranslatePageID(id)
}

/*
TranslateBlockID translates through the target.
*/
func (s *TracingSegment) TranslateBlockID(id storage.BlockID) storage.PageID {
	return s.target.TranslateBlockID(id)
}

/*
PageSuccessor returns the successor of a page of the target.
*/
func (s *TracingSegment) PageSuccessor(id storage.PageID) (storage.PageID, error) {
	return s.target.PageSuccessor(id)
}

/*
SetPageSuccessor sets the successor of a page of the target.
*/
func (s *TracingSegment) SetPageSuccessor(id storage.PageID, successor storage.PageID) error {
	s.log("setPageSuccessor ", id, " -> ", successor)
	return s.target.SetPageSuccessor(id, successor)
}

/*
UpdatePage asks the target if a page can be updated in place.
*/
func (s *TracingSegment) UpdatePage(id storage.PageID, needsTranslation bool) (storage.PageID, error) {
	newID, err := s.target.UpdatePage(id, needsTranslation)
	s.log("updatePage ", id, " -> ", newID)
	return newID, err
}

/*
IsWriteVersioned returns if the target is write versioned.
*/
func (s *TracingSegment) IsWriteVersioned() bool {
	return s.target.IsWriteVersioned()
}

/*
DelegatedCheckpoint checkpoints the target.
*/
func (s *TracingSegment) DelegatedCheckpoint(origin Segment, checkpointType cache.CheckpointType) error {
	s.log("checkpoint ", checkpointType)
	return s.target.DelegatedCheckpoint(origin, checkpointType)
}

/*
closeImpl detaches from the target and closes it.
*/
func (s *TracingSegment) closeImpl() error {
	s.log("close")
	s.target.SetTracingSegment(nil)
	return s.target.Close()
}

// Mapped page listener
// ====================

/*
NotifyPageMap traces and forwards to the target.
*/
func (s *TracingSegment) NotifyPageMap(page *cache.Page) {
	s.log("map ", page.BlockID())
	s.target.NotifyPageMap(page)
}

/*
NotifyPageUnmap traces and forwards to the target.
*/
func (s *TracingSegment) NotifyPageUnmap(page *cache.Page) {
	s.log("unmap ", page.BlockID())
	s.target.NotifyPageUnmap(page)
}

/*
NotifyAfterPageRead traces and forwards to the target.
*/
func (s *TracingSegment) NotifyAfterPageRead(page *cache.Page) error {
	err := s.target.NotifyAfterPageRead(page)
	s.log("read ", page.BlockID(), " error:", err)
	return err
}

/*
NotifyPageDirty traces and forwards to the target.
*/
func (s *TracingSegment) NotifyPageDirty(page *cache.Page) {
	s.log("dirty ", page.BlockID())
	s.target.NotifyPageDirty(page)
}

/*
CanFlushPage forwards to the target.
*/
func (s *TracingSegment) CanFlushPage(page *cache.Page) bool {
	return s.target.CanFlushPage(page)
}

/*
NotifyBeforePageFlush traces and forwards to the target.
*/
func (s *TracingSegment) NotifyBeforePageFlush(page *cache.Page) {
	s.log("flush ", page.BlockID())
	s.target.NotifyBeforePageFlush(page)
}

/*
NotifyAfterPageFlush forwards to the target.
*/
func (s *TracingSegment) NotifyAfterPageFlush(page *cache.Page) {
	s.target.NotifyAfterPageFlush(page)
}
