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
	"sync/atomic"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
)

/*
closeImpler is implemented by segments which need to release resources
after their pages were unmapped.
*/
type closeImpler interface {
	closeImpl() error
}

/*
base contains the state and the default behaviour which is shared by all
segments. Calls which depend on the concrete segment go through self.
*/
type base struct {
	self      Segment       // Concrete segment
	name      string        // Name of the segment
	factory   *Factory      // Factory which created the segment
	handle    Handle        // Registry handle
	usable    int           // Usable bytes per page
	ownsPages bool          // Flag if the segment owns page footers
	tracing   atomic.Uint64 // Handle of the tracing segment
	closing   atomic.Bool   // Flag if the segment is being closed
	closed    atomic.Bool   // Flag if the segment was closed
	extended  atomic.Uint64 // Pages the segment grew by
}

/*
init initialises the base and registers the segment with the factory.
*/
func (b *base) init(self Segment, f *Factory, name string, ownsPages bool) {
	b.self = self
	b.name = name
	b.factory = f
	b.ownsPages = ownsPages

	if ownsPages {
		b.setUsablePageSize(f.cache.PageSize() - FooterSize)
	} else {
		b.setUsablePageSize(f.cache.PageSize())
	}

	b.handle = f.register(self)
}

/*
setUsablePageSize sets the usable page size. This may only be done once
during construction.
*/
func (b *base) setUsablePageSize(n int) {
	errorutil.AssertTrue(n > 0 && n <= b.factory.cache.PageSize(),
		fmt.Sprint("Invalid usable page size ", n))
	b.usable = n
}

/*
Name returns the name of the segment.
*/
func (b *base) Name() string {
	return b.name
}

/*
Handle returns the registry handle of the segment.
*/
func (b *base) Handle() Handle {
	return b.handle
}

/*
Cache returns the cache of the segment.
*/
func (b *base) Cache() *cache.Cache {
	return b.factory.cache
}

/*
FullPageSize returns the page size of the cache.
*/
func (b *base) FullPageSize() int {
	return b.factory.cache.PageSize()
}

/*
UsablePageSize returns the number of usable bytes per page.
*/
func (b *base) UsablePageSize() int {
	return b.usable
}

/*
InitForUse does nothing by default.
*/
func (b *base) InitForUse() error {
	return nil
}

/*
NumPagesExtended returns the number of pages the segment grew by.
*/
func (b *base) NumPagesExtended() uint64 {
	return b.extended.Load()
}

/*
EnsureAllocatedSize succeeds if the segment is already large enough.
*/
func (b *base) EnsureAllocatedSize(nPages uint64) (bool, error) {
	return b.self.AllocatedSizeInPages() >= nPages, nil
}

/*
PageSuccessor is not supported by default.
*/
func (b *base) PageSuccessor(id storage.PageID) (storage.PageID, error) {
	panic(fmt.Sprintf("Segment %v does not support page chaining", b.name))
}

/*
SetPageSuccessor is not supported by default.
*/
func (b *base) SetPageSuccessor(id storage.PageID, successor storage.PageID) error {
	panic(fmt.Sprintf("Segment %v does not support page chaining", b.name))
}

/*
UpdatePage allows in-place updates by default.
*/
func (b *base) UpdatePage(id storage.PageID, needsTranslation bool) (storage.PageID, error) {
	return storage.NullPageID, nil
}

/*
IsWriteVersioned returns false by default.
*/
func (b *base) IsWriteVersioned() bool {
	return false
}

/*
Checkpoint checkpoints the pages of the segment.
*/
func (b *base) Checkpoint(checkpointType cache.CheckpointType) error {
	b.assertOpen()
	return b.self.DelegatedCheckpoint(b.self, checkpointType)
}

/*
DelegatedCheckpoint checkpoints all cached pages which are attributed to the
originating segment, this segment or its tracing segment.
*/
func (b *base) DelegatedCheckpoint(origin Segment, checkpointType cache.CheckpointType) error {
	return b.factory.cache.CheckpointPages(cache.ListenerPredicate(origin, b.self,
		b.self.TracingSegment()), checkpointType)
}

/*
TracingSegment returns the tracing segment or the segment itself.
*/
func (b *base) TracingSegment() Segment {
	if h := Handle(b.tracing.Load()); h != NoHandle {
		if seg := b.factory.Lookup(h); seg != nil {
			return seg
		}
	}
	return b.self
}

/*
SetTracingSegment sets a non-owning reference to a tracing segment.
*/
func (b *base) SetTracingSegment(seg Segment) {
	if seg == nil || seg == b.self {
		b.tracing.Store(uint64(NoHandle))
	} else {
		b.tracing.Store(uint64(seg.Handle()))
	}
}

/*
MappedPageListener returns the tracing segment by default.
*/
func (b *base) MappedPageListener(blockID storage.BlockID) Segment {
	return b.self.TracingSegment()
}

/*
Close checkpoints the segment with flush and unmap semantics and unregisters
it from the factory.
*/
func (b *base) Close() error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}

	err := b.self.Checkpoint(cache.CheckpointFlushAndUnmap)

	if ci, ok := b.self.(closeImpler); ok {
		if cerr := ci.closeImpl(); err == nil {
			err = cerr
		}
	}

	b.closed.Store(true)
	b.factory.unregister(b.handle)

	logger.Debug("Closed segment ", b.name)

	return err
}

/*
assertOpen asserts that the segment was not closed.
*/
func (b *base) assertOpen() {
	errorutil.AssertTrue(!b.closed.Load(), fmt.Sprint("Segment ", b.name, " is closed"))
}

/*
lockPage locks the page of a block of this segment.
*/
func (b *base) lockPage(blockID storage.BlockID, mode cache.LockMode, read bool) (*cache.Page, error) {
	return b.factory.cache.LockPage(blockID, mode, read, b.self.MappedPageListener(blockID))
}

/*
initPage maps a newly allocated page without reading it and writes its
footer.
*/
func (b *base) initPage(blockID storage.BlockID, owner storage.PageOwnerID, flags uint32) error {
	page, err := b.lockPage(blockID, cache.LockExclusive, false)
	if err != nil {
		return err
	}

	clear(page.Data())
	pageFooter(page.Data()).init(owner, flags)
	page.MarkDirty()

	b.factory.cache.UnlockPage(page, cache.LockExclusive)

	return nil
}

/*
readFooter reads a footer value of a page.
*/
func readFooter[T any](b *base, blockID storage.BlockID, get func(f footer) T) (T, error) {
	var ret T

	page, err := b.lockPage(blockID, cache.LockShared, true)
	if err != nil {
		return ret, err
	}

	ret = get(pageFooter(page.Data()))

	b.factory.cache.UnlockPage(page, cache.LockShared)

	return ret, nil
}

/*
updateFooter changes the footer of a page.
*/
func (b *base) updateFooter(blockID storage.BlockID, update func(f footer)) error {
	page, err := b.lockPage(blockID, cache.LockExclusive, true)
	if err != nil {
		return err
	}

	update(pageFooter(page.Data()))
	page.MarkDirty()

	b.factory.cache.UnlockPage(page, cache.LockExclusive)

	return nil
}

/*
discardBlock removes a deallocated block from the cache.
*/
func (b *base) discardBlock(blockID storage.BlockID) {
	b.factory.cache.DiscardPage(blockID)
}

// Mapped page listener
// ====================

/*
NotifyPageMap is called after a page was mapped.
*/
func (b *base) NotifyPageMap(page *cache.Page) {
}

/*
NotifyPageUnmap is called before a page is unmapped.
*/
func (b *base) NotifyPageUnmap(page *cache.Page) {
}

/*
NotifyAfterPageRead verifies the footer of a page which was read.
*/
func (b *base) NotifyAfterPageRead(page *cache.Page) error {
	if !b.ownsPages {
		return nil
	}
	return verifyPage(page.Data(), b.name, page.BlockID())
}

/*
NotifyPageDirty is called when a page becomes dirty.
*/
func (b *base) NotifyPageDirty(page *cache.Page) {
}

/*
CanFlushPage allows all flushes by default.
*/
func (b *base) CanFlushPage(page *cache.Page) bool {
	return true
}

/*
NotifyBeforePageFlush writes the page checksum.
*/
func (b *base) NotifyBeforePageFlush(page *cache.Page) {
	if b.ownsPages {
		sealPage(page.Data())
	}
}

/*
NotifyAfterPageFlush is called after a page was written.
*/
func (b *base) NotifyAfterPageFlush(page *cache.Page) {
}
