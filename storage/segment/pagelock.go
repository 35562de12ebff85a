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

	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
)

/*
PageLock locks a page of a segment in the cache. A PageLock holds at most
one page at a time.
*/
type PageLock struct {
	seg    Segment
	page   *cache.Page
	mode   cache.LockMode
	pageID storage.PageID
}

/*
NewPageLock creates a new page lock for a segment.
*/
func NewPageLock(seg Segment) *PageLock {
	return &PageLock{seg: seg, pageID: storage.NullPageID}
}

/*
Segment returns the segment of the lock.
*/
func (pl *PageLock) Segment() Segment {
	return pl.seg
}

/*
lock locks a page after releasing a previously locked page.
*/
func (pl *PageLock) lock(id storage.PageID, mode cache.LockMode, read bool) error {
	pl.Unlock()

	blockID := pl.seg.TranslatePageID(id)

	page, err := pl.seg.Cache().LockPage(blockID, mode, read, pl.seg.MappedPageListener(blockID))
	if err != nil {
		return err
	}

	pl.page = page
	pl.mode = mode
	pl.pageID = id

	return nil
}

/*
LockShared locks a page for reading.
*/
func (pl *PageLock) LockShared(id storage.PageID) error {
	return pl.lock(id, cache.LockShared, true)
}

/*
LockExclusive locks a page for writing.
*/
func (pl *PageLock) LockExclusive(id storage.PageID) error {
	return pl.lock(id, cache.LockExclusive, true)
}

/*
AllocatePage allocates a new page and locks it exclusively. Returns
NullPageID if the segment is exhausted.
*/
func (pl *PageLock) AllocatePage(owner storage.PageOwnerID) (storage.PageID, error) {
	id, err := pl.seg.AllocatePageID(owner)
	if err != nil || id == storage.NullPageID {
		pl.Unlock()
		return storage.NullPageID, err
	}

	return id, pl.LockExclusive(id)
}

/*
IsLocked returns if the lock holds a page.
*/
func (pl *PageLock) IsLocked() bool {
	return pl.page != nil
}

/*
PageID returns the id of the locked page.
*/
func (pl *PageLock) PageID() storage.PageID {
	return pl.pageID
}

/*
Page returns the locked cache page.
*/
func (pl *PageLock) Page() *cache.Page {
	return pl.page
}

/*
Data returns the usable region of the locked page.
*/
func (pl *PageLock) Data() []byte {
	errorutil.AssertTrue(pl.page != nil, "No page locked")
	return pl.page.Data()[:pl.seg.UsablePageSize()]
}

/*
Dirty marks the locked page as modified.
*/
func (pl *PageLock) Dirty() {
	errorutil.AssertTrue(pl.page != nil && pl.mode == cache.LockExclusive,
		"Page must be locked exclusively to be modified")
	pl.page.MarkDirty()
}

/*
UpdatePage prepares the locked page for modification. If the segment
requires a copy-on-write the lock moves to the new version of the page.
*/
func (pl *PageLock) UpdatePage() error {
	errorutil.AssertTrue(pl.page != nil && pl.mode == cache.LockExclusive,
		fmt.Sprint("Page ", pl.pageID, " must be locked exclusively to be updated"))

	id := pl.pageID

	// The page is released while the segment creates a new version of it

	pl.Unlock()

	newID, err := pl.seg.UpdatePage(id, true)
	if err != nil {
		return err
	}

	lockID := id
	if newID != storage.NullPageID {
		lockID = newID
	}

	if err := pl.lock(lockID, cache.LockExclusive, true); err != nil {
		return err
	}

	pl.pageID = id

	return nil
}

/*
Unlock releases the locked page.
*/
func (pl *PageLock) Unlock() {
	if pl.page != nil {
		pl.seg.Cache().UnlockPage(pl.page, pl.mode)
		pl.page = nil
		pl.pageID = storage.NullPageID
	}
}
