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
	"sort"
	"sync"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
)

/*
TxnID identifies a transaction which writes page versions.
*/
type TxnID uint64

/*
pageVersion is a copy of a page written by a transaction.
*/
type pageVersion struct {
	csn       uint64         // Commit sequence number (0 while uncommitted)
	pageID    storage.PageID // Page of the target segment holding the version
	txn       TxnID          // Writing transaction
	committed bool           // Flag if the version was committed
}

/*
VersionedSegment keeps copy-on-write versions of the pages of a random
allocation segment. Pages are identified by the page id of their original
(anchor) page. The versioned segment itself is a read committed view: a page
translates to its newest committed version. Writes happen through snapshot
segments.

The version table is held in memory. Reclaim folds committed versions back
into their anchor pages, Close does this for all committed versions and
rolls back uncommitted ones.
*/
type VersionedSegment struct {
	base
	target   Handle
	mutex    *sync.RWMutex
	versions map[storage.PageID][]*pageVersion // Anchor to versions (oldest first)
	shadows  map[storage.PageID]storage.PageID // Version page to anchor
	lastCSN  uint64                            // Last assigned commit sequence number
}

/*
NewVersionedSegment creates a versioned segment over a random allocation
segment.
*/
func (f *Factory) NewVersionedSegment(name string, target Segment) *VersionedSegment {
	errorutil.AssertTrue(target.AllocationOrder() <= AscendingAllocation,
		"Versioned segment requires a random allocation target")

	seg := &VersionedSegment{
		target:   target.Handle(),
		mutex:    &sync.RWMutex{},
		versions: make(map[storage.PageID][]*pageVersion),
		shadows:  make(map[storage.PageID]storage.PageID),
	}

	seg.init(seg, f, name, false)
	seg.setUsablePageSize(target.UsablePageSize())

	return seg
}

/*
Target returns the segment which holds anchor and version pages.
*/
func (s *VersionedSegment) Target() Segment {
	return s.factory.resolve(s.target)
}

/*
CurrentCSN returns the last assigned commit sequence number.
*/
func (s *VersionedSegment) CurrentCSN() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.lastCSN
}

/*
visible returns the version page of an anchor which is visible for a given
commit sequence number and transaction. Must be called with the mutex held.
*/
func (s *VersionedSegment) visible(anchor storage.PageID, csn uint64, txn TxnID) storage.PageID {
	vs := s.versions[anchor]

	for i := len(vs) - 1; i >= 0; i-- {
		v := vs[i]

		if (!v.committed && v.txn == txn && txn != 0) || (v.committed && v.csn <= csn) {
			return v.pageID
		}
	}

	return anchor
}

/*
Commit publishes all versions of a transaction and returns the assigned
commit sequence number.
*/
func (s *VersionedSegment) Commit(txn TxnID) uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastCSN++

	for _, vs := range s.versions {
		for _, v := range vs {
			if !v.committed && v.txn == txn {
				v.committed = true
				v.csn = s.lastCSN
			}
		}
	}

	logger.Debug("Committed transaction ", txn, " of ", s.name, " as CSN ", s.lastCSN)

	return s.lastCSN
}

/*
Rollback discards all uncommitted versions of a transaction.
*/
func (s *VersionedSegment) Rollback(txn TxnID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.dropVersions(func(v *pageVersion) bool {
		return !v.committed && v.txn == txn
	})
}

/*
dropVersions removes versions and deallocates their pages. Must be called
with the mutex held.
*/
func (s *VersionedSegment) dropVersions(drop func(v *pageVersion) bool) error {
	target := s.Target()

	for anchor, vs := range s.versions {
		kept := vs[:0]

		for _, v := range vs {
			if !drop(v) {
				kept = append(kept, v)
				continue
			}

			delete(s.shadows, v.pageID)

			if err := target.DeallocatePageRange(v.pageID, v.pageID); err != nil {
				return err
			}
		}

		if len(kept) == 0 {
			delete(s.versions, anchor)
		} else {
			s.versions[anchor] = kept
		}
	}

	return nil
}

/*
Reclaim folds committed versions which are visible to all snapshots at or
after oldestCSN back into their anchor pages and frees the version pages.
*/
func (s *VersionedSegment) Reclaim(oldestCSN uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	target := s.Target()

	var anchors []storage.PageID
	for anchor := range s.versions {
		anchors = append(anchors, anchor)
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i] < anchors[j] })

	for _, anchor := range anchors {
		var newest *pageVersion

		for _, v := range s.versions[anchor] {
			if v.committed && v.csn <= oldestCSN {
				newest = v
			}
		}

		if newest == nil {
			continue
		}

		if err := copyPage(s.Cache(), target, newest.pageID, anchor); err != nil {
			return err
		}

		if err := s.dropVersions(func(v *pageVersion) bool {
			return v.committed && v.csn <= newest.csn && s.shadows[v.pageID] == anchor
		}); err != nil {
			return err
		}
	}

	return nil
}

/*
copyPage copies the usable region and the successor of a page of the target
segment to another page of the target segment.
*/
func copyPage(c *cache.Cache, target Segment, from storage.PageID, to storage.PageID) error {
	fromBlock := target.TranslatePageID(from)
	toBlock := target.TranslatePageID(to)

	src, err := c.LockPage(fromBlock, cache.LockShared, true, target.MappedPageListener(fromBlock))
	if err != nil {
		return err
	}
	defer c.UnlockPage(src, cache.LockShared)

	dst, err := c.LockPage(toBlock, cache.LockExclusive, true, target.MappedPageListener(toBlock))
	if err != nil {
		return err
	}
	defer c.UnlockPage(dst, cache.LockExclusive)

	usable := target.UsablePageSize()

	copy(dst.Data()[:usable], src.Data()[:usable])

	if target.FullPageSize() != usable {
		pageFooter(dst.Data()).setSuccessor(pageFooter(src.Data()).successor())
	}

	dst.MarkDirty()

	return nil
}

/*
createVersion creates a new version of an anchor page for a transaction.
Must be called with the mutex held.
*/
func (s *VersionedSegment) createVersion(anchor storage.PageID, csn uint64, txn TxnID) (storage.PageID, error) {
	target := s.Target()

	for _, v := range s.versions[anchor] {
		if (v.committed && v.csn > csn) || (!v.committed && v.txn != txn) {
			return storage.NullPageID, storage.NewError(storage.ErrSnapshotConflict,
				fmt.Sprintf("Page %v was changed by transaction %v", anchor, v.txn), s.name)
		}
	}

	owner, err := readFooter(&s.base, target.TranslatePageID(anchor), footer.owner)
	if err != nil {
		return storage.NullPageID, err
	}

	id, err := target.AllocatePageID(owner)
	if err != nil || id == storage.NullPageID {
		return storage.NullPageID, err
	}

	if err := copyPage(s.Cache(), target, s.visible(anchor, csn, txn), id); err != nil {
		target.DeallocatePageRange(id, id)
		return storage.NullPageID, err
	}

	s.versions[anchor] = append(s.versions[anchor], &pageVersion{pageID: id, txn: txn})
	s.shadows[id] = anchor

	return id, nil
}

/*
AllocationOrder returns the allocation order of the target.
*/
func (s *VersionedSegment) AllocationOrder() AllocationOrder {
	return s.Target().AllocationOrder()
}

/*
AllocatedSizeInPages returns the capacity of the target.
*/
func (s *VersionedSegment) AllocatedSizeInPages() uint64 {
	return s.Target().AllocatedSizeInPages()
}

/*
NumPagesOccupiedHighWater returns the high water mark of the target.
*/
func (s *VersionedSegment) NumPagesOccupiedHighWater() uint64 {
	return s.Target().NumPagesOccupiedHighWater()
}

/*
EnsureAllocatedSize grows the target.
*/
func (s *VersionedSegment) EnsureAllocatedSize(nPages uint64) (bool, error) {
	return s.Target().EnsureAllocatedSize(nPages)
}

/*
AllocatePageID allocates a new anchor page. New pages are visible
immediately.
*/
func (s *VersionedSegment) AllocatePageID(owner storage.PageOwnerID) (storage.PageID, error) {
	s.assertOpen()
	return s.Target().AllocatePageID(owner)
}

/*
DeallocatePageRange deallocates a single anchor page together with all its
versions.
*/
func (s *VersionedSegment) DeallocatePageRange(start storage.PageID, end storage.PageID) error {
	s.assertOpen()

	errorutil.AssertTrue(start != storage.NullPageID && start == end,
		"Versioned segment can only deallocate single pages")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.dropVersions(func(v *pageVersion) bool {
		return s.shadows[v.pageID] == start
	}); err != nil {
		return err
	}

	return s.Target().DeallocatePageRange(start, start)
}

/*
IsPageIDAllocated returns if an anchor page is allocated.
*/
func (s *VersionedSegment) IsPageIDAllocated(id storage.PageID) bool {
	s.mutex.RLock()
	_, isShadow := s.shadows[id]
	s.mutex.RUnlock()

	return !isShadow && s.Target().IsPageIDAllocated(id)
}

/*
translate maps a page id to the visible version. Version pages map to
themselves.
*/
func (s *VersionedSegment) translate(id storage.PageID, csn uint64, txn TxnID) storage.BlockID {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if _, isShadow := s.shadows[id]; !isShadow {
		id = s.visible(id, csn, txn)
	}

	return s.Target().TranslatePageID(id)
}

/*
translateBlock maps a block to its anchor page.
*/
func (s *VersionedSegment) translateBlock(id storage.BlockID) storage.PageID {
	pid := s.Target().TranslateBlockID(id)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if anchor, ok := s.shadows[pid]; ok {
		return anchor
	}

	return pid
}

/*
TranslatePageID maps an anchor page to the block of its newest committed
version.
*/
func (s *VersionedSegment) TranslatePageID(id storage.PageID) storage.BlockID {
	return s.translate(id, s.CurrentCSN(), 0)
}

/*
TranslateBlockID maps the block of a version to its anchor page.
*/
func (s *VersionedSegment) TranslateBlockID(id storage.BlockID) storage.PageID {
	return s.translateBlock(id)
}

/*
PageSuccessor returns the successor which is stored in the newest committed
version.
*/
func (s *VersionedSegment) PageSuccessor(id storage.PageID) (storage.PageID, error) {
	return readFooter(&s.base, s.TranslatePageID(id), footer.successor)
}

/*
SetPageSuccessor is only allowed on pages without versions.
*/
func (s *VersionedSegment) SetPageSuccessor(id storage.PageID, successor storage.PageID) error {
	s.mutex.RLock()
	hasVersions := len(s.versions[id]) > 0
	s.mutex.RUnlock()

	errorutil.AssertTrue(!hasVersions, fmt.Sprint("Page ", id, " is versioned, use a snapshot to change it"))

	return s.Target().SetPageSuccessor(id, successor)
}

/*
UpdatePage allows in-place updates only on pages without versions.
*/
func (s *VersionedSegment) UpdatePage(id storage.PageID, needsTranslation bool) (storage.PageID, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.versions[id]) > 0 {
		return storage.NullPageID, storage.NewError(storage.ErrSnapshotConflict,
			fmt.Sprint("Page ", id, " is versioned, use a snapshot to change it"), s.name)
	}

	return storage.NullPageID, nil
}

/*
IsWriteVersioned returns true.
*/
func (s *VersionedSegment) IsWriteVersioned() bool {
	return true
}

/*
MappedPageListener returns the listener of the target.
*/
func (s *VersionedSegment) MappedPageListener(blockID storage.BlockID) Segment {
	return s.Target().MappedPageListener(blockID)
}

/*
DelegatedCheckpoint checkpoints the target.
*/
func (s *VersionedSegment) DelegatedCheckpoint(origin Segment, checkpointType cache.CheckpointType) error {
	target := s.factory.Lookup(s.target)
	if target == nil {
		return nil
	}
	return target.DelegatedCheckpoint(origin, checkpointType)
}

/*
Close folds all committed versions into their anchors, discards
uncommitted versions and closes the segment.
*/
func (s *VersionedSegment) Close() error {
	if s.factory.Lookup(s.target) != nil && !s.closing.Load() {
		s.mutex.Lock()
		err := s.dropVersions(func(v *pageVersion) bool { return !v.committed })
		csn := s.lastCSN
		s.mutex.Unlock()

		if err == nil {
			err = s.Reclaim(csn)
		}
		if err != nil {
			return err
		}
	}

	return s.base.Close()
}

/*
SnapshotSegment is a view of a versioned segment at a commit sequence
number. Changes of the owning transaction are visible in the snapshot and
are written to version pages.
*/
type SnapshotSegment struct {
	base
	versioned *VersionedSegment
	csn       uint64
	txn       TxnID
}

/*
NewSnapshot creates a snapshot view at a given commit sequence number for a
transaction.
*/
func (s *VersionedSegment) NewSnapshot(name string, csn uint64, txn TxnID) *SnapshotSegment {
	errorutil.AssertTrue(txn != 0, "Snapshot requires a transaction id")

	seg := &SnapshotSegment{versioned: s, csn: csn, txn: txn}

	seg.init(seg, s.factory, name, false)
	seg.setUsablePageSize(s.UsablePageSize())

	return seg
}

/*
CSN returns the commit sequence number of the snapshot.
*/
func (s *SnapshotSegment) CSN() uint64 {
	return s.csn
}

/*
Txn returns the transaction of the snapshot.
*/
func (s *SnapshotSegment) Txn() TxnID {
	return s.txn
}

/*
AllocationOrder returns the allocation order of the versioned segment.
*/
func (s *SnapshotSegment) AllocationOrder() AllocationOrder {
	return s.versioned.AllocationOrder()
}

/*
AllocatedSizeInPages returns the capacity of the versioned segment.
*/
func (s *SnapshotSegment) AllocatedSizeInPages() uint64 {
	return s.versioned.AllocatedSizeInPages()
}

/*
NumPagesOccupiedHighWater returns the high water mark of the versioned
segment.
*/
func (s *SnapshotSegment) NumPagesOccupiedHighWater() uint64 {
	return s.versioned.NumPagesOccupiedHighWater()
}

/*
EnsureAllocatedSize grows the versioned segment.
*/
func (s *SnapshotSegment) EnsureAllocatedSize(nPages uint64) (bool, error) {
	return s.versioned.EnsureAllocatedSize(nPages)
}

/*
AllocatePageID allocates a new anchor page.
*/
func (s *SnapshotSegment) AllocatePageID(owner storage.PageOwnerID) (storage.PageID, error) {
	s.assertOpen()
	return s.versioned.AllocatePageID(owner)
}

/*
DeallocatePageRange deallocates a single anchor page.
*/
func (s *SnapshotSegment) DeallocatePageRange(start storage.PageID, end storage.PageID) error {
	s.assertOpen()
	return s.versioned.DeallocatePageRange(start, end)
}

/*
IsPageIDAllocated returns if an anchor page is allocated.
*/
func (s *SnapshotSegment) IsPageIDAllocated(id storage.PageID) bool {
	return s.versioned.IsPageIDAllocated(id)
}

/*
TranslatePageID maps an anchor page to the block of the version which is
visible in the snapshot.
*/
func (s *SnapshotSegment) TranslatePageID(id storage.PageID) storage.BlockID {
	return s.versioned.translate(id, s.csn, s.txn)
}

/*
TranslateBlockID maps a block of a version to its anchor page.
*/
func (s *SnapshotSegment) TranslateBlockID(id storage.BlockID) storage.PageID {
	return s.versioned.translateBlock(id)
}

/*
PageSuccessor returns the successor of the visible version.
*/
func (s *SnapshotSegment) PageSuccessor(id storage.PageID) (storage.PageID, error) {
	return readFooter(&s.base, s.TranslatePageID(id), footer.successor)
}

/*
SetPageSuccessor sets the successor in a version of the transaction.
*/
func (s *SnapshotSegment) SetPageSuccessor(id storage.PageID, successor storage.PageID) error {
	if _, err := s.UpdatePage(id, true); err != nil {
		return err
	}

	return s.updateFooter(s.TranslatePageID(id), func(f footer) {
		f.setSuccessor(successor)
	})
}

/*
UpdatePage returns NullPageID if the transaction already owns a version of
the page. Otherwise a new version is created and its page id is returned.
Changes of other transactions which are not visible in the snapshot cause a
snapshot conflict error.
*/
func (s *SnapshotSegment) UpdatePage(id storage.PageID, needsTranslation bool) (storage.PageID, error) {
	v := s.versioned

	v.mutex.Lock()
	defer v.mutex.Unlock()

	if anchor, isShadow := v.shadows[id]; isShadow {
		id = anchor
	}

	for _, pv := range v.versions[id] {
		if !pv.committed && pv.txn == s.txn {
			return storage.NullPageID, nil
		}
	}

	return v.createVersion(id, s.csn, s.txn)
}

/*
IsWriteVersioned returns true.
*/
func (s *SnapshotSegment) IsWriteVersioned() bool {
	return true
}

/*
MappedPageListener returns the listener of the versioned segment.
*/
func (s *SnapshotSegment) MappedPageListener(blockID storage.BlockID) Segment {
	return s.versioned.MappedPageListener(blockID)
}

/*
DelegatedCheckpoint checkpoints the versioned segment.
*/
func (s *SnapshotSegment) DelegatedCheckpoint(origin Segment, checkpointType cache.CheckpointType) error {
	if s.versioned.closed.Load() {
		return nil
	}
	return s.versioned.DelegatedCheckpoint(origin, checkpointType)
}
