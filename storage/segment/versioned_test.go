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
	"testing"

	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
)

func TestVersionedSegment(t *testing.T) {
	f, _, _ := newTestFactory(64)

	target, _ := f.NewRandomAllocationSegment("random", DeviceParams{DeviceID: 1, NPagesMin: 16}, RandomAllocation)

	seg := f.NewVersionedSegment("versioned", target)

	if !seg.IsWriteVersioned() || seg.UsablePageSize() != target.UsablePageSize() {
		t.Error("Unexpected segment state")
		return
	}

	anchor, err := seg.AllocatePageID(9)
	if err != nil {
		t.Error(err)
		return
	}

	if err := writePage(seg, anchor, 'A'); err != nil {
		t.Error(err)
		return
	}

	// Write a new version in a snapshot

	snap1 := seg.NewSnapshot("snap1", seg.CurrentCSN(), 1)

	if err := writePage(snap1, anchor, 'B'); err != nil {
		t.Error(err)
		return
	}

	if target.NumPagesAllocated() != 2 {
		t.Error("A version page should have been allocated")
		return
	}

	if b, _ := readPage(seg, anchor); b != 'A' {
		t.Error("Uncommitted version should not be visible:", b)
		return
	}

	if b, _ := readPage(snap1, anchor); b != 'B' {
		t.Error("Own version should be visible:", b)
		return
	}

	// Writing again does not create another version

	if id, err := snap1.UpdatePage(anchor, true); id != storage.NullPageID || err != nil {
		t.Error("Unexpected result:", id, err)
		return
	}

	if _, err := seg.UpdatePage(anchor, true); !errors.Is(err, storage.ErrSnapshotConflict) {
		t.Error("Versioned page cannot be changed in place:", err)
		return
	}

	if csn := seg.Commit(1); csn != 1 {
		t.Error("Unexpected commit sequence number:", csn)
		return
	}

	if b, _ := readPage(seg, anchor); b != 'B' {
		t.Error("Committed version should be visible:", b)
		return
	}

	if seg.TranslateBlockID(seg.TranslatePageID(anchor)) != anchor || !seg.IsPageIDAllocated(anchor) {
		t.Error("Unexpected translation")
		return
	}

	if owner, _ := target.PageOwnerID(storage.PageID(seg.TranslatePageID(anchor))); owner != 9 {
		t.Error("Version should keep the owner:", owner)
		return
	}

	// An older snapshot sees the old content and cannot write

	snap2 := seg.NewSnapshot("snap2", 0, 2)

	if b, _ := readPage(snap2, anchor); b != 'A' {
		t.Error("Old snapshot should see the old version:", b)
		return
	}

	if err := writePage(snap2, anchor, 'X'); !errors.Is(err, storage.ErrSnapshotConflict) {
		t.Error("Unexpected result:", err)
		return
	}

	// Rollback

	snap3 := seg.NewSnapshot("snap3", 1, 3)

	if err := writePage(snap3, anchor, 'C'); err != nil {
		t.Error(err)
		return
	}

	snap4 := seg.NewSnapshot("snap4", 1, 4)

	if err := writePage(snap4, anchor, 'D'); !errors.Is(err, storage.ErrSnapshotConflict) {
		t.Error("Concurrent write should conflict:", err)
		return
	}

	if err := seg.Rollback(3); err != nil {
		t.Error(err)
		return
	}

	if b, _ := readPage(snap3, anchor); b != 'B' || target.NumPagesAllocated() != 2 {
		t.Error("Rolled back version should be gone:", b)
		return
	}

	// Successors are versioned as well

	next, _ := seg.AllocatePageID(9)

	if err := snap4.SetPageSuccessor(anchor, next); err != nil {
		t.Error(err)
		return
	}

	if succ, _ := seg.PageSuccessor(anchor); succ != storage.NullPageID {
		t.Error("Uncommitted successor should not be visible:", succ)
		return
	}

	if succ, _ := snap4.PageSuccessor(anchor); succ != next {
		t.Error("Unexpected successor:", succ)
		return
	}

	seg.Commit(4)

	// Reclaim folds the versions into the anchor page

	if err := seg.Reclaim(seg.CurrentCSN()); err != nil {
		t.Error(err)
		return
	}

	if target.NumPagesAllocated() != 2 || seg.TranslatePageID(anchor) != target.TranslatePageID(anchor) {
		t.Error("Versions should have been reclaimed:", target.NumPagesAllocated())
		return
	}

	if b, _ := readPage(seg, anchor); b != 'B' {
		t.Error("Unexpected page content:", b)
		return
	}

	if succ, _ := seg.PageSuccessor(anchor); succ != next {
		t.Error("Unexpected successor:", succ)
		return
	}

	if err := seg.DeallocatePageRange(next, next); err != nil || seg.IsPageIDAllocated(next) {
		t.Error("Page should have been deallocated:", err)
		return
	}

	if err := f.CloseAll(); err != nil {
		t.Error(err)
		return
	}

	if n := f.Cache().MappedPageCount(cache.AllPages); n != 0 {
		t.Error("Unexpected mapped pages:", n)
		return
	}
}

func TestVersionedSegmentSwap(t *testing.T) {
	f, _, _ := newTestFactory(64)

	target, _ := f.NewRandomAllocationSegment("random", DeviceParams{DeviceID: 1, NPagesMin: 16}, RandomAllocation)

	seg := f.NewVersionedSegment("versioned", target)

	anchor, _ := seg.AllocatePageID(1)

	if err := writePage(seg, anchor, 'a'); err != nil {
		t.Error(err)
		return
	}

	// A transaction works on its snapshot through the dynamic segment

	snap := seg.NewSnapshot("txn1", seg.CurrentCSN(), 1)
	dyn := f.NewDynamicDelegatingSegment("current", snap)

	if err := writePage(dyn, anchor, 'b'); err != nil {
		t.Error(err)
		return
	}

	if b, _ := readPage(dyn, anchor); b != 'b' {
		t.Error("Transaction should see its own write:", b)
		return
	}

	// Read committed outside of the transaction

	dyn.SetDelegatingSegment(seg)

	if b, _ := readPage(dyn, anchor); b != 'a' {
		t.Error("Uncommitted write should not be visible:", b)
		return
	}

	seg.Commit(1)

	if b, _ := readPage(dyn, anchor); b != 'b' {
		t.Error("Committed write should be visible:", b)
		return
	}

	if dyn.Delegate() != Segment(seg) || !dyn.IsPageIDAllocated(anchor) {
		t.Error("Unexpected delegation")
		return
	}

	if err := f.CloseAll(); err != nil {
		t.Error(err)
		return
	}

	if n := f.Cache().MappedPageCount(cache.AllPages); n != 0 {
		t.Error("Unexpected mapped pages:", n)
		return
	}
}
