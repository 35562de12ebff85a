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
	"bytes"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
	"github.com/krotik/segmentdb/storage/file"
)

const testPageSize = 128

func newTestFactory(maxPages int) (*Factory, *file.MemoryDevice, *file.MemoryDevice) {
	c := cache.NewCache(cache.Params{PageSize: testPageSize, MaxPages: maxPages})

	dev1 := file.NewMemoryDevice("dev1", testPageSize, 0)
	dev2 := file.NewMemoryDevice("dev2", testPageSize, 0)

	c.RegisterDevice(1, dev1)
	c.RegisterDevice(2, dev2)

	return NewFactory(c), dev1, dev2
}

func writePage(seg Segment, id storage.PageID, b byte) error {
	pl := NewPageLock(seg)

	if err := pl.LockExclusive(id); err != nil {
		return err
	}
	defer pl.Unlock()

	if err := pl.UpdatePage(); err != nil {
		return err
	}

	pl.Data()[0] = b
	pl.Dirty()

	return nil
}

func readPage(seg Segment, id storage.PageID) (byte, error) {
	pl := NewPageLock(seg)

	if err := pl.LockShared(id); err != nil {
		return 0, err
	}
	defer pl.Unlock()

	return pl.Data()[0], nil
}

func expectPanic(t *testing.T, msg string, f func()) {
	defer func() {
		if r := recover(); r == nil {
			t.Error(msg)
		}
	}()

	f()
}

func TestLinearDeviceSegment(t *testing.T) {
	f, dev, _ := newTestFactory(64)

	seg, err := f.NewLinearDeviceSegment("linear", DeviceParams{DeviceID: 1, NPagesMin: 10})
	if err != nil {
		t.Error(err)
		return
	}

	if seg.FullPageSize() != testPageSize || seg.UsablePageSize() != testPageSize-FooterSize {
		t.Error("Unexpected page sizes:", seg.FullPageSize(), seg.UsablePageSize())
		return
	}

	if seg.AllocationOrder() != LinearAllocation || seg.AllocatedSizeInPages() != 10 {
		t.Error("Unexpected segment state")
		return
	}

	for i := 0; i < 10; i++ {
		if id, err := seg.AllocatePageID(storage.PageOwnerID(i + 1)); err != nil || id != storage.PageID(i) {
			t.Error("Unexpected allocation:", id, err)
			return
		}
	}

	if id, err := seg.AllocatePageID(1); err != nil || id != storage.NullPageID {
		t.Error("Segment should be exhausted:", id, err)
		return
	}

	if ok, err := seg.EnsureAllocatedSize(15); !ok || err != nil {
		t.Error("Segment should have grown:", ok, err)
		return
	}

	for i := 10; i < 15; i++ {
		if id, err := seg.AllocatePageID(1); err != nil || id != storage.PageID(i) {
			t.Error("Unexpected allocation:", id, err)
			return
		}
	}

	if id, err := seg.AllocatePageID(1); err != nil || id != storage.NullPageID {
		t.Error("Segment should be exhausted:", id, err)
		return
	}

	if seg.NumPagesExtended() != 5 || seg.NumPagesOccupiedHighWater() != 15 || dev.SizeInBlocks() != 15 {
		t.Error("Unexpected segment state:", seg.NumPagesExtended(), seg.NumPagesOccupiedHighWater(),
			dev.SizeInBlocks())
		return
	}

	for n := storage.BlockNum(0); n < 100; n++ {
		if LinearBlockNum(LinearPageID(n)) != n {
			t.Error("Linear conversion is not invertible for", n)
			return
		}
	}

	for i := 0; i < 15; i++ {
		id := storage.PageID(i)
		b := seg.TranslatePageID(id)

		if b != storage.NewBlockID(1, storage.BlockNum(i)) || seg.TranslateBlockID(b) != id ||
			!seg.IsPageIDAllocated(id) {
			t.Error("Unexpected translation:", id, b)
			return
		}
	}

	if owner, err := seg.PageOwnerID(3); owner != 4 || err != nil {
		t.Error("Unexpected owner:", owner, err)
		return
	}

	if succ, _ := seg.PageSuccessor(3); succ != 4 {
		t.Error("Unexpected successor:", succ)
		return
	}

	if succ, _ := seg.PageSuccessor(14); succ != storage.NullPageID {
		t.Error("Unexpected successor:", succ)
		return
	}

	expectPanic(t, "Deallocating a range in the middle should panic", func() {
		seg.DeallocatePageRange(2, 3)
	})

	expectPanic(t, "Chaining pages arbitrarily should panic", func() {
		seg.SetPageSuccessor(2, 7)
	})

	if err := seg.DeallocatePageRange(12, storage.NullPageID); err != nil {
		t.Error(err)
		return
	}

	if seg.IsPageIDAllocated(12) || !seg.IsPageIDAllocated(11) {
		t.Error("Unexpected allocation state after truncation")
		return
	}

	if id, _ := seg.AllocatePageID(1); id != 12 {
		t.Error("Unexpected allocation after truncation:", id)
		return
	}

	if err := seg.DeallocatePageRange(10, 12); err != nil {
		t.Error(err)
		return
	}

	if seg.NumPagesAllocated() != 10 || seg.NumPagesOccupiedHighWater() != 15 {
		t.Error("Unexpected number of allocated pages:", seg.NumPagesAllocated())
		return
	}

	if err := writePage(seg, 5, 0x42); err != nil {
		t.Error(err)
		return
	}

	if err := seg.Close(); err != nil {
		t.Error(err)
		return
	}

	if n := f.Cache().MappedPageCount(cache.ListenerPredicate(seg)); n != 0 {
		t.Error("Closed segment should have no mapped pages:", n)
		return
	}

	if err := seg.Close(); err != nil {
		t.Error(err)
		return
	}

	if f.Lookup(seg.Handle()) != nil || dev.Writes != 10 {
		t.Error("Unexpected state after close:", dev.Writes)
		return
	}

	expectPanic(t, "Allocation on a closed segment should panic", func() {
		seg.AllocatePageID(1)
	})

	// Reopen the segment

	seg, err = f.NewLinearDeviceSegment("linear", DeviceParams{DeviceID: 1, NPagesMin: 10, NPagesAllocated: 10})
	if err != nil {
		t.Error(err)
		return
	}

	if b, err := readPage(seg, 5); b != 0x42 || err != nil {
		t.Error("Unexpected page content:", b, err)
		return
	}

	if seg.IsPageIDAllocated(10) || !seg.IsPageIDAllocated(9) {
		t.Error("Unexpected allocation state after reopen")
		return
	}

	if err := seg.Checkpoint(cache.CheckpointFlushAndUnmap); err != nil {
		t.Error(err)
		return
	}

	if n := f.Cache().MappedPageCount(cache.AllPages); n != 0 {
		t.Error("Unexpected mapped pages:", n)
		return
	}

	if err := f.CloseAll(); err != nil {
		t.Error(err)
		return
	}

	if res := f.String(); res != "Segments:\n" {
		t.Error("Unexpected registry:", res)
		return
	}
}

func TestLinearDeviceSegmentGrowth(t *testing.T) {
	f, dev, _ := newTestFactory(64)

	seg, err := f.NewLinearDeviceSegment("linear", DeviceParams{DeviceID: 1, FirstBlock: 5,
		NPagesMin: 2, NPagesIncrement: 2, NPagesMax: 5})
	if err != nil {
		t.Error(err)
		return
	}

	for i := 0; i < 5; i++ {
		if id, err := seg.AllocatePageID(1); err != nil || id != storage.PageID(i) {
			t.Error("Unexpected allocation:", id, err)
			return
		}
	}

	if id, _ := seg.AllocatePageID(1); id != storage.NullPageID {
		t.Error("Segment should not grow beyond its max size:", id)
		return
	}

	if ok, _ := seg.EnsureAllocatedSize(6); ok {
		t.Error("Segment should not grow beyond its max size")
		return
	}

	if seg.TranslatePageID(0) != storage.NewBlockID(1, 5) || dev.SizeInBlocks() != 10 ||
		seg.NumPagesExtended() != 3 {
		t.Error("Unexpected segment state:", seg.TranslatePageID(0), dev.SizeInBlocks())
		return
	}

	if _, err := f.NewLinearDeviceSegment("linear", DeviceParams{DeviceID: 9}); !errors.Is(err, storage.ErrNoDevice) {
		t.Error("Unexpected result:", err)
		return
	}

	if err := seg.DeallocatePageRange(storage.NullPageID, storage.NullPageID); err != nil {
		t.Error(err)
		return
	}

	if seg.IsPageIDAllocated(0) {
		t.Error("All pages should have been deallocated")
		return
	}

	seg.Close()
}

func TestLinearDeviceSegmentConcurrentAllocation(t *testing.T) {
	f, _, _ := newTestFactory(256)

	seg, err := f.NewLinearDeviceSegment("linear", DeviceParams{DeviceID: 1, NPagesMin: 16,
		NPagesIncrement: 16})
	if err != nil {
		t.Error(err)
		return
	}

	const workers = 8
	const perWorker = 20

	var mutex sync.Mutex
	var wg sync.WaitGroup

	ids := make([]int, 0, workers*perWorker)
	ordered := true

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			last := storage.NullPageID

			for i := 0; i < perWorker; i++ {
				id, err := seg.AllocatePageID(1)

				mutex.Lock()
				if err != nil || id == storage.NullPageID || (last != storage.NullPageID && id <= last) {
					ordered = false
				}
				ids = append(ids, int(id))
				mutex.Unlock()

				last = id
			}
		}()
	}

	wg.Wait()

	if !ordered {
		t.Error("Each caller should see ascending page ids")
		return
	}

	sort.Ints(ids)

	for i, id := range ids {
		if id != i {
			t.Error("Page ids should be dense:", i, id)
			return
		}
	}

	if seg.NumPagesOccupiedHighWater() != workers*perWorker {
		t.Error("Unexpected high water mark:", seg.NumPagesOccupiedHighWater())
		return
	}

	seg.Close()
}

func TestConsecutiveDeviceSegment(t *testing.T) {
	f, _, _ := newTestFactory(64)

	seg, err := f.NewConsecutiveDeviceSegment("consecutive", DeviceParams{DeviceID: 2, FirstBlock: 3, NPagesMin: 3})
	if err != nil {
		t.Error(err)
		return
	}

	var last storage.PageID

	for i := 0; i < 3; i++ {
		id, err := seg.AllocatePageID(1)
		if err != nil || storage.BlockID(id) != storage.NewBlockID(2, storage.BlockNum(3+i)) {
			t.Error("Unexpected allocation:", id, err)
			return
		}

		if i > 0 && id <= last {
			t.Error("Page ids should be increasing")
			return
		}
		last = id

		if seg.TranslateBlockID(seg.TranslatePageID(id)) != id || !seg.IsPageIDAllocated(id) {
			t.Error("Unexpected translation of", id)
			return
		}
	}

	if id, _ := seg.AllocatePageID(1); id != storage.NullPageID {
		t.Error("Segment should be exhausted")
		return
	}

	first := storage.PageID(storage.NewBlockID(2, 3))

	if succ, _ := seg.PageSuccessor(first); succ != first+1 {
		t.Error("Unexpected successor:", succ)
		return
	}

	if seg.IsPageIDAllocated(storage.PageID(storage.NewBlockID(1, 3))) {
		t.Error("Page of another device should not be allocated")
		return
	}

	if err := seg.DeallocatePageRange(first+1, storage.NullPageID); err != nil {
		t.Error(err)
		return
	}

	if seg.IsPageIDAllocated(first+1) || !seg.IsPageIDAllocated(first) {
		t.Error("Unexpected allocation state after truncation")
		return
	}

	if seg.AllocationOrder() != ConsecutiveAllocation {
		t.Error("Unexpected allocation order")
		return
	}

	seg.Close()
}

func TestPageChecksum(t *testing.T) {
	f, dev, _ := newTestFactory(64)

	seg, _ := f.NewLinearDeviceSegment("linear", DeviceParams{DeviceID: 1, NPagesMin: 2})

	seg.AllocatePageID(1)
	seg.AllocatePageID(1)

	if err := writePage(seg, 0, 1); err != nil {
		t.Error(err)
		return
	}

	seg.Close()

	// Corrupt the content of block 0 and the footer magic of block 1

	rec0 := file.NewRecord(0, make([]byte, testPageSize))
	rec1 := file.NewRecord(1, make([]byte, testPageSize))

	dev.ReadBlock(rec0)
	dev.ReadBlock(rec1)

	rec0.Data()[1] ^= 0xff
	rec1.Data()[testPageSize-FooterSize] ^= 0xff

	if err := dev.WriteBlocks([]*file.Record{rec0, rec1}); err != nil {
		t.Error(err)
		return
	}

	seg, _ = f.NewLinearDeviceSegment("linear", DeviceParams{DeviceID: 1, NPagesMin: 2,
		NPagesAllocated: AllocatedFromDevice})

	if _, err := readPage(seg, 0); !errors.Is(err, storage.ErrChecksum) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := readPage(seg, 1); !errors.Is(err, storage.ErrBadFooter) {
		t.Error("Unexpected result:", err)
		return
	}

	if f.Cache().IsMapped(storage.NewBlockID(1, 0)) {
		t.Error("Page with a failed read should not be mapped")
		return
	}

	// Blocks which were never written are accepted

	dev.SetSizeInBlocks(4)

	page, err := f.Cache().LockPage(storage.NewBlockID(1, 3), cache.LockShared, true, seg)
	if err != nil {
		t.Error(err)
		return
	}
	f.Cache().UnlockPage(page, cache.LockShared)

	seg.Close()
}

func TestDelegatingSegment(t *testing.T) {
	f, _, _ := newTestFactory(64)

	segA, _ := f.NewLinearDeviceSegment("A", DeviceParams{DeviceID: 1, NPagesMin: 2})
	segB, _ := f.NewLinearDeviceSegment("B", DeviceParams{DeviceID: 2, NPagesMin: 2})

	idA, _ := segA.AllocatePageID(1)
	idB, _ := segB.AllocatePageID(1)

	if idA != idB {
		t.Error("Both segments should issue the same page id")
		return
	}

	writePage(segA, idA, 'A')
	writePage(segB, idB, 'B')

	seg := f.NewDynamicDelegatingSegment("dynamic", segA)

	if b, err := readPage(seg, idA); b != 'A' || err != nil {
		t.Error("Unexpected page content:", b, err)
		return
	}

	if seg.MappedPageListener(seg.TranslatePageID(idA)) != Segment(segA) ||
		seg.UsablePageSize() != segA.UsablePageSize() || seg.AllocationOrder() != LinearAllocation {
		t.Error("Unexpected delegation")
		return
	}

	seg.SetDelegatingSegment(segB)

	if b, err := readPage(seg, idA); b != 'B' || err != nil {
		t.Error("Unexpected page content:", b, err)
		return
	}

	if !seg.IsPageIDAllocated(idA) || seg.Delegate() != Segment(segB) {
		t.Error("Issued page id should still be valid")
		return
	}

	if id, _ := seg.AllocatePageID(1); id != 1 || !segB.IsPageIDAllocated(1) || segA.IsPageIDAllocated(1) {
		t.Error("Allocation should happen in the delegate")
		return
	}

	fixed := f.NewDelegatingSegment("fixed", segA)

	if fixed.TranslatePageID(0) != storage.NewBlockID(1, 0) {
		t.Error("Unexpected translation:", fixed.TranslatePageID(0))
		return
	}

	if err := seg.Checkpoint(cache.CheckpointFlushAll); err != nil {
		t.Error(err)
		return
	}

	if f.Cache().Stats().Dirty != 1 {
		t.Error("Only pages of the current delegate should have been written")
		return
	}

	if err := fixed.Checkpoint(cache.CheckpointFlushAll); err != nil {
		t.Error(err)
		return
	}

	if f.Cache().Stats().Dirty != 0 {
		t.Error("Pages of the delegate should have been written")
		return
	}

	segB.Close()

	// Closing a delegating segment of a closed delegate is possible

	if err := seg.Close(); err != nil {
		t.Error(err)
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

func TestTracingSegment(t *testing.T) {
	f, _, _ := newTestFactory(64)

	target, _ := f.NewLinearDeviceSegment("traced", DeviceParams{DeviceID: 1, NPagesMin: 4})
	seg := f.NewTracingSegment("trace", target, 100)

	if target.TracingSegment() != Segment(seg) || seg.TracingSegment() != Segment(seg) {
		t.Error("Unexpected tracing segment")
		return
	}

	id, err := seg.AllocatePageID(5)
	if err != nil || id != 0 {
		t.Error("Unexpected allocation:", id, err)
		return
	}

	if n := f.Cache().MappedPageCount(cache.ListenerPredicate(seg)); n != 1 {
		t.Error("Page accesses should be attributed to the tracing segment:", n)
		return
	}

	if err := writePage(seg, id, 1); err != nil {
		t.Error(err)
		return
	}

	if err := seg.Close(); err != nil {
		t.Error(err)
		return
	}

	if n := f.Cache().MappedPageCount(cache.AllPages); n != 0 || f.Lookup(target.Handle()) != nil {
		t.Error("Target should have been closed:", n)
		return
	}

	trace := strings.Join(seg.Trace(), "\n")

	for _, line := range []string{"trace: open traced", "trace: allocatePageId owner 5 -> 0",
		"trace: map 1:0", "trace: dirty 1:0", "trace: flush 1:0", "trace: unmap 1:0",
		"trace: checkpoint FlushAndUnmap", "trace: close"} {

		if !strings.Contains(trace, line) {
			t.Error("Missing trace line:", line, "\n", trace)
			return
		}
	}
}

func TestScratchSegment(t *testing.T) {
	f, _, _ := newTestFactory(8)

	seg := f.NewScratchSegment("scratch", 2)

	if seg.UsablePageSize() != testPageSize {
		t.Error("Scratch pages have no footer")
		return
	}

	for i := 0; i < 2; i++ {
		if id, err := seg.AllocatePageID(1); err != nil || id != storage.PageID(i) {
			t.Error("Unexpected allocation:", id, err)
			return
		}
	}

	if id, _ := seg.AllocatePageID(1); id != storage.NullPageID {
		t.Error("Quota should be exhausted")
		return
	}

	if err := writePage(seg, 1, 0x11); err != nil {
		t.Error(err)
		return
	}

	if b, _ := readPage(seg, 1); b != 0x11 {
		t.Error("Unexpected scratch page content:", b)
		return
	}

	b := seg.TranslatePageID(1)
	if b.DeviceID() != cache.ScratchDeviceID || seg.TranslateBlockID(b) != 1 {
		t.Error("Unexpected translation:", b)
		return
	}

	if f.Cache().Stats().ScratchPages != 2 {
		t.Error("Unexpected number of scratch pages")
		return
	}

	if err := seg.Checkpoint(cache.CheckpointFlushAndUnmap); err != nil {
		t.Error(err)
		return
	}

	if err := seg.DeallocatePageRange(1, storage.NullPageID); err != nil {
		t.Error(err)
		return
	}

	if seg.IsPageIDAllocated(1) || f.Cache().Stats().ScratchPages != 1 {
		t.Error("Scratch page should have been released")
		return
	}

	seg.Close()

	if f.Cache().Stats().ScratchPages != 0 {
		t.Error("Scratch pages should have been released")
		return
	}
}

func TestSegmentStreams(t *testing.T) {
	f, _, _ := newTestFactory(64)

	seg, _ := f.NewLinearDeviceSegment("linear", DeviceParams{DeviceID: 1, NPagesMin: 2, NPagesIncrement: 2})

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}

	out := NewOutputStream(seg, 7)

	if out.FirstPageID() != storage.NullPageID {
		t.Error("Stream should have no pages yet")
		return
	}

	if n, err := out.Write(data[:10]); n != 10 || err != nil {
		t.Error("Unexpected write:", n, err)
		return
	}

	if n, err := out.Write(data[10:]); n != 290 || err != nil {
		t.Error("Unexpected write:", n, err)
		return
	}

	out.Close()

	usable := testPageSize - FooterSize - StreamPageHeaderSize

	if l, _ := ChainLength(seg, out.FirstPageID()); l != (300+usable-1)/usable || out.Written() != 300 {
		t.Error("Unexpected chain length:", l)
		return
	}

	res, err := io.ReadAll(NewInputStream(seg, out.FirstPageID()))
	if err != nil || !bytes.Equal(res, data) {
		t.Error("Unexpected stream content:", res, err)
		return
	}

	pc := NewPageCursor(seg, out.FirstPageID())

	if p, _ := pc.Next(); p != 0 || pc.Current() != 0 {
		t.Error("Unexpected cursor position:", p)
		return
	}

	pc.Reset()

	if pc.Current() != storage.NullPageID {
		t.Error("Cursor should have been reset")
		return
	}

	seg.Close()
}
