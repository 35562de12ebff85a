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
Package cache contains the page cache which is shared by all segments.

Cache

The cache maps blocks of registered devices to in-memory pages. A page is
pinned while it is locked. Unpinned pages are kept in a linked list ordered
by their last access. If the cache is full, then the least recently used
unpinned page is written (if dirty) and its buffer reused.

Mapped page listener

Each page has a listener (usually a segment) which is notified when the page
is mapped, read, dirtied, flushed or unmapped. Listeners can veto flushes and
reject page content after a read.

Checkpoints

A checkpoint writes and / or unmaps all pages which match a predicate. Dirty
pages of a device are written in a single batch and the device is synced
afterwards.

Scratch pages

Scratch pages are pinned pages which are not mapped to any block. They are
used as temporary buffers and count against the size of the cache.
*/
package cache

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/common/logutil"
	"github.com/krotik/common/pools"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/file"
	"github.com/prometheus/client_golang/prometheus"
)

/*
Logger of the cache
*/
var logger = logutil.GetLogger("segmentdb.cache")

/*
DefaultPageSize is the default size of a page
*/
const DefaultPageSize = file.DefaultBlockSize

/*
DefaultMaxPages is the default number of pages in the cache
*/
const DefaultMaxPages = 1024

/*
ScratchDeviceID is the reserved device of scratch pages
*/
const ScratchDeviceID = storage.MaxDeviceID

/*
Params are the parameters of a cache.
*/
type Params struct {
	PageSize   int                   // Size of a page (DefaultPageSize if 0)
	MaxPages   int                   // Max number of pages (DefaultMaxPages if 0)
	Registerer prometheus.Registerer // Optional registerer for metrics
}

/*
Cache data structure
*/
type Cache struct {
	pageSize     int                                 // Size of a page
	maxPages     int                                 // Max number of pages
	mutex        *sync.Mutex                         // Mutex to protect maps and lists
	devices      map[storage.DeviceID]file.Device    // Registered devices
	pages        map[storage.BlockID]*Page           // Mapped pages
	scratchPages int                                 // Number of scratch pages in use
	scratchCount uint64                              // Counter for scratch block numbers
	firstpage    *Page                               // First (oldest) page in the LRU list
	lastpage     *Page                               // Last (newest) page in the LRU list
	bufferPool   *sync.Pool                          // Pool of page buffers
	stats        cacheStats                          // Statistics counters
	metrics      *Metrics                            // Prometheus metrics (may be nil)
}

/*
cacheStats are the counters of the cache.
*/
type cacheStats struct {
	hits        atomic.Int64
	misses      atomic.Int64
	reads       atomic.Int64
	writes      atomic.Int64
	evictions   atomic.Int64
	checkpoints atomic.Int64
	dirtied     atomic.Int64
}

/*
Stats is a snapshot of the cache statistics.
*/
type Stats struct {
	Hits         int64 // Lock requests for mapped pages
	Misses       int64 // Lock requests for unmapped pages
	Reads        int64 // Blocks read from devices
	Writes       int64 // Blocks written to devices
	Evictions    int64 // Pages which were replaced
	Checkpoints  int64 // Executed checkpoints
	Dirtied      int64 // Clean pages which became dirty
	Mapped       int   // Currently mapped pages
	Dirty        int   // Currently dirty pages
	ScratchPages int   // Currently used scratch pages
}

/*
NewCache creates a new page cache.
*/
func NewCache(params Params) *Cache {
	pageSize := params.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	maxPages := params.MaxPages
	if maxPages == 0 {
		maxPages = DefaultMaxPages
	}

	return &Cache{pageSize, maxPages, &sync.Mutex{},
		make(map[storage.DeviceID]file.Device), make(map[storage.BlockID]*Page),
		0, 0, nil, nil, pools.NewByteSlicePool(pageSize), cacheStats{},
		NewMetrics(params.Registerer)}
}

/*
PageSize returns the size of a page.
*/
func (c *Cache) PageSize() int {
	return c.pageSize
}

/*
MaxPages returns the max number of pages in the cache.
*/
func (c *Cache) MaxPages() int {
	return c.maxPages
}

/*
RegisterDevice registers a device with the cache. The block size of the
device must match the page size of the cache.
*/
func (c *Cache) RegisterDevice(id storage.DeviceID, dev file.Device) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if dev.BlockSize() != c.pageSize {
		return storage.NewError(storage.ErrBlockOutOfRange, fmt.Sprintf(
			"Block size %v does not match page size %v", dev.BlockSize(), c.pageSize), dev.Name())
	}

	if _, ok := c.devices[id]; ok || id == ScratchDeviceID {
		return storage.NewError(storage.ErrDeviceExists, fmt.Sprint("Device ", id), dev.Name())
	}

	c.devices[id] = dev

	logger.Debug("Registered device ", id, ": ", dev.Name())

	return nil
}

/*
UnregisterDevice removes a device from the cache. All pages of the device are
discarded. The device is not closed.
*/
func (c *Cache) UnregisterDevice(id storage.DeviceID) error {
	if err := c.CheckpointPages(DevicePredicate(id), CheckpointDiscard); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.devices, id)

	return nil
}

/*
Device returns a registered device.
*/
func (c *Cache) Device(id storage.DeviceID) file.Device {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.devices[id]
}

/*
LockPage locks the page of a given block. The block is mapped if necessary;
its content is read from the device if readIfUnmapped is set, otherwise the
page is zeroed. The given listener is attached to newly mapped pages.
*/
func (c *Cache) LockPage(blockID storage.BlockID, mode LockMode, readIfUnmapped bool,
	listener MappedPageListener) (*Page, error) {

	for {
		c.mutex.Lock()

		if page, ok := c.pages[blockID]; ok {
			page.pins++
			if !page.scratch {
				c.llTouchPage(page)
			}
			c.mutex.Unlock()

			c.stats.hits.Add(1)
			c.metrics.recordAccess(true)

			c.lockContent(page, mode)

			// Check that the page was not unmapped after a failed read

			if page.mapped {
				return page, nil
			}

			c.unlockContent(page, mode)

			continue
		}

		dev, ok := c.devices[blockID.DeviceID()]
		if !ok {
			c.mutex.Unlock()
			return nil, storage.NewError(storage.ErrNoDevice, fmt.Sprint("Block ", blockID), "")
		}

		buf, err := c.allocateBuffer()
		if err != nil {
			c.mutex.Unlock()
			return nil, err
		}

		page := &Page{cache: c, blockID: blockID,
			record: file.NewRecord(uint64(blockID.BlockNum()), buf),
			listener: listener, pins: 1, mapped: true}

		// Hold the content lock until the page content is valid

		page.lock.Lock()

		c.pages[blockID] = page
		c.llAppendPage(page)

		c.mutex.Unlock()

		c.stats.misses.Add(1)
		c.metrics.recordAccess(false)

		if listener != nil {
			listener.NotifyPageMap(page)
		}

		if readIfUnmapped {
			err = dev.ReadBlock(page.record)

			if err == nil {
				c.stats.reads.Add(1)
				c.metrics.recordReads(1)

				if listener != nil {
					err = listener.NotifyAfterPageRead(page)
				}
			}

			if err != nil {
				c.mutex.Lock()
				page.pins--
				c.unmapPage(page)
				c.mutex.Unlock()

				page.lock.Unlock()

				return nil, err
			}

		} else {
			page.record.ClearData()
		}

		if mode == LockShared {
			page.lock.Unlock()
			page.lock.RLock()
		}

		return page, nil
	}
}

/*
UnlockPage releases the lock on a page and unpins it.
*/
func (c *Cache) UnlockPage(page *Page, mode LockMode) {
	c.unlockContent(page, mode)
}

/*
lockContent acquires the content lock of a pinned page.
*/
func (c *Cache) lockContent(page *Page, mode LockMode) {
	if mode == LockExclusive {
		page.lock.Lock()
	} else {
		page.lock.RLock()
	}
}

/*
unlockContent releases the content lock and the pin of a page.
*/
func (c *Cache) unlockContent(page *Page, mode LockMode) {
	if mode == LockExclusive {
		page.lock.Unlock()
	} else {
		page.lock.RUnlock()
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	errorutil.AssertTrue(page.pins > 0, fmt.Sprint("Unlocking unpinned page ", page.blockID))

	page.pins--
}

/*
allocateBuffer returns a page buffer. The least recently used unpinned page
is replaced if the cache is full. The cache mutex must be held.
*/
func (c *Cache) allocateBuffer() ([]byte, error) {
	if len(c.pages) < c.maxPages {
		return c.bufferPool.Get().([]byte), nil
	}

	for victim := c.firstpage; victim != nil; victim = victim.next {
		if victim.pins > 0 {
			continue
		}

		if victim.IsDirty() {
			if victim.listener != nil && !victim.listener.CanFlushPage(victim) {
				continue
			}

			if err := c.flushPages(c.devices[victim.blockID.DeviceID()], []*Page{victim}); err != nil {
				return nil, err
			}
		}

		buf := victim.record.Data()

		c.unmapPageKeepBuffer(victim)

		c.stats.evictions.Add(1)
		c.metrics.recordEviction()

		return buf, nil
	}

	return nil, storage.NewError(storage.ErrCacheFull,
		fmt.Sprintf("All %v pages are pinned", c.maxPages), "")
}

/*
unmapPage unmaps a page and returns its buffer to the pool. The cache mutex
must be held.
*/
func (c *Cache) unmapPage(page *Page) {
	buf := page.record.Data()
	c.unmapPageKeepBuffer(page)
	c.bufferPool.Put(buf)
}

/*
unmapPageKeepBuffer unmaps a page. The cache mutex must be held.
*/
func (c *Cache) unmapPageKeepBuffer(page *Page) {
	if page.listener != nil {
		page.listener.NotifyPageUnmap(page)
	}

	page.mapped = false
	page.dirty.Store(false)

	delete(c.pages, page.blockID)
	c.llRemovePage(page)
}

/*
flushPages writes a batch of pages to a device and syncs the device. The
cache mutex must be held and the pages must not be modified concurrently.
*/
func (c *Cache) flushPages(dev file.Device, pages []*Page) error {
	if len(pages) == 0 {
		return nil
	}

	if dev == nil {
		return storage.NewError(storage.ErrNoDevice, fmt.Sprint("Block ", pages[0].blockID), "")
	}

	records := make([]*file.Record, 0, len(pages))

	for _, page := range pages {
		if page.listener != nil {
			page.listener.NotifyBeforePageFlush(page)
		}
		records = append(records, page.record)
	}

	if err := dev.WriteBlocks(records); err != nil {
		return err
	}

	if err := dev.Sync(); err != nil {
		return err
	}

	c.stats.writes.Add(int64(len(pages)))
	c.metrics.recordWrites(len(pages))

	for _, page := range pages {
		page.dirty.Store(false)

		if page.listener != nil {
			page.listener.NotifyAfterPageFlush(page)
		}
	}

	return nil
}

/*
CheckpointPages writes and / or unmaps all pages which match a given
predicate. The operation is synchronous.
*/
func (c *Cache) CheckpointPages(pred PagePredicate, checkpointType CheckpointType) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stats.checkpoints.Add(1)
	c.metrics.recordCheckpoint(checkpointType)

	// Collect matching pages in block order

	var matching []*Page

	for _, page := range c.pages {
		if !page.scratch && pred(page) {
			matching = append(matching, page)
		}
	}

	sort.Slice(matching, func(i, j int) bool {
		return matching[i].blockID < matching[j].blockID
	})

	var pinnedErr error

	if checkpointType != CheckpointDiscard {

		// Group dirty pages by device - pages which are currently locked
		// exclusively cannot be written

		byDevice := make(map[storage.DeviceID][]*Page)
		var locked []*Page

		for _, page := range matching {
			if !page.IsDirty() {
				continue
			}

			if page.listener != nil && !page.listener.CanFlushPage(page) {
				continue
			}

			if !page.lock.TryRLock() {
				if checkpointType != CheckpointFlushFuzzy {
					pinnedErr = storage.NewError(storage.ErrPagePinned,
						fmt.Sprint("Page locked exclusively ", page.blockID), "")
				}
				continue
			}

			locked = append(locked, page)

			dev := page.blockID.DeviceID()
			byDevice[dev] = append(byDevice[dev], page)
		}

		var devIDs []storage.DeviceID
		for id := range byDevice {
			devIDs = append(devIDs, id)
		}
		sort.Slice(devIDs, func(i, j int) bool { return devIDs[i] < devIDs[j] })

		var err error

		for _, id := range devIDs {
			if err = c.flushPages(c.devices[id], byDevice[id]); err != nil {
				break
			}
		}

		for _, page := range locked {
			page.lock.RUnlock()
		}

		if err != nil {
			return err
		}
	}

	if checkpointType == CheckpointDiscard || checkpointType == CheckpointFlushAndUnmap {
		for _, page := range matching {
			if page.pins > 0 {
				pinnedErr = storage.NewError(storage.ErrPagePinned,
					fmt.Sprint("Page ", page.blockID), "")
				continue
			}

			if page.IsDirty() && checkpointType == CheckpointFlushAndUnmap {

				// The page could not be written

				continue
			}

			c.unmapPage(page)
		}
	}

	c.metrics.setMapped(len(c.pages) - c.scratchPages)

	return pinnedErr
}

/*
DiscardPage unmaps the page of a given block without writing it. Pinned
pages are not discarded.
*/
func (c *Cache) DiscardPage(blockID storage.BlockID) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if page, ok := c.pages[blockID]; ok && page.pins == 0 && !page.scratch {
		c.unmapPage(page)
		return true
	}

	return false
}

/*
IsMapped returns if a given block is mapped.
*/
func (c *Cache) IsMapped(blockID storage.BlockID) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, ok := c.pages[blockID]

	return ok
}

/*
MappedPageCount returns the number of mapped pages which match a given
predicate.
*/
func (c *Cache) MappedPageCount(pred PagePredicate) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var count int

	for _, page := range c.pages {
		if !page.scratch && pred(page) {
			count++
		}
	}

	return count
}

/*
LockScratchPage returns a pinned page which is not backed by a device. The
page is mapped to a block of the reserved ScratchDeviceID and can be locked
through LockPage until it is released.
*/
func (c *Cache) LockScratchPage() (*Page, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	buf, err := c.allocateBuffer()
	if err != nil {
		return nil, err
	}

	c.scratchPages++
	c.scratchCount++

	blockID := storage.NewBlockID(ScratchDeviceID, storage.BlockNum(c.scratchCount))

	page := &Page{cache: c, blockID: blockID,
		record: file.NewRecord(uint64(blockID.BlockNum()), buf),
		pins: 1, mapped: true, scratch: true}

	page.record.ClearData()

	c.pages[blockID] = page

	return page, nil
}

/*
UnlockScratchPage releases a scratch page.
*/
func (c *Cache) UnlockScratchPage(page *Page) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	errorutil.AssertTrue(page.scratch && page.pins == 1, "Not a locked scratch page")

	page.pins = 0
	page.mapped = false
	c.scratchPages--

	delete(c.pages, page.blockID)

	c.bufferPool.Put(page.record.Data())
}

/*
Stats returns a snapshot of the cache statistics.
*/
func (c *Cache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var dirty int

	for _, page := range c.pages {
		if !page.scratch && page.IsDirty() {
			dirty++
		}
	}

	return Stats{
		Hits:         c.stats.hits.Load(),
		Misses:       c.stats.misses.Load(),
		Reads:        c.stats.reads.Load(),
		Writes:       c.stats.writes.Load(),
		Evictions:    c.stats.evictions.Load(),
		Checkpoints:  c.stats.checkpoints.Load(),
		Dirtied:      c.stats.dirtied.Load(),
		Mapped:       len(c.pages) - c.scratchPages,
		Dirty:        dirty,
		ScratchPages: c.scratchPages,
	}
}

/*
String returns a string representation of the cache.
*/
func (c *Cache) String() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	buf := new(bytes.Buffer)

	buf.WriteString(fmt.Sprintf("Cache (pageSize:%v maxPages:%v mapped:%v scratch:%v)\n",
		c.pageSize, c.maxPages, len(c.pages)-c.scratchPages, c.scratchPages))

	for page := c.firstpage; page != nil; page = page.next {
		buf.WriteString(page.String())
		buf.WriteString("\n")
	}

	return buf.String()
}

/*
llTouchPage puts a page to the last position of the LRU list. Calling
llTouchPage on all requested pages ensures that the least recently used page
is at the beginning of the list.
*/
func (c *Cache) llTouchPage(page *Page) {
	if c.lastpage == page {
		return
	}

	c.llRemovePage(page)
	c.llAppendPage(page)
}

/*
llAppendPage appends a page to the end of the LRU list.
*/
func (c *Cache) llAppendPage(page *Page) {
	if c.firstpage == nil {
		c.firstpage = page
		c.lastpage = page
		page.prev = nil
	} else {
		c.lastpage.next = page
		page.prev = c.lastpage
		c.lastpage = page
	}
	page.next = nil
}

/*
llRemovePage removes a page from the LRU list.
*/
func (c *Cache) llRemovePage(page *Page) {
	if page == c.firstpage {
		c.firstpage = page.next
	}
	if c.lastpage == page {
		c.lastpage = page.prev
	}

	if page.prev != nil {
		page.prev.next = page.next
	}
	if page.next != nil {
		page.next.prev = page.prev
	}

	page.prev = nil
	page.next = nil
}
