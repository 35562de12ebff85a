/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/file"
)

/*
LockMode is the mode in which a page is locked.
*/
type LockMode int

/*
Lock modes
*/
const (
	LockShared LockMode = iota
	LockExclusive
)

/*
CheckpointType determines what happens to the pages of a checkpoint.
*/
type CheckpointType int

/*
Checkpoint types
*/
const (
	CheckpointDiscard       CheckpointType = iota // Unmap pages without writing them
	CheckpointFlushAndUnmap                       // Write dirty pages and unmap all pages
	CheckpointFlushAll                            // Write dirty pages and keep them mapped
	CheckpointFlushFuzzy                          // Write dirty pages which are not locked exclusively
)

/*
String returns the name of a checkpoint type.
*/
func (t CheckpointType) String() string {
	switch t {
	case CheckpointDiscard:
		return "Discard"
	case CheckpointFlushAndUnmap:
		return "FlushAndUnmap"
	case CheckpointFlushAll:
		return "FlushAll"
	case CheckpointFlushFuzzy:
		return "FlushFuzzy"
	}
	return fmt.Sprintf("Unknown(%d)", int(t))
}

/*
MappedPageListener is notified of cache events for the pages it is
responsible for.
*/
type MappedPageListener interface {

	/*
		NotifyPageMap is called after a page was mapped to its block.
	*/
	NotifyPageMap(page *Page)

	/*
		NotifyPageUnmap is called before a page is unmapped.
	*/
	NotifyPageUnmap(page *Page)

	/*
		NotifyAfterPageRead is called after the content of a page was read
		from its device. An error leaves the page unmapped.
	*/
	NotifyAfterPageRead(page *Page) error

	/*
		NotifyPageDirty is called when a clean page becomes dirty.
	*/
	NotifyPageDirty(page *Page)

	/*
		CanFlushPage returns if a dirty page may be written now.
	*/
	CanFlushPage(page *Page) bool

	/*
		NotifyBeforePageFlush is called before a page is written.
	*/
	NotifyBeforePageFlush(page *Page)

	/*
		NotifyAfterPageFlush is called after a page was written.
	*/
	NotifyAfterPageFlush(page *Page)
}

/*
PagePredicate selects pages for checkpoints.
*/
type PagePredicate func(page *Page) bool

/*
AllPages selects all pages.
*/
func AllPages(page *Page) bool {
	return true
}

/*
DevicePredicate selects all pages of a device.
*/
func DevicePredicate(dev storage.DeviceID) PagePredicate {
	return func(page *Page) bool {
		return page.blockID.DeviceID() == dev
	}
}

/*
ListenerPredicate selects all pages which are attributed to one of the given
listeners.
*/
func ListenerPredicate(listeners ...MappedPageListener) PagePredicate {
	return func(page *Page) bool {
		for _, l := range listeners {
			if l != nil && page.listener == l {
				return true
			}
		}
		return false
	}
}

/*
Page is a block which is mapped into the cache.
*/
type Page struct {
	cache    *Cache             // Cache which owns this page
	blockID  storage.BlockID    // Block which is mapped
	record   *file.Record       // Buffer of the page
	listener MappedPageListener // Listener for cache events
	lock     sync.RWMutex       // Content lock
	pins     int                // Pin count (protected by the cache mutex)
	mapped   bool               // Flag if the page is mapped (protected by the cache mutex)
	dirty    atomic.Bool        // Dirty flag
	scratch  bool               // Flag for scratch pages
	prev     *Page              // Pointer to previous page in the LRU list
	next     *Page              // Pointer to next page in the LRU list
}

/*
BlockID returns the block of this page.
*/
func (p *Page) BlockID() storage.BlockID {
	return p.blockID
}

/*
Data returns the full data of this page.
*/
func (p *Page) Data() []byte {
	return p.record.Data()
}

/*
Record returns the page buffer as record.
*/
func (p *Page) Record() *file.Record {
	return p.record
}

/*
Listener returns the listener of this page.
*/
func (p *Page) Listener() MappedPageListener {
	return p.listener
}

/*
IsScratch returns if this is a scratch page.
*/
func (p *Page) IsScratch() bool {
	return p.scratch
}

/*
IsDirty returns if the page has been modified since it was last written.
*/
func (p *Page) IsDirty() bool {
	return p.dirty.Load()
}

/*
MarkDirty marks the page as modified. The caller must hold an exclusive lock.
*/
func (p *Page) MarkDirty() {
	if p.dirty.CompareAndSwap(false, true) {
		if p.listener != nil {
			p.listener.NotifyPageDirty(p)
		}
		if !p.scratch {
			p.cache.stats.dirtied.Add(1)
		}
	}
}

/*
String returns a string representation of the page.
*/
func (p *Page) String() string {
	return fmt.Sprintf("Page %v (dirty:%v pins:%v)", p.blockID, p.IsDirty(), p.pins)
}
