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
	"github.com/krotik/segmentdb/storage"
)

/*
PageCursor is a pointer into a chain of pages of a segment which are linked
through their successors.
*/
type PageCursor struct {
	seg     Segment        // Segment to be traversed
	first   storage.PageID // First page of the chain
	current storage.PageID // Current page
}

/*
NewPageCursor creates a new cursor object which can be used to traverse a
chain of pages. The cursor points before the first page.
*/
func NewPageCursor(seg Segment, first storage.PageID) *PageCursor {
	return &PageCursor{seg, first, storage.NullPageID}
}

/*
Current gets the page this cursor currently points at.
*/
func (pc *PageCursor) Current() storage.PageID {
	return pc.current
}

/*
Next moves the PageCursor to the next page and returns it. Returns
NullPageID at the end of the chain; the cursor stays on the last page.
*/
func (pc *PageCursor) Next() (storage.PageID, error) {
	var page storage.PageID
	var err error

	if pc.current == storage.NullPageID {
		page = pc.first
	} else {
		page, err = pc.seg.PageSuccessor(pc.current)

		if err != nil {
			return storage.NullPageID, err
		}
	}

	if page != storage.NullPageID {
		pc.current = page
	}

	return page, nil
}

/*
Reset moves the cursor before the first page.
*/
func (pc *PageCursor) Reset() {
	pc.current = storage.NullPageID
}

/*
ChainLength counts the pages of a chain.
*/
func ChainLength(seg Segment, first storage.PageID) (int, error) {
	var count int

	pc := NewPageCursor(seg, first)

	for {
		page, err := pc.Next()
		if err != nil || page == storage.NullPageID {
			return count, err
		}
		count++
	}
}
