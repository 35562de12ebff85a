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
	"encoding/binary"
	"io"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/storage"
)

/*
StreamPageHeaderSize is the size of the header of each stream page. The
header holds the number of data bytes in the page.
*/
const StreamPageHeaderSize = 4

/*
OutputStream writes a byte stream into a chain of newly allocated pages of
a segment.
*/
type OutputStream struct {
	seg     Segment
	lock    *PageLock
	owner   storage.PageOwnerID
	first   storage.PageID
	current storage.PageID
	pos     int   // Data bytes in the current page
	written int64 // Total bytes written
	closed  bool
}

/*
NewOutputStream creates a new output stream on a segment. Pages are
allocated on the first write.
*/
func NewOutputStream(seg Segment, owner storage.PageOwnerID) *OutputStream {
	errorutil.AssertTrue(seg.UsablePageSize() > StreamPageHeaderSize, "Page size too small for streams")

	return &OutputStream{seg: seg, lock: NewPageLock(seg), owner: owner,
		first: storage.NullPageID, current: storage.NullPageID}
}

/*
FirstPageID returns the first page of the stream or NullPageID if nothing
was written yet.
*/
func (ost *OutputStream) FirstPageID() storage.PageID {
	return ost.first
}

/*
Written returns the number of bytes written.
*/
func (ost *OutputStream) Written() int64 {
	return ost.written
}

/*
nextPage allocates the next page of the chain.
*/
func (ost *OutputStream) nextPage() error {
	prev := ost.current

	id, err := ost.lock.AllocatePage(ost.owner)
	if err != nil {
		return err
	} else if id == storage.NullPageID {
		return storage.NewError(storage.ErrResourceExhausted, "Cannot allocate stream page", ost.seg.Name())
	}

	if prev != storage.NullPageID {
		if err := ost.seg.SetPageSuccessor(prev, id); err != nil {
			return err
		}
	} else {
		ost.first = id
	}

	ost.current = id
	ost.pos = 0

	return nil
}

/*
Write writes bytes into the stream.
*/
func (ost *OutputStream) Write(p []byte) (int, error) {
	errorutil.AssertTrue(!ost.closed, "Output stream is closed")

	var n int

	capacity := ost.seg.UsablePageSize() - StreamPageHeaderSize

	for len(p) > 0 {
		if ost.current == storage.NullPageID || ost.pos == capacity {
			if err := ost.nextPage(); err != nil {
				return n, err
			}
		}

		data := ost.lock.Data()

		c := copy(data[StreamPageHeaderSize+ost.pos:StreamPageHeaderSize+capacity], p)

		ost.pos += c
		binary.BigEndian.PutUint32(data, uint32(ost.pos))
		ost.lock.Dirty()

		p = p[c:]
		n += c
		ost.written += int64(c)
	}

	return n, nil
}

/*
Close releases the last page of the stream.
*/
func (ost *OutputStream) Close() error {
	ost.lock.Unlock()
	ost.closed = true
	return nil
}

/*
InputStream reads a byte stream from a chain of pages of a segment.
*/
type InputStream struct {
	lock   *PageLock
	cursor *PageCursor
	buf    []byte // Data of the current page
	pos    int    // Read position in buf
}

/*
NewInputStream creates a new input stream which reads the chain starting at
a given page.
*/
func NewInputStream(seg Segment, first storage.PageID) *InputStream {
	return &InputStream{lock: NewPageLock(seg), cursor: NewPageCursor(seg, first)}
}

/*
Read reads bytes from the stream.
*/
func (is *InputStream) Read(p []byte) (int, error) {
	for is.pos >= len(is.buf) {
		id, err := is.cursor.Next()
		if err != nil {
			return 0, err
		} else if id == storage.NullPageID {
			return 0, io.EOF
		}

		if err := is.lock.LockShared(id); err != nil {
			return 0, err
		}

		data := is.lock.Data()
		n := int(binary.BigEndian.Uint32(data))

		errorutil.AssertTrue(n <= len(data)-StreamPageHeaderSize, "Corrupted stream page")

		is.buf = append(is.buf[:0], data[StreamPageHeaderSize:StreamPageHeaderSize+n]...)
		is.pos = 0

		is.lock.Unlock()
	}

	n := copy(p, is.buf[is.pos:])
	is.pos += n

	return n, nil
}
