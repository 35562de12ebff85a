/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package lcs

import (
	"fmt"
	"io"

	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/segment"
	"github.com/krotik/segmentdb/tuple"
)

/*
Writer appends rows to a cluster.
*/
type Writer struct {
	seg      segment.Segment     // Segment of the cluster
	owner    storage.PageOwnerID // Owner of new pages
	desc     tuple.Descriptor    // Columns of the cluster
	builder  *pageBuilder        // Rows of the next page
	lock     *segment.PageLock   // Lock for page writes
	root     storage.PageID      // First page of the cluster
	last     storage.PageID      // Last page of the cluster
	startRID uint64              // RID of the first appended row
	nextRID  uint64              // RID of the next row
	pages    int                 // Number of written pages
}

/*
NewWriter creates a new cluster writer. If root is NullPageID a new cluster
is created, otherwise rows are appended to the existing cluster.
*/
func NewWriter(seg segment.Segment, owner storage.PageOwnerID, desc tuple.Descriptor,
	root storage.PageID) (*Writer, error) {

	w := &Writer{seg: seg, owner: owner, desc: desc,
		builder: newPageBuilder(desc, seg.UsablePageSize()),
		lock:    segment.NewPageLock(seg), root: root, last: storage.NullPageID}

	if root != storage.NullPageID {
		pc := segment.NewPageCursor(seg, root)

		for {
			id, err := pc.Next()
			if err != nil {
				return nil, err
			} else if id == storage.NullPageID {
				break
			}
			w.last = id
		}

		if err := w.lock.LockShared(w.last); err != nil {
			return nil, err
		}

		nRows, startRID, err := pageInfo(w.lock.Data(), len(desc))

		w.lock.Unlock()

		if err != nil {
			return nil, err
		}

		w.nextRID = startRID + uint64(nRows)
	}

	w.startRID = w.nextRID
	w.builder.reset(w.nextRID)

	return w, nil
}

/*
Root returns the first page of the cluster. This is NullPageID for a new
cluster without rows.
*/
func (w *Writer) Root() storage.PageID {
	return w.root
}

/*
StartRID returns the RID of the first row appended by this writer.
*/
func (w *Writer) StartRID() uint64 {
	return w.startRID
}

/*
RowCount returns the number of rows appended by this writer.
*/
func (w *Writer) RowCount() uint64 {
	return w.nextRID - w.startRID
}

/*
Pages returns the number of pages written by this writer.
*/
func (w *Writer) Pages() int {
	return w.pages
}

/*
Append appends a row to the cluster. Full pages are written to the segment.
*/
func (w *Writer) Append(t tuple.Data) error {
	row, err := w.builder.encodeRow(t)
	if err != nil {
		return err
	}

	if !w.builder.fits(row) {
		if w.builder.nRows == 0 {
			return fmt.Errorf("%w: page size %v", ErrRowTooLarge, w.seg.UsablePageSize())
		}

		if err := w.Flush(); err != nil {
			return err
		}

		if !w.builder.fits(row) {
			return fmt.Errorf("%w: page size %v", ErrRowTooLarge, w.seg.UsablePageSize())
		}
	}

	w.builder.add(row)
	w.nextRID++

	return nil
}

/*
Flush writes the collected rows into a new page of the cluster.
*/
func (w *Writer) Flush() error {
	if w.builder.nRows == 0 {
		return nil
	}

	id, err := w.lock.AllocatePage(w.owner)
	if err != nil {
		return err
	} else if id == storage.NullPageID {
		return storage.NewError(storage.ErrResourceExhausted, "Cannot allocate cluster page", w.seg.Name())
	}

	data := w.lock.Data()
	for i := range data {
		data[i] = 0
	}

	w.builder.write(data)
	w.lock.Dirty()
	w.lock.Unlock()

	if w.last != storage.NullPageID {
		if err := w.seg.SetPageSuccessor(w.last, id); err != nil {
			return err
		}
	} else {
		w.root = id
	}

	logger.Debug(fmt.Sprintf("Wrote cluster page %v with %v rows (RID %v)", id,
		w.builder.nRows, w.builder.startRID))

	w.last = id
	w.pages++
	w.builder.reset(w.nextRID)

	return nil
}

/*
Reader reads the rows of a cluster.
*/
type Reader struct {
	seg    segment.Segment     // Segment of the cluster
	desc   tuple.Descriptor    // Columns of the cluster
	cursor *segment.PageCursor // Cursor over the page chain
	lock   *segment.PageLock   // Lock for page reads
	rows   []tuple.Data        // Rows of the current page
	pos    int                 // Next row of the current page
	rid    uint64              // RID of the first row of the current page
}

/*
NewReader creates a new cluster reader.
*/
func NewReader(seg segment.Segment, desc tuple.Descriptor, root storage.PageID) *Reader {
	return &Reader{seg: seg, desc: desc, cursor: segment.NewPageCursor(seg, root),
		lock: segment.NewPageLock(seg)}
}

/*
Next returns the next row and its RID. Returns io.EOF after the last row.
*/
func (r *Reader) Next() (uint64, tuple.Data, error) {
	for r.pos >= len(r.rows) {
		id, err := r.cursor.Next()
		if err != nil {
			return 0, nil, err
		} else if id == storage.NullPageID {
			return 0, nil, io.EOF
		}

		if err := r.lock.LockShared(id); err != nil {
			return 0, nil, err
		}

		r.rid, r.rows, err = readPage(r.lock.Data(), r.desc)

		r.lock.Unlock()

		if err != nil {
			return 0, nil, err
		}

		r.pos = 0
	}

	row := r.rows[r.pos]
	rid := r.rid + uint64(r.pos)

	r.pos++

	return rid, row, nil
}

/*
Peek returns the next row without moving past it.
*/
func (r *Reader) Peek() (uint64, tuple.Data, error) {
	rid, row, err := r.Next()
	if err == nil {
		r.pos--
	}
	return rid, row, err
}

/*
Reset moves the reader before the first row.
*/
func (r *Reader) Reset() {
	r.cursor.Reset()
	r.rows = nil
	r.pos = 0
}
