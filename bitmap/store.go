/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package bitmap

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/segment"
	"github.com/krotik/segmentdb/tuple"
)

/*
EntryStore stores entries in page chains of a segment.
*/
type EntryStore struct {
	seg   segment.Segment     // Segment of the page chains
	owner storage.PageOwnerID // Owner of new pages
}

/*
NewEntryStore creates a new entry store.
*/
func NewEntryStore(seg segment.Segment, owner storage.PageOwnerID) *EntryStore {
	return &EntryStore{seg, owner}
}

/*
Segment returns the segment of the store.
*/
func (es *EntryStore) Segment() segment.Segment {
	return es.seg
}

/*
NewWriter creates a writer for a new page chain.
*/
func (es *EntryStore) NewWriter() *EntryWriter {
	return &EntryWriter{out: segment.NewOutputStream(es.seg, es.owner)}
}

/*
NewIterator creates an iterator over the entries of a page chain.
*/
func (es *EntryStore) NewIterator(first storage.PageID) *EntryIterator {
	it := &EntryIterator{}

	if first != storage.NullPageID {
		it.reader = bufio.NewReader(segment.NewInputStream(es.seg, first))
	}

	return it
}

/*
Free releases the pages of a page chain.
*/
func (es *EntryStore) Free(first storage.PageID) error {
	if first == storage.NullPageID {
		return nil
	}
	return es.seg.DeallocatePageRange(first, storage.NullPageID)
}

/*
EntryWriter writes entries into a page chain.
*/
type EntryWriter struct {
	out     *segment.OutputStream // Stream of the page chain
	buf     []byte                // Marshalling buffer
	written int                   // Number of written entries
}

/*
Write appends an entry to the page chain.
*/
func (ew *EntryWriter) Write(e Entry) error {
	t, err := e.Tuple()
	if err != nil {
		return err
	}

	size, err := EntryDescriptor.MarshalledSize(t)
	if err != nil {
		return err
	}

	if len(ew.buf) < size {
		ew.buf = make([]byte, size)
	}

	n, err := EntryDescriptor.Marshal(t, ew.buf)
	if err != nil {
		return err
	}

	if _, err = ew.out.Write(ew.buf[:n]); err == nil {
		ew.written++
	}

	return err
}

/*
Written returns the number of written entries.
*/
func (ew *EntryWriter) Written() int {
	return ew.written
}

/*
Close finishes the page chain and returns its first page. The first page is
NullPageID if no entry was written.
*/
func (ew *EntryWriter) Close() (storage.PageID, error) {
	err := ew.out.Close()
	return ew.out.FirstPageID(), err
}

/*
EntryIterator reads the entries of a page chain.
*/
type EntryIterator struct {
	reader *bufio.Reader // Reader of the page chain
	buf    []byte        // Unmarshalling buffer
}

/*
Next returns the next entry. Returns io.EOF after the last entry.
*/
func (ei *EntryIterator) Next() (Entry, error) {
	if ei.reader == nil {
		return Entry{}, io.EOF
	}

	header, err := ei.reader.Peek(tuple.HeaderSize)
	if errors.Is(err, io.EOF) && len(header) == 0 {
		return Entry{}, io.EOF
	} else if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	l, _ := tuple.MarshalledLength(header)

	if l < tuple.HeaderSize {
		return Entry{}, fmt.Errorf("%w: length %v", ErrInvalidEntry, l)
	}

	if len(ei.buf) < l {
		ei.buf = make([]byte, l)
	}

	if _, err := io.ReadFull(ei.reader, ei.buf[:l]); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	t, _, err := EntryDescriptor.Unmarshal(ei.buf[:l])
	if err != nil {
		return Entry{}, err
	}

	return EntryFromTuple(t)
}
