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
Package lcs contains a column store for row clusters.

A cluster is a chain of pages in a segment. Each page holds a block of rows
which is stored column by column. Rows are addressed by a RID which is
assigned in ascending order across the pages of a cluster.

Page layout (big endian):

	uint16 magic
	uint16 number of columns
	uint32 number of rows
	uint64 RID of the first row
	per column: uint32 offset of the column data, byte encoding
	column data

A column is either stored plain (all marshalled values one after another)
or dictionary compressed (byte count of distinct values, the distinct
marshalled values and one byte code per row). A column is dictionary
compressed if it has at most MaxDictionarySize distinct values on a page and
the compressed form is smaller.
*/
package lcs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/krotik/common/logutil"
	"github.com/krotik/segmentdb/tuple"
)

var logger = logutil.GetLogger("segmentdb.lcs")

/*
Cluster related errors
*/
var (
	ErrClusterFormat = errors.New("Invalid cluster page")
	ErrRowTooLarge   = errors.New("Row does not fit on a cluster page")
)

/*
ClusterPageMagic identifies cluster pages.
*/
const ClusterPageMagic = 0x4c43

/*
Page layout constants
*/
const (
	PageHeaderSize    = 16
	ColumnHeaderSize  = 5
	MaxDictionarySize = 255
)

/*
Column encodings
*/
const (
	EncodingPlain      = 0
	EncodingDictionary = 1
)

/*
columnBuilder collects the values of one column of a page.
*/
type columnBuilder struct {
	plain   []byte          // Marshalled values
	dict    map[string]byte // Codes of distinct values
	dictBuf []byte          // Marshalled distinct values in code order
	codes   []byte          // Code of each row
	noDict  bool            // Flag if the column has too many distinct values
}

/*
newColumnBuilder creates an empty column builder.
*/
func newColumnBuilder() *columnBuilder {
	return &columnBuilder{dict: make(map[string]byte)}
}

/*
size returns the encoded size of the column with an optional extra value.
*/
func (cb *columnBuilder) size(extra []byte) int {
	plain := len(cb.plain) + len(extra)

	if cb.noDict {
		return plain
	}

	dictValues := len(cb.dictBuf)
	codes := len(cb.codes)

	if extra != nil {
		codes++

		if _, ok := cb.dict[string(extra)]; !ok {
			if len(cb.dict) == MaxDictionarySize {
				return plain
			}
			dictValues += len(extra)
		}
	}

	return min(plain, 1+dictValues+codes)
}

/*
add adds a marshalled value to the column.
*/
func (cb *columnBuilder) add(value []byte) {
	cb.plain = append(cb.plain, value...)

	if cb.noDict {
		return
	}

	code, ok := cb.dict[string(value)]

	if !ok {
		if len(cb.dict) == MaxDictionarySize {
			cb.noDict = true
			cb.dict = nil
			cb.dictBuf = nil
			cb.codes = nil
			return
		}

		code = byte(len(cb.dict))
		cb.dict[string(value)] = code
		cb.dictBuf = append(cb.dictBuf, value...)
	}

	cb.codes = append(cb.codes, code)
}

/*
write writes the column data and returns the encoding and the number of
written bytes.
*/
func (cb *columnBuilder) write(buf []byte) (byte, int) {
	if !cb.noDict && 1+len(cb.dictBuf)+len(cb.codes) < len(cb.plain) {
		buf[0] = byte(len(cb.dict))
		n := 1 + copy(buf[1:], cb.dictBuf)
		n += copy(buf[n:], cb.codes)
		return EncodingDictionary, n
	}

	return EncodingPlain, copy(buf, cb.plain)
}

/*
pageBuilder collects rows for a single cluster page.
*/
type pageBuilder struct {
	desc     tuple.Descriptor // Columns of the cluster
	capacity int              // Usable page size
	startRID uint64           // RID of the first row
	nRows    int              // Number of collected rows
	cols     []*columnBuilder // Column data
}

/*
newPageBuilder creates a new page builder.
*/
func newPageBuilder(desc tuple.Descriptor, capacity int) *pageBuilder {
	pb := &pageBuilder{desc: desc, capacity: capacity}
	pb.reset(0)
	return pb
}

/*
reset removes all rows from the builder.
*/
func (pb *pageBuilder) reset(startRID uint64) {
	pb.startRID = startRID
	pb.nRows = 0
	pb.cols = make([]*columnBuilder, len(pb.desc))

	for i := range pb.cols {
		pb.cols[i] = newColumnBuilder()
	}
}

/*
encodeRow marshals the values of a row.
*/
func (pb *pageBuilder) encodeRow(t tuple.Data) ([][]byte, error) {
	if len(t) != len(pb.desc) {
		return nil, fmt.Errorf("%w: expected %v values got %v", tuple.ErrTypeMismatch, len(pb.desc), len(t))
	}

	ret := make([][]byte, len(t))

	for i, a := range pb.desc {
		size, err := a.ValueSize(t[i])
		if err != nil {
			return nil, err
		}

		ret[i] = make([]byte, size)

		if _, err := a.MarshalValue(t[i], ret[i]); err != nil {
			return nil, err
		}
	}

	return ret, nil
}

/*
fits checks if an encoded row fits on the page.
*/
func (pb *pageBuilder) fits(row [][]byte) bool {
	size := PageHeaderSize + ColumnHeaderSize*len(pb.desc)

	for i, cb := range pb.cols {
		size += cb.size(row[i])
	}

	return size <= pb.capacity
}

/*
add adds an encoded row to the page.
*/
func (pb *pageBuilder) add(row [][]byte) {
	for i, cb := range pb.cols {
		cb.add(row[i])
	}
	pb.nRows++
}

/*
write writes the page into a buffer.
*/
func (pb *pageBuilder) write(buf []byte) {
	binary.BigEndian.PutUint16(buf, ClusterPageMagic)
	binary.BigEndian.PutUint16(buf[2:], uint16(len(pb.desc)))
	binary.BigEndian.PutUint32(buf[4:], uint32(pb.nRows))
	binary.BigEndian.PutUint64(buf[8:], pb.startRID)

	pos := PageHeaderSize + ColumnHeaderSize*len(pb.desc)

	for i, cb := range pb.cols {
		enc, n := cb.write(buf[pos:])

		hdr := buf[PageHeaderSize+i*ColumnHeaderSize:]
		binary.BigEndian.PutUint32(hdr, uint32(pos))
		hdr[4] = enc

		pos += n
	}
}

/*
pageInfo returns the number of rows and the first RID of a cluster page.
*/
func pageInfo(data []byte, nColumns int) (int, uint64, error) {
	if len(data) < PageHeaderSize+ColumnHeaderSize*nColumns ||
		binary.BigEndian.Uint16(data) != ClusterPageMagic {
		return 0, 0, fmt.Errorf("%w: bad magic", ErrClusterFormat)
	}

	if n := int(binary.BigEndian.Uint16(data[2:])); n != nColumns {
		return 0, 0, fmt.Errorf("%w: page has %v columns expected %v", ErrClusterFormat, n, nColumns)
	}

	return int(binary.BigEndian.Uint32(data[4:])), binary.BigEndian.Uint64(data[8:]), nil
}

/*
readPage decodes all rows of a cluster page.
*/
func readPage(data []byte, desc tuple.Descriptor) (uint64, []tuple.Data, error) {
	nRows, startRID, err := pageInfo(data, len(desc))
	if err != nil {
		return 0, nil, err
	}

	rows := make([]tuple.Data, nRows)
	for i := range rows {
		rows[i] = make(tuple.Data, len(desc))
	}

	for c, a := range desc {
		hdr := data[PageHeaderSize+c*ColumnHeaderSize:]
		pos := int(binary.BigEndian.Uint32(hdr))

		if pos > len(data) {
			return 0, nil, fmt.Errorf("%w: column %v offset %v", ErrClusterFormat, a.Name, pos)
		}

		switch hdr[4] {

		case EncodingPlain:
			for r := 0; r < nRows; r++ {
				v, n, err := a.UnmarshalValue(data[pos:])
				if err != nil {
					return 0, nil, err
				}

				rows[r][c] = v
				pos += n
			}

		case EncodingDictionary:
			if pos >= len(data) {
				return 0, nil, fmt.Errorf("%w: column %v dictionary", ErrClusterFormat, a.Name)
			}

			dict := make([]interface{}, data[pos])
			pos++

			for i := range dict {
				v, n, err := a.UnmarshalValue(data[pos:])
				if err != nil {
					return 0, nil, err
				}

				dict[i] = v
				pos += n
			}

			if pos+nRows > len(data) {
				return 0, nil, fmt.Errorf("%w: column %v codes", ErrClusterFormat, a.Name)
			}

			for r := 0; r < nRows; r++ {
				code := int(data[pos+r])

				if code >= len(dict) {
					return 0, nil, fmt.Errorf("%w: column %v code %v", ErrClusterFormat, a.Name, code)
				}

				rows[r][c] = copyValue(dict[code])
			}

		default:
			return 0, nil, fmt.Errorf("%w: column %v encoding %v", ErrClusterFormat, a.Name, hdr[4])
		}
	}

	return startRID, rows, nil
}

/*
copyValue copies binary values which are shared through a dictionary.
*/
func copyValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v
}

/*
ColumnEncodings returns the encoding of each column of a cluster page.
*/
func ColumnEncodings(data []byte, nColumns int) ([]byte, error) {
	if _, _, err := pageInfo(data, nColumns); err != nil {
		return nil, err
	}

	ret := make([]byte, nColumns)

	for c := range ret {
		ret[c] = data[PageHeaderSize+c*ColumnHeaderSize+4]
	}

	return ret, nil
}
