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
Package file deals with block devices and the device journal.

Device

A Device stores fixed size blocks. Each block is addressed by its block
number. The page cache reads single blocks and writes batches of blocks
during checkpoints.

FileDevice

FileDevice stores the blocks of a device on disk. On disk a device might be
split into several smaller files. Access to the files of a device is guarded
by a lock file and writes can be throttled. Every batch of blocks is written
to a journal before it is applied to the device files. Should the process
crash while a batch is applied, then the journal is replayed when the device
is opened the next time.

MemoryDevice

MemoryDevice keeps all blocks in memory and provides error simulation
facilities for tests.

Record

A record is the in-memory buffer of a single block. It is a wrapper data
structure for a byte slice which provides read and write methods for several
data types.
*/
package file

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/krotik/common/bitutil"
)

/*
Size constants for values in a record
*/
const (
	SizeByte          = 1
	SizeUnsignedShort = 2
	SizeUnsignedInt   = 4
	SizeLong          = 8
	SizeDouble        = 8
)

/*
Record data structure
*/
type Record struct {
	id    uint64 // Block number of the record
	data  []byte // Data of the block
	dirty bool   // Flag to indicate change
}

/*
NewRecord creates a new Record and returns a pointer to it.
*/
func NewRecord(id uint64, data []byte) *Record {
	return &Record{id, data, false}
}

/*
ID returns the block number of a Record.
*/
func (r *Record) ID() uint64 {
	return r.id
}

/*
SetID changes the block number of a Record.
*/
func (r *Record) SetID(id uint64) {
	r.id = id
}

/*
Data returns the raw data of a Record.
*/
func (r *Record) Data() []byte {
	return r.data
}

/*
Dirty returns the dirty flag of a Record.
*/
func (r *Record) Dirty() bool {
	return r.dirty
}

/*
SetDirty sets the dirty flag of a Record.
*/
func (r *Record) SetDirty() {
	r.dirty = true
}

/*
ClearDirty clears the dirty flag of a Record.
*/
func (r *Record) ClearDirty() {
	r.dirty = false
}

/*
ClearData zeroes the data of a Record.
*/
func (r *Record) ClearData() {
	clear(r.data)
	r.ClearDirty()
}

/*
String prints a string representation the Record.
*/
func (r *Record) String() string {
	return fmt.Sprintf("Record: %v (dirty:%v len:%v)\n%v",
		r.id, r.dirty, len(r.data), bitutil.HexDump(r.data))
}

// Read and Write functions
// ========================

/*
ReadSingleByte reads a byte from a Record.
*/
func (r *Record) ReadSingleByte(pos int) byte {
	return r.data[pos]
}

/*
WriteSingleByte writes a byte to a Record.
*/
func (r *Record) WriteSingleByte(pos int, value byte) {
	r.data[pos] = value
	r.SetDirty()
}

/*
ReadUInt16 reads a 16-bit unsigned integer from a Record.
*/
func (r *Record) ReadUInt16(pos int) uint16 {
	return binary.BigEndian.Uint16(r.data[pos:])
}

/*
WriteUInt16 writes a 16-bit unsigned integer to a Record.
*/
func (r *Record) WriteUInt16(pos int, value uint16) {
	binary.BigEndian.PutUint16(r.data[pos:], value)
	r.SetDirty()
}

/*
ReadUInt32 reads a 32-bit unsigned integer from a Record.
*/
func (r *Record) ReadUInt32(pos int) uint32 {
	return binary.BigEndian.Uint32(r.data[pos:])
}

/*
WriteUInt32 writes a 32-bit unsigned integer to a Record.
*/
func (r *Record) WriteUInt32(pos int, value uint32) {
	binary.BigEndian.PutUint32(r.data[pos:], value)
	r.SetDirty()
}

/*
ReadUInt64 reads a 64-bit unsigned integer from a Record.
*/
func (r *Record) ReadUInt64(pos int) uint64 {
	return binary.BigEndian.Uint64(r.data[pos:])
}

/*
WriteUInt64 writes a 64-bit unsigned integer to a Record.
*/
func (r *Record) WriteUInt64(pos int, value uint64) {
	binary.BigEndian.PutUint64(r.data[pos:], value)
	r.SetDirty()
}

/*
ReadInt64 reads a 64-bit signed integer from a Record.
*/
func (r *Record) ReadInt64(pos int) int64 {
	return int64(r.ReadUInt64(pos))
}

/*
WriteInt64 writes a 64-bit signed integer to a Record.
*/
func (r *Record) WriteInt64(pos int, value int64) {
	r.WriteUInt64(pos, uint64(value))
}

/*
ReadFloat64 reads a 64-bit floating point number from a Record.
*/
func (r *Record) ReadFloat64(pos int) float64 {
	return math.Float64frombits(r.ReadUInt64(pos))
}

/*
WriteFloat64 writes a 64-bit floating point number to a Record.
*/
func (r *Record) WriteFloat64(pos int, value float64) {
	r.WriteUInt64(pos, math.Float64bits(value))
}

/*
MarshalBinary returns a binary representation of a Record.
*/
func (r *Record) MarshalBinary() (data []byte, err error) {
	buf := new(bytes.Buffer)

	// Using a normal memory buffer this should always succeed
	r.WriteRecord(buf)

	return buf.Bytes(), nil
}

/*
WriteRecord writes a record to an io.Writer.
*/
func (r *Record) WriteRecord(iow io.Writer) error {
	if err := binary.Write(iow, binary.LittleEndian, r.id); err != nil {
		return err
	}

	if err := binary.Write(iow, binary.LittleEndian, int64(len(r.data))); err != nil {
		return err
	}

	_, err := iow.Write(r.data)

	return err
}

/*
UnmarshalBinary decodes a record from a binary blob.
*/
func (r *Record) UnmarshalBinary(data []byte) error {
	return r.ReadRecord(bytes.NewReader(data))
}

/*
ReadRecord decodes a record by reading from an io.Reader.
*/
func (r *Record) ReadRecord(ior io.Reader) error {
	if err := binary.Read(ior, binary.LittleEndian, &r.id); err != nil {
		return err
	}

	var l int64
	if err := binary.Read(ior, binary.LittleEndian, &l); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	r.data = make([]byte, l)
	r.dirty = false

	i, err := io.ReadFull(ior, r.data)

	if int64(i) != l {
		return io.ErrUnexpectedEOF
	}

	return err
}

/*
ReadRecord decodes a record by reading from an io.Reader.
*/
func ReadRecord(ior io.Reader) (*Record, error) {
	r := NewRecord(0, nil)
	if err := r.ReadRecord(ior); err != nil {
		return nil, err
	}
	return r, nil
}
