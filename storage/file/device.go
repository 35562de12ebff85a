/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package file

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/krotik/common/sortutil"
	"github.com/krotik/segmentdb/storage"
)

/*
DefaultBlockSize is the default size of a block in bytes
*/
const DefaultBlockSize = 4096

/*
Device is a store of fixed size blocks.
*/
type Device interface {

	/*
		Name returns the name of the device.
	*/
	Name() string

	/*
		BlockSize returns the size of a single block.
	*/
	BlockSize() int

	/*
		SizeInBlocks returns the number of blocks of the device.
	*/
	SizeInBlocks() uint64

	/*
		SetSizeInBlocks grows or truncates the device.
	*/
	SetSizeInBlocks(n uint64) error

	/*
		ReadBlock fills the data of a given record from the block with the
		record's id.
	*/
	ReadBlock(record *Record) error

	/*
		WriteBlocks writes a batch of records to their blocks.
	*/
	WriteBlocks(records []*Record) error

	/*
		Sync makes sure all written blocks are persisted.
	*/
	Sync() error

	/*
		Close closes the device.
	*/
	Close() error
}

/*
Special access values to simulate device errors
*/
const (
	AccessReadError  = 1
	AccessWriteError = 2
)

/*
MemoryDevice is a device which keeps all its blocks in memory.
*/
type MemoryDevice struct {
	name      string
	blockSize int
	size      uint64
	blocks    map[uint64][]byte
	mutex     *sync.Mutex

	Reads     int            // Number of read operations
	Writes    int            // Number of written blocks
	Syncs     int            // Number of sync operations
	AccessMap map[uint64]int // Special map to simulate access issues
}

/*
NewMemoryDevice creates a new in-memory device.
*/
func NewMemoryDevice(name string, blockSize int, sizeInBlocks uint64) *MemoryDevice {
	return &MemoryDevice{name, blockSize, sizeInBlocks, make(map[uint64][]byte),
		&sync.Mutex{}, 0, 0, 0, make(map[uint64]int)}
}

/*
Name returns the name of the device.
*/
func (md *MemoryDevice) Name() string {
	return md.name
}

/*
BlockSize returns the size of a single block.
*/
func (md *MemoryDevice) BlockSize() int {
	return md.blockSize
}

/*
SizeInBlocks returns the number of blocks of the device.
*/
func (md *MemoryDevice) SizeInBlocks() uint64 {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	return md.size
}

/*
SetSizeInBlocks grows or truncates the device.
*/
func (md *MemoryDevice) SetSizeInBlocks(n uint64) error {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	for id := range md.blocks {
		if id >= n {
			delete(md.blocks, id)
		}
	}
	md.size = n

	return nil
}

/*
ReadBlock fills the data of a given record.
*/
func (md *MemoryDevice) ReadBlock(record *Record) error {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	id := record.ID()

	if md.AccessMap[id] == AccessReadError {
		return storage.NewError(storage.ErrRead, fmt.Sprint("Block ", id), md.name)
	} else if id >= md.size {
		return storage.NewError(storage.ErrBlockOutOfRange, fmt.Sprint("Block ", id), md.name)
	}

	md.Reads++

	if data, ok := md.blocks[id]; ok {
		copy(record.Data(), data)
	} else {
		record.ClearData()
	}

	record.ClearDirty()

	return nil
}

/*
WriteBlocks writes a batch of records. Either all or none of the records are
written.
*/
func (md *MemoryDevice) WriteBlocks(records []*Record) error {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	for _, record := range records {
		id := record.ID()

		if md.AccessMap[id] == AccessWriteError {
			return storage.NewError(storage.ErrWrite, fmt.Sprint("Block ", id), md.name)
		} else if id >= md.size {
			return storage.NewError(storage.ErrBlockOutOfRange, fmt.Sprint("Block ", id), md.name)
		}
	}

	for _, record := range records {
		data, ok := md.blocks[record.ID()]
		if !ok {
			data = make([]byte, md.blockSize)
			md.blocks[record.ID()] = data
		}
		copy(data, record.Data())
		record.ClearDirty()
		md.Writes++
	}

	return nil
}

/*
Sync does nothing for a memory device apart from counting.
*/
func (md *MemoryDevice) Sync() error {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	md.Syncs++

	return nil
}

/*
Close does nothing for a memory device. The blocks stay available so the
device can be registered again.
*/
func (md *MemoryDevice) Close() error {
	return nil
}

/*
String returns a string representation of a MemoryDevice.
*/
func (md *MemoryDevice) String() string {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	buf := new(bytes.Buffer)

	buf.WriteString(fmt.Sprintf("MemoryDevice %v (blockSize:%v size:%v)\n",
		md.name, md.blockSize, md.size))

	var keys []uint64
	for k := range md.blocks {
		keys = append(keys, k)
	}
	sortutil.UInt64s(keys)

	buf.WriteString("Written blocks: ")
	buf.WriteString(fmt.Sprint(keys))
	buf.WriteString("\n")

	return buf.String()
}
