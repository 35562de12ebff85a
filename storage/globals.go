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
Package storage contains the identifiers and errors which are shared by all
layers of the page storage.

Block and page identifiers

A BlockID identifies a physical block on a device. It is a compound id which
packs a DeviceID into the upper 12 bits and a BlockNum into the lower 52 bits
of a 64 bit value. A PageID identifies a logical page inside a segment. How a
PageID maps to a BlockID depends on the allocation order of the segment:
linear segments use dense page numbers starting at 0, all other segments use
the compound encoding of the block the page was allocated on.

Subpackages

file - block devices (file backed and in-memory) and the device journal.

cache - the page cache which maps blocks to in-memory pages.

segment - virtualized page address spaces on top of the cache.
*/
package storage

import (
	"errors"
	"fmt"
	"math"
)

/*
DeviceID identifies a block device which is registered with the cache.
*/
type DeviceID uint32

/*
BlockNum is the number of a block on a device.
*/
type BlockNum uint64

/*
BlockID identifies a physical block (device and block number).
*/
type BlockID uint64

/*
PageID identifies a logical page inside a segment.
*/
type PageID uint64

/*
PageOwnerID identifies the object which owns a page.
*/
type PageOwnerID uint64

/*
Bit layout of compound ids
*/
const (
	DeviceIDBits = 12
	BlockNumBits = 64 - DeviceIDBits
	MaxDeviceID  = DeviceID(1<<DeviceIDBits - 1)
	MaxBlockNum  = BlockNum(1<<BlockNumBits - 1)
)

/*
Reserved identifiers
*/
const (
	NullBlockID     = BlockID(math.MaxUint64)
	NullPageID      = PageID(math.MaxUint64)
	AnonPageOwnerID = PageOwnerID(0)
)

/*
NewBlockID creates a compound block id from a device id and a block number.
*/
func NewBlockID(dev DeviceID, num BlockNum) BlockID {
	if dev > MaxDeviceID || num > MaxBlockNum {
		panic(fmt.Sprintf("Compound id out of range: device %v block %v", dev, num))
	}
	return BlockID(uint64(dev)<<BlockNumBits | uint64(num))
}

/*
DeviceID returns the device part of a compound block id.
*/
func (b BlockID) DeviceID() DeviceID {
	return DeviceID(uint64(b) >> BlockNumBits)
}

/*
BlockNum returns the block number part of a compound block id.
*/
func (b BlockID) BlockNum() BlockNum {
	return BlockNum(uint64(b) & uint64(MaxBlockNum))
}

/*
String returns a string representation of a block id.
*/
func (b BlockID) String() string {
	if b == NullBlockID {
		return "NULL"
	}
	return fmt.Sprintf("%v:%v", b.DeviceID(), b.BlockNum())
}

/*
String returns a string representation of a page id.
*/
func (p PageID) String() string {
	if p == NullPageID {
		return "NULL"
	}
	return fmt.Sprint(uint64(p))
}

/*
Common storage related errors.
*/
var (
	ErrCacheFull         = errors.New("Cache is full")
	ErrPagePinned        = errors.New("Page is pinned")
	ErrNoDevice          = errors.New("Device not registered")
	ErrDeviceExists      = errors.New("Device already registered")
	ErrBlockOutOfRange   = errors.New("Block out of range")
	ErrChecksum          = errors.New("Page checksum mismatch")
	ErrBadFooter         = errors.New("Page footer is invalid")
	ErrRead              = errors.New("Read error")
	ErrWrite             = errors.New("Write error")
	ErrClosed            = errors.New("Already closed")
	ErrLocked            = errors.New("Device is locked by another process")
	ErrSegmentFormat     = errors.New("Segment format is invalid")
	ErrSnapshotConflict  = errors.New("Page was updated by a newer transaction")
	ErrResourceExhausted = errors.New("Resource exhausted")
)

/*
Error is a storage related error.
*/
type Error struct {
	Type   error
	Detail string
	Name   string
}

/*
NewError returns a new storage specific error.
*/
func NewError(errType error, detail string, name string) *Error {
	return &Error{errType, detail, name}
}

/*
Error returns a string representation of the error.
*/
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s - %s)", e.Type.Error(), e.Name, e.Detail)
}

/*
Unwrap returns the error type so errors.Is can match the sentinel.
*/
func (e *Error) Unwrap() error {
	return e.Type
}
