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
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/krotik/common/fileutil"
	"github.com/krotik/segmentdb/storage"
)

const DBDir = "filedevicetest"

const InvalidFileName = "**" + "\x00"

func TestMain(m *testing.M) {
	flag.Parse()

	// Setup
	if res, _ := fileutil.PathExists(DBDir); res {
		os.RemoveAll(DBDir)
	}

	err := os.Mkdir(DBDir, 0770)
	if err != nil {
		fmt.Print("Could not create test directory:", err.Error())
		os.Exit(1)
	}

	// Run the tests
	res := m.Run()

	// Teardown
	err = os.RemoveAll(DBDir)
	if err != nil {
		fmt.Print("Could not remove test directory:", err.Error())
	}

	os.Exit(res)
}

func TestFileDeviceInitialisation(t *testing.T) {

	// \0 and / are the only illegal characters for filenames in unix

	if _, err := OpenFileDevice(DBDir+"/"+InvalidFileName,
		FileDeviceOptions{LockfileDisabled: true}); err == nil {
		t.Error("Invalid name should cause an error")
		return
	}

	if _, err := OpenFileDevice(DBDir+"/small", FileDeviceOptions{BlockSize: 10,
		MaxFileSize: 5, LockfileDisabled: true}); err == nil {
		t.Error("Max file size smaller than a block should cause an error")
		return
	}

	fd, err := OpenFileDevice(DBDir+"/test1", FileDeviceOptions{})
	if err != nil {
		t.Error(err)
		return
	}

	if fd.Name() != DBDir+"/test1" || fd.BlockSize() != DefaultBlockSize {
		t.Error("Unexpected device attributes:", fd.Name(), fd.BlockSize())
		return
	}

	if fd.SizeInBlocks() != 0 {
		t.Error("New device should be empty")
		return
	}

	if res, _ := fileutil.PathExists(DBDir + "/test1.lck"); !res {
		t.Error("Lock file should exist")
		return
	}

	if res, _ := fileutil.PathExists(DBDir + "/test1.jnl"); !res {
		t.Error("Journal should exist")
		return
	}

	if err := fd.Close(); err != nil {
		t.Error(err)
		return
	}

	if err := fd.Close(); !errors.Is(err, storage.ErrClosed) {
		t.Error("Unexpected result of second close:", err)
		return
	}
}

func TestFileDeviceReadWrite(t *testing.T) {
	fd, err := OpenFileDevice(DBDir+"/test2", FileDeviceOptions{BlockSize: 16,
		MaxFileSize: 40, LockfileDisabled: true})
	if err != nil {
		t.Error(err)
		return
	}

	// A physical file can hold 2 blocks

	if fd.maxFileSize != 32 {
		t.Error("Unexpected max file size:", fd.maxFileSize)
		return
	}

	r := NewRecord(3, make([]byte, 16))
	r.WriteUInt64(0, 0x42)

	if err := fd.WriteBlocks([]*Record{r}); !errors.Is(err, storage.ErrBlockOutOfRange) {
		t.Error("Writing beyond the device size should fail:", err)
		return
	}

	if err := fd.SetSizeInBlocks(5); err != nil {
		t.Error(err)
		return
	}

	r2 := NewRecord(0, make([]byte, 16))
	r2.WriteUInt64(8, 0x43)

	if err := fd.WriteBlocks([]*Record{r, r2}); err != nil {
		t.Error(err)
		return
	}

	if r.Dirty() || r2.Dirty() {
		t.Error("Written records should not be dirty")
		return
	}

	if err := fd.Sync(); err != nil {
		t.Error(err)
		return
	}

	for i := 0; i < 3; i++ {
		if res, _ := fileutil.PathExists(fmt.Sprintf("%v/test2.%v", DBDir, i)); !res {
			t.Error("Physical file should exist:", i)
			return
		}
	}

	check := NewRecord(3, make([]byte, 16))
	if err := fd.ReadBlock(check); err != nil || check.ReadUInt64(0) != 0x42 {
		t.Error("Unexpected read result:", err, check)
		return
	}

	check.SetID(4)
	if err := fd.ReadBlock(check); err != nil || check.ReadUInt64(0) != 0 {
		t.Error("Unwritten block should be empty:", err, check)
		return
	}

	check.SetID(5)
	if err := fd.ReadBlock(check); !errors.Is(err, storage.ErrBlockOutOfRange) {
		t.Error("Unexpected read result:", err)
		return
	}

	if err := fd.Close(); err != nil {
		t.Error(err)
		return
	}

	// Size is detected from the physical files

	fd, err = OpenFileDevice(DBDir+"/test2", FileDeviceOptions{BlockSize: 16,
		MaxFileSize: 40, LockfileDisabled: true})
	if err != nil {
		t.Error(err)
		return
	}

	if fd.SizeInBlocks() != 5 {
		t.Error("Unexpected size:", fd.SizeInBlocks())
		return
	}

	check.SetID(0)
	if err := fd.ReadBlock(check); err != nil || check.ReadUInt64(8) != 0x43 {
		t.Error("Unexpected read result:", err, check)
		return
	}

	if err := fd.SetSizeInBlocks(1); err != nil {
		t.Error(err)
		return
	}

	check.SetID(3)
	if err := fd.ReadBlock(check); !errors.Is(err, storage.ErrBlockOutOfRange) {
		t.Error("Unexpected read result:", err)
		return
	}

	if !strings.Contains(fd.String(), "size:1") {
		t.Error("Unexpected string representation:", fd.String())
	}

	fd.Close()
}

func TestFileDeviceJournalRecovery(t *testing.T) {
	name := DBDir + "/test3"

	fd, err := OpenFileDevice(name, FileDeviceOptions{BlockSize: 8, LockfileDisabled: true})
	if err != nil {
		t.Error(err)
		return
	}

	fd.SetSizeInBlocks(4)

	r := NewRecord(2, make([]byte, 8))
	r.WriteUInt64(0, 0x1234)

	// Simulate a crash after the batch was logged

	if err := fd.journal.Log([]*Record{r}); err != nil {
		t.Error(err)
		return
	}

	fd.journal.Close()
	fd.journal = nil
	fd.Close()

	check := NewRecord(2, make([]byte, 8))

	fd, err = OpenFileDevice(name, FileDeviceOptions{BlockSize: 8,
		LockfileDisabled: true, JournalDisabled: true})
	if err != nil {
		t.Error(err)
		return
	}

	if err := fd.ReadBlock(check); err != nil || check.ReadUInt64(0) != 0 {
		t.Error("Block should not have been written yet:", err, check)
		return
	}
	fd.Close()

	fd, err = OpenFileDevice(name, FileDeviceOptions{BlockSize: 8, LockfileDisabled: true})
	if err != nil {
		t.Error(err)
		return
	}

	if err := fd.ReadBlock(check); err != nil || check.ReadUInt64(0) != 0x1234 {
		t.Error("Block should have been recovered from the journal:", err, check)
		return
	}

	fd.Close()

	// A journal with a bad magic is discarded

	os.WriteFile(name+".jnl", []byte{0x01, 0x02, 0x03}, 0660)

	fd, err = OpenFileDevice(name, FileDeviceOptions{BlockSize: 8, LockfileDisabled: true})
	if err != nil {
		t.Error(err)
		return
	}

	if !strings.Contains(fd.journal.String(), "batches:0") {
		t.Error("Unexpected journal state:", fd.journal.String())
	}

	fd.Close()
}

func TestFileDeviceIOLimit(t *testing.T) {
	fd, err := OpenFileDevice(DBDir+"/test4", FileDeviceOptions{BlockSize: 8,
		IOLimitBytesPerSec: 1024, LockfileDisabled: true})
	if err != nil {
		t.Error(err)
		return
	}
	defer fd.Close()

	fd.SetSizeInBlocks(10)

	if fd.limiter.Burst() != 1024 {
		t.Error("Unexpected burst:", fd.limiter.Burst())
		return
	}

	var records []*Record
	for i := uint64(0); i < 10; i++ {
		records = append(records, NewRecord(i, make([]byte, 8)))
	}

	if err := fd.WriteBlocks(records); err != nil {
		t.Error(err)
	}
}

func TestMemoryDevice(t *testing.T) {
	md := NewMemoryDevice("mem", 8, 2)

	r := NewRecord(1, make([]byte, 8))
	r.WriteUInt32(0, 42)

	if err := md.WriteBlocks([]*Record{r}); err != nil {
		t.Error(err)
		return
	}

	r.ClearData()

	if err := md.ReadBlock(r); err != nil || r.ReadUInt32(0) != 42 {
		t.Error("Unexpected read result:", err, r)
		return
	}

	md.AccessMap[1] = AccessReadError

	if err := md.ReadBlock(r); !errors.Is(err, storage.ErrRead) {
		t.Error("Unexpected read result:", err)
		return
	}

	md.AccessMap[0] = AccessWriteError

	r0 := NewRecord(0, make([]byte, 8))
	r0.WriteUInt32(0, 1)
	r.WriteUInt32(0, 43)

	if err := md.WriteBlocks([]*Record{r, r0}); !errors.Is(err, storage.ErrWrite) {
		t.Error("Unexpected write result:", err)
		return
	}

	delete(md.AccessMap, 1)
	delete(md.AccessMap, 0)

	if err := md.ReadBlock(r); err != nil || r.ReadUInt32(0) != 42 {
		t.Error("Failed batch should not have been written:", err, r)
		return
	}

	md.SetSizeInBlocks(1)

	if err := md.ReadBlock(r); !errors.Is(err, storage.ErrBlockOutOfRange) {
		t.Error("Unexpected read result:", err)
		return
	}

	if md.String() != "MemoryDevice mem (blockSize:8 size:1)\nWritten blocks: []\n" {
		t.Error("Unexpected string representation:", md.String())
	}
}
