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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

/*
Common journal related errors
*/
var (
	ErrBadMagic = errors.New("Bad magic for device journal")
)

/*
JournalFileSuffix is the file suffix for device journal files
*/
const JournalFileSuffix = "jnl"

/*
JournalHeader is the magic number to identify journal files
*/
var JournalHeader = []byte{0x53, 0x4a}

/*
LogFile is the abstract interface for a journal file.
*/
type LogFile interface {
	io.Writer
	io.Closer
	Sync() error
	Truncate(size int64) error
	Seek(offset int64, whence int) (int64, error)
}

/*
Journal is a redo log for batches of blocks. A batch is written and synced to
the journal before it is applied to a device. Once the batch has been applied
and the device has been synced, the journal is reset.
*/
type Journal struct {
	name    string  // Name of the journal file
	logFile LogFile // Journal file
	batches int     // Number of batches in the journal
}

/*
NewJournal creates a new journal for a given device name. Pending batches of
an existing journal are handed to the apply function before the journal is
reset.
*/
func NewJournal(deviceName string, apply func(records []*Record) error) (*Journal, error) {
	name := fmt.Sprintf("%s.%s", deviceName, JournalFileSuffix)

	ret := &Journal{name, nil, 0}

	if err := ret.recover(apply); err != nil && err != ErrBadMagic {
		return nil, err
	}

	// If we have a bad magic just overwrite the journal file

	if err := ret.open(); err != nil {
		return nil, err
	}

	return ret, nil
}

/*
Name returns the file name of the journal.
*/
func (j *Journal) Name() string {
	return j.name
}

/*
recover replays all complete batches from the journal file.
*/
func (j *Journal) recover(apply func(records []*Record) error) error {
	file, err := os.OpenFile(j.name, os.O_RDONLY, 0660)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	// Read and verify magic

	magic := make([]byte, 2)
	i, _ := file.Read(magic)

	if i == 0 {
		return nil
	} else if i != 2 || magic[0] != JournalHeader[0] ||
		magic[1] != JournalHeader[1] {
		return ErrBadMagic
	}

	for {
		var numRecords int64
		if err := binary.Read(file, binary.LittleEndian, &numRecords); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return err
		}

		recMap := make(map[uint64]*Record)
		records := make([]*Record, 0, numRecords)
		complete := true

		for i := int64(0); i < numRecords; i++ {
			record, err := ReadRecord(file)
			if err != nil {

				// A torn batch was never applied to the device

				complete = false
				break
			}

			// Any duplicated records will only be written once
			// using the latest version

			if _, ok := recMap[record.ID()]; !ok {
				records = append(records, record)
			}
			recMap[record.ID()] = record
		}

		if !complete {
			break
		}

		for i, r := range records {
			records[i] = recMap[r.ID()]
		}

		if err := apply(records); err != nil {
			return err
		}
	}

	return nil
}

/*
open opens the journal for writing.
*/
func (j *Journal) open() error {

	// Always create a new empty journal file

	file, err := os.OpenFile(j.name, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0660)
	if err != nil {
		return err
	}
	j.logFile = file

	return j.reset()
}

/*
Log writes a batch of records to the journal and syncs the journal file.
*/
func (j *Journal) Log(records []*Record) error {

	// Write how many records will be stored

	if err := binary.Write(j.logFile, binary.LittleEndian,
		int64(len(records))); err != nil {

		return err
	}

	for _, record := range records {
		if err := record.WriteRecord(j.logFile); err != nil {
			return err
		}
	}

	j.batches++

	return j.logFile.Sync()
}

/*
Reset discards all batches of the journal. This should be called once all
logged batches are persisted on the device.
*/
func (j *Journal) Reset() error {
	if j.batches == 0 {
		return nil
	}
	return j.reset()
}

/*
reset truncates the journal file to its header.
*/
func (j *Journal) reset() error {
	if err := j.logFile.Truncate(0); err != nil {
		return err
	}

	if _, err := j.logFile.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if _, err := j.logFile.Write(JournalHeader); err != nil {
		return err
	}

	j.batches = 0

	return j.logFile.Sync()
}

/*
Close closes the journal file.
*/
func (j *Journal) Close() error {
	if j.logFile == nil {
		return nil
	}

	j.logFile.Sync()

	// If something went wrong with closing the handle
	// we don't care as we release the reference

	err := j.logFile.Close()
	j.logFile = nil

	return err
}

/*
String returns a string representation of a Journal.
*/
func (j *Journal) String() string {
	buf := new(bytes.Buffer)

	buf.WriteString(fmt.Sprintf("Journal: %v (open:%v batches:%v)\n",
		j.name, j.logFile != nil, j.batches))

	return buf.String()
}
