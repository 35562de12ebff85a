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
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/krotik/common/fileutil"
	"github.com/krotik/common/lockutil"
	"github.com/krotik/segmentdb/storage"
	"golang.org/x/time/rate"
)

/*
DefaultFileSize is the default size of a physical file (10GB)
*/
const DefaultFileSize = 0x2540BE401 // 10000000001 Bytes

/*
FileSuffixLockfile is the file suffix for the lock file of a device
*/
const FileSuffixLockfile = "lck"

/*
LockfileInterval is the interval in which the lock file is checked
*/
const LockfileInterval = 50 * time.Millisecond

/*
FileDeviceOptions are the options for a FileDevice.
*/
type FileDeviceOptions struct {
	BlockSize          int    // Size of a block (DefaultBlockSize if 0)
	MaxFileSize        uint64 // Max size of a physical file (DefaultFileSize if 0)
	IOLimitBytesPerSec int    // Write throttle (unlimited if 0)
	LockfileDisabled   bool   // Flag if no lock file should be used
	JournalDisabled    bool   // Flag if batches should be written without journal
}

/*
FileDevice data structure
*/
type FileDevice struct {
	name        string             // Name of the device
	blockSize   int                // Size of a block
	maxFileSize uint64             // Max size of a physical file on disk
	size        uint64             // Size of the device in blocks
	files       []*os.File         // List of physical files
	lockfile    *lockutil.LockFile // Lock file of the device
	limiter     *rate.Limiter      // Write throttle
	journal     *Journal           // Journal for write batches
	mutex       *sync.Mutex        // Mutex to protect file operations
}

/*
OpenFileDevice opens or creates a device which stores its blocks in files
on disk.
*/
func OpenFileDevice(name string, opts FileDeviceOptions) (*FileDevice, error) {
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	maxFileSize := opts.MaxFileSize
	if maxFileSize == 0 {
		maxFileSize = DefaultFileSize
	}
	maxFileSize -= maxFileSize % uint64(blockSize)

	if maxFileSize == 0 {
		return nil, storage.NewError(storage.ErrBlockOutOfRange,
			fmt.Sprintf("Max file size %v is smaller than block size %v",
				opts.MaxFileSize, blockSize), name)
	}

	ret := &FileDevice{name, blockSize, maxFileSize, 0, make([]*os.File, 0),
		nil, nil, nil, &sync.Mutex{}}

	if opts.IOLimitBytesPerSec > 0 {
		burst := opts.IOLimitBytesPerSec
		if burst < blockSize {
			burst = blockSize
		}
		ret.limiter = rate.NewLimiter(rate.Limit(opts.IOLimitBytesPerSec), burst)
	}

	if !opts.LockfileDisabled {
		ret.lockfile = lockutil.NewLockFile(fmt.Sprintf("%v.%v", name, FileSuffixLockfile),
			LockfileInterval)

		if err := ret.lockfile.Start(); err != nil {
			return nil, storage.NewError(storage.ErrLocked, err.Error(), name)
		}
	}

	if err := ret.detectSize(); err != nil {
		ret.closeFiles()
		return nil, err
	}

	if !opts.JournalDisabled {
		journal, err := NewJournal(name, ret.recoverRecords)
		if err != nil {
			ret.closeFiles()
			return nil, err
		}
		ret.journal = journal
	}

	return ret, nil
}

/*
detectSize determines the size of the device from its physical files.
*/
func (fd *FileDevice) detectSize() error {
	var size uint64

	for i := 0; ; i++ {
		filename := fmt.Sprintf("%s.%d", fd.name, i)

		if ok, _ := fileutil.PathExists(filename); !ok {
			if i == 0 {

				// Make sure the first physical file can be created

				if _, err := fd.getFile(0); err != nil {
					return err
				}
			}
			break
		}

		info, err := os.Stat(filename)
		if err != nil {
			return err
		}

		size += uint64(info.Size())

		if uint64(info.Size()) < fd.maxFileSize {
			break
		}
	}

	fd.size = size / uint64(fd.blockSize)

	return nil
}

/*
Name returns the name of this device.
*/
func (fd *FileDevice) Name() string {
	return fd.name
}

/*
BlockSize returns the size of a single block.
*/
func (fd *FileDevice) BlockSize() int {
	return fd.blockSize
}

/*
SizeInBlocks returns the number of blocks of the device.
*/
func (fd *FileDevice) SizeInBlocks() uint64 {
	fd.mutex.Lock()
	defer fd.mutex.Unlock()

	return fd.size
}

/*
SetSizeInBlocks grows or truncates the physical files of the device.
*/
func (fd *FileDevice) SetSizeInBlocks(n uint64) error {
	fd.mutex.Lock()
	defer fd.mutex.Unlock()

	total := n * uint64(fd.blockSize)
	lastFile := int(total / fd.maxFileSize)

	for i := 0; i <= lastFile; i++ {
		fileSize := int64(fd.maxFileSize)
		if i == lastFile {
			fileSize = int64(total % fd.maxFileSize)
		}

		file, err := fd.getFile(uint64(i) * fd.maxFileSize)
		if err != nil {
			return storage.NewError(storage.ErrWrite, err.Error(), fd.name)
		}

		if err := file.Truncate(fileSize); err != nil {
			return storage.NewError(storage.ErrWrite, err.Error(), fd.name)
		}
	}

	// Remove all physical files which are no longer needed

	for i := lastFile + 1; ; i++ {
		filename := fmt.Sprintf("%s.%d", fd.name, i)

		if ok, _ := fileutil.PathExists(filename); !ok {
			break
		}

		if i < len(fd.files) && fd.files[i] != nil {
			fd.files[i].Close()
			fd.files[i] = nil
		}

		if err := os.Remove(filename); err != nil {
			return storage.NewError(storage.ErrWrite, err.Error(), fd.name)
		}
	}

	fd.size = n

	return nil
}

/*
getFile gets a physical file for a specific offset.
*/
func (fd *FileDevice) getFile(offset uint64) (*os.File, error) {

	filenumber := int(offset / fd.maxFileSize)

	// Make sure the index exists which we want to use.
	// Fill all previous positions up with nil pointers if they don't exist.

	for i := len(fd.files); i <= filenumber; i++ {
		fd.files = append(fd.files, nil)
	}

	ret := fd.files[filenumber]

	if ret == nil {

		// Important not to have os.O_APPEND since we really want
		// to have random access to the file.

		filename := fmt.Sprintf("%s.%d", fd.name, filenumber)

		file, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR, 0660)
		if err != nil {
			return nil, err
		}

		fd.files[filenumber] = file
		ret = file
	}

	return ret, nil
}

/*
ReadBlock fills a given record with the data of its block.
*/
func (fd *FileDevice) ReadBlock(record *Record) error {
	fd.mutex.Lock()
	defer fd.mutex.Unlock()

	if record.ID() >= fd.size {
		return storage.NewError(storage.ErrBlockOutOfRange, fmt.Sprint("Block ", record.ID()), fd.name)
	}

	offset := record.ID() * uint64(fd.blockSize)

	file, err := fd.getFile(offset)
	if err != nil {
		return storage.NewError(storage.ErrRead, err.Error(), fd.name)
	}

	n, err := file.ReadAt(record.Data()[:fd.blockSize], int64(offset%fd.maxFileSize))

	if n < fd.blockSize {

		// Parts of a block which were never written are zero

		clear(record.Data()[n:])
	}

	record.ClearDirty()

	if err != nil && err != io.EOF {
		return storage.NewError(storage.ErrRead, err.Error(), fd.name)
	}

	return nil
}

/*
WriteBlocks writes a batch of records. If the journal is enabled, the batch
is logged before it is written to the device files.
*/
func (fd *FileDevice) WriteBlocks(records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	if fd.limiter != nil {
		n := len(records) * fd.blockSize

		for n > 0 {
			chunk := n
			if chunk > fd.limiter.Burst() {
				chunk = fd.limiter.Burst()
			}
			if err := fd.limiter.WaitN(context.Background(), chunk); err != nil {
				return storage.NewError(storage.ErrWrite, err.Error(), fd.name)
			}
			n -= chunk
		}
	}

	fd.mutex.Lock()
	defer fd.mutex.Unlock()

	for _, record := range records {
		if record.ID() >= fd.size {
			return storage.NewError(storage.ErrBlockOutOfRange, fmt.Sprint("Block ", record.ID()), fd.name)
		}
	}

	if fd.journal != nil {
		if err := fd.journal.Log(records); err != nil {
			return storage.NewError(storage.ErrWrite, err.Error(), fd.journal.Name())
		}
	}

	if err := fd.writeRecords(records); err != nil {
		return err
	}

	for _, record := range records {
		record.ClearDirty()
	}

	return nil
}

/*
writeRecords writes records to the device files.
*/
func (fd *FileDevice) writeRecords(records []*Record) error {
	for _, record := range records {
		offset := record.ID() * uint64(fd.blockSize)

		file, err := fd.getFile(offset)
		if err != nil {
			return storage.NewError(storage.ErrWrite, err.Error(), fd.name)
		}

		if _, err := file.WriteAt(record.Data()[:fd.blockSize], int64(offset%fd.maxFileSize)); err != nil {
			return storage.NewError(storage.ErrWrite, err.Error(), fd.name)
		}

		if record.ID() >= fd.size {
			fd.size = record.ID() + 1
		}
	}

	return nil
}

/*
recoverRecords writes a batch from the journal to the device files and syncs
them.
*/
func (fd *FileDevice) recoverRecords(records []*Record) error {
	if err := fd.writeRecords(records); err != nil {
		return err
	}

	for _, file := range fd.files {
		if file != nil {
			file.Sync()
		}
	}

	return nil
}

/*
Sync syncs all physical files and resets the journal.
*/
func (fd *FileDevice) Sync() error {
	fd.mutex.Lock()
	defer fd.mutex.Unlock()

	return fd.sync()
}

/*
sync syncs all physical files and resets the journal.
*/
func (fd *FileDevice) sync() error {
	for _, file := range fd.files {
		if file != nil {
			if err := file.Sync(); err != nil {
				return storage.NewError(storage.ErrWrite, err.Error(), fd.name)
			}
		}
	}

	if fd.journal != nil {
		return fd.journal.Reset()
	}

	return nil
}

/*
Close syncs and closes all physical files and releases the lock file.
*/
func (fd *FileDevice) Close() error {
	fd.mutex.Lock()
	defer fd.mutex.Unlock()

	if fd.files == nil {
		return storage.NewError(storage.ErrClosed, "", fd.name)
	}

	err := fd.sync()

	if fd.journal != nil {
		fd.journal.Close()
		fd.journal = nil
	}

	fd.closeFiles()

	return err
}

/*
closeFiles closes all physical files and finishes the lock file.
*/
func (fd *FileDevice) closeFiles() {
	for _, file := range fd.files {
		if file != nil {
			file.Close()
		}
	}

	fd.files = nil

	if fd.lockfile != nil {
		fd.lockfile.Finish()
		fd.lockfile = nil
	}
}

/*
String returns a string representation of a FileDevice.
*/
func (fd *FileDevice) String() string {
	fd.mutex.Lock()
	defer fd.mutex.Unlock()

	buf := new(bytes.Buffer)

	buf.WriteString(fmt.Sprintf("FileDevice: %v (blockSize:%v maxFileSize:%v size:%v)\n",
		fd.name, fd.blockSize, fd.maxFileSize, fd.size))

	buf.WriteString("Open files: ")
	l := len(fd.files)
	for i, file := range fd.files {
		if file != nil {
			buf.WriteString(file.Name())
			buf.WriteString(fmt.Sprintf(" (%v)", i))
			if i < l-1 {
				buf.WriteString(", ")
			}
		}
	}
	buf.WriteString("\n")

	if fd.journal != nil {
		buf.WriteString(fd.journal.String())
	}

	return buf.String()
}
