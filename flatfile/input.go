/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package flatfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/krotik/common/fileutil"
	"github.com/pierrec/lz4/v4"
)

/*
Compression is the compression of an input file.
*/
type Compression int

/*
Supported compressions
*/
const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

/*
CompressionOf determines the compression of a file from its extension.
*/
func CompressionOf(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".lz4":
		return CompressionLZ4
	case ".zst", ".zstd":
		return CompressionZstd
	}
	return CompressionNone
}

/*
inputFile is a possibly compressed input file.
*/
type inputFile struct {
	io.Reader
	closers []func() error
}

/*
Close closes the decompressor and the underlying file.
*/
func (in *inputFile) Close() error {
	var err error

	for i := len(in.closers) - 1; i >= 0; i-- {
		if cerr := in.closers[i](); err == nil {
			err = cerr
		}
	}

	return err
}

/*
openInput opens a data file. Compressed files are decompressed
transparently.
*/
func openInput(path string) (io.ReadCloser, error) {
	if ok, _ := fileutil.PathExists(path); !ok {
		return nil, fmt.Errorf("%w: %v", ErrFileNotFound, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	in := &inputFile{f, []func() error{f.Close}}

	switch CompressionOf(path) {

	case CompressionLZ4:
		in.Reader = lz4.NewReader(f)

	case CompressionZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}

		in.Reader = dec
		in.closers = append(in.closers, func() error {
			dec.Close()
			return nil
		})
	}

	return in, nil
}
