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
Package flatfile contains an execution stream which reads delimited text
files.

The stream reads the file into a buffer which is a scratch page of the cache.
Rows are parsed from the buffer and converted into tuples of the output
descriptor. Rows which cannot be converted are logged and counted; the stream
fails once the number of row errors exceeds the configured maximum.

The stream supports three modes: Query produces all rows, Sample produces a
limited number of rows and Describe scans rows and produces a single row with
the maximum field length of each column.
*/
package flatfile

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/krotik/common/datautil"
	"github.com/krotik/common/logutil"
	"github.com/krotik/segmentdb/exec"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/segment"
	"github.com/krotik/segmentdb/tuple"
)

var logger = logutil.GetLogger("segmentdb.flatfile")

/*
Flat file related errors
*/
var (
	ErrFileNotFound   = errors.New("Data file not found")
	ErrTooManyErrors  = errors.New("Too many row errors")
	ErrRowTooLong     = errors.New("Row exceeds buffer size")
	ErrColumnNotFound = errors.New("Column not found in header")
)

/*
Mode is the mode of a flat file stream.
*/
type Mode int

/*
Stream modes
*/
const (
	ModeQuery    Mode = iota // Produce all rows
	ModeSample               // Produce the first NumRowsScan rows
	ModeDescribe             // Produce the maximum field lengths
)

/*
MaxErrorLog is the number of row errors which are kept in memory.
*/
const MaxErrorLog = 100

/*
DescribeDescriptor is the output descriptor in describe mode.
*/
var DescribeDescriptor = tuple.Descriptor{{Name: "describe", Type: tuple.TypeString}}

/*
Params are the parameters of a flat file stream.
*/
type Params struct {
	DataFilePath     string           // Path of the data file
	Columns          tuple.Descriptor // Output columns
	FieldDelimiter   byte             // Field delimiter (default ',')
	RowDelimiter     byte             // Row delimiter (default '\n')
	Quote            byte             // Quote character (default none)
	Escape           byte             // Escape character (default quote)
	Header           bool             // Flag if the file has a header row
	MapColumnsByName bool             // Flag to map columns by header names
	Lenient          bool             // Flag to accept rows with a wrong column count
	Trim             bool             // Flag to trim unquoted fields
	Mode             Mode             // Stream mode
	NumRowsScan      int              // Rows to produce / scan in sample / describe mode
	ErrorMax         int              // Tolerated row errors (negative for no limit)
}

/*
Stream is an execution stream which reads a delimited text file.
*/
type Stream struct {
	exec.StreamBase
	params  Params
	parser  *Parser
	factory *segment.Factory

	seg  *segment.ScratchSegment // Scratch segment of the buffer
	lock *segment.PageLock       // Lock on the buffer page
	buf  []byte                  // Buffer memory
	next int                     // Start of unparsed data
	end  int                     // End of buffered data
	eof  bool                    // Flag if the file was read completely

	input   io.ReadCloser // Open data file
	mapping []int         // Field index for each column if mapped by name
	pending tuple.Data    // Row which did not fit into the output buffer
	done    bool          // Flag if no more rows are read
	nRows   uint64        // Rows read (including header)
	nOutput uint64        // Rows produced
	nErrors int           // Row errors

	fieldSizes []int // Max field lengths in describe mode
	described  bool  // Flag if the describe row was produced

	errors *datautil.RingBuffer // Last row errors
}

/*
NewStream creates a new flat file stream. The buffer is a scratch page
from the given factory.
*/
func NewStream(name string, f *segment.Factory, params Params) *Stream {
	if params.FieldDelimiter == 0 {
		params.FieldDelimiter = ','
	}
	if params.RowDelimiter == 0 {
		params.RowDelimiter = '\n'
	}
	if params.Escape == 0 {
		params.Escape = params.Quote
	}

	return &Stream{StreamBase: exec.NewStreamBase(name), params: params,
		parser: &Parser{params.FieldDelimiter, params.RowDelimiter, params.Quote,
			params.Escape, params.Trim}, factory: f,
		errors: datautil.NewRingBuffer(MaxErrorLog)}
}

/*
OutputDescriptor returns the descriptor of the produced tuples.
*/
func (s *Stream) OutputDescriptor() tuple.Descriptor {
	if s.params.Mode == ModeDescribe {
		return DescribeDescriptor
	}
	return s.params.Columns
}

/*
ResourceRequirements returns a single buffer page.
*/
func (s *Stream) ResourceRequirements() (exec.ResourceQuantity, exec.ResourceQuantity) {
	return exec.ResourceQuantity{CachePages: 1}, exec.ResourceQuantity{CachePages: 1}
}

/*
RowErrors returns the number of row errors.
*/
func (s *Stream) RowErrors() int {
	return s.nErrors
}

/*
RowsOutput returns the number of produced rows.
*/
func (s *Stream) RowsOutput() uint64 {
	return s.nOutput
}

/*
Errors returns the last row errors.
*/
func (s *Stream) Errors() []string {
	return s.errors.StringSlice()
}

/*
Open opens the data file and locks the buffer page.
*/
func (s *Stream) Open(restart bool) error {
	s.releaseInput()

	if s.seg == nil {
		s.seg = s.factory.NewScratchSegment(s.Name(), 1)
		s.lock = segment.NewPageLock(s.seg)

		id, err := s.lock.AllocatePage(storage.AnonPageOwnerID)
		if err == nil && id == storage.NullPageID {
			err = storage.NewError(storage.ErrResourceExhausted, "No buffer page available", s.Name())
		}

		if err != nil {
			s.Close()
			return err
		}

		s.buf = s.lock.Data()
	}

	input, err := openInput(s.params.DataFilePath)
	if err != nil {
		return err
	}

	s.input = input
	s.next, s.end, s.eof = 0, 0, false
	s.mapping = nil
	s.pending = nil
	s.done = false
	s.nRows, s.nOutput, s.nErrors = 0, 0, 0
	s.fieldSizes = nil
	s.described = false
	s.errors.Reset()

	logger.Debug(fmt.Sprintf("Opened %v (mode %v)", s.params.DataFilePath, s.params.Mode))

	return s.StreamBase.Open(restart)
}

/*
Execute parses rows and produces tuples.
*/
func (s *Stream) Execute(q *exec.Quantum) (exec.Result, error) {
	out := s.Output(0)

	if out.State() == exec.BufEOS {
		return exec.ResultEOS, nil
	} else if !out.IsProductionPossible() {
		return exec.ResultBufOverflow, nil
	}

	for i := uint64(0); i < q.NTuplesMax; i++ {

		if s.pending != nil {
			ok, err := out.ProduceTuple(s.pending)
			if err != nil {
				return exec.ResultEOS, err
			} else if !ok {
				out.RequestConsumption()
				return exec.ResultBufOverflow, nil
			}

			s.pending = nil
			s.nOutput++

			if s.params.Mode == ModeSample && s.params.NumRowsScan > 0 &&
				s.nOutput >= uint64(s.params.NumRowsScan) {
				s.done = true
			}

			continue
		}

		if s.done {
			if s.params.Mode == ModeDescribe && !s.described {
				s.described = true
				s.pending = tuple.Data{s.describeResult()}
				continue
			}

			out.MarkEOS()

			return exec.ResultEOS, nil
		}

		fields, err := s.nextRow()

		if err == ErrUnterminatedQuote {
			if err := s.rowError(err.Error()); err != nil {
				return exec.ResultEOS, err
			}
			continue
		} else if err != nil {
			return exec.ResultEOS, err
		} else if fields == nil {
			s.done = true
			continue
		}

		s.nRows++

		if s.params.Header && s.nRows == 1 {
			if err := s.handleHeader(fields); err != nil {
				return exec.ResultEOS, err
			}
			continue
		}

		if s.params.Mode == ModeDescribe {
			s.describeRow(fields)
			continue
		}

		row, reason := s.convertRow(fields)

		if reason != "" {
			if err := s.rowError(reason); err != nil {
				return exec.ResultEOS, err
			}
			continue
		}

		s.pending = row
	}

	return exec.ResultQuantumExpired, nil
}

/*
nextRow returns the fields of the next non-empty row or nil at the end of
the file.
*/
func (s *Stream) nextRow() ([]Field, error) {
	for {
		fields, n, err := s.parser.ScanRow(s.buf[s.next:s.end], s.eof)
		s.next += n

		if err != nil {
			return nil, err

		} else if n > 0 {
			if len(fields) == 1 && fields[0].Value == "" && !fields[0].Quoted {
				continue
			}
			return fields, nil

		} else if s.eof {
			return nil, nil

		} else if s.next == 0 && s.end == len(s.buf) {
			return nil, fmt.Errorf("%w: row %v is longer than %v bytes", ErrRowTooLong, s.nRows+1, len(s.buf))
		}

		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

/*
fill moves unparsed data to the start of the buffer and reads more data.
*/
func (s *Stream) fill() error {
	if s.next > 0 {
		s.end = copy(s.buf, s.buf[s.next:s.end])
		s.next = 0
	}

	for s.end < len(s.buf) {
		n, err := s.input.Read(s.buf[s.end:])
		s.end += n

		if err == io.EOF {
			s.eof = true
			return nil
		} else if err != nil {
			return err
		} else if n > 0 {
			return nil
		}
	}

	return nil
}

/*
handleHeader processes the header row.
*/
func (s *Stream) handleHeader(fields []Field) error {
	if !s.params.MapColumnsByName || s.params.Mode == ModeDescribe {
		return nil
	}

	s.mapping = make([]int, len(s.params.Columns))

	for i, col := range s.params.Columns {
		s.mapping[i] = findField(fields, col.Name)

		if s.mapping[i] < 0 {
			return fmt.Errorf("%w: %v", ErrColumnNotFound, col.Name)
		}
	}

	return nil
}

/*
findField finds a header field by name ignoring case. Returns -1 if the name
was not found.
*/
func findField(fields []Field, name string) int {
	for i, f := range fields {
		if strings.EqualFold(f.Value, name) {
			return i
		}
	}
	return -1
}

/*
convertRow converts text fields into a tuple. Returns a reason if the row
cannot be converted.
*/
func (s *Stream) convertRow(fields []Field) (tuple.Data, string) {
	cols := s.params.Columns

	if s.mapping == nil && len(fields) != len(cols) && !s.params.Lenient {
		return nil, fmt.Sprintf("Row has %v columns, expected %v", len(fields), len(cols))
	}

	row := make(tuple.Data, len(cols))

	for i, col := range cols {
		idx := i
		if s.mapping != nil {
			idx = s.mapping[i]
		}

		if idx >= len(fields) {
			if !col.Nullable {
				return nil, fmt.Sprintf("Missing value for column %v", col.Name)
			}
			continue
		}

		v, err := convertField(fields[idx], col)
		if err != nil {
			return nil, fmt.Sprintf("Column %v: %v", col.Name, err)
		}

		row[i] = v
	}

	return row, ""
}

/*
convertField converts a single text field into a value of a column.
*/
func convertField(f Field, col tuple.AttributeDescriptor) (interface{}, error) {
	if f.Value == "" && !f.Quoted {
		if !col.Nullable {
			return nil, errors.New("NULL value")
		}
		return nil, nil
	}

	switch col.Type {
	case tuple.TypeInt64:
		return strconv.ParseInt(strings.TrimSpace(f.Value), 10, 64)

	case tuple.TypeFloat64:
		return strconv.ParseFloat(strings.TrimSpace(f.Value), 64)

	case tuple.TypeBool:
		return strconv.ParseBool(strings.TrimSpace(f.Value))

	case tuple.TypeBinary:
		b, err := hex.DecodeString(strings.TrimSpace(f.Value))
		if err == nil && col.MaxLength > 0 && len(b) > col.MaxLength {
			err = fmt.Errorf("Value longer than %v bytes", col.MaxLength)
		}
		return b, err
	}

	if col.MaxLength > 0 && len(f.Value) > col.MaxLength {
		return nil, fmt.Errorf("Value longer than %v bytes", col.MaxLength)
	}

	return f.Value, nil
}

/*
describeRow records the field lengths of a row.
*/
func (s *Stream) describeRow(fields []Field) {
	for i, f := range fields {
		if i == len(s.fieldSizes) {
			s.fieldSizes = append(s.fieldSizes, 0)
		}
		if len(f.Value) > s.fieldSizes[i] {
			s.fieldSizes[i] = len(f.Value)
		}
	}

	if s.params.NumRowsScan > 0 && s.nRows-s.headerRows() >= uint64(s.params.NumRowsScan) {
		s.done = true
	}
}

/*
headerRows returns the number of header rows.
*/
func (s *Stream) headerRows() uint64 {
	if s.params.Header {
		return 1
	}
	return 0
}

/*
describeResult returns the describe row text.
*/
func (s *Stream) describeResult() string {
	sizes := make([]string, len(s.fieldSizes))

	for i, size := range s.fieldSizes {
		sizes[i] = strconv.Itoa(size)
	}

	return strings.Join(sizes, " ")
}

/*
rowError logs a row error. Returns an error if the maximum number of row
errors was exceeded.
*/
func (s *Stream) rowError(reason string) error {
	s.nErrors++

	msg := fmt.Sprintf("%v row %v: %v", s.params.DataFilePath, s.nRows, reason)

	logger.Warning(msg)
	s.errors.Add(msg)

	if s.params.ErrorMax >= 0 && s.nErrors > s.params.ErrorMax {
		return fmt.Errorf("%w: %v", ErrTooManyErrors, msg)
	}

	return nil
}

/*
releaseInput closes the data file.
*/
func (s *Stream) releaseInput() error {
	if s.input == nil {
		return nil
	}

	err := s.input.Close()
	s.input = nil

	return err
}

/*
Close closes the data file and releases the buffer page.
*/
func (s *Stream) Close() error {
	err := s.releaseInput()

	if s.seg != nil {
		s.lock.Unlock()

		if serr := s.seg.Close(); err == nil {
			err = serr
		}

		s.seg = nil
		s.buf = nil
	}

	return err
}
