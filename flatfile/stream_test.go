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
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/krotik/common/fileutil"
	"github.com/krotik/segmentdb/exec"
	"github.com/krotik/segmentdb/storage/cache"
	"github.com/krotik/segmentdb/storage/file"
	"github.com/krotik/segmentdb/storage/segment"
	"github.com/krotik/segmentdb/tuple"
	"github.com/pierrec/lz4/v4"
)

const DBDir = "flatfiletest"

const testPageSize = 512

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

func newTestFactory() *segment.Factory {
	c := cache.NewCache(cache.Params{PageSize: testPageSize, MaxPages: 16})
	c.RegisterDevice(1, file.NewMemoryDevice("dev1", testPageSize, 0))
	return segment.NewFactory(c)
}

/*
writeTestFile writes a test data file. The content is compressed according
to the file extension.
*/
func writeTestFile(name string, content string) string {
	path := DBDir + "/" + name

	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	var w io.WriteCloser

	switch CompressionOf(path) {
	case CompressionLZ4:
		w = lz4.NewWriter(f)
	case CompressionZstd:
		if w, err = zstd.NewWriter(f); err != nil {
			panic(err)
		}
	default:
		_, err = f.WriteString(content)
		if err != nil {
			panic(err)
		}
		return path
	}

	if _, err = w.Write([]byte(content)); err == nil {
		err = w.Close()
	}
	if err != nil {
		panic(err)
	}

	return path
}

/*
runStream runs a graph with a single flat file stream and collects its rows.
*/
func runStream(s *Stream) ([]string, error) {
	g := exec.NewGraph("g", 256)
	g.AddStream(s)

	if err := g.Open(nil); err != nil {
		return nil, err
	}
	defer g.Close()

	return drainRows(g)
}

func drainRows(g *exec.Graph) ([]string, error) {
	var res []string

	err := exec.NewScheduler(exec.Quantum{NTuplesMax: 10}).Drain(context.Background(), g,
		func(t tuple.Data) error {
			res = append(res, t.String())
			return nil
		})

	return res, err
}

var queryColumns = tuple.Descriptor{
	{Name: "id", Type: tuple.TypeInt64},
	{Name: "name", Type: tuple.TypeString, Nullable: true, MaxLength: 10},
	{Name: "score", Type: tuple.TypeFloat64, Nullable: true},
	{Name: "flag", Type: tuple.TypeBool, Nullable: true},
	{Name: "data", Type: tuple.TypeBinary, Nullable: true},
}

const queryData = "id,name,score,flag,data\n" +
	"1,alice,1.5,true,0a0b\r\n" +
	"2,\"bob, jr\",,false,\n" +
	"\n" +
	"3,,2.25,,ff\n" +
	"4,\"\",0,FALSE,\n" +
	"5,abcdefghijk,1,true,"

func TestStreamQuery(t *testing.T) {
	f := newTestFactory()
	path := writeTestFile("query.csv", queryData)

	s := NewStream("reader", f, Params{DataFilePath: path, Columns: queryColumns,
		Quote: '"', Header: true, ErrorMax: 1})

	g := exec.NewGraph("g", 256)
	g.AddStream(s)

	if err := g.Open(nil); err != nil {
		t.Error(err)
		return
	}

	expected := "[(1, alice, 1.5, true, 0a0b) (2, bob, jr, NULL, false, NULL) " +
		"(3, NULL, 2.25, NULL, ff) (4, , 0, false, NULL)]"

	rows, err := drainRows(g)
	if err != nil || fmt.Sprint(rows) != expected {
		t.Error("Unexpected result:", rows, err)
		return
	}

	if s.RowsOutput() != 4 || s.RowErrors() != 1 || len(s.Errors()) != 1 ||
		!strings.Contains(s.Errors()[0], "row 6: Column name: Value longer than 10 bytes") {
		t.Error("Unexpected stream state:", s.RowsOutput(), s.RowErrors(), s.Errors())
		return
	}

	// A restart reads the file again

	if err := g.Restart(); err != nil {
		t.Error(err)
		return
	}

	if rows, err = drainRows(g); err != nil || fmt.Sprint(rows) != expected || s.RowErrors() != 1 {
		t.Error("Unexpected result:", rows, err)
		return
	}

	if err := g.Close(); err != nil {
		t.Error(err)
		return
	}

	if n := f.Cache().MappedPageCount(cache.DevicePredicate(cache.ScratchDeviceID)); n != 0 {
		t.Error("Buffer page should have been released:", n)
		return
	}

	// No tolerated errors

	s = NewStream("reader", f, Params{DataFilePath: path, Columns: queryColumns,
		Quote: '"', Header: true})

	if rows, err = runStream(s); !errors.Is(err, ErrTooManyErrors) || s.RowsOutput() != 4 {
		t.Error("Unexpected result:", rows, err)
		return
	}
}

func TestStreamLenient(t *testing.T) {
	f := newTestFactory()
	path := writeTestFile("lenient.csv", "1,2\n1,2,3,4\n5,6,7\n\"8,9")

	cols := tuple.Descriptor{
		{Name: "a", Type: tuple.TypeInt64, Nullable: true},
		{Name: "b", Type: tuple.TypeInt64, Nullable: true},
		{Name: "c", Type: tuple.TypeInt64, Nullable: true},
	}

	s := NewStream("reader", f, Params{DataFilePath: path, Columns: cols, Quote: '"',
		Lenient: true, ErrorMax: -1})

	rows, err := runStream(s)
	if err != nil || fmt.Sprint(rows) != "[(1, 2, NULL) (1, 2, 3) (5, 6, 7)]" {
		t.Error("Unexpected result:", rows, err)
		return
	}

	if s.RowErrors() != 1 || !strings.Contains(s.Errors()[0], ErrUnterminatedQuote.Error()) {
		t.Error("Unexpected errors:", s.Errors())
		return
	}

	s = NewStream("reader", f, Params{DataFilePath: path, Columns: cols, Quote: '"', ErrorMax: -1})

	rows, err = runStream(s)
	if err != nil || fmt.Sprint(rows) != "[(5, 6, 7)]" || s.RowErrors() != 3 {
		t.Error("Unexpected result:", rows, err, s.Errors())
		return
	}

	if !strings.Contains(s.Errors()[0], "row 1: Row has 2 columns, expected 3") {
		t.Error("Unexpected errors:", s.Errors())
		return
	}
}

func TestStreamMapColumns(t *testing.T) {
	f := newTestFactory()
	path := writeTestFile("mapped.csv", "NAME;Id\nfoo;1\nbar\n")

	cols := tuple.Descriptor{
		{Name: "id", Type: tuple.TypeInt64, Nullable: true},
		{Name: "name", Type: tuple.TypeString},
	}

	s := NewStream("reader", f, Params{DataFilePath: path, Columns: cols, FieldDelimiter: ';',
		Header: true, MapColumnsByName: true})

	rows, err := runStream(s)
	if err != nil || fmt.Sprint(rows) != "[(1, foo) (NULL, bar)]" {
		t.Error("Unexpected result:", rows, err)
		return
	}

	cols = append(cols, tuple.AttributeDescriptor{Name: "missing", Type: tuple.TypeString})

	s = NewStream("reader", f, Params{DataFilePath: path, Columns: cols, FieldDelimiter: ';',
		Header: true, MapColumnsByName: true})

	if _, err = runStream(s); !errors.Is(err, ErrColumnNotFound) {
		t.Error("Unexpected result:", err)
		return
	}
}

func TestStreamCompressed(t *testing.T) {
	f := newTestFactory()

	var buf bytes.Buffer
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&buf, "%v,name-%v\n", i, i)
	}

	cols := tuple.Descriptor{
		{Name: "id", Type: tuple.TypeInt64},
		{Name: "name", Type: tuple.TypeString},
	}

	for _, name := range []string{"data.csv", "data.csv.lz4", "data.csv.zst"} {
		path := writeTestFile(name, buf.String())

		s := NewStream("reader", f, Params{DataFilePath: path, Columns: cols})

		rows, err := runStream(s)
		if err != nil || len(rows) != 1000 || rows[0] != "(0, name-0)" || rows[999] != "(999, name-999)" {
			t.Error("Unexpected result for", name, ":", len(rows), err)
			return
		}

		s = NewStream("reader", f, Params{DataFilePath: path, Columns: cols,
			Mode: ModeSample, NumRowsScan: 5})

		rows, err = runStream(s)
		if err != nil || fmt.Sprint(rows) != "[(0, name-0) (1, name-1) (2, name-2) (3, name-3) (4, name-4)]" {
			t.Error("Unexpected result for", name, ":", rows, err)
			return
		}

		s = NewStream("reader", f, Params{DataFilePath: path, Mode: ModeDescribe})

		if s.OutputDescriptor().String() != "[describe string not null]" {
			t.Error("Unexpected descriptor:", s.OutputDescriptor())
			return
		}

		rows, err = runStream(s)
		if err != nil || fmt.Sprint(rows) != "[(3 8)]" {
			t.Error("Unexpected result for", name, ":", rows, err)
			return
		}

		s = NewStream("reader", f, Params{DataFilePath: path, Mode: ModeDescribe, NumRowsScan: 10})

		rows, err = runStream(s)
		if err != nil || fmt.Sprint(rows) != "[(1 6)]" {
			t.Error("Unexpected result for", name, ":", rows, err)
			return
		}
	}

	if CompressionOf("foo.ZSTD") != CompressionZstd || CompressionOf("foo.txt") != CompressionNone {
		t.Error("Unexpected compression")
		return
	}
}

func TestStreamErrors(t *testing.T) {
	f := newTestFactory()

	cols := tuple.Descriptor{{Name: "text", Type: tuple.TypeString}}

	s := NewStream("reader", f, Params{DataFilePath: DBDir + "/nothere.csv", Columns: cols})

	if _, err := runStream(s); !errors.Is(err, ErrFileNotFound) {
		t.Error("Unexpected result:", err)
		return
	}

	if n := f.Cache().MappedPageCount(cache.DevicePredicate(cache.ScratchDeviceID)); n != 0 {
		t.Error("Buffer page should have been released:", n)
		return
	}

	path := writeTestFile("long.csv", "short\n"+strings.Repeat("x", testPageSize+10)+"\n")

	s = NewStream("reader", f, Params{DataFilePath: path, Columns: cols})

	if _, err := runStream(s); !errors.Is(err, ErrRowTooLong) || s.RowsOutput() != 1 {
		t.Error("Unexpected result:", err)
		return
	}
}
