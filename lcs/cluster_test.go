/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package lcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/krotik/segmentdb/exec"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
	"github.com/krotik/segmentdb/storage/file"
	"github.com/krotik/segmentdb/storage/segment"
	"github.com/krotik/segmentdb/tuple"
)

const testPageSize = 512

func newTestSegment(t *testing.T) (*segment.Factory, segment.Segment) {
	c := cache.NewCache(cache.Params{PageSize: testPageSize, MaxPages: 64})
	c.RegisterDevice(1, file.NewMemoryDevice("dev1", testPageSize, 0))

	f := segment.NewFactory(c)

	seg, err := f.NewRandomAllocationSegment("cluster", segment.DeviceParams{DeviceID: 1,
		NPagesMin: 16, NPagesIncrement: 16, NPagesMax: 1000}, segment.RandomAllocation)
	if err != nil {
		t.Fatal(err)
	}

	return f, seg
}

var colors = []string{"red", "green", "blue"}

func testRow(i int) tuple.Data {
	var note interface{}
	if i%10 == 0 {
		note = fmt.Sprint("n", i)
	}
	return tuple.Data{int64(i), colors[i%3], note}
}

var testDesc = tuple.Descriptor{
	{Name: "id", Type: tuple.TypeInt64},
	{Name: "color", Type: tuple.TypeString},
	{Name: "note", Type: tuple.TypeString, Nullable: true},
}

func TestClusterPage(t *testing.T) {
	pb := newPageBuilder(testDesc, 4096)
	pb.reset(77)

	for i := 0; i < 100; i++ {
		row, err := pb.encodeRow(testRow(i))
		if err != nil || !pb.fits(row) {
			t.Error("Unexpected result:", err)
			return
		}
		pb.add(row)
	}

	buf := make([]byte, 4096)
	pb.write(buf)

	if enc, err := ColumnEncodings(buf, 3); err != nil || fmt.Sprint(enc) != "[0 1 0]" {
		t.Error("Unexpected encodings:", enc, err)
		return
	}

	startRID, rows, err := readPage(buf, testDesc)
	if err != nil || startRID != 77 || len(rows) != 100 {
		t.Error("Unexpected result:", startRID, len(rows), err)
		return
	}

	for i, row := range rows {
		if row.String() != testRow(i).String() {
			t.Error("Unexpected row", i, ":", row)
			return
		}
	}

	// Rows which do not fit

	pb = newPageBuilder(testDesc, 40)

	if row, _ := pb.encodeRow(testRow(1)); pb.fits(row) {
		t.Error("Row should not fit")
		return
	}

	if _, err := pb.encodeRow(tuple.Data{nil, "red", nil}); !errors.Is(err, tuple.ErrNotNullable) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := pb.encodeRow(tuple.Data{int64(1)}); !errors.Is(err, tuple.ErrTypeMismatch) {
		t.Error("Unexpected result:", err)
		return
	}

	// Corrupted pages

	if _, _, err := readPage(make([]byte, 100), testDesc); !errors.Is(err, ErrClusterFormat) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, _, err := readPage(buf, testDesc[:2]); !errors.Is(err, ErrClusterFormat) {
		t.Error("Unexpected result:", err)
		return
	}

	buf[PageHeaderSize+4] = 9

	if _, _, err := readPage(buf, testDesc); !errors.Is(err, ErrClusterFormat) {
		t.Error("Unexpected result:", err)
		return
	}
}

func TestClusterDictionaryLimit(t *testing.T) {
	desc := tuple.Descriptor{{Name: "v", Type: tuple.TypeInt64}}

	for _, distinct := range []int{200, 256} {
		pb := newPageBuilder(desc, 8192)

		for i := 0; i < 300; i++ {
			row, _ := pb.encodeRow(tuple.Data{int64(i % distinct)})
			pb.add(row)
		}

		buf := make([]byte, 8192)
		pb.write(buf)

		enc, _ := ColumnEncodings(buf, 1)

		if (distinct <= MaxDictionarySize && enc[0] != EncodingDictionary) ||
			(distinct > MaxDictionarySize && enc[0] != EncodingPlain) {
			t.Error("Unexpected encoding for", distinct, "distinct values:", enc)
			return
		}

		_, rows, err := readPage(buf, desc)
		if err != nil || len(rows) != 300 || rows[299][0] != int64(299%distinct) {
			t.Error("Unexpected result:", len(rows), err)
			return
		}
	}
}

func TestWriterReader(t *testing.T) {
	f, seg := newTestSegment(t)
	defer f.CloseAll()

	w, err := NewWriter(seg, 3, testDesc, storage.NullPageID)
	if err != nil {
		t.Error(err)
		return
	}

	for i := 0; i < 1000; i++ {
		if err := w.Append(testRow(i)); err != nil {
			t.Error(err)
			return
		}
	}

	if err := w.Flush(); err != nil {
		t.Error(err)
		return
	}

	root := w.Root()

	if w.RowCount() != 1000 || w.StartRID() != 0 || w.Pages() < 2 {
		t.Error("Unexpected writer state:", w.RowCount(), w.StartRID(), w.Pages())
		return
	}

	if l, _ := segment.ChainLength(seg, root); l != w.Pages() {
		t.Error("Unexpected chain length:", l)
		return
	}

	// Append to the existing cluster

	w, err = NewWriter(seg, 3, testDesc, root)
	if err != nil {
		t.Error(err)
		return
	}

	for i := 1000; i < 1010; i++ {
		w.Append(testRow(i))
	}
	w.Flush()

	if w.Root() != root || w.StartRID() != 1000 || w.RowCount() != 10 || w.Pages() != 1 {
		t.Error("Unexpected writer state:", w.Root(), w.StartRID(), w.RowCount())
		return
	}

	r := NewReader(seg, testDesc, root)

	for i := 0; i < 1010; i++ {
		rid, row, err := r.Next()
		if err != nil || rid != uint64(i) || row.String() != testRow(i).String() {
			t.Error("Unexpected row", i, ":", rid, row, err)
			return
		}
	}

	if _, _, err := r.Next(); err != io.EOF {
		t.Error("Unexpected result:", err)
		return
	}

	r.Reset()

	if rid, row, err := r.Peek(); err != nil || rid != 0 || row[0] != int64(0) {
		t.Error("Unexpected result:", rid, row, err)
		return
	}

	if rid, _, _ := r.Next(); rid != 0 {
		t.Error("Unexpected result:", rid)
		return
	}

	// Error cases

	if err := w.Append(tuple.Data{int64(1), strings.Repeat("x", testPageSize), nil}); !errors.Is(err, ErrRowTooLarge) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := NewWriter(seg, 3, testDesc[:1], root); !errors.Is(err, ErrClusterFormat) {
		t.Error("Unexpected result:", err)
		return
	}

	pl := segment.NewPageLock(seg)

	id, err := pl.AllocatePage(3)
	if err != nil {
		t.Error(err)
		return
	}

	data := pl.Data()
	for i := range data {
		data[i] = 0
	}
	pl.Dirty()
	pl.Unlock()

	if _, err := NewWriter(seg, 3, testDesc, id); !errors.Is(err, ErrClusterFormat) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, _, err := NewReader(seg, testDesc, id).Next(); !errors.Is(err, ErrClusterFormat) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, _, err := NewReader(seg, testDesc, storage.NullPageID).Next(); err != io.EOF {
		t.Error("Unexpected result:", err)
		return
	}
}

func runGraph(g *exec.Graph) ([]tuple.Data, error) {
	if err := g.Open(nil); err != nil {
		return nil, err
	}
	defer g.Close()

	var res []tuple.Data

	err := exec.NewScheduler(exec.Quantum{NTuplesMax: 50}).Drain(context.Background(), g,
		func(t tuple.Data) error {
			res = append(res, t)
			return nil
		})

	return res, err
}

func TestClusterStreams(t *testing.T) {
	f, seg := newTestSegment(t)
	defer f.CloseAll()

	gen := exec.CompositeGenerator{exec.NewRampGenerator(), &exec.ConstGenerator{Value: 7}}

	g := exec.NewGraph("append", 256)
	g.AddStream(exec.NewMockProducerStream("producer", 2, 500, gen))
	app := NewClusterAppendStream("append", seg, 3, storage.NullPageID, []int{1, 0})
	g.AddStream(app)
	g.AddDataflow("producer", "append")

	res, err := runGraph(g)
	if err != nil || len(res) != 1 {
		t.Error("Unexpected result:", res, err)
		return
	}

	root := app.Root()

	if fmt.Sprint(res[0]) != fmt.Sprint(tuple.Data{int64(500), int64(0), int64(root)}) {
		t.Error("Unexpected result:", res[0])
		return
	}

	if desc := app.ClusterDescriptor().String(); desc != "[c1 int64 not null, c0 int64 not null]" {
		t.Error("Unexpected descriptor:", desc)
		return
	}

	// Append more rows to the same cluster

	g = exec.NewGraph("append2", 256)
	g.AddStream(exec.NewMockProducerStream("producer", 2, 100, gen))
	g.AddStream(NewClusterAppendStream("append", seg, 3, root, []int{1, 0}))
	g.AddDataflow("producer", "append")

	if res, err = runGraph(g); err != nil || fmt.Sprint(res) != fmt.Sprint([]tuple.Data{{int64(100), int64(500), int64(root)}}) {
		t.Error("Unexpected result:", res, err)
		return
	}

	// Scan the cluster

	desc := tuple.Descriptor{{Name: "c1", Type: tuple.TypeInt64}, {Name: "c0", Type: tuple.TypeInt64}}

	g = exec.NewGraph("scan", 256)
	scan := NewClusterScanStream("scan", seg, root, desc, true)
	g.AddStream(scan)

	if scan.OutputDescriptor().String() != "[rid int64 not null, c1 int64 not null, c0 int64 not null]" {
		t.Error("Unexpected descriptor:", scan.OutputDescriptor())
		return
	}

	res, err = runGraph(g)
	if err != nil || len(res) != 600 {
		t.Error("Unexpected result:", len(res), err)
		return
	}

	for i, row := range res {
		if row[0] != int64(i) || row[1] != int64(7) || row[2] != int64(i%500) {
			t.Error("Unexpected row", i, ":", row)
			return
		}
	}

	// Empty cluster

	g = exec.NewGraph("empty", 256)
	g.AddStream(exec.NewValuesStream("values", desc, nil))
	empty := NewClusterAppendStream("append", seg, 3, storage.NullPageID, nil)
	g.AddStream(empty)
	g.AddDataflow("values", "append")

	if res, err = runGraph(g); err != nil || fmt.Sprint(res) != fmt.Sprint([]tuple.Data{{int64(0), int64(0), int64(-1)}}) {
		t.Error("Unexpected result:", res, err)
		return
	}

	g = exec.NewGraph("scan", 256)
	g.AddStream(NewClusterScanStream("scan", seg, empty.Root(), desc, false))

	if res, err = runGraph(g); err != nil || len(res) != 0 {
		t.Error("Unexpected result:", res, err)
		return
	}
}
