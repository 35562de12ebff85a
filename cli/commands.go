/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/krotik/common/stringutil"
	"github.com/krotik/segmentdb/bitmap"
	"github.com/krotik/segmentdb/exec"
	"github.com/krotik/segmentdb/flatfile"
	"github.com/krotik/segmentdb/lcs"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/segment"
	"github.com/krotik/segmentdb/tuple"
)

/*
Command errors
*/
var (
	ErrUnknownTable    = errors.New("Unknown table")
	ErrColumnsMismatch = errors.New("Columns do not match table")
)

/*
errStop stops a scan once its limit is reached.
*/
var errStop = errors.New("stop")

/*
LoadTable loads a flat file into a table. The table is created if it does
not exist, otherwise the rows are appended.
*/
func LoadTable(ds *Datastore, out io.Writer, name string, params flatfile.Params) error {
	t, exists, err := ds.Table(name)
	if err != nil {
		return err
	}

	if params.Columns == nil {
		if !exists {
			return fmt.Errorf("%w: %v (no columns given)", ErrUnknownTable, name)
		}
		params.Columns = t.Columns

	} else if exists && params.Columns.String() != t.Columns.String() {
		return fmt.Errorf("%w: %v has columns %v", ErrColumnsMismatch, name, t.Columns)
	}

	params.Mode = flatfile.ModeQuery

	input := flatfile.NewStream("input", ds.factory, params)
	appender := lcs.NewClusterAppendStream("append", ds.data, Owner(name), t.Root, nil)

	g := exec.NewGraph("load."+name, exec.DefaultBufferSize)
	g.AddStream(input)
	g.AddStream(appender)
	g.AddDataflow("input", "append")

	var result tuple.Data

	if err = ds.Run(g, func(r tuple.Data) error {
		result = r
		return nil
	}); err != nil {
		return err
	}

	if err = ds.StoreTable(Table{name, appender.Root(), params.Columns}); err != nil {
		return err
	}

	rows := int(result[0].(int64))

	fmt.Fprintf(out, "Loaded %v row%v into %v starting at RID %v\n", rows,
		stringutil.Plural(rows), name, result[1])

	if n := input.RowErrors(); n > 0 {
		fmt.Fprintf(out, "Skipped %v row%v:\n", n, stringutil.Plural(n))
		for _, e := range input.Errors() {
			fmt.Fprintln(out, "   ", e)
		}
	}

	return nil
}

/*
ScanTable writes the rows of a table. A limit of 0 writes all rows.
*/
func ScanTable(ds *Datastore, out io.Writer, name string, withRID bool, limit int) error {
	t, exists, err := ds.Table(name)
	if err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%w: %v", ErrUnknownTable, name)
	}

	scan := lcs.NewClusterScanStream("scan", ds.data, t.Root, t.Columns, withRID)

	g := exec.NewGraph("scan."+name, exec.DefaultBufferSize)
	g.AddStream(scan)

	fmt.Fprintln(out, scan.OutputDescriptor())

	var n int

	err = ds.Run(g, func(r tuple.Data) error {
		fmt.Fprintln(out, r)

		if n++; limit > 0 && n >= limit {
			return errStop
		}

		return nil
	})

	if err == errStop {
		err = nil
	}

	return err
}

/*
IndexTable writes the RIDs of all rows of a table whose column has a given
value and which are not smaller than a lower bound. The matching RIDs are
stored as bitmap entries which are read back by a RID stream.
*/
func IndexTable(ds *Datastore, out io.Writer, name string, column string, value string,
	lowerBound uint64) error {

	t, exists, err := ds.Table(name)
	if err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%w: %v", ErrUnknownTable, name)
	}

	col := -1
	for i, a := range t.Columns {
		if strings.EqualFold(a.Name, column) {
			col = i
		}
	}

	if col == -1 {
		return fmt.Errorf("%w: %v", flatfile.ErrColumnNotFound, column)
	}

	var rids []tuple.Data

	g := exec.NewGraph("match."+name, exec.DefaultBufferSize)
	g.AddStream(lcs.NewClusterScanStream("scan", ds.data, t.Root, t.Columns, true))

	if err = ds.Run(g, func(r tuple.Data) error {
		if r[col+1] != nil && fmt.Sprint(r[col+1]) == value {
			rids = append(rids, tuple.Data{r[0]})
		}
		return nil
	}); err != nil {
		return err
	}

	store := bitmap.NewEntryStore(ds.data, Owner(name+".bitmap"))

	g = exec.NewGraph("index."+name, exec.DefaultBufferSize)
	g.AddStream(exec.NewValuesStream("rids", bitmap.RidDescriptor, rids))
	g.AddStream(bitmap.NewEntryBuildStream("build", 0, uint64(ds.cache.PageSize()/2)))
	g.AddStream(bitmap.NewEntryStoreStream("store", store))
	g.AddDataflow("rids", "build")
	g.AddDataflow("build", "store")

	var first storage.PageID
	var entries int64

	if err = ds.Run(g, func(r tuple.Data) error {
		entries = r[0].(int64)
		first = storage.PageID(r[1].(int64))
		return nil
	}); err != nil {
		return err
	}

	defer store.Free(first)

	g = exec.NewGraph("rids."+name, exec.DefaultBufferSize)
	g.AddStream(bitmap.NewEntryScanStream("entries", store, first))
	g.AddStream(bitmap.NewRidStream("rids", lowerBound))
	g.AddDataflow("entries", "rids")

	var n int

	if err = ds.Run(g, func(r tuple.Data) error {
		fmt.Fprintln(out, r[0])
		n++
		return nil
	}); err != nil {
		return err
	}

	fmt.Fprintf(out, "%v matching row%v (%v bitmap entr%v)\n", n, stringutil.Plural(n),
		entries, pluralY(int(entries)))

	return nil
}

/*
pluralY returns the plural ending of words ending with y.
*/
func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

/*
DescribeFile writes the max field lengths of a flat file.
*/
func DescribeFile(ds *Datastore, out io.Writer, params flatfile.Params) error {
	params.Mode = flatfile.ModeDescribe

	g := exec.NewGraph("describe", exec.DefaultBufferSize)
	g.AddStream(flatfile.NewStream("input", ds.factory, params))

	return ds.Run(g, func(r tuple.Data) error {
		sizes := strings.Fields(fmt.Sprint(r[0]))

		for i, a := range params.Columns {
			if i < len(sizes) {
				fmt.Fprintf(out, "%v: %v\n", a.Name, sizes[i])
			}
		}

		return nil
	})
}

/*
PrintStats writes statistics of the datastore.
*/
func PrintStats(ds *Datastore, out io.Writer) error {
	fmt.Fprint(out, ds.factory)

	if rs, ok := ds.data.(*segment.RandomAllocationSegment); ok {
		fmt.Fprintf(out, "Allocated pages: %v of %v\n", rs.NumPagesAllocated(), rs.AllocatedSizeInPages())
	} else if ds.tracing != nil {
		rs := ds.tracing.Target().(*segment.RandomAllocationSegment)
		fmt.Fprintf(out, "Allocated pages: %v of %v\n", rs.NumPagesAllocated(), rs.AllocatedSizeInPages())
	}

	fmt.Fprintln(out, "Tables:")

	for _, name := range ds.TableNames() {
		t, _, err := ds.Table(name)
		if err != nil {
			return err
		}

		pages, err := segment.ChainLength(ds.data, t.Root)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%v %v: %v page%v\n", name, t.Columns, pages, stringutil.Plural(pages))
	}

	fmt.Fprintln(out, "Cache:")

	s := ds.cache.Stats()
	fmt.Fprintf(out, "hits: %v misses: %v reads: %v writes: %v evictions: %v\n",
		s.Hits, s.Misses, s.Reads, s.Writes, s.Evictions)

	mfs, err := ds.registry.Gather()
	if err != nil {
		return err
	}

	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}

			value := m.GetCounter().GetValue() + m.GetGauge().GetValue()

			fmt.Fprintf(out, "%v{%v} %v\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}

	if ds.tracing != nil {
		fmt.Fprintln(out, "Trace:")
		for _, line := range ds.tracing.Trace() {
			fmt.Fprintln(out, line)
		}
	}

	return nil
}
