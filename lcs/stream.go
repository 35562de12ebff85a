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
	"fmt"
	"io"

	"github.com/krotik/segmentdb/exec"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/segment"
	"github.com/krotik/segmentdb/tuple"
)

/*
AppendResultDescriptor is the output of a cluster append stream.
*/
var AppendResultDescriptor = tuple.Descriptor{
	{Name: "rowcount", Type: tuple.TypeInt64},
	{Name: "startrid", Type: tuple.TypeInt64},
	{Name: "rootpageid", Type: tuple.TypeInt64},
}

/*
ClusterAppendStream appends its input rows to a cluster. At the end of its
input it produces a single row with the number of appended rows, the RID of
the first appended row and the root page of the cluster.
*/
type ClusterAppendStream struct {
	exec.StreamBase
	seg        segment.Segment     // Segment of the cluster
	owner      storage.PageOwnerID // Owner of new pages
	root       storage.PageID      // Root of the cluster
	projection []int               // Stored input columns (nil for all)
	writer     *Writer             // Writer while open
	result     tuple.Data          // Result row which was not yet produced
	finished   bool                // Flag if all input was appended
}

/*
NewClusterAppendStream creates a new cluster append stream. If root is
NullPageID a new cluster is created. The projection selects the input
columns which are stored; nil stores all columns.
*/
func NewClusterAppendStream(name string, seg segment.Segment, owner storage.PageOwnerID,
	root storage.PageID, projection []int) *ClusterAppendStream {

	return &ClusterAppendStream{StreamBase: exec.NewStreamBase(name), seg: seg, owner: owner,
		root: root, projection: projection}
}

/*
OutputDescriptor returns the result descriptor.
*/
func (cs *ClusterAppendStream) OutputDescriptor() tuple.Descriptor {
	return AppendResultDescriptor
}

/*
ClusterDescriptor returns the columns of the cluster.
*/
func (cs *ClusterAppendStream) ClusterDescriptor() tuple.Descriptor {
	desc := cs.Input(0).TupleDescriptor()

	if cs.projection != nil {
		desc = desc.Project(cs.projection)
	}

	return desc
}

/*
Root returns the root page of the cluster.
*/
func (cs *ClusterAppendStream) Root() storage.PageID {
	return cs.root
}

/*
Open creates a cluster writer. A restarted stream appends to the cluster
which was written before.
*/
func (cs *ClusterAppendStream) Open(restart bool) error {
	w, err := NewWriter(cs.seg, cs.owner, cs.ClusterDescriptor(), cs.root)
	if err != nil {
		return err
	}

	cs.writer = w
	cs.result = nil
	cs.finished = false

	return cs.StreamBase.Open(restart)
}

/*
Execute appends input rows.
*/
func (cs *ClusterAppendStream) Execute(q *exec.Quantum) (exec.Result, error) {
	out := cs.Output(0)

	if out.State() == exec.BufEOS {
		return exec.ResultEOS, nil
	}

	if cs.finished {
		return cs.produceResult(out)
	}

	in := cs.Input(0)

	for i := uint64(0); i < q.NTuplesMax; i++ {

		if !in.DemandData() {
			if in.State() != exec.BufEOS {
				return exec.ResultBufUnderflow, nil
			}

			if err := cs.writer.Flush(); err != nil {
				return exec.ResultEOS, err
			}

			cs.root = cs.writer.Root()
			cs.finished = true
			cs.result = tuple.Data{int64(cs.writer.RowCount()), int64(cs.writer.StartRID()), int64(cs.root)}

			logger.Info(fmt.Sprintf("%v: appended %v rows to cluster %v (%v pages)", cs.Name(),
				cs.writer.RowCount(), cs.root, cs.writer.Pages()))

			return cs.produceResult(out)
		}

		t, err := in.UnmarshalTuple()
		if err != nil {
			return exec.ResultEOS, err
		}

		if cs.projection != nil {
			t = t.Project(cs.projection)
		}

		if err := cs.writer.Append(t); err != nil {
			return exec.ResultEOS, err
		}

		in.ConsumeTuple()
	}

	return exec.ResultQuantumExpired, nil
}

/*
produceResult produces the result row and marks the output as finished.
*/
func (cs *ClusterAppendStream) produceResult(out *exec.BufAccessor) (exec.Result, error) {
	if cs.result != nil {
		if !out.IsProductionPossible() {
			return exec.ResultBufOverflow, nil
		}

		ok, err := out.ProduceTuple(cs.result)
		if err != nil {
			return exec.ResultEOS, err
		} else if !ok {
			out.RequestConsumption()
			return exec.ResultBufOverflow, nil
		}

		cs.result = nil
	}

	out.MarkEOS()

	return exec.ResultEOS, nil
}

/*
ClusterScanStream produces the rows of a cluster.
*/
type ClusterScanStream struct {
	exec.StreamBase
	seg     segment.Segment  // Segment of the cluster
	root    storage.PageID   // Root of the cluster
	desc    tuple.Descriptor // Columns of the cluster
	withRID bool             // Flag if the RID is produced as first column
	reader  *Reader          // Reader while open
}

/*
NewClusterScanStream creates a new cluster scan stream. If withRID is set
each row starts with its RID.
*/
func NewClusterScanStream(name string, seg segment.Segment, root storage.PageID,
	desc tuple.Descriptor, withRID bool) *ClusterScanStream {

	return &ClusterScanStream{StreamBase: exec.NewStreamBase(name), seg: seg, root: root,
		desc: desc, withRID: withRID}
}

/*
OutputDescriptor returns the descriptor of the produced rows.
*/
func (ss *ClusterScanStream) OutputDescriptor() tuple.Descriptor {
	if ss.withRID {
		return append(tuple.Descriptor{{Name: "rid", Type: tuple.TypeInt64}}, ss.desc...)
	}
	return ss.desc
}

/*
Open positions the stream before the first row.
*/
func (ss *ClusterScanStream) Open(restart bool) error {
	ss.reader = NewReader(ss.seg, ss.desc, ss.root)
	return ss.StreamBase.Open(restart)
}

/*
Execute produces cluster rows.
*/
func (ss *ClusterScanStream) Execute(q *exec.Quantum) (exec.Result, error) {
	out := ss.Output(0)

	if out.State() == exec.BufEOS {
		return exec.ResultEOS, nil
	} else if !out.IsProductionPossible() {
		return exec.ResultBufOverflow, nil
	}

	for i := uint64(0); i < q.NTuplesMax; i++ {
		rid, row, err := ss.reader.Peek()

		if err == io.EOF {
			out.MarkEOS()
			return exec.ResultEOS, nil
		} else if err != nil {
			return exec.ResultEOS, err
		}

		if ss.withRID {
			row = append(tuple.Data{int64(rid)}, row...)
		}

		ok, err := out.ProduceTuple(row)
		if err != nil {
			return exec.ResultEOS, err
		} else if !ok {
			out.RequestConsumption()
			return exec.ResultBufOverflow, nil
		}

		ss.reader.Next()
	}

	return exec.ResultQuantumExpired, nil
}
