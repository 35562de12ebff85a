/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package exec

import (
	"fmt"
	"math/rand"

	"github.com/krotik/segmentdb/tuple"
)

/*
ValuesStream produces a fixed list of tuples.
*/
type ValuesStream struct {
	StreamBase
	desc   tuple.Descriptor
	values []tuple.Data
	pos    int
}

/*
NewValuesStream creates a new stream which produces the given tuples.
*/
func NewValuesStream(name string, desc tuple.Descriptor, values []tuple.Data) *ValuesStream {
	return &ValuesStream{StreamBase: NewStreamBase(name), desc: desc, values: values}
}

/*
OutputDescriptor returns the descriptor of the produced tuples.
*/
func (vs *ValuesStream) OutputDescriptor() tuple.Descriptor {
	return vs.desc
}

/*
Open starts at the first tuple.
*/
func (vs *ValuesStream) Open(restart bool) error {
	vs.pos = 0
	return vs.StreamBase.Open(restart)
}

/*
Execute produces tuples until the output buffer is full.
*/
func (vs *ValuesStream) Execute(q *Quantum) (Result, error) {
	return ProduceRows(vs.Output(0), q, func() (tuple.Data, bool) {
		if vs.pos >= len(vs.values) {
			return nil, false
		}
		return vs.values[vs.pos], true
	}, func() {
		vs.pos++
	})
}

/*
ProduceRows is the common execution step of producers. next returns the
next row or false if there are no more rows; advance moves past a row which
was written to the output.
*/
func ProduceRows(out *BufAccessor, q *Quantum, next func() (tuple.Data, bool), advance func()) (Result, error) {
	if out.State() == BufEOS {
		return ResultEOS, nil
	} else if !out.IsProductionPossible() {
		return ResultBufOverflow, nil
	}

	for i := uint64(0); i < q.NTuplesMax; i++ {
		row, ok := next()

		if !ok {
			out.MarkEOS()
			return ResultEOS, nil
		}

		ok, err := out.ProduceTuple(row)
		if err != nil {
			return ResultEOS, err
		} else if !ok {
			out.RequestConsumption()
			return ResultBufOverflow, nil
		}

		advance()
	}

	return ResultQuantumExpired, nil
}

/*
Generator generates the values of a mock producer.
*/
type Generator interface {

	/*
		GenerateValue returns the value of a given row and column.
	*/
	GenerateValue(row uint64, col int) int64
}

/*
RampGenerator generates row * Factor + Offset.
*/
type RampGenerator struct {
	Offset int64
	Factor int64
}

/*
NewRampGenerator creates a generator with factor 1 and offset 0.
*/
func NewRampGenerator() *RampGenerator {
	return &RampGenerator{0, 1}
}

/*
GenerateValue returns row * Factor + Offset.
*/
func (g *RampGenerator) GenerateValue(row uint64, col int) int64 {
	return int64(row)*g.Factor + g.Offset
}

/*
ConstGenerator generates a constant value.
*/
type ConstGenerator struct {
	Value int64
}

/*
GenerateValue returns the constant.
*/
func (g *ConstGenerator) GenerateValue(row uint64, col int) int64 {
	return g.Value
}

/*
StairCaseGenerator generates Start + Height * (row / Width).
*/
type StairCaseGenerator struct {
	Start  int64
	Height int64
	Width  uint64
}

/*
GenerateValue returns the step of a row.
*/
func (g *StairCaseGenerator) GenerateValue(row uint64, col int) int64 {
	return g.Start + g.Height*int64(row/g.Width)
}

/*
PermutationGenerator generates a random permutation of 0..n-1.
*/
type PermutationGenerator struct {
	values []int64
}

/*
NewPermutationGenerator creates a permutation of n values with a given seed.
*/
func NewPermutationGenerator(n int, seed int64) *PermutationGenerator {
	rnd := rand.New(rand.NewSource(seed))
	values := make([]int64, n)

	for i, p := range rnd.Perm(n) {
		values[i] = int64(p)
	}

	return &PermutationGenerator{values}
}

/*
GenerateValue returns the permuted value of a row.
*/
func (g *PermutationGenerator) GenerateValue(row uint64, col int) int64 {
	return g.values[row%uint64(len(g.values))]
}

/*
CompositeGenerator uses a different generator for each column.
*/
type CompositeGenerator []Generator

/*
GenerateValue returns the value of the generator of the column.
*/
func (g CompositeGenerator) GenerateValue(row uint64, col int) int64 {
	return g[col].GenerateValue(row, col)
}

/*
MockProducerStream produces a number of rows of int64 columns from a
generator.
*/
type MockProducerStream struct {
	StreamBase
	desc  tuple.Descriptor
	nRows uint64
	gen   Generator
	row   uint64
	cur   tuple.Data
}

/*
NewMockProducerStream creates a new mock producer with a given number of
int64 columns and rows.
*/
func NewMockProducerStream(name string, nCols int, nRows uint64, gen Generator) *MockProducerStream {
	desc := make(tuple.Descriptor, nCols)

	for i := range desc {
		desc[i] = tuple.AttributeDescriptor{Name: fmt.Sprint("c", i), Type: tuple.TypeInt64}
	}

	return &MockProducerStream{StreamBase: NewStreamBase(name), desc: desc,
		nRows: nRows, gen: gen, cur: make(tuple.Data, nCols)}
}

/*
OutputDescriptor returns the descriptor of the produced tuples.
*/
func (ms *MockProducerStream) OutputDescriptor() tuple.Descriptor {
	return ms.desc
}

/*
RowCount returns the number of rows which were produced.
*/
func (ms *MockProducerStream) RowCount() uint64 {
	return ms.row
}

/*
Open starts at the first row.
*/
func (ms *MockProducerStream) Open(restart bool) error {
	ms.row = 0
	return ms.StreamBase.Open(restart)
}

/*
Execute produces generated rows until the output buffer is full.
*/
func (ms *MockProducerStream) Execute(q *Quantum) (Result, error) {
	return ProduceRows(ms.Output(0), q, func() (tuple.Data, bool) {
		if ms.row >= ms.nRows {
			return nil, false
		}
		for i := range ms.cur {
			ms.cur[i] = ms.gen.GenerateValue(ms.row, i)
		}
		return ms.cur, true
	}, func() {
		ms.row++
	})
}
