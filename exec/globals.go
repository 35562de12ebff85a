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
Package exec contains the execution stream framework.

Execution streams are dataflow operators which are connected by buffer
accessors. Each accessor connects exactly one producer with exactly one
consumer. A scheduler drives the streams of a graph by calling Execute with
a quantum which bounds the work a stream may do in one step. A stream never
blocks; it returns BufUnderflow if it needs more input and BufOverflow if its
output buffer is full.
*/
package exec

import (
	"errors"
	"fmt"

	"github.com/krotik/common/logutil"
	"github.com/krotik/segmentdb/storage"
)

var logger = logutil.GetLogger("segmentdb.exec")

/*
Exec related errors
*/
var (
	ErrAborted           = errors.New("Execution was aborted")
	ErrResourceExhausted = storage.ErrResourceExhausted
	ErrProtocol          = errors.New("Stream protocol violation")
	ErrTupleTooLarge     = errors.New("Tuple does not fit into stream buffer")
	ErrGraph             = errors.New("Invalid stream graph")
)

/*
Result is the result of a single execution step of a stream.
*/
type Result int

/*
Results of an execution step
*/
const (
	ResultYield          Result = iota // Stream made progress and has more to do
	ResultBufOverflow                  // Output buffer is full
	ResultBufUnderflow                 // Stream needs more input
	ResultEOS                          // Stream is exhausted
	ResultQuantumExpired               // Quantum was used up
)

/*
String returns a string representation of a result.
*/
func (r Result) String() string {
	switch r {
	case ResultYield:
		return "YIELD"
	case ResultBufOverflow:
		return "BUF_OVERFLOW"
	case ResultBufUnderflow:
		return "BUF_UNDERFLOW"
	case ResultEOS:
		return "EOS"
	case ResultQuantumExpired:
		return "QUANTUM_EXPIRED"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(r))
}

/*
DefaultQuantumTuples is the default number of tuples per quantum.
*/
const DefaultQuantumTuples = 1000

/*
Quantum bounds the work of a single execution step.
*/
type Quantum struct {
	NTuplesMax uint64 // Max number of tuples a stream should process
}

/*
ResourceQuantity is an amount of resources a stream requires.
*/
type ResourceQuantity struct {
	CachePages int64 // Number of cache pages
}

/*
String returns a string representation of a resource quantity.
*/
func (q ResourceQuantity) String() string {
	return fmt.Sprintf("%v pages", q.CachePages)
}
