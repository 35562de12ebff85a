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
	"github.com/krotik/segmentdb/tuple"
)

/*
ExecStream is a dataflow operator which is driven by a scheduler.
*/
type ExecStream interface {

	/*
		Name returns the unique name of the stream within its graph.
	*/
	Name() string

	/*
		OutputDescriptor returns the descriptor of the produced tuples.
	*/
	OutputDescriptor() tuple.Descriptor

	/*
		SetInputAccessors binds the input buffers of the stream.
	*/
	SetInputAccessors(accessors []*BufAccessor)

	/*
		SetOutputAccessors binds the output buffers of the stream.
	*/
	SetOutputAccessors(accessors []*BufAccessor)

	/*
		ResourceRequirements returns the minimum and optimum resources of the
		stream.
	*/
	ResourceRequirements() (min ResourceQuantity, opt ResourceQuantity)

	/*
		SetResourceAllocation sets the resources which were granted to the
		stream.
	*/
	SetResourceAllocation(q ResourceQuantity)

	/*
		Open prepares the stream for execution. If restart is set the stream
		was opened before and should start again from the beginning.
	*/
	Open(restart bool) error

	/*
		Execute runs a single step of the stream bounded by a quantum.
	*/
	Execute(q *Quantum) (Result, error)

	/*
		Close releases all resources of the stream. Close can be called
		several times and after an abort.
	*/
	Close() error
}

/*
StreamBase holds the common state of all streams.
*/
type StreamBase struct {
	name       string
	inputs     []*BufAccessor
	outputs    []*BufAccessor
	allocation ResourceQuantity
}

/*
NewStreamBase creates the common state for a stream.
*/
func NewStreamBase(name string) StreamBase {
	return StreamBase{name: name}
}

/*
Name returns the name of the stream.
*/
func (s *StreamBase) Name() string {
	return s.name
}

/*
OutputDescriptor returns an empty descriptor.
*/
func (s *StreamBase) OutputDescriptor() tuple.Descriptor {
	return nil
}

/*
SetInputAccessors binds the input buffers of the stream.
*/
func (s *StreamBase) SetInputAccessors(accessors []*BufAccessor) {
	s.inputs = accessors
}

/*
SetOutputAccessors binds the output buffers of the stream.
*/
func (s *StreamBase) SetOutputAccessors(accessors []*BufAccessor) {
	s.outputs = accessors
}

/*
Input returns an input accessor.
*/
func (s *StreamBase) Input(i int) *BufAccessor {
	return s.inputs[i]
}

/*
Output returns an output accessor.
*/
func (s *StreamBase) Output(i int) *BufAccessor {
	return s.outputs[i]
}

/*
ResourceRequirements returns no requirements.
*/
func (s *StreamBase) ResourceRequirements() (ResourceQuantity, ResourceQuantity) {
	return ResourceQuantity{}, ResourceQuantity{}
}

/*
SetResourceAllocation stores the granted resources.
*/
func (s *StreamBase) SetResourceAllocation(q ResourceQuantity) {
	s.allocation = q
}

/*
ResourceAllocation returns the granted resources.
*/
func (s *StreamBase) ResourceAllocation() ResourceQuantity {
	return s.allocation
}

/*
Open clears the output buffers if the stream is restarted.
*/
func (s *StreamBase) Open(restart bool) error {
	if restart {
		for _, o := range s.outputs {
			o.Clear()
		}
	}
	return nil
}

/*
Close does nothing.
*/
func (s *StreamBase) Close() error {
	return nil
}
