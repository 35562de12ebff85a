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
Package tuple contains tuple descriptors, tuple data and the marshalled tuple
format which is used in stream buffers and on pages.

Marshalled format (big endian):

	uint32 total length of the marshalled tuple (including this field)
	per attribute:
	    byte   null indicator (0 value present, 1 null)
	    int64 / float64 / bool: fixed width value
	    string / binary: uint32 length followed by the bytes

A marshalled tuple is self describing in length so a consumer can check
whether a complete tuple is available in a buffer before unmarshalling it.
*/
package tuple

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

/*
Type is the type of an attribute.
*/
type Type int

/*
Attribute types
*/
const (
	TypeInt64 Type = iota
	TypeFloat64
	TypeBool
	TypeString
	TypeBinary
)

/*
String returns the name of a type.
*/
func (t Type) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBinary:
		return "binary"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

/*
fixedWidth returns the width of fixed width types or 0.
*/
func (t Type) fixedWidth() int {
	switch t {
	case TypeInt64, TypeFloat64:
		return 8
	case TypeBool:
		return 1
	}
	return 0
}

/*
HeaderSize is the size of the length field of a marshalled tuple
*/
const HeaderSize = 4

/*
Errors of the tuple format
*/
var (
	ErrTypeMismatch = errors.New("Value does not match attribute type")
	ErrNotNullable  = errors.New("Attribute is not nullable")
	ErrTooLong      = errors.New("Value exceeds attribute length")
	ErrTruncated    = errors.New("Marshalled tuple is truncated")
	ErrBufferSize   = errors.New("Buffer too small for tuple")
)

/*
AttributeDescriptor describes a single attribute of a tuple.
*/
type AttributeDescriptor struct {
	Name      string
	Type      Type
	Nullable  bool
	MaxLength int // Max length of string and binary values (0 for no limit)
}

/*
String returns a string representation of an attribute descriptor.
*/
func (a AttributeDescriptor) String() string {
	var buf bytes.Buffer

	buf.WriteString(a.Name)
	buf.WriteString(" ")
	buf.WriteString(a.Type.String())

	if a.MaxLength > 0 {
		buf.WriteString(fmt.Sprintf("(%v)", a.MaxLength))
	}
	if !a.Nullable {
		buf.WriteString(" not null")
	}

	return buf.String()
}

/*
Descriptor describes the attributes of a tuple.
*/
type Descriptor []AttributeDescriptor

/*
String returns a string representation of a descriptor.
*/
func (d Descriptor) String() string {
	var parts []string
	for _, a := range d {
		parts = append(parts, a.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

/*
Project returns a descriptor with the attributes at the given positions.
*/
func (d Descriptor) Project(proj []int) Descriptor {
	ret := make(Descriptor, len(proj))
	for i, p := range proj {
		ret[i] = d[p]
	}
	return ret
}

/*
MaxMarshalledSize returns the max size of a marshalled tuple or -1 if the
size is not bounded.
*/
func (d Descriptor) MaxMarshalledSize() int {
	size := HeaderSize

	for _, a := range d {
		size++

		if w := a.Type.fixedWidth(); w > 0 {
			size += w
		} else if a.MaxLength > 0 {
			size += 4 + a.MaxLength
		} else {
			return -1
		}
	}

	return size
}

/*
Data holds the values of a tuple. Values are int64, float64, bool, string,
[]byte or nil for NULL.
*/
type Data []interface{}

/*
Project returns the values at the given positions.
*/
func (t Data) Project(proj []int) Data {
	ret := make(Data, len(proj))
	for i, p := range proj {
		ret[i] = t[p]
	}
	return ret
}

/*
String returns a string representation of tuple data.
*/
func (t Data) String() string {
	var parts []string
	for _, v := range t {
		if v == nil {
			parts = append(parts, "NULL")
		} else if b, ok := v.([]byte); ok {
			parts = append(parts, fmt.Sprintf("%x", b))
		} else {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

/*
ValueSize returns the marshalled size of a single value including its null
indicator.
*/
func (a AttributeDescriptor) ValueSize(v interface{}) (int, error) {
	if v == nil {
		if !a.Nullable {
			return 0, fmt.Errorf("%w: %v", ErrNotNullable, a.Name)
		}
		return 1, nil
	}

	if w := a.Type.fixedWidth(); w > 0 {
		return 1 + w, nil
	}

	var l int

	switch vv := v.(type) {
	case string:
		l = len(vv)
	case []byte:
		l = len(vv)
	}

	if a.MaxLength > 0 && l > a.MaxLength {
		return 0, fmt.Errorf("%w: %v (%v > %v)", ErrTooLong, a.Name, l, a.MaxLength)
	}

	return 5 + l, nil
}

/*
MarshalValue writes a single value with its null indicator into a buffer.
The buffer must hold ValueSize bytes. Returns the number of written bytes.
*/
func (a AttributeDescriptor) MarshalValue(v interface{}, buf []byte) (int, error) {
	if v == nil {
		buf[0] = 1
		return 1, nil
	}

	buf[0] = 0
	pos := 1

	switch a.Type {
	case TypeInt64:
		iv, ok := v.(int64)
		if !ok {
			return 0, fmt.Errorf("%w: %v expects int64 got %T", ErrTypeMismatch, a.Name, v)
		}
		binary.BigEndian.PutUint64(buf[pos:], uint64(iv))
		pos += 8

	case TypeFloat64:
		fv, ok := v.(float64)
		if !ok {
			return 0, fmt.Errorf("%w: %v expects float64 got %T", ErrTypeMismatch, a.Name, v)
		}
		binary.BigEndian.PutUint64(buf[pos:], math.Float64bits(fv))
		pos += 8

	case TypeBool:
		bv, ok := v.(bool)
		if !ok {
			return 0, fmt.Errorf("%w: %v expects bool got %T", ErrTypeMismatch, a.Name, v)
		}
		buf[pos] = 0
		if bv {
			buf[pos] = 1
		}
		pos++

	case TypeString:
		sv, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("%w: %v expects string got %T", ErrTypeMismatch, a.Name, v)
		}
		binary.BigEndian.PutUint32(buf[pos:], uint32(len(sv)))
		pos += 4 + copy(buf[pos+4:], sv)

	case TypeBinary:
		bv, ok := v.([]byte)
		if !ok {
			return 0, fmt.Errorf("%w: %v expects []byte got %T", ErrTypeMismatch, a.Name, v)
		}
		binary.BigEndian.PutUint32(buf[pos:], uint32(len(bv)))
		pos += 4 + copy(buf[pos+4:], bv)
	}

	return pos, nil
}

/*
UnmarshalValue reads a single value with its null indicator from the start
of a buffer. Returns the value and the number of consumed bytes.
*/
func (a AttributeDescriptor) UnmarshalValue(buf []byte) (interface{}, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrTruncated
	} else if buf[0] == 1 {
		return nil, 1, nil
	}

	pos := 1

	if w := a.Type.fixedWidth(); w > 0 {
		if pos+w > len(buf) {
			return nil, 0, ErrTruncated
		}

		switch a.Type {
		case TypeInt64:
			return int64(binary.BigEndian.Uint64(buf[pos:])), pos + w, nil
		case TypeFloat64:
			return math.Float64frombits(binary.BigEndian.Uint64(buf[pos:])), pos + w, nil
		}

		return buf[pos] == 1, pos + w, nil
	}

	if pos+4 > len(buf) {
		return nil, 0, ErrTruncated
	}

	l := int(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4

	if pos+l > len(buf) {
		return nil, 0, ErrTruncated
	}

	if a.Type == TypeString {
		return string(buf[pos : pos+l]), pos + l, nil
	}

	return append([]byte(nil), buf[pos:pos+l]...), pos + l, nil
}

/*
MarshalledSize returns the size of the marshalled form of tuple data.
*/
func (d Descriptor) MarshalledSize(t Data) (int, error) {
	if len(t) != len(d) {
		return 0, fmt.Errorf("%w: expected %v values got %v", ErrTypeMismatch, len(d), len(t))
	}

	size := HeaderSize

	for i, a := range d {
		s, err := a.ValueSize(t[i])
		if err != nil {
			return 0, err
		}

		size += s
	}

	return size, nil
}

/*
Marshal writes tuple data into a buffer and returns the number of written
bytes.
*/
func (d Descriptor) Marshal(t Data, buf []byte) (int, error) {
	size, err := d.MarshalledSize(t)
	if err != nil {
		return 0, err
	} else if size > len(buf) {
		return 0, ErrBufferSize
	}

	binary.BigEndian.PutUint32(buf, uint32(size))
	pos := HeaderSize

	for i, a := range d {
		n, err := a.MarshalValue(t[i], buf[pos:])
		if err != nil {
			return 0, err
		}

		pos += n
	}

	return pos, nil
}

/*
MarshalledLength returns the length of the marshalled tuple at the start of
a buffer. Returns false if the buffer does not hold a complete length field.
*/
func MarshalledLength(buf []byte) (int, bool) {
	if len(buf) < HeaderSize {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(buf)), true
}

/*
IsComplete checks if a buffer starts with a complete marshalled tuple.
*/
func IsComplete(buf []byte) bool {
	l, ok := MarshalledLength(buf)
	return ok && l <= len(buf)
}

/*
Unmarshal reads tuple data from the start of a buffer. Returns the data and
the number of consumed bytes.
*/
func (d Descriptor) Unmarshal(buf []byte) (Data, int, error) {
	size, ok := MarshalledLength(buf)
	if !ok || size > len(buf) || size < HeaderSize {
		return nil, 0, ErrTruncated
	}

	buf = buf[:size]
	pos := HeaderSize
	t := make(Data, len(d))

	for i, a := range d {
		v, n, err := a.UnmarshalValue(buf[pos:])
		if err != nil {
			return nil, 0, err
		}

		t[i] = v
		pos += n
	}

	return t, size, nil
}
