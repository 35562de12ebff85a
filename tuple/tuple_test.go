/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package tuple

import (
	"bytes"
	"errors"
	"testing"
)

func testDescriptor() Descriptor {
	return Descriptor{
		{Name: "id", Type: TypeInt64},
		{Name: "price", Type: TypeFloat64, Nullable: true},
		{Name: "flag", Type: TypeBool},
		{Name: "name", Type: TypeString, Nullable: true, MaxLength: 10},
		{Name: "raw", Type: TypeBinary, Nullable: true},
	}
}

func TestTupleMarshalling(t *testing.T) {
	desc := testDescriptor()

	if res := desc.String(); res != "[id int64 not null, price float64, flag bool not null, "+
		"name string(10), raw binary]" {
		t.Error("Unexpected descriptor:", res)
		return
	}

	data := Data{int64(42), 1.5, true, "foo", []byte{1, 2}}

	size, err := desc.MarshalledSize(data)
	if err != nil || size != 4+9+9+2+8+7 {
		t.Error("Unexpected size:", size, err)
		return
	}

	buf := make([]byte, 100)

	n, err := desc.Marshal(data, buf)
	if err != nil || n != size {
		t.Error("Unexpected marshal result:", n, err)
		return
	}

	if !IsComplete(buf[:n]) || IsComplete(buf[:n-1]) || IsComplete(buf[:2]) {
		t.Error("Unexpected completeness check")
		return
	}

	res, consumed, err := desc.Unmarshal(buf)
	if err != nil || consumed != n {
		t.Error("Unexpected unmarshal result:", consumed, err)
		return
	}

	if res.String() != "(42, 1.5, true, foo, 0102)" || !bytes.Equal(res[4].([]byte), []byte{1, 2}) {
		t.Error("Unexpected tuple:", res)
		return
	}

	// Nulls

	data = Data{int64(1), nil, false, nil, nil}

	n, _ = desc.Marshal(data, buf)

	nulls, _, _ := desc.Unmarshal(buf[:n])

	if nulls.String() != "(1, NULL, false, NULL, NULL)" {
		t.Error("Unexpected tuple:", nulls)
		return
	}

	if nulls.Project([]int{3, 0}).String() != "(NULL, 1)" ||
		desc.Project([]int{3}).String() != "[name string(10)]" {
		t.Error("Unexpected projection")
		return
	}
}

func TestTupleErrors(t *testing.T) {
	desc := testDescriptor()
	buf := make([]byte, 100)

	if _, err := desc.Marshal(Data{nil, nil, true, nil, nil}, buf); !errors.Is(err, ErrNotNullable) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := desc.Marshal(Data{"1", nil, true, nil, nil}, buf); !errors.Is(err, ErrTypeMismatch) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := desc.Marshal(Data{int64(1), nil, true, "12345678901", nil}, buf); !errors.Is(err, ErrTooLong) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := desc.Marshal(Data{int64(1)}, buf); !errors.Is(err, ErrTypeMismatch) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := desc.Marshal(Data{int64(1), nil, true, nil, nil}, buf[:10]); err != ErrBufferSize {
		t.Error("Unexpected result:", err)
		return
	}

	n, _ := desc.Marshal(Data{int64(1), nil, true, "abc", nil}, buf)

	if _, _, err := desc.Unmarshal(buf[:n-1]); err != ErrTruncated {
		t.Error("Unexpected result:", err)
		return
	}

	if desc.MaxMarshalledSize() != -1 || desc[:4].MaxMarshalledSize() != 4+9+9+2+15 {
		t.Error("Unexpected max size:", desc[:4].MaxMarshalledSize())
		return
	}
}
