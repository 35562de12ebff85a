/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestCompoundIDs(t *testing.T) {
	id := NewBlockID(5, 123456)

	if id.DeviceID() != 5 || id.BlockNum() != 123456 || id.String() != "5:123456" {
		t.Error("Unexpected result:", id.DeviceID(), id.BlockNum(), id)
		return
	}

	id = NewBlockID(MaxDeviceID, MaxBlockNum)

	if id.DeviceID() != MaxDeviceID || id.BlockNum() != MaxBlockNum || id != NullBlockID {
		t.Error("Unexpected result:", id.DeviceID(), id.BlockNum())
		return
	}

	if id = NewBlockID(0, 0); id != 0 || id.String() != "0:0" {
		t.Error("Unexpected result:", id)
		return
	}

	if NullBlockID.String() != "NULL" || NullPageID.String() != "NULL" || PageID(42).String() != "42" {
		t.Error("Unexpected string representations")
		return
	}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Out of range device id should panic")
			}
		}()

		NewBlockID(MaxDeviceID+1, 0)
	}()
}

func TestStorageError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError(ErrChecksum, "Page 3", "seg1"))

	if !errors.Is(err, ErrChecksum) || errors.Is(err, ErrBadFooter) {
		t.Error("Unexpected error matching:", err)
		return
	}

	var serr *Error

	if !errors.As(err, &serr) || serr.Name != "seg1" ||
		err.Error() != "wrapped: Page checksum mismatch (seg1 - Page 3)" {

		t.Error("Unexpected result:", err)
		return
	}
}
