/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/OneOfOne/xxhash"
	"github.com/krotik/segmentdb/storage"
)

/*
FooterSize is the size of the page footer of segments which own their blocks.

Footer layout (big endian):

	0  uint32 magic
	4  uint32 flags
	8  uint64 owner id
	16 uint64 successor page id
	24 uint64 checksum of the page up to the checksum field
*/
const FooterSize = 32

/*
FooterMagic identifies a written page footer
*/
const FooterMagic = 0x53474d46

/*
Footer flags
*/
const (
	FlagMapPage = 1 << iota // Page holds allocation map data
)

const (
	footerMagic     = 0
	footerFlags     = 4
	footerOwner     = 8
	footerSuccessor = 16
	footerChecksum  = 24
)

/*
footer is a view on the footer region of a page.
*/
type footer []byte

/*
pageFooter returns the footer of a full page.
*/
func pageFooter(data []byte) footer {
	return footer(data[len(data)-FooterSize:])
}

func (f footer) magic() uint32 {
	return binary.BigEndian.Uint32(f[footerMagic:])
}

func (f footer) flags() uint32 {
	return binary.BigEndian.Uint32(f[footerFlags:])
}

func (f footer) setFlags(flags uint32) {
	binary.BigEndian.PutUint32(f[footerFlags:], flags)
}

func (f footer) owner() storage.PageOwnerID {
	return storage.PageOwnerID(binary.BigEndian.Uint64(f[footerOwner:]))
}

func (f footer) setOwner(owner storage.PageOwnerID) {
	binary.BigEndian.PutUint64(f[footerOwner:], uint64(owner))
}

func (f footer) successor() storage.PageID {
	return storage.PageID(binary.BigEndian.Uint64(f[footerSuccessor:]))
}

func (f footer) setSuccessor(id storage.PageID) {
	binary.BigEndian.PutUint64(f[footerSuccessor:], uint64(id))
}

/*
initFooter writes a fresh footer for a newly allocated page.
*/
func (f footer) init(owner storage.PageOwnerID, flags uint32) {
	binary.BigEndian.PutUint32(f[footerMagic:], FooterMagic)
	f.setFlags(flags)
	f.setOwner(owner)
	f.setSuccessor(storage.NullPageID)
	binary.BigEndian.PutUint64(f[footerChecksum:], 0)
}

/*
pageChecksum calculates the checksum of a full page.
*/
func pageChecksum(data []byte) uint64 {
	h := xxhash.New64()
	h.Write(data[:len(data)-FooterSize+footerChecksum])
	return h.Sum64()
}

/*
sealPage writes the checksum of a full page into its footer.
*/
func sealPage(data []byte) {
	f := pageFooter(data)
	binary.BigEndian.PutUint32(f[footerMagic:], FooterMagic)
	binary.BigEndian.PutUint64(f[footerChecksum:], pageChecksum(data))
}

/*
verifyPage checks the footer of a full page which was read from a device.
Blocks which were never written are accepted.
*/
func verifyPage(data []byte, name string, blockID storage.BlockID) error {
	f := pageFooter(data)

	if f.magic() != FooterMagic {
		for _, b := range data {
			if b != 0 {
				return storage.NewError(storage.ErrBadFooter, fmt.Sprint("Block ", blockID), name)
			}
		}
		return nil
	}

	if binary.BigEndian.Uint64(f[footerChecksum:]) != pageChecksum(data) {
		return storage.NewError(storage.ErrChecksum, fmt.Sprint("Block ", blockID), name)
	}

	return nil
}
