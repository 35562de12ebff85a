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
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/krotik/common/errorutil"
	"github.com/krotik/segmentdb/storage/cache"
)

/*
Handle is the registry id of a segment. The zero handle refers to no segment.
*/
type Handle uint64

/*
NoHandle is the handle which refers to no segment
*/
const NoHandle = Handle(0)

/*
Factory creates segments and keeps a registry of all open segments.
*/
type Factory struct {
	cache    *cache.Cache       // Cache of all segments
	mutex    *sync.RWMutex      // Mutex to protect the registry
	segments map[Handle]Segment // Registry of open segments
	next     Handle             // Next handle
}

/*
NewFactory creates a new segment factory for a given cache.
*/
func NewFactory(c *cache.Cache) *Factory {
	return &Factory{c, &sync.RWMutex{}, make(map[Handle]Segment), 1}
}

/*
Cache returns the cache of the factory.
*/
func (f *Factory) Cache() *cache.Cache {
	return f.cache
}

/*
register adds a segment to the registry and returns its handle.
*/
func (f *Factory) register(seg Segment) Handle {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	h := f.next
	f.next++

	f.segments[h] = seg

	return h
}

/*
unregister removes a segment from the registry.
*/
func (f *Factory) unregister(h Handle) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	delete(f.segments, h)
}

/*
Lookup returns the open segment of a given handle or nil.
*/
func (f *Factory) Lookup(h Handle) Segment {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	return f.segments[h]
}

/*
resolve returns the open segment of a given handle. Resolving a handle of a
closed segment is a programming error.
*/
func (f *Factory) resolve(h Handle) Segment {
	seg := f.Lookup(h)

	errorutil.AssertTrue(seg != nil, fmt.Sprint("Segment handle ", h, " refers to a closed segment"))

	return seg
}

/*
Segments returns all open segments ordered by their handle.
*/
func (f *Factory) Segments() []Segment {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	var handles []Handle
	for h := range f.segments {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	ret := make([]Segment, 0, len(handles))
	for _, h := range handles {
		ret = append(ret, f.segments[h])
	}

	return ret
}

/*
CloseAll closes all open segments in reverse order of their creation.
*/
func (f *Factory) CloseAll() error {
	segs := f.Segments()

	ce := errorutil.NewCompositeError()

	for i := len(segs) - 1; i >= 0; i-- {
		if err := segs[i].Close(); err != nil {
			ce.Add(err)
		}
	}

	if ce.HasErrors() {
		return ce
	}

	return nil
}

/*
String returns a string representation of the registry.
*/
func (f *Factory) String() string {
	buf := new(bytes.Buffer)

	buf.WriteString("Segments:\n")

	for _, seg := range f.Segments() {
		buf.WriteString(fmt.Sprintf("%v: %v (%v)\n", seg.Handle(), seg.Name(), seg.AllocationOrder()))
	}

	return buf.String()
}
