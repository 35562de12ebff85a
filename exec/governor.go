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
	"sync"

	"golang.org/x/sync/semaphore"
)

/*
Governor grants cache page quotas to streams. The total number of pages
is shared by all graphs which use the governor.
*/
type Governor struct {
	sem    *semaphore.Weighted // Semaphore over the total number of pages
	total  int64               // Total number of pages
	mutex  *sync.Mutex         // Mutex for the grant map
	grants map[string]int64    // Granted pages per stream
}

/*
NewGovernor creates a new governor for a number of cache pages.
*/
func NewGovernor(totalPages int64) *Governor {
	return &Governor{semaphore.NewWeighted(totalPages), totalPages,
		&sync.Mutex{}, make(map[string]int64)}
}

/*
Total returns the total number of pages.
*/
func (g *Governor) Total() int64 {
	return g.total
}

/*
Granted returns the number of currently granted pages.
*/
func (g *Governor) Granted() int64 {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	var n int64
	for _, p := range g.grants {
		n += p
	}

	return n
}

/*
Grant grants pages to a stream. The optimum is granted if possible, else the
minimum. Returns ErrResourceExhausted if not even the minimum is available.
*/
func (g *Governor) Grant(name string, min ResourceQuantity, opt ResourceQuantity) (ResourceQuantity, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.grants[name]; ok {
		return ResourceQuantity{}, fmt.Errorf("%w: %v already holds a grant", ErrGraph, name)
	}

	if opt.CachePages < min.CachePages {
		opt = min
	}

	granted := opt

	if !g.sem.TryAcquire(opt.CachePages) {
		granted = min

		if !g.sem.TryAcquire(min.CachePages) {
			return ResourceQuantity{}, fmt.Errorf("%w: %v requires at least %v",
				ErrResourceExhausted, name, min)
		}
	}

	g.grants[name] = granted.CachePages

	logger.Debug(fmt.Sprintf("Granted %v to %v (min: %v opt: %v)", granted, name, min, opt))

	return granted, nil
}

/*
Release releases the grant of a stream.
*/
func (g *Governor) Release(name string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if n, ok := g.grants[name]; ok {
		g.sem.Release(n)
		delete(g.grants, name)
	}
}
