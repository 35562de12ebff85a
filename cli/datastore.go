/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/OneOfOne/xxhash"
	"github.com/krotik/common/datautil"
	"github.com/krotik/common/errorutil"
	"github.com/krotik/common/fileutil"
	"github.com/krotik/common/logutil"
	"github.com/krotik/segmentdb/config"
	"github.com/krotik/segmentdb/exec"
	"github.com/krotik/segmentdb/storage"
	"github.com/krotik/segmentdb/storage/cache"
	"github.com/krotik/segmentdb/storage/file"
	"github.com/krotik/segmentdb/storage/segment"
	"github.com/krotik/segmentdb/tuple"
	"github.com/prometheus/client_golang/prometheus"
)

var logger = logutil.GetLogger("segmentdb.cli")

/*
Names of the files in the datastore directory
*/
const (
	DataDeviceName  = "data"
	CatalogFileName = "catalog"
	DataDeviceID    = storage.DeviceID(1)
)

/*
Datastore is an opened datastore directory. All tables are stored as
clusters in a single random allocation segment. The catalog maps table
names to cluster roots and column descriptors.
*/
type Datastore struct {
	dir      string
	device   *file.FileDevice
	cache    *cache.Cache
	factory  *segment.Factory
	data     segment.Segment
	tracing  *segment.TracingSegment
	catalog  *datautil.PersistentStringMap
	gov      *exec.Governor
	sched    *exec.Scheduler
	registry *prometheus.Registry
}

/*
OpenDatastore opens or creates the datastore which is configured by
LocationDatastore.
*/
func OpenDatastore() (*Datastore, error) {
	dir := config.Str(config.LocationDatastore)

	if ok, _ := fileutil.PathExists(dir); !ok {
		if err := os.MkdirAll(dir, 0770); err != nil {
			return nil, err
		}
	}

	pageSize := int(config.Int(config.PageSize))

	dev, err := file.OpenFileDevice(filepath.Join(dir, DataDeviceName), file.FileDeviceOptions{
		BlockSize:          pageSize,
		MaxFileSize:        uint64(config.Int(config.DeviceMaxFileSize)),
		IOLimitBytesPerSec: int(config.Int(config.DeviceIOLimitBytesPerSec)),
		LockfileDisabled:   !config.Bool(config.EnableLockfile),
	})
	if err != nil {
		return nil, err
	}

	ds := &Datastore{dir: dir, device: dev, registry: prometheus.NewRegistry()}

	ds.cache = cache.NewCache(cache.Params{
		PageSize:   pageSize,
		MaxPages:   int(config.Int(config.CachePages)),
		Registerer: ds.registry,
	})

	if err = ds.cache.RegisterDevice(DataDeviceID, dev); err != nil {
		dev.Close()
		return nil, err
	}

	ds.factory = segment.NewFactory(ds.cache)

	inc := uint64(config.Int(config.SegmentPagesIncrement))

	seg, err := ds.factory.NewRandomAllocationSegment(DataDeviceName, segment.DeviceParams{
		DeviceID:        DataDeviceID,
		NPagesMin:       inc,
		NPagesIncrement: inc,
		NPagesMax:       uint64(config.Int(config.SegmentPagesMax)),
	}, segment.RandomAllocation)

	if err != nil {
		ds.cache.UnregisterDevice(DataDeviceID)
		dev.Close()
		return nil, err
	}

	ds.data = seg

	if config.Bool(config.EnableTracing) {
		ds.tracing = ds.factory.NewTracingSegment("trace", seg, int(config.Int(config.TracingRingSize)))
		ds.data = ds.tracing
	}

	if ds.catalog, err = datautil.LoadPersistentStringMap(filepath.Join(dir, CatalogFileName)); err != nil {
		ds.Close()
		return nil, err
	}

	ds.gov = exec.NewGovernor(config.Int(config.ExecCachePagesQuota))
	ds.sched = exec.NewScheduler(exec.Quantum{NTuplesMax: uint64(config.Int(config.ExecQuantumTuples))})

	logger.Debug("Opened datastore ", dir)

	return ds, nil
}

/*
Close closes all segments and the data device.
*/
func (ds *Datastore) Close() error {
	ce := errorutil.NewCompositeError()

	if err := ds.factory.CloseAll(); err != nil {
		ce.Add(err)
	}

	ds.cache.UnregisterDevice(DataDeviceID)

	if err := ds.device.Close(); err != nil {
		ce.Add(err)
	}

	if ce.HasErrors() {
		return ce
	}

	logger.Debug("Closed datastore ", ds.dir)

	return nil
}

/*
Table is a catalog entry.
*/
type Table struct {
	Name    string
	Root    storage.PageID
	Columns tuple.Descriptor
}

/*
Table looks up a table in the catalog.
*/
func (ds *Datastore) Table(name string) (Table, bool, error) {
	rootStr, ok := ds.catalog.Data[name+".root"]
	if !ok {
		return Table{Name: name, Root: storage.NullPageID}, false, nil
	}

	root, err := strconv.ParseUint(rootStr, 10, 64)
	if err != nil {
		return Table{}, false, fmt.Errorf("Invalid root of table %v: %v", name, rootStr)
	}

	cols, err := tuple.ParseDescriptor(ds.catalog.Data[name+".columns"])
	if err != nil {
		return Table{}, false, err
	}

	return Table{name, storage.PageID(root), cols}, true, nil
}

/*
StoreTable writes a catalog entry.
*/
func (ds *Datastore) StoreTable(t Table) error {
	ds.catalog.Data[t.Name+".root"] = fmt.Sprint(uint64(t.Root))
	ds.catalog.Data[t.Name+".columns"] = t.Columns.String()
	return ds.catalog.Flush()
}

/*
TableNames returns the sorted names of all tables.
*/
func (ds *Datastore) TableNames() []string {
	var ret []string

	for k := range ds.catalog.Data {
		if name, ok := strings.CutSuffix(k, ".root"); ok {
			ret = append(ret, name)
		}
	}

	sort.Strings(ret)

	return ret
}

/*
Owner returns the page owner for a given name.
*/
func Owner(name string) storage.PageOwnerID {
	return storage.PageOwnerID(xxhash.ChecksumString64(name) | 1)
}

/*
Run opens a graph, calls a function for each tuple of its sink and closes
the graph.
*/
func (ds *Datastore) Run(g *exec.Graph, fn func(tuple.Data) error) error {
	if err := g.Open(ds.gov); err != nil {
		return err
	}

	err := ds.sched.Drain(context.Background(), g, fn)

	if cerr := g.Close(); err == nil {
		err = cerr
	}

	return err
}
