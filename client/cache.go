// Copyright 2023 The GigaFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package client

import (
	"container/list"
	"sync"

	"github.com/gigafs/gigafs/giga"
	"github.com/gigafs/gigafs/proto"
	"golang.org/x/sync/singleflight"
)

// Dir is the per-directory control block: the cached giga index plus a
// reference count gating eviction. One exists per cached directory.
type Dir struct {
	id     proto.DirId
	zeroth proto.ServerID

	// gmu serializes giga index reads and snapshot installs.
	gmu     sync.Mutex
	giga    *giga.Index
	fetched bool

	// refs counts the table reference plus active users; maintained
	// under the client-wide mutex.
	refs    int
	lruElem *list.Element
}

func (d *Dir) part(hash uint32) int {
	d.gmu.Lock()
	i := d.giga.Part(hash)
	d.gmu.Unlock()
	return i
}

func (d *Dir) server(i int) proto.ServerID {
	d.gmu.Lock()
	s := d.giga.Server(i)
	d.gmu.Unlock()
	return s
}

// installIndex folds a server snapshot into the cached index. Splits
// only ever advance, so installs are monotone.
func (d *Dir) installIndex(snapshot []byte, opts giga.Options) error {
	idx, err := giga.DecodeIndex(snapshot, opts)
	if err != nil {
		return err
	}
	d.gmu.Lock()
	if idx.NumPartitions() == d.giga.NumPartitions() {
		d.giga.Update(idx)
	} else {
		// Geometry mismatch: the server's snapshot is authoritative.
		d.giga = idx
	}
	d.fetched = true
	d.gmu.Unlock()
	return nil
}

type partKey struct {
	id    proto.DirId
	index int
}

// Partition caches the pathname-lookup leases of one directory
// partition. Lookups for the same name coalesce through sf so at most
// one RPC is in flight per in-flight name.
type Partition struct {
	dir   *Dir
	index int

	mu     sync.Mutex
	leases map[string]*Lease
	lru    *list.List // of *Lease, front = most recent
	sf     singleflight.Group

	refs    int
	lruElem *list.Element
}

// Lease is a cached LookupStat bounded by its lease_due. A lease
// holding an open create batch is pinned in cache until the batch ends.
type Lease struct {
	name  string
	part  *Partition // nil for the root lease
	value proto.LookupStat
	batch *BatchedCreates
	elem  *list.Element
}

// Value snapshots the lease under its partition lock.
func (l *Lease) Value() proto.LookupStat {
	if l.part == nil {
		return l.value
	}
	l.part.mu.Lock()
	v := l.value
	l.part.mu.Unlock()
	return v
}

// acquireDir pins the control block for a directory, creating it on
// first reference.
func (cli *FilesystemCli) acquireDir(id proto.DirId, zeroth proto.ServerID) *Dir {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	d, ok := cli.dirs[id]
	if !ok {
		d = &Dir{
			id:     id,
			zeroth: zeroth,
			giga:   giga.NewIndex(zeroth, cli.gigaOpts),
			refs:   1, // table reference
		}
		cli.dirs[id] = d
		cli.evictDirsLocked()
	}
	if d.lruElem != nil {
		cli.dirlru.Remove(d.lruElem)
		d.lruElem = nil
	}
	d.refs++
	return d
}

func (cli *FilesystemCli) releaseDir(d *Dir) {
	cli.mu.Lock()
	d.refs--
	if d.refs == 1 {
		// Only the table holds it now; park it on the idle LRU.
		d.lruElem = cli.dirlru.PushFront(d)
		cli.evictDirsLocked()
	}
	cli.mu.Unlock()
}

// evictDirsLocked trims idle directories past the configured bound.
// A directory with live partitions keeps a raised refcount and is
// never on the idle list.
func (cli *FilesystemCli) evictDirsLocked() {
	for len(cli.dirs) > cli.opts.DirTableSize {
		tail := cli.dirlru.Back()
		if tail == nil {
			return
		}
		d := tail.Value.(*Dir)
		cli.dirlru.Remove(tail)
		d.lruElem = nil
		delete(cli.dirs, d.id)
	}
}

// invalidateDir drops a directory's cached partitions and leases, used
// when the server reports corruption so later operations refetch.
func (cli *FilesystemCli) invalidateDir(id proto.DirId) {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	for key, p := range cli.pars {
		if key.id != id {
			continue
		}
		p.mu.Lock()
		pinned := false
		for _, le := range p.leases {
			if le.batch != nil {
				pinned = true
			}
		}
		if !pinned {
			p.leases = make(map[string]*Lease)
			p.lru.Init()
		}
		p.mu.Unlock()
		if !pinned && p.refs == 1 {
			if p.lruElem != nil {
				cli.parlru.Remove(p.lruElem)
				p.lruElem = nil
			}
			delete(cli.pars, key)
			cli.unrefDirLocked(p.dir)
		}
	}
	if d, ok := cli.dirs[id]; ok {
		d.gmu.Lock()
		d.fetched = false
		d.gmu.Unlock()
	}
}

func (cli *FilesystemCli) unrefDirLocked(d *Dir) {
	d.refs--
	if d.refs == 1 {
		d.lruElem = cli.dirlru.PushFront(d)
	}
}

// acquirePartition pins the control block for (dir, index), creating
// it on first reference. A partition holds a dir reference for its
// whole cache lifetime, so a dir outlives its partitions.
func (cli *FilesystemCli) acquirePartition(d *Dir, index int) *Partition {
	key := partKey{id: d.id, index: index}
	cli.mu.Lock()
	defer cli.mu.Unlock()
	p, ok := cli.pars[key]
	if !ok {
		p = &Partition{
			dir:    d,
			index:  index,
			leases: make(map[string]*Lease),
			lru:    list.New(),
			refs:   1, // table reference
		}
		cli.pars[key] = p
		d.refs++ // partition's hold on the dir
		cli.evictPartitionsLocked()
	}
	if p.lruElem != nil {
		cli.parlru.Remove(p.lruElem)
		p.lruElem = nil
	}
	p.refs++
	return p
}

func (cli *FilesystemCli) releasePartition(p *Partition) {
	cli.mu.Lock()
	p.refs--
	if p.refs == 1 {
		p.lruElem = cli.parlru.PushFront(p)
		cli.evictPartitionsLocked()
	}
	cli.mu.Unlock()
}

func (cli *FilesystemCli) evictPartitionsLocked() {
	for len(cli.pars) > cli.opts.PartitionLRUSize {
		tail := cli.parlru.Back()
		if tail == nil {
			return
		}
		p := tail.Value.(*Partition)
		p.mu.Lock()
		pinned := false
		for _, le := range p.leases {
			if le.batch != nil {
				pinned = true
				break
			}
		}
		p.mu.Unlock()
		cli.parlru.Remove(tail)
		p.lruElem = nil
		if pinned {
			// Re-park at the front; an open batch pins its partition.
			p.lruElem = cli.parlru.PushFront(p)
			return
		}
		delete(cli.pars, partKey{id: p.dir.id, index: p.index})
		cli.unrefDirLocked(p.dir)
	}
}

// lookupLease consults the partition's lease index. Stale entries are
// treated as absent and dropped lazily. Callers hold p.mu.
func (p *Partition) lookupLease(name string, now uint64) *Lease {
	le, ok := p.leases[name]
	if !ok {
		return nil
	}
	if !le.value.LeaseValid(now) {
		if le.batch == nil {
			p.lru.Remove(le.elem)
			delete(p.leases, name)
		}
		return nil
	}
	p.lru.MoveToFront(le.elem)
	return le
}

// insertLease installs or refreshes a lease and trims the LRU. Callers
// hold p.mu.
func (p *Partition) insertLease(name string, value proto.LookupStat, max int) *Lease {
	if le, ok := p.leases[name]; ok {
		le.value = value
		p.lru.MoveToFront(le.elem)
		return le
	}
	le := &Lease{name: name, part: p, value: value}
	le.elem = p.lru.PushFront(le)
	p.leases[name] = le
	for p.lru.Len() > max {
		tail := p.lru.Back()
		old := tail.Value.(*Lease)
		if old.batch != nil {
			// The victim pins an open batch; skip eviction this round.
			break
		}
		p.lru.Remove(tail)
		delete(p.leases, old.name)
	}
	return le
}

// TEST_TotalDirsInMemory reports cached directory control blocks.
func (cli *FilesystemCli) TEST_TotalDirsInMemory() int {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	return len(cli.dirs)
}

// TEST_TotalPartitionsInMemory reports cached partition control blocks.
func (cli *FilesystemCli) TEST_TotalPartitionsInMemory() int {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	return len(cli.pars)
}
