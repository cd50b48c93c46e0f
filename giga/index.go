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

// Package giga implements incremental hash-partitioning of a directory
// name space. A directory starts as a single partition and splits under
// insertion pressure; partitions form a conceptual binary tree where
// partition i splits into i and i + 2^ceil(log2(i+1)). Clients catch up
// with server-side splits lazily via index snapshots.
package giga

import (
	"encoding/binary"
	"hash/crc32"
	"math/bits"

	apierrors "github.com/gigafs/gigafs/errors"
	"github.com/gigafs/gigafs/proto"
)

const (
	DefaultNumPartitions  = 1024
	DefaultSplitThreshold = 2048
)

type Options struct {
	// NumPartitions bounds the partition count; must be a power of two.
	NumPartitions int
	// SplitThreshold is the per-partition population beyond which the
	// partition splits. Zero disables splitting.
	SplitThreshold int
	// NumServers is the physical server count; NumVirtualServers must be
	// a positive multiple of it.
	NumServers        int
	NumVirtualServers int
}

func (o *Options) Normalize() {
	if o.NumPartitions <= 0 {
		o.NumPartitions = DefaultNumPartitions
	}
	if o.NumPartitions < 8 {
		o.NumPartitions = 8
	}
	if o.NumPartitions&(o.NumPartitions-1) != 0 {
		o.NumPartitions = 1 << bits.Len(uint(o.NumPartitions))
	}
	if o.NumServers <= 0 {
		o.NumServers = 1
	}
	if o.NumVirtualServers < o.NumServers {
		o.NumVirtualServers = o.NumServers
	}
	o.NumVirtualServers -= o.NumVirtualServers % o.NumServers
}

// Hash maps a child name to its uniform 32-bit routing hash.
func Hash(name []byte) uint32 {
	return crc32.ChecksumIEEE(name)
}

// Index is the per-directory partition map. Not safe for concurrent use;
// callers hold the owning directory's lock.
type Index struct {
	opts   Options
	zeroth proto.ServerID
	bitmap []byte
	counts []uint32
	radix  int // depth of the deepest present partition
}

func NewIndex(zeroth proto.ServerID, opts Options) *Index {
	opts.Normalize()
	idx := &Index{
		opts:   opts,
		zeroth: zeroth,
		bitmap: make([]byte, opts.NumPartitions/8),
		counts: make([]uint32, opts.NumPartitions),
	}
	idx.setBit(0)
	return idx
}

func (idx *Index) ZerothServer() proto.ServerID { return idx.zeroth }

func (idx *Index) bit(i int) bool {
	return idx.bitmap[i>>3]&(1<<(i&7)) != 0
}

func (idx *Index) setBit(i int) {
	idx.bitmap[i>>3] |= 1 << (i & 7)
	if d := depthOf(i); d > idx.radix {
		idx.radix = d
	}
}

// depthOf returns the tree depth of partition i; partition 0 is depth 0.
func depthOf(i int) int {
	return bits.Len(uint(i))
}

// splitTarget is the child partition i splits into: i + 2^ceil(log2(i+1)).
func splitTarget(i int) int {
	return i + 1<<depthOf(i)
}

// Part walks the split tree guided by the low bits of hash and returns
// the present partition owning the hash. Whenever a node's child bit is
// unset the walk stays at the node, so the result always lands on a
// present partition.
func (idx *Index) Part(hash uint32) int {
	i := int(hash) & (1<<idx.radix - 1)
	for i > 0 && !idx.bit(i) {
		// Retreat to the parent by clearing the highest set bit.
		i &^= 1 << (bits.Len(uint(i)) - 1)
	}
	return i
}

// Server maps a partition index to the physical server owning it. The
// mapping spreads partitions round-robin over virtual servers and folds
// virtual into physical by integer division; it is stable under splits.
func (idx *Index) Server(i int) proto.ServerID {
	vsrvs := idx.opts.NumVirtualServers
	v := (int(idx.zeroth) + i) % vsrvs
	return proto.ServerID(v / (vsrvs / idx.opts.NumServers))
}

// InsertChild accounts one new child and reports the partition that must
// now split, or -1. The caller decides when (and whether) to actually
// split; see Split.
func (idx *Index) InsertChild(hash uint32) (mustSplit int) {
	i := idx.Part(hash)
	idx.counts[i]++
	if idx.splittable(i) {
		return i
	}
	return -1
}

func (idx *Index) splittable(i int) bool {
	t := idx.opts.SplitThreshold
	return t > 0 && idx.counts[i] > uint32(t) && splitTarget(i) < idx.opts.NumPartitions
}

// Split marks partition i's child present and migrates the half of i's
// population whose hash routes to the child. Populations are assumed
// uniform across the hash space; callers wanting exact counts rescan and
// call SetCount afterwards.
func (idx *Index) Split(i int) int {
	target := splitTarget(i)
	idx.setBit(target)
	moved := idx.counts[i] / 2
	idx.counts[i] -= moved
	idx.counts[target] += moved
	return target
}

// SetCount pins a partition's population after an authoritative recount.
func (idx *Index) SetCount(i int, n uint32) {
	idx.counts[i] = n
}

func (idx *Index) Count(i int) uint32 { return idx.counts[i] }

// Present reports whether partition i currently exists.
func (idx *Index) Present(i int) bool {
	return i >= 0 && i < idx.opts.NumPartitions && idx.bit(i)
}

// Partitions lists the present partition indices in ascending order.
func (idx *Index) Partitions() []int {
	var out []int
	for i := 0; i < idx.opts.NumPartitions; i++ {
		if idx.bit(i) {
			out = append(out, i)
		}
	}
	return out
}

func (idx *Index) NumPartitions() int { return idx.opts.NumPartitions }

// Radix is the current depth of the split tree.
func (idx *Index) Radix() int { return idx.radix }

// Encode packs the routable state (zeroth server + bitmap) into a
// snapshot clients install verbatim. Population counts stay server-side.
func (idx *Index) Encode() []byte {
	b := make([]byte, 0, 8+len(idx.bitmap))
	b = binary.LittleEndian.AppendUint32(b, uint32(idx.zeroth))
	b = binary.AppendUvarint(b, uint64(idx.opts.NumPartitions))
	return append(b, idx.bitmap...)
}

// DecodeIndex rebuilds an index from a snapshot. Server-only state
// (counts) starts zeroed; a decoded index routes but must not drive
// split decisions.
func DecodeIndex(b []byte, opts Options) (*Index, error) {
	if len(b) < 5 {
		return nil, apierrors.ErrBadMessage
	}
	zeroth := binary.LittleEndian.Uint32(b)
	b = b[4:]
	nparts, sz := binary.Uvarint(b)
	if sz <= 0 || nparts == 0 || nparts&(nparts-1) != 0 {
		return nil, apierrors.ErrBadMessage
	}
	b = b[sz:]
	if uint64(len(b)) != nparts/8 {
		return nil, apierrors.ErrBadMessage
	}
	opts.NumPartitions = int(nparts)
	opts.Normalize()
	idx := NewIndex(proto.ServerID(zeroth), opts)
	copy(idx.bitmap, b)
	for i := 0; i < int(nparts); i++ {
		if idx.bit(i) {
			if d := depthOf(i); d > idx.radix {
				idx.radix = d
			}
		}
	}
	return idx, nil
}

// Update replaces the routable state with a fresher snapshot from a
// server. Installing a snapshot never clears bits: splits only advance.
func (idx *Index) Update(other *Index) {
	if len(other.bitmap) != len(idx.bitmap) {
		return
	}
	for i := range idx.bitmap {
		idx.bitmap[i] |= other.bitmap[i]
	}
	if other.radix > idx.radix {
		idx.radix = other.radix
	}
}
