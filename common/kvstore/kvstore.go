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

// Package kvstore adapts an embedded ordered key/value engine. The
// metadata plane needs point reads and writes, directory-prefix range
// scans, atomic write batches, read snapshots, memtable flush and L0
// bulk ingest; everything else stays behind this interface.
package kvstore

import (
	"context"
	"errors"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")

	NoCompression     = CompressionType("none")
	SnappyCompression = CompressionType("snappy")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
	ErrReadonlyStore  = errors.New("store is readonly")
)

type (
	CF              string
	LsmKVType       string
	CompressionType string

	Store interface {
		NewSnapshot() Snapshot
		Get(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value ValueGetter, err error)
		GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error
		Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error
		List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader
		Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error
		NewReadOption() (readOption ReadOption)
		NewWriteOption() (writeOption WriteOption)
		NewWriteBatch() (writeBatch WriteBatch)
		// FlushCF persists the column's memtable to a table file.
		FlushCF(ctx context.Context, col CF) error
		// Ingest moves externally built table files straight into L0.
		Ingest(ctx context.Context, col CF, paths []string) error
		Stats(ctx context.Context) (Stats, error)
		Close()
	}
	ListReader interface {
		ReadNext() (key KeyGetter, val ValueGetter, err error)
		ReadNextCopy() (key []byte, value []byte, err error)
		SeekTo(key []byte)
		Close()
	}
	KeyGetter interface {
		Key() []byte
		Close()
	}
	ValueGetter interface {
		Value() []byte
		Size() int
		Close() error
	}
	Snapshot interface {
		Close()
	}
	ReadOption interface {
		SetSnapShot(snap Snapshot)
		Close()
	}
	WriteOption interface {
		SetSync(value bool)
		DisableWAL(value bool)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		Count() int
		Close()
	}

	Stats struct {
		Used        uint64
		MemoryUsage MemoryUsage
	}
	MemoryUsage struct {
		BlockCacheUsage     uint64
		IndexAndFilterUsage uint64
		MemtableUsage       uint64
		BlockPinnedUsage    uint64
		Total               uint64
	}
	Option struct {
		Sync            bool
		DisableWal      bool
		ColumnFamily    []CF `json:"column_family"`
		CreateIfMissing bool
		ErrorIfExists   bool
		// Readonly opens an existing db for reads (gets and scans); writes and
		// flushes fail with ErrReadonlyStore.
		Readonly                        bool
		BlockSize                       int
		BlockCacheSize                  uint64
		FilterBitsPerKey                int
		WriteBufferSize                 int
		MaxWriteBufferNumber            int
		Level0FileNumCompactionTrigger  int
		Level0SlowdownWritesTrigger     int
		Level0StopWritesTrigger         int
		MaxOpenFiles                    int
		MaxBackgroundJobs               int
		Compression                     CompressionType
		HardPendingCompactionBytesLimit uint64
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	switch lsmType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
