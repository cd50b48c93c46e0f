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

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	rdb "github.com/tecbot/gorocksdb"
)

type (
	rocksdb struct {
		path      string
		readonly  bool
		db        *rdb.DB
		opt       *rdb.Options
		readOpt   *rdb.ReadOptions
		writeOpt  *rdb.WriteOptions
		flushOpt  *rdb.FlushOptions
		ingestOpt *rdb.IngestExternalFileOptions
		cfHandles map[CF]*rdb.ColumnFamilyHandle
		lock      sync.RWMutex
	}
	snapshot struct {
		db   *rdb.DB
		snap *rdb.Snapshot
	}
	readOption struct {
		opt *rdb.ReadOptions
	}
	writeOption struct {
		opt *rdb.WriteOptions
	}
	listReader struct {
		iterator *rdb.Iterator
		prefix   []byte
		isFirst  bool
	}
	keyGetter struct {
		key *rdb.Slice
	}
	valueGetter struct {
		value *rdb.Slice
	}
	writeBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if !option.Readonly {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
	}

	dbOpt := genRocksdbOpts(option)

	cfNum := len(option.ColumnFamily) + 1
	cols := make([]CF, 0, cfNum)
	cols = append(cols, defaultCF)
	cols = append(cols, option.ColumnFamily...)

	ins := &rocksdb{
		path:      path,
		readonly:  option.Readonly,
		opt:       dbOpt,
		flushOpt:  rdb.NewDefaultFlushOptions(),
		ingestOpt: rdb.NewDefaultIngestExternalFileOptions(),
		cfHandles: make(map[CF]*rdb.ColumnFamilyHandle),
	}

	if option.Readonly {
		db, err := rdb.OpenDbForReadOnly(dbOpt, path, false)
		if err != nil {
			return nil, err
		}
		ins.db = db
	} else {
		cfNames := make([]string, 0, cfNum)
		cfOpts := make([]*rdb.Options, 0, cfNum)
		for i := 0; i < cfNum; i++ {
			cfNames = append(cfNames, cols[i].String())
			cfOpts = append(cfOpts, dbOpt)
		}
		db, cfhs, err := rdb.OpenDbColumnFamilies(dbOpt, path, cfNames, cfOpts)
		if err != nil {
			return nil, err
		}
		for i, h := range cfhs {
			ins.cfHandles[cols[i]] = h
		}
		ins.db = db
	}

	wo := rdb.NewDefaultWriteOptions()
	if option.Sync {
		wo.SetSync(option.Sync)
	}
	if option.DisableWal {
		wo.DisableWAL(true)
	}
	ins.writeOpt = wo
	ins.readOpt = rdb.NewDefaultReadOptions()
	return ins, nil
}

func (ss *snapshot) Close() {
	ss.db.ReleaseSnapshot(ss.snap)
}

func (ro *readOption) SetSnapShot(snap Snapshot) {
	ro.opt.SetSnapshot(snap.(*snapshot).snap)
}

func (ro *readOption) Close() {
	ro.opt.Destroy()
}

func (wo *writeOption) SetSync(value bool) {
	wo.opt.SetSync(value)
}

func (wo *writeOption) DisableWAL(value bool) {
	wo.opt.DisableWAL(value)
}

func (wo *writeOption) Close() {
	wo.opt.Destroy()
}

func (kg keyGetter) Key() []byte {
	return kg.key.Data()
}

func (kg keyGetter) Close() {
	kg.key.Free()
}

func (vg *valueGetter) Value() []byte {
	return vg.value.Data()
}

func (vg *valueGetter) Size() int {
	return vg.value.Size()
}

func (vg *valueGetter) Close() error {
	vg.value.Free()
	return nil
}

func (lr *listReader) ReadNext() (key KeyGetter, val ValueGetter, err error) {
	if !lr.isFirst {
		lr.iterator.Next()
	}
	lr.isFirst = false
	if err = lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	return keyGetter{key: lr.iterator.Key()}, &valueGetter{value: lr.iterator.Value()}, nil
}

func (lr *listReader) ReadNextCopy() (key []byte, value []byte, err error) {
	kg, vg, err := lr.ReadNext()
	if err != nil || kg == nil {
		return nil, nil, err
	}
	key = make([]byte, len(kg.Key()))
	copy(key, kg.Key())
	value = make([]byte, vg.Size())
	copy(value, vg.Value())
	kg.Close()
	vg.Close()
	return key, value, nil
}

func (lr *listReader) SeekTo(key []byte) {
	lr.isFirst = true
	lr.iterator.Seek(key)
}

func (lr *listReader) Close() {
	lr.iterator.Close()
}

func (w *writeBatch) Put(col CF, key, value []byte) {
	if w.s.readonly {
		return
	}
	w.batch.PutCF(w.s.getColumnFamily(col), key, value)
}

func (w *writeBatch) Delete(col CF, key []byte) {
	if w.s.readonly {
		return
	}
	w.batch.DeleteCF(w.s.getColumnFamily(col), key)
}

func (w *writeBatch) Count() int {
	return w.batch.Count()
}

func (w *writeBatch) Close() {
	w.batch.Destroy()
}

func (s *rocksdb) NewSnapshot() Snapshot {
	return &snapshot{db: s.db, snap: s.db.NewSnapshot()}
}

func (s *rocksdb) NewReadOption() ReadOption {
	return &readOption{opt: rdb.NewDefaultReadOptions()}
}

func (s *rocksdb) NewWriteOption() WriteOption {
	return &writeOption{opt: rdb.NewDefaultWriteOptions()}
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &writeBatch{s: s, batch: rdb.NewWriteBatch()}
}

func (s *rocksdb) Get(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value ValueGetter, err error) {
	ro := s.readOpt
	if readOpt != nil {
		ro = readOpt.(*readOption).opt
	}
	var v *rdb.Slice
	if s.readonly {
		v, err = s.db.Get(ro, key)
	} else {
		v, err = s.db.GetCF(ro, s.getColumnFamily(col), key)
	}
	if err != nil {
		return nil, err
	}
	if !v.Exists() {
		return nil, ErrNotFound
	}
	return &valueGetter{value: v}, nil
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	vg, err := s.Get(ctx, col, key, readOpt)
	if err != nil {
		return nil, err
	}
	value := make([]byte, vg.Size())
	copy(value, vg.Value())
	vg.Close()
	return value, nil
}

func (s *rocksdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error {
	if s.readonly {
		return ErrReadonlyStore
	}
	wo := s.writeOpt
	if writeOpt != nil {
		wo = writeOpt.(*writeOption).opt
	}
	return s.db.PutCF(wo, s.getColumnFamily(col), key, value)
}

func (s *rocksdb) Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error {
	if s.readonly {
		return ErrReadonlyStore
	}
	wo := s.writeOpt
	if writeOpt != nil {
		wo = writeOpt.(*writeOption).opt
	}
	return s.db.DeleteCF(wo, s.getColumnFamily(col), key)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	ro := s.readOpt
	if readOpt != nil {
		ro = readOpt.(*readOption).opt
	}
	var t *rdb.Iterator
	if s.readonly {
		t = s.db.NewIterator(ro)
	} else {
		t = s.db.NewIteratorCF(ro, s.getColumnFamily(col))
	}
	if len(marker) > 0 {
		t.Seek(marker)
	} else if prefix != nil {
		t.Seek(prefix)
	} else {
		t.SeekToFirst()
	}
	return &listReader{iterator: t, prefix: prefix, isFirst: true}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error {
	if s.readonly {
		return ErrReadonlyStore
	}
	wo := s.writeOpt
	if writeOpt != nil {
		wo = writeOpt.(*writeOption).opt
	}
	return s.db.Write(wo, batch.(*writeBatch).batch)
}

func (s *rocksdb) FlushCF(ctx context.Context, col CF) error {
	if s.readonly {
		return ErrReadonlyStore
	}
	return s.db.FlushCF(s.flushOpt, s.getColumnFamily(col))
}

func (s *rocksdb) Ingest(ctx context.Context, col CF, paths []string) error {
	if s.readonly {
		return ErrReadonlyStore
	}
	if col == "" || col == defaultCF {
		return s.db.IngestExternalFile(paths, s.ingestOpt)
	}
	return s.db.IngestExternalFileCF(s.getColumnFamily(col), paths, s.ingestOpt)
}

func (s *rocksdb) Stats(ctx context.Context) (stats Stats, err error) {
	var size int64
	files := s.db.GetLiveFilesMetaData()
	for i := range files {
		size += files[i].Size
	}
	memtableUsage, _ := strconv.ParseUint(s.db.GetProperty("rocksdb.cur-size-all-mem-tables"), 10, 64)
	indexAndFilterUsage, _ := strconv.ParseUint(s.db.GetProperty("rocksdb.estimate-table-readers-mem"), 10, 64)
	blockCacheUsage, _ := strconv.ParseUint(s.db.GetProperty("rocksdb.block-cache-usage"), 10, 64)
	blockPinnedUsage, _ := strconv.ParseUint(s.db.GetProperty("rocksdb.block-cache-pinned-usage"), 10, 64)
	stats = Stats{
		Used: uint64(size),
		MemoryUsage: MemoryUsage{
			BlockCacheUsage:     blockCacheUsage,
			IndexAndFilterUsage: indexAndFilterUsage,
			MemtableUsage:       memtableUsage,
			BlockPinnedUsage:    blockPinnedUsage,
			Total:               blockCacheUsage + indexAndFilterUsage + memtableUsage + blockPinnedUsage,
		},
	}
	return stats, nil
}

func (s *rocksdb) Close() {
	s.writeOpt.Destroy()
	s.readOpt.Destroy()
	s.flushOpt.Destroy()
	s.ingestOpt.Destroy()
	for i := range s.cfHandles {
		s.cfHandles[i].Destroy()
	}
	s.db.Close()
	s.opt.Destroy()
}

func (s *rocksdb) getColumnFamily(col CF) *rdb.ColumnFamilyHandle {
	if col == "" {
		col = defaultCF
	}
	s.lock.RLock()
	cf, ok := s.cfHandles[col]
	s.lock.RUnlock()
	if !ok {
		panic(fmt.Sprintf("col:%s not exist", col.String()))
	}
	return cf
}

func genRocksdbOpts(opt *Option) (opts *rdb.Options) {
	opts = rdb.NewDefaultOptions()
	blockBaseOpt := rdb.NewDefaultBlockBasedTableOptions()
	opts.SetCreateIfMissing(opt.CreateIfMissing)
	opts.SetErrorIfExists(opt.ErrorIfExists)
	if opt.BlockSize > 0 {
		blockBaseOpt.SetBlockSize(opt.BlockSize)
	}
	if opt.BlockCacheSize > 0 {
		blockBaseOpt.SetBlockCache(rdb.NewLRUCache(opt.BlockCacheSize))
	}
	if opt.FilterBitsPerKey > 0 {
		blockBaseOpt.SetFilterPolicy(rdb.NewBloomFilter(opt.FilterBitsPerKey))
	}
	if opt.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(opt.WriteBufferSize)
	}
	if opt.MaxWriteBufferNumber > 0 {
		opts.SetMaxWriteBufferNumber(opt.MaxWriteBufferNumber)
	}
	if opt.Level0FileNumCompactionTrigger > 0 {
		opts.SetLevel0FileNumCompactionTrigger(opt.Level0FileNumCompactionTrigger)
	}
	if opt.Level0SlowdownWritesTrigger > 0 {
		opts.SetLevel0SlowdownWritesTrigger(opt.Level0SlowdownWritesTrigger)
	}
	if opt.Level0StopWritesTrigger > 0 {
		opts.SetLevel0StopWritesTrigger(opt.Level0StopWritesTrigger)
	}
	if opt.MaxOpenFiles > 0 {
		opts.SetMaxOpenFiles(opt.MaxOpenFiles)
	}
	if opt.MaxBackgroundJobs > 0 {
		opts.SetMaxBackgroundCompactions(opt.MaxBackgroundJobs)
	}
	if opt.HardPendingCompactionBytesLimit > 0 {
		opts.SetHardPendingCompactionBytesLimit(opt.HardPendingCompactionBytesLimit)
	}
	switch opt.Compression {
	case SnappyCompression:
		opts.SetCompression(rdb.SnappyCompression)
	case NoCompression:
		opts.SetCompression(rdb.NoCompression)
	}

	opts.SetStatsDumpPeriodSec(0)
	opts.SetStatsPersistPeriodSec(0)
	opts.SetBlockBasedTableFactory(blockBaseOpt)
	opts.SetCreateIfMissingColumnFamilies(true)
	return opts
}
