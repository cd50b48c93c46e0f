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

package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/gigafs/gigafs/common/kvstore"
	apierrors "github.com/gigafs/gigafs/errors"
	"github.com/gigafs/gigafs/proto"
)

// FilesystemDbOptions tune the KV engine beneath the metadata plane.
// Env keys prefixed DELTAFS_Db_, when set, override the fields, matching the
// deployment convention of the wider system.
type FilesystemDbOptions struct {
	FilterBitsPerKey    int                     `json:"filter_bits_per_key"`
	BlockCacheSize      uint64                  `json:"block_cache_size"`
	MemtableSize        int                     `json:"memtable_size"`
	L0CompactionTrigger int                     `json:"l0_compaction_trigger"`
	Compression         kvstore.CompressionType `json:"compression"`
	DisableWal          bool                    `json:"disable_wal"`
	UseExistingDb       bool                    `json:"use_existing_db"`
	KeyMode             KeyMode                 `json:"key_mode"`
}

func DefaultFilesystemDbOptions() FilesystemDbOptions {
	return FilesystemDbOptions{
		FilterBitsPerKey: 12,
		BlockCacheSize:   8 << 20,
	}
}

// ReadFromEnv folds DELTAFS_Db_* keys into the options. Keys are exact
// and case-sensitive.
func (o *FilesystemDbOptions) ReadFromEnv() {
	readIntFromEnv("DELTAFS_Db_memtable_size", &o.MemtableSize)
	readIntFromEnv("DELTAFS_Db_l0_compaction_trigger", &o.L0CompactionTrigger)
	readIntFromEnv("DELTAFS_Db_filter_bits_per_key", &o.FilterBitsPerKey)
	readUint64FromEnv("DELTAFS_Db_block_cache_size", &o.BlockCacheSize)
	readBoolFromEnv("DELTAFS_Db_disable_wal", &o.DisableWal)
	if env := os.Getenv("DELTAFS_Db_compression"); env != "" {
		o.Compression = kvstore.CompressionType(env)
	}
}

func readIntFromEnv(key string, dst *int) {
	if v, ok := parsePrettyNumber(os.Getenv(key)); ok {
		*dst = int(v)
	}
}

func readUint64FromEnv(key string, dst *uint64) {
	if v, ok := parsePrettyNumber(os.Getenv(key)); ok {
		*dst = v
	}
}

func readBoolFromEnv(key string, dst *bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	}
}

// parsePrettyNumber accepts plain integers plus k/m/g suffixes, so env
// files can say "memtable_size=48m".
func parsePrettyNumber(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	if s == "" {
		return 0, false
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v * mult, true
}

// FilesystemDb persists child entries keyed (dnode, inode, name) in an
// ordered KV store, one record per committed create.
type FilesystemDb struct {
	store kvstore.Store
	keys  keyCodec
	opts  FilesystemDbOptions
}

func OpenFilesystemDb(ctx context.Context, dbloc string, opts FilesystemDbOptions) (*FilesystemDb, error) {
	store, err := kvstore.NewKVStore(ctx, dbloc, kvstore.RocksdbLsmKVType, &kvstore.Option{
		Sync:                           false,
		DisableWal:                     opts.DisableWal,
		CreateIfMissing:                true,
		ErrorIfExists:                  !opts.UseExistingDb,
		BlockCacheSize:                 opts.BlockCacheSize,
		FilterBitsPerKey:               opts.FilterBitsPerKey,
		WriteBufferSize:                opts.MemtableSize,
		Level0FileNumCompactionTrigger: opts.L0CompactionTrigger,
		Compression:                    opts.Compression,
	})
	if err != nil {
		return nil, err
	}
	return &FilesystemDb{
		store: store,
		keys:  newKeyCodec(opts.KeyMode),
		opts:  opts,
	}, nil
}

func (db *FilesystemDb) Set(ctx context.Context, id proto.DirId, name []byte, stat *proto.Stat) error {
	key := db.keys.Encode(id, name)
	return mapKvErr(db.store.SetRaw(ctx, "", key, db.keys.Value(name, stat), nil))
}

func (db *FilesystemDb) Get(ctx context.Context, id proto.DirId, name []byte) (*proto.Stat, error) {
	key := db.keys.Encode(id, name)
	value, err := db.store.GetRaw(ctx, "", key, nil)
	if err != nil {
		return nil, mapKvErr(err)
	}
	return db.keys.Stat(value)
}

func (db *FilesystemDb) Delete(ctx context.Context, id proto.DirId, name []byte) error {
	return mapKvErr(db.store.Delete(ctx, "", db.keys.Encode(id, name), nil))
}

// Exists probes the encoded key without decoding the value.
func (db *FilesystemDb) Exists(ctx context.Context, id proto.DirId, name []byte) (bool, error) {
	vg, err := db.store.Get(ctx, "", db.keys.Encode(id, name), nil)
	if err == kvstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, mapKvErr(err)
	}
	vg.Close()
	return true, nil
}

// Batch groups creates into one atomic KV write.
type Batch struct {
	db    *FilesystemDb
	batch kvstore.WriteBatch
}

func (db *FilesystemDb) NewBatch() *Batch {
	return &Batch{db: db, batch: db.store.NewWriteBatch()}
}

func (b *Batch) Add(id proto.DirId, name []byte, stat *proto.Stat) {
	key := b.db.keys.Encode(id, name)
	b.batch.Put("", key, b.db.keys.Value(name, stat))
}

func (b *Batch) Count() int { return b.batch.Count() }

func (b *Batch) Commit(ctx context.Context) error {
	return mapKvErr(b.db.store.Write(ctx, b.batch, nil))
}

func (b *Batch) Close() { b.batch.Close() }

// ListChildren streams every child of a directory in lexicographic key
// order, skipping the directory's own meta record.
func (db *FilesystemDb) ListChildren(ctx context.Context, id proto.DirId, fn func(name []byte, stat *proto.Stat) error) error {
	prefix := keyPrefix(id)
	lr := db.store.List(ctx, "", prefix, nil, nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return mapKvErr(err)
		}
		if key == nil {
			return nil
		}
		if len(key) == len(prefix) {
			continue // dir meta record
		}
		name, err := db.keys.Name(key, value)
		if err != nil {
			return err
		}
		stat, err := db.keys.Stat(value)
		if err != nil {
			return err
		}
		if err := fn(name, stat); err != nil {
			return err
		}
	}
}

// Dir meta records live at the bare directory prefix: an inode cursor
// plus the giga index snapshot, rewritten after a split and on flush
// and close.
type dirMeta struct {
	InoCursor uint64
	Index     []byte
}

func (db *FilesystemDb) SaveDirMeta(ctx context.Context, id proto.DirId, meta *dirMeta) error {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(meta.InoCursor >> (8 * i))
	}
	b = append(b, meta.Index...)
	return mapKvErr(db.store.SetRaw(ctx, "", keyPrefix(id), b, nil))
}

func (db *FilesystemDb) LoadDirMeta(ctx context.Context, id proto.DirId) (*dirMeta, error) {
	value, err := db.store.GetRaw(ctx, "", keyPrefix(id), nil)
	if err == kvstore.ErrNotFound {
		return nil, apierrors.ErrNotFound
	}
	if err != nil {
		return nil, mapKvErr(err)
	}
	if len(value) < 8 {
		return nil, apierrors.ErrCorruption
	}
	meta := &dirMeta{Index: value[8:]}
	for i := 0; i < 8; i++ {
		meta.InoCursor |= uint64(value[i]) << (8 * i)
	}
	return meta, nil
}

// Flush persists the memtable so a crashed server recovers its cursor
// and index from L0 instead of replaying.
func (db *FilesystemDb) Flush(ctx context.Context) error {
	return mapKvErr(db.store.FlushCF(ctx, ""))
}

// Ingest bulk-loads externally built table files from a directory.
func (db *FilesystemDb) Ingest(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return apierrors.ErrIO
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sst") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return apierrors.ErrInvalidArgument
	}
	return mapKvErr(db.store.Ingest(ctx, "", paths))
}

func (db *FilesystemDb) Stats(ctx context.Context) (kvstore.Stats, error) {
	return db.store.Stats(ctx)
}

func (db *FilesystemDb) Close() {
	db.store.Close()
}

func mapKvErr(err error) error {
	if err == nil {
		return nil
	}
	if err == kvstore.ErrNotFound {
		return apierrors.ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "Corruption") {
		return apierrors.ErrCorruption
	}
	return err
}
