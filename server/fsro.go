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

	"github.com/gigafs/gigafs/common/kvstore"
	"github.com/gigafs/gigafs/proto"
)

// FilesystemReadonlyDbOptions tune the readonly reader. Env keys use
// the DELTAFS_Rr_ prefix. KeyMode must match the writer's.
type FilesystemReadonlyDbOptions struct {
	FilterBitsPerKey int                     `json:"filter_bits_per_key"`
	BlockCacheSize   uint64                  `json:"block_cache_size"`
	Compression      kvstore.CompressionType `json:"compression"`
	KeyMode          KeyMode                 `json:"key_mode"`
}

func DefaultFilesystemReadonlyDbOptions() FilesystemReadonlyDbOptions {
	return FilesystemReadonlyDbOptions{FilterBitsPerKey: 10}
}

func (o *FilesystemReadonlyDbOptions) ReadFromEnv() {
	readIntFromEnv("DELTAFS_Rr_filter_bits_per_key", &o.FilterBitsPerKey)
	readUint64FromEnv("DELTAFS_Rr_block_cache_size", &o.BlockCacheSize)
	if env := os.Getenv("DELTAFS_Rr_compression"); env != "" {
		o.Compression = kvstore.CompressionType(env)
	}
}

// FilesystemReadonlyDb opens an existing metadata db for point reads.
// All reads pin the snapshot taken at open, so a writer restarting the
// db underneath does not tear records.
type FilesystemReadonlyDb struct {
	store   kvstore.Store
	keys    keyCodec
	snap    kvstore.Snapshot
	readOpt kvstore.ReadOption
}

func OpenFilesystemReadonlyDb(ctx context.Context, dbloc string, opts FilesystemReadonlyDbOptions) (*FilesystemReadonlyDb, error) {
	store, err := kvstore.NewKVStore(ctx, dbloc, kvstore.RocksdbLsmKVType, &kvstore.Option{
		Readonly:         true,
		CreateIfMissing:  false,
		BlockCacheSize:   opts.BlockCacheSize,
		FilterBitsPerKey: opts.FilterBitsPerKey,
		Compression:      opts.Compression,
	})
	if err != nil {
		return nil, err
	}
	db := &FilesystemReadonlyDb{
		store: store,
		keys:  newKeyCodec(opts.KeyMode),
	}
	db.snap = store.NewSnapshot()
	db.readOpt = store.NewReadOption()
	db.readOpt.SetSnapShot(db.snap)
	return db, nil
}

func (db *FilesystemReadonlyDb) Get(ctx context.Context, id proto.DirId, name []byte) (*proto.Stat, error) {
	key := db.keys.Encode(id, name)
	value, err := db.store.GetRaw(ctx, "", key, db.readOpt)
	if err != nil {
		return nil, mapKvErr(err)
	}
	return db.keys.Stat(value)
}

func (db *FilesystemReadonlyDb) Stats(ctx context.Context) (kvstore.Stats, error) {
	return db.store.Stats(ctx)
}

func (db *FilesystemReadonlyDb) Close() {
	db.readOpt.Close()
	db.snap.Close()
	db.store.Close()
}
