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
	"fmt"
	"os"
	"testing"

	"github.com/gigafs/gigafs/util"
	"github.com/stretchr/testify/require"
	rdb "github.com/tecbot/gorocksdb"
)

type testEg struct {
	engine Store
	path   string
}

func newEngine(ctx context.Context, opt *Option) (*testEg, error) {
	path, err := util.GenTmpPath()
	if err != nil {
		return nil, err
	}
	var _opt *Option
	if opt != nil {
		_opt = opt
	} else {
		_opt = new(Option)
	}
	_opt.CreateIfMissing = true
	engine, err := newRocksdb(ctx, path, _opt)
	if err != nil {
		return nil, err
	}
	return &testEg{engine: engine, path: path}, nil
}

func (eg *testEg) close() {
	eg.engine.Close()
	os.RemoveAll(eg.path)
}

func Test_openRocksdb(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	opt := new(Option)
	opt.CreateIfMissing = true
	opt.BlockSize = 1 << 16
	opt.BlockCacheSize = 1 << 20
	opt.FilterBitsPerKey = 12
	opt.ColumnFamily = []CF{"a", "b"}
	opt.Compression = SnappyCompression
	eg, err := newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()

	// open with empty path
	_, err = newRocksdb(ctx, "", opt)
	require.Error(t, err)
	// reopen db
	eg, err = newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()
}

func TestInstance_SetGetRaw(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	require.NoError(t, eg.engine.SetRaw(ctx, "", []byte("k1"), []byte("v1"), nil))
	v, err := eg.engine.GetRaw(ctx, "", []byte("k1"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	_, err = eg.engine.GetRaw(ctx, "", []byte("absent"), nil)
	require.Equal(t, ErrNotFound, err)

	require.NoError(t, eg.engine.Delete(ctx, "", []byte("k1"), nil))
	_, err = eg.engine.GetRaw(ctx, "", []byte("k1"), nil)
	require.Equal(t, ErrNotFound, err)
}

func TestInstance_WriteBatch(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	batch := eg.engine.NewWriteBatch()
	for i := 0; i < 10; i++ {
		batch.Put("", []byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%d", i)))
	}
	require.Equal(t, 10, batch.Count())
	require.NoError(t, eg.engine.Write(ctx, batch, nil))
	batch.Close()

	for i := 0; i < 10; i++ {
		v, err := eg.engine.GetRaw(ctx, "", []byte(fmt.Sprintf("k%02d", i)), nil)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), v)
	}
}

func TestInstance_ListPrefix(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
		require.NoError(t, eg.engine.SetRaw(ctx, "", []byte(k), []byte("v"), nil))
	}

	lr := eg.engine.List(ctx, "", []byte("a/"), nil, nil)
	defer lr.Close()
	var keys []string
	for {
		key, _, err := lr.ReadNextCopy()
		require.NoError(t, err)
		if key == nil {
			break
		}
		keys = append(keys, string(key))
	}
	require.Equal(t, []string{"a/1", "a/2", "a/3"}, keys)
}

func TestInstance_SnapshotPinsView(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	require.NoError(t, eg.engine.SetRaw(ctx, "", []byte("k"), []byte("old"), nil))
	snap := eg.engine.NewSnapshot()
	defer snap.Close()
	ro := eg.engine.NewReadOption()
	defer ro.Close()
	ro.SetSnapShot(snap)

	require.NoError(t, eg.engine.SetRaw(ctx, "", []byte("k"), []byte("new"), nil))

	v, err := eg.engine.GetRaw(ctx, "", []byte("k"), ro)
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)
	v, err = eg.engine.GetRaw(ctx, "", []byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
}

func TestInstance_FlushAndStats(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	for i := 0; i < 100; i++ {
		require.NoError(t, eg.engine.SetRaw(ctx, "", []byte(fmt.Sprintf("k%d", i)), []byte("v"), nil))
	}
	require.NoError(t, eg.engine.FlushCF(ctx, ""))
	stats, err := eg.engine.Stats(ctx)
	require.NoError(t, err)
	require.Greater(t, stats.Used, uint64(0))
}

func TestInstance_Ingest(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	defer eg.close()

	sstDir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(sstDir)

	sstPath := sstDir + "/bulk.sst"
	w := rdb.NewSSTFileWriter(rdb.NewDefaultEnvOptions(), rdb.NewDefaultOptions())
	defer w.Destroy()
	require.NoError(t, w.Open(sstPath))
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Add([]byte(fmt.Sprintf("ing%02d", i)), []byte("v")))
	}
	require.NoError(t, w.Finish())

	require.NoError(t, eg.engine.Ingest(ctx, "", []string{sstPath}))
	v, err := eg.engine.GetRaw(ctx, "", []byte("ing05"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestInstance_ReadonlyRejectsWrites(t *testing.T) {
	ctx := context.TODO()
	eg, err := newEngine(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, eg.engine.SetRaw(ctx, "", []byte("k"), []byte("v"), nil))
	eg.engine.Close()
	defer os.RemoveAll(eg.path)

	ro, err := newRocksdb(ctx, eg.path, &Option{Readonly: true})
	require.NoError(t, err)
	defer ro.Close()

	v, err := ro.GetRaw(ctx, "", []byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
	require.Equal(t, ErrReadonlyStore, ro.SetRaw(ctx, "", []byte("k"), []byte("w"), nil))
	require.Equal(t, ErrReadonlyStore, ro.FlushCF(ctx, ""))
}
