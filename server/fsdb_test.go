package server

import (
	"context"
	"os"
	"testing"

	apierrors "github.com/gigafs/gigafs/errors"
	"github.com/gigafs/gigafs/proto"
	"github.com/gigafs/gigafs/util"
	"github.com/stretchr/testify/require"
)

type dbTestEnv struct {
	db   *FilesystemDb
	path string
}

func openTestDb(t *testing.T, opts FilesystemDbOptions) *dbTestEnv {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	db, err := OpenFilesystemDb(context.TODO(), path+"/fsdb_test", opts)
	require.NoError(t, err)
	return &dbTestEnv{db: db, path: path}
}

func (eg *dbTestEnv) close() {
	if eg.db != nil {
		eg.db.Close()
	}
	os.RemoveAll(eg.path)
}

func TestFilesystemDb_OpenAndClose(t *testing.T) {
	eg := openTestDb(t, DefaultFilesystemDbOptions())
	eg.close()
}

func TestFilesystemDb_SetGetDelete(t *testing.T) {
	ctx := context.TODO()
	eg := openTestDb(t, DefaultFilesystemDbOptions())
	defer eg.close()

	id := proto.RootDirId()
	stat := &proto.Stat{Dnode: 0, Ino: 7, FileMode: proto.S_IFREG | 0o660, Uid: 1, Gid: 1}
	require.NoError(t, eg.db.Set(ctx, id, []byte("a"), stat))

	got, err := eg.db.Get(ctx, id, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, stat, got)

	exists, err := eg.db.Exists(ctx, id, []byte("a"))
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = eg.db.Exists(ctx, id, []byte("b"))
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, eg.db.Delete(ctx, id, []byte("a")))
	_, err = eg.db.Get(ctx, id, []byte("a"))
	require.Equal(t, apierrors.ErrNotFound, err)
}

func TestFilesystemDb_ListChildren(t *testing.T) {
	ctx := context.TODO()
	eg := openTestDb(t, DefaultFilesystemDbOptions())
	defer eg.close()

	id := proto.DirId{Dnode: 0, Ino: 3}
	other := proto.DirId{Dnode: 0, Ino: 4}
	for i, name := range []string{"c", "a", "b"} {
		stat := &proto.Stat{Ino: uint64(i + 10), FileMode: proto.S_IFREG}
		require.NoError(t, eg.db.Set(ctx, id, []byte(name), stat))
	}
	require.NoError(t, eg.db.Set(ctx, other, []byte("x"), &proto.Stat{Ino: 99}))
	// A meta record must not surface as a child.
	require.NoError(t, eg.db.SaveDirMeta(ctx, id, &dirMeta{InoCursor: 42}))

	var names []string
	err := eg.db.ListChildren(ctx, id, func(name []byte, stat *proto.Stat) error {
		names = append(names, string(name))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, names)
}

func TestFilesystemDb_DirMeta(t *testing.T) {
	ctx := context.TODO()
	eg := openTestDb(t, DefaultFilesystemDbOptions())
	defer eg.close()

	id := proto.RootDirId()
	_, err := eg.db.LoadDirMeta(ctx, id)
	require.Equal(t, apierrors.ErrNotFound, err)

	meta := &dirMeta{InoCursor: 12345, Index: []byte{9, 8, 7}}
	require.NoError(t, eg.db.SaveDirMeta(ctx, id, meta))
	got, err := eg.db.LoadDirMeta(ctx, id)
	require.NoError(t, err)
	require.Equal(t, meta.InoCursor, got.InoCursor)
	require.Equal(t, meta.Index, got.Index)
}

func TestFilesystemDb_HashedNameMode(t *testing.T) {
	ctx := context.TODO()
	opts := DefaultFilesystemDbOptions()
	opts.KeyMode = HashedName
	eg := openTestDb(t, opts)
	defer eg.close()

	id := proto.RootDirId()
	stat := &proto.Stat{Ino: 5, FileMode: proto.S_IFREG | 0o644}
	require.NoError(t, eg.db.Set(ctx, id, []byte("somename"), stat))

	got, err := eg.db.Get(ctx, id, []byte("somename"))
	require.NoError(t, err)
	require.Equal(t, stat, got)

	// The name round-trips out of the value, not the key.
	var names []string
	err = eg.db.ListChildren(ctx, id, func(name []byte, stat *proto.Stat) error {
		names = append(names, string(name))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"somename"}, names)
}

func TestFilesystemDb_ReadonlyReader(t *testing.T) {
	ctx := context.TODO()
	eg := openTestDb(t, DefaultFilesystemDbOptions())
	defer eg.close()

	id := proto.RootDirId()
	stat := &proto.Stat{Ino: 8, FileMode: proto.S_IFREG | 0o600}
	require.NoError(t, eg.db.Set(ctx, id, []byte("frozen"), stat))
	require.NoError(t, eg.db.Flush(ctx))
	eg.db.Close()
	eg.db = nil

	ro, err := OpenFilesystemReadonlyDb(ctx, eg.path+"/fsdb_test", DefaultFilesystemReadonlyDbOptions())
	require.NoError(t, err)
	defer ro.Close()

	got, err := ro.Get(ctx, id, []byte("frozen"))
	require.NoError(t, err)
	require.Equal(t, stat, got)
	_, err = ro.Get(ctx, id, []byte("missing"))
	require.Equal(t, apierrors.ErrNotFound, err)
}

func TestParsePrettyNumber(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0", 0, true},
		{"128", 128, true},
		{"4k", 4 << 10, true},
		{"48m", 48 << 20, true},
		{"2G", 2 << 30, true},
		{"", 0, false},
		{"12x", 0, false},
		{"k", 0, false},
	} {
		got, ok := parsePrettyNumber(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		if ok {
			require.Equal(t, tc.want, got, tc.in)
		}
	}
}

func TestDbOptionsReadFromEnv(t *testing.T) {
	t.Setenv("DELTAFS_Db_memtable_size", "48m")
	t.Setenv("DELTAFS_Db_l0_compaction_trigger", "4")
	t.Setenv("DELTAFS_Db_compression", "snappy")
	opts := DefaultFilesystemDbOptions()
	opts.ReadFromEnv()
	require.Equal(t, 48<<20, opts.MemtableSize)
	require.Equal(t, 4, opts.L0CompactionTrigger)
	require.Equal(t, "snappy", string(opts.Compression))
}
