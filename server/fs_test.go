package server

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	apierrors "github.com/gigafs/gigafs/errors"
	"github.com/gigafs/gigafs/proto"
	"github.com/gigafs/gigafs/util"
	"github.com/stretchr/testify/require"
)

type fsTestEnv struct {
	t       *testing.T
	fs      *Filesystem
	path    string
	me      proto.User
	dirmode uint32
	due     uint64
}

func openTestFs(t *testing.T, opts FilesystemOptions) *fsTestEnv {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	fs := NewFilesystem(opts)
	require.NoError(t, fs.OpenFilesystem(context.TODO(), path+"/fs_test", DefaultFilesystemDbOptions()))
	return &fsTestEnv{
		t:       t,
		fs:      fs,
		path:    path,
		me:      proto.User{Uid: 1, Gid: 1},
		dirmode: 0o777,
		due:     proto.NeverExpires,
	}
}

func (eg *fsTestEnv) close() {
	if eg.fs != nil {
		eg.fs.Close()
	}
	os.RemoveAll(eg.path)
}

func (eg *fsTestEnv) parent(dirIno uint64) *proto.LookupStat {
	return &proto.LookupStat{
		Dnode:        0,
		Ino:          dirIno,
		ZerothServer: 0,
		DirMode:      eg.dirmode,
		Uid:          0,
		Gid:          0,
		LeaseDue:     eg.due,
	}
}

func (eg *fsTestEnv) creat(dirIno uint64, name string) error {
	_, err := eg.fs.Mkfle(context.TODO(), eg.me, eg.parent(dirIno), []byte(name), 0o660)
	return err
}

func (eg *fsTestEnv) exist(dirIno uint64, name string) error {
	_, err := eg.fs.Lstat(context.TODO(), eg.me, eg.parent(dirIno), []byte(name))
	return err
}

func TestFilesystem_OpenAndClose(t *testing.T) {
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()
	require.NoError(t, eg.fs.TEST_ProbeDir(context.TODO(), proto.RootDirId()))
}

func TestFilesystem_Files(t *testing.T) {
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()
	require.NoError(t, eg.creat(0, "a"))
	require.NoError(t, eg.creat(0, "b"))
	require.NoError(t, eg.creat(0, "c"))
	require.NoError(t, eg.exist(0, "a"))
	require.NoError(t, eg.exist(0, "b"))
	require.NoError(t, eg.exist(0, "c"))
}

func TestFilesystem_DuplicateNames(t *testing.T) {
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()
	require.NoError(t, eg.creat(0, "a"))
	require.Equal(t, apierrors.ErrAlreadyExists, eg.creat(0, "a"))
	require.NoError(t, eg.creat(0, "b"))
}

func TestFilesystem_NoDupChecks(t *testing.T) {
	eg := openTestFs(t, FilesystemOptions{SkipNameCollisionChecks: true})
	defer eg.close()

	stat1, err := eg.fs.Mkfle(context.TODO(), eg.me, eg.parent(0), []byte("a"), 0o660)
	require.NoError(t, err)
	stat2, err := eg.fs.Mkfle(context.TODO(), eg.me, eg.parent(0), []byte("a"), 0o660)
	require.NoError(t, err)
	require.NotEqual(t, stat1.Ino, stat2.Ino)

	// Last writer wins under kv semantics.
	got, err := eg.fs.Lstat(context.TODO(), eg.me, eg.parent(0), []byte("a"))
	require.NoError(t, err)
	require.Equal(t, stat2.Ino, got.Ino)
}

func TestFilesystem_LeaseExpired(t *testing.T) {
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()
	eg.due = 0
	require.Equal(t, apierrors.ErrLeaseExpired, eg.creat(0, "a"))
}

func TestFilesystem_NoLeaseDueChecks(t *testing.T) {
	eg := openTestFs(t, FilesystemOptions{SkipLeaseDueChecks: true})
	defer eg.close()
	eg.due = 0
	require.NoError(t, eg.creat(0, "a"))
}

func TestFilesystem_AccessDenied(t *testing.T) {
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()
	eg.dirmode = 0o770
	require.Equal(t, apierrors.ErrPermissionDenied, eg.creat(0, "a"))
}

func TestFilesystem_NoPermissionChecks(t *testing.T) {
	eg := openTestFs(t, FilesystemOptions{SkipPermChecks: true})
	defer eg.close()
	eg.dirmode = 0o770
	require.NoError(t, eg.creat(0, "a"))
}

func TestFilesystem_LokupNeedsDirectory(t *testing.T) {
	ctx := context.TODO()
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()

	require.NoError(t, eg.creat(0, "file"))
	_, err := eg.fs.Lokup(ctx, eg.me, eg.parent(0), []byte("file"))
	require.Equal(t, apierrors.ErrNotADirectory, err)

	dir, err := eg.fs.Mkdir(ctx, eg.me, eg.parent(0), []byte("dir"), 0o755)
	require.NoError(t, err)
	require.True(t, dir.IsDirectory())

	ls, err := eg.fs.Lokup(ctx, eg.me, eg.parent(0), []byte("dir"))
	require.NoError(t, err)
	require.Equal(t, dir.Ino, ls.Ino)

	_, err = eg.fs.Lokup(ctx, eg.me, eg.parent(0), []byte("nope"))
	require.Equal(t, apierrors.ErrNotFound, err)
}

// The set of names observable by Lstat equals the set whose Mkfle
// returned OK.
func TestFilesystem_ObservableEqualsCreated(t *testing.T) {
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()

	created := map[string]bool{}
	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("f%d", i%150) // forces some dup failures
		if eg.creat(0, name) == nil {
			created[name] = true
		}
	}
	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("f%d", i)
		err := eg.exist(0, name)
		if created[name] {
			require.NoError(t, err, name)
		} else {
			require.Equal(t, apierrors.ErrNotFound, err, name)
		}
	}
}

// Two concurrent creates of the same name linearize on the directory
// lock: exactly one wins.
func TestFilesystem_ConcurrentDupCreate(t *testing.T) {
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			errs[w] = eg.creat(0, "contended")
		}(w)
	}
	wg.Wait()

	oks, dups := 0, 0
	for _, err := range errs {
		switch err {
		case nil:
			oks++
		case apierrors.ErrAlreadyExists:
			dups++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, oks)
	require.Equal(t, workers-1, dups)
}

func packNames(names ...string) ([]byte, uint32) {
	var arr []byte
	for _, n := range names {
		arr = proto.PackName(arr, []byte(n))
	}
	return arr, uint32(len(names))
}

func TestFilesystem_MkflsAll(t *testing.T) {
	ctx := context.TODO()
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()

	arr, n := packNames("a", "b", "c", "d")
	created, err := eg.fs.Mkfls(ctx, eg.me, eg.parent(0), arr, n, 0o660)
	require.NoError(t, err)
	require.Equal(t, n, created)
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, eg.exist(0, name))
	}
}

// A failing name commits the prefix and reports the count; the caller
// owns the tail.
func TestFilesystem_MkflsPartial(t *testing.T) {
	ctx := context.TODO()
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()

	require.NoError(t, eg.creat(0, "dup"))
	arr, n := packNames("a", "b", "dup", "c")
	created, err := eg.fs.Mkfls(ctx, eg.me, eg.parent(0), arr, n, 0o660)
	require.Equal(t, apierrors.ErrAlreadyExists, err)
	require.Equal(t, uint32(2), created)
	require.NoError(t, eg.exist(0, "a"))
	require.NoError(t, eg.exist(0, "b"))
	require.Equal(t, apierrors.ErrNotFound, eg.exist(0, "c"))

	// The tail succeeds on retry once the dup is dropped.
	arr, n = packNames("c")
	created, err = eg.fs.Mkfls(ctx, eg.me, eg.parent(0), arr, n, 0o660)
	require.NoError(t, err)
	require.Equal(t, uint32(1), created)
}

func TestFilesystem_MkflsRejectsDupWithinBatch(t *testing.T) {
	ctx := context.TODO()
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()

	arr, n := packNames("x", "x")
	created, err := eg.fs.Mkfls(ctx, eg.me, eg.parent(0), arr, n, 0o660)
	require.Equal(t, apierrors.ErrAlreadyExists, err)
	require.Equal(t, uint32(1), created)
}

// Under split pressure every created name stays reachable and the
// partition map only grows onto present partitions.
func TestFilesystem_SplitsKeepNamesReachable(t *testing.T) {
	ctx := context.TODO()
	eg := openTestFs(t, FilesystemOptions{SplitThreshold: 16, NumPartitions: 64})
	defer eg.close()

	const files = 500
	for i := 0; i < files; i++ {
		require.NoError(t, eg.creat(0, fmt.Sprintf("burst%d", i)))
	}
	for i := 0; i < files; i++ {
		require.NoError(t, eg.exist(0, fmt.Sprintf("burst%d", i)))
	}
	// Partition 0 never disappears and this much pressure guarantees
	// its first split, so partition 1 must be present too.
	require.NoError(t, eg.fs.TEST_ProbePartition(ctx, proto.RootDirId(), 0))
	require.NoError(t, eg.fs.TEST_ProbePartition(ctx, proto.RootDirId(), 1))
}

// Cursor and dir index survive flush + reopen.
func TestFilesystem_Recovery(t *testing.T) {
	ctx := context.TODO()
	eg := openTestFs(t, FilesystemOptions{SplitThreshold: 16, NumPartitions: 64})
	defer eg.close()

	for i := 0; i < 100; i++ {
		require.NoError(t, eg.creat(0, fmt.Sprintf("r%d", i)))
	}
	stat, err := eg.fs.Lstat(ctx, eg.me, eg.parent(0), []byte("r99"))
	require.NoError(t, err)
	require.NoError(t, eg.fs.Flush(ctx))
	require.NoError(t, eg.fs.Close())

	fs2 := NewFilesystem(FilesystemOptions{SplitThreshold: 16, NumPartitions: 64})
	opts := DefaultFilesystemDbOptions()
	opts.UseExistingDb = true
	require.NoError(t, fs2.OpenFilesystem(ctx, eg.path+"/fs_test", opts))
	eg.fs = fs2

	// Names remain and fresh inodes never collide with recovered ones.
	require.NoError(t, eg.exist(0, "r0"))
	require.NoError(t, eg.exist(0, "r99"))
	nstat, err := fs2.Mkfle(ctx, eg.me, eg.parent(0), []byte("post-recovery"), 0o660)
	require.NoError(t, err)
	require.Greater(t, nstat.Ino, stat.Ino)
}

// A server that does not own a name's partition redirects instead of
// serving it.
func TestFilesystem_StalePlacement(t *testing.T) {
	ctx := context.TODO()
	eg := openTestFs(t, FilesystemOptions{Nsrvs: 2, Vsrvs: 2, SrvID: 1})
	defer eg.close()

	// With a fresh one-partition index everything lives on server 0;
	// this engine claims server id 1, so it must redirect.
	err := eg.creat(0, "anything")
	require.Equal(t, apierrors.ErrStaleDirIndex, err)

	snap, err := eg.fs.DirIndexSnapshot(ctx, proto.RootDirId(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, snap)
}

func TestFilesystem_Bukin(t *testing.T) {
	ctx := context.TODO()
	eg := openTestFs(t, FilesystemOptions{})
	defer eg.close()

	// Nothing ingestible in an empty dir.
	empty := eg.path + "/empty"
	require.NoError(t, os.MkdirAll(empty, 0o755))
	require.Equal(t, apierrors.ErrInvalidArgument,
		eg.fs.Bukin(ctx, eg.me, eg.parent(0), empty))

	require.Equal(t, apierrors.ErrIO,
		eg.fs.Bukin(ctx, eg.me, eg.parent(0), eg.path+"/does-not-exist"))
}
