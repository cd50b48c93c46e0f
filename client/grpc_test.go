package client

import (
	"context"
	"net"
	"os"
	"testing"

	apierrors "github.com/gigafs/gigafs/errors"
	"github.com/gigafs/gigafs/proto"
	"github.com/gigafs/gigafs/server"
	"github.com/gigafs/gigafs/util"
	"github.com/stretchr/testify/require"
)

// The full wire path: client -> grpc -> raw codec -> engine -> rocksdb.
func TestCli_OverGrpc(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	fs := server.NewFilesystem(server.FilesystemOptions{})
	require.NoError(t, fs.OpenFilesystem(ctx, path+"/grpc_test", server.DefaultFilesystemDbOptions()))
	defer fs.Close()

	rpc := server.NewRPCServer(fs)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	rpc.ServeListener(lis)
	defer rpc.Stop()

	cli := NewFilesystemCli(FilesystemCliOptions{})
	require.NoError(t, cli.Open([]string{lis.Addr().String()}))
	defer cli.Close()

	me := proto.User{Uid: 1, Gid: 1}
	_, err = cli.Mkdir(ctx, me, nil, "/d", 0o755)
	require.NoError(t, err)
	stat, err := cli.Mkfle(ctx, me, nil, "/d/f", 0o660)
	require.NoError(t, err)
	require.False(t, stat.IsDirectory())

	got, err := cli.Lstat(ctx, me, nil, "/d/f")
	require.NoError(t, err)
	require.Equal(t, stat.Ino, got.Ino)

	_, err = cli.Mkfle(ctx, me, nil, "/d/f", 0o660)
	require.Equal(t, apierrors.ErrAlreadyExists, err)
	_, err = cli.Lstat(ctx, me, nil, "/d/missing")
	require.Equal(t, apierrors.ErrNotFound, err)

	bat, err := cli.BatchStart(ctx, me, nil, "/d", 0o660)
	require.NoError(t, err)
	for _, name := range []string{"b0", "b1", "b2"} {
		require.NoError(t, cli.BatchCreat(bat, name))
	}
	require.NoError(t, cli.BatchCommit(ctx, bat))
	cli.BatchEnd(bat)
	for _, name := range []string{"b0", "b1", "b2"} {
		_, err := cli.Lstat(ctx, me, nil, "/d/"+name)
		require.NoError(t, err)
	}
}
