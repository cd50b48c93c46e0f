package proto

import (
	"testing"

	apierrors "github.com/gigafs/gigafs/errors"
	"github.com/stretchr/testify/require"
)

func testParent() LookupStat {
	return LookupStat{
		Dnode:        3,
		Ino:          4,
		ZerothServer: 5,
		DirMode:      6,
		Uid:          7,
		Gid:          8,
		LeaseDue:     9,
	}
}

func testWho() User {
	return User{Uid: 1, Gid: 2}
}

func roundTrip(t *testing.T, in, out Message) {
	b, err := in.Marshal()
	require.NoError(t, err)
	require.NoError(t, out.Unmarshal(b))
	require.Equal(t, in, out)
}

func TestLokupRoundTrip(t *testing.T) {
	in := &LokupRequest{Who: testWho(), Parent: testParent(), Name: []byte("x")}
	roundTrip(t, in, new(LokupRequest))

	resp := &LokupResponse{
		Status: CodeOK,
		Stat: LookupStat{
			Dnode: 10, Ino: 11, ZerothServer: 12,
			DirMode: 13, Uid: 14, Gid: 15, LeaseDue: 16,
		},
	}
	roundTrip(t, resp, new(LokupResponse))
}

func TestMkdirRoundTrip(t *testing.T) {
	in := &MkdirRequest{Who: testWho(), Parent: testParent(), Mode: 0o755, Name: []byte("sub")}
	roundTrip(t, in, new(MkdirRequest))

	resp := &MkdirResponse{
		Status: CodeOK,
		Stat: Stat{
			Dnode: 1, Ino: 2, ZerothServer: 3, FileMode: S_IFDIR | 0o755,
			Uid: 4, Gid: 5, FileSize: 6, ModifyTime: 7, ChangeTime: 8,
		},
	}
	roundTrip(t, resp, new(MkdirResponse))
}

func TestMkfleRoundTrip(t *testing.T) {
	in := &MkfleRequest{Who: testWho(), Parent: testParent(), Mode: 0o660, Name: []byte("f")}
	roundTrip(t, in, new(MkfleRequest))

	resp := &MkfleResponse{
		Status: CodeOK,
		Stat: Stat{
			Dnode: 9, Ino: 10, ZerothServer: 11, FileMode: S_IFREG | 0o660,
			Uid: 12, Gid: 13, FileSize: 0, ModifyTime: 14, ChangeTime: 15,
		},
	}
	roundTrip(t, resp, new(MkfleResponse))
}

func TestMkflsRoundTrip(t *testing.T) {
	arr := PackName(nil, []byte("a"))
	arr = PackName(arr, []byte("bb"))
	arr = PackName(arr, []byte("ccc"))
	in := &MkflsRequest{Who: testWho(), Parent: testParent(), Mode: 10, N: 3, NameArr: arr}
	roundTrip(t, in, new(MkflsRequest))

	resp := &MkflsResponse{Status: CodeAlreadyExists, N: 2}
	roundTrip(t, resp, new(MkflsResponse))
}

func TestBukinRoundTrip(t *testing.T) {
	in := &BukinRequest{Who: testWho(), Parent: testParent(), Dir: []byte("/bulk/tables")}
	roundTrip(t, in, new(BukinRequest))
	roundTrip(t, &BukinResponse{Status: CodeOK}, new(BukinResponse))
}

func TestLstatRoundTrip(t *testing.T) {
	in := &LstatRequest{Who: testWho(), Parent: testParent(), Name: []byte("y")}
	roundTrip(t, in, new(LstatRequest))

	resp := &LstatResponse{
		Status: CodeOK,
		Stat: Stat{
			Dnode: 20, Ino: 21, ZerothServer: 22, FileMode: S_IFREG | 0o644,
			Uid: 23, Gid: 24, FileSize: 25, ModifyTime: 26, ChangeTime: 27,
		},
	}
	roundTrip(t, resp, new(LstatResponse))
}

func TestStaleResponseCarriesIndex(t *testing.T) {
	in := &LokupResponse{Status: CodeStaleDirIndex, DirIdx: []byte{1, 2, 3, 4}}
	out := new(LokupResponse)
	roundTrip(t, in, out)
	require.Equal(t, []byte{1, 2, 3, 4}, out.DirIdx)
}

func TestPackUnpackNames(t *testing.T) {
	names := [][]byte{[]byte("a"), []byte("some-longer-name"), []byte("z")}
	var arr []byte
	for _, n := range names {
		arr = PackName(arr, n)
	}
	for _, want := range names {
		var got []byte
		var err error
		got, arr, err = UnpackName(arr)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.Empty(t, arr)

	_, _, err := UnpackName([]byte{0xff})
	require.Error(t, err)
}

func TestRequestOpcodeMismatch(t *testing.T) {
	in := &LokupRequest{Who: testWho(), Parent: testParent(), Name: []byte("x")}
	b, err := in.Marshal()
	require.NoError(t, err)
	require.Error(t, new(MkdirRequest).Unmarshal(b))
}

func TestStatusMapping(t *testing.T) {
	for _, err := range []error{
		apierrors.ErrNotFound,
		apierrors.ErrAlreadyExists,
		apierrors.ErrPermissionDenied,
		apierrors.ErrLeaseExpired,
		apierrors.ErrStaleDirIndex,
		apierrors.ErrBatchInProgress,
		apierrors.ErrTimeout,
		apierrors.ErrIO,
		apierrors.ErrCorruption,
		apierrors.ErrInvalidArgument,
		apierrors.ErrNotADirectory,
	} {
		require.Equal(t, err, ErrOf(StatusOf(err)))
	}
	require.Equal(t, CodeOK, StatusOf(nil))
	require.NoError(t, ErrOf(CodeOK))
}

func TestLeaseValid(t *testing.T) {
	p := LookupStat{LeaseDue: 100}
	require.True(t, p.LeaseValid(99))
	require.False(t, p.LeaseValid(100)) // due exactly now is expired
	require.False(t, p.LeaseValid(101))
	p.LeaseDue = NeverExpires
	require.True(t, p.LeaseValid(^uint64(0)-1))
}
