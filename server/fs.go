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
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/gigafs/gigafs/errors"
	"github.com/gigafs/gigafs/giga"
	"github.com/gigafs/gigafs/metrics"
	"github.com/gigafs/gigafs/proto"
	"github.com/gigafs/gigafs/util"
)

type FilesystemOptions struct {
	// The lease and permission checks compose into a guard pipeline at
	// construction; skipping one removes it from the pipeline entirely.
	// The name-collision check is applied inline by the create paths.
	SkipPermChecks          bool `json:"skip_perm_checks"`
	SkipLeaseDueChecks      bool `json:"skip_lease_due_checks"`
	SkipNameCollisionChecks bool `json:"skip_name_collision_checks"`

	// Vsrvs is the virtual server count folded onto Nsrvs physical
	// servers; SrvID is this server's physical id.
	Vsrvs int            `json:"vsrvs"`
	Nsrvs int            `json:"nsrvs"`
	SrvID proto.ServerID `json:"srv_id"`

	// SplitThreshold bounds a partition's population before it splits.
	SplitThreshold int `json:"split_threshold"`
	NumPartitions  int `json:"num_partitions"`

	// LeaseDuration bounds issued lookup leases, in microseconds.
	// Zero issues leases that never expire.
	LeaseDuration uint64 `json:"lease_duration"`
}

func (o *FilesystemOptions) normalize() {
	if o.Nsrvs <= 0 {
		o.Nsrvs = 1
	}
	if o.Vsrvs < o.Nsrvs {
		o.Vsrvs = o.Nsrvs
	}
	if o.SplitThreshold <= 0 {
		o.SplitThreshold = giga.DefaultSplitThreshold
	}
}

type guard func(who proto.User, parent *proto.LookupStat) error

// accWrite/accExec select which permission bits a guard tests.
const (
	accExec  = 0o1
	accWrite = 0o2
)

// Filesystem is the server-side metadata engine. It is safe for use
// from many request goroutines; per-directory mutation serializes on
// the directory's control block.
type Filesystem struct {
	opts FilesystemOptions
	db   *FilesystemDb

	nowMicros func() uint64
	inoCursor uint64

	mu   sync.Mutex
	dirs map[proto.DirId]*dirControl

	lokupGuards []guard
	creatGuards []guard
}

// dirControl carries a directory's lock, giga index and load state.
type dirControl struct {
	id     proto.DirId
	mu     sync.Mutex
	giga   *giga.Index
	loaded bool
}

func NewFilesystem(opts FilesystemOptions) *Filesystem {
	opts.normalize()
	fs := &Filesystem{
		opts:      opts,
		nowMicros: util.NowMicros,
		dirs:      make(map[proto.DirId]*dirControl),
	}
	if !opts.SkipLeaseDueChecks {
		fs.lokupGuards = append(fs.lokupGuards, fs.leaseGuard)
		fs.creatGuards = append(fs.creatGuards, fs.leaseGuard)
	}
	if !opts.SkipPermChecks {
		fs.lokupGuards = append(fs.lokupGuards, permGuard(accExec))
		fs.creatGuards = append(fs.creatGuards, permGuard(accWrite))
	}
	return fs
}

// OpenFilesystem attaches the engine to its db and recovers the inode
// cursor from the root's meta record.
func (fs *Filesystem) OpenFilesystem(ctx context.Context, dbloc string, dbopts FilesystemDbOptions) error {
	db, err := OpenFilesystemDb(ctx, dbloc, dbopts)
	if err != nil {
		return err
	}
	fs.db = db
	if meta, err := db.LoadDirMeta(ctx, proto.RootDirId()); err == nil {
		atomic.StoreUint64(&fs.inoCursor, meta.InoCursor)
	} else if err != apierrors.ErrNotFound {
		return err
	}
	return nil
}

func (fs *Filesystem) Close() error {
	if fs.db == nil {
		return nil
	}
	err := fs.saveDirState(context.Background())
	fs.db.Close()
	fs.db = nil
	return err
}

// Flush persists memtable state plus every loaded directory's meta, so
// the inode cursor and partition maps survive a restart.
func (fs *Filesystem) Flush(ctx context.Context) error {
	if err := fs.saveDirState(ctx); err != nil {
		return err
	}
	return fs.db.Flush(ctx)
}

func (fs *Filesystem) saveDirState(ctx context.Context) error {
	fs.mu.Lock()
	dcs := make([]*dirControl, 0, len(fs.dirs))
	for _, dc := range fs.dirs {
		dcs = append(dcs, dc)
	}
	fs.mu.Unlock()
	cursor := atomic.LoadUint64(&fs.inoCursor)
	sawRoot := false
	for _, dc := range dcs {
		dc.mu.Lock()
		if dc.loaded {
			meta := &dirMeta{Index: dc.giga.Encode()}
			if dc.id == proto.RootDirId() {
				meta.InoCursor = cursor
				sawRoot = true
			}
			if err := fs.db.SaveDirMeta(ctx, dc.id, meta); err != nil {
				dc.mu.Unlock()
				return err
			}
		}
		dc.mu.Unlock()
	}
	if !sawRoot && cursor != 0 {
		root := giga.NewIndex(0, fs.gigaOptions())
		return fs.db.SaveDirMeta(ctx, proto.RootDirId(), &dirMeta{InoCursor: cursor, Index: root.Encode()})
	}
	return nil
}

func (fs *Filesystem) gigaOptions() giga.Options {
	return giga.Options{
		NumPartitions:     fs.opts.NumPartitions,
		SplitThreshold:    fs.opts.SplitThreshold,
		NumServers:        fs.opts.Nsrvs,
		NumVirtualServers: fs.opts.Vsrvs,
	}
}

func (fs *Filesystem) nextIno() proto.Ino {
	return atomic.AddUint64(&fs.inoCursor, 1)
}

// Guards

func (fs *Filesystem) leaseGuard(who proto.User, parent *proto.LookupStat) error {
	if parent.LeaseDue != proto.NeverExpires && parent.LeaseDue <= fs.nowMicros() {
		return apierrors.ErrLeaseExpired
	}
	return nil
}

func permGuard(acc uint32) guard {
	return func(who proto.User, parent *proto.LookupStat) error {
		mode := parent.DirMode
		switch {
		case who.Uid == 0:
			return nil
		case who.Uid == parent.Uid:
			mode >>= 6
		case who.Gid == parent.Gid:
			mode >>= 3
		}
		if mode&acc != acc {
			return apierrors.ErrPermissionDenied
		}
		return nil
	}
}

func runGuards(guards []guard, who proto.User, parent *proto.LookupStat) error {
	for _, g := range guards {
		if err := g(who, parent); err != nil {
			return err
		}
	}
	return nil
}

// Directory control blocks

func (fs *Filesystem) acquireDir(ctx context.Context, id proto.DirId, zeroth proto.ServerID) (*dirControl, error) {
	fs.mu.Lock()
	dc, ok := fs.dirs[id]
	if !ok {
		dc = &dirControl{id: id}
		fs.dirs[id] = dc
	}
	fs.mu.Unlock()

	dc.mu.Lock()
	if dc.loaded {
		dc.mu.Unlock()
		return dc, nil
	}
	err := fs.loadDir(ctx, dc, zeroth)
	dc.mu.Unlock()
	if err != nil {
		fs.forgetDir(id)
		return nil, err
	}
	return dc, nil
}

func (fs *Filesystem) forgetDir(id proto.DirId) {
	fs.mu.Lock()
	delete(fs.dirs, id)
	fs.mu.Unlock()
}

// loadDir rebuilds the directory's index: from its persisted meta when
// present, then replaying the children scan to recover populations.
// Callers hold dc.mu.
func (fs *Filesystem) loadDir(ctx context.Context, dc *dirControl, zeroth proto.ServerID) error {
	opts := fs.gigaOptions()
	meta, err := fs.db.LoadDirMeta(ctx, dc.id)
	switch err {
	case nil:
		idx, derr := giga.DecodeIndex(meta.Index, opts)
		if derr != nil {
			return derr
		}
		dc.giga = idx
		if dc.id == proto.RootDirId() && meta.InoCursor > atomic.LoadUint64(&fs.inoCursor) {
			atomic.StoreUint64(&fs.inoCursor, meta.InoCursor)
		}
	case apierrors.ErrNotFound:
		dc.giga = giga.NewIndex(zeroth, opts)
	default:
		return err
	}
	err = fs.db.ListChildren(ctx, dc.id, func(name []byte, stat *proto.Stat) error {
		dc.giga.InsertChild(giga.Hash(name))
		return nil
	})
	if err != nil {
		return err
	}
	dc.loaded = true
	return nil
}

// checkPlacement rejects an op whose target partition this server does
// not own; the rpc layer attaches the current index snapshot so the
// client can catch up and retry. Callers hold dc.mu.
func (fs *Filesystem) checkPlacement(dc *dirControl, hash uint32) error {
	if fs.opts.Nsrvs <= 1 {
		return nil
	}
	if dc.giga.Server(dc.giga.Part(hash)) != fs.opts.SrvID {
		return apierrors.ErrStaleDirIndex
	}
	return nil
}

// accountInsert records a committed create in the index and performs
// any resulting split, recounting the two halves exactly from a scan.
// Callers hold dc.mu.
func (fs *Filesystem) accountInsert(ctx context.Context, dc *dirControl, hash uint32) {
	i := dc.giga.InsertChild(hash)
	if i < 0 {
		return
	}
	span := trace.SpanFromContextSafe(ctx)
	target := dc.giga.Split(i)
	metrics.DirSplits.Inc()
	counts := map[int]uint32{}
	err := fs.db.ListChildren(ctx, dc.id, func(name []byte, stat *proto.Stat) error {
		counts[dc.giga.Part(giga.Hash(name))]++
		return nil
	})
	if err != nil {
		span.Warnf("split recount of dir (%d,%d) failed: %v", dc.id.Dnode, dc.id.Ino, err)
		return
	}
	dc.giga.SetCount(i, counts[i])
	dc.giga.SetCount(target, counts[target])
	meta := &dirMeta{Index: dc.giga.Encode()}
	if dc.id == proto.RootDirId() {
		meta.InoCursor = atomic.LoadUint64(&fs.inoCursor)
	}
	if err := fs.db.SaveDirMeta(ctx, dc.id, meta); err != nil {
		span.Warnf("persisting dir index of (%d,%d) failed: %v", dc.id.Dnode, dc.id.Ino, err)
	}
}

// DirIndexSnapshot returns the directory's current routable index.
func (fs *Filesystem) DirIndexSnapshot(ctx context.Context, id proto.DirId, zeroth proto.ServerID) ([]byte, error) {
	dc, err := fs.acquireDir(ctx, id, zeroth)
	if err != nil {
		return nil, err
	}
	dc.mu.Lock()
	b := dc.giga.Encode()
	dc.mu.Unlock()
	return b, nil
}

// Operations

func (fs *Filesystem) Lokup(ctx context.Context, who proto.User, parent *proto.LookupStat, name []byte) (*proto.LookupStat, error) {
	if len(name) == 0 {
		return nil, apierrors.ErrInvalidArgument
	}
	if err := runGuards(fs.lokupGuards, who, parent); err != nil {
		return nil, err
	}
	dc, err := fs.acquireDir(ctx, parent.DirId(), parent.ZerothServer)
	if err != nil {
		return nil, err
	}
	hash := giga.Hash(name)
	dc.mu.Lock()
	err = fs.checkPlacement(dc, hash)
	dc.mu.Unlock()
	if err != nil {
		return nil, err
	}
	stat, err := fs.db.Get(ctx, parent.DirId(), name)
	if err != nil {
		return nil, err
	}
	if !stat.IsDirectory() {
		return nil, apierrors.ErrNotADirectory
	}
	ls := proto.LookupStatFromStat(stat, fs.leaseDue())
	return &ls, nil
}

func (fs *Filesystem) leaseDue() uint64 {
	if fs.opts.LeaseDuration == 0 {
		return proto.NeverExpires
	}
	return fs.nowMicros() + fs.opts.LeaseDuration
}

func (fs *Filesystem) Lstat(ctx context.Context, who proto.User, parent *proto.LookupStat, name []byte) (*proto.Stat, error) {
	if len(name) == 0 {
		return nil, apierrors.ErrInvalidArgument
	}
	if err := runGuards(fs.lokupGuards, who, parent); err != nil {
		return nil, err
	}
	dc, err := fs.acquireDir(ctx, parent.DirId(), parent.ZerothServer)
	if err != nil {
		return nil, err
	}
	hash := giga.Hash(name)
	dc.mu.Lock()
	err = fs.checkPlacement(dc, hash)
	dc.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return fs.db.Get(ctx, parent.DirId(), name)
}

func (fs *Filesystem) Mkfle(ctx context.Context, who proto.User, parent *proto.LookupStat, name []byte, mode uint32) (*proto.Stat, error) {
	return fs.mknod(ctx, who, parent, name, mode, false)
}

func (fs *Filesystem) Mkdir(ctx context.Context, who proto.User, parent *proto.LookupStat, name []byte, mode uint32) (*proto.Stat, error) {
	return fs.mknod(ctx, who, parent, name, mode, true)
}

func (fs *Filesystem) mknod(ctx context.Context, who proto.User, parent *proto.LookupStat, name []byte, mode uint32, isDir bool) (*proto.Stat, error) {
	if len(name) == 0 {
		return nil, apierrors.ErrInvalidArgument
	}
	if err := runGuards(fs.creatGuards, who, parent); err != nil {
		return nil, err
	}
	dc, err := fs.acquireDir(ctx, parent.DirId(), parent.ZerothServer)
	if err != nil {
		return nil, err
	}
	hash := giga.Hash(name)

	dc.mu.Lock()
	defer dc.mu.Unlock()
	if err := fs.checkPlacement(dc, hash); err != nil {
		return nil, err
	}
	if !fs.opts.SkipNameCollisionChecks {
		exists, err := fs.db.Exists(ctx, parent.DirId(), name)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, apierrors.ErrAlreadyExists
		}
	}
	stat := fs.newStat(parent, mode, who, isDir)
	if err := fs.db.Set(ctx, parent.DirId(), name, stat); err != nil {
		return nil, err
	}
	fs.accountInsert(ctx, dc, hash)
	return stat, nil
}

func (fs *Filesystem) newStat(parent *proto.LookupStat, mode uint32, who proto.User, isDir bool) *proto.Stat {
	now := fs.nowMicros()
	ino := fs.nextIno()
	ftype := proto.S_IFREG
	if isDir {
		ftype = proto.S_IFDIR
	}
	return &proto.Stat{
		Dnode:        parent.Dnode,
		Ino:          ino,
		ZerothServer: proto.ServerID(ino % uint64(fs.opts.Nsrvs)),
		FileMode:     (mode & 0o7777) | ftype,
		Uid:          who.Uid,
		Gid:          who.Gid,
		ModifyTime:   now,
		ChangeTime:   now,
	}
}

// Mkfls creates the packed names in order inside one atomic KV batch.
// On the first per-name failure the already-validated prefix commits
// and the count returns with the error; callers retry the tail.
func (fs *Filesystem) Mkfls(ctx context.Context, who proto.User, parent *proto.LookupStat, namearr []byte, n uint32, mode uint32) (uint32, error) {
	if err := runGuards(fs.creatGuards, who, parent); err != nil {
		return 0, err
	}
	dc, err := fs.acquireDir(ctx, parent.DirId(), parent.ZerothServer)
	if err != nil {
		return 0, err
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	batch := fs.db.NewBatch()
	defer batch.Close()

	var (
		created uint32
		hashes  []uint32
		seen    map[string]struct{}
		opErr   error
	)
	if !fs.opts.SkipNameCollisionChecks {
		seen = make(map[string]struct{}, n)
	}
	rest := namearr
	for created < n {
		var name []byte
		name, rest, err = proto.UnpackName(rest)
		if err != nil {
			opErr = apierrors.ErrInvalidArgument
			break
		}
		if len(name) == 0 {
			opErr = apierrors.ErrInvalidArgument
			break
		}
		hash := giga.Hash(name)
		if opErr = fs.checkPlacement(dc, hash); opErr != nil {
			break
		}
		if seen != nil {
			if _, dup := seen[string(name)]; dup {
				opErr = apierrors.ErrAlreadyExists
				break
			}
			exists, err := fs.db.Exists(ctx, parent.DirId(), name)
			if err != nil {
				opErr = err
				break
			}
			if exists {
				opErr = apierrors.ErrAlreadyExists
				break
			}
			seen[string(name)] = struct{}{}
		}
		stat := fs.newStat(parent, mode, who, false)
		batch.Add(parent.DirId(), name, stat)
		hashes = append(hashes, hash)
		created++
	}

	if created > 0 {
		if err := batch.Commit(ctx); err != nil {
			return 0, err
		}
		for _, h := range hashes {
			fs.accountInsert(ctx, dc, h)
		}
	}
	return created, opErr
}

// Bukin ingests externally built tables for the parent directory. The
// directory's control block reloads afterwards since populations moved
// underneath it.
func (fs *Filesystem) Bukin(ctx context.Context, who proto.User, parent *proto.LookupStat, dir string) error {
	if err := runGuards(fs.creatGuards, who, parent); err != nil {
		return err
	}
	if err := fs.db.Ingest(ctx, dir); err != nil {
		return err
	}
	fs.forgetDir(parent.DirId())
	return nil
}

// Test hooks mirroring the metadata manager's probe interface.

func (fs *Filesystem) TEST_ProbeDir(ctx context.Context, id proto.DirId) error {
	_, err := fs.acquireDir(ctx, id, 0)
	return err
}

func (fs *Filesystem) TEST_ProbePartition(ctx context.Context, id proto.DirId, ix int) error {
	dc, err := fs.acquireDir(ctx, id, 0)
	if err != nil {
		return err
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if !dc.giga.Present(ix) {
		return apierrors.ErrNotFound
	}
	return nil
}
