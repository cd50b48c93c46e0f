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

// Package client implements the caching metadata client: pathname
// resolution over lookup leases, a two-level dir/partition cache, and
// lease-protected batched creates. A client either dials remote
// metadata servers or attaches to in-process services.
package client

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	apierrors "github.com/gigafs/gigafs/errors"
	"github.com/gigafs/gigafs/giga"
	"github.com/gigafs/gigafs/proto"
	"github.com/gigafs/gigafs/util"
	"github.com/gigafs/gigafs/util/limiter"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type FilesystemCliOptions struct {
	PerPartitionLeaseLRUSize int `json:"per_partition_lease_lru_size"`
	PartitionLRUSize         int `json:"partition_lru_size"`
	DirTableSize             int `json:"dir_table_size"`

	// BatchSize is the packed-name byte budget of a per-partition
	// write buffer before it flushes in the background.
	BatchSize int `json:"batch_size"`

	// SkipPermChecks drops the client-side exec check during path
	// resolution; the server still enforces its own pipeline.
	SkipPermChecks bool `json:"skip_perm_checks"`

	// Vsrvs virtual servers fold onto Nsrvs physical servers.
	Vsrvs int `json:"vsrvs"`
	Nsrvs int `json:"nsrvs"`

	BgFlushWorkers int             `json:"bg_flush_workers"`
	FlushLimit     limiter.Config  `json:"flush_limit"`
	Transport      TransportConfig `json:"transport"`
}

func (o *FilesystemCliOptions) normalize() {
	if o.PerPartitionLeaseLRUSize <= 0 {
		o.PerPartitionLeaseLRUSize = 4096
	}
	if o.PartitionLRUSize <= 0 {
		o.PartitionLRUSize = 4096
	}
	if o.DirTableSize <= 0 {
		o.DirTableSize = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16 << 10
	}
	if o.Nsrvs <= 0 {
		o.Nsrvs = 1
	}
	if o.Vsrvs < o.Nsrvs {
		o.Vsrvs = o.Nsrvs
	}
	if o.BgFlushWorkers <= 0 {
		o.BgFlushWorkers = 4
	}
}

// maxIndexRetries bounds redirect-driven retries before the stale
// index error surfaces to the caller.
const maxIndexRetries = 3

type FilesystemCli struct {
	opts     FilesystemCliOptions
	gigaOpts giga.Options

	mu     sync.Mutex
	dirs   map[proto.DirId]*Dir
	dirlru *list.List
	pars   map[partKey]*Partition
	parlru *list.List

	stubs []proto.Metadata
	conns []*conn

	pool     taskpool.TaskPool
	flushLim limiter.Limiter

	rtlease   *Lease
	nowMicros func() uint64
}

func NewFilesystemCli(opts FilesystemCliOptions) *FilesystemCli {
	opts.normalize()
	cli := &FilesystemCli{
		opts:      opts,
		dirs:      make(map[proto.DirId]*Dir),
		dirlru:    list.New(),
		pars:      make(map[partKey]*Partition),
		parlru:    list.New(),
		pool:      taskpool.New(opts.BgFlushWorkers, opts.BgFlushWorkers),
		flushLim:  limiter.NewLimiter(opts.FlushLimit),
		nowMicros: util.NowMicros,
	}
	cli.gigaOpts = giga.Options{
		NumServers:        opts.Nsrvs,
		NumVirtualServers: opts.Vsrvs,
	}
	cli.formatRoot()
	return cli
}

// formatRoot fabricates the root lease: every resolution starts from
// it before any server has been consulted.
func (cli *FilesystemCli) formatRoot() {
	cli.rtlease = &Lease{
		name: "/",
		value: proto.LookupStat{
			Dnode:        proto.RootDnode,
			Ino:          proto.RootIno,
			ZerothServer: 0,
			DirMode:      proto.S_IFDIR | 0o777,
			LeaseDue:     proto.NeverExpires,
		},
	}
}

// Open dials one address per metadata server, in server-id order.
func (cli *FilesystemCli) Open(uris []string) error {
	if len(uris) == 0 {
		return apierrors.ErrInvalidArgument
	}
	for _, uri := range uris {
		c, err := dial(uri)
		if err != nil {
			for _, open := range cli.conns {
				open.Close()
			}
			cli.conns = nil
			return err
		}
		cli.conns = append(cli.conns, c)
		cli.stubs = append(cli.stubs, c)
	}
	return nil
}

// OpenLocal attaches in-process metadata services, bypassing rpc.
func (cli *FilesystemCli) OpenLocal(svcs ...proto.Metadata) {
	cli.stubs = append(cli.stubs, svcs...)
}

func (cli *FilesystemCli) Close() error {
	cli.pool.Close()
	var err error
	for _, c := range cli.conns {
		if cerr := c.Close(); cerr != nil {
			err = cerr
		}
	}
	cli.conns = nil
	cli.stubs = nil
	return err
}

func (cli *FilesystemCli) stubFor(d *Dir, pi int) proto.Metadata {
	s := d.server(pi)
	return cli.stubs[int(s)%len(cli.stubs)]
}

func (cli *FilesystemCli) rpcCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cli.opts.Transport.timeout())
}

// mapRPCErr folds transport errors into the client's error kinds.
func mapRPCErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded {
		return apierrors.ErrTimeout
	}
	return err
}

// AT is a resolved directory handle usable as a relative root for
// pathnames. Destroy it when done so the directory can leave the cache.
type AT struct {
	cli   *FilesystemCli
	value proto.LookupStat
	dir   *Dir
}

// Atdir resolves a pathname to a directory handle.
func (cli *FilesystemCli) Atdir(ctx context.Context, who proto.User, at *AT, pathname string) (*AT, error) {
	parent, name, _, err := cli.Resolu(ctx, who, at, pathname)
	if err != nil {
		return nil, err
	}
	value := parent.Value()
	if name != "" {
		le, err := cli.Lokup(ctx, who, &value, name)
		if err != nil {
			return nil, err
		}
		value = le.Value()
	}
	d := cli.acquireDir(value.DirId(), value.ZerothServer)
	return &AT{cli: cli, value: value, dir: d}, nil
}

func (cli *FilesystemCli) Destroy(at *AT) {
	if at == nil || at.dir == nil {
		return
	}
	cli.releaseDir(at.dir)
	at.dir = nil
}

// Lokup resolves one child name through the lease cache, fetching from
// the owning server on a miss.
func (cli *FilesystemCli) Lokup(ctx context.Context, who proto.User, parent *proto.LookupStat, name string) (*Lease, error) {
	d := cli.acquireDir(parent.DirId(), parent.ZerothServer)
	defer cli.releaseDir(d)
	return cli.lokup1(ctx, who, parent, name, d)
}

// lokup1 routes the name to its owning partition under the cached
// index and retries when the server proves the index stale.
func (cli *FilesystemCli) lokup1(ctx context.Context, who proto.User, parent *proto.LookupStat, name string, d *Dir) (*Lease, error) {
	hash := giga.Hash([]byte(name))
	var lastErr error
	for attempt := 0; attempt < maxIndexRetries; attempt++ {
		p := cli.acquirePartition(d, d.part(hash))
		le, retry, err := cli.lokup2(ctx, who, parent, name, d, p)
		cli.releasePartition(p)
		if !retry {
			return le, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// lokup2 is the terminal stage: consult the partition's lease index
// under its lock, and on a miss coalesce concurrent fetches of the
// same name into one rpc.
func (cli *FilesystemCli) lokup2(ctx context.Context, who proto.User, parent *proto.LookupStat, name string, d *Dir, p *Partition) (le *Lease, retryIndex bool, err error) {
	now := cli.nowMicros()
	if !parent.LeaseValid(now) {
		return nil, false, apierrors.ErrLeaseExpired
	}
	p.mu.Lock()
	if le := p.lookupLease(name, now); le != nil {
		p.mu.Unlock()
		return le, false, nil
	}
	p.mu.Unlock()

	v, err, _ := p.sf.Do(name, func() (interface{}, error) {
		rctx, cancel := cli.rpcCtx(ctx)
		defer cancel()
		resp, err := cli.stubFor(d, p.index).Lokup(rctx, &proto.LokupRequest{
			Who:    who,
			Parent: *parent,
			Name:   []byte(name),
		})
		if err != nil {
			return nil, mapRPCErr(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, false, err
	}
	resp := v.(*proto.LokupResponse)
	switch resp.Status {
	case proto.CodeOK:
		p.mu.Lock()
		le = p.insertLease(name, resp.Stat, cli.opts.PerPartitionLeaseLRUSize)
		p.mu.Unlock()
		return le, false, nil
	case proto.CodeStaleDirIndex:
		if ierr := d.installIndex(resp.DirIdx, cli.gigaOpts); ierr != nil {
			return nil, false, ierr
		}
		return nil, true, apierrors.ErrStaleDirIndex
	case proto.CodeCorruption:
		cli.invalidateDir(d.id)
		return nil, false, apierrors.ErrCorruption
	default:
		return nil, false, proto.ErrOf(resp.Status)
	}
}

// Mkfle creates a regular file at a pathname.
func (cli *FilesystemCli) Mkfle(ctx context.Context, who proto.User, at *AT, pathname string, mode uint32) (*proto.Stat, error) {
	parent, name, _, err := cli.Resolu(ctx, who, at, pathname)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, apierrors.ErrInvalidArgument
	}
	value := parent.Value()
	return cli.mkfle1(ctx, who, &value, name, mode)
}

func (cli *FilesystemCli) mkfle1(ctx context.Context, who proto.User, parent *proto.LookupStat, name string, mode uint32) (*proto.Stat, error) {
	d := cli.acquireDir(parent.DirId(), parent.ZerothServer)
	defer cli.releaseDir(d)
	hash := giga.Hash([]byte(name))
	var lastErr error = apierrors.ErrStaleDirIndex
	for attempt := 0; attempt < maxIndexRetries; attempt++ {
		pi := d.part(hash)
		rctx, cancel := cli.rpcCtx(ctx)
		resp, err := cli.stubFor(d, pi).Mkfle(rctx, &proto.MkfleRequest{
			Who: who, Parent: *parent, Mode: mode, Name: []byte(name),
		})
		cancel()
		if err != nil {
			return nil, mapRPCErr(err)
		}
		switch resp.Status {
		case proto.CodeOK:
			stat := resp.Stat
			return &stat, nil
		case proto.CodeStaleDirIndex:
			if ierr := d.installIndex(resp.DirIdx, cli.gigaOpts); ierr != nil {
				return nil, ierr
			}
			lastErr = apierrors.ErrStaleDirIndex
		case proto.CodeCorruption:
			cli.invalidateDir(d.id)
			return nil, apierrors.ErrCorruption
		default:
			return nil, proto.ErrOf(resp.Status)
		}
	}
	return nil, lastErr
}

// Mkdir creates a directory at a pathname.
func (cli *FilesystemCli) Mkdir(ctx context.Context, who proto.User, at *AT, pathname string, mode uint32) (*proto.Stat, error) {
	parent, name, _, err := cli.Resolu(ctx, who, at, pathname)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, apierrors.ErrInvalidArgument
	}
	value := parent.Value()
	return cli.mkdir1(ctx, who, &value, name, mode)
}

func (cli *FilesystemCli) mkdir1(ctx context.Context, who proto.User, parent *proto.LookupStat, name string, mode uint32) (*proto.Stat, error) {
	d := cli.acquireDir(parent.DirId(), parent.ZerothServer)
	defer cli.releaseDir(d)
	hash := giga.Hash([]byte(name))
	var lastErr error = apierrors.ErrStaleDirIndex
	for attempt := 0; attempt < maxIndexRetries; attempt++ {
		pi := d.part(hash)
		rctx, cancel := cli.rpcCtx(ctx)
		resp, err := cli.stubFor(d, pi).Mkdir(rctx, &proto.MkdirRequest{
			Who: who, Parent: *parent, Mode: mode, Name: []byte(name),
		})
		cancel()
		if err != nil {
			return nil, mapRPCErr(err)
		}
		switch resp.Status {
		case proto.CodeOK:
			stat := resp.Stat
			return &stat, nil
		case proto.CodeStaleDirIndex:
			if ierr := d.installIndex(resp.DirIdx, cli.gigaOpts); ierr != nil {
				return nil, ierr
			}
			lastErr = apierrors.ErrStaleDirIndex
		case proto.CodeCorruption:
			cli.invalidateDir(d.id)
			return nil, apierrors.ErrCorruption
		default:
			return nil, proto.ErrOf(resp.Status)
		}
	}
	return nil, lastErr
}

// Lstat stats a file or directory at a pathname.
func (cli *FilesystemCli) Lstat(ctx context.Context, who proto.User, at *AT, pathname string) (*proto.Stat, error) {
	parent, name, _, err := cli.Resolu(ctx, who, at, pathname)
	if err != nil {
		return nil, err
	}
	value := parent.Value()
	if name == "" {
		return nil, apierrors.ErrInvalidArgument
	}
	return cli.lstat1(ctx, who, &value, name)
}

func (cli *FilesystemCli) lstat1(ctx context.Context, who proto.User, parent *proto.LookupStat, name string) (*proto.Stat, error) {
	d := cli.acquireDir(parent.DirId(), parent.ZerothServer)
	defer cli.releaseDir(d)
	hash := giga.Hash([]byte(name))
	var lastErr error = apierrors.ErrStaleDirIndex
	for attempt := 0; attempt < maxIndexRetries; attempt++ {
		pi := d.part(hash)
		rctx, cancel := cli.rpcCtx(ctx)
		resp, err := cli.stubFor(d, pi).Lstat(rctx, &proto.LstatRequest{
			Who: who, Parent: *parent, Name: []byte(name),
		})
		cancel()
		if err != nil {
			return nil, mapRPCErr(err)
		}
		switch resp.Status {
		case proto.CodeOK:
			stat := resp.Stat
			return &stat, nil
		case proto.CodeStaleDirIndex:
			if ierr := d.installIndex(resp.DirIdx, cli.gigaOpts); ierr != nil {
				return nil, ierr
			}
			lastErr = apierrors.ErrStaleDirIndex
		case proto.CodeCorruption:
			cli.invalidateDir(d.id)
			return nil, apierrors.ErrCorruption
		default:
			return nil, proto.ErrOf(resp.Status)
		}
	}
	return nil, lastErr
}

// Bukin asks the directory's zeroth server to bulk-ingest externally
// built tables for the directory resolved from pathname.
func (cli *FilesystemCli) Bukin(ctx context.Context, who proto.User, at *AT, pathname string, dir string) error {
	target, err := cli.Atdir(ctx, who, at, pathname)
	if err != nil {
		return err
	}
	defer cli.Destroy(target)
	rctx, cancel := cli.rpcCtx(ctx)
	defer cancel()
	stub := cli.stubs[int(target.value.ZerothServer)%len(cli.stubs)]
	resp, err := stub.Bukin(rctx, &proto.BukinRequest{
		Who: who, Parent: target.value, Dir: []byte(dir),
	})
	if err != nil {
		return mapRPCErr(err)
	}
	return proto.ErrOf(resp.Status)
}
