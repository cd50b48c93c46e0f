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

package client

import (
	"context"
	"sync"

	apierrors "github.com/gigafs/gigafs/errors"
	"github.com/gigafs/gigafs/giga"
	"github.com/gigafs/gigafs/proto"
)

// WriBuf buffers packed create names bound for one partition.
type WriBuf struct {
	mu      sync.Mutex
	namearr []byte
	n       uint32
}

// BatchedCreates is a client-side window during which creates under
// one parent buffer locally and flush to the owning servers in bulk.
// Buffered names stay invisible to lookups until commit.
type BatchedCreates struct {
	cli  *FilesystemCli
	who  proto.User
	mode uint32

	dir    *Dir
	parent *Lease
	pval   proto.LookupStat

	mu       sync.Mutex
	done     bool
	bgStatus error
	wg       sync.WaitGroup
	wribufs  map[int]*WriBuf
}

// leaseLock returns the mutex guarding a lease's batch back-ref: the
// owning partition's, or the client-wide mutex for the root lease.
func (cli *FilesystemCli) leaseLock(le *Lease) *sync.Mutex {
	if le.part != nil {
		return &le.part.mu
	}
	return &cli.mu
}

// BatchStart opens a create batch under the directory at pathname. At
// most one batch may be open per parent lease; a second attempt fails
// with ErrBatchInProgress until the first ends.
func (cli *FilesystemCli) BatchStart(ctx context.Context, who proto.User, at *AT, pathname string, mode uint32) (*BatchedCreates, error) {
	parent, name, _, err := cli.Resolu(ctx, who, at, pathname)
	if err != nil {
		return nil, err
	}
	target := parent
	if name != "" {
		value := parent.Value()
		target, err = cli.Lokup(ctx, who, &value, name)
		if err != nil {
			return nil, err
		}
	}
	pval := target.Value()

	bc := &BatchedCreates{
		cli:     cli,
		who:     who,
		mode:    mode,
		pval:    pval,
		parent:  target,
		wribufs: make(map[int]*WriBuf),
	}

	mu := cli.leaseLock(target)
	mu.Lock()
	if target.batch != nil {
		mu.Unlock()
		return nil, apierrors.ErrBatchInProgress
	}
	target.batch = bc
	mu.Unlock()

	bc.dir = cli.acquireDir(pval.DirId(), pval.ZerothServer)
	return bc, nil
}

func (bc *BatchedCreates) buf(pi int) *WriBuf {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	wb, ok := bc.wribufs[pi]
	if !ok {
		wb = &WriBuf{}
		bc.wribufs[pi] = wb
	}
	return wb
}

// BatchCreat appends one name to the owning partition's write buffer.
// A buffer past the batch-size budget flushes in the background; a
// background failure latches and surfaces at commit.
func (cli *FilesystemCli) BatchCreat(bat *BatchedCreates, name string) error {
	if name == "" {
		return apierrors.ErrInvalidArgument
	}
	bat.mu.Lock()
	if bat.done {
		bat.mu.Unlock()
		return apierrors.ErrInvalidArgument
	}
	bat.mu.Unlock()

	hash := giga.Hash([]byte(name))
	pi := bat.dir.part(hash)
	wb := bat.buf(pi)

	var spill []byte
	var spillN uint32
	wb.mu.Lock()
	wb.namearr = proto.PackName(wb.namearr, []byte(name))
	wb.n++
	if len(wb.namearr) >= cli.opts.BatchSize {
		spill, spillN = wb.namearr, wb.n
		wb.namearr, wb.n = nil, 0
	}
	wb.mu.Unlock()

	if spill == nil {
		return nil
	}
	if err := cli.flushLim.Acquire(); err != nil {
		// No flush slot free; flush inline rather than queue unboundedly.
		err := cli.mkfls2(context.Background(), bat.who, &bat.pval, bat.dir, spill, spillN, bat.mode, pi)
		if err != nil {
			bat.latch(err)
		}
		return nil
	}
	bat.wg.Add(1)
	cli.pool.Run(func() {
		defer bat.wg.Done()
		defer cli.flushLim.Release()
		ctx := context.Background()
		if err := cli.flushLim.WaitN(ctx, len(spill)); err != nil {
			bat.latch(err)
			return
		}
		if err := cli.mkfls2(ctx, bat.who, &bat.pval, bat.dir, spill, spillN, bat.mode, pi); err != nil {
			bat.latch(err)
		}
	})
	return nil
}

func (bc *BatchedCreates) latch(err error) {
	bc.mu.Lock()
	if bc.bgStatus == nil {
		bc.bgStatus = err
	}
	bc.mu.Unlock()
}

// BatchCommit drains every non-empty buffer synchronously, waits out
// in-flight background flushes, and seals the batch. The result is the
// first latched failure, if any.
func (cli *FilesystemCli) BatchCommit(ctx context.Context, bat *BatchedCreates) error {
	bat.mu.Lock()
	if bat.done {
		status := bat.bgStatus
		bat.mu.Unlock()
		return status
	}
	type pending struct {
		pi  int
		arr []byte
		n   uint32
	}
	var work []pending
	for pi, wb := range bat.wribufs {
		wb.mu.Lock()
		if wb.n > 0 {
			work = append(work, pending{pi: pi, arr: wb.namearr, n: wb.n})
			wb.namearr, wb.n = nil, 0
		}
		wb.mu.Unlock()
	}
	bat.mu.Unlock()

	for _, w := range work {
		if err := cli.mkfls2(ctx, bat.who, &bat.pval, bat.dir, w.arr, w.n, bat.mode, w.pi); err != nil {
			bat.latch(err)
		}
	}
	bat.wg.Wait()

	bat.mu.Lock()
	bat.done = true
	status := bat.bgStatus
	bat.mu.Unlock()
	return status
}

// BatchEnd releases the batch's hold on the parent lease and its
// buffer storage. Ending an uncommitted batch that still buffers
// creates is a protocol error and panics.
func (cli *FilesystemCli) BatchEnd(bat *BatchedCreates) {
	bat.mu.Lock()
	if !bat.done {
		for _, wb := range bat.wribufs {
			wb.mu.Lock()
			n := wb.n
			wb.mu.Unlock()
			if n > 0 {
				bat.mu.Unlock()
				panic("client: ending an uncommitted create batch with buffered names")
			}
		}
	}
	bat.wribufs = nil
	bat.mu.Unlock()

	mu := cli.leaseLock(bat.parent)
	mu.Lock()
	if bat.parent.batch == bat {
		bat.parent.batch = nil
	}
	mu.Unlock()

	if bat.dir != nil {
		cli.releaseDir(bat.dir)
		bat.dir = nil
	}
}

// mkfls2 ships one packed name array to the server owning partition
// pi. Partial success retries the uncreated tail: a name that already
// exists is skipped over (its create is moot) with the failure latched,
// and a flush racing a split re-buckets the leftovers under the
// refreshed index.
func (cli *FilesystemCli) mkfls2(ctx context.Context, who proto.User, parent *proto.LookupStat, d *Dir, namearr []byte, n uint32, mode uint32, pi int) error {
	var firstErr error
	for n > 0 {
		rctx, cancel := cli.rpcCtx(ctx)
		resp, err := cli.stubFor(d, pi).Mkfls(rctx, &proto.MkflsRequest{
			Who: who, Parent: *parent, Mode: mode, N: n, NameArr: namearr,
		})
		cancel()
		if err != nil {
			return mapRPCErr(err)
		}
		if resp.N > n {
			return apierrors.ErrBadMessage
		}

		// Drop the names the server committed.
		for i := uint32(0); i < resp.N; i++ {
			_, rest, uerr := proto.UnpackName(namearr)
			if uerr != nil {
				return uerr
			}
			namearr = rest
		}
		n -= resp.N

		switch resp.Status {
		case proto.CodeOK:
			if n > 0 {
				// Short count without a cause; do not spin on it.
				if firstErr == nil {
					firstErr = apierrors.ErrIO
				}
				return firstErr
			}
		case proto.CodeAlreadyExists:
			// The head of the tail is taken; skip past it and press on.
			if firstErr == nil {
				firstErr = apierrors.ErrAlreadyExists
			}
			if n > 0 {
				_, rest, uerr := proto.UnpackName(namearr)
				if uerr != nil {
					return uerr
				}
				namearr = rest
				n--
			}
		case proto.CodeStaleDirIndex:
			if ierr := d.installIndex(resp.DirIdx, cli.gigaOpts); ierr != nil {
				return ierr
			}
			if rerr := cli.reflush(ctx, who, parent, d, namearr, n, mode); rerr != nil && firstErr == nil {
				firstErr = rerr
			}
			return firstErr
		case proto.CodeCorruption:
			cli.invalidateDir(d.id)
			return apierrors.ErrCorruption
		default:
			// Lease, permission and kin fail the whole tail identically;
			// retrying cannot help.
			return proto.ErrOf(resp.Status)
		}
	}
	return firstErr
}

// reflush re-buckets leftover names under the refreshed index and
// flushes each bucket to its (possibly new) owner.
func (cli *FilesystemCli) reflush(ctx context.Context, who proto.User, parent *proto.LookupStat, d *Dir, namearr []byte, n uint32, mode uint32) error {
	buckets := make(map[int]*WriBuf)
	rest := namearr
	for i := uint32(0); i < n; i++ {
		name, tail, err := proto.UnpackName(rest)
		if err != nil {
			return err
		}
		rest = tail
		pi := d.part(giga.Hash(name))
		wb, ok := buckets[pi]
		if !ok {
			wb = &WriBuf{}
			buckets[pi] = wb
		}
		wb.namearr = proto.PackName(wb.namearr, name)
		wb.n++
	}
	for pi, wb := range buckets {
		if err := cli.mkfls2(ctx, who, parent, d, wb.namearr, wb.n, mode, pi); err != nil {
			return err
		}
	}
	return nil
}
