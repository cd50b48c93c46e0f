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

// gigafs-bench drives file creation against either a remote metadata
// server (rpc mode) or a local metadata db (db mode) and reports
// per-op latency.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/gigafs/gigafs/client"
	"github.com/gigafs/gigafs/proto"
	"github.com/gigafs/gigafs/server"
	"github.com/gigafs/gigafs/util"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	bench         = pflag.String("bench", "rpc", "benchmark to run: rpc or db")
	threads       = pflag.Int("threads", 1, "number of concurrent worker threads")
	num           = pflag.Int("num", 8, "operations per thread")
	histogram     = pflag.Bool("histogram", false, "print a histogram of op timings")
	uri           = pflag.String("uri", "", "metadata server address (rpc mode)")
	dbpath        = pflag.String("db", "", "metadata db path (db mode); temp dir when empty")
	bloomBits     = pflag.Int("bloom_bits", -1, "bloom filter bits per key; negative for default")
	cacheSize     = pflag.Int("cache_size", -1, "block cache bytes; negative for default")
	useExistingDb = pflag.Bool("use_existing_db", false, "keep and reuse the db at --db")
)

func main() {
	pflag.Parse()
	var err error
	switch *bench {
	case "rpc":
		err = runRPCBench()
	case "db":
		err = runDbBench()
	default:
		err = fmt.Errorf("unknown bench %q", *bench)
	}
	if err != nil {
		log.Error("bench failed:", err)
		os.Exit(1)
	}
}

func runRPCBench() error {
	if *uri == "" {
		return fmt.Errorf("rpc bench needs --uri")
	}
	cli := client.NewFilesystemCli(client.FilesystemCliOptions{})
	if err := cli.Open([]string{*uri}); err != nil {
		return err
	}
	defer cli.Close()

	who := proto.User{Uid: 1, Gid: 1}
	return runThreads(func(tid int, stats *benchStats) error {
		ctx := context.Background()
		for i := 0; i < *num; i++ {
			name := fmt.Sprintf("/f-%d-%d", tid, i)
			start := time.Now()
			if _, err := cli.Mkfle(ctx, who, nil, name, 0o660); err != nil {
				return err
			}
			stats.finishedSingleOp(time.Since(start))
		}
		return nil
	})
}

func runDbBench() error {
	ctx := context.Background()
	loc := *dbpath
	if loc == "" {
		tmp, err := util.GenTmpPath()
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		loc = tmp + "/bench_db"
	}

	opts := server.DefaultFilesystemDbOptions()
	opts.UseExistingDb = *useExistingDb
	if *bloomBits >= 0 {
		opts.FilterBitsPerKey = *bloomBits
	}
	if *cacheSize >= 0 {
		opts.BlockCacheSize = uint64(*cacheSize)
	}
	opts.ReadFromEnv()

	db, err := server.OpenFilesystemDb(ctx, loc, opts)
	if err != nil {
		return err
	}
	defer db.Close()

	root := proto.RootDirId()
	return runThreads(func(tid int, stats *benchStats) error {
		for i := 0; i < *num; i++ {
			name := fmt.Sprintf("f-%d-%d", tid, i)
			stat := &proto.Stat{
				Ino:      uint64(tid)<<32 | uint64(i) + 1,
				FileMode: proto.S_IFREG | 0o660,
			}
			start := time.Now()
			if err := db.Set(ctx, root, []byte(name), stat); err != nil {
				return err
			}
			stats.finishedSingleOp(time.Since(start))
		}
		return nil
	})
}

func runThreads(work func(tid int, stats *benchStats) error) error {
	all := make([]*benchStats, *threads)
	start := time.Now()
	var eg errgroup.Group
	for t := 0; t < *threads; t++ {
		t := t
		all[t] = newBenchStats()
		eg.Go(func() error {
			return work(t, all[t])
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	merged := newBenchStats()
	for _, s := range all {
		merged.merge(s)
	}
	report(merged, elapsed)
	return nil
}

func report(s *benchStats, elapsed time.Duration) {
	ops := float64(s.done) / elapsed.Seconds()
	fmt.Printf("%-12s: %11.3f micros/op; %9.0f ops/sec\n",
		*bench, float64(s.sumMicros)/float64(s.done), ops)
	if *histogram {
		fmt.Print(s.histogramString())
	}
}
