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

package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/gigafs/gigafs/server"
)

// Config service config
type Config struct {
	server.Config

	HttpBindPort uint32    `json:"http_bind_port"`
	GrpcBindPort uint32    `json:"grpc_bind_port"`
	LogLevel     log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "gigafs.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	modifyOpenFiles()
	log.SetOutputLevel(cfg.LogLevel)

	ctx := context.Background()
	srv, err := server.NewServer(ctx, &cfg.Config)
	if err != nil {
		log.Fatal(errors.Detail(err))
	}

	httpServer := server.NewHttpServer(srv.Filesystem)
	httpServer.Serve(":" + strconv.Itoa(int(cfg.HttpBindPort)))

	grpcServer := server.NewRPCServer(srv.Filesystem)
	if err := grpcServer.Serve(":" + strconv.Itoa(int(cfg.GrpcBindPort))); err != nil {
		log.Fatal(errors.Detail(err))
	}

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	grpcServer.Stop()
	httpServer.Stop()
	if err := srv.Close(); err != nil {
		log.Error("close filesystem:", err)
	}
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)

	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}

	rLimit.Cur = 1024000
	rLimit.Max = 1024000

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Warnf("setting rlimit failed: %s", err)
		return
	}
	err = syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)
}
