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
	"net"
	"strconv"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/gigafs/gigafs/metrics"
	"github.com/gigafs/gigafs/proto"
	"google.golang.org/grpc"
)

// Service adapts the engine to the wire-level Metadata interface. It
// is also usable directly, letting a client run against an in-process
// server with no transport in between.
type Service struct {
	fs *Filesystem
}

func NewService(fs *Filesystem) *Service {
	return &Service{fs: fs}
}

// statusOf folds an engine error into a wire status and, for a stale
// index, fetches the snapshot the client needs to catch up.
func (s *Service) statusOf(ctx context.Context, err error, op proto.OpCode, parent *proto.LookupStat) (status uint32, dirIdx []byte) {
	status = proto.StatusOf(err)
	metrics.OpStatus.WithLabelValues(op.String(), strconv.Itoa(int(status))).Inc()
	if status == proto.CodeStaleDirIndex {
		snap, serr := s.fs.DirIndexSnapshot(ctx, parent.DirId(), parent.ZerothServer)
		if serr != nil {
			trace.SpanFromContextSafe(ctx).Errorf("dir index snapshot failed: %v", serr)
			return proto.CodeIO, nil
		}
		dirIdx = snap
	}
	return status, dirIdx
}

func (s *Service) Lokup(ctx context.Context, req *proto.LokupRequest) (*proto.LokupResponse, error) {
	stat, err := s.fs.Lokup(ctx, req.Who, &req.Parent, req.Name)
	resp := new(proto.LokupResponse)
	resp.Status, resp.DirIdx = s.statusOf(ctx, err, proto.OpLokup, &req.Parent)
	if err == nil {
		resp.Stat = *stat
	}
	return resp, nil
}

func (s *Service) Mkdir(ctx context.Context, req *proto.MkdirRequest) (*proto.MkdirResponse, error) {
	stat, err := s.fs.Mkdir(ctx, req.Who, &req.Parent, req.Name, req.Mode)
	resp := new(proto.MkdirResponse)
	resp.Status, resp.DirIdx = s.statusOf(ctx, err, proto.OpMkdir, &req.Parent)
	if err == nil {
		resp.Stat = *stat
	}
	return resp, nil
}

func (s *Service) Mkfle(ctx context.Context, req *proto.MkfleRequest) (*proto.MkfleResponse, error) {
	stat, err := s.fs.Mkfle(ctx, req.Who, &req.Parent, req.Name, req.Mode)
	resp := new(proto.MkfleResponse)
	resp.Status, resp.DirIdx = s.statusOf(ctx, err, proto.OpMkfle, &req.Parent)
	if err == nil {
		resp.Stat = *stat
	}
	return resp, nil
}

func (s *Service) Mkfls(ctx context.Context, req *proto.MkflsRequest) (*proto.MkflsResponse, error) {
	n, err := s.fs.Mkfls(ctx, req.Who, &req.Parent, req.NameArr, req.N, req.Mode)
	resp := new(proto.MkflsResponse)
	resp.Status, resp.DirIdx = s.statusOf(ctx, err, proto.OpMkfls, &req.Parent)
	resp.N = n
	return resp, nil
}

func (s *Service) Bukin(ctx context.Context, req *proto.BukinRequest) (*proto.BukinResponse, error) {
	err := s.fs.Bukin(ctx, req.Who, &req.Parent, string(req.Dir))
	resp := new(proto.BukinResponse)
	resp.Status, resp.DirIdx = s.statusOf(ctx, err, proto.OpBukin, &req.Parent)
	return resp, nil
}

func (s *Service) Lstat(ctx context.Context, req *proto.LstatRequest) (*proto.LstatResponse, error) {
	stat, err := s.fs.Lstat(ctx, req.Who, &req.Parent, req.Name)
	resp := new(proto.LstatResponse)
	resp.Status, resp.DirIdx = s.statusOf(ctx, err, proto.OpLstat, &req.Parent)
	if err == nil {
		resp.Stat = *stat
	}
	return resp, nil
}

type RPCServer struct {
	grpcServer *grpc.Server
}

func NewRPCServer(fs *Filesystem) *RPCServer {
	s := grpc.NewServer(
		grpc.ForceServerCodec(proto.RawCodec{}),
		grpc.ChainUnaryInterceptor(
			metrics.GRPCMetrics.UnaryServerInterceptor(),
			unaryInterceptorWithTracer,
		),
	)
	proto.RegisterMetadataServer(s, NewService(fs))
	return &RPCServer{grpcServer: s}
}

func unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	span, ctx := trace.StartSpanFromContext(ctx, info.FullMethod)
	defer span.Finish()
	return handler(ctx, req)
}

func (r *RPCServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	r.ServeListener(lis)
	return nil
}

func (r *RPCServer) ServeListener(lis net.Listener) {
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil {
			log.Error("grpc server exits:", err)
		}
	}()
	log.Info("grpc server is running at:", lis.Addr())
}

func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}
