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

package proto

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// Metadata is the fixed operation set of a metadata server. The engine
// implements it directly and the gRPC stubs mirror it, so a client can be
// wired to an in-process server without a network in between.
type Metadata interface {
	Lokup(ctx context.Context, req *LokupRequest) (*LokupResponse, error)
	Mkdir(ctx context.Context, req *MkdirRequest) (*MkdirResponse, error)
	Mkfle(ctx context.Context, req *MkfleRequest) (*MkfleResponse, error)
	Mkfls(ctx context.Context, req *MkflsRequest) (*MkflsResponse, error)
	Bukin(ctx context.Context, req *BukinRequest) (*BukinResponse, error)
	Lstat(ctx context.Context, req *LstatRequest) (*LstatResponse, error)
}

const MetadataServiceName = "gigafs.Metadata"

// RawCodec moves Message payloads through gRPC without protobuf. The wire
// layouts are pinned byte-for-byte by the protocol, so messages marshal
// themselves.
type RawCodec struct{}

func (RawCodec) Name() string { return "gigafs-raw" }

func (RawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("rawcodec: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (RawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("rawcodec: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

// MetadataClient adapts a gRPC conn to the Metadata interface.
type MetadataClient struct {
	cc grpc.ClientConnInterface
}

func NewMetadataClient(cc grpc.ClientConnInterface) *MetadataClient {
	return &MetadataClient{cc: cc}
}

func (c *MetadataClient) invoke(ctx context.Context, method string, in, out Message) error {
	return c.cc.Invoke(ctx, method, in, out, grpc.ForceCodec(RawCodec{}))
}

func (c *MetadataClient) Lokup(ctx context.Context, req *LokupRequest) (*LokupResponse, error) {
	resp := new(LokupResponse)
	if err := c.invoke(ctx, "/gigafs.Metadata/Lokup", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MetadataClient) Mkdir(ctx context.Context, req *MkdirRequest) (*MkdirResponse, error) {
	resp := new(MkdirResponse)
	if err := c.invoke(ctx, "/gigafs.Metadata/Mkdir", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MetadataClient) Mkfle(ctx context.Context, req *MkfleRequest) (*MkfleResponse, error) {
	resp := new(MkfleResponse)
	if err := c.invoke(ctx, "/gigafs.Metadata/Mkfle", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MetadataClient) Mkfls(ctx context.Context, req *MkflsRequest) (*MkflsResponse, error) {
	resp := new(MkflsResponse)
	if err := c.invoke(ctx, "/gigafs.Metadata/Mkfls", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MetadataClient) Bukin(ctx context.Context, req *BukinRequest) (*BukinResponse, error) {
	resp := new(BukinResponse)
	if err := c.invoke(ctx, "/gigafs.Metadata/Bukin", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MetadataClient) Lstat(ctx context.Context, req *LstatRequest) (*LstatResponse, error) {
	resp := new(LstatResponse)
	if err := c.invoke(ctx, "/gigafs.Metadata/Lstat", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func unaryHandler[Req, Resp any](
	method string,
	call func(srv Metadata, ctx context.Context, req *Req) (*Resp, error),
) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Metadata), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(Metadata), ctx, req.(*Req))
		})
	}
}

// MetadataServiceDesc is hand-authored: the service has six unary methods
// and raw payloads, so there is nothing for an IDL compiler to add.
var MetadataServiceDesc = grpc.ServiceDesc{
	ServiceName: MetadataServiceName,
	HandlerType: (*Metadata)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Lokup",
			Handler: unaryHandler("/gigafs.Metadata/Lokup",
				func(srv Metadata, ctx context.Context, req *LokupRequest) (*LokupResponse, error) {
					return srv.Lokup(ctx, req)
				}),
		},
		{
			MethodName: "Mkdir",
			Handler: unaryHandler("/gigafs.Metadata/Mkdir",
				func(srv Metadata, ctx context.Context, req *MkdirRequest) (*MkdirResponse, error) {
					return srv.Mkdir(ctx, req)
				}),
		},
		{
			MethodName: "Mkfle",
			Handler: unaryHandler("/gigafs.Metadata/Mkfle",
				func(srv Metadata, ctx context.Context, req *MkfleRequest) (*MkfleResponse, error) {
					return srv.Mkfle(ctx, req)
				}),
		},
		{
			MethodName: "Mkfls",
			Handler: unaryHandler("/gigafs.Metadata/Mkfls",
				func(srv Metadata, ctx context.Context, req *MkflsRequest) (*MkflsResponse, error) {
					return srv.Mkfls(ctx, req)
				}),
		},
		{
			MethodName: "Bukin",
			Handler: unaryHandler("/gigafs.Metadata/Bukin",
				func(srv Metadata, ctx context.Context, req *BukinRequest) (*BukinResponse, error) {
					return srv.Bukin(ctx, req)
				}),
		},
		{
			MethodName: "Lstat",
			Handler: unaryHandler("/gigafs.Metadata/Lstat",
				func(srv Metadata, ctx context.Context, req *LstatRequest) (*LstatResponse, error) {
					return srv.Lstat(ctx, req)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gigafs/proto",
}

// RegisterMetadataServer registers srv on a gRPC server created with
// grpc.ForceServerCodec(RawCodec{}).
func RegisterMetadataServer(s grpc.ServiceRegistrar, srv Metadata) {
	s.RegisterService(&MetadataServiceDesc, srv)
}
