package client

import (
	"math"
	"time"

	"github.com/gigafs/gigafs/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

type TransportConfig struct {
	// MaxTimeoutMs bounds every metadata RPC.
	MaxTimeoutMs uint32 `json:"max_timeout_ms"`
}

const defaultRPCTimeoutMs = 10000

func (tc *TransportConfig) timeout() time.Duration {
	ms := tc.MaxTimeoutMs
	if ms == 0 {
		ms = defaultRPCTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

type conn struct {
	cc *grpc.ClientConn
	*proto.MetadataClient
}

func dial(address string) (*conn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                1 * time.Second,
				Timeout:             5 * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}

	cc, err := grpc.Dial(address, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &conn{cc: cc, MetadataClient: proto.NewMetadataClient(cc)}, nil
}

func (c *conn) Close() error {
	return c.cc.Close()
}
