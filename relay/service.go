// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

const (
	ServiceName       = "kss.relay.v1.AssignmentRelay"
	subscribeMethod   = "/" + ServiceName + "/Subscribe"
	reportReadyMethod = "/" + ServiceName + "/ReportReady"
)

// RelayServer is implemented by *Server.
type RelayServer interface {
	Subscribe(SubscribeStream) error
	ReportReady(context.Context, *ReadyRequest) (*ReadyResponse, error)
}

// SubscribeStream is the server side of a Subscribe call.
type SubscribeStream interface {
	Send(*Command) error
	Recv() (*SubscribeRequest, error)
	Context() context.Context
}

type subscribeServerStream struct {
	grpc.ServerStream
}

func (s *subscribeServerStream) Send(cmd *Command) error {
	return s.ServerStream.SendMsg(cmd)
}

func (s *subscribeServerStream) Recv() (*SubscribeRequest, error) {
	req := new(SubscribeRequest)
	if err := s.ServerStream.RecvMsg(req); err != nil {
		return nil, err
	}
	return req, nil
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RelayServer).Subscribe(&subscribeServerStream{stream})
}

func reportReadyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).ReportReady(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: reportReadyMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).ReportReady(ctx, req.(*ReadyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReportReady",
			Handler:    reportReadyHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "relay",
}

// RegisterRelayServer registers srv on r, typically a *grpc.Server from NewGRPCServer.
func RegisterRelayServer(r grpc.ServiceRegistrar, srv RelayServer) {
	r.RegisterService(&serviceDesc, srv)
}

type GRPCConfig struct {
	// Ping an idle connection after this long. Default 30s.
	KeepaliveTime time.Duration
	// Close the connection if a ping is not answered within this long. Default 10s.
	KeepaliveTimeout time.Duration
	// Default 1MB.
	MaxRecvMsgSize int
}

const (
	DefaultKeepaliveTime    = 30 * time.Second
	DefaultKeepaliveTimeout = 10 * time.Second
	DefaultMaxRecvMsgSize   = 1 << 20
)

func (cfg GRPCConfig) withDefaults() GRPCConfig {
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = DefaultKeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if cfg.MaxRecvMsgSize <= 0 {
		cfg.MaxRecvMsgSize = DefaultMaxRecvMsgSize
	}
	return cfg
}

// NewGRPCServer returns a grpc.Server with keepalive enforcement and the logging and recovery interceptors installed.
func NewGRPCServer(cfg GRPCConfig, opts ...grpc.ServerOption) *grpc.Server {
	cfg = cfg.withDefaults()
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.KeepaliveTime / 2,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			UnaryLoggingInterceptor(),
			UnaryRecoveryInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			StreamLoggingInterceptor(),
			StreamRecoveryInterceptor(),
		),
	}, opts...)
	return grpc.NewServer(opts...)
}

// relayClient is the client side stub for the relay service.
type relayClient struct {
	cc grpc.ClientConnInterface
}

type subscribeClientStream struct {
	grpc.ClientStream
}

func (s *subscribeClientStream) Send(req *SubscribeRequest) error {
	return s.ClientStream.SendMsg(req)
}

func (s *subscribeClientStream) Recv() (*Command, error) {
	cmd := new(Command)
	if err := s.ClientStream.RecvMsg(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (c relayClient) Subscribe(ctx context.Context, opts ...grpc.CallOption) (*subscribeClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &subscribeClientStream{stream}, nil
}

func (c relayClient) ReportReady(ctx context.Context, in *ReadyRequest, opts ...grpc.CallOption) (*ReadyResponse, error) {
	out := new(ReadyResponse)
	if err := c.cc.Invoke(ctx, reportReadyMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
