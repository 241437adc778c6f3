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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/go-kafka-stateful-streams/assign"
	"github.com/aws/go-kafka-stateful-streams/streams"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// CommandHandler applies relay commands on a worker. Every method must be idempotent:
// commands are redelivered after a reconnect.
type CommandHandler interface {
	// With snapshot set, added is the complete assignment and anything else owned should be released.
	HandleAssignment(ctx context.Context, snapshot bool, added, removed []streams.TopicPartition) error
	HandleWarmUp(ctx context.Context, handoff assign.HandoffState) error
	HandleRelease(ctx context.Context, handoff assign.HandoffState) error
}

type ClientConfig struct {
	// host:port of the assigner's relay server.
	Address string
	// Name the worker registered under.
	Worker string
	// Minimum time between subscription attempts. Default 1s.
	ReconnectInterval time.Duration
	// Attempts allowed back to back before ReconnectInterval pacing applies. Default 3.
	ReconnectBurst int
	// Default 30s.
	KeepaliveTime time.Duration
	// Replaces the default insecure transport credentials and keepalive options when set.
	DialOptions []grpc.DialOption
}

const (
	DefaultReconnectInterval = time.Second
	DefaultReconnectBurst    = 3
)

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.ReconnectBurst <= 0 {
		cfg.ReconnectBurst = DefaultReconnectBurst
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = DefaultKeepaliveTime
	}
	return cfg
}

// Client keeps a Subscribe stream open to the relay server and hands every command to a CommandHandler.
// A handler error ends the stream; the next subscription starts with a fresh snapshot.
type Client struct {
	cfg       ClientConfig
	conn      *grpc.ClientConn
	rpc       relayClient
	handler   CommandHandler
	limiter   *rate.Limiter
	connected atomic.Bool
	sessions  atomic.Int64
}

func NewClient(cfg ClientConfig, handler CommandHandler) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Address == "" || cfg.Worker == "" {
		return nil, errors.New("relay client requires an address and a worker name")
	}
	if handler == nil {
		return nil, errors.New("relay client requires a CommandHandler")
	}
	opts := cfg.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                cfg.KeepaliveTime,
				Timeout:             DefaultKeepaliveTimeout,
				PermitWithoutStream: true,
			}),
		}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)))
	conn, err := grpc.Dial(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", cfg.Address, err)
	}
	return &Client{
		cfg:     cfg,
		conn:    conn,
		rpc:     relayClient{cc: conn},
		handler: handler,
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectInterval), cfg.ReconnectBurst),
	}, nil
}

// Connected reports whether a stream is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Sessions is the number of streams opened so far.
func (c *Client) Sessions() int64 {
	return c.sessions.Load()
}

// Run subscribes until ctx is done, reconnecting as often as the limiter allows.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		err := c.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		streams.Log().Warnf("relay stream for %s ended: %v", c.cfg.Worker, err)
	}
}

func (c *Client) subscribe(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.rpc.Subscribe(streamCtx)
	if err != nil {
		return err
	}
	if err := stream.Send(&SubscribeRequest{Worker: c.cfg.Worker}); err != nil {
		return err
	}
	c.sessions.Add(1)
	c.connected.Store(true)
	defer c.connected.Store(false)
	for {
		cmd, err := stream.Recv()
		if err != nil {
			return err
		}
		streams.Log().Debugf("relay %s received %v", c.cfg.Worker, cmd)
		if err := c.dispatch(ctx, cmd); err != nil {
			return fmt.Errorf("handling %v: %w", cmd, err)
		}
		if err := stream.Send(&SubscribeRequest{Worker: c.cfg.Worker, AckSequence: cmd.Sequence}); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(ctx context.Context, cmd *Command) error {
	switch cmd.Type {
	case CommandAssignment:
		return c.handler.HandleAssignment(ctx, cmd.Snapshot, cmd.Added, cmd.Removed)
	case CommandWarmUp:
		if cmd.Handoff == nil {
			return errors.New("warm_up without handoff")
		}
		return c.handler.HandleWarmUp(ctx, *cmd.Handoff)
	case CommandRelease:
		if cmd.Handoff == nil {
			return errors.New("release without handoff")
		}
		return c.handler.HandleRelease(ctx, *cmd.Handoff)
	}
	streams.Log().Warnf("relay %s ignoring unknown command type %q", c.cfg.Worker, cmd.Type)
	return nil
}

// ReportReady tells the assigner this worker finished warming tp.
func (c *Client) ReportReady(ctx context.Context, tp streams.TopicPartition) error {
	_, err := c.rpc.ReportReady(ctx, &ReadyRequest{Worker: c.cfg.Worker, Topic: tp.Topic, Partition: tp.Partition})
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}
