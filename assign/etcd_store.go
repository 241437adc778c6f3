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

package assign

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

const DefaultEtcdDialTimeout = 5 * time.Second

// EtcdStore is the production ConsensusStore.
type EtcdStore struct {
	client *clientv3.Client
}

func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultEtcdDialTimeout
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, streams.NewError(streams.TransientIO, "etcd connect", err)
	}
	return &EtcdStore{client: client}, nil
}

// NewEtcdStoreFromClient wraps an existing client. Close closes it.
func NewEtcdStoreFromClient(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

func etcdError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		return ErrLeaseLost
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return streams.NewError(streams.TransientIO, "etcd "+op, err)
}

func fromEtcdKV(kv *mvccpb.KeyValue) KeyValue {
	return KeyValue{
		Key:            string(kv.Key),
		Value:          kv.Value,
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
		Lease:          LeaseID(kv.Lease),
	}
}

func (s *EtcdStore) Get(ctx context.Context, key string) (KeyValue, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return KeyValue{}, etcdError("get", err)
	}
	if len(resp.Kvs) == 0 {
		return KeyValue{}, ErrNotFound
	}
	return fromEtcdKV(resp.Kvs[0]), nil
}

func (s *EtcdStore) List(ctx context.Context, prefix string) ([]KeyValue, int64, error) {
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, 0, etcdError("list", err)
	}
	kvs := make([]KeyValue, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		kvs[i] = fromEtcdKV(kv)
	}
	return kvs, resp.Header.Revision, nil
}

func putOptions(lease LeaseID) []clientv3.OpOption {
	if lease == NoLease {
		return nil
	}
	return []clientv3.OpOption{clientv3.WithLease(clientv3.LeaseID(lease))}
}

func (s *EtcdStore) Put(ctx context.Context, key string, value []byte, lease LeaseID) (int64, error) {
	resp, err := s.client.Put(ctx, key, string(value), putOptions(lease)...)
	if err != nil {
		return 0, etcdError("put", err)
	}
	return resp.Header.Revision, nil
}

func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.Delete(ctx, key)
	return etcdError("delete", err)
}

func (s *EtcdStore) Txn(ctx context.Context, cmps []Compare, ops []Op) (int64, error) {
	conditions := make([]clientv3.Cmp, len(cmps))
	for i, cmp := range cmps {
		conditions[i] = clientv3.Compare(clientv3.ModRevision(cmp.Key), "=", cmp.ModRevision)
	}
	then := make([]clientv3.Op, len(ops))
	for i, op := range ops {
		switch op.Type {
		case OpPut:
			then[i] = clientv3.OpPut(op.Key, string(op.Value), putOptions(op.Lease)...)
		case OpDelete:
			then[i] = clientv3.OpDelete(op.Key)
		}
	}
	resp, err := s.client.Txn(ctx).If(conditions...).Then(then...).Commit()
	if err != nil {
		return 0, etcdError("txn", err)
	}
	if !resp.Succeeded {
		return 0, ErrCASFailed
	}
	return resp.Header.Revision, nil
}

func (s *EtcdStore) Grant(ctx context.Context, ttl time.Duration) (LeaseID, error) {
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	resp, err := s.client.Grant(ctx, seconds)
	if err != nil {
		return NoLease, etcdError("grant", err)
	}
	return LeaseID(resp.ID), nil
}

func (s *EtcdStore) KeepAlive(ctx context.Context, lease LeaseID) (<-chan struct{}, error) {
	responses, err := s.client.KeepAlive(ctx, clientv3.LeaseID(lease))
	if err != nil {
		return nil, etcdError("keepalive", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		// the client closes responses when the lease expires or ctx is done
		for range responses {
		}
	}()
	return done, nil
}

func (s *EtcdStore) Revoke(ctx context.Context, lease LeaseID) error {
	_, err := s.client.Revoke(ctx, clientv3.LeaseID(lease))
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return nil
	}
	return etcdError("revoke", err)
}

func (s *EtcdStore) Watch(ctx context.Context, prefix string, fromRevision int64) <-chan WatchResponse {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if fromRevision > 0 {
		opts = append(opts, clientv3.WithRev(fromRevision))
	}
	out := make(chan WatchResponse)
	watchCh := s.client.Watch(clientv3.WithRequireLeader(ctx), prefix, opts...)
	go func() {
		defer close(out)
		for resp := range watchCh {
			wr := WatchResponse{Revision: resp.Header.Revision}
			switch {
			case resp.CompactRevision != 0:
				wr.Err = ErrWatchCompacted
			case resp.Err() != nil:
				wr.Err = etcdError("watch", resp.Err())
			}
			for _, e := range resp.Events {
				event := WatchEvent{Type: EventPut, KV: fromEtcdKV(e.Kv)}
				if e.Type == mvccpb.DELETE {
					event.Type = EventDelete
				}
				wr.Events = append(wr.Events, event)
			}
			select {
			case out <- wr:
			case <-ctx.Done():
				return
			}
			if wr.Err != nil {
				return
			}
		}
	}()
	return out
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}
