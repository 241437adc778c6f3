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
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams"
)

var (
	ErrNotFound = errors.New("key not found")
	// A Txn comparison did not hold.
	ErrCASFailed = streams.NewError(streams.LeaseLost, "txn", errors.New("compare-and-swap precondition failed"))
	// The lease expired or was revoked.
	ErrLeaseLost = streams.NewError(streams.LeaseLost, "lease", errors.New("lease expired or revoked"))
	// The requested watch revision is no longer available. Re-read and watch from the new revision.
	ErrWatchCompacted = errors.New("watch revision compacted")
)

type LeaseID int64

const NoLease LeaseID = 0

type KeyValue struct {
	Key            string
	Value          []byte
	CreateRevision int64
	ModRevision    int64
	Lease          LeaseID
}

// Compare holds when Key's ModRevision equals ModRevision. A ModRevision of 0 requires the key to be absent.
type Compare struct {
	Key         string
	ModRevision int64
}

type OpType int

const (
	OpPut OpType = iota
	OpDelete
)

type Op struct {
	Type  OpType
	Key   string
	Value []byte
	Lease LeaseID
}

func PutOp(key string, value []byte, lease LeaseID) Op {
	return Op{Type: OpPut, Key: key, Value: value, Lease: lease}
}

func DeleteOp(key string) Op {
	return Op{Type: OpDelete, Key: key}
}

type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

type WatchEvent struct {
	Type EventType
	// For deletes only Key and ModRevision (the deletion revision) are set.
	KV KeyValue
}

type WatchResponse struct {
	Events   []WatchEvent
	Revision int64
	Err      error
}

// ConsensusStore is the linearizable key-value store the coordinator and workers share.
// Implementations: EtcdStore, MemoryStore.
type ConsensusStore interface {
	// Returns ErrNotFound if key does not exist.
	Get(ctx context.Context, key string) (KeyValue, error)
	// Returns every key under prefix, sorted, and the store revision of the read.
	List(ctx context.Context, prefix string) ([]KeyValue, int64, error)
	Put(ctx context.Context, key string, value []byte, lease LeaseID) (int64, error)
	Delete(ctx context.Context, key string) error
	// Applies ops atomically if every comparison holds, returning the new revision. Otherwise ErrCASFailed.
	Txn(ctx context.Context, cmps []Compare, ops []Op) (int64, error)
	Grant(ctx context.Context, ttl time.Duration) (LeaseID, error)
	// Keeps the lease alive until ctx is done. The returned channel is closed once keep-alive stops,
	// either because ctx is done or because the lease was lost.
	KeepAlive(ctx context.Context, lease LeaseID) (<-chan struct{}, error)
	// Revokes the lease, deleting every key attached to it.
	Revoke(ctx context.Context, lease LeaseID) error
	// Streams changes under prefix with a ModRevision >= fromRevision (0 means from now on). The channel is closed when ctx is done.
	// A response with Err set is followed by the channel closing.
	Watch(ctx context.Context, prefix string, fromRevision int64) <-chan WatchResponse
	Close() error
}

var errStoreClosed = errors.New("consensus store closed")
