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
	"fmt"
	"sync"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams"
)

var (
	// The handoff exists but names another worker.
	ErrNotHandoffParticipant = streams.NewError(streams.ContractViolation, "handoff", errors.New("worker is not part of this handoff"))
	// Release was requested before the coordinator completed the handoff.
	ErrHandoffInProgress = errors.New("handoff not complete")
)

// MarkHandoffReady advances the Warming handoff of tp to Ready on behalf of newOwner. Idempotent.
func MarkHandoffReady(ctx context.Context, store ConsensusStore, keys Keys, tp streams.TopicPartition, newOwner string) error {
	key := keys.Handoff(tp)
	kv, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	h, err := decodeValue[HandoffState](kv)
	if err != nil {
		return err
	}
	if h.NewOwner != newOwner {
		return ErrNotHandoffParticipant
	}
	if h.Phase != HandoffWarming {
		return nil
	}
	h.Phase = HandoffReady
	_, err = store.Txn(ctx, []Compare{{Key: key, ModRevision: kv.ModRevision}}, []Op{PutOp(key, encodeValue(h), NoLease)})
	return err
}

// ReleaseHandoff deletes the Complete handoff of tp on behalf of oldOwner. A missing handoff is not an error.
func ReleaseHandoff(ctx context.Context, store ConsensusStore, keys Keys, tp streams.TopicPartition, oldOwner string) error {
	key := keys.Handoff(tp)
	kv, err := store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	h, err := decodeValue[HandoffState](kv)
	if err != nil {
		return err
	}
	if h.OldOwner != oldOwner {
		return ErrNotHandoffParticipant
	}
	if h.Phase != HandoffComplete {
		return ErrHandoffInProgress
	}
	_, err = store.Txn(ctx, []Compare{{Key: key, ModRevision: kv.ModRevision}}, []Op{DeleteOp(key)})
	return err
}

type WorkerSessionConfig struct {
	Name string
	Keys Keys
	// Defaults to DefaultLeaseTTL.
	LeaseTTL time.Duration
}

// WorkerSession is a worker's registration under workers/{name}. The key is bound to a lease that is
// kept alive for the life of the session; if it is lost the coordinator treats the worker as dead.
type WorkerSession struct {
	store        ConsensusStore
	keys         Keys
	name         string
	lease        LeaseID
	registeredAt time.Time
	lost         <-chan struct{}
	cancel       context.CancelFunc
	mu           sync.Mutex
	status       WorkerStatus
}

// Register creates the registration with status Ready and starts keeping it alive.
// An existing registration under the same name is replaced.
func Register(ctx context.Context, store ConsensusStore, cfg WorkerSessionConfig) (*WorkerSession, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("WorkerSessionConfig.Name is required")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	lease, err := store.Grant(ctx, cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	s := &WorkerSession{
		store:        store,
		keys:         cfg.Keys,
		name:         cfg.Name,
		lease:        lease,
		registeredAt: time.Now().UTC(),
		status:       WorkerReady,
	}
	if err = s.write(ctx, WorkerReady); err != nil {
		revokeAbandoned(ctx, store, lease, cfg.Name)
		return nil, err
	}
	keepAliveCtx, cancel := context.WithCancel(context.Background())
	if s.lost, err = store.KeepAlive(keepAliveCtx, lease); err != nil {
		cancel()
		revokeAbandoned(ctx, store, lease, cfg.Name)
		return nil, err
	}
	s.cancel = cancel
	streams.Log().Infof("worker %s registered", s.name)
	return s, nil
}

// the lease expires on its own if the revoke fails
func revokeAbandoned(ctx context.Context, store ConsensusStore, lease LeaseID, name string) {
	if err := store.Revoke(ctx, lease); err != nil {
		streams.Log().Warnf("revoking lease %d of failed registration %s: %v", lease, name, err)
	}
}

func (s *WorkerSession) write(ctx context.Context, status WorkerStatus) error {
	w := RegisteredWorker{Name: s.name, Status: status, RegisteredAt: s.registeredAt}
	_, err := s.store.Put(ctx, s.keys.Worker(s.name), encodeValue(w), s.lease)
	return err
}

func (s *WorkerSession) Name() string {
	return s.name
}

func (s *WorkerSession) Keys() Keys {
	return s.keys
}

func (s *WorkerSession) Store() ConsensusStore {
	return s.store
}

func (s *WorkerSession) Status() WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Lost is closed when the registration can no longer be kept alive.
func (s *WorkerSession) Lost() <-chan struct{} {
	return s.lost
}

// Drain marks the worker Draining. The coordinator moves its partitions to other workers through handoffs.
func (s *WorkerSession) Drain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(ctx, WorkerDraining); err != nil {
		return err
	}
	s.status = WorkerDraining
	return nil
}

// Assignments returns the partitions currently assigned to this worker.
func (s *WorkerSession) Assignments(ctx context.Context) ([]streams.TopicPartition, error) {
	state, err := LoadState(ctx, s.store, s.keys)
	if err != nil {
		return nil, err
	}
	return state.Owned(s.name), nil
}

func (s *WorkerSession) SignalReady(ctx context.Context, tp streams.TopicPartition) error {
	return MarkHandoffReady(ctx, s.store, s.keys, tp, s.name)
}

func (s *WorkerSession) Release(ctx context.Context, tp streams.TopicPartition) error {
	return ReleaseHandoff(ctx, s.store, s.keys, tp, s.name)
}

// Close revokes the lease, which removes the registration.
func (s *WorkerSession) Close(ctx context.Context) error {
	s.cancel()
	err := s.store.Revoke(ctx, s.lease)
	streams.Log().Infof("worker %s deregistered", s.name)
	return err
}
