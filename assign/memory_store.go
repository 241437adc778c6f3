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
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
)

const memHistorySize = 4096

type memLease struct {
	id       LeaseID
	ttl      time.Duration
	deadline time.Time
	keys     map[string]struct{}
	lost     chan struct{}
}

type memWatcher struct {
	prefix  string
	mu      sync.Mutex
	pending []WatchResponse
	notify  chan struct{}
	out     chan WatchResponse
}

func (w *memWatcher) push(resp WatchResponse) {
	w.mu.Lock()
	w.pending = append(w.pending, resp)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// a response with Err set terminates the watch
func (w *memWatcher) run(ctx context.Context, done func()) {
	defer close(w.out)
	defer done()
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		w.mu.Unlock()
		for _, resp := range batch {
			select {
			case w.out <- resp:
			case <-ctx.Done():
				return
			}
			if resp.Err != nil {
				return
			}
		}
		select {
		case <-w.notify:
		case <-ctx.Done():
			return
		}
	}
}

func kvLess(a, b *KeyValue) bool {
	return a.Key < b.Key
}

// MemoryStore is a single process ConsensusStore. Leases expire lazily: an expired lease is reaped
// by the next operation on the store, or immediately by ExpireLease.
type MemoryStore struct {
	mu        sync.Mutex
	tree      *btree.BTreeG[*KeyValue]
	revision  int64
	leases    map[LeaseID]*memLease
	nextLease LeaseID
	watchers  map[*memWatcher]struct{}
	history   []WatchEvent
	compacted int64
	now       func() time.Time
	closed    bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree:     btree.NewG(16, kvLess),
		leases:   make(map[LeaseID]*memLease),
		watchers: make(map[*memWatcher]struct{}),
		now:      time.Now,
	}
}

func (s *MemoryStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errStoreClosed
	}
	s.expireLocked()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (KeyValue, error) {
	if err := s.lock(); err != nil {
		return KeyValue{}, err
	}
	defer s.mu.Unlock()
	kv, ok := s.tree.Get(&KeyValue{Key: key})
	if !ok {
		return KeyValue{}, ErrNotFound
	}
	return copyKV(kv), nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]KeyValue, int64, error) {
	if err := s.lock(); err != nil {
		return nil, 0, err
	}
	defer s.mu.Unlock()
	var kvs []KeyValue
	s.tree.AscendGreaterOrEqual(&KeyValue{Key: prefix}, func(kv *KeyValue) bool {
		if !strings.HasPrefix(kv.Key, prefix) {
			return false
		}
		kvs = append(kvs, copyKV(kv))
		return true
	})
	return kvs, s.revision, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, lease LeaseID) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	if err := s.checkLeases([]Op{PutOp(key, value, lease)}); err != nil {
		return 0, err
	}
	s.revision++
	s.publish([]WatchEvent{s.putLocked(key, value, lease)})
	return s.revision, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.tree.Get(&KeyValue{Key: key}); !ok {
		return nil
	}
	s.revision++
	s.publish([]WatchEvent{s.deleteLocked(key)})
	return nil
}

func (s *MemoryStore) Txn(_ context.Context, cmps []Compare, ops []Op) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	for _, cmp := range cmps {
		var rev int64
		if kv, ok := s.tree.Get(&KeyValue{Key: cmp.Key}); ok {
			rev = kv.ModRevision
		}
		if rev != cmp.ModRevision {
			return 0, ErrCASFailed
		}
	}
	if err := s.checkLeases(ops); err != nil {
		return 0, err
	}
	if len(ops) == 0 {
		return s.revision, nil
	}
	s.revision++
	events := make([]WatchEvent, 0, len(ops))
	for _, op := range ops {
		switch op.Type {
		case OpPut:
			events = append(events, s.putLocked(op.Key, op.Value, op.Lease))
		case OpDelete:
			if _, ok := s.tree.Get(&KeyValue{Key: op.Key}); ok {
				events = append(events, s.deleteLocked(op.Key))
			}
		}
	}
	s.publish(events)
	return s.revision, nil
}

func (s *MemoryStore) checkLeases(ops []Op) error {
	for _, op := range ops {
		if op.Type == OpPut && op.Lease != NoLease {
			if _, ok := s.leases[op.Lease]; !ok {
				return ErrLeaseLost
			}
		}
	}
	return nil
}

// callers increment revision first
func (s *MemoryStore) putLocked(key string, value []byte, lease LeaseID) WatchEvent {
	kv := &KeyValue{Key: key, Value: append([]byte(nil), value...), ModRevision: s.revision, CreateRevision: s.revision, Lease: lease}
	if prev, ok := s.tree.ReplaceOrInsert(kv); ok {
		kv.CreateRevision = prev.CreateRevision
		if l, ok := s.leases[prev.Lease]; ok && prev.Lease != lease {
			delete(l.keys, key)
		}
	}
	if l, ok := s.leases[lease]; ok {
		l.keys[key] = struct{}{}
	}
	return WatchEvent{Type: EventPut, KV: copyKV(kv)}
}

func (s *MemoryStore) deleteLocked(key string) WatchEvent {
	if prev, ok := s.tree.Delete(&KeyValue{Key: key}); ok {
		if l, ok := s.leases[prev.Lease]; ok {
			delete(l.keys, key)
		}
	}
	return WatchEvent{Type: EventDelete, KV: KeyValue{Key: key, ModRevision: s.revision}}
}

func (s *MemoryStore) publish(events []WatchEvent) {
	if len(events) == 0 {
		return
	}
	s.history = append(s.history, events...)
	if over := len(s.history) - memHistorySize; over > 0 {
		s.compacted = s.history[over-1].KV.ModRevision
		s.history = append([]WatchEvent(nil), s.history[over:]...)
	}
	for w := range s.watchers {
		if matched := filterEvents(events, w.prefix); len(matched) > 0 {
			w.push(WatchResponse{Events: matched, Revision: s.revision})
		}
	}
}

func filterEvents(events []WatchEvent, prefix string) []WatchEvent {
	var matched []WatchEvent
	for _, e := range events {
		if strings.HasPrefix(e.KV.Key, prefix) {
			matched = append(matched, e)
		}
	}
	return matched
}

func (s *MemoryStore) Grant(_ context.Context, ttl time.Duration) (LeaseID, error) {
	if err := s.lock(); err != nil {
		return NoLease, err
	}
	defer s.mu.Unlock()
	s.nextLease++
	s.leases[s.nextLease] = &memLease{
		id:       s.nextLease,
		ttl:      ttl,
		deadline: s.now().Add(ttl),
		keys:     make(map[string]struct{}),
		lost:     make(chan struct{}),
	}
	return s.nextLease, nil
}

func (s *MemoryStore) KeepAlive(ctx context.Context, id LeaseID) (<-chan struct{}, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	l, ok := s.leases[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrLeaseLost
	}
	interval := l.ttl / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.lost:
				return
			case <-ticker.C:
				s.mu.Lock()
				if _, ok := s.leases[id]; ok {
					l.deadline = s.now().Add(l.ttl)
				}
				s.mu.Unlock()
			}
		}
	}()
	return done, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id LeaseID) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.expireLeaseLocked(id)
	return nil
}

// ExpireLease drops the lease as if its TTL had elapsed without a keep-alive.
func (s *MemoryStore) ExpireLease(id LeaseID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLeaseLocked(id)
}

func (s *MemoryStore) expireLocked() {
	now := s.now()
	for id, l := range s.leases {
		if now.After(l.deadline) {
			s.expireLeaseLocked(id)
		}
	}
}

func (s *MemoryStore) expireLeaseLocked(id LeaseID) {
	l, ok := s.leases[id]
	if !ok {
		return
	}
	delete(s.leases, id)
	close(l.lost)
	if len(l.keys) == 0 {
		return
	}
	s.revision++
	events := make([]WatchEvent, 0, len(l.keys))
	for key := range l.keys {
		events = append(events, s.deleteLocked(key))
	}
	s.publish(events)
}

func (s *MemoryStore) Watch(ctx context.Context, prefix string, fromRevision int64) <-chan WatchResponse {
	w := &memWatcher{
		prefix: prefix,
		notify: make(chan struct{}, 1),
		out:    make(chan WatchResponse),
	}
	s.mu.Lock()
	switch {
	case s.closed:
		w.push(WatchResponse{Err: errStoreClosed})
	case fromRevision > 0 && fromRevision <= s.revision:
		if fromRevision <= s.compacted {
			w.push(WatchResponse{Revision: s.revision, Err: ErrWatchCompacted})
			break
		}
		var replay []WatchEvent
		for _, e := range s.history {
			if e.KV.ModRevision >= fromRevision && strings.HasPrefix(e.KV.Key, prefix) {
				replay = append(replay, e)
			}
		}
		if len(replay) > 0 {
			w.push(WatchResponse{Events: replay, Revision: s.revision})
		}
		s.watchers[w] = struct{}{}
	default:
		s.watchers[w] = struct{}{}
	}
	s.mu.Unlock()
	go w.run(ctx, func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	})
	return w.out
}

// Close fails every watcher and rejects further calls.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for w := range s.watchers {
		w.push(WatchResponse{Revision: s.revision, Err: errStoreClosed})
	}
	return nil
}

func copyKV(kv *KeyValue) KeyValue {
	c := *kv
	c.Value = append([]byte(nil), kv.Value...)
	return c
}
