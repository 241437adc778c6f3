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

package stores

import (
	"io"
	"sync"

	"github.com/aws/go-kafka-stateful-streams/streams/codec"
)

type memEntry struct {
	key   string
	value []byte
}

func memEntryLess(a, b *memEntry) bool {
	return a.key < b.key
}

// The snapshot wire form. []byte fields are base64 encoded by the json codec.
type memSnapshotEntry struct {
	Key   []byte `json:"k"`
	Value []byte `json:"v"`
}

// MemoryStore is a Store backed by a ShardedTree. Used by the downstream pipeline when durability is not required,
// and by tests. Snapshot holds a read lock for its whole duration so the image is consistent.
type MemoryStore struct {
	mu     sync.RWMutex
	tree   ShardedTree[string, *memEntry]
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree: NewShardedTree(4, StringHash, memEntryLess),
	}
}

func (s *MemoryStore) Get(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	k := string(key)
	item, ok := s.tree.For(k).Get(&memEntry{key: k})
	if !ok {
		return nil, false, nil
	}
	value := make([]byte, len(item.value))
	copy(value, item.value)
	return value, true, nil
}

func (s *MemoryStore) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	k := string(key)
	v := make([]byte, len(value))
	copy(v, value)
	s.tree.For(k).ReplaceOrInsert(&memEntry{key: k, value: v})
	return nil
}

func (s *MemoryStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	k := string(key)
	s.tree.For(k).Delete(&memEntry{key: k})
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *MemoryStore) Snapshot(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	stream := codec.Json.BorrowStream(w)
	defer codec.Json.ReturnStream(stream)
	stream.WriteArrayStart()
	first := true
	s.tree.Ascend(func(e *memEntry) bool {
		if !first {
			stream.WriteMore()
		}
		first = false
		stream.WriteVal(memSnapshotEntry{Key: []byte(e.key), Value: e.value})
		return stream.Error == nil
	})
	stream.WriteArrayEnd()
	if stream.Error != nil {
		return stream.Error
	}
	return stream.Flush()
}

func (s *MemoryStore) Restore(r io.Reader) error {
	var entries []memSnapshotEntry
	if err := codec.Json.NewDecoder(r).Decode(&entries); err != nil && err != io.EOF {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for _, e := range entries {
		k := string(e.Key)
		s.tree.For(k).ReplaceOrInsert(&memEntry{key: k, value: e.Value})
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.tree.Clear()
	}
	return nil
}
