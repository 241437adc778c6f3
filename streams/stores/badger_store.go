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
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

type BadgerOptions struct {
	// Fsync every write. Off by default; durability comes from checkpoints and the broker.
	SyncWrites bool
	// Keep everything in memory. Path is ignored. Useful for tests.
	InMemory bool
	// Block cache size in bytes. 0 uses badger's default.
	BlockCacheSize int64
	// Number of pending writes buffered while restoring a snapshot.
	MaxPendingWrites int
	Logger           Logger
}

const DefaultMaxPendingWrites = 256

// BadgerStore is the durable partition store. One instance per (topic, partition) directory.
type BadgerStore struct {
	db     *badger.DB
	path   string
	opts   BadgerOptions
	closed atomic.Bool
}

// OpenBadgerStore opens (or creates) a badger database at `path`.
func OpenBadgerStore(path string, opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.MaxPendingWrites <= 0 {
		opts.MaxPendingWrites = DefaultMaxPendingWrites
	}
	bo := badger.DefaultOptions(path).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerLogger{opts.Logger})
	if opts.InMemory {
		bo = bo.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.BlockCacheSize > 0 {
		bo = bo.WithBlockCacheSize(opts.BlockCacheSize)
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db, path: path, opts: opts}, nil
}

func (s *BadgerStore) Path() string {
	return s.path
}

func (s *BadgerStore) Get(key []byte) (value []byte, found bool, err error) {
	if s.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *BadgerStore) Put(key, value []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStore) Delete(key []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Snapshot streams a full backup (badger's protobuf KVList format) as of the current read timestamp.
func (s *BadgerStore) Snapshot(w io.Writer) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.Backup(w, 0)
	return err
}

func (s *BadgerStore) Restore(r io.Reader) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.db.Load(r, s.opts.MaxPendingWrites)
}

// Sync flushes pending writes to disk.
func (s *BadgerStore) Sync() error {
	return s.db.Sync()
}

func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// adapts Logger to badger.Logger
type badgerLogger struct {
	Logger
}

func (bl badgerLogger) Warningf(msg string, args ...interface{}) {
	bl.Logger.Warnf("[badger] "+msg, args...)
}

func (bl badgerLogger) Errorf(msg string, args ...interface{}) {
	bl.Logger.Errorf("[badger] "+msg, args...)
}

func (bl badgerLogger) Infof(msg string, args ...interface{}) {
	bl.Logger.Debugf("[badger] "+msg, args...)
}

func (bl badgerLogger) Debugf(msg string, args ...interface{}) {
	bl.Logger.Debugf("[badger] "+msg, args...)
}
