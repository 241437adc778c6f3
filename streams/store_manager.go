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
package streams

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams/stores"
	"golang.org/x/sync/errgroup"
)

// StoreFactory opens (or creates) a store rooted at path.
type StoreFactory func(path string) (stores.Store, error)

// BadgerStoreFactory is the default StoreFactory.
func BadgerStoreFactory(opts stores.BadgerOptions) StoreFactory {
	return func(path string) (stores.Store, error) {
		if opts.Logger == nil {
			opts.Logger = log
		}
		return stores.OpenBadgerStore(path, opts)
	}
}

// MemoryStoreFactory ignores the path. Intended for tests and pipelines which rebuild state from the broker.
func MemoryStoreFactory() StoreFactory {
	return func(string) (stores.Store, error) {
		return stores.NewMemoryStore(), nil
	}
}

type StoreManagerConfig struct {
	// Local directory holding {topic}/{partition}/{version} store directories.
	RootPath string
	// Defaults to BadgerStoreFactory with default options.
	Factory           StoreFactory
	HotCacheMaxWeight int64
	HotCacheTTL       time.Duration
	// Max number of directories removed concurrently by DeleteOrphans.
	CleanupParallelism int
}

const DefaultCleanupParallelism = 4

// PartitionStore is the handle to the store owned by this worker for a single partition.
// It is shared by the processor and the Checkpointer. Once the partition is cleaned up, every call returns ErrPartitionNotAssigned.
type PartitionStore struct {
	tp       TopicPartition
	path     string
	mu       sync.RWMutex
	store    stores.Store
	closed   bool
	cache    *stores.HotKeyCache
	metrics  *MetricsEmitter
	restored *CheckpointDescriptor
}

func (ps *PartitionStore) TopicPartition() TopicPartition {
	return ps.tp
}

func (ps *PartitionStore) Path() string {
	return ps.path
}

// Restored returns the checkpoint this store was loaded from, if any.
func (ps *PartitionStore) Restored() (CheckpointDescriptor, bool) {
	if ps.restored == nil {
		return CheckpointDescriptor{}, false
	}
	return *ps.restored, true
}

// Get reads through the hot key cache. The cache only tracks existence, so the store is always consulted.
func (ps *PartitionStore) Get(key []byte) ([]byte, bool, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.closed {
		return nil, false, ErrPartitionNotAssigned
	}
	hit := ps.cache.Contains(key)
	value, found, err := ps.store.Get(key)
	if err != nil {
		return nil, false, err
	}
	switch {
	case hit && found:
		ps.metrics.Count(CacheHitOperation, ps.tp, 1)
	case hit:
		ps.cache.Remove(key)
		ps.metrics.Count(CacheMissOperation, ps.tp, 1)
	default:
		ps.metrics.Count(CacheMissOperation, ps.tp, 1)
		if found {
			ps.addToCache(key, len(value))
		}
	}
	return value, found, nil
}

// Put always writes the store, whatever the cache says.
func (ps *PartitionStore) Put(key, value []byte) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.closed {
		return ErrPartitionNotAssigned
	}
	if err := ps.store.Put(key, value); err != nil {
		return err
	}
	ps.addToCache(key, len(value))
	return nil
}

func (ps *PartitionStore) Delete(key []byte) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.closed {
		return ErrPartitionNotAssigned
	}
	ps.cache.Remove(key)
	return ps.store.Delete(key)
}

func (ps *PartitionStore) addToCache(key []byte, valueSize int) {
	if evicted := ps.cache.Add(key, valueSize); evicted > 0 {
		ps.metrics.Count(CacheEvictOperation, ps.tp, evicted)
	}
}

// Snapshot writes a consistent image of the store. Concurrent reads and writes are allowed.
func (ps *PartitionStore) Snapshot(w io.Writer) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.closed {
		return ErrPartitionNotAssigned
	}
	return ps.store.Snapshot(w)
}

func (ps *PartitionStore) restore(r io.Reader) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.store.Restore(r)
}

// waits for in progress reads, writes and snapshots
func (ps *PartitionStore) close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	ps.cache.Clear()
	return ps.store.Close()
}

// PartitionStoreManager owns one store per (topic, partition) assigned to this worker.
// Assignment and revocation callbacks are serialized by the consumer, so per partition operations are totally ordered.
type PartitionStoreManager struct {
	cfg         StoreManagerConfig
	gate        *RebalanceCoordinator
	checkpoints *Checkpointer
	metrics     *MetricsEmitter
	mu          sync.Mutex
	owned       map[TopicPartition]*PartitionStore
	warm        map[TopicPartition]*PartitionStore
	// held while creating or deleting store directories
	dirMux sync.Mutex
	// directories opened but not yet in owned or warm, guarded by dirMux
	pending map[string]struct{}
	version atomic.Int64
}

// NewPartitionStoreManager creates cfg.RootPath if needed. `checkpoints` may be nil, in which case every store starts empty.
func NewPartitionStoreManager(cfg StoreManagerConfig, gate *RebalanceCoordinator, checkpoints *Checkpointer, metrics *MetricsEmitter) (*PartitionStoreManager, error) {
	if cfg.RootPath == "" {
		return nil, errors.New("store root path is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = BadgerStoreFactory(stores.BadgerOptions{})
	}
	if cfg.CleanupParallelism <= 0 {
		cfg.CleanupParallelism = DefaultCleanupParallelism
	}
	if gate == nil {
		gate = NewRebalanceCoordinator()
	}
	if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root %s: %w", cfg.RootPath, err)
	}
	return &PartitionStoreManager{
		cfg:         cfg,
		gate:        gate,
		checkpoints: checkpoints,
		metrics:     metrics,
		owned:       make(map[TopicPartition]*PartitionStore),
		warm:        make(map[TopicPartition]*PartitionStore),
		pending:     make(map[string]struct{}),
	}, nil
}

func (m *PartitionStoreManager) Gate() *RebalanceCoordinator {
	return m.gate
}

// Checkpoints returns nil when checkpointing is disabled.
func (m *PartitionStoreManager) Checkpoints() *Checkpointer {
	return m.checkpoints
}

// Get returns the store for tp only if this worker currently owns it.
func (m *PartitionStoreManager) Get(tp TopicPartition) (*PartitionStore, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.owned[tp]
	return ps, ok
}

// Owned returns every owned store ordered by topic, partition.
func (m *PartitionStoreManager) Owned() []*PartitionStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := NewTopicPartitionSet()
	for tp := range m.owned {
		set.Insert(tp)
	}
	owned := make([]*PartitionStore, 0, len(m.owned))
	for _, tp := range set.Items() {
		owned = append(owned, m.owned[tp])
	}
	return owned
}

// Warm prepares the store for tp ahead of ownership, restoring the latest checkpoint.
// A subsequent Initialize promotes it if no newer checkpoint appeared in the meantime.
func (m *PartitionStoreManager) Warm(ctx context.Context, tp TopicPartition) (*PartitionStore, error) {
	m.mu.Lock()
	if ps, ok := m.owned[tp]; ok {
		m.mu.Unlock()
		return ps, nil
	}
	if ps, ok := m.warm[tp]; ok {
		m.mu.Unlock()
		return ps, nil
	}
	m.mu.Unlock()
	ps, err := m.prepare(ctx, tp, nil)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.warm[tp] = ps
	m.mu.Unlock()
	m.settle(ps.path)
	log.Infof("warmed store for %v at %s", tp, ps.path)
	return ps, nil
}

// Initialize is called from the assignment callback. Idempotent for partitions already owned.
// A new store never reuses a live directory: each initialization opens a fresh versioned directory.
func (m *PartitionStoreManager) Initialize(ctx context.Context, tp TopicPartition) (*PartitionStore, error) {
	m.dirMux.Lock()
	m.mu.Lock()
	if ps, ok := m.owned[tp]; ok {
		m.mu.Unlock()
		m.dirMux.Unlock()
		return ps, nil
	}
	warm := m.warm[tp]
	delete(m.warm, tp)
	if warm != nil {
		m.pending[warm.path] = struct{}{}
		defer m.settle(warm.path)
	}
	m.mu.Unlock()
	m.dirMux.Unlock()

	ps, err := m.prepare(ctx, tp, warm)
	if err != nil {
		return nil, err
	}
	if desc, ok := ps.Restored(); ok && m.checkpoints != nil {
		m.checkpoints.markDurable(tp, desc.SourceOffset)
	}
	m.mu.Lock()
	m.owned[tp] = ps
	m.mu.Unlock()
	m.settle(ps.path)
	log.Debugf("PartitionStoreManager initialized %v at %s", tp, ps.path)
	return ps, nil
}

func (m *PartitionStoreManager) prepare(ctx context.Context, tp TopicPartition, warm *PartitionStore) (*PartitionStore, error) {
	var latest CheckpointDescriptor
	var hasLatest bool
	if m.checkpoints != nil {
		var err error
		if latest, hasLatest, err = m.checkpoints.Latest(ctx, tp); err != nil {
			if warm != nil {
				warm.close()
			}
			return nil, err
		}
	}
	if warm != nil {
		restored, wasRestored := warm.Restored()
		if wasRestored == hasLatest && restored.Id == latest.Id {
			return warm, nil
		}
		log.Infof("discarding warm store for %v, a newer checkpoint exists", tp)
		warm.close()
	}
	ps, err := m.open(tp)
	if err != nil {
		return nil, err
	}
	if !hasLatest {
		m.metrics.Count(StoreInitializedOperation, tp, 1)
		return ps, nil
	}
	err = m.restore(ctx, ps, latest)
	if err == nil {
		m.metrics.Emit(Metric{Operation: StoreRestoredOperation, Topic: tp.Topic, Partition: tp.Partition,
			Offset: latest.SourceOffset, Bytes: int(latest.Size), PartitionCount: 1})
		return ps, nil
	}
	ps.close()
	m.discard(ps.path)
	if KindOf(err) != CorruptState {
		return nil, err
	}
	log.Errorf("checkpoint %s for %v is corrupt, starting with an empty store: %v", latest.ObjectKey, tp, err)
	m.metrics.Count(CheckpointCorruptOperation, tp, 1)
	return m.open(tp)
}

func (m *PartitionStoreManager) restore(ctx context.Context, ps *PartitionStore, desc CheckpointDescriptor) error {
	r, err := m.checkpoints.Open(ctx, desc)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := ps.restore(r); err != nil {
		return NewError(CorruptState, "restore "+desc.ObjectKey, err)
	}
	ps.restored = &desc
	return nil
}

func (m *PartitionStoreManager) open(tp TopicPartition) (*PartitionStore, error) {
	m.dirMux.Lock()
	defer m.dirMux.Unlock()
	path, err := m.newVersionPath(tp)
	if err != nil {
		return nil, err
	}
	store, err := m.cfg.Factory(path)
	if err != nil {
		os.RemoveAll(path)
		return nil, NewError(TransientIO, "open store", err)
	}
	m.pending[path] = struct{}{}
	return &PartitionStore{
		tp:      tp,
		path:    path,
		store:   store,
		cache:   stores.NewHotKeyCache(m.cfg.HotCacheMaxWeight, m.cfg.HotCacheTTL),
		metrics: m.metrics,
	}, nil
}

// settle is called once the store at path is reachable from owned or warm.
func (m *PartitionStoreManager) settle(path string) {
	m.dirMux.Lock()
	delete(m.pending, path)
	m.dirMux.Unlock()
}

// discard removes a store directory that never became owned or warm.
func (m *PartitionStoreManager) discard(path string) {
	m.dirMux.Lock()
	defer m.dirMux.Unlock()
	delete(m.pending, path)
	os.RemoveAll(path)
}

func (m *PartitionStoreManager) partitionDir(tp TopicPartition) string {
	return filepath.Join(m.cfg.RootPath, tp.Topic, strconv.Itoa(int(tp.Partition)))
}

// returns a directory which did not exist before this call
func (m *PartitionStoreManager) newVersionPath(tp TopicPartition) (string, error) {
	dir := m.partitionDir(tp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for {
		version := time.Now().UnixNano()
		if prev := m.version.Load(); version <= prev {
			version = prev + 1
		}
		m.version.Store(version)
		path := filepath.Join(dir, strconv.FormatInt(version, 10))
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
}

// Cleanup is called from the revocation callback. It drops the store reference and closes it.
// If finalOffset >= 0 and checkpointing is enabled, a last checkpoint at finalOffset is taken first.
// Directories are left on disk for DeleteOrphans. The store is closed even if the final checkpoint fails,
// in which case the checkpoint error is returned.
func (m *PartitionStoreManager) Cleanup(ctx context.Context, tp TopicPartition, finalOffset int64) error {
	m.mu.Lock()
	ps, ok := m.owned[tp]
	delete(m.owned, tp)
	if !ok {
		ps, ok = m.warm[tp]
		delete(m.warm, tp)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	var checkpointErr error
	if m.checkpoints != nil {
		if finalOffset >= 0 {
			if _, checkpointErr = m.checkpoints.Checkpoint(ctx, ps, finalOffset); checkpointErr != nil {
				log.Warnf("final checkpoint for %v failed: %v", tp, checkpointErr)
			}
		}
		m.checkpoints.forget(tp)
	}
	log.Debugf("PartitionStoreManager revoked %v", tp)
	if err := ps.close(); err != nil {
		return err
	}
	return checkpointErr
}

// DeleteOrphans removes store directories that no owned, warm or opening store lives in.
// It returns immediately while a rebalance is in progress.
func (m *PartitionStoreManager) DeleteOrphans(ctx context.Context) (int, error) {
	if m.gate.IsRebalancing() {
		return 0, nil
	}
	m.dirMux.Lock()
	defer m.dirMux.Unlock()

	live := make(map[string]struct{}, len(m.pending))
	for path := range m.pending {
		live[path] = struct{}{}
	}
	m.mu.Lock()
	for _, ps := range m.owned {
		live[ps.path] = struct{}{}
	}
	for _, ps := range m.warm {
		live[ps.path] = struct{}{}
	}
	m.mu.Unlock()

	orphans, err := m.scan(live)
	if err != nil || len(orphans) == 0 {
		return 0, err
	}
	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.CleanupParallelism)
	for _, dir := range orphans {
		dir := dir
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if m.gate.IsRebalancing() {
				return nil
			}
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
			removed.Add(1)
			return nil
		})
	}
	err = g.Wait()
	m.pruneEmptyDirs()
	n := int(removed.Load())
	if n > 0 {
		log.Infof("removed %d orphaned store directories", n)
		m.metrics.Emit(Metric{Operation: OrphanCleanupOperation, Count: n})
	}
	return n, err
}

// lists every {topic}/{partition}/{version} directory not in live
func (m *PartitionStoreManager) scan(live map[string]struct{}) ([]string, error) {
	var orphans []string
	topics, err := os.ReadDir(m.cfg.RootPath)
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		if !topic.IsDir() {
			continue
		}
		topicDir := filepath.Join(m.cfg.RootPath, topic.Name())
		partitions, err := os.ReadDir(topicDir)
		if err != nil {
			return nil, err
		}
		for _, partition := range partitions {
			if !partition.IsDir() {
				continue
			}
			partitionDir := filepath.Join(topicDir, partition.Name())
			versions, err := os.ReadDir(partitionDir)
			if err != nil {
				return nil, err
			}
			for _, version := range versions {
				path := filepath.Join(partitionDir, version.Name())
				if _, ok := live[path]; !ok {
					orphans = append(orphans, path)
				}
			}
		}
	}
	return orphans, nil
}

// best effort, os.Remove fails on non-empty directories
func (m *PartitionStoreManager) pruneEmptyDirs() {
	topics, _ := os.ReadDir(m.cfg.RootPath)
	for _, topic := range topics {
		topicDir := filepath.Join(m.cfg.RootPath, topic.Name())
		partitions, _ := os.ReadDir(topicDir)
		for _, partition := range partitions {
			os.Remove(filepath.Join(topicDir, partition.Name()))
		}
		os.Remove(topicDir)
	}
}

// Close closes every owned and warm store.
func (m *PartitionStoreManager) Close() error {
	m.mu.Lock()
	all := make([]*PartitionStore, 0, len(m.owned)+len(m.warm))
	for _, ps := range m.owned {
		all = append(all, ps)
	}
	for _, ps := range m.warm {
		all = append(all, ps)
	}
	m.owned = make(map[TopicPartition]*PartitionStore)
	m.warm = make(map[TopicPartition]*PartitionStore)
	m.mu.Unlock()
	var errs []error
	for _, ps := range all {
		if err := ps.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
