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
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams/objstore"
	"github.com/aws/go-kafka-stateful-streams/streams/stores"
)

func newTestManager(t *testing.T, gate *RebalanceCoordinator, checkpoints *Checkpointer) *PartitionStoreManager {
	t.Helper()
	m, err := NewPartitionStoreManager(StoreManagerConfig{
		RootPath: t.TempDir(),
		Factory:  MemoryStoreFactory(),
	}, gate, checkpoints, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestStoreManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, nil)
	tp := ntp(0, "events")

	if _, ok := m.Get(tp); ok {
		t.Fatal("store should not exist before initialization")
	}
	ps, err := m.Initialize(ctx, tp)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := m.Initialize(ctx, tp)
	if again != ps {
		t.Error("Initialize should be idempotent for owned partitions")
	}
	if err := ps.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if v, found, _ := ps.Get([]byte("k")); !found || string(v) != "v" {
		t.Errorf("incorrect value. actual: %s, expected: v", v)
	}
	if err := m.Cleanup(ctx, tp, -1); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get(tp); ok {
		t.Error("store should be dropped after cleanup")
	}
	if _, _, err := ps.Get([]byte("k")); err != ErrPartitionNotAssigned {
		t.Errorf("incorrect error. actual: %v, expected: %v", err, ErrPartitionNotAssigned)
	}
	if _, err := os.Stat(ps.Path()); err != nil {
		t.Errorf("cleanup should leave the directory for orphan cleanup: %v", err)
	}

	next, err := m.Initialize(ctx, tp)
	if err != nil {
		t.Fatal(err)
	}
	if next.Path() == ps.Path() {
		t.Error("re-initialization must not reuse a previous store directory")
	}
}

func TestDeleteOrphansRespectsRebalanceGate(t *testing.T) {
	ctx := context.Background()
	gate := NewRebalanceCoordinator()
	m := newTestManager(t, gate, nil)
	kept, revoked := ntp(0, "events"), ntp(1, "events")

	keptStore, _ := m.Initialize(ctx, kept)
	revokedStore, _ := m.Initialize(ctx, revoked)
	m.Cleanup(ctx, revoked, -1)

	gate.Start()
	gate.Start()
	gate.Finish()
	if n, err := m.DeleteOrphans(ctx); n != 0 || err != nil {
		t.Errorf("DeleteOrphans should be a no-op while rebalancing. actual: %d, %v", n, err)
	}
	if _, err := os.Stat(revokedStore.Path()); err != nil {
		t.Error("orphan removed while gate was closed")
	}

	gate.Finish()
	n, err := m.DeleteOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("incorrect number of removed orphans. actual: %d, expected: %d", n, 1)
	}
	if _, err := os.Stat(revokedStore.Path()); !os.IsNotExist(err) {
		t.Error("orphaned store directory still exists")
	}
	if _, err := os.Stat(keptStore.Path()); err != nil {
		t.Errorf("owned store directory was removed: %v", err)
	}
}

func TestDeleteOrphansRemovesStaleVersions(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, nil)
	tp := ntp(3, "events")
	stale := filepath.Join(m.partitionDir(tp), "1")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	ps, _ := m.Initialize(ctx, tp)
	if n, _ := m.DeleteOrphans(ctx); n != 1 {
		t.Errorf("incorrect number of removed orphans. actual: %d, expected: %d", n, 1)
	}
	if _, err := os.Stat(ps.Path()); err != nil {
		t.Errorf("live version was removed: %v", err)
	}
}

func TestHotCacheTracksStoreWrites(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, nil)
	ps, _ := m.Initialize(ctx, ntp(0, "events"))
	ps.Put([]byte("a"), []byte("1"))
	ps.Get([]byte("a"))
	ps.Get([]byte("b"))
	stats := ps.cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("incorrect cache stats. actual: %+v, expected: 1 hit 1 miss", stats)
	}
	ps.Delete([]byte("a"))
	if _, found, _ := ps.Get([]byte("a")); found {
		t.Error("deleted key should not be found")
	}
}

func TestInitializeRestoresLatestCheckpoint(t *testing.T) {
	ctx := context.Background()
	objects := objstore.NewMemoryStore()
	tp := ntp(2, "events")

	source := newTestManager(t, nil, NewCheckpointer(objects, nil, CheckpointConfig{TempDir: t.TempDir()}, nil))
	ps, _ := source.Initialize(ctx, tp)
	ps.Put([]byte("fingerprint"), []byte("metadata"))
	if _, err := source.checkpoints.Checkpoint(ctx, ps, 41); err != nil {
		t.Fatal(err)
	}

	checkpoints := NewCheckpointer(objects, nil, CheckpointConfig{TempDir: t.TempDir()}, nil)
	target := newTestManager(t, nil, checkpoints)
	restored, err := target.Initialize(ctx, tp)
	if err != nil {
		t.Fatal(err)
	}
	if v, found, _ := restored.Get([]byte("fingerprint")); !found || string(v) != "metadata" {
		t.Errorf("incorrect restored value. actual: %s, expected: metadata", v)
	}
	desc, ok := restored.Restored()
	if !ok || desc.SourceOffset != 41 {
		t.Errorf("incorrect restored descriptor. actual: %+v", desc)
	}
	if offset, ok := checkpoints.DurableOffset(tp); !ok || offset != 41 {
		t.Errorf("incorrect durable offset. actual: %d, expected: %d", offset, 41)
	}
}

func TestWarmStoreIsPromoted(t *testing.T) {
	ctx := context.Background()
	objects := objstore.NewMemoryStore()
	tp := ntp(0, "events")
	m := newTestManager(t, nil, NewCheckpointer(objects, nil, CheckpointConfig{TempDir: t.TempDir()}, nil))

	warm, err := m.Warm(ctx, tp)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get(tp); ok {
		t.Error("a warm store is not owned")
	}
	owned, err := m.Initialize(ctx, tp)
	if err != nil {
		t.Fatal(err)
	}
	if owned != warm {
		t.Error("warm store should be promoted when no newer checkpoint exists")
	}
}

func TestWarmStoreIsReplacedByNewerCheckpoint(t *testing.T) {
	ctx := context.Background()
	objects := objstore.NewMemoryStore()
	tp := ntp(0, "events")
	m := newTestManager(t, nil, NewCheckpointer(objects, nil, CheckpointConfig{TempDir: t.TempDir()}, nil))
	warm, _ := m.Warm(ctx, tp)

	// the previous owner checkpoints after the warm up
	other := newTestManager(t, nil, NewCheckpointer(objects, nil, CheckpointConfig{TempDir: t.TempDir()}, nil))
	ps, _ := other.Initialize(ctx, tp)
	ps.Put([]byte("late"), []byte("write"))
	other.Cleanup(ctx, tp, 99)

	owned, err := m.Initialize(ctx, tp)
	if err != nil {
		t.Fatal(err)
	}
	if owned == warm {
		t.Fatal("stale warm store was promoted")
	}
	if _, found, _ := owned.Get([]byte("late")); !found {
		t.Error("newest checkpoint was not restored")
	}
}

func TestBadgerStoreFactory(t *testing.T) {
	m, err := NewPartitionStoreManager(StoreManagerConfig{
		RootPath: t.TempDir(),
		Factory:  BadgerStoreFactory(stores.BadgerOptions{}),
	}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	ps, err := m.Initialize(context.Background(), ntp(0, "events"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ps.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
}

// blocks Get of one key until release is closed
type gatedObjectStore struct {
	objstore.ObjectStore
	key     string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if key == g.key {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.ObjectStore.Get(ctx, key)
}

func TestDeleteOrphansKeepsStoreBeingWarmed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	objects := objstore.NewMemoryStore()
	tp := ntp(0, "events")

	source := newTestManager(t, nil, NewCheckpointer(objects, nil, CheckpointConfig{TempDir: t.TempDir()}, nil))
	ps, _ := source.Initialize(ctx, tp)
	ps.Put([]byte("k"), []byte("v"))
	desc, err := source.checkpoints.Checkpoint(ctx, ps, 10)
	if err != nil {
		t.Fatal(err)
	}

	gated := &gatedObjectStore{ObjectStore: objects, key: desc.ObjectKey, entered: make(chan struct{}), release: make(chan struct{})}
	m := newTestManager(t, nil, NewCheckpointer(gated, nil, CheckpointConfig{TempDir: t.TempDir()}, nil))

	type result struct {
		ps  *PartitionStore
		err error
	}
	warmed := make(chan result, 1)
	go func() {
		ps, err := m.Warm(ctx, tp)
		warmed <- result{ps, err}
	}()
	select {
	case <-gated.entered:
	case <-ctx.Done():
		t.Fatal("warm up never reached the checkpoint download")
	}

	n, err := m.DeleteOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("incorrect number of removed orphans during warm up. actual: %d, expected: %d", n, 0)
	}
	close(gated.release)

	var res result
	select {
	case res = <-warmed:
	case <-ctx.Done():
		t.Fatal("warm up did not finish")
	}
	if res.err != nil {
		t.Fatal(res.err)
	}
	if _, err := os.Stat(res.ps.Path()); err != nil {
		t.Errorf("warm store directory was removed: %v", err)
	}
	if v, found, _ := res.ps.Get([]byte("k")); !found || string(v) != "v" {
		t.Errorf("incorrect warmed value. actual: %s, expected: v", v)
	}
	if n, _ := m.DeleteOrphans(ctx); n != 0 {
		t.Errorf("warm store removed after warm up. actual: %d, expected: %d", n, 0)
	}
}

func TestDeleteOrphansKeepsWarmStoreBeingPromoted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	objects := objstore.NewMemoryStore()
	tp := ntp(1, "events")

	source := newTestManager(t, nil, NewCheckpointer(objects, nil, CheckpointConfig{TempDir: t.TempDir()}, nil))
	ps, _ := source.Initialize(ctx, tp)
	ps.Put([]byte("k"), []byte("v"))
	if _, err := source.checkpoints.Checkpoint(ctx, ps, 10); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, nil, NewCheckpointer(objects, nil, CheckpointConfig{TempDir: t.TempDir()}, nil))
	warm, err := m.Warm(ctx, tp)
	if err != nil {
		t.Fatal(err)
	}
	owned, err := m.Initialize(ctx, tp)
	if err != nil {
		t.Fatal(err)
	}
	if owned != warm {
		t.Fatal("warm store should be promoted")
	}
	if n, _ := m.DeleteOrphans(ctx); n != 0 {
		t.Errorf("incorrect number of removed orphans. actual: %d, expected: %d", n, 0)
	}
	if len(m.pending) != 0 {
		t.Errorf("pending directories left behind. actual: %v", m.pending)
	}
}
