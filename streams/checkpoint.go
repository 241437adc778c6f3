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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams/codec"
	"github.com/aws/go-kafka-stateful-streams/streams/objstore"
	"github.com/google/uuid"
)

const (
	snapshotObject   = "snapshot"
	descriptorObject = "descriptor.json"
)

// CheckpointDescriptor identifies a durable snapshot of a partition store. It is written next to the snapshot
// only after the snapshot upload succeeded, so a descriptor always points at a complete object.
type CheckpointDescriptor struct {
	Id        string    `json:"id"`
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	ObjectKey string    `json:"object_key"`
	CreatedAt time.Time `json:"created_at"`
	// Last offset whose effects are guaranteed to be contained in the snapshot.
	SourceOffset int64 `json:"source_offset"`
	Size         int64 `json:"size"`
}

func (cd CheckpointDescriptor) TopicPartition() TopicPartition {
	return ntp(cd.Partition, cd.Topic)
}

type CheckpointConfig struct {
	// How often owned stores are snapshotted. Default 5m.
	Interval time.Duration
	// Object key prefix. Keys take the form {Prefix}/{topic}/{partition}/{timestamp}-{offset}/snapshot
	Prefix string
	// Number of checkpoints kept per partition. Default 3.
	Retention int
	// Local scratch directory for snapshot files. Defaults to os.TempDir().
	TempDir string
	// Timeout for each object storage call. Default 30s.
	IOTimeout time.Duration
	// Invoked after each durable checkpoint, e.g. to publish the descriptor to a topic.
	OnCheckpoint func(CheckpointDescriptor)
}

const (
	DefaultCheckpointInterval  = 5 * time.Minute
	DefaultCheckpointPrefix    = "checkpoints"
	DefaultCheckpointRetention = 3
	DefaultIOTimeout           = 30 * time.Second
)

func (cfg CheckpointConfig) withDefaults() CheckpointConfig {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCheckpointInterval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultCheckpointPrefix
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultCheckpointRetention
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	return cfg
}

// Checkpointer snapshots partition stores into object storage and tracks, per partition,
// the source offset of the newest durable checkpoint. The consumer never commits past that offset.
type Checkpointer struct {
	objects objstore.ObjectStore
	gate    *RebalanceCoordinator
	cfg     CheckpointConfig
	metrics *MetricsEmitter
	mu      sync.Mutex
	durable map[TopicPartition]int64
}

func NewCheckpointer(objects objstore.ObjectStore, gate *RebalanceCoordinator, cfg CheckpointConfig, metrics *MetricsEmitter) *Checkpointer {
	if gate == nil {
		gate = NewRebalanceCoordinator()
	}
	return &Checkpointer{
		objects: objects,
		gate:    gate,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		durable: make(map[TopicPartition]int64),
	}
}

func (c *Checkpointer) partitionPrefix(tp TopicPartition) string {
	return path.Join(c.cfg.Prefix, tp.Topic, strconv.Itoa(int(tp.Partition))) + "/"
}

// DurableOffset returns the source offset of the newest checkpoint for tp known to this process.
func (c *Checkpointer) DurableOffset(tp TopicPartition) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	offset, ok := c.durable[tp]
	return offset, ok
}

func (c *Checkpointer) markDurable(tp TopicPartition, offset int64) {
	c.mu.Lock()
	c.durable[tp] = offset
	c.mu.Unlock()
}

func (c *Checkpointer) forget(tp TopicPartition) {
	c.mu.Lock()
	delete(c.durable, tp)
	c.mu.Unlock()
}

// Checkpoint uploads a snapshot of ps whose effects cover at least sourceOffset.
// The caller must read sourceOffset before calling, so the snapshot is never behind it.
func (c *Checkpointer) Checkpoint(ctx context.Context, ps *PartitionStore, sourceOffset int64) (CheckpointDescriptor, error) {
	start := time.Now()
	tp := ps.TopicPartition()
	desc, err := c.checkpoint(ctx, ps, sourceOffset)
	if err != nil {
		log.Warnf("checkpoint of %v at offset %d failed: %v", tp, sourceOffset, err)
		c.metrics.Emit(Metric{Operation: CheckpointFailedOperation, Topic: tp.Topic, Partition: tp.Partition,
			Offset: sourceOffset, StartTime: start, Count: 1, PartitionCount: 1, Label: KindOf(err).String()})
		return desc, err
	}
	c.markDurable(tp, sourceOffset)
	c.metrics.Emit(Metric{Operation: CheckpointOperation, Topic: tp.Topic, Partition: tp.Partition,
		Offset: sourceOffset, Bytes: int(desc.Size), StartTime: start, Count: 1, PartitionCount: 1})
	log.Debugf("checkpointed %v at offset %d to %s (%d bytes)", tp, sourceOffset, desc.ObjectKey, desc.Size)
	if c.cfg.OnCheckpoint != nil {
		c.cfg.OnCheckpoint(desc)
	}
	if err := c.prune(ctx, tp); err != nil {
		log.Warnf("checkpoint retention for %v failed: %v", tp, err)
	}
	return desc, nil
}

func (c *Checkpointer) checkpoint(ctx context.Context, ps *PartitionStore, sourceOffset int64) (CheckpointDescriptor, error) {
	tp := ps.TopicPartition()
	tmp, err := os.CreateTemp(c.cfg.TempDir, "checkpoint-*")
	if err != nil {
		return CheckpointDescriptor{}, NewError(TransientIO, "checkpoint temp file", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := ps.Snapshot(tmp); err != nil {
		return CheckpointDescriptor{}, fmt.Errorf("snapshot %v: %w", tp, err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return CheckpointDescriptor{}, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return CheckpointDescriptor{}, err
	}

	createdAt := time.Now().UTC()
	dir := fmt.Sprintf("%s%020d-%d", c.partitionPrefix(tp), createdAt.UnixNano(), sourceOffset)
	desc := CheckpointDescriptor{
		Id:           uuid.NewString(),
		Topic:        tp.Topic,
		Partition:    tp.Partition,
		ObjectKey:    dir + "/" + snapshotObject,
		CreatedAt:    createdAt,
		SourceOffset: sourceOffset,
		Size:         size,
	}
	ioCtx, cancel := context.WithTimeout(ctx, c.cfg.IOTimeout)
	defer cancel()
	if err := c.objects.Put(ioCtx, desc.ObjectKey, tmp, size); err != nil {
		return desc, NewError(TransientIO, "upload "+desc.ObjectKey, err)
	}
	b, err := codec.MarshalJson(desc)
	if err != nil {
		return desc, err
	}
	if err := c.objects.Put(ioCtx, dir+"/"+descriptorObject, bytes.NewReader(b), int64(len(b))); err != nil {
		return desc, NewError(TransientIO, "upload descriptor", err)
	}
	return desc, nil
}

// descriptor keys for tp, oldest first
func (c *Checkpointer) descriptorKeys(ctx context.Context, tp TopicPartition) ([]string, []string, error) {
	ioCtx, cancel := context.WithTimeout(ctx, c.cfg.IOTimeout)
	defer cancel()
	keys, err := c.objects.List(ioCtx, c.partitionPrefix(tp))
	if err != nil {
		return nil, nil, NewError(TransientIO, "list checkpoints", err)
	}
	sort.Strings(keys)
	descriptors := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasSuffix(k, "/"+descriptorObject) {
			descriptors = append(descriptors, k)
		}
	}
	return descriptors, keys, nil
}

// Latest returns the newest readable checkpoint for tp. Corrupt descriptors are skipped.
func (c *Checkpointer) Latest(ctx context.Context, tp TopicPartition) (CheckpointDescriptor, bool, error) {
	descriptors, _, err := c.descriptorKeys(ctx, tp)
	if err != nil {
		return CheckpointDescriptor{}, false, err
	}
	for i := len(descriptors) - 1; i >= 0; i-- {
		desc, err := c.readDescriptor(ctx, descriptors[i])
		if err == nil {
			return desc, true, nil
		}
		if KindOf(err) != CorruptState {
			return CheckpointDescriptor{}, false, err
		}
		log.Errorf("skipping corrupt checkpoint descriptor %s: %v", descriptors[i], err)
	}
	return CheckpointDescriptor{}, false, nil
}

func (c *Checkpointer) readDescriptor(ctx context.Context, key string) (CheckpointDescriptor, error) {
	ioCtx, cancel := context.WithTimeout(ctx, c.cfg.IOTimeout)
	defer cancel()
	r, err := c.objects.Get(ioCtx, key)
	if err != nil {
		return CheckpointDescriptor{}, NewError(TransientIO, "read descriptor", err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return CheckpointDescriptor{}, NewError(TransientIO, "read descriptor", err)
	}
	desc, err := codec.UnmarshalJson[CheckpointDescriptor](b)
	if err != nil {
		return desc, NewError(CorruptState, "decode "+key, err)
	}
	if desc.ObjectKey == "" || desc.Topic == "" {
		return desc, NewError(CorruptState, "decode "+key, errors.New("incomplete descriptor"))
	}
	return desc, nil
}

// Open streams the snapshot referenced by desc. Callers must close the reader.
func (c *Checkpointer) Open(ctx context.Context, desc CheckpointDescriptor) (io.ReadCloser, error) {
	r, err := c.objects.Get(ctx, desc.ObjectKey)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, NewError(CorruptState, "open "+desc.ObjectKey, err)
	}
	if err != nil {
		return nil, NewError(TransientIO, "open "+desc.ObjectKey, err)
	}
	return r, nil
}

// prune deletes every checkpoint directory older than the oldest retained descriptor,
// including snapshots left behind by failed cycles.
func (c *Checkpointer) prune(ctx context.Context, tp TopicPartition) error {
	descriptors, keys, err := c.descriptorKeys(ctx, tp)
	if err != nil || len(descriptors) <= c.cfg.Retention {
		return err
	}
	oldestKept := path.Dir(descriptors[len(descriptors)-c.cfg.Retention])
	ioCtx, cancel := context.WithTimeout(ctx, c.cfg.IOTimeout)
	defer cancel()
	for _, k := range keys {
		if path.Dir(k) >= oldestKept {
			continue
		}
		if err := c.objects.Delete(ioCtx, k); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce checkpoints every owned store whose safe offset moved since its last checkpoint.
// The whole cycle is skipped while a rebalance is in progress. The first failure aborts the cycle.
func (c *Checkpointer) RunOnce(ctx context.Context, manager *PartitionStoreManager, tracker *InFlightTracker) (int, error) {
	if c.gate.IsRebalancing() {
		c.metrics.Emit(Metric{Operation: CheckpointSkippedOperation, Count: 1})
		return 0, nil
	}
	n := 0
	for _, ps := range manager.Owned() {
		if c.gate.IsRebalancing() {
			break
		}
		tp := ps.TopicPartition()
		offset, ok := tracker.SafeCommitOffset(tp)
		if !ok || offset < 0 {
			continue
		}
		if durable, ok := c.DurableOffset(tp); ok && durable >= offset {
			continue
		}
		if _, err := c.Checkpoint(ctx, ps, offset); err != nil {
			if errors.Is(err, ErrPartitionNotAssigned) {
				// revoked mid cycle
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Run checkpoints on cfg.Interval until ctx is cancelled.
func (c *Checkpointer) Run(ctx context.Context, manager *PartitionStoreManager, tracker *InFlightTracker) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx, manager, tracker); err != nil {
				log.Warnf("checkpoint cycle aborted: %v", err)
			}
		}
	}
}
