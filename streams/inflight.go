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
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

type HandleState int32

const (
	Processing HandleState = iota
	Acked
	Nacked
)

func (s HandleState) String() string {
	switch s {
	case Acked:
		return "Acked"
	case Nacked:
		return "Nacked"
	}
	return "Processing"
}

// Handle is the token returned by InFlightTracker.Track. It must be completed exactly once with Ack or Nack;
// additional completions are no-ops. Callers should `defer h.Nack()` so a handle abandoned by a
// panic or an early return is counted as Nacked and the record is reprocessed after restart.
type Handle struct {
	id         uint64
	tp         TopicPartition
	offset     int64
	size       int
	generation uint64
	// true if the handle does not participate in safe offset calculation
	// (partition inactive at track time, or offset already covered)
	detached bool
	state    atomic.Int32
	tracker  *InFlightTracker
}

func (h *Handle) Id() uint64 {
	return h.id
}

func (h *Handle) TopicPartition() TopicPartition {
	return h.tp
}

func (h *Handle) Offset() int64 {
	return h.offset
}

func (h *Handle) Size() int {
	return h.size
}

func (h *Handle) State() HandleState {
	return HandleState(h.state.Load())
}

// Ack marks the message as fully processed. Idempotent.
func (h *Handle) Ack() {
	if h == nil {
		contractViolation("ack of nil handle")
		return
	}
	h.tracker.complete(h, Acked)
}

// Nack marks the message as failed. The partition's safe offset will not move past it. Idempotent.
func (h *Handle) Nack() {
	if h == nil {
		contractViolation("nack of nil handle")
		return
	}
	h.tracker.complete(h, Nacked)
}

func handleLess(a, b *Handle) bool {
	if a.offset != b.offset {
		return a.offset < b.offset
	}
	return a.id < b.id
}

type partitionTracker struct {
	active     bool
	generation uint64
	// Processing and Nacked handles ordered by offset. Acked handles are removed.
	pending   *btree.BTreeG[*Handle]
	highWater int64
	safe      int64
	hasSafe   bool
}

// recompute advances the safe offset. It never moves backwards within a generation.
func (pt *partitionTracker) recompute() {
	if !pt.hasSafe {
		return
	}
	candidate := pt.highWater
	if min, ok := pt.pending.Min(); ok {
		candidate = min.offset - 1
	}
	if candidate > pt.safe {
		pt.safe = candidate
	}
}

// InFlightTracker tracks every message between receipt and acknowledgement and computes,
// per partition, the largest offset such that every earlier tracked offset has been acked.
// It is the only mutator of commit offset state in the runtime.
type InFlightTracker struct {
	mu         sync.Mutex
	partitions map[TopicPartition]*partitionTracker
	nextId     uint64
	generation uint64
	processing int
	bytes      int64
	idle       chan struct{}
	onComplete func(*Handle, HandleState)
}

// NewInFlightTracker creates a tracker. `onComplete`, if non-nil, is invoked exactly once per handle
// after it transitions out of Processing, outside of the tracker lock.
func NewInFlightTracker(onComplete func(*Handle, HandleState)) *InFlightTracker {
	idle := make(chan struct{})
	close(idle)
	return &InFlightTracker{
		partitions: make(map[TopicPartition]*partitionTracker),
		idle:       idle,
		onComplete: onComplete,
	}
}

// Track registers a Processing entry for (tp, offset). Infallible.
func (t *InFlightTracker) Track(tp TopicPartition, offset int64, size int) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextId++
	h := &Handle{
		id:      t.nextId,
		tp:      tp,
		offset:  offset,
		size:    size,
		tracker: t,
	}
	if t.processing == 0 {
		t.idle = make(chan struct{})
	}
	t.processing++
	t.bytes += int64(size)

	pt, ok := t.partitions[tp]
	if !ok || !pt.active {
		h.detached = true
		return h
	}
	h.generation = pt.generation
	if pt.hasSafe && offset <= pt.safe {
		// redelivery of something already covered by the safe offset
		h.detached = true
		return h
	}
	if !pt.hasSafe {
		pt.safe = offset - 1
		pt.hasSafe = true
	}
	if offset > pt.highWater {
		pt.highWater = offset
	}
	pt.pending.ReplaceOrInsert(h)
	return h
}

func (t *InFlightTracker) complete(h *Handle, state HandleState) {
	if h.tracker != t {
		contractViolation("%v: handle %d for %v belongs to another tracker", ErrUnknownHandle, h.id, h.tp)
		return
	}
	if !h.state.CompareAndSwap(int32(Processing), int32(state)) {
		return
	}
	t.mu.Lock()
	t.processing--
	t.bytes -= int64(h.size)
	if t.processing == 0 {
		close(t.idle)
	}
	if !h.detached {
		if pt, ok := t.partitions[h.tp]; ok && pt.active && pt.generation == h.generation {
			if state == Acked {
				pt.pending.Delete(h)
			}
			// Nacked handles stay in pending as a barrier
			pt.recompute()
		}
	}
	t.mu.Unlock()
	if t.onComplete != nil {
		t.onComplete(h, state)
	}
}

// MarkPartitionsActive starts a new tracking generation for each partition.
// Offsets tracked under a previous generation can no longer influence the safe offset.
func (t *InFlightTracker) MarkPartitionsActive(tps ...TopicPartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tp := range tps {
		if pt, ok := t.partitions[tp]; ok && pt.active {
			continue
		}
		t.generation++
		t.partitions[tp] = &partitionTracker{
			active:     true,
			generation: t.generation,
			pending:    btree.NewG(16, handleLess),
			highWater:  -1,
		}
	}
}

// MarkPartitionsRevoked excludes partitions from SafeCommitOffsets. Acks of their in-flight messages become no-ops.
func (t *InFlightTracker) MarkPartitionsRevoked(tps ...TopicPartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tp := range tps {
		delete(t.partitions, tp)
	}
}

func (t *InFlightTracker) IsActive(tp TopicPartition) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.partitions[tp]
	return ok && pt.active
}

// ActivePartitions returns every partition currently marked active.
func (t *InFlightTracker) ActivePartitions() []TopicPartition {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := NewTopicPartitionSet()
	for tp := range t.partitions {
		set.Insert(tp)
	}
	return set.Items()
}

// SafeCommitOffsets returns the last safely processed offset for every active partition which has tracked at least one message.
// The Kafka commit position is this value + 1.
func (t *InFlightTracker) SafeCommitOffsets() map[TopicPartition]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.safeOffsetsLocked()
}

// SafeCommitOffset returns the safe offset for a single partition.
func (t *InFlightTracker) SafeCommitOffset(tp TopicPartition) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.partitions[tp]
	if !ok || !pt.hasSafe {
		return 0, false
	}
	return pt.safe, true
}

func (t *InFlightTracker) safeOffsetsLocked() map[TopicPartition]int64 {
	offsets := make(map[TopicPartition]int64, len(t.partitions))
	for tp, pt := range t.partitions {
		if pt.active && pt.hasSafe {
			offsets[tp] = pt.safe
		}
	}
	return offsets
}

// InFlight reports the number of Processing messages and their total size.
func (t *InFlightTracker) InFlight() (count int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processing, t.bytes
}

// WaitForDrain blocks until no Processing entries remain, then returns the final safe offsets.
func (t *InFlightTracker) WaitForDrain(ctx context.Context) (map[TopicPartition]int64, error) {
	for {
		t.mu.Lock()
		if t.processing == 0 {
			offsets := t.safeOffsetsLocked()
			t.mu.Unlock()
			return offsets, nil
		}
		idle := t.idle
		t.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-idle:
		}
	}
}
