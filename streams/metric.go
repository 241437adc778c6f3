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
	"sync"
	"time"
)

// consumer runtime
const (
	CommitOperation            = "Commit"
	CommitSkippedOperation     = "CommitSkipped"
	AckOperation               = "Ack"
	NackOperation              = "Nack"
	PermitTimeoutOperation     = "PermitTimeout"
	PartitionRestartOperation  = "PartitionRestart"
	ProcessErrorOperation      = "ProcessError"
	PartitionAssignedOperation = "PartitionAssigned"
	PartitionRevokedOperation  = "PartitionRevoked"
	ProduceOperation           = "Produce"
	ProduceErrorOperation      = "ProduceError"
)

// store manager + checkpointer
const (
	StoreInitializedOperation  = "StoreInitialized"
	StoreRestoredOperation     = "StoreRestored"
	OrphanCleanupOperation     = "OrphanCleanup"
	CheckpointOperation        = "Checkpoint"
	CheckpointFailedOperation  = "CheckpointFailed"
	CheckpointSkippedOperation = "CheckpointSkipped"
	CheckpointCorruptOperation = "CheckpointCorrupt"
)

// dedup + hot key cache
const (
	DedupUniqueOperation    = "DedupUnique"
	DedupDuplicateOperation = "DedupDuplicate"
	DedupBypassOperation    = "DedupBypass"
	DedupTruncatedOperation = "DedupTruncated"
	DedupCorruptOperation   = "DedupCorrupt"
	RoutedOperation         = "Rerouted"
	CacheHitOperation       = "CacheHit"
	CacheMissOperation      = "CacheMiss"
	CacheEvictOperation     = "CacheEvict"
)

// coordinator + relay
const (
	CoordinatorTickOperation   = "CoordinatorTick"
	CASFailedOperation         = "CASFailed"
	AssignmentWrittenOperation = "AssignmentWritten"
	HandoffStartedOperation    = "HandoffStarted"
	HandoffCompletedOperation  = "HandoffCompleted"
	LeadershipOperation        = "Leadership"
	RelaySessionOperation      = "RelaySession"
	RelayCommandOperation      = "RelayCommand"
	RelayOverflowOperation     = "RelayOverflow"
)

type MetricsHandler func(Metric)
type Metric struct {
	StartTime      time.Time
	ExecuteTime    time.Time
	EndTime        time.Time
	Count          int
	Bytes          int
	PartitionCount int
	Partition      int32
	Offset         int64
	Operation      string
	Topic          string
	GroupId        string
	// Free form qualifier, e.g. the worker name for relay metrics or the error kind for failures.
	Label string
}

func (m Metric) Duration() time.Duration {
	return m.EndTime.Sub(m.StartTime)
}

func (m Metric) Linger() time.Duration {
	return m.ExecuteTime.Sub(m.StartTime)
}

func (m Metric) ExecuteDuration() time.Duration {
	return m.EndTime.Sub(m.ExecuteTime)
}

// MetricsEmitter decouples metric producers from the MetricsHandler with a bounded channel.
// Emit never blocks; when the buffer is full the metric is dropped with a warning.
// A nil *MetricsEmitter is valid and discards everything.
type MetricsEmitter struct {
	metrics chan Metric
	done    chan struct{}
	once    sync.Once
}

const DefaultMetricsBufferSize = 4096

func NewMetricsEmitter(handler MetricsHandler, bufferSize int) *MetricsEmitter {
	if handler == nil {
		return nil
	}
	if bufferSize <= 0 {
		bufferSize = DefaultMetricsBufferSize
	}
	me := &MetricsEmitter{
		metrics: make(chan Metric, bufferSize),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(me.done)
		for m := range me.metrics {
			handler(m)
		}
	}()
	return me
}

func (me *MetricsEmitter) Emit(m Metric) {
	if me == nil {
		return
	}
	if m.EndTime.IsZero() {
		m.EndTime = time.Now()
	}
	if m.StartTime.IsZero() {
		m.StartTime = m.EndTime
	}
	defer func() {
		// emit after Close
		recover()
	}()
	select {
	case me.metrics <- m:
	default:
		log.Warnf("metrics channel full, dropping metric: %s", m.Operation)
	}
}

// Count is shorthand for emitting a counter style metric.
func (me *MetricsEmitter) Count(operation string, tp TopicPartition, n int) {
	if me == nil {
		return
	}
	me.Emit(Metric{Operation: operation, Topic: tp.Topic, Partition: tp.Partition, Count: n, PartitionCount: 1})
}

// Close flushes pending metrics to the handler and stops the emitter goroutine.
func (me *MetricsEmitter) Close() {
	if me == nil {
		return
	}
	me.once.Do(func() {
		close(me.metrics)
		<-me.done
	})
}
