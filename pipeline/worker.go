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

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/aws/go-kafka-stateful-streams/assign"
	"github.com/aws/go-kafka-stateful-streams/relay"
	"github.com/aws/go-kafka-stateful-streams/streams"
)

// Runtime is the part of *streams.StatefulConsumer driven by relay commands.
type Runtime interface {
	Assign(ctx context.Context, tps []streams.TopicPartition) error
	Revoke(ctx context.Context, tps []streams.TopicPartition) error
	Assigned() []streams.TopicPartition
}

// Warmer pre-loads a partition store ahead of ownership. Implemented by *streams.PartitionStoreManager.
type Warmer interface {
	Warm(ctx context.Context, tp streams.TopicPartition) (*streams.PartitionStore, error)
}

// HandoffSignaller reports handoff progress back to the assigner. Implemented by *assign.WorkerSession
// and by RelaySignaller.
type HandoffSignaller interface {
	SignalReady(ctx context.Context, tp streams.TopicPartition) error
	Release(ctx context.Context, tp streams.TopicPartition) error
}

// RelaySignaller reports Ready through the relay's ReportReady call and releases through the worker session.
type RelaySignaller struct {
	Client  *relay.Client
	Session *assign.WorkerSession
}

func (rs RelaySignaller) SignalReady(ctx context.Context, tp streams.TopicPartition) error {
	return rs.Client.ReportReady(ctx, tp)
}

func (rs RelaySignaller) Release(ctx context.Context, tp streams.TopicPartition) error {
	return rs.Session.Release(ctx, tp)
}

// WorkerHandler applies relay commands to a pipeline running in streams.ExternalAssignment mode.
type WorkerHandler struct {
	runtime  Runtime
	warmer   Warmer
	handoffs HandoffSignaller
	timeout  time.Duration
}

var _ relay.CommandHandler = (*WorkerHandler)(nil)

// NewWorkerHandler returns the relay.CommandHandler for p. timeout bounds each command; 0 uses streams.DefaultIOTimeout.
func NewWorkerHandler(p *Pipeline, handoffs HandoffSignaller, timeout time.Duration) *WorkerHandler {
	return newWorkerHandler(p.Consumer(), p.Stores(), handoffs, timeout)
}

func newWorkerHandler(runtime Runtime, warmer Warmer, handoffs HandoffSignaller, timeout time.Duration) *WorkerHandler {
	if timeout <= 0 {
		timeout = streams.DefaultIOTimeout
	}
	return &WorkerHandler{runtime: runtime, warmer: warmer, handoffs: handoffs, timeout: timeout}
}

// HandleAssignment revokes before assigning so a store is never open twice. On a snapshot anything
// owned but not listed is revoked.
func (w *WorkerHandler) HandleAssignment(ctx context.Context, snapshot bool, added, removed []streams.TopicPartition) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if snapshot {
		keep := streams.NewTopicPartitionSet(added...)
		removed = removed[:0:0]
		for _, tp := range w.runtime.Assigned() {
			if !keep.Contains(tp) {
				removed = append(removed, tp)
			}
		}
	}
	if len(removed) > 0 {
		if err := w.runtime.Revoke(ctx, removed); err != nil {
			return err
		}
	}
	if len(added) > 0 {
		return w.runtime.Assign(ctx, added)
	}
	return nil
}

// HandleWarmUp restores the newest checkpoint of the handoff's partition, then signals Ready.
func (w *WorkerHandler) HandleWarmUp(ctx context.Context, handoff assign.HandoffState) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	tp := handoff.TopicPartition()
	if _, err := w.warmer.Warm(ctx, tp); err != nil {
		return err
	}
	return w.handoffs.SignalReady(ctx, tp)
}

// HandleRelease stops consuming the partition (taking a final checkpoint) and deletes the handoff.
func (w *WorkerHandler) HandleRelease(ctx context.Context, handoff assign.HandoffState) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	tp := handoff.TopicPartition()
	if err := w.runtime.Revoke(ctx, []streams.TopicPartition{tp}); err != nil {
		return err
	}
	err := w.handoffs.Release(ctx, tp)
	if errors.Is(err, assign.ErrNotHandoffParticipant) {
		streams.Log().Warnf("handoff of %v moved on before release: %v", tp, err)
		return nil
	}
	return err
}
