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

	"github.com/aws/go-kafka-stateful-streams/streams/stores"
	"github.com/twmb/franz-go/pkg/kgo"
)

// NewMockPartitionStore wraps store in a PartitionStore that is not managed by a PartitionStoreManager.
// Intended for processor tests.
func NewMockPartitionStore(tp TopicPartition, store stores.Store) *PartitionStore {
	return &PartitionStore{
		tp:    tp,
		store: store,
		cache: stores.NewHotKeyCache(0, 0),
	}
}

// MockMessage creates a Message for record that is not attached to a consumer. Records passed to Emit
// are handed to emit synchronously. Use ProcessMock to run a Processor against it.
func MockMessage(ctx context.Context, record *kgo.Record, store *PartitionStore, emit func(*kgo.Record) error) *Message {
	tp := ntp(record.Partition, record.Topic)
	tracker := NewInFlightTracker(nil)
	tracker.MarkPartitionsActive(tp)
	msg := &Message{
		ctx:    ctx,
		record: record,
		handle: tracker.Track(tp, record.Offset, recordSize(record)),
		store:  store,
		emit:   emit,
	}
	msg.pending.Store(1)
	return msg
}

// ProcessMock runs p against msg and completes it the way a partition worker would,
// returning the final state of the message and the processor error, if any.
func ProcessMock(p Processor, msg *Message) (HandleState, error) {
	err := p.Process(msg.ctx, msg)
	msg.release(err != nil)
	return msg.handle.State(), err
}
