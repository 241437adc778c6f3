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
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrNoProducer is returned by Message.Emit when the consumer was built without an OutputProducer.
var ErrNoProducer = errors.New("no output producer configured")

// Processor is invoked once per message, on the partition's worker goroutine, in offset order.
// A nil return acks the message once every record emitted while processing it has been produced.
type Processor interface {
	Process(ctx context.Context, msg *Message) error
}

type ProcessorFunc func(ctx context.Context, msg *Message) error

func (f ProcessorFunc) Process(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Message is the unit of work handed to a Processor. It carries the source record,
// the partition's store and a way to emit output records.
//
// A message completes when Process has returned and every emitted record's produce callback has fired.
// It is acked if all of those succeeded and nacked otherwise.
type Message struct {
	ctx      context.Context
	record   *kgo.Record
	handle   *Handle
	store    *PartitionStore
	worker   *partitionWorker
	consumer *StatefulConsumer
	// set by MockMessage in place of the consumer's producer
	emit    func(*kgo.Record) error
	pending atomic.Int32
	failed  atomic.Bool
}

func newMessage(ctx context.Context, item inflightRecord, pw *partitionWorker, c *StatefulConsumer) *Message {
	msg := &Message{
		ctx:      ctx,
		record:   item.record,
		handle:   item.handle,
		store:    pw.store,
		worker:   pw,
		consumer: c,
	}
	msg.pending.Store(1)
	return msg
}

func (m *Message) Record() IncomingRecord {
	return newIncomingRecord(m.record)
}

func (m *Message) Key() []byte {
	return m.record.Key
}

func (m *Message) Value() []byte {
	return m.record.Value
}

func (m *Message) Timestamp() time.Time {
	return m.record.Timestamp
}

func (m *Message) TopicPartition() TopicPartition {
	return m.handle.TopicPartition()
}

func (m *Message) Offset() int64 {
	return m.record.Offset
}

// Store returns the store of the partition this message was consumed from.
func (m *Message) Store() *PartitionStore {
	return m.store
}

func (m *Message) Handle() *Handle {
	return m.handle
}

// Emit queues record on the OutputProducer. The message is not acked until the record is acknowledged by the broker.
// A failed produce nacks the message and restarts the partition from its last safe offset.
func (m *Message) Emit(record *kgo.Record) error {
	if m.emit != nil {
		m.pending.Add(1)
		err := m.emit(record)
		m.release(err != nil)
		return err
	}
	producer := m.consumer.producer
	if producer == nil {
		return NewError(ContractViolation, "emit", ErrNoProducer)
	}
	m.pending.Add(1)
	err := producer.Enqueue(m.ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			m.consumer.requestRestart(m.worker, m.record.Offset, NewError(TransientIO, "produce "+r.Topic, err))
		}
		m.release(err != nil)
	})
	if err != nil {
		m.release(true)
		return NewError(TransientIO, "emit", err)
	}
	return nil
}

func (m *Message) metrics() *MetricsEmitter {
	if m.consumer == nil {
		return nil
	}
	return m.consumer.metrics
}

// release drops one pending reference. The last one completes the handle.
func (m *Message) release(failed bool) {
	if failed {
		m.failed.Store(true)
	}
	remaining := m.pending.Add(-1)
	switch {
	case remaining > 0:
		return
	case remaining < 0:
		contractViolation("message %v offset %d released too many times", m.TopicPartition(), m.Offset())
		return
	}
	if m.failed.Load() {
		m.handle.Nack()
	} else {
		m.handle.Ack()
	}
}
