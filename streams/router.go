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
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KeyFunc extracts the routing key from a message. Returning nil skips routing for that message.
type KeyFunc func(*Message) []byte

// PartitionRouter maps a key to a partition with the murmur2 hash used by the Java client's default partitioner,
// so that records keyed upstream and records produced by this runtime land on the same partition store.
type PartitionRouter struct {
	topic         string
	numPartitions int
	partitioner   kgo.TopicPartitioner
}

func NewPartitionRouter(topic string, numPartitions int32) (*PartitionRouter, error) {
	if numPartitions <= 0 {
		return nil, fmt.Errorf("invalid partition count %d for topic %s", numPartitions, topic)
	}
	return &PartitionRouter{
		topic:         topic,
		numPartitions: int(numPartitions),
		// keyed records are hashed with murmur2, the sticky part only applies to nil keys
		partitioner: kgo.StickyKeyPartitioner(nil).ForTopic(topic),
	}, nil
}

func (r *PartitionRouter) Topic() string {
	return r.topic
}

func (r *PartitionRouter) NumPartitions() int32 {
	return int32(r.numPartitions)
}

// Partition returns the partition key belongs to. key must not be nil.
func (r *PartitionRouter) Partition(key []byte) int32 {
	return int32(r.partitioner.Partition(&kgo.Record{Key: key}, r.numPartitions))
}

func (r *PartitionRouter) Route(key []byte) TopicPartition {
	return ntp(r.Partition(key), r.topic)
}

// Owns reports whether key belongs on tp.
func (r *PartitionRouter) Owns(tp TopicPartition, key []byte) bool {
	return tp.Topic == r.topic && r.Partition(key) == tp.Partition
}

// RoutingProcessor sits between the StatefulConsumer and the business Processor.
// Messages whose key belongs on a different partition are re-produced to the owning partition and acked,
// so a single logical key is only ever processed against one partition store.
type RoutingProcessor struct {
	router *PartitionRouter
	keyFn  KeyFunc
	next   Processor
}

func NewRoutingProcessor(router *PartitionRouter, keyFn KeyFunc, next Processor) *RoutingProcessor {
	if keyFn == nil {
		keyFn = func(m *Message) []byte { return m.Key() }
	}
	return &RoutingProcessor{router: router, keyFn: keyFn, next: next}
}

func (rp *RoutingProcessor) Process(ctx context.Context, msg *Message) error {
	key := rp.keyFn(msg)
	tp := msg.TopicPartition()
	if key == nil || tp.Topic != rp.router.topic || rp.router.Owns(tp, key) {
		return rp.next.Process(ctx, msg)
	}
	target := rp.router.Partition(key)
	in := msg.Record()
	record := NewRecord().
		WithTopic(tp.Topic).
		WithPartition(target).
		WithKey(in.Key()).
		WithValue(in.Value())
	for _, h := range in.Headers() {
		record.WithHeader(h.Key, h.Value)
	}
	kr := record.ToKafkaRecord()
	record.Release()
	msg.metrics().Count(RoutedOperation, tp, 1)
	log.Tracef("rerouting %v offset %d to partition %d", tp, msg.Offset(), target)
	return msg.Emit(kr)
}
