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
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/aws/go-kafka-stateful-streams/streams/codec"
	"github.com/twmb/franz-go/pkg/kgo"
)

const DescriptorRecordType = "checkpoint_descriptor"

// Pipeline is a built consumer together with the components it owns.
type Pipeline struct {
	kind        Kind
	consumer    *streams.StatefulConsumer
	producer    *streams.OutputProducer
	stores      *streams.PartitionStoreManager
	checkpoints *streams.Checkpointer
	gate        *streams.RebalanceCoordinator
	metrics     *streams.MetricsEmitter
}

func (p *Pipeline) Kind() Kind {
	return p.kind
}

func (p *Pipeline) Consumer() *streams.StatefulConsumer {
	return p.consumer
}

func (p *Pipeline) Stores() *streams.PartitionStoreManager {
	return p.stores
}

// Producer is nil for a downstream pipeline without descriptor publication.
func (p *Pipeline) Producer() *streams.OutputProducer {
	return p.producer
}

// Ready reports whether the consumer is polling.
func (p *Pipeline) Ready() bool {
	return p.consumer != nil && p.consumer.Ready()
}

func (p *Pipeline) Stop() {
	p.consumer.Stop()
}

// Run blocks until the consumer stops, then flushes the producer and closes the stores.
func (p *Pipeline) Run() error {
	err := p.consumer.Run()
	ctx, cancel := context.WithTimeout(context.Background(), streams.DefaultShutdownTimeout)
	defer cancel()
	if perr := p.closeProducer(ctx); perr != nil {
		streams.Log().Warnf("producer close failed: %v", perr)
	}
	if serr := p.stores.Close(); serr != nil {
		streams.Log().Warnf("store close failed: %v", serr)
	}
	return err
}

func (p *Pipeline) closeProducer(ctx context.Context) error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close(ctx)
}

// descriptorPublisher produces each descriptor as JSON, keyed by its partition so a compacted topic keeps the latest one.
func descriptorPublisher(producer *streams.OutputProducer, topic string) func(streams.CheckpointDescriptor) {
	return func(desc streams.CheckpointDescriptor) {
		value, err := codec.MarshalJson(desc)
		if err != nil {
			streams.Log().Errorf("could not encode checkpoint descriptor %s: %v", desc.Id, err)
			return
		}
		record := streams.NewRecord().
			WithTopic(topic).
			WithKeyString(desc.TopicPartition().String()).
			WithValue(value).
			WithRecordType(DescriptorRecordType)
		kr := record.ToKafkaRecord()
		record.Release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = producer.Enqueue(ctx, kr, func(r *kgo.Record, err error) {
			if err != nil {
				streams.Log().Warnf("publishing checkpoint descriptor for %s failed: %v", string(r.Key), err)
			}
		})
		if err != nil {
			streams.Log().Warnf("could not enqueue checkpoint descriptor %s: %v", desc.Id, err)
		}
	}
}
