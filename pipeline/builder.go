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

/*
Package pipeline assembles the stateful consumer runtime into one of two pipelines.

An ingestion pipeline deduplicates raw events: every message runs through the dedup processor,
unique events are produced to the output topic and duplicates to the duplicates topic.
A downstream pipeline runs a caller supplied processor against the same partition stores.
Either can put a PartitionRouter in front of the processor so a key is always handled by the
partition store its producer hashed it to.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/go-kafka-stateful-streams/dedup"
	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/aws/go-kafka-stateful-streams/streams/objstore"
)

type Kind int

const (
	Ingestion Kind = iota
	Downstream
)

func (k Kind) String() string {
	switch k {
	case Ingestion:
		return "ingestion"
	case Downstream:
		return "downstream"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Config struct {
	Consumer streams.ConsumerConfig
	Stores   streams.StoreManagerConfig
	// Nil disables checkpointing.
	Objects     objstore.ObjectStore
	Checkpoints streams.CheckpointConfig
	// Cluster defaults to Consumer.Cluster.
	Producer streams.ProducerConfig
	// Every durable checkpoint descriptor is also produced to this topic. Empty disables publication.
	DescriptorTopic string
}

// Builder wires a pipeline. Construct with NewIngestion or NewDownstream.
type Builder struct {
	kind           Kind
	cfg            Config
	dedup          dedup.Config
	processor      streams.Processor
	routes         []route
	metrics        *streams.MetricsEmitter
	producerClient streams.KafkaProducer
}

func NewIngestion(cfg Config, dedupCfg dedup.Config) *Builder {
	return &Builder{kind: Ingestion, cfg: cfg, dedup: dedupCfg}
}

// NewDownstream builds a pipeline around processor. The processor reaches the partition store through Message.Store.
func NewDownstream(cfg Config, processor streams.Processor) *Builder {
	return &Builder{kind: Downstream, cfg: cfg, processor: processor}
}

func (b *Builder) WithMetrics(metrics *streams.MetricsEmitter) *Builder {
	b.metrics = metrics
	return b
}

type route struct {
	topic      string
	partitions int32
	keyFn      streams.KeyFunc
}

// WithRouting routes messages of topic by keyFn (the record key if nil) across its partitions.
// Call once per input topic.
func (b *Builder) WithRouting(topic string, partitions int32, keyFn streams.KeyFunc) *Builder {
	b.routes = append(b.routes, route{topic: topic, partitions: partitions, keyFn: keyFn})
	return b
}

// WithProducerClient replaces the producer's Kafka client, e.g. with a fake in tests.
func (b *Builder) WithProducerClient(client streams.KafkaProducer) *Builder {
	b.producerClient = client
	return b
}

func (b *Builder) Kind() Kind {
	return b.kind
}

// components builds everything but the consumer.
func (b *Builder) components() (*Pipeline, streams.Processor, error) {
	p := &Pipeline{kind: b.kind, metrics: b.metrics, gate: streams.NewRebalanceCoordinator()}
	var processor streams.Processor
	switch b.kind {
	case Ingestion:
		dp, err := dedup.NewProcessor(b.dedup, b.metrics)
		if err != nil {
			return nil, nil, err
		}
		processor = dp
	case Downstream:
		if b.processor == nil {
			return nil, nil, errors.New("a downstream pipeline requires a processor")
		}
		processor = b.processor
	default:
		return nil, nil, fmt.Errorf("unknown pipeline kind %v", b.kind)
	}
	// each router passes other topics through
	for _, r := range b.routes {
		router, err := streams.NewPartitionRouter(r.topic, r.partitions)
		if err != nil {
			return nil, nil, err
		}
		processor = streams.NewRoutingProcessor(router, r.keyFn, processor)
	}

	if b.kind == Ingestion || b.cfg.DescriptorTopic != "" || b.producerClient != nil {
		producer, err := b.newProducer()
		if err != nil {
			return nil, nil, err
		}
		p.producer = producer
	}

	if b.cfg.Objects != nil {
		cc := b.cfg.Checkpoints
		if b.cfg.DescriptorTopic != "" {
			cc.OnCheckpoint = chain(cc.OnCheckpoint, descriptorPublisher(p.producer, b.cfg.DescriptorTopic))
		}
		p.checkpoints = streams.NewCheckpointer(b.cfg.Objects, p.gate, cc, b.metrics)
	}
	stores, err := streams.NewPartitionStoreManager(b.cfg.Stores, p.gate, p.checkpoints, b.metrics)
	if err != nil {
		p.closeProducer(context.Background())
		return nil, nil, err
	}
	p.stores = stores
	return p, processor, nil
}

func (b *Builder) newProducer() (*streams.OutputProducer, error) {
	pc := b.cfg.Producer
	if pc.DefaultTopic == "" && b.kind == Ingestion {
		pc.DefaultTopic = b.dedup.OutputTopic
	}
	if b.producerClient != nil {
		return streams.NewOutputProducerWithClient(b.producerClient, pc, b.metrics), nil
	}
	if pc.Cluster == nil {
		pc.Cluster = b.cfg.Consumer.Cluster
	}
	return streams.NewOutputProducer(pc, b.metrics)
}

// Build creates the pipeline. ctx bounds the consumer's lifetime, see streams.NewStatefulConsumer.
func (b *Builder) Build(ctx context.Context) (*Pipeline, error) {
	p, processor, err := b.components()
	if err != nil {
		return nil, err
	}
	consumer, err := streams.NewStatefulConsumer(ctx, b.cfg.Consumer, p.stores, processor, p.producer, b.metrics)
	if err != nil {
		p.closeProducer(context.Background())
		p.stores.Close()
		return nil, err
	}
	p.consumer = consumer
	streams.Log().Infof("built %v pipeline for %v in %v mode", b.kind, b.cfg.Consumer.Topics, b.cfg.Consumer.Mode)
	return p, nil
}

func chain(fns ...func(streams.CheckpointDescriptor)) func(streams.CheckpointDescriptor) {
	return func(desc streams.CheckpointDescriptor) {
		for _, fn := range fns {
			if fn != nil {
				fn(desc)
			}
		}
	}
}
