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
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaProducer is the subset of *kgo.Client used by OutputProducer.
type KafkaProducer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

type ProducerConfig struct {
	// The topic to use for records being produced which have empty topic data
	DefaultTopic string
	// Capacity of the outbound queue. Enqueue blocks once it is full. Default 1024.
	BufferSize int
	// Optional. Used by NewOutputProducer to create a client.
	Cluster Cluster
}

const DefaultProducerBufferSize = 1024

// ErrProducerClosed is returned by Enqueue after Close.
var ErrProducerClosed = errors.New("producer is closed")

type pendingProduce struct {
	ctx      context.Context
	record   *kgo.Record
	callback func(*kgo.Record, error)
}

// OutputProducer decouples processors from the Kafka client: processors enqueue records into a bounded channel
// which a single goroutine drains into the client. Callbacks run on the client's promise goroutine.
type OutputProducer struct {
	client  KafkaProducer
	cfg     ProducerConfig
	queue   chan pendingProduce
	metrics *MetricsEmitter
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewOutputProducer creates a kgo client for cfg.Cluster. Records with an explicit partition keep it,
// everything else is partitioned by key with murmur2 to stay compatible with upstream producers.
func NewOutputProducer(cfg ProducerConfig, metrics *MetricsEmitter, opts ...kgo.Opt) (*OutputProducer, error) {
	if cfg.Cluster == nil {
		return nil, errors.New("producer cluster is required")
	}
	opts = append([]kgo.Opt{
		kgo.ProducerLinger(5 * time.Millisecond),
		kgo.RecordPartitioner(NewOptionalPartitioner(kgo.StickyKeyPartitioner(nil))),
	}, opts...)
	client, err := NewClient(cfg.Cluster, opts...)
	if err != nil {
		return nil, err
	}
	return NewOutputProducerWithClient(client, cfg, metrics), nil
}

func NewOutputProducerWithClient(client KafkaProducer, cfg ProducerConfig, metrics *MetricsEmitter) *OutputProducer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultProducerBufferSize
	}
	p := &OutputProducer{
		client:  client,
		cfg:     cfg,
		queue:   make(chan pendingProduce, cfg.BufferSize),
		metrics: metrics,
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *OutputProducer) run() {
	defer close(p.done)
	for pp := range p.queue {
		pp := pp
		start := time.Now()
		p.client.Produce(pp.ctx, pp.record, func(r *kgo.Record, err error) {
			tp := ntp(r.Partition, r.Topic)
			if err != nil {
				log.Errorf("produce to %v failed: %v", tp, err)
				p.metrics.Emit(Metric{Operation: ProduceErrorOperation, Topic: tp.Topic, Partition: tp.Partition,
					Count: 1, PartitionCount: 1, Label: KindOf(err).String()})
			} else {
				p.metrics.Emit(Metric{Operation: ProduceOperation, Topic: tp.Topic, Partition: tp.Partition,
					StartTime: start, Count: 1, Bytes: recordSize(r), PartitionCount: 1})
			}
			if pp.callback != nil {
				pp.callback(r, err)
			}
		})
	}
}

// Enqueue queues record for production, blocking while the queue is full.
// If the record has no topic, the DefaultTopic is used. callback may be nil.
func (p *OutputProducer) Enqueue(ctx context.Context, record *kgo.Record, callback func(*kgo.Record, error)) error {
	if len(record.Topic) == 0 {
		record.Topic = p.cfg.DefaultTopic
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	select {
	case p.queue <- pendingProduce{ctx: ctx, record: record, callback: callback}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Produce enqueues record and blocks until it is acknowledged.
func (p *OutputProducer) Produce(ctx context.Context, record *kgo.Record) error {
	result := make(chan error, 1)
	if err := p.Enqueue(ctx, record, func(_ *kgo.Record, err error) {
		result <- err
	}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records, flushes everything queued and closes the client.
func (p *OutputProducer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}
