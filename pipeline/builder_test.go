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
	"fmt"
	"sync"
	"testing"

	"github.com/aws/go-kafka-stateful-streams/dedup"
	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/aws/go-kafka-stateful-streams/streams/codec"
	"github.com/aws/go-kafka-stateful-streams/streams/objstore"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
}

func (f *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	f.records = append(f.records, r)
	f.mu.Unlock()
	promise(r, nil)
}

func (f *fakeProducer) Flush(context.Context) error {
	return nil
}

func (f *fakeProducer) Close() {}

func (f *fakeProducer) produced() []*kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kgo.Record(nil), f.records...)
}

func testConfig(t *testing.T) Config {
	return Config{
		Consumer: streams.ConsumerConfig{GroupId: "dedup", Topics: []string{"events"}, Mode: streams.ExternalAssignment},
		Stores:   streams.StoreManagerConfig{RootPath: t.TempDir(), Factory: streams.MemoryStoreFactory()},
	}
}

func TestBuilderValidation(t *testing.T) {
	cfg := testConfig(t)
	if _, _, err := NewIngestion(cfg, dedup.Config{}).WithProducerClient(&fakeProducer{}).components(); err == nil {
		t.Error("ingestion without an output topic should fail")
	}
	if _, _, err := NewDownstream(cfg, nil).components(); err == nil {
		t.Error("downstream without a processor should fail")
	}
	noop := streams.ProcessorFunc(func(context.Context, *streams.Message) error { return nil })
	if _, _, err := NewDownstream(cfg, noop).WithRouting("events", 0, nil).components(); err == nil {
		t.Error("routing over zero partitions should fail")
	}
	p, processor, err := NewDownstream(cfg, noop).components()
	if err != nil {
		t.Fatal(err)
	}
	defer p.stores.Close()
	if p.producer != nil {
		t.Error("a downstream pipeline without descriptor publication needs no producer")
	}
	if processor == nil {
		t.Error("missing processor")
	}
}

func TestBuilderIngestionUsesOutputTopic(t *testing.T) {
	producer := &fakeProducer{}
	p, processor, err := NewIngestion(testConfig(t), dedup.Config{OutputTopic: "events_clean"}).
		WithProducerClient(producer).
		WithRouting("events", 8, nil).
		components()
	if err != nil {
		t.Fatal(err)
	}
	defer p.stores.Close()
	if _, ok := processor.(*streams.RoutingProcessor); !ok {
		t.Errorf("incorrect processor type, actual: %T, expected: *streams.RoutingProcessor", processor)
	}
	if err := p.producer.Produce(context.Background(), &kgo.Record{Value: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	p.closeProducer(context.Background())
	if records := producer.produced(); len(records) != 1 || records[0].Topic != "events_clean" {
		t.Errorf("records without a topic should go to the output topic, actual: %v", records)
	}
}

func TestDescriptorPublication(t *testing.T) {
	ctx := context.Background()
	producer := &fakeProducer{}
	cfg := testConfig(t)
	cfg.Objects = objstore.NewMemoryStore()
	cfg.DescriptorTopic = "checkpoints"
	noop := streams.ProcessorFunc(func(context.Context, *streams.Message) error { return nil })
	p, _, err := NewDownstream(cfg, noop).WithProducerClient(producer).components()
	if err != nil {
		t.Fatal(err)
	}
	defer p.stores.Close()

	ps, err := p.stores.Initialize(ctx, tp(2))
	if err != nil {
		t.Fatal(err)
	}
	if err := ps.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	desc, err := p.checkpoints.Checkpoint(ctx, ps, 41)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.closeProducer(ctx); err != nil {
		t.Fatal(err)
	}

	records := producer.produced()
	if len(records) != 1 {
		t.Fatalf("incorrect record count, actual: %d, expected: 1", len(records))
	}
	r := records[0]
	if r.Topic != "checkpoints" || string(r.Key) != "events/2" {
		t.Errorf("incorrect record, actual topic: %s, key: %s", r.Topic, r.Key)
	}
	published, err := codec.UnmarshalJson[streams.CheckpointDescriptor](r.Value)
	if err != nil {
		t.Fatal(err)
	}
	if published.Id != desc.Id || published.SourceOffset != 41 {
		t.Errorf("incorrect descriptor, actual: %+v, expected: %+v", published, desc)
	}
	recordType := ""
	for _, h := range r.Headers {
		if h.Key == streams.RecordTypeHeaderKey {
			recordType = string(h.Value)
		}
	}
	if recordType != DescriptorRecordType {
		t.Errorf("incorrect record type, actual: %q, expected: %q", recordType, DescriptorRecordType)
	}
}

func TestBuilderRoutesEveryTopic(t *testing.T) {
	var processed []string
	downstream := streams.ProcessorFunc(func(_ context.Context, msg *streams.Message) error {
		processed = append(processed, msg.TopicPartition().Topic)
		return nil
	})
	cfg := testConfig(t)
	cfg.Consumer.Topics = []string{"events", "clicks"}
	p, processor, err := NewDownstream(cfg, downstream).
		WithRouting("events", 8, nil).
		WithRouting("clicks", 8, nil).
		components()
	if err != nil {
		t.Fatal(err)
	}
	defer p.stores.Close()

	router, _ := streams.NewPartitionRouter("clicks", 8)
	var key []byte
	for i := 0; key == nil; i++ {
		if k := []byte(fmt.Sprintf("user-%d", i)); router.Partition(k) != 0 {
			key = k
		}
	}
	for _, topic := range []string{"events", "clicks"} {
		var rerouted []*kgo.Record
		record := &kgo.Record{Topic: topic, Partition: 0, Key: key, Value: []byte("v")}
		msg := streams.MockMessage(context.Background(), record, nil, func(r *kgo.Record) error {
			rerouted = append(rerouted, r)
			return nil
		})
		if _, err := streams.ProcessMock(processor, msg); err != nil {
			t.Fatal(err)
		}
		if len(rerouted) != 1 || rerouted[0].Topic != topic || rerouted[0].Partition != router.Partition(key) {
			t.Errorf("%s: record was not rerouted, actual: %v", topic, rerouted)
		}
	}
	if len(processed) != 0 {
		t.Errorf("misrouted records reached the processor, actual: %v", processed)
	}
}
