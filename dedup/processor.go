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

package dedup

import (
	"context"
	"errors"
	"strconv"

	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Record types set in the streams.RecordTypeHeaderKey header of side topic records.
const (
	DuplicateRecordType  = "duplicate"
	DeadLetterRecordType = "dead_letter"
)

const (
	OriginalUuidHeader   = "dedup_original_uuid"
	DuplicateCountHeader = "dedup_duplicate_count"
	DedupKeyHeader       = "dedup_key"
)

var errMissingOutputTopic = errors.New("dedup.Config.OutputTopic is required")

type Config struct {
	Mode Mode
	// Unique events and events that bypass deduplication are produced here.
	OutputTopic string
	// Optional. When set, every newly merged duplicate is produced here.
	DuplicatesTopic string
	// Optional. When set, undecodable events are produced here instead of being dropped.
	DeadLetterTopic  string
	MaxSeen          int
	MaxMetadataBytes int
}

// Processor is a streams.Processor that deduplicates events using the partition store.
// Input must be keyed so that every event of a FingerprintKey lands on the same partition.
type Processor struct {
	cfg     Config
	limits  Limits
	metrics *streams.MetricsEmitter
}

func NewProcessor(cfg Config, metrics *streams.MetricsEmitter) (*Processor, error) {
	if cfg.OutputTopic == "" {
		return nil, streams.NewError(streams.ContractViolation, "dedup", errMissingOutputTopic)
	}
	return &Processor{
		cfg:     cfg,
		limits:  Limits{MaxSeen: cfg.MaxSeen, MaxBytes: cfg.MaxMetadataBytes}.withDefaults(),
		metrics: metrics,
	}, nil
}

func (p *Processor) Process(ctx context.Context, msg *streams.Message) error {
	tp := msg.TopicPartition()
	event, err := ParseEvent(msg.Value())
	if err != nil {
		p.metrics.Count(streams.DedupCorruptOperation, tp, 1)
		streams.Log().Warnf("undecodable event at %v offset %d: %v", tp, msg.Offset(), err)
		if p.cfg.DeadLetterTopic == "" {
			return nil
		}
		return emit(msg, p.forward(msg, p.cfg.DeadLetterTopic, DeadLetterRecordType))
	}

	key, err := NewFingerprintKey(p.cfg.Mode, event)
	if err != nil {
		p.metrics.Count(streams.DedupBypassOperation, tp, 1)
		return p.emitOutput(msg)
	}
	storeKey := key.Bytes()
	store := msg.Store()

	stored, found, err := store.Get(storeKey)
	if err != nil {
		return streams.NewError(streams.TransientIO, "dedup get", err)
	}
	var md *Metadata
	if found {
		if md, err = DecodeMetadata(stored); err != nil {
			p.metrics.Count(streams.DedupCorruptOperation, tp, 1)
			streams.Log().Warnf("replacing corrupt metadata for %v in %v: %v", key, tp, err)
			found = false
		}
	}

	if !found {
		if err = p.put(store, tp, storeKey, NewMetadata(p.cfg.Mode, event, msg.Offset())); err != nil {
			return err
		}
		p.metrics.Count(streams.DedupUniqueOperation, tp, 1)
		return p.emitOutput(msg)
	}

	switch md.Merge(p.cfg.Mode, event, msg.Offset(), p.limits) {
	case ReplayOfOriginal:
		// the first delivery may not have reached the output topic
		return p.emitOutput(msg)
	case ReplayOfDuplicate:
		return nil
	}
	if err = p.put(store, tp, storeKey, md); err != nil {
		return err
	}
	p.metrics.Count(streams.DedupDuplicateOperation, tp, 1)
	if p.cfg.DuplicatesTopic == "" {
		return nil
	}
	record := p.forward(msg, p.cfg.DuplicatesTopic, DuplicateRecordType).
		WithHeader(OriginalUuidHeader, []byte(md.OriginalUuid)).
		WithHeader(DuplicateCountHeader, []byte(strconv.Itoa(md.DuplicateCount))).
		WithHeader(DedupKeyHeader, []byte(key.String()))
	return emit(msg, record)
}

func (p *Processor) put(store *streams.PartitionStore, tp streams.TopicPartition, key []byte, md *Metadata) error {
	b, truncated, err := md.Encode(p.limits)
	if err != nil {
		return streams.NewError(streams.ContractViolation, "dedup encode", err)
	}
	if truncated {
		p.metrics.Count(streams.DedupTruncatedOperation, tp, 1)
	}
	if err = store.Put(key, b); err != nil {
		return streams.NewError(streams.TransientIO, "dedup put", err)
	}
	return nil
}

func (p *Processor) emitOutput(msg *streams.Message) error {
	return emit(msg, p.forward(msg, p.cfg.OutputTopic, ""))
}

func emit(msg *streams.Message, record *streams.Record) error {
	kr := record.ToKafkaRecord()
	record.Release()
	return msg.Emit(kr)
}

// forward copies key, value and headers of the incoming record onto a record for topic.
func (p *Processor) forward(msg *streams.Message, topic, recordType string) *streams.Record {
	incoming := msg.Record()
	record := streams.NewRecord().
		WithTopic(topic).
		WithKey(incoming.Key()).
		WithValue(incoming.Value()).
		WithRecordType(recordType)
	for _, h := range incoming.Headers() {
		if h.Key == streams.RecordTypeHeaderKey {
			continue
		}
		record.WithHeader(h.Key, h.Value)
	}
	return record
}

var _ streams.Processor = (*Processor)(nil)

// KafkaRecordKey returns the partitioning key producers should use for an event, so that every
// event of a FingerprintKey is routed to the same partition. Events without a token and distinct_id
// are keyed by uuid, or left unkeyed.
func KafkaRecordKey(e Event) []byte {
	if e.Token != "" && e.DistinctId != "" {
		return []byte(e.Token + ":" + e.DistinctId)
	}
	if e.Uuid != "" {
		return []byte(e.Uuid)
	}
	return nil
}

// NewEventRecord builds an input record for e, keyed with KafkaRecordKey.
func NewEventRecord(topic string, e Event) *kgo.Record {
	return &kgo.Record{Topic: topic, Key: KafkaRecordKey(e), Value: e.Raw, Partition: streams.AutoAssign}
}
