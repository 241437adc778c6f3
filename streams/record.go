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
	"bytes"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams/sak"
	"github.com/twmb/franz-go/pkg/kgo"
)

// The record.Header key used to transmit type information about a record, e.g. "duplicate" for records on the side topic.
const RecordTypeHeaderKey = "__grt__" // let's keep it small. every byte counts

const AutoAssign = int32(-1)

func recordSize(r *kgo.Record) int {
	byteCount := len(r.Key)
	byteCount += len(r.Value)
	for _, h := range r.Headers {
		byteCount += len(h.Key)
		byteCount += len(h.Value)
	}
	return byteCount
}

// Record is a pooled builder for outbound records.
type Record struct {
	keyBuffer   *bytes.Buffer
	valueBuffer *bytes.Buffer
	kRecord     kgo.Record
	recordType  string
}

var recordPool = sak.NewPool(1024,
	func() *Record {
		return &Record{
			kRecord:     kgo.Record{Partition: AutoAssign},
			keyBuffer:   bytes.NewBuffer(nil),
			valueBuffer: bytes.NewBuffer(nil),
		}
	}, func(r *Record) *Record {
		headers := r.kRecord.Headers[:0]
		r.kRecord = kgo.Record{Partition: AutoAssign, Headers: headers}
		r.keyBuffer.Reset()
		r.valueBuffer.Reset()
		r.recordType = ""
		return r
	})

func NewRecord() *Record {
	return recordPool.Borrow()
}

// IncomingRecord is a read only view of a consumed kgo.Record.
type IncomingRecord struct {
	kRecord    kgo.Record
	recordType string
}

func newIncomingRecord(incoming *kgo.Record) IncomingRecord {
	r := IncomingRecord{
		kRecord: *incoming,
	}
	for _, header := range incoming.Headers {
		if header.Key == RecordTypeHeaderKey {
			r.recordType = string(header.Value)
		}
	}
	return r
}

func (r IncomingRecord) Offset() int64 {
	return r.kRecord.Offset
}

func (r IncomingRecord) TopicPartition() TopicPartition {
	return ntp(r.kRecord.Partition, r.kRecord.Topic)
}

func (r IncomingRecord) Timestamp() time.Time {
	return r.kRecord.Timestamp
}

func (r IncomingRecord) RecordType() string {
	return r.recordType
}

func (r IncomingRecord) Key() []byte {
	return r.kRecord.Key
}

func (r IncomingRecord) Value() []byte {
	return r.kRecord.Value
}

func (r IncomingRecord) Headers() []kgo.RecordHeader {
	return r.kRecord.Headers
}

func (r IncomingRecord) HeaderValue(name string) []byte {
	for _, v := range r.kRecord.Headers {
		if v.Key == name {
			return v.Value
		}
	}
	return nil
}

// Size is len(key) + len(value) + headers.
func (r IncomingRecord) Size() int {
	return recordSize(&r.kRecord)
}

func (r *Record) TopicPartition() TopicPartition {
	return ntp(r.kRecord.Partition, r.kRecord.Topic)
}

func (r *Record) WriteKey(bs ...[]byte) {
	for _, b := range bs {
		r.keyBuffer.Write(b)
	}
}

func (r *Record) WriteKeyString(ss ...string) {
	for _, s := range ss {
		r.keyBuffer.WriteString(s)
	}
}

func (r *Record) KeyWriter() *bytes.Buffer {
	return r.keyBuffer
}

func (r *Record) WriteValue(bs ...[]byte) {
	for _, b := range bs {
		r.valueBuffer.Write(b)
	}
}

func (r *Record) ValueWriter() *bytes.Buffer {
	return r.valueBuffer
}

func (r *Record) WithTopic(topic string) *Record {
	r.kRecord.Topic = topic
	return r
}

func (r *Record) WithKey(key ...[]byte) *Record {
	r.WriteKey(key...)
	return r
}

func (r *Record) WithKeyString(key ...string) *Record {
	r.WriteKeyString(key...)
	return r
}

func (r *Record) WithValue(value ...[]byte) *Record {
	r.WriteValue(value...)
	return r
}

func (r *Record) WithHeader(key string, value []byte) *Record {
	r.kRecord.Headers = append(r.kRecord.Headers, kgo.RecordHeader{Key: key, Value: value})
	return r
}

func (r *Record) WithRecordType(recordType string) *Record {
	r.recordType = recordType
	return r
}

// WithPartition pins the record to a partition, bypassing the key partitioner. See [OptionalPartitioner].
func (r *Record) WithPartition(partition int32) *Record {
	r.kRecord.Partition = partition
	return r
}

func addRecordTypeHeader(recordType string, record *kgo.Record) {
	if len(recordType) == 0 {
		return
	}
	for _, header := range record.Headers {
		if header.Key == RecordTypeHeaderKey {
			return
		}
	}
	record.Headers = append(record.Headers, kgo.RecordHeader{
		Key:   RecordTypeHeaderKey,
		Value: []byte(recordType),
	})
}

// Creates a newly allocated kgo.Record. Key, Value and Headers are copied, so the Record may be released right away.
func (r *Record) ToKafkaRecord() *kgo.Record {
	record := &kgo.Record{
		Topic:     r.kRecord.Topic,
		Partition: r.kRecord.Partition,
	}
	if r.keyBuffer.Len() > 0 {
		record.Key = append(record.Key, r.keyBuffer.Bytes()...)
	}
	// an empty buffer is a tombstone, leave Value nil
	if r.valueBuffer.Len() > 0 {
		record.Value = append(record.Value, r.valueBuffer.Bytes()...)
	}
	if len(r.kRecord.Headers) > 0 {
		record.Headers = append(record.Headers, r.kRecord.Headers...)
	}
	addRecordTypeHeader(r.recordType, record)
	return record
}

// A convenience function for unit testing.
func (r *Record) AsIncomingRecord() IncomingRecord {
	return newIncomingRecord(r.ToKafkaRecord())
}

func (r *Record) Release() {
	recordPool.Release(r)
}

type OptionalPartitioner struct {
	manualPartitioner  kgo.Partitioner
	defaultPartitioner kgo.Partitioner
	topicPartitioners  map[string]kgo.Partitioner
}

type optionalTopicPartitioner struct {
	manualTopicPartitioner kgo.TopicPartitioner
	keyTopicPartitioner    kgo.TopicPartitioner
}

// A kgo compatible partitioner which respects Record partitions that are manually assigned.
// If the record partition is [AutoAssign], the provided kgo.Partitioner will be used for partition assignment.
// Note: [NewRecord] will return a record with a partition of [AutoAssign].
func NewOptionalPartitioner(partitioner kgo.Partitioner) OptionalPartitioner {
	return NewOptionalPerTopicPartitioner(partitioner, map[string]kgo.Partitioner{})
}

// A kgo compatible partitioner which respects Record partitions that are manually assigned.
// Allows you to set different partitioner per topic. If a topic is encountered that has not been defined, defaultPartitioner will be used.
func NewOptionalPerTopicPartitioner(defaultPartitioner kgo.Partitioner, topicPartitioners map[string]kgo.Partitioner) OptionalPartitioner {
	return OptionalPartitioner{
		manualPartitioner:  kgo.ManualPartitioner(),
		defaultPartitioner: defaultPartitioner,
		topicPartitioners:  topicPartitioners,
	}
}

func (op OptionalPartitioner) ForTopic(topic string) kgo.TopicPartitioner {
	partitioner := op.defaultPartitioner
	if p, ok := op.topicPartitioners[topic]; ok {
		partitioner = p
	}
	return optionalTopicPartitioner{
		manualTopicPartitioner: op.manualPartitioner.ForTopic(topic),
		keyTopicPartitioner:    partitioner.ForTopic(topic),
	}
}

func (otp optionalTopicPartitioner) RequiresConsistency(_ *kgo.Record) bool {
	return true
}

func (otp optionalTopicPartitioner) Partition(r *kgo.Record, n int) int {
	if r.Partition == AutoAssign {
		return otp.keyTopicPartitioner.Partition(r, n)
	}
	return otp.manualTopicPartitioner.Partition(r, n)
}
