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
	"fmt"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
)

type fixedPartitioner struct {
	partition int32
}

func (fp fixedPartitioner) ForTopic(topic string) kgo.TopicPartitioner {
	return fp
}

func (fp fixedPartitioner) Partition(r *kgo.Record, n int) int {
	return int(fp.partition)
}

func (fp fixedPartitioner) RequiresConsistency(*kgo.Record) bool {
	return true
}

func TestOptionalPartitioner(t *testing.T) {
	partitioner := NewOptionalPerTopicPartitioner(fixedPartitioner{10}, map[string]kgo.Partitioner{
		"events":       fixedPartitioner{1},
		"events_clean": fixedPartitioner{2},
	})

	pinned := NewRecord().WithTopic("events").WithPartition(11)
	defer pinned.Release()
	unpinned := NewRecord().WithTopic("events")
	defer unpinned.Release()

	for _, tc := range []struct {
		topic    string
		record   *Record
		expected int
	}{
		{"events", pinned, 11},
		{"events", unpinned, 1},
		{"events_clean", unpinned, 2},
		{"unknown", unpinned, 10},
	} {
		p := partitioner.ForTopic(tc.topic).Partition(tc.record.ToKafkaRecord(), 100)
		if p != tc.expected {
			t.Errorf("incorrect partition for %s, actual: %d, expected: %d", tc.topic, p, tc.expected)
		}
	}
}

// Records emitted without a pinned partition must land where the router expects them.
func TestProducerPartitionerAgreesWithRouter(t *testing.T) {
	router, err := NewPartitionRouter("events", 12)
	if err != nil {
		t.Fatal(err)
	}
	partitioner := NewOptionalPartitioner(kgo.StickyKeyPartitioner(nil)).ForTopic("events")
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("token:user-%d", i))
		record := NewRecord().WithTopic("events").WithKey(key)
		actual := partitioner.Partition(record.ToKafkaRecord(), 12)
		record.Release()
		if expected := router.Partition(key); int32(actual) != expected {
			t.Errorf("incorrect partition for %s, actual: %d, expected: %d", key, actual, expected)
		}
	}
}
