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

package main

import (
	"context"
	"testing"

	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/aws/go-kafka-stateful-streams/streams/stores"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestEventCounter(t *testing.T) {
	tp := streams.NewTopicPartition("events_clean", 0)
	store := streams.NewMockPartitionStore(tp, stores.NewMemoryStore())
	counter := newEventCounter()

	values := []string{
		`{"uuid":"a","event":"click","token":"t1","distinct_id":"d1"}`,
		`{"uuid":"b","event":"click","token":"t1","distinct_id":"d2"}`,
		`not json`,
	}
	for i, v := range values {
		record := &kgo.Record{Topic: tp.Topic, Partition: tp.Partition, Offset: int64(i), Value: []byte(v)}
		msg := streams.MockMessage(context.Background(), record, store, func(*kgo.Record) error { return nil })
		if _, err := streams.ProcessMock(counter, msg); err != nil {
			t.Fatal(err)
		}
	}
	b, found, err := store.Get([]byte("count/t1/click"))
	if err != nil || !found {
		t.Fatalf("count not found: %v", err)
	}
	if string(b) != "2" {
		t.Errorf("incorrect count, actual: %s, expected: 2", b)
	}
}
