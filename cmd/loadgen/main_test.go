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
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/go-kafka-stateful-streams/dedup"
	"github.com/aws/go-kafka-stateful-streams/internal/config"
)

func testOptions() options {
	return options{
		topic:          "events",
		count:          100,
		rate:           100,
		duplicateRatio: 0.5,
		distinctIds:    10,
		token:          "tok",
		eventNames:     []string{"click"},
	}
}

func TestGeneratorDuplicates(t *testing.T) {
	gen := newGenerator(testOptions(), 1)
	now := time.Now()
	duplicates := 0
	for i := 0; i < 1000; i++ {
		record, dup, err := gen.record(now)
		if err != nil {
			t.Fatal(err)
		}
		if dup {
			duplicates++
		}
		e, err := dedup.ParseEvent(record.Value)
		if err != nil {
			t.Fatal(err)
		}
		if string(record.Key) != string(dedup.KafkaRecordKey(e)) {
			t.Errorf("incorrect record key, actual: %s, expected: %s", record.Key, dedup.KafkaRecordKey(e))
		}
		if record.Topic != "events" {
			t.Errorf("incorrect topic, actual: %s, expected: events", record.Topic)
		}
	}
	if duplicates < 400 || duplicates > 600 {
		t.Errorf("duplicate ratio out of range, actual: %d of 1000, expected: ~500", duplicates)
	}
}

func TestGeneratorNoDuplicates(t *testing.T) {
	opts := testOptions()
	opts.duplicateRatio = 0
	gen := newGenerator(opts, 1)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		e, dup := gen.next(time.Now())
		if dup || seen[e.Uuid] {
			t.Fatalf("unexpected duplicate %v", e)
		}
		seen[e.Uuid] = true
	}
}

func TestOptionsValidate(t *testing.T) {
	if err := testOptions().validate(); err != nil {
		t.Error(err)
	}
	bad := testOptions()
	bad.duplicateRatio = 1
	if err := bad.validate(); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("incorrect error, actual: %v, expected: %v", err, config.ErrInvalid)
	}
}

func TestLatencyReport(t *testing.T) {
	lat := newLatencies()
	for i := 1; i <= 100; i++ {
		lat.observe(time.Duration(i)*time.Millisecond, nil)
	}
	lat.observe(0, errors.New("broker unavailable"))
	var out bytes.Buffer
	lat.report(&out, 101, 3, time.Second)
	if !strings.Contains(out.String(), "1 errors") {
		t.Errorf("report is missing the error count: %s", out.String())
	}
	if p50 := lat.hist.ValueAtQuantile(50); p50 < 49000 || p50 > 51000 {
		t.Errorf("incorrect p50, actual: %d, expected: ~50000", p50)
	}
}
