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
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestMetadataMergeByTimestamp(t *testing.T) {
	ts := time.UnixMilli(1000)
	md := NewMetadata(ByTimestamp, testEvent("A", ts), 0)
	if outcome := md.Merge(ByTimestamp, testEvent("B", ts), 1, Limits{}); outcome != Duplicate {
		t.Errorf("incorrect outcome actual: %v, expected: %v", outcome, Duplicate)
	}
	if outcome := md.Merge(ByTimestamp, testEvent("A", ts), 0, Limits{}); outcome != ReplayOfOriginal {
		t.Errorf("incorrect outcome actual: %v, expected: %v", outcome, ReplayOfOriginal)
	}
	if outcome := md.Merge(ByTimestamp, testEvent("B", ts), 1, Limits{}); outcome != ReplayOfDuplicate {
		t.Errorf("incorrect outcome actual: %v, expected: %v", outcome, ReplayOfDuplicate)
	}
	if fmt.Sprint(md.SeenUuids) != "[A B]" {
		t.Errorf("incorrect seen uuids actual: %v, expected: [A B]", md.SeenUuids)
	}
	if md.DuplicateCount != 1 {
		t.Errorf("incorrect duplicate count actual: %d, expected: %d", md.DuplicateCount, 1)
	}
}

func TestMetadataMergeByUuid(t *testing.T) {
	md := NewMetadata(ByUuid, testEvent("A", time.UnixMilli(2000)), 10)
	md.Merge(ByUuid, testEvent("A", time.UnixMilli(1000)), 11, Limits{})
	md.Merge(ByUuid, testEvent("A", time.UnixMilli(3000)), 12, Limits{})
	if md.DuplicateCount != 2 {
		t.Errorf("incorrect duplicate count actual: %d, expected: %d", md.DuplicateCount, 2)
	}
	if md.MinTimestamp != 1000 || md.MaxTimestamp != 3000 {
		t.Errorf("incorrect range actual: [%d, %d], expected: [1000, 3000]", md.MinTimestamp, md.MaxTimestamp)
	}
	if len(md.SeenTimestamps) != 3 {
		t.Errorf("incorrect seen timestamps actual: %v", md.SeenTimestamps)
	}
}

func TestMetadataMaxSeen(t *testing.T) {
	ts := time.UnixMilli(1000)
	limits := Limits{MaxSeen: 2}
	md := NewMetadata(ByTimestamp, testEvent("A", ts), 0)
	for i, uuid := range []string{"B", "C", "D"} {
		md.Merge(ByTimestamp, testEvent(uuid, ts), int64(i+1), limits)
	}
	if len(md.SeenUuids) != 2 {
		t.Errorf("incorrect seen uuids actual: %v, expected 2 entries", md.SeenUuids)
	}
	if !md.Truncated {
		t.Errorf("expected truncated metadata")
	}
	if md.DuplicateCount != 3 {
		t.Errorf("incorrect duplicate count actual: %d, expected: %d", md.DuplicateCount, 3)
	}
}

func TestMetadataEncodeShrinksToFit(t *testing.T) {
	ts := time.UnixMilli(1000)
	md := NewMetadata(ByTimestamp, testEvent("original", ts), 0)
	for i := 0; i < 50; i++ {
		md.Merge(ByTimestamp, testEvent(fmt.Sprintf("%036d", i), ts), int64(i+1), Limits{})
	}
	limits := Limits{MaxBytes: 512}
	b, shrunk, err := md.Encode(limits)
	if err != nil {
		t.Fatal(err)
	}
	if !shrunk || !md.Truncated {
		t.Errorf("expected metadata to be shrunk")
	}
	if len(b) > limits.MaxBytes {
		t.Errorf("incorrect size actual: %d, expected at most: %d", len(b), limits.MaxBytes)
	}
	decoded, err := DecodeMetadata(b)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.SeenUuids[0] != "original" {
		t.Errorf("original uuid dropped, actual: %v", decoded.SeenUuids[0])
	}
	if decoded.DuplicateCount != 50 {
		t.Errorf("incorrect duplicate count actual: %d, expected: %d", decoded.DuplicateCount, 50)
	}
}

func TestMetadataEncodeKeepsOversizedOriginal(t *testing.T) {
	e := testEvent("A", time.UnixMilli(1))
	e.Raw = []byte(`{"blob":"` + strings.Repeat("x", 1024) + `"}`)
	md := NewMetadata(ByTimestamp, e, 0)
	b, _, err := md.Encode(Limits{MaxBytes: 128})
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeMetadata(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded.OriginalEvent) != string(e.Raw) {
		t.Errorf("original event not retained")
	}
}

func TestMetadataRedeliveryIsIdempotent(t *testing.T) {
	zero := testEvent("A", time.Time{})
	md := NewMetadata(ByUuid, zero, 5)
	if outcome := md.Merge(ByUuid, zero, 6, Limits{}); outcome != Duplicate {
		t.Errorf("incorrect outcome actual: %v, expected: %v", outcome, Duplicate)
	}
	// nothing in the seen set identifies an event without a timestamp
	if outcome := md.Merge(ByUuid, zero, 6, Limits{}); outcome != ReplayOfDuplicate {
		t.Errorf("incorrect outcome actual: %v, expected: %v", outcome, ReplayOfDuplicate)
	}
	if outcome := md.Merge(ByUuid, zero, 5, Limits{}); outcome != ReplayOfOriginal {
		t.Errorf("incorrect outcome actual: %v, expected: %v", outcome, ReplayOfOriginal)
	}
	if md.DuplicateCount != 1 {
		t.Errorf("incorrect duplicate count actual: %d, expected: %d", md.DuplicateCount, 1)
	}

	ts := time.UnixMilli(1000)
	shrunk := NewMetadata(ByTimestamp, testEvent("original", ts), 0)
	for i := 0; i < 50; i++ {
		shrunk.Merge(ByTimestamp, testEvent(fmt.Sprintf("%036d", i), ts), int64(i+1), Limits{})
	}
	b, dropped, err := shrunk.Encode(Limits{MaxBytes: 512})
	if err != nil {
		t.Fatal(err)
	}
	if !dropped {
		t.Fatal("expected the seen set to be shrunk")
	}
	decoded, err := DecodeMetadata(b)
	if err != nil {
		t.Fatal(err)
	}
	// the last uuid merged is no longer in the seen set
	if outcome := decoded.Merge(ByTimestamp, testEvent(fmt.Sprintf("%036d", 49), ts), 50, Limits{}); outcome != ReplayOfDuplicate {
		t.Errorf("incorrect outcome actual: %v, expected: %v", outcome, ReplayOfDuplicate)
	}
	if decoded.DuplicateCount != 50 {
		t.Errorf("incorrect duplicate count actual: %d, expected: %d", decoded.DuplicateCount, 50)
	}
	if outcome := decoded.Merge(ByTimestamp, testEvent("late", ts), 51, Limits{}); outcome != Duplicate {
		t.Errorf("incorrect outcome actual: %v, expected: %v", outcome, Duplicate)
	}
}

func TestDecodeMetadataCorrupt(t *testing.T) {
	for _, b := range []string{"garbage", "null", `{"seen_uuids":7}`} {
		if _, err := DecodeMetadata([]byte(b)); !errors.Is(err, ErrCorruptMetadata) {
			t.Errorf("%s: incorrect error actual: %v, expected: %v", b, err, ErrCorruptMetadata)
		}
	}
}
