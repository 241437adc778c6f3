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
	"bytes"
	"errors"
	"testing"
	"time"
)

func testEvent(uuid string, ts time.Time) Event {
	return Event{Uuid: uuid, Token: "t", DistinctId: "u", Name: "e", Timestamp: ts, Raw: []byte(`{}`)}
}

func TestFingerprintKeyRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	for _, mode := range []Mode{ByTimestamp, ByUuid} {
		key, err := NewFingerprintKey(mode, testEvent("A", ts))
		if err != nil {
			t.Fatal(err)
		}
		parsed, err := ParseFingerprintKey(key.Bytes())
		if err != nil {
			t.Errorf("%v: %v", mode, err)
			continue
		}
		if parsed != key {
			t.Errorf("%v: incorrect key actual: %+v, expected: %+v", mode, parsed, key)
		}
	}
}

func TestFingerprintKeyModesDiffer(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	byTs, _ := NewFingerprintKey(ByTimestamp, testEvent("A", ts))
	otherUuid, _ := NewFingerprintKey(ByTimestamp, testEvent("B", ts))
	if !bytes.Equal(byTs.Bytes(), otherUuid.Bytes()) {
		t.Errorf("uuid must not be part of a ByTimestamp key")
	}
	byUuid, _ := NewFingerprintKey(ByUuid, testEvent("A", ts))
	otherTs, _ := NewFingerprintKey(ByUuid, testEvent("A", ts.Add(time.Second)))
	if !bytes.Equal(byUuid.Bytes(), otherTs.Bytes()) {
		t.Errorf("timestamp must not be part of a ByUuid key")
	}
	if bytes.Equal(byTs.Bytes(), byUuid.Bytes()) {
		t.Errorf("keys of different modes must differ")
	}
}

func TestFingerprintKeyMissingComponent(t *testing.T) {
	ts := time.UnixMilli(1)
	missingToken := testEvent("A", ts)
	missingToken.Token = ""
	missingDistinctId := testEvent("A", ts)
	missingDistinctId.DistinctId = ""
	tests := []struct {
		mode  Mode
		event Event
	}{
		{ByTimestamp, missingToken},
		{ByTimestamp, missingDistinctId},
		{ByTimestamp, testEvent("A", time.Time{})},
		{ByUuid, testEvent("", ts)},
	}
	for i, test := range tests {
		if _, err := NewFingerprintKey(test.mode, test.event); !errors.Is(err, ErrMissingComponent) {
			t.Errorf("case %d: incorrect error actual: %v, expected: %v", i, err, ErrMissingComponent)
		}
	}
}

func TestParseFingerprintKeyCorrupt(t *testing.T) {
	key, _ := NewFingerprintKey(ByUuid, testEvent("A", time.UnixMilli(1)))
	good := key.Bytes()
	for i, b := range [][]byte{
		nil,
		{keyVersion},
		{99, byte(ByUuid)},
		good[:len(good)-1],
		append(append([]byte{}, good...), 0),
	} {
		if _, err := ParseFingerprintKey(b); !errors.Is(err, ErrCorruptKey) {
			t.Errorf("case %d: incorrect error actual: %v, expected: %v", i, err, ErrCorruptKey)
		}
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("by_uuid"); err != nil || m != ByUuid {
		t.Errorf("incorrect mode actual: %v, expected: %v", m, ByUuid)
	}
	if m, err := ParseMode(""); err != nil || m != ByTimestamp {
		t.Errorf("incorrect mode actual: %v, expected: %v", m, ByTimestamp)
	}
	if _, err := ParseMode("sometimes"); err == nil {
		t.Errorf("expected error for unknown mode")
	}
}
