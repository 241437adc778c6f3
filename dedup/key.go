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
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

type Mode int

const (
	// Duplicates share token, distinct_id, event name and timestamp and differ in uuid.
	ByTimestamp Mode = iota
	// Duplicates share token, distinct_id, event name and uuid and differ in timestamp.
	ByUuid
)

func (m Mode) String() string {
	switch m {
	case ByTimestamp:
		return "by_timestamp"
	case ByUuid:
		return "by_uuid"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "by_timestamp", "timestamp":
		return ByTimestamp, nil
	case "by_uuid", "uuid":
		return ByUuid, nil
	}
	return ByTimestamp, fmt.Errorf("unknown dedup mode %q", s)
}

var (
	ErrMissingComponent = errors.New("fingerprint component missing")
	ErrCorruptKey       = errors.New("corrupt fingerprint key")
)

const keyVersion byte = 1

// FingerprintKey identifies a dedup bucket. Exactly one of TimestampMillis (ByTimestamp) or Uuid (ByUuid) is part of the key.
type FingerprintKey struct {
	Mode            Mode
	Token           string
	DistinctId      string
	EventName       string
	TimestampMillis int64
	Uuid            string
}

// NewFingerprintKey derives the key for e. Every component must be present,
// otherwise the returned error wraps ErrMissingComponent and names the first missing one.
func NewFingerprintKey(mode Mode, e Event) (FingerprintKey, error) {
	k := FingerprintKey{Mode: mode, Token: e.Token, DistinctId: e.DistinctId, EventName: e.Name}
	switch {
	case k.Token == "":
		return k, fmt.Errorf("%w: token", ErrMissingComponent)
	case k.DistinctId == "":
		return k, fmt.Errorf("%w: distinct_id", ErrMissingComponent)
	case k.EventName == "":
		return k, fmt.Errorf("%w: event", ErrMissingComponent)
	}
	switch mode {
	case ByTimestamp:
		if e.Timestamp.IsZero() {
			return k, fmt.Errorf("%w: timestamp", ErrMissingComponent)
		}
		k.TimestampMillis = e.Timestamp.UnixMilli()
	case ByUuid:
		if e.Uuid == "" {
			return k, fmt.Errorf("%w: uuid", ErrMissingComponent)
		}
		k.Uuid = e.Uuid
	default:
		return k, fmt.Errorf("unknown dedup mode %v", mode)
	}
	return k, nil
}

// Bytes is the store key: a version byte, the mode byte, then length prefixed components.
// Keys of one (token, distinct_id, event) sort together.
func (k FingerprintKey) Bytes() []byte {
	b := make([]byte, 0, 2+len(k.Token)+len(k.DistinctId)+len(k.EventName)+len(k.Uuid)+4*binary.MaxVarintLen64)
	b = append(b, keyVersion, byte(k.Mode))
	b = appendString(b, k.Token)
	b = appendString(b, k.DistinctId)
	b = appendString(b, k.EventName)
	if k.Mode == ByUuid {
		return appendString(b, k.Uuid)
	}
	return binary.AppendVarint(b, k.TimestampMillis)
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func (k FingerprintKey) String() string {
	if k.Mode == ByUuid {
		return fmt.Sprintf("%s/%s/%s/uuid:%s", k.Token, k.DistinctId, k.EventName, k.Uuid)
	}
	return fmt.Sprintf("%s/%s/%s/ts:%d", k.Token, k.DistinctId, k.EventName, k.TimestampMillis)
}

// ParseFingerprintKey is the inverse of Bytes.
func ParseFingerprintKey(b []byte) (FingerprintKey, error) {
	var k FingerprintKey
	if len(b) < 2 || b[0] != keyVersion {
		return k, ErrCorruptKey
	}
	k.Mode = Mode(b[1])
	b = b[2:]
	var ok bool
	if k.Token, b, ok = readString(b); !ok {
		return k, ErrCorruptKey
	}
	if k.DistinctId, b, ok = readString(b); !ok {
		return k, ErrCorruptKey
	}
	if k.EventName, b, ok = readString(b); !ok {
		return k, ErrCorruptKey
	}
	switch k.Mode {
	case ByUuid:
		if k.Uuid, b, ok = readString(b); !ok {
			return k, ErrCorruptKey
		}
	case ByTimestamp:
		ts, n := binary.Varint(b)
		if n <= 0 {
			return k, ErrCorruptKey
		}
		k.TimestampMillis = ts
		b = b[n:]
	default:
		return k, ErrCorruptKey
	}
	if len(b) != 0 {
		return k, ErrCorruptKey
	}
	return k, nil
}

func readString(b []byte) (string, []byte, bool) {
	l, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < l {
		return "", nil, false
	}
	return string(b[n : n+int(l)]), b[n+int(l):], true
}
