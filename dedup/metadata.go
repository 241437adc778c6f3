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

	"github.com/aws/go-kafka-stateful-streams/streams/codec"
	jsoniter "github.com/json-iterator/go"
)

var ErrCorruptMetadata = errors.New("corrupt dedup metadata")

const (
	DefaultMaxSeen          = 100
	DefaultMaxMetadataBytes = 64 << 10
)

type Limits struct {
	// Cap on SeenUuids / SeenTimestamps, original included.
	MaxSeen int
	// Cap on the encoded size of a Metadata record. The seen set is shrunk to fit;
	// the original event is always retained.
	MaxBytes int
}

func (l Limits) withDefaults() Limits {
	if l.MaxSeen <= 0 {
		l.MaxSeen = DefaultMaxSeen
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxMetadataBytes
	}
	return l
}

// Metadata is the stored value for a FingerprintKey.
type Metadata struct {
	OriginalEvent     jsoniter.RawMessage `json:"original_event"`
	OriginalUuid      string              `json:"original_uuid,omitempty"`
	OriginalTimestamp int64               `json:"original_timestamp,omitempty"`
	// ByTimestamp mode
	SeenUuids []string `json:"seen_uuids,omitempty"`
	// ByUuid mode, epoch millis
	SeenTimestamps []int64 `json:"seen_timestamps,omitempty"`
	DuplicateCount int     `json:"duplicate_count"`
	MinTimestamp   int64   `json:"min_timestamp"`
	MaxTimestamp   int64   `json:"max_timestamp"`
	// set once the seen set stopped recording new values
	Truncated bool `json:"truncated,omitempty"`
	// source offsets of the original and of the latest event folded into this record, -1 if unknown
	OriginalOffset int64 `json:"original_offset"`
	LastOffset     int64 `json:"last_offset"`
}

type Outcome int

const (
	Unique Outcome = iota
	Duplicate
	// the stored original delivered again
	ReplayOfOriginal
	// a duplicate that was already merged delivered again
	ReplayOfDuplicate
)

func (o Outcome) String() string {
	switch o {
	case Unique:
		return "unique"
	case Duplicate:
		return "duplicate"
	case ReplayOfOriginal:
		return "replay_of_original"
	case ReplayOfDuplicate:
		return "replay_of_duplicate"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

func timestampMillis(e Event) int64 {
	if e.Timestamp.IsZero() {
		return 0
	}
	return e.Timestamp.UnixMilli()
}

// NewMetadata seeds metadata from the first event seen for a key, read at `offset` of the source partition.
// Pass -1 if the offset is unknown.
func NewMetadata(mode Mode, e Event, offset int64) *Metadata {
	ts := timestampMillis(e)
	raw := e.Raw
	if len(raw) == 0 {
		raw = []byte("null")
	}
	m := &Metadata{
		OriginalEvent:     jsoniter.RawMessage(raw),
		OriginalUuid:      e.Uuid,
		OriginalTimestamp: ts,
		MinTimestamp:      ts,
		MaxTimestamp:      ts,
		OriginalOffset:    sourceOffset(offset),
		LastOffset:        sourceOffset(offset),
	}
	switch mode {
	case ByTimestamp:
		if e.Uuid != "" {
			m.SeenUuids = []string{e.Uuid}
		}
	case ByUuid:
		if ts != 0 {
			m.SeenTimestamps = []int64{ts}
		}
	}
	return m
}

func sourceOffset(offset int64) int64 {
	if offset < 0 {
		return -1
	}
	return offset
}

// Merge folds e, read at `offset` of the source partition, into m. Replays of events already recorded leave m untouched.
// A source partition is read in order, so an offset at or below LastOffset is a redelivery even when
// the seen set no longer holds its uuid or timestamp.
func (m *Metadata) Merge(mode Mode, e Event, offset int64, limits Limits) Outcome {
	limits = limits.withDefaults()
	ts := timestampMillis(e)
	if outcome, replay := m.replayed(mode, e, ts); replay {
		return outcome
	}
	if offset >= 0 && offset <= m.LastOffset {
		if offset == m.OriginalOffset {
			return ReplayOfOriginal
		}
		return ReplayOfDuplicate
	}
	switch mode {
	case ByTimestamp:
		if e.Uuid != "" {
			if len(m.SeenUuids) < limits.MaxSeen {
				m.SeenUuids = append(m.SeenUuids, e.Uuid)
			} else {
				m.Truncated = true
			}
		}
	case ByUuid:
		if ts != 0 {
			if len(m.SeenTimestamps) < limits.MaxSeen {
				m.SeenTimestamps = append(m.SeenTimestamps, ts)
			} else {
				m.Truncated = true
			}
		}
	}
	m.DuplicateCount++
	if offset > m.LastOffset {
		m.LastOffset = offset
	}
	if ts != 0 {
		if m.MinTimestamp == 0 || ts < m.MinTimestamp {
			m.MinTimestamp = ts
		}
		if ts > m.MaxTimestamp {
			m.MaxTimestamp = ts
		}
	}
	return Duplicate
}

// replayed matches e against the original and the seen set.
func (m *Metadata) replayed(mode Mode, e Event, ts int64) (Outcome, bool) {
	switch mode {
	case ByTimestamp:
		if e.Uuid == "" {
			return Duplicate, false
		}
		if e.Uuid == m.OriginalUuid {
			return ReplayOfOriginal, true
		}
		for _, seen := range m.SeenUuids {
			if seen == e.Uuid {
				return ReplayOfDuplicate, true
			}
		}
	case ByUuid:
		if ts == 0 {
			return Duplicate, false
		}
		if ts == m.OriginalTimestamp {
			return ReplayOfOriginal, true
		}
		for _, seen := range m.SeenTimestamps {
			if seen == ts {
				return ReplayOfDuplicate, true
			}
		}
	}
	return Duplicate, false
}

// Encode serializes m within limits.MaxBytes, halving the seen set (original first, so it is kept)
// until it fits. Returns true if anything was dropped to fit.
func (m *Metadata) Encode(limits Limits) ([]byte, bool, error) {
	limits = limits.withDefaults()
	b, err := codec.MarshalJson(m)
	if err != nil {
		return nil, false, err
	}
	shrunk := false
	for len(b) > limits.MaxBytes && (len(m.SeenUuids) > 1 || len(m.SeenTimestamps) > 1) {
		if n := len(m.SeenUuids); n > 1 {
			m.SeenUuids = m.SeenUuids[:(n+1)/2]
		}
		if n := len(m.SeenTimestamps); n > 1 {
			m.SeenTimestamps = m.SeenTimestamps[:(n+1)/2]
		}
		m.Truncated = true
		shrunk = true
		if b, err = codec.MarshalJson(m); err != nil {
			return nil, shrunk, err
		}
	}
	return b, shrunk, nil
}

func DecodeMetadata(b []byte) (*Metadata, error) {
	m, err := codec.UnmarshalJson[*Metadata](b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	if m == nil {
		return nil, ErrCorruptMetadata
	}
	return m, nil
}
