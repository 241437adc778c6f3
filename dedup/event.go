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

/*
Package dedup implements per-key event deduplication on top of the stateful streaming runtime.

Each event is reduced to a FingerprintKey. The first event seen for a key is stored as the original
in the partition store and emitted downstream; later events with the same key are merged into the
stored Metadata and optionally produced to a duplicates topic.
*/
package dedup

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams/codec"
	jsoniter "github.com/json-iterator/go"
)

var ErrMalformedEvent = errors.New("malformed event")

// Event is the normalized form of an ingested event. SDKs disagree on field names and types;
// ParseEvent folds them into this one shape.
type Event struct {
	Uuid       string
	DistinctId string
	Token      string
	Name       string
	Timestamp  time.Time
	// the payload as received
	Raw []byte
}

// the union of the shapes SDKs send
type wireEvent struct {
	Uuid       string                         `json:"uuid"`
	DistinctId jsoniter.RawMessage            `json:"distinct_id"`
	Token      string                         `json:"token"`
	ApiKey     string                         `json:"api_key"`
	Event      string                         `json:"event"`
	Timestamp  jsoniter.RawMessage            `json:"timestamp"`
	SentAt     jsoniter.RawMessage            `json:"sent_at"`
	Properties map[string]jsoniter.RawMessage `json:"properties"`
}

// ParseEvent decodes and normalizes a raw event. Only undecodable input is an error;
// missing fields are left empty and are dealt with by NewFingerprintKey.
func ParseEvent(raw []byte) (Event, error) {
	w, err := codec.UnmarshalJson[wireEvent](raw)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	e := Event{
		Uuid:  strings.TrimSpace(w.Uuid),
		Token: firstNonEmpty(w.Token, w.ApiKey, stringProperty(w.Properties, "token")),
		Name:  strings.TrimSpace(w.Event),
		Raw:   raw,
	}
	if e.DistinctId, err = scalarString(w.DistinctId); err != nil {
		return Event{}, fmt.Errorf("%w: distinct_id: %v", ErrMalformedEvent, err)
	}
	if e.DistinctId == "" {
		e.DistinctId = stringProperty(w.Properties, "distinct_id")
	}
	for _, ts := range []jsoniter.RawMessage{w.Timestamp, w.SentAt, w.Properties["$time"]} {
		if len(ts) == 0 {
			continue
		}
		if e.Timestamp, err = parseTimestamp(ts); err != nil {
			return Event{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedEvent, err)
		}
		break
	}
	return e, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func stringProperty(props map[string]jsoniter.RawMessage, name string) string {
	s, _ := scalarString(props[name])
	return s
}

// scalarString accepts a JSON string or number. null and absent values are empty.
// Numbers keep their literal form so large ids do not lose precision.
func scalarString(raw jsoniter.RawMessage) (string, error) {
	s := strings.TrimSpace(string(raw))
	switch {
	case s == "" || s == "null":
		return "", nil
	case s[0] == '"':
		var v string
		if err := codec.Json.Unmarshal(raw, &v); err != nil {
			return "", err
		}
		return strings.TrimSpace(v), nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return "", fmt.Errorf("unsupported value %s", s)
	}
	return s, nil
}

// parseTimestamp accepts RFC 3339 strings, and numbers as epoch milliseconds (or seconds when too small to be millis).
func parseTimestamp(raw jsoniter.RawMessage) (time.Time, error) {
	if string(raw) == "null" {
		return time.Time{}, nil
	}
	var v any
	if err := codec.Json.Unmarshal(raw, &v); err != nil {
		return time.Time{}, err
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, err
		}
		return ts.UTC(), nil
	case float64:
		if t < 1e11 {
			return time.UnixMilli(int64(t * 1000)).UTC(), nil
		}
		return time.UnixMilli(int64(t)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported type %T", v)
}
