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
Package assign owns partition placement across workers.

All state lives in a ConsensusStore under a single key prefix:

	{prefix}config/topics/{topic}             TopicConfig
	{prefix}workers/{name}                    RegisteredWorker (lease backed)
	{prefix}assignments/{topic}/{partition}   Assignment
	{prefix}handoffs/{topic}/{partition}      HandoffState
	{prefix}leader                            Coordinator leadership (lease backed)

A single Coordinator, elected through the leader key, computes placements with StickyBalanced and
records them. Moving a partition between two live workers goes through a HandoffState
(Warming -> Ready -> Complete) so the new owner can load state before it takes over.
Every write is a compare-and-swap on the revision of the read that motivated it.
*/
package assign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/aws/go-kafka-stateful-streams/streams/codec"
	"github.com/aws/go-kafka-stateful-streams/streams/sak"
)

type TopicConfig struct {
	Topic          string `json:"topic" yaml:"topic"`
	PartitionCount int32  `json:"partition_count" yaml:"partition_count"`
}

func (tc TopicConfig) validate() error {
	if tc.Topic == "" || strings.Contains(tc.Topic, "/") {
		return fmt.Errorf("invalid topic name %q", tc.Topic)
	}
	if tc.PartitionCount <= 0 {
		return fmt.Errorf("invalid partition count %d for topic %s", tc.PartitionCount, tc.Topic)
	}
	return nil
}

type WorkerStatus string

const (
	WorkerReady WorkerStatus = "Ready"
	// Still alive but not eligible for new partitions.
	WorkerDraining WorkerStatus = "Draining"
)

type RegisteredWorker struct {
	Name         string       `json:"name"`
	Status       WorkerStatus `json:"status"`
	RegisteredAt time.Time    `json:"registered_at"`
}

type AssignmentStatus string

const AssignmentActive AssignmentStatus = "Active"

type Assignment struct {
	Topic     string           `json:"topic"`
	Partition int32            `json:"partition"`
	Owner     string           `json:"owner"`
	Status    AssignmentStatus `json:"status"`
}

func (a Assignment) TopicPartition() streams.TopicPartition {
	return streams.NewTopicPartition(a.Topic, a.Partition)
}

type HandoffPhase string

const (
	HandoffWarming  HandoffPhase = "Warming"
	HandoffReady    HandoffPhase = "Ready"
	HandoffComplete HandoffPhase = "Complete"
)

type HandoffState struct {
	Topic     string       `json:"topic"`
	Partition int32        `json:"partition"`
	OldOwner  string       `json:"old_owner"`
	NewOwner  string       `json:"new_owner"`
	Phase     HandoffPhase `json:"phase"`
	StartedAt time.Time    `json:"started_at"`
}

func (h HandoffState) TopicPartition() streams.TopicPartition {
	return streams.NewTopicPartition(h.Topic, h.Partition)
}

// Touches reports whether worker is on either side of the handoff.
func (h HandoffState) Touches(worker string) bool {
	return h.OldOwner == worker || h.NewOwner == worker
}

// Versioned pairs a decoded value with the ModRevision it was read at.
type Versioned[T any] struct {
	Value    T
	Revision int64
}

// Keys renders the key layout under Prefix.
type Keys struct {
	Prefix string
}

// NewKeys returns the layout for prefix. A non-empty prefix always ends in "/".
func NewKeys(prefix string) Keys {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return Keys{Prefix: prefix}
}

func (k Keys) TopicConfigs() string {
	return k.Prefix + "config/topics/"
}

func (k Keys) TopicConfig(topic string) string {
	return k.TopicConfigs() + topic
}

func (k Keys) Workers() string {
	return k.Prefix + "workers/"
}

func (k Keys) Worker(name string) string {
	return k.Workers() + name
}

func (k Keys) Assignments() string {
	return k.Prefix + "assignments/"
}

func (k Keys) TopicAssignments(topic string) string {
	return k.Assignments() + topic + "/"
}

func (k Keys) Assignment(tp streams.TopicPartition) string {
	return k.TopicAssignments(tp.Topic) + strconv.Itoa(int(tp.Partition))
}

func (k Keys) Handoffs() string {
	return k.Prefix + "handoffs/"
}

func (k Keys) Handoff(tp streams.TopicPartition) string {
	return k.Handoffs() + tp.Topic + "/" + strconv.Itoa(int(tp.Partition))
}

func (k Keys) Leader() string {
	return k.Prefix + "leader"
}

func decodeValue[T any](kv KeyValue) (T, error) {
	v, err := codec.UnmarshalJson[T](kv.Value)
	if err != nil {
		return v, streams.NewError(streams.CorruptState, "decode "+kv.Key, err)
	}
	return v, nil
}

func encodeValue[T any](v T) []byte {
	// every persisted type is a plain struct, encoding cannot fail
	return sak.Must(codec.MarshalJson(v))
}

// State is a consistent read of everything under a prefix.
type State struct {
	Revision    int64
	Topics      map[string]Versioned[TopicConfig]
	Workers     map[string]Versioned[RegisteredWorker]
	Assignments map[streams.TopicPartition]Versioned[Assignment]
	Handoffs    map[streams.TopicPartition]Versioned[HandoffState]
}

// LoadState reads the whole prefix in one range read. Undecodable records are logged and skipped.
func LoadState(ctx context.Context, store ConsensusStore, keys Keys) (*State, error) {
	kvs, rev, err := store.List(ctx, keys.Prefix)
	if err != nil {
		return nil, err
	}
	s := &State{
		Revision:    rev,
		Topics:      make(map[string]Versioned[TopicConfig]),
		Workers:     make(map[string]Versioned[RegisteredWorker]),
		Assignments: make(map[streams.TopicPartition]Versioned[Assignment]),
		Handoffs:    make(map[streams.TopicPartition]Versioned[HandoffState]),
	}
	for _, kv := range kvs {
		if err := s.add(keys, kv); err != nil {
			streams.Log().Warnf("skipping %s: %v", kv.Key, err)
		}
	}
	return s, nil
}

func (s *State) add(keys Keys, kv KeyValue) error {
	switch {
	case strings.HasPrefix(kv.Key, keys.TopicConfigs()):
		tc, err := decodeValue[TopicConfig](kv)
		if err == nil {
			s.Topics[tc.Topic] = Versioned[TopicConfig]{tc, kv.ModRevision}
		}
		return err
	case strings.HasPrefix(kv.Key, keys.Workers()):
		w, err := decodeValue[RegisteredWorker](kv)
		if err == nil {
			s.Workers[w.Name] = Versioned[RegisteredWorker]{w, kv.ModRevision}
		}
		return err
	case strings.HasPrefix(kv.Key, keys.Assignments()):
		a, err := decodeValue[Assignment](kv)
		if err == nil {
			s.Assignments[a.TopicPartition()] = Versioned[Assignment]{a, kv.ModRevision}
		}
		return err
	case strings.HasPrefix(kv.Key, keys.Handoffs()):
		h, err := decodeValue[HandoffState](kv)
		if err == nil {
			s.Handoffs[h.TopicPartition()] = Versioned[HandoffState]{h, kv.ModRevision}
		}
		return err
	}
	return nil
}

// Alive reports whether worker holds a registration.
func (s *State) Alive(worker string) bool {
	_, ok := s.Workers[worker]
	return ok
}

// Eligible reports whether worker may receive partitions.
func (s *State) Eligible(worker string) bool {
	w, ok := s.Workers[worker]
	return ok && w.Value.Status == WorkerReady
}

// EligibleWorkers returns the names of Ready workers, sorted.
func (s *State) EligibleWorkers() []string {
	names := make([]string, 0, len(s.Workers))
	for name, w := range s.Workers {
		if w.Value.Status == WorkerReady {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Owned returns the partitions assigned to worker.
func (s *State) Owned(worker string) []streams.TopicPartition {
	set := streams.NewTopicPartitionSet()
	for tp, a := range s.Assignments {
		if a.Value.Owner == worker {
			set.Insert(tp)
		}
	}
	return set.Items()
}

// HandoffsOf returns every handoff worker is part of, ordered by partition.
func (s *State) HandoffsOf(worker string) []HandoffState {
	set := streams.NewTopicPartitionSet()
	for tp, h := range s.Handoffs {
		if h.Value.Touches(worker) {
			set.Insert(tp)
		}
	}
	handoffs := make([]HandoffState, 0)
	for _, tp := range set.Items() {
		handoffs = append(handoffs, s.Handoffs[tp].Value)
	}
	return handoffs
}

// ApplyTopicConfigs writes topic configs. Shrinking a topic is rejected.
func ApplyTopicConfigs(ctx context.Context, store ConsensusStore, keys Keys, configs ...TopicConfig) error {
	for _, tc := range configs {
		if err := tc.validate(); err != nil {
			return err
		}
		key := keys.TopicConfig(tc.Topic)
		var rev int64
		existing, err := store.Get(ctx, key)
		switch {
		case err == nil:
			prev, derr := decodeValue[TopicConfig](existing)
			if derr == nil && prev.PartitionCount > tc.PartitionCount {
				return fmt.Errorf("topic %s: partition count cannot shrink from %d to %d", tc.Topic, prev.PartitionCount, tc.PartitionCount)
			}
			rev = existing.ModRevision
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if _, err = store.Txn(ctx, []Compare{{Key: key, ModRevision: rev}}, []Op{PutOp(key, encodeValue(tc), NoLease)}); err != nil {
			return fmt.Errorf("topic %s: %w", tc.Topic, err)
		}
	}
	return nil
}

// DeleteTopicConfig removes a topic. The Coordinator deletes its assignments and handoffs on the next tick.
func DeleteTopicConfig(ctx context.Context, store ConsensusStore, keys Keys, topic string) error {
	return store.Delete(ctx, keys.TopicConfig(topic))
}
