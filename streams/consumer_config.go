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
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// AssignmentMode selects who decides which partitions a StatefulConsumer owns.
type AssignmentMode int

const (
	// Partitions are assigned by the Kafka group coordinator using the cooperative sticky balancer.
	GroupAssignment AssignmentMode = iota
	// Partitions are assigned by an external coordinator through [StatefulConsumer.Assign] and [StatefulConsumer.Revoke].
	// Offsets are still committed on behalf of GroupId.
	ExternalAssignment
)

func (m AssignmentMode) String() string {
	switch m {
	case GroupAssignment:
		return "group"
	case ExternalAssignment:
		return "external"
	}
	return fmt.Sprintf("AssignmentMode(%d)", int(m))
}

// ParseAssignmentMode accepts "group" or "external".
func ParseAssignmentMode(s string) (AssignmentMode, error) {
	switch s {
	case "group", "":
		return GroupAssignment, nil
	case "external":
		return ExternalAssignment, nil
	}
	return GroupAssignment, fmt.Errorf("unknown assignment mode: %q", s)
}

type ConsumerConfig struct {
	// The consumer group used for offset commits (and membership in GroupAssignment mode).
	GroupId string
	// Topics consumed in GroupAssignment mode. In ExternalAssignment mode, the topics commands may assign.
	Topics []string
	// The Kafka cluster to consume from.
	Cluster Cluster
	Mode    AssignmentMode
	// Upper bound on messages tracked but not yet acked or nacked, across all partitions.
	MaxInFlight int64
	// How long to wait for an in-flight permit before the partition is restarted. Surfaces processor deadlocks.
	PermitTimeout time.Duration
	// How often safe offsets are committed.
	CommitInterval time.Duration
	// Max time a single poll may block.
	PollTimeout time.Duration
	// Buffered records per partition worker.
	PartitionBuffer int
	// How often DeleteOrphans runs. Zero disables orphan cleanup.
	OrphanCleanupInterval time.Duration
	// Bound on drain and final commit when Run returns.
	ShutdownTimeout time.Duration
	// Parallelism for store initialization and teardown during a rebalance.
	RebalanceParallelism int
	// Applied when a Processor returns an error. Defaults to DefaultProcessorErrorHandler.
	ErrorHandler ProcessorErrorHandler
	// Additional kgo options for the consumer client.
	ClientOptions []kgo.Opt
}

const (
	DefaultMaxInFlight           = 10000
	DefaultPermitTimeout         = 30 * time.Second
	DefaultCommitInterval        = 5 * time.Second
	DefaultPollTimeout           = 10 * time.Second
	DefaultPartitionBuffer       = 256
	DefaultOrphanCleanupInterval = time.Minute
	DefaultShutdownTimeout       = 30 * time.Second
)

// withDefaults fills zero values. Orphan cleanup stays disabled only if set negative.
func (cfg ConsumerConfig) withDefaults() ConsumerConfig {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.PermitTimeout <= 0 {
		cfg.PermitTimeout = DefaultPermitTimeout
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = DefaultCommitInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.PartitionBuffer <= 0 {
		cfg.PartitionBuffer = DefaultPartitionBuffer
	}
	if cfg.OrphanCleanupInterval == 0 {
		cfg.OrphanCleanupInterval = DefaultOrphanCleanupInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.RebalanceParallelism <= 0 {
		cfg.RebalanceParallelism = DefaultCleanupParallelism
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = DefaultProcessorErrorHandler
	}
	return cfg
}

func (cfg ConsumerConfig) validate() error {
	if cfg.GroupId == "" {
		return errors.New("ConsumerConfig.GroupId is required")
	}
	if len(cfg.Topics) == 0 {
		return errors.New("ConsumerConfig.Topics is required")
	}
	if cfg.PermitTimeout < time.Millisecond {
		return errors.New("ConsumerConfig.PermitTimeout is less than 1ms")
	}
	return nil
}
