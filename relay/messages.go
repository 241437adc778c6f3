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
Package relay streams assignment commands from the assigner to workers over gRPC.

Each worker holds one Subscribe stream. On (re)connect the server first sends a snapshot
(every partition assigned to the worker plus the live handoffs touching it) and then deltas
derived from the consensus store watch. Delivery is at-least-once; every command is idempotent,
so a worker that reconnects simply converges to the new snapshot.
*/
package relay

import (
	"fmt"

	"github.com/aws/go-kafka-stateful-streams/assign"
	"github.com/aws/go-kafka-stateful-streams/streams"
)

type CommandType string

const (
	// The worker should start consuming Added and stop consuming Removed.
	CommandAssignment CommandType = "assignment"
	// The worker is the new owner of Handoff and should pre-load state, then report ready.
	CommandWarmUp CommandType = "warm_up"
	// The worker is the old owner of a completed Handoff and should release its local resources.
	CommandRelease CommandType = "release"
)

type Command struct {
	Type CommandType `json:"type"`
	// Increases by one for every command sent on a stream. Starts again at 1 on every new stream.
	Sequence uint64 `json:"sequence"`
	// Consensus store revision the command was derived from.
	Revision int64 `json:"revision"`
	// Set on the first assignment command of a stream. Added then holds the complete assignment,
	// and the worker should release anything it owns that is not listed.
	Snapshot bool                     `json:"snapshot,omitempty"`
	Added    []streams.TopicPartition `json:"added,omitempty"`
	Removed  []streams.TopicPartition `json:"removed,omitempty"`
	Handoff  *assign.HandoffState     `json:"handoff,omitempty"`
}

func (c *Command) String() string {
	switch c.Type {
	case CommandAssignment:
		return fmt.Sprintf("%s#%d(snapshot: %v, added: %v, removed: %v)", c.Type, c.Sequence, c.Snapshot, c.Added, c.Removed)
	case CommandWarmUp, CommandRelease:
		if c.Handoff != nil {
			return fmt.Sprintf("%s#%d(%v %s->%s)", c.Type, c.Sequence, c.Handoff.TopicPartition(), c.Handoff.OldOwner, c.Handoff.NewOwner)
		}
	}
	return fmt.Sprintf("%s#%d", c.Type, c.Sequence)
}

// SubscribeRequest is sent by the worker. The first message on a stream names the worker,
// every following one acknowledges the command with AckSequence.
type SubscribeRequest struct {
	Worker      string `json:"worker"`
	AckSequence uint64 `json:"ack_sequence,omitempty"`
}

type ReadyRequest struct {
	Worker    string `json:"worker"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

func (r *ReadyRequest) TopicPartition() streams.TopicPartition {
	return streams.NewTopicPartition(r.Topic, r.Partition)
}

type ReadyResponse struct {
	Phase assign.HandoffPhase `json:"phase"`
}
