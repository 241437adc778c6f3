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
Package streams is a stateful Kafka consumer runtime. Each owned (topic, partition) gets a local key-value store
that is checkpointed to object storage, so a partition can move between hosts without replaying its input.

# What it is

A [StatefulConsumer] consumes a set of partitions and hands every record to a [Processor] together with the
[PartitionStore] for its partition. Records may complete out of order; the [InFlightTracker] only ever lets the
committed offset advance past a contiguous run of completed records, and bounds how many records can be
in flight at once. Processors produce output through [Message.Emit], which is buffered by an [OutputProducer].

Partitions are assigned in one of two modes. In [GroupAssignment] mode the consumer joins a Kafka consumer group and
franz-go drives assignment with the cooperative-sticky balancer. In [ExternalAssignment] mode an external coordinator
decides ownership (see [github.com/aws/go-kafka-stateful-streams/assign]) and calls [StatefulConsumer.Assign] and
[StatefulConsumer.Revoke]; offsets are still committed on behalf of the consumer group.

# Partition stores

[PartitionStoreManager] owns the store directories under StoreManagerConfig.RootPath, laid out as
{topic}/{partition}/{version}. A store is created fresh for every assignment and restored from the newest
checkpoint, if there is one. Stores are Badger databases by default; [MemoryStoreFactory] is available for state that
does not need to survive a restart. Reads go through a [github.com/aws/go-kafka-stateful-streams/streams/stores.HotKeyCache]
that remembers recently seen keys.

# Checkpoints

The [Checkpointer] periodically snapshots every owned store, uploads it to an [github.com/aws/go-kafka-stateful-streams/streams/objstore.ObjectStore]
and writes a [CheckpointDescriptor] next to it. When checkpointing is enabled the committed offset never runs ahead of
the newest durable checkpoint, so a restore followed by a replay from the committed offset never skips a record.

# Rebalances

Commits, checkpoints and store deletion all take the [RebalanceCoordinator]. Revoking a partition waits for its
in-flight records, commits, checkpoints and only then removes the local store.

# Error handling

Errors carry an [ErrorKind]; use [KindOf] to classify them. Processor errors are routed through the
ConsumerConfig.ErrorHandler, whose [ErrorResponse] decides whether to continue, restart the partition from its
last safe offset, stop the consumer or exit the process.
*/
package streams
