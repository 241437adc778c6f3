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
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams/sak"
	"github.com/google/btree"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicPartition is the unit of assignment and state ownership. Identity is (Topic, Partition).
type TopicPartition struct {
	Partition int32  `json:"partition"`
	Topic     string `json:"topic"`
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

// Less orders by topic, then partition.
func (tp TopicPartition) Less(other TopicPartition) bool {
	return topicPartitionLess(tp, other)
}

// ntp == 'New Topic Partition'. Essentially a macro for TopicPartition{Parition: p, Topic: t} which is quite verbose
func ntp(p int32, t string) TopicPartition {
	return TopicPartition{Partition: p, Topic: t}
}

// NewTopicPartition is the exported form of ntp for packages outside of streams.
func NewTopicPartition(topic string, partition int32) TopicPartition {
	return ntp(partition, topic)
}

var tpSetFreeList = btree.NewFreeListG[TopicPartition](128)

// A convenience data structure. It is what the name implies, a Set of TopicPartitions.
// This data structure is not thread-safe. You will need to providde your own locking mechanism.
type TopicPartitionSet struct {
	*btree.BTreeG[TopicPartition]
}

// Comparator for TopicPartitions. Orders by topic first so a set iterates one topic at a time.
func topicPartitionLess(a, b TopicPartition) bool {
	if a.Topic != b.Topic {
		return a.Topic < b.Topic
	}
	return a.Partition < b.Partition
}

// Returns a new, empty TopicPartitionSet.
func NewTopicPartitionSet(tps ...TopicPartition) TopicPartitionSet {
	set := TopicPartitionSet{btree.NewWithFreeListG(16, topicPartitionLess, tpSetFreeList)}
	for _, tp := range tps {
		set.Insert(tp)
	}
	return set
}

// Insert the TopicPartition. Returns true if the item was inserted, false if the item was aready present
func (tps TopicPartitionSet) Insert(tp TopicPartition) bool {
	_, ok := tps.ReplaceOrInsert(tp)
	return !ok
}

// Returns true if the tp is currently a member of TopicPartitionSet
func (tps TopicPartitionSet) Contains(tp TopicPartition) bool {
	_, ok := tps.Get(tp)
	return ok
}

// Removes tp from the TopicPartitionSet. Returns true if the item was present.
func (tps TopicPartitionSet) Remove(tp TopicPartition) bool {
	_, ok := tps.Delete(tp)
	return ok
}

// Converts the set to a newly allocate slice of TopicPartitions.
func (tps TopicPartitionSet) Items() []TopicPartition {
	slice := make([]TopicPartition, 0, tps.Len())
	tps.Ascend(func(tp TopicPartition) bool {
		slice = append(slice, tp)
		return true
	})
	return slice
}

// ByTopic groups the set the way kgo expects partition maps.
func (tps TopicPartitionSet) ByTopic() map[string][]int32 {
	m := make(map[string][]int32)
	tps.Ascend(func(tp TopicPartition) bool {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
		return true
	})
	return m
}

// An interface for implementing a resusable Kafka client configuration.
type Cluster interface {
	// Returns the list of kgo.Opt(s) that will be used whenever a connection is made to this cluster.
	// At minimum, it should return the kgo.SeedBrokers() option.
	Config() ([]kgo.Opt, error)
}

// A [Cluster] implementation useful for local development/testing. Establishes a plain text connection to a Kafka cluster.
// For a more advanced example, see [github.com/aws/go-kafka-stateful-streams/msk].
//
//	cluster := streams.SimpleCluster([]string{"127.0.0.1:9092"})
type SimpleCluster []string

// Returns []kgo.Opt{kgo.SeedBrokers(sc...)}
func (sc SimpleCluster) Config() ([]kgo.Opt, error) {
	return []kgo.Opt{kgo.SeedBrokers(sc...)}, nil
}

// NewClient creates a kgo.Client from the options retuned from the provided [Cluster] and addtional `options`.
// Used internally and exposed for convenience.
func NewClient(cluster Cluster, options ...kgo.Opt) (*kgo.Client, error) {
	configOptions := []kgo.Opt{kgo.WithLogger(kgoLogger), kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression())}
	clusterOpts, err := cluster.Config()
	if err != nil {
		return nil, err
	}
	configOptions = append(configOptions, clusterOpts...)
	configOptions = append(configOptions, options...)
	return kgo.NewClient(configOptions...)
}

// TopicSpec describes a topic for EnsureTopics.
type TopicSpec struct {
	Name              string
	NumPartitions     int32
	ReplicationFactor int16
	MinInSync         int
	Compacted         bool
}

// Creates all `topics` which do not already exist. TOPIC_ALREADY_EXISTS errors are ignored.
// Network errors are retried for up to 15 seconds, which is useful when a broker is still starting.
// Intended for local development and tests; deployed topics are usually managed elsewhere.
func EnsureTopics(ctx context.Context, cluster Cluster, topics ...TopicSpec) error {
	client, err := NewClient(cluster, kgo.RequestRetries(20), kgo.RetryTimeout(30*time.Second))
	if err != nil {
		return err
	}
	defer client.Close()
	admin := kadm.NewClient(client)
	for _, topic := range topics {
		for retryCount := 0; retryCount < 15; retryCount++ {
			err = createTopic(ctx, admin, topic)
			if !isNetworkError(err) {
				break
			}
			if !sak.SleepContext(ctx, time.Second) {
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func createTopic(ctx context.Context, admin *kadm.Client, topic TopicSpec) error {
	config := map[string]*string{}
	if topic.MinInSync > 0 {
		config["min.insync.replicas"] = sak.Ptr(fmt.Sprintf("%d", topic.MinInSync))
	}
	if topic.Compacted {
		config["cleanup.policy"] = sak.Ptr("compact")
	}
	replicationFactor := topic.ReplicationFactor
	if replicationFactor == 0 {
		replicationFactor = -1
	}
	res, err := admin.CreateTopics(ctx, topic.NumPartitions, replicationFactor, config, topic.Name)
	if err != nil {
		return err
	}
	for _, r := range res {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return r.Err
		}
		log.Infof("ensured topic: %s, partitions: %d", r.Topic, topic.NumPartitions)
	}
	return nil
}

// PartitionCount returns the number of partitions of `topic` as reported by the cluster metadata.
func PartitionCount(ctx context.Context, client *kgo.Client, topic string) (int32, error) {
	admin := kadm.NewClient(client)
	res, err := admin.ListTopics(ctx, topic)
	if err != nil {
		return 0, err
	}
	detail, ok := res[topic]
	if !ok || detail.Err != nil {
		return 0, fmt.Errorf("topic %s does not exist", topic)
	}
	return int32(len(detail.Partitions.Numbers())), nil
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var opError *net.OpError
	if errors.As(err, &opError) {
		log.Warnf("network error for operation: %s, error: %v", opError.Op, opError)
		return true
	}
	return false
}

func toTopicPartitions(topic string, partitions ...int32) []TopicPartition {
	tps := make([]TopicPartition, len(partitions))
	for i, p := range partitions {
		tps[i] = ntp(p, topic)
	}
	return tps
}
