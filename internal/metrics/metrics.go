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

// Package metrics exports streams.Metric events as prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kss"

// Collectors is registered against a single prometheus.Registerer. Use Handle as the streams.MetricsHandler.
type Collectors struct {
	// operation, topic
	Operations *prometheus.CounterVec
	// operation
	Durations *prometheus.HistogramVec
	// operation
	Bytes *prometheus.CounterVec
	// topic, partition
	CommittedOffset *prometheus.GaugeVec
	// topic, partition
	CheckpointOffset *prometheus.GaugeVec
	OwnedPartitions  prometheus.Gauge
	Leader           prometheus.Gauge
	RelaySessions    prometheus.Counter
}

func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Count of runtime operations, e.g. acks, commits, dedup outcomes and cache hits.",
			},
			[]string{"operation", "topic"},
		),
		Durations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Latency of timed operations such as commits, checkpoints and reconciliations.",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),
		Bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_bytes_total",
				Help:      "Bytes moved by operations that report a size, e.g. checkpoint uploads.",
			},
			[]string{"operation"},
		),
		CommittedOffset: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "committed_offset",
				Help:      "Last committed offset per partition.",
			},
			[]string{"topic", "partition"},
		),
		CheckpointOffset: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "checkpoint_offset",
				Help:      "Source offset of the last durable checkpoint per partition.",
			},
			[]string{"topic", "partition"},
		),
		OwnedPartitions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "owned_partitions",
				Help:      "Partitions currently owned by this process.",
			},
		),
		Leader: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "coordinator_leader",
				Help:      "1 while this process holds coordinator leadership.",
			},
		),
		RelaySessions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_sessions_total",
				Help:      "Worker sessions attached to the command relay.",
			},
		),
	}
}

// Handle records a single metric. Safe for concurrent use, although streams.MetricsEmitter calls it from one goroutine.
func (c *Collectors) Handle(m streams.Metric) {
	switch m.Operation {
	case streams.LeadershipOperation:
		c.Leader.Set(float64(m.Count))
		return
	case streams.PartitionAssignedOperation:
		c.OwnedPartitions.Add(float64(m.Count))
	case streams.PartitionRevokedOperation:
		c.OwnedPartitions.Sub(float64(m.Count))
	case streams.RelaySessionOperation:
		c.RelaySessions.Add(float64(m.Count))
	case streams.CommitOperation:
		c.CommittedOffset.WithLabelValues(m.Topic, partitionLabel(m.Partition)).Set(float64(m.Offset))
	case streams.CheckpointOperation:
		c.CheckpointOffset.WithLabelValues(m.Topic, partitionLabel(m.Partition)).Set(float64(m.Offset))
	}
	count := m.Count
	if count <= 0 {
		count = 1
	}
	c.Operations.WithLabelValues(m.Operation, m.Topic).Add(float64(count))
	if d := m.Duration(); d > 0 {
		c.Durations.WithLabelValues(m.Operation).Observe(d.Seconds())
	}
	if m.Bytes > 0 {
		c.Bytes.WithLabelValues(m.Operation).Add(float64(m.Bytes))
	}
}

// Handler adapts Handle to streams.MetricsHandler.
func (c *Collectors) Handler() streams.MetricsHandler {
	return c.Handle
}

func partitionLabel(p int32) string {
	return strconv.Itoa(int(p))
}
