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

// Package config loads process configuration for the cmd binaries from an optional YAML file and KSS_ prefixed
// environment variables, and converts it into the library configs of the streams, dedup, assign and relay packages.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/go-kafka-stateful-streams/assign"
	"github.com/aws/go-kafka-stateful-streams/dedup"
	"github.com/aws/go-kafka-stateful-streams/msk"
	"github.com/aws/go-kafka-stateful-streams/relay"
	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/aws/go-kafka-stateful-streams/streams/objstore"
	"github.com/aws/go-kafka-stateful-streams/streams/stores"
	"github.com/spf13/viper"
)

const EnvPrefix = "kss"

// ErrInvalid wraps every validation failure. The cmd binaries exit with status 2 when they see it.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// Kafka
	Brokers        []string `mapstructure:"brokers"`
	MskClusterName string   `mapstructure:"msk_cluster_name"`
	MskAuth        string   `mapstructure:"msk_auth"`
	AwsRegion      string   `mapstructure:"aws_region"`

	// Consumer runtime
	ConsumerGroup               string        `mapstructure:"consumer_group"`
	Topics                      []string      `mapstructure:"topics"`
	PartitionCountPerTopic      int           `mapstructure:"partition_count_per_topic"`
	AssignmentMode              string        `mapstructure:"assignment_mode"`
	MaxInFlightMessages         int64         `mapstructure:"max_in_flight_messages"`
	PermitTimeout               time.Duration `mapstructure:"permit_timeout"`
	CommitInterval              time.Duration `mapstructure:"commit_interval"`
	PollTimeout                 time.Duration `mapstructure:"poll_timeout"`
	RebalanceCleanupParallelism int           `mapstructure:"rebalance_cleanup_parallelism"`

	// Stores and checkpoints
	StoreRootPath       string        `mapstructure:"store_root_path"`
	StoreBackend        string        `mapstructure:"store_backend"`
	HotCacheMaxWeight   int64         `mapstructure:"hot_cache_max_weight"`
	HotCacheTTL         time.Duration `mapstructure:"hot_cache_ttl"`
	CheckpointInterval  time.Duration `mapstructure:"checkpoint_interval"`
	CheckpointBucket    string        `mapstructure:"checkpoint_bucket"`
	CheckpointPrefix    string        `mapstructure:"checkpoint_prefix"`
	CheckpointEndpoint  string        `mapstructure:"checkpoint_endpoint"`
	CheckpointRetention int           `mapstructure:"checkpoint_retention"`
	IOTimeout           time.Duration `mapstructure:"io_timeout"`

	// Pipeline
	Pipeline              string `mapstructure:"pipeline"`
	DedupMode             string `mapstructure:"dedup_mode"`
	DedupMaxSeen          int    `mapstructure:"dedup_max_seen"`
	DedupMaxMetadataBytes int    `mapstructure:"dedup_max_metadata_bytes"`
	OutputTopic           string `mapstructure:"output_topic"`
	DuplicatesTopic       string `mapstructure:"duplicates_topic"`
	DeadLetterTopic       string `mapstructure:"dead_letter_topic"`
	DescriptorTopic       string `mapstructure:"descriptor_topic"`

	// Assignment
	EtcdEndpoints           []string      `mapstructure:"etcd_endpoints"`
	EtcdPrefix              string        `mapstructure:"etcd_prefix"`
	EtcdUsername            string        `mapstructure:"etcd_username"`
	EtcdPassword            string        `mapstructure:"etcd_password"`
	CoordinatorTickInterval time.Duration `mapstructure:"coordinator_tick_interval"`
	LeaseTTLSeconds         int           `mapstructure:"lease_ttl_seconds"`
	RelayAddress            string        `mapstructure:"relay_address"`
	RelayQueueSize          int           `mapstructure:"relay_queue_size"`
	WorkerName              string        `mapstructure:"worker_name"`

	HTTPAddress string `mapstructure:"http_address"`
	LogLevel    string `mapstructure:"log_level"`
}

// Load reads `path` (if not empty) and overlays the environment. Every key can be set as KSS_{KEY}, lists are comma separated.
// Load does not validate; call ValidateWorker or ValidateAssigner.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: reading %s: %v", ErrInvalid, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// AutomaticEnv only resolves keys viper already knows about, so every key gets a default here.
func setDefaults(v *viper.Viper) {
	v.SetDefault("brokers", []string{})
	v.SetDefault("msk_cluster_name", "")
	v.SetDefault("msk_auth", "iam")
	v.SetDefault("aws_region", "us-east-1")

	v.SetDefault("consumer_group", "")
	v.SetDefault("topics", []string{})
	v.SetDefault("partition_count_per_topic", 0)
	v.SetDefault("assignment_mode", "group")
	v.SetDefault("max_in_flight_messages", streams.DefaultMaxInFlight)
	v.SetDefault("permit_timeout", streams.DefaultPermitTimeout)
	v.SetDefault("commit_interval", streams.DefaultCommitInterval)
	v.SetDefault("poll_timeout", streams.DefaultPollTimeout)
	v.SetDefault("rebalance_cleanup_parallelism", streams.DefaultCleanupParallelism)

	v.SetDefault("store_root_path", "/var/lib/kss")
	v.SetDefault("store_backend", "badger")
	v.SetDefault("hot_cache_max_weight", stores.DefaultHotCacheMaxWeight)
	v.SetDefault("hot_cache_ttl", stores.DefaultHotCacheTTL)
	v.SetDefault("checkpoint_interval", streams.DefaultCheckpointInterval)
	v.SetDefault("checkpoint_bucket", "")
	v.SetDefault("checkpoint_prefix", streams.DefaultCheckpointPrefix)
	v.SetDefault("checkpoint_endpoint", "")
	v.SetDefault("checkpoint_retention", streams.DefaultCheckpointRetention)
	v.SetDefault("io_timeout", streams.DefaultIOTimeout)

	v.SetDefault("pipeline", "ingestion")
	v.SetDefault("dedup_mode", "by_timestamp")
	v.SetDefault("dedup_max_seen", 0)
	v.SetDefault("dedup_max_metadata_bytes", 0)
	v.SetDefault("output_topic", "")
	v.SetDefault("duplicates_topic", "")
	v.SetDefault("dead_letter_topic", "")
	v.SetDefault("descriptor_topic", "")

	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("etcd_prefix", "/kss")
	v.SetDefault("etcd_username", "")
	v.SetDefault("etcd_password", "")
	v.SetDefault("coordinator_tick_interval", assign.DefaultTickInterval)
	v.SetDefault("lease_ttl_seconds", int(assign.DefaultLeaseTTL/time.Second))
	v.SetDefault("relay_address", "")
	v.SetDefault("relay_queue_size", relay.DefaultQueueSize)
	v.SetDefault("worker_name", "")

	v.SetDefault("http_address", ":8080")
	v.SetDefault("log_level", "info")
}

func invalid(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

func (c Config) kafkaProblems() (problems []string) {
	if len(c.Brokers) == 0 && c.MskClusterName == "" {
		problems = append(problems, "one of brokers or msk_cluster_name is required")
	}
	if c.MskClusterName != "" {
		if _, err := msk.ParseAuthType(c.MskAuth); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return
}

func (c Config) etcdProblems() (problems []string) {
	if len(c.EtcdEndpoints) == 0 {
		problems = append(problems, "etcd_endpoints is required")
	}
	if c.LeaseTTLSeconds <= 0 {
		problems = append(problems, "lease_ttl_seconds must be positive")
	}
	return
}

// ValidateProducer checks the settings needed to produce to Kafka, e.g. for the load generator.
func (c Config) ValidateProducer() error {
	return invalid(c.kafkaProblems())
}

// ValidateWorker checks the settings used by a dedup worker.
func (c Config) ValidateWorker() error {
	problems := c.kafkaProblems()
	if c.ConsumerGroup == "" {
		problems = append(problems, "consumer_group is required")
	}
	if len(c.Topics) == 0 {
		problems = append(problems, "topics is required")
	}
	if c.StoreRootPath == "" {
		problems = append(problems, "store_root_path is required")
	}
	if c.MaxInFlightMessages <= 0 {
		problems = append(problems, "max_in_flight_messages must be positive")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"commit_interval", c.CommitInterval},
		{"poll_timeout", c.PollTimeout},
		{"permit_timeout", c.PermitTimeout},
		{"checkpoint_interval", c.CheckpointInterval},
		{"io_timeout", c.IOTimeout},
	} {
		if d.value <= 0 {
			problems = append(problems, d.name+" must be positive")
		}
	}
	switch c.StoreBackend {
	case "badger", "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown store_backend %q", c.StoreBackend))
	}
	kind, err := c.PipelineKind()
	if err != nil {
		problems = append(problems, err.Error())
	}
	if kind == Ingestion {
		if _, err := dedup.ParseMode(c.DedupMode); err != nil {
			problems = append(problems, err.Error())
		}
		if c.OutputTopic == "" {
			problems = append(problems, "output_topic is required for the ingestion pipeline")
		}
	}
	mode, err := streams.ParseAssignmentMode(c.AssignmentMode)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if mode == streams.ExternalAssignment {
		problems = append(problems, c.etcdProblems()...)
		if c.RelayAddress == "" {
			problems = append(problems, "relay_address is required in external assignment mode")
		}
		if c.WorkerName == "" {
			problems = append(problems, "worker_name is required in external assignment mode")
		}
	}
	return invalid(problems)
}

// ValidateAssigner checks the settings used by the assignment coordinator and relay server.
func (c Config) ValidateAssigner() error {
	problems := c.etcdProblems()
	if c.RelayAddress == "" {
		problems = append(problems, "relay_address is required")
	}
	if c.CoordinatorTickInterval <= 0 {
		problems = append(problems, "coordinator_tick_interval must be positive")
	}
	if c.RelayQueueSize <= 0 {
		problems = append(problems, "relay_queue_size must be positive")
	}
	return invalid(problems)
}

type PipelineKind string

const (
	Ingestion  PipelineKind = "ingestion"
	Downstream PipelineKind = "downstream"
)

func (c Config) PipelineKind() (PipelineKind, error) {
	switch k := PipelineKind(strings.ToLower(c.Pipeline)); k {
	case Ingestion, Downstream:
		return k, nil
	}
	return Ingestion, fmt.Errorf("unknown pipeline %q", c.Pipeline)
}

func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// Cluster returns an MSK cluster when msk_cluster_name is set, otherwise the static broker list.
func (c Config) Cluster(ctx context.Context) (streams.Cluster, error) {
	if c.MskClusterName == "" {
		return streams.SimpleCluster(c.Brokers), nil
	}
	auth, err := msk.ParseAuthType(c.MskAuth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return msk.NewMskCluster(ctx, c.MskClusterName, auth, c.AwsRegion)
}

func (c Config) ConsumerConfig(cluster streams.Cluster) streams.ConsumerConfig {
	mode, _ := streams.ParseAssignmentMode(c.AssignmentMode)
	return streams.ConsumerConfig{
		GroupId:              c.ConsumerGroup,
		Topics:               c.Topics,
		Cluster:              cluster,
		Mode:                 mode,
		MaxInFlight:          c.MaxInFlightMessages,
		PermitTimeout:        c.PermitTimeout,
		CommitInterval:       c.CommitInterval,
		PollTimeout:          c.PollTimeout,
		RebalanceParallelism: c.RebalanceCleanupParallelism,
	}
}

func (c Config) StoreManagerConfig() streams.StoreManagerConfig {
	factory := streams.BadgerStoreFactory(stores.BadgerOptions{Logger: streams.Log()})
	if c.StoreBackend == "memory" {
		factory = streams.MemoryStoreFactory()
	}
	return streams.StoreManagerConfig{
		RootPath:           c.StoreRootPath,
		Factory:            factory,
		HotCacheMaxWeight:  c.HotCacheMaxWeight,
		HotCacheTTL:        c.HotCacheTTL,
		CleanupParallelism: c.RebalanceCleanupParallelism,
	}
}

func (c Config) CheckpointConfig() streams.CheckpointConfig {
	return streams.CheckpointConfig{
		Interval:  c.CheckpointInterval,
		Prefix:    c.CheckpointPrefix,
		Retention: c.CheckpointRetention,
		IOTimeout: c.IOTimeout,
	}
}

// ObjectStore returns nil when no checkpoint bucket is configured, which disables checkpointing.
func (c Config) ObjectStore(ctx context.Context) (objstore.ObjectStore, error) {
	if c.CheckpointBucket == "" {
		return nil, nil
	}
	return objstore.NewS3Store(ctx, objstore.S3Config{
		Bucket:   c.CheckpointBucket,
		Region:   c.AwsRegion,
		Endpoint: c.CheckpointEndpoint,
	})
}

func (c Config) DedupConfig() (dedup.Config, error) {
	mode, err := dedup.ParseMode(c.DedupMode)
	if err != nil {
		return dedup.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return dedup.Config{
		Mode:             mode,
		OutputTopic:      c.OutputTopic,
		DuplicatesTopic:  c.DuplicatesTopic,
		DeadLetterTopic:  c.DeadLetterTopic,
		MaxSeen:          c.DedupMaxSeen,
		MaxMetadataBytes: c.DedupMaxMetadataBytes,
	}, nil
}

func (c Config) Keys() assign.Keys {
	return assign.NewKeys(c.EtcdPrefix)
}

func (c Config) EtcdConfig() assign.EtcdConfig {
	return assign.EtcdConfig{
		Endpoints: c.EtcdEndpoints,
		Username:  c.EtcdUsername,
		Password:  c.EtcdPassword,
	}
}

func (c Config) CoordinatorConfig(name string) assign.CoordinatorConfig {
	return assign.CoordinatorConfig{
		Name:         name,
		Keys:         c.Keys(),
		TickInterval: c.CoordinatorTickInterval,
		LeaseTTL:     c.LeaseTTL(),
	}
}

func (c Config) WorkerSessionConfig() assign.WorkerSessionConfig {
	return assign.WorkerSessionConfig{
		Name:     c.WorkerName,
		Keys:     c.Keys(),
		LeaseTTL: c.LeaseTTL(),
	}
}

func (c Config) RelayServerConfig() relay.ServerConfig {
	return relay.ServerConfig{
		Keys:      c.Keys(),
		QueueSize: c.RelayQueueSize,
		IOTimeout: c.IOTimeout,
	}
}

func (c Config) RelayClientConfig() relay.ClientConfig {
	return relay.ClientConfig{
		Address: c.RelayAddress,
		Worker:  c.WorkerName,
	}
}
