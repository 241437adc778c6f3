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

// Command assigner runs the partition assignment coordinator and the command relay that pushes assignments to workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/aws/go-kafka-stateful-streams/assign"
	"github.com/aws/go-kafka-stateful-streams/internal/cli"
	"github.com/aws/go-kafka-stateful-streams/internal/config"
	"github.com/aws/go-kafka-stateful-streams/internal/metrics"
	"github.com/aws/go-kafka-stateful-streams/relay"
	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

func main() {
	cli.Execute(newRootCommand())
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "assigner",
		Short: "Partition assignment coordinator and command relay",
	}
	cli.AddConfigFlag(root)
	root.AddCommand(newRunCommand(), newTopicsCommand(), newStatusCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Campaign for leadership, reconcile assignments and serve the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateAssigner(); err != nil {
				return err
			}
			if name == "" {
				name = cli.Hostname()
			}
			ctx, cancel := cli.SignalContext(cmd.Context())
			defer cancel()
			return run(ctx, cfg, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "identity written to the leader key (default: hostname)")
	return cmd
}

func run(ctx context.Context, cfg config.Config, name string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	emitter := streams.NewMetricsEmitter(metrics.New(reg).Handle, 0)
	defer emitter.Close()

	store, err := assign.NewEtcdStore(cfg.EtcdConfig())
	if err != nil {
		return err
	}
	defer store.Close()

	coordinator, err := assign.NewCoordinator(store, cfg.CoordinatorConfig(name), emitter)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	relayServer := relay.NewServer(store, cfg.RelayServerConfig(), emitter)
	grpcServer := relay.NewGRPCServer(relay.GRPCConfig{})
	relay.RegisterRelayServer(grpcServer, relayServer)

	lis, err := net.Listen("tcp", cfg.RelayAddress)
	if err != nil {
		return err
	}

	router := metrics.NewRouter(reg, func() error {
		if !relayServer.Loaded() {
			return fmt.Errorf("relay: %w", metrics.ErrNotReady)
		}
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		return relayServer.Run(gctx)
	})
	g.Go(func() error {
		streams.Log().Infof("relay listening on %s", lis.Addr())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		stopGRPC(grpcServer.GracefulStop, grpcServer.Stop, streams.DefaultShutdownTimeout)
		return nil
	})
	g.Go(func() error {
		return metrics.Serve(gctx, cfg.HTTPAddress, router)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// stopGRPC falls back to a hard stop when streaming sessions do not finish within timeout.
func stopGRPC(graceful, hard func(), timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		graceful()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		hard()
	}
}

type topicsFile struct {
	Topics []assign.TopicConfig `yaml:"topics"`
}

func newTopicsCommand() *cobra.Command {
	topics := &cobra.Command{
		Use:   "topics",
		Short: "Manage topic configs in the consensus store",
	}
	var (
		file        string
		createKafka bool
		replication int16
	)
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Write the topic configs from a YAML file",
		Example: `  assigner topics apply -f topics.yaml

  # topics.yaml
  topics:
    - topic: events
      partition_count: 64`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			tf, err := readTopicsFile(file)
			if err != nil {
				return err
			}
			store, err := assign.NewEtcdStore(cfg.EtcdConfig())
			if err != nil {
				return err
			}
			defer store.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), streams.DefaultIOTimeout)
			defer cancel()
			if err := assign.ApplyTopicConfigs(ctx, store, cfg.Keys(), tf.Topics...); err != nil {
				return err
			}
			for _, tc := range tf.Topics {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s (%d partitions)\n", tc.Topic, tc.PartitionCount)
			}
			if !createKafka {
				return nil
			}
			cluster, err := cfg.Cluster(ctx)
			if err != nil {
				return err
			}
			specs := make([]streams.TopicSpec, len(tf.Topics))
			for i, tc := range tf.Topics {
				specs[i] = streams.TopicSpec{Name: tc.Topic, NumPartitions: tc.PartitionCount, ReplicationFactor: replication}
			}
			return streams.EnsureTopics(ctx, cluster, specs...)
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "YAML file with a top level `topics` list")
	apply.Flags().BoolVar(&createKafka, "create-kafka-topics", false, "also create missing Kafka topics")
	apply.Flags().Int16Var(&replication, "replication-factor", 3, "replication factor for created Kafka topics")
	apply.MarkFlagRequired("file")
	topics.AddCommand(apply)
	return topics
}

func readTopicsFile(path string) (topicsFile, error) {
	var tf topicsFile
	f, err := os.Open(path)
	if err != nil {
		return tf, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return tf, fmt.Errorf("%w: %s: %v", config.ErrInvalid, path, err)
	}
	if len(tf.Topics) == 0 {
		return tf, fmt.Errorf("%w: %s has no topics", config.ErrInvalid, path)
	}
	return tf, nil
}

type statusView struct {
	Revision    int64                     `yaml:"revision"`
	Topics      []assign.TopicConfig      `yaml:"topics"`
	Workers     []assign.RegisteredWorker `yaml:"workers"`
	Assignments []assign.Assignment       `yaml:"assignments"`
	Handoffs    []assign.HandoffState     `yaml:"handoffs,omitempty"`
}

func newStatusView(state *assign.State) statusView {
	v := statusView{Revision: state.Revision}
	for _, tc := range state.Topics {
		v.Topics = append(v.Topics, tc.Value)
	}
	for _, w := range state.Workers {
		v.Workers = append(v.Workers, w.Value)
	}
	for _, a := range state.Assignments {
		v.Assignments = append(v.Assignments, a.Value)
	}
	for _, h := range state.Handoffs {
		v.Handoffs = append(v.Handoffs, h.Value)
	}
	sort.Slice(v.Topics, func(i, j int) bool { return v.Topics[i].Topic < v.Topics[j].Topic })
	sort.Slice(v.Workers, func(i, j int) bool { return v.Workers[i].Name < v.Workers[j].Name })
	sort.Slice(v.Assignments, func(i, j int) bool {
		return v.Assignments[i].TopicPartition().Less(v.Assignments[j].TopicPartition())
	})
	sort.Slice(v.Handoffs, func(i, j int) bool {
		return v.Handoffs[i].TopicPartition().Less(v.Handoffs[j].TopicPartition())
	})
	return v
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print topics, workers, assignments and handoffs as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := assign.NewEtcdStore(cfg.EtcdConfig())
			if err != nil {
				return err
			}
			defer store.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), streams.DefaultIOTimeout)
			defer cancel()
			state, err := assign.LoadState(ctx, store, cfg.Keys())
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(newStatusView(state))
		},
	}
}
