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

// Command dedup runs an ingestion (deduplicating) or downstream worker.
package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/go-kafka-stateful-streams/assign"
	"github.com/aws/go-kafka-stateful-streams/internal/cli"
	"github.com/aws/go-kafka-stateful-streams/internal/config"
	"github.com/aws/go-kafka-stateful-streams/internal/metrics"
	"github.com/aws/go-kafka-stateful-streams/pipeline"
	"github.com/aws/go-kafka-stateful-streams/relay"
	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	cli.Execute(newRootCommand())
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dedup",
		Short: "Stateful Kafka worker: event deduplication and downstream processing",
	}
	cli.AddConfigFlag(root)
	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Consume, process and commit until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateWorker(); err != nil {
				return err
			}
			if cfg.WorkerName == "" {
				cfg.WorkerName = cli.Hostname()
			}
			ctx, cancel := cli.SignalContext(cmd.Context())
			defer cancel()
			return run(ctx, cfg)
		},
	})
	return root
}

func newBuilder(ctx context.Context, cfg config.Config) (*pipeline.Builder, error) {
	cluster, err := cfg.Cluster(ctx)
	if err != nil {
		return nil, err
	}
	objects, err := cfg.ObjectStore(ctx)
	if err != nil {
		return nil, err
	}
	pcfg := pipeline.Config{
		Consumer:        cfg.ConsumerConfig(cluster),
		Stores:          cfg.StoreManagerConfig(),
		Objects:         objects,
		Checkpoints:     cfg.CheckpointConfig(),
		DescriptorTopic: cfg.DescriptorTopic,
	}
	if objects == nil {
		streams.Log().Warnf("checkpoint_bucket is not set, partition stores will not be checkpointed")
	}
	kind, err := cfg.PipelineKind()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	var b *pipeline.Builder
	switch kind {
	case config.Ingestion:
		dcfg, err := cfg.DedupConfig()
		if err != nil {
			return nil, err
		}
		b = pipeline.NewIngestion(pcfg, dcfg)
	case config.Downstream:
		b = pipeline.NewDownstream(pcfg, newEventCounter())
	}
	// input keyed by another producer may not agree with the murmur2 partitioner
	if cfg.PartitionCountPerTopic > 0 {
		for _, topic := range cfg.Topics {
			b.WithRouting(topic, int32(cfg.PartitionCountPerTopic), nil)
		}
	}
	return b, nil
}

func run(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	emitter := streams.NewMetricsEmitter(metrics.New(reg).Handle, 0)
	defer emitter.Close()

	builder, err := newBuilder(ctx, cfg)
	if err != nil {
		return err
	}
	// the consumer outlives ctx so that a draining worker can finish in-flight work
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	p, err := builder.WithMetrics(emitter).Build(runCtx)
	if err != nil {
		return err
	}

	checks := []metrics.ReadyCheck{func() error {
		if !p.Ready() {
			return fmt.Errorf("consumer: %w", metrics.ErrNotReady)
		}
		return nil
	}}

	var w *externalWorker
	if p.Consumer().Mode() == streams.ExternalAssignment {
		if w, err = startExternalWorker(ctx, cfg, p); err != nil {
			p.Stop()
			return err
		}
		defer w.close()
		checks = append(checks, w.ready)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		return p.Run()
	})
	g.Go(func() error {
		return metrics.Serve(gctx, cfg.HTTPAddress, metrics.NewRouter(reg, checks...))
	})
	if w != nil {
		g.Go(func() error {
			return w.run(gctx)
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			streams.Log().Infof("shutting down")
			if w != nil {
				w.drain()
			}
		case <-gctx.Done():
		}
		p.Stop()
		return nil
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// externalWorker owns the consensus store connection, the worker registration and the relay subscription.
type externalWorker struct {
	store   *assign.EtcdStore
	session *assign.WorkerSession
	client  *relay.Client
}

func startExternalWorker(ctx context.Context, cfg config.Config, p *pipeline.Pipeline) (*externalWorker, error) {
	store, err := assign.NewEtcdStore(cfg.EtcdConfig())
	if err != nil {
		return nil, err
	}
	regCtx, cancel := context.WithTimeout(ctx, streams.DefaultIOTimeout)
	defer cancel()
	session, err := assign.Register(regCtx, store, cfg.WorkerSessionConfig())
	if err != nil {
		store.Close()
		return nil, err
	}
	signaller := &pipeline.RelaySignaller{Session: session}
	client, err := relay.NewClient(cfg.RelayClientConfig(), pipeline.NewWorkerHandler(p, signaller, cfg.IOTimeout))
	if err != nil {
		session.Close(context.Background())
		store.Close()
		return nil, err
	}
	signaller.Client = client
	return &externalWorker{store: store, session: session, client: client}, nil
}

func (w *externalWorker) run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		errs <- w.client.Run(ctx)
	}()
	select {
	case err := <-errs:
		return err
	case <-w.session.Lost():
		return streams.NewError(streams.LeaseLost, "worker session", assign.ErrLeaseLost)
	}
}

func (w *externalWorker) ready() error {
	select {
	case <-w.session.Lost():
		return fmt.Errorf("worker session: %w", assign.ErrLeaseLost)
	default:
	}
	if !w.client.Connected() {
		return fmt.Errorf("relay: %w", metrics.ErrNotReady)
	}
	return nil
}

// drain asks the coordinator to move partitions away before the consumer stops.
func (w *externalWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), streams.DefaultIOTimeout)
	defer cancel()
	if err := w.session.Drain(ctx); err != nil {
		streams.Log().Warnf("could not mark worker %s as draining: %v", w.session.Name(), err)
	}
}

func (w *externalWorker) close() {
	ctx, cancel := context.WithTimeout(context.Background(), streams.DefaultIOTimeout)
	defer cancel()
	w.client.Close()
	if err := w.session.Close(ctx); err != nil {
		streams.Log().Warnf("deregistering worker %s: %v", w.session.Name(), err)
	}
	w.store.Close()
}
