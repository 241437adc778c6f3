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

// Command loadgen produces synthetic analytics events, optionally with duplicates, at a fixed rate
// and reports produce latency percentiles.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/aws/go-kafka-stateful-streams/dedup"
	"github.com/aws/go-kafka-stateful-streams/internal/cli"
	"github.com/aws/go-kafka-stateful-streams/internal/config"
	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/aws/go-kafka-stateful-streams/streams/codec"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"
)

func main() {
	cli.Execute(newRootCommand())
}

type options struct {
	topic          string
	count          int
	rate           float64
	duplicateRatio float64
	distinctIds    int
	token          string
	eventNames     []string
	createTopic    bool
	partitions     int32
	progress       bool
}

func newRootCommand() *cobra.Command {
	var opts options
	root := &cobra.Command{
		Use:   "loadgen",
		Short: "Produce synthetic events for the dedup pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateProducer(); err != nil {
				return err
			}
			if err := opts.validate(); err != nil {
				return err
			}
			ctx, cancel := cli.SignalContext(cmd.Context())
			defer cancel()
			return run(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}
	cli.AddConfigFlag(root)
	f := root.Flags()
	f.StringVarP(&opts.topic, "topic", "t", "events", "topic to produce to")
	f.IntVarP(&opts.count, "count", "n", 10000, "number of events to produce")
	f.Float64VarP(&opts.rate, "rate", "r", 1000, "events per second")
	f.Float64Var(&opts.duplicateRatio, "duplicate-ratio", 0.1, "fraction of events that replay an earlier event")
	f.IntVar(&opts.distinctIds, "distinct-ids", 1000, "number of distinct users")
	f.StringVar(&opts.token, "token", "loadgen", "project token")
	f.StringSliceVar(&opts.eventNames, "events", []string{"pageview", "click", "signup"}, "event names to pick from")
	f.BoolVar(&opts.createTopic, "create-topic", false, "create the topic if it does not exist")
	f.Int32Var(&opts.partitions, "partitions", 8, "partition count used with --create-topic")
	f.BoolVar(&opts.progress, "progress", true, "show a progress bar")
	return root
}

func (o options) validate() error {
	switch {
	case o.topic == "":
		return fmt.Errorf("%w: --topic is required", config.ErrInvalid)
	case o.count <= 0:
		return fmt.Errorf("%w: --count must be positive", config.ErrInvalid)
	case o.rate <= 0:
		return fmt.Errorf("%w: --rate must be positive", config.ErrInvalid)
	case o.duplicateRatio < 0 || o.duplicateRatio >= 1:
		return fmt.Errorf("%w: --duplicate-ratio must be in [0, 1)", config.ErrInvalid)
	case o.distinctIds <= 0:
		return fmt.Errorf("%w: --distinct-ids must be positive", config.ErrInvalid)
	case len(o.eventNames) == 0:
		return fmt.Errorf("%w: --events must not be empty", config.ErrInvalid)
	}
	return nil
}

type wireEvent struct {
	Uuid       string    `json:"uuid"`
	Event      string    `json:"event"`
	DistinctId string    `json:"distinct_id"`
	Token      string    `json:"token"`
	Timestamp  time.Time `json:"timestamp"`
}

// generator produces fresh events and, with probability duplicateRatio, resends an earlier one
// either verbatim or with a new uuid, which is how SDK retries show up in practice.
type generator struct {
	opts   options
	rng    *rand.Rand
	recent []wireEvent
}

const recentEvents = 1024

func newGenerator(opts options, seed int64) *generator {
	return &generator{opts: opts, rng: rand.New(rand.NewSource(seed))}
}

func (g *generator) next(now time.Time) (wireEvent, bool) {
	if len(g.recent) > 0 && g.rng.Float64() < g.opts.duplicateRatio {
		e := g.recent[g.rng.Intn(len(g.recent))]
		if g.rng.Intn(2) == 0 {
			e.Uuid = uuid.NewString()
		}
		return e, true
	}
	e := wireEvent{
		Uuid:       uuid.NewString(),
		Event:      g.opts.eventNames[g.rng.Intn(len(g.opts.eventNames))],
		DistinctId: fmt.Sprintf("user-%d", g.rng.Intn(g.opts.distinctIds)),
		Token:      g.opts.token,
		Timestamp:  now.UTC().Truncate(time.Millisecond),
	}
	if len(g.recent) < recentEvents {
		g.recent = append(g.recent, e)
	} else {
		g.recent[g.rng.Intn(recentEvents)] = e
	}
	return e, false
}

func (g *generator) record(now time.Time) (*kgo.Record, bool, error) {
	we, dup := g.next(now)
	raw, err := codec.Json.Marshal(we)
	if err != nil {
		return nil, false, err
	}
	e, err := dedup.ParseEvent(raw)
	if err != nil {
		return nil, false, err
	}
	return dedup.NewEventRecord(g.opts.topic, e), dup, nil
}

type latencies struct {
	mu     sync.Mutex
	hist   *hdrhistogram.Histogram
	errors int
}

func newLatencies() *latencies {
	// 1µs to 1m at 3 significant figures
	return &latencies{hist: hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3)}
}

func (l *latencies) observe(d time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.errors++
		return
	}
	l.hist.RecordValue(d.Microseconds())
}

func (l *latencies) report(w io.Writer, produced, duplicates int, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(w, "produced %d events (%d duplicates) in %v, %d errors\n", produced, duplicates, elapsed.Round(time.Millisecond), l.errors)
	fmt.Fprintf(w, "latency µs: p50=%d p90=%d p99=%d p99.9=%d max=%d mean=%.0f\n",
		l.hist.ValueAtQuantile(50), l.hist.ValueAtQuantile(90), l.hist.ValueAtQuantile(99),
		l.hist.ValueAtQuantile(99.9), l.hist.Max(), l.hist.Mean())
}

func run(ctx context.Context, cfg config.Config, opts options, out io.Writer) error {
	cluster, err := cfg.Cluster(ctx)
	if err != nil {
		return err
	}
	if opts.createTopic {
		if err := streams.EnsureTopics(ctx, cluster, streams.TopicSpec{Name: opts.topic, NumPartitions: opts.partitions, ReplicationFactor: -1}); err != nil {
			return err
		}
	}
	client, err := streams.NewClient(cluster, kgo.DefaultProduceTopic(opts.topic))
	if err != nil {
		return err
	}
	defer client.Close()

	limiter := rate.NewLimiter(rate.Limit(opts.rate), int(opts.rate/10)+1)
	gen := newGenerator(opts, time.Now().UnixNano())
	lat := newLatencies()
	var bar *progressbar.ProgressBar
	if opts.progress {
		bar = progressbar.Default(int64(opts.count), "producing")
	}

	start := time.Now()
	produced, duplicates := 0, 0
	for produced < opts.count {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		sent := time.Now()
		record, dup, err := gen.record(sent)
		if err != nil {
			return err
		}
		if dup {
			duplicates++
		}
		client.Produce(ctx, record, func(_ *kgo.Record, err error) {
			lat.observe(time.Since(sent), err)
			if bar != nil {
				bar.Add(1)
			}
		})
		produced++
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), streams.DefaultShutdownTimeout)
	defer cancel()
	if err := client.Flush(flushCtx); err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(out)
	}
	lat.report(out, produced, duplicates, time.Since(start))
	return nil
}
