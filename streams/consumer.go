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
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams/sak"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// offsetCommitter commits Kafka positions (safe offset + 1) for the consumer group.
type offsetCommitter func(ctx context.Context, offsets map[TopicPartition]int64) error

type restartRequest struct {
	worker   *partitionWorker
	fallback int64
	reason   error
}

// StatefulConsumer consumes partitions, hands each message to a Processor together with the partition's store,
// and commits offsets only once every earlier message of the partition has been acked.
//
// In GroupAssignment mode partitions come from Kafka's cooperative-sticky group protocol.
// In ExternalAssignment mode they come from Assign and Revoke, typically driven by the command relay,
// and the consumer group is only used to store offsets.
type StatefulConsumer struct {
	cfg        ConsumerConfig
	client     *kgo.Client
	admin      *kadm.Client
	commit     offsetCommitter
	seek       func(tp TopicPartition, offset int64)
	tracker    *InFlightTracker
	gate       *RebalanceCoordinator
	stores     *PartitionStoreManager
	producer   *OutputProducer
	processor  Processor
	permits    *semaphore.Weighted
	metrics    *MetricsEmitter
	pollStatus sak.RunStatus
	workStatus sak.RunStatus

	workerMux sync.Mutex
	workers   map[TopicPartition]*partitionWorker

	commitMux sync.Mutex
	committed map[TopicPartition]int64

	restartMux sync.Mutex
	restarts   map[TopicPartition]restartRequest

	rebalances sync.WaitGroup
	polling    atomic.Bool
	acked      atomic.Int64
	nacked     atomic.Int64
	fatal      chan error
	exit       func(int)
}

// NewStatefulConsumer creates the consumer and its Kafka client. `producer` may be nil if the processor never emits.
// Cancelling ctx stops polling; in-flight messages are still drained by Run.
func NewStatefulConsumer(ctx context.Context, cfg ConsumerConfig, stores *PartitionStoreManager,
	processor Processor, producer *OutputProducer, metrics *MetricsEmitter) (*StatefulConsumer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Cluster == nil {
		return nil, errors.New("ConsumerConfig.Cluster is required")
	}
	if stores == nil || processor == nil {
		return nil, errors.New("a store manager and a processor are required")
	}
	c := newStatefulConsumer(ctx, cfg, stores, processor, producer, metrics)
	client, err := NewClient(cfg.Cluster, c.clientOptions()...)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.admin = kadm.NewClient(client)
	c.seek = c.setOffset
	if cfg.Mode == ExternalAssignment {
		c.commit = c.adminCommit
	} else {
		c.commit = c.groupCommit
	}
	return c, nil
}

func newStatefulConsumer(ctx context.Context, cfg ConsumerConfig, stores *PartitionStoreManager,
	processor Processor, producer *OutputProducer, metrics *MetricsEmitter) *StatefulConsumer {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &StatefulConsumer{
		cfg:        cfg,
		stores:     stores,
		gate:       stores.Gate(),
		processor:  processor,
		producer:   producer,
		metrics:    metrics,
		permits:    semaphore.NewWeighted(cfg.MaxInFlight),
		pollStatus: sak.NewRunStatus(ctx),
		workStatus: sak.NewRunStatus(context.WithoutCancel(ctx)),
		workers:    make(map[TopicPartition]*partitionWorker),
		committed:  make(map[TopicPartition]int64),
		restarts:   make(map[TopicPartition]restartRequest),
		fatal:      make(chan error, 1),
		exit:       os.Exit,
		commit:     func(context.Context, map[TopicPartition]int64) error { return nil },
		seek:       func(TopicPartition, int64) {},
	}
	c.tracker = NewInFlightTracker(c.onComplete)
	return c
}

func (c *StatefulConsumer) clientOptions() []kgo.Opt {
	var opts []kgo.Opt
	switch c.cfg.Mode {
	case ExternalAssignment:
		// a direct consumer with no partitions yet; Assign adds them
		partitions := make(map[string]map[int32]kgo.Offset, len(c.cfg.Topics))
		for _, topic := range c.cfg.Topics {
			partitions[topic] = map[int32]kgo.Offset{}
		}
		opts = append(opts, kgo.ConsumePartitions(partitions))
	default:
		opts = append(opts,
			kgo.ConsumerGroup(c.cfg.GroupId),
			kgo.ConsumeTopics(c.cfg.Topics...),
			kgo.Balancers(kgo.CooperativeStickyBalancer()),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
			kgo.DisableAutoCommit(),
			kgo.OnPartitionsAssigned(c.partitionsAssigned),
			kgo.OnPartitionsRevoked(c.partitionsRevoked),
			kgo.OnPartitionsLost(c.partitionsLost),
		)
	}
	return append(opts, c.cfg.ClientOptions...)
}

func (c *StatefulConsumer) Tracker() *InFlightTracker {
	return c.tracker
}

func (c *StatefulConsumer) Gate() *RebalanceCoordinator {
	return c.gate
}

func (c *StatefulConsumer) Stores() *PartitionStoreManager {
	return c.stores
}

func (c *StatefulConsumer) Mode() AssignmentMode {
	return c.cfg.Mode
}

// Assigned returns the partitions this consumer currently owns, sorted.
func (c *StatefulConsumer) Assigned() []TopicPartition {
	c.workerMux.Lock()
	defer c.workerMux.Unlock()
	set := NewTopicPartitionSet()
	for tp := range c.workers {
		set.Insert(tp)
	}
	return set.Items()
}

// Ready reports whether the poll loop is running.
func (c *StatefulConsumer) Ready() bool {
	return c.polling.Load()
}

// Stop signals Run to return. It does not wait.
func (c *StatefulConsumer) Stop() {
	c.pollStatus.Halt()
}

// Run polls until Stop is called, the constructor's context is cancelled or a processor error fails the consumer.
// On the way out it drains in-flight messages, commits final offsets and closes the client.
// Returns the error that failed the consumer, if any.
func (c *StatefulConsumer) Run() error {
	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(c.pollStatus.Ctx())
		}()
	}
	background(c.commitLoop)
	if checkpoints := c.stores.Checkpoints(); checkpoints != nil {
		background(func(ctx context.Context) {
			checkpoints.Run(ctx, c.stores, c.tracker)
		})
	}
	if c.cfg.OrphanCleanupInterval > 0 {
		background(c.orphanLoop)
	}

	log.Infof("StatefulConsumer %s running with %v", c.cfg.GroupId, c.cfg.Mode)
	c.polling.Store(true)
	for c.pollStatus.Running() {
		c.poll()
	}
	c.polling.Store(false)
	wg.Wait()

	var runErr error
	select {
	case runErr = <-c.fatal:
		log.Errorf("StatefulConsumer %s failed: %v", c.cfg.GroupId, runErr)
	default:
	}
	if err := c.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (c *StatefulConsumer) poll() {
	c.processRestarts()
	ctx, cancel := context.WithTimeout(c.pollStatus.Ctx(), c.cfg.PollTimeout)
	fetches := c.client.PollFetches(ctx)
	cancel()
	if fetches.IsClientClosed() {
		c.pollStatus.Halt()
		return
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		log.Errorf("fetch error for %s/%d: %v", topic, partition, err)
	})
	fetches.EachPartition(c.receive)
}

// receive hands a fetched batch to the partition's worker. Every record acquires an in-flight permit first.
// If none frees up within PermitTimeout the rest of the batch is dropped and the partition is restarted.
func (c *StatefulConsumer) receive(p kgo.FetchTopicPartition) {
	if len(p.Records) == 0 {
		return
	}
	tp := ntp(p.Partition, p.Topic)
	c.workerMux.Lock()
	pw := c.workers[tp]
	c.workerMux.Unlock()
	if pw == nil {
		log.Debugf("dropping %d records for unassigned partition %v", len(p.Records), tp)
		return
	}
	for _, record := range p.Records {
		if !c.acquire() {
			if !c.pollStatus.Running() {
				return
			}
			c.metrics.Count(PermitTimeoutOperation, tp, 1)
			c.requestRestart(pw, record.Offset, ErrPermitTimeout)
			return
		}
		h := c.tracker.Track(tp, record.Offset, recordSize(record))
		if h.detached {
			// already covered by the safe offset, or the partition went away
			if c.tracker.IsActive(tp) {
				h.Ack()
			} else {
				h.Nack()
			}
			continue
		}
		pw.add(inflightRecord{record: record, handle: h})
	}
}

func (c *StatefulConsumer) acquire() bool {
	if c.permits.TryAcquire(1) {
		return true
	}
	ctx, cancel := context.WithTimeout(c.pollStatus.Ctx(), c.cfg.PermitTimeout)
	defer cancel()
	return c.permits.Acquire(ctx, 1) == nil
}

func (c *StatefulConsumer) onComplete(_ *Handle, state HandleState) {
	c.permits.Release(1)
	if state == Acked {
		c.acked.Add(1)
	} else {
		c.nacked.Add(1)
	}
}

func (c *StatefulConsumer) emitCompletions() {
	if n := c.acked.Swap(0); n > 0 {
		c.metrics.Emit(Metric{Operation: AckOperation, GroupId: c.cfg.GroupId, Count: int(n)})
	}
	if n := c.nacked.Swap(0); n > 0 {
		c.metrics.Emit(Metric{Operation: NackOperation, GroupId: c.cfg.GroupId, Count: int(n)})
	}
}

// fail stops the consumer. Run returns err.
func (c *StatefulConsumer) fail(err error) {
	select {
	case c.fatal <- err:
	default:
	}
	c.pollStatus.Halt()
}

func (c *StatefulConsumer) fatallyExit(err error) {
	log.Errorf("fatal error, exiting: %v", err)
	c.exit(1)
}

// requestRestart halts pw and queues a restart, which the poll loop performs between polls.
// `fallback` is the seek position used if the partition has no safe offset yet.
func (c *StatefulConsumer) requestRestart(pw *partitionWorker, fallback int64, reason error) {
	pw.halt()
	c.restartMux.Lock()
	defer c.restartMux.Unlock()
	if existing, ok := c.restarts[pw.topicPartition]; ok && existing.worker == pw && existing.fallback <= fallback {
		return
	}
	c.restarts[pw.topicPartition] = restartRequest{worker: pw, fallback: fallback, reason: reason}
}

func (c *StatefulConsumer) processRestarts() {
	c.restartMux.Lock()
	if len(c.restarts) == 0 {
		c.restartMux.Unlock()
		return
	}
	requests := c.restarts
	c.restarts = make(map[TopicPartition]restartRequest)
	c.restartMux.Unlock()
	for tp, req := range requests {
		c.restartPartition(tp, req)
	}
}

// restartPartition replaces the worker for tp with a fresh one over the same store, starts a new tracking
// generation and rewinds the fetch position to the first offset not known to be processed.
func (c *StatefulConsumer) restartPartition(tp TopicPartition, req restartRequest) {
	c.workerMux.Lock()
	old := c.workers[tp]
	if old != req.worker || !old.isReady() {
		// revoked, already restarted or still initializing
		c.workerMux.Unlock()
		return
	}
	offset := req.fallback
	if safe, ok := c.tracker.SafeCommitOffset(tp); ok {
		offset = safe + 1
	}
	c.tracker.MarkPartitionsRevoked(tp)
	c.tracker.MarkPartitionsActive(tp)
	pw := newPartitionWorker(c, tp)
	c.workers[tp] = pw
	c.workerMux.Unlock()

	log.Warnf("restarting %v at offset %d: %v", tp, offset, req.reason)
	c.metrics.Emit(Metric{Operation: PartitionRestartOperation, Topic: tp.Topic, Partition: tp.Partition,
		Offset: offset, Count: 1, PartitionCount: 1, Label: KindOf(req.reason).String()})
	if !old.stop(c.cfg.PermitTimeout) {
		pw.halt()
		c.fail(NewError(ContractViolation, "restart "+tp.String(), fmt.Errorf("worker did not stop after: %w", req.reason)))
		return
	}
	c.seek(tp, offset)
	pw.activate(old.store)
}

func (c *StatefulConsumer) setOffset(tp TopicPartition, offset int64) {
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		tp.Topic: {tp.Partition: {Epoch: -1, Offset: offset}},
	})
}

func flattenAssignment(assignment map[string][]int32) []TopicPartition {
	var tps []TopicPartition
	for topic, partitions := range assignment {
		tps = append(tps, toTopicPartitions(topic, partitions...)...)
	}
	return NewTopicPartitionSet(tps...).Items()
}

func workerPartitions(workers []*partitionWorker) []TopicPartition {
	tps := make([]TopicPartition, len(workers))
	for i, pw := range workers {
		tps[i] = pw.topicPartition
	}
	return tps
}

// group protocol callbacks. The synchronous part only enters the rebalance gate and updates the tracker;
// store work happens asynchronously and releases the gate when done.

func (c *StatefulConsumer) partitionsAssigned(_ context.Context, client *kgo.Client, assigned map[string][]int32) {
	guard, added := c.beginAssign(flattenAssignment(assigned))
	if len(added) == 0 {
		guard.Release()
		return
	}
	paused := NewTopicPartitionSet(workerPartitions(added)...).ByTopic()
	if client != nil {
		client.PauseFetchPartitions(paused)
	}
	c.rebalances.Add(1)
	go func() {
		defer c.rebalances.Done()
		defer guard.Release()
		if err := c.activateWorkers(c.workStatus.Ctx(), added); err != nil {
			c.fail(err)
			return
		}
		if client != nil {
			client.ResumeFetchPartitions(paused)
		}
	}()
}

// Blocks until the final positions are committed, the group moves on once the callback returns.
func (c *StatefulConsumer) partitionsRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	if _, err := c.revoke(flattenAssignment(revoked), true)(); err != nil {
		log.Warnf("final offset commit failed: %v", err)
	}
}

// Lost partitions may already be owned elsewhere, so no final checkpoint is taken.
func (c *StatefulConsumer) partitionsLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	c.revoke(flattenAssignment(lost), false)
}

// beginAssign enters the gate, marks tps active and creates workers for partitions not already owned.
func (c *StatefulConsumer) beginAssign(tps []TopicPartition) (*RebalanceGuard, []*partitionWorker) {
	guard := c.gate.Guard()
	c.tracker.MarkPartitionsActive(tps...)
	added := make([]*partitionWorker, 0, len(tps))
	c.workerMux.Lock()
	for _, tp := range tps {
		if _, ok := c.workers[tp]; ok {
			continue
		}
		pw := newPartitionWorker(c, tp)
		c.workers[tp] = pw
		added = append(added, pw)
	}
	c.workerMux.Unlock()
	if len(added) > 0 {
		log.Infof("assigned %d partitions: %v", len(added), workerPartitions(added))
		c.metrics.Emit(Metric{Operation: PartitionAssignedOperation, GroupId: c.cfg.GroupId,
			Count: len(added), PartitionCount: len(added)})
	}
	return guard, added
}

func retryableInitError(err error) bool {
	switch KindOf(err) {
	case CorruptState, ContractViolation:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// activateWorkers initializes the store of each worker, retrying transient failures, and activates the worker.
func (c *StatefulConsumer) activateWorkers(ctx context.Context, workers []*partitionWorker) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.RebalanceParallelism)
	for _, pw := range workers {
		pw := pw
		g.Go(func() error {
			tp := pw.topicPartition
			var store *PartitionStore
			err := sak.DefaultBackoff.Retry(ctx, retryableInitError, func() (err error) {
				store, err = c.stores.Initialize(ctx, tp)
				return
			})
			if err != nil {
				if KindOf(err) == UnknownError {
					err = NewError(TransientIO, "initialize "+tp.String(), err)
				}
				return err
			}
			c.workerMux.Lock()
			current := c.workers[tp] == pw
			c.workerMux.Unlock()
			if !current {
				// revoked while initializing
				if err := c.stores.Cleanup(ctx, tp, -1); err != nil {
					log.Warnf("cleanup of %v failed: %v", tp, err)
				}
				return nil
			}
			pw.activate(store)
			return nil
		})
	}
	return g.Wait()
}

// revoke synchronously removes tps from the tracker and halts their workers, then tears the stores down
// asynchronously. Partitions whose final checkpoint succeeded get their final position committed before the
// rebalance guard is released. The returned function waits for the teardown and returns the committed positions.
func (c *StatefulConsumer) revoke(tps []TopicPartition, finalCheckpoint bool) func() (map[TopicPartition]int64, error) {
	guard := c.gate.Guard()
	finals := make(map[TopicPartition]int64, len(tps))
	if finalCheckpoint {
		for _, tp := range tps {
			if safe, ok := c.tracker.SafeCommitOffset(tp); ok {
				finals[tp] = safe
			}
		}
	}
	c.tracker.MarkPartitionsRevoked(tps...)
	workers := make(map[TopicPartition]*partitionWorker, len(tps))
	c.workerMux.Lock()
	for _, tp := range tps {
		if pw, ok := c.workers[tp]; ok {
			workers[tp] = pw
			delete(c.workers, tp)
			pw.halt()
		}
	}
	c.workerMux.Unlock()
	c.commitMux.Lock()
	for _, tp := range tps {
		delete(c.committed, tp)
	}
	c.commitMux.Unlock()
	if len(workers) > 0 {
		log.Infof("revoked %d partitions: %v", len(workers), tps)
		c.metrics.Emit(Metric{Operation: PartitionRevokedOperation, GroupId: c.cfg.GroupId,
			Count: len(workers), PartitionCount: len(workers)})
	}

	var mu sync.Mutex
	var commitErr error
	committable := make(map[TopicPartition]int64, len(finals))
	done := make(chan struct{})
	c.rebalances.Add(1)
	go func() {
		defer close(done)
		defer c.rebalances.Done()
		defer guard.Release()
		ctx := c.workStatus.Ctx()
		g := new(errgroup.Group)
		g.SetLimit(c.cfg.RebalanceParallelism)
		for _, tp := range tps {
			tp := tp
			g.Go(func() error {
				if pw, ok := workers[tp]; ok && !pw.stop(c.cfg.PermitTimeout) {
					log.Warnf("worker for %v did not stop within %v", tp, c.cfg.PermitTimeout)
				}
				final, ok := finals[tp]
				if !ok {
					final = -1
				}
				if err := c.stores.Cleanup(ctx, tp, final); err != nil {
					log.Warnf("cleanup of %v failed: %v", tp, err)
					return nil
				}
				if ok {
					mu.Lock()
					committable[tp] = final + 1
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		committable, commitErr = c.commitFinals(ctx, committable)
	}()
	return func() (map[TopicPartition]int64, error) {
		<-done
		return committable, commitErr
	}
}

// commitFinals runs under the revoking guard, so periodic commits are skipped meanwhile.
// Partitions assigned again since the revocation are left to their new worker.
func (c *StatefulConsumer) commitFinals(ctx context.Context, finals map[TopicPartition]int64) (map[TopicPartition]int64, error) {
	offsets := make(map[TopicPartition]int64, len(finals))
	for tp, next := range finals {
		if !c.tracker.IsActive(tp) {
			offsets[tp] = next
		}
	}
	if len(offsets) == 0 {
		return offsets, nil
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultIOTimeout)
	defer cancel()
	start := time.Now()
	if err := c.commit(ctx, offsets); err != nil {
		return nil, NewError(TransientIO, "commit on revoke", err)
	}
	for tp, next := range offsets {
		c.metrics.Emit(Metric{Operation: CommitOperation, StartTime: start, GroupId: c.cfg.GroupId,
			Topic: tp.Topic, Partition: tp.Partition, Offset: next, Count: 1, PartitionCount: 1})
	}
	log.Debugf("committed final positions %v", offsets)
	return offsets, nil
}

// Assign starts consuming tps in ExternalAssignment mode. It returns once every store is initialized
// and fetching has started from the group's committed offsets. Already assigned partitions are ignored.
func (c *StatefulConsumer) Assign(ctx context.Context, tps []TopicPartition) error {
	if c.cfg.Mode != ExternalAssignment {
		return NewError(ContractViolation, "assign", errors.New("Assign requires ExternalAssignment mode"))
	}
	guard, added := c.beginAssign(tps)
	defer guard.Release()
	if len(added) == 0 {
		return nil
	}
	addedPartitions := workerPartitions(added)
	if err := c.activateWorkers(ctx, added); err != nil {
		c.revoke(addedPartitions, false)()
		return err
	}
	offsets, err := c.startOffsets(ctx, addedPartitions)
	if err != nil {
		c.revoke(addedPartitions, false)()
		return err
	}
	if c.client != nil {
		c.client.AddConsumePartitions(offsets)
	}
	return nil
}

// Revoke stops consuming tps in ExternalAssignment mode. It blocks until every store is closed
// and the final position of each partition whose final checkpoint succeeded is committed.
func (c *StatefulConsumer) Revoke(ctx context.Context, tps []TopicPartition) error {
	if c.cfg.Mode != ExternalAssignment {
		return NewError(ContractViolation, "revoke", errors.New("Revoke requires ExternalAssignment mode"))
	}
	if c.client != nil {
		c.client.RemoveConsumePartitions(NewTopicPartitionSet(tps...).ByTopic())
	}
	wait := c.revoke(tps, true)
	done := make(chan error, 1)
	go func() {
		_, err := wait()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startOffsets resolves the group's committed position for each partition, or the log start if there is none.
func (c *StatefulConsumer) startOffsets(ctx context.Context, tps []TopicPartition) (map[string]map[int32]kgo.Offset, error) {
	var committed kadm.OffsetResponses
	if c.admin != nil {
		resp, err := c.admin.FetchOffsets(ctx, c.cfg.GroupId)
		if err != nil {
			return nil, NewError(TransientIO, "fetch offsets "+c.cfg.GroupId, err)
		}
		committed = resp
	}
	offsets := make(map[string]map[int32]kgo.Offset)
	c.commitMux.Lock()
	defer c.commitMux.Unlock()
	for _, tp := range tps {
		start := kgo.NewOffset().AtStart()
		if r, ok := committed.Lookup(tp.Topic, tp.Partition); ok && r.Err == nil && r.At >= 0 {
			start = kgo.NewOffset().At(r.At)
			c.committed[tp] = r.At
		}
		if offsets[tp.Topic] == nil {
			offsets[tp.Topic] = make(map[int32]kgo.Offset)
		}
		offsets[tp.Topic][tp.Partition] = start
	}
	return offsets, nil
}

// CommitOffsets commits safe offset + 1 for every active partition whose position moved.
// With checkpointing enabled, a partition is committed no further than its latest durable checkpoint,
// and not at all before its first one. Nothing is committed while a rebalance is in progress.
func (c *StatefulConsumer) CommitOffsets(ctx context.Context) (int, error) {
	if c.gate.IsRebalancing() {
		c.metrics.Emit(Metric{Operation: CommitSkippedOperation, GroupId: c.cfg.GroupId, Count: 1})
		log.Debugf("rebalance in progress, skipping commit")
		return 0, nil
	}
	offsets := c.commitCandidates()
	if len(offsets) == 0 {
		return 0, nil
	}
	if c.gate.IsRebalancing() {
		c.metrics.Emit(Metric{Operation: CommitSkippedOperation, GroupId: c.cfg.GroupId, Count: 1})
		return 0, nil
	}
	start := time.Now()
	if err := c.commit(ctx, offsets); err != nil {
		return 0, NewError(TransientIO, "commit "+c.cfg.GroupId, err)
	}
	c.commitMux.Lock()
	for tp, next := range offsets {
		if prev, ok := c.committed[tp]; !ok || next > prev {
			c.committed[tp] = next
		}
	}
	c.commitMux.Unlock()
	for tp, next := range offsets {
		c.metrics.Emit(Metric{Operation: CommitOperation, StartTime: start, GroupId: c.cfg.GroupId,
			Topic: tp.Topic, Partition: tp.Partition, Offset: next, Count: 1, PartitionCount: 1})
	}
	log.Debugf("committed %v", offsets)
	return len(offsets), nil
}

func (c *StatefulConsumer) commitCandidates() map[TopicPartition]int64 {
	safe := c.tracker.SafeCommitOffsets()
	checkpoints := c.stores.Checkpoints()
	c.commitMux.Lock()
	defer c.commitMux.Unlock()
	offsets := make(map[TopicPartition]int64, len(safe))
	for tp, offset := range safe {
		if checkpoints != nil {
			durable, ok := checkpoints.DurableOffset(tp)
			if !ok {
				continue
			}
			offset = sak.Min(offset, durable)
		}
		next := offset + 1
		if prev, ok := c.committed[tp]; ok && next <= prev {
			continue
		}
		offsets[tp] = next
	}
	return offsets
}

func (c *StatefulConsumer) groupCommit(ctx context.Context, offsets map[TopicPartition]int64) error {
	uncommitted := make(map[string]map[int32]kgo.EpochOffset)
	for tp, next := range offsets {
		if uncommitted[tp.Topic] == nil {
			uncommitted[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		uncommitted[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: next}
	}
	var commitErr error
	c.client.CommitOffsetsSync(ctx, uncommitted, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			commitErr = err
			return
		}
		for _, topic := range resp.Topics {
			for _, p := range topic.Partitions {
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
					commitErr = fmt.Errorf("commit %s/%d: %w", topic.Topic, p.Partition, err)
				}
			}
		}
	})
	return commitErr
}

func (c *StatefulConsumer) adminCommit(ctx context.Context, offsets map[TopicPartition]int64) error {
	toCommit := make(kadm.Offsets)
	for tp, next := range offsets {
		toCommit.Add(kadm.Offset{Topic: tp.Topic, Partition: tp.Partition, At: next, LeaderEpoch: -1})
	}
	resp, err := c.admin.CommitOffsets(ctx, c.cfg.GroupId, toCommit)
	if err != nil {
		return err
	}
	return resp.Error()
}

func (c *StatefulConsumer) commitLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emitCompletions()
			commitCtx, cancel := context.WithTimeout(ctx, DefaultIOTimeout)
			if _, err := c.CommitOffsets(commitCtx); err != nil {
				log.Warnf("offset commit failed: %v", err)
			}
			cancel()
		}
	}
}

func (c *StatefulConsumer) orphanLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.OrphanCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.stores.DeleteOrphans(ctx); err != nil {
				log.Warnf("orphan cleanup failed: %v", err)
			} else if n > 0 {
				log.Infof("removed %d orphaned store directories", n)
			}
		}
	}
}

// shutdown drains in-flight messages, commits, leaves the group and closes every remaining store.
func (c *StatefulConsumer) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	if _, err := c.tracker.WaitForDrain(ctx); err != nil {
		count, bytes := c.tracker.InFlight()
		log.Warnf("shutting down with %d messages (%d bytes) in flight: %v", count, bytes, err)
	}
	c.emitCompletions()
	_, err := c.CommitOffsets(ctx)
	if err != nil {
		log.Errorf("final offset commit failed: %v", err)
	}
	if c.cfg.Mode == ExternalAssignment {
		if _, commitErr := c.revokeRemaining(); commitErr != nil {
			log.Errorf("final offset commit failed: %v", commitErr)
		}
	}
	if c.client != nil {
		// leaving the group revokes everything still assigned
		c.client.Close()
	}
	c.revokeRemaining()
	c.rebalances.Wait()
	c.workStatus.Halt()
	log.Infof("StatefulConsumer %s stopped", c.cfg.GroupId)
	return err
}

func (c *StatefulConsumer) revokeRemaining() (map[TopicPartition]int64, error) {
	c.workerMux.Lock()
	remaining := sak.MapKeysToSlice(c.workers)
	c.workerMux.Unlock()
	if len(remaining) == 0 {
		return nil, nil
	}
	return c.revoke(remaining, true)()
}
