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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams/objstore"
	"github.com/twmb/franz-go/pkg/kgo"
)

type recordingCommitter struct {
	mu      sync.Mutex
	commits []map[TopicPartition]int64
}

func (rc *recordingCommitter) commit(_ context.Context, offsets map[TopicPartition]int64) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	cp := make(map[TopicPartition]int64, len(offsets))
	for tp, o := range offsets {
		cp[tp] = o
	}
	rc.commits = append(rc.commits, cp)
	return nil
}

func (rc *recordingCommitter) last() map[TopicPartition]int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.commits) == 0 {
		return nil
	}
	return rc.commits[len(rc.commits)-1]
}

func (rc *recordingCommitter) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.commits)
}

type testConsumer struct {
	*StatefulConsumer
	committer *recordingCommitter
	seeks     chan int64
}

func newTestConsumer(t *testing.T, cfg ConsumerConfig, processor Processor, checkpoints *Checkpointer, gate *RebalanceCoordinator, producer *OutputProducer) testConsumer {
	t.Helper()
	if gate == nil {
		gate = NewRebalanceCoordinator()
	}
	if cfg.GroupId == "" {
		cfg.GroupId = "test-group"
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{"events"}
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	manager := newTestManager(t, gate, checkpoints)
	c := newStatefulConsumer(context.Background(), cfg, manager, processor, producer, nil)
	tc := testConsumer{StatefulConsumer: c, committer: &recordingCommitter{}, seeks: make(chan int64, 8)}
	c.commit = tc.committer.commit
	c.seek = func(_ TopicPartition, offset int64) { tc.seeks <- offset }
	t.Cleanup(func() {
		c.revokeRemaining()
		c.workStatus.Halt()
	})
	return tc
}

func (tc testConsumer) assign(t *testing.T, tps ...TopicPartition) {
	t.Helper()
	tc.partitionsAssigned(context.Background(), nil, NewTopicPartitionSet(tps...).ByTopic())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tc.gate.WaitUntilSettled(ctx, time.Millisecond); err != nil {
		t.Fatal(err)
	}
}

func (tc testConsumer) deliver(tp TopicPartition, offsets ...int64) {
	records := make([]*kgo.Record, len(offsets))
	for i, o := range offsets {
		records[i] = &kgo.Record{Topic: tp.Topic, Partition: tp.Partition, Offset: o, Key: []byte("k"), Value: []byte("v")}
	}
	tc.receive(kgo.FetchTopicPartition{Topic: tp.Topic, FetchPartition: kgo.FetchPartition{Partition: tp.Partition, Records: records}})
}

func (tc testConsumer) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := tc.tracker.WaitForDrain(ctx); err != nil {
		t.Fatal(err)
	}
}

var nopProcessor = ProcessorFunc(func(context.Context, *Message) error { return nil })

func TestConsumerCommitsSafeOffsets(t *testing.T) {
	tc := newTestConsumer(t, ConsumerConfig{}, nopProcessor, nil, nil, nil)
	tp := ntp(0, "events")
	tc.assign(t, tp)
	tc.deliver(tp, 0, 1, 2)
	tc.drain(t)

	n, err := tc.CommitOffsets(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("commit failed. n: %d, err: %v", n, err)
	}
	if actual := tc.committer.last()[tp]; actual != 3 {
		t.Errorf("incorrect commit position. actual: %d, expected: %d", actual, 3)
	}
	// nothing moved
	if n, _ := tc.CommitOffsets(context.Background()); n != 0 {
		t.Errorf("commit repeated. actual: %d, expected: %d", n, 0)
	}
}

func TestCommitSkippedDuringRebalance(t *testing.T) {
	tc := newTestConsumer(t, ConsumerConfig{}, nopProcessor, nil, nil, nil)
	tp := ntp(0, "events")
	tc.assign(t, tp)
	tc.deliver(tp, 10, 11)
	tc.drain(t)

	tc.gate.Start()
	if n, err := tc.CommitOffsets(context.Background()); n != 0 || err != nil {
		t.Errorf("commit should be skipped. n: %d, err: %v", n, err)
	}
	if tc.committer.count() != 0 {
		t.Errorf("committer invoked during rebalance")
	}
	tc.gate.Finish()
	if n, _ := tc.CommitOffsets(context.Background()); n != 1 {
		t.Errorf("commit should resume after rebalance. actual: %d, expected: %d", n, 1)
	}
	if actual := tc.committer.last()[tp]; actual != 12 {
		t.Errorf("incorrect commit position. actual: %d, expected: %d", actual, 12)
	}
}

func TestCommitClampedToCheckpoint(t *testing.T) {
	ctx := context.Background()
	gate := NewRebalanceCoordinator()
	checkpoints := NewCheckpointer(objstore.NewMemoryStore(), gate, CheckpointConfig{TempDir: t.TempDir()}, nil)
	tc := newTestConsumer(t, ConsumerConfig{}, nopProcessor, checkpoints, gate, nil)
	tp := ntp(1, "events")
	tc.assign(t, tp)
	offsets := make([]int64, 10)
	for i := range offsets {
		offsets[i] = int64(i)
	}
	tc.deliver(tp, offsets...)
	tc.drain(t)

	if n, _ := tc.CommitOffsets(ctx); n != 0 {
		t.Errorf("committed without a durable checkpoint. actual: %d, expected: %d", n, 0)
	}
	ps, _ := tc.stores.Get(tp)
	if _, err := checkpoints.Checkpoint(ctx, ps, 4); err != nil {
		t.Fatal(err)
	}
	tc.CommitOffsets(ctx)
	if actual := tc.committer.last()[tp]; actual != 5 {
		t.Errorf("incorrect clamped position. actual: %d, expected: %d", actual, 5)
	}
	if n, err := checkpoints.RunOnce(ctx, tc.stores, tc.tracker); n != 1 || err != nil {
		t.Fatalf("checkpoint cycle failed. n: %d, err: %v", n, err)
	}
	tc.CommitOffsets(ctx)
	if actual := tc.committer.last()[tp]; actual != 10 {
		t.Errorf("incorrect position after checkpoint. actual: %d, expected: %d", actual, 10)
	}
}

func TestFailPartitionRestartsFromSafeOffset(t *testing.T) {
	var attempts atomic.Int32
	processor := ProcessorFunc(func(_ context.Context, msg *Message) error {
		if msg.Offset() == 2 && attempts.Add(1) == 1 {
			return errors.New("boom")
		}
		return nil
	})
	tc := newTestConsumer(t, ConsumerConfig{}, processor, nil, nil, nil)
	tp := ntp(0, "events")
	tc.assign(t, tp)
	tc.deliver(tp, 0, 1, 2, 3, 4)
	tc.drain(t)

	if safe, _ := tc.tracker.SafeCommitOffset(tp); safe != 1 {
		t.Errorf("nacked offset should hold the safe offset. actual: %d, expected: %d", safe, 1)
	}
	tc.processRestarts()
	select {
	case offset := <-tc.seeks:
		if offset != 2 {
			t.Errorf("incorrect seek. actual: %d, expected: %d", offset, 2)
		}
	default:
		t.Fatal("partition was not restarted")
	}

	tc.deliver(tp, 2, 3, 4)
	tc.drain(t)
	tc.CommitOffsets(context.Background())
	if actual := tc.committer.last()[tp]; actual != 5 {
		t.Errorf("incorrect commit position after restart. actual: %d, expected: %d", actual, 5)
	}
}

func TestProcessorPanicIsContractViolation(t *testing.T) {
	var kind atomic.Int32
	cfg := ConsumerConfig{ErrorHandler: func(_ ProcessorErrorContext, err error) ErrorResponse {
		kind.Store(int32(KindOf(err)))
		return CompleteAndContinue
	}}
	processor := ProcessorFunc(func(context.Context, *Message) error { panic("bad processor") })
	tc := newTestConsumer(t, cfg, processor, nil, nil, nil)
	tp := ntp(0, "events")
	tc.assign(t, tp)
	tc.deliver(tp, 0)
	tc.drain(t)

	if ErrorKind(kind.Load()) != ContractViolation {
		t.Errorf("incorrect error kind. actual: %v, expected: %v", ErrorKind(kind.Load()), ContractViolation)
	}
	if safe, _ := tc.tracker.SafeCommitOffset(tp); safe != 0 {
		t.Errorf("CompleteAndContinue should ack. actual: %d, expected: %d", safe, 0)
	}
}

func TestFailConsumerStopsPolling(t *testing.T) {
	cfg := ConsumerConfig{ErrorHandler: func(ProcessorErrorContext, error) ErrorResponse { return FailConsumer }}
	failure := errors.New("unrecoverable")
	processor := ProcessorFunc(func(context.Context, *Message) error { return failure })
	tc := newTestConsumer(t, cfg, processor, nil, nil, nil)
	tp := ntp(0, "events")
	tc.assign(t, tp)
	tc.deliver(tp, 0)
	tc.drain(t)

	select {
	case err := <-tc.fatal:
		if !errors.Is(err, failure) {
			t.Errorf("incorrect error. actual: %v, expected: %v", err, failure)
		}
	default:
		t.Error("consumer was not failed")
	}
	if tc.pollStatus.Running() {
		t.Error("polling should be halted")
	}
}

func TestFatallyExit(t *testing.T) {
	cfg := ConsumerConfig{ErrorHandler: func(ProcessorErrorContext, error) ErrorResponse { return FatallyExit }}
	processor := ProcessorFunc(func(context.Context, *Message) error { return errors.New("fatal") })
	tc := newTestConsumer(t, cfg, processor, nil, nil, nil)
	exitCode := make(chan int, 1)
	tc.exit = func(code int) { exitCode <- code }
	tp := ntp(0, "events")
	tc.assign(t, tp)
	tc.deliver(tp, 0)
	tc.drain(t)
	select {
	case code := <-exitCode:
		if code != 1 {
			t.Errorf("incorrect exit code. actual: %d, expected: %d", code, 1)
		}
	default:
		t.Error("exit was not called")
	}
}

type fakeKafkaProducer struct {
	mu       sync.Mutex
	records  []*kgo.Record
	promises []func(*kgo.Record, error)
}

func (f *fakeKafkaProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	f.promises = append(f.promises, promise)
}

func (f *fakeKafkaProducer) Flush(context.Context) error { return nil }
func (f *fakeKafkaProducer) Close()                      {}

func (f *fakeKafkaProducer) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.promises)
}

func (f *fakeKafkaProducer) completeAll(err error) {
	f.mu.Lock()
	records, promises := f.records, f.promises
	f.records, f.promises = nil, nil
	f.mu.Unlock()
	for i, p := range promises {
		p(records[i], err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEmitDefersAck(t *testing.T) {
	kafka := &fakeKafkaProducer{}
	producer := NewOutputProducerWithClient(kafka, ProducerConfig{DefaultTopic: "out"}, nil)
	defer producer.Close(context.Background())
	processor := ProcessorFunc(func(_ context.Context, msg *Message) error {
		return msg.Emit(&kgo.Record{Key: msg.Key(), Value: msg.Value()})
	})
	tc := newTestConsumer(t, ConsumerConfig{}, processor, nil, nil, producer)
	tp := ntp(0, "events")
	tc.assign(t, tp)
	tc.deliver(tp, 0)

	waitFor(t, func() bool { return kafka.pending() == 1 })
	if count, _ := tc.tracker.InFlight(); count != 1 {
		t.Errorf("message acked before its output was produced. in flight: %d", count)
	}
	kafka.completeAll(nil)
	tc.drain(t)
	if safe, _ := tc.tracker.SafeCommitOffset(tp); safe != 0 {
		t.Errorf("incorrect safe offset. actual: %d, expected: %d", safe, 0)
	}

	tc.deliver(tp, 1)
	waitFor(t, func() bool { return kafka.pending() == 1 })
	kafka.completeAll(errors.New("broker unavailable"))
	tc.drain(t)
	if safe, _ := tc.tracker.SafeCommitOffset(tp); safe != 0 {
		t.Errorf("failed produce should nack. actual: %d, expected: %d", safe, 0)
	}
	tc.processRestarts()
	select {
	case offset := <-tc.seeks:
		if offset != 1 {
			t.Errorf("incorrect seek. actual: %d, expected: %d", offset, 1)
		}
	default:
		t.Error("partition was not restarted after a failed produce")
	}
}

func TestPermitTimeoutRestartsPartition(t *testing.T) {
	release := make(chan struct{})
	processor := ProcessorFunc(func(_ context.Context, msg *Message) error {
		if msg.Offset() == 0 {
			<-release
		}
		return nil
	})
	cfg := ConsumerConfig{MaxInFlight: 1, PermitTimeout: 20 * time.Millisecond}
	tc := newTestConsumer(t, cfg, processor, nil, nil, nil)
	tp := ntp(0, "events")
	tc.assign(t, tp)
	tc.deliver(tp, 0, 1)

	tc.restartMux.Lock()
	req, ok := tc.restarts[tp]
	tc.restartMux.Unlock()
	if !ok || req.fallback != 1 || !errors.Is(req.reason, ErrPermitTimeout) {
		t.Fatalf("permit timeout should request a restart. actual: %+v", req)
	}
	close(release)
	tc.drain(t)
	tc.processRestarts()
	select {
	case offset := <-tc.seeks:
		if offset != 1 {
			t.Errorf("incorrect seek. actual: %d, expected: %d", offset, 1)
		}
	default:
		t.Error("partition was not restarted")
	}
}

func TestRevokeTearsDownPartition(t *testing.T) {
	tc := newTestConsumer(t, ConsumerConfig{}, nopProcessor, nil, nil, nil)
	tp := ntp(3, "events")
	tc.assign(t, tp)
	tc.deliver(tp, 0, 1)
	tc.drain(t)

	finals, err := tc.revoke([]TopicPartition{tp}, true)()
	if err != nil {
		t.Fatal(err)
	}
	if tc.tracker.IsActive(tp) {
		t.Error("partition still active in tracker")
	}
	if _, ok := tc.stores.Get(tp); ok {
		t.Error("store still owned after revoke")
	}
	if tc.gate.IsRebalancing() {
		t.Error("gate still closed after revoke")
	}
	if finals[tp] != 2 {
		t.Errorf("incorrect final position. actual: %d, expected: %d", finals[tp], 2)
	}
	if actual := tc.committer.last()[tp]; actual != 2 {
		t.Errorf("incorrect position committed on revoke. actual: %d, expected: %d", actual, 2)
	}
	// records for a revoked partition are dropped
	tc.deliver(tp, 2)
	if count, _ := tc.tracker.InFlight(); count != 0 {
		t.Errorf("revoked partition tracked records. actual: %d, expected: %d", count, 0)
	}
}

func TestGroupRevokeCommitsFinalPositions(t *testing.T) {
	tc := newTestConsumer(t, ConsumerConfig{}, nopProcessor, nil, nil, nil)
	tp := ntp(4, "events")
	tc.assign(t, tp)
	tc.deliver(tp, 10, 11, 12)
	tc.drain(t)

	gateClosed := make(chan bool, 1)
	tc.commit = func(ctx context.Context, offsets map[TopicPartition]int64) error {
		gateClosed <- tc.gate.IsRebalancing()
		return tc.committer.commit(ctx, offsets)
	}
	tc.partitionsRevoked(context.Background(), nil, NewTopicPartitionSet(tp).ByTopic())

	// the callback returns only after the commit
	if actual := tc.committer.last()[tp]; actual != 13 {
		t.Errorf("incorrect position committed on revoke. actual: %d, expected: %d", actual, 13)
	}
	select {
	case closed := <-gateClosed:
		if !closed {
			t.Error("final positions must be committed while the rebalance guard is held")
		}
	default:
		t.Error("nothing committed on revoke")
	}
}

func TestCommitFinalsSkipsReassignedPartitions(t *testing.T) {
	tc := newTestConsumer(t, ConsumerConfig{}, nopProcessor, nil, nil, nil)
	reassigned, revoked := ntp(0, "events"), ntp(1, "events")
	tc.tracker.MarkPartitionsActive(reassigned)

	committed, err := tc.commitFinals(context.Background(), map[TopicPartition]int64{reassigned: 5, revoked: 7})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := committed[reassigned]; ok {
		t.Error("a partition assigned again must not be committed by the revocation")
	}
	last := tc.committer.last()
	if len(last) != 1 || last[revoked] != 7 {
		t.Errorf("incorrect commit. actual: %v, expected: map[%v:7]", last, revoked)
	}

	count := tc.committer.count()
	if _, err := tc.commitFinals(context.Background(), map[TopicPartition]int64{reassigned: 6}); err != nil {
		t.Fatal(err)
	}
	if tc.committer.count() != count {
		t.Error("nothing should be committed when every partition was reassigned")
	}
}

func TestExternalAssignment(t *testing.T) {
	ctx := context.Background()
	tc := newTestConsumer(t, ConsumerConfig{Mode: ExternalAssignment}, nopProcessor, nil, nil, nil)
	tp := ntp(5, "events")
	if err := tc.Assign(ctx, []TopicPartition{tp}); err != nil {
		t.Fatal(err)
	}
	if _, ok := tc.stores.Get(tp); !ok {
		t.Fatal("store not initialized by Assign")
	}
	if tc.gate.IsRebalancing() {
		t.Error("gate still closed after Assign")
	}
	tc.deliver(tp, 7, 8)
	tc.drain(t)
	if err := tc.Revoke(ctx, []TopicPartition{tp}); err != nil {
		t.Fatal(err)
	}
	if actual := tc.committer.last()[tp]; actual != 9 {
		t.Errorf("incorrect position committed on revoke. actual: %d, expected: %d", actual, 9)
	}
}

func TestAssignRequiresExternalMode(t *testing.T) {
	tc := newTestConsumer(t, ConsumerConfig{}, nopProcessor, nil, nil, nil)
	err := tc.Assign(context.Background(), []TopicPartition{ntp(0, "events")})
	if KindOf(err) != ContractViolation {
		t.Errorf("incorrect error kind. actual: %v, expected: %v", KindOf(err), ContractViolation)
	}
}
