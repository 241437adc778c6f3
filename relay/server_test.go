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

package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aws/go-kafka-stateful-streams/assign"
	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/aws/go-kafka-stateful-streams/streams/codec"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var testKeys = assign.NewKeys("/kss")

func tp(p int32) streams.TopicPartition {
	return streams.NewTopicPartition("events", p)
}

func putValue[T any](t *testing.T, store assign.ConsensusStore, key string, v T) {
	t.Helper()
	b, err := codec.MarshalJson(v)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(context.Background(), key, b, assign.NoLease); err != nil {
		t.Fatal(err)
	}
}

func putAssignment(t *testing.T, store assign.ConsensusStore, p int32, owner string) {
	putValue(t, store, testKeys.Assignment(tp(p)), assign.Assignment{Topic: "events", Partition: p, Owner: owner, Status: assign.AssignmentActive})
}

func putHandoff(t *testing.T, store assign.ConsensusStore, p int32, from, to string, phase assign.HandoffPhase) {
	putValue(t, store, testKeys.Handoff(tp(p)), assign.HandoffState{Topic: "events", Partition: p, OldOwner: from, NewOwner: to, Phase: phase})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type recordingHandler struct {
	mu          sync.Mutex
	owned       map[streams.TopicPartition]bool
	assignments int
	snapshots   int
	warmUps     []assign.HandoffState
	releases    []assign.HandoffState
	failures    int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{owned: make(map[streams.TopicPartition]bool)}
}

func (h *recordingHandler) HandleAssignment(_ context.Context, snapshot bool, added, removed []streams.TopicPartition) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		return errors.New("store not ready")
	}
	h.assignments++
	if snapshot {
		h.snapshots++
		h.owned = make(map[streams.TopicPartition]bool)
	}
	for _, tp := range added {
		h.owned[tp] = true
	}
	for _, tp := range removed {
		delete(h.owned, tp)
	}
	return nil
}

func (h *recordingHandler) HandleWarmUp(_ context.Context, handoff assign.HandoffState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.warmUps = append(h.warmUps, handoff)
	return nil
}

func (h *recordingHandler) HandleRelease(_ context.Context, handoff assign.HandoffState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releases = append(h.releases, handoff)
	return nil
}

func (h *recordingHandler) snapshot() (owned []streams.TopicPartition, snapshots, warmUps, releases int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := streams.NewTopicPartitionSet()
	for tp := range h.owned {
		set.Insert(tp)
	}
	return set.Items(), h.snapshots, len(h.warmUps), len(h.releases)
}

type relayHarness struct {
	t      *testing.T
	store  *assign.MemoryStore
	server *Server
	lis    *bufconn.Listener
	ctx    context.Context
}

func newRelayHarness(t *testing.T) *relayHarness {
	store := assign.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	server := NewServer(store, ServerConfig{Keys: testKeys}, nil)
	go server.Run(ctx)
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(GRPCConfig{})
	RegisterRelayServer(gs, server)
	go gs.Serve(lis)
	t.Cleanup(func() {
		cancel()
		gs.Stop()
		store.Close()
	})
	return &relayHarness{t: t, store: store, server: server, lis: lis, ctx: ctx}
}

func (h *relayHarness) client(worker string, handler CommandHandler) *Client {
	h.t.Helper()
	c, err := NewClient(ClientConfig{
		Address:           "bufnet",
		Worker:            worker,
		ReconnectInterval: 10 * time.Millisecond,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return h.lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	}, handler)
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() { c.Close() })
	return c
}

func (h *relayHarness) run(c *Client) {
	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRelaySnapshotOnConnect(t *testing.T) {
	h := newRelayHarness(t)
	putAssignment(t, h.store, 0, "w1")
	putAssignment(t, h.store, 1, "w2")
	putAssignment(t, h.store, 2, "w1")
	putHandoff(t, h.store, 1, "w2", "w1", assign.HandoffWarming)

	handler := newRecordingHandler()
	h.run(h.client("w1", handler))

	waitFor(t, "snapshot", func() bool {
		_, snapshots, warmUps, _ := handler.snapshot()
		return snapshots == 1 && warmUps == 1
	})
	owned, _, _, releases := handler.snapshot()
	if len(owned) != 2 || owned[0] != tp(0) || owned[1] != tp(2) {
		t.Errorf("incorrect snapshot, actual: %v, expected: [events/0 events/2]", owned)
	}
	if releases != 0 {
		t.Errorf("unexpected releases, actual: %d, expected: 0", releases)
	}
	handler.mu.Lock()
	if handler.warmUps[0].TopicPartition() != tp(1) {
		t.Errorf("incorrect warm up, actual: %v, expected: %v", handler.warmUps[0].TopicPartition(), tp(1))
	}
	handler.mu.Unlock()
}

func TestRelayDeltas(t *testing.T) {
	h := newRelayHarness(t)
	handler := newRecordingHandler()
	h.run(h.client("w1", handler))
	waitFor(t, "empty snapshot", func() bool {
		_, snapshots, _, _ := handler.snapshot()
		return snapshots == 1
	})

	putAssignment(t, h.store, 0, "w1")
	waitFor(t, "assignment delta", func() bool {
		owned, _, _, _ := handler.snapshot()
		return len(owned) == 1
	})

	// a completed handoff moves ownership and asks the old owner to release
	putHandoff(t, h.store, 0, "w1", "w2", assign.HandoffComplete)
	putAssignment(t, h.store, 0, "w2")
	waitFor(t, "release", func() bool {
		owned, _, _, releases := handler.snapshot()
		return len(owned) == 0 && releases == 1
	})
	if _, snapshots, _, _ := handler.snapshot(); snapshots != 1 {
		t.Errorf("deltas must not resend the snapshot, actual: %d, expected: 1", snapshots)
	}
}

func TestRelayReconnectsAfterHandlerError(t *testing.T) {
	h := newRelayHarness(t)
	putAssignment(t, h.store, 3, "w1")
	handler := newRecordingHandler()
	handler.failures = 1
	c := h.client("w1", handler)
	h.run(c)

	waitFor(t, "second snapshot", func() bool {
		owned, _, _, _ := handler.snapshot()
		return len(owned) == 1
	})
	if c.Sessions() < 2 {
		t.Errorf("expected a reconnect, actual sessions: %d, expected: >= 2", c.Sessions())
	}
}

func TestRelayReportReady(t *testing.T) {
	h := newRelayHarness(t)
	putAssignment(t, h.store, 0, "w1")
	putHandoff(t, h.store, 0, "w1", "w2", assign.HandoffWarming)
	ctx := context.Background()

	if err := h.client("w2", newRecordingHandler()).ReportReady(ctx, tp(0)); err != nil {
		t.Fatal(err)
	}
	state, err := assign.LoadState(ctx, h.store, testKeys)
	if err != nil {
		t.Fatal(err)
	}
	if phase := state.Handoffs[tp(0)].Value.Phase; phase != assign.HandoffReady {
		t.Errorf("incorrect phase, actual: %v, expected: %v", phase, assign.HandoffReady)
	}

	err = h.client("w3", newRecordingHandler()).ReportReady(ctx, tp(0))
	if code := status.Code(err); code != codes.FailedPrecondition {
		t.Errorf("incorrect code for non participant, actual: %v, expected: %v", code, codes.FailedPrecondition)
	}
	err = h.client("w2", newRecordingHandler()).ReportReady(ctx, tp(7))
	if code := status.Code(err); code != codes.NotFound {
		t.Errorf("incorrect code for missing handoff, actual: %v, expected: %v", code, codes.NotFound)
	}
}

func TestRelayQueueOverflowClosesSession(t *testing.T) {
	store := assign.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	server := NewServer(store, ServerConfig{Keys: testKeys, QueueSize: 2}, nil)
	load := func() *assign.State {
		state, err := assign.LoadState(ctx, store, testKeys)
		if err != nil {
			t.Fatal(err)
		}
		return state
	}
	server.apply(load())
	sess := server.attach("w1")

	for p := int32(0); p < 3; p++ {
		putAssignment(t, store, p, "w1")
		server.apply(load())
	}
	select {
	case <-sess.done:
	default:
		t.Fatal("session should be closed after overflow")
	}
	if !errors.Is(sess.err, ErrQueueOverflow) {
		t.Errorf("incorrect error, actual: %v, expected: %v", sess.err, ErrQueueOverflow)
	}
	if kind := streams.KindOf(sess.err); kind != streams.BackpressureExceeded {
		t.Errorf("incorrect kind, actual: %v, expected: %v", kind, streams.BackpressureExceeded)
	}

	// the replacement session starts over with a snapshot holding everything
	next := server.attach("w1")
	cmd := <-next.queue
	if !cmd.Snapshot || len(cmd.Added) != 3 || cmd.Sequence != 1 {
		t.Errorf("incorrect snapshot after overflow, actual: %v", cmd)
	}
}

func TestRelaySessionReplaced(t *testing.T) {
	store := assign.NewMemoryStore()
	defer store.Close()
	server := NewServer(store, ServerConfig{Keys: testKeys}, nil)
	first := server.attach("w1")
	second := server.attach("w1")
	select {
	case <-first.done:
	default:
		t.Fatal("first session should be closed")
	}
	if !errors.Is(first.err, ErrSessionReplaced) {
		t.Errorf("incorrect error, actual: %v, expected: %v", first.err, ErrSessionReplaced)
	}
	server.detach(first)
	if infos := server.Sessions(); len(infos) != 1 || infos[0].Id != second.id {
		t.Errorf("detaching a replaced session must keep the new one, actual: %v", infos)
	}
}

func TestDeltaCommands(t *testing.T) {
	from := workerView{
		owned:    map[streams.TopicPartition]struct{}{tp(0): {}, tp(1): {}},
		handoffs: map[streams.TopicPartition]assign.HandoffState{},
	}
	warming := assign.HandoffState{Topic: "events", Partition: 5, OldOwner: "w2", NewOwner: "w1", Phase: assign.HandoffWarming}
	to := workerView{
		owned:    map[streams.TopicPartition]struct{}{tp(1): {}, tp(2): {}},
		handoffs: map[streams.TopicPartition]assign.HandoffState{tp(5): warming},
	}
	cmds := deltaCommands("w1", from, to)
	if len(cmds) != 2 {
		t.Fatalf("incorrect command count, actual: %d, expected: 2", len(cmds))
	}
	if cmds[0].Type != CommandAssignment || len(cmds[0].Added) != 1 || cmds[0].Added[0] != tp(2) ||
		len(cmds[0].Removed) != 1 || cmds[0].Removed[0] != tp(0) {
		t.Errorf("incorrect assignment delta, actual: %v", cmds[0])
	}
	if cmds[1].Type != CommandWarmUp || cmds[1].Handoff.TopicPartition() != tp(5) {
		t.Errorf("incorrect warm up, actual: %v", cmds[1])
	}

	// an unchanged handoff is not resent, moving to Ready needs nothing from the new owner
	ready := warming
	ready.Phase = assign.HandoffReady
	next := workerView{owned: to.owned, handoffs: map[streams.TopicPartition]assign.HandoffState{tp(5): ready}}
	if cmds := deltaCommands("w1", to, to); len(cmds) != 0 {
		t.Errorf("unexpected commands for identical views: %v", cmds)
	}
	if cmds := deltaCommands("w1", to, next); len(cmds) != 0 {
		t.Errorf("unexpected commands for Ready: %v", cmds)
	}
}

func TestRecoveryInterceptor(t *testing.T) {
	interceptor := UnaryRecoveryInterceptor()
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: reportReadyMethod},
		func(context.Context, any) (any, error) {
			panic("boom")
		})
	if code := status.Code(err); code != codes.Internal {
		t.Errorf("incorrect code, actual: %v, expected: %v", code, codes.Internal)
	}
}
