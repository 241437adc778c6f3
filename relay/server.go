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
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/go-kafka-stateful-streams/assign"
	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/aws/go-kafka-stateful-streams/streams/sak"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// The worker did not keep up with its command queue. The stream is closed and the worker
	// resynchronizes from a fresh snapshot when it reconnects.
	ErrQueueOverflow = streams.NewError(streams.BackpressureExceeded, "relay", errors.New("command queue overflow"))
	// Another stream subscribed with the same worker name.
	ErrSessionReplaced = errors.New("session replaced by a newer subscription")
	errWatchClosed     = errors.New("watch closed")
)

type ServerConfig struct {
	Keys assign.Keys
	// Commands buffered per worker before the stream is closed. Default 256.
	QueueSize int
	// Timeout for consensus store calls made on behalf of ReportReady. Default 30s.
	IOTimeout time.Duration
	// Retry policy for reloading state after a store error. Defaults to sak.DefaultBackoff.
	Backoff sak.Backoff
}

const DefaultQueueSize = 256

func (cfg ServerConfig) withDefaults() ServerConfig {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = streams.DefaultIOTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = sak.DefaultBackoff
	}
	return cfg
}

// workerView is what a single worker has been told so far.
type workerView struct {
	owned    map[streams.TopicPartition]struct{}
	handoffs map[streams.TopicPartition]assign.HandoffState
}

func viewOf(state *assign.State, worker string) workerView {
	v := workerView{
		owned:    make(map[streams.TopicPartition]struct{}),
		handoffs: make(map[streams.TopicPartition]assign.HandoffState),
	}
	if state == nil {
		return v
	}
	for _, tp := range state.Owned(worker) {
		v.owned[tp] = struct{}{}
	}
	for _, h := range state.HandoffsOf(worker) {
		v.handoffs[h.TopicPartition()] = h
	}
	return v
}

func sortedPartitions(m map[streams.TopicPartition]struct{}) []streams.TopicPartition {
	set := streams.NewTopicPartitionSet()
	for tp := range m {
		set.Insert(tp)
	}
	return set.Items()
}

func handoffCommand(t CommandType, h assign.HandoffState) *Command {
	return &Command{Type: t, Handoff: &h}
}

// snapshotCommands is everything a freshly connected worker needs to converge.
// A new owner in Warming or Ready is asked to warm up again since it may have restarted.
func snapshotCommands(worker string, v workerView) []*Command {
	cmds := []*Command{{Type: CommandAssignment, Snapshot: true, Added: sortedPartitions(v.owned)}}
	for _, h := range sortedHandoffs(v.handoffs) {
		switch {
		case h.NewOwner == worker && h.Phase != assign.HandoffComplete:
			cmds = append(cmds, handoffCommand(CommandWarmUp, h))
		case h.OldOwner == worker && h.Phase == assign.HandoffComplete:
			cmds = append(cmds, handoffCommand(CommandRelease, h))
		}
	}
	return cmds
}

// deltaCommands derives the commands that take worker from view `from` to view `to`.
func deltaCommands(worker string, from, to workerView) []*Command {
	var cmds []*Command
	added := make(map[streams.TopicPartition]struct{})
	removed := make(map[streams.TopicPartition]struct{})
	for tp := range to.owned {
		if _, ok := from.owned[tp]; !ok {
			added[tp] = struct{}{}
		}
	}
	for tp := range from.owned {
		if _, ok := to.owned[tp]; !ok {
			removed[tp] = struct{}{}
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		cmds = append(cmds, &Command{Type: CommandAssignment, Added: sortedPartitions(added), Removed: sortedPartitions(removed)})
	}
	for _, h := range sortedHandoffs(to.handoffs) {
		prev, existed := from.handoffs[h.TopicPartition()]
		changed := !existed || prev.Phase != h.Phase || prev.NewOwner != h.NewOwner || prev.OldOwner != h.OldOwner
		if !changed {
			continue
		}
		switch {
		case h.NewOwner == worker && h.Phase == assign.HandoffWarming:
			cmds = append(cmds, handoffCommand(CommandWarmUp, h))
		case h.OldOwner == worker && h.Phase == assign.HandoffComplete:
			cmds = append(cmds, handoffCommand(CommandRelease, h))
		}
	}
	return cmds
}

func sortedHandoffs(m map[streams.TopicPartition]assign.HandoffState) []assign.HandoffState {
	set := streams.NewTopicPartitionSet()
	for tp := range m {
		set.Insert(tp)
	}
	handoffs := make([]assign.HandoffState, 0, len(m))
	for _, tp := range set.Items() {
		handoffs = append(handoffs, m[tp])
	}
	return handoffs
}

type session struct {
	id       string
	worker   string
	queue    chan *Command
	view     workerView
	sequence uint64
	sent     atomic.Uint64
	acked    atomic.Uint64
	done     chan struct{}
	once     sync.Once
	err      error
}

func (s *session) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// SessionInfo describes a connected worker stream.
type SessionInfo struct {
	Id     string
	Worker string
	Sent   uint64
	Acked  uint64
}

// Server fans the consensus store's assignment state out to connected workers.
// It keeps a single cached State, refreshed on every watch notification, and a view per session
// so each worker only receives the changes that concern it.
type Server struct {
	store    assign.ConsensusStore
	cfg      ServerConfig
	metrics  *streams.MetricsEmitter
	mu       sync.Mutex
	state    *assign.State
	sessions map[string]*session
	loaded   chan struct{}
	loadOnce sync.Once
}

func NewServer(store assign.ConsensusStore, cfg ServerConfig, metrics *streams.MetricsEmitter) *Server {
	return &Server{
		store:    store,
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		sessions: make(map[string]*session),
		loaded:   make(chan struct{}),
	}
}

// Run keeps the cached state current until ctx is done, then closes every session.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeAll(context.Canceled)
	attempt := 0
	for {
		state, err := assign.LoadState(ctx, s.store, s.cfg.Keys)
		if err == nil {
			attempt = 0
			s.apply(state)
			err = s.follow(ctx, state.Revision)
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, assign.ErrWatchCompacted) {
			streams.Log().Infof("relay watch compacted, reloading state")
			continue
		}
		streams.Log().Warnf("relay lost the consensus store: %v", err)
		if !sak.SleepContext(ctx, s.cfg.Backoff.Delay(attempt)) {
			return nil
		}
		attempt++
	}
}

func (s *Server) follow(ctx context.Context, revision int64) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for resp := range s.store.Watch(watchCtx, s.cfg.Keys.Prefix, revision+1) {
		if resp.Err != nil {
			return resp.Err
		}
		state, err := assign.LoadState(ctx, s.store, s.cfg.Keys)
		if err != nil {
			return err
		}
		s.apply(state)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errWatchClosed
}

func (s *Server) apply(state *assign.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil && state.Revision < s.state.Revision {
		return
	}
	s.state = state
	for _, sess := range s.sessions {
		next := viewOf(state, sess.worker)
		s.enqueueLocked(sess, state.Revision, deltaCommands(sess.worker, sess.view, next))
		sess.view = next
	}
	s.loadOnce.Do(func() { close(s.loaded) })
}

// enqueueLocked never blocks. A full queue closes the session instead.
func (s *Server) enqueueLocked(sess *session, revision int64, cmds []*Command) {
	for _, cmd := range cmds {
		sess.sequence++
		cmd.Sequence = sess.sequence
		cmd.Revision = revision
		select {
		case sess.queue <- cmd:
		default:
			streams.Log().Warnf("relay queue for %s is full, closing session %s", sess.worker, sess.id)
			s.metrics.Emit(streams.Metric{Operation: streams.RelayOverflowOperation, Count: 1})
			sess.close(ErrQueueOverflow)
			return
		}
	}
}

// attach registers a session for worker and queues its snapshot. An existing session for the same worker is closed.
func (s *Server) attach(worker string) *session {
	sess := &session{
		id:     uuid.NewString(),
		worker: worker,
		queue:  make(chan *Command, s.cfg.QueueSize),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.sessions[worker]; ok {
		prev.close(ErrSessionReplaced)
	}
	s.sessions[worker] = sess
	sess.view = viewOf(s.state, worker)
	var revision int64
	if s.state != nil {
		revision = s.state.Revision
	}
	s.enqueueLocked(sess, revision, snapshotCommands(worker, sess.view))
	s.metrics.Emit(streams.Metric{Operation: streams.RelaySessionOperation, Count: 1})
	return sess
}

func (s *Server) detach(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.worker] == sess {
		delete(s.sessions, sess.worker)
	}
	sess.close(nil)
}

func (s *Server) closeAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.close(err)
	}
}

// Loaded reports whether the initial state has been read from the store.
func (s *Server) Loaded() bool {
	select {
	case <-s.loaded:
		return true
	default:
		return false
	}
}

// Sessions lists the connected workers.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, SessionInfo{
			Id:     sess.id,
			Worker: sess.worker,
			Sent:   sess.sent.Load(),
			Acked:  sess.acked.Load(),
		})
	}
	return infos
}

// Subscribe implements RelayServer.
func (s *Server) Subscribe(stream SubscribeStream) error {
	ctx := stream.Context()
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	if req.Worker == "" {
		return status.Error(codes.InvalidArgument, "worker name is required")
	}
	select {
	case <-s.loaded:
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
	sess := s.attach(req.Worker)
	defer s.detach(sess)
	streams.Log().Infof("relay session %s opened for %s", sess.id, sess.worker)

	go func() {
		for {
			ack, err := stream.Recv()
			if err != nil {
				sess.close(nil)
				return
			}
			sess.acked.Store(ack.AckSequence)
		}
	}()

	for {
		select {
		case cmd := <-sess.queue:
			if err := stream.Send(cmd); err != nil {
				return err
			}
			sess.sent.Add(1)
			s.metrics.Emit(streams.Metric{Operation: streams.RelayCommandOperation, Count: 1})
		case <-sess.done:
			switch {
			case errors.Is(sess.err, ErrQueueOverflow):
				return status.Error(codes.ResourceExhausted, sess.err.Error())
			case errors.Is(sess.err, ErrSessionReplaced):
				return status.Error(codes.Aborted, sess.err.Error())
			case sess.err != nil:
				return status.Error(codes.Unavailable, sess.err.Error())
			}
			return nil
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

// ReportReady implements RelayServer. It advances the handoff to Ready on behalf of the new owner.
func (s *Server) ReportReady(ctx context.Context, req *ReadyRequest) (*ReadyResponse, error) {
	if req.Worker == "" || req.Topic == "" {
		return nil, status.Error(codes.InvalidArgument, "worker and topic are required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()
	err := assign.MarkHandoffReady(ctx, s.store, s.cfg.Keys, req.TopicPartition(), req.Worker)
	switch {
	case err == nil:
		return &ReadyResponse{Phase: assign.HandoffReady}, nil
	case errors.Is(err, assign.ErrNotFound):
		return nil, status.Errorf(codes.NotFound, "no handoff for %v", req.TopicPartition())
	case errors.Is(err, assign.ErrNotHandoffParticipant):
		return nil, status.Errorf(codes.FailedPrecondition, "%s is not the new owner of %v", req.Worker, req.TopicPartition())
	case errors.Is(err, assign.ErrCASFailed):
		return nil, status.Errorf(codes.Aborted, "handoff for %v changed concurrently", req.TopicPartition())
	}
	return nil, status.Errorf(codes.Unavailable, "consensus store: %v", err)
}
