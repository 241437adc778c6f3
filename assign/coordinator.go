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

package assign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/aws/go-kafka-stateful-streams/streams/sak"
)

type CoordinatorConfig struct {
	// Identity written to the leader key. Required.
	Name string
	Keys Keys
	// Full reconciliation interval, regardless of watch events. Defaults to DefaultTickInterval.
	TickInterval time.Duration
	// Quiet period after a watch event before reconciling. Defaults to DefaultDebounce.
	Debounce time.Duration
	// TTL of the leadership lease. Defaults to DefaultLeaseTTL.
	LeaseTTL time.Duration
	// Consecutive failed reconciliations (CAS conflicts) before leadership is yielded. Defaults to DefaultMaxCASRetries.
	MaxCASRetries int
}

const (
	DefaultTickInterval  = 5 * time.Second
	DefaultDebounce      = 250 * time.Millisecond
	DefaultLeaseTTL      = 10 * time.Second
	DefaultMaxCASRetries = 5
)

func (cfg CoordinatorConfig) withDefaults() CoordinatorConfig {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = DefaultMaxCASRetries
	}
	return cfg
}

// ErrYieldLeadership is returned by Tick when CAS conflicts persist past MaxCASRetries.
var ErrYieldLeadership = streams.NewError(streams.LeaseLost, "coordinator", errors.New("too many CAS conflicts, yielding leadership"))

// Coordinator keeps assignments balanced across registered workers. Only the elected leader writes.
type Coordinator struct {
	store   ConsensusStore
	cfg     CoordinatorConfig
	metrics *streams.MetricsEmitter
	leader  atomic.Bool
	// ModRevision of our leader key while leading; every write is conditional on it
	fence   atomic.Int64
	now     func() time.Time
}

func NewCoordinator(store ConsensusStore, cfg CoordinatorConfig, metrics *streams.MetricsEmitter) (*Coordinator, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("CoordinatorConfig.Name is required")
	}
	return &Coordinator{
		store:   store,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

func (c *Coordinator) IsLeader() bool {
	return c.leader.Load()
}

// Run campaigns for leadership and leads until ctx is done. Losing leadership starts a new campaign.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		lease, err := c.campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			streams.Log().Warnf("coordinator %s campaign failed: %v", c.cfg.Name, err)
			if !sak.SleepContext(ctx, c.cfg.Debounce) {
				return nil
			}
			continue
		}
		err = c.lead(ctx, lease)
		c.leader.Store(false)
		c.fence.Store(0)
		c.metrics.Emit(streams.Metric{Operation: streams.LeadershipOperation, Count: 0})
		c.resign(lease)
		if ctx.Err() != nil {
			return nil
		}
		streams.Log().Warnf("coordinator %s lost leadership: %v", c.cfg.Name, err)
	}
}

// campaign blocks until this coordinator holds the leader key.
func (c *Coordinator) campaign(ctx context.Context) (LeaseID, error) {
	key := c.cfg.Keys.Leader()
	for {
		lease, err := c.store.Grant(ctx, c.cfg.LeaseTTL)
		if err != nil {
			return NoLease, err
		}
		rev, err := c.store.Txn(ctx, []Compare{{Key: key, ModRevision: 0}}, []Op{PutOp(key, []byte(c.cfg.Name), lease)})
		if err == nil {
			c.fence.Store(rev)
			streams.Log().Infof("coordinator %s elected leader", c.cfg.Name)
			return lease, nil
		}
		c.resign(lease)
		if !errors.Is(err, ErrCASFailed) {
			return NoLease, err
		}
		if err = c.awaitVacancy(ctx, key); err != nil {
			return NoLease, err
		}
	}
}

// awaitVacancy returns once the leader key is deleted, or after a tick interval as a fallback.
func (c *Coordinator) awaitVacancy(ctx context.Context, key string) error {
	watchCtx, cancel := context.WithTimeout(ctx, c.cfg.TickInterval)
	defer cancel()
	events := c.store.Watch(watchCtx, key, 0)
	if _, err := c.store.Get(ctx, key); errors.Is(err, ErrNotFound) {
		return nil
	}
	for resp := range events {
		for _, e := range resp.Events {
			if e.Type == EventDelete && e.KV.Key == key {
				return nil
			}
		}
	}
	return ctx.Err()
}

func (c *Coordinator) resign(lease LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Debounce+time.Second)
	defer cancel()
	if err := c.store.Revoke(ctx, lease); err != nil {
		streams.Log().Debugf("coordinator %s failed to revoke lease: %v", c.cfg.Name, err)
	}
}

func (c *Coordinator) relevant(key string) bool {
	keys := c.cfg.Keys
	return strings.HasPrefix(key, keys.Workers()) ||
		strings.HasPrefix(key, keys.TopicConfigs()) ||
		strings.HasPrefix(key, keys.Handoffs())
}

func (c *Coordinator) lead(ctx context.Context, lease LeaseID) error {
	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost, err := c.store.KeepAlive(leadCtx, lease)
	if err != nil {
		return err
	}
	c.leader.Store(true)
	c.metrics.Emit(streams.Metric{Operation: streams.LeadershipOperation, Count: 1})

	events := c.store.Watch(leadCtx, c.cfg.Keys.Prefix, 0)
	timer := time.NewTimer(0)
	defer timer.Stop()
	next := c.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return ErrLeaseLost
		case resp, ok := <-events:
			if !ok || resp.Err != nil {
				// reconcile from a fresh read and watch again
				events = c.store.Watch(leadCtx, c.cfg.Keys.Prefix, 0)
				c.schedule(timer, &next, 0)
				continue
			}
			for _, e := range resp.Events {
				if c.relevant(e.KV.Key) {
					c.schedule(timer, &next, c.cfg.Debounce)
					break
				}
			}
		case <-timer.C:
			if err := c.Tick(leadCtx); err != nil {
				if errors.Is(err, ErrYieldLeadership) || errors.Is(err, ErrLeaseLost) {
					return err
				}
				streams.Log().Warnf("coordinator tick failed: %v", err)
			}
			next = c.now().Add(c.cfg.TickInterval)
			timer.Reset(c.cfg.TickInterval)
		}
	}
}

// schedule moves the next tick forward to within `in`, never later.
func (c *Coordinator) schedule(timer *time.Timer, next *time.Time, in time.Duration) {
	at := c.now().Add(in)
	if !at.Before(*next) {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*next = at
	timer.Reset(in)
}

// Tick runs one reconciliation from a fresh read. CAS conflicts are retried from a new read,
// up to MaxCASRetries, after which ErrYieldLeadership is returned.
func (c *Coordinator) Tick(ctx context.Context) error {
	start := c.now()
	defer func() {
		c.metrics.Emit(streams.Metric{Operation: streams.CoordinatorTickOperation, StartTime: start, Count: 1})
	}()
	for attempt := 0; ; attempt++ {
		err := c.reconcile(ctx)
		if !errors.Is(err, ErrCASFailed) {
			return err
		}
		c.metrics.Count(streams.CASFailedOperation, streams.TopicPartition{}, 1)
		if attempt+1 >= c.cfg.MaxCASRetries {
			return ErrYieldLeadership
		}
		if !sak.SleepContext(ctx, sak.DefaultBackoff.Delay(attempt)) {
			return ctx.Err()
		}
	}
}

func (c *Coordinator) reconcile(ctx context.Context) error {
	state, err := LoadState(ctx, c.store, c.cfg.Keys)
	if err != nil {
		return err
	}
	if err = c.dropDeletedTopics(ctx, state); err != nil {
		return err
	}
	workers := state.EligibleWorkers()
	topics := make([]string, 0, len(state.Topics))
	for topic := range state.Topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		if err = c.reconcileTopic(ctx, state, state.Topics[topic].Value, workers); err != nil {
			return err
		}
	}
	return nil
}

// dropDeletedTopics removes assignments and handoffs of topics without a config.
func (c *Coordinator) dropDeletedTopics(ctx context.Context, state *State) error {
	keys := c.cfg.Keys
	for tp, a := range state.Assignments {
		if _, ok := state.Topics[tp.Topic]; ok {
			continue
		}
		if _, err := c.txn(ctx, []Compare{{keys.Assignment(tp), a.Revision}}, DeleteOp(keys.Assignment(tp))); err != nil {
			return err
		}
	}
	for tp, h := range state.Handoffs {
		if _, ok := state.Topics[tp.Topic]; ok {
			continue
		}
		if _, err := c.txn(ctx, []Compare{{keys.Handoff(tp), h.Revision}}, DeleteOp(keys.Handoff(tp))); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) reconcileTopic(ctx context.Context, state *State, tc TopicConfig, workers []string) error {
	// a live handoff counts as already moved, so the strategy does not undo it
	current := make(map[int32]string, tc.PartitionCount)
	for p := int32(0); p < tc.PartitionCount; p++ {
		tp := streams.NewTopicPartition(tc.Topic, p)
		if h, ok := state.Handoffs[tp]; ok && state.Eligible(h.Value.NewOwner) {
			current[p] = h.Value.NewOwner
		} else if a, ok := state.Assignments[tp]; ok {
			current[p] = a.Value.Owner
		}
	}
	desired := StickyBalanced(current, workers, tc.PartitionCount)

	for p := int32(0); p < tc.PartitionCount; p++ {
		tp := streams.NewTopicPartition(tc.Topic, p)
		a, assigned := state.Assignments[tp]
		if h, ok := state.Handoffs[tp]; ok {
			if err := c.advanceHandoff(ctx, state, h, a, assigned); err != nil {
				return err
			}
			continue
		}
		want, ok := desired[p]
		if !ok {
			continue
		}
		switch {
		case !assigned || !state.Alive(a.Value.Owner):
			if err := c.writeAssignment(ctx, state, tp, a.Revision, want); err != nil {
				return err
			}
		case a.Value.Owner != want:
			if err := c.startHandoff(ctx, state, tp, a, want); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) writeAssignment(ctx context.Context, state *State, tp streams.TopicPartition, rev int64, owner string) error {
	keys := c.cfg.Keys
	a := Assignment{Topic: tp.Topic, Partition: tp.Partition, Owner: owner, Status: AssignmentActive}
	cmps := []Compare{
		{keys.Assignment(tp), rev},
		// the owner's registration must be the one we read
		{keys.Worker(owner), state.Workers[owner].Revision},
	}
	if _, err := c.txn(ctx, cmps, PutOp(keys.Assignment(tp), encodeValue(a), NoLease)); err != nil {
		return err
	}
	c.metrics.Count(streams.AssignmentWrittenOperation, tp, 1)
	streams.Log().Infof("assigned %v to %s", tp, owner)
	return nil
}

func (c *Coordinator) startHandoff(ctx context.Context, state *State, tp streams.TopicPartition, a Versioned[Assignment], newOwner string) error {
	keys := c.cfg.Keys
	h := HandoffState{
		Topic:     tp.Topic,
		Partition: tp.Partition,
		OldOwner:  a.Value.Owner,
		NewOwner:  newOwner,
		Phase:     HandoffWarming,
		StartedAt: c.now().UTC(),
	}
	cmps := []Compare{
		{keys.Handoff(tp), 0},
		{keys.Assignment(tp), a.Revision},
		{keys.Worker(newOwner), state.Workers[newOwner].Revision},
	}
	if _, err := c.txn(ctx, cmps, PutOp(keys.Handoff(tp), encodeValue(h), NoLease)); err != nil {
		return err
	}
	c.metrics.Count(streams.HandoffStartedOperation, tp, 1)
	streams.Log().Infof("handoff of %v from %s to %s started", tp, h.OldOwner, h.NewOwner)
	return nil
}

// advanceHandoff drives one handoff according to its phase and the liveness of both owners.
func (c *Coordinator) advanceHandoff(ctx context.Context, state *State, h Versioned[HandoffState], a Versioned[Assignment], assigned bool) error {
	keys := c.cfg.Keys
	tp := h.Value.TopicPartition()
	handoffKey := keys.Handoff(tp)
	oldAlive := assigned && a.Value.Owner == h.Value.OldOwner && state.Alive(h.Value.OldOwner)
	newEligible := state.Eligible(h.Value.NewOwner)

	switch h.Value.Phase {
	case HandoffWarming, HandoffReady:
		switch {
		case !newEligible:
			// abandon, the old owner keeps the partition and the next tick plans again
			_, err := c.txn(ctx, []Compare{{handoffKey, h.Revision}}, DeleteOp(handoffKey))
			if err == nil {
				streams.Log().Infof("handoff of %v to %s abandoned", tp, h.Value.NewOwner)
			}
			return err
		case !oldAlive:
			// nothing to wait for, assign directly
			owner := h.Value.NewOwner
			next := Assignment{Topic: tp.Topic, Partition: tp.Partition, Owner: owner, Status: AssignmentActive}
			cmps := []Compare{{handoffKey, h.Revision}, {keys.Assignment(tp), a.Revision}, {keys.Worker(owner), state.Workers[owner].Revision}}
			_, err := c.txn(ctx, cmps, PutOp(keys.Assignment(tp), encodeValue(next), NoLease), DeleteOp(handoffKey))
			if err == nil {
				c.metrics.Count(streams.AssignmentWrittenOperation, tp, 1)
				streams.Log().Infof("assigned %v to %s, previous owner %s is gone", tp, owner, h.Value.OldOwner)
			}
			return err
		case h.Value.Phase == HandoffReady:
			return c.completeHandoff(ctx, state, h, a)
		}
	case HandoffComplete:
		if !state.Alive(h.Value.OldOwner) {
			// nobody left to release
			_, err := c.txn(ctx, []Compare{{handoffKey, h.Revision}}, DeleteOp(handoffKey))
			return err
		}
	}
	return nil
}

// completeHandoff moves ownership and marks the handoff Complete in one transaction.
func (c *Coordinator) completeHandoff(ctx context.Context, state *State, h Versioned[HandoffState], a Versioned[Assignment]) error {
	keys := c.cfg.Keys
	tp := h.Value.TopicPartition()
	owner := h.Value.NewOwner
	next := Assignment{Topic: tp.Topic, Partition: tp.Partition, Owner: owner, Status: AssignmentActive}
	complete := h.Value
	complete.Phase = HandoffComplete
	cmps := []Compare{
		{keys.Handoff(tp), h.Revision},
		{keys.Assignment(tp), a.Revision},
		{keys.Worker(owner), state.Workers[owner].Revision},
	}
	_, err := c.txn(ctx, cmps,
		PutOp(keys.Assignment(tp), encodeValue(next), NoLease),
		PutOp(keys.Handoff(tp), encodeValue(complete), NoLease))
	if err != nil {
		return err
	}
	c.metrics.Count(streams.HandoffCompletedOperation, tp, 1)
	streams.Log().Infof("handoff of %v from %s to %s complete", tp, h.Value.OldOwner, owner)
	return nil
}

func (c *Coordinator) txn(ctx context.Context, cmps []Compare, ops ...Op) (int64, error) {
	if rev := c.fence.Load(); rev > 0 {
		cmps = append(cmps, Compare{Key: c.cfg.Keys.Leader(), ModRevision: rev})
	}
	ioCtx, cancel := context.WithTimeout(ctx, c.cfg.LeaseTTL)
	defer cancel()
	return c.store.Txn(ioCtx, cmps, ops)
}
