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
	"sync"
	"sync/atomic"
	"time"
)

// RebalanceCoordinator counts in-flight rebalances for the process.
// While the count is > 0, offset commits, orphan cleanup and checkpoints are suspended.
// A counter rather than a flag, so overlapping rebalances do not re-open the gate early.
type RebalanceCoordinator struct {
	count atomic.Int64
}

func NewRebalanceCoordinator() *RebalanceCoordinator {
	return &RebalanceCoordinator{}
}

// Start must be called synchronously inside the broker callback, before any async work is scheduled.
func (rc *RebalanceCoordinator) Start() {
	rc.count.Add(1)
}

// Finish is called once the async part of a rebalance completes, including on panic or cancellation.
// The count never goes below zero, even transiently.
func (rc *RebalanceCoordinator) Finish() {
	for {
		n := rc.count.Load()
		if n <= 0 {
			contractViolation("RebalanceCoordinator.Finish called without a matching Start")
			return
		}
		if rc.count.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (rc *RebalanceCoordinator) IsRebalancing() bool {
	return rc.count.Load() > 0
}

func (rc *RebalanceCoordinator) Count() int64 {
	return rc.count.Load()
}

// RebalanceGuard is a scope-bound Start/Finish pair. Release is idempotent.
type RebalanceGuard struct {
	rc   *RebalanceCoordinator
	once sync.Once
}

// Guard calls Start and returns a guard whose Release calls Finish. Typical usage:
//
//	guard := rc.Guard()
//	go func() {
//		defer guard.Release()
//		// async cleanup
//	}()
func (rc *RebalanceCoordinator) Guard() *RebalanceGuard {
	rc.Start()
	return &RebalanceGuard{rc: rc}
}

func (g *RebalanceGuard) Release() {
	g.once.Do(g.rc.Finish)
}

// WaitUntilSettled polls until no rebalance is in flight or ctx is done.
func (rc *RebalanceCoordinator) WaitUntilSettled(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for rc.IsRebalancing() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
