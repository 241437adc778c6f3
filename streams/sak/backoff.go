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

package sak

import (
	"context"
	"time"
)

// Backoff describes a bounded exponential retry policy.
type Backoff struct {
	// Delay before the first retry.
	Initial time.Duration
	// Upper bound for any single delay.
	Max time.Duration
	// Growth factor applied after every failed attempt. Values < 1 are treated as 2.
	Multiplier float64
	// Total number of attempts, including the first. Values < 1 are treated as 1.
	Attempts int
}

var DefaultBackoff = Backoff{
	Initial:    100 * time.Millisecond,
	Max:        5 * time.Second,
	Multiplier: 2,
	Attempts:   8,
}

// Delay returns the wait before retry number `attempt` (0 based).
func (b Backoff) Delay(attempt int) time.Duration {
	m := b.Multiplier
	if m < 1 {
		m = 2
	}
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= m
		if b.Max > 0 && time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	return time.Duration(d)
}

// Retry invokes fn until it succeeds, `retryable` returns false, attempts are exhausted or ctx is done.
// A nil `retryable` retries every error. The last error is returned.
func (b Backoff) Retry(ctx context.Context, retryable func(error) bool, fn func() error) (err error) {
	attempts := Max(b.Attempts, 1)
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if !SleepContext(ctx, b.Delay(i)) {
			return ctx.Err()
		}
	}
	return err
}
