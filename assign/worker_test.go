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
	"sync/atomic"
	"testing"
	"time"
)

type failingStore struct {
	*MemoryStore
	putErr    error
	revokeErr error
	revokes   atomic.Int32
}

func (f *failingStore) Put(ctx context.Context, key string, value []byte, lease LeaseID) (int64, error) {
	if f.putErr != nil {
		return 0, f.putErr
	}
	return f.MemoryStore.Put(ctx, key, value, lease)
}

func (f *failingStore) Revoke(ctx context.Context, lease LeaseID) error {
	f.revokes.Add(1)
	if f.revokeErr != nil {
		return f.revokeErr
	}
	return f.MemoryStore.Revoke(ctx, lease)
}

func TestRegisterRevokesLeaseOnFailure(t *testing.T) {
	ctx := context.Background()
	writeErr := errors.New("etcd unavailable")
	for _, revokeErr := range []error{nil, errors.New("lease not found")} {
		store := &failingStore{MemoryStore: NewMemoryStore(), putErr: writeErr, revokeErr: revokeErr}
		session, err := Register(ctx, store, WorkerSessionConfig{Name: "w-0", Keys: testKeys, LeaseTTL: time.Minute})
		if session != nil {
			t.Error("no session expected on failure")
		}
		if !errors.Is(err, writeErr) {
			t.Errorf("incorrect error. actual: %v, expected: %v", err, writeErr)
		}
		if n := store.revokes.Load(); n != 1 {
			t.Errorf("incorrect number of revokes. actual: %d, expected: %d", n, 1)
		}
		store.Close()
	}
}

func TestRegisterAndClose(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	defer store.Close()
	session, err := Register(ctx, store, WorkerSessionConfig{Name: "w-0", Keys: testKeys, LeaseTTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, testKeys.Worker("w-0")); err != nil {
		t.Errorf("registration not written: %v", err)
	}
	if err := session.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, testKeys.Worker("w-0")); !errors.Is(err, ErrNotFound) {
		t.Errorf("incorrect error after close. actual: %v, expected: %v", err, ErrNotFound)
	}
}
